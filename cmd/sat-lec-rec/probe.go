package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Eyebottle/sat-lec-rec/internal/capture"
	"github.com/Eyebottle/sat-lec-rec/internal/sink"
)

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Report capture backends, ffmpeg and available encoders",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runProbe()
	},
}

func runProbe() error {
	cfg, closeLog, err := loadConfig()
	if err != nil {
		return err
	}
	defer closeLog()

	fmt.Println("Capture backends:", strings.Join(capture.Backends(), ", "))

	if path, err := sink.ResolveFFmpeg(cfg.Pipe.FFmpegPath); err != nil {
		fmt.Println("ffmpeg:          not found:", err)
	} else {
		fmt.Println("ffmpeg:         ", path)
	}

	fmt.Println("Encoders:")
	for _, e := range sink.Encoders() {
		fmt.Printf("  %-12s %-6s %-6s %s\n", e.Name, e.Kind, e.Codec, strings.Join(e.Containers, ","))
	}

	for _, kind := range []string{sink.KindPipe, sink.KindEmbedded} {
		if err := sink.Probe(kind, cfg); err != nil {
			fmt.Printf("Sink %-9s unavailable: %v\n", kind+":", err)
		} else {
			fmt.Printf("Sink %-9s ok\n", kind+":")
		}
	}

	screen, err := capture.NewScreenSource(0, cfg.Capture.Synthetic)
	if err == nil {
		err = screen.Open()
	}
	if err != nil {
		fmt.Println("Display:         unavailable:", err)
	} else {
		w, h := screen.Bounds()
		fmt.Printf("Display:         %dx%d (%s)\n", w, h, screen.Name())
		screen.Close()
	}

	audio, err := capture.NewAudioSource(cfg.Capture.Synthetic)
	if err != nil {
		fmt.Println("Audio:           unavailable:", err)
		return nil
	}
	format, err := audio.Open()
	if err != nil {
		fmt.Println("Audio:           unavailable:", err)
		return nil
	}
	fmt.Printf("Audio:           %d Hz, %d channels (%s)\n", format.SampleRate, format.Channels, audio.Name())
	audio.Close()
	return nil
}
