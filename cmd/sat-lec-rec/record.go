package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Eyebottle/sat-lec-rec/internal/archive"
	"github.com/Eyebottle/sat-lec-rec/internal/recorder"
)

// archiveWait bounds how long record waits for its upload before exiting.
const archiveWait = 30 * time.Minute

var (
	recWidth    int
	recHeight   int
	recFPS      int
	recDuration time.Duration
	recSink     string
	recNoUpload bool
)

var recordCmd = &cobra.Command{
	Use:   "record [output]",
	Short: "Record the desktop and system audio until interrupted",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var out string
		if len(args) == 1 {
			out = args[0]
		}
		return runRecord(out)
	},
}

func init() {
	recordCmd.Flags().IntVar(&recWidth, "width", 0, "output width (0 = native)")
	recordCmd.Flags().IntVar(&recHeight, "height", 0, "output height (0 = native)")
	recordCmd.Flags().IntVar(&recFPS, "fps", 0, "frame rate (0 = config)")
	recordCmd.Flags().DurationVar(&recDuration, "duration", 0, "stop after this long (0 = until Ctrl+C)")
	recordCmd.Flags().StringVar(&recSink, "sink", "", "sink backend: pipe or embedded")
	recordCmd.Flags().BoolVar(&recNoUpload, "no-archive", false, "skip the archive upload")
}

func runRecord(out string) error {
	cfg, closeLog, err := loadConfig()
	if err != nil {
		return err
	}
	defer closeLog()
	if recSink != "" {
		cfg.Recording.Sink = recSink
	}
	if out == "" {
		out = recorder.DefaultOutputPath(cfg, time.Now())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var archiver *archive.Archiver
	if !recNoUpload {
		if archiver, err = newArchiver(ctx, cfg); err != nil {
			return err
		}
	}

	session := recorder.NewSession(cfg, recorder.Deps{})
	if err := session.Initialize(); err != nil {
		return err
	}
	defer session.Cleanup()
	if err := session.StartRecording(ctx, out, recWidth, recHeight, recFPS); err != nil {
		return fmt.Errorf("start recording: %w", err)
	}
	fmt.Printf("Recording to %s (Ctrl+C to stop)\n", out)

	var deadline <-chan time.Time
	if recDuration > 0 {
		t := time.NewTimer(recDuration)
		defer t.Stop()
		deadline = t.C
	}
	select {
	case <-ctx.Done():
	case <-deadline:
	case <-session.Done():
	}

	fmt.Println("\nStopping...")
	stopErr := session.StopRecording()
	printSummary(session.Stats())
	if stopErr != nil {
		return fmt.Errorf("recording failed: %w", stopErr)
	}

	if archiver != nil {
		archiver.OnResult = func(r archive.Result) {
			if r.Err != nil {
				fmt.Printf("Archive upload failed after %d attempts: %v\n", r.Attempts, r.Err)
				return
			}
			fmt.Printf("Archived to %s:%s (%d bytes in %s)\n", r.Provider, r.Key, r.Bytes, r.Duration.Round(time.Millisecond))
		}
		if err := archiver.Enqueue(out); err != nil {
			return err
		}
		fmt.Println("Uploading to archive...")
		waitCtx, cancel := context.WithTimeout(context.Background(), archiveWait)
		defer cancel()
		archiver.Close(waitCtx)
	}
	return nil
}

func printSummary(st recorder.Stats) {
	fmt.Printf("Output:        %s\n", st.OutputPath)
	fmt.Printf("State:         %s\n", st.State)
	fmt.Printf("Geometry:      %dx%d @ %d fps\n", st.Width, st.Height, st.FPS)
	fmt.Printf("Video frames:  %d (dropped %d, repeated %d)\n", st.VideoFrames, st.VideoDropped, st.Screen.Repeated)
	fmt.Printf("Audio samples: %d (dropped chunks %d)\n", st.AudioSamples, st.AudioDropped)
	if st.Sink.Encoder != "" {
		fmt.Printf("Encoder:       %s\n", st.Sink.Encoder)
	}
	fmt.Printf("Duration:      %s\n", (time.Duration(st.DurationMillis) * time.Millisecond).Round(time.Millisecond))
	if st.Sink.BytesWritten > 0 {
		fmt.Printf("Written:       %d bytes\n", st.Sink.BytesWritten)
	}
	if st.AudioLost {
		fmt.Println("Audio:         lost during recording, remainder is silent")
	}
	if st.LastError != "" {
		fmt.Printf("Last error:    %s\n", st.LastError)
	}
}
