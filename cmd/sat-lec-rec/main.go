package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/Eyebottle/sat-lec-rec/internal/archive"
	"github.com/Eyebottle/sat-lec-rec/internal/config"
	"github.com/Eyebottle/sat-lec-rec/internal/logging"
)

var (
	version  = "0.1.0"
	cfgFile  string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:          "sat-lec-rec",
	Short:        "Lecture screen and audio recorder",
	Long:         `sat-lec-rec records the desktop and system audio to an MP4 (or MPEG-TS) file, either through ffmpeg or with in-process encoders.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("sat-lec-rec v%s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is sat-lec-rec.yaml in the user config dir)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log level (debug, info, warn, error)")

	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(probeCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads and validates the config and initializes logging. The
// returned func closes the log file, if any.
func loadConfig() (*config.Config, func(), error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}

	res := cfg.ValidateTiered()
	for _, w := range res.Warnings {
		fmt.Fprintf(os.Stderr, "config warning: %v\n", w)
	}
	if res.HasFatals() {
		return nil, nil, fmt.Errorf("invalid config: %w", errors.Join(res.Fatals...))
	}

	var out io.Writer = os.Stdout
	closeLog := func() {}
	if cfg.LogFile != "" {
		rw, err := logging.NewRotatingWriter(cfg.LogFile, cfg.LogMaxSizeMB, cfg.LogMaxBackups)
		if err != nil {
			return nil, nil, err
		}
		out = logging.TeeWriter(os.Stdout, rw)
		closeLog = func() { rw.Close() }
	}
	logging.Init(cfg.LogFormat, cfg.LogLevel, out)
	return cfg, closeLog, nil
}

// newArchiver returns nil when archiving is disabled.
func newArchiver(ctx context.Context, cfg *config.Config) (*archive.Archiver, error) {
	p, err := archive.New(ctx, cfg.Archive)
	if errors.Is(err, archive.ErrDisabled) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return archive.NewArchiver(p, cfg.Archive), nil
}
