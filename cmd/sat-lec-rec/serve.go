package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Eyebottle/sat-lec-rec/internal/archive"
	"github.com/Eyebottle/sat-lec-rec/internal/control"
	"github.com/Eyebottle/sat-lec-rec/internal/health"
	"github.com/Eyebottle/sat-lec-rec/internal/logging"
	"github.com/Eyebottle/sat-lec-rec/internal/recorder"
)

var log = logging.L("main")

var serveForwardLevel string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the host control server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveForwardLevel, "forward-logs", "warn", "minimum level of log entries pushed to hosts")
}

func runServe() error {
	cfg, closeLog, err := loadConfig()
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	archiver, err := newArchiver(ctx, cfg)
	if err != nil {
		return err
	}

	session := recorder.NewSession(cfg, recorder.Deps{})
	srv := control.NewServer(session, cfg.Control)
	srv.ForwardLogs(ctx, serveForwardLevel)

	if archiver != nil {
		archiver.OnResult = func(r archive.Result) {
			result := map[string]any{
				"localPath": r.LocalPath,
				"key":       r.Key,
				"provider":  r.Provider,
				"attempts":  r.Attempts,
				"bytes":     r.Bytes,
				"deleted":   r.Deleted,
			}
			if r.Err != nil {
				result["error"] = r.Err.Error()
				session.Health().Update(health.Archive, health.Degraded, r.Err.Error())
			} else {
				session.Health().Update(health.Archive, health.Healthy, "")
			}
			srv.Broadcast(control.Event{Type: control.MsgArchived, Result: result})
		}
		session.OnFinished = func(path string, _ recorder.Stats) {
			if err := archiver.Enqueue(path); err != nil {
				log.Warn("archive enqueue failed", "path", path, logging.KeyError, err)
			}
		}
	}

	log.Info("sat-lec-rec starting", "version", version, "sink", cfg.Recording.Sink)
	serveErr := srv.ListenAndServe(ctx, cfg.Control.Listen)

	log.Info("shutting down")
	session.Cleanup()
	if archiver != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		archiver.Close(shutdownCtx)
	}
	return serveErr
}
