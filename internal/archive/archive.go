// Package archive copies finished recordings to long-term storage after a
// session stops. Uploads run on a worker pool so the recorder never waits
// for the network.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/Eyebottle/sat-lec-rec/internal/config"
	"github.com/Eyebottle/sat-lec-rec/internal/logging"
	"github.com/Eyebottle/sat-lec-rec/internal/retry"
	"github.com/Eyebottle/sat-lec-rec/internal/workerpool"
)

var log = logging.L("archive")

var (
	// ErrDisabled means no archive provider is configured.
	ErrDisabled  = errors.New("archive disabled")
	ErrClosed    = errors.New("archiver closed")
	ErrQueueFull = errors.New("archive queue full")
)

const queueSize = 16

// Provider stores one file under a remote key.
type Provider interface {
	Upload(ctx context.Context, localPath, key string) error
	Name() string
}

// New builds the provider named by cfg.Provider. It returns ErrDisabled for
// "none" or an empty provider.
func New(ctx context.Context, cfg config.ArchiveConfig) (Provider, error) {
	switch strings.ToLower(cfg.Provider) {
	case "", "none":
		return nil, ErrDisabled
	case "local":
		return NewLocalProvider(cfg.LocalPath), nil
	case "s3":
		return NewS3Provider(ctx, S3Options{
			Bucket:       cfg.S3Bucket,
			Region:       cfg.S3Region,
			Endpoint:     cfg.S3Endpoint,
			AccessKeyID:  cfg.S3AccessKeyID,
			SecretKey:    cfg.S3SecretKey,
			SessionToken: cfg.S3SessionToken,
		})
	case "azure":
		return NewAzureProvider(cfg.AzureConnectionString, cfg.AzureContainer)
	case "b2":
		return NewB2Provider(cfg.B2AccountID, cfg.B2AppKey, cfg.B2Bucket), nil
	case "gcs":
		return NewGCSProvider(ctx, cfg.GCSBucket, cfg.GCSCredentialsFile)
	}
	return nil, fmt.Errorf("unknown archive provider %q", cfg.Provider)
}

// Key returns the remote key for a recording: <prefix>/<yyyy>/<mm>/<basename>,
// dated by the file's modification time.
func Key(prefix, localPath string, modTime time.Time) string {
	base := filepath.Base(localPath)
	dated := path.Join(fmt.Sprintf("%04d", modTime.Year()), fmt.Sprintf("%02d", int(modTime.Month())), base)
	prefix = strings.Trim(filepath.ToSlash(prefix), "/")
	if prefix == "" {
		return dated
	}
	return path.Join(prefix, dated)
}

func contentType(key string) string {
	switch strings.ToLower(path.Ext(key)) {
	case ".mp4":
		return "video/mp4"
	case ".ts":
		return "video/mp2t"
	}
	return "application/octet-stream"
}

// Result reports the outcome of one queued upload.
type Result struct {
	LocalPath string        `json:"localPath"`
	Key       string        `json:"key"`
	Provider  string        `json:"provider"`
	Attempts  int           `json:"attempts"`
	Bytes     int64         `json:"bytes"`
	Duration  time.Duration `json:"duration"`
	Deleted   bool          `json:"deleted"`
	Err       error         `json:"-"`
}

// Archiver uploads finished recordings in the background.
type Archiver struct {
	provider    Provider
	prefix      string
	deleteAfter bool
	pool        *workerpool.Pool

	// Attempts and Backoff bound retries. Backoff doubles per attempt, with
	// jitter.
	Attempts int
	Backoff  time.Duration
	// OnResult, if set, runs on the worker after every upload.
	OnResult func(Result)
}

// NewArchiver returns an archiver running cfg.Workers uploads at a time.
func NewArchiver(p Provider, cfg config.ArchiveConfig) *Archiver {
	return &Archiver{
		provider:    p,
		prefix:      cfg.Prefix,
		deleteAfter: cfg.DeleteAfterUpload,
		pool:        workerpool.New(cfg.Workers, queueSize),
		Attempts:    retry.DefaultConfig().MaxAttempts,
		Backoff:     retry.DefaultConfig().InitialDelay,
	}
}

// Enqueue schedules localPath for upload.
func (a *Archiver) Enqueue(localPath string) error {
	fi, err := os.Stat(localPath)
	if err != nil {
		return fmt.Errorf("archive %s: %w", localPath, err)
	}
	if fi.IsDir() {
		return fmt.Errorf("archive %s: is a directory", localPath)
	}
	key := Key(a.prefix, localPath, fi.ModTime())
	if !a.pool.Submit(func(ctx context.Context) { a.upload(ctx, localPath, key, fi.Size()) }) {
		if a.pool.Context().Err() != nil {
			return ErrClosed
		}
		return ErrQueueFull
	}
	log.Info("archive upload queued", "file", localPath, "key", key, "provider", a.provider.Name())
	return nil
}

func (a *Archiver) upload(ctx context.Context, localPath, key string, size int64) {
	res := Result{LocalPath: localPath, Key: key, Provider: a.provider.Name(), Bytes: size}
	start := time.Now()
	cfg := retry.DefaultConfig()
	cfg.MaxAttempts = a.Attempts
	cfg.InitialDelay = a.Backoff
	res.Attempts, res.Err = retry.Do(ctx, cfg, "archive upload "+key, func(ctx context.Context) error {
		return a.provider.Upload(ctx, localPath, key)
	})
	res.Duration = time.Since(start)

	if res.Err != nil {
		log.Error("archive upload gave up", "key", key, "attempts", res.Attempts, logging.KeyError, res.Err)
	} else {
		log.Info("archive upload done", "key", key, "bytes", res.Bytes, logging.KeyDurationMs, res.Duration.Milliseconds())
		if a.deleteAfter {
			if err := os.Remove(localPath); err != nil {
				log.Warn("failed to delete archived recording", "file", localPath, logging.KeyError, err)
			} else {
				res.Deleted = true
			}
		}
	}
	if a.OnResult != nil {
		a.OnResult(res)
	}
}

// Close stops accepting uploads and waits for queued ones until ctx ends.
func (a *Archiver) Close(ctx context.Context) {
	a.pool.Shutdown(ctx)
	if c, ok := a.provider.(io.Closer); ok {
		if err := c.Close(); err != nil {
			log.Debug("archive provider close", logging.KeyError, err)
		}
	}
}
