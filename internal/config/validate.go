package config

import (
	"fmt"
	"log/slog"
	"net"
	"path/filepath"
	"strings"
	"time"
	"unicode"
)

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

var validSinks = map[string]bool{
	"pipe":     true,
	"embedded": true,
}

var validContainers = map[string]bool{
	"mp4": true,
	"ts":  true,
}

var validVideoEncoders = map[string]bool{
	"auto":  true,
	"mft":   true,
	"mjpeg": true,
}

var validAudioEncoders = map[string]bool{
	"auto": true,
	"aac":  true,
	"lpcm": true,
}

var validProviders = map[string]bool{
	"":      true,
	"none":  true,
	"local": true,
	"s3":    true,
	"azure": true,
	"b2":    true,
	"gcs":   true,
}

// ValidationResult separates problems that prevent recording from values
// that were clamped into range.
type ValidationResult struct {
	Fatals   []error
	Warnings []error
}

// HasFatals reports whether any fatal problem was found.
func (r ValidationResult) HasFatals() bool {
	return len(r.Fatals) > 0
}

// All returns fatals followed by warnings.
func (r ValidationResult) All() []error {
	all := make([]error, 0, len(r.Fatals)+len(r.Warnings))
	all = append(all, r.Fatals...)
	return append(all, r.Warnings...)
}

// Validate checks the config and returns every problem found. Out-of-range
// numeric values are clamped in place. Problems are logged as warnings.
func (c *Config) Validate() []error {
	result := c.ValidateTiered()
	errs := result.All()
	for _, err := range errs {
		slog.Warn("config validation", "error", err)
	}
	return errs
}

// ValidateTiered is Validate without logging, split into fatals and warnings.
func (c *Config) ValidateTiered() ValidationResult {
	var r ValidationResult

	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		r.Warnings = append(r.Warnings, fmt.Errorf("log_level %q is not valid (use debug, info, warn, error)", c.LogLevel))
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		r.Warnings = append(r.Warnings, fmt.Errorf("log_format %q is not valid (use text or json)", c.LogFormat))
	}

	rec := &c.Recording
	if !validSinks[strings.ToLower(rec.Sink)] {
		r.Fatals = append(r.Fatals, fmt.Errorf("recording.sink %q is not valid (use pipe or embedded)", rec.Sink))
	}
	clampInt(&r, "recording.fps", &rec.FPS, 1, 120)
	clampInt(&r, "recording.video_queue", &rec.VideoQueue, 2, 1000)
	clampInt(&r, "recording.audio_queue", &rec.AudioQueue, 2, 5000)
	if rec.Width < 0 || rec.Height < 0 || rec.Width%2 != 0 || rec.Height%2 != 0 {
		r.Fatals = append(r.Fatals, fmt.Errorf("recording geometry %dx%d must be non-negative and even", rec.Width, rec.Height))
	}

	capc := &c.Capture
	clampDuration(&r, "capture.acquire_timeout", &capc.AcquireTimeout, 10*time.Millisecond, time.Second)
	clampInt(&r, "capture.max_recoveries", &capc.MaxRecoveries, 1, 50)
	clampDuration(&r, "capture.recovery_backoff", &capc.RecoveryBackoff, 10*time.Millisecond, 10*time.Second)
	clampInt(&r, "capture.max_consecutive_failures", &capc.MaxConsecutiveFailures, 1, 1000)
	clampDuration(&r, "capture.retry_delay", &capc.RetryDelay, time.Millisecond, time.Second)
	clampDuration(&r, "capture.audio_poll_interval", &capc.AudioPollInterval, time.Millisecond, 200*time.Millisecond)

	p := &c.Pipe
	clampDuration(&r, "pipe.connect_timeout", &p.ConnectTimeout, time.Second, 2*time.Minute)
	clampDuration(&r, "pipe.exit_timeout", &p.ExitTimeout, 500*time.Millisecond, time.Minute)
	clampInt(&r, "pipe.crf", &p.CRF, 0, 51)
	clampInt(&r, "pipe.audio_bitrate", &p.AudioBitrate, 32000, 512000)
	if p.SegmentSeconds < 0 {
		r.Warnings = append(r.Warnings, fmt.Errorf("pipe.segment_seconds %d is negative, disabling segments", p.SegmentSeconds))
		p.SegmentSeconds = 0
	}
	if p.FFmpegPath != "" && !filepath.IsAbs(p.FFmpegPath) && strings.ContainsRune(p.FFmpegPath, filepath.Separator) {
		r.Warnings = append(r.Warnings, fmt.Errorf("pipe.ffmpeg_path %q is relative; it resolves against the working directory", p.FFmpegPath))
	}

	e := &c.Embedded
	e.Container = strings.ToLower(e.Container)
	if !validContainers[e.Container] {
		r.Fatals = append(r.Fatals, fmt.Errorf("embedded.container %q is not valid (use mp4 or ts)", e.Container))
	}
	if !validVideoEncoders[strings.ToLower(e.VideoEncoder)] {
		r.Fatals = append(r.Fatals, fmt.Errorf("embedded.video_encoder %q is not valid (use auto, mft or mjpeg)", e.VideoEncoder))
	}
	if !validAudioEncoders[strings.ToLower(e.AudioEncoder)] {
		r.Fatals = append(r.Fatals, fmt.Errorf("embedded.audio_encoder %q is not valid (use auto, aac or lpcm)", e.AudioEncoder))
	}
	if e.Container == "ts" && (strings.EqualFold(e.VideoEncoder, "mjpeg") || strings.EqualFold(e.AudioEncoder, "lpcm")) {
		r.Fatals = append(r.Fatals, fmt.Errorf("embedded.container ts requires H.264 video and AAC audio"))
	}
	clampInt(&r, "embedded.video_bitrate", &e.VideoBitrate, 250_000, 50_000_000)
	clampInt(&r, "embedded.audio_bitrate", &e.AudioBitrate, 96000, 192000)
	clampInt(&r, "embedded.jpeg_quality", &e.JPEGQuality, 1, 100)

	a := &c.Archive
	a.Provider = strings.ToLower(a.Provider)
	if !validProviders[a.Provider] {
		r.Fatals = append(r.Fatals, fmt.Errorf("archive.provider %q is not valid", a.Provider))
	}
	switch a.Provider {
	case "local":
		if a.LocalPath == "" {
			r.Fatals = append(r.Fatals, fmt.Errorf("archive.local_path is required for the local provider"))
		}
	case "s3":
		if a.S3Bucket == "" || a.S3Region == "" {
			r.Fatals = append(r.Fatals, fmt.Errorf("archive.s3_bucket and archive.s3_region are required for the s3 provider"))
		}
	case "azure":
		if a.AzureConnectionString == "" || a.AzureContainer == "" {
			r.Fatals = append(r.Fatals, fmt.Errorf("archive.azure_connection_string and archive.azure_container are required for the azure provider"))
		}
	case "b2":
		if a.B2AccountID == "" || a.B2AppKey == "" || a.B2Bucket == "" {
			r.Fatals = append(r.Fatals, fmt.Errorf("archive.b2_account_id, b2_application_key and b2_bucket are required for the b2 provider"))
		}
	case "gcs":
		if a.GCSBucket == "" {
			r.Fatals = append(r.Fatals, fmt.Errorf("archive.gcs_bucket is required for the gcs provider"))
		}
	}
	clampInt(&r, "archive.workers", &a.Workers, 1, 8)

	if c.Control.Listen != "" {
		host, _, err := net.SplitHostPort(c.Control.Listen)
		if err != nil {
			r.Fatals = append(r.Fatals, fmt.Errorf("control.listen %q is not host:port: %w", c.Control.Listen, err))
		} else if ip := net.ParseIP(host); host != "localhost" && (ip == nil || !ip.IsLoopback()) {
			r.Fatals = append(r.Fatals, fmt.Errorf("control.listen %q must bind a loopback address", c.Control.Listen))
		}
	}
	for _, ch := range c.Control.Token {
		if unicode.IsControl(ch) {
			r.Fatals = append(r.Fatals, fmt.Errorf("control.token contains control characters"))
			break
		}
	}

	return r
}

func clampInt(r *ValidationResult, key string, v *int, lo, hi int) {
	if *v < lo {
		r.Warnings = append(r.Warnings, fmt.Errorf("%s %d is below minimum %d, clamping", key, *v, lo))
		*v = lo
	} else if *v > hi {
		r.Warnings = append(r.Warnings, fmt.Errorf("%s %d exceeds maximum %d, clamping", key, *v, hi))
		*v = hi
	}
}

func clampDuration(r *ValidationResult, key string, v *time.Duration, lo, hi time.Duration) {
	if *v < lo {
		r.Warnings = append(r.Warnings, fmt.Errorf("%s %s is below minimum %s, clamping", key, *v, lo))
		*v = lo
	} else if *v > hi {
		r.Warnings = append(r.Warnings, fmt.Errorf("%s %s exceeds maximum %s, clamping", key, *v, hi))
		*v = hi
	}
}
