package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := Default()
	result := cfg.ValidateTiered()
	if len(result.All()) != 0 {
		t.Fatalf("default config should validate cleanly, got %v", result.All())
	}
}

func TestValidateTieredUnknownSinkIsFatal(t *testing.T) {
	cfg := Default()
	cfg.Recording.Sink = "rtmp"
	result := cfg.ValidateTiered()
	if !result.HasFatals() {
		t.Fatal("unknown sink should be fatal")
	}
}

func TestValidateTieredOddGeometryIsFatal(t *testing.T) {
	cfg := Default()
	cfg.Recording.Width = 1919
	cfg.Recording.Height = 1080
	if !cfg.ValidateTiered().HasFatals() {
		t.Fatal("odd width should be fatal")
	}
}

func TestValidateTieredFPSClampingIsWarning(t *testing.T) {
	cfg := Default()
	cfg.Recording.FPS = 0
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatalf("clamped fps should be warning, not fatal: %v", result.Fatals)
	}
	if len(result.Warnings) == 0 {
		t.Fatal("expected warning for clamped fps")
	}
	if cfg.Recording.FPS != 1 {
		t.Fatalf("FPS = %d, want 1 (clamped)", cfg.Recording.FPS)
	}
}

func TestValidateTieredDurationClamping(t *testing.T) {
	cfg := Default()
	cfg.Pipe.ConnectTimeout = 0
	cfg.Capture.AcquireTimeout = 5 * time.Second
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatalf("clamped durations should not be fatal: %v", result.Fatals)
	}
	if cfg.Pipe.ConnectTimeout != time.Second {
		t.Fatalf("ConnectTimeout = %s, want 1s", cfg.Pipe.ConnectTimeout)
	}
	if cfg.Capture.AcquireTimeout != time.Second {
		t.Fatalf("AcquireTimeout = %s, want 1s", cfg.Capture.AcquireTimeout)
	}
}

func TestValidateTieredTSRequiresCompressedCodecs(t *testing.T) {
	cfg := Default()
	cfg.Embedded.Container = "ts"
	cfg.Embedded.VideoEncoder = "mjpeg"
	if !cfg.ValidateTiered().HasFatals() {
		t.Fatal("ts with mjpeg should be fatal")
	}
}

func TestValidateTieredArchiveProviderRequirements(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*ArchiveConfig)
		wantFail bool
	}{
		{"none", func(a *ArchiveConfig) { a.Provider = "none" }, false},
		{"local without path", func(a *ArchiveConfig) { a.Provider = "local" }, true},
		{"local with path", func(a *ArchiveConfig) { a.Provider = "local"; a.LocalPath = "/mnt/nas" }, false},
		{"s3 without region", func(a *ArchiveConfig) { a.Provider = "s3"; a.S3Bucket = "b" }, true},
		{"s3 complete", func(a *ArchiveConfig) { a.Provider = "s3"; a.S3Bucket = "b"; a.S3Region = "ap-northeast-2" }, false},
		{"azure missing container", func(a *ArchiveConfig) { a.Provider = "azure"; a.AzureConnectionString = "x" }, true},
		{"b2 missing key", func(a *ArchiveConfig) { a.Provider = "b2"; a.B2AccountID = "id"; a.B2Bucket = "b" }, true},
		{"gcs complete", func(a *ArchiveConfig) { a.Provider = "gcs"; a.GCSBucket = "b" }, false},
		{"unknown", func(a *ArchiveConfig) { a.Provider = "ftp" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg.Archive)
			if got := cfg.ValidateTiered().HasFatals(); got != tt.wantFail {
				t.Fatalf("HasFatals = %v, want %v (%v)", got, tt.wantFail, cfg.ValidateTiered().Fatals)
			}
		})
	}
}

func TestValidateTieredControlMustBeLoopback(t *testing.T) {
	cfg := Default()
	cfg.Control.Listen = "0.0.0.0:47651"
	result := cfg.ValidateTiered()
	if !result.HasFatals() {
		t.Fatal("non-loopback listen address should be fatal")
	}
	found := false
	for _, err := range result.Fatals {
		if strings.Contains(err.Error(), "loopback") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected loopback error, got %v", result.Fatals)
	}
}

func TestValidateTieredControlCharsInTokenIsFatal(t *testing.T) {
	cfg := Default()
	cfg.Control.Token = "token\x00with\x01control"
	if !cfg.ValidateTiered().HasFatals() {
		t.Fatal("control chars in token should be fatal")
	}
}

func TestLoadReadsFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sat-lec-rec.yaml")
	data := "recording:\n  sink: embedded\n  fps: 24\ncapture:\n  recovery_backoff: 300ms\n"
	if err := os.WriteFile(path, []byte(data), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SATLECREC_PIPE_CRF", "28")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Recording.Sink != "embedded" {
		t.Fatalf("Sink = %q, want embedded", cfg.Recording.Sink)
	}
	if cfg.Recording.FPS != 24 {
		t.Fatalf("FPS = %d, want 24", cfg.Recording.FPS)
	}
	if cfg.Capture.RecoveryBackoff != 300*time.Millisecond {
		t.Fatalf("RecoveryBackoff = %s, want 300ms", cfg.Capture.RecoveryBackoff)
	}
	if cfg.Pipe.CRF != 28 {
		t.Fatalf("CRF = %d, want 28 from env", cfg.Pipe.CRF)
	}
	if cfg.Recording.VideoQueue != 60 {
		t.Fatalf("VideoQueue = %d, want default 60", cfg.Recording.VideoQueue)
	}
}

func TestSaveToRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "out.yaml")
	cfg := Default()
	cfg.Embedded.Container = "ts"
	cfg.Pipe.SegmentSeconds = 2700
	if err := SaveTo(cfg, path); err != nil {
		t.Fatalf("SaveTo: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Embedded.Container != "ts" || loaded.Pipe.SegmentSeconds != 2700 {
		t.Fatalf("round trip mismatch: %+v %+v", loaded.Embedded, loaded.Pipe)
	}
	if loaded.Pipe.ConnectTimeout != 10*time.Second {
		t.Fatalf("ConnectTimeout = %s, want 10s", loaded.Pipe.ConnectTimeout)
	}
}
