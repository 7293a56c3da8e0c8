package archive

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Eyebottle/sat-lec-rec/internal/config"
	"github.com/Eyebottle/sat-lec-rec/internal/retry"
)

type flakyProvider struct {
	mu       sync.Mutex
	failures int
	calls    int
	keys     []string
}

func (f *flakyProvider) Name() string { return "flaky" }

func (f *flakyProvider) Upload(_ context.Context, _, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return errors.New("connection reset")
	}
	f.keys = append(f.keys, key)
	return nil
}

func writeRecording(t *testing.T, dir, name string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte("ftyp-moov-moof-mdat"), 0o644); err != nil {
		t.Fatal(err)
	}
	mod := time.Date(2026, time.March, 7, 10, 0, 0, 0, time.Local)
	if err := os.Chtimes(p, mod, mod); err != nil {
		t.Fatal(err)
	}
	return p
}

func runArchiver(t *testing.T, p Provider, cfg config.ArchiveConfig, path string) Result {
	t.Helper()
	a := NewArchiver(p, cfg)
	a.Backoff = time.Millisecond
	results := make(chan Result, 1)
	a.OnResult = func(r Result) { results <- r }
	if err := a.Enqueue(path); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	a.Close(ctx)
	select {
	case r := <-results:
		return r
	default:
		t.Fatal("no upload result")
		return Result{}
	}
}

func TestKey(t *testing.T) {
	mod := time.Date(2026, time.November, 2, 9, 0, 0, 0, time.UTC)
	tests := []struct {
		prefix string
		want   string
	}{
		{"lectures", "lectures/2026/11/sat.mp4"},
		{"/lectures/", "lectures/2026/11/sat.mp4"},
		{"a/b", "a/b/2026/11/sat.mp4"},
		{"", "2026/11/sat.mp4"},
	}
	for _, tt := range tests {
		if got := Key(tt.prefix, filepath.Join("rec", "sat.mp4"), mod); got != tt.want {
			t.Errorf("Key(%q) = %q, want %q", tt.prefix, got, tt.want)
		}
	}
}

func TestNewProvider(t *testing.T) {
	if _, err := New(context.Background(), config.ArchiveConfig{Provider: "none"}); !errors.Is(err, ErrDisabled) {
		t.Errorf("none: %v", err)
	}
	if _, err := New(context.Background(), config.ArchiveConfig{Provider: "ftp"}); err == nil {
		t.Error("unknown provider accepted")
	}
	p, err := New(context.Background(), config.ArchiveConfig{Provider: "local", LocalPath: t.TempDir()})
	if err != nil || p.Name() != "local" {
		t.Errorf("local: %v %v", p, err)
	}
	if _, err := New(context.Background(), config.ArchiveConfig{Provider: "azure"}); err == nil {
		t.Error("azure without credentials accepted")
	}
	if _, err := New(context.Background(), config.ArchiveConfig{Provider: "s3"}); err == nil {
		t.Error("s3 without bucket accepted")
	}
}

func TestLocalProviderUpload(t *testing.T) {
	src := writeRecording(t, t.TempDir(), "sat.mp4")
	base := t.TempDir()
	p := NewLocalProvider(base)

	if err := p.Upload(context.Background(), src, "lectures/2026/03/sat.mp4"); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	got, err := os.ReadFile(filepath.Join(base, "lectures", "2026", "03", "sat.mp4"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "ftyp-moov-moof-mdat" {
		t.Errorf("copied %q", got)
	}
	if _, err := os.Stat(filepath.Join(base, "lectures", "2026", "03", "sat.mp4.part")); !os.IsNotExist(err) {
		t.Error("temporary file left behind")
	}
}

func TestLocalProviderRejectsTraversal(t *testing.T) {
	src := writeRecording(t, t.TempDir(), "sat.mp4")
	p := NewLocalProvider(t.TempDir())
	for _, key := range []string{"../escape.mp4", "a/../../escape.mp4", ""} {
		err := p.Upload(context.Background(), src, key)
		if err == nil {
			t.Errorf("key %q accepted", key)
		} else if !retry.IsPermanent(err) {
			t.Errorf("key %q: %v should not be retried", key, err)
		}
	}
	if err := NewLocalProvider("").Upload(context.Background(), src, "x.mp4"); err == nil {
		t.Error("empty base path accepted")
	}
}

func TestLocalProviderCancelled(t *testing.T) {
	src := writeRecording(t, t.TempDir(), "sat.mp4")
	base := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := NewLocalProvider(base).Upload(ctx, src, "sat.mp4"); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if _, err := os.Stat(filepath.Join(base, "sat.mp4")); !os.IsNotExist(err) {
		t.Error("cancelled upload left a file")
	}
}

func TestArchiverRetries(t *testing.T) {
	tests := []struct {
		name         string
		failures     int
		wantErr      bool
		wantAttempts int
	}{
		{"first try", 0, false, 1},
		{"recovers", 2, false, 3},
		{"gives up", 5, true, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := writeRecording(t, t.TempDir(), "sat.mp4")
			p := &flakyProvider{failures: tt.failures}
			r := runArchiver(t, p, config.ArchiveConfig{Prefix: "lectures", Workers: 1}, src)
			if (r.Err != nil) != tt.wantErr {
				t.Fatalf("err = %v", r.Err)
			}
			if r.Attempts != tt.wantAttempts {
				t.Errorf("attempts = %d, want %d", r.Attempts, tt.wantAttempts)
			}
			if !tt.wantErr && (len(p.keys) != 1 || p.keys[0] != "lectures/2026/03/sat.mp4") {
				t.Errorf("uploaded keys = %v", p.keys)
			}
			if _, err := os.Stat(src); err != nil {
				t.Error("source removed without delete_after_upload")
			}
		})
	}
}

func TestArchiverDeleteAfterUpload(t *testing.T) {
	dir := t.TempDir()
	src := writeRecording(t, dir, "sat.mp4")
	base := t.TempDir()
	cfg := config.ArchiveConfig{Prefix: "lectures", Workers: 1, DeleteAfterUpload: true}
	r := runArchiver(t, NewLocalProvider(base), cfg, src)
	if r.Err != nil || !r.Deleted {
		t.Fatalf("result = %+v", r)
	}
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Error("source still present")
	}
	if _, err := os.Stat(filepath.Join(base, "lectures", "2026", "03", "sat.mp4")); err != nil {
		t.Errorf("archived copy missing: %v", err)
	}
}

func TestArchiverKeepsFileOnFailure(t *testing.T) {
	src := writeRecording(t, t.TempDir(), "sat.mp4")
	cfg := config.ArchiveConfig{Workers: 1, DeleteAfterUpload: true}
	r := runArchiver(t, &flakyProvider{failures: 10}, cfg, src)
	if r.Err == nil || r.Deleted {
		t.Fatalf("result = %+v", r)
	}
	if _, err := os.Stat(src); err != nil {
		t.Error("failed upload deleted the recording")
	}
}

func TestArchiverEnqueueErrors(t *testing.T) {
	a := NewArchiver(&flakyProvider{}, config.ArchiveConfig{Workers: 1})
	if err := a.Enqueue(filepath.Join(t.TempDir(), "missing.mp4")); err == nil {
		t.Error("missing file accepted")
	}
	if err := a.Enqueue(t.TempDir()); err == nil {
		t.Error("directory accepted")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	a.Close(ctx)
	src := writeRecording(t, t.TempDir(), "late.mp4")
	if err := a.Enqueue(src); !errors.Is(err, ErrClosed) {
		t.Errorf("Enqueue after Close = %v", err)
	}
}

func TestArchiverSkipsRetryForRejectedKey(t *testing.T) {
	src := writeRecording(t, t.TempDir(), "sat.mp4")
	cfg := config.ArchiveConfig{Prefix: "../../outside", Workers: 1}
	r := runArchiver(t, NewLocalProvider(t.TempDir()), cfg, src)
	if r.Err == nil {
		t.Fatal("upload outside the base path succeeded")
	}
	if r.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", r.Attempts)
	}
}
