package logging

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestPreInitLoggerUsesConfiguredHandler(t *testing.T) {
	logger := L("capture")

	var buf bytes.Buffer
	Init("text", "info", &buf)

	logger.Info("device reacquired", "attempt", 2)

	out := buf.String()
	if !strings.Contains(out, `msg="device reacquired"`) {
		t.Fatalf("expected plain message, got: %s", out)
	}
	if !strings.Contains(out, "component=capture") {
		t.Fatalf("expected component field, got: %s", out)
	}
	if !strings.Contains(out, "attempt=2") {
		t.Fatalf("expected attempt field, got: %s", out)
	}
}

func TestPreInitLoggerRespectsConfiguredLevel(t *testing.T) {
	logger := L("sink")

	var buf bytes.Buffer
	Init("text", "warn", &buf)

	logger.Info("hidden")
	logger.Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info log should be filtered at warn level: %s", out)
	}
	if !strings.Contains(out, "shown") {
		t.Fatalf("warn log should be emitted: %s", out)
	}
}

func TestSetLevelAppliesAtRuntime(t *testing.T) {
	logger := L("recorder")

	var buf bytes.Buffer
	Init("text", "error", &buf)
	logger.Info("before")
	SetLevel("debug")
	logger.Debug("after")
	t.Cleanup(func() { SetLevel("info") })

	out := buf.String()
	if strings.Contains(out, "before") {
		t.Fatalf("info should be filtered before SetLevel: %s", out)
	}
	if !strings.Contains(out, "after") {
		t.Fatalf("debug should pass after SetLevel: %s", out)
	}
}

func TestTapReceivesEntriesWithLoggerAttrs(t *testing.T) {
	var buf bytes.Buffer
	Init("text", "error", &buf)

	sub := Subscribe("info")
	defer Unsubscribe(sub)

	logger := WithSession(L("recorder"), "sess-1")
	logger.Info("state changed", slog.String("state", "capturing"))

	select {
	case entry := <-sub.C:
		if entry.Component != "recorder" {
			t.Fatalf("expected component recorder, got %q", entry.Component)
		}
		if got := entry.Fields[KeySession]; got != "sess-1" {
			t.Fatalf("expected session field, got %#v", got)
		}
		if got := entry.Fields["state"]; got != "capturing" {
			t.Fatalf("expected state field, got %#v", got)
		}
	default:
		t.Fatal("expected tapped log entry")
	}

	if strings.Contains(buf.String(), "state changed") {
		t.Fatalf("local handler at error level should not print info: %s", buf.String())
	}
}

func TestTapDropsWhenSubscriberFull(t *testing.T) {
	Init("text", "error", &bytes.Buffer{})
	sub := Subscribe("debug")
	defer Unsubscribe(sub)

	logger := L("flood")
	for i := 0; i < defaultTapBuffer+10; i++ {
		logger.Debug("tick", "i", i)
	}
	if sub.Dropped() != 10 {
		t.Fatalf("expected 10 dropped entries, got %d", sub.Dropped())
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	sub := Subscribe("info")
	Unsubscribe(sub)
	Unsubscribe(sub)
	if _, ok := <-sub.C; ok {
		t.Fatal("expected closed channel after unsubscribe")
	}
}

func TestRotatingWriterRotates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "recorder.log")
	rw, err := NewRotatingWriter(path, 1, 2)
	if err != nil {
		t.Fatalf("NewRotatingWriter: %v", err)
	}
	defer rw.Close()
	clock := time.Date(2026, time.October, 19, 9, 0, 0, 0, time.Local)
	rw.now = func() time.Time {
		clock = clock.Add(time.Minute)
		return clock
	}

	chunk := bytes.Repeat([]byte("x"), 700*1024)
	for i := 0; i < 4; i++ {
		if _, err := rw.Write(chunk); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	backups := rw.backups()
	if len(backups) != 2 {
		t.Fatalf("backups = %v, want 2 kept", backups)
	}
	for _, b := range backups {
		if !strings.HasPrefix(filepath.Base(b), "recorder-20261019-") || filepath.Ext(b) != ".log" {
			t.Errorf("unexpected backup name %s", b)
		}
	}
	if fi, err := os.Stat(path); err != nil || fi.Size() != int64(len(chunk)) {
		t.Fatalf("current log: %v", err)
	}
}

func TestRotatingWriterRotatesOnNewDay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recorder.log")
	rw, err := NewRotatingWriter(path, 10, 3)
	if err != nil {
		t.Fatal(err)
	}
	defer rw.Close()
	day := time.Date(2026, time.October, 19, 23, 59, 0, 0, time.Local)
	rw.now = func() time.Time { return day }
	rw.day = rw.today()

	rw.Write([]byte("evening lecture\n"))
	day = day.Add(2 * time.Minute)
	rw.Write([]byte("morning lecture\n"))

	backups := rw.backups()
	if len(backups) != 1 {
		t.Fatalf("backups = %v, want 1", backups)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "morning lecture\n" {
		t.Errorf("current log = %q", data)
	}
}

func TestRotatingWriterClosed(t *testing.T) {
	rw, err := NewRotatingWriter(filepath.Join(t.TempDir(), "r.log"), 1, 1)
	if err != nil {
		t.Fatal(err)
	}
	rw.Close()
	if _, err := rw.Write([]byte("x")); err == nil {
		t.Error("write after Close succeeded")
	}
	if err := rw.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}
