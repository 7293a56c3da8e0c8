package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const backupStamp = "20060102-150405"

// RotatingWriter appends to one log file and moves it aside when it grows
// past maxSize or the local date changes. Backups are named
// <base>-<yyyymmdd-hhmmss><ext> and only the newest maxBackups are kept.
// Safe for concurrent use.
type RotatingWriter struct {
	mu         sync.Mutex
	file       *os.File
	filePath   string
	maxSize    int64
	maxBackups int
	written    int64
	day        string
	now        func() time.Time
}

// NewRotatingWriter opens filePath for appending. Zero limits select 20 MB
// and 5 backups.
func NewRotatingWriter(filePath string, maxSizeMB int, maxBackups int) (*RotatingWriter, error) {
	if maxSizeMB <= 0 {
		maxSizeMB = 20
	}
	if maxBackups <= 0 {
		maxBackups = 5
	}
	if err := os.MkdirAll(filepath.Dir(filePath), 0o700); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	rw := &RotatingWriter{
		filePath:   filePath,
		maxSize:    int64(maxSizeMB) << 20,
		maxBackups: maxBackups,
		now:        time.Now,
	}
	if err := rw.open(); err != nil {
		return nil, err
	}
	return rw, nil
}

func (rw *RotatingWriter) Write(p []byte) (int, error) {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	if rw.file == nil {
		return 0, os.ErrClosed
	}
	if rw.written > 0 && (rw.written+int64(len(p)) > rw.maxSize || rw.today() != rw.day) {
		if err := rw.rotate(); err != nil {
			return 0, fmt.Errorf("log rotation: %w", err)
		}
	}
	n, err := rw.file.Write(p)
	rw.written += int64(n)
	return n, err
}

func (rw *RotatingWriter) Close() error {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	if rw.file == nil {
		return nil
	}
	err := rw.file.Close()
	rw.file = nil
	return err
}

// TeeWriter returns an io.Writer that writes to both w1 and w2.
func TeeWriter(w1, w2 io.Writer) io.Writer {
	return io.MultiWriter(w1, w2)
}

func (rw *RotatingWriter) today() string {
	return rw.now().Format("20060102")
}

func (rw *RotatingWriter) open() error {
	f, err := os.OpenFile(rw.filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	rw.file = f
	rw.written = info.Size()
	rw.day = info.ModTime().Format("20060102")
	if rw.written == 0 {
		rw.day = rw.today()
	}
	return nil
}

func (rw *RotatingWriter) rotate() error {
	rw.file.Close()
	rw.file = nil

	backup := rw.backupName(rw.now())
	if _, err := os.Stat(backup); err == nil {
		backup = rw.backupName(rw.now().Add(time.Second))
	}
	if err := os.Rename(rw.filePath, backup); err != nil && !os.IsNotExist(err) {
		// Keep appending to the current file rather than losing entries.
		if oerr := rw.open(); oerr != nil {
			return oerr
		}
		return err
	}
	rw.prune()
	return rw.open()
}

func (rw *RotatingWriter) backupName(t time.Time) string {
	ext := filepath.Ext(rw.filePath)
	base := strings.TrimSuffix(rw.filePath, ext)
	return base + "-" + t.Format(backupStamp) + ext
}

// backups returns existing backup files, oldest first.
func (rw *RotatingWriter) backups() []string {
	ext := filepath.Ext(rw.filePath)
	base := strings.TrimSuffix(rw.filePath, ext)
	matches, _ := filepath.Glob(base + "-*" + ext)
	out := matches[:0]
	for _, m := range matches {
		stamp := strings.TrimSuffix(strings.TrimPrefix(m, base+"-"), ext)
		if _, err := time.Parse(backupStamp, stamp); err == nil {
			out = append(out, m)
		}
	}
	sort.Strings(out)
	return out
}

func (rw *RotatingWriter) prune() {
	old := rw.backups()
	for len(old) > rw.maxBackups {
		os.Remove(old[0])
		old = old[1:]
	}
}
