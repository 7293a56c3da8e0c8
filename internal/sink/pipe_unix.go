//go:build !windows

package sink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

const fifoPollInterval = 10 * time.Millisecond

// fifoChannel is a named FIFO in a private temp directory. The encoder
// opens it for reading by path; Accept completes once that open is pending.
type fifoChannel struct {
	dir  string
	path string
}

func newPipeChannel(name string, _ int) (pipeChannel, error) {
	dir, err := os.MkdirTemp("", "sat-lec-rec-")
	if err != nil {
		return nil, fmt.Errorf("fifo dir: %w", err)
	}
	path := filepath.Join(dir, name)
	if err := unix.Mkfifo(path, 0600); err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("mkfifo %s: %w", path, err)
	}
	return &fifoChannel{dir: dir, path: path}, nil
}

func (c *fifoChannel) Path() string { return c.path }

// Accept polls a non-blocking write open, which fails with ENXIO until a
// reader has the FIFO open. The returned file is registered with the
// runtime poller, so writes still block until the reader drains.
func (c *fifoChannel) Accept(ctx context.Context, armed func()) (io.WriteCloser, error) {
	armed()
	ticker := time.NewTicker(fifoPollInterval)
	defer ticker.Stop()
	for {
		f, err := os.OpenFile(c.path, os.O_WRONLY|unix.O_NONBLOCK, 0)
		if err == nil {
			return f, nil
		}
		if !errors.Is(err, unix.ENXIO) {
			return nil, fmt.Errorf("open fifo: %w", err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *fifoChannel) Close() error {
	return os.RemoveAll(c.dir)
}
