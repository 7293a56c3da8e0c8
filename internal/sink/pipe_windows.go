//go:build windows

package sink

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/Microsoft/go-winio"
)

// SDDL: SYSTEM and the interactive user get read/write.
const pipeSecurity = "D:P(A;;GA;;;SY)(A;;GRGW;;;IU)(A;;GRGW;;;OW)"

// namedPipeChannel is an outbound named pipe server. The encoder connects
// as a client by opening the pipe path as its input file.
type namedPipeChannel struct {
	path     string
	listener net.Listener
	once     sync.Once
}

func newPipeChannel(name string, bufSize int) (pipeChannel, error) {
	path := `\\.\pipe\` + name
	cfg := &winio.PipeConfig{
		SecurityDescriptor: pipeSecurity,
		InputBufferSize:    4096,
		OutputBufferSize:   int32(bufSize),
	}
	l, err := winio.ListenPipe(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("listen pipe %s: %w", path, err)
	}
	return &namedPipeChannel{path: path, listener: l}, nil
}

func (c *namedPipeChannel) Path() string { return c.path }

// Accept waits for the single client connection. Cancelling ctx closes the
// listener, which unblocks the pending accept.
func (c *namedPipeChannel) Accept(ctx context.Context, armed func()) (io.WriteCloser, error) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			c.closeListener()
		case <-done:
		}
	}()

	armed()
	conn, err := c.listener.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("accept pipe %s: %w", c.path, err)
	}
	// One client per channel.
	c.closeListener()
	return conn, nil
}

func (c *namedPipeChannel) closeListener() {
	c.once.Do(func() { c.listener.Close() })
}

func (c *namedPipeChannel) Close() error {
	c.closeListener()
	return nil
}
