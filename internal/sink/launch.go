package sink

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"

	"github.com/shirou/gopsutil/v3/process"
)

// stderrTailSize bounds how much encoder output is kept for error reports.
const stderrTailSize = 16 * 1024

// Process is a running encoder.
type Process interface {
	Pid() int
	// Done is closed once the process has exited.
	Done() <-chan struct{}
	// ExitCode is valid after Done; -1 means killed or never waited.
	ExitCode() int
	Kill() error
	// Output returns the tail of the process's diagnostic output.
	Output() string
}

// Launcher starts encoder processes.
type Launcher interface {
	Launch(ctx context.Context, path string, args []string) (Process, error)
}

// ExecLauncher runs the encoder as a child process in its own process group.
type ExecLauncher struct{}

func (ExecLauncher) Launch(_ context.Context, path string, args []string) (Process, error) {
	// The child outlives Start's context; Stop owns its lifetime.
	cmd := exec.Command(path, args...)
	p := &execProcess{cmd: cmd, done: make(chan struct{}), code: -1}
	cmd.Stdout = &tailWriter{limit: stderrTailSize}
	cmd.Stderr = &p.stderr
	p.stderr.limit = stderrTailSize
	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", path, err)
	}
	go p.wait()
	return p, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stderr tailWriter
	done   chan struct{}

	mu   sync.Mutex
	code int
}

func (p *execProcess) wait() {
	err := p.cmd.Wait()
	code := 0
	if err != nil {
		code = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
	}
	p.mu.Lock()
	p.code = code
	p.mu.Unlock()
	close(p.done)
}

func (p *execProcess) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *execProcess) Done() <-chan struct{} { return p.done }

func (p *execProcess) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.code
}

func (p *execProcess) Kill() error {
	select {
	case <-p.done:
		return nil
	default:
	}
	return killProcessGroup(p.cmd)
}

func (p *execProcess) Output() string { return p.stderr.String() }

// tailWriter keeps the last limit bytes written to it. Writes never fail so
// a chatty child cannot block on its diagnostic stream.
type tailWriter struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (w *tailWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := len(p)
	if len(p) > w.limit {
		p = p[len(p)-w.limit:]
	}
	if over := w.buf.Len() + len(p) - w.limit; over > 0 {
		w.buf.Next(over)
	}
	w.buf.Write(p)
	return n, nil
}

func (w *tailWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}

// ProcessStats is a resource snapshot of the encoder process.
type ProcessStats struct {
	Pid        int     `json:"pid"`
	CPUPercent float64 `json:"cpuPercent"`
	RSSBytes   uint64  `json:"rssBytes"`
	Threads    int32   `json:"threads,omitempty"`
}

// snapshotProcess reads CPU and memory usage for pid. It returns nil when
// the process is gone or the platform denies access.
func snapshotProcess(pid int) *ProcessStats {
	if pid <= 0 {
		return nil
	}
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return nil
	}
	st := &ProcessStats{Pid: pid}
	if cpu, err := proc.CPUPercent(); err == nil {
		st.CPUPercent = cpu
	}
	if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
		st.RSSBytes = mem.RSS
	}
	if n, err := proc.NumThreads(); err == nil {
		st.Threads = n
	}
	return st
}
