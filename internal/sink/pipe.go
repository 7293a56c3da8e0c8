package sink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Eyebottle/sat-lec-rec/internal/logging"
	"github.com/Eyebottle/sat-lec-rec/internal/media"
)

const (
	videoPipeBuffer = 4 << 20
	audioPipeBuffer = 512 << 10
	writeChunk      = 64 << 10

	defaultConnectTimeout = 10 * time.Second
	defaultExitTimeout    = 5 * time.Second
	killWait              = 2 * time.Second
)

// pipeChannel is one unidirectional byte channel into the encoder process.
type pipeChannel interface {
	// Path is what the encoder opens as its input file.
	Path() string
	// Accept blocks until the encoder has connected. armed runs once the
	// channel is ready for the encoder to connect.
	Accept(ctx context.Context, armed func()) (io.WriteCloser, error)
	Close() error
}

// PipeSink streams raw BGRA frames and f32le PCM to an ffmpeg child over two
// channels: named pipes on Windows, FIFOs elsewhere. The child owns all
// encoding and muxing; the sink only keeps bytes flowing in arrival order.
type PipeSink struct {
	launcher Launcher
	log      *slog.Logger

	mu      sync.Mutex
	cfg     Config
	video   pipeChannel
	audio   pipeChannel
	vw      io.WriteCloser
	aw      io.WriteCloser
	proc    Process
	vpts    *VideoPTS
	apts    *AudioPTS
	stopped bool

	started     atomic.Bool
	videoFrames atomic.Uint64
	audioFrames atomic.Uint64
	written     atomic.Uint64
	maxVideoPTS atomic.Int64
	maxAudioPTS atomic.Int64
	procStats   atomic.Pointer[ProcessStats]
}

// NewPipeSink returns an unstarted sink. A nil launcher runs ffmpeg as a
// child process.
func NewPipeSink(launcher Launcher) *PipeSink {
	if launcher == nil {
		launcher = ExecLauncher{}
	}
	s := &PipeSink{
		launcher: launcher,
		log:      log.With(logging.KeySink, KindPipe),
	}
	s.maxVideoPTS.Store(-1)
	s.maxAudioPTS.Store(-1)
	return s
}

func (s *PipeSink) Name() string { return KindPipe }

// Start creates both channels, launches the encoder once both are armed and
// waits for it to connect to each. On any failure everything acquired is
// released and the child is killed.
func (s *PipeSink) Start(ctx context.Context, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started.Load() {
		return fmt.Errorf("%w: already started", ErrInvalidConfig)
	}

	// Custom launchers take the configured path verbatim.
	binary := cfg.Pipe.FFmpegPath
	if _, ok := s.launcher.(ExecLauncher); ok || binary == "" {
		resolved, err := ResolveFFmpeg(binary)
		if err != nil {
			return err
		}
		binary = resolved
	}
	if dir := filepath.Dir(cfg.OutputPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create output dir: %w", err)
		}
	}

	name := fmt.Sprintf("sat_lec_rec_%d_%d", os.Getpid(), time.Now().UnixNano())
	video, err := newPipeChannel(name+"_video", videoPipeBuffer)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	audio, err := newPipeChannel(name+"_audio", audioPipeBuffer)
	if err != nil {
		video.Close()
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}

	args := BuildFFmpegArgs(cfg, video.Path(), audio.Path())
	s.log.Info("launching encoder", "ffmpeg", binary, "output", cfg.OutputPath,
		"size", fmt.Sprintf("%dx%d", cfg.Width, cfg.Height), "fps", cfg.FPS,
		"sampleRate", cfg.SampleRate, "channels", cfg.Channels)
	s.log.Debug("encoder command line", "args", strings.Join(args, " "))

	vw, aw, proc, err := s.connect(ctx, cfg, binary, args, video, audio)
	if err != nil {
		video.Close()
		audio.Close()
		s.log.Error("encoder handshake failed", logging.KeyError, err)
		return err
	}

	s.cfg = cfg
	s.video, s.audio = video, audio
	s.vw, s.aw = vw, aw
	s.proc = proc
	s.vpts = NewVideoPTS(cfg.Clock, cfg.FPS)
	s.apts = NewAudioPTS()
	s.stopped = false
	s.started.Store(true)
	s.log.Info("encoder connected", "pid", proc.Pid())
	return nil
}

// connect arms both accepts, launches the child, then joins the accepts
// against ConnectTimeout while watching for a premature exit.
func (s *PipeSink) connect(ctx context.Context, cfg Config, binary string, args []string, video, audio pipeChannel) (io.WriteCloser, io.WriteCloser, Process, error) {
	timeout := cfg.Pipe.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	g, gctx := errgroup.WithContext(cctx)

	var armed, accepted sync.WaitGroup
	armed.Add(2)
	accepted.Add(2)
	var vw, aw io.WriteCloser
	accept := func(ch pipeChannel, which string, dst *io.WriteCloser) {
		g.Go(func() error {
			defer accepted.Done()
			var once sync.Once
			w, err := ch.Accept(gctx, func() { once.Do(armed.Done) })
			once.Do(armed.Done)
			if err != nil {
				return fmt.Errorf("%s channel: %w", which, err)
			}
			*dst = w
			return nil
		})
	}
	accept(video, "video", &vw)
	accept(audio, "audio", &aw)

	armedCh := make(chan struct{})
	go func() {
		armed.Wait()
		close(armedCh)
	}()

	var proc Process
	fail := func(err error) (io.WriteCloser, io.WriteCloser, Process, error) {
		cancel()
		g.Wait()
		for _, w := range []io.WriteCloser{vw, aw} {
			if w != nil {
				w.Close()
			}
		}
		if proc != nil {
			proc.Kill()
			select {
			case <-proc.Done():
			case <-time.After(killWait):
			}
		}
		return nil, nil, nil, err
	}

	select {
	case <-armedCh:
	case <-gctx.Done():
		return fail(s.handshakeErr(ctx, g.Wait()))
	}

	var err error
	proc, err = s.launcher.Launch(ctx, binary, args)
	if err != nil {
		return fail(fmt.Errorf("%w: %v", ErrProcessExited, err))
	}

	connected := make(chan struct{})
	go func() {
		accepted.Wait()
		close(connected)
	}()
	g.Go(func() error {
		select {
		case <-proc.Done():
			select {
			case <-connected:
				return nil
			default:
			}
			return exitError(proc)
		case <-connected:
			return nil
		case <-gctx.Done():
			return nil
		}
	})

	if err := g.Wait(); err != nil {
		return fail(s.handshakeErr(ctx, err))
	}
	return vw, aw, proc, nil
}

func (s *PipeSink) handshakeErr(parent context.Context, err error) error {
	if err == nil {
		err = context.Canceled
	}
	if errors.Is(err, context.DeadlineExceeded) && parent.Err() == nil {
		return fmt.Errorf("%w: %v", ErrConnectTimeout, err)
	}
	return err
}

func exitError(proc Process) error {
	if tail := lastLine(proc.Output()); tail != "" {
		return fmt.Errorf("%w: exit code %d: %s", ErrProcessExited, proc.ExitCode(), tail)
	}
	return fmt.Errorf("%w: exit code %d", ErrProcessExited, proc.ExitCode())
}

func lastLine(out string) string {
	out = strings.TrimSpace(out)
	if i := strings.LastIndexByte(out, '\n'); i >= 0 {
		out = out[i+1:]
	}
	return strings.TrimSpace(out)
}

// EncodeVideo writes one packed BGRA frame to the video channel.
func (s *PipeSink) EncodeVideo(f *media.VideoFrame) error {
	if !s.started.Load() {
		return ErrNotStarted
	}
	if err := f.Validate(); err != nil {
		return err
	}
	if f.Width != s.cfg.Width || f.Height != s.cfg.Height {
		return fmt.Errorf("%w: frame %dx%d, session %dx%d", ErrInvalidConfig, f.Width, f.Height, s.cfg.Width, s.cfg.Height)
	}
	pts := s.vpts.Next(f.Tick)
	if err := s.write(s.vw, f.Packed(), "video"); err != nil {
		return err
	}
	s.maxVideoPTS.Store(pts)
	s.videoFrames.Add(1)
	return nil
}

// EncodeAudio writes one chunk of interleaved float32 PCM to the audio
// channel.
func (s *PipeSink) EncodeAudio(c *media.AudioChunk) error {
	if !s.started.Load() {
		return ErrNotStarted
	}
	if err := c.Validate(); err != nil {
		return err
	}
	pts := s.apts.Next(c.Frames)
	if err := s.write(s.aw, c.Data, "audio"); err != nil {
		return err
	}
	s.maxAudioPTS.Store(pts)
	s.audioFrames.Add(uint64(c.Frames))
	return nil
}

// write pushes data in bounded chunks until every byte is accepted.
func (s *PipeSink) write(w io.Writer, data []byte, which string) error {
	for len(data) > 0 {
		n := min(len(data), writeChunk)
		m, err := w.Write(data[:n])
		s.written.Add(uint64(m))
		if err != nil {
			return s.transportErr(which, err)
		}
		if m == 0 {
			return s.transportErr(which, io.ErrShortWrite)
		}
		data = data[m:]
	}
	return nil
}

func (s *PipeSink) transportErr(which string, err error) error {
	select {
	case <-s.proc.Done():
		return fmt.Errorf("%w: %s write: %v (%v)", ErrTransport, which, err, exitError(s.proc))
	default:
	}
	return fmt.Errorf("%w: %s write: %v", ErrTransport, which, err)
}

// Stop closes both channels so the encoder sees EOF, waits ExitTimeout for
// it to finalize the file, then kills it. A non-zero exit is an error.
func (s *PipeSink) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started.Load() || s.stopped {
		return nil
	}
	s.stopped = true
	s.started.Store(false)

	if st := snapshotProcess(s.proc.Pid()); st != nil {
		s.procStats.Store(st)
		s.log.Info("encoder resources", "pid", st.Pid, "cpuPercent", st.CPUPercent, "rssBytes", st.RSSBytes)
	}

	for _, w := range []io.WriteCloser{s.vw, s.aw} {
		if err := w.Close(); err != nil {
			s.log.Debug("closing channel", logging.KeyError, err)
		}
	}

	exitTimeout := s.cfg.Pipe.ExitTimeout
	if exitTimeout <= 0 {
		exitTimeout = defaultExitTimeout
	}
	start := time.Now()
	var errs []error
	select {
	case <-s.proc.Done():
	case <-time.After(exitTimeout):
		s.log.Warn("encoder did not exit, killing", "pid", s.proc.Pid(), "timeout", exitTimeout)
		if err := s.proc.Kill(); err != nil {
			errs = append(errs, fmt.Errorf("kill encoder: %w", err))
		}
		select {
		case <-s.proc.Done():
		case <-time.After(killWait):
			errs = append(errs, fmt.Errorf("%w: still running after kill", ErrProcessExited))
		}
	}

	select {
	case <-s.proc.Done():
		if code := s.proc.ExitCode(); code != 0 {
			errs = append(errs, exitError(s.proc))
		}
	default:
	}

	s.video.Close()
	s.audio.Close()
	s.log.Info("encoder stopped",
		logging.KeyDurationMs, time.Since(start).Milliseconds(),
		"videoFrames", s.videoFrames.Load(),
		"audioFrames", s.audioFrames.Load(),
		"bytes", s.written.Load())
	return errors.Join(errs...)
}

func (s *PipeSink) Stats() Stats {
	return Stats{
		VideoFrames:  s.videoFrames.Load(),
		AudioFrames:  s.audioFrames.Load(),
		BytesWritten: s.written.Load(),
		MaxVideoPTS:  s.maxVideoPTS.Load(),
		MaxAudioPTS:  s.maxAudioPTS.Load(),
		Encoder:      "ffmpeg",
		Process:      s.procStats.Load(),
	}
}
