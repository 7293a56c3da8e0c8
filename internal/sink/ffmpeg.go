package sink

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
)

// FFmpegEnv overrides the ffmpeg binary location.
const FFmpegEnv = "SATLECREC_FFMPEG"

// bundledSearchDepth is how many parent directories above the executable
// are checked for third_party/ffmpeg.
const bundledSearchDepth = 6

var ErrFFmpegNotFound = errors.New("ffmpeg not found")

func ffmpegBinary() string {
	if runtime.GOOS == "windows" {
		return "ffmpeg.exe"
	}
	return "ffmpeg"
}

// ResolveFFmpeg finds the encoder binary. Search order: the configured
// path, $SATLECREC_FFMPEG, third_party/ffmpeg next to the executable or
// up to six parents above it, the same under the working directory, then
// $PATH.
func ResolveFFmpeg(configured string) (string, error) {
	if configured != "" {
		if isFile(configured) {
			return configured, nil
		}
		return "", fmt.Errorf("%w: configured path %s", ErrFFmpegNotFound, configured)
	}
	if env := os.Getenv(FFmpegEnv); env != "" {
		if isFile(env) {
			return env, nil
		}
		log.Warn("ffmpeg override does not exist", "path", env)
	}

	var roots []string
	if exe, err := os.Executable(); err == nil {
		roots = append(roots, filepath.Dir(exe))
	}
	if wd, err := os.Getwd(); err == nil {
		roots = append(roots, wd)
	}
	for _, root := range roots {
		if p := searchBundled(root); p != "" {
			return p, nil
		}
	}

	if p, err := exec.LookPath(ffmpegBinary()); err == nil {
		return p, nil
	}
	return "", ErrFFmpegNotFound
}

func searchBundled(dir string) string {
	for i := 0; i <= bundledSearchDepth; i++ {
		candidate := filepath.Join(dir, "third_party", "ffmpeg", ffmpegBinary())
		if isFile(candidate) {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return ""
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// commandBuilder assembles an ffmpeg invocation with raw audio and video
// inputs and a single encoded output.
type commandBuilder struct {
	logLevel   string
	inputs     [][]string
	filters    []string
	outputArgs []string
}

func newCommandBuilder(logLevel string) *commandBuilder {
	if logLevel == "" {
		logLevel = "info"
	}
	return &commandBuilder{logLevel: logLevel}
}

func (b *commandBuilder) input(path string, args ...string) *commandBuilder {
	in := append([]string{"-thread_queue_size", "1024"}, args...)
	b.inputs = append(b.inputs, append(in, "-i", path))
	return b
}

func (b *commandBuilder) filter(f string) *commandBuilder {
	b.filters = append(b.filters, f)
	return b
}

func (b *commandBuilder) out(args ...string) *commandBuilder {
	b.outputArgs = append(b.outputArgs, args...)
	return b
}

func (b *commandBuilder) build(output string) []string {
	args := []string{"-hide_banner", "-nostdin", "-loglevel", b.logLevel, "-y"}
	for _, in := range b.inputs {
		args = append(args, in...)
	}
	// Inputs are audio then video; map explicitly so stream order is fixed.
	args = append(args, "-map", "1:v:0", "-map", "0:a:0")
	if len(b.filters) > 0 {
		args = append(args, "-vf", strings.Join(b.filters, ","))
	}
	args = append(args, b.outputArgs...)
	return append(args, output)
}

// BuildFFmpegArgs returns the argument list for an ffmpeg reading
// interleaved f32le PCM from audioPath and packed BGRA frames from
// videoPath.
func BuildFFmpegArgs(cfg Config, videoPath, audioPath string) []string {
	pc := cfg.Pipe
	b := newCommandBuilder(pc.LogLevel)

	// Audio first: ffmpeg opens inputs in order and the audio channel must
	// not stall behind the video probe.
	b.input(audioPath,
		"-f", "f32le",
		"-ar", strconv.Itoa(cfg.SampleRate),
		"-ac", strconv.Itoa(cfg.Channels),
	)
	b.input(videoPath,
		"-f", "rawvideo",
		"-pix_fmt", "bgra",
		"-s", fmt.Sprintf("%dx%d", cfg.Width, cfg.Height),
		"-r", strconv.Itoa(cfg.FPS),
	)

	if pc.VFlip {
		b.filter("vflip")
	}

	preset := pc.Preset
	if preset == "" {
		preset = "veryfast"
	}
	b.out("-c:v", "libx264", "-preset", preset, "-crf", strconv.Itoa(pc.CRF))
	if pc.Tune != "" {
		b.out("-tune", pc.Tune)
	}
	b.out("-g", strconv.Itoa(cfg.FPS), "-pix_fmt", "yuv420p")

	abr := pc.AudioBitrate
	if abr <= 0 {
		abr = 192000
	}
	b.out("-c:a", "aac", "-b:a", fmt.Sprintf("%dk", abr/1000))

	if pc.SegmentSeconds > 0 {
		b.out("-f", "segment",
			"-segment_time", strconv.Itoa(pc.SegmentSeconds),
			"-segment_format", "mp4",
			"-segment_format_options", "movflags=+frag_keyframe+empty_moov",
			"-reset_timestamps", "1",
		)
		return b.build(segmentPattern(cfg.OutputPath))
	}

	if pc.Fragmented {
		b.out("-movflags", "+frag_keyframe+empty_moov+separate_moof+omit_tfhd_offset")
	}
	return b.build(cfg.OutputPath)
}

// segmentPattern turns lecture.mp4 into lecture_%03d.mp4.
func segmentPattern(path string) string {
	if strings.Contains(path, "%") {
		return path
	}
	ext := filepath.Ext(path)
	if ext == "" {
		ext = ".mp4"
	}
	return strings.TrimSuffix(path, filepath.Ext(path)) + "_%03d" + ext
}
