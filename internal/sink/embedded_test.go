package sink

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/Eyebottle/sat-lec-rec/internal/config"
	"github.com/Eyebottle/sat-lec-rec/internal/media"
)

// recordingAudio keeps every block it was handed.
type recordingAudio struct {
	blocks [][]byte
	pts    []int64
	closed bool
}

var lastRecordingAudio *recordingAudio

func init() {
	registerAudioFactory(audioFactory{
		name:       "recording",
		codec:      CodecLPCM,
		priority:   100,
		containers: []string{"mp4"},
		new: func(AudioParams) (audioBackend, error) {
			lastRecordingAudio = &recordingAudio{}
			return lastRecordingAudio, nil
		},
	})
}

func (r *recordingAudio) Name() string   { return "recording" }
func (r *recordingAudio) Codec() Codec   { return CodecLPCM }
func (r *recordingAudio) Config() []byte { return nil }

func (r *recordingAudio) Encode(pcm []byte, pts int64) ([]AudioPacket, error) {
	r.blocks = append(r.blocks, append([]byte(nil), pcm...))
	r.pts = append(r.pts, pts)
	return []AudioPacket{{Data: pcm, PTS: pts, Frames: AudioFrameSize}}, nil
}

func (r *recordingAudio) Flush() ([]AudioPacket, error) { return nil, nil }
func (r *recordingAudio) Close() error                  { r.closed = true; return nil }

func embeddedTestConfig(t *testing.T, audioEncoder string) Config {
	t.Helper()
	clock := media.NewClock(nil)
	clock.Start()
	return Config{
		OutputPath: filepath.Join(t.TempDir(), "rec", "lecture.mp4"),
		Width:      64,
		Height:     32,
		FPS:        10,
		SampleRate: 48000,
		Channels:   2,
		Clock:      clock,
		Embedded: config.EmbeddedConfig{
			Container:    "mp4",
			VideoEncoder: "mjpeg",
			AudioEncoder: audioEncoder,
			JPEGQuality:  50,
		},
	}
}

func testChunk(frames int, value float32) *media.AudioChunk {
	c := media.NewSilentChunk(frames, 48000, 2, 0)
	for i := 0; i < len(c.Data); i += 4 {
		binary.LittleEndian.PutUint32(c.Data[i:], math.Float32bits(value))
	}
	c.Silent = false
	return c
}

// topLevelBoxes returns the four-character types of the file's top-level
// ISO BMFF boxes.
func topLevelBoxes(t *testing.T, data []byte) []string {
	t.Helper()
	var types []string
	for off := 0; off < len(data); {
		if len(data)-off < 8 {
			t.Fatalf("truncated box header at %d", off)
		}
		size := uint64(binary.BigEndian.Uint32(data[off:]))
		typ := string(data[off+4 : off+8])
		if size == 1 {
			size = binary.BigEndian.Uint64(data[off+8:])
		}
		if size < 8 || off+int(size) > len(data) {
			t.Fatalf("box %q at %d has bad size %d", typ, off, size)
		}
		types = append(types, typ)
		off += int(size)
	}
	return types
}

func countBoxes(types []string, typ string) int {
	n := 0
	for _, t := range types {
		if t == typ {
			n++
		}
	}
	return n
}

func TestEmbeddedSinkWritesFragmentedMP4(t *testing.T) {
	cfg := embeddedTestConfig(t, "lpcm")
	s := NewEmbeddedSink()
	if err := s.Start(context.Background(), cfg); err != nil {
		t.Fatalf("Start: %v", err)
	}
	for i := 0; i < 25; i++ {
		f := media.NewVideoFrame(64, 32)
		f.Tick = int64(i)
		if err := s.EncodeVideo(f); err != nil {
			t.Fatalf("EncodeVideo %d: %v", i, err)
		}
		if err := s.EncodeAudio(testChunk(4800, 0.25)); err != nil {
			t.Fatalf("EncodeAudio %d: %v", i, err)
		}
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}

	data, err := os.ReadFile(cfg.OutputPath)
	if err != nil {
		t.Fatal(err)
	}
	types := topLevelBoxes(t, data)
	if len(types) < 2 || types[0] != "ftyp" || types[1] != "moov" {
		t.Fatalf("boxes = %v, want ftyp then moov first", types)
	}
	// 25 frames at 10 fps with one GOP per second of video.
	if got := countBoxes(types, "moof"); got != 3 {
		t.Errorf("moof count = %d, want 3 (boxes %v)", got, types)
	}
	if countBoxes(types, "moof") != countBoxes(types, "mdat") {
		t.Errorf("every moof needs an mdat: %v", types)
	}

	st := s.Stats()
	if st.VideoFrames != 25 {
		t.Errorf("VideoFrames = %d, want 25", st.VideoFrames)
	}
	if st.AudioFrames != 25*4800 {
		t.Errorf("AudioFrames = %d, want %d", st.AudioFrames, 25*4800)
	}
	if st.BytesWritten != uint64(len(data)) {
		t.Errorf("BytesWritten = %d, file has %d", st.BytesWritten, len(data))
	}
	if st.Encoder != "mjpeg+lpcm" {
		t.Errorf("Encoder = %q", st.Encoder)
	}
}

func TestEmbeddedSinkCarriesAndPadsAudio(t *testing.T) {
	cfg := embeddedTestConfig(t, "recording")
	s := NewEmbeddedSink()
	if err := s.Start(context.Background(), cfg); err != nil {
		t.Fatalf("Start: %v", err)
	}
	rec := lastRecordingAudio

	// 3 x 480 frames: one full block now, 416 frames carried over.
	for i := 0; i < 3; i++ {
		if err := s.EncodeAudio(testChunk(480, 0.5)); err != nil {
			t.Fatalf("EncodeAudio: %v", err)
		}
	}
	if len(rec.blocks) != 1 {
		t.Fatalf("blocks before Stop = %d, want 1", len(rec.blocks))
	}
	if err := s.EncodeVideo(media.NewVideoFrame(64, 32)); err != nil {
		t.Fatalf("EncodeVideo: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if len(rec.blocks) != 2 {
		t.Fatalf("blocks after Stop = %d, want 2", len(rec.blocks))
	}
	if rec.pts[0] != 0 || rec.pts[1] != AudioFrameSize {
		t.Errorf("block pts = %v, want [0 %d]", rec.pts, AudioFrameSize)
	}
	blockBytes := AudioFrameSize * 2 * 2
	last := rec.blocks[1]
	if len(last) != blockBytes {
		t.Fatalf("padded block = %d bytes, want %d", len(last), blockBytes)
	}
	carried := (3*480 - AudioFrameSize) * 4
	if bytes.Equal(last[:carried], make([]byte, carried)) {
		t.Error("carried samples were lost")
	}
	if !bytes.Equal(last[carried:], make([]byte, blockBytes-carried)) {
		t.Error("padding is not silence")
	}
	if !rec.closed {
		t.Error("audio encoder not closed")
	}
}

func TestEmbeddedSinkRejects(t *testing.T) {
	t.Run("mjpeg in ts", func(t *testing.T) {
		cfg := embeddedTestConfig(t, "lpcm")
		cfg.Embedded.Container = "ts"
		err := NewEmbeddedSink().Start(context.Background(), cfg)
		if !errors.Is(err, ErrInvalidConfig) {
			t.Fatalf("err = %v, want ErrInvalidConfig", err)
		}
		if _, statErr := os.Stat(cfg.OutputPath); !os.IsNotExist(statErr) {
			t.Error("output created for a rejected config")
		}
	})
	t.Run("unknown container", func(t *testing.T) {
		cfg := embeddedTestConfig(t, "lpcm")
		cfg.Embedded.Container = "mkv"
		if err := NewEmbeddedSink().Start(context.Background(), cfg); !errors.Is(err, ErrInvalidConfig) {
			t.Fatalf("err = %v, want ErrInvalidConfig", err)
		}
	})
	t.Run("unknown encoder", func(t *testing.T) {
		cfg := embeddedTestConfig(t, "lpcm")
		cfg.Embedded.VideoEncoder = "vp9"
		if err := NewEmbeddedSink().Start(context.Background(), cfg); !errors.Is(err, ErrNoEncoder) {
			t.Fatalf("err = %v, want ErrNoEncoder", err)
		}
	})
	t.Run("before start", func(t *testing.T) {
		s := NewEmbeddedSink()
		if err := s.EncodeVideo(media.NewVideoFrame(64, 32)); !errors.Is(err, ErrNotStarted) {
			t.Fatalf("err = %v, want ErrNotStarted", err)
		}
		if err := s.Stop(); err != nil {
			t.Fatalf("Stop before Start: %v", err)
		}
	})
	t.Run("geometry change", func(t *testing.T) {
		cfg := embeddedTestConfig(t, "lpcm")
		s := NewEmbeddedSink()
		if err := s.Start(context.Background(), cfg); err != nil {
			t.Fatal(err)
		}
		defer s.Stop()
		if err := s.EncodeVideo(media.NewVideoFrame(32, 32)); !errors.Is(err, ErrInvalidConfig) {
			t.Fatalf("err = %v, want ErrInvalidConfig", err)
		}
	})
	t.Run("audio format change", func(t *testing.T) {
		cfg := embeddedTestConfig(t, "lpcm")
		s := NewEmbeddedSink()
		if err := s.Start(context.Background(), cfg); err != nil {
			t.Fatal(err)
		}
		defer s.Stop()
		c := media.NewSilentChunk(480, 44100, 2, 0)
		if err := s.EncodeAudio(c); !errors.Is(err, ErrInvalidConfig) {
			t.Fatalf("err = %v, want ErrInvalidConfig", err)
		}
	})
}

func TestEncoderRegistry(t *testing.T) {
	cands, err := videoCandidates("auto", "mp4")
	if err != nil {
		t.Fatal(err)
	}
	if cands[len(cands)-1].name != "mjpeg" {
		t.Errorf("portable encoder should be tried last, got %s", cands[len(cands)-1].name)
	}
	for i := 1; i < len(cands); i++ {
		if cands[i-1].priority > cands[i].priority {
			t.Errorf("candidates out of priority order: %s before %s", cands[i-1].name, cands[i].name)
		}
	}
	if _, err := videoCandidates("mjpeg", "ts"); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("mjpeg in ts: err = %v, want ErrInvalidConfig", err)
	}
	if _, err := audioCandidates("nope", "mp4"); !errors.Is(err, ErrNoEncoder) {
		t.Errorf("unknown audio: err = %v, want ErrNoEncoder", err)
	}

	var sawMJPEG, sawLPCM bool
	for _, e := range Encoders() {
		sawMJPEG = sawMJPEG || (e.Name == "mjpeg" && e.Kind == "video")
		sawLPCM = sawLPCM || (e.Name == "lpcm" && e.Kind == "audio")
	}
	if !sawMJPEG || !sawLPCM {
		t.Errorf("Encoders() missing portable entries: %+v", Encoders())
	}
}

func TestExtFor(t *testing.T) {
	cfg := config.Default()
	if got := ExtFor(KindPipe, cfg); got != ".mp4" {
		t.Errorf("pipe ext = %q", got)
	}
	cfg.Embedded.Container = "ts"
	if got := ExtFor(KindEmbedded, cfg); got != ".ts" {
		t.Errorf("embedded ts ext = %q", got)
	}
}
