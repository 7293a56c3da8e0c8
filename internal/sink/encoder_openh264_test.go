//go:build windows || linux || darwin || freebsd

package sink

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"testing"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"

	"github.com/Eyebottle/sat-lec-rec/internal/media"
)

func openh264IsLoaded() bool {
	openh264Mu.Lock()
	defer openh264Mu.Unlock()
	return openh264Loaded
}

func TestOpenH264RegistryPlacement(t *testing.T) {
	cands, err := videoCandidates("auto", "mp4")
	if err != nil {
		t.Fatal(err)
	}
	names := make([]string, len(cands))
	for i, c := range cands {
		names[i] = c.name
	}
	oh, mj := slices.Index(names, "openh264"), slices.Index(names, "mjpeg")
	if oh < 0 || mj < 0 || oh > mj {
		t.Fatalf("auto order for mp4 = %v, want openh264 before mjpeg", names)
	}

	ts, err := videoCandidates("openh264", "ts")
	if err != nil || len(ts) != 1 {
		t.Fatalf("openh264 in ts: %v, %v", ts, err)
	}
}

func TestOpenH264MissingLibraryFallsBack(t *testing.T) {
	if openh264IsLoaded() {
		t.Skip("openh264 already loaded in this process")
	}
	p := VideoParams{Width: 64, Height: 32, FPS: 10, Library: filepath.Join(t.TempDir(), "missing-openh264")}

	_, err := newVideoBackend("openh264", "mp4", p)
	if !errors.Is(err, ErrNoEncoder) || !strings.Contains(err.Error(), "openh264") {
		t.Fatalf("openh264 with missing library: %v", err)
	}

	b, err := newVideoBackend("auto", "mp4", p)
	if err != nil {
		t.Fatalf("auto: %v", err)
	}
	defer b.Close()
	if runtime.GOOS != "windows" && b.Name() != "mjpeg" {
		t.Errorf("auto picked %s, want mjpeg", b.Name())
	}
}

func TestOpenH264EncodesOneKeyframePerSecond(t *testing.T) {
	if err := loadOpenH264(os.Getenv("SATLECREC_OPENH264")); err != nil {
		t.Skipf("openh264 not available: %v", err)
	}
	const fps = 10
	b, err := newOpenH264Encoder(VideoParams{Width: 64, Height: 32, FPS: fps, Bitrate: 500_000})
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	var pkts []VideoPacket
	for i := 0; i < 25; i++ {
		f := media.NewVideoFrame(64, 32)
		for p := 0; p < len(f.Data); p += 4 {
			f.Data[p], f.Data[p+1], f.Data[p+2], f.Data[p+3] = byte(i*10), byte(p), byte(255-i*10), 0xFF
		}
		if err := b.Submit(f, int64(i)); err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		out, _ := b.Drain()
		pkts = append(pkts, out...)
	}
	if len(pkts) == 0 || !pkts[0].Key {
		t.Fatalf("first packet is not a keyframe: %+v", pkts)
	}
	var sps bool
	for _, nalu := range pkts[0].NALUs {
		sps = sps || h264.NALUType(nalu[0]&0x1F) == h264.NALUTypeSPS
	}
	if !sps {
		t.Error("first keyframe carries no SPS")
	}
	keys := 0
	for _, p := range pkts {
		if p.PTS != p.DTS {
			t.Errorf("pts %d != dts %d", p.PTS, p.DTS)
		}
		if p.Key {
			keys++
		}
	}
	if keys < 2 {
		t.Errorf("%d keyframes in %d packets at %d fps, want an IDR every second", keys, len(pkts), fps)
	}
}
