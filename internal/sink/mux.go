package sink

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mpegts"
)

const (
	videoTimeScale = 90000
	videoTrackID   = 1
	audioTrackID   = 2
	tsVideoPID     = 256
	tsAudioPID     = 257
)

var errNoParameterSets = errors.New("no SPS/PPS before end of stream")

// muxer writes encoded packets to the container. Video packets carry
// timestamps in 1/fps units, audio packets in 1/sampleRate units.
type muxer interface {
	WriteVideo(pkt VideoPacket) error
	WriteAudio(pkt AudioPacket) error
	// Close writes whatever is buffered. It does not close the underlying
	// writer.
	Close() error
}

type muxParams struct {
	container   string
	videoCodec  Codec
	audioCodec  Codec
	audioConfig []byte
	width       int
	height      int
	fps         int
	sampleRate  int
	channels    int
}

func newMuxer(w io.Writer, p muxParams) (muxer, error) {
	switch strings.ToLower(p.container) {
	case "mp4", "":
		return newFMP4Muxer(w, p)
	case "ts":
		return newTSMuxer(w, p)
	}
	return nil, fmt.Errorf("%w: container %q", ErrInvalidConfig, p.container)
}

func aacConfig(p muxParams) mpeg4audio.AudioSpecificConfig {
	var conf mpeg4audio.AudioSpecificConfig
	if len(p.audioConfig) > 0 {
		if err := conf.Unmarshal(p.audioConfig); err == nil {
			return conf
		}
		log.Warn("bad AudioSpecificConfig from encoder, using session format")
	}
	return mpeg4audio.AudioSpecificConfig{
		Type:         mpeg4audio.ObjectTypeAACLC,
		SampleRate:   p.sampleRate,
		ChannelCount: p.channels,
	}
}

// paramSets remembers the latest SPS and PPS seen in the stream.
type paramSets struct {
	sps []byte
	pps []byte
}

func (s *paramSets) update(au [][]byte) {
	for _, nalu := range au {
		if len(nalu) == 0 {
			continue
		}
		switch h264.NALUType(nalu[0] & 0x1F) {
		case h264.NALUTypeSPS:
			s.sps = append([]byte(nil), nalu...)
		case h264.NALUTypePPS:
			s.pps = append([]byte(nil), nalu...)
		}
	}
}

func (s *paramSets) ready() bool { return s.sps != nil && s.pps != nil }

// withParams prepends SPS/PPS to a keyframe that lacks them.
func (s *paramSets) withParams(au [][]byte) [][]byte {
	if !s.ready() {
		return au
	}
	for _, nalu := range au {
		if len(nalu) > 0 && h264.NALUType(nalu[0]&0x1F) == h264.NALUTypeSPS {
			return au
		}
	}
	return append([][]byte{s.sps, s.pps}, au...)
}

// splitAnnexB turns an Annex-B byte stream into NAL units.
func splitAnnexB(data []byte) [][]byte {
	if len(data) == 0 {
		return nil
	}
	var au h264.AnnexB
	if err := au.Unmarshal(data); err != nil {
		return [][]byte{data}
	}
	return au
}

// seekableBuffer lets mediacommon marshal boxes, which seeks back to patch
// sizes, into memory.
type seekableBuffer struct {
	*bytes.Buffer
	pos int64
}

func (s *seekableBuffer) Write(p []byte) (int, error) {
	if int(s.pos) > s.Buffer.Len() {
		s.Buffer.Write(make([]byte, int(s.pos)-s.Buffer.Len()))
	}
	var n int
	if int(s.pos) == s.Buffer.Len() {
		n, _ = s.Buffer.Write(p)
	} else {
		b := s.Buffer.Bytes()
		n = copy(b[s.pos:], p)
		if n < len(p) {
			m, _ := s.Buffer.Write(p[n:])
			n += m
		}
	}
	s.pos += int64(n)
	return n, nil
}

func (s *seekableBuffer) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = s.pos + offset
	case io.SeekEnd:
		abs = int64(s.Buffer.Len()) + offset
	default:
		return 0, fmt.Errorf("invalid whence %d", whence)
	}
	if abs < 0 {
		return 0, errors.New("negative position")
	}
	s.pos = abs
	return abs, nil
}

// fmp4Muxer writes fragmented MP4: an init segment, then one self-contained
// moof+mdat fragment per GOP, so a truncated file still plays up to the
// last complete fragment.
type fmp4Muxer struct {
	w      io.Writer
	p      muxParams
	params paramSets

	initWritten bool
	seq         uint32
	gopFrames   int

	// The newest video sample is held until the next one arrives so its
	// duration is known.
	held        *VideoPacket
	videoSamps  []*fmp4.Sample
	videoBase   uint64
	videoBaseOK bool
	audioSamps  []*fmp4.Sample
	audioBase   uint64
	audioBaseOK bool
}

func newFMP4Muxer(w io.Writer, p muxParams) (*fmp4Muxer, error) {
	switch p.videoCodec {
	case CodecH264, CodecMJPEG:
	default:
		return nil, fmt.Errorf("%w: mp4 cannot carry video %s", ErrInvalidConfig, p.videoCodec)
	}
	switch p.audioCodec {
	case CodecAAC, CodecLPCM:
	default:
		return nil, fmt.Errorf("%w: mp4 cannot carry audio %s", ErrInvalidConfig, p.audioCodec)
	}
	return &fmp4Muxer{w: w, p: p, seq: 1, gopFrames: max(p.fps, 1)}, nil
}

func (m *fmp4Muxer) toVideoTime(pts int64) int64 {
	return pts * videoTimeScale / int64(m.p.fps)
}

func (m *fmp4Muxer) videoCodec() (mp4.Codec, error) {
	if m.p.videoCodec == CodecMJPEG {
		return &mp4.CodecMJPEG{Width: m.p.width, Height: m.p.height}, nil
	}
	if !m.params.ready() {
		return nil, errNoParameterSets
	}
	return &mp4.CodecH264{SPS: m.params.sps, PPS: m.params.pps}, nil
}

func (m *fmp4Muxer) audioCodec() mp4.Codec {
	if m.p.audioCodec == CodecLPCM {
		return &mp4.CodecLPCM{
			LittleEndian: true,
			BitDepth:     16,
			SampleRate:   m.p.sampleRate,
			ChannelCount: m.p.channels,
		}
	}
	return &mp4.CodecMPEG4Audio{Config: aacConfig(m.p)}
}

func (m *fmp4Muxer) writeInit() error {
	vc, err := m.videoCodec()
	if err != nil {
		return err
	}
	init := &fmp4.Init{
		Tracks: []*fmp4.InitTrack{
			{ID: videoTrackID, TimeScale: videoTimeScale, Codec: vc},
			{ID: audioTrackID, TimeScale: uint32(m.p.sampleRate), Codec: m.audioCodec()},
		},
	}
	var buf bytes.Buffer
	if err := init.Marshal(&seekableBuffer{Buffer: &buf}); err != nil {
		return fmt.Errorf("marshal init: %w", err)
	}
	if _, err := m.w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("%w: write init: %v", ErrTransport, err)
	}
	m.initWritten = true
	return nil
}

func (m *fmp4Muxer) WriteVideo(pkt VideoPacket) error {
	if m.p.videoCodec == CodecH264 {
		if pkt.NALUs == nil {
			pkt.NALUs = splitAnnexB(pkt.Data)
		}
		m.params.update(pkt.NALUs)
	}
	if m.held != nil {
		dur := m.toVideoTime(pkt.DTS) - m.toVideoTime(m.held.DTS)
		if dur <= 0 {
			dur = 1
		}
		if err := m.appendVideo(*m.held, uint32(dur)); err != nil {
			return err
		}
	}
	if pkt.Key && len(m.videoSamps) >= m.gopFrames {
		if err := m.flush(); err != nil {
			return err
		}
	}
	m.held = &pkt
	return nil
}

func (m *fmp4Muxer) appendVideo(pkt VideoPacket, dur uint32) error {
	s := &fmp4.Sample{
		Duration:        dur,
		PTSOffset:       int32(m.toVideoTime(pkt.PTS) - m.toVideoTime(pkt.DTS)),
		IsNonSyncSample: !pkt.Key,
	}
	if m.p.videoCodec == CodecH264 {
		if err := s.FillH264(s.PTSOffset, pkt.NALUs); err != nil {
			return fmt.Errorf("fill sample: %w", err)
		}
	} else {
		s.Payload = pkt.Data
	}
	if !m.videoBaseOK {
		m.videoBase = uint64(max(m.toVideoTime(pkt.DTS), 0))
		m.videoBaseOK = true
	}
	m.videoSamps = append(m.videoSamps, s)
	return nil
}

func (m *fmp4Muxer) WriteAudio(pkt AudioPacket) error {
	if !m.audioBaseOK {
		m.audioBase = uint64(max(pkt.PTS, 0))
		m.audioBaseOK = true
	}
	m.audioSamps = append(m.audioSamps, &fmp4.Sample{
		Duration: uint32(pkt.Frames),
		Payload:  pkt.Data,
	})
	return nil
}

// flush writes the pending samples of both tracks as one fragment.
func (m *fmp4Muxer) flush() error {
	if len(m.videoSamps) == 0 && len(m.audioSamps) == 0 {
		return nil
	}
	if !m.initWritten {
		if err := m.writeInit(); err != nil {
			return err
		}
	}

	part := &fmp4.Part{SequenceNumber: m.seq}
	if len(m.videoSamps) > 0 {
		part.Tracks = append(part.Tracks, &fmp4.PartTrack{
			ID:       videoTrackID,
			BaseTime: m.videoBase,
			Samples:  m.videoSamps,
		})
		for _, s := range m.videoSamps {
			m.videoBase += uint64(s.Duration)
		}
		m.videoSamps = nil
	}
	if len(m.audioSamps) > 0 {
		part.Tracks = append(part.Tracks, &fmp4.PartTrack{
			ID:       audioTrackID,
			BaseTime: m.audioBase,
			Samples:  m.audioSamps,
		})
		for _, s := range m.audioSamps {
			m.audioBase += uint64(s.Duration)
		}
		m.audioSamps = nil
	}

	var buf bytes.Buffer
	if err := part.Marshal(&seekableBuffer{Buffer: &buf}); err != nil {
		return fmt.Errorf("marshal fragment: %w", err)
	}
	if _, err := m.w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("%w: write fragment: %v", ErrTransport, err)
	}
	m.seq++
	return nil
}

func (m *fmp4Muxer) Close() error {
	if m.held != nil {
		if err := m.appendVideo(*m.held, uint32(videoTimeScale/m.p.fps)); err != nil {
			return err
		}
		m.held = nil
	}
	return m.flush()
}

// tsMuxer writes MPEG-TS with H.264 video and AAC audio on a 90 kHz clock.
type tsMuxer struct {
	bw     *bufio.Writer
	w      *mpegts.Writer
	video  *mpegts.Track
	audio  *mpegts.Track
	p      muxParams
	params paramSets
}

func newTSMuxer(w io.Writer, p muxParams) (*tsMuxer, error) {
	if p.videoCodec != CodecH264 || p.audioCodec != CodecAAC {
		return nil, fmt.Errorf("%w: ts carries h264+aac only, got %s+%s", ErrInvalidConfig, p.videoCodec, p.audioCodec)
	}
	m := &tsMuxer{bw: bufio.NewWriterSize(w, 256<<10), p: p}
	m.video = &mpegts.Track{PID: tsVideoPID, Codec: &mpegts.CodecH264{}}
	m.audio = &mpegts.Track{PID: tsAudioPID, Codec: &mpegts.CodecMPEG4Audio{Config: aacConfig(p)}}
	m.w = &mpegts.Writer{W: m.bw, Tracks: []*mpegts.Track{m.video, m.audio}}
	if err := m.w.Initialize(); err != nil {
		return nil, fmt.Errorf("initialize mpegts writer: %w", err)
	}
	return m, nil
}

func (m *tsMuxer) WriteVideo(pkt VideoPacket) error {
	au := pkt.NALUs
	if au == nil {
		au = splitAnnexB(pkt.Data)
	}
	m.params.update(au)
	if pkt.Key {
		au = m.params.withParams(au)
	}
	pts := pkt.PTS * videoTimeScale / int64(m.p.fps)
	dts := pkt.DTS * videoTimeScale / int64(m.p.fps)
	if err := m.w.WriteH264(m.video, pts, dts, au); err != nil {
		return fmt.Errorf("%w: write h264: %v", ErrTransport, err)
	}
	return nil
}

func (m *tsMuxer) WriteAudio(pkt AudioPacket) error {
	pts := pkt.PTS * videoTimeScale / int64(m.p.sampleRate)
	if err := m.w.WriteMPEG4Audio(m.audio, pts, [][]byte{pkt.Data}); err != nil {
		return fmt.Errorf("%w: write aac: %v", ErrTransport, err)
	}
	return nil
}

func (m *tsMuxer) Close() error {
	if err := m.bw.Flush(); err != nil {
		return fmt.Errorf("%w: flush: %v", ErrTransport, err)
	}
	return nil
}
