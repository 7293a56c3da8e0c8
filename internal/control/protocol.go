package control

import (
	"github.com/Eyebottle/sat-lec-rec/internal/recorder"
)

// Command types accepted from the host.
const (
	CmdInitialize  = "initialize"
	CmdStart       = "start"
	CmdStop        = "stop"
	CmdStatus      = "status"
	CmdCleanup     = "cleanup"
	CmdSetLogLevel = "set_log_level"
)

// Message types sent to the host.
const (
	MsgCommandResult = "command_result"
	MsgProgress      = "progress"
	MsgFinished      = "finished"
	MsgArchived      = "archived"
	MsgLog           = "log"
)

const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Command is one host request.
type Command struct {
	ID      string         `json:"id"`
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

// CommandResult answers one Command. Code carries the host error code.
type CommandResult struct {
	Type      string `json:"type"`
	CommandID string `json:"commandId"`
	Status    string `json:"status"`
	Code      int32  `json:"code"`
	Result    any    `json:"result,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Event is pushed without a request: progress ticks and end of recording.
type Event struct {
	Type   string `json:"type"`
	Result any    `json:"result"`
}

// Status is the recorder snapshot returned by status and pushed as progress.
type Status struct {
	Ready     bool    `json:"ready"`
	Recording bool    `json:"recording"`
	State     string  `json:"state"`
	Frames    uint64  `json:"frames"`
	Samples   uint64  `json:"samples"`
	ElapsedMs int64   `json:"elapsedMs"`
	Level     float64 `json:"level"`
	Peak      float64 `json:"peak"`
	LastError string  `json:"lastError,omitempty"`

	Health map[string]any  `json:"health,omitempty"`
	Stats  *recorder.Stats `json:"stats,omitempty"`
}

// StartRequest is the start command payload.
type StartRequest struct {
	Path   string `json:"path"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	FPS    int    `json:"fps"`
}

func parseStart(p map[string]any) StartRequest {
	return StartRequest{
		Path:   stringField(p, "path"),
		Width:  intField(p, "width"),
		Height: intField(p, "height"),
		FPS:    intField(p, "fps"),
	}
}

func stringField(p map[string]any, key string) string {
	if v, ok := p[key].(string); ok {
		return v
	}
	return ""
}

// intField accepts JSON numbers, which decode as float64.
func intField(p map[string]any, key string) int {
	switch v := p[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}

func boolField(p map[string]any, key string) bool {
	v, _ := p[key].(bool)
	return v
}

func snapshot(s *recorder.Session, detailed bool) Status {
	st := Status{
		Ready:     s.Ready(),
		Recording: s.IsRecording(),
		State:     s.State().String(),
		Frames:    s.VideoFrames(),
		Samples:   s.AudioSamples(),
		ElapsedMs: s.ElapsedMillis(),
		Level:     s.AudioLevel(),
		Peak:      s.PeakLevel(),
		LastError: s.LastError(),
		Health:    s.Health().Summary(),
	}
	if detailed {
		stats := s.Stats()
		st.Stats = &stats
	}
	return st
}
