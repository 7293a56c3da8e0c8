package recorder

import "errors"

var (
	ErrAlreadyRecording = errors.New("recording already in progress")
	ErrNotRecording     = errors.New("not recording")
	ErrNotInitialized   = errors.New("recorder not initialized")
	ErrInvalidPath      = errors.New("invalid output path")
	ErrAudioLost        = errors.New("audio capture lost")
)

// Host error codes returned across the control surface.
const (
	CodeOK             int32 = 0
	CodeGeneral        int32 = -1
	CodeRecordingState int32 = -2
	CodeInvalidPath    int32 = -3
	CodeNotInitialized int32 = -4
)

// ErrorCode maps err onto the host error codes.
func ErrorCode(err error) int32 {
	switch {
	case err == nil:
		return CodeOK
	case errors.Is(err, ErrAlreadyRecording), errors.Is(err, ErrNotRecording):
		return CodeRecordingState
	case errors.Is(err, ErrInvalidPath):
		return CodeInvalidPath
	case errors.Is(err, ErrNotInitialized):
		return CodeNotInitialized
	default:
		return CodeGeneral
	}
}
