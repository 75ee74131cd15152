package voice

import (
	"errors"
	"fmt"
)

// ErrEngineFailure matches every [EngineError] via [errors.Is].
var ErrEngineFailure = errors.New("voice: engine failure")

// Stage names the pipeline step an [EngineError] occurred in.
type Stage string

const (
	StageSTT  Stage = "stt"
	StageLLM  Stage = "llm"
	StageTTS  Stage = "tts"
	StageSink Stage = "sink"
)

// EngineError reports a failed STT, LLM or TTS call, or a failed playback to
// the audio sink.
type EngineError struct {
	Stage Stage
	Err   error
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("voice: %s: %v", e.Stage, e.Err)
}

// Unwrap exposes both [ErrEngineFailure] and the underlying cause.
func (e *EngineError) Unwrap() []error {
	return []error{ErrEngineFailure, e.Err}
}

func engineError(stage Stage, err error) error {
	return &EngineError{Stage: stage, Err: err}
}
