// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (e.g., ElevenLabs or a local
// Piper instance). SynthesizeStream turns one reply into a finite stream of
// PCM frames that the caller plays as they arrive.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"
	"sync/atomic"

	"github.com/MrWong99/turnloop/pkg/audio"
)

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// SynthesizeStream starts synthesis of text and returns a stream of audio
	// frames. The returned error is non-nil only if synthesis could not start;
	// failures after that are reported by [Stream.Err] once Frames is closed.
	//
	// Cancelling ctx aborts synthesis and closes Frames.
	SynthesizeStream(ctx context.Context, text string) (*Stream, error)
}

// Stream is the output of one synthesis request.
type Stream struct {
	// Frames emits synthesised audio in playback order. The producer closes it
	// when synthesis completes or fails. Consumers must drain it even if they
	// stop playing, to release the producer.
	Frames <-chan audio.AudioFrame

	streamErr atomic.Pointer[error]
}

// NewStream returns a stream whose Frames channel has the given buffer and
// the send side of that channel. The producer must close the send side.
func NewStream(buffer int) (*Stream, chan<- audio.AudioFrame) {
	ch := make(chan audio.AudioFrame, buffer)
	return &Stream{Frames: ch}, ch
}

// FromFrames returns an already-complete stream that yields frames.
func FromFrames(frames ...audio.AudioFrame) *Stream {
	s, ch := NewStream(len(frames))
	for _, f := range frames {
		ch <- f
	}
	close(ch)
	return s
}

// Err returns the error that ended the stream early, or nil if synthesis
// completed. Only meaningful after Frames is closed.
func (s *Stream) Err() error {
	if p := s.streamErr.Load(); p != nil {
		return *p
	}
	return nil
}

// SetErr records a mid-stream failure. Producers call it before closing
// Frames.
func (s *Stream) SetErr(err error) {
	s.streamErr.Store(&err)
}
