// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a real-time transcription engine (e.g., Deepgram or a
// local recogniser) for the duration of one conversation. Audio is pushed in
// frame by frame with AcceptAudio; Finalize closes the current utterance and
// returns everything recognised since the previous Finalize.
//
// Providers are stateful: each voice session owns its own instance. They do
// not need to be safe for concurrent use unless documented otherwise.
package stt

import (
	"context"

	"github.com/MrWong99/turnloop/pkg/audio"
)

// Provider is the abstraction over any streaming STT backend.
type Provider interface {
	// AcceptAudio feeds one inbound frame to the engine. It should return
	// quickly; implementations buffer or stream the audio asynchronously.
	AcceptAudio(ctx context.Context, frame audio.AudioFrame) error

	// Finalize flushes the engine and returns the transcript of the utterance
	// accumulated since the previous Finalize. An empty string means nothing
	// intelligible was recognised. The engine is ready for the next utterance
	// once Finalize returns.
	Finalize(ctx context.Context) (string, error)
}

// Endpointer is implemented by providers that detect the end of an utterance
// on their own (e.g., from acoustic end-pointing). Each value received on the
// channel is a hint that the speaker has finished; the consumer may finalize
// the turn without waiting for its own silence timeout.
//
// The channel is never closed while the provider is in use. Signals that
// arrive while no turn is in progress may be discarded.
type Endpointer interface {
	Endpoints() <-chan struct{}
}
