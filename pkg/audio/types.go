// Package audio defines the frame type and the source/sink boundaries through
// which raw audio enters and leaves a turnloop voice session.
//
// The two primary abstractions are:
//
//   - [Source]: a lazy, finite-or-infinite sequence of inbound frames. Closing
//     the channel returned by [Source.Frames] signals that the stream is
//     exhausted.
//   - [Sink]: the playback target for synthesised frames.
//
// Transport adapters (WebSocket, media tracks, files) live outside this package
// and implement these interfaces.
package audio

import (
	"context"
	"time"
)

// AudioFrame represents a single frame of audio data flowing through the pipeline.
// Frames are the atomic unit of audio transport: captured from an input stream,
// fed to STT, produced by TTS, and played through a sink.
type AudioFrame struct {
	// PCM audio data (little-endian int16). Sample rate and channel count are
	// described by the fields below.
	Data []byte

	// SampleRate in Hz (e.g., 16000 for STT, 24000 for some TTS voices).
	SampleRate int

	// Channels: 1 for mono, 2 for interleaved stereo.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Duration returns the playback length of the frame, derived from its size,
// sample rate and channel count. It returns 0 when the format is unknown.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	samples := len(f.Data) / (2 * f.Channels)
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}

// Source produces inbound audio frames.
//
// Frames returns the same channel for the lifetime of the source. The channel
// is closed by the implementation when no more frames will arrive; consumers
// treat the close as end of stream.
type Source interface {
	Frames() <-chan AudioFrame
}

// Sink plays outbound audio frames.
//
// Play may block to apply backpressure. It must return promptly once ctx is
// cancelled. Implementations must be safe for sequential use from a single
// goroutine; concurrent use is only required if documented.
type Sink interface {
	Play(ctx context.Context, frame AudioFrame) error
}

// SinkFunc adapts an ordinary function to the [Sink] interface.
type SinkFunc func(ctx context.Context, frame AudioFrame) error

// Play calls f(ctx, frame).
func (f SinkFunc) Play(ctx context.Context, frame AudioFrame) error {
	return f(ctx, frame)
}

// ChanSource adapts a receive-only channel to the [Source] interface.
type ChanSource <-chan AudioFrame

// Frames returns the wrapped channel.
func (c ChanSource) Frames() <-chan AudioFrame {
	return c
}
