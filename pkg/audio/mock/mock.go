// Package mock provides in-memory implementations of [audio.Source] and
// [audio.Sink] for use in unit tests.
//
// Both mocks are safe for concurrent use. The sink records every frame it is
// asked to play so that tests can assert on playback order and content.
//
// Typical usage:
//
//	src := mock.NewSource(frame1, frame2) // closed after frame2
//	sink := &mock.Sink{}
//	// ... run the pipeline ...
//	played := sink.Frames()
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/turnloop/pkg/audio"
)

// ─── Source ───────────────────────────────────────────────────────────────────

// Source is a mock implementation of [audio.Source] backed by a channel the
// test controls.
type Source struct {
	ch   chan audio.AudioFrame
	once sync.Once
}

// NewSource returns a source that yields frames in order and is then
// exhausted.
func NewSource(frames ...audio.AudioFrame) *Source {
	s := &Source{ch: make(chan audio.AudioFrame, len(frames))}
	for _, f := range frames {
		s.ch <- f
	}
	s.Close()
	return s
}

// NewLiveSource returns an open source with the given buffer size. Feed it
// with [Source.Push] and end it with [Source.Close].
func NewLiveSource(buffer int) *Source {
	return &Source{ch: make(chan audio.AudioFrame, buffer)}
}

// Frames implements [audio.Source].
func (s *Source) Frames() <-chan audio.AudioFrame { return s.ch }

// Push delivers a frame to the consumer, blocking until it is buffered or
// ctx is done.
func (s *Source) Push(ctx context.Context, f audio.AudioFrame) error {
	select {
	case s.ch <- f:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close exhausts the source. Safe to call more than once.
func (s *Source) Close() {
	s.once.Do(func() { close(s.ch) })
}

// ─── Sink ─────────────────────────────────────────────────────────────────────

// Sink is a mock implementation of [audio.Sink].
// Set PlayErr before use; inspect [Sink.Frames] after.
type Sink struct {
	mu sync.Mutex

	// PlayErr, if non-nil, is returned by every Play call. The frame is still
	// recorded.
	PlayErr error

	// OnPlay, if non-nil, is called for every frame after it is recorded.
	OnPlay func(audio.AudioFrame)

	frames []audio.AudioFrame
}

// Play implements [audio.Sink].
func (s *Sink) Play(_ context.Context, frame audio.AudioFrame) error {
	s.mu.Lock()
	s.frames = append(s.frames, frame)
	hook, err := s.OnPlay, s.PlayErr
	s.mu.Unlock()
	if hook != nil {
		hook(frame)
	}
	return err
}

// Frames returns a copy of every frame played so far, in order.
func (s *Sink) Frames() []audio.AudioFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]audio.AudioFrame, len(s.frames))
	copy(out, s.frames)
	return out
}

// Reset clears the recorded frames.
func (s *Sink) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = nil
}

var (
	_ audio.Source = (*Source)(nil)
	_ audio.Sink   = (*Sink)(nil)
)
