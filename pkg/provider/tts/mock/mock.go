// Package mock provides a test double for the tts.Provider interface.
//
// By default every synthesis yields a single frame whose Data is the UTF-8
// text itself, which lets tests assert on playback order by reading the sink.
//
// Example:
//
//	p := &mock.Provider{}
//	s, _ := p.SynthesizeStream(ctx, "hello")
//	f := <-s.Frames // f.Data == []byte("hello")
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/turnloop/pkg/audio"
	"github.com/MrWong99/turnloop/pkg/provider/tts"
)

// SynthesizeCall records a single invocation of SynthesizeStream.
type SynthesizeCall struct {
	// Ctx is the context passed to SynthesizeStream.
	Ctx context.Context
	// Text is the text passed to SynthesizeStream.
	Text string
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// Frames, if non-empty, replaces the default single text frame.
	Frames []audio.AudioFrame

	// Err, if non-nil, is returned by SynthesizeStream and no stream is created.
	Err error

	// StreamErr, if non-nil, is recorded on the stream after all frames have
	// been emitted.
	StreamErr error

	// OnSynthesize, if non-nil, runs inside SynthesizeStream before the
	// stream is built.
	OnSynthesize func(text string)

	calls []SynthesizeCall
}

// SynthesizeStream implements tts.Provider.
func (p *Provider) SynthesizeStream(ctx context.Context, text string) (*tts.Stream, error) {
	p.mu.Lock()
	p.calls = append(p.calls, SynthesizeCall{Ctx: ctx, Text: text})
	hook, err, streamErr := p.OnSynthesize, p.Err, p.StreamErr
	frames := append([]audio.AudioFrame(nil), p.Frames...)
	p.mu.Unlock()

	if hook != nil {
		hook(text)
	}
	if err != nil {
		return nil, err
	}
	if len(frames) == 0 {
		frames = []audio.AudioFrame{{Data: []byte(text), SampleRate: 16000, Channels: 1}}
	}

	s, ch := tts.NewStream(len(frames))
	for _, f := range frames {
		ch <- f
	}
	if streamErr != nil {
		s.SetErr(streamErr)
	}
	close(ch)
	return s, nil
}

// Calls returns a copy of all recorded SynthesizeStream invocations.
func (p *Provider) Calls() []SynthesizeCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]SynthesizeCall, len(p.calls))
	copy(out, p.calls)
	return out
}

// Texts returns the text of every SynthesizeStream call, in order.
func (p *Provider) Texts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.calls))
	for i, c := range p.calls {
		out[i] = c.Text
	}
	return out
}

var _ tts.Provider = (*Provider)(nil)
