// Package mock provides a test double for the stt.Provider interface.
//
// Provider records every frame and every Finalize call and returns scripted
// transcripts. It is safe for concurrent use.
//
// Example:
//
//	p := &mock.Provider{Transcripts: []string{"hello", ""}}
//	_ = p.AcceptAudio(ctx, frame)
//	text, _ := p.Finalize(ctx) // "hello"
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/turnloop/pkg/audio"
	"github.com/MrWong99/turnloop/pkg/provider/stt"
)

// Provider is a mock implementation of stt.Provider and stt.Endpointer.
type Provider struct {
	mu sync.Mutex

	// Transcripts are returned by successive Finalize calls. Once exhausted,
	// Finalize returns "".
	Transcripts []string

	// AcceptErr, if non-nil, is returned by every AcceptAudio call.
	AcceptErr error

	// FinalizeErr, if non-nil, is returned by every Finalize call.
	FinalizeErr error

	// EndpointCh, if non-nil, is returned by Endpoints.
	EndpointCh chan struct{}

	frames        []audio.AudioFrame
	finalizeCalls int
}

// AcceptAudio implements stt.Provider.
func (p *Provider) AcceptAudio(_ context.Context, frame audio.AudioFrame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frames = append(p.frames, frame)
	return p.AcceptErr
}

// Finalize implements stt.Provider.
func (p *Provider) Finalize(_ context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.finalizeCalls++
	if p.FinalizeErr != nil {
		return "", p.FinalizeErr
	}
	if p.finalizeCalls > len(p.Transcripts) {
		return "", nil
	}
	return p.Transcripts[p.finalizeCalls-1], nil
}

// Endpoints implements stt.Endpointer. It returns EndpointCh, which is nil
// unless the test sets it; a nil channel never delivers.
func (p *Provider) Endpoints() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.EndpointCh
}

// Frames returns a copy of every frame passed to AcceptAudio, in order.
func (p *Provider) Frames() []audio.AudioFrame {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]audio.AudioFrame, len(p.frames))
	copy(out, p.frames)
	return out
}

// FinalizeCalls returns how many times Finalize was called.
func (p *Provider) FinalizeCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.finalizeCalls
}

var (
	_ stt.Provider   = (*Provider)(nil)
	_ stt.Endpointer = (*Provider)(nil)
)
