// Package voice implements a turn-based voice conversation: audio from a
// [audio.Source] is streamed into an STT engine, a pause in the audio closes
// the user's turn, the finalised transcript is sent to an LLM together with
// the conversation so far, and the reply is synthesised and played to an
// [audio.Sink].
//
// A [Session] owns the conversation [History] and the engines. Calling
// [Session.Start] creates one [Activity], the state machine that detects turn
// boundaries, and blocks until the audio source is exhausted, the context is
// cancelled, or a turn fails. Turns are handled strictly one after another on
// the loop goroutine, so history always reads user, assistant, user, ...
// unless an [Agent] appends extra messages.
//
// This package lives under internal/ because it is the application's
// conversation core; engines and transports plug in through the interfaces in
// pkg/.
package voice

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/turnloop/internal/observe"
	"github.com/MrWong99/turnloop/pkg/audio"
	"github.com/MrWong99/turnloop/pkg/provider/llm"
	"github.com/MrWong99/turnloop/pkg/provider/stt"
	"github.com/MrWong99/turnloop/pkg/provider/tts"
)

// Config holds the engines and endpoints a [Session] is bound to. All fields
// except Options are required.
type Config struct {
	STT    stt.Provider
	LLM    llm.Provider
	TTS    tts.Provider
	Source audio.Source
	Sink   audio.Sink

	// Options tunes turn detection. The zero value selects [DefaultOptions].
	Options Options
}

// SessionOption configures optional [Session] behaviour.
type SessionOption func(*Session)

// WithID sets the identifier attached to logs and spans.
func WithID(id string) SessionOption {
	return func(s *Session) { s.id = id }
}

// WithMetrics overrides the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) SessionOption {
	return func(s *Session) { s.metrics = m }
}

// Session is one conversation between a speaker and the assistant.
//
// Start, Say and GenerateReply are safe to call from multiple goroutines.
// Playback is serialised so that two utterances never interleave on the sink.
type Session struct {
	id      string
	stt     stt.Provider
	llm     llm.Provider
	tts     tts.Provider
	source  audio.Source
	sink    audio.Sink
	opts    Options
	metrics *observe.Metrics
	history History

	running atomic.Bool

	mu       sync.Mutex
	activity *Activity

	speakMu sync.Mutex
}

// NewSession validates cfg and returns a session ready to [Session.Start].
func NewSession(cfg Config, opts ...SessionOption) (*Session, error) {
	if cfg.Options == (Options{}) {
		cfg.Options = DefaultOptions()
	}

	var errs []error
	if cfg.STT == nil {
		errs = append(errs, errors.New("voice: STT provider is required"))
	}
	if cfg.LLM == nil {
		errs = append(errs, errors.New("voice: LLM provider is required"))
	}
	if cfg.TTS == nil {
		errs = append(errs, errors.New("voice: TTS provider is required"))
	}
	if cfg.Source == nil {
		errs = append(errs, errors.New("voice: audio source is required"))
	}
	if cfg.Sink == nil {
		errs = append(errs, errors.New("voice: audio sink is required"))
	}
	if err := cfg.Options.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	s := &Session{
		stt:    cfg.STT,
		llm:    cfg.LLM,
		tts:    cfg.TTS,
		source: cfg.Source,
		sink:   cfg.Sink,
		opts:   cfg.Options,
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s, nil
}

// ID returns the identifier set with [WithID].
func (s *Session) ID() string { return s.id }

// History returns the session's conversation history.
func (s *Session) History() *History { return &s.history }

// Options returns the turn-detection options.
func (s *Session) Options() Options { return s.opts }

// Running reports whether [Session.Start] is currently executing.
func (s *Session) Running() bool { return s.running.Load() }

// Activity returns the live activity, or nil when the session is not running.
func (s *Session) Activity() *Activity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activity
}

func (s *Session) setActivity(a *Activity) {
	s.mu.Lock()
	s.activity = a
	s.mu.Unlock()
}

// Start runs the conversation until the audio source is exhausted, ctx is
// cancelled, or a turn fails.
//
// If the session is already running Start returns nil immediately. Otherwise
// agent.OnEnter runs first; its error aborts Start before any audio is read.
// Once OnEnter has succeeded, agent.OnExit always runs after the loop and its
// error is joined with the loop's. A nil agent behaves like [BaseAgent].
//
// Cancellation is only observed between frames. A turn that has started is
// completed even if ctx is cancelled meanwhile, and Start then returns
// ctx.Err().
func (s *Session) Start(ctx context.Context, agent Agent) error {
	if !s.running.CompareAndSwap(false, true) {
		return nil
	}
	defer s.running.Store(false)

	if agent == nil {
		agent = BaseAgent{}
	}

	ctx, span := observe.StartSessionSpan(ctx, s.id)
	defer span.End()
	log := observe.Logger(ctx).With("session_id", s.id)

	act := newActivity(s, agent)
	s.setActivity(act)
	defer s.setActivity(nil)

	if err := agent.OnEnter(ctx); err != nil {
		observe.FailSpan(span, err, "agent enter failed")
		return fmt.Errorf("voice: agent enter: %w", err)
	}
	log.Info("voice session started", "silence_timeout", s.opts.SilenceTimeout)

	loopErr := act.run(ctx)
	exitErr := agent.OnExit(context.WithoutCancel(ctx))
	if exitErr != nil {
		exitErr = fmt.Errorf("voice: agent exit: %w", exitErr)
	}

	err := errors.Join(loopErr, exitErr)
	if err != nil && !errors.Is(err, context.Canceled) {
		observe.FailSpan(span, err, "session failed")
		log.Warn("voice session ended with error", "error", err, "turns", act.Turns())
		return err
	}
	log.Info("voice session ended", "turns", act.Turns(), "history_len", s.history.Len())
	return err
}

// Say synthesises text and plays it to the sink. History is not modified.
// Blank text is a no-op.
func (s *Session) Say(ctx context.Context, text string) error {
	return s.speak(ctx, text)
}

// GenerateReply answers userInput: it appends the user message, asks the LLM
// for a reply using the whole history, appends that reply, and plays it.
// Blank or whitespace-only input is a no-op and the LLM is not called.
//
// If the LLM fails the user message stays in the history.
func (s *Session) GenerateReply(ctx context.Context, userInput string) error {
	if strings.TrimSpace(userInput) == "" {
		return nil
	}

	s.history.Append(llm.UserMessage(userInput))

	start := time.Now()
	reply, err := s.llm.Complete(ctx, s.history.Messages())
	observe.Since(ctx, s.metrics.LLMDuration, start)
	if err != nil {
		s.metrics.RecordProviderError(ctx, string(StageLLM))
		return engineError(StageLLM, err)
	}

	s.history.Append(llm.AssistantMessage(reply))
	return s.speak(ctx, reply)
}

// speak streams text through TTS into the sink. A sink failure cancels the
// synthesis and drains what is left of the stream.
func (s *Session) speak(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	s.speakMu.Lock()
	defer s.speakMu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	start := time.Now()
	stream, err := s.tts.SynthesizeStream(ctx, text)
	if err != nil {
		s.metrics.RecordProviderError(ctx, string(StageTTS))
		return engineError(StageTTS, err)
	}
	for frame := range stream.Frames {
		if err := s.sink.Play(ctx, frame); err != nil {
			cancel()
			audio.Drain(stream.Frames)
			s.metrics.RecordProviderError(ctx, string(StageSink))
			return engineError(StageSink, err)
		}
	}
	observe.Since(ctx, s.metrics.TTSDuration, start)
	if err := stream.Err(); err != nil {
		s.metrics.RecordProviderError(ctx, string(StageTTS))
		return engineError(StageTTS, err)
	}
	return nil
}
