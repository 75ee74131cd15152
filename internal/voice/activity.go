package voice

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/MrWong99/turnloop/internal/observe"
	"github.com/MrWong99/turnloop/pkg/provider/llm"
	"github.com/MrWong99/turnloop/pkg/provider/stt"
)

// State is the turn-detection state of an [Activity].
type State int32

const (
	// StateIdle means no speech is being accumulated.
	StateIdle State = iota

	// StateSpeaking means frames are arriving and the silence timer is armed.
	StateSpeaking

	// StateFinalizing means a turn is being handled: STT finalize, the user
	// turn hook, the LLM call and playback.
	StateFinalizing

	// StateStopped is terminal: the audio source is exhausted, the context was
	// cancelled, or a turn failed.
	StateStopped
)

// String returns the lower-case name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSpeaking:
		return "speaking"
	case StateFinalizing:
		return "finalizing"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Activity drives one run of a [Session]: it feeds audio to STT, decides when
// the user has finished speaking, and hands each finished turn to the
// session. An Activity is created by [Session.Start], runs once, and is then
// discarded.
//
// speaking and lastSpeech are only touched by the loop goroutine.
type Activity struct {
	session *Session
	agent   Agent

	state atomic.Int32
	turns atomic.Int64

	speaking   bool
	lastSpeech time.Time
}

func newActivity(s *Session, agent Agent) *Activity {
	return &Activity{session: s, agent: agent}
}

// State returns the current state. Safe to call from any goroutine.
func (a *Activity) State() State { return State(a.state.Load()) }

// Turns returns the number of turns handled so far, including abandoned ones.
func (a *Activity) Turns() int64 { return a.turns.Load() }

func (a *Activity) setState(s State) { a.state.Store(int32(s)) }

// run is the turn-detection loop. It suspends until the next frame, the
// silence deadline, an end-of-turn signal from the STT engine, or ctx
// cancellation, whichever comes first.
func (a *Activity) run(ctx context.Context) error {
	defer a.setState(StateStopped)

	s := a.session
	timeout := s.opts.SilenceTimeout
	frames := s.source.Frames()

	var endpoints <-chan struct{}
	if ep, ok := s.stt.(stt.Endpointer); ok {
		endpoints = ep.Endpoints()
	}

	silence := time.NewTimer(timeout)
	silence.Stop()
	defer silence.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case frame, ok := <-frames:
			if !ok {
				// Trailing speech gets exactly one final turn.
				if a.speaking {
					return a.handleTurn(ctx)
				}
				return nil
			}
			if err := s.stt.AcceptAudio(ctx, frame); err != nil {
				s.metrics.RecordProviderError(ctx, string(StageSTT))
				return engineError(StageSTT, err)
			}
			a.speaking = true
			a.lastSpeech = time.Now()
			a.setState(StateSpeaking)
			silence.Reset(timeout)

		case <-silence.C:
			if a.speaking && time.Since(a.lastSpeech) >= timeout {
				if err := a.handleTurn(ctx); err != nil {
					return err
				}
				discardPending(endpoints)
			}

		case _, ok := <-endpoints:
			if !ok {
				endpoints = nil
				continue
			}
			if a.speaking {
				silence.Stop()
				if err := a.handleTurn(ctx); err != nil {
					return err
				}
				discardPending(endpoints)
			}
		}
	}
}

// discardPending drops end-of-turn signals that refer to the turn just
// handled so they cannot close the next one early.
func discardPending(ch <-chan struct{}) {
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

// handleTurn finalises the transcript and, if it is not blank, runs the user
// turn hook and generates the reply. It never observes cancellation of ctx.
func (a *Activity) handleTurn(ctx context.Context) error {
	s := a.session
	a.setState(StateFinalizing)
	defer a.resetSpeech()

	n := a.turns.Add(1)
	ctx, span := observe.StartTurnSpan(ctx, s.id, n)
	defer span.End()
	log := observe.Logger(ctx).With("session_id", s.id, "turn", n)
	start := time.Now()

	fail := func(err error) error {
		observe.FailSpan(span, err, "turn failed")
		s.metrics.RecordTurn(ctx, observe.OutcomeFailed, time.Since(start))
		log.Warn("turn failed", "error", err)
		return err
	}

	sttStart := time.Now()
	text, err := s.stt.Finalize(ctx)
	observe.Since(ctx, s.metrics.STTDuration, sttStart)
	if err != nil {
		s.metrics.RecordProviderError(ctx, string(StageSTT))
		return fail(engineError(StageSTT, err))
	}

	text = strings.TrimSpace(text)
	if text == "" {
		s.metrics.RecordTurn(ctx, observe.OutcomeAbandoned, time.Since(start))
		log.Debug("turn abandoned, empty transcript")
		return nil
	}
	log.Debug("user turn finalized", "chars", len(text))

	if err := a.agent.OnUserTurnCompleted(ctx, &s.history, llm.UserMessage(text)); err != nil {
		return fail(fmt.Errorf("voice: user turn hook: %w", err))
	}
	if err := s.GenerateReply(ctx, text); err != nil {
		return fail(err)
	}

	s.metrics.RecordTurn(ctx, observe.OutcomeReplied, time.Since(start))
	log.Debug("turn replied", "elapsed", time.Since(start))
	return nil
}

func (a *Activity) resetSpeech() {
	a.speaking = false
	a.lastSpeech = time.Time{}
	a.setState(StateIdle)
}
