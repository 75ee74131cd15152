package voice_test

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/turnloop/internal/voice"
	audiomock "github.com/MrWong99/turnloop/pkg/audio/mock"
	"github.com/MrWong99/turnloop/pkg/provider/llm"
)

func start(ctx context.Context, r *rig, agent voice.Agent) <-chan error {
	done := make(chan error, 1)
	go func() { done <- r.session.Start(ctx, agent) }()
	return done
}

func wait(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return")
		return nil
	}
}

func TestActivity_ExhaustedSourceForcesFinalTurn(t *testing.T) {
	t.Parallel()
	r := newRig(t, audiomock.NewSource(frame(1), frame(2), frame(3)), time.Hour)
	r.stt.Transcripts = []string{"  what time is it  "}
	r.llm.Replies = []string{"noon"}

	if err := r.session.Start(context.Background(), nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if n := len(r.stt.Frames()); n != 3 {
		t.Fatalf("STT frames = %d, want 3", n)
	}
	if n := r.stt.FinalizeCalls(); n != 1 {
		t.Fatalf("Finalize calls = %d, want exactly 1", n)
	}
	assertHistory(t, r.session.History(), llm.UserMessage("what time is it"), llm.AssistantMessage("noon"))
	if got := played(r.sink); !slices.Equal(got, []string{"noon"}) {
		t.Fatalf("played = %v", got)
	}
}

func TestActivity_SilentSourceHasNoTurn(t *testing.T) {
	t.Parallel()
	r := newRig(t, audiomock.NewSource(), time.Millisecond)
	if err := r.session.Start(context.Background(), nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if n := r.stt.FinalizeCalls(); n != 0 {
		t.Fatalf("Finalize calls = %d, want 0", n)
	}
}

func TestActivity_SilenceEndsTurns(t *testing.T) {
	t.Parallel()
	r := newRig(t, audiomock.NewLiveSource(4), 20*time.Millisecond)
	r.stt.Transcripts = []string{"first", "second"}
	r.llm.Replies = []string{"reply one", "reply two"}
	ctx := context.Background()
	done := start(ctx, r, nil)

	_ = r.source.Push(ctx, frame(1))
	_ = r.source.Push(ctx, frame(2))
	waitFor(t, "first reply", func() bool { return len(r.sink.Frames()) == 1 })
	if n := r.stt.FinalizeCalls(); n != 1 {
		t.Fatalf("Finalize calls after first pause = %d, want 1", n)
	}

	_ = r.source.Push(ctx, frame(3))
	waitFor(t, "second reply", func() bool { return len(r.sink.Frames()) == 2 })
	r.source.Close()
	if err := wait(t, done); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// No speech after the second turn, so closing adds no extra turn.
	if n := r.stt.FinalizeCalls(); n != 2 {
		t.Fatalf("Finalize calls = %d, want 2", n)
	}
	assertHistory(t, r.session.History(),
		llm.UserMessage("first"), llm.AssistantMessage("reply one"),
		llm.UserMessage("second"), llm.AssistantMessage("reply two"))

	calls := r.llm.Calls()
	if len(calls) != 2 || len(calls[1].Messages) != 3 {
		t.Fatalf("second LLM call should see 3 messages, calls = %+v", calls)
	}
	if got := played(r.sink); !slices.Equal(got, []string{"reply one", "reply two"}) {
		t.Fatalf("played = %v", got)
	}
}

func TestActivity_StateTransitions(t *testing.T) {
	t.Parallel()
	r := newRig(t, audiomock.NewLiveSource(1), 20*time.Millisecond)
	r.stt.Transcripts = []string{"hi"}
	r.llm.Replies = []string{"hello"}

	release := make(chan struct{})
	var inTurn atomic.Value
	r.llm.OnComplete = func(context.Context, []llm.Message) error {
		inTurn.Store(r.session.Activity().State())
		<-release
		return nil
	}

	ctx := context.Background()
	done := start(ctx, r, nil)
	waitFor(t, "activity", func() bool { return r.session.Activity() != nil })
	act := r.session.Activity()
	if got := act.State(); got != voice.StateIdle {
		t.Fatalf("initial state = %v, want idle", got)
	}

	_ = r.source.Push(ctx, frame(1))
	waitFor(t, "llm call", func() bool { return inTurn.Load() != nil })
	if got := inTurn.Load().(voice.State); got != voice.StateFinalizing {
		t.Fatalf("state during turn = %v, want finalizing", got)
	}
	close(release)
	waitFor(t, "idle after turn", func() bool { return act.State() == voice.StateIdle })

	r.source.Close()
	if err := wait(t, done); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := act.State(); got != voice.StateStopped {
		t.Fatalf("final state = %v, want stopped", got)
	}
	if act.Turns() != 1 {
		t.Fatalf("Turns() = %d, want 1", act.Turns())
	}
}

func TestActivity_EmptyTranscriptAbandonsTurn(t *testing.T) {
	t.Parallel()
	for _, transcript := range []string{"", "  \n "} {
		r := newRig(t, audiomock.NewSource(frame(1)), time.Hour)
		r.stt.Transcripts = []string{transcript}
		var hooked atomic.Bool
		agent := voice.AgentFuncs{UserTurnCompleted: func(context.Context, *voice.History, llm.Message) error {
			hooked.Store(true)
			return nil
		}}

		if err := r.session.Start(context.Background(), agent); err != nil {
			t.Fatalf("Start: %v", err)
		}
		if r.stt.FinalizeCalls() != 1 {
			t.Fatalf("Finalize not called for %q", transcript)
		}
		if hooked.Load() {
			t.Fatalf("hook ran for %q", transcript)
		}
		if len(r.llm.Calls()) != 0 || r.session.History().Len() != 0 {
			t.Fatalf("turn not abandoned for %q", transcript)
		}
	}
}

func TestActivity_UserTurnHook(t *testing.T) {
	t.Parallel()
	r := newRig(t, audiomock.NewSource(frame(1)), time.Hour)
	r.stt.Transcripts = []string{" book a table "}
	r.llm.Replies = []string{"done"}

	var got llm.Message
	agent := voice.AgentFuncs{UserTurnCompleted: func(_ context.Context, h *voice.History, msg llm.Message) error {
		got = msg
		if h.Len() != 0 {
			t.Errorf("user message appended before hook returned")
		}
		h.Append(llm.UserMessage("context: user is vegetarian"))
		return nil
	}}

	if err := r.session.Start(context.Background(), agent); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got != llm.UserMessage("book a table") {
		t.Fatalf("hook msg = %+v", got)
	}
	assertHistory(t, r.session.History(),
		llm.UserMessage("context: user is vegetarian"),
		llm.UserMessage("book a table"),
		llm.AssistantMessage("done"))
}

func TestActivity_UserTurnHookErrorEndsSession(t *testing.T) {
	t.Parallel()
	r := newRig(t, audiomock.NewSource(frame(1)), time.Hour)
	r.stt.Transcripts = []string{"hello"}
	errHook := errors.New("moderation rejected")
	var exited atomic.Bool
	agent := voice.AgentFuncs{
		UserTurnCompleted: func(context.Context, *voice.History, llm.Message) error { return errHook },
		Exit:              func(context.Context) error { exited.Store(true); return nil },
	}

	err := r.session.Start(context.Background(), agent)
	if !errors.Is(err, errHook) {
		t.Fatalf("err = %v, want hook error", err)
	}
	if !strings.Contains(err.Error(), "user turn hook") {
		t.Errorf("err = %q, want hook context", err)
	}
	if !exited.Load() {
		t.Fatal("OnExit did not run")
	}
	if len(r.llm.Calls()) != 0 || r.session.History().Len() != 0 {
		t.Fatal("LLM must not run after hook failure")
	}
}

func TestActivity_EngineFailures(t *testing.T) {
	t.Parallel()
	errBoom := errors.New("boom")
	tests := []struct {
		name  string
		setup func(r *rig)
		stage voice.Stage
	}{
		{name: "accept audio", setup: func(r *rig) { r.stt.AcceptErr = errBoom }, stage: voice.StageSTT},
		{name: "finalize", setup: func(r *rig) { r.stt.FinalizeErr = errBoom }, stage: voice.StageSTT},
		{name: "llm", setup: func(r *rig) { r.stt.Transcripts = []string{"hi"}; r.llm.Err = errBoom }, stage: voice.StageLLM},
		{name: "tts", setup: func(r *rig) { r.stt.Transcripts = []string{"hi"}; r.llm.Replies = []string{"yo"}; r.tts.Err = errBoom }, stage: voice.StageTTS},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := newRig(t, audiomock.NewSource(frame(1), frame(2)), time.Hour)
			tt.setup(r)

			err := r.session.Start(context.Background(), nil)
			var ee *voice.EngineError
			if !errors.As(err, &ee) || ee.Stage != tt.stage || !errors.Is(err, errBoom) {
				t.Fatalf("err = %v, want %s engine failure", err, tt.stage)
			}
			if r.session.Running() {
				t.Fatal("running flag not cleared")
			}
		})
	}
}

func TestActivity_AcceptFailureStopsAtFirstFrame(t *testing.T) {
	t.Parallel()
	r := newRig(t, audiomock.NewSource(frame(1), frame(2), frame(3)), time.Hour)
	r.stt.AcceptErr = errors.New("socket closed")

	if err := r.session.Start(context.Background(), nil); err == nil {
		t.Fatal("expected error")
	}
	if n := len(r.stt.Frames()); n != 1 {
		t.Fatalf("STT frames = %d, want 1", n)
	}
	if n := r.stt.FinalizeCalls(); n != 0 {
		t.Fatalf("Finalize calls = %d, want 0", n)
	}
}

func TestActivity_EndpointSignalEndsTurn(t *testing.T) {
	t.Parallel()
	r := newRig(t, audiomock.NewLiveSource(1), time.Hour)
	r.stt.EndpointCh = make(chan struct{}, 1)
	r.stt.Transcripts = []string{"quick question"}
	r.llm.Replies = []string{"sure"}
	ctx := context.Background()
	done := start(ctx, r, nil)

	_ = r.source.Push(ctx, frame(1))
	waitFor(t, "frame accepted", func() bool { return len(r.stt.Frames()) == 1 })
	r.stt.EndpointCh <- struct{}{}
	waitFor(t, "reply", func() bool { return len(r.sink.Frames()) == 1 })

	r.source.Close()
	if err := wait(t, done); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if n := r.stt.FinalizeCalls(); n != 1 {
		t.Fatalf("Finalize calls = %d, want 1", n)
	}
	assertHistory(t, r.session.History(), llm.UserMessage("quick question"), llm.AssistantMessage("sure"))
}

func TestActivity_EndpointWhileIdleIsIgnored(t *testing.T) {
	t.Parallel()
	r := newRig(t, audiomock.NewLiveSource(1), time.Hour)
	r.stt.EndpointCh = make(chan struct{})
	ctx := context.Background()
	done := start(ctx, r, nil)

	waitFor(t, "activity", func() bool { return r.session.Activity() != nil })
	r.stt.EndpointCh <- struct{}{}
	r.source.Close()
	if err := wait(t, done); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if n := r.stt.FinalizeCalls(); n != 0 {
		t.Fatalf("Finalize calls = %d, want 0", n)
	}
}

func TestActivity_CancelStopsAtLoopBoundary(t *testing.T) {
	t.Parallel()
	r := newRig(t, audiomock.NewLiveSource(1), time.Hour)
	var exited atomic.Bool
	agent := voice.AgentFuncs{Exit: func(context.Context) error { exited.Store(true); return nil }}

	ctx, cancel := context.WithCancel(context.Background())
	done := start(ctx, r, agent)
	waitFor(t, "session running", r.session.Running)
	_ = r.source.Push(ctx, frame(1))
	waitFor(t, "frame accepted", func() bool { return len(r.stt.Frames()) == 1 })
	cancel()

	if err := wait(t, done); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if !exited.Load() {
		t.Fatal("OnExit did not run after cancellation")
	}
	if n := r.stt.FinalizeCalls(); n != 0 {
		t.Fatalf("Finalize calls = %d, want 0", n)
	}
}

func TestActivity_CancelDuringTurnLetsTurnFinish(t *testing.T) {
	t.Parallel()
	r := newRig(t, audiomock.NewLiveSource(1), 10*time.Millisecond)
	r.stt.Transcripts = []string{"hello"}
	r.llm.Replies = []string{"hi"}

	ctx, cancel := context.WithCancel(context.Background())
	var called, turnCancelled atomic.Bool
	r.llm.OnComplete = func(c context.Context, _ []llm.Message) error {
		cancel()
		called.Store(true)
		turnCancelled.Store(c.Err() != nil)
		return nil
	}
	done := start(ctx, r, nil)
	_ = r.source.Push(context.Background(), frame(1))

	if err := wait(t, done); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if !called.Load() || turnCancelled.Load() {
		t.Fatalf("LLM called = %v, turn context cancelled = %v", called.Load(), turnCancelled.Load())
	}
	assertHistory(t, r.session.History(), llm.UserMessage("hello"), llm.AssistantMessage("hi"))
	if got := played(r.sink); !slices.Equal(got, []string{"hi"}) {
		t.Fatalf("played = %v", got)
	}
}
