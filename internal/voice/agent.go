package voice

import (
	"context"

	"github.com/MrWong99/turnloop/pkg/provider/llm"
)

// Agent receives lifecycle callbacks from a running [Session].
//
// All callbacks are invoked from the session's loop goroutine and run to
// completion before the loop continues.
type Agent interface {
	// OnEnter runs once before any audio is processed. An error aborts
	// [Session.Start].
	OnEnter(ctx context.Context) error

	// OnUserTurnCompleted runs after a non-empty transcript was finalised and
	// before the reply is generated. msg is the user message about to be
	// appended; history may be appended to but not otherwise altered. An
	// error ends the session.
	OnUserTurnCompleted(ctx context.Context, history *History, msg llm.Message) error

	// OnExit runs once after the loop stops, whether or not it failed, as
	// long as OnEnter succeeded.
	OnExit(ctx context.Context) error
}

// BaseAgent implements [Agent] with no-op callbacks. Embed it to override only
// the callbacks you need.
type BaseAgent struct{}

var _ Agent = BaseAgent{}

func (BaseAgent) OnEnter(context.Context) error { return nil }

func (BaseAgent) OnUserTurnCompleted(context.Context, *History, llm.Message) error { return nil }

func (BaseAgent) OnExit(context.Context) error { return nil }

// AgentFuncs adapts plain functions to [Agent]. Nil fields are no-ops.
type AgentFuncs struct {
	Enter             func(ctx context.Context) error
	UserTurnCompleted func(ctx context.Context, history *History, msg llm.Message) error
	Exit              func(ctx context.Context) error
}

var _ Agent = AgentFuncs{}

func (f AgentFuncs) OnEnter(ctx context.Context) error {
	if f.Enter == nil {
		return nil
	}
	return f.Enter(ctx)
}

func (f AgentFuncs) OnUserTurnCompleted(ctx context.Context, history *History, msg llm.Message) error {
	if f.UserTurnCompleted == nil {
		return nil
	}
	return f.UserTurnCompleted(ctx, history, msg)
}

func (f AgentFuncs) OnExit(ctx context.Context) error {
	if f.Exit == nil {
		return nil
	}
	return f.Exit(ctx)
}
