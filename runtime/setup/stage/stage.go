// Package stage defines the contract between the setup orchestrator and the
// per-stage handlers: the Outcome a handler returns, the Env bundle it receives,
// and the immutable Registry that routes a session to the handler for its
// current stage.
package stage

import (
	"context"
	"errors"

	"goa.design/agentsetup/runtime/setup/session"
)

type (
	// Kind tags the variant of an Outcome.
	Kind int

	// Outcome is the result of one handler invocation. Handlers apply the
	// matching session transition before returning it.
	Outcome struct {
		Kind Kind
		// Reason explains a Paused or Failed outcome.
		Reason string
	}

	// Handler runs one pipeline stage against a session. Handlers return an
	// error only for conditions the orchestrator classifies itself: provider
	// throttling and unexpected failures. Precondition and collaborator
	// failures are recorded on the session and reported as a Failed outcome.
	Handler interface {
		Handle(ctx context.Context, sess *session.Session, env Env) (Outcome, error)
	}

	// HandlerFunc adapts a function to Handler.
	HandlerFunc func(ctx context.Context, sess *session.Session, env Env) (Outcome, error)

	// Router dispatches a session to the handler for its current stage.
	Router interface {
		Route(ctx context.Context, sess *session.Session, env Env) (Outcome, error)
	}
)

const (
	// KindAdvance means the stage succeeded and the cursor moved forward.
	KindAdvance Kind = iota + 1
	// KindPaused means the stage needs user input.
	KindPaused
	// KindFailed means the stage failed and the session is FAILED.
	KindFailed
)

// ErrUnknownStage indicates the session cursor names a stage with no
// registered handler. It signals corrupted state.
var ErrUnknownStage = errors.New("no handler registered for stage")

// Advance returns a successful outcome.
func Advance() Outcome { return Outcome{Kind: KindAdvance} }

// Paused returns an outcome waiting on user input.
func Paused(reason string) Outcome { return Outcome{Kind: KindPaused, Reason: reason} }

// Failed returns a failed outcome.
func Failed(reason string) Outcome { return Outcome{Kind: KindFailed, Reason: reason} }

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindAdvance:
		return "advance"
	case KindPaused:
		return "paused"
	case KindFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, sess *session.Session, env Env) (Outcome, error) {
	return f(ctx, sess, env)
}
