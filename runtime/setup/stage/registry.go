package stage

import (
	"context"
	"errors"
	"fmt"

	"goa.design/agentsetup/runtime/setup/session"
)

// Registry maps each stage to its handler. It is built once and never
// modified afterwards, so it is safe to share across goroutines.
type Registry struct {
	handlers map[session.Stage]Handler
}

// Compile-time check that Registry implements Router.
var _ Router = (*Registry)(nil)

// NewRegistry builds a registry from handlers. Every stage before the
// CONNECT_INTEGRATIONS boundary must have a handler; the boundary itself must
// not, since reaching it completes the pipeline.
func NewRegistry(handlers map[session.Stage]Handler) (*Registry, error) {
	m := make(map[session.Stage]Handler, len(handlers))
	for st, h := range handlers {
		if !st.Valid() {
			return nil, fmt.Errorf("register handler: unknown stage %q", st)
		}
		if st == session.StageConnectIntegrations {
			return nil, errors.New("register handler: CONNECT_INTEGRATIONS is the pipeline boundary and takes no handler")
		}
		if h == nil {
			return nil, fmt.Errorf("register handler: handler for %s is nil", st)
		}
		m[st] = h
	}
	for _, st := range session.Stages() {
		if st == session.StageConnectIntegrations {
			continue
		}
		if _, ok := m[st]; !ok {
			return nil, fmt.Errorf("register handler: missing handler for %s", st)
		}
	}
	return &Registry{handlers: m}, nil
}

// Route invokes the handler registered for the session's current stage. An
// unregistered stage yields ErrUnknownStage without touching the session.
func (r *Registry) Route(ctx context.Context, sess *session.Session, env Env) (Outcome, error) {
	next := sess.Next()
	h, ok := r.handlers[next]
	if !ok {
		return Outcome{}, fmt.Errorf("%w: %q", ErrUnknownStage, next)
	}
	return h.Handle(ctx, sess, env)
}

// Handler returns the handler registered for st.
func (r *Registry) Handler(st session.Stage) (Handler, bool) {
	h, ok := r.handlers[st]
	return h, ok
}
