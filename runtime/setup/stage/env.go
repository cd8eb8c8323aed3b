package stage

import (
	"context"
	"slices"

	"goa.design/agentsetup/runtime/setup/session"
	"goa.design/agentsetup/runtime/setup/telemetry"
)

type (
	// Env is the execution context handed to handlers. It is passed by value
	// and must not be modified by handlers; per-node goroutines of the tool
	// stages read it concurrently.
	Env struct {
		// Trace identifies the run in tracing backends. Bind sets its
		// SessionID and TraceID from the session being run.
		Trace TraceConfig
		// Streams receive progress chunks as stages execute.
		Streams []StreamFunc
		// Memory stores artifacts for later agent runs. Nil disables it.
		Memory Memory
		// Logger receives handler logs. Nil discards them.
		Logger telemetry.Logger
	}

	// TraceConfig carries the identifiers attached to spans and traces.
	TraceConfig struct {
		Name      string
		SessionID string
		TraceID   string
		Tags      []string
	}

	// StreamFunc receives progress chunks. Implementations must not block for
	// long; they are called on the orchestrator goroutine.
	StreamFunc func(ctx context.Context, chunk Chunk)

	// Chunk is one progress event.
	Chunk struct {
		SessionID string
		Stage     session.Stage
		Event     Event
		// NodeID is set for per-node events.
		NodeID  string
		Message string
	}

	// Event names the kind of progress chunk.
	Event string

	// Memory is the task-memory handle. Handlers record the artifacts they
	// produce so downstream agent runs can recall them.
	Memory interface {
		Remember(ctx context.Context, sessionID, key, value string) error
	}
)

const (
	EventStageStarted  Event = "stage_started"
	EventStageFinished Event = "stage_finished"
	EventNodeResult    Event = "node_result"
	EventNodeFailed    Event = "node_failed"
)

// Bind returns a copy of e whose trace identifiers refer to sess: the session
// ID becomes the trace session and the thread ID becomes the trace ID,
// replacing any identifiers already set on e. Name and Tags are kept.
func (e Env) Bind(sess *session.Session) Env {
	out := e
	out.Streams = slices.Clone(e.Streams)
	out.Trace.Tags = slices.Clone(e.Trace.Tags)
	if out.Trace.Name == "" {
		out.Trace.Name = "agent-setup"
	}
	out.Trace.SessionID = sess.ID
	out.Trace.TraceID = sess.ThreadID
	return out
}

// Emit delivers chunk to every stream callback.
func (e Env) Emit(ctx context.Context, chunk Chunk) {
	if chunk.SessionID == "" {
		chunk.SessionID = e.Trace.SessionID
	}
	for _, fn := range e.Streams {
		fn(ctx, chunk)
	}
}

// Remember stores value in the memory handle when one is configured. Memory
// failures are logged and otherwise ignored.
func (e Env) Remember(ctx context.Context, key, value string) {
	if e.Memory == nil || value == "" {
		return
	}
	if err := e.Memory.Remember(ctx, e.Trace.SessionID, key, value); err != nil {
		e.Log().Warn(ctx, "memory write failed", "key", key, "err", err)
	}
}

// Log returns the Env logger or a no-op logger.
func (e Env) Log() telemetry.Logger {
	if e.Logger == nil {
		return telemetry.NoopLogger{}
	}
	return e.Logger
}
