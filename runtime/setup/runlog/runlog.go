// Package runlog provides a durable, append-only log of setup progress.
//
// Stage handlers emit progress chunks while a session runs. Recorder turns
// those chunks into log events so callers can list the progress of a session
// after the fact using opaque cursors.
package runlog

import (
	"context"
	"time"

	"goa.design/agentsetup/runtime/setup/session"
	"goa.design/agentsetup/runtime/setup/stage"
	"goa.design/agentsetup/runtime/setup/telemetry"
)

type (
	// Event is a single immutable progress event.
	//
	// Store implementations assign the ID when persisting the event. IDs are
	// opaque and ordered within a session.
	Event struct {
		ID        string        `json:"id"`
		SessionID string        `json:"session_id"`
		Stage     session.Stage `json:"stage,omitempty"`
		Type      stage.Event   `json:"type"`
		// NodeID is set for per-node events.
		NodeID    string    `json:"node_id,omitempty"`
		Message   string    `json:"message,omitempty"`
		Timestamp time.Time `json:"timestamp"`
	}

	// Page is a forward page of events.
	Page struct {
		// Events are ordered oldest-first.
		Events []*Event
		// NextCursor is empty when there are no further events.
		NextCursor string
	}

	// Store is an append-only progress event store.
	Store interface {
		// Append stores the event and assigns its ID.
		Append(ctx context.Context, e *Event) error
		// List returns the next forward page of events for the session.
		// Cursor is empty to start from the beginning. Limit must be greater
		// than zero.
		List(ctx context.Context, sessionID, cursor string, limit int) (Page, error)
	}
)

// Recorder returns a stage.StreamFunc appending every chunk to store. Append
// failures are logged and dropped so progress logging never fails a stage.
func Recorder(store Store, logger telemetry.Logger) stage.StreamFunc {
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	return func(ctx context.Context, c stage.Chunk) {
		if c.SessionID == "" {
			return
		}
		e := &Event{
			SessionID: c.SessionID,
			Stage:     c.Stage,
			Type:      c.Event,
			NodeID:    c.NodeID,
			Message:   c.Message,
			Timestamp: time.Now().UTC(),
		}
		if err := store.Append(ctx, e); err != nil {
			logger.Warn(ctx, "append progress event", "session_id", c.SessionID, "event", c.Event, "err", err)
		}
	}
}
