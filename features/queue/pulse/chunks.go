package pulse

import (
	"context"
	"encoding/json"
	"time"

	clientspulse "goa.design/agentsetup/features/queue/pulse/clients/pulse"
	"goa.design/agentsetup/runtime/setup/stage"
	"goa.design/agentsetup/runtime/setup/telemetry"
)

// chunkEnvelope is the wire form of a progress chunk.
type chunkEnvelope struct {
	SessionID string    `json:"session_id"`
	Stage     string    `json:"stage"`
	Event     string    `json:"event"`
	NodeID    string    `json:"node_id,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ChunkStreamID returns the stream carrying the progress of a session.
func ChunkStreamID(sessionID string) string {
	return "agent-setup/" + sessionID
}

// ChunkStream returns a stage.StreamFunc publishing chunks to the session's
// progress stream. Publish failures are logged and dropped.
func ChunkStream(client clientspulse.Client, logger telemetry.Logger) stage.StreamFunc {
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	return func(ctx context.Context, c stage.Chunk) {
		if c.SessionID == "" {
			return
		}
		payload, err := json.Marshal(chunkEnvelope{
			SessionID: c.SessionID,
			Stage:     string(c.Stage),
			Event:     string(c.Event),
			NodeID:    c.NodeID,
			Message:   c.Message,
			Timestamp: time.Now().UTC(),
		})
		if err != nil {
			logger.Warn(ctx, "encode progress chunk", "err", err)
			return
		}
		str, err := client.Stream(ChunkStreamID(c.SessionID))
		if err == nil {
			_, err = str.Add(ctx, string(c.Event), payload)
		}
		if err != nil {
			logger.Warn(ctx, "publish progress chunk", "session_id", c.SessionID, "err", err)
		}
	}
}
