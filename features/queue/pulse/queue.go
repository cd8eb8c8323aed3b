// Package pulse runs the setup job queue on goa.design/pulse streams. A
// Publisher appends jobs to a stream, a Worker consumes the jobs stream with
// bounded parallelism and hands each delivery to the job manager, and
// ChunkStream forwards stage progress chunks to per-session streams.
package pulse

import (
	"context"
	"errors"
	"fmt"

	clientspulse "goa.design/agentsetup/features/queue/pulse/clients/pulse"
	"goa.design/agentsetup/runtime/setup/job"
)

const (
	// JobsStream carries setup jobs.
	JobsStream = job.Path
	// UpdatesStream carries update notifications.
	UpdatesStream = job.UpdatesTarget + "/" + job.UpdatesPath
)

// Publisher implements job.Publisher on a single Pulse stream.
type Publisher struct {
	client clientspulse.Client
	stream string
}

var _ job.Publisher = (*Publisher)(nil)

// NewPublisher returns a publisher appending to the named stream.
func NewPublisher(client clientspulse.Client, stream string) (*Publisher, error) {
	if client == nil {
		return nil, errors.New("pulse client is required")
	}
	if stream == "" {
		return nil, errors.New("stream name is required")
	}
	return &Publisher{client: client, stream: stream}, nil
}

// Publish encodes j and appends it to the stream. The event name is the job
// path.
func (p *Publisher) Publish(ctx context.Context, j *job.Job) error {
	payload, err := j.Encode()
	if err != nil {
		return fmt.Errorf("encode job %q: %w", j.ID, err)
	}
	str, err := p.client.Stream(p.stream)
	if err != nil {
		return err
	}
	if _, err := str.Add(ctx, j.Path, payload); err != nil {
		return fmt.Errorf("publish job %q to %q: %w", j.ID, p.stream, err)
	}
	return nil
}
