package pulse

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	clientspulse "goa.design/agentsetup/features/queue/pulse/clients/pulse"
	"goa.design/agentsetup/runtime/setup/job"
	"goa.design/agentsetup/runtime/setup/telemetry"
)

type (
	// Processor handles one job delivery. *job.Manager implements it.
	Processor interface {
		Process(ctx context.Context, j *job.Job) error
	}

	// WorkerOptions configures a Worker.
	WorkerOptions struct {
		// Client opens the jobs stream. Required.
		Client clientspulse.Client
		// Processor runs each job. Required.
		Processor Processor
		// Stream is the jobs stream. Defaults to JobsStream.
		Stream string
		// SinkName is the consumer group shared by workers. Defaults to
		// "agent-setup-workers".
		SinkName string
		// MaxParallel bounds concurrent jobs. Defaults to
		// job.DefaultMaxParallelJobs.
		MaxParallel int
		// SinkOptions are passed to the consumer group.
		SinkOptions []streamopts.Sink
		// Logger defaults to a no-op logger.
		Logger telemetry.Logger
	}

	// Worker consumes setup jobs.
	Worker struct {
		client    clientspulse.Client
		processor Processor
		stream    string
		sinkName  string
		max       int
		sinkOpts  []streamopts.Sink
		logger    telemetry.Logger
	}
)

// NewWorker validates opts and returns a Worker.
func NewWorker(opts WorkerOptions) (*Worker, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	if opts.Processor == nil {
		return nil, errors.New("processor is required")
	}
	w := &Worker{
		client:    opts.Client,
		processor: opts.Processor,
		stream:    opts.Stream,
		sinkName:  opts.SinkName,
		max:       opts.MaxParallel,
		sinkOpts:  opts.SinkOptions,
		logger:    opts.Logger,
	}
	if w.stream == "" {
		w.stream = JobsStream
	}
	if w.sinkName == "" {
		w.sinkName = "agent-setup-workers"
	}
	if w.max <= 0 {
		w.max = job.DefaultMaxParallelJobs
	}
	if w.logger == nil {
		w.logger = telemetry.NoopLogger{}
	}
	return w, nil
}

// Serve consumes the jobs stream until ctx is cancelled or the subscription
// closes. In-flight jobs are awaited before Serve returns. Events that do not
// decode to a setup job, and jobs flagged end_job, are acknowledged and
// dropped. Jobs whose processing fails are left pending so the consumer group
// redelivers them.
func (w *Worker) Serve(ctx context.Context) error {
	str, err := w.client.Stream(w.stream)
	if err != nil {
		return fmt.Errorf("open jobs stream %q: %w", w.stream, err)
	}
	sink, err := str.NewSink(ctx, w.sinkName, w.sinkOpts...)
	if err != nil {
		return fmt.Errorf("create sink %q for jobs stream %q: %w", w.sinkName, w.stream, err)
	}
	defer sink.Close(context.Background())

	var wg sync.WaitGroup
	defer wg.Wait()
	sem := make(chan struct{}, w.max)
	events := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return errors.New("jobs stream subscription closed")
			}
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return ctx.Err()
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() { <-sem }()
				w.handle(ctx, sink, ev)
			}()
		}
	}
}

func (w *Worker) handle(ctx context.Context, sink clientspulse.Sink, ev *streaming.Event) {
	j, err := job.Decode(ev.Payload)
	switch {
	case err != nil:
		w.logger.Warn(ctx, "dropping malformed job", "event_id", ev.ID, "err", err)
	case j.EndJob:
		w.logger.Debug(ctx, "job ended", "job_id", j.ID)
	default:
		if err := w.processor.Process(ctx, j); err != nil {
			if !errors.Is(err, job.ErrInvalidPath) && !errors.Is(err, job.ErrMissingTask) {
				w.logger.Error(ctx, "job processing failed, leaving pending", "job_id", j.ID, "err", err)
				return
			}
			w.logger.Warn(ctx, "dropping invalid job", "job_id", j.ID, "err", err)
		}
	}
	if err := sink.Ack(ctx, ev); err != nil {
		w.logger.Error(ctx, "ack job event", "event_id", ev.ID, "err", err)
	}
}
