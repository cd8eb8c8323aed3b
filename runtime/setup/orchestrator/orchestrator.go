// Package orchestrator drives setup sessions through the stage pipeline. It
// owns the status state machine: it initializes sessions, dispatches the
// current stage through a stage.Router, and turns each outcome or error into
// the matching status transition.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/codes"

	"goa.design/agentsetup/runtime/setup/model"
	"goa.design/agentsetup/runtime/setup/session"
	"goa.design/agentsetup/runtime/setup/stage"
	"goa.design/agentsetup/runtime/setup/telemetry"
)

type (
	// Options configures an Orchestrator.
	Options struct {
		// Router dispatches sessions to stage handlers. Required.
		Router stage.Router
		// Logger defaults to a no-op logger.
		Logger telemetry.Logger
		// Metrics defaults to a no-op recorder.
		Metrics telemetry.Metrics
		// Tracer defaults to a no-op tracer.
		Tracer telemetry.Tracer
		// Now defaults to time.Now.
		Now func() time.Time
	}

	// Orchestrator runs sessions. It holds no per-session state and is safe
	// for concurrent use across different sessions.
	Orchestrator struct {
		router  stage.Router
		logger  telemetry.Logger
		metrics telemetry.Metrics
		tracer  telemetry.Tracer
		now     func() time.Time
	}

	// ExitHook observes the session whenever RunSession returns.
	ExitHook func(ctx context.Context, sess *session.Session)

	// StageError reports that a stage failed and the session is FAILED.
	StageError struct {
		Stage  session.Stage
		Reason string
	}
)

// RateLimitMessage is recorded as the failure reason when a collaborator
// throttles a stage.
const RateLimitMessage = "Rate Limit Exceeded"

// ErrTerminalSession indicates the session cannot be run because it already
// completed, failed, or is waiting for user input.
var ErrTerminalSession = errors.New("session is in a terminal status")

// New validates opts and returns an Orchestrator.
func New(opts Options) (*Orchestrator, error) {
	if opts.Router == nil {
		return nil, errors.New("router is required")
	}
	o := &Orchestrator{
		router:  opts.Router,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		tracer:  opts.Tracer,
		now:     opts.Now,
	}
	if o.logger == nil {
		o.logger = telemetry.NoopLogger{}
	}
	if o.metrics == nil {
		o.metrics = telemetry.NoopMetrics{}
	}
	if o.tracer == nil {
		o.tracer = telemetry.NoopTracer{}
	}
	if o.now == nil {
		o.now = time.Now
	}
	return o, nil
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s failed: %s", e.Stage, e.Reason)
}

// RunSession drives sess until it completes, pauses for user input, or fails.
// Sessions already in a terminal status are rejected with ErrTerminalSession
// and left untouched. On failure the returned error is a *StageError, an error
// matching model.ErrRateLimited, or the unexpected error that stopped the run;
// in every case sess records the outcome. onExit, when non-nil, is called with
// sess once the loop exits.
func (o *Orchestrator) RunSession(ctx context.Context, sess *session.Session, env stage.Env, onExit ExitHook) (*session.Session, error) {
	if err := checkRunnable(sess); err != nil {
		return sess, err
	}
	sess.Initialize(o.now())
	env = env.Bind(sess)
	if onExit != nil {
		defer onExit(ctx, sess)
	}
	o.logger.Info(ctx, "setup session started", "session_id", sess.ID, "next", sess.Next())

	for !sess.Status.Terminal() {
		if err := o.step(ctx, sess, env); err != nil {
			o.logger.Error(ctx, "setup session failed", "session_id", sess.ID, "stage", sess.Next(), "err", err)
			return sess, err
		}
	}
	o.logger.Info(ctx, "setup session exited", "session_id", sess.ID, "status", sess.Status, "next", sess.Next())
	return sess, nil
}

// RunStage runs exactly one stage of sess. It is the re-entrant entry point
// for callers that persist the session between stages: the same session may
// be passed back after each call until its status is terminal.
func (o *Orchestrator) RunStage(ctx context.Context, sess *session.Session, env stage.Env) (*session.Session, error) {
	if err := checkRunnable(sess); err != nil {
		return sess, err
	}
	sess.Initialize(o.now())
	env = env.Bind(sess)
	if err := o.step(ctx, sess, env); err != nil {
		o.logger.Error(ctx, "setup stage failed", "session_id", sess.ID, "stage", sess.Next(), "err", err)
		return sess, err
	}
	return sess, nil
}

// Resume continues a session paused for user input. It merges in, resets the
// status to QUEUED with the stage cursor unchanged, and runs the session.
func (o *Orchestrator) Resume(ctx context.Context, sess *session.Session, in session.ResumeInput, env stage.Env, onExit ExitHook) (*session.Session, error) {
	if err := sess.Resume(in); err != nil {
		return sess, err
	}
	o.logger.Info(ctx, "setup session resumed", "session_id", sess.ID, "next", sess.Next())
	return o.RunSession(ctx, sess, env, onExit)
}

func checkRunnable(sess *session.Session) error {
	if sess == nil {
		return errors.New("session is required")
	}
	if sess.Status.Terminal() {
		return fmt.Errorf("%w: session %q is %s", ErrTerminalSession, sess.ID, sess.Status)
	}
	return nil
}

// step runs one iteration of the state machine. A nil error means the session
// is either still IN_PROGRESS, COMPLETED, or paused.
func (o *Orchestrator) step(ctx context.Context, sess *session.Session, env stage.Env) error {
	cur := sess.Next()
	if cur == session.StageConnectIntegrations {
		sess.Complete(o.now())
		return nil
	}
	if err := ctx.Err(); err != nil {
		return o.fail(sess, err)
	}

	ctx, span := o.tracer.Start(ctx, "agentsetup.stage")
	defer span.End()
	span.AddEvent("stage", "session_id", env.Trace.SessionID, "trace_id", env.Trace.TraceID, "stage", string(cur))
	tags := []string{"stage", string(cur)}
	start := o.now()

	out, err := o.router.Route(ctx, sess, env)
	o.metrics.RecordTimer(telemetry.MetricStageDuration, o.now().Sub(start), tags...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		switch {
		case errors.Is(err, stage.ErrUnknownStage):
			// Corrupted cursor: recorded as a failure, never retried.
			o.metrics.IncCounter(telemetry.MetricStageFailed, 1, tags...)
			o.logger.Error(ctx, "session cursor names no stage", "session_id", sess.ID, "stage", cur)
			return o.fail(sess, err)
		case model.IsRateLimited(err):
			o.metrics.IncCounter(telemetry.MetricStageRateLimited, 1, tags...)
			sess.Halt(RateLimitMessage, o.now())
			return err
		default:
			o.metrics.IncCounter(telemetry.MetricStageFailed, 1, tags...)
			return o.fail(sess, err)
		}
	}

	switch out.Kind {
	case stage.KindAdvance:
		if sess.Next() == cur {
			return o.fail(sess, fmt.Errorf("stage %s advanced without moving the cursor", cur))
		}
		o.metrics.IncCounter(telemetry.MetricStageCompleted, 1, tags...)
		span.SetStatus(codes.Ok, "")
		o.logger.Info(ctx, "stage completed", "session_id", sess.ID, "stage", cur, "next", sess.Next())
		if sess.Next() == session.StageConnectIntegrations {
			sess.Complete(o.now())
			o.logger.Info(ctx, "setup session completed", "session_id", sess.ID)
		}
		return nil
	case stage.KindPaused:
		o.metrics.IncCounter(telemetry.MetricStagePaused, 1, tags...)
		o.logger.Info(ctx, "stage paused for user input", "session_id", sess.ID, "stage", cur, "reason", out.Reason)
		if sess.Status != session.StatusUserInputRequired {
			return o.fail(sess, fmt.Errorf("stage %s paused without requesting user input", cur))
		}
		return nil
	case stage.KindFailed:
		o.metrics.IncCounter(telemetry.MetricStageFailed, 1, tags...)
		span.SetStatus(codes.Error, out.Reason)
		if sess.Status != session.StatusFailed {
			sess.Fail(out.Reason, o.now())
		}
		return &StageError{Stage: cur, Reason: out.Reason}
	default:
		return o.fail(sess, fmt.Errorf("stage %s returned unknown outcome %d", cur, out.Kind))
	}
}

// fail records an unexpected error on the session and returns it.
func (o *Orchestrator) fail(sess *session.Session, err error) error {
	sess.Fail("Something went wrong while executing the Graph: "+err.Error(), o.now())
	return err
}
