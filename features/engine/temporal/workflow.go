package temporal

import (
	"context"
	"errors"
	"time"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"goa.design/agentsetup/runtime/setup/job"
	"goa.design/agentsetup/runtime/setup/model"
	"goa.design/agentsetup/runtime/setup/orchestrator"
	"goa.design/agentsetup/runtime/setup/session"
	"goa.design/agentsetup/runtime/setup/stage"
	"goa.design/agentsetup/runtime/setup/telemetry"
)

type (
	// StageRunner runs one stage and persists the result.
	StageRunner interface {
		// RunOnce runs the next stage of sess, saves it and publishes an
		// update notification. Rate-limited stages are neither saved nor
		// notified.
		RunOnce(ctx context.Context, sess *session.Session) (*session.Session, error)
		// Persist saves sess and publishes an update notification.
		Persist(ctx context.Context, sess *session.Session) error
	}

	// SetupInput is the setup workflow input.
	SetupInput struct {
		Session      *session.Session `json:"session"`
		StageTimeout time.Duration    `json:"stage_timeout,omitempty"`
		MaxAttempts  int32            `json:"max_attempts,omitempty"`
	}

	// Activities hosts the setup activities.
	Activities struct {
		runner StageRunner
		logger telemetry.Logger
	}
)

const (
	// WorkflowName is the registered name of the setup workflow.
	WorkflowName = "agentsetup.Setup"
	// RunStageActivity runs one stage.
	RunStageActivity = "agentsetup.RunStage"
	// SaveSessionActivity persists a session the workflow changed.
	SaveSessionActivity = "agentsetup.SaveSession"

	// ErrTypeRateLimited marks retryable rate-limit activity failures.
	ErrTypeRateLimited = "RateLimited"
	// ErrTypeNotRunnable marks sessions the orchestrator refuses to run.
	ErrTypeNotRunnable = "NotRunnable"
)

// SetupWorkflow runs one stage activity per iteration until the session
// reaches a terminal status and returns the final session.
func SetupWorkflow(ctx workflow.Context, in SetupInput) (*session.Session, error) {
	if in.Session == nil {
		return nil, temporal.NewNonRetryableApplicationError("session is required", ErrTypeNotRunnable, nil)
	}
	ctx = workflow.WithActivityOptions(ctx, activityOptions(in))
	logger := workflow.GetLogger(ctx)
	sess := in.Session
	for !sess.Status.Terminal() {
		var out session.Session
		err := workflow.ExecuteActivity(ctx, RunStageActivity, sess).Get(ctx, &out)
		if err == nil {
			sess = &out
			continue
		}
		var appErr *temporal.ApplicationError
		if !errors.As(err, &appErr) || appErr.Type() != ErrTypeRateLimited {
			return sess, err
		}
		logger.Warn("stage rate limited, attempts exhausted", "session_id", sess.ID, "stage", string(sess.Next()))
		now := workflow.Now(ctx).UTC()
		sess.Initialize(now)
		sess.Halt(orchestrator.RateLimitMessage, now)
		if err := workflow.ExecuteActivity(ctx, SaveSessionActivity, sess).Get(ctx, nil); err != nil {
			return sess, err
		}
	}
	return sess, nil
}

// RunStage runs the next stage of sess. Stage failures are recorded on the
// returned session; rate limits and sessions that cannot run are returned as
// application errors.
func (a *Activities) RunStage(ctx context.Context, sess *session.Session) (*session.Session, error) {
	info := activity.GetInfo(ctx)
	out, err := a.runner.RunOnce(ctx, sess)
	if err == nil {
		return out, nil
	}
	switch {
	case model.IsRateLimited(err):
		a.logger.Warn(ctx, "stage rate limited", "session_id", sess.ID, "attempt", info.Attempt, "err", err)
		return nil, temporal.NewApplicationErrorWithCause("stage rate limited", ErrTypeRateLimited, err)
	case errors.Is(err, orchestrator.ErrTerminalSession), errors.Is(err, stage.ErrUnknownStage):
		return nil, temporal.NewNonRetryableApplicationError(err.Error(), ErrTypeNotRunnable, err)
	}
	if errors.Is(err, job.ErrPersist) {
		return nil, err
	}
	a.logger.Info(ctx, "setup stage failed", "session_id", out.ID, "status", out.Status, "err", err)
	return out, nil
}

// SaveSession persists sess and publishes an update notification.
func (a *Activities) SaveSession(ctx context.Context, sess *session.Session) error {
	return a.runner.Persist(ctx, sess)
}

func activityOptions(in SetupInput) workflow.ActivityOptions {
	timeout := in.StageTimeout
	if timeout <= 0 {
		timeout = DefaultStageTimeout
	}
	attempts := in.MaxAttempts
	if attempts <= 0 {
		attempts = job.DefaultMaxRetries + 1
	}
	return workflow.ActivityOptions{
		StartToCloseTimeout: timeout,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:        time.Second,
			BackoffCoefficient:     2,
			MaximumInterval:        time.Minute,
			MaximumAttempts:        attempts,
			NonRetryableErrorTypes: []string{ErrTypeNotRunnable},
		},
	}
}
