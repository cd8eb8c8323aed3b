package job

import (
	"context"
	"errors"
	"fmt"
	"time"

	"goa.design/agentsetup/runtime/setup/model"
	"goa.design/agentsetup/runtime/setup/orchestrator"
	"goa.design/agentsetup/runtime/setup/session"
	"goa.design/agentsetup/runtime/setup/stage"
	"goa.design/agentsetup/runtime/setup/telemetry"
)

type (
	// Runner executes setup stages. *orchestrator.Orchestrator implements it.
	Runner interface {
		RunStage(ctx context.Context, sess *session.Session, env stage.Env) (*session.Session, error)
	}

	// Publisher delivers jobs to the queue.
	Publisher interface {
		Publish(ctx context.Context, j *Job) error
	}

	// ManagerOptions configures a Manager.
	ManagerOptions struct {
		// Runner runs one stage per job delivery. Required.
		Runner Runner
		// Jobs receives requeued setup jobs. Required.
		Jobs Publisher
		// Updates receives update notifications. Nil disables notifications.
		Updates Publisher
		// Store persists sessions after every stage. Optional.
		Store session.Store
		// Env is the base execution context for every run.
		Env stage.Env
		// MaxRetries bounds transport retries of rate-limited stages. Zero
		// uses DefaultMaxRetries.
		MaxRetries int
		// Logger defaults to a no-op logger.
		Logger telemetry.Logger
		// Now defaults to time.Now.
		Now func() time.Time
	}

	// Manager processes setup jobs.
	Manager struct {
		runner     Runner
		jobs       Publisher
		updates    Publisher
		store      session.Store
		env        stage.Env
		maxRetries int
		logger     telemetry.Logger
		now        func() time.Time
	}
)

const (
	// DefaultMaxRetries is the number of times a rate-limited stage is
	// redelivered before the session is failed.
	DefaultMaxRetries = 5
	// DefaultMaxParallelJobs bounds concurrent job processing in workers.
	DefaultMaxParallelJobs = 1000
)

// NewManager validates opts and returns a Manager.
func NewManager(opts ManagerOptions) (*Manager, error) {
	if opts.Runner == nil {
		return nil, errors.New("runner is required")
	}
	if opts.Jobs == nil {
		return nil, errors.New("job publisher is required")
	}
	m := &Manager{
		runner:     opts.Runner,
		jobs:       opts.Jobs,
		updates:    opts.Updates,
		store:      opts.Store,
		env:        opts.Env,
		maxRetries: opts.MaxRetries,
		logger:     opts.Logger,
		now:        opts.Now,
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.maxRetries <= 0 {
		m.maxRetries = DefaultMaxRetries
	}
	if m.logger == nil {
		m.logger = telemetry.NoopLogger{}
	}
	return m, nil
}

// Process handles one job delivery: it runs the next stage of the carried
// session and requeues the job, flagged to end once the session is terminal.
// Rate-limited stages are redelivered unchanged up to the retry budget.
// Save failures are returned so the delivery stays pending and the stage runs
// again from the job's snapshot. Jobs that are not routed to agent setup are
// rejected with ErrInvalidPath.
func (m *Manager) Process(ctx context.Context, j *Job) error {
	sess, err := j.Session()
	if err != nil {
		return err
	}
	if sess.Status.Terminal() {
		m.logger.Info(ctx, "dropping job for terminal session", "job_id", j.ID, "session_id", sess.ID, "status", sess.Status)
		return nil
	}
	sess, err = m.RunOnce(ctx, sess)
	switch {
	case err == nil:
		return m.QueueTask(ctx, sess, j)
	case errors.Is(err, ErrPersist):
		m.logger.Warn(ctx, "session not saved, leaving job pending", "job_id", j.ID, "session_id", sess.ID, "err", err)
		return err
	case model.IsRateLimited(err) && j.Attempt < m.maxRetries:
		m.logger.Warn(ctx, "stage rate limited, requeueing", "job_id", j.ID, "session_id", sess.ID, "attempt", j.Attempt+1)
		return m.jobs.Publish(ctx, j.Retry())
	}
	var se *orchestrator.StageError
	if errors.As(err, &se) {
		// Already recorded and notified by RunOnce.
		return m.QueueTask(ctx, sess, j)
	}
	return m.HandleFailure(ctx, sess, j, err)
}

// RunOnce runs the next stage of sess, persists the result, and publishes an
// update notification.
func (m *Manager) RunOnce(ctx context.Context, sess *session.Session) (*session.Session, error) {
	out, err := m.runner.RunStage(ctx, sess, m.env)
	if out == nil {
		out = sess
	}
	if errors.Is(err, orchestrator.ErrTerminalSession) {
		return out, err
	}
	if model.IsRateLimited(err) {
		return out, err
	}
	if serr := m.Persist(ctx, out); serr != nil {
		return out, errors.Join(err, serr)
	}
	return out, err
}

// Persist saves sess and publishes an update notification. Notification
// failures are logged, save failures returned.
func (m *Manager) Persist(ctx context.Context, sess *session.Session) error {
	if err := m.save(ctx, sess); err != nil {
		return err
	}
	if err := m.UpdateTaskState(ctx, sess); err != nil {
		m.logger.Error(ctx, "update notification failed", "session_id", sess.ID, "err", err)
	}
	return nil
}

// RunUntilComplete runs stages in process until the session is terminal.
func (m *Manager) RunUntilComplete(ctx context.Context, sess *session.Session) (*session.Session, error) {
	for !sess.Status.Terminal() {
		var err error
		if sess, err = m.RunOnce(ctx, sess); err != nil {
			return sess, err
		}
	}
	return sess, nil
}

// QueueTask publishes j back to the queue carrying sess.
func (m *Manager) QueueTask(ctx context.Context, sess *session.Session, j *Job) error {
	out, err := j.WithSession(sess)
	if err != nil {
		return err
	}
	m.logger.Info(ctx, "requeueing setup job", "job_id", j.ID, "session_id", sess.ID, "status", sess.Status, "end_job", out.EndJob)
	if err := m.jobs.Publish(ctx, out); err != nil {
		return fmt.Errorf("publish setup job: %w", err)
	}
	return nil
}

// HandleFailure forces the session to FAILED, notifies, and ends the job. A
// failure already recorded on the session is kept; otherwise cause becomes the
// failure reason.
func (m *Manager) HandleFailure(ctx context.Context, sess *session.Session, j *Job, cause error) error {
	m.logger.Info(ctx, "handling setup failure", "job_id", j.ID, "session_id", sess.ID, "err", cause)
	if sess.Status != session.StatusFailed || sess.FailureReason == "" {
		reason := "setup job failed"
		if cause != nil {
			reason = "Something went wrong while executing the Graph: " + cause.Error()
		}
		sess.Halt(reason, m.now())
	}
	if err := m.save(ctx, sess); err != nil {
		m.logger.Error(ctx, "persist failed session", "session_id", sess.ID, "err", err)
	}
	if err := m.UpdateTaskState(ctx, sess); err != nil {
		m.logger.Error(ctx, "update notification failed", "session_id", sess.ID, "err", err)
	}
	return m.QueueTask(ctx, sess, j)
}

// UpdateTaskState publishes an update notification for sess. It may be called
// any number of times for the same session.
func (m *Manager) UpdateTaskState(ctx context.Context, sess *session.Session) error {
	if m.updates == nil {
		return nil
	}
	u, err := NewUpdate(sess)
	if err != nil {
		return err
	}
	return m.updates.Publish(ctx, u)
}

// ExitHook returns an orchestrator exit hook publishing update notifications,
// for callers that drive whole sessions with RunSession.
func (m *Manager) ExitHook() orchestrator.ExitHook {
	return func(ctx context.Context, sess *session.Session) {
		if err := m.UpdateTaskState(ctx, sess.Clone()); err != nil {
			m.logger.Error(ctx, "update notification failed", "session_id", sess.ID, "err", err)
		}
	}
}

func (m *Manager) save(ctx context.Context, sess *session.Session) error {
	if m.store == nil {
		return nil
	}
	if err := m.store.Save(ctx, sess); err != nil {
		return fmt.Errorf("%w %q: %w", ErrPersist, sess.ID, err)
	}
	return nil
}
