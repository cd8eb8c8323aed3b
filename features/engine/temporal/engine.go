package temporal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	temporalotel "go.temporal.io/sdk/contrib/opentelemetry"
	"go.temporal.io/sdk/interceptor"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"goa.design/agentsetup/runtime/setup/job"
	"goa.design/agentsetup/runtime/setup/session"
	"goa.design/agentsetup/runtime/setup/telemetry"
)

type (
	// Options configures the Temporal engine. Either Client or ClientOptions
	// must be provided.
	Options struct {
		// Client is an optional pre-configured Temporal client. The engine
		// does not close it.
		Client client.Client
		// ClientOptions build a lazy client when Client is nil. OTEL
		// interceptors are installed automatically.
		ClientOptions *client.Options
		// TaskQueue hosts the setup workflow and its activities. Required.
		TaskQueue string
		// WorkerOptions are passed to worker.New.
		WorkerOptions worker.Options
		// Runner executes and persists stages. *job.Manager implements it.
		// Required.
		Runner StageRunner
		// StageTimeout bounds one stage attempt. Defaults to
		// DefaultStageTimeout.
		StageTimeout time.Duration
		// MaxAttempts bounds attempts of a rate-limited stage. Defaults to
		// job.DefaultMaxRetries+1.
		MaxAttempts int32
		// Instrumentation toggles OTEL tracing and metrics.
		Instrumentation InstrumentationOptions
		// Logger defaults to a no-op logger.
		Logger telemetry.Logger
	}

	// InstrumentationOptions configures the OTEL interceptors installed on
	// the client and worker. Both are enabled by default.
	InstrumentationOptions struct {
		DisableTracing bool
		DisableMetrics bool
		TracerOptions  temporalotel.TracerOptions
		MetricsOptions temporalotel.MetricsHandlerOptions
	}

	// Engine starts setup workflows and hosts their worker.
	Engine struct {
		client      client.Client
		closeClient bool
		queue       string
		defaults    SetupInput
		worker      worker.Worker
		logger      telemetry.Logger

		startOnce sync.Once
	}

	// registry is implemented by worker.Worker and the SDK test
	// environment.
	registry interface {
		RegisterWorkflowWithOptions(w any, options workflow.RegisterOptions)
		RegisterActivityWithOptions(a any, options activity.RegisterOptions)
	}

	instrumentation struct {
		tracer  interceptor.Interceptor
		metrics client.MetricsHandler
	}
)

// DefaultStageTimeout bounds one stage attempt when Options.StageTimeout is
// zero. Tool stages fan out one model call per node.
const DefaultStageTimeout = 10 * time.Minute

// ErrAlreadyRunning indicates a setup workflow for the session is already in
// progress.
var ErrAlreadyRunning = errors.New("temporal engine: setup workflow already running")

// New constructs the engine and registers the setup workflow and activities
// on the task queue worker. Call Worker().Start to begin polling.
func New(opts Options) (*Engine, error) {
	if opts.TaskQueue == "" {
		return nil, errors.New("temporal engine: task queue is required")
	}
	if opts.Runner == nil {
		return nil, errors.New("temporal engine: stage runner is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	inst, err := configureInstrumentation(opts.Instrumentation)
	if err != nil {
		return nil, err
	}

	cli := opts.Client
	closeClient := false
	if cli == nil {
		if opts.ClientOptions == nil {
			return nil, errors.New("temporal engine: client options are required when Client is nil")
		}
		clientOpts := *opts.ClientOptions
		applyClientInstrumentation(&clientOpts, inst)
		cli, err = client.NewLazyClient(clientOpts)
		if err != nil {
			return nil, fmt.Errorf("temporal engine: create client: %w", err)
		}
		closeClient = true
	}

	workerOpts := opts.WorkerOptions
	applyWorkerInstrumentation(&workerOpts, inst)
	w := worker.New(cli, opts.TaskQueue, workerOpts)
	register(w, &Activities{runner: opts.Runner, logger: logger})

	return &Engine{
		client:      cli,
		closeClient: closeClient,
		queue:       opts.TaskQueue,
		defaults:    SetupInput{StageTimeout: opts.StageTimeout, MaxAttempts: opts.MaxAttempts},
		worker:      w,
		logger:      logger,
	}, nil
}

// Start launches the setup workflow for sess and returns its run. The
// workflow ID is derived from the session ID so a session has at most one
// running workflow; starting a second one fails with ErrAlreadyRunning.
func (e *Engine) Start(ctx context.Context, sess *session.Session) (client.WorkflowRun, error) {
	if sess == nil || sess.ID == "" {
		return nil, errors.New("temporal engine: session id is required")
	}
	opts := client.StartWorkflowOptions{
		ID:                                       WorkflowID(sess.ID),
		TaskQueue:                                e.queue,
		WorkflowExecutionErrorWhenAlreadyStarted: true,
	}
	in := e.defaults
	in.Session = sess
	run, err := e.client.ExecuteWorkflow(ctx, opts, WorkflowName, in)
	if err != nil {
		var started *serviceerror.WorkflowExecutionAlreadyStarted
		if errors.As(err, &started) {
			return nil, fmt.Errorf("%w: session %q", ErrAlreadyRunning, sess.ID)
		}
		return nil, fmt.Errorf("temporal engine: start workflow: %w", err)
	}
	e.logger.Info(ctx, "setup workflow started", "session_id", sess.ID, "workflow_id", run.GetID(), "run_id", run.GetRunID())
	return run, nil
}

// Run starts the setup workflow for sess and waits for the final session.
func (e *Engine) Run(ctx context.Context, sess *session.Session) (*session.Session, error) {
	run, err := e.Start(ctx, sess)
	if err != nil {
		return sess, err
	}
	var out session.Session
	if err := run.Get(ctx, &out); err != nil {
		return sess, fmt.Errorf("temporal engine: setup workflow %q: %w", run.GetID(), err)
	}
	return &out, nil
}

// Worker returns a controller for the engine's worker.
func (e *Engine) Worker() *WorkerController {
	return &WorkerController{engine: e}
}

// Close shuts down the Temporal client when the engine created it.
func (e *Engine) Close() {
	if e.closeClient && e.client != nil {
		e.client.Close()
	}
}

// WorkflowID returns the workflow ID of the setup workflow for a session.
func WorkflowID(sessionID string) string {
	return "agent-setup-" + sessionID
}

// WorkerController starts and stops the engine's worker.
type WorkerController struct {
	engine *Engine
}

// Start begins polling the task queue. Subsequent calls are no-ops.
func (c *WorkerController) Start() error {
	var err error
	c.engine.startOnce.Do(func() {
		err = c.engine.worker.Start()
	})
	return err
}

// Stop drains in-flight tasks and stops polling.
func (c *WorkerController) Stop() {
	c.engine.worker.Stop()
}

func register(r registry, acts *Activities) {
	r.RegisterWorkflowWithOptions(SetupWorkflow, workflow.RegisterOptions{Name: WorkflowName})
	r.RegisterActivityWithOptions(acts.RunStage, activity.RegisterOptions{Name: RunStageActivity})
	r.RegisterActivityWithOptions(acts.SaveSession, activity.RegisterOptions{Name: SaveSessionActivity})
}

func configureInstrumentation(opts InstrumentationOptions) (*instrumentation, error) {
	inst := &instrumentation{}
	if !opts.DisableTracing {
		tracer, err := temporalotel.NewTracingInterceptor(opts.TracerOptions)
		if err != nil {
			return nil, fmt.Errorf("temporal engine: configure tracing interceptor: %w", err)
		}
		inst.tracer = tracer
	}
	if !opts.DisableMetrics {
		inst.metrics = temporalotel.NewMetricsHandler(opts.MetricsOptions)
	}
	if inst.tracer == nil && inst.metrics == nil {
		return nil, nil
	}
	return inst, nil
}

func applyClientInstrumentation(opts *client.Options, inst *instrumentation) {
	if inst == nil {
		return
	}
	if inst.tracer != nil {
		opts.Interceptors = append(opts.Interceptors, inst.tracer)
	}
	if inst.metrics != nil && opts.MetricsHandler == nil {
		opts.MetricsHandler = inst.metrics
	}
}

func applyWorkerInstrumentation(opts *worker.Options, inst *instrumentation) {
	if inst == nil || inst.tracer == nil {
		return
	}
	opts.Interceptors = append(opts.Interceptors, inst.tracer)
}

var _ StageRunner = (*job.Manager)(nil)
