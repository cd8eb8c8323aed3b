// Command agentsetup turns an agent description into a runnable agent by
// driving a setup session through SOP generation, graph generation, tool
// matching and tool generation.
//
// # Modes
//
//	run              run a session in process and print the final snapshot
//	enqueue          publish a session as a setup job on the Pulse jobs stream
//	worker           consume setup jobs, one stage per delivery
//	temporal-worker  host the Temporal setup workflow and activities
//	temporal-run     run a session as a Temporal workflow and wait for it
//	events           print the progress log of the session named by -id
//
// The session is read as JSON from -session (or stdin with "-"). A session
// waiting for user input is resumed in run mode when -instructions is set.
//
// # Configuration
//
// Environment variables (overridden by the -config YAML file):
//
//	AGENT_SETUP_PROVIDER           - openai, anthropic or bedrock (default: "openai")
//	AGENT_SETUP_MODEL              - model identifier (default depends on provider)
//	AGENT_SETUP_MAX_TOKENS         - completion cap (default: 4096)
//	AGENT_SETUP_TOKENS_PER_MINUTE  - initial rate limiter budget (default: 60000)
//	AGENT_SETUP_MAX_CONCURRENCY    - per-node calls in the tool stages (default: unbounded)
//	AGENT_SETUP_MAX_PARALLEL_JOBS  - concurrent jobs per worker (default: 1000)
//	AGENT_SETUP_MAX_RETRIES        - redeliveries of rate-limited stages (default: 5)
//	OPENAI_API_KEY, ANTHROPIC_API_KEY, AWS_REGION
//	MONGO_URI, MONGO_DATABASE, MONGO_TIMEOUT
//	REDIS_URL, REDIS_PASSWORD
//	TEMPORAL_HOST_PORT, TEMPORAL_NAMESPACE, TEMPORAL_TASK_QUEUE, TEMPORAL_STAGE_TIMEOUT
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"go.temporal.io/sdk/client"
	"goa.design/clue/health"
	"goa.design/clue/log"

	"goa.design/agentsetup/features/engine/temporal"
	queuepulse "goa.design/agentsetup/features/queue/pulse"
	"goa.design/agentsetup/runtime/setup/job"
	"goa.design/agentsetup/runtime/setup/session"
)

func main() {
	var (
		configF       = flag.String("config", "", "YAML configuration file")
		sessionF      = flag.String("session", "-", "Session JSON file, - reads stdin")
		instructionsF = flag.String("instructions", "", "Process instructions used to resume a paused session")
		idF           = flag.String("id", "", "Session ID for the events mode")
		dbgF          = flag.Bool("debug", false, "Enable debug logs")
	)
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] run|enqueue|worker|temporal-worker|temporal-run|events\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}
	if err := run(ctx, flag.Arg(0), *configF, *sessionF, *instructionsF, *idF); err != nil {
		log.Errorf(ctx, err, "agentsetup %s", flag.Arg(0))
		os.Exit(1)
	}
}

func run(ctx context.Context, mode, configPath, sessionPath, instructions, sessionID string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close(context.WithoutCancel(ctx))

	switch mode {
	case "run":
		sess, err := readSession(sessionPath)
		if err != nil {
			return err
		}
		return a.runLocal(ctx, sess, instructions)
	case "enqueue":
		sess, err := readSession(sessionPath)
		if err != nil {
			return err
		}
		return a.enqueue(ctx, sess)
	case "worker":
		return a.serveJobs(ctx)
	case "temporal-worker", "temporal-run":
		eng, err := a.temporalEngine()
		if err != nil {
			return err
		}
		defer eng.Close()
		if err := eng.Worker().Start(); err != nil {
			return fmt.Errorf("start temporal worker: %w", err)
		}
		defer eng.Worker().Stop()
		if mode == "temporal-worker" {
			log.Infof(ctx, "temporal worker polling %s", cfg.Temporal.TaskQueue)
			<-ctx.Done()
			return nil
		}
		sess, err := readSession(sessionPath)
		if err != nil {
			return err
		}
		out, err := eng.Run(ctx, sess)
		if err != nil {
			return err
		}
		return writeSession(os.Stdout, out)
	case "events":
		return a.printEvents(ctx, os.Stdout, sessionID)
	default:
		return fmt.Errorf("unknown mode %q", mode)
	}
}

// runLocal drives the session in process. Paused sessions are resumed when
// instructions are given.
func (a *app) runLocal(ctx context.Context, sess *session.Session, instructions string) error {
	onExit := func(ctx context.Context, s *session.Session) {
		if err := a.store.Save(ctx, s); err != nil {
			a.logger.Error(ctx, "save session", "session_id", s.ID, "err", err)
		}
	}
	var (
		out *session.Session
		err error
	)
	if sess.Status == session.StatusUserInputRequired && instructions != "" {
		out, err = a.orch.Resume(ctx, sess, session.ResumeInput{ProcessInstructions: instructions}, a.env, onExit)
	} else {
		out, err = a.orch.RunSession(ctx, sess, a.env, onExit)
	}
	if werr := writeSession(os.Stdout, out); werr != nil {
		return errors.Join(err, werr)
	}
	return err
}

func (a *app) enqueue(ctx context.Context, sess *session.Session) error {
	if a.pulse == nil {
		return errors.New("enqueue requires REDIS_URL")
	}
	pub, err := queuepulse.NewPublisher(a.pulse, queuepulse.JobsStream)
	if err != nil {
		return err
	}
	j, err := job.New(sess)
	if err != nil {
		return err
	}
	if err := pub.Publish(ctx, j); err != nil {
		return err
	}
	log.Print(ctx, log.KV{K: "job_id", V: j.ID}, log.KV{K: "session_id", V: sess.ID})
	return nil
}

// serveJobs consumes setup jobs until ctx is cancelled.
func (a *app) serveJobs(ctx context.Context) error {
	if a.pulse == nil {
		return errors.New("worker requires REDIS_URL")
	}
	a.checkHealth(ctx)
	mgr, err := a.manager()
	if err != nil {
		return err
	}
	w, err := queuepulse.NewWorker(queuepulse.WorkerOptions{
		Client:      a.pulse,
		Processor:   mgr,
		MaxParallel: a.cfg.MaxParallelJobs,
		Logger:      a.logger,
	})
	if err != nil {
		return err
	}
	log.Infof(ctx, "worker consuming %s", queuepulse.JobsStream)
	if err := w.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// manager builds the job manager. Without Redis requeued jobs are dropped
// and no update notifications are sent; Temporal drives sessions itself.
func (a *app) manager() (*job.Manager, error) {
	opts := job.ManagerOptions{
		Runner:     a.orch,
		Jobs:       discardJobs{a: a},
		Store:      a.store,
		Env:        a.env,
		MaxRetries: a.cfg.MaxRetries,
		Logger:     a.logger,
	}
	if a.pulse != nil {
		jobs, err := queuepulse.NewPublisher(a.pulse, queuepulse.JobsStream)
		if err != nil {
			return nil, err
		}
		updates, err := queuepulse.NewPublisher(a.pulse, queuepulse.UpdatesStream)
		if err != nil {
			return nil, err
		}
		opts.Jobs, opts.Updates = jobs, updates
	}
	return job.NewManager(opts)
}

func (a *app) temporalEngine() (*temporal.Engine, error) {
	mgr, err := a.manager()
	if err != nil {
		return nil, err
	}
	return temporal.New(temporal.Options{
		ClientOptions: &client.Options{
			HostPort:  a.cfg.Temporal.HostPort,
			Namespace: a.cfg.Temporal.Namespace,
		},
		TaskQueue:    a.cfg.Temporal.TaskQueue,
		Runner:       mgr,
		StageTimeout: a.cfg.Temporal.StageTimeout,
		MaxAttempts:  int32(a.cfg.MaxRetries + 1),
		Logger:       a.logger,
	})
}

// printEvents writes the progress log of the session as JSON lines.
func (a *app) printEvents(ctx context.Context, w io.Writer, sessionID string) error {
	if a.events == nil {
		return errors.New("events requires MONGO_URI")
	}
	if sessionID == "" {
		return errors.New("-id is required")
	}
	enc := json.NewEncoder(w)
	cursor := ""
	for {
		page, err := a.events.List(ctx, sessionID, cursor, eventsPageSize)
		if err != nil {
			return err
		}
		for _, e := range page.Events {
			if err := enc.Encode(e); err != nil {
				return err
			}
		}
		if page.NextCursor == "" {
			return nil
		}
		cursor = page.NextCursor
	}
}

const eventsPageSize = 100

func (a *app) checkHealth(ctx context.Context) {
	if len(a.pingers) == 0 {
		return
	}
	h, ok := health.NewChecker(a.pingers...).Check(ctx)
	if !ok {
		a.logger.Warn(ctx, "dependencies unhealthy", "status", h.Status)
		return
	}
	a.logger.Info(ctx, "dependencies healthy", "status", h.Status)
}

// discardJobs stands in for the jobs stream when none is configured.
type discardJobs struct{ a *app }

func (d discardJobs) Publish(ctx context.Context, j *job.Job) error {
	d.a.logger.Debug(ctx, "no jobs stream configured, dropping job", "job_id", j.ID, "end_job", j.EndJob)
	return nil
}

func readSession(path string) (*session.Session, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read session: %w", err)
	}
	sess, err := session.Unmarshal(data)
	if err != nil {
		return nil, err
	}
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	if sess.Status == "" {
		sess.Status = session.StatusQueued
	}
	return sess, nil
}

func writeSession(w io.Writer, sess *session.Session) error {
	if sess == nil {
		return nil
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(sess)
}
