package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"goa.design/agentsetup/runtime/setup/generator"
	"goa.design/agentsetup/runtime/setup/model"
	"goa.design/agentsetup/runtime/setup/session"
	"goa.design/agentsetup/runtime/setup/stage"
	"goa.design/agentsetup/runtime/setup/stages"
)

var clock = time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)

// collaborators is a scripted implementation of the four generator
// interfaces. failAt names the stage whose collaborator returns failErr.
type collaborators struct {
	failAt  session.Stage
	failErr error
	calls   atomic.Int32
}

func (c *collaborators) err(st session.Stage) error {
	c.calls.Add(1)
	if c.failAt == st {
		return c.failErr
	}
	return nil
}

func (c *collaborators) WriteSOP(context.Context, generator.SOPRequest) (*generator.SOP, error) {
	if err := c.err(session.StageSOPGeneration); err != nil {
		return nil, err
	}
	return &generator.SOP{Reasoning: "analysis", Procedure: "1. Receive invoice\n2. Approve"}, nil
}

func (c *collaborators) CompileGraph(context.Context, generator.GraphRequest) (*session.Graph, error) {
	if err := c.err(session.StageGraphGeneration); err != nil {
		return nil, err
	}
	return &session.Graph{Nodes: []session.Node{
		{NodeID: "n1", NodeObjective: "Read invoice email", ActionType: "read", ToolCategory: session.ToolTypeIntegration},
		{NodeID: "n2", NodeObjective: "Classify invoice", ActionType: "classify", ToolCategory: session.ToolTypePrompt},
		{NodeID: "n3", NodeObjective: "Create bill", ActionType: "create", ToolCategory: session.ToolTypeIntegration},
	}}, nil
}

func (c *collaborators) MatchTool(_ context.Context, req generator.NodeRequest) (*session.Tool, error) {
	if err := c.err(session.StageToolMatching); err != nil {
		return nil, err
	}
	return &session.Tool{ToolName: "match-" + req.Node.NodeID, ToolType: session.ToolTypeIntegration}, nil
}

func (c *collaborators) SynthesizeTool(_ context.Context, req generator.NodeRequest) (*session.Tool, error) {
	if err := c.err(session.StageToolGeneration); err != nil {
		return nil, err
	}
	return &session.Tool{ToolName: "prompt-" + req.Node.NodeID, ToolType: session.ToolTypePrompt}, nil
}

func newOrchestrator(t *testing.T, c *collaborators) *Orchestrator {
	t.Helper()
	reg, err := stages.NewRegistry(stages.Options{
		SOPWriter:       c,
		GraphCompiler:   c,
		ToolMatcher:     c,
		ToolSynthesizer: c,
		Now:             func() time.Time { return clock },
	})
	require.NoError(t, err)
	o, err := New(Options{Router: reg, Now: func() time.Time { return clock }})
	require.NoError(t, err)
	return o
}

func queued() *session.Session {
	return &session.Session{
		ID:                  "sess-1",
		ThreadID:            "thread-1",
		Agent:               session.Agent{Name: "AP agent", WorkspaceID: "ws"},
		ProcessInstructions: "When an invoice arrives, read it, classify it and create a bill.",
		Status:              session.StatusQueued,
	}
}

func TestNewRequiresRouter(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
}

func TestRunSessionEndToEnd(t *testing.T) {
	o := newOrchestrator(t, &collaborators{})
	var exits []session.Status
	sess, err := o.RunSession(context.Background(), queued(), stage.Env{}, func(_ context.Context, s *session.Session) {
		exits = append(exits, s.Status)
	})
	require.NoError(t, err)
	require.Equal(t, session.StatusCompleted, sess.Status)
	require.Equal(t, session.StageConnectIntegrations, sess.Next())
	require.NotEmpty(t, sess.AgentSOP)
	require.NotNil(t, sess.GeneratedGraph)
	require.Len(t, sess.IntegrationTools, 2)
	require.Equal(t, "n1", sess.IntegrationTools[0].NodeID)
	require.Equal(t, "n3", sess.IntegrationTools[1].NodeID)
	require.Len(t, sess.CustomTools, 1)
	require.Equal(t, "n2", sess.CustomTools[0].NodeID)
	require.NotNil(t, sess.StartTime)
	require.NotNil(t, sess.EndTime)

	h := sess.History()
	require.Len(t, h, 4)
	for i, st := range session.Stages()[:4] {
		require.Equal(t, st, h[i].Stage)
		require.True(t, h[i].Success)
	}
	require.Equal(t, []session.Status{session.StatusCompleted}, exits)
}

func TestRunSessionRejectsTerminalSessions(t *testing.T) {
	for _, status := range []session.Status{session.StatusCompleted, session.StatusUserInputRequired, session.StatusFailed} {
		t.Run(string(status), func(t *testing.T) {
			c := &collaborators{}
			o := newOrchestrator(t, c)
			sess := queued()
			sess.Initialize(clock)
			sess.Status = status
			before, err := sess.Marshal()
			require.NoError(t, err)

			hooked := false
			_, err = o.RunSession(context.Background(), sess, stage.Env{}, func(context.Context, *session.Session) { hooked = true })
			require.ErrorIs(t, err, ErrTerminalSession)
			after, err := sess.Marshal()
			require.NoError(t, err)
			require.Equal(t, before, after)
			require.False(t, hooked)
			require.Zero(t, c.calls.Load())

			_, err = o.RunStage(context.Background(), sess, stage.Env{})
			require.ErrorIs(t, err, ErrTerminalSession)
		})
	}
}

func TestRunStagePreconditionGating(t *testing.T) {
	c := &collaborators{}
	o := newOrchestrator(t, c)
	sess := queued()
	sess.Initialize(clock)
	sess.SetupState.Next = session.StageToolMatching

	_, err := o.RunStage(context.Background(), sess, stage.Env{})
	var se *StageError
	require.ErrorAs(t, err, &se)
	require.Equal(t, session.StageToolMatching, se.Stage)
	require.Equal(t, session.StatusFailed, sess.Status)
	h := sess.History()
	require.Len(t, h, 1)
	require.False(t, h[0].Success)
	require.Contains(t, h[0].Output, "Agent Graph not specified")
	require.Zero(t, c.calls.Load())
}

func TestRunStageIsReentrant(t *testing.T) {
	o := newOrchestrator(t, &collaborators{})
	sess := queued()
	var visited []session.Stage
	for i := 0; i < 4; i++ {
		visited = append(visited, sess.Next())
		var err error
		sess, err = o.RunStage(context.Background(), sess.Clone(), stage.Env{})
		require.NoError(t, err)
		require.Len(t, sess.History(), i+1)
	}
	require.Equal(t, []session.Stage{"", session.StageGraphGeneration, session.StageToolMatching, session.StageToolGeneration}, visited)
	require.Equal(t, session.StatusCompleted, sess.Status)
	require.NotNil(t, sess.EndTime)
}

func TestRunSessionRateLimitPassthrough(t *testing.T) {
	rl := fmt.Errorf("%w: 429 too many requests", model.ErrRateLimited)
	o := newOrchestrator(t, &collaborators{failAt: session.StageGraphGeneration, failErr: rl})
	var final *session.Session
	sess, err := o.RunSession(context.Background(), queued(), stage.Env{}, func(_ context.Context, s *session.Session) { final = s })

	require.ErrorIs(t, err, model.ErrRateLimited)
	require.Same(t, rl, err)
	require.Equal(t, session.StatusFailed, sess.Status)
	require.Equal(t, RateLimitMessage, sess.FailureReason)
	require.Len(t, sess.History(), 1)
	require.Equal(t, session.StageGraphGeneration, sess.Next())
	require.Same(t, sess, final)
}

func TestRunSessionStageFailure(t *testing.T) {
	o := newOrchestrator(t, &collaborators{failAt: session.StageSOPGeneration, failErr: errors.New("schema mismatch")})
	sess, err := o.RunSession(context.Background(), queued(), stage.Env{}, nil)

	var se *StageError
	require.ErrorAs(t, err, &se)
	require.Contains(t, se.Reason, "SOP Generation failed for Agent: AP agent")
	require.Equal(t, session.StatusFailed, sess.Status)
	require.Len(t, sess.History(), 1)
	require.NotNil(t, sess.EndTime)
}

func TestRunSessionPauseAndResume(t *testing.T) {
	c := &collaborators{failAt: session.StageToolGeneration, failErr: generator.NeedsInput("What tone should replies use?")}
	o := newOrchestrator(t, c)
	sess, err := o.RunSession(context.Background(), queued(), stage.Env{}, nil)
	require.NoError(t, err)
	require.Equal(t, session.StatusUserInputRequired, sess.Status)
	require.Equal(t, session.StageToolGeneration, sess.Next())
	require.Nil(t, sess.EndTime)

	_, err = o.RunSession(context.Background(), sess, stage.Env{}, nil)
	require.ErrorIs(t, err, ErrTerminalSession)

	c.failAt = ""
	sess, err = o.Resume(context.Background(), sess, session.ResumeInput{ProcessInstructions: "Use a formal tone."}, stage.Env{}, nil)
	require.NoError(t, err)
	require.Equal(t, session.StatusCompleted, sess.Status)
	h := sess.History()
	require.Len(t, h, 5)
	require.False(t, h[3].Success)
	require.Equal(t, session.StageToolGeneration, h[4].Stage)
	require.True(t, h[4].Success)
}

func TestResumeRequiresPausedSession(t *testing.T) {
	o := newOrchestrator(t, &collaborators{})
	_, err := o.Resume(context.Background(), queued(), session.ResumeInput{}, stage.Env{}, nil)
	require.ErrorIs(t, err, session.ErrNotPaused)
}

func TestRunSessionUnexpectedError(t *testing.T) {
	boom := errors.New("connection reset")
	router := stage.HandlerFunc(func(context.Context, *session.Session, stage.Env) (stage.Outcome, error) {
		return stage.Outcome{}, boom
	})
	o, err := New(Options{Router: routerFunc(router), Now: func() time.Time { return clock }})
	require.NoError(t, err)

	sess, err := o.RunSession(context.Background(), queued(), stage.Env{}, nil)
	require.ErrorIs(t, err, boom)
	require.Equal(t, session.StatusFailed, sess.Status)
	require.Equal(t, "Something went wrong while executing the Graph: connection reset", sess.History()[0].Output)
}

func TestRunSessionUnknownStage(t *testing.T) {
	o := newOrchestrator(t, &collaborators{})
	sess := queued()
	sess.SetupState = &session.SetupState{Next: "DEPLOY"}
	var exited session.Status
	onExit := func(_ context.Context, s *session.Session) { exited = s.Status }
	out, err := o.RunSession(context.Background(), sess, stage.Env{}, onExit)
	require.ErrorIs(t, err, stage.ErrUnknownStage)
	var se *StageError
	require.False(t, errors.As(err, &se))
	require.Equal(t, session.StatusFailed, out.Status)
	require.Equal(t, session.StatusFailed, exited)
	require.Contains(t, out.FailureReason, `no handler registered for stage: "DEPLOY"`)
	require.NotNil(t, out.EndTime)
	require.Len(t, out.History(), 1)
	require.False(t, out.History()[0].Success)
	require.Equal(t, session.Stage("DEPLOY"), out.History()[0].Stage)
}

func TestRunSessionCancelledContext(t *testing.T) {
	o := newOrchestrator(t, &collaborators{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sess, err := o.RunSession(ctx, queued(), stage.Env{}, nil)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, session.StatusFailed, sess.Status)
}

func TestEnvIsBoundToSession(t *testing.T) {
	var got stage.Env
	router := routerFunc(stage.HandlerFunc(func(_ context.Context, s *session.Session, env stage.Env) (stage.Outcome, error) {
		got = env
		s.Pause("need more", clock)
		return stage.Paused("need more"), nil
	}))
	o, err := New(Options{Router: router})
	require.NoError(t, err)
	_, err = o.RunSession(context.Background(), queued(), stage.Env{}, nil)
	require.NoError(t, err)
	require.Equal(t, "sess-1", got.Trace.SessionID)
	require.Equal(t, "thread-1", got.Trace.TraceID)
}

// TestFailurePointProperty fails the pipeline at a random stage and checks
// the recorded history against the failure point.
func TestFailurePointProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 40
	properties := gopter.NewProperties(parameters)

	properties.Property("history ends with exactly one failed entry at the failing stage", prop.ForAll(
		func(idx int) bool {
			failing := session.Stages()[idx]
			o := newOrchestrator(t, &collaborators{failAt: failing, failErr: errors.New("nope")})
			sess, err := o.RunSession(context.Background(), queued(), stage.Env{}, nil)
			var se *StageError
			if !errors.As(err, &se) || se.Stage != failing {
				return false
			}
			h := sess.History()
			if len(h) != idx+1 {
				return false
			}
			for i := 0; i < idx; i++ {
				if !h[i].Success || h[i].Stage != session.Stages()[i] {
					return false
				}
			}
			return !h[idx].Success && h[idx].Stage == failing && sess.Next() == failing
		},
		gen.IntRange(0, 3),
	))

	properties.TestingRun(t)
}

type routerFunc stage.HandlerFunc

func (f routerFunc) Route(ctx context.Context, s *session.Session, env stage.Env) (stage.Outcome, error) {
	return f(ctx, s, env)
}
