package stages

import (
	"context"
	"errors"
	"fmt"
	"sync"
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
)

var fixedNow = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type (
	fakeSOP struct {
		calls int
		sop   *generator.SOP
		err   error
	}
	fakeGraph struct {
		calls int
		graph *session.Graph
		err   error
	}
	fakeNodes struct {
		calls atomic.Int32
		fn    func(ctx context.Context, node session.Node) (*session.Tool, error)
	}
)

func (f *fakeSOP) WriteSOP(context.Context, generator.SOPRequest) (*generator.SOP, error) {
	f.calls++
	return f.sop, f.err
}

func (f *fakeGraph) CompileGraph(context.Context, generator.GraphRequest) (*session.Graph, error) {
	f.calls++
	return f.graph, f.err
}

func (f *fakeNodes) MatchTool(ctx context.Context, req generator.NodeRequest) (*session.Tool, error) {
	f.calls.Add(1)
	return f.fn(ctx, req.Node)
}

func (f *fakeNodes) SynthesizeTool(ctx context.Context, req generator.NodeRequest) (*session.Tool, error) {
	f.calls.Add(1)
	return f.fn(ctx, req.Node)
}

func okNodes() *fakeNodes {
	return &fakeNodes{fn: func(_ context.Context, n session.Node) (*session.Tool, error) {
		return &session.Tool{ToolName: "tool-" + n.NodeID}, nil
	}}
}

func newSession(next session.Stage) *session.Session {
	s := &session.Session{ID: "s1", Agent: session.Agent{Name: "Invoice agent"}, ProcessInstructions: "approve invoices"}
	s.Initialize(fixedNow)
	s.SetupState.Next = next
	return s
}

func graphOf(nodes ...session.Node) *session.Graph {
	return &session.Graph{Nodes: nodes}
}

func integrationNode(id string) session.Node {
	return session.Node{NodeID: id, NodeObjective: "do " + id, ActionType: "api", ToolCategory: session.ToolTypeIntegration}
}

func promptNode(id string) session.Node {
	return session.Node{NodeID: id, NodeObjective: "write " + id, ActionType: "llm", ToolCategory: session.ToolTypePrompt}
}

func TestNewRegistryRequiresCollaborators(t *testing.T) {
	_, err := NewRegistry(Options{})
	require.ErrorContains(t, err, "sop writer is required")
	_, err = NewRegistry(Options{SOPWriter: &fakeSOP{}, GraphCompiler: &fakeGraph{}, ToolMatcher: okNodes()})
	require.ErrorContains(t, err, "tool synthesizer is required")
}

func TestSOPHandler(t *testing.T) {
	t.Run("precondition", func(t *testing.T) {
		w := &fakeSOP{}
		h := &SOPHandler{writer: w, now: func() time.Time { return fixedNow }}
		sess := newSession(session.StageSOPGeneration)
		sess.ProcessInstructions = ""
		sess.FileUploads = []session.FileUpload{{FileName: "x.pdf", FileStatus: session.FileStatusFailed}}

		out, err := h.Handle(context.Background(), sess, stage.Env{})
		require.NoError(t, err)
		require.Equal(t, stage.KindFailed, out.Kind)
		require.Equal(t, session.StatusFailed, sess.Status)
		require.Contains(t, sess.History()[0].Output, "Process Instructions / Process Graph not specified")
		require.Zero(t, w.calls)
	})

	t.Run("success", func(t *testing.T) {
		w := &fakeSOP{sop: &generator.SOP{Reasoning: "r", Procedure: "1. Receive invoice"}}
		h := &SOPHandler{writer: w, now: func() time.Time { return fixedNow }}
		sess := newSession(session.StageSOPGeneration)

		out, err := h.Handle(context.Background(), sess, stage.Env{})
		require.NoError(t, err)
		require.Equal(t, stage.KindAdvance, out.Kind)
		require.Equal(t, "1. Receive invoice", sess.AgentSOP)
		require.Equal(t, session.StageGraphGeneration, sess.Next())
		require.Equal(t, "SOP Generation completed successfully.", sess.History()[0].Output)
	})

	t.Run("collaborator failure", func(t *testing.T) {
		h := &SOPHandler{writer: &fakeSOP{err: errors.New("bad json")}, now: func() time.Time { return fixedNow }}
		sess := newSession(session.StageSOPGeneration)

		out, err := h.Handle(context.Background(), sess, stage.Env{})
		require.NoError(t, err)
		require.Equal(t, stage.KindFailed, out.Kind)
		require.Equal(t, session.StatusFailed, sess.Status)
		require.Equal(t, session.StageSOPGeneration, sess.Next())
		require.Contains(t, out.Reason, "SOP Generation failed for Agent: Invoice agent")
	})

	t.Run("empty result is a failure", func(t *testing.T) {
		h := &SOPHandler{writer: &fakeSOP{sop: &generator.SOP{}}, now: func() time.Time { return fixedNow }}
		sess := newSession(session.StageSOPGeneration)
		out, err := h.Handle(context.Background(), sess, stage.Env{})
		require.NoError(t, err)
		require.Equal(t, stage.KindFailed, out.Kind)
	})

	t.Run("rate limit passthrough", func(t *testing.T) {
		h := &SOPHandler{writer: &fakeSOP{err: fmt.Errorf("%w: 429", model.ErrRateLimited)}, now: func() time.Time { return fixedNow }}
		sess := newSession(session.StageSOPGeneration)
		_, err := h.Handle(context.Background(), sess, stage.Env{})
		require.ErrorIs(t, err, model.ErrRateLimited)
		require.Empty(t, sess.History())
		require.Equal(t, session.StatusInProgress, sess.Status)
	})

	t.Run("user input pauses", func(t *testing.T) {
		h := &SOPHandler{writer: &fakeSOP{err: generator.NeedsInput("Which ERP do you use?")}, now: func() time.Time { return fixedNow }}
		sess := newSession(session.StageSOPGeneration)
		out, err := h.Handle(context.Background(), sess, stage.Env{})
		require.NoError(t, err)
		require.Equal(t, stage.KindPaused, out.Kind)
		require.Equal(t, session.StatusUserInputRequired, sess.Status)
		require.Equal(t, session.StageSOPGeneration, sess.Next())
	})
}

func TestGraphHandler(t *testing.T) {
	t.Run("precondition", func(t *testing.T) {
		c := &fakeGraph{}
		h := &GraphHandler{compiler: c, now: func() time.Time { return fixedNow }}
		sess := newSession(session.StageGraphGeneration)

		out, err := h.Handle(context.Background(), sess, stage.Env{})
		require.NoError(t, err)
		require.Equal(t, stage.KindFailed, out.Kind)
		require.Contains(t, sess.History()[0].Output, "Standard Operating Procedure not specified")
		require.Zero(t, c.calls)
	})

	t.Run("success", func(t *testing.T) {
		g := graphOf(integrationNode("n1"), promptNode("n2"))
		h := &GraphHandler{compiler: &fakeGraph{graph: g}, now: func() time.Time { return fixedNow }}
		sess := newSession(session.StageGraphGeneration)
		sess.AgentSOP = "sop"

		out, err := h.Handle(context.Background(), sess, stage.Env{})
		require.NoError(t, err)
		require.Equal(t, stage.KindAdvance, out.Kind)
		require.Same(t, g, sess.GeneratedGraph)
		require.Equal(t, session.StageToolMatching, sess.Next())
	})

	t.Run("graph without nodes fails", func(t *testing.T) {
		h := &GraphHandler{compiler: &fakeGraph{graph: graphOf()}, now: func() time.Time { return fixedNow }}
		sess := newSession(session.StageGraphGeneration)
		sess.AgentSOP = "sop"
		out, err := h.Handle(context.Background(), sess, stage.Env{})
		require.NoError(t, err)
		require.Equal(t, stage.KindFailed, out.Kind)
		require.Contains(t, out.Reason, "Graph Generation failed")
	})
}

func TestMatchHandlerPreconditionSkipsCollaborator(t *testing.T) {
	m := okNodes()
	h := &MatchHandler{matcher: m, now: func() time.Time { return fixedNow }}
	sess := newSession(session.StageToolMatching)

	out, err := h.Handle(context.Background(), sess, stage.Env{})
	require.NoError(t, err)
	require.Equal(t, stage.KindFailed, out.Kind)
	require.Equal(t, session.StatusFailed, sess.Status)
	entry := sess.History()[0]
	require.False(t, entry.Success)
	require.Contains(t, entry.Output, "Agent Graph not specified")
	require.Zero(t, m.calls.Load())
}

func TestMatchHandlerToleratesPartialFailure(t *testing.T) {
	m := &fakeNodes{fn: func(_ context.Context, n session.Node) (*session.Tool, error) {
		if n.NodeID == "n2" {
			return nil, errors.New("no matching integration")
		}
		return &session.Tool{ToolName: "tool-" + n.NodeID, NodeID: "wrong"}, nil
	}}
	var chunks []stage.Chunk
	env := stage.Env{Streams: []stage.StreamFunc{func(_ context.Context, c stage.Chunk) { chunks = append(chunks, c) }}}
	h := &MatchHandler{matcher: m, now: func() time.Time { return fixedNow }}
	sess := newSession(session.StageToolMatching)
	sess.GeneratedGraph = graphOf(integrationNode("n1"), promptNode("p1"), integrationNode("n2"), integrationNode("n3"))

	out, err := h.Handle(context.Background(), sess, env)
	require.NoError(t, err)
	require.Equal(t, stage.KindAdvance, out.Kind)
	require.Len(t, sess.IntegrationTools, 2)
	require.Equal(t, "n1", sess.IntegrationTools[0].NodeID)
	require.Equal(t, "tool-n1", sess.IntegrationTools[0].ToolName)
	require.Equal(t, "n3", sess.IntegrationTools[1].NodeID)
	require.Equal(t, session.StageToolGeneration, sess.Next())
	require.EqualValues(t, 3, m.calls.Load())
	require.Equal(t, stage.EventStageStarted, chunks[0].Event)
	require.Equal(t, stage.EventStageFinished, chunks[len(chunks)-1].Event)
}

func TestMatchHandlerAllNodesFailing(t *testing.T) {
	m := &fakeNodes{fn: func(context.Context, session.Node) (*session.Tool, error) {
		return nil, errors.New("boom")
	}}
	h := &MatchHandler{matcher: m, now: func() time.Time { return fixedNow }}
	sess := newSession(session.StageToolMatching)
	sess.GeneratedGraph = graphOf(integrationNode("n1"), integrationNode("n2"))

	out, err := h.Handle(context.Background(), sess, stage.Env{})
	require.NoError(t, err)
	require.Equal(t, stage.KindFailed, out.Kind)
	require.Contains(t, out.Reason, "produced no tools for 2 nodes")
}

func TestSynthesisHandlerWithoutPromptNodes(t *testing.T) {
	s := okNodes()
	h := &SynthesisHandler{synth: s, now: func() time.Time { return fixedNow }}
	sess := newSession(session.StageToolGeneration)
	sess.GeneratedGraph = graphOf(integrationNode("n1"))

	out, err := h.Handle(context.Background(), sess, stage.Env{})
	require.NoError(t, err)
	require.Equal(t, stage.KindAdvance, out.Kind)
	require.Empty(t, sess.CustomTools)
	require.Equal(t, session.StageConnectIntegrations, sess.Next())
	require.Zero(t, s.calls.Load())
}

func TestSynthesisHandlerRateLimitAbortsSiblings(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	s := &fakeNodes{fn: func(ctx context.Context, n session.Node) (*session.Tool, error) {
		if n.NodeID == "p2" {
			return nil, fmt.Errorf("%w: throttled", model.ErrRateLimited)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-release:
			return &session.Tool{ToolName: n.NodeID}, nil
		}
	}}
	h := &SynthesisHandler{synth: s, now: func() time.Time { return fixedNow }}
	sess := newSession(session.StageToolGeneration)
	sess.GeneratedGraph = graphOf(promptNode("p1"), promptNode("p2"), promptNode("p3"))

	done := make(chan error, 1)
	go func() {
		_, err := h.Handle(context.Background(), sess, stage.Env{})
		done <- err
	}()
	select {
	case err := <-done:
		require.ErrorIs(t, err, model.ErrRateLimited)
	case <-time.After(5 * time.Second):
		t.Fatal("rate limit did not abort the fan-out")
	}
	require.Empty(t, sess.History())
	require.Empty(t, sess.CustomTools)
	require.Equal(t, session.StatusInProgress, sess.Status)
}

func TestFanOutRespectsConcurrencyLimit(t *testing.T) {
	var (
		mu      sync.Mutex
		active  int
		maxSeen int
	)
	fn := func(context.Context, session.Node) (*session.Tool, error) {
		mu.Lock()
		active++
		if active > maxSeen {
			maxSeen = active
		}
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		active--
		mu.Unlock()
		return &session.Tool{}, nil
	}
	nodes := make([]session.Node, 10)
	for i := range nodes {
		nodes[i] = integrationNode(fmt.Sprintf("n%d", i))
	}
	res, err := fanOut(context.Background(), nodes, 3, fn, abortFanOut, nil)
	require.NoError(t, err)
	require.Len(t, res.Collect(nodes), 10)
	require.LessOrEqual(t, maxSeen, 3)
}

// TestFanOutPreservesOrderProperty checks that results line up with their
// input nodes whatever the completion order and failure pattern.
func TestFanOutPreservesOrderProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("successful nodes are returned in input order", prop.ForAll(
		func(delays []int, failMask []bool) bool {
			nodes := make([]session.Node, len(delays))
			fails := make(map[string]bool)
			for i, d := range delays {
				id := fmt.Sprintf("n%d", i)
				nodes[i] = session.Node{NodeID: id, NodeObjective: fmt.Sprint(d)}
				fails[id] = i < len(failMask) && failMask[i]
			}
			fn := func(_ context.Context, n session.Node) (*session.Tool, error) {
				var d int
				fmt.Sscan(n.NodeObjective, &d)
				time.Sleep(time.Duration(d) * time.Millisecond)
				if fails[n.NodeID] {
					return nil, errors.New("node failed")
				}
				return &session.Tool{ToolName: "t-" + n.NodeID}, nil
			}
			res, err := fanOut(context.Background(), nodes, 0, fn, abortFanOut, nil)
			if err != nil {
				return false
			}
			got := res.Collect(nodes)
			j := 0
			for _, n := range nodes {
				if fails[n.NodeID] {
					continue
				}
				if j >= len(got) || got[j].NodeID != n.NodeID || got[j].ToolName != "t-"+n.NodeID {
					return false
				}
				j++
			}
			return j == len(got)
		},
		gen.SliceOfN(6, gen.IntRange(0, 3)),
		gen.SliceOfN(6, gen.Bool()),
	))

	properties.TestingRun(t)
}
