package stages

import (
	"context"
	"fmt"
	"time"

	"goa.design/agentsetup/runtime/setup/generator"
	"goa.design/agentsetup/runtime/setup/session"
	"goa.design/agentsetup/runtime/setup/stage"
)

type (
	// MatchHandler binds every integration node to a catalog tool.
	MatchHandler struct {
		matcher generator.ToolMatcher
		limit   int
		now     func() time.Time
	}

	// SynthesisHandler writes a prompt tool for every prompt node.
	SynthesisHandler struct {
		synth generator.ToolSynthesizer
		limit int
		now   func() time.Time
	}
)

const graphMissing = "Agent Graph not specified for Agent: %s. Cannot Generate Tools as Nodes are Unknown"

// Handle implements stage.Handler.
func (h *MatchHandler) Handle(ctx context.Context, sess *session.Session, env stage.Env) (stage.Outcome, error) {
	if sess.GeneratedGraph == nil || len(sess.GeneratedGraph.Nodes) == 0 {
		return precondition(sess, fmt.Sprintf(graphMissing, sess.Agent.Name), h.now()), nil
	}
	agent := sess.Agent
	tools, err := runNodes(ctx, sess, env, session.ToolTypeIntegration, h.limit, nameMatching,
		func(ctx context.Context, node session.Node) (*session.Tool, error) {
			return h.matcher.MatchTool(ctx, generator.NodeRequest{Agent: agent, Node: node})
		})
	if err != nil {
		return resolveError(ctx, sess, env, nameMatching, err, h.now())
	}
	sess.IntegrationTools = tools
	return advance(sess, "Tool Matching for Integrations completed successfully.", h.now())
}

// Handle implements stage.Handler.
func (h *SynthesisHandler) Handle(ctx context.Context, sess *session.Session, env stage.Env) (stage.Outcome, error) {
	if sess.GeneratedGraph == nil || len(sess.GeneratedGraph.Nodes) == 0 {
		return precondition(sess, fmt.Sprintf(graphMissing, sess.Agent.Name), h.now()), nil
	}
	agent := sess.Agent
	tools, err := runNodes(ctx, sess, env, session.ToolTypePrompt, h.limit, nameToolGen,
		func(ctx context.Context, node session.Node) (*session.Tool, error) {
			return h.synth.SynthesizeTool(ctx, generator.NodeRequest{Agent: agent, Node: node})
		})
	if err != nil {
		return resolveError(ctx, sess, env, nameToolGen, err, h.now())
	}
	sess.CustomTools = tools
	return advance(sess, "Tool Generation completed successfully.", h.now())
}

// errNoTools reports that every node of a non-empty category failed.
type errNoTools struct {
	nodes int
}

func (e errNoTools) Error() string {
	return fmt.Sprintf("produced no tools for %d nodes", e.nodes)
}

// runNodes fans fn out over the nodes of category and returns the tools in
// node order. A category with no nodes yields an empty list. The error is
// either an abort error from a node or errNoTools when every node failed.
func runNodes(ctx context.Context, sess *session.Session, env stage.Env, category session.ToolType, limit int, name string, fn nodeCall) ([]session.Tool, error) {
	nodes := sess.GeneratedGraph.NodesOf(category)
	cur := sess.Next()
	env.Emit(ctx, stage.Chunk{Stage: cur, Event: stage.EventStageStarted, Message: fmt.Sprintf("%s started for %d nodes", name, len(nodes))})

	res, err := fanOut(ctx, nodes, limit, fn, abortFanOut, func(node session.Node, tool *session.Tool, err error) {
		if err != nil {
			env.Log().Warn(ctx, "node failed", "stage", cur, "node_id", node.NodeID, "err", err)
			env.Emit(ctx, stage.Chunk{Stage: cur, Event: stage.EventNodeFailed, NodeID: node.NodeID, Message: err.Error()})
			return
		}
		env.Emit(ctx, stage.Chunk{Stage: cur, Event: stage.EventNodeResult, NodeID: node.NodeID, Message: tool.ToolName})
	})
	if err != nil {
		return nil, err
	}
	tools := res.Collect(nodes)
	if len(nodes) > 0 && len(tools) == 0 {
		return nil, errNoTools{nodes: len(nodes)}
	}
	env.Emit(ctx, stage.Chunk{Stage: cur, Event: stage.EventStageFinished, Message: fmt.Sprintf("%d of %d nodes resolved", len(tools), len(nodes))})
	return tools, nil
}
