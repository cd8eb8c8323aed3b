package stages

import (
	"context"
	"encoding/json"
	"time"

	"goa.design/agentsetup/runtime/setup/generator"
	"goa.design/agentsetup/runtime/setup/session"
	"goa.design/agentsetup/runtime/setup/stage"
)

// GraphHandler compiles the SOP into a workflow graph.
type GraphHandler struct {
	compiler generator.GraphCompiler
	now      func() time.Time
}

// Handle implements stage.Handler.
func (h *GraphHandler) Handle(ctx context.Context, sess *session.Session, env stage.Env) (stage.Outcome, error) {
	if sess.AgentSOP == "" {
		return precondition(sess, "Standard Operating Procedure not specified for Agent: "+sess.Agent.Name+". Cannot Create the Graph", h.now()), nil
	}
	graph, err := h.compiler.CompileGraph(ctx, generator.GraphRequest{Agent: sess.Agent, SOP: sess.AgentSOP})
	if err == nil && (graph == nil || len(graph.Nodes) == 0) {
		err = errEmptyResult
	}
	if err != nil {
		return resolveError(ctx, sess, env, nameGraph, err, h.now())
	}
	sess.GeneratedGraph = graph
	if data, err := json.Marshal(graph); err == nil {
		env.Remember(ctx, memoryKeyPlan, string(data))
	}
	return advance(sess, "Graph Generation completed successfully.", h.now())
}
