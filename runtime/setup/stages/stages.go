// Package stages implements the four setup pipeline stage handlers: SOP
// generation, graph generation, tool matching and tool generation. Each handler
// checks its precondition artifact, delegates generation to a collaborator, and
// applies the resulting session transition.
package stages

import (
	"context"
	"errors"
	"fmt"
	"time"

	"goa.design/agentsetup/runtime/setup/generator"
	"goa.design/agentsetup/runtime/setup/model"
	"goa.design/agentsetup/runtime/setup/session"
	"goa.design/agentsetup/runtime/setup/stage"
)

// Options configures the stage handlers.
type Options struct {
	// SOPWriter drafts the SOP. Required.
	SOPWriter generator.SOPWriter
	// GraphCompiler compiles the SOP into a workflow graph. Required.
	GraphCompiler generator.GraphCompiler
	// ToolMatcher binds integration nodes to catalog tools. Required.
	ToolMatcher generator.ToolMatcher
	// ToolSynthesizer writes tools for prompt nodes. Required.
	ToolSynthesizer generator.ToolSynthesizer
	// MaxConcurrency bounds per-node calls in the tool stages. Zero runs one
	// call per node.
	MaxConcurrency int
	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

// Stage display names used in history entries.
const (
	nameSOP       = "SOP Generation"
	nameGraph     = "Graph Generation"
	nameMatching  = "Tool Matching for Integrations"
	nameToolGen   = "Tool Generation"
	memoryKeySOP  = "agent_sop"
	memoryKeyPlan = "generated_graph"
)

var errEmptyResult = errors.New("collaborator returned no result")

// NewRegistry validates opts and returns a stage.Registry wired with the four
// handlers.
func NewRegistry(opts Options) (*stage.Registry, error) {
	if opts.SOPWriter == nil {
		return nil, errors.New("sop writer is required")
	}
	if opts.GraphCompiler == nil {
		return nil, errors.New("graph compiler is required")
	}
	if opts.ToolMatcher == nil {
		return nil, errors.New("tool matcher is required")
	}
	if opts.ToolSynthesizer == nil {
		return nil, errors.New("tool synthesizer is required")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return stage.NewRegistry(map[session.Stage]stage.Handler{
		session.StageSOPGeneration:   &SOPHandler{writer: opts.SOPWriter, now: now},
		session.StageGraphGeneration: &GraphHandler{compiler: opts.GraphCompiler, now: now},
		session.StageToolMatching:    &MatchHandler{matcher: opts.ToolMatcher, limit: opts.MaxConcurrency, now: now},
		session.StageToolGeneration:  &SynthesisHandler{synth: opts.ToolSynthesizer, limit: opts.MaxConcurrency, now: now},
	})
}

// precondition fails the session with reason.
func precondition(sess *session.Session, reason string, now time.Time) stage.Outcome {
	sess.Fail(reason, now)
	return stage.Failed(reason)
}

// resolveError applies the session transition for a collaborator error.
// Rate limits are returned unchanged for the orchestrator to classify.
func resolveError(ctx context.Context, sess *session.Session, env stage.Env, name string, err error, now time.Time) (stage.Outcome, error) {
	if model.IsRateLimited(err) {
		return stage.Outcome{}, err
	}
	if uie, ok := generator.AsUserInput(err); ok {
		sess.Pause(uie.Question, now)
		env.Log().Info(ctx, "stage paused for user input", "stage", sess.Next(), "question", uie.Question)
		return stage.Paused(uie.Question), nil
	}
	reason := failureReason(name, sess, err)
	env.Log().Error(ctx, "stage failed", "stage", sess.Next(), "agent", sess.Agent.Name, "err", err)
	sess.Fail(reason, now)
	return stage.Failed(reason), nil
}

func failureReason(name string, sess *session.Session, err error) string {
	return fmt.Sprintf("%s failed for Agent: %s: %v", name, sess.Agent.Name, err)
}

// advance records success and moves the cursor to the successor stage.
func advance(sess *session.Session, output string, now time.Time) (stage.Outcome, error) {
	cur := sess.Next()
	next, ok := cur.Successor()
	if !ok {
		return stage.Outcome{}, fmt.Errorf("%w: %q has no successor", stage.ErrUnknownStage, cur)
	}
	if err := sess.Advance(output, next, now); err != nil {
		return stage.Outcome{}, err
	}
	return stage.Advance(), nil
}

// abortFanOut reports errors that stop a per-node fan-out.
func abortFanOut(err error) bool {
	return model.IsRateLimited(err) || errors.Is(err, generator.ErrUserInputRequired)
}
