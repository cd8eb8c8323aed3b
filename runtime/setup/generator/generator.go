// Package generator declares the collaborators the setup stages delegate
// content generation to. Implementations are typically model-backed (see
// generator/llm) but any type satisfying the interfaces can be wired in.
package generator

import (
	"context"
	"errors"

	"goa.design/agentsetup/runtime/setup/session"
)

type (
	// SOPWriter drafts a Standard Operating Procedure from process inputs.
	SOPWriter interface {
		WriteSOP(ctx context.Context, req SOPRequest) (*SOP, error)
	}

	// GraphCompiler compiles an SOP into a workflow graph.
	GraphCompiler interface {
		CompileGraph(ctx context.Context, req GraphRequest) (*session.Graph, error)
	}

	// ToolMatcher binds an integration node to an existing catalog tool.
	ToolMatcher interface {
		MatchTool(ctx context.Context, req NodeRequest) (*session.Tool, error)
	}

	// ToolSynthesizer writes a prompt tool for a prompt node.
	ToolSynthesizer interface {
		SynthesizeTool(ctx context.Context, req NodeRequest) (*session.Tool, error)
	}

	// SOPRequest carries the inputs for SOP generation.
	SOPRequest struct {
		Agent               session.Agent
		ProcessInstructions string
		FileUploads         []session.FileUpload
	}

	// SOP is a generated Standard Operating Procedure.
	SOP struct {
		// Reasoning is the model's analysis of the process.
		Reasoning string
		// Procedure is the SOP document stored on the session.
		Procedure string
	}

	// GraphRequest carries the inputs for graph compilation.
	GraphRequest struct {
		Agent session.Agent
		SOP   string
	}

	// NodeRequest carries one workflow node to a per-node collaborator.
	NodeRequest struct {
		Agent session.Agent
		Node  session.Node
	}

	// UserInputError reports that a collaborator cannot proceed without more
	// information from the user. It matches ErrUserInputRequired.
	UserInputError struct {
		Question string
	}
)

// ErrUserInputRequired is the sentinel matched by UserInputError.
var ErrUserInputRequired = errors.New("user input required")

// NeedsInput returns an error asking the user the given question.
func NeedsInput(question string) error {
	return &UserInputError{Question: question}
}

func (e *UserInputError) Error() string {
	return "user input required: " + e.Question
}

// Is makes errors.Is(err, ErrUserInputRequired) true.
func (e *UserInputError) Is(target error) bool {
	return target == ErrUserInputRequired
}

// AsUserInput returns the UserInputError in err's chain, if any.
func AsUserInput(err error) (*UserInputError, bool) {
	var uie *UserInputError
	if errors.As(err, &uie) {
		return uie, true
	}
	return nil, false
}
