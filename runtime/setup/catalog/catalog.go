// Package catalog defines the integration tool catalog searched by the tool
// matching stage.
package catalog

import (
	"context"
	"errors"

	"goa.design/agentsetup/runtime/setup/session"
)

type (
	// Tool is an integration action that workflow nodes can be bound to.
	Tool struct {
		// Name uniquely identifies the tool within its workspace.
		Name string `json:"name" bson:"name" yaml:"name"`
		// Integration names the external system (for example "gmail").
		Integration      string `json:"integration" bson:"integration" yaml:"integration"`
		Description      string `json:"description" bson:"description" yaml:"description"`
		ShortDescription string `json:"short_description,omitempty" bson:"short_description,omitempty" yaml:"short_description,omitempty"`
		// WorkspaceID scopes the tool to a workspace. Empty means global.
		WorkspaceID      string              `json:"workspace_id,omitempty" bson:"workspace_id,omitempty" yaml:"workspace_id,omitempty"`
		InputParameters  []session.Parameter `json:"input_parameters,omitempty" bson:"input_parameters,omitempty" yaml:"input_parameters,omitempty"`
		OutputParameters []session.Parameter `json:"output_parameters,omitempty" bson:"output_parameters,omitempty" yaml:"output_parameters,omitempty"`
	}

	// Query selects candidate tools for a task step.
	Query struct {
		// Text is the task step to match.
		Text string
		// WorkspaceID restricts the search to one workspace. Empty searches
		// global tools.
		WorkspaceID string
		// TopK bounds the number of results. Zero uses DefaultTopK.
		TopK int
	}

	// Catalog stores and searches integration tools.
	Catalog interface {
		// Upsert inserts or replaces a tool keyed by workspace and name.
		Upsert(ctx context.Context, tool Tool) error
		// Search returns the best candidates for q ordered by relevance.
		Search(ctx context.Context, q Query) ([]Tool, error)
	}
)

// DefaultTopK is the number of candidates returned when Query.TopK is zero.
const DefaultTopK = 20

// ErrInvalidTool indicates a tool is missing required fields.
var ErrInvalidTool = errors.New("catalog tool requires a name and an integration")

// Validate checks the fields required to store a tool.
func (t Tool) Validate() error {
	if t.Name == "" || t.Integration == "" {
		return ErrInvalidTool
	}
	return nil
}

// AsSessionTool converts a catalog entry into a tool bound to node.
func (t Tool) AsSessionTool(node session.Node) session.Tool {
	return session.Tool{
		NodeID:           node.NodeID,
		ToolName:         t.Name,
		ToolDescription:  t.Description,
		ShortDescription: t.ShortDescription,
		ToolType:         session.ToolTypeIntegration,
		ActionType:       node.ActionType,
		InputParameters:  append([]session.Parameter(nil), t.InputParameters...),
		OutputParameters: append([]session.Parameter(nil), t.OutputParameters...),
		IntegrationName:  t.Integration,
	}
}
