// Package llm implements the setup collaborators on top of a model.Client.
// Every call pairs a role/task prompt with a strict JSON schema and validates
// the response against it before use; a malformed response is an ordinary
// error and fails the stage.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"goa.design/agentsetup/runtime/setup/catalog"
	"goa.design/agentsetup/runtime/setup/generator"
	"goa.design/agentsetup/runtime/setup/model"
	"goa.design/agentsetup/runtime/setup/session"
)

type (
	// Options configures a Generator.
	Options struct {
		// Client serves completions. Required.
		Client model.Client
		// Catalog supplies integration tools for matching. Required.
		Catalog catalog.Catalog
		// Model selects the provider model. Empty uses the client default.
		Model string
		// MaxTokens caps each completion. Zero uses the client default.
		MaxTokens int
		// Temperature overrides the sampling temperature.
		Temperature *float64
		// TopK bounds catalog candidates per search. Zero uses catalog.DefaultTopK.
		TopK int
	}

	// Generator implements generator.SOPWriter, GraphCompiler, ToolMatcher and
	// ToolSynthesizer.
	Generator struct {
		client      model.Client
		catalog     catalog.Catalog
		model       string
		maxTokens   int
		temperature *float64
		topK        int

		sop       *structured
		graph     *structured
		selection *structured
		synthesis *structured
	}

	sopOutput struct {
		ExpertReasoning string `json:"expert_reasoning"`
		Procedure       string `json:"standard_operating_procedure"`
	}

	selectionOutput struct {
		Reasoning       string `json:"reasoning"`
		ToolName        string `json:"tool_name"`
		IntegrationName string `json:"integration_name"`
		Question        string `json:"question"`
	}

	synthesisOutput struct {
		Title            string              `json:"title"`
		ToolDescription  string              `json:"tool_description"`
		ShortDescription string              `json:"short_description"`
		Prompt           string              `json:"prompt"`
		InputParameters  []session.Parameter `json:"input_parameters"`
		OutputParameters []session.Parameter `json:"output_parameters"`
	}
)

var (
	_ generator.SOPWriter       = (*Generator)(nil)
	_ generator.GraphCompiler   = (*Generator)(nil)
	_ generator.ToolMatcher     = (*Generator)(nil)
	_ generator.ToolSynthesizer = (*Generator)(nil)
)

// ErrNoCandidates indicates the catalog returned no tools for a node.
var ErrNoCandidates = errors.New("no catalog tools match the node")

// New validates opts and compiles the output schemas.
func New(opts Options) (*Generator, error) {
	if opts.Client == nil {
		return nil, errors.New("model client is required")
	}
	if opts.Catalog == nil {
		return nil, errors.New("tool catalog is required")
	}
	g := &Generator{
		client:      opts.Client,
		catalog:     opts.Catalog,
		model:       opts.Model,
		maxTokens:   opts.MaxTokens,
		temperature: opts.Temperature,
		topK:        opts.TopK,
	}
	if g.topK <= 0 {
		g.topK = catalog.DefaultTopK
	}
	var err error
	if g.sop, err = compileSchema("generated_sop", sopSchema); err != nil {
		return nil, err
	}
	if g.graph, err = compileSchema("generated_graph", graphSchema); err != nil {
		return nil, err
	}
	if g.selection, err = compileSchema("tool_selection", selectionSchema); err != nil {
		return nil, err
	}
	if g.synthesis, err = compileSchema("generated_tool", synthesisSchema); err != nil {
		return nil, err
	}
	return g, nil
}

// WriteSOP implements generator.SOPWriter.
func (g *Generator) WriteSOP(ctx context.Context, req generator.SOPRequest) (*generator.SOP, error) {
	var out sopOutput
	if err := g.generate(ctx, g.sop, sopSystem, sopPrompt(req), &out); err != nil {
		return nil, err
	}
	return &generator.SOP{Reasoning: out.ExpertReasoning, Procedure: out.Procedure}, nil
}

// CompileGraph implements generator.GraphCompiler. The returned graph has
// unique node IDs and edges that only reference existing nodes.
func (g *Generator) CompileGraph(ctx context.Context, req generator.GraphRequest) (*session.Graph, error) {
	var out session.Graph
	if err := g.generate(ctx, g.graph, graphSystem, graphPrompt(req), &out); err != nil {
		return nil, err
	}
	if err := checkGraph(&out); err != nil {
		return nil, err
	}
	return &out, nil
}

// MatchTool implements generator.ToolMatcher. It searches the global and
// workspace catalogs for the node's task step and lets the model pick one
// candidate.
func (g *Generator) MatchTool(ctx context.Context, req generator.NodeRequest) (*session.Tool, error) {
	step := TaskStep(req.Node)
	candidates, err := g.candidates(ctx, step, req.Agent.WorkspaceID)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoCandidates, req.Node.NodeID)
	}
	var out selectionOutput
	if err := g.generate(ctx, g.selection, selectionSystem, selectionPrompt(step, candidates), &out); err != nil {
		return nil, err
	}
	if out.ToolName == "" {
		if out.Question != "" {
			return nil, generator.NeedsInput(out.Question)
		}
		return nil, fmt.Errorf("no suitable integration for node %s: %s", req.Node.NodeID, out.Reasoning)
	}
	for _, c := range candidates {
		if c.Name == out.ToolName && (out.IntegrationName == "" || c.Integration == out.IntegrationName) {
			tool := c.AsSessionTool(req.Node)
			return &tool, nil
		}
	}
	return nil, fmt.Errorf("model selected unknown tool %q for node %s", out.ToolName, req.Node.NodeID)
}

// SynthesizeTool implements generator.ToolSynthesizer.
func (g *Generator) SynthesizeTool(ctx context.Context, req generator.NodeRequest) (*session.Tool, error) {
	var out synthesisOutput
	if err := g.generate(ctx, g.synthesis, synthesisSystem, synthesisPrompt(req), &out); err != nil {
		return nil, err
	}
	return &session.Tool{
		NodeID:           req.Node.NodeID,
		ToolName:         out.Title,
		ToolDescription:  out.ToolDescription,
		ShortDescription: out.ShortDescription,
		ToolType:         session.ToolTypePrompt,
		ActionType:       req.Node.ActionType,
		Prompt:           out.Prompt,
		InputParameters:  out.InputParameters,
		OutputParameters: out.OutputParameters,
	}, nil
}

// candidates merges the global and workspace search results, dropping
// duplicates by integration and name.
func (g *Generator) candidates(ctx context.Context, step, workspace string) ([]catalog.Tool, error) {
	global, err := g.catalog.Search(ctx, catalog.Query{Text: step, TopK: g.topK})
	if err != nil {
		return nil, fmt.Errorf("search global catalog: %w", err)
	}
	var scoped []catalog.Tool
	if workspace != "" {
		if scoped, err = g.catalog.Search(ctx, catalog.Query{Text: step, WorkspaceID: workspace, TopK: g.topK}); err != nil {
			return nil, fmt.Errorf("search workspace catalog: %w", err)
		}
	}
	seen := make(map[string]struct{}, len(global)+len(scoped))
	out := make([]catalog.Tool, 0, len(global)+len(scoped))
	for _, t := range append(scoped, global...) {
		k := t.Integration + "/" + t.Name
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, t)
	}
	return out, nil
}

func checkGraph(g *session.Graph) error {
	ids := make(map[string]struct{}, len(g.Nodes))
	for _, n := range g.Nodes {
		if _, dup := ids[n.NodeID]; dup {
			return fmt.Errorf("graph has duplicate node id %q", n.NodeID)
		}
		ids[n.NodeID] = struct{}{}
	}
	var bad []string
	for _, e := range g.Edges {
		if _, ok := ids[e.From]; !ok {
			bad = append(bad, e.From)
		}
		if _, ok := ids[e.To]; !ok {
			bad = append(bad, e.To)
		}
	}
	if len(bad) > 0 {
		return fmt.Errorf("graph edges reference unknown nodes: %s", strings.Join(bad, ", "))
	}
	return nil
}
