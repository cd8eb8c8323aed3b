package llm

import (
	"fmt"
	"strings"

	"goa.design/agentsetup/runtime/setup/catalog"
	"goa.design/agentsetup/runtime/setup/generator"
	"goa.design/agentsetup/runtime/setup/session"
)

const sopSystem = `You are a business process analyst. Turn the process description into a
Standard Operating Procedure an autonomous agent can follow. Number every step,
name the systems involved, state the inputs each step needs and the decision
rules between steps. First reason about the process, then write the procedure.`

const graphSystem = `You design agent workflows. Convert the Standard Operating Procedure into a
directed workflow graph. Each node is one step with a unique node_id, its
objective, the context it needs and an action_type. Set tool_category to
"integration" when the step acts on an external system and to "prompt" when the
step is reasoning or writing done by the model. Edges connect node_ids and may
carry a condition.`

const selectionSystem = `You match workflow steps to integration tools. Pick the single candidate that
performs the step. If none fits, leave tool_name empty and explain why in
reasoning; if the user must clarify which system to use, put the question in
question.`

const synthesisSystem = `You write prompt tools for an autonomous agent. Given a workflow step, produce a
tool with a short title, a description, a one-line short description and the
prompt the agent will run, plus the parameters it consumes and produces.`

// TaskStep renders the catalog query for a node.
func TaskStep(n session.Node) string {
	return fmt.Sprintf("Action Type: %s\n Objective: %s. \n Required Context: %s", n.ActionType, n.NodeObjective, n.NodeContext)
}

func agentHeader(b *strings.Builder, a session.Agent) {
	fmt.Fprintf(b, "Agent: %s\n", a.Name)
	if a.Description != "" {
		fmt.Fprintf(b, "Agent description: %s\n", a.Description)
	}
}

func sopPrompt(req generator.SOPRequest) string {
	var b strings.Builder
	agentHeader(&b, req.Agent)
	if req.ProcessInstructions != "" {
		fmt.Fprintf(&b, "\nProcess instructions:\n%s\n", req.ProcessInstructions)
	}
	if len(req.FileUploads) > 0 {
		b.WriteString("\nProcess documents:\n")
		for _, f := range req.FileUploads {
			fmt.Fprintf(&b, "- %s (%s)\n", f.FileName, f.FileType)
		}
	}
	return b.String()
}

func graphPrompt(req generator.GraphRequest) string {
	var b strings.Builder
	agentHeader(&b, req.Agent)
	fmt.Fprintf(&b, "\nStandard Operating Procedure:\n%s\n", req.SOP)
	return b.String()
}

func selectionPrompt(step string, candidates []catalog.Tool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Workflow step:\n%s\n\nCandidate tools:\n", step)
	for _, c := range candidates {
		fmt.Fprintf(&b, "- tool_name: %s | integration_name: %s | %s\n", c.Name, c.Integration, c.Description)
	}
	return b.String()
}

func synthesisPrompt(req generator.NodeRequest) string {
	var b strings.Builder
	agentHeader(&b, req.Agent)
	fmt.Fprintf(&b, "\nPrompt Type: %s\n Main objective: %s\n Required Context: %s\n",
		req.Node.ActionType, req.Node.NodeObjective, req.Node.NodeContext)
	return b.String()
}
