// Package session defines the agent-setup session record: identity, inputs,
// the artifacts produced by each pipeline stage, and the stage cursor with its
// append-only history. Transitions are methods on *Session so every caller
// applies the same bookkeeping.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type (
	// Status is the lifecycle state of a session.
	Status string

	// Stage identifies one phase of the setup pipeline.
	Stage string

	// FileType distinguishes uploaded files from referenced URLs.
	FileType string

	// FileStatus reports whether an upload reached storage.
	FileStatus string

	// ToolType tags workflow nodes and tools with the kind of capability they
	// need: an existing integration or a synthesized prompt tool.
	ToolType string

	// Session is one end-to-end agent-setup run and its accumulated state.
	// A Session is exclusively owned by the orchestrator loop driving it.
	Session struct {
		ID                  string       `json:"id" bson:"_id"`
		UserID              string       `json:"user_id" bson:"user_id"`
		ThreadID            string       `json:"thread_id" bson:"thread_id"`
		Agent               Agent        `json:"agent" bson:"agent"`
		FileUploads         []FileUpload `json:"file_uploads,omitempty" bson:"file_uploads,omitempty"`
		ProcessInstructions string       `json:"process_instructions,omitempty" bson:"process_instructions,omitempty"`
		AgentSOP            string       `json:"agent_sop,omitempty" bson:"agent_sop,omitempty"`
		GeneratedGraph      *Graph       `json:"generated_graph,omitempty" bson:"generated_graph,omitempty"`
		IntegrationTools    []Tool       `json:"integration_tools,omitempty" bson:"integration_tools,omitempty"`
		CustomTools         []Tool       `json:"custom_tools,omitempty" bson:"custom_tools,omitempty"`
		Status              Status       `json:"status" bson:"status"`
		SetupState          *SetupState  `json:"setup_state,omitempty" bson:"setup_state,omitempty"`
		// FailureReason holds the message of the failure that ended the session.
		FailureReason string     `json:"failure_reason,omitempty" bson:"failure_reason,omitempty"`
		StartTime     *time.Time `json:"start_time,omitempty" bson:"start_time,omitempty"`
		EndTime       *time.Time `json:"end_time,omitempty" bson:"end_time,omitempty"`
	}

	// Agent describes the agent being configured. The pipeline passes it to
	// collaborators without interpreting it.
	Agent struct {
		ID          string `json:"id,omitempty" bson:"id,omitempty"`
		Name        string `json:"name" bson:"name"`
		Description string `json:"description,omitempty" bson:"description,omitempty"`
		WorkspaceID string `json:"workspace_id,omitempty" bson:"workspace_id,omitempty"`
		VectorDBID  string `json:"vector_db_id,omitempty" bson:"vector_db_id,omitempty"`
	}

	// FileUpload references a document describing the process.
	FileUpload struct {
		FileName   string     `json:"file_name" bson:"file_name"`
		FileType   FileType   `json:"file_type" bson:"file_type"`
		FileStatus FileStatus `json:"file_status" bson:"file_status"`
	}

	// Graph is the workflow graph compiled from the SOP.
	Graph struct {
		Name        string `json:"name,omitempty" bson:"name,omitempty"`
		Description string `json:"description,omitempty" bson:"description,omitempty"`
		Nodes       []Node `json:"workflow_graph" bson:"workflow_graph"`
		Edges       []Edge `json:"edges,omitempty" bson:"edges,omitempty"`
	}

	// Node is one step of the workflow graph.
	Node struct {
		NodeID        string   `json:"node_id" bson:"node_id"`
		NodeObjective string   `json:"node_objective" bson:"node_objective"`
		NodeContext   string   `json:"node_context,omitempty" bson:"node_context,omitempty"`
		ActionType    string   `json:"action_type" bson:"action_type"`
		ToolCategory  ToolType `json:"tool_category" bson:"tool_category"`
	}

	// Edge connects two nodes, optionally guarded by a condition.
	Edge struct {
		From      string `json:"from" bson:"from"`
		To        string `json:"to" bson:"to"`
		Condition string `json:"condition,omitempty" bson:"condition,omitempty"`
	}

	// Tool is a tool bound to a workflow node, either matched from the
	// integration catalog or synthesized for a prompt node.
	Tool struct {
		NodeID           string      `json:"node_id" bson:"node_id"`
		ToolName         string      `json:"tool_name" bson:"tool_name"`
		ToolDescription  string      `json:"tool_description" bson:"tool_description"`
		ShortDescription string      `json:"short_description,omitempty" bson:"short_description,omitempty"`
		ToolType         ToolType    `json:"tool_type" bson:"tool_type"`
		ActionType       string      `json:"action_type,omitempty" bson:"action_type,omitempty"`
		Prompt           string      `json:"prompt,omitempty" bson:"prompt,omitempty"`
		InputParameters  []Parameter `json:"input_parameters,omitempty" bson:"input_parameters,omitempty"`
		OutputParameters []Parameter `json:"output_parameters,omitempty" bson:"output_parameters,omitempty"`
		IntegrationName  string      `json:"integration_name,omitempty" bson:"integration_name,omitempty"`
	}

	// Parameter describes one tool input or output.
	Parameter struct {
		Name        string `json:"name" bson:"name"`
		Type        string `json:"type,omitempty" bson:"type,omitempty"`
		Description string `json:"description,omitempty" bson:"description,omitempty"`
		Required    bool   `json:"required,omitempty" bson:"required,omitempty"`
	}

	// SetupState is the stage cursor. Next names the stage about to run or
	// the stage that just failed.
	SetupState struct {
		Next   Stage        `json:"next" bson:"next"`
		Stages []StageEntry `json:"stages" bson:"stages"`
	}

	// StageEntry records one stage attempt. Entries are never modified once
	// appended.
	StageEntry struct {
		Stage     Stage     `json:"stage" bson:"stage"`
		Timestamp time.Time `json:"timestamp" bson:"timestamp"`
		Success   bool      `json:"success" bson:"success"`
		Output    string    `json:"output" bson:"output"`
	}

	// ResumeInput carries the inputs a user supplies to continue a paused
	// session.
	ResumeInput struct {
		ProcessInstructions string
		FileUploads         []FileUpload
	}

	// Store persists session snapshots between stage executions.
	Store interface {
		// Save inserts or replaces the session keyed by its ID.
		Save(ctx context.Context, s *Session) error
		// Load returns the session with the given ID or ErrNotFound.
		Load(ctx context.Context, id string) (*Session, error)
		// ListByStatus returns the sessions currently in the given status.
		ListByStatus(ctx context.Context, status Status) ([]*Session, error)
	}
)

const (
	StatusQueued            Status = "QUEUED"
	StatusInProgress        Status = "IN_PROGRESS"
	StatusUserInputRequired Status = "USER_INPUT_REQUIRED"
	StatusCompleted         Status = "COMPLETED"
	StatusFailed            Status = "FAILED"
)

const (
	StageSOPGeneration       Stage = "SOP_GENERATION"
	StageGraphGeneration     Stage = "GRAPH_GENERATION"
	StageToolMatching        Stage = "TOOL_MATCHING"
	StageToolGeneration      Stage = "TOOL_GENERATION"
	StageConnectIntegrations Stage = "CONNECT_INTEGRATIONS"
)

const (
	FileTypeFile FileType = "FILE"
	FileTypeURL  FileType = "URL"

	FileStatusUploaded FileStatus = "UPLOADED"
	FileStatusFailed   FileStatus = "FAILED"

	ToolTypeIntegration ToolType = "integration"
	ToolTypePrompt      ToolType = "prompt"
)

var (
	// ErrNotFound indicates the session does not exist in the store.
	ErrNotFound = errors.New("session not found")
	// ErrNotInitialized indicates a transition was applied before Initialize.
	ErrNotInitialized = errors.New("session setup state is not initialized")
	// ErrBackwardTransition indicates an attempt to move the cursor backward.
	ErrBackwardTransition = errors.New("stage cursor cannot move backward")
	// ErrNotPaused indicates Resume was called on a session that is not
	// waiting for user input.
	ErrNotPaused = errors.New("session is not waiting for user input")
)

// pipeline is the fixed successor chain.
var pipeline = []Stage{
	StageSOPGeneration,
	StageGraphGeneration,
	StageToolMatching,
	StageToolGeneration,
	StageConnectIntegrations,
}

// Stages returns the pipeline stages in execution order, including the
// CONNECT_INTEGRATIONS boundary.
func Stages() []Stage {
	return append([]Stage(nil), pipeline...)
}

// Index returns the position of s in the pipeline, or -1 if s is unknown.
func (s Stage) Index() int {
	for i, st := range pipeline {
		if st == s {
			return i
		}
	}
	return -1
}

// Valid reports whether s is a pipeline stage.
func (s Stage) Valid() bool { return s.Index() >= 0 }

// Successor returns the stage that follows s. It returns false for the
// CONNECT_INTEGRATIONS boundary and for unknown stages.
func (s Stage) Successor() (Stage, bool) {
	i := s.Index()
	if i < 0 || i == len(pipeline)-1 {
		return "", false
	}
	return pipeline[i+1], true
}

// Terminal reports whether no further automatic progress is possible in the
// current orchestration pass.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusUserInputRequired || s == StatusFailed
}

// Initialize prepares the session for a run. It stamps StartTime and seeds
// SetupState only when they are absent, so calling it again is a no-op for
// those fields. The status is always set to IN_PROGRESS.
func (s *Session) Initialize(now time.Time) {
	if s.StartTime == nil {
		t := now.UTC()
		s.StartTime = &t
	}
	if s.SetupState == nil {
		s.SetupState = &SetupState{Next: StageSOPGeneration, Stages: []StageEntry{}}
	}
	s.Status = StatusInProgress
}

// Next returns the stage cursor, or the empty stage when uninitialized.
func (s *Session) Next() Stage {
	if s.SetupState == nil {
		return ""
	}
	return s.SetupState.Next
}

// History returns the stage attempts recorded so far.
func (s *Session) History() []StageEntry {
	if s.SetupState == nil {
		return nil
	}
	return s.SetupState.Stages
}

// Advance records a successful attempt of the current stage and moves the
// cursor to next.
func (s *Session) Advance(output string, next Stage, now time.Time) error {
	if s.SetupState == nil {
		return ErrNotInitialized
	}
	cur := s.SetupState.Next
	if next.Index() <= cur.Index() {
		return fmt.Errorf("%w: %s -> %s", ErrBackwardTransition, cur, next)
	}
	s.record(cur, true, output, now)
	s.SetupState.Next = next
	return nil
}

// Fail records a failed attempt of the current stage and ends the session.
func (s *Session) Fail(reason string, now time.Time) {
	if s.SetupState == nil {
		s.SetupState = &SetupState{Next: StageSOPGeneration, Stages: []StageEntry{}}
	}
	s.record(s.SetupState.Next, false, reason, now)
	s.Halt(reason, now)
}

// Halt ends the session as FAILED without recording a stage attempt. It is
// used for conditions that did not come from a stage outcome, such as
// provider throttling.
func (s *Session) Halt(reason string, now time.Time) {
	s.Status = StatusFailed
	s.FailureReason = reason
	s.stampEnd(now)
}

// Pause records that the current stage needs user input. The cursor is left
// unchanged so the stage runs again once the session is resumed.
func (s *Session) Pause(reason string, now time.Time) {
	if s.SetupState == nil {
		s.SetupState = &SetupState{Next: StageSOPGeneration, Stages: []StageEntry{}}
	}
	s.record(s.SetupState.Next, false, "User input required: "+reason, now)
	s.Status = StatusUserInputRequired
}

// Complete marks the pipeline as finished.
func (s *Session) Complete(now time.Time) {
	s.Status = StatusCompleted
	s.stampEnd(now)
}

// Resume moves a paused session back to QUEUED and merges the supplied
// inputs. The stage cursor is not changed.
func (s *Session) Resume(in ResumeInput) error {
	if s.Status != StatusUserInputRequired {
		return fmt.Errorf("%w: status is %s", ErrNotPaused, s.Status)
	}
	if in.ProcessInstructions != "" {
		s.ProcessInstructions = in.ProcessInstructions
	}
	s.FileUploads = append(s.FileUploads, in.FileUploads...)
	s.Status = StatusQueued
	return nil
}

// HasInputs reports whether the session carries process instructions or at
// least one successfully uploaded file.
func (s *Session) HasInputs() bool {
	if s.ProcessInstructions != "" {
		return true
	}
	for _, f := range s.FileUploads {
		if f.FileStatus == FileStatusUploaded {
			return true
		}
	}
	return false
}

// NodesOf returns the workflow nodes tagged with the given category, in
// graph order.
func (g *Graph) NodesOf(category ToolType) []Node {
	if g == nil {
		return nil
	}
	var out []Node
	for _, n := range g.Nodes {
		if n.ToolCategory == category {
			out = append(out, n)
		}
	}
	return out
}

// Marshal encodes the session snapshot.
func (s *Session) Marshal() ([]byte, error) {
	return json.Marshal(s)
}

// Unmarshal decodes a session snapshot produced by Marshal.
func Unmarshal(data []byte) (*Session, error) {
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &s, nil
}

func (s *Session) record(stage Stage, success bool, output string, now time.Time) {
	s.SetupState.Stages = append(s.SetupState.Stages, StageEntry{
		Stage:     stage,
		Timestamp: now.UTC(),
		Success:   success,
		Output:    output,
	})
}

func (s *Session) stampEnd(now time.Time) {
	t := now.UTC()
	s.EndTime = &t
}
