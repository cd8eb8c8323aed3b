package session

import "slices"

// Clone returns a deep copy of the session so snapshots handed to stores and
// notification hooks cannot alias the live record.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	out.FileUploads = slices.Clone(s.FileUploads)
	out.IntegrationTools = cloneTools(s.IntegrationTools)
	out.CustomTools = cloneTools(s.CustomTools)
	if s.GeneratedGraph != nil {
		g := *s.GeneratedGraph
		g.Nodes = slices.Clone(g.Nodes)
		g.Edges = slices.Clone(g.Edges)
		out.GeneratedGraph = &g
	}
	if s.SetupState != nil {
		st := SetupState{Next: s.SetupState.Next, Stages: slices.Clone(s.SetupState.Stages)}
		out.SetupState = &st
	}
	if s.StartTime != nil {
		t := *s.StartTime
		out.StartTime = &t
	}
	if s.EndTime != nil {
		t := *s.EndTime
		out.EndTime = &t
	}
	return &out
}

func cloneTools(in []Tool) []Tool {
	if in == nil {
		return nil
	}
	out := make([]Tool, len(in))
	for i, t := range in {
		t.InputParameters = slices.Clone(t.InputParameters)
		t.OutputParameters = slices.Clone(t.OutputParameters)
		out[i] = t
	}
	return out
}
