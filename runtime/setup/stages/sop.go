package stages

import (
	"context"
	"time"

	"goa.design/agentsetup/runtime/setup/generator"
	"goa.design/agentsetup/runtime/setup/session"
	"goa.design/agentsetup/runtime/setup/stage"
)

// SOPHandler drafts the Standard Operating Procedure.
type SOPHandler struct {
	writer generator.SOPWriter
	now    func() time.Time
}

// Handle implements stage.Handler.
func (h *SOPHandler) Handle(ctx context.Context, sess *session.Session, env stage.Env) (stage.Outcome, error) {
	if !sess.HasInputs() {
		return precondition(sess, "Process Instructions / Process Graph not specified for Agent: "+sess.Agent.Name+". Cannot Create the Standard Operating Procedure", h.now()), nil
	}
	sop, err := h.writer.WriteSOP(ctx, generator.SOPRequest{
		Agent:               sess.Agent,
		ProcessInstructions: sess.ProcessInstructions,
		FileUploads:         uploaded(sess.FileUploads),
	})
	if err == nil && (sop == nil || sop.Procedure == "") {
		err = errEmptyResult
	}
	if err != nil {
		return resolveError(ctx, sess, env, nameSOP, err, h.now())
	}
	sess.AgentSOP = sop.Procedure
	env.Remember(ctx, memoryKeySOP, sop.Procedure)
	return advance(sess, "SOP Generation completed successfully.", h.now())
}

func uploaded(files []session.FileUpload) []session.FileUpload {
	var out []session.FileUpload
	for _, f := range files {
		if f.FileStatus == session.FileStatusUploaded {
			out = append(out, f)
		}
	}
	return out
}
