package stages

import (
	"context"

	"goa.design/agentsetup/runtime/setup/session"
)

type (
	// nodeCall runs one collaborator call for a workflow node.
	nodeCall func(ctx context.Context, node session.Node) (*session.Tool, error)

	nodeResult struct {
		index int
		tool  *session.Tool
		err   error
	}

	// fanOutResult holds per-node results in input order. Tools[i] is nil when
	// node i failed, in which case Errs[i] holds the cause.
	fanOutResult struct {
		Tools []*session.Tool
		Errs  []error
	}
)

// fanOut calls fn once per node concurrently, running at most limit calls at a
// time (limit <= 0 means one goroutine per node). Per-node failures are
// collected in the result. The first error for which abort returns true stops
// the gather: the remaining calls are cancelled and fanOut returns that error
// without waiting for them. onResult, when set, observes each completion on
// the calling goroutine.
func fanOut(ctx context.Context, nodes []session.Node, limit int, fn nodeCall, abort func(error) bool, onResult func(node session.Node, tool *session.Tool, err error)) (fanOutResult, error) {
	res := fanOutResult{
		Tools: make([]*session.Tool, len(nodes)),
		Errs:  make([]error, len(nodes)),
	}
	if len(nodes) == 0 {
		return res, nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Buffered so abandoned calls can always deliver and exit.
	results := make(chan nodeResult, len(nodes))
	var sem chan struct{}
	if limit > 0 && limit < len(nodes) {
		sem = make(chan struct{}, limit)
	}
	for i, n := range nodes {
		go func() {
			if sem != nil {
				select {
				case sem <- struct{}{}:
					defer func() { <-sem }()
				case <-ctx.Done():
					results <- nodeResult{index: i, err: ctx.Err()}
					return
				}
			}
			tool, err := fn(ctx, n)
			results <- nodeResult{index: i, tool: tool, err: err}
		}()
	}

	for range nodes {
		var r nodeResult
		select {
		case r = <-results:
		case <-ctx.Done():
			return res, ctx.Err()
		}
		if r.err != nil && abort != nil && abort(r.err) {
			return res, r.err
		}
		if r.err == nil && r.tool == nil {
			r.err = errEmptyResult
		}
		if onResult != nil {
			onResult(nodes[r.index], r.tool, r.err)
		}
		if r.err != nil {
			res.Errs[r.index] = r.err
			continue
		}
		res.Tools[r.index] = r.tool
	}
	return res, nil
}

// Collect returns the successful tools in node order, each stamped with the
// ID of the node it was produced for.
func (r fanOutResult) Collect(nodes []session.Node) []session.Tool {
	out := make([]session.Tool, 0, len(nodes))
	for i, t := range r.Tools {
		if t == nil {
			continue
		}
		tool := *t
		tool.NodeID = nodes[i].NodeID
		out = append(out, tool)
	}
	return out
}
