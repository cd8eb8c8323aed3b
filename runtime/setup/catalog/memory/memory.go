// Package memory provides an in-memory implementation of catalog.Catalog.
//
// This implementation is suitable for development, testing, and single-node
// deployments where persistence across restarts is not required.
package memory

import (
	"context"
	"sync"

	"goa.design/agentsetup/runtime/setup/catalog"
)

// Catalog is an in-memory catalog.Catalog. It is safe for concurrent use.
type Catalog struct {
	mu    sync.RWMutex
	tools map[key]catalog.Tool
}

type key struct {
	workspace string
	name      string
}

// Compile-time check that Catalog implements catalog.Catalog.
var _ catalog.Catalog = (*Catalog)(nil)

// New returns a catalog seeded with tools.
func New(tools ...catalog.Tool) (*Catalog, error) {
	c := &Catalog{tools: make(map[key]catalog.Tool)}
	for _, t := range tools {
		if err := c.Upsert(context.Background(), t); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Upsert implements catalog.Catalog.
func (c *Catalog) Upsert(ctx context.Context, tool catalog.Tool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := tool.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tools[key{workspace: tool.WorkspaceID, name: tool.Name}] = tool
	return nil
}

// Search implements catalog.Catalog. Only tools in q.WorkspaceID are
// considered; an empty workspace selects global tools.
func (c *Catalog) Search(ctx context.Context, q catalog.Query) ([]catalog.Tool, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	candidates := make([]catalog.Tool, 0, len(c.tools))
	for k, t := range c.tools {
		if k.workspace == q.WorkspaceID {
			candidates = append(candidates, t)
		}
	}
	c.mu.RUnlock()
	return catalog.Rank(candidates, q.Text, q.TopK), nil
}
