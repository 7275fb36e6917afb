package engine

import (
	"sync"

	"github.com/relaypoint/flowengine/expr"
)

// Context is the per-run variable store shared across node executions.
// Every node may read it; writes go through the executor's single control
// loop, so two nodes completing in parallel resolve by completion order
// (last write wins). The mutex guards the concurrent reads worker
// goroutines perform against those serialized writes.
type Context struct {
	mu   sync.RWMutex
	vars map[string]any
}

// NewContext creates a context seeded with the given variables.
func NewContext(seed map[string]any) *Context {
	vars := make(map[string]any, len(seed))
	for k, v := range seed {
		vars[k] = v
	}
	return &Context{vars: vars}
}

// Get returns a variable by name, resolving dot paths into nested maps.
func (c *Context) Get(name string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v := expr.Lookup(name, c.vars)
	return v, v != nil
}

// Set stores a variable. Called only from the executor loop.
func (c *Context) Set(name string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vars[name] = value
}

// Snapshot returns a shallow copy of all variables, safe to hand to
// invokers and expression evaluation.
func (c *Context) Snapshot() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]any, len(c.vars))
	for k, v := range c.vars {
		out[k] = v
	}
	return out
}

// Len returns the number of stored variables.
func (c *Context) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.vars)
}
