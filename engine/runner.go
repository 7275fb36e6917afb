package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/relaypoint/flowengine/graph"
)

// Invoker is the uniform execution contract behind every delegated node
// type. Config arrives with {{variable}} placeholders already resolved;
// vars is a read-only snapshot of the run context. The returned map is
// merged into the context under the node's declared output names. The
// engine never inspects protocol internals of the call.
type Invoker interface {
	Invoke(ctx context.Context, config map[string]any, vars map[string]any) (map[string]any, error)
}

// InvokerFunc adapts a function to the Invoker contract.
type InvokerFunc func(ctx context.Context, config map[string]any, vars map[string]any) (map[string]any, error)

// Invoke implements Invoker.
func (f InvokerFunc) Invoke(ctx context.Context, config map[string]any, vars map[string]any) (map[string]any, error) {
	return f(ctx, config, vars)
}

// Registry is the dispatch table mapping node type to an Invoker. Control
// types (start, end, conditional, loop) are engine-internal and may not be
// registered; everything else delegates to an external collaborator
// implementing the matching side effect.
type Registry struct {
	mu       sync.RWMutex
	invokers map[graph.NodeType]Invoker
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{invokers: make(map[graph.NodeType]Invoker)}
}

// Register binds an invoker to a node type, replacing any previous binding.
func (r *Registry) Register(t graph.NodeType, inv Invoker) error {
	if t.IsControl() {
		return fmt.Errorf("node type %q is engine-internal and cannot be delegated", t)
	}
	if inv == nil {
		return fmt.Errorf("invoker for %q is nil", t)
	}
	r.mu.Lock()
	r.invokers[t] = inv
	r.mu.Unlock()
	return nil
}

// RegisterFunc binds a function invoker to a node type.
func (r *Registry) RegisterFunc(t graph.NodeType, fn InvokerFunc) error {
	return r.Register(t, fn)
}

// Lookup returns the invoker bound to the node type.
func (r *Registry) Lookup(t graph.NodeType) (Invoker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inv, ok := r.invokers[t]
	return inv, ok
}

// Types returns the node types with a registered invoker.
func (r *Registry) Types() []graph.NodeType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]graph.NodeType, 0, len(r.invokers))
	for t := range r.invokers {
		out = append(out, t)
	}
	return out
}
