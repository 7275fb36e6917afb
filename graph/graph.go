// Package graph defines the workflow definition model used by the visual
// builder and the execution engine: typed nodes, tagged edges, declared
// variables, and the JSON/YAML interchange document.
package graph

import (
	"fmt"
	"time"
)

// NodeType identifies the behavior of a workflow node.
type NodeType string

const (
	NodeStart       NodeType = "start"
	NodeEnd         NodeType = "end"
	NodeConditional NodeType = "conditional"
	NodeLoop        NodeType = "loop"
	NodeHTTPRequest NodeType = "http_request"
	NodeDBQuery     NodeType = "database_query"
	NodeEmailSend   NodeType = "email_send"
	NodeWebhook     NodeType = "webhook"
	NodeAITask      NodeType = "ai_task"
	NodeCustomCode  NodeType = "custom_code"
	NodeApproval    NodeType = "approval"
	NodeDelay       NodeType = "delay"
)

// controlTypes are handled inside the engine and never delegate to an
// external collaborator.
var controlTypes = map[NodeType]bool{
	NodeStart:       true,
	NodeEnd:         true,
	NodeConditional: true,
	NodeLoop:        true,
}

// sideEffectTypes retry on failure by default.
var sideEffectTypes = map[NodeType]bool{
	NodeHTTPRequest: true,
	NodeDBQuery:     true,
	NodeWebhook:     true,
	NodeAITask:      true,
}

// IsControl reports whether t is an engine-internal control type.
func (t NodeType) IsControl() bool { return controlTypes[t] }

// IsSideEffecting reports whether t delegates to an external collaborator
// and retries by default.
func (t NodeType) IsSideEffecting() bool { return sideEffectTypes[t] }

// Valid reports whether t is a known node type.
func (t NodeType) Valid() bool {
	switch t {
	case NodeStart, NodeEnd, NodeConditional, NodeLoop, NodeHTTPRequest,
		NodeDBQuery, NodeEmailSend, NodeWebhook, NodeAITask,
		NodeCustomCode, NodeApproval, NodeDelay:
		return true
	}
	return false
}

// Edge handle tags used on edges leaving a conditional node.
const (
	HandleTrue  = "true"
	HandleFalse = "false"
)

// OnError values for Node.Config["on_error"].
const (
	OnErrorFail     = "fail"
	OnErrorContinue = "continue"
)

// Node is a single typed unit of work or control-flow decision.
type Node struct {
	ID      string            `json:"id" yaml:"id"`
	Type    NodeType          `json:"type" yaml:"type"`
	Label   string            `json:"label,omitempty" yaml:"label,omitempty"`
	Config  map[string]any    `json:"config,omitempty" yaml:"config,omitempty"`
	Outputs map[string]string `json:"outputs,omitempty" yaml:"outputs,omitempty"`
	// SubGraph is the inner workflow of a loop node. It is a single node
	// wrapping a nested definition, not a cycle through the top-level graph.
	SubGraph *Definition `json:"subgraph,omitempty" yaml:"subgraph,omitempty"`
	// Position is visual-builder canvas metadata, carried through the
	// interchange document untouched.
	Position *Position `json:"position,omitempty" yaml:"position,omitempty"`
}

// Position is the node location on the visual canvas.
type Position struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
}

// Edge is a directed dependency between two nodes. Handle is set only on
// edges leaving a conditional node and is either "true" or "false".
type Edge struct {
	ID     string `json:"id" yaml:"id"`
	Source string `json:"source" yaml:"source"`
	Target string `json:"target" yaml:"target"`
	Handle string `json:"handle,omitempty" yaml:"handle,omitempty"`
}

// Variable is a declared workflow variable with an optional default that
// seeds the run context.
type Variable struct {
	Name        string `json:"name" yaml:"name"`
	Type        string `json:"type,omitempty" yaml:"type,omitempty"`
	Default     any    `json:"default,omitempty" yaml:"default,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// Settings holds definition-level execution settings.
type Settings struct {
	// Concurrency caps how many ready nodes run in parallel. Zero means
	// the engine default.
	Concurrency int `json:"concurrency,omitempty" yaml:"concurrency,omitempty"`
	// TimeoutSeconds is the default per-node timeout for delegated calls.
	TimeoutSeconds int `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
}

// Definition is a validated, serializable workflow definition. Version is
// monotonically incremented; a definition with run history is never edited
// in place, edits go through NextVersion.
type Definition struct {
	ID        string     `json:"id" yaml:"id"`
	Name      string     `json:"name" yaml:"name"`
	Version   int        `json:"version" yaml:"version"`
	Nodes     []Node     `json:"nodes" yaml:"nodes"`
	Edges     []Edge     `json:"edges" yaml:"edges"`
	Variables []Variable `json:"variables,omitempty" yaml:"variables,omitempty"`
	Settings  Settings   `json:"settings,omitempty" yaml:"settings,omitempty"`
	CreatedAt time.Time  `json:"created_at,omitempty" yaml:"created_at,omitempty"`
	UpdatedAt time.Time  `json:"updated_at,omitempty" yaml:"updated_at,omitempty"`
}

// NewDefinition creates an empty version-1 definition.
func NewDefinition(id, name string) *Definition {
	now := time.Now().UTC()
	return &Definition{
		ID:        id,
		Name:      name,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// AddNode appends a node, enforcing id uniqueness within the definition.
func (d *Definition) AddNode(n Node) error {
	if n.ID == "" {
		return fmt.Errorf("node ID is required")
	}
	if _, ok := d.NodeByID(n.ID); ok {
		return fmt.Errorf("duplicate node ID: %s", n.ID)
	}
	d.Nodes = append(d.Nodes, n)
	d.touch()
	return nil
}

// RemoveNode deletes a node and cascades to every incident edge.
func (d *Definition) RemoveNode(nodeID string) bool {
	idx := -1
	for i, n := range d.Nodes {
		if n.ID == nodeID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false
	}
	d.Nodes = append(d.Nodes[:idx], d.Nodes[idx+1:]...)

	kept := d.Edges[:0]
	for _, e := range d.Edges {
		if e.Source != nodeID && e.Target != nodeID {
			kept = append(kept, e)
		}
	}
	d.Edges = kept
	d.touch()
	return true
}

// AddEdge appends an edge, enforcing id uniqueness. Endpoint existence is
// the Validator's concern, not enforced here so builders can add nodes and
// edges in any order.
func (d *Definition) AddEdge(e Edge) error {
	if e.ID == "" {
		return fmt.Errorf("edge ID is required")
	}
	for _, existing := range d.Edges {
		if existing.ID == e.ID {
			return fmt.Errorf("duplicate edge ID: %s", e.ID)
		}
	}
	d.Edges = append(d.Edges, e)
	d.touch()
	return nil
}

// RemoveEdge deletes an edge by id.
func (d *Definition) RemoveEdge(edgeID string) bool {
	for i, e := range d.Edges {
		if e.ID == edgeID {
			d.Edges = append(d.Edges[:i], d.Edges[i+1:]...)
			d.touch()
			return true
		}
	}
	return false
}

// NodeByID returns the node with the given id.
func (d *Definition) NodeByID(id string) (*Node, bool) {
	for i := range d.Nodes {
		if d.Nodes[i].ID == id {
			return &d.Nodes[i], true
		}
	}
	return nil, false
}

// StartNode returns the start node, if present.
func (d *Definition) StartNode() (*Node, bool) {
	for i := range d.Nodes {
		if d.Nodes[i].Type == NodeStart {
			return &d.Nodes[i], true
		}
	}
	return nil, false
}

// Incoming returns the edges whose target is nodeID.
func (d *Definition) Incoming(nodeID string) []Edge {
	var in []Edge
	for _, e := range d.Edges {
		if e.Target == nodeID {
			in = append(in, e)
		}
	}
	return in
}

// Outgoing returns the edges whose source is nodeID.
func (d *Definition) Outgoing(nodeID string) []Edge {
	var out []Edge
	for _, e := range d.Edges {
		if e.Source == nodeID {
			out = append(out, e)
		}
	}
	return out
}

// NextVersion returns a deep copy with the version incremented. The
// receiver is left untouched so runs referencing it stay valid.
func (d *Definition) NextVersion() *Definition {
	clone := &Definition{
		ID:        d.ID,
		Name:      d.Name,
		Version:   d.Version + 1,
		Nodes:     make([]Node, len(d.Nodes)),
		Edges:     make([]Edge, len(d.Edges)),
		Settings:  d.Settings,
		CreatedAt: d.CreatedAt,
		UpdatedAt: time.Now().UTC(),
	}
	for i, n := range d.Nodes {
		cn := n
		cn.Config = cloneMap(n.Config)
		cn.Outputs = cloneStringMap(n.Outputs)
		if n.SubGraph != nil {
			sub := n.SubGraph.NextVersion()
			sub.Version = n.SubGraph.Version
			cn.SubGraph = sub
		}
		if n.Position != nil {
			p := *n.Position
			cn.Position = &p
		}
		clone.Nodes[i] = cn
	}
	copy(clone.Edges, d.Edges)
	if len(d.Variables) > 0 {
		clone.Variables = make([]Variable, len(d.Variables))
		copy(clone.Variables, d.Variables)
	}
	return clone
}

func (d *Definition) touch() {
	d.UpdatedAt = time.Now().UTC()
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// ConfigString returns a string config value.
func (n *Node) ConfigString(key string) string {
	if n.Config == nil {
		return ""
	}
	if s, ok := n.Config[key].(string); ok {
		return s
	}
	return ""
}

// ConfigInt returns an integer config value, tolerating the float64 that
// JSON decoding produces.
func (n *Node) ConfigInt(key string) int {
	if n.Config == nil {
		return 0
	}
	switch v := n.Config[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// ConfigBool returns a boolean config value.
func (n *Node) ConfigBool(key string) bool {
	if n.Config == nil {
		return false
	}
	b, _ := n.Config[key].(bool)
	return b
}
