package graph

import (
	"fmt"
	"strings"

	"github.com/relaypoint/flowengine/expr"
)

// ValidationError aggregates every violation found in a definition so the
// author can fix all of them in one pass.
type ValidationError struct {
	Violations []error
}

func (e *ValidationError) Error() string {
	msgs := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		msgs[i] = v.Error()
	}
	return fmt.Sprintf("definition invalid: %s", strings.Join(msgs, "; "))
}

// Validator performs the structural and semantic checks that gate run
// submission. Validation is fail-closed: any violation blocks submission.
type Validator struct{}

// NewValidator creates a validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Check returns every violation found in the definition, or nil when the
// definition is valid.
func (v *Validator) Check(def *Definition) []error {
	var errs []error

	if def == nil {
		return []error{fmt.Errorf("definition is nil")}
	}
	if def.Name == "" {
		errs = append(errs, fmt.Errorf("workflow name is required"))
	}
	if len(def.Nodes) == 0 {
		errs = append(errs, fmt.Errorf("workflow must have at least one node"))
		return errs
	}

	// Node id uniqueness. Deserialized documents bypass AddNode, so the
	// check is repeated here.
	nodeIDs := make(map[string]bool, len(def.Nodes))
	for _, n := range def.Nodes {
		if n.ID == "" {
			errs = append(errs, fmt.Errorf("node ID is required"))
			continue
		}
		if nodeIDs[n.ID] {
			errs = append(errs, fmt.Errorf("duplicate node ID: %s", n.ID))
		}
		nodeIDs[n.ID] = true
	}

	edgeIDs := make(map[string]bool, len(def.Edges))
	for _, e := range def.Edges {
		if e.ID == "" {
			errs = append(errs, fmt.Errorf("edge ID is required"))
		} else if edgeIDs[e.ID] {
			errs = append(errs, fmt.Errorf("duplicate edge ID: %s", e.ID))
		}
		edgeIDs[e.ID] = true
		if !nodeIDs[e.Source] {
			errs = append(errs, fmt.Errorf("edge %s: source node %q does not exist", e.ID, e.Source))
		}
		if !nodeIDs[e.Target] {
			errs = append(errs, fmt.Errorf("edge %s: target node %q does not exist", e.ID, e.Target))
		}
	}

	errs = append(errs, v.checkShape(def)...)

	for i := range def.Nodes {
		errs = append(errs, v.checkNodeConfig(&def.Nodes[i])...)
	}

	if cycle := findCycle(def); len(cycle) > 0 {
		errs = append(errs, fmt.Errorf("graph contains a cycle: %s", strings.Join(cycle, " -> ")))
	}

	return errs
}

// Err is Check packaged as a single error for callers that gate on it.
func (v *Validator) Err(def *Definition) error {
	if errs := v.Check(def); len(errs) > 0 {
		return &ValidationError{Violations: errs}
	}
	return nil
}

// checkShape enforces the start/end/incoming/branch invariants.
func (v *Validator) checkShape(def *Definition) []error {
	var errs []error

	var starts, ends int
	for _, n := range def.Nodes {
		switch n.Type {
		case NodeStart:
			starts++
			if in := def.Incoming(n.ID); len(in) > 0 {
				errs = append(errs, fmt.Errorf("start node %s must have no incoming edges, has %d", n.ID, len(in)))
			}
		case NodeEnd:
			ends++
			if out := def.Outgoing(n.ID); len(out) > 0 {
				errs = append(errs, fmt.Errorf("end node %s must have no outgoing edges, has %d", n.ID, len(out)))
			}
		}
	}
	if starts != 1 {
		errs = append(errs, fmt.Errorf("workflow must have exactly one start node, has %d", starts))
	}
	if ends == 0 {
		errs = append(errs, fmt.Errorf("workflow must have at least one end node"))
	}

	for _, n := range def.Nodes {
		if n.Type == NodeStart {
			continue
		}
		if len(def.Incoming(n.ID)) == 0 {
			errs = append(errs, fmt.Errorf("node %s is unreachable: no incoming edges", n.ID))
		}
	}

	for _, n := range def.Nodes {
		if n.Type != NodeConditional {
			continue
		}
		out := def.Outgoing(n.ID)
		if len(out) != 2 {
			errs = append(errs, fmt.Errorf("conditional node %s must have exactly two outgoing edges, has %d", n.ID, len(out)))
			continue
		}
		handles := map[string]int{}
		for _, e := range out {
			handles[e.Handle]++
		}
		if handles[HandleTrue] != 1 || handles[HandleFalse] != 1 {
			errs = append(errs, fmt.Errorf("conditional node %s requires one edge tagged %q and one tagged %q", n.ID, HandleTrue, HandleFalse))
		}
	}

	// Handle tags are meaningless anywhere else.
	for _, e := range def.Edges {
		if e.Handle == "" {
			continue
		}
		src, ok := def.NodeByID(e.Source)
		if ok && src.Type != NodeConditional {
			errs = append(errs, fmt.Errorf("edge %s: handle %q only allowed on edges leaving a conditional node", e.ID, e.Handle))
		}
	}

	return errs
}

// checkNodeConfig enforces type-specific config completeness.
func (v *Validator) checkNodeConfig(n *Node) []error {
	var errs []error

	if !n.Type.Valid() {
		return []error{fmt.Errorf("node %s: unknown node type %q", n.ID, n.Type)}
	}

	switch n.Type {
	case NodeConditional:
		expression := n.ConfigString("expression")
		if expression == "" {
			errs = append(errs, fmt.Errorf("node %s: conditional node requires an expression", n.ID))
		} else if err := expr.Validate(expression); err != nil {
			errs = append(errs, fmt.Errorf("node %s: invalid expression: %w", n.ID, err))
		}

	case NodeLoop:
		iterations := n.ConfigInt("iterations")
		exitWhen := n.ConfigString("exit_when")
		if iterations <= 0 && exitWhen == "" {
			errs = append(errs, fmt.Errorf("node %s: loop node requires a positive iteration count or an exit condition", n.ID))
		}
		if exitWhen != "" {
			if err := expr.Validate(exitWhen); err != nil {
				errs = append(errs, fmt.Errorf("node %s: invalid exit condition: %w", n.ID, err))
			}
			if n.ConfigInt("max_iterations") <= 0 {
				errs = append(errs, fmt.Errorf("node %s: exit-condition loop requires a positive max_iterations ceiling", n.ID))
			}
		}
		if n.SubGraph == nil {
			errs = append(errs, fmt.Errorf("node %s: loop node requires a subgraph", n.ID))
		} else if subErrs := v.Check(n.SubGraph); len(subErrs) > 0 {
			for _, se := range subErrs {
				errs = append(errs, fmt.Errorf("node %s: subgraph: %w", n.ID, se))
			}
		}

	case NodeHTTPRequest:
		if n.ConfigString("url") == "" {
			errs = append(errs, fmt.Errorf("node %s: http_request node requires a url", n.ID))
		}
		if n.ConfigString("method") == "" {
			errs = append(errs, fmt.Errorf("node %s: http_request node requires a method", n.ID))
		}

	case NodeWebhook:
		if n.ConfigString("url") == "" {
			errs = append(errs, fmt.Errorf("node %s: webhook node requires a url", n.ID))
		}

	case NodeDBQuery:
		if n.ConfigString("query") == "" {
			errs = append(errs, fmt.Errorf("node %s: database_query node requires a query", n.ID))
		}

	case NodeEmailSend:
		if n.ConfigString("to") == "" {
			errs = append(errs, fmt.Errorf("node %s: email_send node requires a recipient", n.ID))
		}

	case NodeAITask:
		if n.ConfigString("prompt") == "" {
			errs = append(errs, fmt.Errorf("node %s: ai_task node requires a prompt", n.ID))
		}

	case NodeCustomCode:
		if n.ConfigString("code") == "" && n.ConfigString("handler") == "" {
			errs = append(errs, fmt.Errorf("node %s: custom_code node requires code or a handler name", n.ID))
		}

	case NodeDelay:
		if n.ConfigInt("duration_seconds") <= 0 {
			errs = append(errs, fmt.Errorf("node %s: delay node requires a positive duration_seconds", n.ID))
		}
	}

	if onErr := n.ConfigString("on_error"); onErr != "" && onErr != OnErrorFail && onErr != OnErrorContinue {
		errs = append(errs, fmt.Errorf("node %s: on_error must be %q or %q, got %q", n.ID, OnErrorFail, OnErrorContinue, onErr))
	}
	if n.Config != nil {
		if _, ok := n.Config["retries"]; ok && n.ConfigInt("retries") < 0 {
			errs = append(errs, fmt.Errorf("node %s: retries must not be negative", n.ID))
		}
	}

	return errs
}

// findCycle runs an iterative three-color DFS over the top-level graph and
// returns the node ids forming a cycle, or nil. Loop-node subgraphs are
// separate graphs and do not participate.
func findCycle(def *Definition) []string {
	adj := make(map[string][]string, len(def.Nodes))
	for _, e := range def.Edges {
		adj[e.Source] = append(adj[e.Source], e.Target)
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(def.Nodes))
	parent := make(map[string]string)

	var cycleFrom func(start string) []string
	cycleFrom = func(start string) []string {
		type frame struct {
			id   string
			next int
		}
		stack := []frame{{id: start}}
		color[start] = gray
		for len(stack) > 0 {
			f := &stack[len(stack)-1]
			if f.next < len(adj[f.id]) {
				child := adj[f.id][f.next]
				f.next++
				switch color[child] {
				case white:
					color[child] = gray
					parent[child] = f.id
					stack = append(stack, frame{id: child})
				case gray:
					// Walk parents back to child to report the cycle path.
					path := []string{child}
					for cur := f.id; cur != child; cur = parent[cur] {
						path = append(path, cur)
					}
					path = append(path, child)
					// Reverse into source order.
					for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
						path[i], path[j] = path[j], path[i]
					}
					return path
				}
				continue
			}
			color[f.id] = black
			stack = stack[:len(stack)-1]
		}
		return nil
	}

	for _, n := range def.Nodes {
		if color[n.ID] == white {
			if cycle := cycleFrom(n.ID); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}
