package graph

import (
	"fmt"
	"strings"
	"testing"

	"pgregory.net/rapid"
)

// chainDefinition builds start -> w1 -> ... -> wN -> end.
func chainDefinition(length int) *Definition {
	def := NewDefinition("wf-chain", "Chain")
	def.AddNode(Node{ID: "start", Type: NodeStart})
	prev := "start"
	for i := 1; i <= length; i++ {
		id := fmt.Sprintf("w%d", i)
		def.AddNode(Node{ID: id, Type: NodeCustomCode,
			Config: map[string]any{"code": "noop"}})
		def.AddEdge(Edge{ID: "e-" + prev + "-" + id, Source: prev, Target: id})
		prev = id
	}
	def.AddNode(Node{ID: "end", Type: NodeEnd})
	def.AddEdge(Edge{ID: "e-" + prev + "-end", Source: prev, Target: "end"})
	return def
}

func TestChainsAlwaysValidate(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		length := rapid.IntRange(0, 12).Draw(t, "length")
		def := chainDefinition(length)
		if errs := NewValidator().Check(def); len(errs) > 0 {
			t.Fatalf("chain of %d should validate, got %v", length, errs)
		}
	})
}

func TestRemovingAnyEdgeBreaksAChain(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		length := rapid.IntRange(1, 12).Draw(t, "length")
		def := chainDefinition(length)
		victim := rapid.SampledFrom(def.Edges).Draw(t, "edge")
		def.RemoveEdge(victim.ID)
		if errs := NewValidator().Check(def); len(errs) == 0 {
			t.Fatalf("removing edge %s should orphan its target", victim.ID)
		}
	})
}

func TestAnyBackEdgeCreatesACycle(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		length := rapid.IntRange(2, 10).Draw(t, "length")
		def := chainDefinition(length)
		from := rapid.IntRange(2, length).Draw(t, "from")
		to := rapid.IntRange(1, from-1).Draw(t, "to")
		def.AddEdge(Edge{
			ID:     "back",
			Source: fmt.Sprintf("w%d", from),
			Target: fmt.Sprintf("w%d", to),
		})

		var found bool
		for _, err := range NewValidator().Check(def) {
			if strings.Contains(err.Error(), "cycle") {
				found = true
			}
		}
		if !found {
			t.Fatalf("back edge w%d->w%d should be detected as a cycle", from, to)
		}
	})
}
