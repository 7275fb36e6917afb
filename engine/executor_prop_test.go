package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/relaypoint/flowengine/graph"
)

func chainOf(length int) *graph.Definition {
	def := graph.NewDefinition("wf-chain", "Chain")
	def.AddNode(graph.Node{ID: "start", Type: graph.NodeStart})
	prev := "start"
	for i := 1; i <= length; i++ {
		id := fmt.Sprintf("w%d", i)
		def.AddNode(graph.Node{ID: id, Type: graph.NodeCustomCode,
			Config:  map[string]any{"handler": id},
			Outputs: map[string]string{"mark": "mark_" + id}})
		def.AddEdge(graph.Edge{ID: "e-" + id, Source: prev, Target: id})
		prev = id
	}
	def.AddNode(graph.Node{ID: "end", Type: graph.NodeEnd})
	def.AddEdge(graph.Edge{ID: "e-end", Source: prev, Target: "end"})
	return def
}

func fanOutOf(width int) *graph.Definition {
	def := graph.NewDefinition("wf-fan", "Fan")
	def.AddNode(graph.Node{ID: "start", Type: graph.NodeStart})
	def.AddNode(graph.Node{ID: "end", Type: graph.NodeEnd})
	for i := 1; i <= width; i++ {
		id := fmt.Sprintf("w%d", i)
		def.AddNode(graph.Node{ID: id, Type: graph.NodeCustomCode,
			Config:  map[string]any{"handler": id},
			Outputs: map[string]string{"mark": "mark_" + id}})
		def.AddEdge(graph.Edge{ID: "in-" + id, Source: "start", Target: id})
		def.AddEdge(graph.Edge{ID: "out-" + id, Source: id, Target: "end"})
	}
	return def
}

// Every acyclic chain or fan-out of delegated nodes must complete with
// every node terminal and every declared output present in the context,
// regardless of shape, size, or concurrency cap.
func TestRunTerminationProperties(t *testing.T) {
	t.Parallel()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 40

	properties := gopter.NewProperties(parameters)

	runDef := func(def *graph.Definition, concurrency int) (*Run, error) {
		cfg := fastConfig()
		cfg.Concurrency = concurrency
		eng := New(Options{Config: cfg})
		if err := eng.Registry().RegisterFunc(graph.NodeCustomCode,
			func(_ context.Context, config, vars map[string]any) (map[string]any, error) {
				return map[string]any{"mark": config["handler"]}, nil
			}); err != nil {
			return nil, err
		}
		rn, err := eng.StartRun(context.Background(), def, nil)
		if err != nil {
			return nil, err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := rn.Wait(ctx); err != nil {
			return nil, err
		}
		return rn, nil
	}

	allOutputsPresent := func(rn *Run, count int) bool {
		vars := rn.Variables()
		for i := 1; i <= count; i++ {
			id := fmt.Sprintf("w%d", i)
			if vars["mark_"+id] != id {
				return false
			}
		}
		return true
	}

	properties.Property("chains complete with full context", prop.ForAll(
		func(length, concurrency int) bool {
			rn, err := runDef(chainOf(length), concurrency)
			if err != nil {
				return false
			}
			if rn.State() != RunCompleted || rn.Progress() != 1.0 {
				return false
			}
			return allOutputsPresent(rn, length)
		},
		gen.IntRange(1, 15),
		gen.IntRange(1, 8),
	))

	properties.Property("fan-outs complete with full context", prop.ForAll(
		func(width, concurrency int) bool {
			rn, err := runDef(fanOutOf(width), concurrency)
			if err != nil {
				return false
			}
			if rn.State() != RunCompleted {
				return false
			}
			for _, st := range rn.NodeStatuses() {
				if st.State != NodeCompleted {
					return false
				}
			}
			return allOutputsPresent(rn, width)
		},
		gen.IntRange(1, 12),
		gen.IntRange(1, 4),
	))

	properties.TestingRun(t)
}
