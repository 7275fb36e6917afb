// Package flowengine provides a top-level convenience entry point for
// running workflow definitions with minimal boilerplate.
//
// Usage:
//
//	import "github.com/relaypoint/flowengine"
//
//	def, err := flowengine.Load("deploy.yaml")
//	eng := flowengine.New(flowengine.Options{})
//	run, err := eng.StartRun(ctx, def, map[string]any{"env": "staging"})
//
// This is a thin wrapper around [engine.New] and [graph.LoadFile]; both
// produce identical results. Use this package when you prefer the shorter
// import path.
package flowengine

import (
	"github.com/relaypoint/flowengine/engine"
	"github.com/relaypoint/flowengine/graph"
)

// Options configures the engine created by [New].
type Options = engine.Options

// New creates an [engine.Engine] with the given collaborators. Zero-value
// options produce a working engine with in-process defaults.
func New(opts Options) *engine.Engine {
	return engine.New(opts)
}

// Load reads a workflow definition from a .json, .yaml, or .yml file.
// The definition is not validated here; StartRun validates on submission.
func Load(path string) (*graph.Definition, error) {
	return graph.LoadFile(path)
}

// Validate returns every violation in the definition.
func Validate(def *graph.Definition) []error {
	return graph.NewValidator().Check(def)
}

// NewDefinition creates an empty version-1 definition for programmatic
// graph construction.
var NewDefinition = graph.NewDefinition
