// Package config loads compiled workflow graphs and the runtime configuration of loom.
//
// # Graph documents
//
// A graph document describes engines, their events and the operations that may be
// used as fixers. Four formats are accepted and all decode into an
// engine.CompiledGraph:
//
//   - CUE files or directories, unified and checked against the built-in #Graph schema
//   - YAML and JSON, decoded strictly so unknown fields are rejected
//   - Starlark scripts that assign the document to a global named graph
//
// Loader picks the format from the path:
//
//	loader := config.NewLoader(30 * time.Second)
//	graph, err := loader.Load(ctx, "pipeline.cue")
//	if err != nil {
//	    return err
//	}
//
// A minimal CUE document:
//
//	root: "build"
//	engines: [{
//	    name: "build"
//	    events: [
//	        {name: "compile", plugin: "println"},
//	        {name: "test", plugin: "println", stop_on_error: true, fixer: "retry"},
//	    ]
//	    lifecycle: {kind: "repeat", count: 2}
//	}]
//	operations: [{name: "retry", plugin: "println"}]
//
// Parse reports problems as ValidationError values carrying file and line where the
// source format provides them. Load folds them into a single error.
//
// # Starlark
//
// Scripts run without filesystem or network access under a timeout. print output is
// captured in StarlarkResult.Printed rather than written to stdout.
//
// # Runtime configuration
//
// LoadConfig reads loom.yaml over DefaultConfig and applies LOOM_* environment
// overrides. Watcher reports edits to graph documents and policy files with a debounce.
package config
