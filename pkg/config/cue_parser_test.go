package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/openfroyo/loom/pkg/engine"
)

const pipelineCUE = `
package graphs

root: "build"

engines: [
	{
		name: "build"
		events: [
			{name: "compile", plugin: "println", attributes: {target: "linux"}},
			{name: "test", plugin: "println", stop_on_error: true, fixer: "retry"},
		]
		lifecycle: {kind: "next", targets: ["deploy"]}
	},
	{
		name: "deploy"
		events: [{name: "push", plugin: "timer", limit: 2}]
	},
]

operations: [
	{name: "retry", plugin: "println"},
]
`

func TestCUEParser_ParseInline(t *testing.T) {
	parser := NewCUEParser()
	ctx := context.Background()

	tests := []struct {
		name      string
		content   string
		wantErr   string
		checkFunc func(*testing.T, *engine.CompiledGraph)
	}{
		{
			name:    "valid pipeline",
			content: pipelineCUE,
			checkFunc: func(t *testing.T, g *engine.CompiledGraph) {
				if g.Root != "build" {
					t.Errorf("expected root build, got %s", g.Root)
				}
				if len(g.Engines) != 2 || len(g.Operations) != 1 {
					t.Fatalf("expected 2 engines and 1 operation, got %d/%d", len(g.Engines), len(g.Operations))
				}
				test := g.Engines[0].Events[1]
				if !test.StopOnError || test.Fixer != "retry" {
					t.Errorf("expected test to stop on error with fixer retry, got %+v", test)
				}
				if g.Engines[0].Events[0].Attributes["target"] != "linux" {
					t.Errorf("expected target attribute, got %v", g.Engines[0].Events[0].Attributes)
				}
				if g.Engines[0].Lifecycle.Kind != "next" || g.Engines[0].Lifecycle.Targets[0] != "deploy" {
					t.Errorf("unexpected lifecycle %+v", g.Engines[0].Lifecycle)
				}
			},
		},
		{
			name: "graph nested under graph field",
			content: `
graph: engines: [{name: "main", events: [{name: "hello", plugin: "println"}]}]
`,
			checkFunc: func(t *testing.T, g *engine.CompiledGraph) {
				if len(g.Engines) != 1 || g.Engines[0].Events[0].Name != "hello" {
					t.Errorf("unexpected graph %+v", g)
				}
			},
		},
		{
			name:    "invalid CUE syntax",
			content: `engines: [`,
			wantErr: "",
		},
		{
			name: "transition outside schema",
			content: `
engines: [{name: "main", events: [{name: "a", plugin: "println", transition: "sometimes"}]}]
`,
			wantErr: "transition",
		},
		{
			name: "unknown field is closed out",
			content: `
engines: [{name: "main", events: [{name: "a", plugin: "println", colour: "red"}]}]
`,
			wantErr: "colour",
		},
		{
			name:    "engines must not be empty",
			content: `engines: []`,
			wantErr: "engines",
		},
		{
			name: "fixer must name an operation",
			content: `
engines: [{name: "main", events: [{name: "a", plugin: "println", fixer: "nope"}]}]
`,
			wantErr: "fixer",
		},
		{
			name: "lifecycle target must exist",
			content: `
engines: [{name: "main", events: [{name: "a", plugin: "println"}], lifecycle: {kind: "fork", targets: ["ghost"]}}]
`,
			wantErr: "ghost",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parsed, err := parser.ParseInline(ctx, tt.content)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if tt.checkFunc != nil {
				if len(parsed.Errors) > 0 {
					t.Fatalf("unexpected validation errors: %v", parsed.Err())
				}
				tt.checkFunc(t, parsed.Graph)
				return
			}

			if len(parsed.Errors) == 0 {
				t.Fatal("expected validation errors")
			}
			if parsed.Graph != nil {
				t.Error("expected no graph when errors are reported")
			}
			if tt.wantErr != "" && !strings.Contains(parsed.Err().Error(), tt.wantErr) {
				t.Errorf("expected error mentioning %q, got %v", tt.wantErr, parsed.Err())
			}
		})
	}
}

func TestCUEParser_ParseFiles(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "base.cue")
	overlay := filepath.Join(dir, "overlay.cue")

	if err := os.WriteFile(base, []byte(`engines: [{name: "main", events: [{name: "a", plugin: "println"}]}]`), 0o644); err != nil {
		t.Fatalf("failed to write base: %v", err)
	}
	if err := os.WriteFile(overlay, []byte(`root: "main"`), 0o644); err != nil {
		t.Fatalf("failed to write overlay: %v", err)
	}

	parser := NewCUEParser()
	parsed, err := parser.Parse(context.Background(), []string{base, overlay})
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if err := parsed.Err(); err != nil {
		t.Fatalf("unexpected errors: %v", err)
	}
	if parsed.Graph.Root != "main" {
		t.Errorf("expected files to unify, root=%q", parsed.Graph.Root)
	}
	if len(parsed.SourceFiles) != 2 || parsed.Format != FormatCUE {
		t.Errorf("unexpected sources %v format %s", parsed.SourceFiles, parsed.Format)
	}

	if _, err := parser.Parse(context.Background(), []string{filepath.Join(dir, "missing.cue")}); err == nil {
		t.Error("expected error for missing source")
	}
	if _, err := parser.Parse(context.Background(), nil); err == nil {
		t.Error("expected error for no sources")
	}
}

func TestCUEParser_ConflictingFiles(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.cue")
	b := filepath.Join(dir, "b.cue")
	_ = os.WriteFile(a, []byte(`root: "one"`), 0o644)
	_ = os.WriteFile(b, []byte(`root: "two"`), 0o644)

	parsed, err := NewCUEParser().Parse(context.Background(), []string{a, b})
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if len(parsed.Errors) == 0 {
		t.Fatal("expected a conflict error")
	}
	positioned := false
	for _, e := range parsed.Errors {
		if e.File != "" && e.Line > 0 {
			positioned = true
		}
	}
	if !positioned {
		t.Errorf("expected errors to carry a position, got %+v", parsed.Errors)
	}
}

func TestCUEParser_ExportJSON(t *testing.T) {
	out, err := NewCUEParser().ExportJSON(`a: 1, b: "x"`)
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}
	if !strings.Contains(string(out), `"b": "x"`) {
		t.Errorf("unexpected JSON: %s", out)
	}
}

func TestSchemaRegistry(t *testing.T) {
	parser := NewCUEParser()
	reg := parser.GetSchemaRegistry()

	if names := reg.ListSchemas(); len(names) != 1 || names[0] != SchemaGraph {
		t.Errorf("expected built-in graph schema, got %v", names)
	}

	good := map[string]interface{}{
		"engines": []interface{}{
			map[string]interface{}{
				"name":   "main",
				"events": []interface{}{map[string]interface{}{"name": "a", "plugin": "println"}},
			},
		},
	}
	if err := reg.ValidateAgainstSchema(context.Background(), SchemaGraph, good); err != nil {
		t.Errorf("expected valid graph, got %v", err)
	}

	bad := map[string]interface{}{"engines": []interface{}{map[string]interface{}{"name": "main"}}}
	if err := reg.ValidateAgainstSchema(context.Background(), SchemaGraph, bad); err == nil {
		t.Error("expected engine without events to fail")
	}

	if err := reg.ValidateAgainstSchema(context.Background(), "nope", good); err == nil {
		t.Error("expected unknown schema to fail")
	}

	if err := reg.RegisterSchema("broken", "a: {"); err == nil {
		t.Error("expected broken schema to fail to compile")
	}
}
