package engine

import (
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"
)

func pipelineGraph() *CompiledGraph {
	return &CompiledGraph{
		Root: "build",
		Engines: []EngineSpec{
			{
				Name: "build",
				Events: []EventSpec{
					{Name: "compile", Plugin: "println"},
					{Name: "test", Plugin: "println", StopOnError: true, Fixer: "retry"},
				},
				Lifecycle: LifecycleSpec{Kind: "fork", Targets: []string{"deploy", "notify"}},
			},
			{
				Name:      "deploy",
				Events:    []EventSpec{{Name: "push", Plugin: "timer"}},
				Lifecycle: LifecycleSpec{Kind: "repeat", Count: 1},
			},
			{
				Name:   "notify",
				Events: []EventSpec{{Name: "send", Plugin: "println"}},
			},
		},
		Operations: []EventSpec{{Name: "retry", Plugin: "println"}},
	}
}

func TestLoad_Wiring(t *testing.T) {
	w, err := Load(pipelineGraph())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	build, _ := w.Engine("build")
	deploy, _ := w.Engine("deploy")
	notify, _ := w.Engine("notify")
	if w.Root() != build {
		t.Errorf("Expected build as root, got %d", w.Root())
	}

	test := nodeByName(t, w, "build", "test")
	if test.Cursor == nil || test.Cursor.Kind != CursorFork {
		t.Fatalf("Expected fork cursor on the last event, got %v", test.Cursor)
	}
	if len(test.Cursor.Targets) != 2 || test.Cursor.Targets[0] != deploy || test.Cursor.Targets[1] != notify {
		t.Errorf("Unexpected cursor targets %v", test.Cursor.Targets)
	}
	if !test.StopOnError {
		t.Error("Expected stop_on_error carried over")
	}
	retry, _ := w.Operation("retry")
	if test.Fixer != retry {
		t.Errorf("Expected fixer %d, got %d", retry, test.Fixer)
	}

	if c, ok := w.nodes[deploy].Sequence.Cursor(); !ok || c != deploy {
		t.Error("Expected repeat lifecycle to set a self cursor")
	}
	conn := w.nodes[notify].Connection
	if conn == nil || !conn.HasIncoming(test.ID) {
		t.Fatal("Expected notify connection from the build sequence")
	}
	send := nodeByName(t, w, "notify", "send")
	if conn.To() != send.ID {
		t.Errorf("Expected connection to the first notify event, got %d", conn.To())
	}
	if w.nodes[deploy].Lifecycle.Remaining != 1 {
		t.Errorf("Expected repeat count 1, got %d", w.nodes[deploy].Lifecycle.Remaining)
	}
}

func TestLoad_AttributesAndStream(t *testing.T) {
	w, err := Load(&CompiledGraph{
		Engines: []EngineSpec{{
			Name: "main",
			Events: []EventSpec{{
				Name:       "say",
				Plugin:     "println",
				Transition: "buffer",
				Limit:      3,
				Attributes: map[string]interface{}{"prefix": ">", "count": 2},
				Stream:     []AttributeSpec{{Name: "line", Value: "a"}, {Name: "line", Value: "b"}},
			}},
		}},
	})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	n := nodeByName(t, w, "main", "say")
	if n.Transition != TransitionBuffer || n.Limit != 3 {
		t.Errorf("Unexpected transition %s or limit %d", n.Transition, n.Limit)
	}
	if v, _ := n.Attributes.FindInt("count"); v != 2 {
		t.Errorf("Expected count 2, got %d", v)
	}
	if len(n.Attributes.Pending()) != 2 {
		t.Errorf("Expected 2 stream entries, got %d", len(n.Attributes.Pending()))
	}
}

func TestCompiledGraph_Validate(t *testing.T) {
	one := []EventSpec{{Name: "a", Plugin: "println"}}

	tests := []struct {
		name    string
		graph   *CompiledGraph
		wantErr string
	}{
		{
			name:    "nil graph",
			graph:   nil,
			wantErr: "graph is nil",
		},
		{
			name:    "no engines",
			graph:   &CompiledGraph{},
			wantErr: "invalid graph",
		},
		{
			name:    "engine without events",
			graph:   &CompiledGraph{Engines: []EngineSpec{{Name: "main"}}},
			wantErr: "invalid graph",
		},
		{
			name: "bad transition",
			graph: &CompiledGraph{Engines: []EngineSpec{{
				Name:   "main",
				Events: []EventSpec{{Name: "a", Plugin: "println", Transition: "teleport"}},
			}}},
			wantErr: "invalid graph",
		},
		{
			name: "duplicate engine",
			graph: &CompiledGraph{Engines: []EngineSpec{
				{Name: "main", Events: one},
				{Name: "main", Events: one},
			}},
			wantErr: "duplicate engine",
		},
		{
			name:    "unknown root",
			graph:   &CompiledGraph{Root: "other", Engines: []EngineSpec{{Name: "main", Events: one}}},
			wantErr: "root engine",
		},
		{
			name: "unknown lifecycle target",
			graph: &CompiledGraph{Engines: []EngineSpec{{
				Name:      "main",
				Events:    one,
				Lifecycle: LifecycleSpec{Kind: "next", Targets: []string{"ghost"}},
			}}},
			wantErr: "lifecycle target",
		},
		{
			name: "next with two targets",
			graph: &CompiledGraph{Engines: []EngineSpec{
				{Name: "main", Events: one, Lifecycle: LifecycleSpec{Kind: "next", Targets: []string{"a", "b"}}},
				{Name: "a", Events: one},
				{Name: "b", Events: one},
			}},
			wantErr: "exactly one target",
		},
		{
			name: "cursor on non-last event",
			graph: &CompiledGraph{Engines: []EngineSpec{
				{Name: "main", Events: []EventSpec{
					{Name: "a", Plugin: "println", Cursor: &CursorSpec{Kind: "next", Targets: []string{"other"}}},
					{Name: "b", Plugin: "println"},
				}},
				{Name: "other", Events: one},
			}},
			wantErr: "only the last event",
		},
		{
			name: "cursor conflicts with lifecycle",
			graph: &CompiledGraph{Engines: []EngineSpec{
				{
					Name:      "main",
					Events:    []EventSpec{{Name: "a", Plugin: "println", Cursor: &CursorSpec{Kind: "next", Targets: []string{"other"}}}},
					Lifecycle: LifecycleSpec{Kind: "next", Targets: []string{"other"}},
				},
				{Name: "other", Events: one},
			}},
			wantErr: "conflicts",
		},
		{
			name: "fixer is not an operation",
			graph: &CompiledGraph{Engines: []EngineSpec{{
				Name:   "main",
				Events: []EventSpec{{Name: "a", Plugin: "println", Fixer: "nobody"}},
			}}},
			wantErr: "fixer",
		},
		{
			name:  "valid pipeline",
			graph: pipelineGraph(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.graph.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Expected no error, got %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Expected error containing %q, got nil", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestLoad_CursorWiresEngines(t *testing.T) {
	w, err := Load(&CompiledGraph{
		Engines: []EngineSpec{
			{Name: "main", Events: []EventSpec{{
				Name:   "a",
				Plugin: "println",
				Cursor: &CursorSpec{Kind: "next", Targets: []string{"after"}},
			}}},
			{Name: "after", Events: []EventSpec{{Name: "b", Plugin: "println"}}},
		},
	})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	after, _ := w.Engine("after")
	a := nodeByName(t, w, "main", "a")
	if a.Cursor == nil || a.Cursor.Kind != CursorNext || a.Cursor.Targets[0] != after {
		t.Errorf("Expected next cursor to after, got %v", a.Cursor)
	}

	topo := BuildTopology(w)
	if got := topo.Successors(w.Root()); len(got) != 1 || got[0] != after {
		t.Errorf("Expected main to start after, got %v", got)
	}
	if len(topo.Unreachable()) != 0 {
		t.Errorf("Expected every engine reachable, got %v", topo.Unreachable())
	}
}

func TestTopology_LevelsAndCycles(t *testing.T) {
	w, err := Load(&CompiledGraph{
		Engines: []EngineSpec{
			{Name: "a", Events: []EventSpec{{Name: "x", Plugin: "p"}}, Lifecycle: LifecycleSpec{Kind: "next", Targets: []string{"b"}}},
			{Name: "b", Events: []EventSpec{{Name: "y", Plugin: "p"}}, Lifecycle: LifecycleSpec{Kind: "next", Targets: []string{"a"}}},
			{Name: "lonely", Events: []EventSpec{{Name: "z", Plugin: "p"}}},
		},
	})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	topo := BuildTopology(w)

	if levels := topo.Levels(); len(levels) != 2 {
		t.Errorf("Expected 2 levels, got %v", levels)
	}
	lonely, _ := w.Engine("lonely")
	if got := topo.Unreachable(); len(got) != 1 || got[0] != lonely {
		t.Errorf("Expected lonely unreachable, got %v", got)
	}
	cycles := topo.Cycles()
	if len(cycles) != 1 {
		t.Fatalf("Expected 1 cycle, got %v", cycles)
	}
	if got := topo.FormatCycle(cycles[0]); got != "a -> b -> a" {
		t.Errorf("Expected a -> b -> a, got %s", got)
	}
}

func TestToDOT_Golden(t *testing.T) {
	w, err := Load(pipelineGraph())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	g := goldie.New(t, goldie.WithFixtureDir("testdata"), goldie.WithNameSuffix(".golden"))
	g.Assert(t, "pipeline", []byte(ToDOT(w)))
}
