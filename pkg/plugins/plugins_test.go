package plugins

import (
	"bytes"
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/loom/pkg/engine"
)

// immediate is an After that fires at once.
func immediate(time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- time.Time{}
	return ch
}

// never is an After that never fires.
func never(time.Duration) <-chan time.Time {
	return nil
}

func withBroker(tc *engine.ThunkContext) (*engine.ThunkContext, *engine.PluginListener) {
	b, l := engine.NewBroker(64, zerolog.Nop())
	return tc.WithBroker(b), l
}

func TestRegister(t *testing.T) {
	ctx := context.Background()
	reg := engine.NewRegistry()

	closer, err := Register(ctx, reg, Options{Out: &bytes.Buffer{}})
	if err != nil {
		t.Fatalf("failed to register: %v", err)
	}
	defer func() { _ = closer(ctx) }()

	want := []string{"cron", "fail", "println", "starlark", "timer", "wasm", "watch", "yield"}
	if got := reg.Symbols(); !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
	for _, info := range reg.Describe() {
		if info.Description == "" {
			t.Errorf("expected a description for %s", info.Symbol)
		}
	}

	if _, err := Register(ctx, reg, Options{}); err == nil {
		t.Error("expected duplicate registration to fail")
	}
}

func TestOperationTable(t *testing.T) {
	w, err := engine.Load(&engine.CompiledGraph{
		Engines:    []engine.EngineSpec{{Name: "main", Events: []engine.EventSpec{{Name: "a", Plugin: "println"}}}},
		Operations: []engine.EventSpec{{Name: "ask", Plugin: "println"}, {Name: "fix", Plugin: "println"}},
	})
	if err != nil {
		t.Fatalf("failed to load graph: %v", err)
	}

	table := OperationTable(w)
	if len(table) != 2 {
		t.Fatalf("expected 2 operations, got %v", table)
	}
	ask, _ := w.Operation("ask")
	if table["ask"] != ask {
		t.Errorf("expected ask=%d, got %d", ask, table["ask"])
	}
}

func TestArgument(t *testing.T) {
	state := engine.NewAttributeGraph().Set("message", "from state").Push("message", "from stream")
	tc := engine.NewThunkContext(1, state).
		WithPrevious(engine.NewAttributeGraph().Set("fallback", "from previous"))

	if v, _ := argument(tc, "message"); v != "from state" {
		t.Errorf("expected state value without a current attribute, got %v", v)
	}
	if v, _ := argument(tc, "fallback"); v != "from previous" {
		t.Errorf("expected previous value, got %v", v)
	}
	if _, ok := argument(tc, "missing"); ok {
		t.Error("expected missing argument")
	}

	var seen []string
	probe := &engine.FuncPlugin{
		Name: "probe",
		Fn: func(_ context.Context, tc *engine.ThunkContext) (*engine.ThunkContext, error) {
			s, _ := stringArgument(tc, "message")
			seen = append(seen, s)
			return nil, nil
		},
	}
	if _, err := engine.Execute(context.Background(), probe, tc); err != nil {
		t.Fatalf("failed to execute: %v", err)
	}
	if len(seen) != 1 || seen[0] != "from stream" {
		t.Errorf("expected the stream attribute to win, got %v", seen)
	}
}

func TestInterpolate(t *testing.T) {
	tc := engine.NewThunkContext(1, engine.NewAttributeGraph().Set("name", "build").Set("runs", 3))

	tests := []struct {
		text string
		want string
	}{
		{text: "hello {name}", want: "hello build"},
		{text: "{name} ran {runs} times", want: "build ran 3 times"},
		{text: "{unknown} stays", want: "{unknown} stays"},
		{text: "no placeholders", want: "no placeholders"},
	}

	for _, tt := range tests {
		if got := interpolate(tc, tt.text); got != tt.want {
			t.Errorf("interpolate(%q): expected %q, got %q", tt.text, tt.want, got)
		}
	}
}
