package plugins

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/openfroyo/loom/pkg/engine"
)

func TestYield_MergesOperationResult(t *testing.T) {
	var mu sync.Mutex
	var seen *engine.AttributeGraph

	answer := &engine.FuncPlugin{
		Name: "answer",
		Fn: func(_ context.Context, tc *engine.ThunkContext) (*engine.ThunkContext, error) {
			question, _ := tc.SearchString("question")
			out := tc.Clone()
			out.State().Set("answer", question+": 42")
			return out, nil
		},
	}
	record := &engine.FuncPlugin{
		Name: "record",
		Fn: func(_ context.Context, tc *engine.ThunkContext) (*engine.ThunkContext, error) {
			mu.Lock()
			seen = tc.Previous().Clone()
			mu.Unlock()
			return nil, nil
		},
	}

	w, err := engine.Load(&engine.CompiledGraph{
		Engines: []engine.EngineSpec{{
			Name: "main",
			Events: []engine.EventSpec{
				{Name: "ask", Plugin: "yield", Attributes: map[string]interface{}{"yield": "oracle", "question": "meaning"}},
				{Name: "check", Plugin: "record"},
			},
		}},
		Operations: []engine.EventSpec{{Name: "oracle", Plugin: "answer"}},
	})
	if err != nil {
		t.Fatalf("failed to load graph: %v", err)
	}

	registry := engine.NewRegistry()
	registry.MustRegister(NewYield(OperationTable(w)), answer, record)

	s := engine.NewScheduler(w, registry)
	if err := s.Start(); err != nil {
		t.Fatalf("failed to start: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Run(ctx); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if seen == nil {
		t.Fatal("expected check to run")
	}
	if got, _ := seen.FindString("answer"); got != "meaning: 42" {
		t.Errorf("expected merged answer, got %v", seen.Values())
	}

	oracle, _ := w.Operation("oracle")
	if st, _ := s.Status(oracle); st != engine.StatusCompleted {
		t.Errorf("expected oracle resumed to completed, got %s", st)
	}
}

func TestYield_Errors(t *testing.T) {
	y := NewYield(map[string]engine.NodeID{"oracle": 9})

	if _, err := y.Call(context.Background(), engine.NewThunkContext(1, nil)); err == nil {
		t.Error("expected error without a yield attribute")
	}

	unknown := engine.NewThunkContext(1, engine.NewAttributeGraph().Set("yield", "sphinx"))
	if _, err := y.Call(context.Background(), unknown); err == nil {
		t.Error("expected error for an unknown operation")
	}

	detached := engine.NewThunkContext(1, engine.NewAttributeGraph().Set("yield", "oracle"))
	if _, err := y.Call(context.Background(), detached); err == nil {
		t.Error("expected error without a broker")
	}
}
