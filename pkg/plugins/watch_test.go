package plugins

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/loom/pkg/engine"
)

type callResult struct {
	tc  *engine.ThunkContext
	err error
}

// callAfterStatus runs p, waits for its first status update, then calls trigger.
func callAfterStatus(t *testing.T, p engine.Plugin, state *engine.AttributeGraph, trigger func()) callResult {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tc, listener := withBroker(engine.NewThunkContext(1, state))
	done := make(chan callResult, 1)
	go func() {
		res, err := p.Call(ctx, tc)
		done <- callResult{tc: res, err: err}
	}()

	if _, err := listener.NextStatus(ctx); err != nil {
		t.Fatalf("failed to wait for status: %v", err)
	}
	trigger()

	select {
	case res := <-done:
		return res
	case <-ctx.Done():
		t.Fatal("timed out waiting for plugin")
		return callResult{}
	}
}

func TestWatch_File(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "trigger")
	state := engine.NewAttributeGraph().Set("watch", target).Set("event", "create")

	res := callAfterStatus(t, NewWatch(zerolog.Nop()), state, func() {
		if err := os.WriteFile(filepath.Join(dir, "other"), []byte("x"), 0o644); err != nil {
			t.Fatalf("failed to write file: %v", err)
		}
		if err := os.WriteFile(target, []byte("go"), 0o644); err != nil {
			t.Fatalf("failed to write file: %v", err)
		}
	})
	if res.err != nil {
		t.Fatalf("watch failed: %v", res.err)
	}

	if path, _ := res.tc.State().FindString("path"); path != target {
		t.Errorf("expected path %s, got %s", target, path)
	}
	if event, _ := res.tc.State().FindString("event"); event != "create" {
		t.Errorf("expected create event, got %s", event)
	}
}

func TestWatch_Directory(t *testing.T) {
	dir := t.TempDir()
	state := engine.NewAttributeGraph().Set("watch", dir)

	res := callAfterStatus(t, NewWatch(zerolog.Nop()), state, func() {
		if err := os.WriteFile(filepath.Join(dir, "new.txt"), []byte("x"), 0o644); err != nil {
			t.Fatalf("failed to write file: %v", err)
		}
	})
	if res.err != nil {
		t.Fatalf("watch failed: %v", res.err)
	}
	if path, _ := res.tc.State().FindString("path"); filepath.Base(path) != "new.txt" {
		t.Errorf("expected new.txt, got %s", path)
	}
}

func TestWatch_Errors(t *testing.T) {
	w := NewWatch(zerolog.Nop())
	dir := t.TempDir()

	tests := []struct {
		name  string
		state *engine.AttributeGraph
	}{
		{name: "no path", state: engine.NewAttributeGraph()},
		{name: "unknown event", state: engine.NewAttributeGraph().Set("watch", dir).Set("event", "touch")},
		{name: "missing directory", state: engine.NewAttributeGraph().Set("watch", filepath.Join(dir, "a", "b"))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := w.Call(context.Background(), engine.NewThunkContext(1, tt.state)); err == nil {
				t.Error("expected error")
			}
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	tc := engine.NewThunkContext(1, engine.NewAttributeGraph().Set("watch", dir))
	if _, err := w.Call(ctx, tc); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
