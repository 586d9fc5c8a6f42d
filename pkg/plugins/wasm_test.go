package plugins

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/openfroyo/loom/pkg/engine"
)

// noopModule exports a _start that returns without output.
var noopModule = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	0x01, 0x04, 0x01, 0x60, 0x00, 0x00,
	0x03, 0x02, 0x01, 0x00,
	0x07, 0x0a, 0x01, 0x06, '_', 's', 't', 'a', 'r', 't', 0x00, 0x00,
	0x0a, 0x04, 0x01, 0x02, 0x00, 0x0b,
}

// procExitModule exports a _start that calls proc_exit with code.
func procExitModule(code byte) []byte {
	module := []byte{
		0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
		0x01, 0x08, 0x02, 0x60, 0x01, 0x7f, 0x00, 0x60, 0x00, 0x00,
		0x02, 0x24, 0x01, 0x16,
	}
	module = append(module, "wasi_snapshot_preview1"...)
	module = append(module, 0x09)
	module = append(module, "proc_exit"...)
	module = append(module,
		0x00, 0x00,
		0x03, 0x02, 0x01, 0x01,
		0x07, 0x0a, 0x01, 0x06, '_', 's', 't', 'a', 'r', 't', 0x00, 0x01,
		0x0a, 0x08, 0x01, 0x06, 0x00, 0x41, code, 0x10, 0x00, 0x0b,
	)
	return module
}

func newTestWasm(t *testing.T, dir string) *Wasm {
	t.Helper()
	w, err := NewWasm(context.Background(), WasmConfig{Dir: dir}, zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to create wasm plugin: %v", err)
	}
	t.Cleanup(func() { _ = w.Close(context.Background()) })
	return w
}

func writeModule(t *testing.T, dir, name string, code []byte) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), code, 0o644); err != nil {
		t.Fatalf("failed to write module: %v", err)
	}
}

func TestWasm_RunsModule(t *testing.T) {
	dir := t.TempDir()
	writeModule(t, dir, "noop.wasm", noopModule)
	writeModule(t, dir, "exit0.wasm", procExitModule(0))
	w := newTestWasm(t, dir)

	for _, name := range []string{"noop.wasm", "exit0.wasm"} {
		t.Run(name, func(t *testing.T) {
			tc := engine.NewThunkContext(1, engine.NewAttributeGraph().Set("wasm", name).Set("n", 1))
			res, err := w.Call(context.Background(), tc)
			if err != nil {
				t.Fatalf("module failed: %v", err)
			}
			if res != nil {
				t.Errorf("expected no state change without output, got %v", res.State().Values())
			}
		})
	}

	if len(w.compiled) != 2 {
		t.Errorf("expected 2 compiled modules, got %d", len(w.compiled))
	}
}

func TestWasm_Errors(t *testing.T) {
	dir := t.TempDir()
	writeModule(t, dir, "exit3.wasm", procExitModule(3))
	writeModule(t, dir, "garbage.wasm", []byte("not wasm"))
	w := newTestWasm(t, dir)

	tests := []struct {
		name  string
		state *engine.AttributeGraph
	}{
		{name: "no module", state: engine.NewAttributeGraph()},
		{name: "missing file", state: engine.NewAttributeGraph().Set("wasm", "missing.wasm")},
		{name: "invalid module", state: engine.NewAttributeGraph().Set("wasm", "garbage.wasm")},
		{name: "non-zero exit", state: engine.NewAttributeGraph().Set("wasm", "exit3.wasm")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := w.Call(context.Background(), engine.NewThunkContext(1, tt.state)); err == nil {
				t.Error("expected error")
			}
		})
	}
}
