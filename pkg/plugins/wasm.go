package plugins

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"

	"github.com/openfroyo/loom/pkg/engine"
)

// WasmConfig configures the wasm runtime.
type WasmConfig struct {
	// Dir resolves relative module paths. Empty means the working directory.
	Dir string `yaml:"dir"`

	// Timeout bounds a single module run.
	Timeout time.Duration `yaml:"timeout"`

	// MemoryLimitPages is the maximum memory in 64KB pages. Default is 256 pages (16MB).
	MemoryLimitPages uint32 `yaml:"memory_limit_pages"`
}

// Wasm runs WASI command modules. The module reads the node's state as a JSON object
// on stdin; a JSON object written to stdout is merged back into the state.
type Wasm struct {
	cfg     WasmConfig
	logger  zerolog.Logger
	runtime wazero.Runtime

	mu       sync.Mutex
	compiled map[string]wazero.CompiledModule
}

// NewWasm creates the wasm plugin and its runtime.
func NewWasm(ctx context.Context, cfg WasmConfig, logger zerolog.Logger) (*Wasm, error) {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MemoryLimitPages == 0 {
		cfg.MemoryLimitPages = 256
	}

	runtimeConfig := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(cfg.MemoryLimitPages).
		WithCloseOnContextDone(true)
	runtime := wazero.NewRuntimeWithConfig(ctx, runtimeConfig)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, runtime); err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}

	return &Wasm{
		cfg:      cfg,
		logger:   logger.With().Str("component", "wasm-plugin").Logger(),
		runtime:  runtime,
		compiled: make(map[string]wazero.CompiledModule),
	}, nil
}

func (w *Wasm) Symbol() string { return "wasm" }

func (w *Wasm) Description() string {
	return "Runs the WASI module named by the wasm attribute over the state as JSON"
}

func (w *Wasm) Caveats() string {
	return "Modules get no file system or network access"
}

func (w *Wasm) Call(ctx context.Context, tc *engine.ThunkContext) (*engine.ThunkContext, error) {
	path, ok := stringArgument(tc, "wasm")
	if !ok || path == "" {
		return nil, fmt.Errorf("wasm: no wasm attribute")
	}
	module, err := w.compile(ctx, path)
	if err != nil {
		return nil, err
	}

	input, err := json.Marshal(tc.State().Values())
	if err != nil {
		return nil, fmt.Errorf("wasm: failed to encode state: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, w.cfg.Timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	moduleConfig := wazero.NewModuleConfig().
		WithName("").
		WithArgs(filepath.Base(path)).
		WithStdin(bytes.NewReader(input)).
		WithStdout(&stdout).
		WithStderr(&stderr)

	instance, err := w.runtime.InstantiateModule(runCtx, module, moduleConfig)
	if instance != nil {
		_ = instance.Close(ctx)
	}
	if stderr.Len() > 0 {
		w.logger.Debug().Str("module", path).Str("stderr", stderr.String()).Msg("Module wrote to stderr")
	}
	if err != nil {
		var exitErr *sys.ExitError
		if !errors.As(err, &exitErr) || exitErr.ExitCode() != 0 {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("wasm: module %s failed: %w", path, err)
		}
	}

	if len(bytes.TrimSpace(stdout.Bytes())) == 0 {
		return nil, nil
	}
	var values map[string]interface{}
	if err := json.Unmarshal(stdout.Bytes(), &values); err != nil {
		return nil, fmt.Errorf("wasm: module %s wrote invalid JSON: %w", path, err)
	}

	out := tc.Clone()
	out.State().Merge(engine.AttributesFromMap(values))
	return out, nil
}

// compile returns the compiled module for path, compiling it on first use.
func (w *Wasm) compile(ctx context.Context, path string) (wazero.CompiledModule, error) {
	if !filepath.IsAbs(path) && w.cfg.Dir != "" {
		path = filepath.Join(w.cfg.Dir, path)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if m, ok := w.compiled[path]; ok {
		return m, nil
	}
	code, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("wasm: failed to read module: %w", err)
	}
	m, err := w.runtime.CompileModule(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("wasm: failed to compile %s: %w", path, err)
	}
	w.compiled[path] = m
	return m, nil
}

// Close releases the runtime and every compiled module.
func (w *Wasm) Close(ctx context.Context) error {
	if err := w.runtime.Close(ctx); err != nil {
		return fmt.Errorf("failed to close WASM runtime: %w", err)
	}
	return nil
}
