package plugins

import (
	"context"
	"fmt"
	"io"
	"os"
	"regexp"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/loom/pkg/engine"
)

// Options configures the stock plugins.
type Options struct {
	// Out receives println output. Defaults to os.Stdout.
	Out io.Writer

	Logger zerolog.Logger

	// StarlarkTimeout bounds a single starlark step.
	StarlarkTimeout time.Duration

	// Operations maps adhoc operation names to node ids for the yield plugin.
	Operations map[string]engine.NodeID

	Wasm WasmConfig

	// Clock and After drive timer and cron. Nil means the wall clock.
	Clock func() time.Time
	After func(time.Duration) <-chan time.Time
}

func (o *Options) defaults() {
	if o.Out == nil {
		o.Out = os.Stdout
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.After == nil {
		o.After = time.After
	}
}

// Register creates every stock plugin and adds it to reg. The returned closer
// releases the wasm runtime.
func Register(ctx context.Context, reg *engine.Registry, opts Options) (func(context.Context) error, error) {
	opts.defaults()

	wasm, err := NewWasm(ctx, opts.Wasm, opts.Logger)
	if err != nil {
		return nil, err
	}

	stock := []engine.Plugin{
		NewPrintln(opts.Out),
		NewTimer(opts.Clock, opts.After),
		NewCron(opts.Clock, opts.After),
		NewWatch(opts.Logger),
		NewStarlark(opts.StarlarkTimeout),
		wasm,
		NewFail(),
		NewYield(opts.Operations),
	}
	for _, p := range stock {
		if err := reg.Register(p); err != nil {
			_ = wasm.Close(ctx)
			return nil, fmt.Errorf("failed to register plugin %s: %w", p.Symbol(), err)
		}
	}

	opts.Logger.Debug().Int("count", len(stock)).Msg("Stock plugins registered")
	return wasm.Close, nil
}

// OperationTable snapshots the adhoc operation names of w. The table is read by
// plugin goroutines, so it must be taken before the scheduler starts.
func OperationTable(w *engine.World) map[string]engine.NodeID {
	table := make(map[string]engine.NodeID)
	for _, name := range w.AdhocOperations() {
		if id, err := w.Operation(name); err == nil {
			table[name] = id
		}
	}
	return table
}

// argument returns the value a plugin is invoked with: the current stream
// attribute when its name matches, otherwise a search of the state.
func argument(tc *engine.ThunkContext, names ...string) (interface{}, bool) {
	if attr, ok := tc.Current(); ok {
		for _, name := range names {
			if attr.Name == name {
				return attr.Value, true
			}
		}
	}
	for _, name := range names {
		if v, ok := tc.Search(name); ok {
			return v, true
		}
	}
	return nil, false
}

func stringArgument(tc *engine.ThunkContext, names ...string) (string, bool) {
	v, ok := argument(tc, names...)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

var placeholder = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_.]*)\}`)

// interpolate replaces {name} with the searched value of name. Unknown names are
// left as written.
func interpolate(tc *engine.ThunkContext, text string) string {
	return placeholder.ReplaceAllStringFunc(text, func(m string) string {
		name := m[1 : len(m)-1]
		v, ok := tc.Search(name)
		if !ok {
			return m
		}
		return fmt.Sprint(v)
	})
}
