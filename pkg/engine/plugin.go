package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Plugin is a pluggable unit of work bound to nodes by symbol.
//
// Call runs on its own goroutine. Returning a nil context means the state is unchanged;
// returning a non-nil context replaces it. Plugins that want to be cancellable should
// watch ctx.Done() (or tc.Done()) and return early; cancellation is cooperative.
type Plugin interface {
	// Symbol is the unique dispatch key.
	Symbol() string

	// Description is a short human-readable summary.
	Description() string

	// Caveats lists known limitations.
	Caveats() string

	// Call performs the work for one step of a node.
	Call(ctx context.Context, tc *ThunkContext) (*ThunkContext, error)
}

// PluginInfo describes a registered plugin.
type PluginInfo struct {
	Symbol      string `json:"symbol"`
	Description string `json:"description"`
	Caveats     string `json:"caveats,omitempty"`
}

// FuncPlugin adapts a function into a Plugin.
type FuncPlugin struct {
	Name    string
	Summary string
	Notes   string
	Fn      func(ctx context.Context, tc *ThunkContext) (*ThunkContext, error)
}

// Symbol implements Plugin.
func (f *FuncPlugin) Symbol() string { return f.Name }

// Description implements Plugin.
func (f *FuncPlugin) Description() string { return f.Summary }

// Caveats implements Plugin.
func (f *FuncPlugin) Caveats() string { return f.Notes }

// Call implements Plugin.
func (f *FuncPlugin) Call(ctx context.Context, tc *ThunkContext) (*ThunkContext, error) {
	if f.Fn == nil {
		return nil, nil
	}
	return f.Fn(ctx, tc)
}

// Registry maps plugin symbols to implementations.
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]Plugin
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{plugins: make(map[string]Plugin)}
}

// Register adds a plugin. Symbols must be unique.
func (r *Registry) Register(p Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	symbol := p.Symbol()
	if symbol == "" {
		return NewValidationError("plugin symbol is empty", nil)
	}
	if _, exists := r.plugins[symbol]; exists {
		return NewValidationError(fmt.Sprintf("plugin %s already registered", symbol), nil)
	}
	r.plugins[symbol] = p
	return nil
}

// MustRegister registers plugins and panics on duplicates. Intended for program setup.
func (r *Registry) MustRegister(plugins ...Plugin) {
	for _, p := range plugins {
		if err := r.Register(p); err != nil {
			panic(err)
		}
	}
}

// Get returns the plugin registered for symbol.
func (r *Registry) Get(symbol string) (Plugin, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.plugins[symbol]
	if !ok {
		return nil, NewLookupError(fmt.Sprintf("plugin not registered: %s", symbol), nil).
			WithCode(ErrCodePluginNotFound)
	}
	return p, nil
}

// Symbols returns every registered symbol in sorted order.
func (r *Registry) Symbols() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.plugins))
	for s := range r.plugins {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Describe returns diagnostics for every plugin in symbol order.
func (r *Registry) Describe() []PluginInfo {
	symbols := r.Symbols()

	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]PluginInfo, 0, len(symbols))
	for _, s := range symbols {
		p := r.plugins[s]
		out = append(out, PluginInfo{Symbol: s, Description: p.Description(), Caveats: p.Caveats()})
	}
	return out
}
