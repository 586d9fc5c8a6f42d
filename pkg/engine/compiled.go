package engine

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// CompiledGraph is the declarative description of a world: named engines with their
// event sequences and lifecycles, plus root-level adhoc operations. pkg/config decodes
// it from CUE or YAML.
type CompiledGraph struct {
	// Root names the root engine. The first engine is used when empty.
	Root string `json:"root,omitempty" yaml:"root,omitempty"`

	Engines    []EngineSpec `json:"engines" yaml:"engines" validate:"required,min=1,dive"`
	Operations []EventSpec  `json:"operations,omitempty" yaml:"operations,omitempty" validate:"dive"`
}

// EngineSpec describes one engine.
type EngineSpec struct {
	Name      string        `json:"name" yaml:"name" validate:"required"`
	Events    []EventSpec   `json:"events" yaml:"events" validate:"required,min=1,dive"`
	Lifecycle LifecycleSpec `json:"lifecycle,omitempty" yaml:"lifecycle,omitempty"`
}

// EventSpec describes one event node or adhoc operation.
type EventSpec struct {
	Name       string `json:"name" yaml:"name" validate:"required"`
	Plugin     string `json:"plugin" yaml:"plugin" validate:"required"`
	Transition string `json:"transition,omitempty" yaml:"transition,omitempty" validate:"omitempty,oneof=start once spawn select buffer"`

	// Limit caps the number of runs. Zero means unlimited.
	Limit int `json:"limit,omitempty" yaml:"limit,omitempty" validate:"gte=0"`

	StopOnError bool `json:"stop_on_error,omitempty" yaml:"stop_on_error,omitempty"`

	// Fixer names the adhoc operation that repairs a failure of this event.
	Fixer string `json:"fixer,omitempty" yaml:"fixer,omitempty"`

	Attributes map[string]interface{} `json:"attributes,omitempty" yaml:"attributes,omitempty"`

	// Stream is the ordered attribute stream fed through the plugin one entry at a time.
	Stream []AttributeSpec `json:"stream,omitempty" yaml:"stream,omitempty" validate:"dive"`

	// Cursor overrides what runs after the sequence ending with this event.
	Cursor *CursorSpec `json:"cursor,omitempty" yaml:"cursor,omitempty"`
}

// AttributeSpec is one stream entry.
type AttributeSpec struct {
	Name  string      `json:"name" yaml:"name" validate:"required"`
	Value interface{} `json:"value" yaml:"value"`
}

// CursorSpec names the engines that run after the event's sequence drains.
type CursorSpec struct {
	Kind    string   `json:"kind" yaml:"kind" validate:"required,oneof=next fork"`
	Targets []string `json:"targets" yaml:"targets" validate:"required,min=1"`
}

// LifecycleSpec is the drain policy of an engine.
type LifecycleSpec struct {
	Kind    string   `json:"kind,omitempty" yaml:"kind,omitempty" validate:"omitempty,oneof=exit next fork loop repeat"`
	Targets []string `json:"targets,omitempty" yaml:"targets,omitempty"`
	Count   int      `json:"count,omitempty" yaml:"count,omitempty" validate:"gte=0"`
}

var validate = validator.New()

// Validate checks struct constraints and cross references.
func (g *CompiledGraph) Validate() error {
	if g == nil {
		return NewValidationError("graph is nil", nil)
	}
	if err := validate.Struct(g); err != nil {
		return NewValidationError("invalid graph", formatValidationErrors(err))
	}

	engines := make(map[string]bool, len(g.Engines))
	for _, e := range g.Engines {
		if engines[e.Name] {
			return NewValidationError(fmt.Sprintf("duplicate engine %q", e.Name), nil)
		}
		engines[e.Name] = true
	}
	operations := make(map[string]bool, len(g.Operations))
	for _, op := range g.Operations {
		if operations[op.Name] {
			return NewValidationError(fmt.Sprintf("duplicate operation %q", op.Name), nil)
		}
		if op.Cursor != nil {
			return NewValidationError(fmt.Sprintf("operation %q cannot carry a cursor", op.Name), nil)
		}
		operations[op.Name] = true
	}

	if g.Root != "" && !engines[g.Root] {
		return NewValidationError(fmt.Sprintf("root engine %q not found", g.Root), nil)
	}

	checkFixer := func(where string, ev EventSpec) error {
		if ev.Fixer != "" && !operations[ev.Fixer] {
			return NewValidationError(fmt.Sprintf("%s: fixer %q is not an operation", where, ev.Fixer), nil)
		}
		return nil
	}
	for _, op := range g.Operations {
		if err := checkFixer("operation "+op.Name, op); err != nil {
			return err
		}
	}

	for _, e := range g.Engines {
		switch LifecycleKind(e.Lifecycle.Kind) {
		case LifecycleNext:
			if len(e.Lifecycle.Targets) != 1 {
				return NewValidationError(fmt.Sprintf("engine %q: next needs exactly one target", e.Name), nil)
			}
		case LifecycleFork:
			if len(e.Lifecycle.Targets) == 0 {
				return NewValidationError(fmt.Sprintf("engine %q: fork needs targets", e.Name), nil)
			}
		}
		for _, t := range e.Lifecycle.Targets {
			if !engines[t] {
				return NewValidationError(fmt.Sprintf("engine %q: lifecycle target %q not found", e.Name, t), nil)
			}
		}

		for i, ev := range e.Events {
			where := fmt.Sprintf("engine %q event %q", e.Name, ev.Name)
			if err := checkFixer(where, ev); err != nil {
				return err
			}
			if ev.Cursor == nil {
				continue
			}
			if i != len(e.Events)-1 {
				return NewValidationError(where+": only the last event may carry a cursor", nil)
			}
			if k := LifecycleKind(e.Lifecycle.Kind); k == LifecycleNext || k == LifecycleFork {
				return NewValidationError(where+": cursor conflicts with the "+string(k)+" lifecycle", nil)
			}
			if ev.Cursor.Kind == string(CursorNext) && len(ev.Cursor.Targets) != 1 {
				return NewValidationError(where+": next cursor needs exactly one target", nil)
			}
			for _, t := range ev.Cursor.Targets {
				if !engines[t] {
					return NewValidationError(fmt.Sprintf("%s: cursor target %q not found", where, t), nil)
				}
			}
		}
	}
	return nil
}

func formatValidationErrors(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed on %s", fe.Namespace(), fe.Tag()))
	}
	return errors.New(strings.Join(msgs, "; "))
}

// Load validates the graph and builds a world from it. Engines become engine root nodes
// owning their event sequence; lifecycles and cursors are wired into cursors and
// connections between sequences.
func Load(g *CompiledGraph) (*World, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}

	w := NewWorld()
	fixers := make(map[NodeID]string)

	for _, spec := range g.Operations {
		n, err := createEvent(w, spec, KindOperation, 0)
		if err != nil {
			return nil, err
		}
		if err := w.RegisterOperation(spec.Name, n.ID); err != nil {
			return nil, err
		}
		if spec.Fixer != "" {
			fixers[n.ID] = spec.Fixer
		}
	}

	for _, es := range g.Engines {
		eng := w.Create(es.Name, KindEngine)
		if err := w.RegisterEngine(es.Name, eng.ID); err != nil {
			return nil, err
		}
		seq := NewSequence()
		for _, spec := range es.Events {
			n, err := createEvent(w, spec, KindEvent, eng.ID)
			if err != nil {
				return nil, err
			}
			seq.Add(n.ID)
			if spec.Fixer != "" {
				fixers[n.ID] = spec.Fixer
			}
		}
		eng.Sequence = seq
		eng.Lifecycle = ResolveLifecycle(es.Lifecycle.Kind, es.Lifecycle.Targets, es.Lifecycle.Count)
	}

	if g.Root != "" {
		root, err := w.Engine(g.Root)
		if err != nil {
			return nil, err
		}
		w.SetRoot(root)
	}

	for i, es := range g.Engines {
		if err := wireEngine(w, es, g.Engines[i].Events); err != nil {
			return nil, err
		}
	}

	for id, name := range fixers {
		fixer, err := w.Operation(name)
		if err != nil {
			return nil, err
		}
		w.nodes[id].Fixer = fixer
	}

	return w, nil
}

func createEvent(w *World, spec EventSpec, kind NodeKind, engine NodeID) (*Node, error) {
	transition, err := ParseTransition(spec.Transition)
	if err != nil {
		return nil, NewValidationError(fmt.Sprintf("event %q", spec.Name), err)
	}
	n := w.Create(spec.Name, kind)
	n.Thunk = Thunk{Symbol: spec.Plugin}
	n.Transition = transition
	n.Limit = spec.Limit
	n.Engine = engine
	n.StopOnError = spec.StopOnError
	n.Attributes = AttributesFromMap(spec.Attributes)
	for _, attr := range spec.Stream {
		n.Attributes.Push(attr.Name, attr.Value)
	}
	return n, nil
}

// wireEngine sets the cursor of the engine's last event and connects it to every
// engine the cursor or lifecycle targets.
func wireEngine(w *World, es EngineSpec, events []EventSpec) error {
	engID, err := w.Engine(es.Name)
	if err != nil {
		return err
	}
	eng := w.nodes[engID]
	lastID, _ := eng.Sequence.Last()
	last := w.nodes[lastID]

	var kind CursorKind
	var names []string
	switch {
	case eng.Lifecycle.Kind == LifecycleNext:
		kind, names = CursorNext, eng.Lifecycle.Targets
	case eng.Lifecycle.Kind == LifecycleFork:
		kind, names = CursorFork, eng.Lifecycle.Targets
	case events[len(events)-1].Cursor != nil:
		c := events[len(events)-1].Cursor
		kind, names = CursorKind(c.Kind), c.Targets
	}

	if eng.Lifecycle.Restarts() {
		eng.Sequence.SetCursor(engID)
	}
	if len(names) == 0 {
		return nil
	}

	targets := make([]NodeID, 0, len(names))
	for _, name := range names {
		id, err := w.Engine(name)
		if err != nil {
			return err
		}
		targets = append(targets, id)

		target := w.nodes[id]
		first, ok := target.Sequence.Peek()
		if !ok {
			continue
		}
		if target.Connection == nil {
			target.Connection = NewConnection(first)
		}
		target.Connection.AddIncoming(lastID)
	}

	if kind == CursorNext {
		last.Cursor = NextCursor(targets[0])
	} else {
		last.Cursor = ForkCursor(targets...)
	}
	return nil
}
