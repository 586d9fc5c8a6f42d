package config

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
)

// SchemaRegistry manages CUE schemas for validation.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a schema registry with the built-in graph schemas. Values
// validated against it must come from the same context.
func NewSchemaRegistry(ctx *cue.Context) *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     ctx,
		schemas: make(map[string]cue.Value),
	}

	if err := sr.RegisterSchema(SchemaGraph, builtinGraphSchema); err != nil {
		panic(err)
	}

	return sr
}

// SchemaGraph is the built-in schema every graph document is closed under.
const SchemaGraph = "graph"

// RegisterSchema compiles a CUE schema source under name. The source must define a
// definition matching the capitalized name (e.g. #Graph for "graph") or be the schema
// value itself.
func (sr *SchemaRegistry) RegisterSchema(name, schema string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(schema, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	sr.schemas[name] = val
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	if !ok {
		return cue.Value{}, false
	}
	if def := val.LookupPath(cue.ParsePath(definitionName(name))); def.Exists() {
		return def, true
	}
	return val, true
}

// Unify closes val under the named schema and reports any conflict.
func (sr *SchemaRegistry) Unify(name string, val cue.Value) (cue.Value, error) {
	schema, ok := sr.GetSchema(name)
	if !ok {
		return cue.Value{}, fmt.Errorf("schema %s not found", name)
	}
	unified := schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return unified, err
	}
	return unified, nil
}

// ValidateAgainstSchema validates Go data against a named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(_ context.Context, schemaName string, data interface{}) error {
	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	if _, err := sr.Unify(schemaName, dataVal); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

// ListSchemas returns all registered schema names, sorted.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func definitionName(name string) string {
	if name == "" {
		return ""
	}
	b := []byte(name)
	if b[0] >= 'a' && b[0] <= 'z' {
		b[0] -= 'a' - 'A'
	}
	return "#" + string(b)
}

// Built-in schema definitions

const builtinGraphSchema = `
#Name: string & =~"^[a-zA-Z0-9_.-]+$"

#Attribute: {
	name:  #Name
	value: _
}

#Cursor: {
	kind: "next" | "fork"
	targets: [#Name, ...#Name]
}

#Event: {
	name:   #Name
	plugin: string & !=""

	transition?: "start" | "once" | "spawn" | "select" | "buffer"
	limit?:      int & >=0

	stop_on_error?: bool
	fixer?:         #Name

	attributes?: {[string]: _}
	stream?: [...#Attribute]
	cursor?: #Cursor
}

#Lifecycle: {
	kind?:    "exit" | "next" | "fork" | "loop" | "repeat"
	targets?: [...#Name]
	count?:   int & >=0
}

#Engine: {
	name: #Name
	events: [#Event, ...#Event]
	lifecycle?: #Lifecycle
}

#Graph: {
	root?: #Name
	engines: [#Engine, ...#Engine]
	operations?: [...#Event]
}
`
