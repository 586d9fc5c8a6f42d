package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Attribute is a single named value in a node's pending attribute stream.
type Attribute struct {
	// Name is the attribute name.
	Name string `json:"name"`

	// Value is the attribute value.
	Value interface{} `json:"value"`
}

// AttributeGraph is the typed state bag attached to a node and threaded through a
// sequence inside a ThunkContext. Values are normalized to string, int64, float64,
// bool, []byte, []interface{} or map[string]interface{}.
type AttributeGraph struct {
	values map[string]interface{}
	stream []Attribute
}

// NewAttributeGraph creates an empty attribute graph.
func NewAttributeGraph() *AttributeGraph {
	return &AttributeGraph{values: make(map[string]interface{})}
}

// AttributesFromMap creates an attribute graph holding the given values.
func AttributesFromMap(values map[string]interface{}) *AttributeGraph {
	g := NewAttributeGraph()
	for k, v := range values {
		g.Set(k, v)
	}
	return g
}

// Set stores a value under name and returns the graph for chaining.
func (g *AttributeGraph) Set(name string, value interface{}) *AttributeGraph {
	if g.values == nil {
		g.values = make(map[string]interface{})
	}
	g.values[name] = normalizeValue(value)
	return g
}

// Delete removes a value.
func (g *AttributeGraph) Delete(name string) {
	if g == nil {
		return
	}
	delete(g.values, name)
}

// Get returns the raw value stored under name.
func (g *AttributeGraph) Get(name string) (interface{}, bool) {
	if g == nil {
		return nil, false
	}
	v, ok := g.values[name]
	return v, ok
}

// FindString returns a string value.
func (g *AttributeGraph) FindString(name string) (string, bool) {
	v, ok := g.Get(name)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// FindInt returns an integer value. Whole float values are accepted.
func (g *AttributeGraph) FindInt(name string) (int64, bool) {
	v, ok := g.Get(name)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int64:
		return n, true
	case float64:
		if n == float64(int64(n)) {
			return int64(n), true
		}
	}
	return 0, false
}

// FindFloat returns a numeric value as float64.
func (g *AttributeGraph) FindFloat(name string) (float64, bool) {
	v, ok := g.Get(name)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// FindBool returns a boolean value.
func (g *AttributeGraph) FindBool(name string) (bool, bool) {
	v, ok := g.Get(name)
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

// FindBytes returns a binary value. String values are converted.
func (g *AttributeGraph) FindBytes(name string) ([]byte, bool) {
	v, ok := g.Get(name)
	if !ok {
		return nil, false
	}
	switch b := v.(type) {
	case []byte:
		return b, true
	case string:
		return []byte(b), true
	}
	return nil, false
}

// Keys returns the value names in sorted order.
func (g *AttributeGraph) Keys() []string {
	if g == nil {
		return nil
	}
	keys := make([]string, 0, len(g.values))
	for k := range g.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of values.
func (g *AttributeGraph) Len() int {
	if g == nil {
		return 0
	}
	return len(g.values)
}

// Values returns a copy of the value map.
func (g *AttributeGraph) Values() map[string]interface{} {
	out := make(map[string]interface{}, g.Len())
	if g == nil {
		return out
	}
	for k, v := range g.values {
		out[k] = v
	}
	return out
}

// Push appends an attribute to the pending stream.
func (g *AttributeGraph) Push(name string, value interface{}) *AttributeGraph {
	g.stream = append(g.stream, Attribute{Name: name, Value: normalizeValue(value)})
	return g
}

// Pending returns a copy of the pending stream.
func (g *AttributeGraph) Pending() []Attribute {
	if g == nil {
		return nil
	}
	out := make([]Attribute, len(g.stream))
	copy(out, g.stream)
	return out
}

// TakePending removes and returns the first pending attribute.
func (g *AttributeGraph) TakePending() (Attribute, bool) {
	if g == nil || len(g.stream) == 0 {
		return Attribute{}, false
	}
	attr := g.stream[0]
	g.stream = g.stream[1:]
	return attr, true
}

// Merge copies every value of other into g, overwriting existing names.
func (g *AttributeGraph) Merge(other *AttributeGraph) *AttributeGraph {
	if other == nil {
		return g
	}
	for k, v := range other.values {
		g.Set(k, v)
	}
	return g
}

// Clone returns an independent copy. Cloning a nil graph yields an empty graph.
func (g *AttributeGraph) Clone() *AttributeGraph {
	out := NewAttributeGraph()
	if g == nil {
		return out
	}
	for k, v := range g.values {
		out.values[k] = cloneValue(v)
	}
	if len(g.stream) > 0 {
		out.stream = make([]Attribute, len(g.stream))
		for i, a := range g.stream {
			out.stream[i] = Attribute{Name: a.Name, Value: cloneValue(a.Value)}
		}
	}
	return out
}

// IsEmpty returns true if the graph holds no values and no pending attributes.
func (g *AttributeGraph) IsEmpty() bool {
	return g == nil || (len(g.values) == 0 && len(g.stream) == 0)
}

type attributeGraphJSON struct {
	Values map[string]interface{} `json:"values"`
	Stream []Attribute            `json:"stream,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (g *AttributeGraph) MarshalJSON() ([]byte, error) {
	if g == nil {
		return []byte("null"), nil
	}
	values := g.values
	if values == nil {
		values = map[string]interface{}{}
	}
	return json.Marshal(attributeGraphJSON{Values: values, Stream: g.stream})
}

// UnmarshalJSON implements json.Unmarshaler. Whole numbers decode as int64.
func (g *AttributeGraph) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw attributeGraphJSON
	if err := dec.Decode(&raw); err != nil {
		return fmt.Errorf("failed to decode attribute graph: %w", err)
	}
	g.values = make(map[string]interface{}, len(raw.Values))
	for k, v := range raw.Values {
		g.values[k] = normalizeValue(v)
	}
	g.stream = nil
	for _, a := range raw.Stream {
		g.stream = append(g.stream, Attribute{Name: a.Name, Value: normalizeValue(a.Value)})
	}
	return nil
}

func normalizeValue(v interface{}) interface{} {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int8:
		return int64(n)
	case int16:
		return int64(n)
	case int32:
		return int64(n)
	case uint:
		return int64(n)
	case uint8:
		return int64(n)
	case uint16:
		return int64(n)
	case uint32:
		return int64(n)
	case uint64:
		return int64(n)
	case float32:
		return float64(n)
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i
		}
		f, _ := n.Float64()
		return f
	case []interface{}:
		out := make([]interface{}, len(n))
		for i, item := range n {
			out[i] = normalizeValue(item)
		}
		return out
	case []string:
		out := make([]interface{}, len(n))
		for i, item := range n {
			out[i] = item
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(n))
		for k, item := range n {
			out[k] = normalizeValue(item)
		}
		return out
	default:
		return v
	}
}

func cloneValue(v interface{}) interface{} {
	switch n := v.(type) {
	case []byte:
		out := make([]byte, len(n))
		copy(out, n)
		return out
	case []interface{}:
		out := make([]interface{}, len(n))
		for i, item := range n {
			out[i] = cloneValue(item)
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(n))
		for k, item := range n {
			out[k] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}
