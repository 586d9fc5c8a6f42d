package wire

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/openfroyo/loom/pkg/engine"
)

// Value type tags of the graph blob.
const (
	tagNull   = "null"
	tagString = "string"
	tagInt    = "int"
	tagFloat  = "float"
	tagBool   = "bool"
	tagBytes  = "bytes"
	tagList   = "list"
	tagMap    = "map"
)

// typedValue carries a graph value with its type so decoding restores the exact Go type.
// Floats are written as shortest round-trip strings, which also covers NaN and infinities.
type typedValue struct {
	T string          `json:"t"`
	V json.RawMessage `json:"v,omitempty"`
}

type typedAttribute struct {
	Name  string     `json:"name"`
	Value typedValue `json:"value"`
}

type typedGraph struct {
	Values map[string]typedValue `json:"values"`
	Stream []typedAttribute      `json:"stream,omitempty"`
}

func encodeGraph(g *engine.AttributeGraph) ([]byte, error) {
	out := typedGraph{Values: make(map[string]typedValue, g.Len())}
	for _, name := range g.Keys() {
		v, _ := g.Get(name)
		tv, err := encodeValue(v)
		if err != nil {
			return nil, fmt.Errorf("value %q: %w", name, err)
		}
		out.Values[name] = tv
	}
	for _, attr := range g.Pending() {
		tv, err := encodeValue(attr.Value)
		if err != nil {
			return nil, fmt.Errorf("pending %q: %w", attr.Name, err)
		}
		out.Stream = append(out.Stream, typedAttribute{Name: attr.Name, Value: tv})
	}
	return json.Marshal(out)
}

func decodeGraph(data []byte) (*engine.AttributeGraph, error) {
	var in typedGraph
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("failed to decode attribute graph: %w", err)
	}

	names := make([]string, 0, len(in.Values))
	for name := range in.Values {
		names = append(names, name)
	}
	sort.Strings(names)

	g := engine.NewAttributeGraph()
	for _, name := range names {
		v, err := decodeValue(in.Values[name])
		if err != nil {
			return nil, fmt.Errorf("value %q: %w", name, err)
		}
		g.Set(name, v)
	}
	for _, attr := range in.Stream {
		v, err := decodeValue(attr.Value)
		if err != nil {
			return nil, fmt.Errorf("pending %q: %w", attr.Name, err)
		}
		g.Push(attr.Name, v)
	}
	return g, nil
}

func encodeValue(v interface{}) (typedValue, error) {
	var (
		tag     string
		payload interface{}
	)

	switch n := v.(type) {
	case nil:
		return typedValue{T: tagNull}, nil
	case string:
		tag, payload = tagString, n
	case int64:
		tag, payload = tagInt, n
	case float64:
		tag, payload = tagFloat, strconv.FormatFloat(n, 'g', -1, 64)
	case bool:
		tag, payload = tagBool, n
	case []byte:
		tag, payload = tagBytes, n
	case []interface{}:
		items := make([]typedValue, len(n))
		for i, item := range n {
			tv, err := encodeValue(item)
			if err != nil {
				return typedValue{}, fmt.Errorf("item %d: %w", i, err)
			}
			items[i] = tv
		}
		tag, payload = tagList, items
	case map[string]interface{}:
		entries := make(map[string]typedValue, len(n))
		for k, item := range n {
			tv, err := encodeValue(item)
			if err != nil {
				return typedValue{}, fmt.Errorf("key %q: %w", k, err)
			}
			entries[k] = tv
		}
		tag, payload = tagMap, entries
	default:
		return typedValue{}, fmt.Errorf("unsupported value type %T", v)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return typedValue{}, err
	}
	return typedValue{T: tag, V: raw}, nil
}

func decodeValue(tv typedValue) (interface{}, error) {
	switch tv.T {
	case tagNull:
		return nil, nil

	case tagString:
		var s string
		err := json.Unmarshal(tv.V, &s)
		return s, err

	case tagInt:
		var i int64
		err := json.Unmarshal(tv.V, &i)
		return i, err

	case tagFloat:
		var s string
		if err := json.Unmarshal(tv.V, &s); err != nil {
			return nil, err
		}
		return strconv.ParseFloat(s, 64)

	case tagBool:
		var b bool
		err := json.Unmarshal(tv.V, &b)
		return b, err

	case tagBytes:
		var b []byte
		err := json.Unmarshal(tv.V, &b)
		return b, err

	case tagList:
		var items []typedValue
		if err := json.Unmarshal(tv.V, &items); err != nil {
			return nil, err
		}
		out := make([]interface{}, len(items))
		for i, item := range items {
			v, err := decodeValue(item)
			if err != nil {
				return nil, fmt.Errorf("item %d: %w", i, err)
			}
			out[i] = v
		}
		return out, nil

	case tagMap:
		var entries map[string]typedValue
		if err := json.Unmarshal(tv.V, &entries); err != nil {
			return nil, err
		}
		out := make(map[string]interface{}, len(entries))
		for k, item := range entries {
			v, err := decodeValue(item)
			if err != nil {
				return nil, fmt.Errorf("key %q: %w", k, err)
			}
			out[k] = v
		}
		return out, nil
	}

	return nil, fmt.Errorf("unknown value tag %q", tv.T)
}
