package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/openfroyo/loom/pkg/engine"
)

// Loader reads graph documents in any supported format.
type Loader struct {
	cue      *CUEParser
	starlark *StarlarkEvaluator
}

// NewLoader creates a loader. Starlark documents run with the given timeout.
func NewLoader(starlarkTimeout time.Duration) *Loader {
	return &Loader{
		cue:      NewCUEParser(),
		starlark: NewStarlarkEvaluator(starlarkTimeout),
	}
}

// DetectFormat picks the document format from a path. Directories are CUE packages.
func DetectFormat(path string) (Format, error) {
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		return FormatCUE, nil
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".cue":
		return FormatCUE, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	case ".star":
		return FormatStarlark, nil
	default:
		return "", fmt.Errorf("unsupported graph document %s", path)
	}
}

// Parse reads and validates one graph document.
func (l *Loader) Parse(ctx context.Context, path string) (*ParsedGraph, error) {
	format, err := DetectFormat(path)
	if err != nil {
		return nil, err
	}

	if format == FormatCUE {
		return l.cue.Parse(ctx, []string{path})
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	parsed := &ParsedGraph{
		Format:      format,
		SourceFiles: []string{path},
		ParsedAt:    time.Now(),
	}

	var graph *engine.CompiledGraph
	switch format {
	case FormatStarlark:
		graph, err = l.starlark.EvaluateGraph(ctx, string(content), nil)
	default:
		graph, err = DecodeYAML(content)
	}
	if err != nil {
		parsed.Errors = append(parsed.Errors, ValidationError{File: path, Message: err.Error(), Severity: "error"})
		return parsed, nil
	}

	if err := graph.Validate(); err != nil {
		parsed.Errors = append(parsed.Errors, ValidationError{File: path, Message: err.Error(), Severity: "error"})
		return parsed, nil
	}

	parsed.Graph = graph
	return parsed, nil
}

// Load reads a graph document and folds any validation problems into the error.
func (l *Loader) Load(ctx context.Context, path string) (*engine.CompiledGraph, error) {
	parsed, err := l.Parse(ctx, path)
	if err != nil {
		return nil, err
	}
	if err := parsed.Err(); err != nil {
		return nil, err
	}
	return parsed.Graph, nil
}

// DecodeYAML decodes a YAML or JSON graph document. Unknown fields are rejected.
func DecodeYAML(content []byte) (*engine.CompiledGraph, error) {
	dec := yaml.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)

	var graph engine.CompiledGraph
	if err := dec.Decode(&graph); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("empty graph document")
		}
		return nil, fmt.Errorf("failed to decode graph: %w", err)
	}
	return &graph, nil
}
