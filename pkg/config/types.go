package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/openfroyo/loom/pkg/engine"
)

// Format identifies how a graph document is written.
type Format string

const (
	FormatCUE      Format = "cue"
	FormatYAML     Format = "yaml"
	FormatJSON     Format = "json"
	FormatStarlark Format = "starlark"
)

// ValidationError represents a problem found while parsing or validating a document.
type ValidationError struct {
	// File is the source file where the error occurred.
	File string `json:"file,omitempty"`

	// Line and Column locate the error in File, when known.
	Line   int `json:"line,omitempty"`
	Column int `json:"column,omitempty"`

	// Path is the value path (e.g. "engines.0.events").
	Path string `json:"path,omitempty"`

	Message string `json:"message"`

	// Severity is error or warning.
	Severity string `json:"severity"`
}

// String formats the error as file:line:column: message.
func (e ValidationError) String() string {
	var b strings.Builder
	if e.File != "" {
		b.WriteString(e.File)
		if e.Line > 0 {
			fmt.Fprintf(&b, ":%d:%d", e.Line, e.Column)
		}
		b.WriteString(": ")
	}
	if e.Path != "" {
		b.WriteString(e.Path)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	return b.String()
}

// ParsedGraph is the result of parsing graph documents.
type ParsedGraph struct {
	// Graph is nil when Errors is not empty.
	Graph *engine.CompiledGraph `json:"graph,omitempty"`

	Format      Format            `json:"format"`
	SourceFiles []string          `json:"source_files"`
	ParsedAt    time.Time         `json:"parsed_at"`
	Errors      []ValidationError `json:"errors,omitempty"`
}

// Err folds the collected errors into one error, or returns nil.
func (p *ParsedGraph) Err() error {
	if len(p.Errors) == 0 {
		return nil
	}
	msgs := make([]string, len(p.Errors))
	for i, e := range p.Errors {
		msgs[i] = e.String()
	}
	return fmt.Errorf("graph has %d error(s): %s", len(p.Errors), strings.Join(msgs, "; "))
}

// StarlarkResult is the outcome of a Starlark evaluation.
type StarlarkResult struct {
	// Output holds the script's public globals.
	Output map[string]interface{} `json:"output"`

	// Printed collects print() output in order.
	Printed []string `json:"printed,omitempty"`

	ExecutionTime time.Duration `json:"execution_time"`
	Error         string        `json:"error,omitempty"`
}
