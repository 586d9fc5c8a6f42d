package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"

	"github.com/openfroyo/loom/pkg/engine"
)

// CUEParser parses CUE graph documents, closes them under the #Graph schema and decodes
// them into engine.CompiledGraph values.
type CUEParser struct {
	ctx            *cue.Context
	schemaRegistry *SchemaRegistry
}

// NewCUEParser creates a new CUE parser.
func NewCUEParser() *CUEParser {
	ctx := cuecontext.New()
	return &CUEParser{
		ctx:            ctx,
		schemaRegistry: NewSchemaRegistry(ctx),
	}
}

// Parse parses CUE files or directories. Sources are unified into one document.
// Syntax, schema and graph validation problems are returned in ParsedGraph.Errors; the
// error return is reserved for sources that cannot be read.
func (cp *CUEParser) Parse(ctx context.Context, sources []string) (*ParsedGraph, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("no sources provided")
	}

	var cueValue cue.Value
	var sourceFiles []string
	var parseErrors []ValidationError

	unify := func(val cue.Value) {
		if !val.Exists() {
			return
		}
		if cueValue.Exists() {
			cueValue = cueValue.Unify(val)
		} else {
			cueValue = val
		}
	}

	for _, source := range sources {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		info, err := os.Stat(source)
		if err != nil {
			return nil, fmt.Errorf("failed to stat source %s: %w", source, err)
		}

		if info.IsDir() {
			val, files, errs := cp.loadDirectory(source)
			parseErrors = append(parseErrors, errs...)
			unify(val)
			sourceFiles = append(sourceFiles, files...)
		} else {
			val, errs := cp.loadFile(source)
			parseErrors = append(parseErrors, errs...)
			unify(val)
			sourceFiles = append(sourceFiles, source)
		}
	}

	return cp.finish(cueValue, sourceFiles, parseErrors), nil
}

// ParseInline parses inline CUE content.
func (cp *CUEParser) ParseInline(_ context.Context, content string) (*ParsedGraph, error) {
	val := cp.ctx.CompileString(content, cue.Filename("inline"))
	if err := val.Err(); err != nil {
		return cp.finish(cue.Value{}, []string{"inline"}, cp.convertCUEErrors(err)), nil
	}
	return cp.finish(val, []string{"inline"}, nil), nil
}

func (cp *CUEParser) finish(val cue.Value, sourceFiles []string, parseErrors []ValidationError) *ParsedGraph {
	parsed := &ParsedGraph{
		Format:      FormatCUE,
		SourceFiles: sourceFiles,
		ParsedAt:    time.Now(),
		Errors:      parseErrors,
	}
	if len(parseErrors) > 0 {
		return parsed
	}

	if !val.Exists() {
		parsed.Errors = append(parsed.Errors, ValidationError{
			Message:  "no graph document found",
			Severity: "error",
		})
		return parsed
	}
	if err := val.Err(); err != nil {
		parsed.Errors = cp.convertCUEErrors(err)
		return parsed
	}

	// A document may hold the graph at the top level or under a "graph" field.
	if nested := val.LookupPath(cue.ParsePath("graph")); nested.Exists() {
		val = nested
	}

	unified, err := cp.schemaRegistry.Unify(SchemaGraph, val)
	if err != nil {
		parsed.Errors = cp.convertCUEErrors(err)
		return parsed
	}

	graph, err := cp.extractGraph(unified)
	if err != nil {
		parsed.Errors = append(parsed.Errors, ValidationError{
			Message:  err.Error(),
			Severity: "error",
		})
		return parsed
	}

	if err := graph.Validate(); err != nil {
		parsed.Errors = append(parsed.Errors, ValidationError{
			Message:  err.Error(),
			Severity: "error",
		})
		return parsed
	}

	parsed.Graph = graph
	return parsed
}

// loadDirectory loads a directory as a CUE package.
func (cp *CUEParser) loadDirectory(dir string) (cue.Value, []string, []ValidationError) {
	buildInstances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(buildInstances) == 0 {
		return cue.Value{}, nil, []ValidationError{{
			File:     dir,
			Message:  "no CUE files found",
			Severity: "error",
		}}
	}

	inst := buildInstances[0]
	if inst.Err != nil {
		return cue.Value{}, nil, cp.convertCUEErrors(inst.Err)
	}

	val := cp.ctx.BuildInstance(inst)
	if err := val.Err(); err != nil {
		return cue.Value{}, nil, cp.convertCUEErrors(err)
	}

	var files []string
	for _, file := range inst.Files {
		if file.Filename != "" {
			files = append(files, file.Filename)
		}
	}

	return val, files, nil
}

// loadFile loads a single CUE file.
func (cp *CUEParser) loadFile(path string) (cue.Value, []ValidationError) {
	content, err := os.ReadFile(path)
	if err != nil {
		return cue.Value{}, []ValidationError{{
			File:     path,
			Message:  fmt.Sprintf("failed to read file: %v", err),
			Severity: "error",
		}}
	}

	val := cp.ctx.CompileBytes(content, cue.Filename(path))
	if err := val.Err(); err != nil {
		return cue.Value{}, cp.convertCUEErrors(err)
	}

	return val, nil
}

// extractGraph decodes the graph from a CUE value.
func (cp *CUEParser) extractGraph(val cue.Value) (*engine.CompiledGraph, error) {
	var graph engine.CompiledGraph
	if err := val.Decode(&graph); err != nil {
		return nil, fmt.Errorf("failed to decode graph: %w", err)
	}
	return &graph, nil
}

// convertCUEErrors converts CUE errors to ValidationError slice.
func (cp *CUEParser) convertCUEErrors(err error) []ValidationError {
	var validationErrors []ValidationError

	for _, e := range errors.Errors(err) {
		var file string
		var line, column int

		if pos := errors.Positions(e); len(pos) > 0 {
			file = pos[0].Filename()
			line = pos[0].Line()
			column = pos[0].Column()
		}

		validationErrors = append(validationErrors, ValidationError{
			File:     file,
			Line:     line,
			Column:   column,
			Path:     strings.Join(e.Path(), "."),
			Message:  errors.Details(e, nil),
			Severity: "error",
		})
	}

	return validationErrors
}

// GetSchemaRegistry returns the schema registry.
func (cp *CUEParser) GetSchemaRegistry() *SchemaRegistry {
	return cp.schemaRegistry
}

// ExportJSON compiles CUE source and exports the resulting value as indented JSON.
func (cp *CUEParser) ExportJSON(source string) ([]byte, error) {
	val := cp.ctx.CompileString(source)
	if err := val.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile: %w", err)
	}

	var data interface{}
	if err := val.Decode(&data); err != nil {
		return nil, fmt.Errorf("failed to decode value: %w", err)
	}

	return json.MarshalIndent(data, "", "  ")
}

// LoadFromDirectory lists all CUE files below dir, sorted.
func (cp *CUEParser) LoadFromDirectory(dir string) ([]string, error) {
	var files []string

	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(path, ".cue") {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk directory: %w", err)
	}

	sort.Strings(files)
	return files, nil
}
