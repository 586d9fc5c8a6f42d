package plugins

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/openfroyo/loom/pkg/config"
	"github.com/openfroyo/loom/pkg/engine"
)

// Starlark runs a script against the node's state. State values are predeclared
// under their own names and the previous node's values as the previous dict. Every
// public global the script assigns is written back to the state.
type Starlark struct {
	evaluator *config.StarlarkEvaluator
}

// NewStarlark creates a starlark plugin. A zero timeout uses the evaluator default.
func NewStarlark(timeout time.Duration) *Starlark {
	return &Starlark{evaluator: config.NewStarlarkEvaluator(timeout)}
}

func (s *Starlark) Symbol() string { return "starlark" }

func (s *Starlark) Description() string {
	return "Evaluates the starlark attribute (or starlark_file) and merges its globals into the state"
}

func (s *Starlark) Caveats() string {
	return "Functions and names starting with an underscore are not written back"
}

func (s *Starlark) Call(ctx context.Context, tc *engine.ThunkContext) (*engine.ThunkContext, error) {
	script, err := s.script(tc)
	if err != nil {
		return nil, err
	}

	input := tc.State().Values()
	delete(input, "starlark")
	delete(input, "starlark_file")
	input["previous"] = tc.Previous().Values()

	res, err := s.evaluator.Evaluate(ctx, script, input)
	if err != nil {
		return nil, fmt.Errorf("starlark: %w", err)
	}

	out := tc.Clone()
	for name, v := range res.Output {
		out.State().Set(name, v)
	}
	if len(res.Printed) > 0 {
		out.State().Set("printed", res.Printed)
	}
	return out, nil
}

func (s *Starlark) script(tc *engine.ThunkContext) (string, error) {
	if src, ok := stringArgument(tc, "starlark"); ok {
		return src, nil
	}
	if path, ok := stringArgument(tc, "starlark_file"); ok {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("starlark: failed to read script: %w", err)
		}
		return string(data), nil
	}
	return "", fmt.Errorf("starlark: no starlark or starlark_file attribute")
}
