package plugins

import (
	"context"
	"errors"

	"github.com/openfroyo/loom/pkg/engine"
)

// Fail errors with the fail attribute until the state carries fixed=true. Pair it
// with stop_on_error and a fixer that sends an update setting fixed.
func NewFail() engine.Plugin {
	return &engine.FuncPlugin{
		Name:    "fail",
		Summary: "Fails with the fail attribute until fixed is true",
		Fn: func(_ context.Context, tc *engine.ThunkContext) (*engine.ThunkContext, error) {
			if fixed, _ := tc.SearchBool("fixed"); fixed {
				return nil, nil
			}
			msg, ok := stringArgument(tc, "fail")
			if !ok || msg == "" {
				msg = "failed"
			}
			return nil, errors.New(interpolate(tc, msg))
		},
	}
}
