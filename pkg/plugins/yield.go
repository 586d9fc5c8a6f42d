package plugins

import (
	"context"
	"fmt"

	"github.com/openfroyo/loom/pkg/engine"
)

// Yield hands the node's context to an adhoc operation and waits for its result.
// The operation runs with this context as its previous state and holds at
// completion until the yield merges the returned state and resumes it.
type Yield struct {
	operations map[string]engine.NodeID
}

// NewYield creates a yield plugin resolving operation names through operations.
func NewYield(operations map[string]engine.NodeID) *Yield {
	return &Yield{operations: operations}
}

func (y *Yield) Symbol() string { return "yield" }

func (y *Yield) Description() string {
	return "Runs the adhoc operation named by the yield attribute and merges its result"
}

func (y *Yield) Caveats() string {
	return "The operation table is fixed when the plugin is created"
}

func (y *Yield) Call(ctx context.Context, tc *engine.ThunkContext) (*engine.ThunkContext, error) {
	name, ok := stringArgument(tc, "yield")
	if !ok || name == "" {
		return nil, fmt.Errorf("yield: no yield attribute")
	}
	target, ok := y.operations[name]
	if !ok {
		return nil, engine.NewLookupError(fmt.Sprintf("yield: unknown operation %s", name), nil).
			WithCode(engine.ErrCodeNotFound)
	}
	broker := tc.Broker()
	if broker == nil {
		return nil, fmt.Errorf("yield: context has no broker")
	}

	yielding, reply := engine.NewYielding(tc)
	if err := broker.TrySendCommand(engine.Activate(target), yielding); err != nil {
		return nil, fmt.Errorf("yield: failed to activate %s: %w", name, err)
	}
	_ = tc.SendStatus(0, "waiting for "+name)

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res, ok := <-reply:
		if !ok || res == nil {
			return nil, fmt.Errorf("yield: %s returned no context", name)
		}
		out := tc.Clone()
		out.State().Merge(res.State())
		tc.Dispatch(engine.Resume(target))
		return out, nil
	}
}
