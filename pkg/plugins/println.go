package plugins

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/openfroyo/loom/pkg/engine"
)

// Println writes a message to an output stream. {name} placeholders are replaced
// with values searched in the node's state.
type Println struct {
	mu  sync.Mutex
	out io.Writer
}

// NewPrintln creates a println plugin writing to out.
func NewPrintln(out io.Writer) *Println {
	return &Println{out: out}
}

func (p *Println) Symbol() string { return "println" }

func (p *Println) Description() string {
	return "Prints the println attribute, interpolating {name} from the state"
}

func (p *Println) Caveats() string { return "" }

func (p *Println) Call(_ context.Context, tc *engine.ThunkContext) (*engine.ThunkContext, error) {
	v, ok := argument(tc, "println", "message")
	if !ok {
		return nil, fmt.Errorf("println: no println or message attribute")
	}
	text, ok := v.(string)
	if !ok {
		text = fmt.Sprint(v)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := fmt.Fprintln(p.out, interpolate(tc, text)); err != nil {
		return nil, fmt.Errorf("println: %w", err)
	}
	return nil, nil
}
