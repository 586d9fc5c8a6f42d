package engine

import "context"

// ThunkContext is the value threaded along a sequence. It carries a snapshot of the
// node's state, the previous node's state for fallback lookups, the attribute being
// processed, and the broker handle plugin code uses to report back to the tick loop.
// Each step receives its own clone; Previous must be treated as read-only.
type ThunkContext struct {
	node     NodeID
	source   NodeID
	state    *AttributeGraph
	previous *AttributeGraph
	current  *Attribute
	broker   *Broker
	ctx      context.Context
}

// NewThunkContext creates a context for a node with the given state.
func NewThunkContext(node NodeID, state *AttributeGraph) *ThunkContext {
	if state == nil {
		state = NewAttributeGraph()
	}
	return &ThunkContext{
		node:  node,
		state: state,
		ctx:   context.Background(),
	}
}

// Node returns the node this context runs for.
func (tc *ThunkContext) Node() NodeID {
	return tc.node
}

// Source returns the node that delivered this context, or zero.
func (tc *ThunkContext) Source() NodeID {
	return tc.source
}

// State returns the current state graph.
func (tc *ThunkContext) State() *AttributeGraph {
	return tc.state
}

// Previous returns the previous node's state graph, or nil.
func (tc *ThunkContext) Previous() *AttributeGraph {
	return tc.previous
}

// Current returns the attribute being processed by the current plugin call.
func (tc *ThunkContext) Current() (Attribute, bool) {
	if tc.current == nil {
		return Attribute{}, false
	}
	return *tc.current, true
}

// Broker returns the broker handle, or nil when the context is detached.
func (tc *ThunkContext) Broker() *Broker {
	return tc.broker
}

// Context returns a context that is cancelled when the owning operation is cancelled.
func (tc *ThunkContext) Context() context.Context {
	if tc.ctx == nil {
		return context.Background()
	}
	return tc.ctx
}

// Done returns the cancellation receiver of the owning operation.
func (tc *ThunkContext) Done() <-chan struct{} {
	return tc.Context().Done()
}

// Cancelled reports whether the owning operation was cancelled.
func (tc *ThunkContext) Cancelled() bool {
	select {
	case <-tc.Done():
		return true
	default:
		return false
	}
}

// Search looks a name up in the current state, then in the previous state.
func (tc *ThunkContext) Search(name string) (interface{}, bool) {
	if v, ok := tc.state.Get(name); ok {
		return v, true
	}
	return tc.previous.Get(name)
}

// SearchString is Search for string values.
func (tc *ThunkContext) SearchString(name string) (string, bool) {
	if v, ok := tc.state.FindString(name); ok {
		return v, true
	}
	return tc.previous.FindString(name)
}

// SearchInt is Search for integer values.
func (tc *ThunkContext) SearchInt(name string) (int64, bool) {
	if v, ok := tc.state.FindInt(name); ok {
		return v, true
	}
	return tc.previous.FindInt(name)
}

// SearchBool is Search for boolean values.
func (tc *ThunkContext) SearchBool(name string) (bool, bool) {
	if v, ok := tc.state.FindBool(name); ok {
		return v, true
	}
	return tc.previous.FindBool(name)
}

// Clone returns a copy with an independent state graph. Previous is shared.
func (tc *ThunkContext) Clone() *ThunkContext {
	out := *tc
	out.state = tc.state.Clone()
	if tc.current != nil {
		attr := *tc.current
		out.current = &attr
	}
	return &out
}

// WithState returns a clone carrying the given state.
func (tc *ThunkContext) WithState(state *AttributeGraph) *ThunkContext {
	out := tc.Clone()
	out.state = state
	return out
}

// WithPrevious returns a clone carrying the given previous state.
func (tc *ThunkContext) WithPrevious(previous *AttributeGraph) *ThunkContext {
	out := tc.Clone()
	out.previous = previous
	return out
}

// WithBroker returns a clone bound to a broker.
func (tc *ThunkContext) WithBroker(b *Broker) *ThunkContext {
	out := tc.Clone()
	out.broker = b
	return out
}

func (tc *ThunkContext) withContext(ctx context.Context) *ThunkContext {
	out := tc.Clone()
	out.ctx = ctx
	return out
}

func (tc *ThunkContext) withCurrent(attr Attribute) *ThunkContext {
	out := tc.Clone()
	out.current = &attr
	return out
}

// SendStatus reports progress for this context's node through the broker.
func (tc *ThunkContext) SendStatus(progress float64, message string) error {
	if tc.broker == nil {
		return NewTransientError("context has no broker", nil).WithCode(ErrCodeChannelClosed)
	}
	return tc.broker.TrySendStatus(StatusUpdate{Node: tc.node, Progress: progress, Message: message})
}

// Dispatch submits a node command through the broker. Failures are logged by the broker.
func (tc *ThunkContext) Dispatch(cmd NodeCommand) {
	if tc.broker == nil {
		return
	}
	tc.broker.TrySendNodeCommand(cmd, nil)
}
