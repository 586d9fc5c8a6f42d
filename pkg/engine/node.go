package engine

// NodeID is the stable identity of a node in the world arena. Zero is never allocated.
type NodeID uint32

// NodeKind tags what a node represents.
type NodeKind string

const (
	// KindEvent is a schedulable unit inside an engine sequence.
	KindEvent NodeKind = "event"

	// KindEngine is the root node of an engine; it owns a sequence and a lifecycle.
	KindEngine NodeKind = "engine"

	// KindOperation is a root-level adhoc operation invocable by command.
	KindOperation NodeKind = "operation"
)

// Thunk binds a node to a plugin symbol resolved through the Registry at start time.
type Thunk struct {
	Symbol string `json:"symbol"`
}

// Node is a schedulable identity with attached state and a plugin binding.
// Nodes are owned by the World and mutated only by the scheduler tick.
type Node struct {
	// ID is the arena identity.
	ID NodeID

	// Name is the event, engine or operation name.
	Name string

	// Kind tags the node.
	Kind NodeKind

	// Thunk is the plugin binding.
	Thunk Thunk

	// Attributes is the node's state graph. The pending stream feeds Operation.Execute.
	Attributes *AttributeGraph

	// Transition decides how arrivals are handled.
	Transition TransitionKind

	// Limit caps the number of runs. Zero means unlimited.
	Limit int

	// Engine is the owning engine for event nodes.
	Engine NodeID

	// SpawnedFrom is the source node for spawned nodes.
	SpawnedFrom NodeID

	// Cursor is read when this node ends a drained sequence.
	Cursor *Cursor

	// Connection links incoming nodes and spawned branches to this node.
	Connection *Connection

	// Sequence is the original node list for engine nodes.
	Sequence *Sequence

	// Lifecycle is the drain policy for engine nodes.
	Lifecycle *Lifecycle

	// StopOnError halts the owning sequence when this node fails.
	StopOnError bool

	// Fixer designates a node that may repair a failure of this node.
	Fixer NodeID

	active       bool
	disposed     bool
	runs         int
	onceConsumed bool
	operation    *Operation
	yielding     *Yielding
	buffer       []*ThunkContext
	lastResult   *ThunkContext
	halted       *ErrorContext
	repairs      NodeID
}

// Active reports whether the node has been activated.
func (n *Node) Active() bool {
	return n.active
}

// Disposed reports whether cleanup disposed the node.
func (n *Node) Disposed() bool {
	return n.disposed
}

// IsSpawned reports whether the node was created by a spawn.
func (n *Node) IsSpawned() bool {
	return n.SpawnedFrom != 0
}

// Operation returns the current operation, if any.
func (n *Node) Operation() *Operation {
	return n.operation
}

// Runs returns how many times the node has started an operation.
func (n *Node) Runs() int {
	return n.runs
}

// LastResult returns the last consumed result.
func (n *Node) LastResult() *ThunkContext {
	return n.lastResult
}

// Halted returns the error context halting this node's sequence, if any.
func (n *Node) Halted() *ErrorContext {
	return n.halted
}

// Buffered returns the number of queued arrivals.
func (n *Node) Buffered() int {
	return len(n.buffer)
}

// activate sets the active flag and reports whether this was the first activation.
func (n *Node) activate() bool {
	if n.active {
		return false
	}
	n.active = true
	return true
}

// reset drops the operation and reactivates the node with a scheduled placeholder.
func (n *Node) reset(previous *ThunkContext) {
	n.active = true
	n.onceConsumed = false
	n.halted = nil
	n.buffer = nil
	n.operation = newScheduledOperation(n.Name, previous)
}

// limitReached reports whether the node has used up its runs.
func (n *Node) limitReached() bool {
	if n.Limit <= 0 {
		return false
	}
	return n.runs >= n.Limit
}
