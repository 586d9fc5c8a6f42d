package engine

import "fmt"

// TransitionKind decides what happens when work arrives at a node.
type TransitionKind string

const (
	// TransitionStart cancels any running task and replaces it with the arrival.
	TransitionStart TransitionKind = "start"

	// TransitionOnce honors the first arrival and ignores every later one.
	TransitionOnce TransitionKind = "once"

	// TransitionSpawn starts a new branch without cancelling the existing one.
	TransitionSpawn TransitionKind = "spawn"

	// TransitionSelect keeps the first incoming arrival and cancels the other incoming nodes.
	TransitionSelect TransitionKind = "select"

	// TransitionBuffer queues arrivals while the node is busy and replays them in order.
	TransitionBuffer TransitionKind = "buffer"
)

// Validate checks if the transition kind is valid.
func (t TransitionKind) Validate() error {
	switch t {
	case TransitionStart, TransitionOnce, TransitionSpawn, TransitionSelect, TransitionBuffer:
		return nil
	default:
		return fmt.Errorf("invalid transition: %s", t)
	}
}

// ParseTransition parses a transition name. The empty string yields TransitionStart.
func ParseTransition(name string) (TransitionKind, error) {
	if name == "" {
		return TransitionStart, nil
	}
	t := TransitionKind(name)
	if err := t.Validate(); err != nil {
		return "", err
	}
	return t, nil
}
