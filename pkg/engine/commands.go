package engine

import (
	"fmt"
)

// CommandKind names a node command.
type CommandKind string

const (
	// CommandActivate activates a node, or starts an engine when the target is an engine root.
	CommandActivate CommandKind = "activate"

	// CommandPause adds a node to the paused set.
	CommandPause CommandKind = "pause"

	// CommandResume removes a node from the paused set, continues a yielded node, runs a
	// fixer, or releases a halted sequence.
	CommandResume CommandKind = "resume"

	// CommandReset reschedules a completed or cancelled node.
	CommandReset CommandKind = "reset"

	// CommandCancel signals the node's operation.
	CommandCancel CommandKind = "cancel"

	// CommandSpawn copies a node and activates the copy.
	CommandSpawn CommandKind = "spawn"

	// CommandUpdate replaces a node's attribute graph.
	CommandUpdate CommandKind = "update"

	// CommandCustom invokes a named handler.
	CommandCustom CommandKind = "custom"

	// CommandSwap repoints a connection target.
	CommandSwap CommandKind = "swap"
)

// Command handler names used by cleanup.
const (
	HandlerDeleteSpawned     = "delete_spawned"
	HandlerCleanupConnection = "cleanup_connection"
)

// Validate checks if the command kind is valid.
func (k CommandKind) Validate() error {
	switch k {
	case CommandActivate, CommandPause, CommandResume, CommandReset, CommandCancel,
		CommandSpawn, CommandUpdate, CommandCustom, CommandSwap:
		return nil
	default:
		return fmt.Errorf("invalid command kind: %s", k)
	}
}

// NodeCommand is an external control instruction applied at a tick boundary.
type NodeCommand struct {
	// ID optionally identifies the command for journaling and replication.
	ID string `json:"id,omitempty"`

	// Kind is the command kind.
	Kind CommandKind `json:"kind"`

	// Node is the target node. For Swap it is the owner.
	Node NodeID `json:"node"`

	// Name is the handler name for Custom.
	Name string `json:"name,omitempty"`

	// Graph is the replacement graph for Update.
	Graph *AttributeGraph `json:"graph,omitempty"`

	// From is the current connection target for Swap.
	From NodeID `json:"from,omitempty"`

	// To is the new connection target for Swap.
	To NodeID `json:"to,omitempty"`
}

// Activate creates an Activate command.
func Activate(id NodeID) NodeCommand { return NodeCommand{Kind: CommandActivate, Node: id} }

// Pause creates a Pause command.
func Pause(id NodeID) NodeCommand { return NodeCommand{Kind: CommandPause, Node: id} }

// Resume creates a Resume command.
func Resume(id NodeID) NodeCommand { return NodeCommand{Kind: CommandResume, Node: id} }

// Reset creates a Reset command.
func Reset(id NodeID) NodeCommand { return NodeCommand{Kind: CommandReset, Node: id} }

// Cancel creates a Cancel command.
func Cancel(id NodeID) NodeCommand { return NodeCommand{Kind: CommandCancel, Node: id} }

// Spawn creates a Spawn command.
func Spawn(id NodeID) NodeCommand { return NodeCommand{Kind: CommandSpawn, Node: id} }

// Update creates an Update command.
func Update(id NodeID, graph *AttributeGraph) NodeCommand {
	return NodeCommand{Kind: CommandUpdate, Node: id, Graph: graph}
}

// Custom creates a Custom command.
func Custom(name string, id NodeID) NodeCommand {
	return NodeCommand{Kind: CommandCustom, Node: id, Name: name}
}

// Swap creates a Swap command.
func Swap(owner, from, to NodeID) NodeCommand {
	return NodeCommand{Kind: CommandSwap, Node: owner, From: from, To: to}
}

// Owner returns the Swap owner.
func (c NodeCommand) Owner() NodeID {
	return c.Node
}

// Validate checks that the command carries the identities its kind needs.
func (c NodeCommand) Validate() error {
	if err := c.Kind.Validate(); err != nil {
		return NewValidationError("invalid node command", err).WithCode(ErrCodeInvalidCommand)
	}
	if c.Node == 0 {
		return NewValidationError(fmt.Sprintf("%s command has no target node", c.Kind), nil).
			WithCode(ErrCodeInvalidCommand)
	}
	switch c.Kind {
	case CommandCustom:
		if c.Name == "" {
			return NewValidationError("custom command has no handler name", nil).
				WithCode(ErrCodeInvalidCommand).WithNode(c.Node)
		}
	case CommandUpdate:
		if c.Graph == nil {
			return NewValidationError("update command has no graph", nil).
				WithCode(ErrCodeInvalidCommand).WithNode(c.Node)
		}
	case CommandSwap:
		if c.From == 0 || c.To == 0 {
			return NewValidationError("swap command needs from and to", nil).
				WithCode(ErrCodeInvalidCommand).WithNode(c.Node)
		}
	}
	return nil
}

// String implements fmt.Stringer.
func (c NodeCommand) String() string {
	switch c.Kind {
	case CommandCustom:
		return fmt.Sprintf("custom(%s, %d)", c.Name, c.Node)
	case CommandSwap:
		return fmt.Sprintf("swap(owner=%d, from=%d, to=%d)", c.Node, c.From, c.To)
	default:
		return fmt.Sprintf("%s(%d)", c.Kind, c.Node)
	}
}
