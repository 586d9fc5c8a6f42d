package policy

import (
	"time"
)

const tagBuiltin = "builtin"

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		swapTargetPolicy(),
		customHandlerPolicy(),
		updateGraphPolicy(),
		disposedNodePolicy(),
	}
}

func builtin(name, description, rego string) Policy {
	now := time.Now()
	return Policy{
		Name:        name,
		Description: description,
		Rego:        rego,
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{tagBuiltin, "commands"},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// swapTargetPolicy rejects swaps that would repoint a connection at its current target.
func swapTargetPolicy() Policy {
	return builtin("swap-distinct-target",
		"Swap commands must move a connection to a different node",
		`package loom.policies.swap

import rego.v1

deny contains violation if {
	input.command.kind == "swap"
	input.command.from == input.command.to
	violation := {
		"message": sprintf("swap on node %d repoints %d to itself", [input.command.owner, input.command.from]),
		"severity": "error",
	}
}
`)
}

func customHandlerPolicy() Policy {
	return builtin("custom-handler-name",
		"Custom commands must name a handler",
		`package loom.policies.custom

import rego.v1

deny contains violation if {
	input.command.kind == "custom"
	input.command.name == ""
	violation := {
		"message": sprintf("custom command on node %d has no handler name", [input.command.node]),
		"severity": "error",
	}
}
`)
}

// updateGraphPolicy rejects updates that would wipe a node's state.
func updateGraphPolicy() Policy {
	return builtin("update-non-empty-graph",
		"Update commands must carry a non-empty attribute graph",
		`package loom.policies.update

import rego.v1

deny contains violation if {
	input.command.kind == "update"
	not input.command.has_graph
	violation := {
		"message": sprintf("update on node %d has no graph", [input.command.node]),
		"severity": "error",
	}
}

deny contains violation if {
	input.command.kind == "update"
	input.command.graph_empty
	violation := {
		"message": sprintf("update on node %d carries an empty graph", [input.command.node]),
		"severity": "error",
	}
}
`)
}

// disposedNodePolicy keeps disposed nodes out of scheduling. Custom commands are left
// alone so cleanup handlers can still reach them.
func disposedNodePolicy() Policy {
	return builtin("disposed-node",
		"Disposed nodes only accept custom cleanup commands",
		`package loom.policies.disposed

import rego.v1

deny contains violation if {
	input.node.status == "disposed"
	input.command.kind != "custom"
	violation := {
		"message": sprintf("%s on disposed node %s", [input.command.kind, input.node.name]),
		"severity": "error",
	}
}
`)
}
