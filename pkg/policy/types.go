package policy

import (
	"time"

	"github.com/openfroyo/loom/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is logged but does not block the command.
	SeverityWarning Severity = "warning"

	// SeverityError denies the command.
	SeverityError Severity = "error"

	// SeverityCritical denies the command.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether a violation of this severity denies the command.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy represents a policy rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	Description string `json:"description"`

	// Rego contains the policy module. Its package must define a deny set.
	Rego string `json:"rego"`

	// Severity is the default severity for violations that do not set one.
	Severity Severity `json:"severity"`

	Enabled bool `json:"enabled"`

	Tags []string `json:"tags,omitempty"`

	Metadata map[string]interface{} `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Builtin reports whether the policy ships with loom.
func (p *Policy) Builtin() bool {
	for _, tag := range p.Tags {
		if tag == tagBuiltin {
			return true
		}
	}
	return false
}

// Violation is one entry of a policy's deny set.
type Violation struct {
	Policy   string   `json:"policy"`
	Command  string   `json:"command"`
	Node     uint32   `json:"node"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`

	DetectedAt time.Time `json:"detected_at"`
}

// Decision is the result of evaluating every enabled policy against one command.
type Decision struct {
	// Allowed is false when any blocking violation was found.
	Allowed bool `json:"allowed"`

	// Violations lists blocking violations.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists non-blocking violations and policies that failed to evaluate.
	Warnings []string `json:"warnings,omitempty"`

	EvaluatedPolicies []string      `json:"evaluated_policies"`
	EvaluatedAt       time.Time     `json:"evaluated_at"`
	Duration          time.Duration `json:"duration"`
}

// Reasons returns the messages of the blocking violations.
func (d *Decision) Reasons() []string {
	reasons := make([]string, 0, len(d.Violations))
	for i := range d.Violations {
		reasons = append(reasons, d.Violations[i].Message)
	}
	return reasons
}

// Input is the document policies see as input.
type Input struct {
	Command CommandInput `json:"command"`

	// Node describes the command's target. It is absent when the scheduler has no
	// snapshot for it.
	Node *NodeInput `json:"node,omitempty"`

	Context Context `json:"context"`
}

// CommandInput describes the command under evaluation. For swaps, Owner and Node are
// the same node.
type CommandInput struct {
	ID    string `json:"id,omitempty"`
	Kind  string `json:"kind"`
	Node  uint32 `json:"node"`
	Name  string `json:"name"`
	Owner uint32 `json:"owner,omitempty"`
	From  uint32 `json:"from"`
	To    uint32 `json:"to"`

	HasGraph   bool                   `json:"has_graph"`
	GraphEmpty bool                   `json:"graph_empty"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
}

// NodeInput describes the command's target node.
type NodeInput struct {
	Name       string `json:"name"`
	Kind       string `json:"kind"`
	Symbol     string `json:"symbol,omitempty"`
	Status     string `json:"status"`
	Engine     string `json:"engine,omitempty"`
	Transition string `json:"transition,omitempty"`
	Runs       int    `json:"runs"`
}

// Context carries evaluation metadata.
type Context struct {
	Timestamp time.Time `json:"timestamp"`

	// Environment is copied from the engine's configuration, for example "production".
	Environment string `json:"environment,omitempty"`
}

// NewInput builds the policy input for a command and its target snapshot.
func NewInput(cmd engine.NodeCommand, target *engine.NodeSnapshot, now time.Time) *Input {
	in := &Input{
		Command: CommandInput{
			ID:       cmd.ID,
			Kind:     string(cmd.Kind),
			Node:     uint32(cmd.Node),
			Name:     cmd.Name,
			From:     uint32(cmd.From),
			To:       uint32(cmd.To),
			HasGraph: cmd.Graph != nil,
		},
		Context: Context{Timestamp: now},
	}
	if cmd.Kind == engine.CommandSwap {
		in.Command.Owner = uint32(cmd.Node)
	}
	if cmd.Graph != nil {
		in.Command.GraphEmpty = cmd.Graph.IsEmpty()
		in.Command.Attributes = cmd.Graph.Values()
	}
	if target != nil {
		in.Node = &NodeInput{
			Name:       target.Name,
			Kind:       string(target.Kind),
			Symbol:     target.Symbol,
			Status:     string(target.Status),
			Engine:     target.Engine,
			Transition: string(target.Transition),
			Runs:       target.Runs,
		}
	}
	return in
}

// PolicyBundle represents a collection of related policies stored in one JSON file.
type PolicyBundle struct {
	Name        string    `json:"name"`
	Version     string    `json:"version"`
	Description string    `json:"description"`
	Policies    []Policy  `json:"policies"`
	CreatedAt   time.Time `json:"created_at"`
}
