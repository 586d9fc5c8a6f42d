package engine

import (
	"fmt"
	"strings"
)

// LifecycleKind is the policy applied when an engine's sequence drains.
type LifecycleKind string

const (
	// LifecycleExit stops the surrounding loop if the engine is the root engine.
	LifecycleExit LifecycleKind = "exit"

	// LifecycleNext starts one other engine.
	LifecycleNext LifecycleKind = "next"

	// LifecycleFork starts several engines.
	LifecycleFork LifecycleKind = "fork"

	// LifecycleLoop restarts the engine's own sequence.
	LifecycleLoop LifecycleKind = "loop"

	// LifecycleRepeat restarts the engine and decrements a counter, exiting at zero.
	LifecycleRepeat LifecycleKind = "repeat"
)

// Lifecycle is the per-engine drain policy.
type Lifecycle struct {
	Kind LifecycleKind `json:"kind"`

	// Targets names the engines started by Next and Fork.
	Targets []string `json:"targets,omitempty"`

	// Remaining is the number of restarts left for Repeat.
	Remaining int `json:"remaining,omitempty"`
}

// Exit returns the default lifecycle.
func Exit() *Lifecycle {
	return &Lifecycle{Kind: LifecycleExit}
}

// Next returns a lifecycle starting the named engine.
func Next(target string) *Lifecycle {
	return &Lifecycle{Kind: LifecycleNext, Targets: []string{target}}
}

// Fork returns a lifecycle starting every named engine.
func Fork(targets ...string) *Lifecycle {
	return &Lifecycle{Kind: LifecycleFork, Targets: append([]string(nil), targets...)}
}

// Loop returns a lifecycle restarting the engine forever.
func Loop() *Lifecycle {
	return &Lifecycle{Kind: LifecycleLoop}
}

// Repeat returns a lifecycle restarting the engine n more times.
func Repeat(n int) *Lifecycle {
	return &Lifecycle{Kind: LifecycleRepeat, Remaining: n}
}

// ResolveLifecycle maps a lifecycle name and its arguments to a policy.
// Anything that does not match exactly one option resolves to Exit.
func ResolveLifecycle(kind string, targets []string, count int) *Lifecycle {
	switch LifecycleKind(strings.ToLower(kind)) {
	case LifecycleNext:
		if len(targets) == 1 {
			return Next(targets[0])
		}
	case LifecycleFork:
		if len(targets) > 0 {
			return Fork(targets...)
		}
	case LifecycleLoop:
		return Loop()
	case LifecycleRepeat:
		if count >= 0 {
			return Repeat(count)
		}
	}
	return Exit()
}

// Restarts reports whether the lifecycle restarts its own engine.
func (l *Lifecycle) Restarts() bool {
	return l != nil && (l.Kind == LifecycleLoop || l.Kind == LifecycleRepeat)
}

// String implements fmt.Stringer.
func (l *Lifecycle) String() string {
	if l == nil {
		return string(LifecycleExit)
	}
	switch l.Kind {
	case LifecycleNext, LifecycleFork:
		return fmt.Sprintf("%s(%s)", l.Kind, strings.Join(l.Targets, ","))
	case LifecycleRepeat:
		return fmt.Sprintf("%s(%d)", l.Kind, l.Remaining)
	default:
		return string(l.Kind)
	}
}
