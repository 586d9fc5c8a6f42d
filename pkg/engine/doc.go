// Package engine provides the tick-loop runtime at the core of Loom.
//
// # Overview
//
// A World is an arena of nodes addressed by NodeID. Event nodes carry a thunk (the
// plugin symbol that runs them), an attribute graph and a transition policy. Engine
// nodes own an ordered Sequence of events and a Lifecycle deciding what happens when
// the sequence drains. Adhoc operations live at the root and run on demand.
//
// A Scheduler drives the world one tick at a time:
//
//  1. Apply queued node commands (activate, pause, resume, reset, cancel, spawn,
//     update, custom, swap)
//  2. Drain plugin completions from the broker
//  3. Advance every node: start new and scheduled work, complete ready operations
//  4. Tick guest schedulers
//  5. Scan engine status and clean up finished spawned branches
//
// Operations run on their own goroutine. Their results reach the loop through the
// Broker and are only ever applied between ticks, so node state is owned by the
// goroutine calling Tick.
//
// # Loading
//
// Worlds are usually built from a CompiledGraph, decoded by pkg/config:
//
//	w, err := engine.Load(graph)
//	s := engine.NewScheduler(w, registry, engine.WithLogger(logger))
//	if err := s.Start(); err != nil {
//	    return err
//	}
//	return s.Run(ctx)
//
// # Error Classification
//
// EngineError carries a class and a stable code. Plugin failures surface as an
// ErrorContext on the failing node; with stop-on-error the owning sequence halts until
// the node's fixer runs or the node is resumed.
//
//	if engine.IsAlreadySignalled(err) {
//	    // cancel raced with completion
//	}
package engine
