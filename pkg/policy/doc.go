// Package policy admits node commands with Open Policy Agent.
//
// Engine implements engine.Admitter. For each command it builds an Input document
//
//	{
//	  "command": {"kind": "swap", "node": 4, "name": "", "owner": 4, "from": 7, "to": 9,
//	              "has_graph": false, "graph_empty": false},
//	  "node":    {"name": "deploy", "kind": "event", "status": "new", "engine": "main", "runs": 0},
//	  "context": {"timestamp": "...", "environment": "production"}
//	}
//
// and evaluates data.<package>.deny for every enabled policy. A deny entry is either a
// string or an object with message and severity. Entries with severity error or critical
// deny the command; info and warning entries are only logged.
//
// Built-in policies reject swaps that repoint a connection to its current target, custom
// commands without a handler name, updates without a usable graph, and scheduling
// commands aimed at disposed nodes.
//
// Additional policies are loaded from .rego files, JSON policy files and JSON bundles:
//
//	eng, err := policy.NewEngine(logger)
//	if err != nil {
//	    return err
//	}
//	if _, err := eng.Watch(ctx, []string{"policies"}); err != nil {
//	    return err
//	}
//	sched := engine.NewScheduler(world, registry, engine.WithAdmitter(eng))
//
// Watch reloads file policies when they change. A reload that fails to compile leaves
// the previous set in place.
package policy
