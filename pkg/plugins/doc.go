// Package plugins provides the stock plugins bound to nodes by symbol.
//
//	println   prints the println attribute, with {name} placeholders filled from the state
//	timer     waits for a duration and records elapsed seconds
//	cron      waits for the next occurrence of a cron expression
//	watch     waits for a file system event
//	starlark  runs a script and merges its globals into the state
//	wasm      runs a WASI module over the state as JSON
//	fail      fails until the state carries fixed=true
//	yield     runs an adhoc operation and merges its result
//
// Each plugin reads its argument from the attribute being processed when the name
// matches, otherwise from the node's state and then the previous node's state.
package plugins
