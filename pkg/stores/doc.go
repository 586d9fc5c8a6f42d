// Package stores provides the run journal for loom. It includes SQLite-based storage
// with WAL mode, embedded migrations and connection pooling for runs, journaled node
// commands, error contexts and node snapshots. RunJournal adapts a store to the
// scheduler's CommandJournal and Listener hooks.
package stores
