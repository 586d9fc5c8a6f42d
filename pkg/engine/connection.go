package engine

import (
	"sort"
	"time"
)

// Activity is the state of one incoming edge of a connection.
type Activity string

const (
	// ActivityNone indicates nothing has crossed the edge yet.
	ActivityNone Activity = "none"

	// ActivityScheduled indicates an arrival was scheduled across the edge.
	ActivityScheduled Activity = "scheduled"

	// ActivitySkipped indicates an arrival was dropped, for example by a run limit.
	ActivitySkipped Activity = "skipped"

	// ActivityStarted indicates the target started work for the arrival.
	ActivityStarted Activity = "started"

	// ActivityCompleted indicates the target finished work for the arrival.
	ActivityCompleted Activity = "completed"

	// ActivityError indicates the target failed work for the arrival.
	ActivityError Activity = "error"
)

// ActivityRecord tracks the latest activity on one incoming edge.
type ActivityRecord struct {
	State     Activity  `json:"state"`
	Iteration int       `json:"iteration"`
	StartedAt time.Time `json:"started_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// SpawnedEntry links a spawned node to the node it was spawned from.
type SpawnedEntry struct {
	Spawned NodeID `json:"spawned"`
	Source  NodeID `json:"source"`
}

// Connection links incoming nodes to a target node. It is attached to an owner node
// and also records the nodes spawned under that owner so cleanup can find it.
type Connection struct {
	from     map[NodeID]struct{}
	to       NodeID
	spawned  map[NodeID]NodeID
	activity map[NodeID]ActivityRecord
}

// ConnectionState is a comparable snapshot of a connection.
type ConnectionState struct {
	From    []NodeID       `json:"from"`
	To      NodeID         `json:"to"`
	Spawned []SpawnedEntry `json:"spawned,omitempty"`
}

// NewConnection creates a connection delivering to the given target.
func NewConnection(to NodeID) *Connection {
	return &Connection{
		from:     make(map[NodeID]struct{}),
		to:       to,
		spawned:  make(map[NodeID]NodeID),
		activity: make(map[NodeID]ActivityRecord),
	}
}

// To returns the current target.
func (c *Connection) To() NodeID {
	return c.to
}

// AddIncoming registers an incoming node.
func (c *Connection) AddIncoming(from NodeID) {
	c.from[from] = struct{}{}
	if _, ok := c.activity[from]; !ok {
		c.activity[from] = ActivityRecord{State: ActivityNone}
	}
}

// HasIncoming reports whether from is an incoming node.
func (c *Connection) HasIncoming(from NodeID) bool {
	_, ok := c.from[from]
	return ok
}

// Incoming returns the incoming nodes in ascending order.
func (c *Connection) Incoming() []NodeID {
	out := make([]NodeID, 0, len(c.from))
	for id := range c.from {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Swap repoints the target from one node to another. Applying the same swap again is a no-op.
func (c *Connection) Swap(from, to NodeID) bool {
	if c.to != from {
		return false
	}
	c.to = to
	return true
}

// AddSpawned records a spawned node and its source.
func (c *Connection) AddSpawned(source, spawned NodeID) {
	c.spawned[spawned] = source
}

// RemoveSpawned forgets a spawned node.
func (c *Connection) RemoveSpawned(spawned NodeID) bool {
	if _, ok := c.spawned[spawned]; !ok {
		return false
	}
	delete(c.spawned, spawned)
	return true
}

// Spawned returns the spawned entries ordered by spawned identity.
func (c *Connection) Spawned() []SpawnedEntry {
	out := make([]SpawnedEntry, 0, len(c.spawned))
	for spawned, source := range c.spawned {
		out = append(out, SpawnedEntry{Spawned: spawned, Source: source})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Spawned < out[j].Spawned })
	return out
}

// Activity returns the record for an incoming edge.
func (c *Connection) Activity(from NodeID) ActivityRecord {
	if rec, ok := c.activity[from]; ok {
		return rec
	}
	return ActivityRecord{State: ActivityNone}
}

// Schedule marks an arrival from the incoming node.
func (c *Connection) Schedule(from NodeID, at time.Time) {
	rec := c.activity[from]
	rec.State = ActivityScheduled
	rec.UpdatedAt = at
	c.activity[from] = rec
}

// Skip marks an arrival that was dropped.
func (c *Connection) Skip(from NodeID, at time.Time) {
	rec := c.activity[from]
	rec.State = ActivitySkipped
	rec.UpdatedAt = at
	c.activity[from] = rec
}

// Start marks the target starting work for an arrival and bumps the iteration.
func (c *Connection) Start(from NodeID, at time.Time) {
	rec := c.activity[from]
	rec.State = ActivityStarted
	rec.Iteration++
	rec.StartedAt = at
	rec.UpdatedAt = at
	c.activity[from] = rec
}

// Complete marks the work for an arrival as finished and returns the elapsed time since Start.
func (c *Connection) Complete(from NodeID, at time.Time) time.Duration {
	return c.finish(from, at, ActivityCompleted)
}

// Fail marks the work for an arrival as failed and returns the elapsed time since Start.
func (c *Connection) Fail(from NodeID, at time.Time) time.Duration {
	return c.finish(from, at, ActivityError)
}

func (c *Connection) finish(from NodeID, at time.Time, state Activity) time.Duration {
	rec := c.activity[from]
	var elapsed time.Duration
	if rec.State == ActivityStarted && !rec.StartedAt.IsZero() {
		elapsed = at.Sub(rec.StartedAt)
	}
	rec.State = state
	rec.UpdatedAt = at
	c.activity[from] = rec
	return elapsed
}

// State returns a comparable snapshot.
func (c *Connection) State() ConnectionState {
	return ConnectionState{
		From:    c.Incoming(),
		To:      c.to,
		Spawned: c.Spawned(),
	}
}
