package engine

import (
	"sort"
	"time"
)

// TickControl gates the scheduler loop: a global pause flag, a per-node paused set,
// the measured tick frequency and an optional frequency ceiling.
type TickControl struct {
	// paused is the global pause flag.
	paused bool

	// pausedSet holds the paused node identities.
	pausedSet map[NodeID]struct{}

	// lastTick is when Update was last called.
	lastTick time.Time

	// frequency is 1/elapsed between the last two ticks, in hertz.
	frequency float64

	// ceiling is the frequency limit in hertz. Zero disables the limit.
	ceiling float64

	// ticks counts calls to Update.
	ticks uint64

	// clock returns the current time.
	clock func() time.Time
}

// NewTickControl creates a tick control. A nil clock uses time.Now.
func NewTickControl(clock func() time.Time) *TickControl {
	if clock == nil {
		clock = time.Now
	}
	return &TickControl{
		pausedSet: make(map[NodeID]struct{}),
		clock:     clock,
	}
}

// CanTick is false while globally paused or while the frequency has reached the ceiling.
// The frequency estimate decays with idle time, so a limited loop can tick again once
// enough wall-clock time has passed.
func (t *TickControl) CanTick() bool {
	if t.paused {
		return false
	}
	if t.ceiling <= 0 || t.lastTick.IsZero() {
		return true
	}
	return t.effectiveFrequency() < t.ceiling
}

func (t *TickControl) effectiveFrequency() float64 {
	freq := t.frequency
	since := t.clock().Sub(t.lastTick)
	if since > 0 {
		if idle := 1 / since.Seconds(); idle < freq {
			freq = idle
		}
	}
	return freq
}

// Update records a tick and refreshes the measured frequency.
func (t *TickControl) Update() {
	now := t.clock()
	if !t.lastTick.IsZero() {
		if elapsed := now.Sub(t.lastTick); elapsed > 0 {
			t.frequency = 1 / elapsed.Seconds()
		}
	}
	t.lastTick = now
	t.ticks++
}

// Frequency returns the measured tick frequency in hertz.
func (t *TickControl) Frequency() float64 {
	return t.frequency
}

// Ticks returns the number of recorded ticks.
func (t *TickControl) Ticks() uint64 {
	return t.ticks
}

// LastTick returns the time of the last recorded tick.
func (t *TickControl) LastTick() time.Time {
	return t.lastTick
}

// Pause sets the global pause flag.
func (t *TickControl) Pause() {
	t.paused = true
}

// Resume clears the global pause flag.
func (t *TickControl) Resume() {
	t.paused = false
}

// IsPaused reports the global pause flag.
func (t *TickControl) IsPaused() bool {
	return t.paused
}

// PauseNode adds a node to the paused set.
func (t *TickControl) PauseNode(id NodeID) {
	t.pausedSet[id] = struct{}{}
}

// ResumeNode removes a node from the paused set and reports whether it was paused.
func (t *TickControl) ResumeNode(id NodeID) bool {
	if _, ok := t.pausedSet[id]; !ok {
		return false
	}
	delete(t.pausedSet, id)
	return true
}

// IsNodePaused reports whether a node is in the paused set.
func (t *TickControl) IsNodePaused(id NodeID) bool {
	_, ok := t.pausedSet[id]
	return ok
}

// PausedNodes returns the paused set in ascending order.
func (t *TickControl) PausedNodes() []NodeID {
	out := make([]NodeID, 0, len(t.pausedSet))
	for id := range t.pausedSet {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// SetRateLimit sets the frequency ceiling in hertz.
func (t *TickControl) SetRateLimit(hz float64) {
	t.ceiling = hz
}

// ClearRateLimit removes the frequency ceiling.
func (t *TickControl) ClearRateLimit() {
	t.ceiling = 0
}

// RateLimit returns the frequency ceiling, or zero.
func (t *TickControl) RateLimit() float64 {
	return t.ceiling
}

// Reset clears pause state and measurements. The rate limit is kept.
func (t *TickControl) Reset() {
	t.paused = false
	t.pausedSet = make(map[NodeID]struct{})
	t.lastTick = time.Time{}
	t.frequency = 0
	t.ticks = 0
}
