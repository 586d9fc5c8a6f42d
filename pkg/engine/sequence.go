package engine

import "fmt"

// CursorKind distinguishes single and parallel successors.
type CursorKind string

const (
	// CursorNext continues with a single successor.
	CursorNext CursorKind = "next"

	// CursorFork continues with several successors in parallel.
	CursorFork CursorKind = "fork"
)

// Cursor is the successor edge attached to the last node of a sequence.
type Cursor struct {
	Kind    CursorKind `json:"kind"`
	Targets []NodeID   `json:"targets"`
}

// NextCursor creates a cursor with a single successor.
func NextCursor(target NodeID) *Cursor {
	return &Cursor{Kind: CursorNext, Targets: []NodeID{target}}
}

// ForkCursor creates a cursor with parallel successors.
func ForkCursor(targets ...NodeID) *Cursor {
	out := make([]NodeID, len(targets))
	copy(out, targets)
	return &Cursor{Kind: CursorFork, Targets: out}
}

// String implements fmt.Stringer.
func (c *Cursor) String() string {
	if c == nil {
		return "none"
	}
	return fmt.Sprintf("%s%v", c.Kind, c.Targets)
}

// Sequence is an ordered run list of node identities consumed front to back, plus an
// optional cursor node used once the list is exhausted. A cursor may point back at the
// sequence's own owner to express a loop.
type Sequence struct {
	list      []NodeID
	cursor    NodeID
	hasCursor bool
}

// NewSequence creates a sequence from nodes in execution order.
func NewSequence(ids ...NodeID) *Sequence {
	s := &Sequence{list: make([]NodeID, 0, len(ids))}
	s.list = append(s.list, ids...)
	return s
}

// Add appends a node to the end of the sequence.
func (s *Sequence) Add(id NodeID) {
	s.list = append(s.list, id)
}

// Next removes and returns the earliest inserted node.
func (s *Sequence) Next() (NodeID, bool) {
	if len(s.list) == 0 {
		return 0, false
	}
	id := s.list[0]
	s.list = s.list[1:]
	return id, true
}

// Peek returns the next node without consuming it.
func (s *Sequence) Peek() (NodeID, bool) {
	if len(s.list) == 0 {
		return 0, false
	}
	return s.list[0], true
}

// Last returns the final node of the sequence.
func (s *Sequence) Last() (NodeID, bool) {
	if len(s.list) == 0 {
		return 0, false
	}
	return s.list[len(s.list)-1], true
}

// Fork returns a singleton sequence containing only the next node, leaving s untouched.
func (s *Sequence) Fork() (*Sequence, bool) {
	id, ok := s.Peek()
	if !ok {
		return nil, false
	}
	return NewSequence(id), true
}

// SetCursor sets the node to continue with once the list drains.
func (s *Sequence) SetCursor(id NodeID) {
	s.cursor = id
	s.hasCursor = true
}

// ClearCursor removes the cursor.
func (s *Sequence) ClearCursor() {
	s.cursor = 0
	s.hasCursor = false
}

// Cursor returns the sequence cursor.
func (s *Sequence) Cursor() (NodeID, bool) {
	return s.cursor, s.hasCursor
}

// Len returns the number of nodes left.
func (s *Sequence) Len() int {
	return len(s.list)
}

// IsEmpty returns true when no nodes are left.
func (s *Sequence) IsEmpty() bool {
	return len(s.list) == 0
}

// IDs returns the remaining nodes in execution order.
func (s *Sequence) IDs() []NodeID {
	out := make([]NodeID, len(s.list))
	copy(out, s.list)
	return out
}

// Contains reports whether id is still in the list.
func (s *Sequence) Contains(id NodeID) bool {
	for _, n := range s.list {
		if n == id {
			return true
		}
	}
	return false
}

// Replace substitutes every occurrence of from with to. Returns false if from was absent.
func (s *Sequence) Replace(from, to NodeID) bool {
	replaced := false
	for i, n := range s.list {
		if n == from {
			s.list[i] = to
			replaced = true
		}
	}
	return replaced
}

// Clone returns an independent copy including the cursor.
func (s *Sequence) Clone() *Sequence {
	out := NewSequence(s.list...)
	out.cursor = s.cursor
	out.hasCursor = s.hasCursor
	return out
}

// Connect links the end of s to the start of other.
func (s *Sequence) Connect(other *Sequence) (*Connection, bool) {
	from, ok := s.Last()
	if !ok {
		return nil, false
	}
	to, ok := other.Peek()
	if !ok {
		return nil, false
	}
	c := NewConnection(to)
	c.AddIncoming(from)
	return c, true
}
