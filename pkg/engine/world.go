package engine

import (
	"fmt"
	"sort"
)

// World is the node arena. Identities are allocated monotonically and never reused,
// so sequences, cursors and connections can reference nodes by value even when the
// graph contains cycles.
type World struct {
	// nodes maps identities to nodes, including disposed tombstones.
	nodes map[NodeID]*Node

	// nextID is the next identity to allocate.
	nextID NodeID

	// engines maps engine names to their root nodes.
	engines map[string]NodeID

	// operations maps adhoc operation names to their nodes.
	operations map[string]NodeID

	// root is the designated root engine.
	root NodeID
}

// NewWorld creates an empty world.
func NewWorld() *World {
	return &World{
		nodes:      make(map[NodeID]*Node),
		nextID:     1,
		engines:    make(map[string]NodeID),
		operations: make(map[string]NodeID),
	}
}

// Create allocates a new node.
func (w *World) Create(name string, kind NodeKind) *Node {
	id := w.nextID
	w.nextID++

	n := &Node{
		ID:         id,
		Name:       name,
		Kind:       kind,
		Attributes: NewAttributeGraph(),
		Transition: TransitionStart,
	}
	w.nodes[id] = n
	return n
}

// Node returns a node by identity.
func (w *World) Node(id NodeID) (*Node, error) {
	n, ok := w.nodes[id]
	if !ok {
		return nil, unknownNode(id)
	}
	return n, nil
}

// Exists reports whether the identity is present, including disposed tombstones.
func (w *World) Exists(id NodeID) bool {
	_, ok := w.nodes[id]
	return ok
}

// Alive reports whether the identity is present and not disposed.
func (w *World) Alive(id NodeID) bool {
	n, ok := w.nodes[id]
	return ok && !n.disposed
}

// Remove deletes a node from the arena.
func (w *World) Remove(id NodeID) error {
	if _, ok := w.nodes[id]; !ok {
		return unknownNode(id)
	}
	delete(w.nodes, id)
	return nil
}

// Len returns the number of nodes in the arena.
func (w *World) Len() int {
	return len(w.nodes)
}

// IDs returns every identity in ascending order.
func (w *World) IDs() []NodeID {
	ids := make([]NodeID, 0, len(w.nodes))
	for id := range w.nodes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// RegisterEngine records an engine name. The first engine registered becomes the root
// unless SetRoot is called.
func (w *World) RegisterEngine(name string, id NodeID) error {
	if _, exists := w.engines[name]; exists {
		return NewValidationError(fmt.Sprintf("engine %q already registered", name), nil)
	}
	w.engines[name] = id
	if w.root == 0 {
		w.root = id
	}
	return nil
}

// RegisterOperation records an adhoc operation name.
func (w *World) RegisterOperation(name string, id NodeID) error {
	if _, exists := w.operations[name]; exists {
		return NewValidationError(fmt.Sprintf("operation %q already registered", name), nil)
	}
	w.operations[name] = id
	return nil
}

// Engine looks up an engine root by name.
func (w *World) Engine(name string) (NodeID, error) {
	id, ok := w.engines[name]
	if !ok {
		return 0, NewLookupError(fmt.Sprintf("engine not found: %s", name), nil).WithCode(ErrCodeNotFound)
	}
	return id, nil
}

// Operation looks up an adhoc operation node by name.
func (w *World) Operation(name string) (NodeID, error) {
	id, ok := w.operations[name]
	if !ok {
		return 0, NewLookupError(fmt.Sprintf("operation not found: %s", name), nil).WithCode(ErrCodeNotFound)
	}
	return id, nil
}

// Engines returns every engine root in ascending identity order.
func (w *World) Engines() []NodeID {
	ids := make([]NodeID, 0, len(w.engines))
	for _, id := range w.engines {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// AdhocOperations returns the adhoc operation names in sorted order.
func (w *World) AdhocOperations() []string {
	names := make([]string, 0, len(w.operations))
	for name := range w.operations {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SetRoot designates the root engine.
func (w *World) SetRoot(id NodeID) {
	w.root = id
}

// Root returns the designated root engine.
func (w *World) Root() NodeID {
	return w.root
}

// Successors returns the nodes whose sequences run after seq completes. The last node's
// Fork cursor contributes every target and a Next cursor contributes its one target;
// the sequence's own cursor is appended independently.
func (w *World) Successors(seq *Sequence) []NodeID {
	var out []NodeID
	if last, ok := seq.Last(); ok {
		if n, err := w.Node(last); err == nil && n.Cursor != nil {
			switch n.Cursor.Kind {
			case CursorFork:
				out = append(out, n.Cursor.Targets...)
			case CursorNext:
				if len(n.Cursor.Targets) > 0 {
					out = append(out, n.Cursor.Targets[0])
				}
			}
		}
	}
	if cursor, ok := seq.Cursor(); ok {
		out = append(out, cursor)
	}
	return out
}

// Spawn copies source into a new node and records it in the source's connection.
func (w *World) Spawn(sourceID NodeID) (*Node, error) {
	source, err := w.Node(sourceID)
	if err != nil {
		return nil, err
	}

	spawned := w.Create(source.Name, source.Kind)
	spawned.Thunk = source.Thunk
	spawned.Attributes = source.Attributes.Clone()
	spawned.Engine = source.Engine
	spawned.SpawnedFrom = source.ID
	spawned.StopOnError = source.StopOnError
	spawned.Fixer = source.Fixer
	if source.Cursor != nil {
		spawned.Cursor = &Cursor{Kind: source.Cursor.Kind, Targets: append([]NodeID(nil), source.Cursor.Targets...)}
	}

	if source.Connection == nil {
		source.Connection = NewConnection(source.ID)
	}
	source.Connection.AddSpawned(source.ID, spawned.ID)
	return spawned, nil
}

// SpawnedTriple is one (spawned, source, owner) entry found by cleanup.
type SpawnedTriple struct {
	Spawned NodeID
	Source  NodeID
	Owner   NodeID
}

// SpawnedTriples lists every spawned entry across all connections.
func (w *World) SpawnedTriples() []SpawnedTriple {
	var out []SpawnedTriple
	for _, id := range w.IDs() {
		n := w.nodes[id]
		if n.Connection == nil {
			continue
		}
		for _, entry := range n.Connection.Spawned() {
			out = append(out, SpawnedTriple{Spawned: entry.Spawned, Source: entry.Source, Owner: id})
		}
	}
	return out
}
