package engine

import (
	"fmt"
	"sort"
	"strings"
)

// Topology is the engine-level graph of a world: which engines start which, grouped
// into levels by distance from the root engine.
type Topology struct {
	world *World

	// adjacency maps an engine to the engines started when it drains.
	adjacency map[NodeID][]NodeID

	// loops holds engines that restart themselves.
	loops map[NodeID]bool

	// levels groups engines by breadth-first distance from the root.
	levels [][]NodeID

	// reachable holds every engine reachable from the root.
	reachable map[NodeID]bool
}

// BuildTopology derives the engine graph of w.
func BuildTopology(w *World) *Topology {
	t := &Topology{
		world:     w,
		adjacency: make(map[NodeID][]NodeID),
		loops:     make(map[NodeID]bool),
		reachable: make(map[NodeID]bool),
	}

	for _, id := range w.Engines() {
		eng := w.nodes[id]
		seen := make(map[NodeID]bool)
		add := func(target NodeID) {
			if target == id {
				t.loops[id] = true
				return
			}
			if !seen[target] {
				seen[target] = true
				t.adjacency[id] = append(t.adjacency[id], target)
			}
		}
		for _, succ := range w.Successors(eng.Sequence) {
			n, err := w.Node(succ)
			if err != nil {
				continue
			}
			if n.Kind == KindEngine {
				add(n.ID)
			} else if n.Engine != 0 {
				add(n.Engine)
			}
		}
		if eng.Lifecycle != nil {
			for _, name := range eng.Lifecycle.Targets {
				if target, err := w.Engine(name); err == nil {
					add(target)
				}
			}
			if eng.Lifecycle.Restarts() {
				t.loops[id] = true
			}
		}
		sort.Slice(t.adjacency[id], func(i, j int) bool { return t.adjacency[id][i] < t.adjacency[id][j] })
	}

	t.computeLevels()
	return t
}

// computeLevels walks breadth first from the root engine.
func (t *Topology) computeLevels() {
	root := t.world.Root()
	if root == 0 {
		return
	}
	t.reachable[root] = true
	current := []NodeID{root}
	for len(current) > 0 {
		t.levels = append(t.levels, current)
		var next []NodeID
		for _, id := range current {
			for _, succ := range t.adjacency[id] {
				if !t.reachable[succ] {
					t.reachable[succ] = true
					next = append(next, succ)
				}
			}
		}
		sort.Slice(next, func(i, j int) bool { return next[i] < next[j] })
		current = next
	}
}

// Levels returns the engines grouped by distance from the root.
func (t *Topology) Levels() [][]NodeID {
	return t.levels
}

// Successors returns the engines started when id drains.
func (t *Topology) Successors(id NodeID) []NodeID {
	return t.adjacency[id]
}

// Loops reports whether the engine restarts itself.
func (t *Topology) Loops(id NodeID) bool {
	return t.loops[id]
}

// Unreachable returns engines that no path from the root starts. They only run when
// activated by command.
func (t *Topology) Unreachable() []NodeID {
	var out []NodeID
	for _, id := range t.world.Engines() {
		if !t.reachable[id] {
			out = append(out, id)
		}
	}
	return out
}

// Cycles returns the engine cycles longer than a self restart, each as the path that
// closes it. Cycles are legal; callers use them for diagnostics.
func (t *Topology) Cycles() [][]NodeID {
	visited := make(map[NodeID]bool)
	onStack := make(map[NodeID]bool)
	var cycles [][]NodeID

	var visit func(id NodeID, path []NodeID)
	visit = func(id NodeID, path []NodeID) {
		visited[id] = true
		onStack[id] = true
		path = append(path, id)

		for _, succ := range t.adjacency[id] {
			if !visited[succ] {
				visit(succ, path)
				continue
			}
			if onStack[succ] {
				for i, p := range path {
					if p == succ {
						cycle := append(append([]NodeID(nil), path[i:]...), succ)
						cycles = append(cycles, cycle)
						break
					}
				}
			}
		}
		onStack[id] = false
	}

	for _, id := range t.world.Engines() {
		if !visited[id] {
			visit(id, nil)
		}
	}
	return cycles
}

// FormatCycle renders a cycle with engine names.
func (t *Topology) FormatCycle(cycle []NodeID) string {
	names := make([]string, len(cycle))
	for i, id := range cycle {
		names[i] = t.name(id)
	}
	return strings.Join(names, " -> ")
}

func (t *Topology) name(id NodeID) string {
	if n, err := t.world.Node(id); err == nil {
		return n.Name
	}
	return fmt.Sprintf("#%d", id)
}

// ToDOT renders the world in Graphviz DOT format. Engines are clusters with their
// sequence as solid edges; cursor edges are dashed, spawned branches dotted and adhoc
// operations drawn as ellipses.
func (t *Topology) ToDOT() string {
	w := t.world
	var sb strings.Builder
	sb.WriteString("digraph loom {\n")
	sb.WriteString("  rankdir=LR;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for _, id := range w.Engines() {
		eng := w.nodes[id]
		sb.WriteString(fmt.Sprintf("  subgraph cluster_%d {\n", id))
		label := fmt.Sprintf("%s [%s]", eng.Name, eng.Lifecycle.String())
		if id == w.Root() {
			label += " (root)"
		}
		sb.WriteString(fmt.Sprintf("    label=%q;\n", label))
		sb.WriteString("    style=solid;\n")

		ids := eng.Sequence.IDs()
		for _, nid := range ids {
			n := w.nodes[nid]
			sb.WriteString(fmt.Sprintf("    \"n%d\" [label=\"%s\\n%s\"];\n", nid, n.Name, n.Thunk.Symbol))
		}
		for i := 1; i < len(ids); i++ {
			sb.WriteString(fmt.Sprintf("    \"n%d\" -> \"n%d\";\n", ids[i-1], ids[i]))
		}
		sb.WriteString("  }\n\n")
	}

	for _, id := range w.Engines() {
		eng := w.nodes[id]
		last, ok := eng.Sequence.Last()
		if !ok {
			continue
		}
		for _, succ := range t.adjacency[id] {
			if first, ok := w.nodes[succ].Sequence.Peek(); ok {
				sb.WriteString(fmt.Sprintf("  \"n%d\" -> \"n%d\" [style=dashed];\n", last, first))
			}
		}
		if t.loops[id] {
			if first, ok := eng.Sequence.Peek(); ok {
				sb.WriteString(fmt.Sprintf("  \"n%d\" -> \"n%d\" [style=dashed, label=\"loop\"];\n", last, first))
			}
		}
	}

	for _, name := range w.AdhocOperations() {
		id, _ := w.Operation(name)
		n := w.nodes[id]
		sb.WriteString(fmt.Sprintf("  \"n%d\" [shape=ellipse, label=\"%s\\n%s\"];\n", id, n.Name, n.Thunk.Symbol))
	}

	for _, nid := range w.IDs() {
		n := w.nodes[nid]
		if n.Fixer != 0 {
			sb.WriteString(fmt.Sprintf("  \"n%d\" -> \"n%d\" [style=dashed, color=red, label=\"fixer\"];\n", nid, n.Fixer))
		}
	}

	for _, triple := range w.SpawnedTriples() {
		sb.WriteString(fmt.Sprintf("  \"n%d\" -> \"n%d\" [style=dotted];\n", triple.Source, triple.Spawned))
	}

	sb.WriteString("}\n")
	return sb.String()
}

// ToDOT renders w in Graphviz DOT format.
func ToDOT(w *World) string {
	return BuildTopology(w).ToDOT()
}
