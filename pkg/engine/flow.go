package engine

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// advance starts every New or Scheduled node and consumes every Ready result.
func (s *Scheduler) advance() {
	for _, id := range s.world.IDs() {
		n, ok := s.world.nodes[id]
		if !ok || n.Kind == KindEngine {
			continue
		}

		switch s.status(n) {
		case StatusNew:
			s.start(n, nil, 0)
		case StatusScheduled:
			s.start(n, n.operation.previous, n.operation.source)
		case StatusReady:
			s.handleReady(n)
		}
	}
}

// arrive applies the node's transition policy to an arrival from another node.
func (s *Scheduler) arrive(n *Node, previous *ThunkContext, from NodeID) error {
	conn := s.incomingConnection(n)
	if conn != nil && from != 0 {
		conn.Schedule(from, s.now())
	}

	if n.limitReached() {
		if conn != nil && from != 0 {
			conn.Skip(from, s.now())
		}
		s.logger.Debug().
			Uint32("node", uint32(n.ID)).
			Int("limit", n.Limit).
			Msg("Run limit reached, arrival skipped")
		return nil
	}

	switch n.Transition {
	case TransitionOnce:
		if n.onceConsumed {
			s.logger.Debug().Uint32("node", uint32(n.ID)).Msg("Once transition already consumed, arrival ignored")
			return nil
		}
	case TransitionSpawn:
		spawned, err := s.world.Spawn(n.ID)
		if err != nil {
			return err
		}
		n.runs++
		spawned.activate()
		s.logger.Debug().
			Uint32("node", uint32(n.ID)).
			Uint32("spawned", uint32(spawned.ID)).
			Msg("Spawned branch")
		s.start(spawned, previous, from)
		return nil
	case TransitionSelect:
		if conn != nil {
			for _, other := range conn.Incoming() {
				if other == from {
					continue
				}
				if o, err := s.world.Node(other); err == nil && s.status(o) == StatusInProgress {
					s.cancelOperation(o)
				}
			}
		}
	case TransitionBuffer:
		if s.busy(n) {
			n.buffer = append(n.buffer, previous)
			s.logger.Debug().
				Uint32("node", uint32(n.ID)).
				Int("buffered", len(n.buffer)).
				Msg("Arrival buffered")
			return nil
		}
	}

	if op := n.operation; op != nil && op.Started() && !op.IsReady() && !op.Cancelled() {
		s.cancelOperation(n)
	}
	s.start(n, previous, from)
	return nil
}

// busy reports whether the node holds work whose result was not consumed yet.
func (s *Scheduler) busy(n *Node) bool {
	op := n.operation
	return op != nil && op.Started() && !op.consumed && !op.Cancelled()
}

func (s *Scheduler) cancelOperation(n *Node) {
	if n.operation == nil {
		return
	}
	if err := n.operation.Cancel(); err != nil {
		s.logger.Debug().Err(err).Uint32("node", uint32(n.ID)).Msg("Cancel ignored")
		return
	}
	s.recorder.RecordOperation(n.Thunk.Symbol, OutcomeCancelled, n.operation.Duration())
	s.progressed++
}

// incomingConnection returns the connection that arrivals at n cross: n's own, or the
// owning engine's when n is that engine's entry node.
func (s *Scheduler) incomingConnection(n *Node) *Connection {
	if n.Connection != nil && n.Connection.To() == n.ID {
		return n.Connection
	}
	if n.Engine != 0 {
		if eng, err := s.world.Node(n.Engine); err == nil && eng.Connection != nil && eng.Connection.To() == n.ID {
			return eng.Connection
		}
	}
	return nil
}

// start binds a fresh operation to the node and launches the plugin task.
func (s *Scheduler) start(n *Node, previous *ThunkContext, from NodeID) {
	if previous == nil && n.yielding != nil {
		previous = n.yielding.Saved()
	}

	tc := NewThunkContext(n.ID, n.Attributes.Clone()).WithBroker(s.broker)
	tc.source = from
	if previous != nil {
		tc.previous = previous.State().Clone()
	}

	n.active = true
	n.runs++
	if n.Transition == TransitionOnce {
		n.onceConsumed = true
	}

	op := NewOperation(n.Name, n.Thunk.Symbol, tc)
	op.previous = previous
	op.source = from
	n.operation = op
	s.started = true
	s.progressed++

	if conn := s.incomingConnection(n); conn != nil && from != 0 && conn.HasIncoming(from) {
		conn.Start(from, s.now())
	}

	p, err := s.registry.Get(n.Thunk.Symbol)
	if err != nil {
		op.finish(tc, err)
		return
	}

	symbol := n.Thunk.Symbol
	node := n.ID
	broker := s.broker
	logger := s.logger
	tracer := s.tracer

	op.Start(s.ctx, func(ctx context.Context, tc *ThunkContext) (*ThunkContext, error) {
		ctx, span := tracer.Start(ctx, "operation."+symbol,
			trace.WithAttributes(
				attribute.Int64("loom.node", int64(node)),
				attribute.String("loom.symbol", symbol),
			))
		defer span.End()

		res, err := Execute(ctx, p, tc)

		c := Completion{Node: node, Symbol: symbol, Duration: op.Duration()}
		if res != nil {
			c.Returns = res.State().Clone()
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			c.Err = err.Error()
		} else {
			span.SetStatus(codes.Ok, "")
		}
		if sendErr := broker.TrySendCompletion(c); sendErr != nil {
			logger.Debug().Err(sendErr).Uint32("node", uint32(node)).Msg("Completion not reported")
		}
		return res, err
	})

	s.logger.Debug().
		Uint32("node", uint32(n.ID)).
		Str("name", n.Name).
		Str("symbol", symbol).
		Uint32("from", uint32(from)).
		Msg("Operation started")
}

// handleReady consumes a finished result, or hands it to a yielding target.
func (s *Scheduler) handleReady(n *Node) {
	op := n.operation
	res, err := op.Result()

	if y := n.yielding; y != nil && !op.yielded {
		op.yielded = true
		out := res
		if out == nil {
			out = op.Context()
		}
		y.Send(out)
		s.progressed++
		s.logger.Debug().Uint32("node", uint32(n.ID)).Msg("Result yielded, waiting for resume")
		return
	}

	s.complete(n, res, err)
}

// complete marks the operation consumed, records the outcome and advances the cursor
// unless the failure halts the sequence.
func (s *Scheduler) complete(n *Node, res *ThunkContext, err error) {
	op := n.operation
	op.consumed = true
	n.yielding = nil
	s.progressed++

	from := op.source
	conn := s.incomingConnection(n)
	now := s.now()

	result := res
	if result == nil {
		result = op.Context()
	}

	if err != nil {
		if conn != nil && from != 0 {
			conn.Fail(from, now)
		}
		s.recorder.RecordOperation(n.Thunk.Symbol, OutcomeFailed, op.Duration())
		s.recorder.RecordError(ErrorCode(err))

		var graph *AttributeGraph
		if result != nil {
			graph = result.State()
		}
		ec := NewErrorContext(n.ID, graph, err).
			WithFixer(n.Fixer).
			WithStopOnError(n.StopOnError).
			WithSymbol(n.Thunk.Symbol)
		s.observers.OnErrorContext(ec)
		s.logger.Error().
			Err(err).
			Uint32("node", uint32(n.ID)).
			Str("name", n.Name).
			Bool("stop_on_error", ec.StopOnError()).
			Msg("Plugin failure")

		if n.repairs != 0 {
			s.logger.Warn().
				Uint32("fixer", uint32(n.ID)).
				Uint32("node", uint32(n.repairs)).
				Msg("Fixer failed, sequence stays halted")
			n.repairs = 0
		}
		if ec.StopOnError() {
			n.halted = ec
			return
		}
		if op.Context() != nil {
			result = op.Context()
		}
	} else {
		if conn != nil && from != 0 {
			s.recorder.RecordConnection(from, n.ID, conn.Complete(from, now))
		}
		s.recorder.RecordOperation(n.Thunk.Symbol, OutcomeCompleted, op.Duration())
		s.observers.OnCompletedEvent(n.ID)
	}

	n.lastResult = result
	s.advanceAfter(n, result)
}

// advanceAfter continues whatever waits on n: a halted node it repairs, its engine run,
// and any buffered arrivals.
func (s *Scheduler) advanceAfter(n *Node, result *ThunkContext) {
	if n.repairs != 0 {
		target := n.repairs
		n.repairs = 0
		if h, err := s.world.Node(target); err == nil && h.halted != nil {
			h.halted = nil
			s.logger.Info().
				Uint32("node", uint32(h.ID)).
				Uint32("fixer", uint32(n.ID)).
				Msg("Sequence repaired")
			h.lastResult = result
			s.advanceAfter(h, result)
		}
	}

	if n.Engine != 0 {
		key := n.ID
		if n.SpawnedFrom != 0 {
			key = n.SpawnedFrom
		}
		if run, ok := s.runs[n.Engine]; ok && run.current == key {
			s.stepEngine(n.Engine, run, result)
		}
	}

	if len(n.buffer) > 0 && !s.busy(n) {
		next := n.buffer[0]
		n.buffer = n.buffer[1:]
		var from NodeID
		if next != nil {
			from = next.Node()
		}
		s.start(n, next, from)
	}
}

// stepEngine pops the next node of an engine run, or applies the lifecycle when the
// run is drained.
func (s *Scheduler) stepEngine(engineID NodeID, run *engineRun, result *ThunkContext) {
	prev := run.current
	nextID, ok := run.run.Next()
	if !ok {
		run.current = 0
		run.previous = prev
		s.drain(engineID, prev, result)
		return
	}

	run.current = nextID
	run.previous = prev
	nextNode, err := s.world.Node(nextID)
	if err != nil {
		s.logger.Debug().Err(err).Msg("Engine sequence references a missing node")
		s.stepEngine(engineID, run, result)
		return
	}
	s.deliver(nextNode, result, prev)
}

// deliver activates a node and applies its transition to an arrival. A spawning node
// stays inactive itself; only its copies run.
func (s *Scheduler) deliver(n *Node, previous *ThunkContext, from NodeID) {
	if n.Transition != TransitionSpawn {
		n.activate()
	}
	if err := s.arrive(n, previous, from); err != nil {
		s.logger.Debug().Err(err).Uint32("node", uint32(n.ID)).Msg("Arrival failed")
	}
}

// startEngine clones the engine's sequence into a run and delivers to its first node.
func (s *Scheduler) startEngine(eng *Node, previous *ThunkContext, from NodeID) error {
	if eng.Sequence == nil || eng.Sequence.IsEmpty() {
		return NewValidationError("engine has no sequence", nil).WithNode(eng.ID)
	}

	run := &engineRun{run: eng.Sequence.Clone()}
	if existing, ok := s.runs[eng.ID]; ok {
		run.restarts = existing.restarts
	}
	s.runs[eng.ID] = run
	s.started = true

	first, _ := run.run.Next()
	run.current = first
	s.logger.Info().
		Str("engine", eng.Name).
		Str("lifecycle", eng.Lifecycle.String()).
		Int("restarts", run.restarts).
		Msg("Engine started")

	n, err := s.world.Node(first)
	if err != nil {
		return err
	}
	s.deliver(n, previous, from)
	return nil
}

// restartEngine clears per-round node flags and starts the engine again.
func (s *Scheduler) restartEngine(eng *Node, previous *ThunkContext, from NodeID) {
	for _, id := range eng.Sequence.IDs() {
		if n, err := s.world.Node(id); err == nil {
			n.onceConsumed = false
			n.halted = nil
		}
	}
	if run, ok := s.runs[eng.ID]; ok {
		run.restarts++
	}
	if err := s.startEngine(eng, previous, from); err != nil {
		s.logger.Warn().Err(err).Str("engine", eng.Name).Msg("Engine restart failed")
	}
}

// drain applies the engine's lifecycle and cursor wiring once its run is exhausted.
func (s *Scheduler) drain(engineID, last NodeID, result *ThunkContext) {
	eng, err := s.world.Node(engineID)
	if err != nil {
		return
	}
	life := eng.Lifecycle
	if life == nil {
		life = Exit()
	}

	s.logger.Info().
		Str("engine", eng.Name).
		Str("lifecycle", life.String()).
		Msg("Engine drained")

	targets := make([]NodeID, 0)
	seen := make(map[NodeID]bool)
	add := func(id NodeID) {
		if !seen[id] {
			seen[id] = true
			targets = append(targets, id)
		}
	}
	for _, id := range s.world.Successors(eng.Sequence) {
		add(id)
	}
	if life.Kind == LifecycleNext || life.Kind == LifecycleFork {
		for _, name := range life.Targets {
			id, err := s.world.Engine(name)
			if err != nil {
				s.logger.Warn().Err(err).Str("engine", eng.Name).Msg("Lifecycle target missing")
				continue
			}
			add(id)
		}
	}

	continued := false
	restart := false
	for _, target := range targets {
		if target == engineID {
			restart = true
			continue
		}
		tn, err := s.world.Node(target)
		if err != nil {
			continue
		}
		continued = true
		if tn.Kind == KindEngine {
			if err := s.startEngine(tn, result, last); err != nil {
				s.logger.Warn().Err(err).Str("engine", tn.Name).Msg("Successor engine not started")
			}
			continue
		}
		s.deliver(tn, result, last)
	}

	switch life.Kind {
	case LifecycleLoop:
		restart = true
	case LifecycleRepeat:
		restart = false
		if life.Remaining > 0 {
			life.Remaining--
			restart = true
		}
	}

	if restart {
		s.restartEngine(eng, result, last)
		return
	}
	if !continued && engineID == s.world.Root() {
		s.exit = true
		s.logger.Info().Str("engine", eng.Name).Msg("Root engine exited")
	}
}

// resetNode reschedules a node with the previous context of its last operation.
func (s *Scheduler) resetNode(n *Node) {
	var previous *ThunkContext
	var source NodeID
	if n.operation != nil {
		previous = n.operation.previous
		source = n.operation.source
	}
	n.reset(previous)
	n.operation.source = source
	s.progressed++
}
