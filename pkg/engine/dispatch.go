package engine

import (
	"strings"
)

// applyCommands drains pending node commands, up to the broker capacity per tick.
func (s *Scheduler) applyCommands() {
	for i := 0; i < s.capacity; i++ {
		env, ok := s.listener.TryNextCommand()
		if !ok {
			return
		}
		_ = s.apply(env.Command, env.Yielding)
	}
}

// Apply applies a command immediately. It must be called from the goroutine driving Tick.
func (s *Scheduler) Apply(cmd NodeCommand) error {
	return s.apply(cmd, nil)
}

// Send queues a command for the next tick.
func (s *Scheduler) Send(cmd NodeCommand) error {
	return s.broker.TrySendCommand(cmd, nil)
}

// SendYielding queues a command whose target will yield its result to y.
func (s *Scheduler) SendYielding(cmd NodeCommand, y *Yielding) error {
	return s.broker.TrySendCommand(cmd, y)
}

func (s *Scheduler) apply(cmd NodeCommand, y *Yielding) error {
	logger := s.logger.With().Str("command", cmd.String()).Logger()

	if err := cmd.Validate(); err != nil {
		logger.Warn().Err(err).Msg("Invalid node command")
		s.journalCommand(cmd, OutcomeFailed, err.Error())
		return err
	}

	snap, err := s.Snapshot(cmd.Node)
	if err != nil {
		logger.Debug().Err(err).Msg("Command target not found")
		s.journalCommand(cmd, OutcomeFailed, err.Error())
		return err
	}

	if snap.Status == StatusDisposed && !(cmd.Kind == CommandCustom && cmd.Name == HandlerCleanupConnection) {
		err := NewValidationError("command targets a disposed node", nil).
			WithCode(ErrCodeInvalidCommand).WithNode(cmd.Node)
		logger.Debug().Err(err).Msg("Command rejected")
		s.journalCommand(cmd, OutcomeFailed, err.Error())
		return err
	}

	if s.admitter != nil {
		adm, err := s.admitter.Admit(s.ctx, cmd, snap)
		if err != nil {
			logger.Warn().Err(err).Msg("Admission check failed, command denied")
			s.journalCommand(cmd, OutcomeDenied, err.Error())
			return NewPermanentError("admission check failed", err).
				WithCode(ErrCodeDenied).WithNode(cmd.Node)
		}
		if !adm.Allowed {
			reason := strings.Join(adm.Reasons, "; ")
			logger.Info().Str("reason", reason).Msg("Command denied")
			s.journalCommand(cmd, OutcomeDenied, reason)
			return NewPermanentError("command denied: "+reason, nil).
				WithCode(ErrCodeDenied).WithNode(cmd.Node)
		}
	}

	if y != nil {
		s.world.nodes[cmd.Node].yielding = y
	}

	if err := s.dispatch(cmd); err != nil {
		logger.Warn().Err(err).Msg("Command failed")
		s.journalCommand(cmd, OutcomeFailed, err.Error())
		return err
	}

	logger.Debug().Msg("Command applied")
	s.journalCommand(cmd, OutcomeApplied, "")
	s.progressed++
	return nil
}

func (s *Scheduler) journalCommand(cmd NodeCommand, outcome, reason string) {
	s.recorder.RecordCommand(cmd.Kind, outcome)
	if s.journal == nil {
		return
	}
	if err := s.journal.RecordCommand(s.ctx, cmd, outcome, reason); err != nil {
		s.logger.Warn().Err(err).Str("command", cmd.String()).Msg("Failed to journal command")
	}
}

func (s *Scheduler) dispatch(cmd NodeCommand) error {
	n, err := s.world.Node(cmd.Node)
	if err != nil {
		return err
	}

	switch cmd.Kind {
	case CommandActivate:
		return s.activateNode(n)

	case CommandPause:
		s.tick.PauseNode(n.ID)
		return nil

	case CommandResume:
		return s.resumeNode(n)

	case CommandReset:
		switch st := s.status(n); st {
		case StatusCompleted, StatusCancelled:
			s.resetNode(n)
			return nil
		default:
			return NewValidationError("reset needs a completed or cancelled node, got "+string(st), nil).
				WithCode(ErrCodeInvalidCommand).WithNode(n.ID)
		}

	case CommandCancel:
		s.cancelNode(n)
		return nil

	case CommandSpawn:
		spawned, err := s.world.Spawn(n.ID)
		if err != nil {
			return err
		}
		spawned.activate()
		return nil

	case CommandUpdate:
		n.Attributes = cmd.Graph.Clone()
		return nil

	case CommandCustom:
		h, ok := s.handlers[cmd.Name]
		if !ok {
			return NewLookupError("no handler named "+cmd.Name, nil).
				WithCode(ErrCodeNotFound).WithNode(n.ID)
		}
		return h(s, n.ID)

	case CommandSwap:
		return s.swap(n, cmd.From, cmd.To)
	}

	return NewValidationError("unhandled command kind "+string(cmd.Kind), nil).WithCode(ErrCodeInvalidCommand)
}

func (s *Scheduler) activateNode(n *Node) error {
	if n.Kind == KindEngine {
		return s.startEngine(n, nil, 0)
	}
	if n.Transition != TransitionSpawn && n.activate() {
		s.started = true
		return nil
	}
	s.started = true
	return s.arrive(n, nil, 0)
}

// resumeNode releases, in order: a paused node, a yielded result, a halted node whose
// fixer is n, or n's own halt.
func (s *Scheduler) resumeNode(n *Node) error {
	wasPaused := s.tick.ResumeNode(n.ID)

	if op := n.operation; op != nil && op.yielded && !op.consumed {
		res, err := op.Result()
		s.complete(n, res, err)
		return nil
	}

	for _, id := range s.world.IDs() {
		h := s.world.nodes[id]
		if h.ID == n.ID || h.halted == nil || h.halted.Fixer != n.ID {
			continue
		}
		s.logger.Info().
			Uint32("node", uint32(h.ID)).
			Uint32("fixer", uint32(n.ID)).
			Msg("Running fixer")
		n.repairs = h.ID
		n.activate()
		s.start(n, h.halted.ThunkContext(), h.ID)
		return nil
	}

	if n.halted != nil {
		n.halted = nil
		result := n.lastResult
		if result == nil && n.operation != nil {
			result = n.operation.Context()
		}
		s.logger.Info().Uint32("node", uint32(n.ID)).Msg("Halted sequence resumed")
		s.advanceAfter(n, result)
		return nil
	}

	if !wasPaused {
		s.logger.Debug().Uint32("node", uint32(n.ID)).Msg("Nothing to resume")
	}
	return nil
}

func (s *Scheduler) cancelNode(n *Node) {
	if n.Kind == KindEngine {
		if n.Sequence != nil {
			for _, id := range n.Sequence.IDs() {
				if member, err := s.world.Node(id); err == nil && s.status(member) == StatusInProgress {
					s.cancelOperation(member)
				}
			}
		}
		delete(s.runs, n.ID)
		return
	}

	if op := n.operation; op != nil {
		if op.IsEmpty() {
			n.operation = nil
			n.active = false
		} else {
			s.cancelOperation(n)
		}
	}

	n.halted = nil
	n.buffer = nil
	if n.Engine != 0 {
		key := n.ID
		if n.SpawnedFrom != 0 {
			key = n.SpawnedFrom
		}
		if run, ok := s.runs[n.Engine]; ok && run.current == key {
			delete(s.runs, n.Engine)
		}
	}
}

func (s *Scheduler) swap(owner *Node, from, to NodeID) error {
	if !s.world.Exists(to) {
		return unknownNode(to)
	}

	changed := false
	if owner.Connection != nil && owner.Connection.Swap(from, to) {
		changed = true
	}
	if owner.Sequence != nil && owner.Sequence.Replace(from, to) {
		changed = true
	}
	if run, ok := s.runs[owner.ID]; ok {
		if run.run.Replace(from, to) {
			changed = true
		}
	}

	if changed {
		s.logger.Debug().
			Uint32("owner", uint32(owner.ID)).
			Uint32("from", uint32(from)).
			Uint32("to", uint32(to)).
			Msg("Connection swapped")
	}
	return nil
}
