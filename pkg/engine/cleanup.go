package engine

// cleanup queues deletion of spawned nodes that finished and removal of disposed
// entries from their owner's connection. The commands apply on the next tick.
func (s *Scheduler) cleanup() {
	for _, t := range s.world.SpawnedTriples() {
		spawned, err := s.world.Node(t.Spawned)
		if err != nil {
			if s.world.Alive(t.Owner) {
				s.broker.TrySendNodeCommand(Custom(HandlerCleanupConnection, t.Owner), nil)
			}
			continue
		}

		switch s.status(spawned) {
		case StatusCompleted, StatusCancelled:
			s.broker.TrySendNodeCommand(Custom(HandlerDeleteSpawned, t.Spawned), nil)
		case StatusDisposed:
			if s.world.Alive(t.Owner) {
				s.broker.TrySendNodeCommand(Custom(HandlerCleanupConnection, t.Owner), nil)
			}
		}
	}
}

// deleteSpawned disposes a finished spawned node.
func deleteSpawned(s *Scheduler, id NodeID) error {
	n, err := s.world.Node(id)
	if err != nil {
		return err
	}
	if !n.IsSpawned() {
		return NewValidationError("delete_spawned targets a node that was not spawned", nil).
			WithCode(ErrCodeInvalidCommand).WithNode(id)
	}
	if n.disposed {
		return nil
	}
	switch st := s.status(n); st {
	case StatusCompleted, StatusCancelled:
	default:
		return NewValidationError("delete_spawned needs a completed or cancelled node, got "+string(st), nil).
			WithCode(ErrCodeInvalidCommand).WithNode(id)
	}
	n.disposed = true
	n.active = false
	n.operation = nil
	n.buffer = nil
	s.logger.Debug().
		Uint32("node", uint32(id)).
		Uint32("source", uint32(n.SpawnedFrom)).
		Msg("Spawned node disposed")
	return nil
}

// cleanupConnection removes disposed or missing spawned nodes from the owner's
// connection and from the world.
func cleanupConnection(s *Scheduler, owner NodeID) error {
	n, err := s.world.Node(owner)
	if err != nil {
		return err
	}
	if n.Connection == nil {
		return nil
	}
	for _, entry := range n.Connection.Spawned() {
		spawned, err := s.world.Node(entry.Spawned)
		if err == nil && !spawned.disposed {
			continue
		}
		n.Connection.RemoveSpawned(entry.Spawned)
		if err == nil {
			if rmErr := s.world.Remove(entry.Spawned); rmErr != nil {
				s.logger.Debug().Err(rmErr).Uint32("node", uint32(entry.Spawned)).Msg("Spawned node already removed")
			}
		}
		s.logger.Debug().
			Uint32("owner", uint32(owner)).
			Uint32("spawned", uint32(entry.Spawned)).
			Msg("Spawned entry cleaned up")
	}
	return nil
}
