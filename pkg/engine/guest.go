package engine

import (
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Guest is a nested scheduler ticked by its host after the host's own work. Guest
// completions are relayed to the host broker tagged with the guest identity.
type Guest struct {
	// ID identifies the guest on the host.
	ID string

	// Owner is the host node that registered the guest.
	Owner NodeID

	// Scheduler is the nested scheduler.
	Scheduler *Scheduler
}

// NewGuest wraps a scheduler as a guest owned by a host node.
func NewGuest(owner NodeID, sched *Scheduler) *Guest {
	return &Guest{
		ID:        uuid.NewString(),
		Owner:     owner,
		Scheduler: sched,
	}
}

// guestForwarder relays guest completions to the host broker.
type guestForwarder struct {
	NopListener
	guest  string
	host   *Broker
	logger zerolog.Logger
}

func (f *guestForwarder) OnCompletion(c Completion) {
	c.Guest = f.guest
	if err := f.host.TrySendCompletion(c); err != nil {
		f.logger.Debug().Err(err).Str("guest", f.guest).Msg("Guest completion not relayed")
	}
}

func (s *Scheduler) registerGuest(g *Guest) {
	if g == nil || g.Scheduler == nil {
		return
	}
	if _, ok := s.guests[g.ID]; ok {
		s.logger.Debug().Str("guest", g.ID).Msg("Guest already registered")
		return
	}
	g.Scheduler.ctx = s.ctx
	g.Scheduler.AddListener(&guestForwarder{guest: g.ID, host: s.broker, logger: s.logger})
	s.guests[g.ID] = g
	s.progressed++
	s.logger.Info().
		Str("guest", g.ID).
		Uint32("owner", uint32(g.Owner)).
		Msg("Guest registered")
}

// AddGuest registers a guest directly. It must be called from the goroutine driving Tick.
func (s *Scheduler) AddGuest(g *Guest) {
	s.registerGuest(g)
}

func (s *Scheduler) tickGuests() {
	for _, g := range s.sortedGuests() {
		if g.Scheduler.ShouldExit() {
			continue
		}
		if g.Scheduler.Tick() {
			s.progressed += g.Scheduler.Progressed()
		}
	}
}

// Guests returns the registered guests ordered by identity.
func (s *Scheduler) Guests() []*Guest {
	return s.sortedGuests()
}

// SendGuestCommand queues a command on a guest's broker.
func (s *Scheduler) SendGuestCommand(id string, cmd NodeCommand) error {
	g, ok := s.guests[id]
	if !ok {
		return NewLookupError("no guest "+id, nil).WithCode(ErrCodeNotFound)
	}
	return g.Scheduler.Broker().TrySendCommand(cmd, nil)
}
