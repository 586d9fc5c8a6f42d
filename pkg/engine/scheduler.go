package engine

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// DefaultTickInterval is the interval used by RunAsync when none is given.
const DefaultTickInterval = 10 * time.Millisecond

// Scheduler is the single-threaded tick loop that owns the world. Plugin tasks run on
// their own goroutines and report back only through the broker; everything else on
// the scheduler must be called from the goroutine driving Tick.
type Scheduler struct {
	// world is the node arena.
	world *World

	// registry resolves plugin symbols.
	registry *Registry

	// broker is handed to every task; listener is its single consumer.
	broker   *Broker
	listener *PluginListener

	// observers are notified of broker traffic and failures.
	observers MultiListener

	// tick gates the loop and holds the paused set.
	tick *TickControl

	// handlers maps custom command names to handlers.
	handlers map[string]CustomHandler

	// runs tracks the in-flight sequence of each started engine.
	runs map[NodeID]*engineRun

	// guests are nested schedulers ticked after this one.
	guests map[string]*Guest

	// detached are started operations handed over by plugins.
	detached map[*Operation]struct{}

	// lastEngineStates remembers the previous engine scan for change logging.
	lastEngineStates map[NodeID]EngineState

	logger   zerolog.Logger
	recorder Recorder
	tracer   trace.Tracer
	admitter Admitter
	journal  CommandJournal
	clock    func() time.Time
	ctx      context.Context
	capacity int

	// exit is set when the root engine fires Exit.
	exit bool

	// started is set once an engine or node was started.
	started bool

	// progressed counts state changes made by the current tick.
	progressed int
}

// engineRun is the working copy of an engine's sequence.
type engineRun struct {
	run      *Sequence
	current  NodeID
	previous NodeID
	restarts int
}

// CustomHandler applies a Custom node command.
type CustomHandler func(s *Scheduler, target NodeID) error

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the scheduler logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger.With().Str("component", "scheduler").Logger()
	}
}

// WithListener adds an observer.
func WithListener(l Listener) Option {
	return func(s *Scheduler) {
		s.observers = append(s.observers, l)
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(s *Scheduler) {
		s.recorder = r
	}
}

// WithTracer sets the tracer used for operation spans.
func WithTracer(t trace.Tracer) Option {
	return func(s *Scheduler) {
		s.tracer = t
	}
}

// WithAdmitter sets the command admission check.
func WithAdmitter(a Admitter) Option {
	return func(s *Scheduler) {
		s.admitter = a
	}
}

// WithJournal sets the command journal.
func WithJournal(j CommandJournal) Option {
	return func(s *Scheduler) {
		s.journal = j
	}
}

// WithClock sets the clock used by tick control and connection sampling.
func WithClock(clock func() time.Time) Option {
	return func(s *Scheduler) {
		s.clock = clock
	}
}

// WithBrokerCapacity sets the per-channel broker capacity.
func WithBrokerCapacity(capacity int) Option {
	return func(s *Scheduler) {
		s.capacity = capacity
	}
}

// WithRateLimit sets a tick frequency ceiling in hertz.
func WithRateLimit(hz float64) Option {
	return func(s *Scheduler) {
		s.tick.SetRateLimit(hz)
	}
}

// WithContext sets the base context for operations started outside Run.
func WithContext(ctx context.Context) Option {
	return func(s *Scheduler) {
		s.ctx = ctx
	}
}

// NewScheduler creates a scheduler over world using registry to resolve plugins.
func NewScheduler(world *World, registry *Registry, opts ...Option) *Scheduler {
	if world == nil {
		world = NewWorld()
	}
	if registry == nil {
		registry = NewRegistry()
	}

	s := &Scheduler{
		world:            world,
		registry:         registry,
		tick:             NewTickControl(nil),
		handlers:         make(map[string]CustomHandler),
		runs:             make(map[NodeID]*engineRun),
		guests:           make(map[string]*Guest),
		detached:         make(map[*Operation]struct{}),
		lastEngineStates: make(map[NodeID]EngineState),
		logger:           zerolog.Nop(),
		recorder:         nopRecorder{},
		tracer:           noop.NewTracerProvider().Tracer("loom"),
		ctx:              context.Background(),
		capacity:         DefaultBrokerCapacity,
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.clock != nil {
		s.tick.clock = s.clock
	} else {
		s.clock = time.Now
	}
	s.broker, s.listener = NewBroker(s.capacity, s.logger)

	s.handlers[HandlerDeleteSpawned] = deleteSpawned
	s.handlers[HandlerCleanupConnection] = cleanupConnection

	return s
}

// World returns the node arena.
func (s *Scheduler) World() *World {
	return s.world
}

// Broker returns the broker handle for external actors.
func (s *Scheduler) Broker() *Broker {
	return s.broker
}

// TickControl returns the tick gate.
func (s *Scheduler) TickControl() *TickControl {
	return s.tick
}

// AddListener adds an observer.
func (s *Scheduler) AddListener(l Listener) {
	s.observers = append(s.observers, l)
}

// RegisterHandler installs a handler for Custom commands with the given name.
func (s *Scheduler) RegisterHandler(name string, h CustomHandler) {
	s.handlers[name] = h
}

// Status derives a node's status.
func (s *Scheduler) Status(id NodeID) (EventStatus, error) {
	n, err := s.world.Node(id)
	if err != nil {
		return "", err
	}
	return s.status(n), nil
}

func (s *Scheduler) status(n *Node) EventStatus {
	if n.disposed {
		return StatusDisposed
	}
	if !n.active {
		return StatusInactive
	}
	if s.tick.IsNodePaused(n.ID) {
		return StatusPaused
	}
	op := n.operation
	switch {
	case op == nil:
		return StatusNew
	case op.IsEmpty():
		return StatusScheduled
	case op.Cancelled():
		return StatusCancelled
	case op.consumed:
		return StatusCompleted
	case op.yielded:
		return StatusInProgress
	case op.IsReady():
		return StatusReady
	default:
		return StatusInProgress
	}
}

// Snapshot returns a read-only view of a node.
func (s *Scheduler) Snapshot(id NodeID) (*NodeSnapshot, error) {
	n, err := s.world.Node(id)
	if err != nil {
		return nil, err
	}
	snap := &NodeSnapshot{
		ID:         n.ID,
		Name:       n.Name,
		Kind:       n.Kind,
		Symbol:     n.Thunk.Symbol,
		Status:     s.status(n),
		Transition: n.Transition,
		Runs:       n.runs,
		Attributes: n.Attributes.Clone(),
	}
	if n.Engine != 0 {
		if eng, err := s.world.Node(n.Engine); err == nil {
			snap.Engine = eng.Name
		}
	}
	return snap, nil
}

// Snapshots returns a view of every node in identity order.
func (s *Scheduler) Snapshots() []*NodeSnapshot {
	ids := s.world.IDs()
	out := make([]*NodeSnapshot, 0, len(ids))
	for _, id := range ids {
		if snap, err := s.Snapshot(id); err == nil {
			out = append(out, snap)
		}
	}
	return out
}

// Start starts the root engine.
func (s *Scheduler) Start() error {
	root := s.world.Root()
	if root == 0 {
		return NewValidationError("world has no root engine", nil)
	}
	eng, err := s.world.Node(root)
	if err != nil {
		return err
	}
	return s.startEngine(eng, nil, 0)
}

// Tick runs one iteration of the loop. It returns false without doing anything when
// tick control refuses to tick.
func (s *Scheduler) Tick() bool {
	if !s.tick.CanTick() {
		return false
	}
	s.progressed = 0

	s.applyCommands()
	s.drainBroker()
	s.advance()
	s.tickGuests()
	s.scanEngines()
	s.cleanup()

	s.tick.Update()
	s.recorder.RecordTick(s.tick.Frequency())
	return true
}

// Progressed reports how many state changes the last tick made.
func (s *Scheduler) Progressed() int {
	return s.progressed
}

// SerializedTick waits for every in-progress operation to finish, then ticks.
func (s *Scheduler) SerializedTick(ctx context.Context) (bool, error) {
	for _, id := range s.world.IDs() {
		n := s.world.nodes[id]
		if s.status(n) != StatusInProgress || n.operation == nil || n.operation.yielded {
			continue
		}
		if _, err := n.operation.Wait(ctx); err != nil && ctx.Err() != nil {
			return false, ctx.Err()
		}
	}
	return s.Tick(), nil
}

// ShouldExit reports whether the loop should stop: the root engine fired Exit, or the
// scheduler was started and no node holds pending work any more.
func (s *Scheduler) ShouldExit() bool {
	if s.exit {
		return true
	}
	if !s.started || s.tick.Ticks() == 0 || s.tick.IsPaused() {
		return false
	}
	for _, n := range s.world.nodes {
		if n.halted != nil || len(n.buffer) > 0 {
			return false
		}
		if s.status(n).IsActive() {
			return false
		}
	}
	for _, g := range s.guests {
		if g.Scheduler.started && !g.Scheduler.ShouldExit() {
			return false
		}
	}
	return len(s.detached) == 0
}

// Run ticks until ShouldExit or ctx ends. When a tick makes no progress the loop waits
// briefly instead of spinning.
func (s *Scheduler) Run(ctx context.Context) error {
	s.ctx = ctx
	idle := time.NewTimer(time.Millisecond)
	defer idle.Stop()

	for {
		if err := ctx.Err(); err != nil {
			s.Shutdown()
			return err
		}
		if s.ShouldExit() {
			s.logger.Info().Uint64("ticks", s.tick.Ticks()).Msg("Scheduler exiting")
			return nil
		}
		if s.Tick() && s.progressed > 0 {
			continue
		}

		idle.Reset(time.Millisecond)
		select {
		case <-ctx.Done():
		case <-idle.C:
		}
	}
}

// RunAsync ticks once per interval until ShouldExit or ctx ends. When start is given the
// first tick is aligned to start plus a whole number of intervals.
func (s *Scheduler) RunAsync(ctx context.Context, interval time.Duration, start *time.Time) error {
	s.ctx = ctx
	if interval <= 0 {
		interval = DefaultTickInterval
	}

	if start != nil {
		if delay := alignDelay(*start, s.clock(), interval); delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				s.Shutdown()
				return ctx.Err()
			case <-timer.C:
			}
		}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if s.ShouldExit() {
			s.logger.Info().Uint64("ticks", s.tick.Ticks()).Msg("Scheduler exiting")
			return nil
		}
		s.Tick()

		select {
		case <-ctx.Done():
			s.Shutdown()
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// alignDelay returns the wait until the first instant start + k*interval, k >= 0, that
// is not before now.
func alignDelay(start, now time.Time, interval time.Duration) time.Duration {
	delay := start.Sub(now)
	if delay >= 0 {
		return delay
	}
	delay = interval - (-delay % interval)
	if delay == interval {
		return 0
	}
	return delay
}

// Shutdown cancels every in-flight operation, shuts guests down and closes the broker.
func (s *Scheduler) Shutdown() {
	for _, id := range s.world.IDs() {
		n := s.world.nodes[id]
		if op := n.operation; op != nil && op.Started() && !op.IsReady() {
			_ = op.Cancel()
		}
	}
	for op := range s.detached {
		if !op.IsReady() {
			_ = op.Cancel()
		}
	}
	for _, g := range s.sortedGuests() {
		g.Scheduler.Shutdown()
	}
	s.broker.Close()
	s.logger.Debug().Msg("Scheduler shut down")
}

// ResetAll reschedules every completed or cancelled event node.
func (s *Scheduler) ResetAll() int {
	count := 0
	for _, id := range s.world.IDs() {
		n := s.world.nodes[id]
		if n.Kind == KindEngine {
			continue
		}
		switch s.status(n) {
		case StatusCompleted, StatusCancelled:
			s.resetNode(n)
			count++
		}
	}
	return count
}

// ScanEngineStatus derives the state of every engine. It is computed on every call.
func (s *Scheduler) ScanEngineStatus() []EngineStatus {
	engines := s.world.Engines()
	out := make([]EngineStatus, 0, len(engines))
	for _, id := range engines {
		eng := s.world.nodes[id]
		status := EngineStatus{Engine: id, Name: eng.Name, State: EngineInactive}
		if eng.disposed {
			status.State = EngineDisposed
			out = append(out, status)
			continue
		}
		if eng.Sequence != nil {
			for _, nid := range eng.Sequence.IDs() {
				n, err := s.world.Node(nid)
				if err != nil {
					continue
				}
				if s.status(n) != StatusInactive {
					status.State = EngineActive
					break
				}
			}
		}
		out = append(out, status)
	}
	return out
}

func (s *Scheduler) scanEngines() {
	counts := make(map[EventStatus]int, len(AllEventStatuses))
	for _, n := range s.world.nodes {
		counts[s.status(n)]++
	}
	s.recorder.RecordStatuses(counts)

	for _, es := range s.ScanEngineStatus() {
		if prev, ok := s.lastEngineStates[es.Engine]; ok && prev == es.State {
			continue
		}
		s.lastEngineStates[es.Engine] = es.State
		s.logger.Debug().
			Str("engine", es.Name).
			Str("state", string(es.State)).
			Msg("Engine state changed")
	}
}

func (s *Scheduler) drainBroker() {
	for i := 0; i < s.capacity; i++ {
		u, ok := s.listener.TryNextStatus()
		if !ok {
			break
		}
		s.observers.OnStatusUpdate(u)
	}
	for i := 0; i < s.capacity; i++ {
		c, ok := s.listener.TryNextCompletion()
		if !ok {
			break
		}
		s.observers.OnCompletion(c)
	}
	for i := 0; i < s.capacity; i++ {
		op, ok := s.listener.TryNextOperation()
		if !ok {
			break
		}
		s.receiveOperation(op)
	}
	for i := 0; i < s.capacity; i++ {
		g, ok := s.listener.TryNextGuest()
		if !ok {
			break
		}
		s.registerGuest(g)
	}

	for op := range s.detached {
		if op.IsReady() {
			delete(s.detached, op)
			s.logger.Debug().Str("operation", op.Address()).Msg("Detached operation finished")
		}
	}
}

func (s *Scheduler) receiveOperation(op *Operation) {
	s.observers.OnOperation(op)
	if op.Started() {
		s.detached[op] = struct{}{}
		return
	}
	if err := s.RunAdhoc(op.Name, op.Context()); err != nil {
		s.logger.Debug().Err(err).Str("operation", op.Name).Msg("Adhoc operation request failed")
	}
}

// RunAdhoc activates the named adhoc operation with an optional previous context.
// Unknown names surface as a recoverable ErrorContext.
func (s *Scheduler) RunAdhoc(name string, previous *ThunkContext) error {
	id, err := s.world.Operation(name)
	if err != nil {
		ec := NewErrorContext(0, nil, err)
		s.observers.OnErrorContext(ec)
		s.recorder.RecordError(ErrorCode(err))
		return err
	}
	n := s.world.nodes[id]
	if n.Transition != TransitionSpawn {
		n.activate()
	}
	s.started = true
	return s.arrive(n, previous, 0)
}

func (s *Scheduler) sortedGuests() []*Guest {
	out := make([]*Guest, 0, len(s.guests))
	for _, g := range s.guests {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Scheduler) now() time.Time {
	return s.clock()
}
