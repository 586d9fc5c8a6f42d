package engine

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// countingPlugin records every call.
type countingPlugin struct {
	symbol string
	calls  atomic.Int32

	mu       sync.Mutex
	previous []*AttributeGraph
}

func newCountingPlugin(symbol string) *countingPlugin {
	return &countingPlugin{symbol: symbol}
}

func (p *countingPlugin) Symbol() string      { return p.symbol }
func (p *countingPlugin) Description() string { return "counts calls" }
func (p *countingPlugin) Caveats() string     { return "" }

func (p *countingPlugin) Call(ctx context.Context, tc *ThunkContext) (*ThunkContext, error) {
	p.calls.Add(1)
	p.mu.Lock()
	p.previous = append(p.previous, tc.Previous())
	p.mu.Unlock()
	out := tc.Clone()
	out.State().Set("visited_"+p.symbol, true)
	return out, nil
}

func (p *countingPlugin) lastPrevious() *AttributeGraph {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.previous) == 0 {
		return nil
	}
	return p.previous[len(p.previous)-1]
}

// blockingPlugin waits for release or cancellation.
type blockingPlugin struct {
	symbol  string
	release chan struct{}
	calls   atomic.Int32
}

func newBlockingPlugin(symbol string) *blockingPlugin {
	return &blockingPlugin{symbol: symbol, release: make(chan struct{}, 16)}
}

func (p *blockingPlugin) Symbol() string      { return p.symbol }
func (p *blockingPlugin) Description() string { return "blocks until released" }
func (p *blockingPlugin) Caveats() string     { return "" }

func (p *blockingPlugin) Call(ctx context.Context, tc *ThunkContext) (*ThunkContext, error) {
	p.calls.Add(1)
	select {
	case <-p.release:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func failingPlugin(symbol string) Plugin {
	return &FuncPlugin{
		Name: symbol,
		Fn: func(ctx context.Context, tc *ThunkContext) (*ThunkContext, error) {
			return nil, errors.New("boom")
		},
	}
}

// tickUntil drives serialized ticks until cond holds.
func tickUntil(t *testing.T, s *Scheduler, cond func() bool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := 0; i < 1000; i++ {
		if cond() {
			return
		}
		if _, err := s.SerializedTick(ctx); err != nil {
			t.Fatalf("Serialized tick failed: %v", err)
		}
		if s.Progressed() == 0 {
			time.Sleep(time.Millisecond)
		}
	}
	t.Fatal("Condition not reached after 1000 ticks")
}

func mustLoad(t *testing.T, g *CompiledGraph) *World {
	t.Helper()
	w, err := Load(g)
	if err != nil {
		t.Fatalf("Failed to load graph: %v", err)
	}
	return w
}

func nodeByName(t *testing.T, w *World, engine, name string) *Node {
	t.Helper()
	engID, err := w.Engine(engine)
	if err != nil {
		t.Fatalf("Engine %s not found: %v", engine, err)
	}
	for _, id := range w.nodes[engID].Sequence.IDs() {
		if w.nodes[id].Name == name {
			return w.nodes[id]
		}
	}
	t.Fatalf("Event %s not found in engine %s", name, engine)
	return nil
}

func TestScheduler_RepeatLifecycle(t *testing.T) {
	plugin := newCountingPlugin("count")
	registry := NewRegistry()
	registry.MustRegister(plugin)

	w := mustLoad(t, &CompiledGraph{
		Engines: []EngineSpec{{
			Name: "main",
			Events: []EventSpec{
				{Name: "a", Plugin: "count"},
				{Name: "b", Plugin: "count"},
			},
			Lifecycle: LifecycleSpec{Kind: "repeat", Count: 1},
		}},
	})

	s := NewScheduler(w, registry)
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	tickUntil(t, s, s.ShouldExit)

	if got := plugin.calls.Load(); got != 4 {
		t.Errorf("Expected 4 plugin calls, got %d", got)
	}
	if !s.exit {
		t.Error("Expected root engine to fire exit")
	}
}

func TestScheduler_NextLifecycleCarriesState(t *testing.T) {
	first := newCountingPlugin("first")
	second := newCountingPlugin("second")
	registry := NewRegistry()
	registry.MustRegister(first, second)

	w := mustLoad(t, &CompiledGraph{
		Root: "setup",
		Engines: []EngineSpec{
			{
				Name:      "setup",
				Events:    []EventSpec{{Name: "prepare", Plugin: "first"}},
				Lifecycle: LifecycleSpec{Kind: "next", Targets: []string{"work"}},
			},
			{
				Name:   "work",
				Events: []EventSpec{{Name: "process", Plugin: "second"}},
			},
		},
	})

	s := NewScheduler(w, registry)
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	tickUntil(t, s, s.ShouldExit)

	if first.calls.Load() != 1 || second.calls.Load() != 1 {
		t.Fatalf("Expected one call each, got %d and %d", first.calls.Load(), second.calls.Load())
	}
	prev := second.lastPrevious()
	if prev == nil {
		t.Fatal("Expected second engine to receive the previous state")
	}
	if v, ok := prev.FindBool("visited_first"); !ok || !v {
		t.Error("Expected previous state to carry visited_first")
	}

	process := nodeByName(t, w, "work", "process")
	prepare := nodeByName(t, w, "setup", "prepare")
	workID, _ := w.Engine("work")
	rec := w.nodes[workID].Connection.Activity(prepare.ID)
	if rec.State != ActivityCompleted {
		t.Errorf("Expected connection activity completed, got %s", rec.State)
	}
	if status, _ := s.Status(process.ID); status != StatusCompleted {
		t.Errorf("Expected process completed, got %s", status)
	}
}

func TestScheduler_OnceTransition(t *testing.T) {
	plugin := newCountingPlugin("count")
	registry := NewRegistry()
	registry.MustRegister(plugin)

	w := mustLoad(t, &CompiledGraph{
		Engines: []EngineSpec{{
			Name:   "main",
			Events: []EventSpec{{Name: "init", Plugin: "count", Transition: "once"}},
		}},
	})
	n := nodeByName(t, w, "main", "init")
	s := NewScheduler(w, registry)

	for i := 0; i < 2; i++ {
		if err := s.Send(Activate(n.ID)); err != nil {
			t.Fatalf("Send activate failed: %v", err)
		}
	}
	tickUntil(t, s, func() bool {
		st, _ := s.Status(n.ID)
		return st == StatusCompleted
	})

	if err := s.Apply(Activate(n.ID)); err != nil {
		t.Fatalf("Second activate failed: %v", err)
	}
	tickUntil(t, s, s.ShouldExit)

	if got := plugin.calls.Load(); got != 1 {
		t.Errorf("Expected 1 plugin call, got %d", got)
	}
}

func TestScheduler_SpawnCleanup(t *testing.T) {
	plugin := newCountingPlugin("count")
	registry := NewRegistry()
	registry.MustRegister(plugin)

	w := mustLoad(t, &CompiledGraph{
		Engines: []EngineSpec{{
			Name:   "main",
			Events: []EventSpec{{Name: "branch", Plugin: "count", Transition: "spawn"}},
		}},
	})
	source := nodeByName(t, w, "main", "branch")
	s := NewScheduler(w, registry)
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	tickUntil(t, s, s.ShouldExit)

	if source.Connection == nil || len(source.Connection.Spawned()) != 1 {
		t.Fatal("Expected one spawned entry on the source connection")
	}
	spawned := source.Connection.Spawned()[0].Spawned
	if source.Active() {
		t.Error("Expected the spawning node itself to stay inactive")
	}

	// delete_spawned applies on the next tick, cleanup_connection on the one after.
	s.Tick()
	if st, _ := s.Status(spawned); st != StatusDisposed {
		t.Fatalf("Expected spawned node disposed, got %s", st)
	}
	for _, cmd := range []NodeCommand{Activate(spawned), Reset(spawned), Resume(spawned)} {
		if err := s.Apply(cmd); ErrorCode(err) != ErrCodeInvalidCommand {
			t.Errorf("Expected %s on a disposed node to fail with INVALID_COMMAND, got %v", cmd, err)
		}
	}
	if st, _ := s.Status(spawned); st != StatusDisposed {
		t.Fatalf("Expected spawned node to stay disposed, got %s", st)
	}
	s.Tick()

	if w.Exists(spawned) {
		t.Error("Expected spawned node removed from the world")
	}
	if len(source.Connection.Spawned()) != 0 {
		t.Error("Expected spawned entry removed from the connection")
	}
	if plugin.calls.Load() != 1 {
		t.Errorf("Expected 1 plugin call, got %d", plugin.calls.Load())
	}
}

func TestScheduler_StopOnErrorWithFixer(t *testing.T) {
	after := newCountingPlugin("after")
	fixer := newCountingPlugin("fix")
	registry := NewRegistry()
	registry.MustRegister(failingPlugin("fail"), after, fixer)

	w := mustLoad(t, &CompiledGraph{
		Engines: []EngineSpec{{
			Name: "main",
			Events: []EventSpec{
				{Name: "risky", Plugin: "fail", StopOnError: true, Fixer: "repair"},
				{Name: "next", Plugin: "after"},
			},
		}},
		Operations: []EventSpec{{Name: "repair", Plugin: "fix"}},
	})
	risky := nodeByName(t, w, "main", "risky")
	repair, err := w.Operation("repair")
	if err != nil {
		t.Fatalf("Operation lookup failed: %v", err)
	}

	var failures []*ErrorContext
	s := NewScheduler(w, registry, WithListener(&errorCollector{out: &failures}))
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	tickUntil(t, s, func() bool { return risky.Halted() != nil })

	for i := 0; i < 5; i++ {
		s.Tick()
	}
	if s.ShouldExit() {
		t.Fatal("Expected halted sequence to keep the scheduler alive")
	}
	if after.calls.Load() != 0 {
		t.Fatal("Expected sequence not to advance past the failed node")
	}
	if len(failures) != 1 || failures[0].Fixer != repair || !failures[0].StopOnError() {
		t.Fatalf("Expected one stop-on-error context naming the fixer, got %+v", failures)
	}

	if err := s.Apply(Resume(repair)); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	tickUntil(t, s, s.ShouldExit)

	if fixer.calls.Load() != 1 {
		t.Errorf("Expected fixer to run once, got %d", fixer.calls.Load())
	}
	if prev := fixer.lastPrevious(); prev == nil {
		t.Error("Expected fixer to receive the error graph")
	} else if msg, _ := prev.FindString("error"); msg == "" {
		t.Error("Expected error message in the fixer's previous state")
	}
	if after.calls.Load() != 1 {
		t.Errorf("Expected sequence to advance after repair, got %d calls", after.calls.Load())
	}
	if risky.Halted() != nil {
		t.Error("Expected halt cleared")
	}
}

func TestScheduler_ContinueOnError(t *testing.T) {
	after := newCountingPlugin("after")
	registry := NewRegistry()
	registry.MustRegister(failingPlugin("fail"), after)

	w := mustLoad(t, &CompiledGraph{
		Engines: []EngineSpec{{
			Name: "main",
			Events: []EventSpec{
				{Name: "risky", Plugin: "fail"},
				{Name: "next", Plugin: "after"},
			},
		}},
	})
	s := NewScheduler(w, registry)
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	tickUntil(t, s, s.ShouldExit)

	if after.calls.Load() != 1 {
		t.Errorf("Expected sequence to continue past the failure, got %d calls", after.calls.Load())
	}
}

func TestScheduler_MissingPluginIsRecoverable(t *testing.T) {
	w := mustLoad(t, &CompiledGraph{
		Engines: []EngineSpec{{
			Name:   "main",
			Events: []EventSpec{{Name: "ghost", Plugin: "missing"}},
		}},
	})
	var failures []*ErrorContext
	s := NewScheduler(w, NewRegistry(), WithListener(&errorCollector{out: &failures}))
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	tickUntil(t, s, s.ShouldExit)

	if len(failures) != 1 {
		t.Fatalf("Expected one error context, got %d", len(failures))
	}
	if ErrorCode(failures[0].Err) != ErrCodePluginNotFound {
		t.Errorf("Expected PLUGIN_NOT_FOUND, got %s", ErrorCode(failures[0].Err))
	}
}

func TestScheduler_YieldingAndResume(t *testing.T) {
	plugin := newCountingPlugin("count")
	registry := NewRegistry()
	registry.MustRegister(plugin)

	w := mustLoad(t, &CompiledGraph{
		Engines:    []EngineSpec{{Name: "main", Events: []EventSpec{{Name: "a", Plugin: "count"}}}},
		Operations: []EventSpec{{Name: "ask", Plugin: "count"}},
	})
	ask, _ := w.Operation("ask")
	s := NewScheduler(w, registry)

	y, reply := NewYielding(nil)
	if err := s.SendYielding(Activate(ask), y); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	var got *ThunkContext
	tickUntil(t, s, func() bool {
		select {
		case got = <-reply:
			return true
		default:
			return false
		}
	})
	if got == nil {
		t.Fatal("Expected a yielded context")
	}
	if st, _ := s.Status(ask); st != StatusInProgress {
		t.Fatalf("Expected yielded node in progress, got %s", st)
	}

	if err := s.Apply(Resume(ask)); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if st, _ := s.Status(ask); st != StatusCompleted {
		t.Errorf("Expected completed after resume, got %s", st)
	}
}

func TestScheduler_BufferTransition(t *testing.T) {
	plugin := newBlockingPlugin("block")
	registry := NewRegistry()
	registry.MustRegister(plugin)

	w := NewWorld()
	n := w.Create("queue", KindOperation)
	n.Thunk = Thunk{Symbol: "block"}
	n.Transition = TransitionBuffer
	s := NewScheduler(w, registry)

	first := NewThunkContext(0, AttributesFromMap(map[string]interface{}{"item": 1}))
	second := NewThunkContext(0, AttributesFromMap(map[string]interface{}{"item": 2}))
	s.deliver(n, first, 0)
	s.deliver(n, second, 0)

	if n.Buffered() != 1 {
		t.Fatalf("Expected 1 buffered arrival, got %d", n.Buffered())
	}

	plugin.release <- struct{}{}
	plugin.release <- struct{}{}
	tickUntil(t, s, s.ShouldExit)

	if n.Runs() != 2 {
		t.Errorf("Expected 2 runs, got %d", n.Runs())
	}
	if v, _ := n.Operation().Context().SearchInt("item"); v != 2 {
		t.Errorf("Expected second arrival replayed, got item=%d", v)
	}
}

func TestScheduler_SelectTransition(t *testing.T) {
	plugin := newBlockingPlugin("block")
	registry := NewRegistry()
	registry.MustRegister(plugin, newCountingPlugin("count"))

	w := NewWorld()
	a := w.Create("a", KindOperation)
	a.Thunk = Thunk{Symbol: "block"}
	b := w.Create("b", KindOperation)
	b.Thunk = Thunk{Symbol: "block"}
	target := w.Create("target", KindOperation)
	target.Thunk = Thunk{Symbol: "count"}
	target.Transition = TransitionSelect
	target.Connection = NewConnection(target.ID)
	target.Connection.AddIncoming(a.ID)
	target.Connection.AddIncoming(b.ID)

	s := NewScheduler(w, registry)
	s.deliver(a, nil, 0)
	s.deliver(b, nil, 0)
	s.deliver(target, a.Operation().Context(), a.ID)

	if !b.Operation().Cancelled() {
		t.Error("Expected the other incoming node to be cancelled")
	}
	if a.Operation().Cancelled() {
		t.Error("Expected the selected node to keep running")
	}
	if rec := target.Connection.Activity(a.ID); rec.State != ActivityStarted {
		t.Errorf("Expected activity started, got %s", rec.State)
	}
	s.Shutdown()
}

func TestScheduler_StartTransitionCancelsRunning(t *testing.T) {
	plugin := newBlockingPlugin("block")
	registry := NewRegistry()
	registry.MustRegister(plugin)

	w := NewWorld()
	n := w.Create("worker", KindOperation)
	n.Thunk = Thunk{Symbol: "block"}
	s := NewScheduler(w, registry)

	s.deliver(n, nil, 0)
	firstOp := n.Operation()
	s.deliver(n, nil, 0)

	if !firstOp.Cancelled() {
		t.Error("Expected the running operation to be cancelled")
	}
	if n.Operation() == firstOp {
		t.Error("Expected a fresh operation")
	}
	s.Shutdown()
}

func TestScheduler_RunLimit(t *testing.T) {
	plugin := newCountingPlugin("count")
	registry := NewRegistry()
	registry.MustRegister(plugin)

	w := mustLoad(t, &CompiledGraph{
		Engines: []EngineSpec{{
			Name:      "main",
			Events:    []EventSpec{{Name: "a", Plugin: "count", Limit: 2}},
			Lifecycle: LifecycleSpec{Kind: "repeat", Count: 4},
		}},
	})
	s := NewScheduler(w, registry)
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	tickUntil(t, s, func() bool { return plugin.calls.Load() >= 2 && s.ShouldExit() })

	if got := plugin.calls.Load(); got != 2 {
		t.Errorf("Expected limit to cap calls at 2, got %d", got)
	}
}

func TestScheduler_PauseAndResumeNode(t *testing.T) {
	plugin := newCountingPlugin("count")
	registry := NewRegistry()
	registry.MustRegister(plugin)

	w := mustLoad(t, &CompiledGraph{
		Engines: []EngineSpec{{Name: "main", Events: []EventSpec{{Name: "a", Plugin: "count"}}}},
	})
	n := nodeByName(t, w, "main", "a")
	s := NewScheduler(w, registry)

	if err := s.Apply(Pause(n.ID)); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}
	if err := s.Apply(Activate(n.ID)); err != nil {
		t.Fatalf("Activate failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		s.Tick()
	}
	if st, _ := s.Status(n.ID); st != StatusPaused {
		t.Fatalf("Expected paused, got %s", st)
	}
	if plugin.calls.Load() != 0 {
		t.Fatal("Expected paused node not to start")
	}

	if err := s.Apply(Resume(n.ID)); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	tickUntil(t, s, s.ShouldExit)
	if plugin.calls.Load() != 1 {
		t.Errorf("Expected 1 call after resume, got %d", plugin.calls.Load())
	}
}

func TestScheduler_ResetAndCancel(t *testing.T) {
	plugin := newCountingPlugin("count")
	registry := NewRegistry()
	registry.MustRegister(plugin)

	w := mustLoad(t, &CompiledGraph{
		Engines:    []EngineSpec{{Name: "main", Events: []EventSpec{{Name: "a", Plugin: "count"}}}},
		Operations: []EventSpec{{Name: "op", Plugin: "count"}},
	})
	op, _ := w.Operation("op")
	s := NewScheduler(w, registry)

	if err := s.Apply(Reset(op)); err == nil {
		t.Fatal("Expected reset of an inactive node to fail")
	} else if ErrorCode(err) != ErrCodeInvalidCommand {
		t.Errorf("Expected INVALID_COMMAND, got %s", ErrorCode(err))
	}

	if err := s.RunAdhoc("op", nil); err != nil {
		t.Fatalf("RunAdhoc failed: %v", err)
	}
	tickUntil(t, s, func() bool {
		st, _ := s.Status(op)
		return st == StatusCompleted
	})

	if err := s.Apply(Reset(op)); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if st, _ := s.Status(op); st != StatusScheduled {
		t.Fatalf("Expected scheduled after reset, got %s", st)
	}
	if err := s.Apply(Cancel(op)); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if st, _ := s.Status(op); st != StatusInactive {
		t.Errorf("Expected cancelled placeholder to be inactive, got %s", st)
	}
	if plugin.calls.Load() != 1 {
		t.Errorf("Expected 1 call, got %d", plugin.calls.Load())
	}
}

func TestScheduler_RunAdhocUnknown(t *testing.T) {
	var failures []*ErrorContext
	s := NewScheduler(NewWorld(), NewRegistry(), WithListener(&errorCollector{out: &failures}))

	err := s.RunAdhoc("nope", nil)
	if err == nil {
		t.Fatal("Expected error for unknown operation")
	}
	if len(failures) != 1 {
		t.Errorf("Expected the failure surfaced as an error context, got %d", len(failures))
	}
}

func TestScheduler_SwapIsIdempotent(t *testing.T) {
	registry := NewRegistry()
	registry.MustRegister(newCountingPlugin("count"))

	w := mustLoad(t, &CompiledGraph{
		Engines: []EngineSpec{{
			Name: "main",
			Events: []EventSpec{
				{Name: "a", Plugin: "count"},
				{Name: "b", Plugin: "count"},
			},
		}},
		Operations: []EventSpec{{Name: "alt", Plugin: "count"}},
	})
	eng, _ := w.Engine("main")
	b := nodeByName(t, w, "main", "b")
	alt, _ := w.Operation("alt")
	s := NewScheduler(w, registry)

	for i := 0; i < 2; i++ {
		if err := s.Apply(Swap(eng, b.ID, alt)); err != nil {
			t.Fatalf("Swap %d failed: %v", i, err)
		}
	}
	ids := w.nodes[eng].Sequence.IDs()
	if len(ids) != 2 || ids[1] != alt {
		t.Errorf("Expected sequence [a alt], got %v", ids)
	}
}

func TestScheduler_CustomHandler(t *testing.T) {
	w := NewWorld()
	n := w.Create("n", KindOperation)
	s := NewScheduler(w, NewRegistry())

	var handled NodeID
	s.RegisterHandler("mark", func(s *Scheduler, target NodeID) error {
		handled = target
		return nil
	})
	if err := s.Apply(Custom("mark", n.ID)); err != nil {
		t.Fatalf("Custom failed: %v", err)
	}
	if handled != n.ID {
		t.Errorf("Expected handler called with %d, got %d", n.ID, handled)
	}

	err := s.Apply(Custom("unknown", n.ID))
	if ErrorCode(err) != ErrCodeNotFound {
		t.Errorf("Expected NOT_FOUND, got %v", err)
	}
}

func TestScheduler_AdmissionDenied(t *testing.T) {
	w := NewWorld()
	n := w.Create("n", KindOperation)
	journal := &recordingJournal{}
	s := NewScheduler(w, NewRegistry(),
		WithAdmitter(denyAll{reason: "frozen"}),
		WithJournal(journal),
	)

	err := s.Apply(Activate(n.ID))
	if ErrorCode(err) != ErrCodeDenied {
		t.Fatalf("Expected DENIED, got %v", err)
	}
	if n.Active() {
		t.Error("Expected denied command not to activate the node")
	}
	if len(journal.entries) != 1 || journal.entries[0] != OutcomeDenied+":frozen" {
		t.Errorf("Expected denied journal entry, got %v", journal.entries)
	}
}

func TestScheduler_UnknownNodeCommand(t *testing.T) {
	s := NewScheduler(NewWorld(), NewRegistry())
	err := s.Apply(Activate(42))
	if !IsUnknownNode(err) {
		t.Errorf("Expected unknown node error, got %v", err)
	}
}

func TestScheduler_Guest(t *testing.T) {
	plugin := newCountingPlugin("count")
	registry := NewRegistry()
	registry.MustRegister(plugin)

	gw := mustLoad(t, &CompiledGraph{
		Engines: []EngineSpec{{Name: "inner", Events: []EventSpec{{Name: "a", Plugin: "count"}}}},
	})
	guest := NewScheduler(gw, registry)
	if err := guest.Start(); err != nil {
		t.Fatalf("Guest start failed: %v", err)
	}

	var completions []Completion
	host := NewScheduler(NewWorld(), registry, WithListener(&completionCollector{out: &completions}))
	g := NewGuest(0, guest)
	if err := host.Broker().TrySendGuest(g); err != nil {
		t.Fatalf("Send guest failed: %v", err)
	}

	tickUntil(t, host, func() bool {
		for _, c := range completions {
			if c.Guest == g.ID {
				return true
			}
		}
		return false
	})
	if len(host.Guests()) != 1 {
		t.Errorf("Expected 1 guest, got %d", len(host.Guests()))
	}
	if plugin.calls.Load() != 1 {
		t.Errorf("Expected guest plugin called once, got %d", plugin.calls.Load())
	}
}

func TestScheduler_RunExits(t *testing.T) {
	plugin := newCountingPlugin("count")
	registry := NewRegistry()
	registry.MustRegister(plugin)

	w := mustLoad(t, &CompiledGraph{
		Engines: []EngineSpec{{Name: "main", Events: []EventSpec{{Name: "a", Plugin: "count"}}}},
	})
	s := NewScheduler(w, registry)
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if plugin.calls.Load() != 1 {
		t.Errorf("Expected 1 call, got %d", plugin.calls.Load())
	}
}

func TestScheduler_RunStopsOnContext(t *testing.T) {
	registry := NewRegistry()
	registry.MustRegister(newCountingPlugin("count"))
	w := mustLoad(t, &CompiledGraph{
		Engines: []EngineSpec{{
			Name:      "main",
			Events:    []EventSpec{{Name: "a", Plugin: "count"}},
			Lifecycle: LifecycleSpec{Kind: "loop"},
		}},
	})
	s := NewScheduler(w, registry)
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := s.Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}
	if !s.Broker().Closed() {
		t.Error("Expected broker closed after shutdown")
	}
}

func TestScheduler_DeleteSpawnedNeedsFinishedNode(t *testing.T) {
	plugin := newCountingPlugin("count")
	registry := NewRegistry()
	registry.MustRegister(plugin)

	w := NewWorld()
	src := w.Create("src", KindOperation)
	src.Thunk = Thunk{Symbol: "count"}
	s := NewScheduler(w, registry)

	if err := s.Apply(Spawn(src.ID)); err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	spawned := src.Connection.Spawned()[0].Spawned
	if st, _ := s.Status(spawned); st != StatusNew {
		t.Fatalf("Expected spawned node new, got %s", st)
	}

	err := s.Apply(Custom(HandlerDeleteSpawned, spawned))
	if ErrorCode(err) != ErrCodeInvalidCommand {
		t.Fatalf("Expected INVALID_COMMAND, got %v", err)
	}
	if st, _ := s.Status(spawned); st != StatusNew {
		t.Errorf("Expected spawned node to stay new, got %s", st)
	}

	tickUntil(t, s, func() bool {
		st, _ := s.Status(spawned)
		return st == StatusCompleted
	})
	if err := s.Apply(Custom(HandlerDeleteSpawned, spawned)); err != nil {
		t.Fatalf("Expected completed spawned node to be deleted: %v", err)
	}
	if err := s.Apply(Activate(spawned)); err == nil {
		t.Error("Expected activate of a disposed node to fail")
	}
	if plugin.calls.Load() != 1 {
		t.Errorf("Expected 1 plugin call, got %d", plugin.calls.Load())
	}
}

func TestScheduler_PausingInactiveNode(t *testing.T) {
	registry := NewRegistry()
	registry.MustRegister(newCountingPlugin("count"))

	w := mustLoad(t, &CompiledGraph{
		Root: "main",
		Engines: []EngineSpec{
			{Name: "main", Events: []EventSpec{{Name: "a", Plugin: "count"}}},
			{Name: "idle", Events: []EventSpec{{Name: "b", Plugin: "count"}}},
		},
	})
	b := nodeByName(t, w, "idle", "b")
	s := NewScheduler(w, registry)

	if err := s.Apply(Pause(b.ID)); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}
	if st, _ := s.Status(b.ID); st != StatusInactive {
		t.Fatalf("Expected paused inactive node to report inactive, got %s", st)
	}

	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	tickUntil(t, s, s.ShouldExit)

	for _, es := range s.ScanEngineStatus() {
		if es.Name == "idle" && es.State != EngineInactive {
			t.Errorf("Expected idle engine inactive, got %s", es.State)
		}
	}
}

// pollTicks drives plain ticks until cond holds. Unlike tickUntil it never waits on
// running operations.
func pollTicks(t *testing.T, s *Scheduler, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("Condition not reached before deadline")
		}
		s.Tick()
		time.Sleep(time.Millisecond)
	}
}

func TestScheduler_ForkStartsEverySuccessor(t *testing.T) {
	compile := newCountingPlugin("count")
	hold := newBlockingPlugin("hold")
	registry := NewRegistry()
	registry.MustRegister(compile, hold)

	w := mustLoad(t, &CompiledGraph{
		Root: "build",
		Engines: []EngineSpec{
			{
				Name:      "build",
				Events:    []EventSpec{{Name: "compile", Plugin: "count"}},
				Lifecycle: LifecycleSpec{Kind: "fork", Targets: []string{"deploy", "notify"}},
			},
			{Name: "deploy", Events: []EventSpec{{Name: "push", Plugin: "hold"}}},
			{Name: "notify", Events: []EventSpec{{Name: "send", Plugin: "hold"}}},
		},
	})
	push := nodeByName(t, w, "deploy", "push")
	send := nodeByName(t, w, "notify", "send")
	s := NewScheduler(w, registry)
	defer s.Shutdown()

	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	pollTicks(t, s, func() bool { return hold.calls.Load() == 2 })

	states := make(map[string]EngineState)
	for _, es := range s.ScanEngineStatus() {
		states[es.Name] = es.State
	}
	if states["deploy"] != EngineActive || states["notify"] != EngineActive {
		t.Fatalf("Expected both fork targets active, got %v", states)
	}
	for _, n := range []*Node{push, send} {
		if st, _ := s.Status(n.ID); st != StatusInProgress {
			t.Errorf("Expected %s in progress, got %s", n.Name, st)
		}
	}

	hold.release <- struct{}{}
	hold.release <- struct{}{}
	pollTicks(t, s, s.ShouldExit)

	for _, n := range []*Node{push, send} {
		if st, _ := s.Status(n.ID); st != StatusCompleted {
			t.Errorf("Expected %s completed, got %s", n.Name, st)
		}
	}
	if compile.calls.Load() != 1 {
		t.Errorf("Expected the root engine to run once, got %d", compile.calls.Load())
	}
}

// stubbornPlugin ignores cancellation and returns a result only when released.
type stubbornPlugin struct {
	release chan struct{}
	calls   atomic.Int32
}

func (p *stubbornPlugin) Symbol() string      { return "stubborn" }
func (p *stubbornPlugin) Description() string { return "ignores cancellation" }
func (p *stubbornPlugin) Caveats() string     { return "" }

func (p *stubbornPlugin) Call(ctx context.Context, tc *ThunkContext) (*ThunkContext, error) {
	p.calls.Add(1)
	<-p.release
	out := tc.Clone()
	out.State().Set("late", true)
	return out, nil
}

func TestScheduler_LateResultAfterCancelIsDiscarded(t *testing.T) {
	slow := &stubbornPlugin{release: make(chan struct{})}
	next := newCountingPlugin("count")
	registry := NewRegistry()
	registry.MustRegister(slow, next)

	w := mustLoad(t, &CompiledGraph{
		Engines: []EngineSpec{{
			Name: "main",
			Events: []EventSpec{
				{Name: "a", Plugin: "stubborn"},
				{Name: "b", Plugin: "count"},
			},
		}},
	})
	a := nodeByName(t, w, "main", "a")
	var completed []Completion
	s := NewScheduler(w, registry, WithListener(&completionCollector{out: &completed}))

	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	pollTicks(t, s, func() bool { return slow.calls.Load() == 1 })

	if err := s.Apply(Cancel(a.ID)); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	close(slow.release)
	pollTicks(t, s, func() bool { return a.Operation().IsReady() && len(completed) == 1 })
	for i := 0; i < 5; i++ {
		s.Tick()
	}

	if st, _ := s.Status(a.ID); st != StatusCancelled {
		t.Errorf("Expected cancelled, got %s", st)
	}
	if next.calls.Load() != 0 {
		t.Errorf("Expected the run not to step past a cancelled node, got %d calls", next.calls.Load())
	}
	if a.lastResult != nil {
		t.Error("Expected the late result not to be consumed")
	}
	if !s.ShouldExit() {
		t.Error("Expected nothing left to do after the cancel")
	}
}

func TestAlignDelay(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		start    time.Time
		interval time.Duration
		want     time.Duration
	}{
		{name: "future start", start: now.Add(80 * time.Millisecond), interval: 10 * time.Millisecond, want: 80 * time.Millisecond},
		{name: "start is now", start: now, interval: 10 * time.Millisecond, want: 0},
		{name: "past start between ticks", start: now.Add(-25 * time.Millisecond), interval: 10 * time.Millisecond, want: 5 * time.Millisecond},
		{name: "past start on a tick", start: now.Add(-30 * time.Millisecond), interval: 10 * time.Millisecond, want: 0},
		{name: "far past start", start: now.Add(-time.Hour), interval: 7 * time.Millisecond, want: 2 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := alignDelay(tt.start, now, tt.interval); got != tt.want {
				t.Errorf("alignDelay() = %v, want %v", got, tt.want)
			}
		})
	}
}

// firstTick records when the scheduler first delivered a completion.
type firstTick struct {
	NopListener
	at time.Time
}

func (f *firstTick) OnCompletion(Completion) {
	if f.at.IsZero() {
		f.at = time.Now()
	}
}

func TestScheduler_RunAsyncAlignsFirstTick(t *testing.T) {
	tests := []struct {
		name   string
		offset time.Duration
	}{
		{name: "start in the future", offset: 60 * time.Millisecond},
		{name: "start in the past", offset: -time.Hour},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			registry := NewRegistry()
			registry.MustRegister(newCountingPlugin("count"))
			w := mustLoad(t, &CompiledGraph{
				Engines: []EngineSpec{{Name: "main", Events: []EventSpec{{Name: "a", Plugin: "count"}}}},
			})
			first := &firstTick{}
			s := NewScheduler(w, registry, WithListener(first))
			if err := s.Start(); err != nil {
				t.Fatalf("Start failed: %v", err)
			}

			start := time.Now().Add(tt.offset)
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.RunAsync(ctx, 5*time.Millisecond, &start); err != nil {
				t.Fatalf("RunAsync failed: %v", err)
			}

			if first.at.IsZero() {
				t.Fatal("Expected a completion to be delivered")
			}
			if tt.offset > 0 && first.at.Before(start) {
				t.Errorf("Expected the first tick at or after %v, got %v", start, first.at)
			}
			if s.TickControl().Ticks() == 0 {
				t.Error("Expected at least one tick")
			}
		})
	}
}

func TestGuestForwarder_LogsDroppedCompletion(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf).Level(zerolog.DebugLevel)
	host, _ := NewBroker(1, logger)
	host.Close()

	f := &guestForwarder{guest: "g-1", host: host, logger: logger}
	f.OnCompletion(Completion{Node: 3, Symbol: "println"})

	if !strings.Contains(buf.String(), "Guest completion not relayed") || !strings.Contains(buf.String(), `"guest":"g-1"`) {
		t.Errorf("Expected the dropped completion to be logged, got %q", buf.String())
	}
}

type errorCollector struct {
	NopListener
	out *[]*ErrorContext
}

func (c *errorCollector) OnErrorContext(ec *ErrorContext) {
	*c.out = append(*c.out, ec)
}

type completionCollector struct {
	NopListener
	out *[]Completion
}

func (c *completionCollector) OnCompletion(comp Completion) {
	*c.out = append(*c.out, comp)
}

type denyAll struct {
	reason string
}

func (d denyAll) Admit(ctx context.Context, cmd NodeCommand, target *NodeSnapshot) (*Admission, error) {
	return &Admission{Allowed: false, Reasons: []string{d.reason}}, nil
}

type recordingJournal struct {
	entries []string
}

func (j *recordingJournal) RecordCommand(ctx context.Context, cmd NodeCommand, outcome, reason string) error {
	j.entries = append(j.entries, outcome+":"+reason)
	return nil
}
