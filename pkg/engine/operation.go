package engine

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
)

// TaskFunc is the body of an operation task.
type TaskFunc func(ctx context.Context, tc *ThunkContext) (*ThunkContext, error)

// Operation is one bound execution of a plugin against a ThunkContext. It owns the
// task handle and a one-shot cancellation channel.
type Operation struct {
	// Name is the operation address.
	Name string

	// Tag optionally qualifies the address, usually the plugin symbol.
	Tag string

	// context is the bound input context.
	context *ThunkContext

	// previous is the predecessor result the context was built from.
	previous *ThunkContext

	// source is the node that delivered the arrival.
	source NodeID

	started bool
	done    chan struct{}
	result  *ThunkContext
	err     error

	cancelCh  chan struct{}
	signalled atomic.Bool

	consumed bool
	yielded  bool

	startedAt  time.Time
	finishedAt time.Time
}

// NewOperation creates an unstarted operation bound to tc.
func NewOperation(name, tag string, tc *ThunkContext) *Operation {
	return &Operation{
		Name:     name,
		Tag:      tag,
		context:  tc,
		done:     make(chan struct{}),
		cancelCh: make(chan struct{}),
	}
}

func newScheduledOperation(name string, previous *ThunkContext) *Operation {
	op := NewOperation(name, "", nil)
	op.previous = previous
	return op
}

// Address returns "name" or "name#tag".
func (o *Operation) Address() string {
	if o.Tag == "" {
		return o.Name
	}
	return fmt.Sprintf("%s#%s", o.Name, o.Tag)
}

// Context returns the bound input context.
func (o *Operation) Context() *ThunkContext {
	return o.context
}

// Start launches the task. The task context is cancelled when Cancel is called or when
// ctx ends. Starting twice is a no-op.
func (o *Operation) Start(ctx context.Context, fn TaskFunc) {
	if o.started {
		return
	}
	o.started = true
	o.startedAt = time.Now()

	if ctx == nil {
		ctx = context.Background()
	}
	runCtx, cancel := context.WithCancel(ctx)
	tc := o.context
	if tc == nil {
		tc = NewThunkContext(0, nil)
	}
	tc = tc.withContext(runCtx)

	go func() {
		defer close(o.done)
		defer cancel()

		go func() {
			select {
			case <-o.cancelCh:
				cancel()
			case <-runCtx.Done():
			}
		}()

		res, err := fn(runCtx, tc)
		if res == nil && err == nil {
			res = tc
		}
		o.result = res
		o.err = err
		o.finishedAt = time.Now()
	}()
}

// Execute starts the operation running p over the node's pending attribute stream.
func (o *Operation) Execute(ctx context.Context, p Plugin) {
	o.Start(ctx, func(ctx context.Context, tc *ThunkContext) (*ThunkContext, error) {
		return Execute(ctx, p, tc)
	})
}

// Execute drives the pending attribute stream of tc's state through p, folding each
// result into the running context and stopping at the first failure. A state without
// pending attributes is passed through p once.
func Execute(ctx context.Context, p Plugin, tc *ThunkContext) (*ThunkContext, error) {
	running := tc.Clone()
	called := false

	for {
		attr, ok := running.state.TakePending()
		if !ok {
			break
		}
		called = true

		step := running.withCurrent(attr)
		out, err := p.Call(ctx, step)
		if err != nil {
			return running, err
		}
		if out != nil {
			running = out
		} else {
			running = step
		}
		running.current = nil

		if ctx.Err() != nil {
			return running, ctx.Err()
		}
	}

	if called {
		return running, nil
	}

	out, err := p.Call(ctx, running)
	if err != nil {
		return running, err
	}
	if out == nil {
		return running, nil
	}
	return out, nil
}

// Cancel signals the task once. A second call returns ErrAlreadySignalled.
func (o *Operation) Cancel() error {
	if !o.signalled.CompareAndSwap(false, true) {
		return NewPermanentError("operation already cancelled", nil).
			WithCode(ErrCodeAlreadySignalled).
			WithOperation(o.Address())
	}
	close(o.cancelCh)
	return nil
}

// Cancelled reports whether Cancel was called.
func (o *Operation) Cancelled() bool {
	return o.signalled.Load()
}

// Started reports whether a task was launched.
func (o *Operation) Started() bool {
	return o.started
}

// IsEmpty reports whether the operation is only a placeholder without a task.
func (o *Operation) IsEmpty() bool {
	return !o.started
}

// IsReady reports whether the task has finished.
func (o *Operation) IsReady() bool {
	if !o.started {
		return false
	}
	select {
	case <-o.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the task finishes or ctx ends.
func (o *Operation) Wait(ctx context.Context) (*ThunkContext, error) {
	if !o.started {
		return nil, NewPermanentError("operation not started", nil).WithOperation(o.Address())
	}
	select {
	case <-o.done:
		return o.result, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// WaitIfReady returns the result without blocking. ok is false while the task runs.
func (o *Operation) WaitIfReady() (tc *ThunkContext, err error, ok bool) {
	if !o.IsReady() {
		return nil, nil, false
	}
	return o.result, o.err, true
}

// WaitWithTimeout blocks until the task finishes or the timeout elapses.
func (o *Operation) WaitWithTimeout(timeout time.Duration) (*ThunkContext, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return o.Wait(ctx)
}

// Result returns the task result. It must only be called once IsReady is true.
func (o *Operation) Result() (*ThunkContext, error) {
	return o.result, o.err
}

// Duration returns how long the task ran, or has been running.
func (o *Operation) Duration() time.Duration {
	if o.startedAt.IsZero() {
		return 0
	}
	if !o.IsReady() {
		return time.Since(o.startedAt)
	}
	return o.finishedAt.Sub(o.startedAt)
}

// Consumed reports whether the scheduler already took the result.
func (o *Operation) Consumed() bool {
	return o.consumed
}

// finish records a result without running a task.
func (o *Operation) finish(res *ThunkContext, err error) {
	o.started = true
	o.startedAt = time.Now()
	o.finishedAt = o.startedAt
	o.result = res
	o.err = err
	close(o.done)
}
