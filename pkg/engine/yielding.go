package engine

import "sync"

// Yielding pauses a node at completion until an external actor supplies the
// continuation. The node's result is sent once through the reply channel and the node
// stays in progress until a Resume command arrives.
type Yielding struct {
	reply chan *ThunkContext
	saved *ThunkContext
	once  sync.Once
}

// NewYielding creates a yielding target and returns the receiving end of its reply channel.
// saved, when non-nil, is used as the previous context if the node starts without one.
func NewYielding(saved *ThunkContext) (*Yielding, <-chan *ThunkContext) {
	y := &Yielding{
		reply: make(chan *ThunkContext, 1),
		saved: saved,
	}
	return y, y.reply
}

// Saved returns the saved context.
func (y *Yielding) Saved() *ThunkContext {
	return y.saved
}

// Send delivers the result. Only the first call has an effect.
func (y *Yielding) Send(tc *ThunkContext) bool {
	sent := false
	y.once.Do(func() {
		y.reply <- tc
		close(y.reply)
		sent = true
	})
	return sent
}
