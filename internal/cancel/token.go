// Package cancel provides the cooperative cancellation token shared by the
// aggregator and the turn orchestrator.
package cancel

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrCancelled is the cause attached to contexts derived from a cancelled token.
var ErrCancelled = errors.New("cancelled")

// Token is a one-shot cancellation signal owned by a single turn. Readers poll
// Cancelled at suspension points or wait on Done; Cancel is idempotent.
//
// A nil *Token is valid and never cancels.
type Token struct {
	cancelled atomic.Bool
	done      chan struct{}

	mu     sync.Mutex
	nextID int
	subs   map[int]func()
}

// New returns a live token.
func New() *Token {
	return &Token{
		done: make(chan struct{}),
		subs: make(map[int]func()),
	}
}

// Cancel signals the token. Subscribers run once, synchronously, on the
// first call.
func (t *Token) Cancel() {
	if t == nil || !t.cancelled.CompareAndSwap(false, true) {
		return
	}

	t.mu.Lock()
	close(t.done)
	subs := t.subs
	t.subs = nil
	t.mu.Unlock()

	for _, fn := range subs {
		fn()
	}
}

// Cancelled reports whether Cancel has been called.
func (t *Token) Cancelled() bool {
	return t != nil && t.cancelled.Load()
}

// Done returns a channel closed on cancellation. A nil token returns a nil
// channel, which blocks forever in a select.
func (t *Token) Done() <-chan struct{} {
	if t == nil {
		return nil
	}
	return t.done
}

// OnCancel registers fn to run when the token is cancelled. If the token is
// already cancelled fn runs immediately. The returned func unsubscribes.
func (t *Token) OnCancel(fn func()) (unsubscribe func()) {
	if t == nil {
		return func() {}
	}

	t.mu.Lock()
	if t.subs == nil {
		t.mu.Unlock()
		fn()
		return func() {}
	}
	id := t.nextID
	t.nextID++
	t.subs[id] = fn
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.subs != nil {
			delete(t.subs, id)
		}
	}
}

// Context derives a context that is cancelled, with cause ErrCancelled, when
// the token fires. The returned stop func releases the subscription and the
// derived context.
func (t *Token) Context(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(parent)
	unsubscribe := t.OnCancel(func() { cancel(ErrCancelled) })
	return ctx, func() {
		unsubscribe()
		cancel(context.Canceled)
	}
}
