// Package bgtoken implements the foreground/background rendezvous baton
// spec.md §5 describes: a background maintenance task (digest/combine)
// acquires the token to touch a managed dtable's state, and the
// foreground can ask for it back (WaitToLoan) to perform an operation
// that must not race with background work, without either side
// busy-waiting.
package bgtoken

import (
	"context"

	"github.com/nathansgreen/anvil/internal/anverr"
)

// ErrClosed is returned by any wait on a closed Token.
var ErrClosed = anverr.New("bgtoken", anverr.IO)

// Token is a single-slot baton passed between exactly one foreground
// holder and one background task. It starts out held by the
// foreground.
type Token struct {
	loan   chan struct{}
	ret    chan struct{}
	closed chan struct{}
}

// New returns a Token initially held by the foreground.
func New() *Token {
	return &Token{
		loan:   make(chan struct{}),
		ret:    make(chan struct{}),
		closed: make(chan struct{}),
	}
}

// WaitToLoan is called by the foreground: it hands the token to
// whichever background goroutine is waiting in Acquire, then blocks
// until that goroutine calls Release. On return, the foreground holds
// the token again.
func (t *Token) WaitToLoan(ctx context.Context) error {
	select {
	case t.loan <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-t.closed:
		return ErrClosed
	}
	select {
	case <-t.ret:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-t.closed:
		return ErrClosed
	}
}

// Acquire is called by the background task: it blocks until the
// foreground loans the token via WaitToLoan.
func (t *Token) Acquire(ctx context.Context) error {
	select {
	case <-t.loan:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-t.closed:
		return ErrClosed
	}
}

// Release is called by the background task once it is done with the
// work it acquired the token for, handing control back to whichever
// foreground call is blocked in WaitToLoan.
func (t *Token) Release() {
	select {
	case t.ret <- struct{}{}:
	case <-t.closed:
	}
}

// Close unblocks any pending WaitToLoan/Acquire with ErrClosed, used
// during managed-dtable shutdown so a background maintenance loop
// doesn't wait forever on a token nobody will loan again.
func (t *Token) Close() {
	select {
	case <-t.closed:
	default:
		close(t.closed)
	}
}
