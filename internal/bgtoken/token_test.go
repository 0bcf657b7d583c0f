package bgtoken

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoanRoundTrip(t *testing.T) {
	tok := New()
	ctx := context.Background()

	acquired := make(chan struct{})
	go func() {
		require.NoError(t, tok.Acquire(ctx))
		close(acquired)
		tok.Release()
	}()

	require.NoError(t, tok.WaitToLoan(ctx))
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("background never acquired the token")
	}
}

func TestWaitToLoanRespectsContext(t *testing.T) {
	tok := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := tok.WaitToLoan(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestCloseUnblocksWaiters(t *testing.T) {
	tok := New()
	errCh := make(chan error, 1)
	go func() {
		errCh <- tok.Acquire(context.Background())
	}()
	time.Sleep(10 * time.Millisecond)
	tok.Close()
	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("Acquire never unblocked on Close")
	}
}
