package bgthread

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStopAndJoinStopsLoop(t *testing.T) {
	ticks := 0
	th := Start(func(ctx context.Context) {
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Millisecond):
				ticks++
			}
		}
	})
	time.Sleep(20 * time.Millisecond)
	th.StopAndJoin()
	require.Greater(t, ticks, 0)

	after := ticks
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, after, ticks, "goroutine kept running after StopAndJoin returned")
}

func TestJoinWaitsForNaturalCompletion(t *testing.T) {
	done := false
	th := Start(func(ctx context.Context) {
		done = true
	})
	th.Join()
	require.True(t, done)
}
