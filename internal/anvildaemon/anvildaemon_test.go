package anvildaemon

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type countingTable struct {
	calls   int32
	failFor int32
}

func (c *countingTable) Maintain(ctx context.Context, force bool) error {
	n := atomic.AddInt32(&c.calls, 1)
	if n <= c.failFor {
		return errors.New("simulated maintenance failure")
	}
	return nil
}

func TestSchedulerRunsOnTick(t *testing.T) {
	tbl := &countingTable{}
	s := New(30*time.Millisecond, slog.Default())
	s.Register("t1", tbl)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&tbl.calls) >= 1
	}, time.Second, 5*time.Millisecond)
}

func TestSchedulerTriggerRunsImmediately(t *testing.T) {
	tbl := &countingTable{}
	s := New(time.Hour, slog.Default())
	s.Register("t1", tbl)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()

	require.NoError(t, s.Trigger(ctx, ""))
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&tbl.calls) >= 1
	}, time.Second, 5*time.Millisecond)
}

func TestSchedulerRetriesFailuresAndSurfacesStats(t *testing.T) {
	tbl := &countingTable{failFor: 2}
	s := New(time.Hour, slog.Default())
	s.Register("t1", tbl)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()

	require.NoError(t, s.Trigger(ctx, ""))
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&tbl.calls) >= 3
	}, 5*time.Second, 20*time.Millisecond)

	stats := s.Stats()
	require.Equal(t, 1, stats.RegisteredTables)
}

func TestUnregisterStopsSchedulingThatTable(t *testing.T) {
	tbl := &countingTable{}
	s := New(time.Hour, slog.Default())
	s.Register("t1", tbl)
	s.Unregister("t1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()

	require.NoError(t, s.Trigger(ctx, ""))
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, int32(0), atomic.LoadInt32(&tbl.calls))
}
