package sched

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateFidelity(t *testing.T) {
	var ticks atomic.Uint64
	s := New(500, time.Second)
	start := time.Now()
	s.Run(context.Background(), func(uint64) bool {
		ticks.Add(1)
		return true
	})
	elapsed := time.Since(start)

	n := ticks.Load()
	assert.InDelta(t, 500, float64(n), 15, "ticks over 1s at rate 500")
	assert.InDelta(t, time.Second.Seconds(), elapsed.Seconds(), 0.2)
}

func TestCatchUpAfterSlowCaller(t *testing.T) {
	// One slow tick stalls the loop; the absolute-deadline arithmetic must
	// make up the backlog so the total still lands near rate * duration.
	var ticks int
	slow := true
	s := New(200, time.Second)
	s.Run(context.Background(), func(uint64) bool {
		ticks++
		if slow {
			slow = false
			time.Sleep(300 * time.Millisecond)
		}
		return true
	})
	assert.InDelta(t, 200, float64(ticks), 10)
}

func TestUnboundedStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var ticks atomic.Uint64
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		New(-1, 0).Run(ctx, func(uint64) bool {
			ticks.Add(1)
			return true
		})
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("unbounded scheduler did not stop on cancellation")
	}
	assert.Greater(t, ticks.Load(), uint64(0))
}

func TestFireFalseStopsLoop(t *testing.T) {
	var ticks int
	New(-1, 0).Run(context.Background(), func(uint64) bool {
		ticks++
		return ticks < 10
	})
	require.Equal(t, 10, ticks)
}

func TestDurationZeroRunsUntilCancel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	var ticks int
	New(100, 0).Run(ctx, func(uint64) bool {
		ticks++
		return true
	})
	assert.Greater(t, ticks, 5)
}

func TestTickIndexIsSequential(t *testing.T) {
	var seen []uint64
	New(-1, 0).Run(context.Background(), func(n uint64) bool {
		seen = append(seen, n)
		return len(seen) < 5
	})
	require.Equal(t, []uint64{0, 1, 2, 3, 4}, seen)
}
