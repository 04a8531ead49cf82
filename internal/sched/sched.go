// Package sched provides the open-loop tick generator that drives publishers
// and requesters. Ticks fire on absolute deadlines computed from the start
// instant, so a slow downstream never shifts the cadence: the scheduler
// catches up by firing backlogged ticks immediately, then resumes. Overload
// is deliberately exposed rather than absorbed.
package sched

import (
	"context"
	"time"
)

// Scheduler emits ticks at a fixed rate for a bounded or unbounded duration.
type Scheduler struct {
	interval time.Duration // 0 means unbounded: fire as fast as the caller consumes
	duration time.Duration // 0 means run until ctx is cancelled
}

// New builds a scheduler for rate messages per second. rate <= 0 selects
// unbounded mode. duration 0 runs until cancellation.
func New(rate float64, duration time.Duration) *Scheduler {
	var interval time.Duration
	if rate > 0 {
		interval = time.Duration(float64(time.Second) / rate)
		if interval <= 0 {
			interval = time.Nanosecond
		}
	}
	return &Scheduler{interval: interval, duration: duration}
}

// Run invokes fire once per tick, passing the zero-based tick index, until
// the configured duration elapses, ctx is cancelled, or fire returns false.
// fire is called from this goroutine; it owns whatever concurrency it needs.
// There is no backpressure path: a slow fire delays subsequent calls but the
// deadline arithmetic stays anchored to the start instant, so the scheduler
// fires the backlog without sleeping until it has caught up.
func (s *Scheduler) Run(ctx context.Context, fire func(n uint64) bool) {
	start := time.Now()
	var deadline time.Time
	if s.duration > 0 {
		deadline = start.Add(s.duration)
	}

	timer := time.NewTimer(0)
	defer timer.Stop()
	if !timer.Stop() {
		<-timer.C
	}

	for n := uint64(0); ; n++ {
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return
		}
		if s.interval > 0 {
			next := start.Add(time.Duration(n) * s.interval)
			if wait := time.Until(next); wait > 0 {
				timer.Reset(wait)
				select {
				case <-ctx.Done():
					if !timer.Stop() {
						<-timer.C
					}
					return
				case <-timer.C:
				}
			}
		} else {
			select {
			case <-ctx.Done():
				return
			default:
			}
		}
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return
		}
		if ctx.Err() != nil {
			return
		}
		if !fire(n) {
			return
		}
	}
}
