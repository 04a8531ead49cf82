// Package sysmon samples the harness's own CPU and memory so overload on the
// measuring side is visible next to the numbers it produces.
package sysmon

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"
)

// Sampler logs process CPU percent and RSS at a fixed interval, debug level.
type Sampler struct {
	proc     *process.Process
	interval time.Duration
	logger   zerolog.Logger
}

// New returns a sampler for the current process, or nil if the process
// handle cannot be obtained (sampling is best-effort).
func New(interval time.Duration, logger zerolog.Logger) *Sampler {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		logger.Debug().Err(err).Msg("process self-observation unavailable")
		return nil
	}
	return &Sampler{proc: p, interval: interval, logger: logger}
}

// Run samples until ctx is cancelled. Safe to call on a nil Sampler.
func (s *Sampler) Run(ctx context.Context) {
	if s == nil {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cpu, err := s.proc.CPUPercentWithContext(ctx)
			if err != nil {
				continue
			}
			ev := s.logger.Debug().Float64("cpu_pct", cpu)
			if mem, err := s.proc.MemoryInfoWithContext(ctx); err == nil {
				ev = ev.Uint64("rss_bytes", mem.RSS)
			}
			ev.Msg("harness resource usage")
		}
	}
}
