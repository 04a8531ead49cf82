// Package roles composes the benchmark roles: each one wires a transport
// handle, the stats engine, the snapshot task, and the shutdown sequence into
// a single process lifetime. A role runs until its duration expires, the
// process is interrupted, or a fatal error surfaces.
package roles

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/hpcclab/mq-bench/internal/stats"
	"github.com/hpcclab/mq-bench/internal/sysmon"
	"github.com/hpcclab/mq-bench/internal/transport"
)

// Role is one benchmark mode. Run generates or consumes traffic until ctx is
// cancelled or the role's duration elapses. Drain waits for in-flight work
// under the deadline carried by its ctx. Release frees subscriptions and
// responder registrations; it is guaranteed to run before transport shutdown.
type Role interface {
	Kind() stats.RoleKind
	Run(ctx context.Context) error
	Drain(ctx context.Context) error
	Release() error
}

// Common is the wiring shared by every role.
type Common struct {
	Logger           zerolog.Logger
	Stats            *stats.Stats
	Transport        transport.Transport
	Dial             func(ctx context.Context) (transport.Transport, error) // extra handles when transport is not shared
	SnapshotInterval time.Duration
	CSVPath          string
	GraceTimeout     time.Duration
	MetricsAddr      string
}

// Execute drives one role through its full lifecycle:
// run -> stop scheduler (ctx) -> drain under grace -> release registrations
// -> final snapshot -> transport shutdown. A ctx cancellation (signal or
// duration) is a clean exit; only genuine failures return an error.
func (c *Common) Execute(ctx context.Context, r Role) error {
	snapCtx, stopSnap := context.WithCancel(context.Background())
	defer stopSnap()

	sn := stats.NewSnapshotter(c.Stats, r.Kind(), c.SnapshotInterval, c.CSVPath)
	snapDone := make(chan error, 1)
	go func() { snapDone <- sn.Run(snapCtx) }()

	if c.MetricsAddr != "" {
		ms := stats.NewMetricsServer(c.MetricsAddr, c.Stats, c.Transport.HealthCheck, c.Logger)
		ms.Start()
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			ms.Stop(stopCtx)
		}()
	}

	monCtx, stopMon := context.WithCancel(context.Background())
	defer stopMon()
	go sysmon.New(c.SnapshotInterval, c.Logger).Run(monCtx)

	runErr := r.Run(ctx)
	if errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded) {
		runErr = nil
	}

	graceCtx, cancelGrace := context.WithTimeout(context.Background(), c.GraceTimeout)
	if err := r.Drain(graceCtx); err != nil {
		c.Logger.Warn().Err(err).Msg("drain did not finish within grace deadline")
	}
	cancelGrace()

	if err := r.Release(); err != nil {
		c.Logger.Warn().Err(err).Msg("failed to release registrations")
	}

	// Final snapshot: cancelling the snapshot task makes it emit one last row
	// stamped now, then close the CSV writer.
	stopSnap()
	if err := <-snapDone; err != nil && runErr == nil {
		runErr = transport.Wrap(transport.KindOther, err)
	}

	shutCtx, cancelShut := context.WithTimeout(context.Background(), c.GraceTimeout)
	defer cancelShut()
	if err := c.Transport.Shutdown(shutCtx); err != nil {
		c.Logger.Warn().Err(err).Msg("transport shutdown reported an error")
	}

	c.Stats.Close()
	c.logSummary(r.Kind())
	return runErr
}

func (c *Common) logSummary(kind stats.RoleKind) {
	sn := stats.NewSnapshotter(c.Stats, kind, time.Second, "")
	final := sn.Take(time.Now())
	c.Logger.Info().
		Uint64("sent", final.Sent).
		Uint64("recv", final.Recv).
		Uint64("errors", final.Errors).
		Uint64("stats_drops", c.Stats.StatsDrops()).
		Float64("total_tps", final.TotalTPS).
		Dur("elapsed", time.Since(c.Stats.Epoch())).
		Msg("run complete")
}

// dialExtra returns a fresh handle when share-transport is off, or the shared
// one otherwise.
func (c *Common) dialExtra(ctx context.Context, share bool) (transport.Transport, bool, error) {
	if share || c.Dial == nil {
		return c.Transport, false, nil
	}
	tr, err := c.Dial(ctx)
	if err != nil {
		return nil, false, err
	}
	return tr, true, nil
}
