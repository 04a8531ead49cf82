package roles

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/hpcclab/mq-bench/internal/header"
	"github.com/hpcclab/mq-bench/internal/sched"
	"github.com/hpcclab/mq-bench/internal/stats"
	"github.com/hpcclab/mq-bench/internal/transport"
)

// RequesterConfig shapes the request/reply load role.
type RequesterConfig struct {
	KeyExpr     string
	QPS         float64
	Concurrency int64
	Timeout     time.Duration
	Duration    time.Duration
	PayloadSize int
}

func (c *RequesterConfig) Validate() error {
	if c.KeyExpr == "" {
		return transport.Errf(transport.KindConfig, "requester requires a key expression")
	}
	if c.Concurrency < 1 {
		return transport.Errf(transport.KindConfig, "concurrency must be >= 1, got %d", c.Concurrency)
	}
	if c.Timeout <= 0 {
		return transport.Errf(transport.KindConfig, "timeout must be positive, got %s", c.Timeout)
	}
	if c.PayloadSize < header.Size {
		return transport.Errf(transport.KindConfig,
			"payload must be at least %d bytes, got %d", header.Size, c.PayloadSize)
	}
	return nil
}

// Requester fires requests on the scheduler's cadence. In-flight requests are
// bounded by a counting semaphore; only the round-trip of a successful
// request reaches the latency histogram — timeouts count as errors and
// nothing else.
type Requester struct {
	common *Common
	cfg    RequesterConfig

	sem *semaphore.Weighted
	wg  sync.WaitGroup
}

func NewRequester(common *Common, cfg RequesterConfig) (*Requester, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Requester{
		common: common,
		cfg:    cfg,
		sem:    semaphore.NewWeighted(cfg.Concurrency),
	}, nil
}

func (r *Requester) Kind() stats.RoleKind { return stats.KindConsumer }

func (r *Requester) Run(ctx context.Context) error {
	tr := r.common.Transport
	h := r.common.Stats.Handle(0)
	payload := header.NewPayload(r.cfg.PayloadSize)
	var seq uint64

	s := sched.New(r.cfg.QPS, r.cfg.Duration)
	s.Run(ctx, func(uint64) bool {
		if err := r.sem.Acquire(ctx, 1); err != nil {
			return false
		}
		body := make([]byte, len(payload))
		copy(body, payload)
		header.Stamp(body, seq, uint64(time.Now().UnixNano()))
		seq++

		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			defer r.sem.Release(1)
			start := time.Now()
			h.IncSent()
			if _, err := tr.Request(ctx, r.cfg.KeyExpr, body, r.cfg.Timeout); err != nil {
				h.IncErrors()
				if transport.KindOf(err) != transport.KindTimeout {
					r.common.Logger.Debug().Err(err).Msg("request failed")
				}
				return
			}
			h.IncRecv()
			h.RecordLatency(time.Since(start).Nanoseconds())
		}()
		return true
	})
	return ctx.Err()
}

// Drain waits for in-flight requests up to the grace deadline.
func (r *Requester) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Requester) Release() error { return nil }
