package roles

import (
	"context"
	"sync"
	"time"

	"github.com/hpcclab/mq-bench/internal/header"
	"github.com/hpcclab/mq-bench/internal/keyspace"
	"github.com/hpcclab/mq-bench/internal/sched"
	"github.com/hpcclab/mq-bench/internal/stats"
	"github.com/hpcclab/mq-bench/internal/transport"
)

// MultiPublisherConfig shapes the multi-topic publisher: many logical
// publishers, each writing to its own multi-segment key.
type MultiPublisherConfig struct {
	Scenario       keyspace.Scenario
	Publishers     int
	PayloadSize    int
	Rate           float64
	Duration       time.Duration
	ShareTransport bool
}

func (c *MultiPublisherConfig) Validate() error {
	if err := c.Scenario.Validate(); err != nil {
		return transport.Wrap(transport.KindConfig, err)
	}
	if c.Publishers < 1 {
		return transport.Errf(transport.KindConfig, "publishers must be >= 1, got %d", c.Publishers)
	}
	if c.PayloadSize < header.Size {
		return transport.Errf(transport.KindConfig,
			"payload must be at least %d bytes, got %d", header.Size, c.PayloadSize)
	}
	return nil
}

// MultiPublisher exercises keyspace spread: client i publishes to
// Scenario.Key(i), optionally all over one shared handle.
type MultiPublisher struct {
	common *Common
	cfg    MultiPublisherConfig

	wg     sync.WaitGroup
	extras []transport.Transport
}

func NewMultiPublisher(common *Common, cfg MultiPublisherConfig) (*MultiPublisher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &MultiPublisher{common: common, cfg: cfg}, nil
}

func (p *MultiPublisher) Kind() stats.RoleKind { return stats.KindProducer }

func (p *MultiPublisher) Run(ctx context.Context) error {
	for i := 0; i < p.cfg.Publishers; i++ {
		tr, owned, err := p.common.dialExtra(ctx, p.cfg.ShareTransport)
		if err != nil {
			return err
		}
		if owned {
			p.extras = append(p.extras, tr)
		}
		key := p.cfg.Scenario.Key(i)
		h := p.common.Stats.Handle(i)
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			buf := header.NewPayload(p.cfg.PayloadSize)
			var seq uint64
			s := sched.New(p.cfg.Rate, p.cfg.Duration)
			s.Run(ctx, func(uint64) bool {
				header.Stamp(buf, seq, uint64(time.Now().UnixNano()))
				seq++
				if err := tr.Publish(ctx, key, buf); err != nil {
					h.IncErrors()
					return true
				}
				h.IncSent()
				return true
			})
		}()
	}
	p.wg.Wait()
	return ctx.Err()
}

func (p *MultiPublisher) Drain(context.Context) error { return nil }

func (p *MultiPublisher) Release() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var firstErr error
	for _, tr := range p.extras {
		if err := tr.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// MultiSubscriberConfig shapes the multi-topic subscriber. Every logical
// subscriber registers for exactly one key, no wildcards, to expose
// per-subscription overhead on the broker.
type MultiSubscriberConfig struct {
	Scenario       keyspace.Scenario
	Subscribers    int
	Duration       time.Duration
	ShareTransport bool
}

func (c *MultiSubscriberConfig) Validate() error {
	if err := c.Scenario.Validate(); err != nil {
		return transport.Wrap(transport.KindConfig, err)
	}
	if c.Subscribers < 1 {
		return transport.Errf(transport.KindConfig, "subscribers must be >= 1, got %d", c.Subscribers)
	}
	return nil
}

// MultiSubscriber subscribes per-key across the scenario keyspace.
type MultiSubscriber struct {
	common *Common
	cfg    MultiSubscriberConfig

	subs   []transport.Subscription
	extras []transport.Transport
}

func NewMultiSubscriber(common *Common, cfg MultiSubscriberConfig) (*MultiSubscriber, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &MultiSubscriber{common: common, cfg: cfg}, nil
}

func (s *MultiSubscriber) Kind() stats.RoleKind { return stats.KindConsumer }

func (s *MultiSubscriber) Run(ctx context.Context) error {
	for i := 0; i < s.cfg.Subscribers; i++ {
		tr, owned, err := s.common.dialExtra(ctx, s.cfg.ShareTransport)
		if err != nil {
			return err
		}
		if owned {
			s.extras = append(s.extras, tr)
		}
		h := s.common.Stats.Handle(i)
		sub, err := tr.Subscribe(ctx, s.cfg.Scenario.Key(i), func(_ string, payload []byte) {
			now := time.Now().UnixNano()
			hdr, err := header.Decode(payload)
			if err != nil {
				h.IncErrors()
				return
			}
			h.IncRecv()
			lat := now - int64(hdr.TimestampNS)
			if lat < 0 {
				lat = 0
			}
			h.RecordLatency(lat)
		})
		if err != nil {
			return err
		}
		s.subs = append(s.subs, sub)
	}
	<-ctx.Done()
	return ctx.Err()
}

func (s *MultiSubscriber) Drain(context.Context) error { return nil }

func (s *MultiSubscriber) Release() error {
	var firstErr error
	for _, sub := range s.subs {
		if err := sub.Unsubscribe(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.subs = nil
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, tr := range s.extras {
		if err := tr.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
