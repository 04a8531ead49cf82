package roles

import (
	"context"
	"sync"
	"time"

	"github.com/hpcclab/mq-bench/internal/header"
	"github.com/hpcclab/mq-bench/internal/stats"
	"github.com/hpcclab/mq-bench/internal/transport"
)

// SubscriberConfig shapes the subscriber role.
type SubscriberConfig struct {
	Expr           string
	Subscribers    int
	Duration       time.Duration
	ShareTransport bool
}

func (c *SubscriberConfig) Validate() error {
	if c.Expr == "" {
		return transport.Errf(transport.KindConfig, "subscriber requires a key expression")
	}
	if c.Subscribers < 1 {
		return transport.Errf(transport.KindConfig, "subscribers must be >= 1, got %d", c.Subscribers)
	}
	return nil
}

// Subscriber terminates traffic: each delivery is timestamped, the in-payload
// header decoded, and the end-to-end latency pushed to the stats engine. The
// handler body stays minimal because it runs on the adapter's delivery path.
type Subscriber struct {
	common *Common
	cfg    SubscriberConfig

	mu     sync.Mutex
	subs   []transport.Subscription
	extras []transport.Transport
}

func NewSubscriber(common *Common, cfg SubscriberConfig) (*Subscriber, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Subscriber{common: common, cfg: cfg}, nil
}

func (s *Subscriber) Kind() stats.RoleKind { return stats.KindConsumer }

func (s *Subscriber) handlerFor(h *stats.Handle) transport.Handler {
	return func(_ string, payload []byte) {
		now := time.Now().UnixNano()
		hdr, err := header.Decode(payload)
		if err != nil {
			h.IncErrors()
			return
		}
		h.IncRecv()
		lat := now - int64(hdr.TimestampNS)
		if lat < 0 {
			lat = 0 // clock skew on cross-host runs
		}
		h.RecordLatency(lat)
	}
}

func (s *Subscriber) Run(ctx context.Context) error {
	for i := 0; i < s.cfg.Subscribers; i++ {
		tr, owned, err := s.common.dialExtra(ctx, s.cfg.ShareTransport)
		if err != nil {
			return err
		}
		if owned {
			s.extras = append(s.extras, tr)
		}
		sub, err := tr.Subscribe(ctx, s.cfg.Expr, s.handlerFor(s.common.Stats.Handle(i)))
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.subs = append(s.subs, sub)
		s.mu.Unlock()
	}
	return s.watch(ctx)
}

// watch blocks until cancellation, probing transport health once a second.
// On the first failed probe it attempts one reconnect inside the grace
// window; a second failure terminates the role.
func (s *Subscriber) watch(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	reconnected := false
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.common.Transport.HealthCheck(ctx); err == nil {
				continue
			} else if reconnected || s.common.Dial == nil {
				return transport.Wrap(transport.KindDisconnected, err)
			}
			s.common.Logger.Warn().Msg("transport unhealthy, attempting one reconnect")
			if err := s.reconnect(ctx); err != nil {
				return err
			}
			reconnected = true
		}
	}
}

// reconnect dials a fresh shared handle and re-registers every subscription.
func (s *Subscriber) reconnect(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, s.common.GraceTimeout)
	defer cancel()
	tr, err := s.common.Dial(dialCtx)
	if err != nil {
		return transport.Wrap(transport.KindDisconnected, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = s.subs[:0]
	old := s.common.Transport
	s.common.Transport = tr
	go old.Shutdown(context.Background())
	for i := 0; i < s.cfg.Subscribers; i++ {
		sub, err := tr.Subscribe(ctx, s.cfg.Expr, s.handlerFor(s.common.Stats.Handle(i)))
		if err != nil {
			return err
		}
		s.subs = append(s.subs, sub)
	}
	s.common.Logger.Info().Msg("reconnected and resubscribed")
	return nil
}

func (s *Subscriber) Drain(context.Context) error { return nil }

// Release unsubscribes everything; the unsubscribe is guaranteed even when
// individual calls fail part-way.
func (s *Subscriber) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
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
