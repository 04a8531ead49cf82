package roles

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/hpcclab/mq-bench/internal/header"
	"github.com/hpcclab/mq-bench/internal/sched"
	"github.com/hpcclab/mq-bench/internal/stats"
	"github.com/hpcclab/mq-bench/internal/transport"
)

// PublisherConfig shapes the open-loop publisher role.
type PublisherConfig struct {
	TopicPrefix    string
	PayloadSize    int
	Rate           float64 // messages per second per publisher; <= 0 is unbounded
	Duration       time.Duration
	Publishers     int
	Topics         int
	ShareTransport bool
}

// Validate fails fast on configuration the role cannot run with.
func (c *PublisherConfig) Validate() error {
	if c.PayloadSize < header.Size {
		return transport.Errf(transport.KindConfig,
			"payload must be at least %d bytes, got %d", header.Size, c.PayloadSize)
	}
	if c.Publishers < 1 {
		return transport.Errf(transport.KindConfig, "publishers must be >= 1, got %d", c.Publishers)
	}
	if c.Topics < 1 {
		return transport.Errf(transport.KindConfig, "topics must be >= 1, got %d", c.Topics)
	}
	return nil
}

// Publisher drives N logical publishers, each with its own scheduler, topic
// and sequence counter.
type Publisher struct {
	common *Common
	cfg    PublisherConfig

	wg     sync.WaitGroup
	extras []transport.Transport // handles owned by this role when not shared
}

// NewPublisher validates cfg and builds the role.
func NewPublisher(common *Common, cfg PublisherConfig) (*Publisher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Publisher{common: common, cfg: cfg}, nil
}

func (p *Publisher) Kind() stats.RoleKind { return stats.KindProducer }

// topicFor picks the topic for publisher index i. With fewer publishers than
// topics only the first indices are active.
func (p *Publisher) topicFor(i int) string {
	if p.cfg.Topics == 1 {
		return p.cfg.TopicPrefix
	}
	return p.cfg.TopicPrefix + "/" + strconv.Itoa(i%p.cfg.Topics)
}

func (p *Publisher) Run(ctx context.Context) error {
	for i := 0; i < p.cfg.Publishers; i++ {
		tr, owned, err := p.common.dialExtra(ctx, p.cfg.ShareTransport)
		if err != nil {
			return err
		}
		if owned {
			p.extras = append(p.extras, tr)
		}
		p.wg.Add(1)
		go p.publishLoop(ctx, tr, p.topicFor(i), p.common.Stats.Handle(i))
	}
	p.wg.Wait()
	return ctx.Err()
}

// publishLoop is one logical publisher: a scheduler tick stamps the header in
// place and hands the buffer to the adapter. Errors are counted, never
// retried; the open loop keeps firing regardless.
func (p *Publisher) publishLoop(ctx context.Context, tr transport.Transport, topic string, h *stats.Handle) {
	defer p.wg.Done()
	buf := header.NewPayload(p.cfg.PayloadSize)
	var seq uint64
	logger := p.common.Logger.With().Str("topic", topic).Logger()

	s := sched.New(p.cfg.Rate, p.cfg.Duration)
	s.Run(ctx, func(uint64) bool {
		header.Stamp(buf, seq, uint64(time.Now().UnixNano()))
		seq++
		if err := tr.Publish(ctx, topic, buf); err != nil {
			h.IncErrors()
			logger.Debug().Err(err).Msg("publish failed")
			return true
		}
		h.IncSent()
		return true
	})
}

// Drain has nothing extra to wait for: publishes are synchronous inside the
// loop, so Run returning means the last send was already accepted.
func (p *Publisher) Drain(context.Context) error { return nil }

// Release shuts the role-owned extra handles; the shared handle is closed by
// the lifecycle.
func (p *Publisher) Release() error {
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
