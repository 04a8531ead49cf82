package roles

import (
	"context"
	"time"

	"github.com/hpcclab/mq-bench/internal/stats"
	"github.com/hpcclab/mq-bench/internal/transport"
)

// ResponderConfig shapes the query-serving role.
type ResponderConfig struct {
	ServePrefixes []string
	ReplySize     int
	ProcDelay     time.Duration
	Duration      time.Duration
}

func (c *ResponderConfig) Validate() error {
	if len(c.ServePrefixes) == 0 {
		return transport.Errf(transport.KindConfig, "responder requires at least one serve prefix")
	}
	if c.ReplySize < 0 {
		return transport.Errf(transport.KindConfig, "reply size must be >= 0, got %d", c.ReplySize)
	}
	if c.ProcDelay < 0 {
		return transport.Errf(transport.KindConfig, "proc delay must be >= 0, got %s", c.ProcDelay)
	}
	return nil
}

// Responder serves inbound queries with a fixed-size zero-filled reply after
// an optional simulated processing delay. Replies carry no latency header:
// the requester measures wall-clock round-trip itself.
type Responder struct {
	common *Common
	cfg    ResponderConfig

	regs []transport.Registration
}

func NewResponder(common *Common, cfg ResponderConfig) (*Responder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Responder{common: common, cfg: cfg}, nil
}

func (r *Responder) Kind() stats.RoleKind { return stats.KindProducer }

func (r *Responder) Run(ctx context.Context) error {
	reply := make([]byte, r.cfg.ReplySize)
	for i, prefix := range r.cfg.ServePrefixes {
		h := r.common.Stats.Handle(i)
		reg, err := r.common.Transport.RegisterResponder(ctx, prefix,
			func(_ string, _ []byte, rep transport.Replier) {
				h.IncRecv()
				if r.cfg.ProcDelay > 0 {
					time.Sleep(r.cfg.ProcDelay)
				}
				if err := rep.Send(reply); err != nil {
					h.IncErrors()
					r.common.Logger.Debug().Err(err).Msg("reply failed")
					return
				}
				rep.End()
				h.IncSent()
			})
		if err != nil {
			return err
		}
		r.regs = append(r.regs, reg)
		r.common.Logger.Info().Str("prefix", prefix).Msg("serving queries")
	}
	<-ctx.Done()
	return ctx.Err()
}

func (r *Responder) Drain(context.Context) error { return nil }

func (r *Responder) Release() error {
	var firstErr error
	for _, reg := range r.regs {
		if err := reg.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	r.regs = nil
	return firstErr
}
