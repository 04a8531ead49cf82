package transport

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/hpcclab/mq-bench/internal/config"
	"github.com/hpcclab/mq-bench/internal/transport/distbus"
)

// distBusAdapter binds the capability surface to one distbus session. The
// bus does its own key-expression matching server-side (`*`, `**`), so
// expressions pass through untouched; query serving uses the bus's queryable
// primitive with selector-prefix registration.
type distBusAdapter struct {
	session *distbus.Session
	logger  zerolog.Logger
}

func dialDistBus(_ context.Context, opts *config.Options, logger zerolog.Logger) (Transport, error) {
	endpoint, ok := opts.Get("endpoint")
	if !ok {
		return nil, Errf(KindConfig, "distributed-bus engine requires the endpoint connect key")
	}
	mode := opts.GetDefault("mode", "client")
	if mode != "client" && mode != "peer" {
		return nil, Errf(KindConfig, "distributed-bus mode %q is not client or peer", mode)
	}

	session, err := distbus.Open(endpoint, mode, 5*time.Second)
	if err != nil {
		return nil, Wrap(KindConnect, err)
	}
	logger.Info().Str("endpoint", endpoint).Str("mode", mode).Msg("distbus session open")
	return &distBusAdapter{session: session, logger: logger}, nil
}

func (d *distBusAdapter) mapErr(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, distbus.ErrClosed) {
		return Wrap(KindDisconnected, err)
	}
	return Wrap(kind, err)
}

func (d *distBusAdapter) Publish(_ context.Context, topic string, payload []byte) error {
	return d.mapErr(KindPublish, d.session.Publish(topic, payload))
}

type distBusSub struct {
	session *distbus.Session
	id      uint32
}

func (s *distBusSub) Unsubscribe() error { return s.session.Unsubscribe(s.id) }

func (d *distBusAdapter) Subscribe(_ context.Context, expr string, handler Handler) (Subscription, error) {
	id, err := d.session.Subscribe(expr, func(key string, body []byte) {
		handler(key, body)
	})
	if err != nil {
		return nil, d.mapErr(KindSubscribe, err)
	}
	return &distBusSub{session: d.session, id: id}, nil
}

func (d *distBusAdapter) Request(_ context.Context, subject string, payload []byte, timeout time.Duration) ([]byte, error) {
	body, err := d.session.Query(subject, payload, timeout)
	if err != nil {
		if errors.Is(err, distbus.ErrClosed) {
			return nil, Wrap(KindDisconnected, err)
		}
		// The session reports both timeouts and empty query streams as plain
		// errors; either way no reply arrived in time.
		return nil, Wrap(KindTimeout, err)
	}
	return body, nil
}

type distBusReplier struct {
	reply func([]byte) error
	end   func() error
}

func (r *distBusReplier) Send(payload []byte) error { return r.reply(payload) }
func (r *distBusReplier) End() error                { return r.end() }

type distBusReg struct {
	session *distbus.Session
	id      uint32
}

func (r *distBusReg) Close() error { return r.session.UndeclareQueryable(r.id) }

func (d *distBusAdapter) RegisterResponder(_ context.Context, prefix string, handler QueryHandler) (Registration, error) {
	id, err := d.session.DeclareQueryable(prefix, func(key string, body []byte, reply func([]byte) error, end func() error) {
		handler(key, body, &distBusReplier{reply: reply, end: end})
	})
	if err != nil {
		return nil, d.mapErr(KindSubscribe, err)
	}
	return &distBusReg{session: d.session, id: id}, nil
}

func (d *distBusAdapter) HealthCheck(context.Context) error {
	return d.mapErr(KindDisconnected, d.session.Ping(time.Second))
}

func (d *distBusAdapter) Shutdown(context.Context) error {
	return d.session.Close()
}
