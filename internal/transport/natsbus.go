package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/hpcclab/mq-bench/internal/config"
)

// natsBus maps the capability surface directly onto a subject-oriented bus:
// topics are subjects and request/reply is native.
type natsBus struct {
	conn   *nats.Conn
	logger zerolog.Logger
}

func dialNATS(ctx context.Context, opts *config.Options, logger zerolog.Logger) (Transport, error) {
	host := opts.GetDefault("host", "127.0.0.1")
	port := opts.GetDefault("port", "4222")
	url := fmt.Sprintf("nats://%s:%s", host, port)

	// Reconnects stay off: a dropped session must surface to the role as a
	// health failure, not vanish behind client-side buffering mid-measurement.
	conn, err := nats.Connect(url,
		nats.NoReconnect(),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			logger.Debug().Err(err).Msg("nats async error")
		}),
	)
	if err != nil {
		return nil, Wrap(KindConnect, err)
	}
	logger.Info().Str("url", conn.ConnectedUrl()).Msg("connected to nats")
	return &natsBus{conn: conn, logger: logger}, nil
}

func (n *natsBus) Publish(_ context.Context, topic string, payload []byte) error {
	if err := n.conn.Publish(topic, payload); err != nil {
		if errors.Is(err, nats.ErrConnectionClosed) {
			return Wrap(KindDisconnected, err)
		}
		return Wrap(KindPublish, err)
	}
	return nil
}

type natsSub struct {
	sub *nats.Subscription
}

func (s *natsSub) Unsubscribe() error {
	if !s.sub.IsValid() {
		return nil
	}
	return s.sub.Unsubscribe()
}

func (n *natsBus) Subscribe(_ context.Context, expr string, handler Handler) (Subscription, error) {
	sub, err := n.conn.Subscribe(expr, func(m *nats.Msg) {
		handler(m.Subject, m.Data)
	})
	if err != nil {
		return nil, Wrap(KindSubscribe, err)
	}
	return &natsSub{sub: sub}, nil
}

func (n *natsBus) Request(ctx context.Context, subject string, payload []byte, timeout time.Duration) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	msg, err := n.conn.RequestWithContext(ctx, subject, payload)
	if err != nil {
		switch {
		case errors.Is(err, nats.ErrTimeout), errors.Is(err, context.DeadlineExceeded),
			errors.Is(err, nats.ErrNoResponders):
			return nil, Wrap(KindTimeout, err)
		case errors.Is(err, nats.ErrConnectionClosed):
			return nil, Wrap(KindDisconnected, err)
		default:
			return nil, Wrap(KindRequest, err)
		}
	}
	return msg.Data, nil
}

// natsReplier answers on the inbound message's reply subject. The bus allows
// many replies to one request subject, so Send works repeatedly and End is a
// no-op.
type natsReplier struct {
	conn  *nats.Conn
	reply string
}

func (r *natsReplier) Send(payload []byte) error {
	if r.reply == "" {
		return Errf(KindOther, "request carried no reply subject")
	}
	return Wrap(KindPublish, r.conn.Publish(r.reply, payload))
}

func (r *natsReplier) End() error { return nil }

type natsReg struct {
	sub *nats.Subscription
}

func (r *natsReg) Close() error {
	if !r.sub.IsValid() {
		return nil
	}
	return r.sub.Unsubscribe()
}

func (n *natsBus) RegisterResponder(_ context.Context, prefix string, handler QueryHandler) (Registration, error) {
	sub, err := n.conn.Subscribe(prefix, func(m *nats.Msg) {
		handler(m.Subject, m.Data, &natsReplier{conn: n.conn, reply: m.Reply})
	})
	if err != nil {
		return nil, Wrap(KindSubscribe, err)
	}
	return &natsReg{sub: sub}, nil
}

func (n *natsBus) HealthCheck(_ context.Context) error {
	if !n.conn.IsConnected() {
		return Errf(KindDisconnected, "nats connection lost")
	}
	if err := n.conn.FlushTimeout(time.Second); err != nil {
		return Wrap(KindDisconnected, err)
	}
	return nil
}

func (n *natsBus) Shutdown(ctx context.Context) error {
	// Drain unsubscribes everything and lets in-flight handler callbacks
	// finish before the client closes the connection. Drain itself returns
	// at once, so wait for the close (or ctx) to get the quiescence Shutdown
	// promises.
	if err := n.conn.Drain(); err != nil {
		n.conn.Close()
		return Wrap(KindOther, err)
	}
	for !n.conn.IsClosed() {
		select {
		case <-ctx.Done():
			n.conn.Close()
			return Wrap(KindOther, ctx.Err())
		case <-time.After(10 * time.Millisecond):
		}
	}
	return nil
}
