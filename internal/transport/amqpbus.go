package transport

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/hpcclab/mq-bench/internal/config"
)

// exchangeName is the single topic exchange all harness traffic flows over.
const exchangeName = "mq-bench"

// amqpBus adapts an AMQP 0-9-1 broker. Pub-sub maps to a topic exchange with
// an auto-delete queue per subscription; request/reply uses one reply-to
// queue per handle with correlation-id routing. Channels are not safe for
// concurrent publishes, so one mutex-guarded channel carries all outgoing
// frames while declares and consumes run on a second channel.
type amqpBus struct {
	conn   *amqp.Connection
	logger zerolog.Logger

	pubMu sync.Mutex
	pubCh *amqp.Channel

	subMu sync.Mutex
	subCh *amqp.Channel

	replyOnce  sync.Once
	replyErr   error
	replyQueue string
	pendMu     sync.Mutex
	pending    map[string]chan []byte
}

func dialAMQP(ctx context.Context, opts *config.Options, logger zerolog.Logger) (Transport, error) {
	url, ok := opts.Get("url")
	if !ok {
		return nil, Errf(KindConfig, "amqp engine requires the url connect key")
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, Wrap(KindConnect, err)
	}
	pubCh, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, Wrap(KindConnect, err)
	}
	subCh, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, Wrap(KindConnect, err)
	}
	if err := pubCh.ExchangeDeclare(exchangeName, "topic", false, true, false, false, nil); err != nil {
		conn.Close()
		return nil, Wrap(KindConnect, err)
	}
	logger.Info().Msg("connected to amqp broker")

	return &amqpBus{
		conn:    conn,
		logger:  logger,
		pubCh:   pubCh,
		subCh:   subCh,
		pending: make(map[string]chan []byte),
	}, nil
}

func (a *amqpBus) publish(ctx context.Context, exchange, key string, msg amqp.Publishing) error {
	a.pubMu.Lock()
	defer a.pubMu.Unlock()
	return a.pubCh.PublishWithContext(ctx, exchange, key, false, false, msg)
}

func (a *amqpBus) Publish(ctx context.Context, topic string, payload []byte) error {
	err := a.publish(ctx, exchangeName, topic, amqp.Publishing{Body: payload})
	if err != nil {
		if a.conn.IsClosed() {
			return Wrap(KindDisconnected, err)
		}
		return Wrap(KindPublish, err)
	}
	return nil
}

type amqpSub struct {
	bus   *amqpBus
	queue string
	tag   string
}

func (s *amqpSub) Unsubscribe() error {
	s.bus.subMu.Lock()
	defer s.bus.subMu.Unlock()
	return s.bus.subCh.Cancel(s.tag, false)
}

// consume declares an auto-delete queue bound to key on the shared exchange
// and starts an auto-ack consumer feeding deliver.
func (a *amqpBus) consume(key string, deliver func(amqp.Delivery)) (*amqpSub, error) {
	a.subMu.Lock()
	defer a.subMu.Unlock()

	q, err := a.subCh.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return nil, Wrap(KindSubscribe, err)
	}
	if err := a.subCh.QueueBind(q.Name, key, exchangeName, false, nil); err != nil {
		return nil, Wrap(KindSubscribe, err)
	}
	tag := "mq-bench-" + uuid.NewString()[:8]
	deliveries, err := a.subCh.Consume(q.Name, tag, true, true, false, false, nil)
	if err != nil {
		return nil, Wrap(KindSubscribe, err)
	}
	go func() {
		for d := range deliveries {
			deliver(d)
		}
	}()
	return &amqpSub{bus: a, queue: q.Name, tag: tag}, nil
}

func (a *amqpBus) Subscribe(_ context.Context, expr string, handler Handler) (Subscription, error) {
	return a.consume(expr, func(d amqp.Delivery) {
		handler(d.RoutingKey, d.Body)
	})
}

// ensureReplyQueue lazily declares the handle's reply-to queue and its
// correlation-id router.
func (a *amqpBus) ensureReplyQueue() error {
	a.replyOnce.Do(func() {
		a.subMu.Lock()
		defer a.subMu.Unlock()
		q, err := a.subCh.QueueDeclare("mq-bench.replies."+uuid.NewString()[:8], false, true, true, false, nil)
		if err != nil {
			a.replyErr = Wrap(KindRequest, err)
			return
		}
		deliveries, err := a.subCh.Consume(q.Name, "", true, true, false, false, nil)
		if err != nil {
			a.replyErr = Wrap(KindRequest, err)
			return
		}
		a.replyQueue = q.Name
		go func() {
			for d := range deliveries {
				a.pendMu.Lock()
				ch, ok := a.pending[d.CorrelationId]
				a.pendMu.Unlock()
				if !ok {
					continue
				}
				body := make([]byte, len(d.Body))
				copy(body, d.Body)
				select {
				case ch <- body:
				default:
				}
			}
		}()
	})
	return a.replyErr
}

func (a *amqpBus) Request(ctx context.Context, subject string, payload []byte, timeout time.Duration) ([]byte, error) {
	if err := a.ensureReplyQueue(); err != nil {
		return nil, err
	}

	corr := uuid.NewString()
	ch := make(chan []byte, 8)
	a.pendMu.Lock()
	a.pending[corr] = ch
	a.pendMu.Unlock()
	defer func() {
		a.pendMu.Lock()
		delete(a.pending, corr)
		a.pendMu.Unlock()
	}()

	err := a.publish(ctx, exchangeName, subject, amqp.Publishing{
		Body:          payload,
		ReplyTo:       a.replyQueue,
		CorrelationId: corr,
	})
	if err != nil {
		return nil, Wrap(KindRequest, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, Wrap(KindRequest, ctx.Err())
	case <-timer.C:
		return nil, Errf(KindTimeout, "request to %q timed out after %s", subject, timeout)
	case body := <-ch:
		return body, nil
	}
}

// amqpReplier publishes to the default exchange, which routes directly to the
// requester's reply queue.
type amqpReplier struct {
	bus     *amqpBus
	replyTo string
	corr    string
}

func (r *amqpReplier) Send(payload []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return Wrap(KindPublish, r.bus.publish(ctx, "", r.replyTo, amqp.Publishing{
		Body:          payload,
		CorrelationId: r.corr,
	}))
}

func (r *amqpReplier) End() error { return nil }

type amqpReg struct {
	sub *amqpSub
}

func (r *amqpReg) Close() error { return r.sub.Unsubscribe() }

func (a *amqpBus) RegisterResponder(_ context.Context, prefix string, handler QueryHandler) (Registration, error) {
	sub, err := a.consume(prefix, func(d amqp.Delivery) {
		if d.ReplyTo == "" {
			a.logger.Debug().Str("subject", d.RoutingKey).Msg("query without reply-to, dropping")
			return
		}
		handler(d.RoutingKey, d.Body, &amqpReplier{bus: a, replyTo: d.ReplyTo, corr: d.CorrelationId})
	})
	if err != nil {
		return nil, err
	}
	return &amqpReg{sub: sub}, nil
}

func (a *amqpBus) HealthCheck(context.Context) error {
	if a.conn.IsClosed() {
		return Errf(KindDisconnected, "amqp connection lost")
	}
	return nil
}

func (a *amqpBus) Shutdown(context.Context) error {
	a.pubCh.Close()
	a.subCh.Close()
	return Wrap(KindOther, a.conn.Close())
}
