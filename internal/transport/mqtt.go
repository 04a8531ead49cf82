package transport

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hpcclab/mq-bench/internal/config"
)

// mqttBus adapts an MQTT broker. QoS 0 is the default so throughput numbers
// stay comparable with the other at-most-once engines; override with the qos
// connect key. The broker has no native request/reply, so requests travel a
// reply-topic envelope: the requester publishes to
// <subject>/q/<client_id>/<correlation_id> and listens once per handle on
// <subject>/replies/<client_id>/+, which avoids a per-request
// subscribe/unsubscribe that would dominate the measured latency.
type mqttBus struct {
	client   mqtt.Client
	clientID string
	qos      byte
	logger   zerolog.Logger

	mu        sync.Mutex
	replySubs map[string]struct{}      // subjects with a live reply subscription
	pending   map[string]chan []byte   // correlation id -> reply slot
}

func dialMQTT(ctx context.Context, opts *config.Options, logger zerolog.Logger) (Transport, error) {
	host := opts.GetDefault("host", "127.0.0.1")
	port := opts.GetDefault("port", "1883")
	clientID := opts.GetDefault("client_id", "mq-bench-"+uuid.NewString()[:8])

	qos := byte(0)
	if v, ok := opts.Get("qos"); ok {
		q, err := strconv.Atoi(v)
		if err != nil || q < 0 || q > 2 {
			return nil, Errf(KindConfig, "mqtt qos %q is not 0, 1 or 2", v)
		}
		qos = byte(q)
	}

	co := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%s", host, port)).
		SetClientID(clientID).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetOrderMatters(false).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			logger.Warn().Err(err).Msg("mqtt connection lost")
		})
	if u, ok := opts.Get("username"); ok {
		co.SetUsername(u)
	}
	if p, ok := opts.Get("password"); ok {
		co.SetPassword(p)
	}

	client := mqtt.NewClient(co)
	tok := client.Connect()
	if !waitToken(ctx, tok) {
		return nil, Wrap(KindConnect, ctx.Err())
	}
	if err := tok.Error(); err != nil {
		return nil, Wrap(KindConnect, err)
	}
	logger.Info().Str("broker", fmt.Sprintf("%s:%s", host, port)).Str("client_id", clientID).
		Uint8("qos", qos).Msg("connected to mqtt")

	return &mqttBus{
		client:    client,
		clientID:  clientID,
		qos:       qos,
		logger:    logger,
		replySubs: make(map[string]struct{}),
		pending:   make(map[string]chan []byte),
	}, nil
}

func waitToken(ctx context.Context, tok mqtt.Token) bool {
	select {
	case <-tok.Done():
		return true
	case <-ctx.Done():
		return false
	}
}

func (m *mqttBus) Publish(ctx context.Context, topic string, payload []byte) error {
	tok := m.client.Publish(topic, m.qos, false, payload)
	if !waitToken(ctx, tok) {
		return Wrap(KindPublish, ctx.Err())
	}
	if err := tok.Error(); err != nil {
		if !m.client.IsConnectionOpen() {
			return Wrap(KindDisconnected, err)
		}
		return Wrap(KindPublish, err)
	}
	return nil
}

type mqttSub struct {
	bus  *mqttBus
	expr string
}

func (s *mqttSub) Unsubscribe() error {
	tok := s.bus.client.Unsubscribe(s.expr)
	tok.WaitTimeout(2 * time.Second)
	return tok.Error()
}

func (m *mqttBus) Subscribe(ctx context.Context, expr string, handler Handler) (Subscription, error) {
	tok := m.client.Subscribe(expr, m.qos, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	if !waitToken(ctx, tok) {
		return nil, Wrap(KindSubscribe, ctx.Err())
	}
	if err := tok.Error(); err != nil {
		return nil, Wrap(KindSubscribe, err)
	}
	return &mqttSub{bus: m, expr: expr}, nil
}

// ensureReplySub installs the per-handle reply subscription for subject.
func (m *mqttBus) ensureReplySub(ctx context.Context, subject string) error {
	m.mu.Lock()
	_, live := m.replySubs[subject]
	m.mu.Unlock()
	if live {
		return nil
	}

	filter := subject + "/replies/" + m.clientID + "/+"
	tok := m.client.Subscribe(filter, m.qos, func(_ mqtt.Client, msg mqtt.Message) {
		parts := strings.Split(msg.Topic(), "/")
		corr := parts[len(parts)-1]
		m.mu.Lock()
		ch, ok := m.pending[corr]
		m.mu.Unlock()
		if !ok {
			return
		}
		body := make([]byte, len(msg.Payload()))
		copy(body, msg.Payload())
		select {
		case ch <- body:
		default:
		}
	})
	if !waitToken(ctx, tok) {
		return Wrap(KindRequest, ctx.Err())
	}
	if err := tok.Error(); err != nil {
		return Wrap(KindRequest, err)
	}
	m.mu.Lock()
	m.replySubs[subject] = struct{}{}
	m.mu.Unlock()
	return nil
}

func (m *mqttBus) Request(ctx context.Context, subject string, payload []byte, timeout time.Duration) ([]byte, error) {
	if err := m.ensureReplySub(ctx, subject); err != nil {
		return nil, err
	}

	corr := uuid.NewString()
	ch := make(chan []byte, 8)
	m.mu.Lock()
	m.pending[corr] = ch
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.pending, corr)
		m.mu.Unlock()
	}()

	reqTopic := subject + "/q/" + m.clientID + "/" + corr
	tok := m.client.Publish(reqTopic, m.qos, false, payload)
	if !waitToken(ctx, tok) {
		return nil, Wrap(KindRequest, ctx.Err())
	}
	if err := tok.Error(); err != nil {
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

// mqttReplier publishes replies onto the envelope's reply topic. Multiple
// sends reuse the same topic; the requester keeps only what it needs.
type mqttReplier struct {
	bus        *mqttBus
	replyTopic string
}

func (r *mqttReplier) Send(payload []byte) error {
	tok := r.bus.client.Publish(r.replyTopic, r.bus.qos, false, payload)
	tok.WaitTimeout(2 * time.Second)
	return Wrap(KindPublish, tok.Error())
}

func (r *mqttReplier) End() error { return nil }

type mqttReg struct {
	bus    *mqttBus
	filter string
}

func (r *mqttReg) Close() error {
	tok := r.bus.client.Unsubscribe(r.filter)
	tok.WaitTimeout(2 * time.Second)
	return tok.Error()
}

func (m *mqttBus) RegisterResponder(ctx context.Context, prefix string, handler QueryHandler) (Registration, error) {
	// Requests land on <prefix>[/...]/q/<client_id>/<corr>; everything before
	// the /q/ marker is the subject the reply topic is derived from.
	filter := prefix + "/#"
	tok := m.client.Subscribe(filter, m.qos, func(_ mqtt.Client, msg mqtt.Message) {
		parts := strings.Split(msg.Topic(), "/")
		if len(parts) < 3 || parts[len(parts)-3] != "q" {
			return
		}
		cid := parts[len(parts)-2]
		corr := parts[len(parts)-1]
		subject := strings.Join(parts[:len(parts)-3], "/")
		replyTopic := subject + "/replies/" + cid + "/" + corr
		handler(subject, msg.Payload(), &mqttReplier{bus: m, replyTopic: replyTopic})
	})
	if !waitToken(ctx, tok) {
		return nil, Wrap(KindSubscribe, ctx.Err())
	}
	if err := tok.Error(); err != nil {
		return nil, Wrap(KindSubscribe, err)
	}
	return &mqttReg{bus: m, filter: filter}, nil
}

func (m *mqttBus) HealthCheck(context.Context) error {
	if !m.client.IsConnectionOpen() {
		return Errf(KindDisconnected, "mqtt connection lost")
	}
	return nil
}

func (m *mqttBus) Shutdown(context.Context) error {
	// 250 ms lets queued QoS 0 writes flush before the socket drops.
	m.client.Disconnect(250)
	return nil
}
