package transport

import (
	"context"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hpcclab/mq-bench/internal/config"
)

// MockBus is the in-process adapter used by tests and dry runs. It delivers
// published messages to matching subscriptions synchronously (or after a
// configured injected latency), drops messages with a configured probability,
// and records enough of what happened for assertions.
type MockBus struct {
	latency  time.Duration
	dropRate float64

	mu         sync.RWMutex
	closed     bool
	nextID     int
	subs       map[int]*mockSub
	responders map[int]*mockResponder
	published  map[string]uint64

	rngMu sync.Mutex
	rng   *rand.Rand

	pending sync.WaitGroup // deliveries in flight under injected latency
}

type mockSub struct {
	bus     *MockBus
	id      int
	expr    string
	handler Handler
}

type mockResponder struct {
	bus     *MockBus
	id      int
	prefix  string
	handler QueryHandler
}

// NewMock builds a mock bus with the given injected delivery latency and drop
// probability in [0, 1].
func NewMock(latency time.Duration, dropRate float64) *MockBus {
	return &MockBus{
		latency:    latency,
		dropRate:   dropRate,
		subs:       make(map[int]*mockSub),
		responders: make(map[int]*mockResponder),
		published:  make(map[string]uint64),
		rng:        rand.New(rand.NewSource(1)),
	}
}

func dialMock(_ context.Context, opts *config.Options, _ zerolog.Logger) (Transport, error) {
	var latency time.Duration
	if v, ok := opts.Get("latency_us"); ok {
		us, err := strconv.ParseInt(v, 10, 64)
		if err != nil || us < 0 {
			return nil, Errf(KindConfig, "mock latency_us %q is not a non-negative integer", v)
		}
		latency = time.Duration(us) * time.Microsecond
	}
	var dropRate float64
	if v, ok := opts.Get("drop_rate"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 0 || f > 1 {
			return nil, Errf(KindConfig, "mock drop_rate %q is not in [0,1]", v)
		}
		dropRate = f
	}
	return NewMock(latency, dropRate), nil
}

func (m *MockBus) drop() bool {
	if m.dropRate <= 0 {
		return false
	}
	m.rngMu.Lock()
	defer m.rngMu.Unlock()
	return m.rng.Float64() < m.dropRate
}

// Publish delivers payload to every live subscription whose expression
// matches topic. At-most-once: configured drops vanish silently, exactly as a
// QoS 0 broker would lose them.
func (m *MockBus) Publish(_ context.Context, topic string, payload []byte) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return Errf(KindDisconnected, "mock bus is shut down")
	}
	m.published[topic]++
	targets := make([]*mockSub, 0, len(m.subs))
	for _, s := range m.subs {
		if MatchKeyExpr(s.expr, topic) {
			targets = append(targets, s)
		}
	}
	m.mu.Unlock()

	for _, s := range targets {
		if m.drop() {
			continue
		}
		if m.latency <= 0 {
			s.handler(topic, payload)
			continue
		}
		body := make([]byte, len(payload))
		copy(body, payload)
		m.pending.Add(1)
		handler := s.handler
		time.AfterFunc(m.latency, func() {
			defer m.pending.Done()
			m.mu.RLock()
			closed := m.closed
			m.mu.RUnlock()
			if !closed {
				handler(topic, body)
			}
		})
	}
	return nil
}

func (m *MockBus) Subscribe(_ context.Context, expr string, handler Handler) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, Errf(KindDisconnected, "mock bus is shut down")
	}
	m.nextID++
	s := &mockSub{bus: m, id: m.nextID, expr: expr, handler: handler}
	m.subs[s.id] = s
	return s, nil
}

func (s *mockSub) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	delete(s.bus.subs, s.id)
	return nil
}

type mockReplier struct {
	mu      sync.Mutex
	replies chan []byte
	ended   bool
}

func (r *mockReplier) Send(payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ended {
		return Errf(KindOther, "reply after end")
	}
	body := make([]byte, len(payload))
	copy(body, payload)
	select {
	case r.replies <- body:
	default:
	}
	return nil
}

func (r *mockReplier) End() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ended = true
	return nil
}

// Request routes the query to the registered responder with the longest
// matching prefix and waits for its first reply.
func (m *MockBus) Request(ctx context.Context, subject string, payload []byte, timeout time.Duration) ([]byte, error) {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return nil, Errf(KindDisconnected, "mock bus is shut down")
	}
	var target *mockResponder
	for _, r := range m.responders {
		if strings.HasPrefix(subject, r.prefix) {
			if target == nil || len(r.prefix) > len(target.prefix) {
				target = r
			}
		}
	}
	m.mu.RUnlock()
	if target == nil {
		return nil, Errf(KindTimeout, "no responder serves %q", subject)
	}
	if m.drop() {
		return nil, Errf(KindTimeout, "request to %q timed out", subject)
	}

	rep := &mockReplier{replies: make(chan []byte, 16)}
	go target.handler(subject, payload, rep)

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, Wrap(KindRequest, ctx.Err())
	case <-timer.C:
		return nil, Errf(KindTimeout, "request to %q timed out after %s", subject, timeout)
	case body := <-rep.replies:
		return body, nil
	}
}

func (m *MockBus) RegisterResponder(_ context.Context, prefix string, handler QueryHandler) (Registration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, Errf(KindDisconnected, "mock bus is shut down")
	}
	m.nextID++
	r := &mockResponder{bus: m, id: m.nextID, prefix: prefix, handler: handler}
	m.responders[r.id] = r
	return r, nil
}

func (r *mockResponder) Close() error {
	r.bus.mu.Lock()
	defer r.bus.mu.Unlock()
	delete(r.bus.responders, r.id)
	return nil
}

func (m *MockBus) HealthCheck(context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return Errf(KindDisconnected, "mock bus is shut down")
	}
	return nil
}

// Shutdown drains pending deliveries and drops all registrations.
func (m *MockBus) Shutdown(context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.subs = make(map[int]*mockSub)
	m.responders = make(map[int]*mockResponder)
	m.mu.Unlock()
	m.pending.Wait()
	return nil
}

// LiveSubscriptions reports how many subscriptions are currently registered.
func (m *MockBus) LiveSubscriptions() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs)
}

// PublishedTo reports how many messages were published to an exact topic.
func (m *MockBus) PublishedTo(topic string) uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.published[topic]
}

// Topics lists every exact topic that received at least one publish.
func (m *MockBus) Topics() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.published))
	for t := range m.published {
		out = append(out, t)
	}
	return out
}

// MatchKeyExpr matches a slash-separated key expression against a concrete
// topic. "*" and "+" match exactly one segment; "**" and "#" match any
// remaining depth, including none. Everything else matches literally. Live
// adapters pass expressions through to the broker; this exists so the mock
// honors the same semantics.
func MatchKeyExpr(expr, topic string) bool {
	return matchSegments(strings.Split(expr, "/"), strings.Split(topic, "/"))
}

func matchSegments(pat, key []string) bool {
	for len(pat) > 0 {
		switch pat[0] {
		case "**", "#":
			if len(pat) == 1 {
				return true
			}
			for i := 0; i <= len(key); i++ {
				if matchSegments(pat[1:], key[i:]) {
					return true
				}
			}
			return false
		case "*", "+":
			if len(key) == 0 {
				return false
			}
		default:
			if len(key) == 0 || pat[0] != key[0] {
				return false
			}
		}
		pat = pat[1:]
		key = key[1:]
	}
	return len(key) == 0
}
