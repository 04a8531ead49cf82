package transport

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hpcclab/mq-bench/internal/config"
)

func TestMatchKeyExpr(t *testing.T) {
	cases := []struct {
		expr, topic string
		want        bool
	}{
		{"a/b/c", "a/b/c", true},
		{"a/b/c", "a/b/d", false},
		{"a/*/c", "a/b/c", true},
		{"a/*/c", "a/b/d/c", false},
		{"a/**", "a", true},
		{"a/**", "a/b/c/d", true},
		{"a/#", "a/b", true},
		{"a/+/c", "a/x/c", true},
		{"**", "anything/at/all", true},
		{"a/**/d", "a/b/c/d", true},
		{"a/**/d", "a/d", true},
		{"a/**/d", "a/b/c", false},
		{"a/b", "a", false},
		{"a", "a/b", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, MatchKeyExpr(tc.expr, tc.topic),
			"expr %q vs topic %q", tc.expr, tc.topic)
	}
}

func TestMockPubSubDelivery(t *testing.T) {
	m := NewMock(0, 0)
	var got atomic.Uint64
	sub, err := m.Subscribe(context.Background(), "bench/**", func(topic string, payload []byte) {
		got.Add(1)
	})
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		require.NoError(t, m.Publish(context.Background(), "bench/t/0", []byte("x")))
	}
	assert.Equal(t, uint64(100), got.Load())
	assert.Equal(t, uint64(100), m.PublishedTo("bench/t/0"))

	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, m.Publish(context.Background(), "bench/t/0", []byte("x")))
	assert.Equal(t, uint64(100), got.Load(), "no delivery after unsubscribe")
}

func TestMockDropRate(t *testing.T) {
	m := NewMock(0, 1.0)
	var got atomic.Uint64
	_, err := m.Subscribe(context.Background(), "k", func(string, []byte) { got.Add(1) })
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		require.NoError(t, m.Publish(context.Background(), "k", nil), "drops are not publish errors")
	}
	assert.Zero(t, got.Load())
}

func TestMockInjectedLatency(t *testing.T) {
	m := NewMock(20*time.Millisecond, 0)
	done := make(chan time.Time, 1)
	_, err := m.Subscribe(context.Background(), "k", func(string, []byte) {
		done <- time.Now()
	})
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, m.Publish(context.Background(), "k", []byte("x")))
	select {
	case at := <-done:
		assert.GreaterOrEqual(t, at.Sub(start), 15*time.Millisecond)
	case <-time.After(time.Second):
		t.Fatal("delayed delivery never arrived")
	}
}

func TestMockRequestReply(t *testing.T) {
	m := NewMock(0, 0)
	reg, err := m.RegisterResponder(context.Background(), "svc/query", func(subject string, payload []byte, r Replier) {
		require.NoError(t, r.Send(append([]byte("re:"), payload...)))
		require.NoError(t, r.End())
	})
	require.NoError(t, err)
	defer reg.Close()

	reply, err := m.Request(context.Background(), "svc/query/a", []byte("hi"), time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("re:hi"), reply)
}

func TestMockRequestTimeoutWithoutResponder(t *testing.T) {
	m := NewMock(0, 0)
	_, err := m.Request(context.Background(), "nobody/home", nil, 50*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, KindTimeout, KindOf(err))
	assert.True(t, IsRecoverable(err))
}

func TestMockLongestPrefixWins(t *testing.T) {
	m := NewMock(0, 0)
	_, err := m.RegisterResponder(context.Background(), "svc", func(_ string, _ []byte, r Replier) {
		r.Send([]byte("generic"))
	})
	require.NoError(t, err)
	_, err = m.RegisterResponder(context.Background(), "svc/query", func(_ string, _ []byte, r Replier) {
		r.Send([]byte("specific"))
	})
	require.NoError(t, err)

	reply, err := m.Request(context.Background(), "svc/query/x", nil, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("specific"), reply)
}

func TestMockShutdownReleasesEverything(t *testing.T) {
	m := NewMock(0, 0)
	_, err := m.Subscribe(context.Background(), "a", func(string, []byte) {})
	require.NoError(t, err)
	_, err = m.Subscribe(context.Background(), "b", func(string, []byte) {})
	require.NoError(t, err)
	require.Equal(t, 2, m.LiveSubscriptions())

	require.NoError(t, m.Shutdown(context.Background()))
	assert.Zero(t, m.LiveSubscriptions())
	assert.Error(t, m.Publish(context.Background(), "a", nil))
	assert.Error(t, m.HealthCheck(context.Background()))
	assert.NoError(t, m.Shutdown(context.Background()), "shutdown is idempotent")
}

func TestDialMockParsesOptions(t *testing.T) {
	opts, err := config.ParseConnect([]string{"latency_us=500", "drop_rate=0.25"})
	require.NoError(t, err)
	tr, err := dialMock(context.Background(), opts, zerolog.Nop())
	require.NoError(t, err)
	m := tr.(*MockBus)
	assert.Equal(t, 500*time.Microsecond, m.latency)
	assert.Equal(t, 0.25, m.dropRate)
}

func TestDialMockRejectsBadOptions(t *testing.T) {
	opts, err := config.ParseConnect([]string{"drop_rate=1.5"})
	require.NoError(t, err)
	_, err = dialMock(context.Background(), opts, zerolog.Nop())
	require.Error(t, err)
	assert.Equal(t, KindConfig, KindOf(err))
}

func TestConnectWarnsAndIgnoresUnknownKeys(t *testing.T) {
	opts, err := config.ParseConnect([]string{"latency_us=0", "nonsense=1"})
	require.NoError(t, err)
	tr, err := Connect(context.Background(), EngineMock, opts, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, tr.Shutdown(context.Background()))
}

func TestParseEngine(t *testing.T) {
	for _, tag := range []string{"distributed-bus", "mqtt", "redis", "amqp", "nats", "mock"} {
		_, err := ParseEngine(tag)
		assert.NoError(t, err, tag)
	}
	_, err := ParseEngine("kafka")
	require.Error(t, err)
	assert.Equal(t, KindConfig, KindOf(err))
}

func TestErrorTaxonomy(t *testing.T) {
	err := Errf(KindTimeout, "boom")
	assert.True(t, IsRecoverable(err))
	assert.Equal(t, KindTimeout, KindOf(err))

	err = Errf(KindPublish, "boom")
	assert.False(t, IsRecoverable(err))

	// Wrapping keeps the original classification.
	wrapped := Wrap(KindOther, Errf(KindConfig, "inner"))
	assert.Equal(t, KindConfig, KindOf(wrapped))

	assert.Nil(t, Wrap(KindOther, nil))
	assert.Equal(t, KindOther, KindOf(assertAnError()))
}

func assertAnError() error { return context.DeadlineExceeded }
