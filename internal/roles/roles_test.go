package roles

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hpcclab/mq-bench/internal/header"
	"github.com/hpcclab/mq-bench/internal/keyspace"
	"github.com/hpcclab/mq-bench/internal/stats"
	"github.com/hpcclab/mq-bench/internal/transport"
)

func newCommon(t *testing.T, m *transport.MockBus) *Common {
	t.Helper()
	return &Common{
		Logger:           zerolog.Nop(),
		Stats:            stats.NewSharded(4, zerolog.Nop()),
		Transport:        m,
		SnapshotInterval: time.Second,
		GraceTimeout:     2 * time.Second,
	}
}

func take(t *testing.T, c *Common, kind stats.RoleKind) stats.Snapshot {
	t.Helper()
	return stats.NewSnapshotter(c.Stats, kind, time.Second, "").Take(time.Now())
}

func TestPublisherRejectsSmallPayload(t *testing.T) {
	c := newCommon(t, transport.NewMock(0, 0))
	_, err := NewPublisher(c, PublisherConfig{
		TopicPrefix: "bench",
		PayloadSize: 23,
		Publishers:  1,
		Topics:      1,
	})
	require.Error(t, err)
	assert.Equal(t, transport.KindConfig, transport.KindOf(err))
}

func TestPubSubEndToEnd(t *testing.T) {
	m := transport.NewMock(0, 0)
	c := newCommon(t, m)
	defer c.Stats.Close()

	subRole, err := NewSubscriber(c, SubscriberConfig{
		Expr:           "bench/e2e",
		Subscribers:    1,
		ShareTransport: true,
	})
	require.NoError(t, err)

	subCtx, stopSub := context.WithCancel(context.Background())
	subDone := make(chan struct{})
	go func() {
		defer close(subDone)
		subRole.Run(subCtx)
	}()
	// Let the subscription land before publishing.
	require.Eventually(t, func() bool { return m.LiveSubscriptions() == 1 },
		time.Second, 5*time.Millisecond)

	pubRole, err := NewPublisher(c, PublisherConfig{
		TopicPrefix:    "bench/e2e",
		PayloadSize:    256,
		Rate:           1000,
		Duration:       2 * time.Second,
		Publishers:     1,
		Topics:         1,
		ShareTransport: true,
	})
	require.NoError(t, err)
	require.NoError(t, pubRole.Run(context.Background()))

	stopSub()
	<-subDone
	require.NoError(t, subRole.Release())

	snap := take(t, c, stats.KindConsumer)
	assert.InDelta(t, 2000, float64(snap.Sent), 40, "open loop at 1000/s for 2s")
	assert.Equal(t, snap.Sent, snap.Recv, "lossless mock delivers everything")
	assert.Zero(t, snap.Errors)
	assert.Zero(t, m.LiveSubscriptions(), "subscriptions released after shutdown")
}

func TestSubscriberLatencyPopulated(t *testing.T) {
	m := transport.NewMock(time.Millisecond, 0)
	c := newCommon(t, m)

	subRole, err := NewSubscriber(c, SubscriberConfig{
		Expr: "bench/lat", Subscribers: 1, ShareTransport: true,
	})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { defer close(done); subRole.Run(ctx) }()
	require.Eventually(t, func() bool { return m.LiveSubscriptions() == 1 },
		time.Second, 5*time.Millisecond)

	pubRole, err := NewPublisher(c, PublisherConfig{
		TopicPrefix: "bench/lat", PayloadSize: 64,
		Rate: 500, Duration: time.Second, Publishers: 1, Topics: 1, ShareTransport: true,
	})
	require.NoError(t, err)
	require.NoError(t, pubRole.Run(context.Background()))

	// Give the injected-latency deliveries time to arrive.
	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done
	c.Stats.Close()

	snap := take(t, c, stats.KindConsumer)
	assert.Greater(t, snap.Recv, uint64(0))
	assert.GreaterOrEqual(t, snap.P50NS, int64(time.Millisecond),
		"injected 1ms latency must show up in percentiles")
	assert.Less(t, snap.P99NS, int64(100*time.Millisecond))
}

func TestSubscriberDroppedMessagesAreNotErrors(t *testing.T) {
	m := transport.NewMock(0, 0.5)
	c := newCommon(t, m)
	defer c.Stats.Close()

	subRole, err := NewSubscriber(c, SubscriberConfig{
		Expr: "bench/drop", Subscribers: 1, ShareTransport: true,
	})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { defer close(done); subRole.Run(ctx) }()
	require.Eventually(t, func() bool { return m.LiveSubscriptions() == 1 },
		time.Second, 5*time.Millisecond)

	pubRole, err := NewPublisher(c, PublisherConfig{
		TopicPrefix: "bench/drop", PayloadSize: 64,
		Rate: 1000, Duration: time.Second, Publishers: 1, Topics: 1, ShareTransport: true,
	})
	require.NoError(t, err)
	require.NoError(t, pubRole.Run(context.Background()))
	cancel()
	<-done

	snap := take(t, c, stats.KindConsumer)
	assert.Less(t, snap.Recv, snap.Sent, "half the messages should vanish")
	assert.Greater(t, snap.Recv, uint64(0))
	assert.Zero(t, snap.Errors, "at-most-once drops are not errors")
}

func TestShareTransportManyPublishers(t *testing.T) {
	m := transport.NewMock(0, 0)
	c := newCommon(t, m)
	defer c.Stats.Close()

	pubRole, err := NewPublisher(c, PublisherConfig{
		TopicPrefix:    "bench/shared",
		PayloadSize:    64,
		Rate:           100,
		Duration:       500 * time.Millisecond,
		Publishers:     100,
		Topics:         1,
		ShareTransport: true,
	})
	require.NoError(t, err)
	require.NoError(t, pubRole.Run(context.Background()))

	snap := take(t, c, stats.KindProducer)
	assert.Zero(t, snap.Errors, "concurrent publishes over one handle must not error")
	// 100 publishers at 100/s for 0.5s.
	assert.Greater(t, snap.Sent, uint64(4900))
}

func TestMultiTopicPublisherCoversKeyspace(t *testing.T) {
	m := transport.NewMock(0, 0)
	c := newCommon(t, m)
	defer c.Stats.Close()

	role, err := NewMultiPublisher(c, MultiPublisherConfig{
		Scenario: keyspace.Scenario{
			Prefix: "bench/mt", Tenants: 2, Regions: 2, Services: 2, Shards: 2,
			Mapping: keyspace.MappingMDim,
		},
		Publishers:     16,
		PayloadSize:    64,
		Rate:           10,
		Duration:       2 * time.Second,
		ShareTransport: true,
	})
	require.NoError(t, err)
	require.NoError(t, role.Run(context.Background()))

	topics := m.Topics()
	assert.Len(t, topics, 16, "16 mdim clients must write 16 distinct keys")
	for _, topic := range topics {
		assert.GreaterOrEqual(t, m.PublishedTo(topic), uint64(1))
	}
}

func TestRequesterResponderEndToEnd(t *testing.T) {
	m := transport.NewMock(0, 0)
	respCommon := newCommon(t, m)
	defer respCommon.Stats.Close()

	respRole, err := NewResponder(respCommon, ResponderConfig{
		ServePrefixes: []string{"bench/query"},
		ReplySize:     128,
	})
	require.NoError(t, err)
	respCtx, stopResp := context.WithCancel(context.Background())
	respDone := make(chan struct{})
	go func() { defer close(respDone); respRole.Run(respCtx) }()

	reqCommon := newCommon(t, m)
	reqRole, err := NewRequester(reqCommon, RequesterConfig{
		KeyExpr:     "bench/query/x",
		QPS:         500,
		Concurrency: 32,
		Timeout:     time.Second,
		Duration:    time.Second,
		PayloadSize: 24,
	})
	require.NoError(t, err)
	require.NoError(t, reqRole.Run(context.Background()))
	drainCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, reqRole.Drain(drainCtx))
	reqCommon.Stats.Close()

	stopResp()
	<-respDone
	require.NoError(t, respRole.Release())

	snap := stats.NewSnapshotter(reqCommon.Stats, stats.KindConsumer, time.Second, "").Take(time.Now())
	assert.Greater(t, snap.Sent, uint64(0))
	assert.GreaterOrEqual(t, float64(snap.Recv), 0.99*float64(snap.Sent))
	assert.Zero(t, snap.Errors)
	assert.Greater(t, snap.P50NS, int64(0), "histogram populated from successful requests")
}

func TestRequesterTimeoutsAreErrorsNotLatencies(t *testing.T) {
	m := transport.NewMock(0, 0) // no responder registered: every request times out
	c := newCommon(t, m)

	reqRole, err := NewRequester(c, RequesterConfig{
		KeyExpr:     "bench/void",
		QPS:         100,
		Concurrency: 8,
		Timeout:     20 * time.Millisecond,
		Duration:    500 * time.Millisecond,
		PayloadSize: 24,
	})
	require.NoError(t, err)
	require.NoError(t, reqRole.Run(context.Background()))
	drainCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, reqRole.Drain(drainCtx))
	c.Stats.Close()

	snap := take(t, c, stats.KindConsumer)
	assert.Greater(t, snap.Errors, uint64(0))
	assert.Zero(t, snap.Recv)
	assert.Zero(t, snap.P50NS, "timeouts never reach the latency histogram")
}

func TestExecuteLifecycle(t *testing.T) {
	m := transport.NewMock(0, 0)
	c := newCommon(t, m)

	pubRole, err := NewPublisher(c, PublisherConfig{
		TopicPrefix:    "bench/lifecycle",
		PayloadSize:    64,
		Rate:           200,
		Duration:       60 * time.Second, // interrupted well before this
		Publishers:     1,
		Topics:         1,
		ShareTransport: true,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(300 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	require.NoError(t, c.Execute(ctx, pubRole), "cancellation is a clean exit")
	assert.Less(t, time.Since(start), 3*time.Second,
		"shutdown must complete inside the grace window")
	assert.Error(t, m.HealthCheck(context.Background()), "transport shut down")
}

func TestPublisherSequenceStrictlyIncreasing(t *testing.T) {
	m := transport.NewMock(0, 0)
	c := newCommon(t, m)
	defer c.Stats.Close()

	var seqs []uint64
	_, err := m.Subscribe(context.Background(), "bench/seq", func(_ string, payload []byte) {
		h, err := header.Decode(payload)
		require.NoError(t, err)
		seqs = append(seqs, h.Seq)
	})
	require.NoError(t, err)

	pubRole, err := NewPublisher(c, PublisherConfig{
		TopicPrefix:    "bench/seq",
		PayloadSize:    64,
		Rate:           500,
		Duration:       500 * time.Millisecond,
		Publishers:     1,
		Topics:         1,
		ShareTransport: true,
	})
	require.NoError(t, err)
	require.NoError(t, pubRole.Run(context.Background()))

	require.NotEmpty(t, seqs)
	for i := 1; i < len(seqs); i++ {
		assert.Greater(t, seqs[i], seqs[i-1], "sequence numbers must strictly increase")
	}
	assert.Equal(t, uint64(0), seqs[0])
}

func TestPublisherTopicSpread(t *testing.T) {
	m := transport.NewMock(0, 0)
	c := newCommon(t, m)
	defer c.Stats.Close()

	pubRole, err := NewPublisher(c, PublisherConfig{
		TopicPrefix:    "bench/spread",
		PayloadSize:    64,
		Rate:           50,
		Duration:       500 * time.Millisecond,
		Publishers:     4,
		Topics:         4,
		ShareTransport: true,
	})
	require.NoError(t, err)
	require.NoError(t, pubRole.Run(context.Background()))

	for i := 0; i < 4; i++ {
		assert.Greater(t, m.PublishedTo("bench/spread/"+string(rune('0'+i))), uint64(0))
	}
}
