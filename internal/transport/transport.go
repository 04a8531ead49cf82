// Package transport hides broker-specific semantics behind one capability
// surface: publish, subscribe, request, responder registration, health probe,
// shutdown. Each adapter maintains exactly one broker session per handle and
// multiplexes all topics over it where the broker allows. Roles hold one
// handle per logical client, or one shared handle when share-transport is on;
// every adapter must therefore tolerate concurrent Publish and Request calls.
package transport

import (
	"context"
	"time"
)

// Handler receives one delivered message. It runs on the adapter's delivery
// path and must stay minimal: take a timestamp, hand off to the stats worker,
// return. Heavy work here blocks the broker's delivery loop.
type Handler func(topic string, payload []byte)

// Replier is handed to query handlers to answer an inbound request. Send may
// be called one or many times; End is terminal. Adapters with only unary
// reply semantics make End a no-op after the first Send.
type Replier interface {
	Send(payload []byte) error
	End() error
}

// QueryHandler serves one inbound query.
type QueryHandler func(subject string, payload []byte, r Replier)

// Subscription is a live handler registration. Unsubscribe is idempotent and
// guaranteed to run at role shutdown.
type Subscription interface {
	Unsubscribe() error
}

// Registration is a live query-server declaration, released like a
// Subscription.
type Registration interface {
	Close() error
}

// Transport is the capability surface of one broker session. All operations
// are cancellation-safe. Publish's nil return means "accepted by the local
// client", not "delivered to subscribers"; adapters may buffer.
type Transport interface {
	// Publish delivers payload to topic. Adapters reuse any declared
	// publisher resource; they never declare per message.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe registers handler for every message matching expr. Wildcard
	// syntax passes through to the broker untranslated.
	Subscribe(ctx context.Context, expr string, handler Handler) (Subscription, error)

	// Request performs a single-reply request and returns the reply payload.
	// Replies are correlated to their request; a reply is never delivered to
	// the wrong caller. Timeout errors carry KindTimeout.
	Request(ctx context.Context, subject string, payload []byte, timeout time.Duration) ([]byte, error)

	// RegisterResponder serves queries arriving for prefix. The mock, MQTT
	// and distributed-bus adapters serve every subject under prefix; the
	// NATS and AMQP adapters use prefix as a subscription subject or binding
	// key as given, and the Redis adapter serves only requests whose subject
	// equals prefix, so those three match the exact subject unless prefix
	// carries the broker's own wildcard syntax (NATS, AMQP).
	RegisterResponder(ctx context.Context, prefix string, handler QueryHandler) (Registration, error)

	// HealthCheck is a fast liveness probe. Roles use it to pick fast-fail
	// over retry. A disconnect must surface here within one probe interval.
	HealthCheck(ctx context.Context) error

	// Shutdown releases all broker resources. Handlers are quiescent when it
	// returns. Idempotent.
	Shutdown(ctx context.Context) error
}
