package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/hpcclab/mq-bench/internal/config"
)

// Engine identifies an adapter family.
type Engine string

const (
	EngineDistBus Engine = "distributed-bus"
	EngineMQTT    Engine = "mqtt"
	EngineRedis   Engine = "redis"
	EngineAMQP    Engine = "amqp"
	EngineNATS    Engine = "nats"
	EngineMock    Engine = "mock"
)

// ParseEngine validates an engine tag from the CLI.
func ParseEngine(s string) (Engine, error) {
	switch Engine(s) {
	case EngineDistBus, EngineMQTT, EngineRedis, EngineAMQP, EngineNATS, EngineMock:
		return Engine(s), nil
	default:
		return "", Errf(KindConfig, "unknown engine %q", s)
	}
}

// recognizedKeys lists the connect keys each engine understands. Keys outside
// the list are warned about and ignored; required keys are checked by the
// adapter itself at connect time.
var recognizedKeys = map[Engine][]string{
	EngineDistBus: {"endpoint", "mode"},
	EngineMQTT:    {"host", "port", "username", "password", "client_id", "qos"},
	EngineRedis:   {"url", "pub_mode"},
	EngineAMQP:    {"url"},
	EngineNATS:    {"host", "port"},
	EngineMock:    {"latency_us", "drop_rate"},
}

// connectBackoff is the adapter-level retry schedule for transient connect
// failures. Config errors skip the retries entirely.
var connectBackoff = []time.Duration{250 * time.Millisecond, time.Second}

type factory func(ctx context.Context, opts *config.Options, logger zerolog.Logger) (Transport, error)

func factoryFor(engine Engine) factory {
	switch engine {
	case EngineDistBus:
		return dialDistBus
	case EngineMQTT:
		return dialMQTT
	case EngineRedis:
		return dialRedis
	case EngineAMQP:
		return dialAMQP
	case EngineNATS:
		return dialNATS
	case EngineMock:
		return dialMock
	default:
		return nil
	}
}

// Connect resolves engine plus connect bag into one live transport handle.
// Unknown option keys generate a single warning each. Transient connect
// failures are retried twice with backoff; permanent misconfiguration fails
// fast.
func Connect(ctx context.Context, engine Engine, opts *config.Options, logger zerolog.Logger) (Transport, error) {
	dial := factoryFor(engine)
	if dial == nil {
		return nil, Errf(KindConfig, "unknown engine %q", engine)
	}
	for _, k := range opts.Unknown(recognizedKeys[engine]) {
		logger.Warn().Str("engine", string(engine)).Str("key", k).
			Msg("ignoring unrecognized connect option")
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		tr, err := dial(ctx, opts, logger)
		if err == nil {
			return tr, nil
		}
		lastErr = err
		if KindOf(err) == KindConfig || attempt >= len(connectBackoff) {
			break
		}
		wait := connectBackoff[attempt]
		logger.Warn().Err(err).Dur("backoff", wait).Int("attempt", attempt+1).
			Msg("connect failed, retrying")
		select {
		case <-ctx.Done():
			return nil, Wrap(KindConnect, ctx.Err())
		case <-time.After(wait):
		}
	}
	return nil, Wrap(KindConnect, fmt.Errorf("engine %s: %w", engine, lastErr))
}
