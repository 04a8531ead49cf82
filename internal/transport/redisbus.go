package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/hpcclab/mq-bench/internal/config"
)

// redisBus adapts a key/value cache's pub-sub primitive. Topics map to
// channels (patterns via PSUBSCRIBE). Request/reply uses a list pair: the
// requester RPUSHes an envelope onto <subject>:req and blocks on a
// per-correlation reply list, which the responder fills. Blocking pops run on
// their own pooled connections, and each subscription gets the client
// library's dedicated pub-sub connection, so command multiplexing can never
// deadlock against them.
type redisBus struct {
	client *redis.Client
	logger zerolog.Logger

	mu      sync.Mutex
	subs    []*redis.PubSub
	regCtx  context.Context
	regStop context.CancelFunc
	regWG   sync.WaitGroup
}

func dialRedis(ctx context.Context, opts *config.Options, logger zerolog.Logger) (Transport, error) {
	url, ok := opts.Get("url")
	if !ok {
		return nil, Errf(KindConfig, "redis engine requires the url connect key")
	}
	ro, err := redis.ParseURL(url)
	if err != nil {
		return nil, Errf(KindConfig, "invalid redis url: %v", err)
	}
	if opts.GetDefault("pub_mode", "pool") == "single" {
		ro.PoolSize = 1
	}

	client := redis.NewClient(ro)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, Wrap(KindConnect, err)
	}
	logger.Info().Str("addr", ro.Addr).Msg("connected to redis")

	regCtx, regStop := context.WithCancel(context.Background())
	return &redisBus{client: client, logger: logger, regCtx: regCtx, regStop: regStop}, nil
}

func (r *redisBus) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := r.client.Publish(ctx, topic, payload).Err(); err != nil {
		return Wrap(KindPublish, err)
	}
	return nil
}

type redisSub struct {
	ps *redis.PubSub
}

func (s *redisSub) Unsubscribe() error { return s.ps.Close() }

func (r *redisBus) Subscribe(ctx context.Context, expr string, handler Handler) (Subscription, error) {
	var ps *redis.PubSub
	if hasGlob(expr) {
		ps = r.client.PSubscribe(ctx, expr)
	} else {
		ps = r.client.Subscribe(ctx, expr)
	}
	// Force the subscription handshake so errors surface here, not on the
	// first delivery.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, Wrap(KindSubscribe, err)
	}
	go func() {
		for msg := range ps.Channel(redis.WithChannelSize(4096)) {
			handler(msg.Channel, []byte(msg.Payload))
		}
	}()
	r.mu.Lock()
	r.subs = append(r.subs, ps)
	r.mu.Unlock()
	return &redisSub{ps: ps}, nil
}

func hasGlob(expr string) bool {
	for _, c := range expr {
		if c == '*' || c == '?' || c == '[' {
			return true
		}
	}
	return false
}

// reqEnvelope frames a request record for the request list: the reply list
// key, length-prefixed, followed by the raw payload.
func reqEnvelope(replyKey string, payload []byte) []byte {
	buf := make([]byte, 2+len(replyKey)+len(payload))
	binary.LittleEndian.PutUint16(buf[0:2], uint16(len(replyKey)))
	copy(buf[2:], replyKey)
	copy(buf[2+len(replyKey):], payload)
	return buf
}

func splitEnvelope(b []byte) (replyKey string, payload []byte, ok bool) {
	if len(b) < 2 {
		return "", nil, false
	}
	n := int(binary.LittleEndian.Uint16(b[0:2]))
	if len(b) < 2+n {
		return "", nil, false
	}
	return string(b[2 : 2+n]), b[2+n:], true
}

func (r *redisBus) Request(ctx context.Context, subject string, payload []byte, timeout time.Duration) ([]byte, error) {
	replyKey := subject + ":reply:" + uuid.NewString()
	if err := r.client.RPush(ctx, subject+":req", reqEnvelope(replyKey, payload)).Err(); err != nil {
		return nil, Wrap(KindRequest, err)
	}
	res, err := r.client.BLPop(ctx, timeout, replyKey).Result()
	if err != nil {
		// Expire any late reply so abandoned lists don't accumulate.
		r.client.Expire(context.WithoutCancel(ctx), replyKey, time.Minute)
		if errors.Is(err, redis.Nil) {
			return nil, Errf(KindTimeout, "request to %q timed out after %s", subject, timeout)
		}
		return nil, Wrap(KindRequest, err)
	}
	// BLPop returns [key, value].
	return []byte(res[1]), nil
}

type redisReplier struct {
	client   *redis.Client
	replyKey string
}

func (r *redisReplier) Send(payload []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.client.RPush(ctx, r.replyKey, payload).Err(); err != nil {
		return Wrap(KindPublish, err)
	}
	r.client.Expire(ctx, r.replyKey, time.Minute)
	return nil
}

func (r *redisReplier) End() error { return nil }

type redisReg struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (r *redisReg) Close() error {
	r.cancel()
	<-r.done
	return nil
}

func (r *redisBus) RegisterResponder(_ context.Context, prefix string, handler QueryHandler) (Registration, error) {
	ctx, cancel := context.WithCancel(r.regCtx)
	done := make(chan struct{})
	reqKey := prefix + ":req"

	r.regWG.Add(1)
	go func() {
		defer r.regWG.Done()
		defer close(done)
		for ctx.Err() == nil {
			res, err := r.client.BLPop(ctx, time.Second, reqKey).Result()
			if err != nil {
				if errors.Is(err, redis.Nil) || ctx.Err() != nil {
					continue
				}
				r.logger.Debug().Err(err).Str("key", reqKey).Msg("responder pop failed")
				continue
			}
			replyKey, payload, ok := splitEnvelope([]byte(res[1]))
			if !ok {
				r.logger.Debug().Str("key", reqKey).Msg("malformed request envelope")
				continue
			}
			handler(prefix, payload, &redisReplier{client: r.client, replyKey: replyKey})
		}
	}()
	return &redisReg{cancel: cancel, done: done}, nil
}

func (r *redisBus) HealthCheck(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return Wrap(KindDisconnected, err)
	}
	return nil
}

func (r *redisBus) Shutdown(context.Context) error {
	r.regStop()
	r.regWG.Wait()
	r.mu.Lock()
	for _, ps := range r.subs {
		ps.Close()
	}
	r.subs = nil
	r.mu.Unlock()
	return Wrap(KindOther, r.client.Close())
}
