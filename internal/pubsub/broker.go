package pubsub

import (
	"context"
	"sort"
	"sync"

	"peerchat/internal/constants"
	apperrors "peerchat/internal/errors"
	"peerchat/internal/models"
	"peerchat/pkg/circuitbreaker"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Broker is the publish/subscribe capability the Service relies on.
type Broker interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	// Subscribe streams payloads published on topic until ctx is done or the
	// broker is closed; the channel is then closed.
	Subscribe(ctx context.Context, topic string) (<-chan []byte, error)
	Topics(ctx context.Context) ([]string, error)
	SubscriberCount(ctx context.Context, topic string) (int64, error)
	Close() error
}

// NewRedisClient builds a go-redis client from the pub/sub config.
func NewRedisClient(cfg models.PubSubConfig) *redis.Client {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = constants.DefaultRedisAddr
	}
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

// RedisBroker implements Broker with Redis PUBLISH/SUBSCRIBE. Calls go
// through a circuit breaker so an unreachable Redis fails fast instead of
// stalling the shell on every command.
type RedisBroker struct {
	rdb     *redis.Client
	logger  *logrus.Logger
	breaker *circuitbreaker.CircuitBreaker

	mu     sync.Mutex
	subs   map[*redis.PubSub]struct{}
	closed bool
}

func NewRedisBroker(rdb *redis.Client, logger *logrus.Logger) *RedisBroker {
	return &RedisBroker{
		rdb:     rdb,
		logger:  logger,
		breaker: circuitbreaker.NewWithLogger("redis", circuitbreaker.DefaultMaxFailures, circuitbreaker.DefaultCooldown, logger),
		subs:    make(map[*redis.PubSub]struct{}),
	}
}

// BreakerStats reports the state of the broker's circuit breaker.
func (b *RedisBroker) BreakerStats() circuitbreaker.Stats {
	return b.breaker.Stats()
}

// Ping checks that the broker is reachable.
func (b *RedisBroker) Ping(ctx context.Context) error {
	if err := b.rdb.Ping(ctx).Err(); err != nil {
		return apperrors.NewBrokerError("ping", "", err)
	}
	return nil
}

func (b *RedisBroker) Publish(ctx context.Context, topic string, payload []byte) error {
	err := b.breaker.Execute(ctx, func(ctx context.Context) error {
		return b.rdb.Publish(ctx, topic, payload).Err()
	})
	if err != nil {
		return apperrors.NewBrokerError("publish", topic, err)
	}
	return nil
}

func (b *RedisBroker) Subscribe(ctx context.Context, topic string) (<-chan []byte, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, apperrors.NewBrokerError("subscribe", topic, redis.ErrClosed)
	}
	b.mu.Unlock()

	var ps *redis.PubSub
	err := b.breaker.Execute(ctx, func(ctx context.Context) error {
		ps = b.rdb.Subscribe(ctx, topic)
		// Wait for the subscription confirmation so publishes that follow are seen.
		if _, err := ps.Receive(ctx); err != nil {
			_ = ps.Close()
			return err
		}
		return nil
	})
	if err != nil {
		return nil, apperrors.NewBrokerError("subscribe", topic, err)
	}

	b.mu.Lock()
	b.subs[ps] = struct{}{}
	b.mu.Unlock()

	in := ps.Channel(redis.WithChannelSize(constants.DefaultSubscriptionBuffer))
	out := make(chan []byte, constants.DefaultSubscriptionBuffer)

	go func() {
		defer close(out)
		defer b.release(ps)

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-in:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

func (b *RedisBroker) release(ps *redis.PubSub) {
	b.mu.Lock()
	_, tracked := b.subs[ps]
	delete(b.subs, ps)
	b.mu.Unlock()

	if tracked {
		if err := ps.Close(); err != nil {
			b.logger.WithError(err).Debug("Failed to close subscription")
		}
	}
}

// Topics lists channels that currently have at least one subscriber.
func (b *RedisBroker) Topics(ctx context.Context) ([]string, error) {
	var topics []string
	err := b.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		topics, err = b.rdb.PubSubChannels(ctx, "*").Result()
		return err
	})
	if err != nil {
		return nil, apperrors.NewBrokerError("list topics", "", err)
	}
	sort.Strings(topics)
	return topics, nil
}

func (b *RedisBroker) SubscriberCount(ctx context.Context, topic string) (int64, error) {
	var counts map[string]int64
	err := b.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		counts, err = b.rdb.PubSubNumSub(ctx, topic).Result()
		return err
	})
	if err != nil {
		return 0, apperrors.NewBrokerError("count subscribers", topic, err)
	}
	return counts[topic], nil
}

// Close ends every subscription and the client.
func (b *RedisBroker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[*redis.PubSub]struct{})
	b.mu.Unlock()

	for ps := range subs {
		_ = ps.Close()
	}
	if err := b.rdb.Close(); err != nil {
		return apperrors.NewBrokerError("close", "", err)
	}
	return nil
}
