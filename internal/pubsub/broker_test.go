package pubsub

import (
	"context"
	"testing"
	"time"

	apperrors "peerchat/internal/errors"
	"peerchat/internal/models"
	"peerchat/pkg/circuitbreaker"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	return logger
}

func newTestBroker(t *testing.T) (*RedisBroker, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	broker := NewRedisBroker(NewRedisClient(models.PubSubConfig{RedisAddr: mr.Addr()}), testLogger())
	t.Cleanup(func() { _ = broker.Close() })
	return broker, mr
}

func receive(t *testing.T, stream <-chan []byte) []byte {
	t.Helper()
	select {
	case payload, ok := <-stream:
		require.True(t, ok, "stream closed")
		return payload
	case <-time.After(2 * time.Second):
		t.Fatal("no payload received")
		return nil
	}
}

func TestRedisBroker_PublishSubscribe(t *testing.T) {
	broker, _ := newTestBroker(t)
	ctx := context.Background()

	require.NoError(t, broker.Ping(ctx))

	stream, err := broker.Subscribe(ctx, "general")
	require.NoError(t, err)

	require.NoError(t, broker.Publish(ctx, "general", []byte(`{"hello":"world"}`)))
	assert.Equal(t, `{"hello":"world"}`, string(receive(t, stream)))
}

func TestRedisBroker_TopicsAndSubscriberCount(t *testing.T) {
	broker, _ := newTestBroker(t)
	ctx := context.Background()

	_, err := broker.Subscribe(ctx, "news")
	require.NoError(t, err)
	_, err = broker.Subscribe(ctx, "news")
	require.NoError(t, err)
	_, err = broker.Subscribe(ctx, "alerts")
	require.NoError(t, err)

	topics, err := broker.Topics(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alerts", "news"}, topics)

	count, err := broker.SubscriberCount(ctx, "news")
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	count, err = broker.SubscriberCount(ctx, "empty")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestRedisBroker_CancelClosesStream(t *testing.T) {
	broker, _ := newTestBroker(t)
	ctx, cancel := context.WithCancel(context.Background())

	stream, err := broker.Subscribe(ctx, "general")
	require.NoError(t, err)
	cancel()

	select {
	case _, ok := <-stream:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("stream not closed after cancel")
	}

	assert.Eventually(t, func() bool {
		count, err := broker.SubscriberCount(context.Background(), "general")
		return err == nil && count == 0
	}, 2*time.Second, 20*time.Millisecond)
}

func TestRedisBroker_CloseEndsSubscriptions(t *testing.T) {
	broker, _ := newTestBroker(t)

	stream, err := broker.Subscribe(context.Background(), "general")
	require.NoError(t, err)
	require.NoError(t, broker.Close())
	assert.NoError(t, broker.Close())

	select {
	case _, ok := <-stream:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("stream not closed after broker close")
	}

	_, err = broker.Subscribe(context.Background(), "general")
	assert.Equal(t, apperrors.ErrCodeBroker, apperrors.GetCode(err))
}

func TestRedisBroker_Unavailable(t *testing.T) {
	broker, mr := newTestBroker(t)
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := broker.Publish(ctx, "general", []byte("x"))
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeBroker, apperrors.GetCode(err))
	assert.True(t, apperrors.IsRetryable(err))
}

func TestRedisBroker_BreakerOpensWhenUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	broker := NewRedisBroker(redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1}), testLogger())
	t.Cleanup(func() { _ = broker.Close() })
	ctx := context.Background()

	require.NoError(t, broker.Publish(ctx, "general", []byte("ok")))
	assert.Equal(t, "closed", broker.BreakerStats().State)

	mr.Close()
	for i := 0; i < circuitbreaker.DefaultMaxFailures; i++ {
		err := broker.Publish(ctx, "general", []byte("x"))
		require.Error(t, err)
		assert.False(t, circuitbreaker.IsOpen(err))
	}

	err := broker.Publish(ctx, "general", []byte("x"))
	require.Error(t, err)
	assert.True(t, circuitbreaker.IsOpen(err))
	assert.Equal(t, apperrors.ErrCodeBroker, apperrors.GetCode(err))

	_, err = broker.Topics(ctx)
	assert.True(t, circuitbreaker.IsOpen(err))
	assert.Equal(t, "open", broker.BreakerStats().State)
}
