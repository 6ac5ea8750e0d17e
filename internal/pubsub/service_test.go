package pubsub

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"peerchat/internal/database"
	apperrors "peerchat/internal/errors"
	"peerchat/internal/models"
	"peerchat/internal/service"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memoryBroker is an in-process Broker.
type memoryBroker struct {
	mu         sync.Mutex
	subs       map[string][]chan []byte
	published  map[string][][]byte
	publishErr error
	closed     bool
}

func newMemoryBroker() *memoryBroker {
	return &memoryBroker{
		subs:      make(map[string][]chan []byte),
		published: make(map[string][][]byte),
	}
}

func (b *memoryBroker) Publish(ctx context.Context, topic string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.publishErr != nil {
		return b.publishErr
	}
	b.published[topic] = append(b.published[topic], payload)
	for _, ch := range b.subs[topic] {
		select {
		case ch <- payload:
		default:
		}
	}
	return nil
}

func (b *memoryBroker) Subscribe(ctx context.Context, topic string) (<-chan []byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan []byte, 16)
	b.subs[topic] = append(b.subs[topic], ch)

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.subs[topic]
		for i, c := range list {
			if c == ch {
				b.subs[topic] = append(list[:i], list[i+1:]...)
				close(ch)
				break
			}
		}
	}()
	return ch, nil
}

func (b *memoryBroker) Topics(ctx context.Context) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var topics []string
	for topic, subs := range b.subs {
		if len(subs) > 0 {
			topics = append(topics, topic)
		}
	}
	sort.Strings(topics)
	return topics, nil
}

func (b *memoryBroker) SubscriberCount(ctx context.Context, topic string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int64(len(b.subs[topic])), nil
}

func (b *memoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *memoryBroker) Published(topic string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][]byte(nil), b.published[topic]...)
}

type recordingNotifier struct {
	mu     sync.Mutex
	titles []string
}

func (n *recordingNotifier) Notify(ctx context.Context, title, message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.titles = append(n.titles, title)
	return nil
}

func (n *recordingNotifier) Titles() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.titles...)
}

func setupStore(t *testing.T) *database.Database {
	t.Helper()
	db, err := database.New(filepath.Join(t.TempDir(), "messages.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func decode(t *testing.T, payload []byte) Envelope {
	t.Helper()
	var env Envelope
	require.NoError(t, json.Unmarshal(payload, &env))
	return env
}

func TestService_PublishRecordsSent(t *testing.T) {
	broker := newMemoryBroker()
	store := setupStore(t)
	svc := NewService(broker, store, nil, "alice", testLogger())
	ctx := context.Background()

	id, err := svc.Publish(ctx, "general", "hello all")
	require.NoError(t, err)

	published := broker.Published("general")
	require.Len(t, published, 1)
	assert.Equal(t, Envelope{Type: TypePublish, Topic: "general", From: "alice", Message: "hello all"}, decode(t, published[0]))

	msg, err := store.GetMessage(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.MessageStatusSent, msg.Status)
	assert.Equal(t, "alice", msg.Sender)
	assert.Equal(t, "#general", msg.Receiver)
}

func TestService_PublishFailureRecordedAsFailed(t *testing.T) {
	broker := newMemoryBroker()
	broker.publishErr = apperrors.NewBrokerError("publish", "general", assert.AnError)
	store := setupStore(t)
	svc := NewService(broker, store, nil, "alice", testLogger())
	ctx := context.Background()

	id, err := svc.Publish(ctx, "general", "lost")
	require.Error(t, err)

	msg, err := store.GetMessage(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.MessageStatusFailed, msg.Status)
}

func TestService_FailedPublishIsNotReplayedToPeer(t *testing.T) {
	broker := newMemoryBroker()
	broker.publishErr = apperrors.NewBrokerError("publish", "bob", assert.AnError)
	aliceStore := setupStore(t)
	svc := NewService(broker, aliceStore, nil, "alice", testLogger())
	ctx := context.Background()

	_, err := svc.Publish(ctx, "bob", "topic-only announcement")
	require.Error(t, err)

	pending, err := aliceStore.PendingMessages(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, pending)

	bobStore := setupStore(t)
	cfg := models.DeliveryConfig{SendTimeoutSec: 2, MaxPayloadBytes: 64 * 1024}
	listener := service.NewListener(bobStore, nil, "bob", cfg, testLogger(), nil)
	require.NoError(t, listener.Start(ctx, "127.0.0.1", 0))
	t.Cleanup(func() { _ = listener.Stop() })
	bob := models.Target{Host: "127.0.0.1", Port: listener.Port()}

	sender := service.NewSender(aliceStore, "alice", cfg, testLogger(), nil)
	report, err := service.NewSweeper(aliceStore, sender, testLogger()).Sweep(ctx, bob, "bob")
	require.NoError(t, err)
	assert.Equal(t, service.SweepReport{}, report)

	received, err := bobStore.ListMessages(ctx, models.MessageFilter{})
	require.NoError(t, err)
	assert.Empty(t, received)

	failed, err := aliceStore.ListMessages(ctx, models.MessageFilter{Status: models.MessageStatusFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, Receiver("bob"), failed[0].Receiver)
}

func TestService_PublishValidates(t *testing.T) {
	svc := NewService(newMemoryBroker(), setupStore(t), nil, "alice", testLogger())

	_, err := svc.Publish(context.Background(), "bad topic", "x")
	assert.Equal(t, apperrors.ErrCodeInvalidInput, apperrors.GetCode(err))
	_, err = svc.Publish(context.Background(), "general", "")
	assert.Equal(t, apperrors.ErrCodeInvalidInput, apperrors.GetCode(err))
}

func TestService_SubscribeIsIdempotentAndAnnounces(t *testing.T) {
	broker := newMemoryBroker()
	svc := NewService(broker, setupStore(t), nil, "bob", testLogger())
	t.Cleanup(func() { _ = svc.Close() })
	ctx := context.Background()

	require.NoError(t, svc.Subscribe(ctx, "general"))
	require.NoError(t, svc.Subscribe(ctx, "general"))

	count, err := svc.Listeners(ctx, "general")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
	assert.Equal(t, []string{"general"}, svc.Subscriptions())

	published := broker.Published("general")
	require.Len(t, published, 1)
	assert.Equal(t, TypeSubscribe, decode(t, published[0]).Type)

	topics, err := svc.Topics(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"general"}, topics)
}

func TestService_InboundBookkeeping(t *testing.T) {
	broker := newMemoryBroker()
	store := setupStore(t)
	notifier := &recordingNotifier{}
	svc := NewService(broker, store, notifier, "bob", testLogger())
	t.Cleanup(func() { _ = svc.Close() })
	ctx := context.Background()

	require.NoError(t, svc.Subscribe(ctx, "general"))

	send := func(env Envelope) {
		payload, err := json.Marshal(env)
		require.NoError(t, err)
		require.NoError(t, broker.Publish(ctx, "general", payload))
	}
	send(Envelope{Type: TypeSubscribe, Topic: "general", From: "carol"})
	send(Envelope{Type: TypePublish, Topic: "general", From: "bob", Message: "my own echo"})
	require.NoError(t, broker.Publish(ctx, "general", []byte("not json")))
	send(Envelope{Type: TypePublish, Topic: "general", From: "alice", Message: "hi topic"})

	assert.Eventually(t, func() bool {
		msgs, err := store.ListMessages(ctx, models.MessageFilter{})
		return err == nil && len(msgs) == 1
	}, 2*time.Second, 10*time.Millisecond)

	msgs, err := store.ListMessages(ctx, models.MessageFilter{})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, models.MessageStatusReceived, msgs[0].Status)
	assert.Equal(t, "alice", msgs[0].Sender)
	assert.Equal(t, "#general", msgs[0].Receiver)
	assert.Equal(t, "hi topic", msgs[0].Body)

	assert.Equal(t, []string{"[general] alice"}, notifier.Titles())
}

func TestService_UnsubscribeAndClose(t *testing.T) {
	broker := newMemoryBroker()
	svc := NewService(broker, setupStore(t), nil, "bob", testLogger())
	ctx := context.Background()

	require.NoError(t, svc.Subscribe(ctx, "general"))
	assert.True(t, svc.Unsubscribe("general"))
	assert.False(t, svc.Unsubscribe("general"))
	assert.Empty(t, svc.Subscriptions())

	require.NoError(t, svc.Subscribe(ctx, "news"))
	require.NoError(t, svc.Close())
	assert.NoError(t, svc.Close())
	assert.True(t, broker.closed)

	err := svc.Subscribe(ctx, "general")
	assert.Equal(t, apperrors.ErrCodeBroker, apperrors.GetCode(err))
}

func TestService_OverRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	cfg := models.PubSubConfig{RedisAddr: mr.Addr()}

	aliceStore := setupStore(t)
	alice := NewService(NewRedisBroker(NewRedisClient(cfg), testLogger()), aliceStore, nil, "alice", testLogger())
	t.Cleanup(func() { _ = alice.Close() })

	bobStore := setupStore(t)
	bob := NewService(NewRedisBroker(NewRedisClient(cfg), testLogger()), bobStore, nil, "bob", testLogger())
	t.Cleanup(func() { _ = bob.Close() })

	require.NoError(t, bob.Subscribe(ctx, "general"))

	listeners, err := alice.Listeners(ctx, "general")
	require.NoError(t, err)
	assert.Equal(t, int64(1), listeners)

	_, err = alice.Publish(ctx, "general", "hello redis")
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		msgs, err := bobStore.ListMessages(ctx, models.MessageFilter{Status: models.MessageStatusReceived})
		return err == nil && len(msgs) == 1 && msgs[0].Body == "hello redis"
	}, 3*time.Second, 20*time.Millisecond)

	sent, err := aliceStore.ListMessages(ctx, models.MessageFilter{Status: models.MessageStatusSent})
	require.NoError(t, err)
	assert.Len(t, sent, 1)
}

func TestService_Observer(t *testing.T) {
	broker := newMemoryBroker()
	svc := NewService(broker, setupStore(t), nil, "bob", testLogger())
	t.Cleanup(func() { _ = svc.Close() })
	ctx := context.Background()

	type observed struct {
		from   string
		status models.MessageStatus
	}
	seen := make(chan observed, 4)
	svc.SetObserver(func(env Envelope, status models.MessageStatus, id int64) {
		seen <- observed{from: env.From, status: status}
	})

	require.NoError(t, svc.Subscribe(ctx, "general"))
	_, err := svc.Publish(ctx, "general", "from bob")
	require.NoError(t, err)

	payload, err := json.Marshal(Envelope{Type: TypePublish, Topic: "general", From: "alice", Message: "from alice"})
	require.NoError(t, err)
	require.NoError(t, broker.Publish(ctx, "general", payload))

	var got []observed
	for len(got) < 2 {
		select {
		case o := <-seen:
			got = append(got, o)
		case <-time.After(2 * time.Second):
			t.Fatalf("observed %d envelopes, want 2", len(got))
		}
	}
	assert.ElementsMatch(t, []observed{
		{from: "bob", status: models.MessageStatusSent},
		{from: "alice", status: models.MessageStatusReceived},
	}, got)
}
