package service

import (
	"context"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"peerchat/internal/constants"
	"peerchat/internal/database"
	"peerchat/internal/models"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	return logger
}

func testDeliveryConfig() models.DeliveryConfig {
	return models.DeliveryConfig{
		SendTimeoutSec:  2,
		MaxPayloadBytes: constants.DefaultMaxPayloadBytes,
		MaxConnections:  8,
	}
}

func setupStore(t *testing.T) *database.Database {
	t.Helper()

	db, err := database.New(filepath.Join(t.TempDir(), "messages.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func startListener(t *testing.T, store MessageStore, notifier *countingNotifier, nickname string, cfg models.DeliveryConfig) (*Listener, models.Target) {
	t.Helper()

	l := NewListener(store, notifier, nickname, cfg, testLogger(), nil)
	require.NoError(t, l.Start(context.Background(), "127.0.0.1", 0))
	t.Cleanup(func() { _ = l.Stop() })
	return l, models.Target{Host: "127.0.0.1", Port: l.Port()}
}

// unusedTarget returns an address nothing listens on.
func unusedTarget(t *testing.T) models.Target {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return models.Target{Host: "127.0.0.1", Port: port}
}

// fakePeer serves every accepted connection with handle.
func fakePeer(t *testing.T, handle func(conn net.Conn)) models.Target {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var wg sync.WaitGroup
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer conn.Close()
				handle(conn)
			}()
		}
	}()
	t.Cleanup(func() {
		_ = ln.Close()
		wg.Wait()
	})

	return models.Target{Host: "127.0.0.1", Port: ln.Addr().(*net.TCPAddr).Port}
}

type notification struct {
	title   string
	message string
}

type countingNotifier struct {
	mu    sync.Mutex
	calls []notification
	err   error
}

func (n *countingNotifier) Notify(ctx context.Context, title, message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, notification{title: title, message: message})
	return n.err
}

func (n *countingNotifier) Calls() []notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]notification, len(n.calls))
	copy(out, n.calls)
	return out
}

type mockSender struct {
	mock.Mock
}

func (m *mockSender) Send(ctx context.Context, target models.Target, receiver, body string) (Result, error) {
	args := m.Called(ctx, target, receiver, body)
	return args.Get(0).(Result), args.Error(1)
}

func (m *mockSender) Redeliver(ctx context.Context, target models.Target, msg models.Message) (Result, error) {
	args := m.Called(ctx, target, msg)
	return args.Get(0).(Result), args.Error(1)
}

type mockStaleCounter struct {
	mock.Mock
}

func (m *mockStaleCounter) GetStaleMessageCount(ctx context.Context, threshold time.Duration) (int, error) {
	args := m.Called(ctx, threshold)
	return args.Int(0), args.Error(1)
}

func (m *mockStaleCounter) CountMessagesByStatus(ctx context.Context) (map[models.MessageStatus]int, error) {
	args := m.Called(ctx)
	counts, _ := args.Get(0).(map[models.MessageStatus]int)
	return counts, args.Error(1)
}

// failingMessageStore fails every append with err.
type failingMessageStore struct {
	MessageStore
	err error
}

func (s failingMessageStore) AppendMessage(context.Context, string, string, models.MessageStatus, string) (int64, error) {
	return 0, s.err
}

// barrierPendingStore holds PendingMessages until n callers have listed.
type barrierPendingStore struct {
	PendingStore
	wg *sync.WaitGroup
}

func (s barrierPendingStore) PendingMessages(ctx context.Context, receiver string) ([]models.Message, error) {
	msgs, err := s.PendingStore.PendingMessages(ctx, receiver)
	s.wg.Done()
	s.wg.Wait()
	return msgs, err
}
