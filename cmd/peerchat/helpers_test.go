package main

import (
	"bytes"
	"context"
	"path/filepath"
	"sync"
	"testing"

	"peerchat/internal/config"
	"peerchat/internal/database"
	"peerchat/internal/notify"
	"peerchat/internal/service"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	return logger
}

// startNode runs a node on a free loopback port backed by a temporary store.
func startNode(t *testing.T, nickname string) (*service.Node, *database.Database) {
	t.Helper()

	db, err := database.New(filepath.Join(t.TempDir(), nickname+".db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	cfg := config.Defaults()
	cfg.Node.Nickname = nickname
	cfg.Node.Port = 0
	cfg.Delivery.SendTimeoutSec = 2

	node, err := service.NewNode(*cfg, db, notify.NopNotifier{}, testLogger())
	require.NoError(t, err)
	require.NoError(t, node.Start(context.Background()))
	t.Cleanup(func() { _ = node.Stop() })
	return node, db
}

// syncBuffer is a bytes.Buffer safe for the shell's event printer.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *syncBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf.Reset()
}
