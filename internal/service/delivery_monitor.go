package service

import (
	"context"
	"sync"
	"time"

	"peerchat/internal/metrics"
	"peerchat/internal/models"

	"github.com/sirupsen/logrus"
)

// DeliveryMonitor reports messages left pending for longer than a threshold.
// It never changes the ledger.
type DeliveryMonitor struct {
	db             StaleMessageCounter
	checkInterval  time.Duration
	staleThreshold time.Duration
	logger         *logrus.Logger
	stopCh         chan struct{}
	stopOnce       sync.Once
}

func NewDeliveryMonitor(db StaleMessageCounter, checkInterval, staleThreshold time.Duration, logger *logrus.Logger) *DeliveryMonitor {
	return &DeliveryMonitor{
		db:             db,
		checkInterval:  checkInterval,
		staleThreshold: staleThreshold,
		logger:         logger,
		stopCh:         make(chan struct{}),
	}
}

func (m *DeliveryMonitor) Start(ctx context.Context) {
	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()

	m.logger.WithFields(logrus.Fields{
		"check_interval":  m.checkInterval,
		"stale_threshold": m.staleThreshold,
	}).Info("Starting delivery monitor")

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

func (m *DeliveryMonitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

// Check updates the pending and stale gauges and returns the stale count.
func (m *DeliveryMonitor) Check(ctx context.Context) int {
	counts, err := m.db.CountMessagesByStatus(ctx)
	if err != nil {
		m.logger.WithError(err).Error("Failed to count messages by status")
	} else {
		for status, n := range counts {
			metrics.SetGauge("messages_by_status", float64(n), map[string]string{"status": string(status)}, "Ledger records per status")
		}
		metrics.SetGauge(metrics.PendingMessages, float64(counts[models.MessageStatusPending]), nil, "Messages awaiting an outcome")
	}

	count, err := m.db.GetStaleMessageCount(ctx, m.staleThreshold)
	if err != nil {
		m.logger.WithError(err).Error("Failed to check for stale messages")
		return 0
	}
	metrics.SetGauge(metrics.StalePendingMessages, float64(count), nil, "Messages stuck in pending status")
	if count > 0 {
		m.logger.WithFields(logrus.Fields{
			"stale_count": count,
			"threshold":   m.staleThreshold,
		}).Warn("Messages stuck in 'pending' status; reconnect to the peer to resend them")
	}
	return count
}
