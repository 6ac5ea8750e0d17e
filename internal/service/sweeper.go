package service

import (
	"context"

	apperrors "peerchat/internal/errors"
	"peerchat/internal/metrics"
	"peerchat/internal/models"
	"peerchat/internal/privacy"
	"peerchat/internal/tracing"

	"github.com/sirupsen/logrus"
)

// SweepReport summarises one Retry Sweeper pass.
type SweepReport struct {
	Attempted int `json:"attempted"`
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
}

// Sweeper replays pending and failed messages for one peer, one at a time,
// in the order they were created.
type Sweeper struct {
	store  PendingStore
	sender MessageSender
	logger *logrus.Logger
}

func NewSweeper(store PendingStore, sender MessageSender, logger *logrus.Logger) *Sweeper {
	return &Sweeper{
		store:  store,
		sender: sender,
		logger: logger,
	}
}

// Sweep replays every retryable record addressed to receiver through target.
// Delivery failures are counted and left for a later sweep; a storage error
// stops the sweep and is returned.
func (s *Sweeper) Sweep(ctx context.Context, target models.Target, receiver string) (SweepReport, error) {
	ctx, span := tracing.StartSpan(ctx, "sweeper.sweep",
		tracing.AttrPeer.String(receiver),
		tracing.AttrTarget.String(target.Address()),
	)
	defer span.End()

	var report SweepReport
	metrics.IncrementCounter(metrics.RetrySweeps, nil, "Retry sweeps started")

	pending, err := s.store.PendingMessages(ctx, receiver)
	if err != nil {
		tracing.RecordError(ctx, err)
		return report, err
	}

	logger := s.logger.WithFields(logrus.Fields{
		LogFieldReceiver: privacy.MaskNickname(receiver),
		LogFieldTarget:   targetField(ctx, target.Address()),
	})
	if len(pending) == 0 {
		logger.Debug("No pending messages to resend")
		return report, nil
	}
	logger.WithField(LogFieldCount, len(pending)).Info("Starting resend of pending messages")

	for _, msg := range pending {
		if ctx.Err() != nil {
			break
		}

		report.Attempted++
		result, err := s.sender.Redeliver(ctx, target, msg)
		if err != nil {
			if apperrors.HasCode(err, apperrors.ErrCodeInvalidTransition) {
				// Another path finished this record after it was listed.
				apperrors.LogWarn(logger, err, "Skipping resend: record no longer pending")
				continue
			}
			tracing.RecordError(ctx, err)
			return report, err
		}

		if result.Delivered() {
			report.Delivered++
		} else {
			report.Failed++
		}
	}

	logger.WithFields(logrus.Fields{
		"attempted": report.Attempted,
		"delivered": report.Delivered,
		"failed":    report.Failed,
	}).Info("Completed resend of pending messages")

	return report, nil
}
