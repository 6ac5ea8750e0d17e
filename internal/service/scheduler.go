package service

import (
	"context"
	"sync"
	"time"

	"peerchat/internal/constants"
	apperrors "peerchat/internal/errors"
	"peerchat/internal/metrics"
	"peerchat/internal/models"
	"peerchat/internal/retry"
	"peerchat/internal/tracing"
	"peerchat/internal/validation"

	"github.com/sirupsen/logrus"
)

// ScheduleRequest asks for Body to be sent to Receiver at Target once DueAt passes.
type ScheduleRequest struct {
	Target   models.Target
	Receiver string
	DueAt    time.Time
	Body     string
}

// TickReport summarises one scheduler tick.
type TickReport struct {
	Due        int `json:"due"`
	Dispatched int `json:"dispatched"`
	Retrying   int `json:"retrying"`
	Exhausted  int `json:"exhausted"`
	Deferred   int `json:"deferred"`
}

// Scheduler promotes due scheduled records into the send path. Each record
// leaves the scheduled state exactly once.
type Scheduler struct {
	store    ScheduleStore
	sender   MessageSender
	nickname string
	interval time.Duration
	policy   models.RetryConfig
	backoff  *retry.Backoff
	logger   *logrus.Logger
	events   *EventHub
	now      func() time.Time

	tickMu   sync.Mutex
	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewScheduler(store ScheduleStore, sender MessageSender, nickname string, cfg models.SchedulerConfig, logger *logrus.Logger, events *EventHub) *Scheduler {
	interval := time.Duration(cfg.IntervalSec) * time.Second
	if interval <= 0 {
		interval = constants.DefaultSchedulerIntervalSec * time.Second
	}

	s := &Scheduler{
		store:    store,
		sender:   sender,
		nickname: nickname,
		interval: interval,
		policy:   cfg.Retry,
		logger:   logger,
		events:   events,
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
	if cfg.Retry.Backoff {
		s.backoff = retry.NewBackoff(retry.FromRetryConfig(cfg.Retry))
	}
	return s
}

// ScheduleMessage validates req and records it for later delivery.
func (s *Scheduler) ScheduleMessage(ctx context.Context, req ScheduleRequest) (int64, error) {
	if err := validation.ValidateTarget(req.Target); err != nil {
		return 0, err
	}
	if err := validation.ValidateNickname(req.Receiver); err != nil {
		return 0, err
	}
	if err := validation.ValidateMessageBody(req.Body); err != nil {
		return 0, err
	}
	if req.DueAt.IsZero() {
		return 0, apperrors.NewValidationError("schedule time", "is required")
	}

	id, err := s.store.AppendScheduled(ctx, s.nickname, req.Receiver, req.Target, req.DueAt, req.Body)
	if err != nil {
		return 0, err
	}

	s.logger.WithFields(messageFields(ctx, s.nickname, req.Receiver, req.Body)).WithFields(logrus.Fields{
		LogFieldScheduledID: id,
		LogFieldTarget:      targetField(ctx, req.Target.Address()),
		"due_at":            req.DueAt.Format(constants.ScheduleTimeLayout),
	}).Info("Message scheduled")

	s.events.Publish(Event{Kind: EventScheduled, MessageID: id, Sender: s.nickname, Receiver: req.Receiver, Body: req.Body})
	return id, nil
}

// Start runs one tick immediately, then one per interval until ctx is done
// or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.WithField("interval", s.interval).Info("Starting message scheduler")

	s.runTick(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Scheduler context cancelled, stopping")
			return
		case <-s.stopCh:
			s.logger.Info("Scheduler stop signal received, stopping")
			return
		case <-ticker.C:
			s.runTick(ctx)
		}
	}
}

// Stop ends the loop started by Start. It is safe to call more than once.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *Scheduler) runTick(ctx context.Context) {
	report, err := s.Tick(ctx, s.now())
	if err != nil {
		apperrors.LogError(s.logger, err, "Failed to run scheduler tick")
		return
	}
	if report.Due > 0 {
		s.logger.WithFields(logrus.Fields{
			"due":        report.Due,
			"dispatched": report.Dispatched,
			"retrying":   report.Retrying,
			"exhausted":  report.Exhausted,
			"deferred":   report.Deferred,
		}).Info("Completed scheduler tick")
	}
}

// Tick sends every record due at now, in due-time order. Ticks never overlap.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) (TickReport, error) {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	ctx, span := tracing.StartSpan(ctx, "scheduler.tick")
	defer span.End()

	metrics.IncrementCounter(metrics.SchedulerTicks, nil, "Scheduler ticks")

	var report TickReport
	due, err := s.store.DueScheduled(ctx, now)
	if err != nil {
		tracing.RecordError(ctx, err)
		return report, err
	}
	report.Due = len(due)

	for _, rec := range due {
		if ctx.Err() != nil {
			break
		}
		if s.deferred(rec, now) {
			report.Deferred++
			continue
		}
		if err := s.dispatch(ctx, rec, now, &report); err != nil {
			tracing.RecordError(ctx, err)
			return report, err
		}
	}

	return report, nil
}

// deferred reports whether rec is still inside its backoff window.
func (s *Scheduler) deferred(rec models.ScheduledMessage, now time.Time) bool {
	if s.backoff == nil || rec.Attempts == 0 || rec.LastAttemptAt == nil {
		return false
	}
	return now.Before(rec.LastAttemptAt.Add(s.backoff.GetNextDelay(rec.Attempts)))
}

func (s *Scheduler) dispatch(ctx context.Context, rec models.ScheduledMessage, now time.Time, report *TickReport) error {
	logger := s.logger.WithFields(messageFields(ctx, rec.Sender, rec.Receiver, rec.Body)).WithFields(logrus.Fields{
		LogFieldScheduledID: rec.ID,
		LogFieldTarget:      targetField(ctx, rec.Target.Address()),
		LogFieldAttempt:     rec.Attempts + 1,
	})

	result, sendErr := s.sender.Send(ctx, rec.Target, rec.Receiver, rec.Body)
	if sendErr != nil && apperrors.GetCode(sendErr) == apperrors.ErrCodeStorage {
		return sendErr
	}

	var lastError string
	switch {
	case sendErr != nil:
		lastError = sendErr.Error()
	case result.Err != nil:
		lastError = result.Err.Error()
	}

	if err := s.store.RecordScheduledAttempt(ctx, rec.ID, now, lastError); err != nil {
		if apperrors.HasCode(err, apperrors.ErrCodeInvalidTransition) {
			logger.Debug("Skipping scheduled message: already completed")
			return nil
		}
		return err
	}

	if sendErr == nil && result.Delivered() {
		if err := s.complete(ctx, rec.ID, models.ScheduledStatusSent); err != nil {
			return err
		}
		report.Dispatched++
		metrics.IncrementCounter(metrics.ScheduledDispatched, nil, "Scheduled messages delivered")
		logger.WithField(LogFieldMessageID, result.MessageID).Info("Scheduled message sent")
		return nil
	}

	attempts := rec.Attempts + 1
	invalid := apperrors.HasCode(sendErr, apperrors.ErrCodeInvalidInput)
	if invalid || (s.policy.MaxAttempts > 0 && attempts >= s.policy.MaxAttempts) {
		if err := s.complete(ctx, rec.ID, models.ScheduledStatusFailed); err != nil {
			return err
		}
		report.Exhausted++
		metrics.IncrementCounter(metrics.ScheduledFailed, nil, "Scheduled messages that ran out of attempts")
		logger.WithField("last_error", lastError).Warn("Scheduled message failed: no attempts left")
		return nil
	}

	report.Retrying++
	logger.WithField("last_error", lastError).Warn("Scheduled message not delivered, will retry")
	return nil
}

func (s *Scheduler) complete(ctx context.Context, id int64, status models.ScheduledStatus) error {
	err := s.store.SetScheduledStatus(ctx, id, status)
	if apperrors.HasCode(err, apperrors.ErrCodeInvalidTransition) {
		apperrors.LogError(s.logger, err, "Scheduled record left the scheduled state twice")
		return nil
	}
	return err
}
