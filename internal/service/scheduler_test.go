package service

import (
	"context"
	"sync"
	"testing"
	"time"

	apperrors "peerchat/internal/errors"
	"peerchat/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var scheduleTarget = models.Target{Host: "127.0.0.1", Port: 6002}

func newTestScheduler(store ScheduleStore, sender MessageSender, retry models.RetryConfig) *Scheduler {
	return NewScheduler(store, sender, "alice", models.SchedulerConfig{IntervalSec: 1, Retry: retry}, testLogger(), nil)
}

func appendDue(t *testing.T, store ScheduleStore, due time.Time, body string) int64 {
	t.Helper()
	id, err := store.AppendScheduled(context.Background(), "alice", "bob", scheduleTarget, due, body)
	require.NoError(t, err)
	return id
}

func TestScheduler_TickSendsDueRecordOnce(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Second)
	id := appendDue(t, store, now.Add(-time.Minute), "happy birthday")

	sender := &mockSender{}
	sender.On("Send", mock.Anything, scheduleTarget, "bob", "happy birthday").
		Return(Result{MessageID: 42, Status: models.MessageStatusDelivered}, nil).Once()

	scheduler := newTestScheduler(store, sender, models.RetryConfig{})

	report, err := scheduler.Tick(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, TickReport{Due: 1, Dispatched: 1}, report)

	sm, err := store.GetScheduled(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.ScheduledStatusSent, sm.Status)
	assert.Equal(t, 1, sm.Attempts)

	report, err = scheduler.Tick(ctx, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Zero(t, report.Due)
	sender.AssertNumberOfCalls(t, "Send", 1)
}

func TestScheduler_FutureRecordWaits(t *testing.T) {
	store := setupStore(t)
	now := time.Now().Truncate(time.Second)
	appendDue(t, store, now.Add(time.Hour), "later")

	sender := &mockSender{}
	report, err := newTestScheduler(store, sender, models.RetryConfig{}).Tick(context.Background(), now)
	require.NoError(t, err)
	assert.Zero(t, report.Due)
	sender.AssertNotCalled(t, "Send", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestScheduler_DueOrder(t *testing.T) {
	store := setupStore(t)
	now := time.Now().Truncate(time.Second)
	appendDue(t, store, now.Add(-time.Minute), "second")
	appendDue(t, store, now.Add(-time.Hour), "first")

	sender := &mockSender{}
	var bodies []string
	sender.On("Send", mock.Anything, scheduleTarget, "bob", mock.AnythingOfType("string")).
		Run(func(args mock.Arguments) { bodies = append(bodies, args.String(3)) }).
		Return(Result{Status: models.MessageStatusDelivered}, nil)

	_, err := newTestScheduler(store, sender, models.RetryConfig{}).Tick(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second"}, bodies)
}

func TestScheduler_RetriesForeverByDefault(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Second)
	id := appendDue(t, store, now.Add(-time.Minute), "keep trying")

	sender := &mockSender{}
	sender.On("Send", mock.Anything, scheduleTarget, "bob", "keep trying").
		Return(Result{Status: models.MessageStatusFailed, Err: apperrors.NewTransportError("x", "dial", assert.AnError)}, nil)

	scheduler := newTestScheduler(store, sender, models.RetryConfig{MaxAttempts: 0})
	for i := 0; i < 5; i++ {
		report, err := scheduler.Tick(ctx, now.Add(time.Duration(i)*10*time.Second))
		require.NoError(t, err)
		assert.Equal(t, 1, report.Retrying)
	}

	sm, err := store.GetScheduled(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.ScheduledStatusScheduled, sm.Status)
	assert.Equal(t, 5, sm.Attempts)
	assert.Contains(t, sm.LastError, "dial")
	sender.AssertNumberOfCalls(t, "Send", 5)
}

func TestScheduler_MaxAttemptsFailsOnce(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Second)
	id := appendDue(t, store, now.Add(-time.Minute), "give up")

	sender := &mockSender{}
	sender.On("Send", mock.Anything, scheduleTarget, "bob", "give up").
		Return(Result{Status: models.MessageStatusFailed, Err: assert.AnError}, nil)

	scheduler := newTestScheduler(store, sender, models.RetryConfig{MaxAttempts: 2})

	report, err := scheduler.Tick(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Retrying)

	report, err = scheduler.Tick(ctx, now.Add(10*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Exhausted)

	report, err = scheduler.Tick(ctx, now.Add(20*time.Second))
	require.NoError(t, err)
	assert.Zero(t, report.Due)

	sm, err := store.GetScheduled(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.ScheduledStatusFailed, sm.Status)
	assert.Equal(t, 2, sm.Attempts)
	sender.AssertNumberOfCalls(t, "Send", 2)
}

func TestScheduler_BackoffDefersRetry(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Second)
	appendDue(t, store, now.Add(-time.Minute), "backoff")

	sender := &mockSender{}
	sender.On("Send", mock.Anything, scheduleTarget, "bob", "backoff").
		Return(Result{Status: models.MessageStatusFailed, Err: assert.AnError}, nil)

	scheduler := newTestScheduler(store, sender, models.RetryConfig{
		Backoff:          true,
		InitialBackoffMs: 10000,
		MaxBackoffMs:     60000,
	})

	_, err := scheduler.Tick(ctx, now)
	require.NoError(t, err)

	report, err := scheduler.Tick(ctx, now.Add(5*time.Second))
	require.NoError(t, err)
	assert.Equal(t, TickReport{Due: 1, Deferred: 1}, report)

	report, err = scheduler.Tick(ctx, now.Add(11*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Retrying)

	// Second failure doubles the wait to 20s.
	report, err = scheduler.Tick(ctx, now.Add(25*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Deferred)

	sender.AssertNumberOfCalls(t, "Send", 2)
}

func TestScheduler_InvalidStoredTargetFailsImmediately(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Second)
	id := appendDue(t, store, now.Add(-time.Minute), "bad")

	sender := &mockSender{}
	sender.On("Send", mock.Anything, scheduleTarget, "bob", "bad").
		Return(Result{}, apperrors.NewValidationError("host", "cannot be empty"))

	report, err := newTestScheduler(store, sender, models.RetryConfig{}).Tick(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Exhausted)

	sm, err := store.GetScheduled(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.ScheduledStatusFailed, sm.Status)
}

func TestScheduler_StorageErrorAbortsTick(t *testing.T) {
	store := setupStore(t)
	now := time.Now().Truncate(time.Second)
	appendDue(t, store, now.Add(-2*time.Minute), "one")
	appendDue(t, store, now.Add(-time.Minute), "two")

	storeErr := apperrors.NewStorageError("append message", assert.AnError)
	sender := &mockSender{}
	sender.On("Send", mock.Anything, scheduleTarget, "bob", "one").Return(Result{}, storeErr)

	_, err := newTestScheduler(store, sender, models.RetryConfig{}).Tick(context.Background(), now)
	assert.ErrorIs(t, err, storeErr)
	sender.AssertNumberOfCalls(t, "Send", 1)
}

func TestScheduler_ConcurrentTicksSendOnce(t *testing.T) {
	store := setupStore(t)
	now := time.Now().Truncate(time.Second)
	appendDue(t, store, now.Add(-time.Minute), "only once")

	sender := &mockSender{}
	sender.On("Send", mock.Anything, scheduleTarget, "bob", "only once").
		After(50*time.Millisecond).
		Return(Result{Status: models.MessageStatusDelivered}, nil)

	scheduler := newTestScheduler(store, sender, models.RetryConfig{})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := scheduler.Tick(context.Background(), now)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	sender.AssertNumberOfCalls(t, "Send", 1)
}

func TestScheduler_ScheduleMessage(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	scheduler := newTestScheduler(store, &mockSender{}, models.RetryConfig{})
	due := time.Date(2030, 1, 2, 3, 4, 5, 0, time.Local)

	id, err := scheduler.ScheduleMessage(ctx, ScheduleRequest{Target: scheduleTarget, Receiver: "bob", DueAt: due, Body: "future"})
	require.NoError(t, err)

	sm, err := store.GetScheduled(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "alice", sm.Sender)
	assert.Equal(t, "bob", sm.Receiver)
	assert.Equal(t, scheduleTarget, sm.Target)
	assert.True(t, due.Equal(sm.DueAt))
	assert.Equal(t, models.ScheduledStatusScheduled, sm.Status)

	invalid := []ScheduleRequest{
		{Target: models.Target{Host: "", Port: 1}, Receiver: "bob", DueAt: due, Body: "x"},
		{Target: scheduleTarget, Receiver: "", DueAt: due, Body: "x"},
		{Target: scheduleTarget, Receiver: "bob", DueAt: due, Body: ""},
		{Target: scheduleTarget, Receiver: "bob", Body: "x"},
	}
	for _, req := range invalid {
		_, err := scheduler.ScheduleMessage(ctx, req)
		assert.Equal(t, apperrors.ErrCodeInvalidInput, apperrors.GetCode(err))
	}
}

func TestScheduler_StartStop(t *testing.T) {
	store := setupStore(t)
	now := time.Now()
	appendDue(t, store, now.Add(-time.Minute), "on start")

	sender := &mockSender{}
	sender.On("Send", mock.Anything, scheduleTarget, "bob", "on start").
		Return(Result{Status: models.MessageStatusDelivered}, nil).Once()

	scheduler := newTestScheduler(store, sender, models.RetryConfig{})

	done := make(chan struct{})
	go func() {
		scheduler.Start(context.Background())
		close(done)
	}()

	assert.Eventually(t, func() bool {
		sent, err := store.ListScheduled(context.Background(), models.ScheduledStatusSent)
		return err == nil && len(sent) == 1
	}, 2*time.Second, 10*time.Millisecond, "first tick runs immediately")

	scheduler.Stop()
	scheduler.Stop()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Scheduler did not stop within timeout")
	}
}

func TestScheduler_ContextCancelStops(t *testing.T) {
	scheduler := newTestScheduler(setupStore(t), &mockSender{}, models.RetryConfig{})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		scheduler.Start(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Scheduler did not stop within timeout")
	}
}
