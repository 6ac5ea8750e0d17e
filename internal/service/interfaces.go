package service

import (
	"context"
	"time"

	"peerchat/internal/models"
)

// MessageStore is the part of the ledger the sender and listener write to.
type MessageStore interface {
	AppendMessage(ctx context.Context, sender, receiver string, status models.MessageStatus, body string) (int64, error)
	SetMessageStatus(ctx context.Context, id int64, status models.MessageStatus) error
}

// PendingStore lists records the Retry Sweeper replays.
type PendingStore interface {
	PendingMessages(ctx context.Context, receiver string) ([]models.Message, error)
}

// ScheduleStore is the scheduled-message ledger.
type ScheduleStore interface {
	AppendScheduled(ctx context.Context, sender, receiver string, target models.Target, due time.Time, body string) (int64, error)
	DueScheduled(ctx context.Context, now time.Time) ([]models.ScheduledMessage, error)
	SetScheduledStatus(ctx context.Context, id int64, status models.ScheduledStatus) error
	RecordScheduledAttempt(ctx context.Context, id int64, at time.Time, lastError string) error
}

// StaleMessageCounter reports pending messages older than a threshold.
type StaleMessageCounter interface {
	GetStaleMessageCount(ctx context.Context, threshold time.Duration) (int, error)
	CountMessagesByStatus(ctx context.Context) (map[models.MessageStatus]int, error)
}

// HistoryStore is the read side used by the shell and admin server.
type HistoryStore interface {
	ListMessages(ctx context.Context, filter models.MessageFilter) ([]models.Message, error)
	ListScheduled(ctx context.Context, status models.ScheduledStatus) ([]models.ScheduledMessage, error)
}

// Store is everything a Node needs from the durable store.
type Store interface {
	MessageStore
	PendingStore
	ScheduleStore
	StaleMessageCounter
	HistoryStore
}

// MessageSender delivers messages and records the outcome in the ledger.
type MessageSender interface {
	Send(ctx context.Context, target models.Target, receiver, body string) (Result, error)
	Redeliver(ctx context.Context, target models.Target, msg models.Message) (Result, error)
}
