package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"peerchat/internal/constants"
	apperrors "peerchat/internal/errors"
	"peerchat/internal/migrations"
	"peerchat/internal/models"
	"peerchat/internal/security"

	_ "github.com/mattn/go-sqlite3"
)

const (
	messagesTable  = "messages"
	scheduledTable = "scheduled_messages"
)

// Database is the durable outbox/inbox ledger. All methods are safe for
// concurrent use; writes are serialized through a single connection and mu.
type Database struct {
	db  *sql.DB
	mu  sync.Mutex
	now func() time.Time
}

func New(dbPath string) (*Database, error) {
	if err := security.ValidateFilePath(dbPath); err != nil {
		return nil, fmt.Errorf("invalid database path: %w", err)
	}

	file, err := os.OpenFile(dbPath, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create database file: %w", err)
	}
	if err := file.Close(); err != nil {
		return nil, fmt.Errorf("failed to close database file: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to ping database: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := migrations.Apply(context.Background(), db); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to initialize schema: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &Database{db: db, now: time.Now}, nil
}

func (d *Database) Close() error {
	return d.db.Close()
}

// Timestamps are stored as UTC text so string order is instant order, also
// across a DST fall-back.
func formatTime(t time.Time) string {
	return t.UTC().Format(constants.ScheduleTimeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.ParseInLocation(constants.ScheduleTimeLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, err
	}
	return t.In(time.Local), nil
}

// AppendMessage records a new ledger entry and returns its identifier.
func (d *Database) AppendMessage(ctx context.Context, sender, receiver string, status models.MessageStatus, body string) (int64, error) {
	if !status.Valid() {
		return 0, apperrors.NewValidationError("status", string(status))
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	var id int64
	err := retryableDBOperation(ctx, func() error {
		res, err := d.db.ExecContext(ctx, InsertMessageQuery, formatTime(d.now()), sender, receiver, string(status), body)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	}, "append message")
	if err != nil {
		return 0, apperrors.NewStorageError("append message", err)
	}

	return id, nil
}

// GetMessage loads a single ledger entry.
func (d *Database) GetMessage(ctx context.Context, id int64) (*models.Message, error) {
	row := d.db.QueryRowContext(ctx, SelectMessageByIDQuery, id)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewNotFoundError("message", id)
	}
	if err != nil {
		return nil, apperrors.NewStorageError("get message", err)
	}
	return msg, nil
}

// PendingMessages returns the pending and failed entries addressed to
// receiver in creation order.
func (d *Database) PendingMessages(ctx context.Context, receiver string) ([]models.Message, error) {
	rows, err := d.db.QueryContext(ctx, SelectPendingMessagesQuery, receiver)
	if err != nil {
		return nil, apperrors.NewStorageError("pending messages", err)
	}
	defer rows.Close()

	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, apperrors.NewStorageError("pending messages", err)
	}
	return msgs, nil
}

// SetMessageStatus moves a ledger entry to status. Setting the current status
// again is a no-op; transitions the ledger does not allow are rejected.
func (d *Database) SetMessageStatus(ctx context.Context, id int64, status models.MessageStatus) error {
	if !status.Valid() {
		return apperrors.NewValidationError("status", string(status))
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	var current models.MessageStatus
	err := retryableDBOperation(ctx, func() error {
		return d.db.QueryRowContext(ctx, SelectMessageStatusQuery, id).Scan(&current)
	}, "read message status")
	if errors.Is(err, sql.ErrNoRows) {
		return apperrors.NewNotFoundError("message", id)
	}
	if err != nil {
		return apperrors.NewStorageError("set message status", err)
	}

	if current == status {
		return nil
	}
	if !current.CanTransitionTo(status) {
		return apperrors.NewTransitionError(messagesTable, id, string(current), string(status))
	}

	err = retryableDBOperation(ctx, func() error {
		_, err := d.db.ExecContext(ctx, UpdateMessageStatusQuery, string(status), id)
		return err
	}, "update message status")
	if err != nil {
		return apperrors.NewStorageError("set message status", err)
	}
	return nil
}

// ListMessages returns the newest entries matching filter.
func (d *Database) ListMessages(ctx context.Context, filter models.MessageFilter) ([]models.Message, error) {
	query := `SELECT id, timestamp, sender, receiver, status, message FROM messages WHERE 1=1`
	var args []interface{}

	if filter.Peer != "" {
		query += ` AND (sender = ? OR receiver = ?)`
		args = append(args, filter.Peer, filter.Peer)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = constants.DefaultHistoryLimit
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.NewStorageError("list messages", err)
	}
	defer rows.Close()

	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, apperrors.NewStorageError("list messages", err)
	}
	return msgs, nil
}

// CountMessagesByStatus returns how many ledger entries sit in each status.
func (d *Database) CountMessagesByStatus(ctx context.Context) (map[models.MessageStatus]int, error) {
	rows, err := d.db.QueryContext(ctx, CountMessagesByStatusQuery)
	if err != nil {
		return nil, apperrors.NewStorageError("count messages", err)
	}
	defer rows.Close()

	counts := make(map[models.MessageStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, apperrors.NewStorageError("count messages", err)
		}
		counts[models.MessageStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewStorageError("count messages", err)
	}
	return counts, nil
}

// GetStaleMessageCount counts pending entries created more than threshold ago.
func (d *Database) GetStaleMessageCount(ctx context.Context, threshold time.Duration) (int, error) {
	cutoff := formatTime(d.now().Add(-threshold))

	var count int
	if err := d.db.QueryRowContext(ctx, CountStalePendingQuery, cutoff).Scan(&count); err != nil {
		return 0, apperrors.NewStorageError("count stale messages", err)
	}
	return count, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMessage(row rowScanner) (*models.Message, error) {
	var (
		msg       models.Message
		createdAt string
		status    string
	)
	if err := row.Scan(&msg.ID, &createdAt, &msg.Sender, &msg.Receiver, &status, &msg.Body); err != nil {
		return nil, err
	}

	ts, err := parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("message %d has invalid timestamp %q: %w", msg.ID, createdAt, err)
	}
	msg.CreatedAt = ts
	msg.Status = models.MessageStatus(status)
	return &msg, nil
}

func scanMessages(rows *sql.Rows) ([]models.Message, error) {
	var msgs []models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *msg)
	}
	return msgs, rows.Err()
}
