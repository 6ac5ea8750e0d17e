package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	apperrors "peerchat/internal/errors"
	"peerchat/internal/models"
)

// AppendScheduled records a deferred send in state scheduled.
func (d *Database) AppendScheduled(ctx context.Context, sender, receiver string, target models.Target, due time.Time, body string) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var id int64
	err := retryableDBOperation(ctx, func() error {
		res, err := d.db.ExecContext(ctx, InsertScheduledQuery,
			formatTime(due),
			sender,
			receiver,
			target.Host,
			target.Port,
			body,
			string(models.ScheduledStatusScheduled),
		)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	}, "append scheduled")
	if err != nil {
		return 0, apperrors.NewStorageError("append scheduled", err)
	}

	return id, nil
}

// DueScheduled returns scheduled records due at or before now, oldest due first.
func (d *Database) DueScheduled(ctx context.Context, now time.Time) ([]models.ScheduledMessage, error) {
	rows, err := d.db.QueryContext(ctx, SelectDueScheduledQuery, formatTime(now))
	if err != nil {
		return nil, apperrors.NewStorageError("due scheduled", err)
	}
	defer rows.Close()

	scheduled, err := scanScheduledRows(rows)
	if err != nil {
		return nil, apperrors.NewStorageError("due scheduled", err)
	}
	return scheduled, nil
}

// ListScheduled returns scheduled records in status, or all when status is empty.
func (d *Database) ListScheduled(ctx context.Context, status models.ScheduledStatus) ([]models.ScheduledMessage, error) {
	rows, err := d.db.QueryContext(ctx, SelectScheduledByStatusQuery, string(status), string(status))
	if err != nil {
		return nil, apperrors.NewStorageError("list scheduled", err)
	}
	defer rows.Close()

	scheduled, err := scanScheduledRows(rows)
	if err != nil {
		return nil, apperrors.NewStorageError("list scheduled", err)
	}
	return scheduled, nil
}

// GetScheduled loads a single scheduled record.
func (d *Database) GetScheduled(ctx context.Context, id int64) (*models.ScheduledMessage, error) {
	row := d.db.QueryRowContext(ctx, SelectScheduledByIDQuery, id)
	sm, err := scanScheduled(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewNotFoundError("scheduled message", id)
	}
	if err != nil {
		return nil, apperrors.NewStorageError("get scheduled", err)
	}
	return sm, nil
}

// SetScheduledStatus moves a scheduled record out of state scheduled. The
// update only matches rows still scheduled, so a record leaves that state at
// most once; later calls fail with an invalid transition error.
func (d *Database) SetScheduledStatus(ctx context.Context, id int64, status models.ScheduledStatus) error {
	if status != models.ScheduledStatusSent && status != models.ScheduledStatusFailed {
		return apperrors.NewValidationError("status", string(status))
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	var affected int64
	err := retryableDBOperation(ctx, func() error {
		res, err := d.db.ExecContext(ctx, UpdateScheduledStatusQuery, string(status), id)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	}, "update scheduled status")
	if err != nil {
		return apperrors.NewStorageError("set scheduled status", err)
	}
	if affected == 1 {
		return nil
	}

	var current string
	err = d.db.QueryRowContext(ctx, SelectScheduledStatusQuery, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return apperrors.NewNotFoundError("scheduled message", id)
	}
	if err != nil {
		return apperrors.NewStorageError("set scheduled status", err)
	}
	return apperrors.NewTransitionError(scheduledTable, id, current, string(status))
}

// RecordScheduledAttempt bumps the attempt counter of a still scheduled
// record. A record that already left the scheduled state is reported as an
// invalid transition.
func (d *Database) RecordScheduledAttempt(ctx context.Context, id int64, at time.Time, lastError string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var affected int64
	err := retryableDBOperation(ctx, func() error {
		res, err := d.db.ExecContext(ctx, RecordScheduledAttemptQuery, formatTime(at), lastError, id)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	}, "record scheduled attempt")
	if err != nil {
		return apperrors.NewStorageError("record scheduled attempt", err)
	}
	if affected == 1 {
		return nil
	}

	var current string
	err = d.db.QueryRowContext(ctx, SelectScheduledStatusQuery, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return apperrors.NewNotFoundError("scheduled message", id)
	}
	if err != nil {
		return apperrors.NewStorageError("record scheduled attempt", err)
	}
	return apperrors.NewTransitionError(scheduledTable, id, current, string(models.ScheduledStatusScheduled))
}

func scanScheduled(row rowScanner) (*models.ScheduledMessage, error) {
	var (
		sm          models.ScheduledMessage
		due         string
		status      string
		lastAttempt sql.NullString
	)
	err := row.Scan(
		&sm.ID,
		&due,
		&sm.Sender,
		&sm.Receiver,
		&sm.Target.Host,
		&sm.Target.Port,
		&sm.Body,
		&status,
		&sm.Attempts,
		&lastAttempt,
		&sm.LastError,
	)
	if err != nil {
		return nil, err
	}

	sm.DueAt, err = parseTime(due)
	if err != nil {
		return nil, fmt.Errorf("scheduled message %d has invalid due time %q: %w", sm.ID, due, err)
	}
	if lastAttempt.Valid && lastAttempt.String != "" {
		at, err := parseTime(lastAttempt.String)
		if err != nil {
			return nil, fmt.Errorf("scheduled message %d has invalid attempt time %q: %w", sm.ID, lastAttempt.String, err)
		}
		sm.LastAttemptAt = &at
	}
	sm.Status = models.ScheduledStatus(status)
	return &sm, nil
}

func scanScheduledRows(rows *sql.Rows) ([]models.ScheduledMessage, error) {
	var out []models.ScheduledMessage
	for rows.Next() {
		sm, err := scanScheduled(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sm)
	}
	return out, rows.Err()
}
