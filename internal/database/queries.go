package database

// Message ledger queries
const (
	InsertMessageQuery = `
		INSERT INTO messages (timestamp, sender, receiver, status, message)
		VALUES (?, ?, ?, ?, ?)
	`

	SelectMessageByIDQuery = `
		SELECT id, timestamp, sender, receiver, status, message
		FROM messages
		WHERE id = ?
	`

	SelectPendingMessagesQuery = `
		SELECT id, timestamp, sender, receiver, status, message
		FROM messages
		WHERE receiver = ? AND status IN ('pending', 'failed')
		ORDER BY id ASC
	`

	SelectMessageStatusQuery = `
		SELECT status FROM messages WHERE id = ?
	`

	UpdateMessageStatusQuery = `
		UPDATE messages SET status = ? WHERE id = ?
	`

	CountMessagesByStatusQuery = `
		SELECT status, COUNT(*) FROM messages GROUP BY status
	`

	CountStalePendingQuery = `
		SELECT COUNT(*) FROM messages
		WHERE status = 'pending' AND timestamp < ?
	`
)

// Scheduled message queries
const (
	InsertScheduledQuery = `
		INSERT INTO scheduled_messages (
			scheduled_timestamp, sender, receiver, target_host, target_port, message, status
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	scheduledColumns = `
		id, scheduled_timestamp, sender, receiver, target_host, target_port,
		message, status, attempts, last_attempt_at, last_error
	`

	SelectScheduledByIDQuery = `SELECT ` + scheduledColumns + `
		FROM scheduled_messages
		WHERE id = ?
	`

	SelectDueScheduledQuery = `SELECT ` + scheduledColumns + `
		FROM scheduled_messages
		WHERE status = 'scheduled' AND scheduled_timestamp <= ?
		ORDER BY scheduled_timestamp ASC, id ASC
	`

	SelectScheduledByStatusQuery = `SELECT ` + scheduledColumns + `
		FROM scheduled_messages
		WHERE (? = '' OR status = ?)
		ORDER BY scheduled_timestamp ASC, id ASC
	`

	UpdateScheduledStatusQuery = `
		UPDATE scheduled_messages SET status = ?
		WHERE id = ? AND status = 'scheduled'
	`

	SelectScheduledStatusQuery = `
		SELECT status FROM scheduled_messages WHERE id = ?
	`

	RecordScheduledAttemptQuery = `
		UPDATE scheduled_messages
		SET attempts = attempts + 1, last_attempt_at = ?, last_error = ?
		WHERE id = ? AND status = 'scheduled'
	`
)
