package models

import (
	"net"
	"strconv"
	"time"
)

// ScheduledStatus is the lifecycle state of a scheduled record.
type ScheduledStatus string

const (
	ScheduledStatusScheduled ScheduledStatus = "scheduled"
	ScheduledStatusSent      ScheduledStatus = "sent"
	ScheduledStatusFailed    ScheduledStatus = "failed"
)

// Valid reports whether s is a known scheduled status.
func (s ScheduledStatus) Valid() bool {
	switch s {
	case ScheduledStatusScheduled, ScheduledStatusSent, ScheduledStatusFailed:
		return true
	}
	return false
}

// Target is a peer's network address.
type Target struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// Address returns host:port suitable for net.Dial.
func (t Target) Address() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

func (t Target) String() string {
	return t.Address()
}

// ScheduledMessage is a durable intent to send Body to Receiver at DueAt.
type ScheduledMessage struct {
	ID            int64           `json:"id" db:"id"`
	DueAt         time.Time       `json:"scheduled_timestamp" db:"scheduled_timestamp"`
	Sender        string          `json:"sender" db:"sender"`
	Receiver      string          `json:"receiver" db:"receiver"`
	Target        Target          `json:"target"`
	Body          string          `json:"message" db:"message"`
	Status        ScheduledStatus `json:"status" db:"status"`
	Attempts      int             `json:"attempts" db:"attempts"`
	LastAttemptAt *time.Time      `json:"last_attempt_at,omitempty" db:"last_attempt_at"`
	LastError     string          `json:"last_error,omitempty" db:"last_error"`
}
