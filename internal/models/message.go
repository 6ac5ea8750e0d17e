package models

import (
	"fmt"
	"time"
)

// MessageStatus is the lifecycle state of a ledger record.
type MessageStatus string

const (
	MessageStatusPending   MessageStatus = "pending"
	MessageStatusSent      MessageStatus = "sent"
	MessageStatusDelivered MessageStatus = "delivered"
	MessageStatusFailed    MessageStatus = "failed"
	MessageStatusReceived  MessageStatus = "received"
)

// messageTransitions lists the statuses each status may move to. Setting the
// current status again is always allowed and is not listed here.
var messageTransitions = map[MessageStatus][]MessageStatus{
	MessageStatusPending:   {MessageStatusSent, MessageStatusDelivered, MessageStatusFailed},
	MessageStatusFailed:    {MessageStatusPending, MessageStatusSent, MessageStatusDelivered},
	MessageStatusSent:      {MessageStatusDelivered},
	MessageStatusDelivered: nil,
	MessageStatusReceived:  nil,
}

// Valid reports whether s is a known message status.
func (s MessageStatus) Valid() bool {
	_, ok := messageTransitions[s]
	return ok
}

// Terminal reports whether no further transition is allowed out of s.
func (s MessageStatus) Terminal() bool {
	return len(messageTransitions[s]) == 0
}

// Retryable reports whether the Retry Sweeper replays records in this state.
func (s MessageStatus) Retryable() bool {
	return s == MessageStatusPending || s == MessageStatusFailed
}

// CanTransitionTo reports whether from -> to is a legal ledger transition.
func (s MessageStatus) CanTransitionTo(to MessageStatus) bool {
	if s == to {
		return true
	}
	for _, next := range messageTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// ParseMessageStatus converts user input into a MessageStatus.
func ParseMessageStatus(s string) (MessageStatus, error) {
	status := MessageStatus(s)
	if !status.Valid() {
		return "", fmt.Errorf("unknown message status %q", s)
	}
	return status, nil
}

// Message is one row of the sent/received ledger.
type Message struct {
	ID        int64         `json:"id" db:"id"`
	CreatedAt time.Time     `json:"timestamp" db:"timestamp"`
	Sender    string        `json:"sender" db:"sender"`
	Receiver  string        `json:"receiver" db:"receiver"`
	Status    MessageStatus `json:"status" db:"status"`
	Body      string        `json:"message" db:"message"`
}

// MessageFilter narrows ListMessages. Zero values match everything.
type MessageFilter struct {
	Peer   string
	Status MessageStatus
	Limit  int
}
