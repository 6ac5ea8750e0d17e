package service

import (
	"context"
	"net"
	"time"

	"peerchat/internal/constants"
	apperrors "peerchat/internal/errors"
	"peerchat/internal/metrics"
	"peerchat/internal/models"
	"peerchat/internal/protocol"
	"peerchat/internal/tracing"
	"peerchat/internal/validation"

	"github.com/sirupsen/logrus"
)

// Result is the outcome of one delivery attempt.
type Result struct {
	MessageID int64                `json:"message_id"`
	Status    models.MessageStatus `json:"status"`
	Err       error                `json:"-"`
}

// Delivered reports whether the peer acknowledged the message.
func (r Result) Delivered() bool {
	return r.Status == models.MessageStatusDelivered
}

// Sender performs one synchronous request/acknowledge exchange per message.
// It never retries; the sweeper and scheduler do.
type Sender struct {
	store    MessageStore
	codec    protocol.Codec
	nickname string
	timeout  time.Duration
	logger   *logrus.Logger
	events   *EventHub
	now      func() time.Time
	dial     func(ctx context.Context, network, address string) (net.Conn, error)
}

func NewSender(store MessageStore, nickname string, cfg models.DeliveryConfig, logger *logrus.Logger, events *EventHub) *Sender {
	timeout := time.Duration(cfg.SendTimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = constants.DefaultSendTimeoutSec * time.Second
	}
	return &Sender{
		store:    store,
		codec:    protocol.NewCodec(cfg.MaxPayloadBytes),
		nickname: nickname,
		timeout:  timeout,
		logger:   logger,
		events:   events,
		now:      time.Now,
		dial:     (&net.Dialer{}).DialContext,
	}
}

// Send appends a pending record for body and delivers it to target. A
// storage failure is returned as an error; network failures are reported
// through the Result with a nil error.
func (s *Sender) Send(ctx context.Context, target models.Target, receiver, body string) (Result, error) {
	if err := validation.ValidateTarget(target); err != nil {
		return Result{}, err
	}
	if err := validation.ValidateMessageBody(body); err != nil {
		return Result{}, err
	}

	id, err := s.store.AppendMessage(ctx, s.nickname, receiver, models.MessageStatusPending, body)
	if err != nil {
		apperrors.LogError(s.logger, err, "Failed to record outgoing message")
		return Result{}, err
	}

	return s.deliver(ctx, id, target, receiver, body)
}

// Redeliver replays an existing pending or failed record without appending
// a new one.
func (s *Sender) Redeliver(ctx context.Context, target models.Target, msg models.Message) (Result, error) {
	if !msg.Status.Retryable() {
		return Result{MessageID: msg.ID, Status: msg.Status},
			apperrors.NewTransitionError("message", msg.ID, string(msg.Status), string(models.MessageStatusPending))
	}

	if msg.Status == models.MessageStatusFailed {
		if err := s.store.SetMessageStatus(ctx, msg.ID, models.MessageStatusPending); err != nil {
			return Result{MessageID: msg.ID, Status: msg.Status}, err
		}
	}

	return s.deliver(ctx, msg.ID, target, msg.Receiver, msg.Body)
}

func (s *Sender) deliver(ctx context.Context, id int64, target models.Target, receiver, body string) (Result, error) {
	ctx, span := tracing.StartSpan(ctx, "sender.deliver",
		tracing.AttrMessageID.Int64(id),
		tracing.AttrTarget.String(target.Address()),
	)
	defer span.End()

	start := s.now()
	exchangeErr := s.exchange(ctx, target, receiver, body)
	metrics.RecordTimer(metrics.SendDuration, time.Since(start), nil, "Round trip of one delivery attempt")

	status := models.MessageStatusDelivered
	if exchangeErr != nil {
		status = models.MessageStatusFailed
		tracing.RecordError(ctx, exchangeErr)
	}
	tracing.AddSpanAttributes(ctx, tracing.AttrStatus.String(string(status)))

	result := Result{MessageID: id, Status: status, Err: exchangeErr}

	entry := s.logger.WithFields(messageFields(ctx, s.nickname, receiver, body)).WithFields(logrus.Fields{
		LogFieldMessageID: id,
		LogFieldTarget:    targetField(ctx, target.Address()),
		LogFieldStatus:    status,
	})

	if err := s.store.SetMessageStatus(ctx, id, status); err != nil {
		apperrors.LogError(entry, err, "Failed to record delivery outcome")
		return result, err
	}

	metrics.IncrementCounter(metrics.MessagesSent, nil, "Delivery attempts")
	if exchangeErr != nil {
		metrics.IncrementCounter(metrics.MessagesFailed, map[string]string{"code": string(apperrors.GetCode(exchangeErr))}, "Failed delivery attempts")
		apperrors.LogRetryableError(entry, exchangeErr, "Failed to deliver message")
		s.events.Publish(Event{Kind: EventFailed, MessageID: id, Sender: s.nickname, Receiver: receiver, Status: status})
	} else {
		metrics.IncrementCounter(metrics.MessagesDelivered, nil, "Acknowledged deliveries")
		entry.Debug("Message delivered")
		s.events.Publish(Event{Kind: EventDelivered, MessageID: id, Sender: s.nickname, Receiver: receiver, Status: status, Body: body})
	}

	return result, nil
}

// exchange dials target, writes one request and waits for its response. The
// whole attempt, connect included, shares one deadline.
func (s *Sender) exchange(ctx context.Context, target models.Target, receiver, body string) error {
	addr := target.Address()
	deadline := s.now().Add(s.timeout)

	dialCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	conn, err := s.dial(dialCtx, "tcp", addr)
	if err != nil {
		return apperrors.NewTransportError(addr, "dial", err)
	}
	defer conn.Close()

	if err := conn.SetDeadline(deadline); err != nil {
		return apperrors.NewTransportError(addr, "set deadline", err)
	}

	req := protocol.NewRequest(s.nickname, receiver, body, s.now())
	if err := s.codec.WriteRequest(conn, req); err != nil {
		return apperrors.NewTransportError(addr, "write", err)
	}

	resp, err := s.codec.ReadResponse(conn)
	if err != nil {
		if apperrors.HasCode(err, apperrors.ErrCodeProtocol) {
			return err
		}
		return apperrors.NewTransportError(addr, "read", err)
	}

	if !resp.Delivered() {
		return apperrors.New(apperrors.ErrCodeRejected, "peer rejected message").
			WithContext("target", addr).
			WithContext("reason", resp.Error)
	}

	return nil
}
