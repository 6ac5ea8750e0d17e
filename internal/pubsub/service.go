package pubsub

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"peerchat/internal/constants"
	apperrors "peerchat/internal/errors"
	"peerchat/internal/metrics"
	"peerchat/internal/models"
	"peerchat/internal/notify"
	"peerchat/internal/privacy"
	"peerchat/internal/validation"

	"github.com/sirupsen/logrus"
)

// Envelope types carried on a topic.
const (
	TypePublish   = "publish"
	TypeSubscribe = "subscribe"
)

// Envelope is the JSON payload published on a topic.
type Envelope struct {
	Type    string `json:"type"`
	Topic   string `json:"topic"`
	From    string `json:"from"`
	Message string `json:"message,omitempty"`
}

// Receiver is the ledger receiver recorded for topic traffic. The prefix
// keeps topic rows out of the peer namespace, so the retry sweeper never
// replays a broadcast as a direct message.
func Receiver(topic string) string {
	return constants.TopicReceiverPrefix + topic
}

// LedgerStore is where topic traffic is recorded.
type LedgerStore interface {
	AppendMessage(ctx context.Context, sender, receiver string, status models.MessageStatus, body string) (int64, error)
}

// Observer is told about every envelope recorded in the ledger, both
// published and received.
type Observer func(env Envelope, status models.MessageStatus, messageID int64)

// Service records topic traffic in the same ledger as direct messages.
// Publishing is fire-and-forget: there is no acknowledgment.
type Service struct {
	broker   Broker
	store    LedgerStore
	notifier notify.Notifier
	nickname string
	logger   *logrus.Logger
	observer Observer

	mu     sync.Mutex
	subs   map[string]context.CancelFunc
	closed bool
	wg     sync.WaitGroup
}

func NewService(broker Broker, store LedgerStore, notifier notify.Notifier, nickname string, logger *logrus.Logger) *Service {
	if notifier == nil {
		notifier = notify.NopNotifier{}
	}
	return &Service{
		broker:   broker,
		store:    store,
		notifier: notifier,
		nickname: nickname,
		logger:   logger,
		subs:     make(map[string]context.CancelFunc),
	}
}

// SetObserver registers fn to be called after each recorded envelope. It must
// be called before Subscribe.
func (s *Service) SetObserver(fn Observer) {
	s.observer = fn
}

func (s *Service) observe(env Envelope, status models.MessageStatus, id int64) {
	if s.observer != nil {
		s.observer(env, status, id)
	}
}

// Publish sends message on topic and records it as sent, addressed to
// Receiver(topic). A broker failure is recorded as failed and returned; it is
// never retried.
func (s *Service) Publish(ctx context.Context, topic, message string) (int64, error) {
	if err := validation.ValidateTopic(topic); err != nil {
		return 0, err
	}
	if err := validation.ValidateMessageBody(message); err != nil {
		return 0, err
	}

	env := Envelope{Type: TypePublish, Topic: topic, From: s.nickname, Message: message}
	payload, err := json.Marshal(env)
	if err != nil {
		return 0, apperrors.Wrap(err, apperrors.ErrCodeInternalError, "failed to encode envelope")
	}

	status := models.MessageStatusSent
	pubErr := s.broker.Publish(ctx, topic, payload)
	if pubErr != nil {
		status = models.MessageStatusFailed
	}

	id, err := s.store.AppendMessage(ctx, s.nickname, Receiver(topic), status, message)
	if err != nil {
		apperrors.LogError(s.logger, err, "Failed to record published message")
		return 0, err
	}

	logger := s.logger.WithFields(logrus.Fields{"topic": topic, "message_id": id})
	if pubErr != nil {
		apperrors.LogRetryableError(logger, pubErr, "Failed to publish message")
		return id, pubErr
	}

	metrics.IncrementCounter(metrics.PubSubPublished, nil, "Messages published to topics")
	logger.Debug("Message published")
	s.observe(env, status, id)
	return id, nil
}

// Subscribe starts consuming topic. Subscribing twice is a no-op. The first
// subscription announces this node on the topic.
func (s *Service) Subscribe(ctx context.Context, topic string) error {
	if err := validation.ValidateTopic(topic); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return apperrors.New(apperrors.ErrCodeBroker, "pub/sub service closed")
	}
	if _, ok := s.subs[topic]; ok {
		return nil
	}

	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stream, err := s.broker.Subscribe(subCtx, topic)
	if err != nil {
		cancel()
		return err
	}
	s.subs[topic] = cancel

	s.wg.Add(1)
	go s.consume(subCtx, topic, stream)

	announce, _ := json.Marshal(Envelope{Type: TypeSubscribe, Topic: topic, From: s.nickname})
	if err := s.broker.Publish(ctx, topic, announce); err != nil {
		apperrors.LogWarn(s.logger, err, "Failed to announce subscription")
	}

	s.logger.WithField("topic", topic).Info("Subscribed to topic")
	return nil
}

// Unsubscribe stops consuming topic and reports whether it was subscribed.
func (s *Service) Unsubscribe(topic string) bool {
	s.mu.Lock()
	cancel, ok := s.subs[topic]
	delete(s.subs, topic)
	s.mu.Unlock()

	if ok {
		cancel()
	}
	return ok
}

// Subscriptions lists the topics this node consumes.
func (s *Service) Subscriptions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	topics := make([]string, 0, len(s.subs))
	for topic := range s.subs {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	return topics
}

// Topics lists topics with at least one subscriber on the broker.
func (s *Service) Topics(ctx context.Context) ([]string, error) {
	return s.broker.Topics(ctx)
}

// Listeners returns the number of subscribers on topic.
func (s *Service) Listeners(ctx context.Context, topic string) (int64, error) {
	if err := validation.ValidateTopic(topic); err != nil {
		return 0, err
	}
	return s.broker.SubscriberCount(ctx, topic)
}

// Close stops all subscriptions, waits for consumers and closes the broker.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for topic, cancel := range s.subs {
		cancel()
		delete(s.subs, topic)
	}
	s.mu.Unlock()

	s.wg.Wait()
	return s.broker.Close()
}

func (s *Service) consume(ctx context.Context, topic string, stream <-chan []byte) {
	defer s.wg.Done()

	for payload := range stream {
		s.handle(ctx, topic, payload)
	}
}

// handle records a publish envelope from another node as received.
func (s *Service) handle(ctx context.Context, topic string, payload []byte) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		apperrors.LogWarn(s.logger, apperrors.NewProtocolError("malformed envelope", err), "Ignoring topic payload",
			logrus.Fields{"topic": topic})
		return
	}

	if env.Type != TypePublish || env.From == s.nickname {
		return
	}
	if env.From == "" || env.Message == "" {
		s.logger.WithField("topic", topic).Warn("Ignoring incomplete topic message")
		return
	}

	logger := s.logger.WithFields(logrus.Fields{
		"topic":  topic,
		"sender": privacy.MaskNickname(env.From),
	})

	id, err := s.store.AppendMessage(ctx, env.From, Receiver(topic), models.MessageStatusReceived, env.Message)
	if err != nil {
		apperrors.LogError(logger, err, "Failed to record topic message")
		return
	}

	metrics.IncrementCounter(metrics.PubSubReceived, nil, "Topic messages received")
	logger.WithField("message_id", id).Info("Topic message received")
	s.observe(env, models.MessageStatusReceived, id)
	notify.Dispatch(ctx, logger, s.notifier, "["+topic+"] "+env.From, env.Message)
}
