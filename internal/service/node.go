package service

import (
	"context"
	"sync"
	"time"

	"peerchat/internal/constants"
	apperrors "peerchat/internal/errors"
	"peerchat/internal/models"
	"peerchat/internal/notify"
	"peerchat/internal/validation"

	"github.com/sirupsen/logrus"
)

// Peer is the remote node the shell is currently talking to.
type Peer struct {
	Target   models.Target `json:"target"`
	Nickname string        `json:"nickname"`
}

// Node wires the listener, sender, sweeper, scheduler and delivery monitor
// around one store.
type Node struct {
	cfg       models.Config
	store     Store
	logger    *logrus.Logger
	events    *EventHub
	listener  *Listener
	sender    *Sender
	sweeper   *Sweeper
	scheduler *Scheduler
	monitor   *DeliveryMonitor

	mu      sync.Mutex
	current *Peer
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewNode(cfg models.Config, store Store, notifier notify.Notifier, logger *logrus.Logger) (*Node, error) {
	if err := validation.ValidateNickname(cfg.Node.Nickname); err != nil {
		return nil, err
	}

	events := NewEventHub()
	nickname := cfg.Node.Nickname

	sender := NewSender(store, nickname, cfg.Delivery, logger, events)

	monitorInterval := time.Duration(cfg.Scheduler.MonitorIntervalSec) * time.Second
	if monitorInterval <= 0 {
		monitorInterval = constants.DefaultDeliveryMonitorIntervalSec * time.Second
	}
	staleThreshold := time.Duration(cfg.Scheduler.StalePendingThreshold) * time.Second
	if staleThreshold <= 0 {
		staleThreshold = constants.DefaultStalePendingThresholdSec * time.Second
	}

	return &Node{
		cfg:       cfg,
		store:     store,
		logger:    logger,
		events:    events,
		listener:  NewListener(store, notifier, nickname, cfg.Delivery, logger, events),
		sender:    sender,
		sweeper:   NewSweeper(store, sender, logger),
		scheduler: NewScheduler(store, sender, nickname, cfg.Scheduler, logger, events),
		monitor:   NewDeliveryMonitor(store, monitorInterval, staleThreshold, logger),
	}, nil
}

// Start binds the listener and launches the scheduler and delivery monitor.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.started {
		return apperrors.New(apperrors.ErrCodeInternalError, "node already started")
	}

	if err := n.listener.Start(ctx, n.cfg.Node.Host, n.cfg.Node.Port); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(ctx)
	n.cancel = cancel
	n.started = true

	n.wg.Add(2)
	go func() {
		defer n.wg.Done()
		n.scheduler.Start(loopCtx)
	}()
	go func() {
		defer n.wg.Done()
		n.monitor.Start(loopCtx)
	}()

	n.logger.WithFields(logrus.Fields{
		"nickname": n.cfg.Node.Nickname,
		"port":     n.listener.Port(),
	}).Info("Node started")
	return nil
}

// Stop closes the listening socket, stops the background loops and waits
// for them. In-flight exchanges finish or time out on their own.
func (n *Node) Stop() error {
	n.mu.Lock()
	if !n.started {
		n.mu.Unlock()
		return nil
	}
	n.started = false
	cancel := n.cancel
	n.mu.Unlock()

	err := n.listener.Stop()
	n.scheduler.Stop()
	n.monitor.Stop()
	cancel()
	n.wg.Wait()

	n.logger.Info("Node stopped")
	return err
}

// Port returns the port the listener is bound to.
func (n *Node) Port() int {
	return n.listener.Port()
}

// Nickname returns this node's nickname.
func (n *Node) Nickname() string {
	return n.cfg.Node.Nickname
}

// Events returns the hub ledger events are published on.
func (n *Node) Events() *EventHub {
	return n.events
}

// Listener exposes the inbound listener, mainly for its state.
func (n *Node) Listener() *Listener {
	return n.listener
}

// Scheduler exposes the scheduler so callers can run a tick directly.
func (n *Node) Scheduler() *Scheduler {
	return n.scheduler
}

// Connect makes peer the current target and resends everything still
// pending for it.
func (n *Node) Connect(ctx context.Context, target models.Target, nickname string) (SweepReport, error) {
	if err := validation.ValidateTarget(target); err != nil {
		return SweepReport{}, err
	}
	if err := validation.ValidateNickname(nickname); err != nil {
		return SweepReport{}, err
	}

	n.mu.Lock()
	n.current = &Peer{Target: target, Nickname: nickname}
	n.mu.Unlock()

	return n.sweeper.Sweep(ctx, target, nickname)
}

// Disconnect clears the current target and returns it.
func (n *Node) Disconnect() (Peer, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.current == nil {
		return Peer{}, false
	}
	peer := *n.current
	n.current = nil
	return peer, true
}

// Current returns the current target, if any.
func (n *Node) Current() (Peer, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.current == nil {
		return Peer{}, false
	}
	return *n.current, true
}

// SendToCurrent sends body to the current target.
func (n *Node) SendToCurrent(ctx context.Context, body string) (Result, error) {
	peer, ok := n.Current()
	if !ok {
		return Result{}, apperrors.New(apperrors.ErrCodeInvalidInput, "not connected to a peer")
	}
	return n.sender.Send(ctx, peer.Target, peer.Nickname, body)
}

// Send sends body to receiver at target without changing the current target.
func (n *Node) Send(ctx context.Context, target models.Target, receiver, body string) (Result, error) {
	return n.sender.Send(ctx, target, receiver, body)
}

// Schedule records a message for later delivery.
func (n *Node) Schedule(ctx context.Context, req ScheduleRequest) (int64, error) {
	return n.scheduler.ScheduleMessage(ctx, req)
}

// History lists ledger records, newest first.
func (n *Node) History(ctx context.Context, filter models.MessageFilter) ([]models.Message, error) {
	return n.store.ListMessages(ctx, filter)
}

// Scheduled lists scheduled records, optionally filtered by status.
func (n *Node) Scheduled(ctx context.Context, status models.ScheduledStatus) ([]models.ScheduledMessage, error) {
	return n.store.ListScheduled(ctx, status)
}
