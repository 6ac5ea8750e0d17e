package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"peerchat/internal/constants"
	apperrors "peerchat/internal/errors"
	"peerchat/internal/metrics"
	"peerchat/internal/models"
	"peerchat/internal/notify"
	"peerchat/internal/protocol"
	"peerchat/internal/tracing"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// ListenerState is the lifecycle state of a Listener.
type ListenerState int

const (
	ListenerStopped ListenerState = iota
	ListenerListening
)

func (s ListenerState) String() string {
	if s == ListenerListening {
		return "listening"
	}
	return "stopped"
}

// Listener accepts peer connections and records one inbound message per
// connection.
type Listener struct {
	store    MessageStore
	notifier notify.Notifier
	codec    protocol.Codec
	nickname string
	timeout  time.Duration
	sem      *semaphore.Weighted
	logger   *logrus.Logger
	events   *EventHub

	mu       sync.Mutex
	state    ListenerState
	ln       net.Listener
	cancel   context.CancelFunc
	acceptWg sync.WaitGroup
	connWg   sync.WaitGroup
}

func NewListener(store MessageStore, notifier notify.Notifier, nickname string, cfg models.DeliveryConfig, logger *logrus.Logger, events *EventHub) *Listener {
	timeout := time.Duration(cfg.SendTimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = constants.DefaultSendTimeoutSec * time.Second
	}
	if notifier == nil {
		notifier = notify.NopNotifier{}
	}

	l := &Listener{
		store:    store,
		notifier: notifier,
		codec:    protocol.NewCodec(cfg.MaxPayloadBytes),
		nickname: nickname,
		timeout:  timeout,
		logger:   logger,
		events:   events,
	}
	if cfg.MaxConnections > 0 {
		l.sem = semaphore.NewWeighted(int64(cfg.MaxConnections))
	}
	return l
}

// Start binds host:port and begins accepting. Port 0 binds any free port.
func (l *Listener) Start(ctx context.Context, host string, port int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state == ListenerListening {
		return apperrors.New(apperrors.ErrCodeInternalError, "listener already started")
	}

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeTransport, fmt.Sprintf("failed to listen on %s", addr))
	}

	// Handlers outlive Stop so in-flight exchanges can finish.
	acceptCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	l.ln = ln
	l.cancel = cancel
	l.state = ListenerListening

	l.acceptWg.Add(1)
	go l.acceptLoop(acceptCtx, ln)

	l.logger.WithField("address", ln.Addr().String()).Info("Listener started")
	return nil
}

// State reports whether the listener is accepting connections.
func (l *Listener) State() ListenerState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Addr returns the bound address, or nil when stopped.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

// Port returns the bound TCP port, or 0 when stopped.
func (l *Listener) Port() int {
	if tcp, ok := l.Addr().(*net.TCPAddr); ok {
		return tcp.Port
	}
	return 0
}

// Stop closes the listening socket and waits for the accept loop and any
// in-flight handlers. Handlers are bounded by the read deadline.
func (l *Listener) Stop() error {
	l.mu.Lock()
	if l.state == ListenerStopped {
		l.mu.Unlock()
		return nil
	}
	ln := l.ln
	cancel := l.cancel
	l.state = ListenerStopped
	l.ln = nil
	l.mu.Unlock()

	cancel()
	err := ln.Close()
	l.acceptWg.Wait()
	l.connWg.Wait()

	l.logger.Info("Listener stopped")
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return apperrors.Wrap(err, apperrors.ErrCodeTransport, "failed to close listener")
	}
	return nil
}

func (l *Listener) acceptLoop(ctx context.Context, ln net.Listener) {
	defer l.acceptWg.Done()

	backoff := constants.DefaultListenerAcceptBackMs * time.Millisecond
	for {
		if l.sem != nil {
			if err := l.sem.Acquire(ctx, 1); err != nil {
				return
			}
		}

		conn, err := ln.Accept()
		if err != nil {
			if l.sem != nil {
				l.sem.Release(1)
			}
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return
			}
			l.logger.WithError(err).Warn("Failed to accept connection")
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			continue
		}

		l.connWg.Add(1)
		go func() {
			defer l.connWg.Done()
			if l.sem != nil {
				defer l.sem.Release(1)
			}
			l.handle(context.WithoutCancel(ctx), conn)
		}()
	}
}

// handle reads one request, records it, notifies and acknowledges. Errors
// end this connection only.
func (l *Listener) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	remote := conn.RemoteAddr().String()
	logger := l.logger.WithField(LogFieldRemoteAddr, targetField(ctx, remote))

	metrics.IncrementCounter(metrics.ConnectionsAccepted, nil, "Accepted peer connections")

	if err := conn.SetDeadline(time.Now().Add(l.timeout)); err != nil {
		logger.WithError(err).Warn("Failed to set connection deadline")
		return
	}

	req, err := l.codec.ReadRequest(conn)
	if err != nil {
		metrics.IncrementCounter(metrics.MessagesRejected, nil, "Inbound requests rejected")
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			logger.Debug("Peer closed connection before sending a request")
			return
		}
		apperrors.LogWarn(logger, err, "Rejected malformed request")
		if apperrors.HasCode(err, apperrors.ErrCodeProtocol) {
			_ = l.codec.WriteResponse(conn, protocol.Nack("malformed request"))
		}
		return
	}

	receiver := req.Receiver
	if receiver == "" {
		receiver = l.nickname
	}

	ctx, span := tracing.StartSpan(ctx, "listener.receive", tracing.AttrPeer.String(req.Sender))
	defer span.End()

	entry := logger.WithFields(messageFields(ctx, req.Sender, receiver, req.Message))

	id, err := l.store.AppendMessage(ctx, req.Sender, receiver, models.MessageStatusReceived, req.Message)
	if err != nil {
		tracing.RecordError(ctx, err)
		apperrors.LogError(entry, err, "Failed to record inbound message")
		_ = l.codec.WriteResponse(conn, protocol.Nack("storage failure"))
		return
	}
	entry = entry.WithField(LogFieldMessageID, id)
	metrics.IncrementCounter(metrics.MessagesReceived, nil, "Inbound messages recorded")

	l.connWg.Add(1)
	go func() {
		defer l.connWg.Done()
		notify.Dispatch(ctx, entry, l.notifier, "Message from "+req.Sender, req.Message)
	}()

	l.events.Publish(Event{
		Kind:      EventReceived,
		MessageID: id,
		Sender:    req.Sender,
		Receiver:  receiver,
		Status:    models.MessageStatusReceived,
		Body:      req.Message,
	})

	if err := l.codec.WriteResponse(conn, protocol.Ack()); err != nil {
		apperrors.LogWarn(entry, apperrors.NewTransportError(remote, "write ack", err), "Failed to acknowledge message")
		return
	}
	entry.Info("Message received")
}
