package main

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"peerchat/internal/constants"
	apperrors "peerchat/internal/errors"
	"peerchat/internal/metrics"
	"peerchat/internal/middleware"
	"peerchat/internal/models"
	"peerchat/internal/service"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// Server is the read-only admin HTTP surface: health, metrics, ledger
// inspection and a live event feed.
type Server struct {
	router *mux.Router
	logger *logrus.Logger
	node   *service.Node
	addr   string
	server *http.Server
	ln     net.Listener

	done      chan struct{}
	closeOnce sync.Once
}

func NewServer(node *service.Node, addr string, logger *logrus.Logger) *Server {
	s := &Server{
		router: mux.NewRouter(),
		logger: logger,
		node:   node,
		addr:   addr,
		done:   make(chan struct{}),
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.ObservabilityMiddleware(s.logger))

	s.router.HandleFunc("/health", s.handleHealth()).Methods(http.MethodGet)
	s.router.HandleFunc("/metrics", s.handleMetrics()).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/messages", s.handleMessages()).Methods(http.MethodGet)
	api.HandleFunc("/scheduled", s.handleScheduled()).Methods(http.MethodGet)

	s.router.HandleFunc("/ws/events", s.handleEvents()).Methods(http.MethodGet)
}

// Start binds the admin address and serves until Shutdown. It returns once
// the socket is bound; serve errors are sent on the returned channel.
func (s *Server) Start() (<-chan error, error) {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return nil, apperrors.NewTransportError(s.addr, "listen", err)
	}
	s.ln = ln

	s.server = &http.Server{
		Handler:      s.router,
		ReadTimeout:  constants.DefaultServerReadTimeoutSec * time.Second,
		WriteTimeout: constants.DefaultServerWriteTimeoutSec * time.Second,
		IdleTimeout:  constants.DefaultServerIdleTimeoutSec * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	s.logger.WithField("addr", ln.Addr().String()).Info("Admin server started")
	return errCh, nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Shutdown ends event streams and gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closeOnce.Do(func() { close(s.done) })
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

type healthResponse struct {
	Status   string `json:"status"`
	Nickname string `json:"nickname"`
	Listener string `json:"listener"`
	Port     int    `json:"port"`
}

func (s *Server) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		state := s.node.Listener().State()
		resp := healthResponse{
			Status:   "ok",
			Nickname: s.node.Nickname(),
			Listener: state.String(),
			Port:     s.node.Port(),
		}
		code := http.StatusOK
		if state != service.ListenerListening {
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
		}
		s.writeJSON(w, code, resp)
	}
}

func (s *Server) handleMetrics() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
		s.writeJSON(w, http.StatusOK, metrics.GetSnapshot())
	}
}

func (s *Server) handleMessages() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		filter := models.MessageFilter{Peer: q.Get("peer")}

		if status := q.Get("status"); status != "" {
			parsed, err := models.ParseMessageStatus(status)
			if err != nil {
				s.writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			filter.Status = parsed
		}

		limit, err := parseLimit(q.Get("limit"))
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		filter.Limit = limit

		msgs, err := s.node.History(r.Context(), filter)
		if err != nil {
			apperrors.LogError(s.logger, err, "Failed to list messages")
			s.writeError(w, http.StatusInternalServerError, "failed to list messages")
			return
		}
		if msgs == nil {
			msgs = []models.Message{}
		}
		s.writeJSON(w, http.StatusOK, msgs)
	}
}

func (s *Server) handleScheduled() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := models.ScheduledStatus(r.URL.Query().Get("status"))
		if status != "" && !status.Valid() {
			s.writeError(w, http.StatusBadRequest, "unknown scheduled status "+strconv.Quote(string(status)))
			return
		}

		scheduled, err := s.node.Scheduled(r.Context(), status)
		if err != nil {
			apperrors.LogError(s.logger, err, "Failed to list scheduled messages")
			s.writeError(w, http.StatusInternalServerError, "failed to list scheduled messages")
			return
		}
		if scheduled == nil {
			scheduled = []models.ScheduledMessage{}
		}
		s.writeJSON(w, http.StatusOK, scheduled)
	}
}

// handleEvents streams ledger events as JSON text frames until the client
// goes away or the server shuts down.
func (s *Server) handleEvents() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Hijacked connections keep the server's request deadlines.
		rc := http.NewResponseController(w)
		_ = rc.SetReadDeadline(time.Time{})
		_ = rc.SetWriteDeadline(time.Time{})

		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			s.logger.WithError(err).Warn("Failed to accept websocket")
			return
		}
		defer conn.CloseNow()

		events, unsubscribe := s.node.Events().Subscribe()
		defer unsubscribe()

		ctx := conn.CloseRead(context.WithoutCancel(r.Context()))
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.done:
				conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			case e, ok := <-events:
				if !ok {
					conn.Close(websocket.StatusNormalClosure, "")
					return
				}
				writeCtx, cancel := context.WithTimeout(ctx, constants.DefaultServerWriteTimeoutSec*time.Second)
				err := wsjson.Write(writeCtx, conn, e)
				cancel()
				if err != nil {
					s.logger.WithError(err).Debug("Event stream closed")
					return
				}
			}
		}
	}
}

func parseLimit(value string) (int, error) {
	if value == "" {
		return constants.DefaultHistoryLimit, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil || n < 1 {
		return 0, apperrors.NewValidationError("limit", "must be a positive integer")
	}
	if n > constants.MaxHistoryLimit {
		n = constants.MaxHistoryLimit
	}
	return n, nil
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, message string) {
	s.writeJSON(w, code, map[string]string{"error": message})
}
