// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/jeranaias/tutorbus/internal/bus"
	"github.com/jeranaias/tutorbus/internal/dispatch"
	"github.com/jeranaias/tutorbus/internal/gateway"
	"github.com/jeranaias/tutorbus/internal/ledger"
	"github.com/jeranaias/tutorbus/internal/model"
	"github.com/jeranaias/tutorbus/internal/monitor"
)

// ============================================================================
// CONSTANTS
// ============================================================================

const (
	// DefaultAddr is the listen address when none is configured.
	DefaultAddr = "127.0.0.1:8787"

	// DefaultStreamInterval is how often /stats/stream pushes a snapshot.
	DefaultStreamInterval = 2 * time.Second

	// HealthTimeout bounds one broker probe.
	HealthTimeout = 3 * time.Second

	// MaxRequestBodySize caps POST /ask bodies.
	MaxRequestBodySize = 64 * 1024

	// MaxQuestionLength is the longest question accepted over HTTP, in bytes.
	MaxQuestionLength = 16 * 1024

	// DefaultHistoryLimit and MaxHistoryLimit bound GET /ledger/recent.
	DefaultHistoryLimit = 20
	MaxHistoryLimit     = 500

	wsWriteTimeout = 5 * time.Second
)

// Stats is the monitor view the server exposes. *monitor.Aggregator
// implements it.
type Stats interface {
	Snapshot() monitor.Aggregate
	Reset() monitor.Aggregate
}

// Asker answers one question synchronously. *gateway.Gateway implements it.
type Asker interface {
	Ask(ctx context.Context, text string, timeout time.Duration) (*model.ResponseEnvelope, error)
}

// History reads the persisted response ledger. *ledger.Ledger implements
// it.
type History interface {
	Recent(ctx context.Context, limit int) ([]model.ResponseEnvelope, error)
	Find(ctx context.Context, correlationID uuid.UUID) ([]model.ResponseEnvelope, error)
	Summarize(ctx context.Context, since time.Time) (ledger.Summary, error)
}

// AgentReporter reports a dispatch loop's counters. *dispatch.Loop
// implements it.
type AgentReporter interface {
	Stats() dispatch.Stats
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ============================================================================
// SERVER
// ============================================================================

// Server serves health, monitor statistics and a synchronous ask endpoint.
type Server struct {
	addr   string
	mux    *http.ServeMux
	server *http.Server
	log    zerolog.Logger

	prober         bus.Prober
	stats          Stats
	history        History
	asker          Asker
	askTimeout     time.Duration
	agents         map[string]AgentReporter
	streamInterval time.Duration
	limiter        *RateLimiter

	started   time.Time
	done      chan struct{}
	closeOnce sync.Once

	mu sync.RWMutex
}

// NewServer creates a server listening on addr. An empty addr uses
// DefaultAddr.
func NewServer(addr string, log zerolog.Logger) *Server {
	if addr == "" {
		addr = DefaultAddr
	}
	s := &Server{
		addr:           addr,
		mux:            http.NewServeMux(),
		log:            log.With().Str("component", "server").Logger(),
		askTimeout:     gateway.DefaultAwait,
		agents:         make(map[string]AgentReporter),
		streamInterval: DefaultStreamInterval,
		limiter:        DefaultRateLimiter(),
		started:        time.Now(),
		done:           make(chan struct{}),
	}
	s.setupRoutes()
	return s
}

// WithProber sets the broker probe behind /health.
func (s *Server) WithProber(p bus.Prober) *Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prober = p
	return s
}

// WithStats attaches the monitor aggregate.
func (s *Server) WithStats(st Stats) *Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats = st
	return s
}

// WithGateway enables POST /ask. A non-positive timeout keeps the default.
func (s *Server) WithGateway(a Asker, timeout time.Duration) *Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.asker = a
	if timeout > 0 {
		s.askTimeout = timeout
	}
	return s
}

// WithHistory attaches the ledger behind /ledger.
func (s *Server) WithHistory(h History) *Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = h
	return s
}

// WithAgent registers a dispatch loop under /agents.
func (s *Server) WithAgent(id string, a AgentReporter) *Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[id] = a
	return s
}

// WithStreamInterval sets the /stats/stream push interval.
func (s *Server) WithStreamInterval(d time.Duration) *Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d > 0 {
		s.streamInterval = d
	}
	return s
}

// WithRateLimiter replaces the POST /ask limiter.
func (s *Server) WithRateLimiter(rl *RateLimiter) *Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.limiter = rl
	return s
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.addr
}

// ============================================================================
// ROUTES
// ============================================================================

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /stats", s.handleStats)
	s.mux.HandleFunc("POST /stats/reset", s.handleStatsReset)
	s.mux.HandleFunc("GET /stats/stream", s.handleStatsStream)
	s.mux.HandleFunc("GET /agents", s.handleAgents)
	s.mux.HandleFunc("GET /ledger/summary", s.handleLedgerSummary)
	s.mux.HandleFunc("GET /ledger/recent", s.handleLedgerRecent)
	s.mux.HandleFunc("GET /ledger/{id}", s.handleLedgerFind)
	s.mux.Handle("POST /ask", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.RLock()
		limiter := s.limiter
		s.mu.RUnlock()
		RateLimitMiddleware(limiter, s.log)(http.HandlerFunc(s.handleAsk)).ServeHTTP(w, r)
	}))
}

// Handler returns the routed handler wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	return Chain(
		RecoveryMiddleware(s.log),
		SecurityHeadersMiddleware(),
		LoggingMiddleware(s.log),
	)(s.mux)
}

// ============================================================================
// HEALTH
// ============================================================================

// handleHealth answers 200 when the broker is reachable and 503 when it is
// not. The body is empty either way.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	prober := s.prober
	s.mu.RUnlock()

	if prober == nil {
		w.WriteHeader(http.StatusOK)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), HealthTimeout)
	defer cancel()
	if err := prober.Check(ctx); err != nil {
		s.log.Warn().Err(err).Msg("health check failed")
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// ============================================================================
// STATS
// ============================================================================

// StatsResponse is a monitor snapshot plus derived figures.
type StatsResponse struct {
	monitor.Aggregate
	TotalTokens   int64           `json:"total_tokens"`
	AverageCost   decimal.Decimal `json:"average_cost"`
	SuccessRate   float64         `json:"success_rate_percent"`
	UptimeSeconds int64           `json:"uptime_seconds"`
}

func (s *Server) statsResponse(agg monitor.Aggregate) StatsResponse {
	return StatsResponse{
		Aggregate:     agg,
		TotalTokens:   agg.TotalTokens(),
		AverageCost:   agg.AverageCost(),
		SuccessRate:   agg.SuccessRate(),
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
	}
}

func (s *Server) statsSource(w http.ResponseWriter) Stats {
	s.mu.RLock()
	st := s.stats
	s.mu.RUnlock()
	if st == nil {
		s.writeError(w, http.StatusServiceUnavailable, "monitor not running in this process")
	}
	return st
}

// handleStats handles GET /stats.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st := s.statsSource(w)
	if st == nil {
		return
	}
	s.writeJSON(w, http.StatusOK, s.statsResponse(st.Snapshot()))
}

// handleStatsReset closes the current window and returns it.
func (s *Server) handleStatsReset(w http.ResponseWriter, r *http.Request) {
	st := s.statsSource(w)
	if st == nil {
		return
	}
	closed := st.Reset()
	s.log.Info().
		Str("ip", GetClientIP(r)).
		Int64("responses", closed.Responses).
		Str("total_cost", closed.TotalCost.String()).
		Msg("monitor window reset")
	s.writeJSON(w, http.StatusOK, s.statsResponse(closed))
}

// handleStatsStream upgrades to a websocket and pushes a snapshot every
// stream interval until the client goes away or the server shuts down.
func (s *Server) handleStatsStream(w http.ResponseWriter, r *http.Request) {
	st := s.statsSource(w)
	if st == nil {
		return
	}
	s.mu.RLock()
	interval := s.streamInterval
	s.mu.RUnlock()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	// The client sends nothing; reading only notices it closing.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func() bool {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(s.statsResponse(st.Snapshot())); err != nil {
			s.log.Debug().Err(err).Msg("websocket write failed")
			return false
		}
		return true
	}
	if !send() {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if !send() {
				return
			}
		case <-gone:
			return
		case <-s.done:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(wsWriteTimeout))
			return
		}
	}
}

// ============================================================================
// AGENTS
// ============================================================================

// handleAgents reports every registered dispatch loop.
func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	out := make(map[string]dispatch.Stats, len(s.agents))
	for id, a := range s.agents {
		out[id] = a.Stats()
	}
	s.mu.RUnlock()
	s.writeJSON(w, http.StatusOK, out)
}

// ============================================================================
// LEDGER
// ============================================================================

func (s *Server) historySource(w http.ResponseWriter) History {
	s.mu.RLock()
	h := s.history
	s.mu.RUnlock()
	if h == nil {
		s.writeError(w, http.StatusServiceUnavailable, "ledger not open in this process")
	}
	return h
}

// handleLedgerSummary handles GET /ledger/summary?since=24h. Without since
// it totals the whole ledger.
func (s *Server) handleLedgerSummary(w http.ResponseWriter, r *http.Request) {
	h := s.historySource(w)
	if h == nil {
		return
	}
	var since time.Time
	if v := r.URL.Query().Get("since"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			s.writeError(w, http.StatusBadRequest, "since must be a positive duration such as 24h")
			return
		}
		since = time.Now().Add(-d)
	}
	sum, err := h.Summarize(r.Context(), since)
	if err != nil {
		s.log.Error().Err(err).Msg("ledger summary failed")
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, sum)
}

// handleLedgerRecent handles GET /ledger/recent?limit=N, newest first.
func (s *Server) handleLedgerRecent(w http.ResponseWriter, r *http.Request) {
	h := s.historySource(w)
	if h == nil {
		return
	}
	limit := DefaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, MaxHistoryLimit)
	}
	rows, err := h.Recent(r.Context(), limit)
	if err != nil {
		s.log.Error().Err(err).Msg("ledger recent failed")
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if rows == nil {
		rows = []model.ResponseEnvelope{}
	}
	s.writeJSON(w, http.StatusOK, rows)
}

// handleLedgerFind handles GET /ledger/{id}: every response recorded for
// one question.
func (s *Server) handleLedgerFind(w http.ResponseWriter, r *http.Request) {
	h := s.historySource(w)
	if h == nil {
		return
	}
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid correlation id")
		return
	}
	rows, err := h.Find(r.Context(), id)
	if err != nil {
		s.log.Error().Err(err).Msg("ledger lookup failed")
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if len(rows) == 0 {
		s.writeError(w, http.StatusNotFound, "no response recorded for "+id.String())
		return
	}
	s.writeJSON(w, http.StatusOK, rows)
}

// ============================================================================
// ASK
// ============================================================================

// AskRequest is the POST /ask body.
type AskRequest struct {
	Question string `json:"question"`
}

// handleAsk submits the question and waits for its answer.
func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	asker, timeout := s.asker, s.askTimeout
	s.mu.RUnlock()
	if asker == nil {
		s.writeError(w, http.StatusServiceUnavailable, "gateway not running in this process")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBodySize)
	var req AskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if len(req.Question) > MaxQuestionLength {
		s.writeError(w, http.StatusRequestEntityTooLarge, "question too long")
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		s.writeError(w, http.StatusBadRequest, "question is empty")
		return
	}

	resp, err := asker.Ask(r.Context(), req.Question, timeout)
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusOK, resp)
	case errors.Is(err, gateway.ErrAwaitTimeout):
		s.writeError(w, http.StatusGatewayTimeout, err.Error())
	case errors.Is(err, bus.ErrUnavailable), errors.Is(err, bus.ErrClosed):
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
	case r.Context().Err() != nil:
		// Client went away; nobody is listening for the reply.
	default:
		s.log.Error().Err(err).Msg("ask failed")
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// ============================================================================
// SERVER LIFECYCLE
// ============================================================================

// Start listens and serves until Shutdown. It returns nil after a clean
// shutdown, and at once when Shutdown was called first.
func (s *Server) Start() error {
	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		return nil
	default:
	}
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	srv := s.server
	s.mu.Unlock()

	s.log.Info().Str("addr", s.addr).Msg("http server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests, ends open streams and waits for
// in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closeOnce.Do(func() { close(s.done) })

	s.mu.RLock()
	srv := s.server
	s.mu.RUnlock()
	if srv == nil {
		return nil
	}
	s.log.Info().Msg("http server shutting down")
	return srv.Shutdown(ctx)
}

// ============================================================================
// HELPERS
// ============================================================================

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Debug().Err(err).Msg("write response failed")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    status,
		},
	})
}
