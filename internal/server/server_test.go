// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/tutorbus/internal/bus"
	"github.com/jeranaias/tutorbus/internal/dispatch"
	"github.com/jeranaias/tutorbus/internal/gateway"
	"github.com/jeranaias/tutorbus/internal/ledger"
	"github.com/jeranaias/tutorbus/internal/model"
	"github.com/jeranaias/tutorbus/internal/monitor"
)

// =============================================================================
// FIXTURES
// =============================================================================

type stubProber struct{ err error }

func (p stubProber) Check(context.Context) error { return p.err }

type stubAsker struct {
	resp *model.ResponseEnvelope
	err  error
	got  string
}

func (a *stubAsker) Ask(_ context.Context, text string, _ time.Duration) (*model.ResponseEnvelope, error) {
	a.got = text
	return a.resp, a.err
}

type stubAgent struct{ stats dispatch.Stats }

func (a stubAgent) Stats() dispatch.Stats { return a.stats }

func sampleResponse(agent string, cost string) model.ResponseEnvelope {
	return model.ResponseEnvelope{
		CorrelationID: uuid.New(),
		AgentID:       agent,
		AnswerText:    "answer",
		EngineUsed:    model.EngineHosted,
		ModelID:       "gemini-1.5-flash",
		InputTokens:   15,
		OutputTokens:  200,
		Cost:          decimal.RequireFromString(cost),
		LatencyMs:     120,
		Attempts:      1,
		ProducedAt:    time.Now().UTC(),
		Status:        model.StatusOK,
	}
}

func newTestServer() *Server {
	return NewServer("", zerolog.Nop())
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

// =============================================================================
// HEALTH
// =============================================================================

func TestHealth(t *testing.T) {
	tests := []struct {
		name   string
		prober bus.Prober
		want   int
	}{
		{"no prober", nil, http.StatusOK},
		{"broker reachable", stubProber{}, http.StatusOK},
		{"broker down", stubProber{err: bus.ErrUnavailable}, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer()
			if tt.prober != nil {
				s.WithProber(tt.prober)
			}
			rec := do(t, s.Handler(), http.MethodGet, "/health", "")
			assert.Equal(t, tt.want, rec.Code)
			assert.Empty(t, rec.Body.String())
		})
	}
}

func TestHealthAgainstMemoryBus(t *testing.T) {
	mem := bus.NewMemory(1)
	s := newTestServer().WithProber(mem)

	assert.Equal(t, http.StatusOK, do(t, s.Handler(), http.MethodGet, "/health", "").Code)
	require.NoError(t, mem.Close())
	assert.Equal(t, http.StatusServiceUnavailable, do(t, s.Handler(), http.MethodGet, "/health", "").Code)
}

func TestHealthRejectsOtherMethods(t *testing.T) {
	rec := do(t, newTestServer().Handler(), http.MethodPost, "/health", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

// =============================================================================
// STATS
// =============================================================================

func TestStatsWithoutMonitor(t *testing.T) {
	rec := do(t, newTestServer().Handler(), http.MethodGet, "/stats", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStats(t *testing.T) {
	agg := monitor.NewAggregator(nil)
	agg.Apply(sampleResponse("chinese_agent", "0.000076875"))
	agg.Apply(sampleResponse("english_agent", "0.000076875"))

	s := newTestServer().WithStats(agg)
	rec := do(t, s.Handler(), http.MethodGet, "/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	body := decodeBody(t, rec)
	assert.Equal(t, float64(2), body["responses"])
	assert.Equal(t, "0.00015375", body["total_cost"])
	assert.Equal(t, "0.000076875", body["average_cost"])
	assert.Equal(t, float64(430), body["total_tokens"])
	assert.Equal(t, float64(100), body["success_rate_percent"])

	perAgent, ok := body["per_agent"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, perAgent, "chinese_agent")
	assert.Contains(t, perAgent, "english_agent")
}

func TestStatsReset(t *testing.T) {
	agg := monitor.NewAggregator(nil)
	agg.Apply(sampleResponse("english_agent", "0.5"))

	s := newTestServer().WithStats(agg)
	rec := do(t, s.Handler(), http.MethodPost, "/stats/reset", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decodeBody(t, rec)["responses"])

	rec = do(t, s.Handler(), http.MethodGet, "/stats", "")
	assert.Equal(t, float64(0), decodeBody(t, rec)["responses"])
}

func TestStatsStream(t *testing.T) {
	agg := monitor.NewAggregator(nil)
	agg.Apply(sampleResponse("english_agent", "0.25"))

	s := newTestServer().WithStats(agg).WithStreamInterval(10 * time.Millisecond)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/stats/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var first StatsResponse
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, int64(1), first.Responses)
	assert.True(t, first.TotalCost.Equal(decimal.RequireFromString("0.25")))

	agg.Apply(sampleResponse("chinese_agent", "0.25"))
	assert.Eventually(t, func() bool {
		var next StatsResponse
		if err := conn.ReadJSON(&next); err != nil {
			return false
		}
		return next.Responses == 2
	}, 2*time.Second, time.Millisecond)
}

func TestStatsStreamEndsOnShutdown(t *testing.T) {
	s := newTestServer().WithStats(monitor.NewAggregator(nil)).WithStreamInterval(time.Hour)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/stats/stream", nil)
	require.NoError(t, err)
	defer conn.Close()

	var first StatsResponse
	require.NoError(t, conn.ReadJSON(&first))

	require.NoError(t, s.Shutdown(context.Background()))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
}

// =============================================================================
// AGENTS
// =============================================================================

func TestAgents(t *testing.T) {
	s := newTestServer().
		WithAgent("chinese_agent", stubAgent{dispatch.Stats{State: dispatch.StateFetching, Processed: 3, Succeeded: 2, Failed: 1}}).
		WithAgent("english_agent", stubAgent{dispatch.Stats{State: dispatch.StateIdle}})

	rec := do(t, s.Handler(), http.MethodGet, "/agents", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var out map[string]map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out, 2)
	assert.Equal(t, "FETCHING", out["chinese_agent"]["state"])
	assert.Equal(t, float64(3), out["chinese_agent"]["processed"])
	assert.Equal(t, "IDLE", out["english_agent"]["state"])
}

// =============================================================================
// ASK
// =============================================================================

func TestAsk(t *testing.T) {
	answer := sampleResponse("english_agent", "0.000076875")

	tests := []struct {
		name     string
		asker    *stubAsker
		body     string
		wantCode int
	}{
		{"answered", &stubAsker{resp: &answer}, `{"question":"What is an irregular verb?"}`, http.StatusOK},
		{"timeout", &stubAsker{err: fmt.Errorf("await: %w", gateway.ErrAwaitTimeout)}, `{"question":"hi"}`, http.StatusGatewayTimeout},
		{"bus down", &stubAsker{err: fmt.Errorf("submit question: %w", bus.ErrUnavailable)}, `{"question":"hi"}`, http.StatusServiceUnavailable},
		{"other failure", &stubAsker{err: errors.New("boom")}, `{"question":"hi"}`, http.StatusInternalServerError},
		{"bad json", &stubAsker{}, `{"question":`, http.StatusBadRequest},
		{"blank question", &stubAsker{}, `{"question":"   "}`, http.StatusBadRequest},
		{"too long", &stubAsker{}, `{"question":"` + strings.Repeat("a", MaxQuestionLength+1) + `"}`, http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer().WithGateway(tt.asker, time.Second)
			rec := do(t, s.Handler(), http.MethodPost, "/ask", tt.body)
			assert.Equal(t, tt.wantCode, rec.Code)
		})
	}
}

func TestAskReturnsEnvelope(t *testing.T) {
	answer := sampleResponse("chinese_agent", "0.000076875")
	asker := &stubAsker{resp: &answer}
	s := newTestServer().WithGateway(asker, time.Second)

	rec := do(t, s.Handler(), http.MethodPost, "/ask", `{"question":"什么是量词？"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "什么是量词？", asker.got)

	got, err := model.DecodeResponse(rec.Body.Bytes())
	require.NoError(t, err)
	assert.Equal(t, answer.CorrelationID, got.CorrelationID)
	assert.True(t, got.Cost.Equal(answer.Cost))
}

func TestAskWithoutGateway(t *testing.T) {
	rec := do(t, newTestServer().Handler(), http.MethodPost, "/ask", `{"question":"hi"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAskRateLimited(t *testing.T) {
	answer := sampleResponse("english_agent", "0")
	s := newTestServer().
		WithGateway(&stubAsker{resp: &answer}, time.Second).
		WithRateLimiter(NewRateLimiter(1, 1, time.Minute))

	assert.Equal(t, http.StatusOK, do(t, s.Handler(), http.MethodPost, "/ask", `{"question":"one"}`).Code)
	rec := do(t, s.Handler(), http.MethodPost, "/ask", `{"question":"two"}`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))

	// Only /ask is limited.
	assert.Equal(t, http.StatusOK, do(t, s.Handler(), http.MethodGet, "/health", "").Code)
}

// =============================================================================
// MIDDLEWARE
// =============================================================================

func TestSecurityHeaders(t *testing.T) {
	rec := do(t, newTestServer().Handler(), http.MethodGet, "/health", "")
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
}

func TestRecoveryMiddleware(t *testing.T) {
	h := RecoveryMiddleware(zerolog.Nop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := do(t, h, http.MethodGet, "/", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestChainOrder(t *testing.T) {
	var order []string
	mark := func(name string) func(http.Handler) http.Handler {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}
	h := Chain(mark("a"), mark("b"), mark("c"))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		order = append(order, "handler")
	}))
	do(t, h, http.MethodGet, "/", "")
	assert.Equal(t, []string{"a", "b", "c", "handler"}, order)
}

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		xff        string
		xri        string
		want       string
	}{
		{"direct", "203.0.113.7:5000", "", "", "203.0.113.7"},
		{"untrusted peer ignores xff", "203.0.113.7:5000", "198.51.100.1", "", "203.0.113.7"},
		{"trusted proxy xff", "10.0.0.2:5000", "198.51.100.1, 10.0.0.2", "", "198.51.100.1"},
		{"trusted proxy x-real-ip", "127.0.0.1:5000", "", "198.51.100.9", "198.51.100.9"},
		{"trusted proxy invalid xff", "127.0.0.1:5000", "not-an-ip", "", "127.0.0.1"},
		{"no port", "203.0.113.7", "", "", "203.0.113.7"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.xri != "" {
				r.Header.Set("X-Real-IP", tt.xri)
			}
			assert.Equal(t, tt.want, GetClientIP(r))
		})
	}
}

func TestRateLimiterPerClient(t *testing.T) {
	rl := NewRateLimiter(60, 2, time.Minute)
	now := time.Unix(1700000000, 0)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow("a"))
	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"))
	assert.True(t, rl.Allow("b"), "clients have separate buckets")

	now = now.Add(time.Second)
	assert.True(t, rl.Allow("a"), "one token refills per second at 60/min")
}

func TestRateLimiterPrunesIdleClients(t *testing.T) {
	rl := NewRateLimiter(60, 1, time.Minute)
	now := time.Unix(1700000000, 0)
	rl.now = func() time.Time { return now }

	rl.Allow("a")
	rl.Allow("b")
	assert.Equal(t, 2, rl.Clients())

	now = now.Add(2 * time.Minute)
	rl.Allow("c")
	assert.Equal(t, 1, rl.Clients())
}

// =============================================================================
// LEDGER
// =============================================================================

func newLedgerServer(t *testing.T, rows ...model.ResponseEnvelope) *Server {
	t.Helper()
	led, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = led.Close() })
	for _, r := range rows {
		require.NoError(t, led.Record(context.Background(), r))
	}
	return newTestServer().WithHistory(led)
}

func TestLedgerRoutesWithoutLedger(t *testing.T) {
	s := newTestServer()
	for _, path := range []string{"/ledger/summary", "/ledger/recent", "/ledger/" + uuid.NewString()} {
		assert.Equal(t, http.StatusServiceUnavailable, do(t, s.Handler(), http.MethodGet, path, "").Code, path)
	}
}

func TestLedgerRecent(t *testing.T) {
	older := sampleResponse("chinese_teacher", "0.1")
	older.ProducedAt = older.ProducedAt.Add(-time.Minute)
	newer := sampleResponse("english_teacher", "0.2")
	s := newLedgerServer(t, older, newer)

	rec := do(t, s.Handler(), http.MethodGet, "/ledger/recent?limit=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var rows []model.ResponseEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, newer.CorrelationID, rows[0].CorrelationID)

	rec = do(t, s.Handler(), http.MethodGet, "/ledger/recent", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rows))
	assert.Len(t, rows, 2)

	assert.Equal(t, http.StatusBadRequest, do(t, s.Handler(), http.MethodGet, "/ledger/recent?limit=zero", "").Code)
}

func TestLedgerRecentEmptyIsArray(t *testing.T) {
	rec := do(t, newLedgerServer(t).Handler(), http.MethodGet, "/ledger/recent", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]", strings.TrimSpace(rec.Body.String()))
}

func TestLedgerFind(t *testing.T) {
	r := sampleResponse("chinese_teacher", "0.000076875")
	s := newLedgerServer(t, r)

	rec := do(t, s.Handler(), http.MethodGet, "/ledger/"+r.CorrelationID.String(), "")
	require.Equal(t, http.StatusOK, rec.Code)
	var rows []model.ResponseEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rows))
	require.Len(t, rows, 1)
	assert.True(t, r.Cost.Equal(rows[0].Cost))

	assert.Equal(t, http.StatusNotFound, do(t, s.Handler(), http.MethodGet, "/ledger/"+uuid.NewString(), "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, s.Handler(), http.MethodGet, "/ledger/not-a-uuid", "").Code)
}

func TestLedgerSummary(t *testing.T) {
	old := sampleResponse("chinese_teacher", "0.1")
	old.ProducedAt = old.ProducedAt.Add(-48 * time.Hour)
	s := newLedgerServer(t, old, sampleResponse("english_teacher", "0.2"))

	var sum ledger.Summary
	rec := do(t, s.Handler(), http.MethodGet, "/ledger/summary", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sum))
	assert.Equal(t, int64(2), sum.Total.Responses)
	assert.True(t, decimal.RequireFromString("0.3").Equal(sum.Total.Cost))

	rec = do(t, s.Handler(), http.MethodGet, "/ledger/summary?since=24h", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sum))
	assert.Equal(t, int64(1), sum.Total.Responses)
	assert.Contains(t, sum.PerAgent, "english_teacher")

	assert.Equal(t, http.StatusBadRequest, do(t, s.Handler(), http.MethodGet, "/ledger/summary?since=soon", "").Code)
}

// =============================================================================
// LIFECYCLE
// =============================================================================

func TestShutdownBeforeStart(t *testing.T) {
	s := newTestServer()
	assert.Equal(t, DefaultAddr, s.Addr())
	assert.NoError(t, s.Shutdown(context.Background()))
	assert.NoError(t, s.Shutdown(context.Background()), "shutdown is idempotent")
}

func TestStartAfterShutdownReturns(t *testing.T) {
	s := NewServer("127.0.0.1:0", zerolog.Nop())
	require.NoError(t, s.Shutdown(context.Background()))

	done := make(chan error, 1)
	go func() { done <- s.Start() }()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Start kept serving after Shutdown")
	}
}

func TestShutdownStopsRunningServer(t *testing.T) {
	s := NewServer("127.0.0.1:0", zerolog.Nop())
	done := make(chan error, 1)
	go func() { done <- s.Start() }()

	require.Eventually(t, func() bool {
		s.mu.RLock()
		defer s.mu.RUnlock()
		return s.server != nil
	}, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after Shutdown")
	}
}
