// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package monitor

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/jeranaias/tutorbus/internal/dedup"
	"github.com/jeranaias/tutorbus/internal/model"
)

// costliestKept is how many of the most expensive responses a window keeps.
const costliestKept = 10

var hundred = decimal.NewFromInt(100)

// =============================================================================
// AGGREGATE
// =============================================================================

// Subtotal is the usage attributed to one agent or one model.
type Subtotal struct {
	Responses    int64           `json:"responses"`
	Failures     int64           `json:"failures"`
	InputTokens  int64           `json:"input_tokens"`
	OutputTokens int64           `json:"output_tokens"`
	Cost         decimal.Decimal `json:"cost"`
	LatencyMs    int64           `json:"latency_ms"` // sum over Responses
}

func (s Subtotal) add(r model.ResponseEnvelope) Subtotal {
	s.Responses++
	if !r.Succeeded() {
		s.Failures++
	}
	s.InputTokens += int64(r.InputTokens)
	s.OutputTokens += int64(r.OutputTokens)
	s.Cost = s.Cost.Add(r.Cost)
	s.LatencyMs += r.LatencyMs
	return s
}

// AverageCost returns the mean cost per response.
func (s Subtotal) AverageCost() decimal.Decimal {
	if s.Responses == 0 {
		return decimal.Zero
	}
	return s.Cost.Div(decimal.NewFromInt(s.Responses))
}

// AverageLatency returns the mean end-to-end engine latency.
func (s Subtotal) AverageLatency() time.Duration {
	if s.Responses == 0 {
		return 0
	}
	return time.Duration(s.LatencyMs/s.Responses) * time.Millisecond
}

// CostEntry identifies one expensive response.
type CostEntry struct {
	CorrelationID uuid.UUID       `json:"correlation_id"`
	AgentID       string          `json:"agent_id"`
	ModelID       string          `json:"model_id"`
	Tokens        int             `json:"tokens"`
	Cost          decimal.Decimal `json:"cost"`
	ProducedAt    time.Time       `json:"produced_at"`
	key           string
}

// Aggregate is the running usage total of one monitoring window.
type Aggregate struct {
	WindowStart time.Time `json:"window_start"`
	// LastProducedAt is the newest produced_at among applied responses.
	LastProducedAt time.Time `json:"last_produced_at"`

	Responses         int64           `json:"responses"`
	TotalInputTokens  int64           `json:"total_input_tokens"`
	TotalOutputTokens int64           `json:"total_output_tokens"`
	TotalCost         decimal.Decimal `json:"total_cost"`

	PerAgent  map[string]Subtotal    `json:"per_agent"`
	PerModel  map[string]Subtotal    `json:"per_model"`
	PerStatus map[model.Status]int64 `json:"per_status"`

	// Duplicates counts redelivered responses that were not added again.
	Duplicates int64 `json:"duplicates"`
	// Malformed counts undecodable envelopes seen on the response topic.
	Malformed int64 `json:"malformed"`

	Costliest []CostEntry `json:"costliest"`
}

func newAggregate(start time.Time) Aggregate {
	return Aggregate{
		WindowStart: start,
		PerAgent:    make(map[string]Subtotal),
		PerModel:    make(map[string]Subtotal),
		PerStatus:   make(map[model.Status]int64),
	}
}

// TotalTokens returns input plus output tokens.
func (a Aggregate) TotalTokens() int64 {
	return a.TotalInputTokens + a.TotalOutputTokens
}

// AverageCost returns the mean cost per response.
func (a Aggregate) AverageCost() decimal.Decimal {
	if a.Responses == 0 {
		return decimal.Zero
	}
	return a.TotalCost.Div(decimal.NewFromInt(a.Responses))
}

// ResponseShare returns the percentage of responses s accounts for.
func (a Aggregate) ResponseShare(s Subtotal) float64 {
	if a.Responses == 0 {
		return 0
	}
	return float64(s.Responses) * 100 / float64(a.Responses)
}

// CostShare returns the percentage of total cost s accounts for.
func (a Aggregate) CostShare(s Subtotal) float64 {
	if a.TotalCost.IsZero() {
		return 0
	}
	pct, _ := s.Cost.Mul(hundred).Div(a.TotalCost).Float64()
	return pct
}

// SuccessRate returns the percentage of responses with status OK.
func (a Aggregate) SuccessRate() float64 {
	if a.Responses == 0 {
		return 0
	}
	return float64(a.PerStatus[model.StatusOK]) * 100 / float64(a.Responses)
}

// Agents returns the agent ids in the window, sorted.
func (a Aggregate) Agents() []string {
	return sortedKeys(a.PerAgent)
}

// Models returns the model ids in the window, sorted.
func (a Aggregate) Models() []string {
	return sortedKeys(a.PerModel)
}

func sortedKeys(m map[string]Subtotal) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (a *Aggregate) add(r model.ResponseEnvelope) {
	a.Responses++
	a.TotalInputTokens += int64(r.InputTokens)
	a.TotalOutputTokens += int64(r.OutputTokens)
	a.TotalCost = a.TotalCost.Add(r.Cost)
	a.PerAgent[r.AgentID] = a.PerAgent[r.AgentID].add(r)
	a.PerModel[r.ModelID] = a.PerModel[r.ModelID].add(r)
	a.PerStatus[r.Status]++
	if r.ProducedAt.After(a.LastProducedAt) {
		a.LastProducedAt = r.ProducedAt
	}

	if r.Cost.IsPositive() {
		a.Costliest = append(a.Costliest, CostEntry{
			CorrelationID: r.CorrelationID,
			AgentID:       r.AgentID,
			ModelID:       r.ModelID,
			Tokens:        r.TotalTokens(),
			Cost:          r.Cost,
			ProducedAt:    r.ProducedAt,
			key:           r.Key(),
		})
		sort.SliceStable(a.Costliest, func(i, j int) bool {
			if c := a.Costliest[i].Cost.Cmp(a.Costliest[j].Cost); c != 0 {
				return c > 0
			}
			return a.Costliest[i].key < a.Costliest[j].key
		})
		if len(a.Costliest) > costliestKept {
			a.Costliest = a.Costliest[:costliestKept]
		}
	}
}

// clone returns a deep copy.
func (a Aggregate) clone() Aggregate {
	out := a
	out.PerAgent = make(map[string]Subtotal, len(a.PerAgent))
	for k, v := range a.PerAgent {
		out.PerAgent[k] = v
	}
	out.PerModel = make(map[string]Subtotal, len(a.PerModel))
	for k, v := range a.PerModel {
		out.PerModel[k] = v
	}
	out.PerStatus = make(map[model.Status]int64, len(a.PerStatus))
	for k, v := range a.PerStatus {
		out.PerStatus[k] = v
	}
	out.Costliest = append([]CostEntry(nil), a.Costliest...)
	return out
}

// =============================================================================
// AGGREGATOR
// =============================================================================

// Aggregator folds responses into an Aggregate. Apply has a single writer;
// Snapshot may be called from any goroutine.
type Aggregator struct {
	mu   sync.RWMutex
	agg  Aggregate
	seen *dedup.Set
	now  func() time.Time
}

// NewAggregator opens a window starting now. seen remembers applied
// response keys; nil creates a default set.
func NewAggregator(seen *dedup.Set) *Aggregator {
	if seen == nil {
		seen = dedup.New(dedup.WithMaxEntries(100000), dedup.WithTTL(24*time.Hour))
	}
	a := &Aggregator{seen: seen, now: time.Now}
	a.agg = newAggregate(a.now().UTC())
	return a
}

// Apply adds r to the window. It returns false when r is a redelivered
// copy of a response already applied; the copy only bumps Duplicates.
func (a *Aggregator) Apply(r model.ResponseEnvelope) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.seen.Check(r.Key()) {
		a.agg.Duplicates++
		return false
	}
	a.agg.add(r)
	return true
}

// NoteMalformed counts an undecodable envelope.
func (a *Aggregator) NoteMalformed() {
	a.mu.Lock()
	a.agg.Malformed++
	a.mu.Unlock()
}

// Snapshot returns a copy of the current window that later Apply calls do
// not affect.
func (a *Aggregator) Snapshot() Aggregate {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.agg.clone()
}

// rewind moves the window start back to t.
func (a *Aggregator) rewind(t time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if t = t.UTC(); t.Before(a.agg.WindowStart) {
		a.agg.WindowStart = t
	}
}

// Reset closes the current window, returning it, and opens a new one.
// Response keys are still remembered so redeliveries stay deduplicated
// across the boundary.
func (a *Aggregator) Reset() Aggregate {
	a.mu.Lock()
	defer a.mu.Unlock()
	closed := a.agg
	a.agg = newAggregate(a.now().UTC())
	return closed
}
