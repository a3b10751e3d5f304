// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package pricing converts token usage into money.
//
// Rates are quoted per 1K tokens and kept as exact decimals. A Table is
// built once from configuration and never changes afterwards, so it is read
// without locks from every agent loop.
package pricing

import (
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

var thousand = decimal.NewFromInt(1000)

// Rate is the price of one model, per 1K input and output tokens.
type Rate struct {
	ModelID         string          `toml:"model_id" json:"model_id" yaml:"model_id"`
	InputCostPer1K  decimal.Decimal `toml:"input_cost_per_1k" json:"input_cost_per_1k" yaml:"input_cost_per_1k"`
	OutputCostPer1K decimal.Decimal `toml:"output_cost_per_1k" json:"output_cost_per_1k" yaml:"output_cost_per_1k"`
}

// Cost returns the price of the given usage at this rate.
func (r Rate) Cost(inputTokens, outputTokens int) decimal.Decimal {
	in := decimal.NewFromInt(int64(inputTokens)).Mul(r.InputCostPer1K).Div(thousand)
	out := decimal.NewFromInt(int64(outputTokens)).Mul(r.OutputCostPer1K).Div(thousand)
	return in.Add(out)
}

// =============================================================================
// TABLE
// =============================================================================

// Table is an immutable model id to rate lookup.
type Table struct {
	rates map[string]Rate
}

// NewTable validates rates and builds a table. Duplicate model ids and
// negative prices are rejected.
func NewTable(rates []Rate) (*Table, error) {
	t := &Table{rates: make(map[string]Rate, len(rates))}
	for _, r := range rates {
		if r.ModelID == "" {
			return nil, fmt.Errorf("rate table: empty model id")
		}
		if _, dup := t.rates[r.ModelID]; dup {
			return nil, fmt.Errorf("rate table: duplicate model id %q", r.ModelID)
		}
		if r.InputCostPer1K.IsNegative() || r.OutputCostPer1K.IsNegative() {
			return nil, fmt.Errorf("rate table: negative rate for %q", r.ModelID)
		}
		t.rates[r.ModelID] = r
	}
	return t, nil
}

// Lookup returns the rate for a model.
func (t *Table) Lookup(modelID string) (Rate, bool) {
	r, ok := t.rates[modelID]
	return r, ok
}

// Models returns the known model ids in sorted order.
func (t *Table) Models() []string {
	ids := make([]string, 0, len(t.rates))
	for id := range t.rates {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// =============================================================================
// ACCOUNTANT
// =============================================================================

// Accountant prices engine calls against a Table. Unknown models cost zero
// and are reported as anomalies rather than failing the call.
type Accountant struct {
	table     *Table
	log       zerolog.Logger
	anomalies atomic.Int64
}

// NewAccountant wraps a table. A nil table prices everything at zero.
func NewAccountant(table *Table, log zerolog.Logger) *Accountant {
	if table == nil {
		table = &Table{rates: map[string]Rate{}}
	}
	return &Accountant{table: table, log: log}
}

// Cost computes inputTokens*inRate/1000 + outputTokens*outRate/1000.
func (a *Accountant) Cost(modelID string, inputTokens, outputTokens int) decimal.Decimal {
	if inputTokens < 0 {
		inputTokens = 0
	}
	if outputTokens < 0 {
		outputTokens = 0
	}
	rate, ok := a.table.Lookup(modelID)
	if !ok {
		a.anomalies.Add(1)
		a.log.Warn().
			Str("model_id", modelID).
			Int("input_tokens", inputTokens).
			Int("output_tokens", outputTokens).
			Msg("no rate for model, recording zero cost")
		return decimal.Zero
	}
	return rate.Cost(inputTokens, outputTokens)
}

// Anomalies returns how many calls were priced against an unknown model.
func (a *Accountant) Anomalies() int64 {
	return a.anomalies.Load()
}

// Table returns the underlying rate table.
func (a *Accountant) Table() *Table {
	return a.table
}
