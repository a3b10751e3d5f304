// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package ledger keeps a durable record of every response the monitor has
// applied, in an embedded SQLite database.
//
// Rows are keyed by (correlation_id, agent_id, produced_at), the same key
// the aggregator uses to recognise redeliveries, so recording a redelivered
// response is a no-op. Costs are stored as decimal strings and summed in Go
// to keep exact arithmetic.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/jeranaias/tutorbus/internal/model"
)

// ErrDatabase wraps every failure from the underlying database.
var ErrDatabase = errors.New("ledger database error")

// timeLayout is fixed width so text order matches time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Schema is the ledger's table layout.
const Schema = `
CREATE TABLE IF NOT EXISTS responses (
	correlation_id   TEXT    NOT NULL,
	agent_id         TEXT    NOT NULL,
	produced_at      TEXT    NOT NULL,
	engine_used      TEXT    NOT NULL,
	model_id         TEXT    NOT NULL,
	status           TEXT    NOT NULL,
	input_tokens     INTEGER NOT NULL,
	output_tokens    INTEGER NOT NULL,
	tokens_estimated INTEGER NOT NULL DEFAULT 0,
	cost             TEXT    NOT NULL,
	latency_ms       INTEGER NOT NULL,
	attempts         INTEGER NOT NULL,
	answer_text      TEXT    NOT NULL,
	error            TEXT    NOT NULL DEFAULT '',
	PRIMARY KEY (correlation_id, agent_id, produced_at)
);
CREATE INDEX IF NOT EXISTS idx_responses_produced_at ON responses(produced_at);
`

// Ledger is a SQLite-backed response store. It is safe for concurrent use.
type Ledger struct {
	db   *sql.DB
	path string
}

// Open opens or creates the ledger at path. ":memory:" opens a private
// in-memory database.
func Open(path string) (*Ledger, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: empty path", ErrDatabase)
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create ledger directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w: open: %v", ErrDatabase, err)
	}

	// SQLite allows one writer; a single connection also keeps ":memory:"
	// pointing at one database.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%w: %s: %v", ErrDatabase, pragma, err)
		}
	}
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: schema: %v", ErrDatabase, err)
	}
	return &Ledger{db: db, path: path}, nil
}

// Path returns the database path.
func (l *Ledger) Path() string {
	return l.path
}

// Close closes the database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// =============================================================================
// WRITES
// =============================================================================

// Record stores r. Recording the same response twice keeps one row.
func (l *Ledger) Record(ctx context.Context, r model.ResponseEnvelope) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO responses (
			correlation_id, agent_id, produced_at, engine_used, model_id, status,
			input_tokens, output_tokens, tokens_estimated, cost, latency_ms,
			attempts, answer_text, error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.CorrelationID.String(),
		r.AgentID,
		r.ProducedAt.UTC().Format(timeLayout),
		string(r.EngineUsed),
		r.ModelID,
		string(r.Status),
		r.InputTokens,
		r.OutputTokens,
		r.TokensEstimated,
		r.Cost.String(),
		r.LatencyMs,
		r.Attempts,
		r.AnswerText,
		r.Error,
	)
	if err != nil {
		return fmt.Errorf("%w: record %s: %v", ErrDatabase, r.CorrelationID, err)
	}
	return nil
}

// =============================================================================
// READS
// =============================================================================

// Totals is the usage recorded for one agent, or for the whole ledger.
type Totals struct {
	Responses    int64           `json:"responses"`
	InputTokens  int64           `json:"input_tokens"`
	OutputTokens int64           `json:"output_tokens"`
	Cost         decimal.Decimal `json:"cost"`
}

// Summary holds ledger-wide totals plus a per-agent breakdown.
type Summary struct {
	Since    time.Time         `json:"since"`
	Total    Totals            `json:"total"`
	PerAgent map[string]Totals `json:"per_agent"`
}

// Summarize totals every response produced at or after since.
func (l *Ledger) Summarize(ctx context.Context, since time.Time) (Summary, error) {
	sum := Summary{Since: since.UTC(), PerAgent: make(map[string]Totals)}
	rows, err := l.db.QueryContext(ctx, `
		SELECT agent_id, input_tokens, output_tokens, cost
		FROM responses WHERE produced_at >= ?`,
		since.UTC().Format(timeLayout))
	if err != nil {
		return sum, fmt.Errorf("%w: summarize: %v", ErrDatabase, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			agent   string
			in, out int64
			costStr string
		)
		if err := rows.Scan(&agent, &in, &out, &costStr); err != nil {
			return sum, fmt.Errorf("%w: scan: %v", ErrDatabase, err)
		}
		cost, err := decimal.NewFromString(costStr)
		if err != nil {
			return sum, fmt.Errorf("%w: bad cost %q: %v", ErrDatabase, costStr, err)
		}
		sum.Total = sum.Total.add(in, out, cost)
		sum.PerAgent[agent] = sum.PerAgent[agent].add(in, out, cost)
	}
	if err := rows.Err(); err != nil {
		return sum, fmt.Errorf("%w: %v", ErrDatabase, err)
	}
	return sum, nil
}

func (t Totals) add(in, out int64, cost decimal.Decimal) Totals {
	t.Responses++
	t.InputTokens += in
	t.OutputTokens += out
	t.Cost = t.Cost.Add(cost)
	return t
}

// Replay calls fn for every response produced at or after since, oldest
// first. It stops at the first error fn returns.
func (l *Ledger) Replay(ctx context.Context, since time.Time, fn func(model.ResponseEnvelope) error) error {
	responses, err := l.query(ctx, `WHERE produced_at >= ? ORDER BY produced_at ASC`, since.UTC().Format(timeLayout))
	if err != nil {
		return err
	}
	for _, r := range responses {
		if err := fn(r); err != nil {
			return err
		}
	}
	return nil
}

// Recent returns up to limit responses, newest first.
func (l *Ledger) Recent(ctx context.Context, limit int) ([]model.ResponseEnvelope, error) {
	if limit <= 0 {
		limit = 20
	}
	return l.query(ctx, `ORDER BY produced_at DESC LIMIT ?`, limit)
}

// Find returns every recorded response to a question.
func (l *Ledger) Find(ctx context.Context, correlationID uuid.UUID) ([]model.ResponseEnvelope, error) {
	return l.query(ctx, `WHERE correlation_id = ? ORDER BY produced_at ASC`, correlationID.String())
}

func (l *Ledger) query(ctx context.Context, clause string, args ...any) ([]model.ResponseEnvelope, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT correlation_id, agent_id, produced_at, engine_used, model_id, status,
			input_tokens, output_tokens, tokens_estimated, cost, latency_ms,
			attempts, answer_text, error
		FROM responses `+clause, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: query: %v", ErrDatabase, err)
	}
	defer rows.Close()

	var out []model.ResponseEnvelope
	for rows.Next() {
		r, err := scanResponse(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDatabase, err)
	}
	return out, nil
}

func scanResponse(rows *sql.Rows) (model.ResponseEnvelope, error) {
	var (
		r                       model.ResponseEnvelope
		id, producedAt, costStr string
		engineUsed, status      string
	)
	err := rows.Scan(&id, &r.AgentID, &producedAt, &engineUsed, &r.ModelID, &status,
		&r.InputTokens, &r.OutputTokens, &r.TokensEstimated, &costStr, &r.LatencyMs,
		&r.Attempts, &r.AnswerText, &r.Error)
	if err != nil {
		return r, fmt.Errorf("%w: scan: %v", ErrDatabase, err)
	}
	if r.CorrelationID, err = uuid.Parse(id); err != nil {
		return r, fmt.Errorf("%w: bad correlation id %q: %v", ErrDatabase, id, err)
	}
	if r.ProducedAt, err = time.Parse(timeLayout, producedAt); err != nil {
		return r, fmt.Errorf("%w: bad produced_at %q: %v", ErrDatabase, producedAt, err)
	}
	if r.Cost, err = decimal.NewFromString(costStr); err != nil {
		return r, fmt.Errorf("%w: bad cost %q: %v", ErrDatabase, costStr, err)
	}
	r.EngineUsed = model.EngineKind(engineUsed)
	r.Status = model.Status(status)
	return r, nil
}
