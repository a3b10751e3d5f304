// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// LANGUAGE
// =============================================================================

// Language is the detected language of a question.
type Language string

const (
	LanguageZH      Language = "ZH"
	LanguageEN      Language = "EN"
	LanguageUnknown Language = "UNKNOWN"
)

// String returns the wire form of the language.
func (l Language) String() string {
	return string(l)
}

// Valid reports whether l is one of the known languages.
func (l Language) Valid() bool {
	switch l {
	case LanguageZH, LanguageEN, LanguageUnknown:
		return true
	}
	return false
}

// UnmarshalText rejects values outside the enumeration.
func (l *Language) UnmarshalText(b []byte) error {
	v := Language(b)
	if !v.Valid() {
		return fmt.Errorf("unknown language %q", string(b))
	}
	*l = v
	return nil
}

// =============================================================================
// STATUS
// =============================================================================

// Status is the terminal outcome recorded on a response.
type Status string

const (
	StatusOK          Status = "OK"
	StatusEngineError Status = "ENGINE_ERROR"
	StatusTimeout     Status = "TIMEOUT"
)

func (s Status) String() string {
	return string(s)
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusOK, StatusEngineError, StatusTimeout:
		return true
	}
	return false
}

// UnmarshalText rejects values outside the enumeration.
func (s *Status) UnmarshalText(b []byte) error {
	v := Status(b)
	if !v.Valid() {
		return fmt.Errorf("unknown status %q", string(b))
	}
	*s = v
	return nil
}

// =============================================================================
// ENGINE KIND
// =============================================================================

// EngineKind names the engine variant that produced an answer.
type EngineKind string

const (
	EngineHosted EngineKind = "hosted"
	EngineLocal  EngineKind = "local"
)

func (k EngineKind) String() string {
	return string(k)
}

// Valid reports whether k is one of the known engine kinds.
func (k EngineKind) Valid() bool {
	return k == EngineHosted || k == EngineLocal
}

// UnmarshalText rejects values outside the enumeration.
func (k *EngineKind) UnmarshalText(b []byte) error {
	v := EngineKind(b)
	if !v.Valid() {
		return fmt.Errorf("unknown engine kind %q", string(b))
	}
	*k = v
	return nil
}

// =============================================================================
// ENVELOPES
// =============================================================================

// QuestionEnvelope is a student question as published to a language topic.
type QuestionEnvelope struct {
	ID               uuid.UUID `json:"id"`
	Text             string    `json:"text"`
	DetectedLanguage Language  `json:"detected_language"`
	SubmittedAt      time.Time `json:"submitted_at"`
	CorrelationID    uuid.UUID `json:"correlation_id"`

	// UserID identifies the submitter when the front-end knows it.
	UserID string `json:"user_id,omitempty"`
}

// NewQuestion builds a fresh question. A new question starts its own
// correlation chain, so CorrelationID equals ID.
func NewQuestion(text string, lang Language) QuestionEnvelope {
	id := uuid.New()
	return QuestionEnvelope{
		ID:               id,
		Text:             text,
		DetectedLanguage: lang,
		SubmittedAt:      time.Now().UTC(),
		CorrelationID:    id,
	}
}

// ResponseEnvelope is an agent's terminal record for one processed question.
type ResponseEnvelope struct {
	CorrelationID   uuid.UUID       `json:"correlation_id"`
	AgentID         string          `json:"agent_id"`
	AnswerText      string          `json:"answer_text"`
	EngineUsed      EngineKind      `json:"engine_used"`
	ModelID         string          `json:"model_id"`
	InputTokens     int             `json:"input_tokens"`
	OutputTokens    int             `json:"output_tokens"`
	TokensEstimated bool            `json:"tokens_estimated,omitempty"`
	Cost            decimal.Decimal `json:"cost"`
	LatencyMs       int64           `json:"latency_ms"`
	Attempts        int             `json:"attempts"`
	ProducedAt      time.Time       `json:"produced_at"`
	Status          Status          `json:"status"`
	Error           string          `json:"error,omitempty"`
}

// Key returns the identity used to recognise a redelivered copy of the same
// published response.
func (r ResponseEnvelope) Key() string {
	return r.CorrelationID.String() + "|" + r.AgentID + "|" + r.ProducedAt.UTC().Format(time.RFC3339Nano)
}

// Succeeded reports whether the engine produced an answer.
func (r ResponseEnvelope) Succeeded() bool {
	return r.Status == StatusOK
}

// TotalTokens returns input plus output tokens.
func (r ResponseEnvelope) TotalTokens() int {
	return r.InputTokens + r.OutputTokens
}
