// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrMalformedEnvelope is wrapped by every decode failure.
var ErrMalformedEnvelope = errors.New("malformed envelope")

// malformed wraps a decode failure so callers can match ErrMalformedEnvelope.
func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedEnvelope, fmt.Sprintf(format, args...))
}

// =============================================================================
// QUESTIONS
// =============================================================================

// EncodeQuestion serializes a question. Timestamps are written in UTC.
func EncodeQuestion(q QuestionEnvelope) ([]byte, error) {
	q.SubmittedAt = q.SubmittedAt.UTC()
	data, err := json.Marshal(q)
	if err != nil {
		return nil, fmt.Errorf("failed to encode question: %w", err)
	}
	return data, nil
}

// DecodeQuestion parses and validates a question payload.
func DecodeQuestion(data []byte) (QuestionEnvelope, error) {
	var q QuestionEnvelope
	if err := json.Unmarshal(data, &q); err != nil {
		return QuestionEnvelope{}, malformed("question: %v", err)
	}
	if q.ID == uuid.Nil {
		return QuestionEnvelope{}, malformed("question: missing id")
	}
	if q.CorrelationID == uuid.Nil {
		return QuestionEnvelope{}, malformed("question %s: missing correlation_id", q.ID)
	}
	if q.DetectedLanguage == "" {
		return QuestionEnvelope{}, malformed("question %s: missing detected_language", q.ID)
	}
	if q.SubmittedAt.IsZero() {
		return QuestionEnvelope{}, malformed("question %s: missing submitted_at", q.ID)
	}
	q.SubmittedAt = q.SubmittedAt.UTC()
	return q, nil
}

// =============================================================================
// RESPONSES
// =============================================================================

// EncodeResponse serializes a response. Cost is written as a decimal string.
func EncodeResponse(r ResponseEnvelope) ([]byte, error) {
	r.ProducedAt = r.ProducedAt.UTC()
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to encode response: %w", err)
	}
	return data, nil
}

// DecodeResponse parses and validates a response payload.
func DecodeResponse(data []byte) (ResponseEnvelope, error) {
	var r ResponseEnvelope
	if err := json.Unmarshal(data, &r); err != nil {
		return ResponseEnvelope{}, malformed("response: %v", err)
	}
	switch {
	case r.CorrelationID == uuid.Nil:
		return ResponseEnvelope{}, malformed("response: missing correlation_id")
	case r.AgentID == "":
		return ResponseEnvelope{}, malformed("response %s: missing agent_id", r.CorrelationID)
	case r.Status == "":
		return ResponseEnvelope{}, malformed("response %s: missing status", r.CorrelationID)
	case r.EngineUsed == "":
		return ResponseEnvelope{}, malformed("response %s: missing engine_used", r.CorrelationID)
	case r.ProducedAt.IsZero():
		return ResponseEnvelope{}, malformed("response %s: missing produced_at", r.CorrelationID)
	case r.InputTokens < 0 || r.OutputTokens < 0:
		return ResponseEnvelope{}, malformed("response %s: negative token count", r.CorrelationID)
	case r.Cost.IsNegative():
		return ResponseEnvelope{}, malformed("response %s: negative cost", r.CorrelationID)
	}
	r.ProducedAt = r.ProducedAt.UTC()
	return r, nil
}
