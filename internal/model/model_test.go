// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuestionRoundTrip(t *testing.T) {
	q := NewQuestion("什么是闭包?", LanguageZH)
	q.UserID = "student-7"

	data, err := EncodeQuestion(q)
	require.NoError(t, err)

	got, err := DecodeQuestion(data)
	require.NoError(t, err)

	assert.Equal(t, q.ID, got.ID)
	assert.Equal(t, q.CorrelationID, got.CorrelationID)
	assert.Equal(t, q.Text, got.Text)
	assert.Equal(t, q.DetectedLanguage, got.DetectedLanguage)
	assert.Equal(t, q.UserID, got.UserID)
	assert.True(t, q.SubmittedAt.Equal(got.SubmittedAt))
	assert.Equal(t, time.UTC, got.SubmittedAt.Location())
}

func TestNewQuestionStartsCorrelationChain(t *testing.T) {
	q := NewQuestion("hello", LanguageEN)
	assert.NotEqual(t, uuid.Nil, q.ID)
	assert.Equal(t, q.ID, q.CorrelationID)
}

func TestResponseRoundTrip(t *testing.T) {
	r := ResponseEnvelope{
		CorrelationID:   uuid.New(),
		AgentID:         "english_teacher",
		AnswerText:      "A closure captures variables.",
		EngineUsed:      EngineHosted,
		ModelID:         "gemini-1.5-flash",
		InputTokens:     15,
		OutputTokens:    200,
		TokensEstimated: true,
		Cost:            decimal.RequireFromString("0.000076875"),
		LatencyMs:       812,
		Attempts:        2,
		ProducedAt:      time.Date(2025, 3, 1, 10, 0, 0, 123456789, time.FixedZone("X", 3600)),
		Status:          StatusOK,
	}

	data, err := EncodeResponse(r)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"cost":"0.000076875"`)

	got, err := DecodeResponse(data)
	require.NoError(t, err)

	assert.Equal(t, r.CorrelationID, got.CorrelationID)
	assert.Equal(t, r.AgentID, got.AgentID)
	assert.Equal(t, r.AnswerText, got.AnswerText)
	assert.Equal(t, r.EngineUsed, got.EngineUsed)
	assert.Equal(t, r.ModelID, got.ModelID)
	assert.Equal(t, r.InputTokens, got.InputTokens)
	assert.Equal(t, r.OutputTokens, got.OutputTokens)
	assert.Equal(t, r.TokensEstimated, got.TokensEstimated)
	assert.True(t, r.Cost.Equal(got.Cost), "cost %s != %s", r.Cost, got.Cost)
	assert.Equal(t, r.LatencyMs, got.LatencyMs)
	assert.Equal(t, r.Attempts, got.Attempts)
	assert.True(t, r.ProducedAt.Equal(got.ProducedAt))
	assert.Equal(t, r.Status, got.Status)
	assert.Equal(t, r.Key(), got.Key())
}

func TestDecodeQuestionRejectsMalformed(t *testing.T) {
	id := uuid.New().String()
	tests := []struct {
		name    string
		payload string
	}{
		{"not json", `{{{`},
		{"empty object", `{}`},
		{"bad uuid", `{"id":"nope","text":"x","detected_language":"EN","submitted_at":"2025-01-01T00:00:00Z","correlation_id":"` + id + `"}`},
		{"unknown language", `{"id":"` + id + `","text":"x","detected_language":"FR","submitted_at":"2025-01-01T00:00:00Z","correlation_id":"` + id + `"}`},
		{"missing correlation", `{"id":"` + id + `","text":"x","detected_language":"EN","submitted_at":"2025-01-01T00:00:00Z"}`},
		{"missing submitted_at", `{"id":"` + id + `","text":"x","detected_language":"EN","correlation_id":"` + id + `"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeQuestion([]byte(tt.payload))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformedEnvelope))
		})
	}
}

func TestDecodeQuestionAllowsEmptyText(t *testing.T) {
	q := NewQuestion("", LanguageUnknown)
	data, err := EncodeQuestion(q)
	require.NoError(t, err)

	got, err := DecodeQuestion(data)
	require.NoError(t, err)
	assert.Equal(t, "", got.Text)
	assert.Equal(t, LanguageUnknown, got.DetectedLanguage)
}

func TestDecodeResponseRejectsMalformed(t *testing.T) {
	id := uuid.New().String()
	base := `"correlation_id":"` + id + `","agent_id":"a","engine_used":"local","produced_at":"2025-01-01T00:00:00Z"`
	tests := []struct {
		name    string
		payload string
	}{
		{"not json", `[1,2`},
		{"missing status", `{` + base + `}`},
		{"unknown status", `{` + base + `,"status":"MAYBE"}`},
		{"unknown engine", `{"correlation_id":"` + id + `","agent_id":"a","engine_used":"gpu","produced_at":"2025-01-01T00:00:00Z","status":"OK"}`},
		{"missing agent", `{"correlation_id":"` + id + `","engine_used":"local","produced_at":"2025-01-01T00:00:00Z","status":"OK"}`},
		{"negative tokens", `{` + base + `,"status":"OK","input_tokens":-1}`},
		{"negative cost", `{` + base + `,"status":"OK","cost":"-0.1"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeResponse([]byte(tt.payload))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrMalformedEnvelope)
		})
	}
}

func TestEnumValidity(t *testing.T) {
	assert.True(t, LanguageZH.Valid())
	assert.False(t, Language("zh").Valid())
	assert.True(t, StatusTimeout.Valid())
	assert.False(t, Status("").Valid())
	assert.True(t, EngineLocal.Valid())
	assert.False(t, EngineKind("remote").Valid())
}
