// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the envelopes exchanged over the message bus.
//
// # Key Types
//
//   - QuestionEnvelope: a student question routed to a language topic
//   - ResponseEnvelope: an agent's answer with token and cost accounting
//   - Language, Status, EngineKind: closed string enumerations
//
// Envelopes are immutable once published. The codec in this package is the
// only place that turns bytes into envelopes; every decode failure wraps
// ErrMalformedEnvelope so consumers can dead-letter it.
//
// # Usage
//
//	q := model.NewQuestion("What is a closure?", model.LanguageEN)
//	payload, err := model.EncodeQuestion(q)
package model
