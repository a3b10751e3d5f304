// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package router decides which language topic a question is published to.
//
// Routing is a pure function of the question text: the text is NFKC
// normalized and scanned for CJK ideographs. Any ideograph sends the
// question to the Chinese topic; everything else goes to the English topic.
// Text with no letters at all is still routed to the English topic but is
// tagged LanguageUnknown and logged as ambiguous.
//
// # Key Types
//
//   - Router: holds the static language to topic table
//   - Decision: topic, language and the reason it was chosen
//
// # Usage
//
//	r := router.New(router.DefaultTopics(), logger)
//	topic, lang := r.Route("什么是闭包?")
package router
