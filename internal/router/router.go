// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package router

import (
	"strings"
	"unicode"

	"github.com/rs/zerolog"
	"golang.org/x/text/unicode/norm"

	"github.com/jeranaias/tutorbus/internal/model"
	"github.com/jeranaias/tutorbus/internal/util"
)

// Default topic names.
const (
	TopicChinese = "chinese_teacher"
	TopicEnglish = "english_teacher"
)

// Reason explains a routing decision.
type Reason string

const (
	ReasonCJK       Reason = "cjk_ideograph"
	ReasonLatin     Reason = "no_cjk_ideograph"
	ReasonEmpty     Reason = "empty_text"
	ReasonNoLetters Reason = "no_letters"
)

// Ambiguous reports whether the decision fell back to the default topic
// without a usable language signal.
func (r Reason) Ambiguous() bool {
	return r == ReasonEmpty || r == ReasonNoLetters
}

// Topics maps the two routable languages to bus topics.
type Topics struct {
	Chinese string
	English string
}

// DefaultTopics returns the standard topic names.
func DefaultTopics() Topics {
	return Topics{Chinese: TopicChinese, English: TopicEnglish}
}

// Decision is the outcome of routing one question.
type Decision struct {
	Topic    string
	Language model.Language
	Reason   Reason
}

// Router assigns questions to language topics.
type Router struct {
	topics Topics
	log    zerolog.Logger
}

// New creates a router. Empty topic names fall back to the defaults.
func New(topics Topics, log zerolog.Logger) *Router {
	if topics.Chinese == "" {
		topics.Chinese = TopicChinese
	}
	if topics.English == "" {
		topics.English = TopicEnglish
	}
	return &Router{topics: topics, log: log}
}

// Topics returns the configured topic table.
func (r *Router) Topics() Topics {
	return r.topics
}

// Route returns the topic and detected language for text.
func (r *Router) Route(text string) (string, model.Language) {
	d := r.Decide(text)
	return d.Topic, d.Language
}

// Decide classifies text and records why. Ambiguous input is logged at
// warn level and routed to the English topic.
func (r *Router) Decide(text string) Decision {
	reason := Classify(text)

	d := Decision{Reason: reason}
	switch reason {
	case ReasonCJK:
		d.Topic, d.Language = r.topics.Chinese, model.LanguageZH
	case ReasonLatin:
		d.Topic, d.Language = r.topics.English, model.LanguageEN
	default:
		d.Topic, d.Language = r.topics.English, model.LanguageUnknown
	}

	if reason.Ambiguous() {
		r.log.Warn().
			Str("reason", string(reason)).
			Str("text", util.TruncateWidth(text, 40)).
			Str("topic", d.Topic).
			Msg("ambiguous question language, using default topic")
	}
	return d
}

// Classify inspects text and returns the routing reason.
func Classify(text string) Reason {
	normalized := norm.NFKC.String(text)
	if strings.TrimSpace(normalized) == "" {
		return ReasonEmpty
	}

	hasLetter := false
	for _, r := range normalized {
		if IsCJK(r) {
			return ReasonCJK
		}
		if unicode.IsLetter(r) {
			hasLetter = true
		}
	}
	if !hasLetter {
		return ReasonNoLetters
	}
	return ReasonLatin
}

// IsCJK reports whether r is a CJK unified ideograph, including the
// extension blocks and compatibility ideographs.
func IsCJK(r rune) bool {
	return unicode.Is(unicode.Han, r)
}
