// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package router

import (
	"bytes"
	"math/rand"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/jeranaias/tutorbus/internal/model"
)

func TestRoute(t *testing.T) {
	r := New(DefaultTopics(), zerolog.Nop())

	tests := []struct {
		name      string
		text      string
		wantTopic string
		wantLang  model.Language
	}{
		{"chinese question", "什么是递归?", TopicChinese, model.LanguageZH},
		{"english question", "What is recursion?", TopicEnglish, model.LanguageEN},
		{"mixed leans chinese", "Explain 闭包 please", TopicChinese, model.LanguageZH},
		{"extension block ideograph", "\U00020000", TopicChinese, model.LanguageZH},
		{"compatibility ideograph", "豈", TopicChinese, model.LanguageZH},
		{"accented latin", "Qu'est-ce qu'une fonction?", TopicEnglish, model.LanguageEN},
		{"empty", "", TopicEnglish, model.LanguageUnknown},
		{"whitespace", " \t\n ", TopicEnglish, model.LanguageUnknown},
		{"digits only", "1 + 1 = ?", TopicEnglish, model.LanguageUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			topic, lang := r.Route(tt.text)
			assert.Equal(t, tt.wantTopic, topic)
			assert.Equal(t, tt.wantLang, lang)
		})
	}
}

func TestRouteCustomTopics(t *testing.T) {
	r := New(Topics{Chinese: "zh_q", English: "en_q"}, zerolog.Nop())

	topic, _ := r.Route("你好")
	assert.Equal(t, "zh_q", topic)
	topic, _ = r.Route("hello")
	assert.Equal(t, "en_q", topic)
}

func TestDecideLogsAmbiguousInput(t *testing.T) {
	var buf bytes.Buffer
	r := New(DefaultTopics(), zerolog.New(&buf))

	d := r.Decide("   ")
	assert.Equal(t, ReasonEmpty, d.Reason)
	assert.True(t, d.Reason.Ambiguous())
	assert.Contains(t, buf.String(), "ambiguous")

	buf.Reset()
	d = r.Decide("hello")
	assert.Equal(t, ReasonLatin, d.Reason)
	assert.Empty(t, buf.String())
}

// Any text containing at least one ideograph routes to the Chinese topic,
// wherever the ideograph sits.
func TestRouteAnyIdeographIsChinese(t *testing.T) {
	r := New(DefaultTopics(), zerolog.Nop())
	rng := rand.New(rand.NewSource(7))
	letters := []rune("abcdefghijklmnopqrstuvwxyz ABCXYZ?!.,0123456789")

	for i := 0; i < 200; i++ {
		var b strings.Builder
		n := rng.Intn(30)
		pos := rng.Intn(n + 1)
		for j := 0; j <= n; j++ {
			if j == pos {
				b.WriteRune(rune(0x4E00 + rng.Intn(0x9FFF-0x4E00+1)))
				continue
			}
			b.WriteRune(letters[rng.Intn(len(letters))])
		}
		topic, lang := r.Route(b.String())
		assert.Equal(t, TopicChinese, topic, "text %q", b.String())
		assert.Equal(t, model.LanguageZH, lang)
	}
}

// Pure ASCII text with at least one letter routes to the English topic.
func TestRouteASCIIIsEnglish(t *testing.T) {
	r := New(DefaultTopics(), zerolog.Nop())
	rng := rand.New(rand.NewSource(11))

	for i := 0; i < 200; i++ {
		b := []byte{byte('a' + rng.Intn(26))}
		for j := rng.Intn(40); j > 0; j-- {
			b = append(b, byte(0x20+rng.Intn(0x7F-0x20)))
		}
		topic, lang := r.Route(string(b))
		assert.Equal(t, TopicEnglish, topic)
		assert.Equal(t, model.LanguageEN, lang)
	}
}

func TestIsCJK(t *testing.T) {
	assert.True(t, IsCJK('中'))
	assert.True(t, IsCJK(0x4E00))
	assert.True(t, IsCJK(0x9FFF))
	assert.False(t, IsCJK('a'))
	assert.False(t, IsCJK('あ'))
}
