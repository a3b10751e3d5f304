// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package dashboard

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"

	"github.com/jeranaias/tutorbus/internal/model"
)

// AnswerOptions controls RenderAnswer.
type AnswerOptions struct {
	Width   int
	NoColor bool
}

const defaultWrap = 80

// RenderAnswer formats a response for the terminal: the answer text as
// markdown followed by a one-line usage footer. Failed responses render
// their error instead of an answer.
func RenderAnswer(resp model.ResponseEnvelope, opts AnswerOptions) string {
	th := newTheme(os.Stdout, opts.NoColor)
	wrap := opts.Width
	if wrap <= 0 || wrap > 120 {
		wrap = defaultWrap
	}

	var b strings.Builder
	if !resp.Succeeded() {
		b.WriteString(th.bad.Render(fmt.Sprintf("%s from %s", resp.Status, resp.AgentID)))
		if resp.Error != "" {
			b.WriteString(th.bad.Render(": " + resp.Error))
		}
		b.WriteString("\n")
	} else {
		b.WriteString(renderMarkdown(resp.AnswerText, wrap, opts.NoColor))
		if !strings.HasSuffix(b.String(), "\n") {
			b.WriteString("\n")
		}
	}
	b.WriteString(th.dim.Render(Footer(resp)))
	b.WriteString("\n")
	return b.String()
}

// Footer summarises who answered and what it cost.
func Footer(resp model.ResponseEnvelope) string {
	tokens := fmt.Sprintf("%d tokens", resp.TotalTokens())
	if resp.TokensEstimated {
		tokens += " (est.)"
	}
	latency := (time.Duration(resp.LatencyMs) * time.Millisecond).Round(time.Millisecond)
	parts := []string{resp.AgentID}
	if resp.ModelID != "" {
		parts = append(parts, fmt.Sprintf("%s/%s", resp.EngineUsed, resp.ModelID))
	}
	parts = append(parts, tokens, FormatCost(resp.Cost), latency.String())
	if resp.Attempts > 1 {
		parts = append(parts, fmt.Sprintf("%d attempts", resp.Attempts))
	}
	return "── " + strings.Join(parts, " · ")
}

// renderMarkdown falls back to the raw text if glamour cannot render it.
func renderMarkdown(text string, wrap int, noColor bool) string {
	style := glamour.WithAutoStyle()
	if noColor || os.Getenv("NO_COLOR") != "" {
		style = glamour.WithStandardStyle("notty")
	}
	r, err := glamour.NewTermRenderer(style, glamour.WithWordWrap(wrap))
	if err != nil {
		return text
	}
	out, err := r.Render(text)
	if err != nil {
		return text
	}
	return strings.TrimLeft(out, "\n")
}
