// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package dashboard renders monitor snapshots and answers for the terminal.
//
// RenderSummary prints one snapshot (monitor --once), Model is a Bubble Tea
// program that polls snapshots (monitor --watch), and RenderAnswer formats
// an answer envelope for the ask command.
package dashboard

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"github.com/shopspring/decimal"

	"github.com/jeranaias/tutorbus/internal/model"
	"github.com/jeranaias/tutorbus/internal/monitor"
	"github.com/jeranaias/tutorbus/internal/util"
)

// =============================================================================
// THEME
// =============================================================================

// ColorProfile returns Ascii when colour is off or NO_COLOR is set, and the
// detected profile of stdout otherwise.
func ColorProfile(noColor bool) termenv.Profile {
	if noColor || os.Getenv("NO_COLOR") != "" {
		return termenv.Ascii
	}
	return termenv.NewOutput(os.Stdout).EnvColorProfile()
}

type theme struct {
	title   lipgloss.Style
	section lipgloss.Style
	label   lipgloss.Style
	value   lipgloss.Style
	cost    lipgloss.Style
	good    lipgloss.Style
	bad     lipgloss.Style
	dim     lipgloss.Style
	bar     lipgloss.Style
}

func newTheme(w io.Writer, noColor bool) theme {
	r := lipgloss.NewRenderer(w)
	r.SetColorProfile(ColorProfile(noColor))
	return theme{
		title:   r.NewStyle().Bold(true).Foreground(lipgloss.Color("12")),
		section: r.NewStyle().Bold(true).Foreground(lipgloss.Color("14")),
		label:   r.NewStyle().Foreground(lipgloss.Color("8")),
		value:   r.NewStyle().Foreground(lipgloss.Color("7")),
		cost:    r.NewStyle().Foreground(lipgloss.Color("10")),
		good:    r.NewStyle().Foreground(lipgloss.Color("2")),
		bad:     r.NewStyle().Foreground(lipgloss.Color("9")),
		dim:     r.NewStyle().Foreground(lipgloss.Color("242")),
		bar:     r.NewStyle().Foreground(lipgloss.Color("12")),
	}
}

// =============================================================================
// SUMMARY
// =============================================================================

// RenderOptions controls RenderSummary.
type RenderOptions struct {
	Width   int
	NoColor bool
	// Now is used for the window age; zero means time.Now.
	Now time.Time
}

const (
	barWidth   = 20
	nameWidth  = 18
	minWidth   = 60
	topEntries = 5
)

// RenderSummary formats a snapshot as a multi-section text report.
func RenderSummary(agg monitor.Aggregate, opts RenderOptions) string {
	th := newTheme(os.Stdout, opts.NoColor)
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}
	width := opts.Width
	if width < minWidth {
		width = minWidth
	}

	var b strings.Builder

	b.WriteString(th.title.Render("Cost Monitor"))
	if !agg.WindowStart.IsZero() {
		age := now.Sub(agg.WindowStart).Round(time.Second)
		b.WriteString(th.dim.Render(fmt.Sprintf("  window since %s (%s)",
			agg.WindowStart.Local().Format("2006-01-02 15:04:05"), age)))
	}
	b.WriteString("\n\n")

	// Totals
	b.WriteString(th.label.Render("  Responses:    "))
	b.WriteString(th.value.Render(fmt.Sprintf("%d", agg.Responses)))
	b.WriteString("   ")
	for _, st := range []model.Status{model.StatusOK, model.StatusEngineError, model.StatusTimeout} {
		style := th.good
		if st != model.StatusOK {
			style = th.bad
		}
		b.WriteString(th.label.Render(string(st) + ": "))
		b.WriteString(style.Render(fmt.Sprintf("%d", agg.PerStatus[st])))
		b.WriteString("  ")
	}
	b.WriteString("\n")

	b.WriteString(th.label.Render("  Success rate: "))
	b.WriteString(th.value.Render(fmt.Sprintf("%.1f%%", agg.SuccessRate())))
	b.WriteString("\n")

	b.WriteString(th.label.Render("  Tokens:       "))
	b.WriteString(th.value.Render(fmt.Sprintf("%d in / %d out", agg.TotalInputTokens, agg.TotalOutputTokens)))
	b.WriteString("\n")

	b.WriteString(th.label.Render("  Total cost:   "))
	b.WriteString(th.cost.Render(FormatCost(agg.TotalCost)))
	b.WriteString(th.label.Render("   avg/response: "))
	b.WriteString(th.cost.Render(FormatCost(agg.AverageCost())))
	b.WriteString("\n")

	if agg.Duplicates > 0 || agg.Malformed > 0 {
		b.WriteString(th.label.Render("  Redelivered:  "))
		b.WriteString(th.value.Render(fmt.Sprintf("%d", agg.Duplicates)))
		b.WriteString(th.label.Render("   malformed: "))
		b.WriteString(th.bad.Render(fmt.Sprintf("%d", agg.Malformed)))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(renderBreakdown(th, "By agent", agg, agg.Agents(), agg.PerAgent))
	b.WriteString("\n")
	b.WriteString(renderBreakdown(th, "By model", agg, agg.Models(), agg.PerModel))
	b.WriteString("\n")
	b.WriteString(renderCostliest(th, agg.Costliest, width))
	return b.String()
}

func renderBreakdown(th theme, title string, agg monitor.Aggregate, keys []string, subs map[string]monitor.Subtotal) string {
	var b strings.Builder
	b.WriteString(th.section.Render(title))
	b.WriteString("\n")
	if len(keys) == 0 {
		b.WriteString(th.dim.Render("  No responses yet"))
		b.WriteString("\n")
		return b.String()
	}
	for _, k := range keys {
		s := subs[k]
		share := agg.ResponseShare(s)
		fmt.Fprintf(&b, "  %s %s %5.1f%%  %4d resp  %s  avg %s",
			util.PadWidth(k, nameWidth),
			th.bar.Render(Bar(share, barWidth)),
			share,
			s.Responses,
			th.cost.Render(FormatCost(s.Cost)),
			s.AverageLatency(),
		)
		if s.Failures > 0 {
			b.WriteString(th.bad.Render(fmt.Sprintf("  %d failed", s.Failures)))
		}
		b.WriteString("\n")
	}
	return b.String()
}

func renderCostliest(th theme, entries []monitor.CostEntry, width int) string {
	var b strings.Builder
	b.WriteString(th.section.Render("Costliest responses"))
	b.WriteString("\n")
	if len(entries) == 0 {
		b.WriteString(th.dim.Render("  None yet"))
		b.WriteString("\n")
		return b.String()
	}
	n := len(entries)
	if n > topEntries {
		n = topEntries
	}
	for i, e := range entries[:n] {
		line := fmt.Sprintf("%d. %s  %s  %s  %d tokens",
			i+1, e.CorrelationID.String()[:8], e.AgentID, e.ModelID, e.Tokens)
		b.WriteString("  ")
		b.WriteString(th.value.Render(util.TruncateWidth(line, width-20)))
		b.WriteString("  ")
		b.WriteString(th.cost.Render(FormatCost(e.Cost)))
		b.WriteString("\n")
	}
	return b.String()
}

// =============================================================================
// HELPERS
// =============================================================================

// FormatCost renders an amount in dollars with every significant digit.
func FormatCost(d decimal.Decimal) string {
	return "$" + d.String()
}

// Bar renders pct (0-100) as a bar of width cells.
func Bar(pct float64, width int) string {
	if width <= 0 {
		return ""
	}
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	filled := int(pct*float64(width)/100 + 0.5)
	return strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
}
