// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package dashboard

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/jeranaias/tutorbus/internal/monitor"
)

// Fetcher returns the current snapshot.
type Fetcher func(ctx context.Context) (monitor.Aggregate, error)

// Options configures the live view.
type Options struct {
	Refresh time.Duration
	NoColor bool
	Title   string
}

const (
	defaultRefresh = time.Second
	fetchTimeout   = 5 * time.Second
)

// Model is the Bubble Tea model behind monitor --watch.
type Model struct {
	fetch   Fetcher
	opts    Options
	table   table.Model
	agg     monitor.Aggregate
	err     error
	fetched time.Time
	width   int
	th      theme
}

// NewModel builds a live view that polls fetch every opts.Refresh.
func NewModel(fetch Fetcher, opts Options) Model {
	if opts.Refresh <= 0 {
		opts.Refresh = defaultRefresh
	}
	if opts.Title == "" {
		opts.Title = "tutorbus monitor"
	}
	t := table.New(
		table.WithColumns(agentColumns(0)),
		table.WithRows([]table.Row{}),
		table.WithFocused(false),
		table.WithHeight(6),
	)
	styles := table.DefaultStyles()
	if !opts.NoColor {
		styles.Header = styles.Header.Foreground(lipgloss.Color("252"))
	}
	t.SetStyles(styles)
	return Model{
		fetch: fetch,
		opts:  opts,
		table: t,
		th:    newTheme(os.Stdout, opts.NoColor),
	}
}

type snapshotMsg struct {
	agg monitor.Aggregate
	err error
	at  time.Time
}

type tickMsg time.Time

func (m Model) fetchCmd() tea.Cmd {
	fetch := m.fetch
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
		defer cancel()
		agg, err := fetch(ctx)
		return snapshotMsg{agg: agg, err: err, at: time.Now()}
	}
}

func (m Model) tick() tea.Cmd {
	return tea.Tick(m.opts.Refresh, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// Init fetches the first snapshot and starts the refresh clock.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.fetchCmd(), m.tick())
}

// Update handles keys, resizes, ticks and fetched snapshots.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			return m, tea.Quit
		case "r":
			return m, m.fetchCmd()
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.table.SetColumns(agentColumns(msg.Width))
		m.table.SetWidth(msg.Width)
		return m, nil
	case tickMsg:
		return m, tea.Batch(m.fetchCmd(), m.tick())
	case snapshotMsg:
		m.fetched = msg.at
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		m.err = nil
		m.agg = msg.agg
		m.table.SetRows(agentRows(msg.agg))
	}
	return m, nil
}

// View renders the header, the per-agent table and a status line.
func (m Model) View() string {
	header := m.th.title.Render(m.opts.Title)
	totals := fmt.Sprintf("%s %d   %s %s   %s %d   %s %.1f%%",
		m.th.label.Render("responses"), m.agg.Responses,
		m.th.label.Render("cost"), m.th.cost.Render(FormatCost(m.agg.TotalCost)),
		m.th.label.Render("tokens"), m.agg.TotalTokens(),
		m.th.label.Render("ok"), m.agg.SuccessRate(),
	)
	status := m.th.dim.Render("q quit · r refresh")
	if !m.fetched.IsZero() {
		status = m.th.dim.Render(fmt.Sprintf("updated %s · q quit · r refresh", m.fetched.Format(time.TimeOnly)))
	}
	if m.err != nil {
		status = m.th.bad.Render("fetch failed: " + m.err.Error())
	}
	return lipgloss.JoinVertical(lipgloss.Left, header, totals, "", m.table.View(), "", status)
}

// Snapshot returns the last successfully fetched aggregate.
func (m Model) Snapshot() monitor.Aggregate {
	return m.agg
}

// Err returns the error from the most recent fetch, if it failed.
func (m Model) Err() error {
	return m.err
}

// Run drives the live view until the user quits or ctx is done.
func Run(ctx context.Context, fetch Fetcher, opts Options) error {
	p := tea.NewProgram(NewModel(fetch, opts), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}

// =============================================================================
// TABLE
// =============================================================================

func agentColumns(width int) []table.Column {
	agent := 18
	if width > 100 {
		agent = 28
	}
	return []table.Column{
		{Title: "Agent", Width: agent},
		{Title: "Resp", Width: 6},
		{Title: "Failed", Width: 6},
		{Title: "Tokens", Width: 10},
		{Title: "Cost", Width: 14},
		{Title: "Share", Width: 7},
		{Title: "Avg latency", Width: 12},
	}
}

func agentRows(agg monitor.Aggregate) []table.Row {
	ids := agg.Agents()
	rows := make([]table.Row, 0, len(ids))
	for _, id := range ids {
		s := agg.PerAgent[id]
		rows = append(rows, table.Row{
			id,
			fmt.Sprintf("%d", s.Responses),
			fmt.Sprintf("%d", s.Failures),
			fmt.Sprintf("%d", s.InputTokens+s.OutputTokens),
			FormatCost(s.Cost),
			fmt.Sprintf("%.1f%%", agg.CostShare(s)),
			s.AverageLatency().String(),
		})
	}
	return rows
}
