// Copyright 2026 The Meshd Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"

	"github.com/vpnmesh/meshd/internal/observer"
)

const nameColumnWidth = 20

// promptMode tracks which of meshtop's two single-line prompts (the
// "/" fuzzy filter and the "s" refresh-delay entry) currently owns
// keyboard focus, if either.
type promptMode int

const (
	promptNone promptMode = iota
	promptFilter
	promptDelay
)

// model is the Bubble Tea program for cmd/meshtop: spec.md §4.9's
// curses observer reimagined as a Bubble Tea table, one DUMP_TRAFFIC
// round trip per tick.
type model struct {
	client   *observer.Client
	rates    *observer.Table
	sortMode observer.SortMode
	cumulative bool
	interval time.Duration

	rows   table.Model
	prompt textinput.Model
	mode   promptMode
	filter string

	plainStyling bool

	lastErr  error
	quitting bool
}

type tickMsg struct{}
type trafficMsg observer.Snapshot
type trafficErrMsg struct{ err error }

func newModel(client *observer.Client, interval time.Duration, plainStyling bool) model {
	t := table.New(
		table.WithColumns(columnsFor(false)),
		table.WithFocused(true),
		table.WithHeight(20),
	)
	t.SetStyles(tableStyles())

	p := textinput.New()
	p.CharLimit = 64

	return model{
		client:       client,
		rates:        observer.NewTable(),
		sortMode:     observer.SortByName,
		interval:     interval,
		rows:         t,
		prompt:       p,
		plainStyling: plainStyling,
	}
}

func (m model) Init() tea.Cmd {
	return m.fetchTraffic()
}

// fetchTraffic issues one DUMP_TRAFFIC request in the background so
// the update loop never blocks on the control-channel round trip.
func (m model) fetchTraffic() tea.Cmd {
	client := m.client
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		snap, err := client.Traffic(ctx)
		if err != nil {
			return trafficErrMsg{err}
		}
		return trafficMsg(snap)
	}
}

func tickAfter(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(time.Time) tea.Msg { return tickMsg{} })
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		headerLines := 4
		m.rows.SetWidth(msg.Width)
		if msg.Height > headerLines {
			m.rows.SetHeight(msg.Height - headerLines)
		}
		return m, nil

	case tickMsg:
		return m, m.fetchTraffic()

	case trafficMsg:
		m.rates.Update(observer.Snapshot(msg))
		m.lastErr = nil
		m.refreshRows()
		return m, tickAfter(m.interval)

	case trafficErrMsg:
		m.lastErr = msg.err
		return m, tickAfter(m.interval)

	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	return m, nil
}

func (m model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.mode != promptNone {
		switch msg.Type {
		case tea.KeyEsc:
			if m.mode == promptFilter {
				m.filter = ""
				m.refreshRows()
			}
			m.mode = promptNone
			m.prompt.Blur()
			return m, nil
		case tea.KeyEnter:
			if m.mode == promptFilter {
				m.filter = m.prompt.Value()
				m.refreshRows()
			} else if secs, err := strconv.ParseFloat(m.prompt.Value(), 64); err == nil && secs >= 0.1 {
				m.interval = time.Duration(secs * float64(time.Second))
			}
			m.mode = promptNone
			m.prompt.Blur()
			return m, nil
		}
		var cmd tea.Cmd
		m.prompt, cmd = m.prompt.Update(msg)
		if m.mode == promptFilter {
			m.filter = m.prompt.Value()
			m.refreshRows()
		}
		return m, cmd
	}

	switch msg.String() {
	case "q", "ctrl+c", "esc":
		m.quitting = true
		return m, tea.Quit
	case "n":
		m.sortMode = observer.SortByName
		m.refreshRows()
	case "i":
		m.sortMode = observer.SortByInPackets
		m.refreshRows()
	case "I":
		m.sortMode = observer.SortByInBytes
		m.refreshRows()
	case "o":
		m.sortMode = observer.SortByOutPackets
		m.refreshRows()
	case "O":
		m.sortMode = observer.SortByOutBytes
		m.refreshRows()
	case "t":
		m.sortMode = observer.SortByTotalPackets
		m.refreshRows()
	case "T":
		m.sortMode = observer.SortByTotalBytes
		m.refreshRows()
	case "c":
		m.cumulative = !m.cumulative
		m.refreshRows()
	case "s":
		m.mode = promptDelay
		m.prompt.Placeholder = fmt.Sprintf("%.1f", m.interval.Seconds())
		m.prompt.SetValue("")
		m.prompt.Focus()
		return m, textinput.Blink
	case "/":
		m.mode = promptFilter
		m.prompt.Placeholder = "filter by name"
		m.prompt.SetValue(m.filter)
		m.prompt.Focus()
		return m, textinput.Blink
	default:
		var cmd tea.Cmd
		m.rows, cmd = m.rows.Update(msg)
		return m, cmd
	}
	return m, nil
}

// refreshRows recomputes the table's columns and rows from the latest
// rates, current sort mode, cumulative-vs-rate toggle, and filter —
// called after any of those four inputs changes.
func (m *model) refreshRows() {
	rates := m.rates.Sorted(m.sortMode)
	rates = fuzzyFilter(rates, m.filter)

	m.rows.SetColumns(columnsFor(m.cumulative))
	m.rows.SetRows(rowsFor(rates, m.cumulative, m.plainStyling))
}

func (m model) View() string {
	if m.quitting {
		return ""
	}

	header := fmt.Sprintf(
		"meshtop  sort=%s  %s  refresh=%s",
		sortLabel(m.sortMode), cumLabel(m.cumulative), m.interval,
	)
	lines := []string{lipgloss.NewStyle().Bold(true).Render(header)}

	if m.lastErr != nil {
		lines = append(lines, lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Render("error: "+m.lastErr.Error()))
	}

	lines = append(lines, m.rows.View())

	switch m.mode {
	case promptFilter:
		lines = append(lines, "/"+m.prompt.View())
	case promptDelay:
		lines = append(lines, "refresh delay (s): "+m.prompt.View())
	}

	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func sortLabel(mode observer.SortMode) string {
	switch mode {
	case observer.SortByInPackets:
		return "in-pkts"
	case observer.SortByInBytes:
		return "in-bytes"
	case observer.SortByOutPackets:
		return "out-pkts"
	case observer.SortByOutBytes:
		return "out-bytes"
	case observer.SortByTotalPackets:
		return "total-pkts"
	case observer.SortByTotalBytes:
		return "total-bytes"
	default:
		return "name"
	}
}

func cumLabel(cumulative bool) string {
	if cumulative {
		return "cumulative"
	}
	return "rate"
}

func columnsFor(cumulative bool) []table.Column {
	if cumulative {
		return []table.Column{
			{Title: "NAME", Width: nameColumnWidth},
			{Title: "IN PKTS", Width: 12},
			{Title: "IN BYTES", Width: 14},
			{Title: "OUT PKTS", Width: 12},
			{Title: "OUT BYTES", Width: 14},
		}
	}
	return []table.Column{
		{Title: "NAME", Width: nameColumnWidth},
		{Title: "IN PKT/S", Width: 12},
		{Title: "IN B/S", Width: 14},
		{Title: "OUT PKT/S", Width: 12},
		{Title: "OUT B/S", Width: 14},
	}
}

// rowsFor renders each Rate as a table.Row, baking spec.md §4.9's
// BOLD-if-active / DIM-if-unknown rule directly into the cell strings
// — bubbles/table has no per-row style hook, so the styled string is
// the cell content.
func rowsFor(rates []observer.Rate, cumulative, plainStyling bool) []table.Row {
	rows := make([]table.Row, 0, len(rates))
	for _, r := range rates {
		name := ansi.Truncate(r.Name, nameColumnWidth, "…")
		var cells []string
		if cumulative {
			cells = []string{
				name,
				strconv.FormatUint(r.Cumulative.InPackets, 10),
				strconv.FormatUint(r.Cumulative.InBytes, 10),
				strconv.FormatUint(r.Cumulative.OutPackets, 10),
				strconv.FormatUint(r.Cumulative.OutBytes, 10),
			}
		} else {
			cells = []string{
				name,
				formatRate(r.InPacketsPerSec),
				formatRate(r.InBytesPerSec),
				formatRate(r.OutPacketsPerSec),
				formatRate(r.OutBytesPerSec),
			}
		}
		styleRow(cells, r, plainStyling)
		rows = append(rows, table.Row(cells))
	}
	return rows
}

// styleRow mutates cells in place to mark an active node BOLD or an
// unknown one DIM. When the terminal's color profile can't render
// either (plainStyling), it falls back to ASCII markers on the name
// column instead of silently dropping the distinction.
func styleRow(cells []string, r observer.Rate, plainStyling bool) {
	switch {
	case plainStyling && r.Active():
		cells[0] = "* " + cells[0]
	case plainStyling && !r.Known:
		cells[0] = "~ " + cells[0]
	case r.Active():
		for i, c := range cells {
			cells[i] = lipgloss.NewStyle().Bold(true).Render(c)
		}
	case !r.Known:
		for i, c := range cells {
			cells[i] = lipgloss.NewStyle().Faint(true).Render(c)
		}
	}
}

func formatRate(perSec float64) string {
	return strconv.FormatFloat(perSec, 'f', 1, 64)
}

func tableStyles() table.Styles {
	s := table.DefaultStyles()
	s.Header = s.Header.Bold(true)
	s.Selected = s.Selected.Bold(false)
	return s
}
