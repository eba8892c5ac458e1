// Package tui implements the interactive session picker behind
// kill --interactive.
package tui

import (
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/vpnops/openvpn-session-kill/internal/logsanitize"
	"github.com/vpnops/openvpn-session-kill/internal/status"
)

// PickerModel lets the operator mark sessions for disconnection. Sessions
// without an identity are not offered: they cannot be matched or audited by
// username.
type PickerModel struct {
	endpoint string
	sessions []status.Session
	selected map[int]bool
	table    table.Model

	confirmed bool
	aborted   bool
}

func NewPickerModel(endpoint string, sessions []status.Session) PickerModel {
	killable := make([]status.Session, 0, len(sessions))
	for _, s := range sessions {
		if s.Identity() != "" {
			killable = append(killable, s)
		}
	}

	columns := []table.Column{
		{Title: "", Width: 2},
		{Title: "User", Width: 28},
		{Title: "Real Address", Width: 22},
		{Title: "Connected Since", Width: 24},
		{Title: "Key", Width: 12},
	}
	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(true),
		table.WithHeight(min(len(killable)+1, 15)),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(true)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("88")).
		Bold(false)
	t.SetStyles(s)

	m := PickerModel{
		endpoint: endpoint,
		sessions: killable,
		selected: make(map[int]bool),
		table:    t,
	}
	m.table.SetRows(buildRows(killable, m.selected))
	return m
}

func buildRows(sessions []status.Session, selected map[int]bool) []table.Row {
	rows := make([]table.Row, len(sessions))
	for i, s := range sessions {
		mark := " "
		if selected[i] {
			mark = "✓"
		}
		rows[i] = table.Row{
			mark,
			logsanitize.Clip(s.Identity(), 28),
			logsanitize.Clip(s.RealAddress, 22),
			logsanitize.Clip(s.ConnectedSince, 24),
			s.Key.String(),
		}
	}
	return rows
}

func (m PickerModel) Init() tea.Cmd {
	return nil
}

// Selected returns the chosen sessions in table order.
func (m PickerModel) Selected() []status.Session {
	var out []status.Session
	for i, s := range m.sessions {
		if m.selected[i] {
			out = append(out, s)
		}
	}
	return out
}

// Aborted reports whether the operator backed out without confirming.
func (m PickerModel) Aborted() bool {
	return m.aborted
}
