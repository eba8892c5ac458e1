package tui

import (
	tea "github.com/charmbracelet/bubbletea"
)

func (m PickerModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			m.aborted = true
			return m, tea.Quit
		case " ":
			i := m.table.Cursor()
			if i >= 0 && i < len(m.sessions) {
				m.selected[i] = !m.selected[i]
				m.table.SetRows(buildRows(m.sessions, m.selected))
			}
			return m, nil
		case "enter":
			m.confirmed = true
			return m, tea.Quit
		}
	}

	m.table, cmd = m.table.Update(msg)
	return m, cmd
}
