package tui

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#8B2323")).
			Padding(0, 1)

	hintStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))
)

func (m PickerModel) View() string {
	title := titleStyle.Render(fmt.Sprintf("Select sessions to kill on %s", m.endpoint))
	hint := hintStyle.Render("space: toggle  enter: confirm  q/esc: abort")
	return lipgloss.JoinVertical(lipgloss.Left, title, m.table.View(), hint)
}
