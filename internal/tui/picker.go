package tui

import (
	"errors"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/vpnops/openvpn-session-kill/internal/status"
)

// ErrAborted reports that the operator backed out of the picker.
var ErrAborted = errors.New("selection aborted")

// Pick shows the session table and returns the sessions the operator marked.
// An empty selection confirmed with enter is valid and yields no sessions.
func Pick(endpoint string, sessions []status.Session) ([]status.Session, error) {
	model := NewPickerModel(endpoint, sessions)
	if len(model.sessions) == 0 {
		return nil, nil
	}

	final, err := tea.NewProgram(model, tea.WithAltScreen()).Run()
	if err != nil {
		return nil, fmt.Errorf("failed to run session picker: %w", err)
	}
	picked, ok := final.(PickerModel)
	if !ok {
		return nil, fmt.Errorf("unexpected picker model type %T", final)
	}
	if picked.Aborted() {
		return nil, ErrAborted
	}
	return picked.Selected(), nil
}
