package killer

import (
	"time"

	"github.com/google/uuid"

	"github.com/vpnops/openvpn-session-kill/internal/status"
)

// State names the orchestrator's position in its run. Transitions are
// strictly forward; Done and Failed are terminal.
type State string

const (
	StateIdle           State = "idle"
	StateConnecting     State = "connecting"
	StateAuthenticating State = "authenticating"
	StateListing        State = "listing"
	StateMatching       State = "matching"
	StateKilling        State = "killing"
	StateReporting      State = "reporting"
	StateDone           State = "done"
	StateFailed         State = "failed"
)

// Run modes recorded in the report and the audit trail.
const (
	ModeExplicit = "explicit" // kill the usernames the caller named
	ModeSweep    = "sweep"    // kill every connected user the policy source disallows
)

// Report is the complete record of one run against one endpoint. It is built
// fresh per invocation and never persisted by this package; the daemon's
// session table is re-queried every time.
type Report struct {
	RunID      string    `json:"run_id"`
	Endpoint   string    `json:"endpoint"`
	Mode       string    `json:"mode"`
	Noop       bool      `json:"noop,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	State  State  `json:"state"`
	Reason string `json:"reason,omitempty"`

	// Requested preserves the deduplicated target order; in sweep mode it
	// holds the identities the policy source disallowed.
	Requested   []string       `json:"requested"`
	MatchCounts map[string]int `json:"match_counts,omitempty"`

	SessionsListed int              `json:"sessions_listed"`
	DaemonVersion  string           `json:"daemon_version,omitempty"`
	ParseWarnings  []status.Warning `json:"parse_warnings,omitempty"`

	Outcomes []Outcome `json:"outcomes"`

	Killed   int `json:"killed"`
	NotFound int `json:"not_found"`
	Failed   int `json:"failed"`
	Skipped  int `json:"skipped"`
}

func newReport(endpoint, mode string, noop bool) *Report {
	return &Report{
		RunID:    uuid.NewString(),
		Endpoint: endpoint,
		Mode:     mode,
		Noop:     noop,
		State:    StateIdle,
	}
}

// Tally recomputes the outcome counters. Called once the outcome list is
// final, so renderers and the audit trail can trust the counts.
func (r *Report) Tally() {
	r.Killed, r.NotFound, r.Failed, r.Skipped = 0, 0, 0, 0
	for _, out := range r.Outcomes {
		switch out.Status {
		case StatusKilled:
			r.Killed++
		case StatusNotFound:
			r.NotFound++
		case StatusFailed:
			r.Failed++
		case StatusSkipped:
			r.Skipped++
		}
	}
}

// Unmatched returns the requested usernames that matched no session, in
// request order.
func (r *Report) Unmatched() []string {
	var out []string
	for _, name := range r.Requested {
		if r.MatchCounts[name] == 0 {
			out = append(out, name)
		}
	}
	return out
}
