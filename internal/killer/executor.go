package killer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/time/rate"

	"github.com/vpnops/openvpn-session-kill/internal/logsanitize"
	"github.com/vpnops/openvpn-session-kill/internal/mgmt"
	"github.com/vpnops/openvpn-session-kill/internal/status"
)

// OutcomeStatus classifies one session's kill result.
type OutcomeStatus string

const (
	StatusKilled   OutcomeStatus = "killed"
	StatusNotFound OutcomeStatus = "not_found"
	StatusFailed   OutcomeStatus = "failed"
	StatusSkipped  OutcomeStatus = "skipped"
)

// Outcome records what happened to one matched session.
type Outcome struct {
	Key         status.SessionKey `json:"key"`
	Target      string            `json:"target"`
	Username    string            `json:"username,omitempty"`
	RealAddress string            `json:"real_address"`
	Status      OutcomeStatus     `json:"status"`
	Detail      string            `json:"detail,omitempty"`
}

// Executor walks a kill worklist over one management connection, strictly
// one command in flight at a time. Per-session daemon errors are recorded
// and never stop the batch; a transport failure marks the remainder Failed
// and is returned to the caller, since the protocol state is unknown.
type Executor struct {
	client  *mgmt.Client
	limiter *rate.Limiter
	noop    bool
	log     *slog.Logger
}

// NewExecutor wires an executor to an authenticated client. limiter may be
// nil for unpaced kills. In noop mode every kill command is replaced by a
// harmless version query, matching what the daemon would see apart from the
// kill itself.
func NewExecutor(client *mgmt.Client, limiter *rate.Limiter, noop bool, log *slog.Logger) *Executor {
	if log == nil {
		log = slog.Default()
	}
	return &Executor{client: client, limiter: limiter, noop: noop, log: log}
}

// Execute issues one kill per session and classifies each reply. The outcome
// count always equals len(sessions): when the stream dies mid-batch, the
// unattempted remainder is recorded as Failed before the error is returned.
func (e *Executor) Execute(ctx context.Context, sessions []status.Session) ([]Outcome, error) {
	outcomes := make([]Outcome, 0, len(sessions))
	for i, s := range sessions {
		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				return e.abort(outcomes, sessions[i:], fmt.Sprintf("aborted: %v", err)), err
			}
		}
		out, err := e.killOne(s)
		outcomes = append(outcomes, out)
		if err != nil {
			return e.abort(outcomes, sessions[i+1:], fmt.Sprintf("aborted: %v", err)), err
		}
	}
	return outcomes, nil
}

func (e *Executor) killOne(s status.Session) (Outcome, error) {
	out := Outcome{
		Key:         s.Key,
		Target:      s.Identity(),
		Username:    s.Username,
		RealAddress: s.RealAddress,
	}
	cmd := killCommand(s.Key)

	if e.noop {
		if _, err := e.client.Version(); err != nil {
			out.Status = StatusFailed
			out.Detail = err.Error()
			return out, err
		}
		out.Status = StatusSkipped
		out.Detail = "noop: would send " + cmd
		e.log.Info("noop, kill skipped",
			"target", logsanitize.Clip(out.Target, 80),
			"command", cmd,
		)
		return out, nil
	}

	reply, err := e.client.Command(cmd)
	if err != nil {
		out.Status = StatusFailed
		out.Detail = err.Error()
		return out, err
	}

	switch {
	case mgmt.IsSuccess(reply):
		out.Status = StatusKilled
		e.log.Info("session killed",
			"target", logsanitize.Clip(out.Target, 80),
			"key", s.Key.String(),
		)
	case isNotFound(reply):
		out.Status = StatusNotFound
		out.Detail = logsanitize.Clip(mgmt.ErrorText(reply), 200)
		e.log.Info("session already gone",
			"target", logsanitize.Clip(out.Target, 80),
			"key", s.Key.String(),
		)
	default:
		out.Status = StatusFailed
		out.Detail = logsanitize.Clip(mgmt.ErrorText(reply), 200)
		e.log.Warn("kill refused by daemon",
			"target", logsanitize.Clip(out.Target, 80),
			"key", s.Key.String(),
			"detail", out.Detail,
		)
	}
	return out, nil
}

// abort records the sessions that never got their kill command.
func (e *Executor) abort(outcomes []Outcome, rest []status.Session, detail string) []Outcome {
	for _, s := range rest {
		outcomes = append(outcomes, Outcome{
			Key:         s.Key,
			Target:      s.Identity(),
			Username:    s.Username,
			RealAddress: s.RealAddress,
			Status:      StatusFailed,
			Detail:      detail,
		})
	}
	return outcomes
}

// killCommand picks the daemon verb from the session key tag. The switch is
// exhaustive over KeyKind so a new key form cannot silently fall through to
// the wrong kill.
func killCommand(key status.SessionKey) string {
	switch key.Kind {
	case status.KeyClientID:
		return fmt.Sprintf("client-kill %d", key.ClientID)
	case status.KeyRealAddress:
		return "kill " + key.RealAddress
	default:
		panic(fmt.Sprintf("unknown session key kind %d", key.Kind))
	}
}

// isNotFound reports whether a daemon error line means the session vanished
// between listing and killing. That race is expected, not a failure.
func isNotFound(reply string) bool {
	text := strings.ToLower(reply)
	return strings.Contains(text, "not found") || strings.Contains(text, "no such")
}
