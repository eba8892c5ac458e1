// Package killer drives the whole disconnect run: connect, authenticate,
// list, match, kill, report. One orchestrator owns one management
// connection; the protocol is synchronous, so everything on that connection
// happens on a single logical thread of control.
package killer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/vpnops/openvpn-session-kill/internal/logsanitize"
	"github.com/vpnops/openvpn-session-kill/internal/match"
	"github.com/vpnops/openvpn-session-kill/internal/mgmt"
	"github.com/vpnops/openvpn-session-kill/internal/policy"
	"github.com/vpnops/openvpn-session-kill/internal/status"
)

// Options configures one run against one management endpoint.
type Options struct {
	Endpoint      string // display name for logs, reports and the audit trail
	Network       string // "unix" or "tcp"
	Address       string
	Password      string // management password, empty when the endpoint has none
	StatusVersion int    // status format 1, 2 or 3; 0 means 2

	// Targets are the usernames to disconnect. Ignored when SweepSource is
	// set: then every connected identity is checked against the source and
	// the disallowed ones become the worklist.
	Targets     []string
	SweepSource policy.Source

	DialTimeout  time.Duration
	IOTimeout    time.Duration
	Retries      int // connect retries after the first attempt
	RetryBackoff time.Duration

	KillRate  float64 // kill commands per second, 0 = unpaced
	KillBurst int
	Noop      bool
	Log       *slog.Logger
}

func (o Options) mode() string {
	if o.SweepSource != nil {
		return ModeSweep
	}
	return ModeExplicit
}

// Orchestrator runs the disconnect state machine for a single endpoint.
type Orchestrator struct {
	opts Options
	log  *slog.Logger
}

func New(opts Options) *Orchestrator {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{opts: opts, log: log.With("endpoint", opts.Endpoint)}
}

// Run executes one full pass and always returns a report: either terminal
// state Done with a complete outcome list, or Failed with a reason and
// whatever was gathered before the abort. Per-session daemon refusals are
// data in the report and never fail the run.
func (o *Orchestrator) Run(ctx context.Context) *Report {
	rep := newReport(o.opts.Endpoint, o.opts.mode(), o.opts.Noop)
	rep.StartedAt = time.Now().UTC()
	defer func() {
		rep.FinishedAt = time.Now().UTC()
		rep.Tally()
		o.log.Info("run finished",
			"run_id", rep.RunID,
			"state", string(rep.State),
			"killed", rep.Killed,
			"not_found", rep.NotFound,
			"failed", rep.Failed,
			"skipped", rep.Skipped,
		)
	}()

	fail := func(format string, args ...any) *Report {
		reason := fmt.Sprintf(format, args...)
		o.log.Error("run failed", "run_id", rep.RunID, "during", string(rep.State), "reason", reason)
		rep.State = StateFailed
		rep.Reason = reason
		return rep
	}

	if err := o.advance(ctx, rep, StateConnecting); err != nil {
		return fail("cancelled: %v", err)
	}
	client, err := o.connect(ctx)
	if err != nil {
		return fail("connect: %v", err)
	}
	defer func() { _ = client.Quit() }()

	if err := o.advance(ctx, rep, StateAuthenticating); err != nil {
		return fail("cancelled: %v", err)
	}
	if err := client.Handshake(o.opts.Password); err != nil {
		return fail("authenticate: %v", err)
	}

	if err := o.advance(ctx, rep, StateListing); err != nil {
		return fail("cancelled: %v", err)
	}
	lines, err := client.BlockCommand(statusCommand(o.opts.StatusVersion))
	if err != nil {
		return fail("list sessions: %v", err)
	}
	parsed := status.Parse(lines)
	rep.SessionsListed = len(parsed.Sessions)
	rep.ParseWarnings = parsed.Warnings
	for _, w := range parsed.Warnings {
		o.log.Warn("unparsable status line", "line", w.Line, "reason", w.Reason)
	}
	o.log.Info("sessions listed", "count", len(parsed.Sessions), "warnings", len(parsed.Warnings))

	if err := o.advance(ctx, rep, StateMatching); err != nil {
		return fail("cancelled: %v", err)
	}
	targets := o.opts.Targets
	if o.opts.SweepSource != nil {
		targets, err = o.sweepTargets(ctx, parsed.Sessions)
		if err != nil {
			return fail("policy sweep: %v", err)
		}
	}
	res := match.Sessions(parsed.Sessions, targets)
	rep.Requested = res.Requested
	rep.MatchCounts = res.Counts
	o.log.Info("sessions matched", "requested", len(res.Requested), "matched", len(res.Matched))

	if err := o.advance(ctx, rep, StateKilling); err != nil {
		return fail("cancelled: %v", err)
	}
	exec := NewExecutor(client, o.killLimiter(), o.opts.Noop, o.log)
	outcomes, err := exec.Execute(ctx, res.Matched)
	rep.Outcomes = outcomes
	if err != nil {
		return fail("kill batch: %v", err)
	}

	if err := o.advance(ctx, rep, StateReporting); err != nil {
		return fail("cancelled: %v", err)
	}
	rep.State = StateDone
	return rep
}

// advance moves the run to the next state. Cancellation is honored only
// here, between states, so an in-flight daemon command always completes.
func (o *Orchestrator) advance(ctx context.Context, rep *Report, next State) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rep.State = next
	o.log.Debug("state", "state", string(next))
	return nil
}

// connect dials the endpoint, retrying only genuine connection failures a
// bounded number of times. Anything else is fatal on first sight.
func (o *Orchestrator) connect(ctx context.Context) (*mgmt.Client, error) {
	for attempt := 0; ; attempt++ {
		tr, err := mgmt.Dial(ctx, o.opts.Network, o.opts.Address, o.opts.DialTimeout, o.opts.IOTimeout)
		if err == nil {
			if attempt > 0 {
				o.log.Info("connected after retry", "attempts", attempt+1)
			}
			return mgmt.NewClient(tr, o.log), nil
		}
		var ce *mgmt.ConnectError
		if !errors.As(err, &ce) || attempt >= o.opts.Retries {
			return nil, err
		}
		o.log.Warn("connect failed, will retry",
			"attempt", attempt+1,
			"backoff", o.opts.RetryBackoff.String(),
			"error", err,
		)
		select {
		case <-time.After(o.opts.RetryBackoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// sweepTargets asks the policy source about every connected identity and
// returns the ones no longer allowed, in first-seen order. One lookup per
// distinct identity.
func (o *Orchestrator) sweepTargets(ctx context.Context, sessions []status.Session) ([]string, error) {
	seen := make(map[string]bool)
	var targets []string
	for _, s := range sessions {
		id := s.Identity()
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		allowed, err := o.opts.SweepSource.AllowedToVPN(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("lookup %s: %w", logsanitize.Clip(id, 80), err)
		}
		if allowed {
			continue
		}
		o.log.Info("user no longer entitled to VPN", "user", logsanitize.Clip(id, 80))
		targets = append(targets, id)
	}
	return targets, nil
}

func (o *Orchestrator) killLimiter() *rate.Limiter {
	if o.opts.KillRate <= 0 {
		return nil
	}
	burst := o.opts.KillBurst
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(o.opts.KillRate), burst)
}

// statusCommand maps the configured status format version to its verb.
func statusCommand(version int) string {
	switch version {
	case 1:
		return mgmt.CommandStatus
	case 3:
		return mgmt.CommandStatus3
	default:
		return mgmt.CommandStatus2
	}
}
