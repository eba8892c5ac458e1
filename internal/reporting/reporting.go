// Package reporting renders run reports, session listings and audit history
// for the CLI, and maps run results to process exit codes. The core packages
// never print; everything user-visible funnels through here.
package reporting

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"

	"github.com/vpnops/openvpn-session-kill/internal/audit"
	"github.com/vpnops/openvpn-session-kill/internal/killer"
	"github.com/vpnops/openvpn-session-kill/internal/logsanitize"
)

// Exit codes returned by the CLI.
const (
	ExitSuccess = 0 // run completed, nothing failed
	ExitError   = 1 // a run aborted before completing
	ExitPartial = 2 // run completed but some kills failed
	ExitConfig  = 3 // configuration or usage error
)

// ExitCode maps one run's terminal state to a process exit code. NotFound
// and Skipped outcomes count as success: nothing to kill is not a failure.
func ExitCode(rep *killer.Report) int {
	if rep.State != killer.StateDone {
		return ExitError
	}
	if rep.Failed > 0 {
		return ExitPartial
	}
	return ExitSuccess
}

// CombinedExitCode aggregates several endpoints' runs. The worst result
// wins; an aborted run outranks partial kill failures.
func CombinedExitCode(reps []*killer.Report) int {
	code := ExitSuccess
	for _, rep := range reps {
		switch ExitCode(rep) {
		case ExitError:
			return ExitError
		case ExitPartial:
			code = ExitPartial
		}
	}
	return code
}

// WriteReportTable renders one run for humans. Daemon-originated strings
// pass through logsanitize so a hostile common name cannot drive the
// terminal.
func WriteReportTable(w io.Writer, rep *killer.Report) error {
	fmt.Fprintf(w, "endpoint %s: %s", rep.Endpoint, rep.State)
	if rep.Reason != "" {
		fmt.Fprintf(w, " (%s)", logsanitize.Clip(rep.Reason, 120))
	}
	if rep.Noop {
		fmt.Fprint(w, " [noop]")
	}
	fmt.Fprintf(w, "\n  sessions %d, killed %d, not found %d, failed %d, skipped %d\n",
		rep.SessionsListed, rep.Killed, rep.NotFound, rep.Failed, rep.Skipped)

	if unmatched := rep.Unmatched(); len(unmatched) > 0 {
		clipped := make([]string, len(unmatched))
		for i, name := range unmatched {
			clipped[i] = logsanitize.Clip(name, 48)
		}
		fmt.Fprintf(w, "  no session for: %s\n", strings.Join(clipped, ", "))
	}

	if len(rep.Outcomes) == 0 {
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "  TARGET\tREAL ADDRESS\tKEY\tSTATUS\tDETAIL")
	for _, out := range rep.Outcomes {
		fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\t%s\n",
			logsanitize.Clip(out.Target, 48),
			logsanitize.Sanitize(out.RealAddress),
			out.Key,
			out.Status,
			logsanitize.Clip(out.Detail, 64),
		)
	}
	return tw.Flush()
}

// WriteSessionsTable lists one endpoint's live sessions.
func WriteSessionsTable(w io.Writer, list *killer.SessionList) error {
	fmt.Fprintf(w, "endpoint %s: %d session(s)", list.Endpoint, len(list.Sessions))
	if list.DaemonVersion != "" {
		fmt.Fprintf(w, " [%s]", logsanitize.Clip(list.DaemonVersion, 60))
	}
	fmt.Fprintln(w)
	if len(list.Warnings) > 0 {
		fmt.Fprintf(w, "  %d unparsable status line(s) skipped\n", len(list.Warnings))
	}
	if len(list.Sessions) == 0 {
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "  USER\tREAL ADDRESS\tVIRTUAL\tRX\tTX\tCONNECTED SINCE\tKEY")
	for _, s := range list.Sessions {
		user := s.Identity()
		if user == "" {
			user = "(half-connected)"
		}
		fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			logsanitize.Clip(user, 48),
			logsanitize.Sanitize(s.RealAddress),
			logsanitize.Sanitize(s.VirtualAddress),
			humanize.IBytes(s.BytesReceived),
			humanize.IBytes(s.BytesSent),
			logsanitize.Sanitize(s.ConnectedSince),
			s.Key,
		)
	}
	return tw.Flush()
}

// WriteHistoryTable lists recorded runs, newest first.
func WriteHistoryTable(w io.Writer, runs []audit.RunSummary) error {
	if len(runs) == 0 {
		_, err := fmt.Fprintln(w, "no recorded runs")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "STARTED\tENDPOINT\tMODE\tSTATE\tREQUESTED\tKILLED\tNOT FOUND\tFAILED\tSKIPPED")
	for _, r := range runs {
		mode := r.Mode
		if r.Noop {
			mode += "+noop"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%d\t%d\n",
			r.StartedAt.Format("2006-01-02 15:04:05"),
			r.Endpoint,
			mode,
			r.State,
			logsanitize.Clip(strings.Join(r.Requested, ","), 40),
			r.Killed, r.NotFound, r.Failed, r.Skipped,
		)
	}
	return tw.Flush()
}

// WriteReportsJSON emits the reports as an indented JSON array.
func WriteReportsJSON(w io.Writer, reps []*killer.Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(reps)
}

// WriteSessionsJSON emits session listings as an indented JSON array.
func WriteSessionsJSON(w io.Writer, lists []*killer.SessionList) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(lists)
}

// WriteReportFile writes the JSON report to path, owner-readable only:
// reports carry usernames and client addresses.
func WriteReportFile(path string, reps []*killer.Report) error {
	var buf bytes.Buffer
	if err := WriteReportsJSON(&buf, reps); err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("failed to write report file: %w", err)
	}
	return nil
}
