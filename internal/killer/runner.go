package killer

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/vpnops/openvpn-session-kill/internal/status"
)

// RunAll runs one orchestrator per endpoint, at most limit at a time
// (limit <= 0 means no cap). Endpoints share nothing but the report slice;
// one endpoint failing never cancels another. The returned slice is in
// opts order.
func RunAll(ctx context.Context, opts []Options, limit int) []*Report {
	if len(opts) == 1 {
		return []*Report{New(opts[0]).Run(ctx)}
	}
	reports := make([]*Report, len(opts))
	var g errgroup.Group
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i, o := range opts {
		i, o := i, o
		g.Go(func() error {
			reports[i] = New(o).Run(ctx)
			return nil
		})
	}
	_ = g.Wait()
	return reports
}

// SessionList is a read-only snapshot of one endpoint's live sessions.
type SessionList struct {
	Endpoint      string           `json:"endpoint"`
	DaemonVersion string           `json:"daemon_version,omitempty"`
	Sessions      []status.Session `json:"sessions"`
	Warnings      []status.Warning `json:"warnings,omitempty"`
}

// ListSessions connects, authenticates and fetches the session table without
// touching any session. The sessions command and the interactive picker use
// this instead of a full run.
func ListSessions(ctx context.Context, opts Options) (*SessionList, error) {
	o := New(opts)
	client, err := o.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = client.Quit() }()

	if err := client.Handshake(opts.Password); err != nil {
		return nil, err
	}
	version, err := client.Version()
	if err != nil {
		return nil, err
	}
	lines, err := client.BlockCommand(statusCommand(opts.StatusVersion))
	if err != nil {
		return nil, err
	}
	parsed := status.Parse(lines)
	return &SessionList{
		Endpoint:      opts.Endpoint,
		DaemonVersion: version,
		Sessions:      parsed.Sessions,
		Warnings:      parsed.Warnings,
	}, nil
}
