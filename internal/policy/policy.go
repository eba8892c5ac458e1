// Package policy decides whether a user is still entitled to hold a VPN
// session. Sweep runs consult a Source once per distinct connected identity
// and disconnect everyone it disallows.
package policy

import (
	"context"
	"log/slog"

	"github.com/vpnops/openvpn-session-kill/internal/logsanitize"
)

// Source answers whether a username is currently allowed to use the VPN.
type Source interface {
	AllowedToVPN(ctx context.Context, username string) (bool, error)
}

// Static is a list-backed source for air-gapped deployments and tests.
// A username on the denied list is disallowed. When an allowed list is
// present, only its members are allowed; with no allowed list, everyone
// not denied is.
type Static struct {
	allowed  map[string]bool
	denied   map[string]bool
	restrict bool
}

func NewStatic(allowed, denied []string) *Static {
	s := &Static{
		allowed:  make(map[string]bool, len(allowed)),
		denied:   make(map[string]bool, len(denied)),
		restrict: len(allowed) > 0,
	}
	for _, u := range allowed {
		s.allowed[u] = true
	}
	for _, u := range denied {
		s.denied[u] = true
	}
	return s
}

func (s *Static) AllowedToVPN(_ context.Context, username string) (bool, error) {
	if s.denied[username] {
		return false, nil
	}
	if s.restrict {
		return s.allowed[username], nil
	}
	return true, nil
}

type failOpen struct {
	src Source
	log *slog.Logger
}

// FailOpen wraps a source so lookup errors degrade to "allowed" instead of
// aborting the sweep. A user is never disconnected because the entitlement
// backend was unreachable.
func FailOpen(src Source, log *slog.Logger) Source {
	if log == nil {
		log = slog.Default()
	}
	return &failOpen{src: src, log: log}
}

func (f *failOpen) AllowedToVPN(ctx context.Context, username string) (bool, error) {
	allowed, err := f.src.AllowedToVPN(ctx, username)
	if err != nil {
		f.log.Warn("entitlement lookup failed, treating user as allowed",
			"user", logsanitize.Clip(username, 80),
			"error", err,
		)
		return true, nil
	}
	return allowed, nil
}
