// Package match filters parsed daemon sessions against a set of requested
// usernames, producing the worklist for the kill phase.
package match

import "github.com/vpnops/openvpn-session-kill/internal/status"

// Result is the outcome of matching one session list against one request.
type Result struct {
	// Matched holds the sessions whose identity is in the requested set,
	// in the order the daemon listed them.
	Matched []status.Session

	// Counts maps every requested username to the number of sessions it
	// matched. Usernames with zero matches are present with a zero value.
	Counts map[string]int

	// Requested preserves the request order with duplicates removed.
	Requested []string
}

// Sessions matches sessions against the requested usernames. Comparison is
// case-sensitive and exact: account names come from an identity provider and
// folding them would conflate distinct principals. Sessions with an empty
// identity never match anything. The filter is pure and order-preserving.
func Sessions(sessions []status.Session, usernames []string) Result {
	res := Result{
		Counts:    make(map[string]int, len(usernames)),
		Requested: make([]string, 0, len(usernames)),
	}
	for _, name := range usernames {
		if name == "" {
			continue
		}
		if _, seen := res.Counts[name]; seen {
			continue
		}
		res.Counts[name] = 0
		res.Requested = append(res.Requested, name)
	}

	for _, s := range sessions {
		id := s.Identity()
		if id == "" {
			continue
		}
		if _, want := res.Counts[id]; !want {
			continue
		}
		res.Counts[id]++
		res.Matched = append(res.Matched, s)
	}
	return res
}

// Unmatched returns the requested usernames that matched no session, in
// request order. An unmatched name is not an error: the user may already
// be disconnected.
func (r Result) Unmatched() []string {
	var out []string
	for _, name := range r.Requested {
		if r.Counts[name] == 0 {
			out = append(out, name)
		}
	}
	return out
}
