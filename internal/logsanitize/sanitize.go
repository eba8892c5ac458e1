// Package logsanitize provides helpers for sanitizing untrusted values before logging.
//
// Common names, usernames and error text all originate from the daemon
// or from remote VPN clients and may carry control characters.
package logsanitize

import "strings"

// Sanitize removes control characters from log field values to reduce
// the risk of log injection (CWE-117).
//
// Stripped ranges:
//   - C0 controls 0x00-0x1F (except horizontal tab 0x09)
//   - DEL 0x7F and C1 controls 0x80-0x9F
func Sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		if r < 0x20 && r != '\t' {
			return '_'
		}
		if r >= 0x7f && r <= 0x9f {
			return '_'
		}
		return r
	}, s)
}

// Clip sanitizes s and shortens it to at most max runes, appending an
// ellipsis when truncated. Daemon error lines have no length contract.
func Clip(s string, max int) string {
	s = Sanitize(s)
	if max <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}
