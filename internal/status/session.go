// Package status parses OpenVPN status reports into session records.
package status

import "fmt"

// KeyKind selects the kill form a session key targets.
type KeyKind int

const (
	// KeyClientID targets the daemon-assigned client ID via
	// "client-kill <CID>". Status versions 2 and 3 report it.
	KeyClientID KeyKind = iota

	// KeyRealAddress targets the client's source endpoint via
	// "kill <host:port>". The only handle status version 1 provides.
	KeyRealAddress
)

// SessionKey identifies one connected client for a kill directive.
// Exactly one carrier field is meaningful, selected by Kind. Keys are
// only valid against the status listing they were parsed from: the
// daemon reuses client IDs and clients reconnect from new ports.
type SessionKey struct {
	Kind        KeyKind
	ClientID    uint64
	RealAddress string
}

// ByID returns a key targeting a daemon-assigned client ID.
func ByID(id uint64) SessionKey {
	return SessionKey{Kind: KeyClientID, ClientID: id}
}

// ByAddress returns a key targeting the client's real address.
func ByAddress(addr string) SessionKey {
	return SessionKey{Kind: KeyRealAddress, RealAddress: addr}
}

func (k SessionKey) String() string {
	switch k.Kind {
	case KeyClientID:
		return fmt.Sprintf("cid=%d", k.ClientID)
	case KeyRealAddress:
		return "addr=" + k.RealAddress
	default:
		return fmt.Sprintf("kind=%d", int(k.Kind))
	}
}

// undefName is the placeholder the daemon reports for clients that have
// not completed authentication.
const undefName = "UNDEF"

// Session is one live client connection as reported by the daemon.
type Session struct {
	// Key is the handle a kill directive must use for this session.
	Key SessionKey `json:"key"`

	// CommonName is the certificate common name, or "UNDEF" for
	// half-connected clients.
	CommonName string `json:"common_name"`

	// Username is the name the client authenticated with. Reported by
	// status versions 2 and 3 only, and empty on servers that
	// authenticate by certificate alone.
	Username string `json:"username,omitempty"`

	// RealAddress is the client's source endpoint (host:port).
	RealAddress string `json:"real_address"`

	// VirtualAddress is the address assigned inside the tunnel, if any.
	VirtualAddress string `json:"virtual_address,omitempty"`

	BytesReceived uint64 `json:"bytes_received"`
	BytesSent     uint64 `json:"bytes_sent"`

	// ConnectedSince holds the daemon's connection timestamp verbatim.
	ConnectedSince string `json:"connected_since"`

	// ConnectedSinceUnix is the time_t form when the report carries one.
	ConnectedSinceUnix int64 `json:"connected_since_unix,omitempty"`
}

// Identity returns the name this session is accountable to: the
// username when the daemon reports a real one, else the certificate
// common name. Empty for half-connected clients, which must never be
// matched or killed by name.
func (s Session) Identity() string {
	if s.Username != "" && s.Username != undefName {
		return s.Username
	}
	if s.CommonName != "" && s.CommonName != undefName {
		return s.CommonName
	}
	return ""
}

// MarshalJSON renders the key as its target string ("cid=7",
// "addr=host:port") rather than the raw union fields.
func (k SessionKey) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf("%q", k.String())), nil
}
