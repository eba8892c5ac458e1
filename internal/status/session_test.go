package status

import "testing"

func TestIdentity(t *testing.T) {
	tests := []struct {
		name string
		sess Session
		want string
	}{
		{"username preferred", Session{Username: "alice@example.com", CommonName: "alice-laptop"}, "alice@example.com"},
		{"common name fallback", Session{CommonName: "bob@example.com"}, "bob@example.com"},
		{"undef username falls back", Session{Username: "UNDEF", CommonName: "carol@example.com"}, "carol@example.com"},
		{"half-connected client", Session{Username: "UNDEF", CommonName: "UNDEF"}, ""},
		{"no names at all", Session{}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.sess.Identity(); got != tt.want {
				t.Errorf("Identity() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSessionKeyString(t *testing.T) {
	if got := ByID(7).String(); got != "cid=7" {
		t.Errorf("ByID(7).String() = %q, want %q", got, "cid=7")
	}
	if got := ByAddress("198.51.100.23:55414").String(); got != "addr=198.51.100.23:55414" {
		t.Errorf("ByAddress().String() = %q, want %q", got, "addr=198.51.100.23:55414")
	}
}

func TestSessionKeyMarshalJSON(t *testing.T) {
	data, err := ByID(3).MarshalJSON()
	if err != nil {
		t.Fatalf("MarshalJSON failed: %v", err)
	}
	if string(data) != `"cid=3"` {
		t.Errorf("MarshalJSON = %s, want %q", data, `"cid=3"`)
	}
}
