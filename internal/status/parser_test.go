package status

import (
	"strings"
	"testing"
)

// statusV2 is a 2.4-series "status 2" payload with two authenticated
// clients, the routing table and global stats sections included.
var statusV2 = []string{
	"TITLE,OpenVPN 2.4.6 x86_64-redhat-linux-gnu [SSL (OpenSSL)] [LZO] [EPOLL] built on Apr 26 2018",
	"TIME,Thu Jun 14 08:22:01 2018,1528964521",
	"HEADER,CLIENT_LIST,Common Name,Real Address,Virtual Address,Virtual IPv6 Address,Bytes Received,Bytes Sent,Connected Since,Connected Since (time_t),Username,Client ID,Peer ID",
	"CLIENT_LIST,alice@example.com,198.51.100.23:55414,10.8.0.6,,139619,2767698,Thu Jun 14 07:42:56 2018,1528962176,alice@example.com,3,0",
	"CLIENT_LIST,bob@example.com,203.0.113.44:61330,10.8.0.8,,11905,4244,Thu Jun 14 08:01:13 2018,1528963273,bob@example.com,7,1",
	"HEADER,ROUTING_TABLE,Virtual Address,Common Name,Real Address,Last Ref,Last Ref (time_t)",
	"ROUTING_TABLE,10.8.0.6,alice@example.com,198.51.100.23:55414,Thu Jun 14 08:21:59 2018,1528964519",
	"ROUTING_TABLE,10.8.0.8,bob@example.com,203.0.113.44:61330,Thu Jun 14 08:21:44 2018,1528964504",
	"GLOBAL_STATS,Max bcast/mcast queue length,0",
}

// statusV1 is the legacy sectioned listing for the same two clients,
// plus a common name containing a comma.
var statusV1 = []string{
	"OpenVPN CLIENT LIST",
	"Updated,Thu Jun 14 08:22:01 2018",
	"Common Name,Real Address,Bytes Received,Bytes Sent,Connected Since",
	"alice@example.com,198.51.100.23:55414,139619,2767698,Thu Jun 14 07:42:56 2018",
	"bob@example.com,203.0.113.44:61330,11905,4244,Thu Jun 14 08:01:13 2018",
	"Doe, Jane,192.0.2.50:1042,100,200,Thu Jun 14 08:10:00 2018",
	"ROUTING TABLE",
	"Virtual Address,Common Name,Real Address,Last Ref",
	"10.8.0.6,alice@example.com,198.51.100.23:55414,Thu Jun 14 08:21:59 2018",
	"10.8.0.8,bob@example.com,203.0.113.44:61330,Thu Jun 14 08:21:44 2018",
	"GLOBAL STATS",
	"Max bcast/mcast queue length,0",
}

// toV3 converts comma-delimited payload lines to the tab-delimited
// form of "status 3".
func toV3(lines []string) []string {
	out := make([]string, len(lines))
	for i, line := range lines {
		out[i] = strings.ReplaceAll(line, ",", "\t")
	}
	return out
}

func TestParseV2(t *testing.T) {
	rep := Parse(statusV2)

	if len(rep.Warnings) != 0 {
		t.Fatalf("unexpected warnings: %+v", rep.Warnings)
	}
	if len(rep.Sessions) != 2 {
		t.Fatalf("got %d sessions, want 2", len(rep.Sessions))
	}

	alice := rep.Sessions[0]
	if alice.Key != ByID(3) {
		t.Errorf("alice key = %v, want %v", alice.Key, ByID(3))
	}
	if alice.Username != "alice@example.com" || alice.CommonName != "alice@example.com" {
		t.Errorf("alice names = %q/%q", alice.Username, alice.CommonName)
	}
	if alice.RealAddress != "198.51.100.23:55414" {
		t.Errorf("alice real address = %q", alice.RealAddress)
	}
	if alice.VirtualAddress != "10.8.0.6" {
		t.Errorf("alice virtual address = %q", alice.VirtualAddress)
	}
	if alice.BytesReceived != 139619 || alice.BytesSent != 2767698 {
		t.Errorf("alice counters = %d/%d", alice.BytesReceived, alice.BytesSent)
	}
	if alice.ConnectedSince != "Thu Jun 14 07:42:56 2018" {
		t.Errorf("alice connected since = %q", alice.ConnectedSince)
	}
	if alice.ConnectedSinceUnix != 1528962176 {
		t.Errorf("alice connected since unix = %d", alice.ConnectedSinceUnix)
	}

	bob := rep.Sessions[1]
	if bob.Key != ByID(7) {
		t.Errorf("bob key = %v, want %v", bob.Key, ByID(7))
	}
}

func TestParseV3(t *testing.T) {
	rep := Parse(toV3(statusV2))

	if len(rep.Warnings) != 0 {
		t.Fatalf("unexpected warnings: %+v", rep.Warnings)
	}
	if len(rep.Sessions) != 2 {
		t.Fatalf("got %d sessions, want 2", len(rep.Sessions))
	}
	if rep.Sessions[0].Key != ByID(3) || rep.Sessions[1].Key != ByID(7) {
		t.Errorf("keys = %v, %v", rep.Sessions[0].Key, rep.Sessions[1].Key)
	}
}

func TestParseV1(t *testing.T) {
	rep := Parse(statusV1)

	if len(rep.Warnings) != 0 {
		t.Fatalf("unexpected warnings: %+v", rep.Warnings)
	}
	// The routing table repeats both addresses; only the client list
	// section may produce sessions.
	if len(rep.Sessions) != 3 {
		t.Fatalf("got %d sessions, want 3", len(rep.Sessions))
	}

	alice := rep.Sessions[0]
	if alice.Key != ByAddress("198.51.100.23:55414") {
		t.Errorf("alice key = %v", alice.Key)
	}
	if alice.CommonName != "alice@example.com" {
		t.Errorf("alice common name = %q", alice.CommonName)
	}
	if alice.Username != "" {
		t.Errorf("version 1 has no username column, got %q", alice.Username)
	}
	if alice.BytesReceived != 139619 || alice.BytesSent != 2767698 {
		t.Errorf("alice counters = %d/%d", alice.BytesReceived, alice.BytesSent)
	}

	jane := rep.Sessions[2]
	if jane.CommonName != "Doe, Jane" {
		t.Errorf("comma in common name not preserved: %q", jane.CommonName)
	}
	if jane.RealAddress != "192.0.2.50:1042" {
		t.Errorf("jane real address = %q", jane.RealAddress)
	}
}

func TestParseHalfConnectedClient(t *testing.T) {
	payload := append(append([]string{}, statusV2...),
		"CLIENT_LIST,UNDEF,192.0.2.99:33181,,,14601,6969,Thu Jun 14 08:12:00 2018,1528963920,UNDEF,9,0",
	)
	rep := Parse(payload)

	if len(rep.Sessions) != 3 {
		t.Fatalf("got %d sessions, want 3", len(rep.Sessions))
	}
	kiddie := rep.Sessions[2]
	if kiddie.Identity() != "" {
		t.Errorf("half-connected client has identity %q, want empty", kiddie.Identity())
	}
	if kiddie.Key != ByID(9) {
		t.Errorf("kiddie key = %v, want %v", kiddie.Key, ByID(9))
	}
}

func TestParseHeaderDrivenColumns(t *testing.T) {
	// A daemon revision with a rearranged, shorter column set. Nothing
	// positional may be assumed once a HEADER row is present.
	payload := []string{
		"TITLE,OpenVPN 2.7.0",
		"HEADER,CLIENT_LIST,Client ID,Username,Real Address,Common Name",
		"CLIENT_LIST,42,dana@example.com,203.0.113.9:40100,dana-laptop",
	}
	rep := Parse(payload)

	if len(rep.Warnings) != 0 {
		t.Fatalf("unexpected warnings: %+v", rep.Warnings)
	}
	if len(rep.Sessions) != 1 {
		t.Fatalf("got %d Sessions, want 1", len(rep.Sessions))
	}
	sess := rep.Sessions[0]
	if sess.Key != ByID(42) {
		t.Errorf("key = %v, want %v", sess.Key, ByID(42))
	}
	if sess.Username != "dana@example.com" || sess.CommonName != "dana-laptop" {
		t.Errorf("names = %q/%q", sess.Username, sess.CommonName)
	}
	if sess.RealAddress != "203.0.113.9:40100" {
		t.Errorf("real address = %q", sess.RealAddress)
	}
}

func TestParseVersionedWithoutHeader(t *testing.T) {
	// Client rows before any HEADER row fall back to the 2.4 layout.
	payload := []string{
		"TITLE,OpenVPN 2.4.6",
		"CLIENT_LIST,alice@example.com,198.51.100.23:55414,10.8.0.6,,139619,2767698,Thu Jun 14 07:42:56 2018,1528962176,alice@example.com,3,0",
	}
	rep := Parse(payload)

	if len(rep.Sessions) != 1 {
		t.Fatalf("got %d sessions, want 1: %+v", len(rep.Sessions), rep.Warnings)
	}
	if rep.Sessions[0].Key != ByID(3) {
		t.Errorf("key = %v, want %v", rep.Sessions[0].Key, ByID(3))
	}
}

func TestParseMissingClientID(t *testing.T) {
	// Older daemons report no Client ID column; the real address is the
	// only kill handle then.
	payload := []string{
		"TITLE,OpenVPN 2.1.4",
		"HEADER,CLIENT_LIST,Common Name,Real Address,Virtual Address,Bytes Received,Bytes Sent,Connected Since,Connected Since (time_t)",
		"CLIENT_LIST,erin@example.com,192.0.2.10:51234,10.8.0.14,5,6,Thu Jun 14 08:00:00 2018,1528963200",
	}
	rep := Parse(payload)

	if len(rep.Sessions) != 1 {
		t.Fatalf("got %d sessions, want 1: %+v", len(rep.Sessions), rep.Warnings)
	}
	want := ByAddress("192.0.2.10:51234")
	if rep.Sessions[0].Key != want {
		t.Errorf("key = %v, want %v", rep.Sessions[0].Key, want)
	}
}

func TestParseMalformedLines(t *testing.T) {
	payload := []string{
		"TITLE,OpenVPN 2.4.6",
		"HEADER,CLIENT_LIST,Common Name,Real Address,Bytes Received,Bytes Sent,Connected Since,Client ID",
		"CLIENT_LIST,alice@example.com,198.51.100.23:55414,139619,2767698,Thu Jun 14 07:42:56 2018,3",
		"CLIENT_LIST,broken@example.com,203.0.113.1:1042,not-a-number,4244,Thu Jun 14 08:01:13 2018,7",
		"CLIENT_LIST,chopped@example.com",
		"CLIENT_LIST,bob@example.com,203.0.113.44:61330,11905,4244,Thu Jun 14 08:01:13 2018,8",
	}
	rep := Parse(payload)

	if len(rep.Sessions) != 2 {
		t.Fatalf("got %d sessions, want 2", len(rep.Sessions))
	}
	// Order of the surviving lines is preserved.
	if rep.Sessions[0].CommonName != "alice@example.com" || rep.Sessions[1].CommonName != "bob@example.com" {
		t.Errorf("sessions out of order: %q, %q", rep.Sessions[0].CommonName, rep.Sessions[1].CommonName)
	}

	if len(rep.Warnings) != 2 {
		t.Fatalf("got %d warnings, want 2: %+v", len(rep.Warnings), rep.Warnings)
	}
	if rep.Warnings[0].Line != 4 {
		t.Errorf("first warning line = %d, want 4", rep.Warnings[0].Line)
	}
	if !strings.Contains(rep.Warnings[0].Reason, "Bytes Received") {
		t.Errorf("first warning reason = %q", rep.Warnings[0].Reason)
	}
	if !strings.Contains(rep.Warnings[1].Reason, "Real Address") {
		t.Errorf("second warning reason = %q", rep.Warnings[1].Reason)
	}
}

func TestParseV1MalformedLine(t *testing.T) {
	payload := []string{
		"OpenVPN CLIENT LIST",
		"Updated,Thu Jun 14 08:22:01 2018",
		"Common Name,Real Address,Bytes Received,Bytes Sent,Connected Since",
		"alice@example.com,198.51.100.23:55414,139619,2767698,Thu Jun 14 07:42:56 2018",
		"garbage line without structure",
		"ROUTING TABLE",
	}
	rep := Parse(payload)

	if len(rep.Sessions) != 1 {
		t.Fatalf("got %d sessions, want 1", len(rep.Sessions))
	}
	if len(rep.Warnings) != 1 {
		t.Fatalf("got %d warnings, want 1", len(rep.Warnings))
	}
	if rep.Warnings[0].Line != 5 {
		t.Errorf("warning line = %d, want 5", rep.Warnings[0].Line)
	}
}

func TestParseEmptyPayload(t *testing.T) {
	rep := Parse(nil)
	if len(rep.Sessions) != 0 || len(rep.Warnings) != 0 {
		t.Errorf("empty payload produced %d sessions, %d warnings", len(rep.Sessions), len(rep.Warnings))
	}
}
