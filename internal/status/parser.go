package status

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Report is the parsed form of one status payload.
type Report struct {
	// Sessions holds one record per well-formed client line, in the
	// order the daemon reported them.
	Sessions []Session

	// Warnings records client lines skipped as malformed. A corrupt
	// line never discards the rest of the listing.
	Warnings []Warning
}

// Warning describes one skipped payload line.
type Warning struct {
	// Line is the 1-based position within the payload.
	Line int

	// Text is the raw line. Sanitize before logging.
	Text string

	// Reason says why the line was skipped.
	Reason string
}

// Row tags and column names used by status versions 2 and 3. Version 2
// delimits fields with commas, version 3 with tabs; the tags and column
// names are identical.
const (
	tagTitle   = "TITLE"
	tagHeader  = "HEADER"
	tagClient  = "CLIENT_LIST"
	tagRouting = "ROUTING_TABLE"

	colCommonName         = "Common Name"
	colRealAddress        = "Real Address"
	colVirtualAddress     = "Virtual Address"
	colBytesReceived      = "Bytes Received"
	colBytesSent          = "Bytes Sent"
	colConnectedSince     = "Connected Since"
	colConnectedSinceUnix = "Connected Since (time_t)"
	colUsername           = "Username"
	colClientID           = "Client ID"
)

// Section and column headers of the version 1 report.
const (
	v1ClientsHeader = "OpenVPN CLIENT LIST"
	v1RoutingHeader = "ROUTING TABLE"
	v1StatsHeader   = "GLOBAL STATS"
	v1ColumnHeader  = "Common Name,Real Address,Bytes Received,Bytes Sent,Connected Since"
)

// defaultClientColumns is the CLIENT_LIST layout of 2.4-series daemons,
// used when a report carries client rows before any HEADER row.
var defaultClientColumns = map[string]int{
	colCommonName:          0,
	colRealAddress:         1,
	colVirtualAddress:      2,
	"Virtual IPv6 Address": 3,
	colBytesReceived:       4,
	colBytesSent:           5,
	colConnectedSince:      6,
	colConnectedSinceUnix:  7,
	colUsername:            8,
	colClientID:            9,
	"Peer ID":              10,
}

// v1ClientLine matches one client row of the version 1 report. The
// leading group is greedy so common names containing commas survive;
// the address pattern anchors the split.
var v1ClientLine = regexp.MustCompile(`^(.+),(\d{1,3}(?:\.\d{1,3}){3}:\d+),(\d+),(\d+),(.+)$`)

// Parse converts the payload of a status command into session records.
// The payload is the block body only; the END terminator must already
// be stripped. The format is detected from the payload itself: versions
// 2 and 3 open with a TITLE row, version 1 with a section banner.
func Parse(lines []string) *Report {
	for _, line := range lines {
		if strings.HasPrefix(line, tagTitle) {
			return parseVersioned(lines)
		}
	}
	return parseV1(lines)
}

// parseVersioned handles status versions 2 and 3. Column positions come
// from the HEADER,CLIENT_LIST row whenever the daemon sent one; nothing
// is assumed positional otherwise.
func parseVersioned(lines []string) *Report {
	rep := &Report{}
	var cols map[string]int

	for i, line := range lines {
		fields := splitRow(line)
		switch fields[0] {
		case tagHeader:
			if len(fields) > 1 && fields[1] == tagClient {
				cols = make(map[string]int, len(fields)-2)
				for idx, name := range fields[2:] {
					cols[name] = idx
				}
			}
		case tagClient:
			sess, err := clientFromFields(fields[1:], cols)
			if err != nil {
				rep.Warnings = append(rep.Warnings, Warning{Line: i + 1, Text: line, Reason: err.Error()})
				continue
			}
			rep.Sessions = append(rep.Sessions, sess)
		}
	}
	return rep
}

// splitRow splits one versioned report row. Rows containing a tab are
// version 3; everything else splits on commas.
func splitRow(line string) []string {
	if strings.ContainsRune(line, '\t') {
		return strings.Split(line, "\t")
	}
	return strings.Split(line, ",")
}

// clientFromFields builds a Session from the fields of a CLIENT_LIST
// row (tag removed). cols maps column names to field positions; nil
// selects the 2.4-series default layout.
func clientFromFields(fields []string, cols map[string]int) (Session, error) {
	if cols == nil {
		cols = defaultClientColumns
	}
	field := func(name string) string {
		idx, ok := cols[name]
		if !ok || idx >= len(fields) {
			return ""
		}
		return fields[idx]
	}
	number := func(name string) (uint64, error) {
		v := field(name)
		if v == "" {
			return 0, nil
		}
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("bad %s %q", name, v)
		}
		return n, nil
	}

	sess := Session{
		CommonName:     field(colCommonName),
		Username:       field(colUsername),
		RealAddress:    field(colRealAddress),
		VirtualAddress: field(colVirtualAddress),
		ConnectedSince: field(colConnectedSince),
	}
	if sess.RealAddress == "" {
		return Session{}, fmt.Errorf("missing %s", colRealAddress)
	}

	var err error
	if sess.BytesReceived, err = number(colBytesReceived); err != nil {
		return Session{}, err
	}
	if sess.BytesSent, err = number(colBytesSent); err != nil {
		return Session{}, err
	}
	if v := field(colConnectedSinceUnix); v != "" {
		sess.ConnectedSinceUnix, err = strconv.ParseInt(v, 10, 64)
		if err != nil {
			return Session{}, fmt.Errorf("bad %s %q", colConnectedSinceUnix, v)
		}
	}

	// Without a client ID the session can still be killed through its
	// real address.
	if v := field(colClientID); v != "" {
		id, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return Session{}, fmt.Errorf("bad %s %q", colClientID, v)
		}
		sess.Key = ByID(id)
	} else {
		sess.Key = ByAddress(sess.RealAddress)
	}
	return sess, nil
}

// parseV1 handles the legacy sectioned report. Only rows inside the
// client-list section are considered; the routing table repeats the
// same addresses and must not produce duplicate sessions.
func parseV1(lines []string) *Report {
	rep := &Report{}
	inClients := false

	for i, line := range lines {
		switch line {
		case v1ClientsHeader:
			inClients = true
			continue
		case v1RoutingHeader, v1StatsHeader:
			inClients = false
			continue
		}
		if !inClients || line == "" || line == v1ColumnHeader || strings.HasPrefix(line, "Updated,") {
			continue
		}

		m := v1ClientLine.FindStringSubmatch(line)
		if m == nil {
			rep.Warnings = append(rep.Warnings, Warning{Line: i + 1, Text: line, Reason: "unrecognized client line"})
			continue
		}
		br, _ := strconv.ParseUint(m[3], 10, 64)
		bs, _ := strconv.ParseUint(m[4], 10, 64)
		rep.Sessions = append(rep.Sessions, Session{
			Key:            ByAddress(m[2]),
			CommonName:     m[1],
			RealAddress:    m[2],
			BytesReceived:  br,
			BytesSent:      bs,
			ConnectedSince: m[5],
		})
	}
	return rep
}
