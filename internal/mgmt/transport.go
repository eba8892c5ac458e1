// Package mgmt speaks the OpenVPN management interface: a line-oriented
// text protocol over a local stream socket.
//
// Replies are single lines marked "SUCCESS:" or "ERROR:", or multi-line
// blocks closed by a line reading "END". Asynchronous realtime notices
// (">LOG:", ">CLIENT:", ...) may arrive between replies and carry a ">"
// prefix. One reply breaks the rule: the password challenge arrives as
// "ENTER PASSWORD:" with no trailing newline.
package mgmt

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// passwordPrompt is the unterminated challenge line. The scanner must
// surface it as its own token or the read would stall until deadline.
const passwordPrompt = "ENTER PASSWORD:"

// maxLineLen bounds one reply line. Status rows are far below this;
// anything larger means framing is lost.
const maxLineLen = 64 * 1024

// Transport owns the byte stream to one management endpoint and frames
// it into lines. It carries no protocol knowledge and no retry logic;
// retries belong to the orchestration layer.
type Transport struct {
	conn      net.Conn
	sc        *bufio.Scanner
	ioTimeout time.Duration

	closeOnce sync.Once
	closeErr  error
}

// Dial connects to a management endpoint. network is "unix" or "tcp".
// The context and dialTimeout bound connection establishment only;
// ioTimeout governs each subsequent read and write.
func Dial(ctx context.Context, network, address string, dialTimeout, ioTimeout time.Duration) (*Transport, error) {
	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, &ConnectError{Endpoint: address, Err: err}
	}

	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 0, 4096), maxLineLen)
	sc.Split(scanReplyLines)

	return &Transport{conn: conn, sc: sc, ioTimeout: ioTimeout}, nil
}

// scanReplyLines is bufio.ScanLines plus one exception: when the buffer
// ends with the password challenge and holds no newline, the challenge
// is emitted immediately.
func scanReplyLines(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		return i + 1, dropCR(data[:i]), nil
	}
	if bytes.HasSuffix(data, []byte(passwordPrompt)) {
		return len(data), data, nil
	}
	if atEOF {
		return len(data), dropCR(data), nil
	}
	return 0, nil, nil
}

func dropCR(data []byte) []byte {
	if len(data) > 0 && data[len(data)-1] == '\r' {
		return data[:len(data)-1]
	}
	return data
}

// ReadLine returns the next reply line without its terminator. Returns
// io.EOF once the daemon closes the stream.
func (t *Transport) ReadLine() (string, error) {
	if t.ioTimeout > 0 {
		if err := t.conn.SetReadDeadline(time.Now().Add(t.ioTimeout)); err != nil {
			return "", fmt.Errorf("failed to set read deadline: %w", err)
		}
	}
	if t.sc.Scan() {
		return t.sc.Text(), nil
	}
	if err := t.sc.Err(); err != nil {
		return "", fmt.Errorf("read: %w", err)
	}
	return "", io.EOF
}

// WriteLine sends one command line; the newline is appended here. The
// line is never echoed into errors, since it may be the password.
func (t *Transport) WriteLine(line string) error {
	if t.ioTimeout > 0 {
		if err := t.conn.SetWriteDeadline(time.Now().Add(t.ioTimeout)); err != nil {
			return fmt.Errorf("failed to set write deadline: %w", err)
		}
	}
	if _, err := t.conn.Write([]byte(line + "\n")); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

// Close releases the connection. Safe to call more than once.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() { t.closeErr = t.conn.Close() })
	return t.closeErr
}

// SetTimeout replaces the per-operation I/O deadline.
func (t *Transport) SetTimeout(d time.Duration) {
	t.ioTimeout = d
}
