package mgmt

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/vpnops/openvpn-session-kill/internal/logsanitize"
)

// Reply markers and commands defined by the management interface. The
// status variants select the report format: 1 is the legacy sectioned
// listing, 2 is comma-delimited, 3 is tab-delimited.
const (
	successPrefix  = "SUCCESS:"
	errorPrefix    = "ERROR:"
	realtimePrefix = ">"
	endMarker      = "END"

	CommandStatus  = "status"
	CommandStatus2 = "status 2"
	CommandStatus3 = "status 3"
	CommandVersion = "version"
	commandQuit    = "quit"
)

// Client speaks the management protocol over a Transport. Calls are
// strictly request/response on a single stream; the client is not safe
// for concurrent use.
type Client struct {
	tr  *Transport
	log *slog.Logger
}

// NewClient wraps an established transport.
func NewClient(tr *Transport, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{tr: tr, log: log}
}

// Handshake consumes the daemon's greeting and answers the password
// challenge when one is presented. password may be empty for
// unauthenticated endpoints; a challenge then fails with ErrAuth.
func (c *Client) Handshake(password string) error {
	line, err := c.tr.ReadLine()
	if err != nil {
		return fmt.Errorf("reading greeting: %w", err)
	}
	if strings.HasSuffix(line, passwordPrompt) {
		return c.answerChallenge(password)
	}
	if strings.HasPrefix(line, realtimePrefix) {
		// Unauthenticated endpoints greet with an >INFO banner.
		c.log.Debug("management greeting", "banner", logsanitize.Sanitize(line))
		return nil
	}
	return &ProtocolError{Command: "greeting", DaemonMessage: line}
}

func (c *Client) answerChallenge(password string) error {
	if password == "" {
		return fmt.Errorf("endpoint requires a password: %w", ErrAuth)
	}
	if err := c.tr.WriteLine(password); err != nil {
		return fmt.Errorf("sending password: %w", err)
	}
	line, err := c.tr.ReadLine()
	if err != nil {
		// A wrong password makes the daemon drop the stream instead
		// of answering.
		if errors.Is(err, io.EOF) {
			return ErrAuth
		}
		return fmt.Errorf("reading password reply: %w", err)
	}
	if !strings.HasPrefix(line, successPrefix) {
		return fmt.Errorf("%w: %s", ErrAuth, logsanitize.Clip(line, 120))
	}
	return nil
}

// Command sends a single-line command and returns the daemon's one-line
// reply, which is either a SUCCESS: or an ERROR: line. Realtime notices
// interleaved with the reply are skipped. Any other line means framing
// is lost and yields a ProtocolError.
func (c *Client) Command(cmd string) (string, error) {
	if err := c.tr.WriteLine(cmd); err != nil {
		return "", fmt.Errorf("%s: %w", cmd, err)
	}
	for {
		line, err := c.tr.ReadLine()
		if err != nil {
			return "", fmt.Errorf("%s: %w", cmd, err)
		}
		if strings.HasPrefix(line, realtimePrefix) {
			c.log.Debug("realtime notice skipped", "notice", logsanitize.Clip(line, 120))
			continue
		}
		if strings.HasPrefix(line, successPrefix) || strings.HasPrefix(line, errorPrefix) {
			return line, nil
		}
		return "", &ProtocolError{Command: cmd, DaemonMessage: line}
	}
}

// BlockCommand sends a command answered by a multi-line block closed by
// an END line and returns the payload without the terminator. An ERROR:
// line in place of the block carries the daemon's message; EOF before
// END reports truncation. Either way the connection is done for.
func (c *Client) BlockCommand(cmd string) ([]string, error) {
	if err := c.tr.WriteLine(cmd); err != nil {
		return nil, fmt.Errorf("%s: %w", cmd, err)
	}
	var payload []string
	for {
		line, err := c.tr.ReadLine()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, &ProtocolError{Command: cmd, Truncated: true}
			}
			return nil, fmt.Errorf("%s: %w", cmd, err)
		}
		switch {
		case strings.HasPrefix(line, realtimePrefix):
			c.log.Debug("realtime notice skipped", "notice", logsanitize.Clip(line, 120))
		case line == endMarker:
			return payload, nil
		case len(payload) == 0 && strings.HasPrefix(line, errorPrefix):
			return nil, &ProtocolError{Command: cmd, DaemonMessage: line}
		default:
			payload = append(payload, line)
		}
	}
}

// Version asks the daemon for its version block. Useful as a harmless
// round trip that proves the connection is still alive.
func (c *Client) Version() (string, error) {
	lines, err := c.BlockCommand(CommandVersion)
	if err != nil {
		return "", err
	}
	return strings.Join(lines, "; "), nil
}

// Quit announces the end of the session and closes the transport.
// Errors from the quit exchange are ignored; the daemon may already
// have dropped the stream.
func (c *Client) Quit() error {
	_ = c.tr.WriteLine(commandQuit)
	return c.tr.Close()
}

// IsSuccess reports whether a reply line indicates success.
func IsSuccess(line string) bool {
	return strings.HasPrefix(line, successPrefix)
}

// ErrorText strips the ERROR: marker and surrounding space from a reply
// line. Lines without the marker come back trimmed but otherwise as is.
func ErrorText(line string) string {
	return strings.TrimSpace(strings.TrimPrefix(line, errorPrefix))
}
