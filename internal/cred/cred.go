// Package cred resolves the management password for an endpoint.
package cred

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/zalando/go-keyring"
	"golang.org/x/term"
)

const (
	// Service is the keyring service name shared by all endpoints.
	Service = "openvpn-session-kill"

	// EnvPassword supplies the password when no password file is
	// configured, for CI and one-off invocations.
	EnvPassword = "OVPN_KILL_MANAGEMENT_PASSWORD"
)

// Resolve finds the management password for an endpoint. Sources in order:
// the configured password file, the OVPN_KILL_MANAGEMENT_PASSWORD
// environment variable, the system keyring (keyed by endpoint name), and an
// interactive no-echo prompt when allowed and stdin is a terminal. An empty
// result is valid: management interfaces without a password exist.
func Resolve(passwordFile, endpoint string, allowPrompt bool) (string, error) {
	if passwordFile != "" {
		return readPasswordFile(passwordFile)
	}
	if pw := os.Getenv(EnvPassword); pw != "" {
		return pw, nil
	}

	// Keyring failures other than not-found count as absence too:
	// headless hosts have no secret service.
	if pw, err := keyring.Get(Service, endpoint); err == nil && pw != "" {
		return pw, nil
	}

	if allowPrompt && term.IsTerminal(int(os.Stdin.Fd())) {
		return Prompt(fmt.Sprintf("management password for %s: ", endpoint))
	}
	return "", nil
}

// Prompt reads a password from the terminal without echoing it.
func Prompt(label string) (string, error) {
	fmt.Fprint(os.Stderr, label)
	pw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return string(pw), nil
}

// Store saves an endpoint's password in the system keyring.
func Store(endpoint, password string) error {
	if err := keyring.Set(Service, endpoint, password); err != nil {
		return fmt.Errorf("failed to store password in keyring: %w", err)
	}
	return nil
}

// Clear removes an endpoint's password from the system keyring. Clearing a
// password that was never stored is not an error.
func Clear(endpoint string) error {
	err := keyring.Delete(Service, endpoint)
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("failed to clear password from keyring: %w", err)
	}
	return nil
}

func readPasswordFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read password file: %w", err)
	}
	pw := strings.TrimRight(string(data), "\r\n")
	if pw == "" {
		return "", fmt.Errorf("password file %s is empty", path)
	}
	return pw, nil
}
