package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/vpnops/openvpn-session-kill/internal/config"
	"github.com/vpnops/openvpn-session-kill/internal/mgmt/mgmttest"
	"github.com/vpnops/openvpn-session-kill/internal/reporting"
)

func writeTestConfig(t *testing.T, path, network, address string) {
	t.Helper()

	data := fmt.Sprintf(`endpoints:
  - name: test
    network: %q
    address: %q
    status_version: 2
connect:
  dial_timeout: 2
  io_timeout: 2
  retries: 0
auth:
  allow_prompt: false
log:
  level: "error"
  format: "text"
`, network, address)

	if err := os.WriteFile(path, []byte(data), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
}

// resetFlags restores the command-level flag globals around a test.
func resetFlags(t *testing.T) {
	t.Helper()

	oldCfg := configFile
	oldExit := overrideExitCode
	oldEndpoints := endpointNames
	oldSocket := socketAddr
	oldOutput := outputFormat
	oldNoop := noop
	oldDisallowed := disallowed
	oldInteractive := interactive
	oldReportFile := reportFile
	t.Cleanup(func() {
		configFile = oldCfg
		overrideExitCode = oldExit
		endpointNames = oldEndpoints
		socketAddr = oldSocket
		outputFormat = oldOutput
		noop = oldNoop
		disallowed = oldDisallowed
		interactive = oldInteractive
		reportFile = oldReportFile
	})
	overrideExitCode = -1
	endpointNames = nil
	socketAddr = ""
	outputFormat = "table"
	noop = false
	disallowed = false
	interactive = false
	reportFile = ""
}

func TestRunCheckConfig_Valid(t *testing.T) {
	resetFlags(t)
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	writeTestConfig(t, cfgPath, "unix", "/run/openvpn/mgmt.sock")
	configFile = cfgPath

	if err := runCheckConfig(nil, nil); err != nil {
		t.Fatalf("runCheckConfig failed: %v", err)
	}
	if overrideExitCode != -1 {
		t.Fatalf("overrideExitCode = %d, want -1 (unset)", overrideExitCode)
	}
}

func TestRunCheckConfig_Invalid(t *testing.T) {
	resetFlags(t)
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")

	// Endpoint without an address
	data := `endpoints:
  - name: broken
    network: unix
log:
  level: "info"
  format: "text"
`
	if err := os.WriteFile(cfgPath, []byte(data), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	configFile = cfgPath

	if err := runCheckConfig(nil, nil); err != nil {
		t.Fatalf("runCheckConfig returned unexpected error: %v", err)
	}
	if overrideExitCode != reporting.ExitConfig {
		t.Fatalf("overrideExitCode = %d, want %d (ExitConfig)", overrideExitCode, reporting.ExitConfig)
	}
}

func TestRunKill_UsageErrors(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	writeTestConfig(t, cfgPath, "unix", "/run/openvpn/mgmt.sock")

	tests := []struct {
		name  string
		args  []string
		sweep bool
	}{
		{name: "no targets"},
		{name: "usernames and sweep", args: []string{"alice"}, sweep: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resetFlags(t)
			configFile = cfgPath
			disallowed = tc.sweep

			if err := runKill(nil, tc.args); err != nil {
				t.Fatalf("runKill returned unexpected error: %v", err)
			}
			if overrideExitCode != reporting.ExitConfig {
				t.Fatalf("overrideExitCode = %d, want %d (ExitConfig)", overrideExitCode, reporting.ExitConfig)
			}
		})
	}
}

func TestRunKill_EndToEnd(t *testing.T) {
	srv := mgmttest.Start(t, mgmttest.WithHandler(func(cmd string) string {
		switch {
		case cmd == "status 2":
			return mgmttest.Block(
				"TITLE,OpenVPN 2.4.4",
				"TIME,Tue Aug 25 15:04:05 2026,1787238245",
				"HEADER,CLIENT_LIST,Common Name,Real Address,Virtual Address,Virtual IPv6 Address,Bytes Received,Bytes Sent,Connected Since,Connected Since (time_t),Username,Client ID,Peer ID",
				"CLIENT_LIST,alice,198.51.100.1:4444,10.8.0.2,,1000,2000,Tue Aug 25 15:00:00 2026,1787238000,alice,3,0",
				"CLIENT_LIST,bob,198.51.100.2:5555,10.8.0.3,,3000,4000,Tue Aug 25 15:01:00 2026,1787238060,bob,7,1",
			)
		case strings.HasPrefix(cmd, "client-kill "):
			return mgmttest.Lines("SUCCESS: client(s) at address killed")
		default:
			return mgmttest.Lines("ERROR: unknown command")
		}
	}))

	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	writeTestConfig(t, cfgPath, srv.Network(), srv.Addr())

	resetFlags(t)
	configFile = cfgPath
	outputFormat = "json"
	reportFile = filepath.Join(t.TempDir(), "report.json")

	if err := runKill(nil, []string{"bob"}); err != nil {
		t.Fatalf("runKill failed: %v", err)
	}
	if overrideExitCode != reporting.ExitSuccess {
		t.Fatalf("overrideExitCode = %d, want %d (ExitSuccess)", overrideExitCode, reporting.ExitSuccess)
	}

	var sawKill bool
	for _, cmd := range srv.Commands() {
		if cmd == "client-kill 7" {
			sawKill = true
		}
		if strings.HasPrefix(cmd, "client-kill") && cmd != "client-kill 7" {
			t.Fatalf("unexpected kill command %q", cmd)
		}
	}
	if !sawKill {
		t.Fatal("daemon never received client-kill 7")
	}

	data, err := os.ReadFile(reportFile)
	if err != nil {
		t.Fatalf("report file not written: %v", err)
	}
	if !strings.Contains(string(data), `"killed": 1`) {
		t.Fatalf("report file missing kill count:\n%s", data)
	}
	if fi, _ := os.Stat(reportFile); fi.Mode().Perm() != 0o600 {
		t.Fatalf("report file mode = %v, want 0600", fi.Mode().Perm())
	}
}

func TestRunKill_ConnectionRefused(t *testing.T) {
	resetFlags(t)
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	writeTestConfig(t, cfgPath, "unix", filepath.Join(t.TempDir(), "nobody-home.sock"))
	configFile = cfgPath
	outputFormat = "json"

	if err := runKill(nil, []string{"alice"}); err != nil {
		t.Fatalf("runKill returned unexpected error: %v", err)
	}
	if overrideExitCode != reporting.ExitError {
		t.Fatalf("overrideExitCode = %d, want %d (ExitError)", overrideExitCode, reporting.ExitError)
	}
}

func TestSelectEndpoints(t *testing.T) {
	cfg := &config.Config{
		Endpoints: []config.EndpointConfig{
			{Name: "a", Network: "unix", Address: "/run/a.sock", StatusVersion: 2},
			{Name: "b", Network: "tcp", Address: "127.0.0.1:7505", StatusVersion: 3},
		},
	}

	t.Run("all by default", func(t *testing.T) {
		resetFlags(t)
		eps, err := selectEndpoints(cfg)
		if err != nil {
			t.Fatalf("selectEndpoints failed: %v", err)
		}
		if len(eps) != 2 {
			t.Fatalf("got %d endpoints, want 2", len(eps))
		}
	})

	t.Run("by name", func(t *testing.T) {
		resetFlags(t)
		endpointNames = []string{"b"}
		eps, err := selectEndpoints(cfg)
		if err != nil {
			t.Fatalf("selectEndpoints failed: %v", err)
		}
		if len(eps) != 1 || eps[0].Name != "b" {
			t.Fatalf("got %v, want endpoint b", eps)
		}
	})

	t.Run("unknown name", func(t *testing.T) {
		resetFlags(t)
		endpointNames = []string{"nope"}
		if _, err := selectEndpoints(cfg); err == nil {
			t.Fatal("expected error for unknown endpoint name")
		}
	})

	t.Run("ad-hoc socket", func(t *testing.T) {
		resetFlags(t)
		socketAddr = "/run/adhoc.sock"
		eps, err := selectEndpoints(cfg)
		if err != nil {
			t.Fatalf("selectEndpoints failed: %v", err)
		}
		if len(eps) != 1 || eps[0].Network != "unix" || eps[0].StatusVersion != 2 {
			t.Fatalf("unexpected ad-hoc endpoint %+v", eps[0])
		}
	})

	t.Run("socket and endpoint conflict", func(t *testing.T) {
		resetFlags(t)
		socketAddr = "/run/adhoc.sock"
		endpointNames = []string{"a"}
		if _, err := selectEndpoints(cfg); err == nil {
			t.Fatal("expected error for --socket with --endpoint")
		}
	})
}

func TestRunVersion(t *testing.T) {
	oldVersion, oldCommit, oldBuildDate := version, commit, buildDate
	t.Cleanup(func() {
		version, commit, buildDate = oldVersion, oldCommit, oldBuildDate
	})

	version = "1.2.3"
	commit = "deadbeef"
	buildDate = "2026-08-25"

	runVersion(nil, nil)
}
