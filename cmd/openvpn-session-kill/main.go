package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/vpnops/openvpn-session-kill/internal/audit"
	"github.com/vpnops/openvpn-session-kill/internal/config"
	"github.com/vpnops/openvpn-session-kill/internal/cred"
	"github.com/vpnops/openvpn-session-kill/internal/killer"
	"github.com/vpnops/openvpn-session-kill/internal/policy"
	"github.com/vpnops/openvpn-session-kill/internal/reporting"
	"github.com/vpnops/openvpn-session-kill/internal/tui"
)

// Version information (set via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// Global flags
var (
	configFile string
	logLevel   string
	logFormat  string
)

// Per-command flags
var (
	endpointNames []string
	socketAddr    string
	statusVersion int
	passwordFile  string
	outputFormat  string
	reportFile    string
	noop          bool
	disallowed    bool
	interactive   bool
	historyLimit  int
)

var rootCmd = &cobra.Command{
	Use:   "openvpn-session-kill",
	Short: "Disconnect OpenVPN sessions by username",
	Long: `Force-terminate VPN client sessions through the OpenVPN management
interface, without restarting the server.

The tool connects to each configured management endpoint, lists the live
sessions, matches them against the requested usernames (or against an IAM
entitlement source with --disallowed) and issues one kill per match. Every
run produces a per-session outcome report; a session that is already gone
is not a failure.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// overrideExitCode is set by subcommands so main() can call os.Exit() after
// cobra finishes. This avoids calling os.Exit() inside RunE which would
// bypass deferred functions. -1 means "use default".
var overrideExitCode = -1

var killCmd = &cobra.Command{
	Use:   "kill [username...]",
	Short: "Disconnect the named users' sessions",
	Long: `Disconnect every session belonging to the named users.

Target selection, exactly one of:
  - positional usernames (case-sensitive exact match)
  - --disallowed: sweep every connected user against the entitlement source
  - --interactive: pick sessions from a live table

A requested user with no session is reported but is not an error: the user
may already be disconnected. A kill refused by the daemon degrades the
report, not the run.

Exit codes:
  0 = all matched sessions killed (or nothing to kill)
  1 = a run aborted (connect, auth or protocol failure)
  2 = run completed but some kills failed
  3 = configuration or usage error`,
	RunE: runKill,
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List live sessions without touching them",
	RunE:  runSessions,
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recorded runs from the audit trail",
	RunE:  runHistory,
}

var credCmd = &cobra.Command{
	Use:   "cred",
	Short: "Manage stored management passwords",
}

var credStoreCmd = &cobra.Command{
	Use:   "store <endpoint>",
	Short: "Store an endpoint's management password in the system keyring",
	Args:  cobra.ExactArgs(1),
	RunE:  runCredStore,
}

var credClearCmd = &cobra.Command{
	Use:   "clear <endpoint>",
	Short: "Remove an endpoint's management password from the system keyring",
	Args:  cobra.ExactArgs(1),
	RunE:  runCredClear,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Display version information",
	Run:   runVersion,
}

var checkConfigCmd = &cobra.Command{
	Use:   "check-config",
	Short: "Validate configuration file",
	Long: `Load and validate the configuration file without connecting anywhere.

Exit codes:
  0 = Configuration is valid
  3 = Configuration error`,
	RunE: runCheckConfig,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "/etc/openvpn-session-kill/config.yaml",
		"Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"Log level (debug, info, warn, error) - overrides config file")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "",
		"Log format (json, text) - overrides config file")

	for _, cmd := range []*cobra.Command{killCmd, sessionsCmd} {
		cmd.Flags().StringArrayVar(&endpointNames, "endpoint", nil,
			"Configured endpoint name (repeatable; default: all configured endpoints)")
		cmd.Flags().StringVar(&socketAddr, "socket", "",
			"Ad-hoc management endpoint (socket path or host:port), bypassing the config list")
		cmd.Flags().IntVar(&statusVersion, "status-version", 0,
			"Status format for --socket endpoints (1, 2 or 3)")
		cmd.Flags().StringVar(&passwordFile, "management-password-file", "",
			"File holding the management password - overrides config file")
		cmd.Flags().StringVarP(&outputFormat, "output", "o", "table",
			"Output format (table, json)")
	}

	killCmd.Flags().BoolVar(&noop, "noop", false,
		"Report what would be killed without killing anything")
	killCmd.Flags().BoolVar(&disallowed, "disallowed", false,
		"Sweep: disconnect every connected user the entitlement source disallows")
	killCmd.Flags().BoolVarP(&interactive, "interactive", "i", false,
		"Pick sessions to kill from a live table")
	killCmd.Flags().StringVar(&reportFile, "report-file", "",
		"Also write the JSON report to this path (mode 0600)")

	historyCmd.Flags().IntVar(&historyLimit, "limit", 20,
		"Maximum number of runs to show")

	credCmd.AddCommand(credStoreCmd)
	credCmd.AddCommand(credClearCmd)

	rootCmd.AddCommand(killCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(credCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(checkConfigCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(reporting.ExitError)
	}

	// If a subcommand set a specific exit code, use it.
	// This is done outside RunE so deferred functions run properly.
	if overrideExitCode >= 0 {
		os.Exit(overrideExitCode)
	}
}

// loadConfig loads the configuration, applies flag overrides and sets up
// logging. A missing config file is tolerated when --socket names an ad-hoc
// endpoint, so one-off invocations need no file at all.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		if socketAddr != "" && errors.Is(err, os.ErrNotExist) {
			cfg = config.DefaultConfig()
		} else {
			return nil, err
		}
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}
	config.SetupLogging(&cfg.Log)
	return cfg, nil
}

// selectEndpoints resolves the --socket / --endpoint flags against the
// configured endpoint list.
func selectEndpoints(cfg *config.Config) ([]config.EndpointConfig, error) {
	if socketAddr != "" {
		if len(endpointNames) > 0 {
			return nil, errors.New("--socket and --endpoint are mutually exclusive")
		}
		return []config.EndpointConfig{config.NewCLIEndpoint(socketAddr, statusVersion)}, nil
	}
	if len(endpointNames) == 0 {
		if len(cfg.Endpoints) == 0 {
			return nil, errors.New("no endpoints configured; use --socket or add endpoints to the config file")
		}
		return cfg.Endpoints, nil
	}
	eps := make([]config.EndpointConfig, 0, len(endpointNames))
	for _, name := range endpointNames {
		ep, ok := cfg.Endpoint(name)
		if !ok {
			return nil, fmt.Errorf("unknown endpoint %q", name)
		}
		eps = append(eps, ep)
	}
	return eps, nil
}

// buildOptions assembles one run's options for one endpoint, including the
// resolved management password.
func buildOptions(cfg *config.Config, ep config.EndpointConfig, targets []string, src policy.Source) (killer.Options, error) {
	pwFile := passwordFile
	if pwFile == "" {
		pwFile = cfg.Auth.PasswordFile
	}
	password, err := cred.Resolve(pwFile, ep.Name, cfg.Auth.AllowPrompt)
	if err != nil {
		return killer.Options{}, fmt.Errorf("resolving password for %s: %w", ep.Name, err)
	}
	return killer.Options{
		Endpoint:      ep.Name,
		Network:       ep.Network,
		Address:       ep.Address,
		Password:      password,
		StatusVersion: ep.StatusVersion,
		Targets:       targets,
		SweepSource:   src,
		DialTimeout:   cfg.Connect.DialTimeoutDuration(),
		IOTimeout:     cfg.Connect.IOTimeoutDuration(),
		Retries:       cfg.Connect.Retries,
		RetryBackoff:  cfg.Connect.RetryBackoffDuration(),
		KillRate:      cfg.Kill.Rate,
		KillBurst:     cfg.Kill.Burst,
		Noop:          noop,
	}, nil
}

// entitlementSource builds the sweep-mode policy source from config.
func entitlementSource(ctx context.Context, cfg *config.Config) (policy.Source, error) {
	var src policy.Source
	if cfg.Policy.IAMConfigured() {
		iam, err := policy.NewIAM(ctx, policy.IAMConfig{
			Issuer:         cfg.Policy.Issuer,
			ClientID:       cfg.Policy.ClientID,
			ClientSecret:   cfg.Policy.ClientSecret,
			EntitlementURL: cfg.Policy.EntitlementURL,
		})
		if err != nil {
			return nil, err
		}
		src = iam
	} else if len(cfg.Policy.AllowedUsers) > 0 || len(cfg.Policy.DeniedUsers) > 0 {
		src = policy.NewStatic(cfg.Policy.AllowedUsers, cfg.Policy.DeniedUsers)
	} else {
		return nil, errors.New("--disallowed needs policy.issuer or policy.allowed_users/denied_users in the config")
	}
	if cfg.Policy.FailOpen {
		src = policy.FailOpen(src, slog.Default())
	}
	return src, nil
}

func failConfig(err error) error {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	overrideExitCode = reporting.ExitConfig
	return nil
}

func runKill(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return failConfig(err)
	}

	modes := 0
	for _, on := range []bool{len(args) > 0, disallowed, interactive} {
		if on {
			modes++
		}
	}
	if modes != 1 {
		return failConfig(errors.New("name usernames to kill, or use exactly one of --disallowed / --interactive"))
	}

	eps, err := selectEndpoints(cfg)
	if err != nil {
		return failConfig(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var src policy.Source
	if disallowed {
		if src, err = entitlementSource(ctx, cfg); err != nil {
			return failConfig(err)
		}
	}

	targets := args
	if interactive {
		if len(eps) != 1 {
			return failConfig(errors.New("--interactive works against exactly one endpoint"))
		}
		if !term.IsTerminal(int(os.Stdout.Fd())) {
			return failConfig(errors.New("--interactive needs a terminal"))
		}
		if targets, err = pickTargets(ctx, cfg, eps[0]); err != nil {
			if errors.Is(err, tui.ErrAborted) {
				fmt.Fprintln(os.Stderr, "aborted, nothing killed")
				return nil
			}
			return err
		}
		if len(targets) == 0 {
			fmt.Fprintln(os.Stderr, "nothing selected, nothing killed")
			return nil
		}
	}

	opts := make([]killer.Options, 0, len(eps))
	for _, ep := range eps {
		o, err := buildOptions(cfg, ep, targets, src)
		if err != nil {
			return failConfig(err)
		}
		opts = append(opts, o)
	}

	slog.Info("starting disconnect run",
		"version", version,
		"endpoints", len(opts),
		"noop", noop,
	)
	reports := killer.RunAll(ctx, opts, 0)

	recordAudit(ctx, cfg, reports)

	if outputFormat == "json" {
		if err := reporting.WriteReportsJSON(os.Stdout, reports); err != nil {
			return err
		}
	} else {
		for _, rep := range reports {
			if err := reporting.WriteReportTable(os.Stdout, rep); err != nil {
				return err
			}
		}
	}
	if reportFile != "" {
		if err := reporting.WriteReportFile(reportFile, reports); err != nil {
			return err
		}
	}

	overrideExitCode = reporting.CombinedExitCode(reports)
	return nil
}

// pickTargets lists one endpoint's sessions and lets the operator choose.
// The picked sessions' identities become the kill targets; the run re-lists
// before killing, so a session that vanished meanwhile ends as NotFound.
func pickTargets(ctx context.Context, cfg *config.Config, ep config.EndpointConfig) ([]string, error) {
	o, err := buildOptions(cfg, ep, nil, nil)
	if err != nil {
		return nil, err
	}
	list, err := killer.ListSessions(ctx, o)
	if err != nil {
		return nil, err
	}
	picked, err := tui.Pick(ep.Name, list.Sessions)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var targets []string
	for _, s := range picked {
		if id := s.Identity(); id != "" && !seen[id] {
			seen[id] = true
			targets = append(targets, id)
		}
	}
	return targets, nil
}

// recordAudit appends the reports to the audit trail when enabled. Audit
// failures are logged and never change the run's outcome.
func recordAudit(ctx context.Context, cfg *config.Config, reports []*killer.Report) {
	if !cfg.Audit.Enabled {
		return
	}
	trail, err := audit.Open(cfg.Audit.Path)
	if err != nil {
		slog.Warn("audit trail unavailable", "path", cfg.Audit.Path, "error", err)
		return
	}
	defer func() { _ = trail.Close() }()
	for _, rep := range reports {
		if err := trail.Record(ctx, rep); err != nil {
			slog.Warn("failed to record run in audit trail", "run_id", rep.RunID, "error", err)
		}
	}
}

func runSessions(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return failConfig(err)
	}
	eps, err := selectEndpoints(cfg)
	if err != nil {
		return failConfig(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var lists []*killer.SessionList
	failed := false
	for _, ep := range eps {
		o, err := buildOptions(cfg, ep, nil, nil)
		if err != nil {
			return failConfig(err)
		}
		list, err := killer.ListSessions(ctx, o)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: endpoint %s: %v\n", ep.Name, err)
			failed = true
			continue
		}
		lists = append(lists, list)
	}

	if outputFormat == "json" {
		if err := reporting.WriteSessionsJSON(os.Stdout, lists); err != nil {
			return err
		}
	} else {
		for _, list := range lists {
			if err := reporting.WriteSessionsTable(os.Stdout, list); err != nil {
				return err
			}
		}
	}
	if failed {
		overrideExitCode = reporting.ExitError
	}
	return nil
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return failConfig(err)
	}
	if cfg.Audit.Path == "" {
		return failConfig(errors.New("no audit.path configured"))
	}
	trail, err := audit.Open(cfg.Audit.Path)
	if err != nil {
		return err
	}
	defer func() { _ = trail.Close() }()

	runs, err := trail.History(context.Background(), historyLimit)
	if err != nil {
		return err
	}
	return reporting.WriteHistoryTable(os.Stdout, runs)
}

func runCredStore(cmd *cobra.Command, args []string) error {
	endpoint := args[0]
	password, err := cred.Prompt(fmt.Sprintf("management password for %s: ", endpoint))
	if err != nil {
		return err
	}
	if strings.TrimSpace(password) == "" {
		return errors.New("refusing to store an empty password")
	}
	if err := cred.Store(endpoint, password); err != nil {
		return err
	}
	fmt.Printf("Stored password for %s in the system keyring\n", endpoint)
	return nil
}

func runCredClear(cmd *cobra.Command, args []string) error {
	endpoint := args[0]
	if err := cred.Clear(endpoint); err != nil {
		return err
	}
	fmt.Printf("Cleared password for %s from the system keyring\n", endpoint)
	return nil
}

func runVersion(cmd *cobra.Command, args []string) {
	fmt.Printf("openvpn-session-kill version %s\n", version)
	fmt.Printf("  Commit:     %s\n", commit)
	fmt.Printf("  Build date: %s\n", buildDate)
	fmt.Printf("  Go version: %s\n", runtime.Version())
}

func runCheckConfig(cmd *cobra.Command, args []string) error {
	fmt.Printf("Checking configuration: %s\n\n", configFile)

	cfg, err := config.Load(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Configuration validation failed:\n")
		fmt.Fprintf(os.Stderr, "   %v\n", err)
		overrideExitCode = reporting.ExitConfig
		return nil // exit code handled via overrideExitCode
	}

	fmt.Println("✅ Configuration is valid")
	fmt.Println()
	fmt.Println("Configuration summary:")
	fmt.Printf("  Endpoints:       %d\n", len(cfg.Endpoints))
	for _, ep := range cfg.Endpoints {
		fmt.Printf("    - %s (%s %s, status v%d)\n", ep.Name, ep.Network, ep.Address, ep.StatusVersion)
	}
	fmt.Printf("  Dial timeout:    %s\n", cfg.Connect.DialTimeoutDuration())
	fmt.Printf("  I/O timeout:     %s\n", cfg.Connect.IOTimeoutDuration())
	fmt.Printf("  Connect retries: %d (backoff %s)\n", cfg.Connect.Retries, cfg.Connect.RetryBackoffDuration())
	fmt.Printf("  Kill pacing:     %.1f/s burst %d\n", cfg.Kill.Rate, cfg.Kill.Burst)
	fmt.Printf("  Audit:           %v (%s)\n", cfg.Audit.Enabled, cfg.Audit.Path)
	fmt.Printf("  Log Level:       %s\n", cfg.Log.Level)
	fmt.Printf("  Log Format:      %s\n", cfg.Log.Format)

	if cfg.Policy.IAMConfigured() {
		fmt.Printf("  IAM Issuer:      %s\n", cfg.Policy.Issuer)
		fmt.Printf("  Entitlement URL: %s\n", cfg.Policy.EntitlementURL)
		fmt.Printf("  Fail open:       %v\n", cfg.Policy.FailOpen)
		if cfg.Policy.ClientSecret != "" {
			fmt.Println("  Client Secret:   [SET]")
		} else {
			fmt.Println("  Client Secret:   [NOT SET]")
		}
	} else {
		fmt.Println("  IAM:             not configured (sweep mode needs static lists)")
	}

	return nil
}
