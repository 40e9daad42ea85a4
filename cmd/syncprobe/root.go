package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/bit2swaz/syncprobe/internal/config"
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "syncprobe",
		Short: "syncprobe - read-after-write consistency probe for replicated databases",
		Long: `syncprobe writes to a primary database node and checks that every committed
write is immediately visible on a secondary node. It also ships a load generator
and an in-process replicated sandbox cluster to point both at.`,
		SilenceUsage: true,
	}

	pf := cmd.PersistentFlags()
	pf.String("config", "", "Path to a YAML config file")
	pf.String("driver", "", "Database driver: mysql, postgres, sqlite3 or sandbox")
	pf.String("database", "", "Database name")
	pf.String("table", "", "Probe table")
	pf.String("user", "", "Database user")
	pf.String("password", "", "Database password")
	pf.String("primary-host", "", "Primary node host (node ID for the sandbox driver)")
	pf.Int("primary-port", 0, "Primary node port")
	pf.String("secondary-host", "", "Secondary node host (node ID for the sandbox driver)")
	pf.Int("secondary-port", 0, "Secondary node port")
	pf.String("metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	pf.String("log-level", "", "Log level: debug, info, warn or error")
	pf.Int("sandbox-nodes", 0, "Number of nodes in the sandbox cluster")
	pf.String("sandbox-data-dir", "", "Persist the sandbox Raft log and snapshots under this directory")

	cmd.AddCommand(newProbeCmd(), newLoadCmd(), newSandboxCmd())
	return cmd
}

func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func main() {
	Execute()
}

// loadConfig reads --config (or the defaults), applies every flag that was
// set explicitly, validates the result and installs the logger.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")

	cfg := config.Default()
	if path != "" {
		var err error
		cfg, err = config.Load(path)
		if err != nil {
			return config.Config{}, fmt.Errorf("failed to load config: %w", err)
		}
	}

	if err := applyFlags(cmd, &cfg); err != nil {
		return config.Config{}, err
	}
	config.ApplyDefaults(&cfg)
	if err := config.Validate(cfg); err != nil {
		return config.Config{}, fmt.Errorf("invalid config: %w", err)
	}

	if err := setupLogging(cfg.LogLevel); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func applyFlags(cmd *cobra.Command, cfg *config.Config) error {
	f := cmd.Flags()
	changed := f.Changed

	var err error
	str := func(name string, dst *string) {
		if err == nil && changed(name) {
			*dst, err = f.GetString(name)
		}
	}
	num := func(name string, dst *int) {
		if err == nil && changed(name) {
			*dst, err = f.GetInt(name)
		}
	}

	str("driver", &cfg.Driver)
	str("database", &cfg.Database)
	str("table", &cfg.Table)
	str("user", &cfg.Credentials.User)
	str("password", &cfg.Credentials.Password)
	str("primary-host", &cfg.Primary.Host)
	num("primary-port", &cfg.Primary.Port)
	str("secondary-host", &cfg.Secondary.Host)
	num("secondary-port", &cfg.Secondary.Port)
	str("metrics-addr", &cfg.MetricsAddr)
	str("log-level", &cfg.LogLevel)
	num("sandbox-nodes", &cfg.Sandbox.Nodes)
	str("sandbox-data-dir", &cfg.Sandbox.DataDir)

	// Command-specific flags only exist on their own subcommand.
	if f.Lookup("iterations") != nil {
		applyProbeFlags(cmd, &cfg.Probe)
	}
	if f.Lookup("max-ops") != nil {
		applyLoadFlags(cmd, &cfg.Load)
	}
	if f.Lookup("pg-base-port") != nil {
		num("pg-base-port", &cfg.Sandbox.PGBasePort)
		num("admin-port", &cfg.Sandbox.AdminPort)
	}

	if err != nil {
		return fmt.Errorf("invalid flag: %w", err)
	}
	cfg.Driver = strings.ToLower(cfg.Driver)
	return nil
}

func setupLogging(level string) error {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
	return nil
}
