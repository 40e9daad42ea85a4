package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bit2swaz/syncprobe/internal/config"
	"github.com/bit2swaz/syncprobe/internal/connmgr"
	"github.com/bit2swaz/syncprobe/internal/probe"
	"github.com/bit2swaz/syncprobe/internal/report"
)

func newProbeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Write to the primary and verify each write on the secondary",
		RunE:  runProbe,
	}

	f := cmd.Flags()
	f.Uint64("iterations", 0, "Number of iterations (0 runs until interrupted)")
	f.Uint64("progress", 0, "Log a milestone every N iterations")
	f.Bool("truncate", true, "Empty the probe table before starting")
	f.Duration("read-delay", 0, "Wait this long between the write and the read")
	f.Int("read-retries", 0, "Re-read a missing key up to N times")
	f.Duration("read-retry-backoff", 0, "Initial backoff between re-reads")
	f.Int("write-conflict-retries", 0, "Retry a write rejected as a conflict up to N times")
	f.Duration("statement-timeout", 0, "Timeout for each statement")
	f.String("records-csv", "", "Write every probe record to this CSV file")
	return cmd
}

func applyProbeFlags(cmd *cobra.Command, p *config.ProbeConfig) {
	f := cmd.Flags()
	if f.Changed("iterations") {
		p.Iterations, _ = f.GetUint64("iterations")
	}
	if f.Changed("progress") {
		p.ProgressInterval, _ = f.GetUint64("progress")
	}
	if f.Changed("truncate") {
		v, _ := f.GetBool("truncate")
		p.Truncate = &v
	}
	if f.Changed("read-delay") {
		p.ReadDelay, _ = f.GetDuration("read-delay")
	}
	if f.Changed("read-retries") {
		p.ReadRetries, _ = f.GetInt("read-retries")
	}
	if f.Changed("read-retry-backoff") {
		p.ReadRetryBackoff, _ = f.GetDuration("read-retry-backoff")
	}
	if f.Changed("write-conflict-retries") {
		p.WriteConflictRetries, _ = f.GetInt("write-conflict-retries")
	}
	if f.Changed("statement-timeout") {
		p.StatementTimeout, _ = f.GetDuration("statement-timeout")
	}
}

func runProbe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tgt, err := openTarget(cfg)
	if err != nil {
		return err
	}
	defer tgt.Close()

	primary, secondary := tgt.primary, tgt.secondary
	slog.Info("Starting syncprobe",
		"driver", cfg.Driver,
		"primary", primary.String(),
		"secondary", secondary.String(),
		"table", cfg.Table,
		"iterations", cfg.Probe.Iterations)

	mgr := connmgr.New(tgt.connector, primary, secondary)
	if err := mgr.Open(ctx); err != nil {
		return err
	}
	defer func() {
		if err := mgr.Close(); err != nil {
			slog.Warn("Failed to close connections", "error", err)
		}
	}()

	rep := report.New(nil, mgr)
	runner := probe.New(mgr, primary.Name, secondary.Name, probe.Options{
		Table:                cfg.Table,
		Iterations:           cfg.Probe.Iterations,
		Truncate:             cfg.TruncateFirst(),
		ReadDelay:            cfg.Probe.ReadDelay,
		ReadRetries:          cfg.Probe.ReadRetries,
		ReadRetryBackoff:     cfg.Probe.ReadRetryBackoff,
		WriteConflictRetries: cfg.Probe.WriteConflictRetries,
		StatementTimeout:     cfg.Probe.StatementTimeout,
	}, rep)
	logger := slog.Default().With("run_id", runner.RunID())

	rep.OnMilestone(cfg.Probe.ProgressInterval, func(m report.Milestone) {
		logger.Info("Progress",
			"count", m.Count,
			"elapsed", m.Elapsed,
			"errors", m.Summary.Errors,
			"violations", m.Summary.Violations)
	})

	if err := runner.Prepare(ctx); err != nil {
		return fmt.Errorf("failed to prepare probe table: %w", err)
	}
	rep.Start()

	err = runWithMetrics(ctx, cfg.MetricsAddr, func(ctx context.Context) error {
		runner.Run(ctx)
		return nil
	})
	if err != nil {
		return err
	}

	summary := rep.Summary()
	logger.Info("Probe finished", summary.Attrs()...)

	path, _ := cmd.Flags().GetString("records-csv")
	if path != "" {
		if err := report.SaveCSV(path, rep.Records()); err != nil {
			return err
		}
		logger.Info("Records written", "path", path, "records", summary.Total)
	}
	return nil
}
