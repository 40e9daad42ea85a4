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
	"github.com/bit2swaz/syncprobe/internal/load"
)

func newLoadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "load",
		Short: "Run random upserts and occasional full-table deletes against one node",
		RunE:  runLoad,
	}

	f := cmd.Flags()
	f.String("node", "primary", "Node to load: primary or secondary")
	f.String("load-table", "", "Table written by the load generator")
	f.Uint64("max-ops", 0, "Number of operations (0 runs until interrupted)")
	f.Uint64("seed", 0, "Seed for a reproducible operation sequence (0 picks one)")
	f.Float64("delete-probability", 0, "Chance of deleting every row after an upsert")
	f.Duration("statement-timeout", 0, "Timeout for each statement")
	return cmd
}

func applyLoadFlags(cmd *cobra.Command, l *config.LoadConfig) {
	f := cmd.Flags()
	if f.Changed("load-table") {
		l.Table, _ = f.GetString("load-table")
	}
	if f.Changed("max-ops") {
		l.MaxOps, _ = f.GetUint64("max-ops")
	}
	if f.Changed("seed") {
		l.Seed, _ = f.GetUint64("seed")
	}
	if f.Changed("delete-probability") {
		v, _ := f.GetFloat64("delete-probability")
		l.DeleteProbability = &v
	}
}

func runLoad(cmd *cobra.Command, args []string) error {
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

	node, _ := cmd.Flags().GetString("node")
	handle := tgt.primary
	switch node {
	case "primary":
	case "secondary":
		handle = tgt.secondary
	default:
		return fmt.Errorf("unknown node %q: expected primary or secondary", node)
	}

	mgr := connmgr.New(tgt.connector, handle)
	if err := mgr.Open(ctx); err != nil {
		return err
	}
	defer mgr.Close()

	timeout := cfg.Probe.StatementTimeout
	if cmd.Flags().Changed("statement-timeout") {
		timeout, _ = cmd.Flags().GetDuration("statement-timeout")
	}

	gen := load.New(mgr, handle.Name, load.Options{
		Table:             cfg.Load.Table,
		KeyLength:         cfg.Load.KeyLength,
		ValueLength:       cfg.Load.ValueLength,
		Alphabet:          cfg.Load.Alphabet,
		DeleteProbability: cfg.Load.DeleteChance(),
		MaxOps:            cfg.Load.MaxOps,
		Seed:              cfg.Load.Seed,
		StatementTimeout:  timeout,
	})
	if err := gen.Prepare(ctx); err != nil {
		return fmt.Errorf("failed to prepare load table: %w", err)
	}

	var stats load.Stats
	err = runWithMetrics(ctx, cfg.MetricsAddr, func(ctx context.Context) error {
		stats = gen.Run(ctx)
		return nil
	})
	if err != nil {
		return err
	}

	slog.Info("Load summary", "node", handle.String(), "ops", stats.Ops, "upserts", stats.Upserts,
		"deletes", stats.Deletes, "failures", stats.Failures, "reconnects", mgr.Reconnects(handle.Name))
	return nil
}
