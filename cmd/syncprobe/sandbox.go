package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/bit2swaz/syncprobe/internal/api"
	"github.com/bit2swaz/syncprobe/internal/cluster"
	"github.com/bit2swaz/syncprobe/internal/pgwire"
)

func newSandboxCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sandbox",
		Short: "Run an in-process replicated SQL cluster with PostgreSQL listeners",
		Long: `Start a Raft-replicated SQLite cluster. Node N accepts PostgreSQL clients on
pg-base-port+N-1 and the admin API on admin-port can pause, isolate and heal
nodes while a probe runs against them.`,
		RunE: runSandbox,
	}

	f := cmd.Flags()
	f.Int("pg-base-port", 0, "PostgreSQL port of node1; node N listens on base+N-1")
	f.Int("admin-port", 0, "Admin HTTP API port")
	return cmd
}

// sandbox bundles a running cluster with its listeners.
type sandbox struct {
	cluster *cluster.Cluster
	servers []*pgwire.Server
	admin   *api.Server
}

// startSandbox binds one PostgreSQL listener per node. A zero base port
// gives every node an ephemeral port.
func startSandbox(c *cluster.Cluster, pgBasePort, adminPort int) (*sandbox, error) {
	sb := &sandbox{cluster: c, admin: api.NewServer(c, adminPort)}
	for i, n := range c.Nodes() {
		addr := ":0"
		if pgBasePort > 0 {
			addr = fmt.Sprintf(":%d", pgBasePort+i)
		}
		s := pgwire.New(c, n.ID)
		if err := s.Listen(addr); err != nil {
			sb.close()
			return nil, err
		}
		sb.servers = append(sb.servers, s)
	}
	return sb, nil
}

func (sb *sandbox) serve(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, s := range sb.servers {
		g.Go(s.Serve)
	}
	g.Go(sb.admin.ListenAndServe)
	g.Go(func() error {
		<-gctx.Done()
		sb.close()
		return nil
	})
	return g.Wait()
}

func (sb *sandbox) close() {
	for _, s := range sb.servers {
		s.Close()
	}
	sb.admin.Shutdown(context.Background())
}

func runSandbox(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := startCluster(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := c.Close(); err != nil {
			slog.Warn("Failed to shut down sandbox", "error", err)
		}
	}()

	sb, err := startSandbox(c, cfg.Sandbox.PGBasePort, cfg.Sandbox.AdminPort)
	if err != nil {
		return err
	}

	for i, s := range sb.servers {
		slog.Info("Sandbox node ready", "node", cluster.NodeID(i+1), "pg_addr", s.Addr().String())
	}
	slog.Info("Sandbox admin API", "port", cfg.Sandbox.AdminPort)

	return runWithMetrics(ctx, cfg.MetricsAddr, sb.serve)
}
