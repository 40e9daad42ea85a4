package main

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/bit2swaz/syncprobe/internal/cluster"
	"github.com/bit2swaz/syncprobe/internal/config"
	"github.com/bit2swaz/syncprobe/internal/store"
)

const leaderTimeout = 10 * time.Second

// target is what probe and load connect to: a real database reached
// through database/sql, or an in-process sandbox cluster.
type target struct {
	connector store.Connector
	primary   store.NodeHandle
	secondary store.NodeHandle
	cluster   *cluster.Cluster
}

func openTarget(cfg config.Config) (*target, error) {
	t := &target{
		primary:   cfg.PrimaryHandle(),
		secondary: cfg.SecondaryHandle(),
	}

	if cfg.Driver != "sandbox" {
		d, err := store.LookupDialect(cfg.Driver)
		if err != nil {
			return nil, err
		}
		t.connector = store.NewSQLConnector(d)
		return t, nil
	}

	c, err := startCluster(cfg)
	if err != nil {
		return nil, err
	}
	t.cluster = c
	t.connector = c.Connector()
	t.primary.Host = sandboxNode(cfg.Primary.Host, 1, cfg.Sandbox.Nodes)
	t.secondary.Host = sandboxNode(cfg.Secondary.Host, 2, cfg.Sandbox.Nodes)
	return t, nil
}

func startCluster(cfg config.Config) (*cluster.Cluster, error) {
	c, err := cluster.New(cluster.Options{
		Nodes:   cfg.Sandbox.Nodes,
		DataDir: cfg.Sandbox.DataDir,
		Logger:  slog.Default(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start sandbox: %w", err)
	}
	if err := c.WaitForLeader(leaderTimeout); err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to start sandbox: %w", err)
	}
	return c, nil
}

// sandboxNode maps a configured host onto a sandbox node ID. The default
// host address means "the n-th node"; anything else is taken as a node ID.
func sandboxNode(host string, n, nodes int) string {
	if host != config.DefaultHost && host != "" {
		return host
	}
	if n > nodes {
		n = nodes
	}
	return cluster.NodeID(n)
}

func (t *target) Close() error {
	if t.cluster == nil {
		return nil
	}
	return t.cluster.Close()
}
