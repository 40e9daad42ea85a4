// Package cluster runs an in-process replicated SQL cluster: every node is
// an SQLite database driven as a Raft FSM. Writes go through the leader's
// log; reads are served by the local node and can lag behind.
package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"go.uber.org/multierr"

	"github.com/bit2swaz/syncprobe/internal/metrics"
	"github.com/bit2swaz/syncprobe/internal/store"
)

var (
	ErrNoLeader    = errors.New("no leader")
	ErrPaused      = errors.New("node is paused")
	ErrUnknownNode = errors.New("unknown node")
)

// ApplyError is returned when a log entry was committed but its
// statements failed on the state machine.
type ApplyError struct {
	Err error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("fsm execution failed: %v", e.Err)
}

func (e *ApplyError) Unwrap() error {
	return e.Err
}

type Options struct {
	Nodes int
	// DataDir keeps the Raft log in BoltDB files under it. Empty runs
	// everything in memory and a temporary directory.
	DataDir      string
	ApplyTimeout time.Duration
	Logger       *slog.Logger
}

type Node struct {
	ID        string
	fsm       *FSM
	raft      *raft.Raft
	transport *raft.InmemTransport
	closers   []io.Closer

	mu       sync.Mutex
	paused   bool
	isolated bool
}

func (n *Node) FSM() *FSM {
	return n.fsm
}

func (n *Node) Raft() *raft.Raft {
	return n.raft
}

func (n *Node) Paused() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.paused
}

func (n *Node) Isolated() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.isolated
}

type Cluster struct {
	nodes   []*Node
	byID    map[string]*Node
	dir     string
	tempDir bool
	opts    Options
	logger  *slog.Logger
}

func NodeID(i int) string {
	return fmt.Sprintf("node%d", i)
}

// New starts every node and bootstraps the cluster from node1 with all
// nodes as voters. Use WaitForLeader before sending writes.
func New(opts Options) (*Cluster, error) {
	if opts.Nodes < 1 {
		opts.Nodes = 1
	}
	if opts.ApplyTimeout <= 0 {
		opts.ApplyTimeout = 10 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Cluster{
		byID:   make(map[string]*Node, opts.Nodes),
		opts:   opts,
		logger: logger,
	}

	if opts.DataDir != "" {
		c.dir = opts.DataDir
	} else {
		dir, err := os.MkdirTemp("", "syncprobe-sandbox-")
		if err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		c.dir = dir
		c.tempDir = true
	}

	for i := 1; i <= opts.Nodes; i++ {
		n, err := c.newNode(NodeID(i))
		if err != nil {
			c.Close()
			return nil, err
		}
		c.nodes = append(c.nodes, n)
		c.byID[n.ID] = n
	}

	for _, a := range c.nodes {
		for _, b := range c.nodes {
			if a != b {
				a.transport.Connect(b.transport.LocalAddr(), b.transport)
			}
		}
	}

	servers := make([]raft.Server, 0, len(c.nodes))
	for _, n := range c.nodes {
		servers = append(servers, raft.Server{
			ID:      raft.ServerID(n.ID),
			Address: n.transport.LocalAddr(),
		})
	}
	f := c.nodes[0].raft.BootstrapCluster(raft.Configuration{Servers: servers})
	if err := f.Error(); err != nil && err != raft.ErrCantBootstrap {
		c.Close()
		return nil, fmt.Errorf("failed to bootstrap cluster: %w", err)
	}

	logger.Info("Sandbox cluster started", "nodes", opts.Nodes, "data_dir", c.dir)
	return c, nil
}

func (c *Cluster) newNode(id string) (*Node, error) {
	dir := filepath.Join(c.dir, id)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	// The database is derived state: the Raft log rebuilds it.
	dbPath := filepath.Join(dir, "state.db")
	for _, suffix := range []string{"", "-wal", "-shm"} {
		os.Remove(dbPath + suffix)
	}
	fsm, err := NewFSM(dbPath)
	if err != nil {
		return nil, err
	}
	fsm.notify = func(index uint64) { metrics.SetAppliedIndex(id, index) }

	n := &Node{ID: id, fsm: fsm, closers: []io.Closer{fsm}}

	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(id)
	config.HeartbeatTimeout = 50 * time.Millisecond
	config.ElectionTimeout = 50 * time.Millisecond
	config.LeaderLeaseTimeout = 50 * time.Millisecond
	config.CommitTimeout = 5 * time.Millisecond
	config.LogOutput = io.Discard

	var (
		logStore    raft.LogStore
		stableStore raft.StableStore
		snapshots   raft.SnapshotStore
	)
	if c.tempDir {
		inmem := raft.NewInmemStore()
		logStore, stableStore = inmem, inmem
		snapshots = raft.NewInmemSnapshotStore()
	} else {
		boltStore, err := raftboltdb.NewBoltStore(filepath.Join(dir, "raft.db"))
		if err != nil {
			fsm.Close()
			return nil, fmt.Errorf("failed to create bolt store: %w", err)
		}
		n.closers = append(n.closers, boltStore)
		logStore, stableStore = boltStore, boltStore

		fileSnapshots, err := raft.NewFileSnapshotStore(dir, 2, io.Discard)
		if err != nil {
			n.close()
			return nil, fmt.Errorf("failed to create snapshot store: %w", err)
		}
		snapshots = fileSnapshots
	}

	_, n.transport = raft.NewInmemTransport(raft.ServerAddress(id))

	r, err := raft.NewRaft(config, fsm, logStore, stableStore, snapshots, n.transport)
	if err != nil {
		n.close()
		return nil, fmt.Errorf("failed to create raft instance: %w", err)
	}
	n.raft = r
	return n, nil
}

func (n *Node) close() error {
	var err error
	if n.raft != nil {
		err = multierr.Append(err, n.raft.Shutdown().Error())
	}
	if n.transport != nil {
		err = multierr.Append(err, n.transport.Close())
	}
	for i := len(n.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, n.closers[i].Close())
	}
	return err
}

func (c *Cluster) WaitForLeader(timeout time.Duration) error {
	start := time.Now()
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for range ticker.C {
		if c.Leader() != nil {
			return nil
		}
		if time.Since(start) >= timeout {
			return fmt.Errorf("timeout waiting for leader election")
		}
	}
	return nil
}

// Leader returns the node that currently believes it leads, or nil.
func (c *Cluster) Leader() *Node {
	for _, n := range c.nodes {
		if n.raft.State() == raft.Leader {
			return n
		}
	}
	return nil
}

func (c *Cluster) Node(id string) (*Node, error) {
	n, ok := c.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNode, id)
	}
	return n, nil
}

func (c *Cluster) Nodes() []*Node {
	out := make([]*Node, len(c.nodes))
	copy(out, c.nodes)
	return out
}

// Execute replicates stmts as one batch through the leader's log. With
// waitAll it returns only after every node has applied the entry;
// otherwise only the leader is guaranteed to have applied it.
func (c *Cluster) Execute(ctx context.Context, stmts []store.Statement, waitAll bool) ([]int64, error) {
	leader := c.Leader()
	if leader == nil {
		return nil, ErrNoLeader
	}

	cmdType := CommandExecute
	if len(stmts) > 1 {
		cmdType = CommandBatch
	}
	data, err := json.Marshal(Command{Type: cmdType, Statements: stmts})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal command: %w", err)
	}

	future := leader.raft.Apply(data, c.opts.ApplyTimeout)
	if err := future.Error(); err != nil {
		return nil, fmt.Errorf("raft apply failed: %w", err)
	}

	var rows []int64
	if resp, ok := future.Response().(*ApplyResponse); ok {
		if resp.Error != nil {
			return nil, &ApplyError{Err: resp.Error}
		}
		rows = resp.RowsAffected
	}

	if waitAll {
		for _, n := range c.nodes {
			if err := c.waitApplied(ctx, n, future.Index()); err != nil {
				return rows, err
			}
		}
	}
	return rows, nil
}

// SyncWait blocks until node has applied everything the leader has.
func (c *Cluster) SyncWait(ctx context.Context, n *Node) error {
	leader := c.Leader()
	if leader == nil {
		return ErrNoLeader
	}
	return c.waitApplied(ctx, n, leader.fsm.AppliedIndex())
}

func (c *Cluster) waitApplied(ctx context.Context, n *Node, index uint64) error {
	if n.fsm.AppliedIndex() >= index {
		return nil
	}
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for %s to apply index %d: %w", n.ID, index, ctx.Err())
		case <-ticker.C:
			if n.fsm.AppliedIndex() >= index {
				return nil
			}
		}
	}
}

// Pause makes the node refuse client connections and fail liveness
// checks. Replication continues.
func (c *Cluster) Pause(id string) error {
	return c.setPaused(id, true)
}

func (c *Cluster) Resume(id string) error {
	return c.setPaused(id, false)
}

func (c *Cluster) setPaused(id string, paused bool) error {
	n, err := c.Node(id)
	if err != nil {
		return err
	}
	n.mu.Lock()
	n.paused = paused
	n.mu.Unlock()
	c.logger.Info("Node pause state changed", "node", id, "paused", paused)
	return nil
}

// Isolate cuts the node off from Raft traffic so it stops receiving
// entries and falls behind. Clients can still connect.
func (c *Cluster) Isolate(id string) error {
	n, err := c.Node(id)
	if err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	n.transport.DisconnectAll()
	for _, other := range c.nodes {
		if other != n {
			other.transport.Disconnect(n.transport.LocalAddr())
		}
	}
	n.isolated = true
	c.logger.Info("Node isolated", "node", id)
	return nil
}

func (c *Cluster) Heal(id string) error {
	n, err := c.Node(id)
	if err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	for _, other := range c.nodes {
		if other != n {
			n.transport.Connect(other.transport.LocalAddr(), other.transport)
			other.transport.Connect(n.transport.LocalAddr(), n.transport)
		}
	}
	n.isolated = false
	c.logger.Info("Node healed", "node", id)
	return nil
}

type NodeStatus struct {
	ID           string `json:"id"`
	State        string `json:"state"`
	Leader       string `json:"leader"`
	AppliedIndex uint64 `json:"applied_index"`
	LastIndex    uint64 `json:"last_index"`
	Paused       bool   `json:"paused"`
	Isolated     bool   `json:"isolated"`
}

func (c *Cluster) Status() []NodeStatus {
	out := make([]NodeStatus, 0, len(c.nodes))
	for _, n := range c.nodes {
		_, leaderID := n.raft.LeaderWithID()
		out = append(out, NodeStatus{
			ID:           n.ID,
			State:        n.raft.State().String(),
			Leader:       string(leaderID),
			AppliedIndex: n.fsm.AppliedIndex(),
			LastIndex:    n.raft.LastIndex(),
			Paused:       n.Paused(),
			Isolated:     n.Isolated(),
		})
	}
	return out
}

// Close shuts every node down and removes the temporary data directory.
func (c *Cluster) Close() error {
	var err error
	for _, n := range c.nodes {
		if cerr := n.close(); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("failed to close %s: %w", n.ID, cerr))
		}
	}
	if c.tempDir {
		err = multierr.Append(err, os.RemoveAll(c.dir))
	}
	return err
}
