// Package fakenode provides in-memory database nodes that share one table
// set and replicate to each other with a fixed, simulated lag. Faults
// (unreachable nodes, broken sessions, failing statements) can be injected
// per node. Nodes are addressed by NodeHandle.Name.
package fakenode

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/bit2swaz/syncprobe/internal/store"
)

var (
	ErrUnreachable = errors.New("node unreachable")
	ErrBroken      = errors.New("connection lost")
)

type version struct {
	value   string
	deleted bool
	at      time.Time
	origin  string
}

type nodeState struct {
	unreachable bool
	generation  int
	connects    int
	sessions    [][]string
	failWrites  map[string]error
	failReads   error
	reads       map[string]int
	writes      int
}

// Cluster is a set of fake nodes over one shared, versioned table space.
type Cluster struct {
	mu     sync.Mutex
	clock  clock.Clock
	lag    time.Duration
	tables map[string]map[string][]version
	nodes  map[string]*nodeState
}

func New(clk clock.Clock, lag time.Duration) *Cluster {
	if clk == nil {
		clk = clock.New()
	}
	return &Cluster{
		clock:  clk,
		lag:    lag,
		tables: make(map[string]map[string][]version),
		nodes:  make(map[string]*nodeState),
	}
}

func (c *Cluster) node(name string) *nodeState {
	n, ok := c.nodes[name]
	if !ok {
		n = &nodeState{
			failWrites: make(map[string]error),
			reads:      make(map[string]int),
		}
		c.nodes[name] = n
	}
	return n
}

func (c *Cluster) Connect(ctx context.Context, h store.NodeHandle) (store.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := c.node(h.Name)
	if n.unreachable {
		return nil, fmt.Errorf("failed to connect to %s: %w", h.Addr(), ErrUnreachable)
	}

	n.connects++
	n.sessions = append(n.sessions, append([]string(nil), h.Session...))

	cn := &conn{cluster: c, node: h.Name, generation: n.generation}
	for _, stmt := range h.Session {
		name, value, ok := store.ParseSet(stmt)
		if !ok {
			continue
		}
		switch {
		case name == "wsrep_sync_wait" && value != "0":
			cn.syncWait = true
		case name == "synchronous_commit" && value == "remote_apply":
			cn.remoteApply = true
		}
	}
	return cn, nil
}

// SetUnreachable makes new connections to node fail and existing ones
// fail their liveness check.
func (c *Cluster) SetUnreachable(node string, unreachable bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.node(node).unreachable = unreachable
}

// Break invalidates every open connection to node. New connections work.
func (c *Cluster) Break(node string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.node(node).generation++
}

// FailWrite makes upserts of key through node fail with err. A nil err
// clears the fault.
func (c *Cluster) FailWrite(node, key string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		delete(c.node(node).failWrites, key)
		return
	}
	c.node(node).failWrites[key] = err
}

func (c *Cluster) FailReads(node string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.node(node).failReads = err
}

// Reads reports how many reads of key reached node.
func (c *Cluster) Reads(node, key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.node(node).reads[key]
}

func (c *Cluster) Writes(node string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.node(node).writes
}

func (c *Cluster) Connects(node string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.node(node).connects
}

// Sessions returns the session statements seen on each connect to node.
func (c *Cluster) Sessions(node string) [][]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]string, len(c.node(node).sessions))
	copy(out, c.node(node).sessions)
	return out
}

func (c *Cluster) table(name string) map[string][]version {
	t, ok := c.tables[name]
	if !ok {
		t = make(map[string][]version)
		c.tables[name] = t
	}
	return t
}

// visible returns the newest version of key that reader can see.
func (c *Cluster) visible(versions []version, reader string, syncWait bool) (version, bool) {
	now := c.clock.Now()
	for i := len(versions) - 1; i >= 0; i-- {
		v := versions[i]
		if v.origin == reader || syncWait || !now.Before(v.at.Add(c.lag)) {
			return v, true
		}
	}
	return version{}, false
}

type conn struct {
	cluster     *Cluster
	node        string
	generation  int
	syncWait    bool
	remoteApply bool
	closed      bool
}

// alive must be called with the cluster lock held.
func (cn *conn) alive() error {
	if cn.closed {
		return ErrBroken
	}
	n := cn.cluster.node(cn.node)
	if n.unreachable {
		return ErrUnreachable
	}
	if n.generation != cn.generation {
		return ErrBroken
	}
	return nil
}

func (cn *conn) Ping(ctx context.Context) error {
	cn.cluster.mu.Lock()
	defer cn.cluster.mu.Unlock()
	return cn.alive()
}

func (cn *conn) Prepare(ctx context.Context, table string) error {
	cn.cluster.mu.Lock()
	defer cn.cluster.mu.Unlock()
	if err := cn.alive(); err != nil {
		return &store.StatementError{Op: store.OpExecute, Err: err}
	}
	cn.cluster.table(table)
	return nil
}

func (cn *conn) Upsert(ctx context.Context, table, key, value string) (int64, error) {
	c := cn.cluster
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := cn.alive(); err != nil {
		return 0, &store.StatementError{Op: store.OpBegin, Err: err}
	}
	n := c.node(cn.node)
	if err, ok := n.failWrites[key]; ok {
		return 0, &store.StatementError{Op: store.OpExecute, Err: err}
	}

	at := c.clock.Now()
	if cn.remoteApply {
		at = at.Add(-c.lag)
	}
	t := c.table(table)
	t[key] = append(t[key], version{value: value, at: at, origin: cn.node})
	n.writes++
	return 1, nil
}

func (cn *conn) Get(ctx context.Context, table, key string) (string, bool, error) {
	c := cn.cluster
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := cn.alive(); err != nil {
		return "", false, &store.StatementError{Op: store.OpQuery, Err: err}
	}
	n := c.node(cn.node)
	n.reads[key]++
	if n.failReads != nil {
		return "", false, &store.StatementError{Op: store.OpQuery, Err: n.failReads}
	}

	v, ok := c.visible(c.table(table)[key], cn.node, cn.syncWait)
	if !ok || v.deleted {
		return "", false, nil
	}
	return v.value, true, nil
}

func (cn *conn) DeleteAll(ctx context.Context, table string) (int64, error) {
	c := cn.cluster
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := cn.alive(); err != nil {
		return 0, &store.StatementError{Op: store.OpExecute, Err: err}
	}

	var deleted int64
	at := c.clock.Now()
	t := c.table(table)
	for key, versions := range t {
		if v, ok := c.visible(versions, cn.node, true); ok && !v.deleted {
			deleted++
		}
		t[key] = append(versions, version{deleted: true, at: at, origin: cn.node})
	}
	return deleted, nil
}

func (cn *conn) Close() error {
	cn.cluster.mu.Lock()
	defer cn.cluster.mu.Unlock()
	cn.closed = true
	return nil
}
