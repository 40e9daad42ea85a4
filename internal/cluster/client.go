package cluster

import (
	"context"
	"fmt"

	"github.com/jackc/pgproto3/v2"

	"github.com/bit2swaz/syncprobe/internal/store"
)

// Client is one session against a node. Its settings mirror the server
// variables the probe configures on real clusters.
type Client struct {
	cluster *Cluster
	node    *Node
	// SyncWait makes reads wait until the node has caught up with the
	// leader (wsrep_sync_wait).
	SyncWait bool
	// RemoteApply makes writes wait until every node has applied them
	// (synchronous_commit = remote_apply).
	RemoteApply bool
}

func (c *Cluster) Client(id string) (*Client, error) {
	n, err := c.Node(id)
	if err != nil {
		return nil, err
	}
	return &Client{cluster: c, node: n}, nil
}

func (cl *Client) Node() *Node {
	return cl.node
}

// Set applies a session variable and reports whether it is one the
// sandbox acts on. Unknown variables are accepted and ignored.
func (cl *Client) Set(name, value string) bool {
	switch name {
	case "wsrep_sync_wait":
		cl.SyncWait = value != "0"
	case "synchronous_commit":
		cl.RemoteApply = value == "remote_apply"
	default:
		return false
	}
	return true
}

func (cl *Client) Ping() error {
	if cl.node.Paused() {
		return fmt.Errorf("%s: %w", cl.node.ID, ErrPaused)
	}
	return nil
}

// Exec replicates stmts as one transaction.
func (cl *Client) Exec(ctx context.Context, stmts ...store.Statement) ([]int64, error) {
	if err := cl.Ping(); err != nil {
		return nil, err
	}
	return cl.cluster.Execute(ctx, stmts, cl.RemoteApply)
}

// Query reads from the node's local database.
func (cl *Client) Query(ctx context.Context, query string, args ...any) ([]pgproto3.FieldDescription, [][][]byte, error) {
	if err := cl.Ping(); err != nil {
		return nil, nil, err
	}
	if cl.SyncWait {
		if err := cl.cluster.SyncWait(ctx, cl.node); err != nil {
			return nil, nil, err
		}
	}
	return cl.node.fsm.Query(ctx, query, args...)
}
