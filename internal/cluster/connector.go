package cluster

import (
	"context"
	"errors"
	"fmt"

	"github.com/bit2swaz/syncprobe/internal/store"
)

// DefaultSession is applied when a handle carries no session statements.
var DefaultSession = []string{"SET SESSION wsrep_sync_wait = 1"}

// Connector opens in-process sessions. NodeHandle.Host names the node
// ("node1", "node2", ...); port and credentials are ignored.
type Connector struct {
	cluster *Cluster
	dialect store.SQLite
}

func (c *Cluster) Connector() *Connector {
	return &Connector{cluster: c}
}

func (c *Connector) Connect(ctx context.Context, h store.NodeHandle) (store.Conn, error) {
	client, err := c.cluster.Client(h.Host)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", h.Host, err)
	}
	if err := client.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", h.Host, err)
	}

	session := h.Session
	if session == nil {
		session = DefaultSession
	}
	for _, stmt := range session {
		name, value, ok := store.ParseSet(stmt)
		if !ok {
			return nil, fmt.Errorf("failed to apply session setting %q: only SET is supported", stmt)
		}
		client.Set(name, value)
	}

	return &conn{client: client, dialect: c.dialect}, nil
}

type conn struct {
	client  *Client
	dialect store.SQLite
	closed  bool
}

var errClosed = errors.New("connection is closed")

func (c *conn) check() error {
	if c.closed {
		return errClosed
	}
	return c.client.Ping()
}

func (c *conn) Ping(ctx context.Context) error {
	return c.check()
}

// writeError classifies a failed replicated write by where it failed.
func writeError(err error) error {
	var applyErr *ApplyError
	if errors.As(err, &applyErr) {
		return &store.StatementError{Op: store.OpExecute, Err: err}
	}
	return &store.StatementError{Op: store.OpCommit, Err: err}
}

func (c *conn) exec(ctx context.Context, st store.Statement) (int64, error) {
	if err := c.check(); err != nil {
		return 0, &store.StatementError{Op: store.OpBegin, Err: err}
	}
	rows, err := c.client.Exec(ctx, st)
	if err != nil {
		return 0, writeError(err)
	}
	if len(rows) == 0 {
		return 0, nil
	}
	return rows[0], nil
}

func (c *conn) Prepare(ctx context.Context, table string) error {
	_, err := c.exec(ctx, c.dialect.CreateTable(table))
	return err
}

func (c *conn) Upsert(ctx context.Context, table, key, value string) (int64, error) {
	return c.exec(ctx, c.dialect.Upsert(table, key, value))
}

func (c *conn) Get(ctx context.Context, table, key string) (string, bool, error) {
	if err := c.check(); err != nil {
		return "", false, &store.StatementError{Op: store.OpQuery, Err: err}
	}
	st := c.dialect.Select(table, key)
	_, rows, err := c.client.Query(ctx, st.SQL, st.Args...)
	if err != nil {
		return "", false, &store.StatementError{Op: store.OpQuery, Err: err}
	}
	if len(rows) == 0 {
		return "", false, nil
	}
	return string(rows[0][0]), true, nil
}

func (c *conn) DeleteAll(ctx context.Context, table string) (int64, error) {
	return c.exec(ctx, c.dialect.DeleteAll(table))
}

func (c *conn) Close() error {
	c.closed = true
	return nil
}
