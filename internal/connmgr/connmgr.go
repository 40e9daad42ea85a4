// Package connmgr owns one logical connection per database node and
// replaces it when it stops answering pings.
//
// A Manager is meant to be driven from a single goroutine and takes no
// locks. A concurrent caller would need a mutex per node slot.
package connmgr

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"go.uber.org/multierr"

	"github.com/bit2swaz/syncprobe/internal/metrics"
	"github.com/bit2swaz/syncprobe/internal/store"
)

// ConnectionError reports that a node could not be reached or rejected
// session setup.
type ConnectionError struct {
	Node  string
	Cause error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection to %s failed: %v", e.Node, e.Cause)
}

func (e *ConnectionError) Unwrap() error {
	return e.Cause
}

type slot struct {
	handle     store.NodeHandle
	conn       store.Conn
	opened     bool
	reconnects int
}

type Manager struct {
	connector store.Connector
	slots     map[string]*slot
	logger    *slog.Logger
}

// New registers one slot per handle, keyed by handle name. No connection
// is opened until Open, GetConnection or EnsureAlive is called.
func New(connector store.Connector, handles ...store.NodeHandle) *Manager {
	m := &Manager{
		connector: connector,
		slots:     make(map[string]*slot, len(handles)),
		logger:    slog.Default(),
	}
	for _, h := range handles {
		m.slots[h.Name] = &slot{handle: h}
	}
	return m
}

func (m *Manager) WithLogger(l *slog.Logger) *Manager {
	m.logger = l
	return m
}

// Open connects every node in name order and stops at the first failure.
func (m *Manager) Open(ctx context.Context) error {
	for _, name := range m.Nodes() {
		if _, err := m.GetConnection(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) Nodes() []string {
	names := make([]string, 0, len(m.slots))
	for name := range m.slots {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetConnection returns the node's current connection without checking
// it, opening one if the slot is empty.
func (m *Manager) GetConnection(ctx context.Context, node string) (store.Conn, error) {
	s, ok := m.slots[node]
	if !ok {
		return nil, &ConnectionError{Node: node, Cause: fmt.Errorf("unknown node")}
	}
	if s.conn != nil {
		return s.conn, nil
	}
	return m.open(ctx, s)
}

// EnsureAlive pings the node's connection and replaces it if the ping
// fails. Session settings are applied by the connector on every new
// connection.
func (m *Manager) EnsureAlive(ctx context.Context, node string) (store.Conn, error) {
	s, ok := m.slots[node]
	if !ok {
		return nil, &ConnectionError{Node: node, Cause: fmt.Errorf("unknown node")}
	}

	if s.conn != nil {
		err := s.conn.Ping(ctx)
		if err == nil {
			return s.conn, nil
		}
		m.logger.Warn("Connection lost, reconnecting", "node", node, "error", err)
		if cerr := s.conn.Close(); cerr != nil {
			m.logger.Debug("Failed to close broken connection", "node", node, "error", cerr)
		}
		s.conn = nil
	}

	return m.open(ctx, s)
}

func (m *Manager) open(ctx context.Context, s *slot) (store.Conn, error) {
	conn, err := m.connector.Connect(ctx, s.handle)
	if err != nil {
		return nil, &ConnectionError{Node: s.handle.Name, Cause: err}
	}

	if s.opened {
		s.reconnects++
		metrics.IncReconnect(s.handle.Name)
		m.logger.Info("Reconnected", "node", s.handle.Name, "addr", s.handle.Addr(), "reconnects", s.reconnects)
	} else {
		m.logger.Info("Connected", "node", s.handle.Name, "addr", s.handle.Addr())
	}
	s.opened = true
	s.conn = conn
	return conn, nil
}

// Reconnects reports how many times the node's connection was replaced
// after it had been opened once.
func (m *Manager) Reconnects(node string) int {
	if s, ok := m.slots[node]; ok {
		return s.reconnects
	}
	return 0
}

func (m *Manager) Close() error {
	var err error
	for _, name := range m.Nodes() {
		s := m.slots[name]
		if s.conn == nil {
			continue
		}
		if cerr := s.conn.Close(); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("failed to close %s: %w", name, cerr))
		}
		s.conn = nil
	}
	return err
}
