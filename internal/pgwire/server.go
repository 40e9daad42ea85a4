// Package pgwire serves one sandbox node over the PostgreSQL simple query
// protocol. Writes are replicated through the cluster; reads are answered
// from the node's local database.
package pgwire

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgproto3/v2"

	"github.com/bit2swaz/syncprobe/internal/cluster"
	"github.com/bit2swaz/syncprobe/internal/metrics"
	"github.com/bit2swaz/syncprobe/internal/store"
)

const serverVersion = "14.0"

var (
	errQueryCanceled    = errors.New("canceling statement due to user request")
	errStatementTimeout = errors.New("canceling statement due to statement timeout")
)

type Server struct {
	cluster *cluster.Cluster
	nodeID  string
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	sessions map[uint32]*session
	lastPID  uint32
	wg       sync.WaitGroup
}

func New(c *cluster.Cluster, nodeID string) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cluster:  c,
		nodeID:   nodeID,
		logger:   slog.Default().With("node", nodeID),
		ctx:      ctx,
		cancel:   cancel,
		conns:    make(map[net.Conn]struct{}),
		sessions: make(map[uint32]*session),
	}
}

func (s *Server) Listen(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
	s.logger.Info("Listening on " + listener.Addr().String())
	return nil
}

func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve accepts connections until Close is called.
func (s *Server) Serve() error {
	s.mu.Lock()
	listener := s.listener
	s.mu.Unlock()
	if listener == nil {
		return errors.New("server is not listening")
	}

	for {
		conn, err := listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil {
				return nil
			}
			return err
		}

		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(conn)
			s.mu.Lock()
			delete(s.conns, conn)
			s.mu.Unlock()
		}()
	}
}

func (s *Server) ListenAndServe(addr string) error {
	if err := s.Listen(addr); err != nil {
		return err
	}
	return s.Serve()
}

// Close stops accepting, drops open client connections and waits for
// their handlers to return.
func (s *Server) Close() error {
	s.cancel()

	s.mu.Lock()
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	return err
}

// session is the per-connection protocol state. pid and secret are the
// cancel key handed to the client in BackendKeyData.
type session struct {
	backend *pgproto3.Backend
	client  *cluster.Client
	logger  *slog.Logger
	pid     uint32
	secret  uint32

	inTxn     bool
	failed    bool
	txnBuffer []store.Statement
	timeout   time.Duration

	mu         sync.Mutex
	cancelStmt context.CancelCauseFunc
}

// statementContext bounds one statement by the session's
// statement_timeout and makes it cancellable by a CancelRequest. The
// returned func must be called once the statement has finished.
func (s *session) statementContext(parent context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(parent)
	stop := func() {}
	if s.timeout > 0 {
		var stopTimeout context.CancelFunc
		ctx, stopTimeout = context.WithTimeoutCause(ctx, s.timeout, errStatementTimeout)
		stop = stopTimeout
	}

	s.mu.Lock()
	s.cancelStmt = cancel
	s.mu.Unlock()

	return ctx, func() {
		s.mu.Lock()
		s.cancelStmt = nil
		s.mu.Unlock()
		stop()
		cancel(nil)
	}
}

// cancelStatement cancels the running statement, if any.
func (s *session) cancelStatement() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelStmt == nil {
		return false
	}
	s.cancelStmt(errQueryCanceled)
	return true
}

// statementError attaches the reason a statement's context ended, so a
// cancelled or timed-out statement reports 57014. Call it before the
// statement's context is released.
func statementError(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	cause := context.Cause(ctx)
	if cause == nil || errors.Is(err, cause) {
		return err
	}
	return fmt.Errorf("%w: %w", cause, err)
}

func (s *session) txStatus() byte {
	switch {
	case s.failed:
		return 'E'
	case s.inTxn:
		return 'T'
	default:
		return 'I'
	}
}

func (s *session) ready() error {
	return s.backend.Send(&pgproto3.ReadyForQuery{TxStatus: s.txStatus()})
}

func (s *session) complete(tag string) error {
	if err := s.backend.Send(&pgproto3.CommandComplete{CommandTag: []byte(tag)}); err != nil {
		return err
	}
	return s.ready()
}

// fail reports err to the client. Inside a transaction the transaction is
// marked failed until the client rolls back.
func (s *session) fail(err error) error {
	s.logger.Error("Statement failed", "error", err)
	if s.inTxn {
		s.failed = true
	}
	if sendErr := s.backend.Send(errorResponse("ERROR", err)); sendErr != nil {
		return sendErr
	}
	return s.ready()
}

func errorResponse(severity string, err error) *pgproto3.ErrorResponse {
	code := "42000"
	switch {
	case errors.Is(err, errQueryCanceled), errors.Is(err, errStatementTimeout):
		code = "57014"
	case errors.Is(err, cluster.ErrPaused):
		code = "57P03"
	case errors.Is(err, cluster.ErrNoLeader):
		code = "40001"
	}
	return &pgproto3.ErrorResponse{Severity: severity, Code: code, Message: err.Error()}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()
	metrics.IncConnection()
	defer metrics.DecConnection()

	logger := s.logger.With("remote", conn.RemoteAddr().String())
	logger.Debug("New connection")

	backend := pgproto3.NewBackend(pgproto3.NewChunkReader(conn), conn)
	if !s.startup(conn, backend, logger) {
		return
	}

	client, err := s.cluster.Client(s.nodeID)
	if err != nil {
		backend.Send(errorResponse("FATAL", err))
		return
	}
	if err := client.Ping(); err != nil {
		logger.Info("Refusing connection", "error", err)
		backend.Send(errorResponse("FATAL", err))
		return
	}

	sess := &session{backend: backend, client: client, logger: logger}
	s.register(sess)
	defer s.unregister(sess)

	for _, msg := range []pgproto3.BackendMessage{
		&pgproto3.AuthenticationOk{},
		&pgproto3.ParameterStatus{Name: "server_version", Value: serverVersion},
		&pgproto3.ParameterStatus{Name: "client_encoding", Value: "UTF8"},
		&pgproto3.ParameterStatus{Name: "standard_conforming_strings", Value: "on"},
		&pgproto3.ParameterStatus{Name: "DateStyle", Value: "ISO, MDY"},
		&pgproto3.BackendKeyData{ProcessID: sess.pid, SecretKey: sess.secret},
		&pgproto3.ReadyForQuery{TxStatus: 'I'},
	} {
		if err := backend.Send(msg); err != nil {
			logger.Error("Failed to complete handshake", "error", err)
			return
		}
	}
	logger.Debug("PostgreSQL handshake completed", "pid", sess.pid)

	for {
		msg, err := backend.Receive()
		if err != nil {
			if errors.Is(err, io.EOF) || s.ctx.Err() != nil {
				logger.Debug("Client disconnected")
				return
			}
			logger.Error("Error receiving message", "error", err)
			return
		}

		switch v := msg.(type) {
		case *pgproto3.Query:
			if err := s.handleQuery(sess, v.String); err != nil {
				logger.Debug("Closing connection", "error", err)
				return
			}
		case *pgproto3.Terminate:
			logger.Debug("Client closing connection")
			return
		default:
			logger.Warn("Unsupported message type", "type", fmt.Sprintf("%T", msg))
			backend.Send(&pgproto3.ErrorResponse{
				Severity: "ERROR",
				Code:     "0A000",
				Message:  "only the simple query protocol is supported",
			})
			if err := sess.ready(); err != nil {
				return
			}
		}
	}
}

// startup reads the startup packet, declining SSL. It reports false when
// the connection should be dropped.
func (s *Server) startup(conn net.Conn, backend *pgproto3.Backend, logger *slog.Logger) bool {
	for {
		msg, err := backend.ReceiveStartupMessage()
		if err != nil {
			logger.Error("Failed to receive startup message", "error", err)
			return false
		}

		switch v := msg.(type) {
		case *pgproto3.SSLRequest, *pgproto3.GSSEncRequest:
			if _, err := conn.Write([]byte{'N'}); err != nil {
				logger.Error("Failed to decline encryption", "error", err)
				return false
			}
		case *pgproto3.StartupMessage:
			logger.Debug("Received startup message", "parameters", v.Parameters)
			return true
		case *pgproto3.CancelRequest:
			// The requester only waits for the connection to close.
			if s.cancelRequest(v.ProcessID, v.SecretKey) {
				logger.Info("Statement cancelled", "pid", v.ProcessID)
			} else {
				logger.Debug("Nothing to cancel", "pid", v.ProcessID)
			}
			return false
		default:
			logger.Error("Unexpected startup message", "type", fmt.Sprintf("%T", msg))
			return false
		}
	}
}

func (s *Server) register(sess *session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastPID++
	sess.pid = s.lastPID
	sess.secret = rand.Uint32()
	s.sessions[sess.pid] = sess
}

func (s *Server) unregister(sess *session) {
	s.mu.Lock()
	delete(s.sessions, sess.pid)
	s.mu.Unlock()
}

// cancelRequest cancels the running statement of the session holding the
// given key. A wrong secret is ignored.
func (s *Server) cancelRequest(pid, secret uint32) bool {
	s.mu.Lock()
	sess, ok := s.sessions[pid]
	s.mu.Unlock()
	if !ok || sess.secret != secret {
		return false
	}
	return sess.cancelStatement()
}

// parseTimeout accepts a statement_timeout value: plain milliseconds or a
// duration with a unit. Zero disables the timeout.
func parseTimeout(value string) (time.Duration, error) {
	if ms, err := strconv.ParseInt(value, 10, 64); err == nil && ms >= 0 {
		return time.Duration(ms) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("invalid value for statement_timeout: %q", value)
	}
	return d, nil
}

func (s *Server) handleQuery(sess *session, sql string) error {
	// A paused node drops its clients on their next statement, pings
	// included.
	if err := sess.client.Ping(); err != nil {
		sess.backend.Send(errorResponse("FATAL", err))
		return err
	}

	sql = strings.TrimSpace(sql)
	sql = strings.TrimSpace(strings.TrimRight(sql, ";"))
	if sql == "" {
		if err := sess.backend.Send(&pgproto3.EmptyQueryResponse{}); err != nil {
			return err
		}
		return sess.ready()
	}

	upper := strings.ToUpper(sql)
	verb := upper
	if i := strings.IndexAny(upper, " \t\n"); i >= 0 {
		verb = upper[:i]
	}

	switch verb {
	case "BEGIN", "START":
		sess.inTxn = true
		sess.failed = false
		sess.txnBuffer = nil
		return sess.complete("BEGIN")

	case "ROLLBACK", "ABORT":
		sess.inTxn = false
		sess.failed = false
		sess.txnBuffer = nil
		return sess.complete("ROLLBACK")

	case "COMMIT", "END":
		return s.commit(sess)

	case "SET":
		name, value, ok := store.ParseSet(sql)
		if !ok {
			return sess.fail(fmt.Errorf("malformed SET statement: %s", sql))
		}
		if name == "statement_timeout" {
			d, err := parseTimeout(value)
			if err != nil {
				return sess.fail(err)
			}
			sess.timeout = d
			return sess.complete("SET")
		}
		if sess.client.Set(name, value) {
			sess.logger.Debug("Session setting applied", "name", name, "value", value)
		}
		return sess.complete("SET")
	}

	if sess.failed {
		return sess.fail(errors.New("current transaction is aborted, commands ignored until end of transaction block"))
	}

	if isWrite(verb) {
		st := store.Statement{SQL: sql}
		if sess.inTxn {
			sess.txnBuffer = append(sess.txnBuffer, st)
			return sess.complete(commandTag(verb, 1))
		}
		ctx, done := sess.statementContext(s.ctx)
		rows, err := sess.client.Exec(ctx, st)
		err = statementError(ctx, err)
		done()
		if err != nil {
			return sess.fail(err)
		}
		var n int64
		if len(rows) > 0 {
			n = rows[0]
		}
		return sess.complete(commandTag(verb, n))
	}

	ctx, done := sess.statementContext(s.ctx)
	fields, rows, err := sess.client.Query(ctx, sql)
	err = statementError(ctx, err)
	done()
	if err != nil {
		return sess.fail(err)
	}
	if err := sess.backend.Send(&pgproto3.RowDescription{Fields: fields}); err != nil {
		return err
	}
	for _, row := range rows {
		if err := sess.backend.Send(&pgproto3.DataRow{Values: row}); err != nil {
			return err
		}
	}
	return sess.complete(fmt.Sprintf("SELECT %d", len(rows)))
}

func (s *Server) commit(sess *session) error {
	if sess.failed {
		sess.inTxn, sess.failed, sess.txnBuffer = false, false, nil
		return sess.complete("ROLLBACK")
	}

	buffered := sess.txnBuffer
	sess.inTxn, sess.txnBuffer = false, nil
	if len(buffered) > 0 {
		sess.logger.Debug("Committing transaction", "statements", len(buffered))
		ctx, done := sess.statementContext(s.ctx)
		_, err := sess.client.Exec(ctx, buffered...)
		err = statementError(ctx, err)
		done()
		if err != nil {
			return sess.fail(err)
		}
	}
	return sess.complete("COMMIT")
}

func isWrite(verb string) bool {
	switch verb {
	case "INSERT", "UPDATE", "DELETE", "REPLACE", "CREATE", "DROP", "ALTER":
		return true
	}
	return false
}

func commandTag(verb string, rows int64) string {
	switch verb {
	case "INSERT", "REPLACE":
		return fmt.Sprintf("INSERT 0 %d", rows)
	case "UPDATE":
		return fmt.Sprintf("UPDATE %d", rows)
	case "DELETE":
		return fmt.Sprintf("DELETE %d", rows)
	case "CREATE":
		return "CREATE TABLE"
	case "DROP":
		return "DROP TABLE"
	case "ALTER":
		return "ALTER TABLE"
	}
	return "OK"
}
