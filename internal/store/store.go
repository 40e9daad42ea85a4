package store

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
)

// NodeHandle identifies one database endpoint. Session holds the statements
// run once on every new connection; nil means the dialect default and an
// empty slice means none.
type NodeHandle struct {
	Name     string
	Host     string
	Port     int
	User     string
	Password string
	Database string
	Session  []string
}

func (h NodeHandle) Addr() string {
	return net.JoinHostPort(h.Host, strconv.Itoa(h.Port))
}

func (h NodeHandle) String() string {
	return fmt.Sprintf("%s(%s)", h.Name, h.Addr())
}

// Conn is a live session to a single node.
type Conn interface {
	Ping(ctx context.Context) error
	// Prepare creates the key/value table if it does not exist yet.
	Prepare(ctx context.Context, table string) error
	// Upsert writes key=value inside one explicit transaction and returns
	// the affected row count reported by the server.
	Upsert(ctx context.Context, table, key, value string) (int64, error)
	Get(ctx context.Context, table, key string) (value string, found bool, err error)
	DeleteAll(ctx context.Context, table string) (int64, error)
	Close() error
}

// Connector opens sessions. Implementations apply the handle's session
// statements before returning.
type Connector interface {
	Connect(ctx context.Context, h NodeHandle) (Conn, error)
}

type Op string

const (
	OpBegin   Op = "begin"
	OpExecute Op = "execute"
	OpCommit  Op = "commit"
	OpQuery   Op = "query"
)

// StatementError is returned when a statement reaches the server and fails.
type StatementError struct {
	Op  Op
	Err error
}

func (e *StatementError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *StatementError) Unwrap() error {
	return e.Err
}

// MySQL error numbers a Galera node returns for a transaction that lost
// certification or a lock race and may simply be run again.
var retryableMySQL = map[uint16]bool{
	1205: true, // ER_LOCK_WAIT_TIMEOUT
	1206: true, // ER_LOCK_TABLE_FULL
	1213: true, // ER_LOCK_DEADLOCK
	1317: true, // ER_QUERY_INTERRUPTED
}

// IsRetryable reports whether err is a write conflict the server expects
// the client to retry.
func IsRetryable(err error) bool {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return retryableMySQL[myErr.Number]
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "40001" || pqErr.Code == "40P01"
	}

	return errors.Is(err, ErrConflict)
}

// ErrConflict may be wrapped by non-SQL connectors to signal a retryable
// write conflict.
var ErrConflict = errors.New("write conflict")
