package store

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
)

const (
	KeyColumn   = "c1"
	ValueColumn = "c2"
)

type Statement struct {
	SQL  string
	Args []any
}

// Dialect renders the handful of statements the probe and the load
// generator need for one database/sql driver.
type Dialect interface {
	// DriverName is the name registered with database/sql.
	DriverName() string
	DSN(h NodeHandle) string
	DefaultSession() []string
	CreateTable(table string) Statement
	Upsert(table, key, value string) Statement
	Select(table, key string) Statement
	DeleteAll(table string) Statement
}

func LookupDialect(name string) (Dialect, error) {
	switch strings.ToLower(name) {
	case "mysql", "galera", "pxc":
		return MySQL{}, nil
	case "postgres", "postgresql", "pq":
		return Postgres{}, nil
	case "sqlite3", "sqlite":
		return SQLite{}, nil
	default:
		return nil, fmt.Errorf("unknown dialect: %s", name)
	}
}

// MySQL targets MySQL and Galera-based clusters (PXC, MariaDB Galera).
type MySQL struct {
	Timeout time.Duration
}

func (MySQL) DriverName() string { return "mysql" }

func (d MySQL) DSN(h NodeHandle) string {
	cfg := mysql.NewConfig()
	cfg.User = h.User
	cfg.Passwd = h.Password
	cfg.Net = "tcp"
	cfg.Addr = net.JoinHostPort(h.Host, strconv.Itoa(h.Port))
	cfg.DBName = h.Database
	cfg.Timeout = d.Timeout
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	return cfg.FormatDSN()
}

func (MySQL) DefaultSession() []string {
	return []string{"SET SESSION wsrep_sync_wait = 1"}
}

func (MySQL) quote(table string) string {
	return "`" + strings.ReplaceAll(table, "`", "``") + "`"
}

func (d MySQL) CreateTable(table string) Statement {
	return Statement{SQL: fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s (%s VARCHAR(64) NOT NULL PRIMARY KEY, %s VARCHAR(64) NOT NULL) ENGINE=InnoDB",
		d.quote(table), KeyColumn, ValueColumn)}
}

func (d MySQL) Upsert(table, key, value string) Statement {
	return Statement{
		SQL: fmt.Sprintf("INSERT INTO %s (%s, %s) VALUES (?, ?) ON DUPLICATE KEY UPDATE %s = VALUES(%s)",
			d.quote(table), KeyColumn, ValueColumn, ValueColumn, ValueColumn),
		Args: []any{key, value},
	}
}

func (d MySQL) Select(table, key string) Statement {
	return Statement{
		SQL:  fmt.Sprintf("SELECT %s FROM %s WHERE %s = ?", ValueColumn, d.quote(table), KeyColumn),
		Args: []any{key},
	}
}

func (d MySQL) DeleteAll(table string) Statement {
	return Statement{SQL: "DELETE FROM " + d.quote(table)}
}

// Postgres renders statements with inlined literals so that they travel
// over the simple query protocol. The sandbox front end only speaks that
// protocol.
type Postgres struct{}

func (Postgres) DriverName() string { return "postgres" }

func (Postgres) DSN(h NodeHandle) string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(h.User, h.Password),
		Host:     net.JoinHostPort(h.Host, strconv.Itoa(h.Port)),
		Path:     "/" + h.Database,
		RawQuery: "sslmode=disable&connect_timeout=5",
	}
	return u.String()
}

func (Postgres) DefaultSession() []string {
	return []string{"SET synchronous_commit = remote_apply"}
}

func (Postgres) CreateTable(table string) Statement {
	return Statement{SQL: fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s (%s TEXT PRIMARY KEY, %s TEXT NOT NULL)",
		pq.QuoteIdentifier(table), KeyColumn, ValueColumn)}
}

func (Postgres) Upsert(table, key, value string) Statement {
	return Statement{SQL: fmt.Sprintf(
		"INSERT INTO %s (%s, %s) VALUES (%s, %s) ON CONFLICT (%s) DO UPDATE SET %s = EXCLUDED.%s",
		pq.QuoteIdentifier(table), KeyColumn, ValueColumn,
		pq.QuoteLiteral(key), pq.QuoteLiteral(value),
		KeyColumn, ValueColumn, ValueColumn)}
}

func (Postgres) Select(table, key string) Statement {
	return Statement{SQL: fmt.Sprintf("SELECT %s FROM %s WHERE %s = %s",
		ValueColumn, pq.QuoteIdentifier(table), KeyColumn, pq.QuoteLiteral(key))}
}

func (Postgres) DeleteAll(table string) Statement {
	return Statement{SQL: "DELETE FROM " + pq.QuoteIdentifier(table)}
}

// SQLite treats NodeHandle.Database as the database file path. Host and
// port are ignored.
type SQLite struct{}

func (SQLite) DriverName() string { return "sqlite3" }

func (SQLite) DSN(h NodeHandle) string {
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", h.Database)
}

func (SQLite) DefaultSession() []string { return nil }

func (SQLite) CreateTable(table string) Statement {
	return Postgres{}.CreateTable(table)
}

func (SQLite) Upsert(table, key, value string) Statement {
	return Statement{
		SQL: fmt.Sprintf("INSERT INTO %s (%s, %s) VALUES (?, ?) ON CONFLICT (%s) DO UPDATE SET %s = excluded.%s",
			pq.QuoteIdentifier(table), KeyColumn, ValueColumn, KeyColumn, ValueColumn, ValueColumn),
		Args: []any{key, value},
	}
}

func (SQLite) Select(table, key string) Statement {
	return Statement{
		SQL:  fmt.Sprintf("SELECT %s FROM %s WHERE %s = ?", ValueColumn, pq.QuoteIdentifier(table), KeyColumn),
		Args: []any{key},
	}
}

func (SQLite) DeleteAll(table string) Statement {
	return Postgres{}.DeleteAll(table)
}

// SessionFor resolves the statements to run on a new session.
func SessionFor(d Dialect, h NodeHandle) []string {
	if h.Session == nil {
		return d.DefaultSession()
	}
	return h.Session
}
