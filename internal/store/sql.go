package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// SQLConnector opens one dedicated database/sql session per connection, so
// session settings stick for the connection's lifetime.
type SQLConnector struct {
	dialect Dialect
}

func NewSQLConnector(d Dialect) *SQLConnector {
	return &SQLConnector{dialect: d}
}

func (c *SQLConnector) Connect(ctx context.Context, h NodeHandle) (Conn, error) {
	db, err := sql.Open(c.dialect.DriverName(), c.dialect.DSN(h))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One physical session per Conn.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	conn, err := db.Conn(ctx)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to %s: %w", h.Addr(), err)
	}

	for _, stmt := range SessionFor(c.dialect, h) {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			conn.Close()
			db.Close()
			return nil, fmt.Errorf("failed to apply session setting %q: %w", stmt, err)
		}
	}

	return &sqlConn{db: db, conn: conn, dialect: c.dialect}, nil
}

type sqlConn struct {
	db      *sql.DB
	conn    *sql.Conn
	dialect Dialect
}

func (c *sqlConn) Ping(ctx context.Context) error {
	return c.conn.PingContext(ctx)
}

func (c *sqlConn) Prepare(ctx context.Context, table string) error {
	st := c.dialect.CreateTable(table)
	if _, err := c.conn.ExecContext(ctx, st.SQL, st.Args...); err != nil {
		return &StatementError{Op: OpExecute, Err: err}
	}
	return nil
}

func (c *sqlConn) Upsert(ctx context.Context, table, key, value string) (int64, error) {
	tx, err := c.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, &StatementError{Op: OpBegin, Err: err}
	}

	st := c.dialect.Upsert(table, key, value)
	res, err := tx.ExecContext(ctx, st.SQL, st.Args...)
	if err != nil {
		tx.Rollback()
		return 0, &StatementError{Op: OpExecute, Err: err}
	}

	if err := tx.Commit(); err != nil {
		return 0, &StatementError{Op: OpCommit, Err: err}
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return n, nil
}

func (c *sqlConn) Get(ctx context.Context, table, key string) (string, bool, error) {
	st := c.dialect.Select(table, key)

	var value string
	err := c.conn.QueryRowContext(ctx, st.SQL, st.Args...).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, &StatementError{Op: OpQuery, Err: err}
	}
	return value, true, nil
}

func (c *sqlConn) DeleteAll(ctx context.Context, table string) (int64, error) {
	st := c.dialect.DeleteAll(table)
	res, err := c.conn.ExecContext(ctx, st.SQL, st.Args...)
	if err != nil {
		return 0, &StatementError{Op: OpExecute, Err: err}
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (c *sqlConn) Close() error {
	err := c.conn.Close()
	if dbErr := c.db.Close(); err == nil {
		err = dbErr
	}
	return err
}
