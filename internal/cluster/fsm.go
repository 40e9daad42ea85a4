package cluster

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/raft"
	"github.com/jackc/pgproto3/v2"
	_ "github.com/mattn/go-sqlite3"

	"github.com/bit2swaz/syncprobe/internal/store"
)

const (
	CommandExecute = "EXECUTE"
	CommandBatch   = "BATCH"
)

// Command is the payload of one Raft log entry. A batch is executed in a
// single SQLite transaction.
type Command struct {
	Type       string            `json:"type"`
	Statements []store.Statement `json:"statements"`
}

type ApplyResponse struct {
	Error        error
	RowsAffected []int64
}

// FSM is one node's SQLite database driven by the Raft log.
type FSM struct {
	mu      sync.RWMutex
	path    string
	db      *sql.DB
	applied atomic.Uint64
	// notify is signalled after every applied entry.
	notify func(index uint64)
}

func dsn(path string) string {
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path)
}

func openDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

// NewFSM opens (or creates) the SQLite database at path.
func NewFSM(path string) (*FSM, error) {
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	return &FSM{path: path, db: db}, nil
}

func (f *FSM) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.db != nil {
		err := f.db.Close()
		f.db = nil
		return err
	}
	return nil
}

// AppliedIndex is the index of the last log entry this FSM executed.
func (f *FSM) AppliedIndex() uint64 {
	return f.applied.Load()
}

func (f *FSM) Apply(l *raft.Log) interface{} {
	defer func() {
		f.applied.Store(l.Index)
		if f.notify != nil {
			f.notify(l.Index)
		}
	}()

	var cmd Command
	if err := json.Unmarshal(l.Data, &cmd); err != nil {
		return &ApplyResponse{Error: fmt.Errorf("failed to unmarshal command: %w", err)}
	}

	switch cmd.Type {
	case CommandExecute, CommandBatch:
		rows, err := f.execBatch(cmd.Statements)
		return &ApplyResponse{Error: err, RowsAffected: rows}
	default:
		return &ApplyResponse{Error: fmt.Errorf("unknown command type: %s", cmd.Type)}
	}
}

func (f *FSM) execBatch(stmts []store.Statement) ([]int64, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.db == nil {
		return nil, errors.New("database is closed")
	}

	tx, err := f.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}

	rows := make([]int64, 0, len(stmts))
	for i, st := range stmts {
		res, err := tx.Exec(st.SQL, st.Args...)
		if err != nil {
			tx.Rollback()
			return nil, fmt.Errorf("statement %d failed: %w", i, err)
		}
		n, _ := res.RowsAffected()
		rows = append(rows, n)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return rows, nil
}

// Query runs a read against the local database and returns the rows in
// PostgreSQL text format.
func (f *FSM) Query(ctx context.Context, query string, args ...any) ([]pgproto3.FieldDescription, [][][]byte, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.db == nil {
		return nil, nil, errors.New("database is closed")
	}

	rows, err := f.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	columnTypes, err := rows.ColumnTypes()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get column types: %w", err)
	}

	fields := make([]pgproto3.FieldDescription, len(columnTypes))
	for i, col := range columnTypes {
		fields[i] = pgproto3.FieldDescription{
			Name:         []byte(col.Name()),
			DataTypeOID:  columnOID(col.DatabaseTypeName()),
			DataTypeSize: -1,
			TypeModifier: -1,
			Format:       0,
		}
	}

	numColumns := len(columnTypes)
	var result [][][]byte
	for rows.Next() {
		values := make([]any, numColumns)
		scans := make([]any, numColumns)
		for i := range values {
			scans[i] = &values[i]
		}
		if err := rows.Scan(scans...); err != nil {
			return nil, nil, fmt.Errorf("failed to scan row: %w", err)
		}

		encoded := make([][]byte, numColumns)
		for i, val := range values {
			_, enc, err := encodeValue(val)
			if err != nil {
				return nil, nil, fmt.Errorf("failed to encode value at column %d: %w", i, err)
			}
			encoded[i] = enc
		}
		result = append(result, encoded)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return fields, result, nil
}
