package cluster

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/raft"
)

// SnapshotVersion is the first byte of every persisted snapshot. It is
// followed by the applied index (8 bytes, big endian) and a copy of the
// SQLite database file.
const SnapshotVersion byte = 1

type FSMSnapshot struct {
	path  string
	index uint64
}

// Snapshot copies the database with VACUUM INTO so Apply can continue
// while the copy is persisted.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.db == nil {
		return nil, fmt.Errorf("database is closed")
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.path), "snapshot-*.db")
	if err != nil {
		return nil, fmt.Errorf("failed to create snapshot file: %w", err)
	}
	path := tmp.Name()
	tmp.Close()
	// VACUUM INTO refuses to overwrite an existing file.
	os.Remove(path)

	if _, err := f.db.Exec(fmt.Sprintf("VACUUM INTO '%s'", strings.ReplaceAll(path, "'", "''"))); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("failed to copy database: %w", err)
	}

	return &FSMSnapshot{path: path, index: f.applied.Load()}, nil
}

func (s *FSMSnapshot) Persist(sink raft.SnapshotSink) error {
	if err := s.write(sink); err != nil {
		sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *FSMSnapshot) write(w io.Writer) error {
	header := make([]byte, 9)
	header[0] = SnapshotVersion
	binary.BigEndian.PutUint64(header[1:], s.index)
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("failed to write snapshot header: %w", err)
	}

	f, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("failed to open snapshot file: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	return nil
}

func (s *FSMSnapshot) Release() {
	os.Remove(s.path)
}

// Restore replaces the database with the snapshot contents and reopens it.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	header := make([]byte, 9)
	if _, err := io.ReadFull(rc, header[:1]); err != nil {
		return fmt.Errorf("failed to read snapshot version: %w", err)
	}
	if header[0] != SnapshotVersion {
		return fmt.Errorf("incompatible snapshot version %d (expected %d)", header[0], SnapshotVersion)
	}
	if _, err := io.ReadFull(rc, header[1:]); err != nil {
		return fmt.Errorf("failed to read snapshot index: %w", err)
	}
	index := binary.BigEndian.Uint64(header[1:])

	tmpPath := f.path + ".restore"
	tmp, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("failed to create restore file: %w", err)
	}
	if _, err := io.Copy(tmp, rc); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to read snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.db != nil {
		f.db.Close()
		f.db = nil
	}
	for _, suffix := range []string{"", "-wal", "-shm"} {
		os.Remove(f.path + suffix)
	}
	if err := os.Rename(tmpPath, f.path); err != nil {
		return fmt.Errorf("failed to replace database: %w", err)
	}

	db, err := openDB(f.path)
	if err != nil {
		return err
	}
	f.db = db
	f.applied.Store(index)
	return nil
}
