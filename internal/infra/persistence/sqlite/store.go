// Package sqlite provides the default durable backend: the in-memory
// transactional store snapshotted to a single SQLite table as JSON buckets
// after every successful transaction.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"vivarium/internal/infra/persistence/memory"
	"vivarium/pkg/domain"

	_ "modernc.org/sqlite" // pure go sqlite driver
)

// Compile-time contract assertion ensuring the store satisfies the domain interface.
var _ domain.PersistentStore = (*Store)(nil)

// Store persists the in-memory state to SQLite. It snapshots the full state
// after every successful transaction.
type Store struct {
	*memory.Store
	db   *sql.DB
	mu   sync.Mutex
	path string
}

// NewStore constructs a snapshotting SQLite-backed persistent store.
func NewStore(path string, engine *domain.RulesEngine) (*Store, error) {
	if path == "" {
		path = "vivarium.db"
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create dirs: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS state (
		bucket TEXT PRIMARY KEY,
		payload BLOB NOT NULL
	)`); err != nil {
		return nil, fmt.Errorf("create state table: %w", err)
	}
	s := &Store{Store: memory.NewStore(engine), db: db, path: path}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

var sqliteBuckets = []string{"animals", "requests", "allocations", "housing", "facilities", "studies", "samples"}

func (s *Store) load() error {
	rows, err := s.db.Query(`SELECT bucket, payload FROM state`)
	if err != nil {
		return fmt.Errorf("select state: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var snapshot memory.Snapshot
	targets := map[string]any{
		"animals":     &snapshot.Animals,
		"requests":    &snapshot.Requests,
		"allocations": &snapshot.Allocations,
		"housing":     &snapshot.Housing,
		"facilities":  &snapshot.Facilities,
		"studies":     &snapshot.Studies,
		"samples":     &snapshot.Samples,
	}
	loaded := false
	for rows.Next() {
		var bucket string
		var payload []byte
		if err := rows.Scan(&bucket, &payload); err != nil {
			return fmt.Errorf("scan state: %w", err)
		}
		if len(payload) == 0 {
			continue
		}
		if target, ok := targets[bucket]; ok {
			if err := json.Unmarshal(payload, target); err != nil {
				return fmt.Errorf("decode %s: %w", bucket, err)
			}
			loaded = true
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate state: %w", err)
	}
	if loaded {
		s.ImportState(snapshot)
	}
	return nil
}

// persist snapshots the full state to SQLite. Callers hold s.mu.
func (s *Store) persist() (retErr error) {
	snapshot := s.ExportState()
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	for _, bucket := range sqliteBuckets {
		data, err := marshalBucket(snapshot, bucket)
		if err != nil {
			retErr = err
			return retErr
		}
		if _, err = tx.Exec(`INSERT INTO state(bucket,payload) VALUES(?,?) ON CONFLICT(bucket) DO UPDATE SET payload=excluded.payload`, bucket, data); err != nil {
			retErr = fmt.Errorf("upsert %s: %w", bucket, err)
			return retErr
		}
	}
	if err = tx.Commit(); err != nil {
		return err
	}
	return nil
}

func marshalBucket(snapshot memory.Snapshot, bucket string) ([]byte, error) {
	switch bucket {
	case "animals":
		return json.Marshal(snapshot.Animals)
	case "requests":
		return json.Marshal(snapshot.Requests)
	case "allocations":
		return json.Marshal(snapshot.Allocations)
	case "housing":
		return json.Marshal(snapshot.Housing)
	case "facilities":
		return json.Marshal(snapshot.Facilities)
	case "studies":
		return json.Marshal(snapshot.Studies)
	case "samples":
		return json.Marshal(snapshot.Samples)
	default:
		return nil, fmt.Errorf("unknown bucket %s", bucket)
	}
}

// RunInTransaction applies the provided function within a transaction, then
// snapshots state to SQLite. When the snapshot write fails the in-memory
// commit is rolled back to the pre-transaction state, so a transient database
// error never leaves memory ahead of disk.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx domain.Transaction) error) (domain.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	before := s.ExportState()
	res, err := s.Store.RunInTransaction(ctx, fn)
	if err != nil {
		return res, err
	}
	if pErr := s.persist(); pErr != nil {
		s.ImportState(before)
		return res, pErr
	}
	return res, nil
}

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Path returns the configured database path.
func (s *Store) Path() string { return s.path }

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }
