// Package postgres provides a Postgres-backed persistent store that mirrors
// the in-memory semantics and adds a store-level allocation guard so that
// concurrent service instances cannot double-book an animal.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"vivarium/internal/infra/persistence/memory"
	"vivarium/pkg/domain"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
)

// Compile-time contract assertion ensuring the store satisfies the domain interface.
var _ domain.PersistentStore = (*Store)(nil)

const (
	defaultDriver = "pgx"
	defaultDSN    = "postgres://localhost/vivarium?sslmode=disable"
)

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

// Store persists state to Postgres while reusing the in-memory implementation
// for transactions. Every successful transaction is snapshotted to the
// `state` table; active allocations are additionally mirrored into the
// `allocation_guard` table inside the same SQL transaction, whose unique
// animal index is the multi-instance defense against double-booking.
type Store struct {
	*memory.Store
	db *sql.DB
	mu sync.Mutex
}

// NewStore opens a Postgres-backed store using the provided DSN (falls back
// to defaultDSN), ensures the snapshot and guard tables exist, and hydrates
// the in-memory store from any existing snapshot.
func NewStore(dsn string, engine *domain.RulesEngine) (*Store, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	openMu.Lock()
	db, err := sqlOpen(defaultDriver, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := ensureTables(ctx, db); err != nil {
		return nil, err
	}
	snapshot, err := loadSnapshot(ctx, db)
	if err != nil {
		return nil, err
	}
	mem := memory.NewStore(engine)
	mem.ImportState(snapshot)
	return &Store{Store: mem, db: db}, nil
}

// RunInTransaction applies the provided function within a transaction, then
// snapshots to Postgres. Guard-table conflicts surface as
// domain.ConflictError so callers can retry with fresh candidates. When the
// SQL persist fails the in-memory commit is rolled back to the
// pre-transaction snapshot, keeping memory and durable state in step.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx domain.Transaction) error) (domain.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	before := s.ExportState()
	res, err := s.Store.RunInTransaction(ctx, fn)
	if err != nil {
		return res, err
	}
	if err := s.persist(ctx); err != nil {
		s.ImportState(before)
		return res, err
	}
	return res, nil
}

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

func ensureTables(ctx context.Context, db *sql.DB) error {
	ddls := []string{
		`CREATE TABLE IF NOT EXISTS state (
			bucket TEXT PRIMARY KEY,
			payload JSONB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS allocation_guard (
			animal_id TEXT PRIMARY KEY,
			request_id TEXT NOT NULL,
			allocation_id TEXT NOT NULL
		)`,
	}
	for _, ddl := range ddls {
		if _, err := db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("ensure tables: %w", err)
		}
	}
	return nil
}

var postgresBuckets = []string{"animals", "requests", "allocations", "housing", "facilities", "studies", "samples"}

func loadSnapshot(ctx context.Context, db *sql.DB) (memory.Snapshot, error) {
	rows, err := db.QueryContext(ctx, `SELECT bucket, payload FROM state`)
	if err != nil {
		return memory.Snapshot{}, fmt.Errorf("select state: %w", err)
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
	for rows.Next() {
		var bucket string
		var payload []byte
		if err := rows.Scan(&bucket, &payload); err != nil {
			return memory.Snapshot{}, fmt.Errorf("scan state: %w", err)
		}
		if len(payload) == 0 {
			continue
		}
		if target, ok := targets[bucket]; ok {
			if err := json.Unmarshal(payload, target); err != nil {
				return memory.Snapshot{}, fmt.Errorf("decode %s: %w", bucket, err)
			}
		}
	}
	if err := rows.Err(); err != nil {
		return memory.Snapshot{}, fmt.Errorf("iterate state: %w", err)
	}
	return snapshot, nil
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

// persist snapshots the full state to the SQL backend. Callers hold s.mu.
func (s *Store) persist(ctx context.Context) error {
	snapshot := s.ExportState()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	for _, bucket := range postgresBuckets {
		data, err := marshalBucket(snapshot, bucket)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO state(bucket,payload) VALUES($1,$2) ON CONFLICT(bucket) DO UPDATE SET payload=EXCLUDED.payload`, bucket, data); err != nil {
			return fmt.Errorf("upsert %s: %w", bucket, err)
		}
	}
	if err := syncAllocationGuard(ctx, tx, snapshot); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	committed = true
	return nil
}

// syncAllocationGuard reconciles the guard table with the snapshot's active
// allocations. Inserting a row for an animal another instance already holds
// violates the primary key and aborts the whole persist, surfacing as a
// ConflictError naming the contested animal.
func syncAllocationGuard(ctx context.Context, tx *sql.Tx, snapshot memory.Snapshot) error {
	active := make(map[string]domain.Allocation)
	for _, allocation := range snapshot.Allocations {
		if allocation.Active() {
			active[allocation.AnimalID] = allocation
		}
	}

	rows, err := tx.QueryContext(ctx, `SELECT animal_id, allocation_id FROM allocation_guard`)
	if err != nil {
		return fmt.Errorf("select guard: %w", err)
	}
	held := make(map[string]string)
	for rows.Next() {
		var animalID, allocationID string
		if err := rows.Scan(&animalID, &allocationID); err != nil {
			_ = rows.Close()
			return fmt.Errorf("scan guard: %w", err)
		}
		held[animalID] = allocationID
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return fmt.Errorf("iterate guard: %w", err)
	}
	_ = rows.Close()

	for animalID, allocationID := range held {
		current, stillActive := active[animalID]
		if stillActive && current.ID == allocationID {
			continue
		}
		if _, ours := snapshot.Allocations[allocationID]; !ours {
			if stillActive {
				// Held by another instance's allocation this snapshot does
				// not know about.
				return domain.ConflictError{AnimalIDs: []string{animalID}}
			}
			// Another instance's row for an animal we do not hold.
			continue
		}
		// Our own stale row: the allocation was released (and possibly
		// superseded by a new one inserted below).
		if _, err := tx.ExecContext(ctx, `DELETE FROM allocation_guard WHERE animal_id=$1 AND allocation_id=$2`, animalID, allocationID); err != nil {
			return fmt.Errorf("release guard %s: %w", animalID, err)
		}
		delete(held, animalID)
	}

	for animalID, allocation := range active {
		if _, ok := held[animalID]; ok {
			continue
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO allocation_guard(animal_id,request_id,allocation_id) VALUES($1,$2,$3)`, animalID, allocation.RequestID, allocation.ID); err != nil {
			if isUniqueViolation(err) {
				return domain.ConflictError{AnimalIDs: []string{animalID}}
			}
			return fmt.Errorf("acquire guard %s: %w", animalID, err)
		}
	}
	return nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	// pgx surfaces SQLSTATE 23505 for unique violations; matching on the text
	// keeps this independent of the driver's error type.
	msg := err.Error()
	return strings.Contains(msg, "23505") || strings.Contains(msg, "duplicate key")
}

// OverrideSQLOpen swaps the sqlOpen function for tests and returns a restore function.
func OverrideSQLOpen(fn func(driverName, dataSourceName string) (*sql.DB, error)) func() {
	openMu.Lock()
	defer openMu.Unlock()
	prev := sqlOpen
	sqlOpen = fn
	return func() {
		openMu.Lock()
		defer openMu.Unlock()
		sqlOpen = prev
	}
}
