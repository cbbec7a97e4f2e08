package core

import (
	"fmt"
	"os"

	"vivarium/internal/infra/persistence/memory"
	"vivarium/internal/infra/persistence/postgres"
	"vivarium/internal/infra/persistence/sqlite"
	"vivarium/pkg/domain"
)

// StorageDriver identifies a concrete persistent storage implementation.
type StorageDriver string

const (
	StorageMemory   StorageDriver = "memory"   // in-memory only (tests / ephemeral)
	StorageSQLite   StorageDriver = "sqlite"   // embedded sqlite file
	StoragePostgres StorageDriver = "postgres" // PostgreSQL server
)

type (
	Transaction     = domain.Transaction
	TransactionView = domain.TransactionView
	PersistentStore = domain.PersistentStore
)

// OpenPersistentStore selects a backend using environment variables.
// Defaults to sqlite when unset.
//
//	VIVARIUM_STORAGE_DRIVER: memory|sqlite|postgres (default sqlite)
//	VIVARIUM_SQLITE_PATH: path to sqlite file (default ./vivarium.db)
//	VIVARIUM_POSTGRES_DSN: postgres DSN when driver=postgres
func OpenPersistentStore(engine *RulesEngine) (PersistentStore, error) {
	driver := os.Getenv("VIVARIUM_STORAGE_DRIVER")
	if driver == "" {
		driver = string(StorageSQLite)
	}
	switch StorageDriver(driver) {
	case StorageMemory:
		return memory.NewStore(engine), nil
	case StorageSQLite:
		path := os.Getenv("VIVARIUM_SQLITE_PATH")
		return sqlite.NewStore(path, engine)
	case StoragePostgres:
		dsn := os.Getenv("VIVARIUM_POSTGRES_DSN")
		return postgres.NewStore(dsn, engine)
	default:
		return nil, fmt.Errorf("unknown storage driver %s", driver)
	}
}
