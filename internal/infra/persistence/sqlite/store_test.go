package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"vivarium/pkg/domain"
)

func TestStatePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vivarium.db")

	store, err := NewStore(path, domain.NewRulesEngine())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	var animal domain.Animal
	if _, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		var txErr error
		animal, txErr = tx.CreateAnimal(domain.Animal{Name: "m-001", Species: "Mus musculus", Strain: "C57BL/6J"})
		return txErr
	}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := NewStore(path, domain.NewRulesEngine())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = reopened.Close() }()

	got, ok := reopened.GetAnimal(animal.ID)
	if !ok {
		t.Fatalf("animal missing after reopen")
	}
	if got.Name != "m-001" || got.Species != "Mus musculus" {
		t.Fatalf("unexpected animal after reopen: %+v", got)
	}
}

func TestFailedTransactionNotPersisted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vivarium.db")
	store, err := NewStore(path, domain.NewRulesEngine())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer func() { _ = store.Close() }()

	_, err = store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		if _, txErr := tx.CreateAnimal(domain.Animal{Name: "ghost", Species: "Mus musculus", Strain: "C57BL/6J"}); txErr != nil {
			return txErr
		}
		return domain.ValidationError{Field: "test", Message: "forced failure"}
	})
	if err == nil {
		t.Fatalf("expected error")
	}
	if got := store.ListAnimals(); len(got) != 0 {
		t.Fatalf("failed transaction leaked %d animals", len(got))
	}
}

func TestAllocationRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vivarium.db")
	store, err := NewStore(path, domain.NewRulesEngine())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	var animal domain.Animal
	var request domain.AnimalRequest
	if _, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		var txErr error
		if animal, txErr = tx.CreateAnimal(domain.Animal{Name: "m-002", Species: "Mus musculus", Strain: "C57BL/6J"}); txErr != nil {
			return txErr
		}
		if request, txErr = tx.CreateAnimalRequest(domain.AnimalRequest{
			Title:             "cohort",
			RequestedBy:       "tech",
			Criteria:          domain.Criteria{Species: "Mus musculus", Strain: "C57BL/6J"},
			QuantityRequested: 1,
		}); txErr != nil {
			return txErr
		}
		_, txErr = tx.CreateAllocation(domain.Allocation{RequestID: request.ID, AnimalID: animal.ID, AllocatedBy: "tech"})
		return txErr
	}); err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := NewStore(path, domain.NewRulesEngine())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = reopened.Close() }()

	allocations := reopened.ListAllocations()
	if len(allocations) != 1 {
		t.Fatalf("expected 1 allocation after reopen, got %d", len(allocations))
	}
	if !allocations[0].Active() {
		t.Fatalf("allocation should still be active")
	}
	req, _ := reopened.GetAnimalRequest(request.ID)
	if req.QuantityAllocated != 1 {
		t.Fatalf("expected allocated quantity 1 after reopen, got %d", req.QuantityAllocated)
	}
}

func TestSnapshotFailureRollsBackMemory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vivarium.db")
	store, err := NewStore(path, domain.NewRulesEngine())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	var animal domain.Animal
	if _, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		var txErr error
		animal, txErr = tx.CreateAnimal(domain.Animal{Name: "m-003", Species: "Mus musculus", Strain: "C57BL/6J"})
		return txErr
	}); err != nil {
		t.Fatalf("create: %v", err)
	}

	// A closed handle makes the snapshot write fail; the in-memory commit
	// must roll back with it.
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	_, err = store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, txErr := tx.CreateAnimal(domain.Animal{Name: "m-004", Species: "Mus musculus", Strain: "C57BL/6J"})
		return txErr
	})
	if err == nil {
		t.Fatalf("expected snapshot failure to surface")
	}
	animals := store.ListAnimals()
	if len(animals) != 1 || animals[0].ID != animal.ID {
		t.Fatalf("memory should hold only the persisted animal, got %d", len(animals))
	}
}
