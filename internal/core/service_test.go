package core_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"vivarium/internal/core"
	"vivarium/pkg/domain"
)

func newTestService(t *testing.T, opts ...core.Option) *core.Service {
	t.Helper()
	return core.NewInMemoryService(core.NewDefaultRulesEngine(), opts...)
}

func mustCreateAnimal(t *testing.T, svc *core.Service, animal core.Animal) core.Animal {
	t.Helper()
	created, _, err := svc.CreateAnimal(context.Background(), animal)
	if err != nil {
		t.Fatalf("create animal %q: %v", animal.Name, err)
	}
	return created
}

func mustCreateRequest(t *testing.T, svc *core.Service, request core.AnimalRequest) core.AnimalRequest {
	t.Helper()
	created, _, err := svc.CreateAnimalRequest(context.Background(), request)
	if err != nil {
		t.Fatalf("create request %q: %v", request.Title, err)
	}
	return created
}

func mouse(name string) core.Animal {
	return core.Animal{Name: name, Species: "Mus musculus", Strain: "C57BL/6J", Sex: domain.SexFemale}
}

func mouseCriteria() core.Criteria {
	return core.Criteria{Species: "Mus musculus", Strain: "C57BL/6J"}
}

func animalIDs(animals []core.Animal) []string {
	out := make([]string, 0, len(animals))
	for _, a := range animals {
		out = append(out, a.ID)
	}
	return out
}

func TestPartialFulfillmentThenCompletion(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	for _, name := range []string{"m-001", "m-002", "m-003"} {
		mustCreateAnimal(t, svc, mouse(name))
	}
	request := mustCreateRequest(t, svc, core.AnimalRequest{
		Title:             "cohort A",
		RequestedBy:       "dr-ortiz",
		Criteria:          mouseCriteria(),
		QuantityRequested: 5,
	})

	candidates, err := svc.RequestAvailability(ctx, request.ID)
	if err != nil {
		t.Fatalf("availability: %v", err)
	}
	if len(candidates) != 3 {
		t.Fatalf("expected 3 candidates, got %d", len(candidates))
	}

	updated, allocations, _, err := svc.Allocate(ctx, request.ID, animalIDs(candidates), "tech-1")
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if len(allocations) != 3 {
		t.Fatalf("expected 3 allocations, got %d", len(allocations))
	}
	if updated.QuantityAllocated != 3 {
		t.Fatalf("QuantityAllocated = %d, want 3", updated.QuantityAllocated)
	}
	if updated.Status != core.RequestPartiallyFulfilled {
		t.Fatalf("status = %s, want %s", updated.Status, core.RequestPartiallyFulfilled)
	}

	// The shortfall clears once enough matching animals arrive.
	extra := []string{
		mustCreateAnimal(t, svc, mouse("m-004")).ID,
		mustCreateAnimal(t, svc, mouse("m-005")).ID,
	}
	updated, _, _, err = svc.Allocate(ctx, request.ID, extra, "tech-1")
	if err != nil {
		t.Fatalf("second allocate: %v", err)
	}
	if updated.Status != core.RequestFulfilled {
		t.Fatalf("status = %s, want %s", updated.Status, core.RequestFulfilled)
	}
	if updated.QuantityAllocated != 5 {
		t.Fatalf("QuantityAllocated = %d, want 5", updated.QuantityAllocated)
	}
}

func TestConcurrentAllocationSingleWinner(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	animal := mustCreateAnimal(t, svc, mouse("m-010"))
	first := mustCreateRequest(t, svc, core.AnimalRequest{
		Title: "study-1", RequestedBy: "a", Criteria: mouseCriteria(), QuantityRequested: 1,
	})
	second := mustCreateRequest(t, svc, core.AnimalRequest{
		Title: "study-2", RequestedBy: "b", Criteria: mouseCriteria(), QuantityRequested: 1,
	})

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i, requestID := range []string{first.ID, second.ID} {
		wg.Add(1)
		go func(i int, requestID string) {
			defer wg.Done()
			_, _, _, errs[i] = svc.Allocate(ctx, requestID, []string{animal.ID}, "tech-1")
		}(i, requestID)
	}
	wg.Wait()

	var conflicts, successes int
	for _, err := range errs {
		var conflict domain.ConflictError
		switch {
		case err == nil:
			successes++
		case errors.As(err, &conflict):
			conflicts++
			if len(conflict.AnimalIDs) != 1 || conflict.AnimalIDs[0] != animal.ID {
				t.Fatalf("conflict should name the animal, got %v", conflict.AnimalIDs)
			}
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if successes != 1 || conflicts != 1 {
		t.Fatalf("want exactly one winner and one conflict, got %d/%d", successes, conflicts)
	}
	if _, ok := svc.ActiveAllocationFor(animal.ID); !ok {
		t.Fatalf("winner's allocation should be active")
	}
}

func TestAllocateRejectsIneligibleAnimal(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	rat := mustCreateAnimal(t, svc, core.Animal{Name: "r-001", Species: "Rattus norvegicus", Strain: "Wistar"})
	request := mustCreateRequest(t, svc, core.AnimalRequest{
		Title: "mice only", RequestedBy: "a", Criteria: mouseCriteria(), QuantityRequested: 1,
	})

	_, _, _, err := svc.Allocate(ctx, request.ID, []string{rat.ID}, "tech-1")
	var ineligible domain.IneligibleAnimalError
	if !errors.As(err, &ineligible) {
		t.Fatalf("expected IneligibleAnimalError, got %v", err)
	}
	if len(ineligible.AnimalIDs) != 1 || ineligible.AnimalIDs[0] != rat.ID {
		t.Fatalf("error should name the animal, got %v", ineligible.AnimalIDs)
	}

	refreshed, err := svc.GetAnimalRequest(request.ID)
	if err != nil {
		t.Fatalf("get request: %v", err)
	}
	if refreshed.QuantityAllocated != 0 {
		t.Fatalf("failed allocation must not advance the ledger, QuantityAllocated = %d", refreshed.QuantityAllocated)
	}
}

func TestAllocateRejectsOverRemaining(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	ids := []string{
		mustCreateAnimal(t, svc, mouse("m-020")).ID,
		mustCreateAnimal(t, svc, mouse("m-021")).ID,
	}
	request := mustCreateRequest(t, svc, core.AnimalRequest{
		Title: "one mouse", RequestedBy: "a", Criteria: mouseCriteria(), QuantityRequested: 1,
	})

	_, _, _, err := svc.Allocate(ctx, request.ID, ids, "tech-1")
	var validation domain.ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestTerminalRequestRejectsTransitionsAndAllocations(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	animal := mustCreateAnimal(t, svc, mouse("m-030"))
	request := mustCreateRequest(t, svc, core.AnimalRequest{
		Title: "done", RequestedBy: "a", Criteria: mouseCriteria(), QuantityRequested: 1,
	})
	if _, _, _, err := svc.Allocate(ctx, request.ID, []string{animal.ID}, "tech-1"); err != nil {
		t.Fatalf("allocate: %v", err)
	}

	_, _, err := svc.TransitionRequest(ctx, request.ID, core.RequestReviewing, nil, "admin")
	var invalid domain.InvalidTransitionError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
	if invalid.From != core.RequestFulfilled || invalid.To != core.RequestReviewing {
		t.Fatalf("unexpected transition pair %s -> %s", invalid.From, invalid.To)
	}

	spare := mustCreateAnimal(t, svc, mouse("m-031"))
	if _, _, _, err := svc.Allocate(ctx, request.ID, []string{spare.ID}, "tech-1"); !errors.As(err, &invalid) {
		t.Fatalf("allocating against a fulfilled request should fail, got %v", err)
	}
}

func TestReleaseRestoresAvailability(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	animal := mustCreateAnimal(t, svc, mouse("m-040"))
	request := mustCreateRequest(t, svc, core.AnimalRequest{
		Title: "pair", RequestedBy: "a", Criteria: mouseCriteria(), QuantityRequested: 2,
	})
	if _, _, _, err := svc.Allocate(ctx, request.ID, []string{animal.ID}, "tech-1"); err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if pool, err := svc.Available(ctx, mouseCriteria()); err != nil || len(pool) != 0 {
		t.Fatalf("allocated animal must leave the pool, got %d (%v)", len(pool), err)
	}

	updated, _, err := svc.ReleaseAllocation(ctx, request.ID, animal.ID, "protocol change", "tech-1")
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if updated.QuantityAllocated != 0 {
		t.Fatalf("QuantityAllocated = %d, want 0", updated.QuantityAllocated)
	}
	if updated.Status != core.RequestReviewing {
		t.Fatalf("drained request should return to %s, got %s", core.RequestReviewing, updated.Status)
	}

	pool, err := svc.Available(ctx, mouseCriteria())
	if err != nil {
		t.Fatalf("available: %v", err)
	}
	if len(pool) != 1 || pool[0].ID != animal.ID {
		t.Fatalf("released animal should be available again, got %v", animalIDs(pool))
	}

	// Releasing the same pair again is a no-op, not an error.
	if _, _, err := svc.ReleaseAllocation(ctx, request.ID, animal.ID, "again", "tech-1"); err != nil {
		t.Fatalf("repeat release: %v", err)
	}
	// A pair that never existed is an error.
	_, _, err = svc.ReleaseAllocation(ctx, request.ID, "missing-animal", "typo", "tech-1")
	var notFound domain.NotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestReleaseAfterReallocationCycle(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	animal := mustCreateAnimal(t, svc, mouse("m-045"))
	request := mustCreateRequest(t, svc, core.AnimalRequest{
		Title: "rotation", RequestedBy: "a", Criteria: mouseCriteria(), QuantityRequested: 2,
	})

	// Each round leaves one more released row for the same (request, animal)
	// pair; the release must keep finding the active row among them.
	for round := 0; round < 10; round++ {
		if _, _, _, err := svc.Allocate(ctx, request.ID, []string{animal.ID}, "tech-1"); err != nil {
			t.Fatalf("round %d allocate: %v", round, err)
		}
		updated, _, err := svc.ReleaseAllocation(ctx, request.ID, animal.ID, "rotation", "tech-1")
		if err != nil {
			t.Fatalf("round %d release: %v", round, err)
		}
		if updated.QuantityAllocated != 0 {
			t.Fatalf("round %d: QuantityAllocated = %d, want 0", round, updated.QuantityAllocated)
		}
		if _, ok := svc.ActiveAllocationFor(animal.ID); ok {
			t.Fatalf("round %d: animal still actively allocated after release", round)
		}
	}
}

func TestCancelReleasesAllAllocations(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	ids := []string{
		mustCreateAnimal(t, svc, mouse("m-050")).ID,
		mustCreateAnimal(t, svc, mouse("m-051")).ID,
	}
	request := mustCreateRequest(t, svc, core.AnimalRequest{
		Title: "abandoned", RequestedBy: "a", Criteria: mouseCriteria(), QuantityRequested: 3,
	})
	if _, _, _, err := svc.Allocate(ctx, request.ID, ids, "tech-1"); err != nil {
		t.Fatalf("allocate: %v", err)
	}

	updated, _, err := svc.TransitionRequest(ctx, request.ID, core.RequestCancelled, nil, "dr-ortiz")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if updated.Status != core.RequestCancelled || updated.QuantityAllocated != 0 {
		t.Fatalf("cancel should drain the request, got %s with %d allocated", updated.Status, updated.QuantityAllocated)
	}
	if active := svc.ActiveAllocationsForRequest(request.ID); len(active) != 0 {
		t.Fatalf("expected no active allocations, got %d", len(active))
	}
	pool, err := svc.Available(ctx, mouseCriteria())
	if err != nil {
		t.Fatalf("available: %v", err)
	}
	if len(pool) != 2 {
		t.Fatalf("both animals should be back in the pool, got %d", len(pool))
	}
}

func TestUpdateRequestFreezesCriteriaWhileAllocated(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	animal := mustCreateAnimal(t, svc, mouse("m-060"))
	request := mustCreateRequest(t, svc, core.AnimalRequest{
		Title: "frozen", RequestedBy: "a", Criteria: mouseCriteria(), QuantityRequested: 2,
	})
	if _, _, _, err := svc.Allocate(ctx, request.ID, []string{animal.ID}, "tech-1"); err != nil {
		t.Fatalf("allocate: %v", err)
	}

	_, _, err := svc.UpdateAnimalRequest(ctx, request.ID, func(r *core.AnimalRequest) error {
		r.Criteria.Strain = "BALB/c"
		return nil
	})
	var validation domain.ValidationError
	if !errors.As(err, &validation) || validation.Field != "criteria" {
		t.Fatalf("expected criteria validation error, got %v", err)
	}

	// Quantity cannot drop below what is already allocated.
	_, _, err = svc.UpdateAnimalRequest(ctx, request.ID, func(r *core.AnimalRequest) error {
		r.QuantityRequested = 0
		return nil
	})
	if !errors.As(err, &validation) || validation.Field != "quantity_requested" {
		t.Fatalf("expected quantity validation error, got %v", err)
	}

	// Raising the quantity is fine and re-derives the status.
	updated, _, err := svc.UpdateAnimalRequest(ctx, request.ID, func(r *core.AnimalRequest) error {
		r.QuantityRequested = 4
		r.Title = "frozen, enlarged"
		return nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.QuantityRequested != 4 || updated.Status != core.RequestPartiallyFulfilled {
		t.Fatalf("unexpected request after update: %d %s", updated.QuantityRequested, updated.Status)
	}
}

func TestDeceasedAnimalReleasedFromRequest(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	animal := mustCreateAnimal(t, svc, mouse("m-070"))
	request := mustCreateRequest(t, svc, core.AnimalRequest{
		Title: "attrition", RequestedBy: "a", Criteria: mouseCriteria(), QuantityRequested: 2,
	})
	if _, _, _, err := svc.Allocate(ctx, request.ID, []string{animal.ID}, "tech-1"); err != nil {
		t.Fatalf("allocate: %v", err)
	}

	if _, _, err := svc.SetAnimalStatus(ctx, animal.ID, core.AnimalDeceased, "tech-1"); err != nil {
		t.Fatalf("set status: %v", err)
	}
	if _, ok := svc.ActiveAllocationFor(animal.ID); ok {
		t.Fatalf("deceased animal must not hold an allocation")
	}
	refreshed, err := svc.GetAnimalRequest(request.ID)
	if err != nil {
		t.Fatalf("get request: %v", err)
	}
	if refreshed.QuantityAllocated != 0 {
		t.Fatalf("QuantityAllocated = %d, want 0", refreshed.QuantityAllocated)
	}
	if refreshed.Status != core.RequestReviewing {
		t.Fatalf("drained request should return to %s, got %s", core.RequestReviewing, refreshed.Status)
	}
}

func TestRequestAvailabilityCapsAtRemaining(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	for _, name := range []string{"m-080", "m-081", "m-082", "m-083"} {
		mustCreateAnimal(t, svc, mouse(name))
	}
	request := mustCreateRequest(t, svc, core.AnimalRequest{
		Title: "capped", RequestedBy: "a", Criteria: mouseCriteria(), QuantityRequested: 2,
	})

	candidates, err := svc.RequestAvailability(ctx, request.ID)
	if err != nil {
		t.Fatalf("availability: %v", err)
	}
	if len(candidates) != 2 {
		t.Fatalf("expected headroom-capped 2 candidates, got %d", len(candidates))
	}
}

func TestAvailabilityStatistics(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	mustCreateAnimal(t, svc, mouse("m-090"))
	mustCreateAnimal(t, svc, core.Animal{Name: "m-091", Species: "Mus musculus", Strain: "BALB/c"})
	allocated := mustCreateAnimal(t, svc, mouse("m-092"))
	mustCreateAnimal(t, svc, core.Animal{Name: "r-090", Species: "Rattus norvegicus", Strain: "Wistar"})

	request := mustCreateRequest(t, svc, core.AnimalRequest{
		Title: "hold one", RequestedBy: "a", Criteria: mouseCriteria(), QuantityRequested: 1,
	})
	if _, _, _, err := svc.Allocate(ctx, request.ID, []string{allocated.ID}, "tech-1"); err != nil {
		t.Fatalf("allocate: %v", err)
	}

	stats, err := svc.AvailabilityStatistics(ctx)
	if err != nil {
		t.Fatalf("statistics: %v", err)
	}
	if stats.Total != 3 {
		t.Fatalf("Total = %d, want 3", stats.Total)
	}
	if stats.BySpecies["Mus musculus"] != 2 || stats.BySpecies["Rattus norvegicus"] != 1 {
		t.Fatalf("unexpected species counts: %v", stats.BySpecies)
	}
	if stats.ByStrain["Mus musculus"]["C57BL/6J"] != 1 || stats.ByStrain["Mus musculus"]["BALB/c"] != 1 {
		t.Fatalf("unexpected strain counts: %v", stats.ByStrain)
	}
}

func TestStatusLogRecordsTransitions(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	animal := mustCreateAnimal(t, svc, mouse("m-100"))
	request := mustCreateRequest(t, svc, core.AnimalRequest{
		Title: "audited", RequestedBy: "a", Criteria: mouseCriteria(), QuantityRequested: 1,
	})

	notes := "triage"
	if _, _, err := svc.TransitionRequest(ctx, request.ID, core.RequestReviewing, &notes, "admin"); err != nil {
		t.Fatalf("transition: %v", err)
	}
	updated, _, _, err := svc.Allocate(ctx, request.ID, []string{animal.ID}, "tech-1")
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}

	if len(updated.StatusLog) != 2 {
		t.Fatalf("expected 2 status changes, got %d", len(updated.StatusLog))
	}
	first, second := updated.StatusLog[0], updated.StatusLog[1]
	if first.From != core.RequestSubmitted || first.To != core.RequestReviewing || first.Actor != "admin" {
		t.Fatalf("unexpected first entry: %+v", first)
	}
	if first.Notes == nil || *first.Notes != notes {
		t.Fatalf("notes not recorded: %+v", first)
	}
	if second.From != core.RequestReviewing || second.To != core.RequestFulfilled || second.Actor != "tech-1" {
		t.Fatalf("unexpected second entry: %+v", second)
	}
}

func TestServiceObservesOperations(t *testing.T) {
	rec := core.NewExpvarMetricsRecorder("")
	svc := newTestService(t, core.WithMetrics(rec), core.WithClock(func() time.Time {
		return time.Date(2026, time.March, 1, 9, 0, 0, 0, time.UTC)
	}))
	ctx := context.Background()

	mustCreateAnimal(t, svc, mouse("m-110"))
	if _, _, err := svc.CreateAnimalRequest(ctx, core.AnimalRequest{Title: "bad", Criteria: mouseCriteria()}); err == nil {
		t.Fatalf("zero quantity should fail validation")
	}

	snap := rec.Snapshot()
	if snap.Results["create_animal"]["success"] != 1 {
		t.Fatalf("expected one successful create_animal, got %v", snap.Results)
	}
	if snap.Results["create_animal_request"]["error"] != 1 {
		t.Fatalf("expected one failed create_animal_request, got %v", snap.Results)
	}
}
