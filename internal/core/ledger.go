package core

import (
	"sort"
	"time"

	"vivarium/pkg/domain"
)

// The allocation ledger is the sole writer of allocation rows. All writes run
// inside a store transaction and re-check animal availability against the
// transactional snapshot immediately before inserting, closing the
// check-then-act window between candidate selection and commit. Rows are
// append-only: a release stamps ReleasedAt instead of deleting.

// activeAllocationsByAnimal derives the active animal -> allocation index
// from a transactional view.
func activeAllocationsByAnimal(view TransactionView) map[string]Allocation {
	active := make(map[string]Allocation)
	for _, allocation := range view.ListAllocations() {
		if allocation.Active() {
			active[allocation.AnimalID] = allocation
		}
	}
	return active
}

// commitAllocations atomically creates one allocation per animal id on behalf
// of the request. If any animal already carries an active allocation, or
// appears twice in the batch, the whole commit fails with a ConflictError
// naming every contested animal and no rows are written.
func commitAllocations(tx Transaction, requestID string, animalIDs []string, actor string) ([]Allocation, error) {
	active := activeAllocationsByAnimal(tx.Snapshot())

	var conflicted []string
	seen := make(map[string]bool, len(animalIDs))
	for _, animalID := range animalIDs {
		if seen[animalID] {
			conflicted = append(conflicted, animalID)
			continue
		}
		seen[animalID] = true
		if _, taken := active[animalID]; taken {
			conflicted = append(conflicted, animalID)
		}
	}
	if len(conflicted) > 0 {
		sort.Strings(conflicted)
		return nil, domain.ConflictError{AnimalIDs: conflicted}
	}

	created := make([]Allocation, 0, len(animalIDs))
	for _, animalID := range animalIDs {
		allocation, err := tx.CreateAllocation(Allocation{
			RequestID:   requestID,
			AnimalID:    animalID,
			AllocatedBy: actor,
		})
		if err != nil {
			return nil, err
		}
		created = append(created, allocation)
	}
	return created, nil
}

func stampRelease(a *Allocation, at time.Time, reason string) {
	a.ReleasedAt = &at
	if reason != "" {
		a.ReleasedReason = &reason
	}
}

// releaseAllocation soft-deletes the allocation binding the animal to the
// request. A reallocated pair carries both released and active rows, so the
// whole ledger is scanned for an active row before concluding the pair is
// already released; only then is the release a no-op preserving the original
// timestamp and reason.
func releaseAllocation(tx Transaction, requestID, animalID, reason string, at time.Time) (bool, error) {
	seen := false
	for _, allocation := range tx.Snapshot().ListAllocations() {
		if allocation.RequestID != requestID || allocation.AnimalID != animalID {
			continue
		}
		seen = true
		if !allocation.Active() {
			continue
		}
		if _, err := tx.UpdateAllocation(allocation.ID, func(a *Allocation) error {
			stampRelease(a, at, reason)
			return nil
		}); err != nil {
			return false, err
		}
		return true, nil
	}
	if seen {
		return false, nil
	}
	return false, domain.NotFoundError{Entity: EntityAllocation, ID: requestID + "/" + animalID}
}

// releaseRequestAllocations releases every active allocation held by the
// request and returns the number released. Request bookkeeping is the
// caller's responsibility.
func releaseRequestAllocations(tx Transaction, requestID, reason string, at time.Time) (int, error) {
	count := 0
	for _, allocation := range tx.Snapshot().ListAllocations() {
		if allocation.RequestID != requestID || !allocation.Active() {
			continue
		}
		if _, err := tx.UpdateAllocation(allocation.ID, func(a *Allocation) error {
			stampRelease(a, at, reason)
			return nil
		}); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

// releaseAnimalAllocations releases the animal's active allocation, if any,
// and decrements the owning request's allocated quantity, demoting its status
// when the last allocation drains away.
func (s *Service) releaseAnimalAllocations(tx Transaction, animalID, reason string) error {
	at := s.nowFn()
	for _, allocation := range tx.Snapshot().ListAllocations() {
		if allocation.AnimalID != animalID || !allocation.Active() {
			continue
		}
		if _, err := tx.UpdateAllocation(allocation.ID, func(a *Allocation) error {
			stampRelease(a, at, reason)
			return nil
		}); err != nil {
			return err
		}
		if _, err := tx.UpdateAnimalRequest(allocation.RequestID, func(r *AnimalRequest) error {
			if r.QuantityAllocated > 0 {
				r.QuantityAllocated--
			}
			r.Status = domain.StatusAfterRelease(r.QuantityAllocated, r.Status)
			return nil
		}); err != nil {
			return err
		}
	}
	return nil
}

// ActiveAllocationFor returns the active allocation binding the animal, if
// one exists.
func (s *Service) ActiveAllocationFor(animalID string) (Allocation, bool) {
	for _, allocation := range s.store.ListAllocations() {
		if allocation.AnimalID == animalID && allocation.Active() {
			return allocation, true
		}
	}
	return Allocation{}, false
}

// ActiveAllocationsForRequest returns the active allocations held by the
// request, ordered by allocation time then id.
func (s *Service) ActiveAllocationsForRequest(requestID string) []Allocation {
	var out []Allocation
	for _, allocation := range s.store.ListAllocations() {
		if allocation.RequestID == requestID && allocation.Active() {
			out = append(out, allocation)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].AllocatedAt.Equal(out[j].AllocatedAt) {
			return out[i].AllocatedAt.Before(out[j].AllocatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
