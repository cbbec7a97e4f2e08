package core

import (
	"context"
	"fmt"

	"vivarium/pkg/domain"
)

// CreateAnimalRequest validates criteria and quantities and persists a new
// request in the submitted state.
func (s *Service) CreateAnimalRequest(ctx context.Context, request AnimalRequest) (created AnimalRequest, res Result, err error) {
	start := s.nowFn()
	defer func() { s.observe(ctx, "create_animal_request", start, err) }()
	if request.QuantityRequested < 1 {
		return AnimalRequest{}, Result{}, domain.ValidationError{Field: "quantity_requested", Message: "must be at least 1"}
	}
	if err := request.Criteria.Validate(); err != nil {
		return AnimalRequest{}, Result{}, err
	}
	res, err = s.store.RunInTransaction(ctx, func(tx Transaction) error {
		if request.StudyID != nil {
			if _, ok := tx.FindStudy(*request.StudyID); !ok {
				return domain.NotFoundError{Entity: EntityStudy, ID: *request.StudyID}
			}
		}
		var txErr error
		created, txErr = tx.CreateAnimalRequest(request)
		return txErr
	})
	if err == nil {
		s.logger.Info("animal request created", "request_id", created.ID, "species", created.Criteria.Species, "quantity", created.QuantityRequested)
	}
	return created, res, err
}

// UpdateAnimalRequest mutates request metadata and criteria. Criteria changes
// are only accepted while the request holds no allocations; quantity and
// status fields are owned by Allocate/TransitionRequest and pinned here.
func (s *Service) UpdateAnimalRequest(ctx context.Context, id string, mutator func(*AnimalRequest) error) (updated AnimalRequest, res Result, err error) {
	start := s.nowFn()
	defer func() { s.observe(ctx, "update_animal_request", start, err) }()
	res, err = s.store.RunInTransaction(ctx, func(tx Transaction) error {
		before, ok := tx.FindAnimalRequest(id)
		if !ok {
			return domain.NotFoundError{Entity: EntityAnimalRequest, ID: id}
		}
		if before.Status.Terminal() {
			return domain.InvalidTransitionError{From: before.Status, To: before.Status}
		}
		var txErr error
		updated, txErr = tx.UpdateAnimalRequest(id, func(r *AnimalRequest) error {
			if err := mutator(r); err != nil {
				return err
			}
			if before.QuantityAllocated > 0 && !criteriaEqual(before.Criteria, r.Criteria) {
				return domain.ValidationError{Field: "criteria", Message: "cannot change criteria while allocations are active"}
			}
			if r.QuantityRequested < before.QuantityAllocated {
				return domain.ValidationError{Field: "quantity_requested", Message: fmt.Sprintf("cannot drop below %d already-allocated animals", before.QuantityAllocated)}
			}
			if r.QuantityRequested < 1 {
				return domain.ValidationError{Field: "quantity_requested", Message: "must be at least 1"}
			}
			// Derived and state-machine fields are not writable here.
			r.QuantityAllocated = before.QuantityAllocated
			r.Status = before.Status
			r.StatusLog = before.StatusLog
			return r.Criteria.Validate()
		})
		if txErr != nil {
			return txErr
		}
		// Quantity edits can complete or un-complete a request.
		next := domain.StatusForQuantities(updated.QuantityAllocated, updated.QuantityRequested, updated.Status)
		if next != updated.Status {
			updated, txErr = s.recordStatus(tx, id, next, "system", nil)
		}
		return txErr
	})
	return updated, res, err
}

func criteriaEqual(a, b Criteria) bool {
	if a.Species != b.Species || a.Strain != b.Strain || a.SexPreference != b.SexPreference {
		return false
	}
	if !stringSlicesEqual(a.StrainAlternatives, b.StrainAlternatives) {
		return false
	}
	if !stringPtrEqual(a.Genotype, b.Genotype) || !stringSlicesEqual(a.GenotypeAlternatives, b.GenotypeAlternatives) {
		return false
	}
	return intPtrEqual(a.MinAgeDays, b.MinAgeDays) && intPtrEqual(a.MaxAgeDays, b.MaxAgeDays)
}

func stringSlicesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func stringPtrEqual(a, b *string) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	return a == nil || *a == *b
}

func intPtrEqual(a, b *int) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	return a == nil || *a == *b
}

// recordStatus moves the request to next and appends a status log entry. The
// transition is assumed pre-validated by the caller.
func (s *Service) recordStatus(tx Transaction, id string, next RequestStatus, actor string, notes *string) (AnimalRequest, error) {
	return tx.UpdateAnimalRequest(id, func(r *AnimalRequest) error {
		if r.Status == next {
			return nil
		}
		r.StatusLog = append(r.StatusLog, StatusChange{
			From:  r.Status,
			To:    next,
			Actor: actor,
			Notes: notes,
			At:    s.nowFn(),
		})
		r.Status = next
		return nil
	})
}

// Allocate commits the named animals to the request. The call is
// all-or-nothing: every animal must exist, match the request criteria as of
// now, and be free of active allocations, and the batch must fit within the
// remaining requested quantity. On success the request's allocated quantity
// and status are recomputed in the same transaction.
func (s *Service) Allocate(ctx context.Context, requestID string, animalIDs []string, actor string) (updated AnimalRequest, allocations []Allocation, res Result, err error) {
	start := s.nowFn()
	defer func() { s.observe(ctx, "allocate", start, err) }()
	if len(animalIDs) == 0 {
		return AnimalRequest{}, nil, Result{}, domain.ValidationError{Field: "animal_ids", Message: "at least one animal id is required"}
	}
	res, err = s.store.RunInTransaction(ctx, func(tx Transaction) error {
		request, ok := tx.FindAnimalRequest(requestID)
		if !ok {
			return domain.NotFoundError{Entity: EntityAnimalRequest, ID: requestID}
		}
		if request.Status.Terminal() {
			return domain.InvalidTransitionError{From: request.Status, To: RequestPartiallyFulfilled}
		}
		remaining := request.QuantityRequested - request.QuantityAllocated
		if len(animalIDs) > remaining {
			return domain.ValidationError{
				Field:   "animal_ids",
				Message: fmt.Sprintf("request has %d of %d animals allocated; cannot add %d more", request.QuantityAllocated, request.QuantityRequested, len(animalIDs)),
			}
		}

		// Server-side re-validation: the client's candidate list may be
		// stale, so eligibility is decided against the transactional
		// snapshot, not against whatever the caller last fetched.
		asOf := s.nowFn()
		var ineligible []string
		for _, animalID := range animalIDs {
			animal, ok := tx.FindAnimal(animalID)
			if !ok {
				return domain.NotFoundError{Entity: EntityAnimal, ID: animalID}
			}
			if !domain.MatchesCriteria(request.Criteria, animal, asOf) {
				ineligible = append(ineligible, animalID)
			}
		}
		if len(ineligible) > 0 {
			return domain.IneligibleAnimalError{AnimalIDs: ineligible, Reason: "criteria re-validation failed"}
		}

		allocations, err = commitAllocations(tx, requestID, animalIDs, actor)
		if err != nil {
			return err
		}

		next := domain.StatusForQuantities(request.QuantityAllocated+len(animalIDs), request.QuantityRequested, request.Status)
		if _, txErr := tx.UpdateAnimalRequest(requestID, func(r *AnimalRequest) error {
			r.QuantityAllocated += len(animalIDs)
			return nil
		}); txErr != nil {
			return txErr
		}
		var txErr error
		updated, txErr = s.recordStatus(tx, requestID, next, actor, nil)
		return txErr
	})
	if err != nil {
		allocations = nil
		return AnimalRequest{}, nil, res, err
	}
	s.logger.Info("animals allocated", "request_id", requestID, "count", len(animalIDs), "status", string(updated.Status), "actor", actor)
	return updated, allocations, res, err
}

// ReleaseAllocation releases the animal from the request and recomputes the
// request's quantity and status. Releasing an already-released pair succeeds
// without effect.
func (s *Service) ReleaseAllocation(ctx context.Context, requestID, animalID, reason, actor string) (updated AnimalRequest, res Result, err error) {
	start := s.nowFn()
	defer func() { s.observe(ctx, "release_allocation", start, err) }()
	res, err = s.store.RunInTransaction(ctx, func(tx Transaction) error {
		if _, ok := tx.FindAnimalRequest(requestID); !ok {
			return domain.NotFoundError{Entity: EntityAnimalRequest, ID: requestID}
		}
		released, txErr := releaseAllocation(tx, requestID, animalID, reason, s.nowFn())
		if txErr != nil {
			return txErr
		}
		if !released {
			updated, _ = tx.FindAnimalRequest(requestID)
			return nil
		}
		if _, txErr = tx.UpdateAnimalRequest(requestID, func(r *AnimalRequest) error {
			if r.QuantityAllocated > 0 {
				r.QuantityAllocated--
			}
			return nil
		}); txErr != nil {
			return txErr
		}
		request, _ := tx.FindAnimalRequest(requestID)
		next := domain.StatusAfterRelease(request.QuantityAllocated, request.Status)
		updated, txErr = s.recordStatus(tx, requestID, next, actor, nil)
		return txErr
	})
	if err == nil {
		s.logger.Info("allocation released", "request_id", requestID, "animal_id", animalID, "reason", reason, "actor", actor)
	}
	return updated, res, err
}

// TransitionRequest applies a manager-driven status change. Moves into a
// terminal state release every active allocation the request still holds;
// those are compensating releases recorded on the ledger, not rollbacks.
func (s *Service) TransitionRequest(ctx context.Context, requestID string, next RequestStatus, notes *string, actor string) (updated AnimalRequest, res Result, err error) {
	start := s.nowFn()
	defer func() { s.observe(ctx, "transition_request", start, err) }()
	if !next.Valid() {
		return AnimalRequest{}, Result{}, domain.ValidationError{Field: "status", Message: "unknown request status " + string(next)}
	}
	res, err = s.store.RunInTransaction(ctx, func(tx Transaction) error {
		request, ok := tx.FindAnimalRequest(requestID)
		if !ok {
			return domain.NotFoundError{Entity: EntityAnimalRequest, ID: requestID}
		}
		if !domain.CanTransition(request.Status, next) {
			return domain.InvalidTransitionError{From: request.Status, To: next}
		}
		if next.Terminal() && next != RequestFulfilled {
			reason := "request " + string(next)
			count, txErr := releaseRequestAllocations(tx, requestID, reason, s.nowFn())
			if txErr != nil {
				return txErr
			}
			if count > 0 {
				if _, txErr = tx.UpdateAnimalRequest(requestID, func(r *AnimalRequest) error {
					r.QuantityAllocated = 0
					return nil
				}); txErr != nil {
					return txErr
				}
			}
		}
		var txErr error
		updated, txErr = s.recordStatus(tx, requestID, next, actor, notes)
		return txErr
	})
	if err == nil {
		s.logger.Info("request transitioned", "request_id", requestID, "status", string(next), "actor", actor)
	}
	return updated, res, err
}

// GetAnimalRequest fetches a request by id.
func (s *Service) GetAnimalRequest(id string) (AnimalRequest, error) {
	request, ok := s.store.GetAnimalRequest(id)
	if !ok {
		return AnimalRequest{}, domain.NotFoundError{Entity: EntityAnimalRequest, ID: id}
	}
	return request, nil
}

// ListAnimalRequests returns every request ordered by id.
func (s *Service) ListAnimalRequests() []AnimalRequest {
	return s.store.ListAnimalRequests()
}
