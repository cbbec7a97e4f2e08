package core

import (
	"context"
	"sort"

	"vivarium/pkg/domain"
)

// AvailabilityStats summarises the unallocated active pool.
type AvailabilityStats struct {
	Total     int                       `json:"total"`
	BySpecies map[string]int            `json:"by_species"`
	ByStrain  map[string]map[string]int `json:"by_strain"`
}

// availablePool returns every active animal without an active allocation.
// Computed fresh on every call; there is no caching layer to invalidate.
func availablePool(view TransactionView) []Animal {
	held := make(map[string]bool)
	for _, allocation := range view.ListAllocations() {
		if allocation.Active() {
			held[allocation.AnimalID] = true
		}
	}
	var pool []Animal
	for _, animal := range view.ListAnimals() {
		if animal.Status == AnimalActive && !held[animal.ID] {
			pool = append(pool, animal)
		}
	}
	return pool
}

// Available returns the animals matching the criteria that are active and
// hold no active allocation, in matcher preference order. An empty result is
// not an error.
func (s *Service) Available(ctx context.Context, criteria Criteria) ([]Animal, error) {
	if err := criteria.Validate(); err != nil {
		return nil, err
	}
	var matched []Animal
	if err := s.store.View(ctx, func(view TransactionView) error {
		matched = domain.MatchAnimals(criteria, availablePool(view), s.nowFn())
		return nil
	}); err != nil {
		return nil, err
	}
	return matched, nil
}

// RequestAvailability returns the available animals matching a stored
// request's criteria, capped at the request's remaining quantity headroom.
func (s *Service) RequestAvailability(ctx context.Context, requestID string) ([]Animal, error) {
	var matched []Animal
	err := s.store.View(ctx, func(view TransactionView) error {
		request, ok := view.FindAnimalRequest(requestID)
		if !ok {
			return domain.NotFoundError{Entity: EntityAnimalRequest, ID: requestID}
		}
		matched = domain.MatchAnimals(request.Criteria, availablePool(view), s.nowFn())
		if remaining := request.QuantityRequested - request.QuantityAllocated; remaining >= 0 && len(matched) > remaining {
			matched = matched[:remaining]
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return matched, nil
}

// AvailabilityStatistics aggregates the unallocated active pool by species
// and by species/strain.
func (s *Service) AvailabilityStatistics(ctx context.Context) (AvailabilityStats, error) {
	stats := AvailabilityStats{
		BySpecies: make(map[string]int),
		ByStrain:  make(map[string]map[string]int),
	}
	err := s.store.View(ctx, func(view TransactionView) error {
		for _, animal := range availablePool(view) {
			stats.Total++
			stats.BySpecies[animal.Species]++
			strains := stats.ByStrain[animal.Species]
			if strains == nil {
				strains = make(map[string]int)
				stats.ByStrain[animal.Species] = strains
			}
			strains[animal.Strain]++
		}
		return nil
	})
	return stats, err
}

// ListAvailableAnimals returns the whole unallocated active pool ordered by
// id, without criteria filtering.
func (s *Service) ListAvailableAnimals(ctx context.Context) ([]Animal, error) {
	var pool []Animal
	if err := s.store.View(ctx, func(view TransactionView) error {
		pool = availablePool(view)
		return nil
	}); err != nil {
		return nil, err
	}
	sort.Slice(pool, func(i, j int) bool { return pool[i].ID < pool[j].ID })
	return pool, nil
}
