// Package memory provides an in-memory implementation of the core persistence
// store used for tests and ephemeral environments.
package memory

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"vivarium/pkg/domain"
)

// Compile-time contract assertion ensuring memory.Store adheres to the domain persistence interfaces.
var _ domain.PersistentStore = (*Store)(nil)

type (
	// Animal aliases domain.Animal for in-memory persistence operations.
	Animal = domain.Animal
	// AnimalRequest aliases domain.AnimalRequest.
	AnimalRequest = domain.AnimalRequest
	// Allocation aliases domain.Allocation.
	Allocation = domain.Allocation
	// HousingUnit aliases domain.HousingUnit.
	HousingUnit = domain.HousingUnit
	// Facility aliases domain.Facility.
	Facility = domain.Facility
	// Study aliases domain.Study.
	Study = domain.Study
	// Sample aliases domain.Sample.
	Sample = domain.Sample
	// Change aliases domain.Change captured in transactions.
	Change = domain.Change
	// Result aliases domain.Result summarizing rule evaluation.
	Result = domain.Result
	// RulesEngine aliases domain.RulesEngine used to evaluate rules.
	RulesEngine = domain.RulesEngine
	// Transaction aliases domain.Transaction representing a mutable unit of work.
	Transaction = domain.Transaction
	// TransactionView aliases domain.TransactionView providing read-only state.
	TransactionView = domain.TransactionView
	// PersistentStore aliases domain.PersistentStore abstraction.
	PersistentStore = domain.PersistentStore
)

type memoryState struct {
	animals     map[string]Animal
	requests    map[string]AnimalRequest
	allocations map[string]Allocation
	housing     map[string]HousingUnit
	facilities  map[string]Facility
	studies     map[string]Study
	samples     map[string]Sample
}

// Snapshot captures a point-in-time clone of the store state.
type Snapshot struct {
	Animals     map[string]Animal        `json:"animals"`
	Requests    map[string]AnimalRequest `json:"requests"`
	Allocations map[string]Allocation    `json:"allocations"`
	Housing     map[string]HousingUnit   `json:"housing"`
	Facilities  map[string]Facility      `json:"facilities"`
	Studies     map[string]Study         `json:"studies"`
	Samples     map[string]Sample        `json:"samples"`
}

func newMemoryState() memoryState {
	return memoryState{
		animals:     make(map[string]Animal),
		requests:    make(map[string]AnimalRequest),
		allocations: make(map[string]Allocation),
		housing:     make(map[string]HousingUnit),
		facilities:  make(map[string]Facility),
		studies:     make(map[string]Study),
		samples:     make(map[string]Sample),
	}
}

func snapshotFromMemoryState(state memoryState) Snapshot {
	s := Snapshot{
		Animals:     make(map[string]Animal, len(state.animals)),
		Requests:    make(map[string]AnimalRequest, len(state.requests)),
		Allocations: make(map[string]Allocation, len(state.allocations)),
		Housing:     make(map[string]HousingUnit, len(state.housing)),
		Facilities:  make(map[string]Facility, len(state.facilities)),
		Studies:     make(map[string]Study, len(state.studies)),
		Samples:     make(map[string]Sample, len(state.samples)),
	}
	for k, v := range state.animals {
		s.Animals[k] = cloneAnimal(v)
	}
	for k, v := range state.requests {
		s.Requests[k] = cloneRequest(v)
	}
	for k, v := range state.allocations {
		s.Allocations[k] = cloneAllocation(v)
	}
	for k, v := range state.housing {
		s.Housing[k] = v
	}
	for k, v := range state.facilities {
		s.Facilities[k] = v
	}
	for k, v := range state.studies {
		s.Studies[k] = cloneStudy(v)
	}
	for k, v := range state.samples {
		s.Samples[k] = cloneSample(v)
	}
	return s
}

func memoryStateFromSnapshot(s Snapshot) memoryState {
	state := newMemoryState()
	for k, v := range s.Animals {
		state.animals[k] = cloneAnimal(v)
	}
	for k, v := range s.Requests {
		state.requests[k] = cloneRequest(v)
	}
	for k, v := range s.Allocations {
		state.allocations[k] = cloneAllocation(v)
	}
	for k, v := range s.Housing {
		state.housing[k] = v
	}
	for k, v := range s.Facilities {
		state.facilities[k] = v
	}
	for k, v := range s.Studies {
		state.studies[k] = cloneStudy(v)
	}
	for k, v := range s.Samples {
		state.samples[k] = cloneSample(v)
	}
	return state
}

// migrateSnapshot repairs referential integrity in snapshots loaded from
// durable backends: dangling references are cleared or their rows dropped,
// and request quantity bookkeeping is recomputed from active allocations.
func migrateSnapshot(snapshot Snapshot) Snapshot {
	if snapshot.Animals == nil {
		snapshot.Animals = map[string]Animal{}
	}
	if snapshot.Requests == nil {
		snapshot.Requests = map[string]AnimalRequest{}
	}
	if snapshot.Allocations == nil {
		snapshot.Allocations = map[string]Allocation{}
	}
	if snapshot.Housing == nil {
		snapshot.Housing = map[string]HousingUnit{}
	}
	if snapshot.Facilities == nil {
		snapshot.Facilities = map[string]Facility{}
	}
	if snapshot.Studies == nil {
		snapshot.Studies = map[string]Study{}
	}
	if snapshot.Samples == nil {
		snapshot.Samples = map[string]Sample{}
	}

	facilityExists := func(id string) bool {
		_, ok := snapshot.Facilities[id]
		return ok
	}
	animalExists := func(id string) bool {
		_, ok := snapshot.Animals[id]
		return ok
	}
	housingExists := func(id string) bool {
		_, ok := snapshot.Housing[id]
		return ok
	}
	studyExists := func(id string) bool {
		_, ok := snapshot.Studies[id]
		return ok
	}

	for id, housing := range snapshot.Housing {
		if housing.FacilityID == "" || !facilityExists(housing.FacilityID) {
			delete(snapshot.Housing, id)
			continue
		}
		if housing.Capacity <= 0 {
			housing.Capacity = 1
		}
		snapshot.Housing[id] = housing
	}

	for id, animal := range snapshot.Animals {
		if animal.HousingID != nil && !housingExists(*animal.HousingID) {
			animal.HousingID = nil
		}
		snapshot.Animals[id] = animal
	}

	for id, sample := range snapshot.Samples {
		if sample.AnimalID != nil && !animalExists(*sample.AnimalID) {
			delete(snapshot.Samples, id)
		}
	}

	for id, allocation := range snapshot.Allocations {
		_, requestOK := snapshot.Requests[allocation.RequestID]
		if !requestOK || !animalExists(allocation.AnimalID) {
			delete(snapshot.Allocations, id)
		}
	}

	activeCounts := make(map[string]int)
	for _, allocation := range snapshot.Allocations {
		if allocation.Active() {
			activeCounts[allocation.RequestID]++
		}
	}
	for id, request := range snapshot.Requests {
		if request.StudyID != nil && !studyExists(*request.StudyID) {
			request.StudyID = nil
		}
		request.QuantityAllocated = activeCounts[id]
		snapshot.Requests[id] = request
	}

	return snapshot
}

func (s memoryState) clone() memoryState {
	return memoryStateFromSnapshot(snapshotFromMemoryState(s))
}

// Store provides an in-memory transactional store for the core domain.
type Store struct {
	mu     sync.RWMutex
	state  memoryState
	engine *RulesEngine
	nowFn  func() time.Time
}

// NewStore constructs an in-memory store backed by the provided rules engine.
func NewStore(engine *RulesEngine) *Store {
	if engine == nil {
		engine = domain.NewRulesEngine()
	}
	return &Store{
		state:  newMemoryState(),
		engine: engine,
		nowFn:  func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) newID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b[:])
}

// ExportState clones the current store state for external persistence.
func (s *Store) ExportState() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return snapshotFromMemoryState(s.state)
}

// ImportState replaces the store state with the provided snapshot.
func (s *Store) ImportState(snapshot Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = memoryStateFromSnapshot(migrateSnapshot(snapshot))
}

// RulesEngine exposes the currently configured engine.
func (s *Store) RulesEngine() *RulesEngine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine
}

// SetNowFunc overrides the store clock, primarily for tests.
func (s *Store) SetNowFunc(fn func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fn != nil {
		s.nowFn = fn
	}
}

// NowFunc returns the time provider used by the in-memory store.
func (s *Store) NowFunc() func() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nowFn
}

// RunInTransaction executes fn within a transactional copy of the store
// state. The store mutex is held for the duration, so concurrent commits are
// serialized and either all of a transaction's writes become visible or none
// do.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx Transaction) error) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &transaction{
		store: s,
		state: s.state.clone(),
		now:   s.nowFn(),
	}

	if err := fn(tx); err != nil {
		return Result{}, err
	}

	var result Result
	if s.engine != nil {
		view := newTransactionView(&tx.state)
		res, err := s.engine.Evaluate(ctx, view, tx.changes)
		if err != nil {
			return Result{}, err
		}
		result = res
		if res.HasBlocking() {
			return res, domain.RuleViolationError{Result: res}
		}
	}

	s.state = tx.state
	return result, nil
}

// View executes fn against a read-only snapshot of the store state.
func (s *Store) View(_ context.Context, fn func(TransactionView) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshot := s.state.clone()
	view := newTransactionView(&snapshot)
	return fn(view)
}

// GetAnimal retrieves a persisted animal by id.
func (s *Store) GetAnimal(id string) (Animal, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.state.animals[id]
	if !ok {
		return Animal{}, false
	}
	return cloneAnimal(a), true
}

// ListAnimals returns all persisted animals.
func (s *Store) ListAnimals() []Animal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Animal, 0, len(s.state.animals))
	for _, a := range s.state.animals {
		out = append(out, cloneAnimal(a))
	}
	return out
}

// GetAnimalRequest retrieves a persisted request by id.
func (s *Store) GetAnimalRequest(id string) (AnimalRequest, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.state.requests[id]
	if !ok {
		return AnimalRequest{}, false
	}
	return cloneRequest(r), true
}

// ListAnimalRequests returns all persisted requests.
func (s *Store) ListAnimalRequests() []AnimalRequest {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]AnimalRequest, 0, len(s.state.requests))
	for _, r := range s.state.requests {
		out = append(out, cloneRequest(r))
	}
	return out
}

// ListAllocations returns all allocation rows, released ones included.
func (s *Store) ListAllocations() []Allocation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Allocation, 0, len(s.state.allocations))
	for _, a := range s.state.allocations {
		out = append(out, cloneAllocation(a))
	}
	return out
}

// GetHousingUnit retrieves a housing unit by id.
func (s *Store) GetHousingUnit(id string) (HousingUnit, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.state.housing[id]
	if !ok {
		return HousingUnit{}, false
	}
	return h, true
}

// ListHousingUnits returns all housing units.
func (s *Store) ListHousingUnits() []HousingUnit {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]HousingUnit, 0, len(s.state.housing))
	for _, h := range s.state.housing {
		out = append(out, h)
	}
	return out
}

// ListFacilities returns all facilities.
func (s *Store) ListFacilities() []Facility {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Facility, 0, len(s.state.facilities))
	for _, f := range s.state.facilities {
		out = append(out, f)
	}
	return out
}

// ListStudies returns all studies.
func (s *Store) ListStudies() []Study {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Study, 0, len(s.state.studies))
	for _, st := range s.state.studies {
		out = append(out, cloneStudy(st))
	}
	return out
}

// ListSamples returns all samples.
func (s *Store) ListSamples() []Sample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Sample, 0, len(s.state.samples))
	for _, sm := range s.state.samples {
		out = append(out, cloneSample(sm))
	}
	return out
}
