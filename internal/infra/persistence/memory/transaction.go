package memory

import (
	"fmt"
	"time"

	"vivarium/pkg/domain"
)

// transaction represents a mutation set applied to the store state.
type transaction struct {
	store   *Store
	state   memoryState
	changes []Change
	now     time.Time
}

// transactionView exposes a read-only snapshot of the transactional state to
// rules and availability queries.
type transactionView struct {
	state *memoryState
}

func newTransactionView(state *memoryState) TransactionView {
	return transactionView{state: state}
}

// ListAnimals returns all animals within the transaction snapshot.
func (v transactionView) ListAnimals() []Animal {
	out := make([]Animal, 0, len(v.state.animals))
	for _, a := range v.state.animals {
		out = append(out, cloneAnimal(a))
	}
	return out
}

// ListAnimalRequests returns all requests within the snapshot.
func (v transactionView) ListAnimalRequests() []AnimalRequest {
	out := make([]AnimalRequest, 0, len(v.state.requests))
	for _, r := range v.state.requests {
		out = append(out, cloneRequest(r))
	}
	return out
}

// ListAllocations returns all allocation rows, released ones included.
func (v transactionView) ListAllocations() []Allocation {
	out := make([]Allocation, 0, len(v.state.allocations))
	for _, a := range v.state.allocations {
		out = append(out, cloneAllocation(a))
	}
	return out
}

// ListHousingUnits returns all housing units.
func (v transactionView) ListHousingUnits() []HousingUnit {
	out := make([]HousingUnit, 0, len(v.state.housing))
	for _, h := range v.state.housing {
		out = append(out, h)
	}
	return out
}

// ListFacilities returns all facilities in the snapshot.
func (v transactionView) ListFacilities() []Facility {
	out := make([]Facility, 0, len(v.state.facilities))
	for _, f := range v.state.facilities {
		out = append(out, f)
	}
	return out
}

// ListStudies returns all studies in the snapshot.
func (v transactionView) ListStudies() []Study {
	out := make([]Study, 0, len(v.state.studies))
	for _, s := range v.state.studies {
		out = append(out, cloneStudy(s))
	}
	return out
}

// ListSamples returns all samples in the snapshot.
func (v transactionView) ListSamples() []Sample {
	out := make([]Sample, 0, len(v.state.samples))
	for _, s := range v.state.samples {
		out = append(out, cloneSample(s))
	}
	return out
}

// FindAnimal retrieves an animal by ID from the snapshot.
func (v transactionView) FindAnimal(id string) (Animal, bool) {
	a, ok := v.state.animals[id]
	if !ok {
		return Animal{}, false
	}
	return cloneAnimal(a), true
}

// FindAnimalRequest retrieves a request by ID from the snapshot.
func (v transactionView) FindAnimalRequest(id string) (AnimalRequest, bool) {
	r, ok := v.state.requests[id]
	if !ok {
		return AnimalRequest{}, false
	}
	return cloneRequest(r), true
}

// FindAllocation retrieves an allocation by ID from the snapshot.
func (v transactionView) FindAllocation(id string) (Allocation, bool) {
	a, ok := v.state.allocations[id]
	if !ok {
		return Allocation{}, false
	}
	return cloneAllocation(a), true
}

// FindHousingUnit retrieves a housing unit by ID from the snapshot.
func (v transactionView) FindHousingUnit(id string) (HousingUnit, bool) {
	h, ok := v.state.housing[id]
	if !ok {
		return HousingUnit{}, false
	}
	return h, true
}

// FindFacility retrieves a facility by ID from the snapshot.
func (v transactionView) FindFacility(id string) (Facility, bool) {
	f, ok := v.state.facilities[id]
	if !ok {
		return Facility{}, false
	}
	return f, true
}

// FindStudy retrieves a study by ID from the snapshot.
func (v transactionView) FindStudy(id string) (Study, bool) {
	s, ok := v.state.studies[id]
	if !ok {
		return Study{}, false
	}
	return cloneStudy(s), true
}

func (tx *transaction) recordChange(change Change) {
	tx.changes = append(tx.changes, change)
}

// Snapshot returns a read-only view over the transactional state.
func (tx *transaction) Snapshot() TransactionView {
	return newTransactionView(&tx.state)
}

// FindAnimal exposes animal lookup within the transaction scope.
func (tx *transaction) FindAnimal(id string) (Animal, bool) {
	a, ok := tx.state.animals[id]
	if !ok {
		return Animal{}, false
	}
	return cloneAnimal(a), true
}

// FindAnimalRequest exposes request lookup within the transaction scope.
func (tx *transaction) FindAnimalRequest(id string) (AnimalRequest, bool) {
	r, ok := tx.state.requests[id]
	if !ok {
		return AnimalRequest{}, false
	}
	return cloneRequest(r), true
}

// FindAllocation exposes allocation lookup within the transaction scope.
func (tx *transaction) FindAllocation(id string) (Allocation, bool) {
	a, ok := tx.state.allocations[id]
	if !ok {
		return Allocation{}, false
	}
	return cloneAllocation(a), true
}

// FindHousingUnit exposes housing lookup within the transaction scope.
func (tx *transaction) FindHousingUnit(id string) (HousingUnit, bool) {
	h, ok := tx.state.housing[id]
	if !ok {
		return HousingUnit{}, false
	}
	return h, true
}

// FindStudy exposes study lookup within the transaction scope.
func (tx *transaction) FindStudy(id string) (Study, bool) {
	s, ok := tx.state.studies[id]
	if !ok {
		return Study{}, false
	}
	return cloneStudy(s), true
}

// CreateAnimal stores a new animal within the transaction.
func (tx *transaction) CreateAnimal(a Animal) (Animal, error) {
	if a.ID == "" {
		a.ID = tx.store.newID()
	}
	if _, exists := tx.state.animals[a.ID]; exists {
		return Animal{}, fmt.Errorf("animal %q already exists", a.ID)
	}
	if a.Status == "" {
		a.Status = domain.AnimalActive
	}
	if a.Sex == "" {
		a.Sex = domain.SexUnknown
	}
	a.CreatedAt = tx.now
	a.UpdatedAt = tx.now
	tx.state.animals[a.ID] = cloneAnimal(a)
	tx.recordChange(Change{Entity: domain.EntityAnimal, Action: domain.ActionCreate, After: cloneAnimal(a)})
	return cloneAnimal(a), nil
}

// UpdateAnimal mutates an animal using the provided mutator function.
func (tx *transaction) UpdateAnimal(id string, mutator func(*Animal) error) (Animal, error) {
	current, ok := tx.state.animals[id]
	if !ok {
		return Animal{}, domain.NotFoundError{Entity: domain.EntityAnimal, ID: id}
	}
	before := cloneAnimal(current)
	if err := mutator(&current); err != nil {
		return Animal{}, err
	}
	current.ID = id
	current.UpdatedAt = tx.now
	tx.state.animals[id] = cloneAnimal(current)
	tx.recordChange(Change{Entity: domain.EntityAnimal, Action: domain.ActionUpdate, Before: before, After: cloneAnimal(current)})
	return cloneAnimal(current), nil
}

// DeleteAnimal removes an animal from the transaction state.
func (tx *transaction) DeleteAnimal(id string) error {
	current, ok := tx.state.animals[id]
	if !ok {
		return domain.NotFoundError{Entity: domain.EntityAnimal, ID: id}
	}
	for _, allocation := range tx.state.allocations {
		if allocation.AnimalID == id && allocation.Active() {
			return fmt.Errorf("animal %q still bound by allocation %q", id, allocation.ID)
		}
	}
	for _, sample := range tx.state.samples {
		if sample.AnimalID != nil && *sample.AnimalID == id {
			return fmt.Errorf("animal %q still referenced by sample %q", id, sample.ID)
		}
	}
	delete(tx.state.animals, id)
	tx.recordChange(Change{Entity: domain.EntityAnimal, Action: domain.ActionDelete, Before: cloneAnimal(current)})
	return nil
}

// CreateAnimalRequest stores a new request.
func (tx *transaction) CreateAnimalRequest(r AnimalRequest) (AnimalRequest, error) {
	if r.ID == "" {
		r.ID = tx.store.newID()
	}
	if _, exists := tx.state.requests[r.ID]; exists {
		return AnimalRequest{}, fmt.Errorf("animal request %q already exists", r.ID)
	}
	if r.Status == "" {
		r.Status = domain.RequestSubmitted
	}
	if r.Priority == "" {
		r.Priority = domain.PriorityNormal
	}
	r.CreatedAt = tx.now
	r.UpdatedAt = tx.now
	tx.state.requests[r.ID] = cloneRequest(r)
	tx.recordChange(Change{Entity: domain.EntityAnimalRequest, Action: domain.ActionCreate, After: cloneRequest(r)})
	return cloneRequest(r), nil
}

// UpdateAnimalRequest mutates an existing request.
func (tx *transaction) UpdateAnimalRequest(id string, mutator func(*AnimalRequest) error) (AnimalRequest, error) {
	current, ok := tx.state.requests[id]
	if !ok {
		return AnimalRequest{}, domain.NotFoundError{Entity: domain.EntityAnimalRequest, ID: id}
	}
	before := cloneRequest(current)
	if err := mutator(&current); err != nil {
		return AnimalRequest{}, err
	}
	current.ID = id
	current.UpdatedAt = tx.now
	tx.state.requests[id] = cloneRequest(current)
	tx.recordChange(Change{Entity: domain.EntityAnimalRequest, Action: domain.ActionUpdate, Before: before, After: cloneRequest(current)})
	return cloneRequest(current), nil
}

// DeleteAnimalRequest removes a request that has never been allocated.
func (tx *transaction) DeleteAnimalRequest(id string) error {
	current, ok := tx.state.requests[id]
	if !ok {
		return domain.NotFoundError{Entity: domain.EntityAnimalRequest, ID: id}
	}
	for _, allocation := range tx.state.allocations {
		if allocation.RequestID == id {
			return fmt.Errorf("request %q has allocation history and cannot be deleted", id)
		}
	}
	delete(tx.state.requests, id)
	tx.recordChange(Change{Entity: domain.EntityAnimalRequest, Action: domain.ActionDelete, Before: cloneRequest(current)})
	return nil
}

// CreateAllocation appends an allocation row. Rows are append-only; releases
// go through UpdateAllocation.
func (tx *transaction) CreateAllocation(a Allocation) (Allocation, error) {
	if a.ID == "" {
		a.ID = tx.store.newID()
	}
	if _, exists := tx.state.allocations[a.ID]; exists {
		return Allocation{}, fmt.Errorf("allocation %q already exists", a.ID)
	}
	if _, ok := tx.state.requests[a.RequestID]; !ok {
		return Allocation{}, domain.NotFoundError{Entity: domain.EntityAnimalRequest, ID: a.RequestID}
	}
	if _, ok := tx.state.animals[a.AnimalID]; !ok {
		return Allocation{}, domain.NotFoundError{Entity: domain.EntityAnimal, ID: a.AnimalID}
	}
	if a.AllocatedAt.IsZero() {
		a.AllocatedAt = tx.now
	}
	a.CreatedAt = tx.now
	a.UpdatedAt = tx.now
	tx.state.allocations[a.ID] = cloneAllocation(a)
	tx.recordChange(Change{Entity: domain.EntityAllocation, Action: domain.ActionCreate, After: cloneAllocation(a)})
	return cloneAllocation(a), nil
}

// UpdateAllocation mutates an allocation row (release bookkeeping).
func (tx *transaction) UpdateAllocation(id string, mutator func(*Allocation) error) (Allocation, error) {
	current, ok := tx.state.allocations[id]
	if !ok {
		return Allocation{}, domain.NotFoundError{Entity: domain.EntityAllocation, ID: id}
	}
	before := cloneAllocation(current)
	if err := mutator(&current); err != nil {
		return Allocation{}, err
	}
	current.ID = id
	current.RequestID = before.RequestID
	current.AnimalID = before.AnimalID
	current.UpdatedAt = tx.now
	tx.state.allocations[id] = cloneAllocation(current)
	tx.recordChange(Change{Entity: domain.EntityAllocation, Action: domain.ActionUpdate, Before: before, After: cloneAllocation(current)})
	return cloneAllocation(current), nil
}

// CreateHousingUnit stores new housing metadata.
func (tx *transaction) CreateHousingUnit(h HousingUnit) (HousingUnit, error) {
	if h.ID == "" {
		h.ID = tx.store.newID()
	}
	if _, exists := tx.state.housing[h.ID]; exists {
		return HousingUnit{}, fmt.Errorf("housing unit %q already exists", h.ID)
	}
	if h.FacilityID == "" {
		return HousingUnit{}, fmt.Errorf("housing unit requires a facility")
	}
	if _, ok := tx.state.facilities[h.FacilityID]; !ok {
		return HousingUnit{}, domain.NotFoundError{Entity: domain.EntityFacility, ID: h.FacilityID}
	}
	if h.Capacity <= 0 {
		h.Capacity = 1
	}
	h.CreatedAt = tx.now
	h.UpdatedAt = tx.now
	tx.state.housing[h.ID] = h
	tx.recordChange(Change{Entity: domain.EntityHousingUnit, Action: domain.ActionCreate, After: h})
	return h, nil
}

// UpdateHousingUnit mutates housing metadata.
func (tx *transaction) UpdateHousingUnit(id string, mutator func(*HousingUnit) error) (HousingUnit, error) {
	current, ok := tx.state.housing[id]
	if !ok {
		return HousingUnit{}, domain.NotFoundError{Entity: domain.EntityHousingUnit, ID: id}
	}
	before := current
	if err := mutator(&current); err != nil {
		return HousingUnit{}, err
	}
	current.ID = id
	current.UpdatedAt = tx.now
	tx.state.housing[id] = current
	tx.recordChange(Change{Entity: domain.EntityHousingUnit, Action: domain.ActionUpdate, Before: before, After: current})
	return current, nil
}

// DeleteHousingUnit removes housing after clearing occupancy checks.
func (tx *transaction) DeleteHousingUnit(id string) error {
	current, ok := tx.state.housing[id]
	if !ok {
		return domain.NotFoundError{Entity: domain.EntityHousingUnit, ID: id}
	}
	for _, animal := range tx.state.animals {
		if animal.HousingID != nil && *animal.HousingID == id {
			return fmt.Errorf("housing unit %q still occupied by animal %q", id, animal.ID)
		}
	}
	delete(tx.state.housing, id)
	tx.recordChange(Change{Entity: domain.EntityHousingUnit, Action: domain.ActionDelete, Before: current})
	return nil
}

// CreateFacility stores a new facility.
func (tx *transaction) CreateFacility(f Facility) (Facility, error) {
	if f.ID == "" {
		f.ID = tx.store.newID()
	}
	if _, exists := tx.state.facilities[f.ID]; exists {
		return Facility{}, fmt.Errorf("facility %q already exists", f.ID)
	}
	f.CreatedAt = tx.now
	f.UpdatedAt = tx.now
	tx.state.facilities[f.ID] = f
	tx.recordChange(Change{Entity: domain.EntityFacility, Action: domain.ActionCreate, After: f})
	return f, nil
}

// UpdateFacility mutates a facility.
func (tx *transaction) UpdateFacility(id string, mutator func(*Facility) error) (Facility, error) {
	current, ok := tx.state.facilities[id]
	if !ok {
		return Facility{}, domain.NotFoundError{Entity: domain.EntityFacility, ID: id}
	}
	before := current
	if err := mutator(&current); err != nil {
		return Facility{}, err
	}
	current.ID = id
	current.UpdatedAt = tx.now
	tx.state.facilities[id] = current
	tx.recordChange(Change{Entity: domain.EntityFacility, Action: domain.ActionUpdate, Before: before, After: current})
	return current, nil
}

// DeleteFacility removes a facility without housing units.
func (tx *transaction) DeleteFacility(id string) error {
	current, ok := tx.state.facilities[id]
	if !ok {
		return domain.NotFoundError{Entity: domain.EntityFacility, ID: id}
	}
	for _, housing := range tx.state.housing {
		if housing.FacilityID == id {
			return fmt.Errorf("facility %q still contains housing unit %q", id, housing.ID)
		}
	}
	delete(tx.state.facilities, id)
	tx.recordChange(Change{Entity: domain.EntityFacility, Action: domain.ActionDelete, Before: current})
	return nil
}

// CreateStudy stores a new study.
func (tx *transaction) CreateStudy(s Study) (Study, error) {
	if s.ID == "" {
		s.ID = tx.store.newID()
	}
	if _, exists := tx.state.studies[s.ID]; exists {
		return Study{}, fmt.Errorf("study %q already exists", s.ID)
	}
	s.CreatedAt = tx.now
	s.UpdatedAt = tx.now
	tx.state.studies[s.ID] = cloneStudy(s)
	tx.recordChange(Change{Entity: domain.EntityStudy, Action: domain.ActionCreate, After: cloneStudy(s)})
	return cloneStudy(s), nil
}

// UpdateStudy mutates a study.
func (tx *transaction) UpdateStudy(id string, mutator func(*Study) error) (Study, error) {
	current, ok := tx.state.studies[id]
	if !ok {
		return Study{}, domain.NotFoundError{Entity: domain.EntityStudy, ID: id}
	}
	before := cloneStudy(current)
	if err := mutator(&current); err != nil {
		return Study{}, err
	}
	current.ID = id
	current.UpdatedAt = tx.now
	tx.state.studies[id] = cloneStudy(current)
	tx.recordChange(Change{Entity: domain.EntityStudy, Action: domain.ActionUpdate, Before: before, After: cloneStudy(current)})
	return cloneStudy(current), nil
}

// DeleteStudy removes a study not referenced by requests.
func (tx *transaction) DeleteStudy(id string) error {
	current, ok := tx.state.studies[id]
	if !ok {
		return domain.NotFoundError{Entity: domain.EntityStudy, ID: id}
	}
	for _, request := range tx.state.requests {
		if request.StudyID != nil && *request.StudyID == id {
			return fmt.Errorf("study %q still referenced by request %q", id, request.ID)
		}
	}
	delete(tx.state.studies, id)
	tx.recordChange(Change{Entity: domain.EntityStudy, Action: domain.ActionDelete, Before: cloneStudy(current)})
	return nil
}

// CreateSample stores a new sample.
func (tx *transaction) CreateSample(s Sample) (Sample, error) {
	if s.ID == "" {
		s.ID = tx.store.newID()
	}
	if _, exists := tx.state.samples[s.ID]; exists {
		return Sample{}, fmt.Errorf("sample %q already exists", s.ID)
	}
	if s.AnimalID != nil {
		if _, ok := tx.state.animals[*s.AnimalID]; !ok {
			return Sample{}, domain.NotFoundError{Entity: domain.EntityAnimal, ID: *s.AnimalID}
		}
	}
	if s.CollectedAt.IsZero() {
		s.CollectedAt = tx.now
	}
	s.CreatedAt = tx.now
	s.UpdatedAt = tx.now
	tx.state.samples[s.ID] = cloneSample(s)
	tx.recordChange(Change{Entity: domain.EntitySample, Action: domain.ActionCreate, After: cloneSample(s)})
	return cloneSample(s), nil
}

// UpdateSample mutates a sample.
func (tx *transaction) UpdateSample(id string, mutator func(*Sample) error) (Sample, error) {
	current, ok := tx.state.samples[id]
	if !ok {
		return Sample{}, domain.NotFoundError{Entity: domain.EntitySample, ID: id}
	}
	before := cloneSample(current)
	if err := mutator(&current); err != nil {
		return Sample{}, err
	}
	current.ID = id
	current.UpdatedAt = tx.now
	tx.state.samples[id] = cloneSample(current)
	tx.recordChange(Change{Entity: domain.EntitySample, Action: domain.ActionUpdate, Before: before, After: cloneSample(current)})
	return cloneSample(current), nil
}

// DeleteSample removes a sample record.
func (tx *transaction) DeleteSample(id string) error {
	current, ok := tx.state.samples[id]
	if !ok {
		return domain.NotFoundError{Entity: domain.EntitySample, ID: id}
	}
	delete(tx.state.samples, id)
	tx.recordChange(Change{Entity: domain.EntitySample, Action: domain.ActionDelete, Before: cloneSample(current)})
	return nil
}
