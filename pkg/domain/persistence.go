package domain

import "context"

// Transaction exposes the domain operations that a persistence implementation
// must support within an atomic scope.
type Transaction interface {
	Snapshot() TransactionView
	CreateAnimal(Animal) (Animal, error)
	UpdateAnimal(id string, mutator func(*Animal) error) (Animal, error)
	DeleteAnimal(id string) error
	CreateAnimalRequest(AnimalRequest) (AnimalRequest, error)
	UpdateAnimalRequest(id string, mutator func(*AnimalRequest) error) (AnimalRequest, error)
	DeleteAnimalRequest(id string) error
	CreateAllocation(Allocation) (Allocation, error)
	UpdateAllocation(id string, mutator func(*Allocation) error) (Allocation, error)
	CreateHousingUnit(HousingUnit) (HousingUnit, error)
	UpdateHousingUnit(id string, mutator func(*HousingUnit) error) (HousingUnit, error)
	DeleteHousingUnit(id string) error
	CreateFacility(Facility) (Facility, error)
	UpdateFacility(id string, mutator func(*Facility) error) (Facility, error)
	DeleteFacility(id string) error
	CreateStudy(Study) (Study, error)
	UpdateStudy(id string, mutator func(*Study) error) (Study, error)
	DeleteStudy(id string) error
	CreateSample(Sample) (Sample, error)
	UpdateSample(id string, mutator func(*Sample) error) (Sample, error)
	DeleteSample(id string) error
	FindAnimal(id string) (Animal, bool)
	FindAnimalRequest(id string) (AnimalRequest, bool)
	FindAllocation(id string) (Allocation, bool)
	FindHousingUnit(id string) (HousingUnit, bool)
	FindStudy(id string) (Study, bool)
}

// TransactionView provides read-only access to snapshot data for rules and
// availability queries.
type TransactionView interface {
	RuleView
	ListFacilities() []Facility
	ListStudies() []Study
	ListSamples() []Sample
	FindFacility(id string) (Facility, bool)
	FindStudy(id string) (Study, bool)
	FindAllocation(id string) (Allocation, bool)
}

// PersistentStore is a minimal abstraction over durable backends. It mirrors
// the subset of store capabilities used directly by higher layers.
type PersistentStore interface {
	RunInTransaction(ctx context.Context, fn func(Transaction) error) (Result, error)
	View(ctx context.Context, fn func(TransactionView) error) error
	GetAnimal(id string) (Animal, bool)
	ListAnimals() []Animal
	GetAnimalRequest(id string) (AnimalRequest, bool)
	ListAnimalRequests() []AnimalRequest
	ListAllocations() []Allocation
	GetHousingUnit(id string) (HousingUnit, bool)
	ListHousingUnits() []HousingUnit
	ListFacilities() []Facility
	ListStudies() []Study
	ListSamples() []Sample
}
