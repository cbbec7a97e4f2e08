package core

import (
	"context"
	"time"

	"vivarium/internal/infra/persistence/memory"
	"vivarium/pkg/domain"
)

// Service exposes higher-level transactional operations for the core schema:
// record-keeping CRUD plus the request allocation engine.
type Service struct {
	store   PersistentStore
	logger  Logger
	metrics MetricsRecorder
	nowFn   func() time.Time
}

// Option configures optional service collaborators.
type Option func(*Service)

// WithLogger installs a structured logger. The default discards output.
func WithLogger(logger Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics installs a metrics recorder observing every service operation.
func WithMetrics(rec MetricsRecorder) Option {
	return func(s *Service) {
		if rec != nil {
			s.metrics = rec
		}
	}
}

// WithClock overrides the service time source, primarily for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.nowFn = now
		}
	}
}

// NewService constructs a service backed by the supplied store.
func NewService(store PersistentStore, opts ...Option) *Service {
	s := &Service{
		store:  store,
		logger: noopLogger{},
		nowFn:  func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewInMemoryService creates a service and in-memory store with the given rules engine.
func NewInMemoryService(engine *RulesEngine, opts ...Option) *Service {
	return NewService(memory.NewStore(engine), opts...)
}

// Store returns the underlying storage implementation.
func (s *Service) Store() PersistentStore {
	return s.store
}

func (s *Service) observe(ctx context.Context, operation string, start time.Time, err error) {
	if s.metrics == nil {
		return
	}
	s.metrics.Observe(ctx, operation, err == nil, time.Since(start))
}

// CreateFacility persists a new facility.
func (s *Service) CreateFacility(ctx context.Context, facility Facility) (created Facility, res Result, err error) {
	start := s.nowFn()
	defer func() { s.observe(ctx, "create_facility", start, err) }()
	res, err = s.store.RunInTransaction(ctx, func(tx Transaction) error {
		var txErr error
		created, txErr = tx.CreateFacility(facility)
		return txErr
	})
	return created, res, err
}

// CreateHousingUnit persists housing metadata.
func (s *Service) CreateHousingUnit(ctx context.Context, housing HousingUnit) (created HousingUnit, res Result, err error) {
	start := s.nowFn()
	defer func() { s.observe(ctx, "create_housing_unit", start, err) }()
	res, err = s.store.RunInTransaction(ctx, func(tx Transaction) error {
		var txErr error
		created, txErr = tx.CreateHousingUnit(housing)
		return txErr
	})
	return created, res, err
}

// CreateStudy persists a new study.
func (s *Service) CreateStudy(ctx context.Context, study Study) (created Study, res Result, err error) {
	start := s.nowFn()
	defer func() { s.observe(ctx, "create_study", start, err) }()
	res, err = s.store.RunInTransaction(ctx, func(tx Transaction) error {
		var txErr error
		created, txErr = tx.CreateStudy(study)
		return txErr
	})
	return created, res, err
}

// CreateAnimal persists a new animal.
func (s *Service) CreateAnimal(ctx context.Context, animal Animal) (created Animal, res Result, err error) {
	start := s.nowFn()
	defer func() { s.observe(ctx, "create_animal", start, err) }()
	res, err = s.store.RunInTransaction(ctx, func(tx Transaction) error {
		var txErr error
		created, txErr = tx.CreateAnimal(animal)
		return txErr
	})
	return created, res, err
}

// UpdateAnimal mutates an animal using the provided mutator.
func (s *Service) UpdateAnimal(ctx context.Context, id string, mutator func(*Animal) error) (updated Animal, res Result, err error) {
	start := s.nowFn()
	defer func() { s.observe(ctx, "update_animal", start, err) }()
	res, err = s.store.RunInTransaction(ctx, func(tx Transaction) error {
		var txErr error
		updated, txErr = tx.UpdateAnimal(id, mutator)
		return txErr
	})
	return updated, res, err
}

// DeleteAnimal removes an animal record.
func (s *Service) DeleteAnimal(ctx context.Context, id string) (res Result, err error) {
	start := s.nowFn()
	defer func() { s.observe(ctx, "delete_animal", start, err) }()
	res, err = s.store.RunInTransaction(ctx, func(tx Transaction) error {
		return tx.DeleteAnimal(id)
	})
	return res, err
}

// SetAnimalStatus transitions an animal's lifecycle status. Animals leaving
// the active state while allocated have their allocations released so the
// owning requests can be re-triaged.
func (s *Service) SetAnimalStatus(ctx context.Context, id string, status AnimalStatus, actor string) (updated Animal, res Result, err error) {
	start := s.nowFn()
	defer func() { s.observe(ctx, "set_animal_status", start, err) }()
	res, err = s.store.RunInTransaction(ctx, func(tx Transaction) error {
		var txErr error
		updated, txErr = tx.UpdateAnimal(id, func(animal *Animal) error {
			animal.Status = status
			return nil
		})
		if txErr != nil {
			return txErr
		}
		if status != AnimalActive {
			reason := "animal status changed to " + string(status)
			if txErr = s.releaseAnimalAllocations(tx, id, reason); txErr != nil {
				return txErr
			}
		}
		return nil
	})
	if err == nil {
		s.logger.Info("animal status changed", "animal_id", id, "status", string(status), "actor", actor)
	}
	return updated, res, err
}

// AssignAnimalHousing updates an animal's housing reference within a
// transaction that validates the housing unit exists.
func (s *Service) AssignAnimalHousing(ctx context.Context, animalID, housingID string) (updated Animal, res Result, err error) {
	start := s.nowFn()
	defer func() { s.observe(ctx, "assign_animal_housing", start, err) }()
	res, err = s.store.RunInTransaction(ctx, func(tx Transaction) error {
		if _, ok := tx.FindHousingUnit(housingID); !ok {
			return domain.NotFoundError{Entity: EntityHousingUnit, ID: housingID}
		}
		var txErr error
		updated, txErr = tx.UpdateAnimal(animalID, func(animal *Animal) error {
			animal.HousingID = &housingID
			return nil
		})
		return txErr
	})
	return updated, res, err
}

// CreateSample persists a sample record.
func (s *Service) CreateSample(ctx context.Context, sample Sample) (created Sample, res Result, err error) {
	start := s.nowFn()
	defer func() { s.observe(ctx, "create_sample", start, err) }()
	res, err = s.store.RunInTransaction(ctx, func(tx Transaction) error {
		var txErr error
		created, txErr = tx.CreateSample(sample)
		return txErr
	})
	return created, res, err
}

// DeleteSample removes a sample record.
func (s *Service) DeleteSample(ctx context.Context, id string) (res Result, err error) {
	start := s.nowFn()
	defer func() { s.observe(ctx, "delete_sample", start, err) }()
	res, err = s.store.RunInTransaction(ctx, func(tx Transaction) error {
		return tx.DeleteSample(id)
	})
	return res, err
}
