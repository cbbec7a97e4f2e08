// Package domain defines the core persistent entities, value types, and
// rule evaluation primitives used by vivarium.
package domain

import "time"

// EntityType identifies the type of record stored in the core domain.
type EntityType string

// Supported entity type identifiers used in Change records and persistence buckets.
const (
	// EntityAnimal identifies an individual animal record.
	EntityAnimal EntityType = "animal"
	// EntityAnimalRequest identifies a research animal request record.
	EntityAnimalRequest EntityType = "animal_request"
	// EntityAllocation identifies a request/animal allocation record.
	EntityAllocation EntityType = "allocation"
	// EntityHousingUnit identifies a housing unit record.
	EntityHousingUnit EntityType = "housing_unit"
	// EntityFacility identifies a facility record.
	EntityFacility EntityType = "facility"
	// EntityStudy identifies a study record.
	EntityStudy EntityType = "study"
	// EntitySample identifies a sample record.
	EntitySample EntityType = "sample"
)

// AnimalStatus represents the canonical animal lifecycle states.
type AnimalStatus string

// Canonical animal statuses. Only active animals are matchable.
const (
	AnimalActive      AnimalStatus = "active"
	AnimalDeceased    AnimalStatus = "deceased"
	AnimalTransferred AnimalStatus = "transferred"
	AnimalRetired     AnimalStatus = "retired"
)

// Sex records an animal's sex as captured at intake.
type Sex string

// Animal sexes. Unknown is used when sexing has not been performed.
const (
	SexMale    Sex = "M"
	SexFemale  Sex = "F"
	SexUnknown Sex = "Unknown"
)

// SexPreference is a request-side constraint on animal sex.
type SexPreference string

// Sex preferences. SexAny matches both sexes.
const (
	SexAny        SexPreference = "any"
	PreferMales   SexPreference = "M"
	PreferFemales SexPreference = "F"
)

// RequestStatus enumerates animal request workflow states.
type RequestStatus string

// Canonical request statuses. Fulfilled, denied and cancelled are terminal.
const (
	RequestSubmitted          RequestStatus = "submitted"
	RequestReviewing          RequestStatus = "reviewing"
	RequestPartiallyFulfilled RequestStatus = "partially_fulfilled"
	RequestFulfilled          RequestStatus = "fulfilled"
	RequestWaitlisted         RequestStatus = "waitlisted"
	RequestDenied             RequestStatus = "denied"
	RequestCancelled          RequestStatus = "cancelled"
)

// RequestPriority orders triage of pending requests.
type RequestPriority string

// Request priorities.
const (
	PriorityLow    RequestPriority = "low"
	PriorityNormal RequestPriority = "normal"
	PriorityHigh   RequestPriority = "high"
	PriorityUrgent RequestPriority = "urgent"
)

// Severity captures rule outcomes.
type Severity string

// Rule evaluation severities determine commit behavior and logging.
const (
	// SeverityBlock blocks transaction commit.
	SeverityBlock Severity = "block"
	// SeverityWarn logs a warning but allows commit.
	SeverityWarn Severity = "warn"
	SeverityLog  Severity = "log"
)

// Base contains common fields for all domain records.
type Base struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Animal represents an individual animal tracked by the system.
type Animal struct {
	Base
	Name      string       `json:"name"`
	Species   string       `json:"species"`
	Strain    string       `json:"strain"`
	Sex       Sex          `json:"sex"`
	Genotype  *string      `json:"genotype"`
	BirthDate *time.Time   `json:"birth_date"`
	Status    AnimalStatus `json:"status"`
	HousingID *string      `json:"housing_id"`
}

// AgeDays reports the animal's age in whole days at the given instant.
// The second return is false when no birth date is recorded.
func (a Animal) AgeDays(asOf time.Time) (int, bool) {
	if a.BirthDate == nil {
		return 0, false
	}
	days := int(asOf.Sub(*a.BirthDate).Hours() / 24)
	if days < 0 {
		days = 0
	}
	return days, true
}

// AnimalRequest captures a researcher's request for animals matching criteria.
type AnimalRequest struct {
	Base
	Title             string          `json:"title"`
	StudyID           *string         `json:"study_id"`
	RequestedBy       string          `json:"requested_by"`
	Criteria          Criteria        `json:"criteria"`
	QuantityRequested int             `json:"quantity_requested"`
	QuantityAllocated int             `json:"quantity_allocated"`
	NeededBy          *time.Time      `json:"needed_by"`
	Priority          RequestPriority `json:"priority"`
	Status            RequestStatus   `json:"status"`
	StatusLog         []StatusChange  `json:"status_log"`
}

// StatusChange records one request status transition with its context.
type StatusChange struct {
	From  RequestStatus `json:"from"`
	To    RequestStatus `json:"to"`
	Actor string        `json:"actor"`
	Notes *string       `json:"notes,omitempty"`
	At    time.Time     `json:"at"`
}

// Allocation is a committed binding of one animal to one request. Rows are
// never hard-deleted: releases set ReleasedAt, preserving the audit trail.
type Allocation struct {
	Base
	RequestID      string     `json:"request_id"`
	AnimalID       string     `json:"animal_id"`
	AllocatedAt    time.Time  `json:"allocated_at"`
	AllocatedBy    string     `json:"allocated_by"`
	ReleasedAt     *time.Time `json:"released_at"`
	ReleasedReason *string    `json:"released_reason,omitempty"`
}

// Active reports whether the allocation still binds its animal.
func (a Allocation) Active() bool {
	return a.ReleasedAt == nil
}

// HousingUnit captures physical housing metadata.
type HousingUnit struct {
	Base
	Name        string `json:"name"`
	FacilityID  string `json:"facility_id"`
	Capacity    int    `json:"capacity"`
	Environment string `json:"environment"`
}

// Facility aggregates housing units with shared biosecurity controls.
type Facility struct {
	Base
	Code string `json:"code"`
	Name string `json:"name"`
	Zone string `json:"zone"`
}

// Study identifies the research context a request is submitted under.
type Study struct {
	Base
	Code                  string  `json:"code"`
	Title                 string  `json:"title"`
	PrincipalInvestigator string  `json:"principal_investigator"`
	Description           *string `json:"description,omitempty"`
}

// Sample tracks material derived from animals.
type Sample struct {
	Base
	Identifier      string    `json:"identifier"`
	AnimalID        *string   `json:"animal_id"`
	CollectedAt     time.Time `json:"collected_at"`
	AssayType       string    `json:"assay_type"`
	StorageLocation string    `json:"storage_location"`
}

// Change describes a mutation applied to an entity during a transaction.
type Change struct {
	Entity EntityType
	Action Action
	Before any
	After  any
}

// Action indicates the type of modification performed.
type Action string

// Change actions enumerate supported CRUD operations captured in audit trail.
const (
	// ActionCreate indicates an entity was created.
	ActionCreate Action = "create"
	// ActionUpdate indicates an entity was updated.
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Violation reports a failed rule evaluation.
type Violation struct {
	Rule     string
	Severity Severity
	Message  string
	Entity   EntityType
	EntityID string
}

// Result aggregates violations from the rules engine.
type Result struct {
	Violations []Violation
}

// Merge appends violations from another result.
func (r *Result) Merge(other Result) {
	if len(other.Violations) == 0 {
		return
	}
	r.Violations = append(r.Violations, other.Violations...)
}

// HasBlocking returns true if the result contains blocking violations.
func (r Result) HasBlocking() bool {
	for _, v := range r.Violations {
		if v.Severity == SeverityBlock {
			return true
		}
	}
	return false
}

// RuleViolationError is returned when blocking violations are present.
type RuleViolationError struct {
	Result Result
}

func (e RuleViolationError) Error() string {
	return "transaction blocked by rules"
}
