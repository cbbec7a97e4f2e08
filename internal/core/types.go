package core

import "vivarium/pkg/domain"

type (
	EntityType         = domain.EntityType
	AnimalStatus       = domain.AnimalStatus
	Sex                = domain.Sex
	SexPreference      = domain.SexPreference
	RequestStatus      = domain.RequestStatus
	RequestPriority    = domain.RequestPriority
	Severity           = domain.Severity
	Base               = domain.Base
	Animal             = domain.Animal
	AnimalRequest      = domain.AnimalRequest
	Allocation         = domain.Allocation
	HousingUnit        = domain.HousingUnit
	Facility           = domain.Facility
	Study              = domain.Study
	Sample             = domain.Sample
	Criteria           = domain.Criteria
	StatusChange       = domain.StatusChange
	Change             = domain.Change
	Action             = domain.Action
	Violation          = domain.Violation
	Result             = domain.Result
	RuleViolationError = domain.RuleViolationError
)

const (
	EntityAnimal        = domain.EntityAnimal
	EntityAnimalRequest = domain.EntityAnimalRequest
	EntityAllocation    = domain.EntityAllocation
	EntityHousingUnit   = domain.EntityHousingUnit
	EntityFacility      = domain.EntityFacility
	EntityStudy         = domain.EntityStudy
	EntitySample        = domain.EntitySample
)

const (
	AnimalActive      = domain.AnimalActive
	AnimalDeceased    = domain.AnimalDeceased
	AnimalTransferred = domain.AnimalTransferred
	AnimalRetired     = domain.AnimalRetired
)

const (
	RequestSubmitted          = domain.RequestSubmitted
	RequestReviewing          = domain.RequestReviewing
	RequestPartiallyFulfilled = domain.RequestPartiallyFulfilled
	RequestFulfilled          = domain.RequestFulfilled
	RequestWaitlisted         = domain.RequestWaitlisted
	RequestDenied             = domain.RequestDenied
	RequestCancelled          = domain.RequestCancelled
)

const (
	SeverityBlock = domain.SeverityBlock
	SeverityWarn  = domain.SeverityWarn
	SeverityLog   = domain.SeverityLog
)

const (
	ActionCreate = domain.ActionCreate
	ActionUpdate = domain.ActionUpdate
	ActionDelete = domain.ActionDelete
)
