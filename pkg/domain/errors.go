package domain

import (
	"fmt"
	"strings"
)

// ValidationError reports malformed criteria or quantities. It is raised
// before any ledger state is touched and is fully recoverable client-side.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ConflictError reports that one or more animals already carry an active
// allocation. Callers are expected to re-fetch availability and retry with
// different animals.
type ConflictError struct {
	AnimalIDs []string
}

func (e ConflictError) Error() string {
	return fmt.Sprintf("animals no longer available: %s", strings.Join(e.AnimalIDs, ", "))
}

// IneligibleAnimalError reports that selected animals fail server-side
// criteria re-validation, indicating stale client state.
type IneligibleAnimalError struct {
	AnimalIDs []string
	Reason    string
}

func (e IneligibleAnimalError) Error() string {
	msg := fmt.Sprintf("animals do not match request criteria: %s", strings.Join(e.AnimalIDs, ", "))
	if e.Reason != "" {
		msg += " (" + e.Reason + ")"
	}
	return msg
}

// InvalidTransitionError reports a request status change not permitted from
// the current state.
type InvalidTransitionError struct {
	From RequestStatus
	To   RequestStatus
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("request status cannot move from %s to %s", e.From, e.To)
}

// NotFoundError is returned when an entity reference does not resolve.
type NotFoundError struct {
	Entity EntityType
	ID     string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}
