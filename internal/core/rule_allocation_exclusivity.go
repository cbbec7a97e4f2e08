package core

import (
	"context"
	"fmt"

	"vivarium/pkg/domain"
)

// NewAllocationExclusivityRule returns the in-transaction rule enforcing that
// no animal carries more than one active allocation. The ledger performs the
// same check explicitly before writing; the rule keeps the invariant alive
// for any future writer of allocation rows.
func NewAllocationExclusivityRule() domain.Rule {
	return allocationExclusivityRule{}
}

type allocationExclusivityRule struct{}

func (allocationExclusivityRule) Name() string { return "allocation_exclusivity" }

func (allocationExclusivityRule) Evaluate(_ context.Context, view domain.RuleView, _ []domain.Change) (domain.Result, error) {
	holders := make(map[string]string)
	res := domain.Result{}
	for _, allocation := range view.ListAllocations() {
		if !allocation.Active() {
			continue
		}
		if prior, taken := holders[allocation.AnimalID]; taken {
			res.Violations = append(res.Violations, domain.Violation{
				Rule:     "allocation_exclusivity",
				Severity: domain.SeverityBlock,
				Message:  fmt.Sprintf("animal %s is actively allocated by both %s and %s", allocation.AnimalID, prior, allocation.ID),
				Entity:   domain.EntityAnimal,
				EntityID: allocation.AnimalID,
			})
			continue
		}
		holders[allocation.AnimalID] = allocation.ID
	}
	return res, nil
}
