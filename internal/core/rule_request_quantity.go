package core

import (
	"context"
	"fmt"

	"vivarium/pkg/domain"
)

// NewRequestQuantityRule returns the in-transaction rule enforcing request
// quantity bookkeeping: 0 <= quantity_allocated <= quantity_requested, and
// quantity_allocated equals the count of the request's active allocations.
func NewRequestQuantityRule() domain.Rule {
	return requestQuantityRule{}
}

type requestQuantityRule struct{}

func (requestQuantityRule) Name() string { return "request_quantity" }

func (requestQuantityRule) Evaluate(_ context.Context, view domain.RuleView, _ []domain.Change) (domain.Result, error) {
	activeCounts := make(map[string]int)
	for _, allocation := range view.ListAllocations() {
		if allocation.Active() {
			activeCounts[allocation.RequestID]++
		}
	}

	res := domain.Result{}
	for _, request := range view.ListAnimalRequests() {
		if request.QuantityRequested <= 0 {
			res.Violations = append(res.Violations, domain.Violation{
				Rule:     "request_quantity",
				Severity: domain.SeverityBlock,
				Message:  fmt.Sprintf("request %s has non-positive quantity_requested %d", request.ID, request.QuantityRequested),
				Entity:   domain.EntityAnimalRequest,
				EntityID: request.ID,
			})
			continue
		}
		if request.QuantityAllocated < 0 || request.QuantityAllocated > request.QuantityRequested {
			res.Violations = append(res.Violations, domain.Violation{
				Rule:     "request_quantity",
				Severity: domain.SeverityBlock,
				Message:  fmt.Sprintf("request %s quantity_allocated %d outside [0, %d]", request.ID, request.QuantityAllocated, request.QuantityRequested),
				Entity:   domain.EntityAnimalRequest,
				EntityID: request.ID,
			})
			continue
		}
		if count := activeCounts[request.ID]; count != request.QuantityAllocated {
			res.Violations = append(res.Violations, domain.Violation{
				Rule:     "request_quantity",
				Severity: domain.SeverityBlock,
				Message:  fmt.Sprintf("request %s quantity_allocated %d disagrees with %d active allocations", request.ID, request.QuantityAllocated, count),
				Entity:   domain.EntityAnimalRequest,
				EntityID: request.ID,
			})
		}
	}
	return res, nil
}
