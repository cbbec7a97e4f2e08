package domain

// allowedTransitions is the explicit state machine for manager-driven request
// status changes. Quantity-driven promotions to partially_fulfilled and
// fulfilled happen only as a side effect of successful allocation and are not
// listed here. The reviewing step is advisory: allocation may proceed
// directly from submitted.
var allowedTransitions = map[RequestStatus][]RequestStatus{
	RequestSubmitted:          {RequestReviewing, RequestWaitlisted, RequestDenied, RequestCancelled},
	RequestReviewing:          {RequestWaitlisted, RequestDenied, RequestCancelled},
	RequestPartiallyFulfilled: {RequestWaitlisted, RequestDenied, RequestCancelled},
	RequestWaitlisted:         {RequestReviewing, RequestDenied, RequestCancelled},
	RequestFulfilled:          nil,
	RequestDenied:             nil,
	RequestCancelled:          nil,
}

// Terminal reports whether a request status admits no further transitions or
// allocations.
func (s RequestStatus) Terminal() bool {
	switch s {
	case RequestFulfilled, RequestDenied, RequestCancelled:
		return true
	default:
		return false
	}
}

// Valid reports whether the status is a recognised request state.
func (s RequestStatus) Valid() bool {
	_, ok := allowedTransitions[s]
	return ok
}

// CanTransition reports whether a manager-driven move from one status to
// another is permitted by the state machine.
func CanTransition(from, to RequestStatus) bool {
	for _, allowed := range allowedTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// StatusForQuantities recomputes a request's status deterministically from
// its allocation bookkeeping after a successful commit.
func StatusForQuantities(allocated, requested int, current RequestStatus) RequestStatus {
	switch {
	case requested > 0 && allocated >= requested:
		return RequestFulfilled
	case allocated > 0:
		return RequestPartiallyFulfilled
	default:
		return current
	}
}

// StatusAfterRelease recomputes status when an active allocation is released
// from a non-terminal request. A fully drained request returns to its prior
// triage track via reviewing.
func StatusAfterRelease(allocated int, current RequestStatus) RequestStatus {
	if current.Terminal() {
		return current
	}
	if allocated == 0 && current == RequestPartiallyFulfilled {
		return RequestReviewing
	}
	return current
}
