package risk

// Reason is the outcome code attached to a pipeline decision. A rejection
// is a designed outcome, not an error.
type Reason string

const (
	ReasonApproved        Reason = "APPROVED"
	ReasonTierRejected    Reason = "TIER_REJECTED"
	ReasonOutsideSchedule Reason = "OUTSIDE_SCHEDULE"
	ReasonCircuitBreaker  Reason = "CIRCUIT_BREAKER_ACTIVE"
	ReasonRecentDuplicate Reason = "RECENT_DUPLICATE"
	ReasonSymbolBlocked   Reason = "SYMBOL_BLOCKED"
	ReasonDailyLossPause  Reason = "DAILY_LOSS_PAUSE_ACTIVE"

	// ReasonInternalError marks a fail-closed rejection caused by a gate
	// that could not complete its check.
	ReasonInternalError Reason = "INTERNAL_ERROR"
)

// Decision is the result of running one signal through the pipeline for
// one account.
type Decision struct {
	Allowed bool
	Reason  Reason
	Gate    string
	Details map[string]string
}

func allow() Decision {
	return Decision{Allowed: true, Reason: ReasonApproved}
}

func reject(gate string, reason Reason, details map[string]string) Decision {
	return Decision{Allowed: false, Reason: reason, Gate: gate, Details: details}
}
