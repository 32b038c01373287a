package models

// ProgramStatus represents a state in the referral program lifecycle.
type ProgramStatus string

// All program lifecycle states.
const (
	ProgramActive   ProgramStatus = "ACTIVE"
	ProgramInactive ProgramStatus = "INACTIVE"
	ProgramExpired  ProgramStatus = "EXPIRED"
	ProgramDeleted  ProgramStatus = "DELETED"
)

// LinkStatus represents a state in the referral link lifecycle.
type LinkStatus string

// All link lifecycle states.
const (
	LinkActive    LinkStatus = "ACTIVE"
	LinkCancelled LinkStatus = "CANCELLED"
)

// UsageStatus represents a state in the referral link usage lifecycle.
type UsageStatus string

// All usage lifecycle states. Completed and Expired are terminal.
const (
	UsagePending   UsageStatus = "PENDING"
	UsageCompleted UsageStatus = "COMPLETED"
	UsageExpired   UsageStatus = "EXPIRED"
)

// Rule decides whether every child of a pathway container must be satisfied
// or merely one of them.
type Rule string

const (
	RuleAll Rule = "ALL"
	RuleAny Rule = "ANY"
)

// OrderMode decides whether the children of a pathway container must be
// completed in a specific order.
type OrderMode string

const (
	OrderSequential OrderMode = "SEQUENTIAL"
	OrderAny        OrderMode = "ANY_ORDER"
)

// TaskEntityType identifies the external entity a pathway task points at.
type TaskEntityType string

const (
	TaskEntityOpportunity TaskEntityType = "OPPORTUNITY"
)

// ProgramTransitions is the full legal transition graph for programs keyed by
// current state. The Expired edges are date-driven: they are traversed by the
// expiration sweep and by update-time auto-expiry, and UpdateStatus refuses
// Expired as an explicit target.
var ProgramTransitions = map[ProgramStatus][]ProgramStatus{
	ProgramActive:   {ProgramInactive, ProgramExpired, ProgramDeleted},
	ProgramInactive: {ProgramActive, ProgramExpired, ProgramDeleted},
	ProgramExpired:  {ProgramActive},
}

// LinkTransitions is the legal transition graph for referral links.
var LinkTransitions = map[LinkStatus][]LinkStatus{
	LinkActive: {LinkCancelled},
}

// UsageTransitions is the legal transition graph for link usages.
var UsageTransitions = map[UsageStatus][]UsageStatus{
	UsagePending: {UsageCompleted, UsageExpired},
}

// CanTransitionProgram reports whether a program may move from one status to
// another according to ProgramTransitions.
func CanTransitionProgram(from, to ProgramStatus) bool {
	for _, allowed := range ProgramTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// CanTransitionLink reports whether a link may move between the two statuses.
func CanTransitionLink(from, to LinkStatus) bool {
	for _, allowed := range LinkTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// CanTransitionUsage reports whether a usage may move between the two statuses.
func CanTransitionUsage(from, to UsageStatus) bool {
	for _, allowed := range UsageTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// ValidRule reports whether the rule/order-mode pair is internally consistent.
// A container that must be traversed in order cannot be satisfied by
// completing an arbitrary subset, so Sequential forces RuleAll.
func ValidRule(rule Rule, mode OrderMode) bool {
	if mode == OrderSequential && rule != RuleAll {
		return false
	}
	return rule == RuleAll || rule == RuleAny
}
