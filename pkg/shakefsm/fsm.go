package shakefsm

import "time"

const (
	Pending   = "PENDING"
	Active    = "ACTIVE"
	Delivered = "DELIVERED"
	Released  = "RELEASED"
	Disputed  = "DISPUTED"
	Refunded  = "REFUNDED"
)

// FreezeCeiling is the sentinel written to an ancestor's dispute_frozen_until
// while any descendant is disputed. Far enough out that no real window reaches it.
var FreezeCeiling = time.Date(9999, 12, 31, 23, 59, 59, 0, time.UTC)

func CanTransition(from, to string) bool {
	switch from {
	case Pending:
		return to == Active || to == Refunded
	case Active:
		return to == Delivered || to == Refunded
	case Delivered:
		return to == Released || to == Disputed
	case Disputed:
		return to == Released || to == Refunded
	default:
		return false
	}
}

func Transition(from, to string) (string, error) {
	if !CanTransition(from, to) {
		return from, E(InvalidTransition)
	}
	return to, nil
}

func IsTerminal(status string) bool {
	return status == Released || status == Refunded
}

// IsFrozen reports whether the freeze sentinel is set.
func IsFrozen(frozenUntil time.Time) bool {
	return !frozenUntil.IsZero()
}
