package deposit

import (
	"errors"

	"depositguard/internal/booking"
)

// ErrInvalidTransition is the precondition-violation rejection: the booking
// is not in a state the action allows. Under concurrent use this is routine
// and callers treat it as "already handled".
var ErrInvalidTransition = errors.New("booking is not in a state that allows this action")

type Action string

const (
	ActionCreateIntent  Action = "create_intent"
	ActionCapture       Action = "capture"
	ActionReschedule    Action = "reschedule"
	ActionMarkCompleted Action = "mark_completed"
	ActionConfirm       Action = "confirm"
	ActionAutoRelease   Action = "auto_release"
	ActionFlagIssue     Action = "flag_issue"
	ActionAdminRelease  Action = "admin_release"
	ActionAdminRefund   Action = "admin_refund"
	ActionAdminSplit    Action = "admin_split"
)

// gate is the allow-set of pre-states for one action. A nil slice means the
// dimension is unconstrained.
type gate struct {
	deposit    []booking.DepositStatus
	completion []booking.CompletionStatus
}

// transitions is the single dispatch table for the whole engine: every
// caller (handlers, the sweep, the webhook reconciler) checks the same
// allow-sets. The database's conditional updates re-check the pre-state, so
// the table is a fast fail, not the only line of defense.
var transitions = map[Action]gate{
	ActionCreateIntent: {
		deposit:    []booking.DepositStatus{booking.DepositNone, booking.DepositPending},
		completion: []booking.CompletionStatus{booking.CompletionScheduled},
	},
	ActionCapture: {
		deposit: []booking.DepositStatus{booking.DepositPending},
	},
	ActionReschedule: {
		deposit:    []booking.DepositStatus{booking.DepositNone, booking.DepositPending, booking.DepositCaptured},
		completion: []booking.CompletionStatus{booking.CompletionScheduled},
	},
	ActionMarkCompleted: {
		completion: []booking.CompletionStatus{booking.CompletionScheduled, booking.CompletionInProgress},
	},
	ActionConfirm: {
		deposit:    []booking.DepositStatus{booking.DepositCaptured},
		completion: []booking.CompletionStatus{booking.CompletionAwaiting},
	},
	ActionAutoRelease: {
		deposit:    []booking.DepositStatus{booking.DepositCaptured},
		completion: []booking.CompletionStatus{booking.CompletionAwaiting},
	},
	ActionFlagIssue: {
		deposit:    []booking.DepositStatus{booking.DepositCaptured},
		completion: []booking.CompletionStatus{booking.CompletionAwaiting},
	},
	ActionAdminRelease: {
		deposit:    []booking.DepositStatus{booking.DepositOnHoldDispute},
		completion: []booking.CompletionStatus{booking.CompletionDisputed},
	},
	ActionAdminRefund: {
		deposit:    []booking.DepositStatus{booking.DepositOnHoldDispute},
		completion: []booking.CompletionStatus{booking.CompletionDisputed},
	},
	ActionAdminSplit: {
		deposit:    []booking.DepositStatus{booking.DepositOnHoldDispute},
		completion: []booking.CompletionStatus{booking.CompletionDisputed},
	},
}

// Allowed checks the booking's current states against the action's allow-set.
func Allowed(action Action, b *booking.BookingRequest) error {
	g, ok := transitions[action]
	if !ok {
		return ErrInvalidTransition
	}

	if g.deposit != nil && !containsDeposit(g.deposit, b.DepositStatus) {
		return ErrInvalidTransition
	}
	if g.completion != nil && !containsCompletion(g.completion, b.CompletionStatus) {
		return ErrInvalidTransition
	}

	return nil
}

func containsDeposit(set []booking.DepositStatus, s booking.DepositStatus) bool {
	for _, allowed := range set {
		if allowed == s {
			return true
		}
	}
	return false
}

func containsCompletion(set []booking.CompletionStatus, s booking.CompletionStatus) bool {
	for _, allowed := range set {
		if allowed == s {
			return true
		}
	}
	return false
}
