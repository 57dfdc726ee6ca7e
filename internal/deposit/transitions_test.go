package deposit

import (
	"testing"

	"depositguard/internal/booking"

	"github.com/stretchr/testify/assert"
)

func TestAllowed(t *testing.T) {
	tests := []struct {
		name       string
		action     Action
		deposit    booking.DepositStatus
		completion booking.CompletionStatus
		wantErr    bool
	}{
		{"intent on fresh booking", ActionCreateIntent, booking.DepositNone, booking.CompletionScheduled, false},
		{"intent retry while pending", ActionCreateIntent, booking.DepositPending, booking.CompletionScheduled, false},
		{"no intent after capture", ActionCreateIntent, booking.DepositCaptured, booking.CompletionScheduled, true},
		{"no intent after service started", ActionCreateIntent, booking.DepositNone, booking.CompletionInProgress, true},

		{"capture of pending deposit", ActionCapture, booking.DepositPending, booking.CompletionScheduled, false},
		{"no capture twice", ActionCapture, booking.DepositCaptured, booking.CompletionScheduled, true},

		{"reschedule before capture", ActionReschedule, booking.DepositNone, booking.CompletionScheduled, false},
		{"reschedule after capture", ActionReschedule, booking.DepositCaptured, booking.CompletionScheduled, false},
		{"no reschedule once awaiting", ActionReschedule, booking.DepositCaptured, booking.CompletionAwaiting, true},
		{"no reschedule while disputed", ActionReschedule, booking.DepositOnHoldDispute, booking.CompletionDisputed, true},

		{"provider marks done from scheduled", ActionMarkCompleted, booking.DepositCaptured, booking.CompletionScheduled, false},
		{"provider marks done from in progress", ActionMarkCompleted, booking.DepositNone, booking.CompletionInProgress, false},
		{"no double mark", ActionMarkCompleted, booking.DepositCaptured, booking.CompletionAwaiting, true},

		{"confirm while awaiting", ActionConfirm, booking.DepositCaptured, booking.CompletionAwaiting, false},
		{"no confirm before provider marks", ActionConfirm, booking.DepositCaptured, booking.CompletionScheduled, true},
		{"no confirm without captured deposit", ActionConfirm, booking.DepositPending, booking.CompletionAwaiting, true},
		{"no confirm after dispute", ActionConfirm, booking.DepositOnHoldDispute, booking.CompletionDisputed, true},

		{"auto release while awaiting", ActionAutoRelease, booking.DepositCaptured, booking.CompletionAwaiting, false},
		{"no auto release after confirm", ActionAutoRelease, booking.DepositReleased, booking.CompletionCompleted, true},

		{"flag while awaiting", ActionFlagIssue, booking.DepositCaptured, booking.CompletionAwaiting, false},
		{"no flag after release", ActionFlagIssue, booking.DepositReleased, booking.CompletionCompleted, true},
		{"no flag twice", ActionFlagIssue, booking.DepositOnHoldDispute, booking.CompletionDisputed, true},

		{"admin release of held deposit", ActionAdminRelease, booking.DepositOnHoldDispute, booking.CompletionDisputed, false},
		{"admin refund of held deposit", ActionAdminRefund, booking.DepositOnHoldDispute, booking.CompletionDisputed, false},
		{"admin split of held deposit", ActionAdminSplit, booking.DepositOnHoldDispute, booking.CompletionDisputed, false},
		{"no admin action without dispute", ActionAdminRelease, booking.DepositCaptured, booking.CompletionAwaiting, true},
		{"no admin action after refund", ActionAdminRefund, booking.DepositRefunded, booking.CompletionCancelled, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := &booking.BookingRequest{
				DepositStatus:    tt.deposit,
				CompletionStatus: tt.completion,
			}

			err := Allowed(tt.action, b)

			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidTransition)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestAllowed_UnknownAction(t *testing.T) {
	err := Allowed(Action("teleport"), &booking.BookingRequest{})
	assert.ErrorIs(t, err, ErrInvalidTransition)
}
