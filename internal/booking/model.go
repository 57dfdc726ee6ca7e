package booking

import (
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx/types"
)

// DepositStatus tracks custody of the customer's deposit.
type DepositStatus string

const (
	DepositNone          DepositStatus = "none"
	DepositPending       DepositStatus = "pending"
	DepositCaptured      DepositStatus = "captured"
	DepositReleased      DepositStatus = "released"
	DepositOnHoldDispute DepositStatus = "on_hold_dispute"
	DepositRefunded      DepositStatus = "refunded"
)

// IsTerminal reports whether no further deposit transition may touch this
// booking. A split resolution also ends in released; the ledger, not the
// enum, carries the split amounts.
func (s DepositStatus) IsTerminal() bool {
	return s == DepositReleased || s == DepositRefunded
}

// CompletionStatus tracks the service-delivery side of the booking.
type CompletionStatus string

const (
	CompletionScheduled  CompletionStatus = "scheduled"
	CompletionInProgress CompletionStatus = "in_progress"
	CompletionAwaiting   CompletionStatus = "awaiting_confirmation"
	CompletionCompleted  CompletionStatus = "completed"
	CompletionDisputed   CompletionStatus = "disputed"
	CompletionCancelled  CompletionStatus = "cancelled"
)

// ActorType identifies who caused an audit event.
type ActorType string

const (
	ActorCustomer ActorType = "customer"
	ActorProvider ActorType = "provider"
	ActorSystem   ActorType = "system"
	ActorAdmin    ActorType = "admin"
)

// EventType enumerates audit event kinds.
type EventType string

const (
	EventDepositIntentCreated EventType = "deposit_intent_created"
	EventDepositCaptured      EventType = "deposit_captured"
	EventRescheduled          EventType = "rescheduled"
	EventLateRescheduled      EventType = "late_rescheduled"
	EventMarkedCompleted      EventType = "marked_completed"
	EventCustomerConfirmed    EventType = "customer_confirmed"
	EventAutoReleased         EventType = "auto_released"
	EventIssueFlagged         EventType = "issue_flagged"
	EventDisputeOpened        EventType = "dispute_opened"
	EventAdminForceReleased   EventType = "admin_force_released"
	EventAdminRefundedFull    EventType = "admin_refunded_full"
	EventDisputeResolvedSplit EventType = "dispute_resolved_split"
	EventTransferRecorded     EventType = "transfer_recorded"
	EventTransferFailed       EventType = "transfer_failed"
	EventRefundRecorded       EventType = "refund_recorded"
	EventRefundFailed         EventType = "refund_failed"
	EventReconcileAnomaly     EventType = "reconcile_anomaly"
)

// BookingRequest is one customer booking with its deposit custody state.
type BookingRequest struct {
	ID          int64  `db:"id" json:"id"`
	ProviderID  int64  `db:"provider_id" json:"provider_id"`
	CustomerID  int64  `db:"customer_id" json:"customer_id"`
	ClientName  string `db:"client_name" json:"client_name"`
	ClientPhone string `db:"client_phone" json:"client_phone"`
	ClientEmail string `db:"client_email" json:"client_email"`

	StartTime        time.Time  `db:"start_time" json:"start_time"`
	EndTime          time.Time  `db:"end_time" json:"end_time"`
	LastRescheduleAt *time.Time `db:"last_reschedule_at" json:"last_reschedule_at,omitempty"`

	DepositAmount   int64         `db:"deposit_amount" json:"deposit_amount"`
	DepositCurrency string        `db:"deposit_currency" json:"deposit_currency"`
	DepositStatus   DepositStatus `db:"deposit_status" json:"deposit_status"`
	AuthorizationID *string       `db:"authorization_id" json:"authorization_id,omitempty"`
	ChargeID        *string       `db:"charge_id" json:"charge_id,omitempty"`
	TransferID      *string       `db:"transfer_id" json:"transfer_id,omitempty"`
	RefundID        *string       `db:"refund_id" json:"refund_id,omitempty"`

	LateRescheduleCount int   `db:"late_reschedule_count" json:"late_reschedule_count"`
	RetainedAmount      int64 `db:"retained_amount" json:"retained_amount"`
	RolledAmount        int64 `db:"rolled_amount" json:"rolled_amount"`
	FeeWaived           bool  `db:"fee_waived" json:"fee_waived"`

	CompletionStatus CompletionStatus `db:"completion_status" json:"completion_status"`
	AutoReleaseAt    *time.Time       `db:"auto_release_at" json:"auto_release_at,omitempty"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// ReleasableAmount is what a release or refund may move: the rolled amount,
// which starts equal to the full deposit and shrinks with each retention.
func (b *BookingRequest) ReleasableAmount() int64 {
	if b.RolledAmount > 0 || b.RetainedAmount > 0 {
		return b.RolledAmount
	}
	return b.DepositAmount
}

// RetentionFee is one forfeited late-reschedule fee owed to the provider.
// Rows accrue in the same transaction as the reschedule that forfeited the
// money; a NULL transfer id marks the fee for the settlement sweep. One row
// per (booking, tier), so the fee amount and its idempotency key never change
// across retries.
type RetentionFee struct {
	ID          int64      `db:"id" json:"id"`
	BookingID   int64      `db:"booking_id" json:"booking_id"`
	Tier        int        `db:"tier" json:"tier"`
	AmountCents int64      `db:"amount_cents" json:"amount_cents"`
	TransferID  *string    `db:"transfer_id" json:"transfer_id,omitempty"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	SettledAt   *time.Time `db:"settled_at" json:"settled_at,omitempty"`

	// Joined from the booking for the settlement pass.
	ProviderID int64  `db:"provider_id" json:"-"`
	Currency   string `db:"deposit_currency" json:"-"`
}

// BookingEvent is one append-only audit record. Written, never edited.
type BookingEvent struct {
	ID        int64          `db:"id" json:"id"`
	BookingID int64          `db:"booking_id" json:"booking_id"`
	Type      EventType      `db:"event_type" json:"event_type"`
	ActorType ActorType      `db:"actor_type" json:"actor_type"`
	ActorID   *int64         `db:"actor_id" json:"actor_id,omitempty"`
	Metadata  types.JSONText `db:"metadata" json:"metadata,omitempty"`
	CreatedAt time.Time      `db:"created_at" json:"created_at"`
}

// NewEvent builds an event with JSON-encoded metadata.
func NewEvent(bookingID int64, eventType EventType, actor ActorType, actorID *int64, metadata map[string]interface{}) BookingEvent {
	ev := BookingEvent{
		BookingID: bookingID,
		Type:      eventType,
		ActorType: actor,
		ActorID:   actorID,
	}
	if metadata != nil {
		if data, err := json.Marshal(metadata); err == nil {
			ev.Metadata = types.JSONText(data)
		}
	}
	return ev
}
