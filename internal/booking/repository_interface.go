package booking

import (
	"context"
	"time"
)

type Repository interface {
	CreateBooking(ctx context.Context, b *BookingRequest) (*BookingRequest, error)
	GetByID(ctx context.Context, id int64) (*BookingRequest, error)
	GetByAuthorizationID(ctx context.Context, authorizationID string) (*BookingRequest, error)
	GetByChargeID(ctx context.Context, chargeID string) (*BookingRequest, error)
	GetByTransferID(ctx context.Context, transferID string) (*BookingRequest, error)

	// Transitions. Each performs a conditional update keyed on the required
	// pre-state and appends the given event in the same transaction. A guard
	// miss returns ErrStaleState and leaves the row untouched.
	SetDepositIntent(ctx context.Context, id int64, authorizationID string, ev BookingEvent) error
	MarkCaptured(ctx context.Context, id int64, chargeID string, ev BookingEvent) error
	ApplyReschedule(ctx context.Context, id int64, newStart, newEnd time.Time, retained, rolled int64, lateCount int, fee *RetentionFee, ev BookingEvent) error
	MarkAwaitingConfirmation(ctx context.Context, id int64, autoReleaseAt time.Time, ev BookingEvent) error
	ReleaseDeposit(ctx context.Context, id int64, ev BookingEvent) error
	FlagDispute(ctx context.Context, id int64, ev BookingEvent) error
	ForceDispute(ctx context.Context, id int64, ev BookingEvent) error
	ResolveDisputeRelease(ctx context.Context, id int64, ev BookingEvent) error
	ResolveDisputeRefund(ctx context.Context, id int64, ev BookingEvent) error

	// Processor bookkeeping after the fact; guarded so ids are written once.
	SetTransferID(ctx context.Context, id int64, transferID string) error
	SetRefundID(ctx context.Context, id int64, refundID string) error

	// Sweep queries.
	DueForAutoRelease(ctx context.Context, now time.Time, limit int) ([]BookingRequest, error)
	PendingTransfers(ctx context.Context, limit int) ([]BookingRequest, error)

	// Retention fee ledger. Fees accrue with the reschedule and settle when
	// the transfer lands; an unsettled fee is picked up by the sweep.
	UnsettledRetentionFees(ctx context.Context, limit int) ([]RetentionFee, error)
	SettleRetentionFee(ctx context.Context, bookingID int64, tier int, transferID string) error

	// Audit log.
	AppendEvent(ctx context.Context, ev BookingEvent) error
	GetEvents(ctx context.Context, bookingID int64) ([]BookingEvent, error)
}
