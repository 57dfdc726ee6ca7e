package booking

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
)

var (
	ErrBookingNotFound = errors.New("booking not found")

	// ErrStaleState means the row was not in the pre-state the transition
	// requires. Under concurrent use this is the normal outcome for the
	// losing writer and callers treat it as already handled.
	ErrStaleState = errors.New("booking not in expected state")
)

const bookingColumns = `
	id, provider_id, customer_id, client_name, client_phone, client_email,
	start_time, end_time, last_reschedule_at,
	deposit_amount, deposit_currency, deposit_status,
	authorization_id, charge_id, transfer_id, refund_id,
	late_reschedule_count, retained_amount, rolled_amount, fee_waived,
	completion_status, auto_release_at, created_at, updated_at`

type repository struct {
	db *sqlx.DB
}

func NewRepository(db *sqlx.DB) Repository {
	return &repository{db: db}
}

func (r *repository) CreateBooking(ctx context.Context, b *BookingRequest) (*BookingRequest, error) {
	query := `
		INSERT INTO bookings (
			provider_id, customer_id, client_name, client_phone, client_email,
			start_time, end_time, deposit_amount, deposit_currency,
			deposit_status, rolled_amount, completion_status
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 'none', $8, 'scheduled')
		RETURNING` + bookingColumns

	var created BookingRequest
	err := r.db.GetContext(ctx, &created, query,
		b.ProviderID, b.CustomerID, b.ClientName, b.ClientPhone, b.ClientEmail,
		b.StartTime, b.EndTime, b.DepositAmount, b.DepositCurrency,
	)
	if err != nil {
		return nil, err
	}

	return &created, nil
}

func (r *repository) GetByID(ctx context.Context, id int64) (*BookingRequest, error) {
	return r.getOne(ctx, `SELECT`+bookingColumns+` FROM bookings WHERE id = $1`, id)
}

func (r *repository) GetByAuthorizationID(ctx context.Context, authorizationID string) (*BookingRequest, error) {
	return r.getOne(ctx, `SELECT`+bookingColumns+` FROM bookings WHERE authorization_id = $1`, authorizationID)
}

func (r *repository) GetByChargeID(ctx context.Context, chargeID string) (*BookingRequest, error) {
	return r.getOne(ctx, `SELECT`+bookingColumns+` FROM bookings WHERE charge_id = $1`, chargeID)
}

func (r *repository) GetByTransferID(ctx context.Context, transferID string) (*BookingRequest, error) {
	return r.getOne(ctx, `SELECT`+bookingColumns+` FROM bookings WHERE transfer_id = $1`, transferID)
}

func (r *repository) getOne(ctx context.Context, query string, arg interface{}) (*BookingRequest, error) {
	var b BookingRequest
	err := r.db.GetContext(ctx, &b, query, arg)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrBookingNotFound
		}
		return nil, err
	}
	return &b, nil
}

// transition runs one guarded update plus its audit event in one transaction.
// RowsAffected == 0 means another writer got there first: roll back and
// report ErrStaleState so the caller can drop the operation as a no-op.
func (r *repository) transition(ctx context.Context, query string, args []interface{}, ev BookingEvent) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return ErrStaleState
	}

	if err := insertEvent(ctx, tx, ev); err != nil {
		return err
	}

	return tx.Commit()
}

func insertEvent(ctx context.Context, tx *sqlx.Tx, ev BookingEvent) error {
	metadata := ev.Metadata
	if metadata == nil {
		metadata = []byte("{}")
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO booking_events (booking_id, event_type, actor_type, actor_id, metadata)
		 VALUES ($1, $2, $3, $4, $5)`,
		ev.BookingID, ev.Type, ev.ActorType, ev.ActorID, metadata,
	)
	return err
}

func (r *repository) SetDepositIntent(ctx context.Context, id int64, authorizationID string, ev BookingEvent) error {
	query := `
		UPDATE bookings
		SET deposit_status = 'pending', authorization_id = $2, updated_at = NOW()
		WHERE id = $1 AND deposit_status = 'none'
	`
	return r.transition(ctx, query, []interface{}{id, authorizationID}, ev)
}

func (r *repository) MarkCaptured(ctx context.Context, id int64, chargeID string, ev BookingEvent) error {
	query := `
		UPDATE bookings
		SET deposit_status = 'captured', charge_id = $2, updated_at = NOW()
		WHERE id = $1 AND deposit_status = 'pending'
	`
	return r.transition(ctx, query, []interface{}{id, chargeID}, ev)
}

// ApplyReschedule moves the schedule and the retention bookkeeping in one
// transaction. A non-nil fee writes its ledger row atomically with the
// amounts it explains, so a fee can never exist without the forfeiture and
// the forfeiture can never lose its fee.
func (r *repository) ApplyReschedule(ctx context.Context, id int64, newStart, newEnd time.Time, retained, rolled int64, lateCount int, fee *RetentionFee, ev BookingEvent) error {
	query := `
		UPDATE bookings
		SET start_time = $2, end_time = $3, retained_amount = $4, rolled_amount = $5,
		    late_reschedule_count = $6, last_reschedule_at = NOW(), updated_at = NOW()
		WHERE id = $1
		  AND completion_status = 'scheduled'
		  AND deposit_status NOT IN ('released', 'refunded')
		  AND $4 + $5 <= deposit_amount
	`

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, query, id, newStart, newEnd, retained, rolled, lateCount)
	if err != nil {
		return err
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return ErrStaleState
	}

	if fee != nil {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO retention_fees (booking_id, tier, amount_cents) VALUES ($1, $2, $3)`,
			id, fee.Tier, fee.AmountCents,
		)
		if err != nil {
			return err
		}
	}

	if err := insertEvent(ctx, tx, ev); err != nil {
		return err
	}

	return tx.Commit()
}

func (r *repository) MarkAwaitingConfirmation(ctx context.Context, id int64, autoReleaseAt time.Time, ev BookingEvent) error {
	query := `
		UPDATE bookings
		SET completion_status = 'awaiting_confirmation', auto_release_at = $2, updated_at = NOW()
		WHERE id = $1 AND completion_status IN ('scheduled', 'in_progress')
	`
	return r.transition(ctx, query, []interface{}{id, autoReleaseAt}, ev)
}

func (r *repository) ReleaseDeposit(ctx context.Context, id int64, ev BookingEvent) error {
	query := `
		UPDATE bookings
		SET completion_status = 'completed', deposit_status = 'released',
		    auto_release_at = NULL, updated_at = NOW()
		WHERE id = $1
		  AND completion_status = 'awaiting_confirmation'
		  AND deposit_status = 'captured'
	`
	return r.transition(ctx, query, []interface{}{id}, ev)
}

func (r *repository) FlagDispute(ctx context.Context, id int64, ev BookingEvent) error {
	query := `
		UPDATE bookings
		SET completion_status = 'disputed', deposit_status = 'on_hold_dispute',
		    auto_release_at = NULL, updated_at = NOW()
		WHERE id = $1
		  AND completion_status = 'awaiting_confirmation'
		  AND deposit_status = 'captured'
	`
	return r.transition(ctx, query, []interface{}{id}, ev)
}

func (r *repository) ForceDispute(ctx context.Context, id int64, ev BookingEvent) error {
	query := `
		UPDATE bookings
		SET completion_status = 'disputed', deposit_status = 'on_hold_dispute',
		    auto_release_at = NULL, updated_at = NOW()
		WHERE id = $1
		  AND deposit_status NOT IN ('released', 'refunded', 'on_hold_dispute')
	`
	return r.transition(ctx, query, []interface{}{id}, ev)
}

func (r *repository) ResolveDisputeRelease(ctx context.Context, id int64, ev BookingEvent) error {
	query := `
		UPDATE bookings
		SET completion_status = 'completed', deposit_status = 'released', updated_at = NOW()
		WHERE id = $1
		  AND completion_status = 'disputed'
		  AND deposit_status = 'on_hold_dispute'
	`
	return r.transition(ctx, query, []interface{}{id}, ev)
}

func (r *repository) ResolveDisputeRefund(ctx context.Context, id int64, ev BookingEvent) error {
	query := `
		UPDATE bookings
		SET completion_status = 'cancelled', deposit_status = 'refunded', updated_at = NOW()
		WHERE id = $1
		  AND completion_status = 'disputed'
		  AND deposit_status = 'on_hold_dispute'
	`
	return r.transition(ctx, query, []interface{}{id}, ev)
}

func (r *repository) SetTransferID(ctx context.Context, id int64, transferID string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE bookings SET transfer_id = $2, updated_at = NOW() WHERE id = $1 AND transfer_id IS NULL`,
		id, transferID,
	)
	if err != nil {
		return err
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return ErrStaleState
	}
	return nil
}

func (r *repository) SetRefundID(ctx context.Context, id int64, refundID string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE bookings SET refund_id = $2, updated_at = NOW() WHERE id = $1 AND refund_id IS NULL`,
		id, refundID,
	)
	if err != nil {
		return err
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return ErrStaleState
	}
	return nil
}

func (r *repository) DueForAutoRelease(ctx context.Context, now time.Time, limit int) ([]BookingRequest, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT` + bookingColumns + `
		FROM bookings
		WHERE completion_status = 'awaiting_confirmation'
		  AND deposit_status = 'captured'
		  AND auto_release_at <= $1
		ORDER BY auto_release_at ASC
		LIMIT $2
	`

	var due []BookingRequest
	err := r.db.SelectContext(ctx, &due, query, now, limit)
	if err != nil {
		return nil, err
	}

	return due, nil
}

func (r *repository) PendingTransfers(ctx context.Context, limit int) ([]BookingRequest, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT` + bookingColumns + `
		FROM bookings
		WHERE deposit_status = 'released'
		  AND transfer_id IS NULL
		  AND rolled_amount > 0
		ORDER BY updated_at ASC
		LIMIT $1
	`

	var pending []BookingRequest
	err := r.db.SelectContext(ctx, &pending, query, limit)
	if err != nil {
		return nil, err
	}

	return pending, nil
}

// UnsettledRetentionFees lists forfeited fees whose transfer has not landed.
// Fees on pending deposits are excluded: nothing is held at the processor
// until capture, so there is nothing to move yet.
func (r *repository) UnsettledRetentionFees(ctx context.Context, limit int) ([]RetentionFee, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT f.id, f.booking_id, f.tier, f.amount_cents, f.transfer_id,
		       f.created_at, f.settled_at, b.provider_id, b.deposit_currency
		FROM retention_fees f
		JOIN bookings b ON b.id = f.booking_id
		WHERE f.transfer_id IS NULL
		  AND b.deposit_status NOT IN ('none', 'pending')
		ORDER BY f.created_at ASC
		LIMIT $1
	`

	var fees []RetentionFee
	err := r.db.SelectContext(ctx, &fees, query, limit)
	if err != nil {
		return nil, err
	}

	return fees, nil
}

func (r *repository) SettleRetentionFee(ctx context.Context, bookingID int64, tier int, transferID string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE retention_fees SET transfer_id = $3, settled_at = NOW()
		 WHERE booking_id = $1 AND tier = $2 AND transfer_id IS NULL`,
		bookingID, tier, transferID,
	)
	if err != nil {
		return err
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return ErrStaleState
	}
	return nil
}

func (r *repository) AppendEvent(ctx context.Context, ev BookingEvent) error {
	metadata := ev.Metadata
	if metadata == nil {
		metadata = []byte("{}")
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO booking_events (booking_id, event_type, actor_type, actor_id, metadata)
		 VALUES ($1, $2, $3, $4, $5)`,
		ev.BookingID, ev.Type, ev.ActorType, ev.ActorID, metadata,
	)
	return err
}

func (r *repository) GetEvents(ctx context.Context, bookingID int64) ([]BookingEvent, error) {
	query := `
		SELECT id, booking_id, event_type, actor_type, actor_id, metadata, created_at
		FROM booking_events
		WHERE booking_id = $1
		ORDER BY id ASC
	`

	var events []BookingEvent
	err := r.db.SelectContext(ctx, &events, query, bookingID)
	if err != nil {
		return nil, err
	}

	return events, nil
}
