package deposit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"depositguard/internal/booking"
	"depositguard/internal/logger"
	"depositguard/internal/metrics"
	"depositguard/internal/processor"
	"depositguard/internal/provider"
)

var (
	ErrProviderNotPayable  = errors.New("provider has no payable processor account")
	ErrDepositDisabled     = errors.New("provider has deposits disabled")
	ErrNotBookingCustomer  = errors.New("only the booking's customer may do this")
	ErrNotBookingProvider  = errors.New("only the booking's provider may do this")
	ErrInvalidRefundAmount = errors.New("refund amount must be between zero and the releasable amount")
	ErrUnknownResolution   = errors.New("unknown resolution action")
)

// Intent is the customer-facing view of a deposit authorization.
type Intent struct {
	BookingID       int64                 `json:"booking_id"`
	AuthorizationID string                `json:"authorization_id"`
	Amount          int64                 `json:"amount"`
	Currency        string                `json:"currency"`
	Status          booking.DepositStatus `json:"status"`
}

// RescheduleOutcome reports what a reschedule did to the deposit.
type RescheduleOutcome struct {
	IsLate         bool  `json:"is_late"`
	Tier           int   `json:"tier,omitempty"`
	RetainedAmount int64 `json:"retained_amount"`
	RolledAmount   int64 `json:"rolled_amount"`
	FeeCharged     int64 `json:"fee_charged"`
}

const (
	ResolutionRelease = "release"
	ResolutionRefund  = "refund"
	ResolutionSplit   = "split"
)

// Resolution is an admin's decision on a disputed booking.
type Resolution struct {
	Action       string `json:"action" binding:"required"`
	RefundAmount int64  `json:"refund_amount"`
	AdminID      int64  `json:"-"`
	Note         string `json:"note"`
}

// Notifier fans out customer-facing messages. Delivery is external; a nil
// notifier disables the fan-out entirely.
type Notifier interface {
	SendDepositReleased(ctx context.Context, email, name string, amountCents int64, currency string) error
	SendRetentionFee(ctx context.Context, email, name string, tier int, amountCents int64, currency string) error
	SendIssueReceived(ctx context.Context, email, name string) error
	SendDisputeResolved(ctx context.Context, email, name, outcome string) error
}

type Service interface {
	CreateOrGetIntent(ctx context.Context, bookingID, actorID int64) (*Intent, error)
	RecordReschedule(ctx context.Context, bookingID int64, newStart time.Time, actorID int64) (*RescheduleOutcome, error)
	MarkCompleted(ctx context.Context, bookingID, providerID int64) (*booking.BookingRequest, error)
	ConfirmCompletion(ctx context.Context, bookingID, customerID int64) error
	AutoRelease(ctx context.Context, b *booking.BookingRequest) error
	FlagIssue(ctx context.Context, bookingID int64, description string, customerID int64) error
	AdminResolve(ctx context.Context, bookingID int64, res Resolution) error
	RetryTransfer(ctx context.Context, b *booking.BookingRequest) error
	SettleRetentionFee(ctx context.Context, fee booking.RetentionFee) error
}

type service struct {
	repo      booking.Repository
	providers provider.Repository
	proc      processor.Client
	notifier  Notifier
	grace     time.Duration
}

func NewService(repo booking.Repository, providers provider.Repository, proc processor.Client, notifier Notifier, grace time.Duration) Service {
	if grace <= 0 {
		grace = 36 * time.Hour
	}
	return &service{
		repo:      repo,
		providers: providers,
		proc:      proc,
		notifier:  notifier,
		grace:     grace,
	}
}

func (s *service) CreateOrGetIntent(ctx context.Context, bookingID, actorID int64) (*Intent, error) {
	b, err := s.repo.GetByID(ctx, bookingID)
	if err != nil {
		return nil, err
	}

	// Repeat calls with an existing intent return it unchanged: the client
	// retrying a timed-out request must never trigger a second authorization.
	if b.DepositStatus != booking.DepositNone {
		metrics.RecordDepositIntent("existing")
		return intentOf(b), nil
	}

	if err := Allowed(ActionCreateIntent, b); err != nil {
		return nil, err
	}

	prof, err := s.providers.GetByUserID(ctx, b.ProviderID)
	if err != nil {
		if errors.Is(err, provider.ErrProfileNotFound) {
			return nil, ErrProviderNotPayable
		}
		return nil, err
	}
	if !prof.DepositEnabled {
		return nil, ErrDepositDisabled
	}
	if !prof.Payable() {
		return nil, ErrProviderNotPayable
	}

	authID, err := s.proc.Authorize(ctx, b.DepositAmount, b.DepositCurrency, b.ClientEmail,
		fmt.Sprintf("booking-%d-authorize", b.ID))
	if err != nil {
		metrics.RecordDepositIntent("processor_error")
		return nil, err
	}

	ev := booking.NewEvent(b.ID, booking.EventDepositIntentCreated, booking.ActorCustomer, &actorID, map[string]interface{}{
		"authorization_id": authID,
		"amount":           b.DepositAmount,
		"currency":         b.DepositCurrency,
	})
	if err := s.repo.SetDepositIntent(ctx, b.ID, authID, ev); err != nil {
		if errors.Is(err, booking.ErrStaleState) {
			// Lost a race with a concurrent create; the stored intent wins.
			current, gerr := s.repo.GetByID(ctx, bookingID)
			if gerr != nil {
				return nil, gerr
			}
			metrics.RecordDepositIntent("existing")
			return intentOf(current), nil
		}
		return nil, err
	}

	metrics.RecordDepositIntent("created")
	b.DepositStatus = booking.DepositPending
	b.AuthorizationID = &authID
	return intentOf(b), nil
}

func intentOf(b *booking.BookingRequest) *Intent {
	intent := &Intent{
		BookingID: b.ID,
		Amount:    b.DepositAmount,
		Currency:  b.DepositCurrency,
		Status:    b.DepositStatus,
	}
	if b.AuthorizationID != nil {
		intent.AuthorizationID = *b.AuthorizationID
	}
	return intent
}

func (s *service) RecordReschedule(ctx context.Context, bookingID int64, newStart time.Time, actorID int64) (*RescheduleOutcome, error) {
	b, err := s.repo.GetByID(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if b.CustomerID != actorID {
		return nil, ErrNotBookingCustomer
	}
	if err := Allowed(ActionReschedule, b); err != nil {
		return nil, err
	}

	prof, err := s.providers.GetByUserID(ctx, b.ProviderID)
	if err != nil {
		return nil, err
	}

	ret := CalculateRetention(prof, b.LateRescheduleCount, b.DepositAmount, b.FeeWaived, b.StartTime, time.Now())
	newEnd := newStart.Add(b.EndTime.Sub(b.StartTime))

	outcome := &RescheduleOutcome{
		IsLate:         ret.IsLate,
		Tier:           ret.Tier,
		RetainedAmount: b.RetainedAmount,
		RolledAmount:   b.RolledAmount,
	}

	if !ret.IsLate || ret.RetainedAmount == 0 {
		lateCount := b.LateRescheduleCount
		metadata := map[string]interface{}{"new_start": newStart}
		if ret.IsLate {
			// Late but excused: the counter still advances.
			lateCount++
			metadata["late"] = true
			metadata["fee_waived"] = b.FeeWaived
		}
		ev := booking.NewEvent(b.ID, booking.EventRescheduled, booking.ActorCustomer, &actorID, metadata)
		if err := s.repo.ApplyReschedule(ctx, b.ID, newStart, newEnd, b.RetainedAmount, b.RolledAmount, lateCount, nil, ev); err != nil {
			return nil, mapStale(err)
		}
		metrics.RecordTransition(string(ActionReschedule), "ok")
		return outcome, nil
	}

	// Cumulative rule: retained_amount is replaced with the new tier's
	// absolute amount; the money moved now is only the marginal difference,
	// so the sum of retention transfers never exceeds the deposit.
	newRetained := ret.RetainedAmount
	feeCharged := newRetained - b.RetainedAmount
	if feeCharged < 0 {
		newRetained = b.RetainedAmount
		feeCharged = 0
	}
	rolled := b.DepositAmount - newRetained

	var fee *booking.RetentionFee
	if feeCharged > 0 {
		fee = &booking.RetentionFee{
			BookingID:   b.ID,
			Tier:        ret.Tier,
			AmountCents: feeCharged,
			ProviderID:  b.ProviderID,
			Currency:    b.DepositCurrency,
		}
	}

	ev := booking.NewEvent(b.ID, booking.EventLateRescheduled, booking.ActorCustomer, &actorID, map[string]interface{}{
		"tier":            ret.Tier,
		"retained_amount": newRetained,
		"rolled_amount":   rolled,
		"fee_charged":     feeCharged,
		"new_start":       newStart,
	})
	if err := s.repo.ApplyReschedule(ctx, b.ID, newStart, newEnd, newRetained, rolled, b.LateRescheduleCount+1, fee, ev); err != nil {
		return nil, mapStale(err)
	}
	metrics.RecordTransition(string(ActionReschedule), "ok")
	metrics.RecordRetentionFee(feeCharged)

	// The fee is owed from the moment of the late reschedule, but money can
	// only move once the deposit is captured. Settle now when it is; an
	// uncaptured fee waits in the ledger for the sweep after capture.
	if fee != nil && b.DepositStatus == booking.DepositCaptured {
		if err := s.SettleRetentionFee(ctx, *fee); err != nil {
			logger.Error("Retention fee settle failed; sweep will retry",
				"booking_id", b.ID, "tier", ret.Tier, "error", err)
		}
	}

	if s.notifier != nil && b.ClientEmail != "" {
		if err := s.notifier.SendRetentionFee(ctx, b.ClientEmail, b.ClientName, ret.Tier, feeCharged, b.DepositCurrency); err != nil {
			logger.Error("Failed to queue retention fee notification", "booking_id", b.ID, "error", err)
		}
	}

	outcome.RetainedAmount = newRetained
	outcome.RolledAmount = rolled
	outcome.FeeCharged = feeCharged
	return outcome, nil
}

func (s *service) MarkCompleted(ctx context.Context, bookingID, providerID int64) (*booking.BookingRequest, error) {
	b, err := s.repo.GetByID(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if b.ProviderID != providerID {
		return nil, ErrNotBookingProvider
	}
	if err := Allowed(ActionMarkCompleted, b); err != nil {
		return nil, err
	}

	autoReleaseAt := time.Now().Add(s.grace)
	ev := booking.NewEvent(b.ID, booking.EventMarkedCompleted, booking.ActorProvider, &providerID, map[string]interface{}{
		"auto_release_at": autoReleaseAt,
	})
	if err := s.repo.MarkAwaitingConfirmation(ctx, b.ID, autoReleaseAt, ev); err != nil {
		return nil, mapStale(err)
	}
	metrics.RecordTransition(string(ActionMarkCompleted), "ok")

	return s.repo.GetByID(ctx, bookingID)
}

func (s *service) ConfirmCompletion(ctx context.Context, bookingID, customerID int64) error {
	b, err := s.repo.GetByID(ctx, bookingID)
	if err != nil {
		return err
	}
	if b.CustomerID != customerID {
		return ErrNotBookingCustomer
	}
	return s.release(ctx, b, ActionConfirm, booking.EventCustomerConfirmed, booking.ActorCustomer, &customerID)
}

func (s *service) AutoRelease(ctx context.Context, b *booking.BookingRequest) error {
	return s.release(ctx, b, ActionAutoRelease, booking.EventAutoReleased, booking.ActorSystem, nil)
}

// release is the single code path that can move money on completion. The
// customer confirmation and the scheduler sweep are different triggers into
// this one transition.
func (s *service) release(ctx context.Context, b *booking.BookingRequest, action Action, evType booking.EventType, actor booking.ActorType, actorID *int64) error {
	if err := Allowed(action, b); err != nil {
		return err
	}

	amount := b.ReleasableAmount()
	ev := booking.NewEvent(b.ID, evType, actor, actorID, map[string]interface{}{
		"amount":   amount,
		"currency": b.DepositCurrency,
	})
	if err := s.repo.ReleaseDeposit(ctx, b.ID, ev); err != nil {
		metrics.RecordTransition(string(action), "stale")
		return mapStale(err)
	}
	metrics.RecordTransition(string(action), "ok")

	prof, err := s.providers.GetByUserID(ctx, b.ProviderID)
	if err != nil {
		logger.Error("Release committed but provider profile unavailable; transfer deferred to sweep",
			"booking_id", b.ID, "error", err)
		return nil
	}
	s.payoutProvider(ctx, b, prof, amount,
		fmt.Sprintf("booking-%d-release", b.ID))

	if s.notifier != nil && b.ClientEmail != "" {
		if err := s.notifier.SendDepositReleased(ctx, b.ClientEmail, b.ClientName, amount, b.DepositCurrency); err != nil {
			logger.Error("Failed to queue release notification", "booking_id", b.ID, "error", err)
		}
	}

	return nil
}

// payoutProvider issues a transfer after the local transition has already
// committed. Failure here never unwinds the decision: the missing
// transfer_id marks the booking for the sweep's retry pass.
func (s *service) payoutProvider(ctx context.Context, b *booking.BookingRequest, prof *provider.Profile, amount int64, idempotencyKey string) {
	if amount <= 0 {
		return
	}
	if !prof.Payable() {
		logger.Error("Provider not payable at transfer time", "booking_id", b.ID, "provider_id", b.ProviderID)
		s.appendEvent(ctx, b.ID, booking.EventTransferFailed, map[string]interface{}{
			"amount": amount,
			"reason": "provider not payable",
		})
		return
	}

	transferID, err := s.proc.Transfer(ctx, amount, b.DepositCurrency, *prof.ProcessorAccountID, idempotencyKey)
	if err != nil {
		metrics.RecordTransfer("error")
		logger.Error("Processor transfer failed", "booking_id", b.ID, "amount", amount, "error", err)
		s.appendEvent(ctx, b.ID, booking.EventTransferFailed, map[string]interface{}{
			"amount": amount,
			"reason": err.Error(),
		})
		return
	}

	metrics.RecordTransfer("ok")
	if err := s.repo.SetTransferID(ctx, b.ID, transferID); err != nil && !errors.Is(err, booking.ErrStaleState) {
		logger.Error("Failed to record transfer id", "booking_id", b.ID, "transfer_id", transferID, "error", err)
	}
	s.appendEvent(ctx, b.ID, booking.EventTransferRecorded, map[string]interface{}{
		"transfer_id": transferID,
		"amount":      amount,
		"currency":    b.DepositCurrency,
	})
}

func (s *service) FlagIssue(ctx context.Context, bookingID int64, description string, customerID int64) error {
	b, err := s.repo.GetByID(ctx, bookingID)
	if err != nil {
		return err
	}
	if b.CustomerID != customerID {
		return ErrNotBookingCustomer
	}
	if err := Allowed(ActionFlagIssue, b); err != nil {
		return err
	}

	// The dispute flag and the auto_release_at clear are one atomic write:
	// a sweep firing in the same instant loses the conditional update.
	ev := booking.NewEvent(b.ID, booking.EventIssueFlagged, booking.ActorCustomer, &customerID, map[string]interface{}{
		"description": description,
	})
	if err := s.repo.FlagDispute(ctx, b.ID, ev); err != nil {
		metrics.RecordTransition(string(ActionFlagIssue), "stale")
		return mapStale(err)
	}
	metrics.RecordTransition(string(ActionFlagIssue), "ok")

	if s.notifier != nil && b.ClientEmail != "" {
		if err := s.notifier.SendIssueReceived(ctx, b.ClientEmail, b.ClientName); err != nil {
			logger.Error("Failed to queue issue notification", "booking_id", b.ID, "error", err)
		}
	}

	return nil
}

func (s *service) AdminResolve(ctx context.Context, bookingID int64, res Resolution) error {
	b, err := s.repo.GetByID(ctx, bookingID)
	if err != nil {
		return err
	}

	switch res.Action {
	case ResolutionRelease:
		return s.adminRelease(ctx, b, res)
	case ResolutionRefund:
		return s.adminRefund(ctx, b, res)
	case ResolutionSplit:
		return s.adminSplit(ctx, b, res)
	default:
		return ErrUnknownResolution
	}
}

func (s *service) adminRelease(ctx context.Context, b *booking.BookingRequest, res Resolution) error {
	if err := Allowed(ActionAdminRelease, b); err != nil {
		return err
	}

	amount := b.ReleasableAmount()
	ev := booking.NewEvent(b.ID, booking.EventAdminForceReleased, booking.ActorAdmin, &res.AdminID, map[string]interface{}{
		"amount": amount,
		"note":   res.Note,
	})
	if err := s.repo.ResolveDisputeRelease(ctx, b.ID, ev); err != nil {
		return mapStale(err)
	}
	metrics.RecordTransition(string(ActionAdminRelease), "ok")

	prof, err := s.providers.GetByUserID(ctx, b.ProviderID)
	if err == nil {
		s.payoutProvider(ctx, b, prof, amount,
			fmt.Sprintf("booking-%d-release", b.ID))
	}
	s.notifyResolved(ctx, b, "the deposit was released to the provider")
	return nil
}

func (s *service) adminRefund(ctx context.Context, b *booking.BookingRequest, res Resolution) error {
	if err := Allowed(ActionAdminRefund, b); err != nil {
		return err
	}
	if b.ChargeID == nil {
		return fmt.Errorf("booking %d has no charge to refund", b.ID)
	}

	amount := b.ReleasableAmount()
	ev := booking.NewEvent(b.ID, booking.EventAdminRefundedFull, booking.ActorAdmin, &res.AdminID, map[string]interface{}{
		"amount": amount,
		"note":   res.Note,
	})
	if err := s.repo.ResolveDisputeRefund(ctx, b.ID, ev); err != nil {
		return mapStale(err)
	}
	metrics.RecordTransition(string(ActionAdminRefund), "ok")

	s.issueRefund(ctx, b, amount, fmt.Sprintf("booking-%d-refund", b.ID))
	s.notifyResolved(ctx, b, "your deposit was refunded in full")
	return nil
}

func (s *service) adminSplit(ctx context.Context, b *booking.BookingRequest, res Resolution) error {
	if err := Allowed(ActionAdminSplit, b); err != nil {
		return err
	}
	if b.ChargeID == nil {
		return fmt.Errorf("booking %d has no charge to refund", b.ID)
	}

	releasable := b.ReleasableAmount()
	if res.RefundAmount <= 0 || res.RefundAmount >= releasable {
		return ErrInvalidRefundAmount
	}
	transferAmount := releasable - res.RefundAmount

	// The enum alone cannot say "72% released, 28% refunded"; the split
	// amounts live in the event metadata and the two movement records.
	ev := booking.NewEvent(b.ID, booking.EventDisputeResolvedSplit, booking.ActorAdmin, &res.AdminID, map[string]interface{}{
		"refund_amount":   res.RefundAmount,
		"transfer_amount": transferAmount,
		"note":            res.Note,
	})
	if err := s.repo.ResolveDisputeRelease(ctx, b.ID, ev); err != nil {
		return mapStale(err)
	}
	metrics.RecordTransition(string(ActionAdminSplit), "ok")

	s.issueRefund(ctx, b, res.RefundAmount, fmt.Sprintf("booking-%d-split-refund", b.ID))

	prof, err := s.providers.GetByUserID(ctx, b.ProviderID)
	if err == nil {
		s.payoutProvider(ctx, b, prof, transferAmount,
			fmt.Sprintf("booking-%d-split-transfer", b.ID))
	}
	s.notifyResolved(ctx, b, "your deposit was split between a refund and a provider payout")
	return nil
}

func (s *service) issueRefund(ctx context.Context, b *booking.BookingRequest, amount int64, idempotencyKey string) {
	refundID, err := s.proc.Refund(ctx, *b.ChargeID, amount, idempotencyKey)
	if err != nil {
		metrics.RecordRefund("error")
		logger.Error("Processor refund failed", "booking_id", b.ID, "amount", amount, "error", err)
		s.appendEvent(ctx, b.ID, booking.EventRefundFailed, map[string]interface{}{
			"amount": amount,
			"reason": err.Error(),
		})
		return
	}

	metrics.RecordRefund("ok")
	if err := s.repo.SetRefundID(ctx, b.ID, refundID); err != nil && !errors.Is(err, booking.ErrStaleState) {
		logger.Error("Failed to record refund id", "booking_id", b.ID, "refund_id", refundID, "error", err)
	}
	s.appendEvent(ctx, b.ID, booking.EventRefundRecorded, map[string]interface{}{
		"refund_id": refundID,
		"amount":    amount,
		"currency":  b.DepositCurrency,
	})
}

func (s *service) RetryTransfer(ctx context.Context, b *booking.BookingRequest) error {
	if b.DepositStatus != booking.DepositReleased || b.TransferID != nil {
		return nil
	}
	prof, err := s.providers.GetByUserID(ctx, b.ProviderID)
	if err != nil {
		return err
	}
	// Same idempotency key as the original attempt: the processor collapses
	// a retry after a crash or timeout into the first transfer.
	s.payoutProvider(ctx, b, prof, b.ReleasableAmount(),
		fmt.Sprintf("booking-%d-release", b.ID))
	return nil
}

// SettleRetentionFee transfers one forfeited fee to the provider. The key is
// per (booking, tier) and the tier amount never changes, so a replay after a
// crash or timeout collapses into the first transfer. A failure leaves the
// ledger row unsettled; the sweep retries it.
func (s *service) SettleRetentionFee(ctx context.Context, fee booking.RetentionFee) error {
	prof, err := s.providers.GetByUserID(ctx, fee.ProviderID)
	if err != nil {
		return err
	}
	if !prof.Payable() {
		logger.Error("Provider not payable at retention settle time",
			"booking_id", fee.BookingID, "provider_id", fee.ProviderID)
		s.appendEvent(ctx, fee.BookingID, booking.EventTransferFailed, map[string]interface{}{
			"amount": fee.AmountCents,
			"tier":   fee.Tier,
			"kind":   "retention",
			"reason": "provider not payable",
		})
		return nil
	}

	transferID, err := s.proc.Transfer(ctx, fee.AmountCents, fee.Currency, *prof.ProcessorAccountID,
		fmt.Sprintf("booking-%d-retention-%d", fee.BookingID, fee.Tier))
	if err != nil {
		metrics.RecordTransfer("error")
		s.appendEvent(ctx, fee.BookingID, booking.EventTransferFailed, map[string]interface{}{
			"amount": fee.AmountCents,
			"tier":   fee.Tier,
			"kind":   "retention",
			"reason": err.Error(),
		})
		return err
	}

	metrics.RecordTransfer("ok")
	if err := s.repo.SettleRetentionFee(ctx, fee.BookingID, fee.Tier, transferID); err != nil && !errors.Is(err, booking.ErrStaleState) {
		logger.Error("Failed to mark retention fee settled",
			"booking_id", fee.BookingID, "tier", fee.Tier, "transfer_id", transferID, "error", err)
	}
	s.appendEvent(ctx, fee.BookingID, booking.EventTransferRecorded, map[string]interface{}{
		"transfer_id": transferID,
		"amount":      fee.AmountCents,
		"currency":    fee.Currency,
		"kind":        "retention",
		"tier":        fee.Tier,
	})
	return nil
}

func (s *service) appendEvent(ctx context.Context, bookingID int64, evType booking.EventType, metadata map[string]interface{}) {
	ev := booking.NewEvent(bookingID, evType, booking.ActorSystem, nil, metadata)
	if err := s.repo.AppendEvent(ctx, ev); err != nil {
		logger.Error("Failed to append audit event", "booking_id", bookingID, "event_type", evType, "error", err)
	}
}

func (s *service) notifyResolved(ctx context.Context, b *booking.BookingRequest, outcome string) {
	if s.notifier == nil || b.ClientEmail == "" {
		return
	}
	if err := s.notifier.SendDisputeResolved(ctx, b.ClientEmail, b.ClientName, outcome); err != nil {
		logger.Error("Failed to queue resolution notification", "booking_id", b.ID, "error", err)
	}
}

// mapStale turns the store's concurrency rejection into the engine's
// precondition error, since both mean "someone else already handled it".
func mapStale(err error) error {
	if errors.Is(err, booking.ErrStaleState) {
		return ErrInvalidTransition
	}
	return err
}
