package webhook

import (
	"context"
	"errors"
	"fmt"

	"depositguard/internal/booking"
	"depositguard/internal/logger"
	"depositguard/internal/metrics"
	"depositguard/internal/processor"
)

var ErrUnknownEventType = errors.New("unknown webhook event type")

// Reconciler folds processor notifications into local booking state. Every
// apply is idempotent: events arrive at least once and in no guaranteed
// order, so "already reflects this" is a success, not an error.
type Reconciler struct {
	repo booking.Repository
}

func NewReconciler(repo booking.Repository) *Reconciler {
	return &Reconciler{repo: repo}
}

func (r *Reconciler) Apply(ctx context.Context, ev processor.WebhookEvent) error {
	switch ev.Type {
	case processor.EventCaptureSucceeded:
		return r.applyCapture(ctx, ev)
	case processor.EventRefundIssued:
		return r.applyRefund(ctx, ev)
	case processor.EventTransferCreated:
		return r.applyTransfer(ctx, ev)
	case processor.EventDisputeOpened:
		return r.applyDispute(ctx, ev)
	default:
		metrics.RecordWebhookEvent(ev.Type, "unknown")
		return ErrUnknownEventType
	}
}

func (r *Reconciler) applyCapture(ctx context.Context, ev processor.WebhookEvent) error {
	if ev.Data.AuthorizationID == "" {
		return fmt.Errorf("capture event %s missing authorization_id", ev.ID)
	}

	b, err := r.repo.GetByAuthorizationID(ctx, ev.Data.AuthorizationID)
	if err != nil {
		if errors.Is(err, booking.ErrBookingNotFound) {
			// The processor knows an authorization we do not. Log and drop;
			// replaying it will not help.
			logger.Error("Capture for unknown authorization", "authorization_id", ev.Data.AuthorizationID, "event_id", ev.ID)
			metrics.RecordWebhookEvent(ev.Type, "orphan")
			return nil
		}
		return err
	}

	if b.DepositStatus != booking.DepositPending {
		metrics.RecordWebhookEvent(ev.Type, "noop")
		return nil
	}

	rec := booking.NewEvent(b.ID, booking.EventDepositCaptured, booking.ActorSystem, nil, map[string]interface{}{
		"charge_id":        ev.Data.ChargeID,
		"amount":           ev.Data.Amount,
		"webhook_event_id": ev.ID,
	})
	if err := r.repo.MarkCaptured(ctx, b.ID, ev.Data.ChargeID, rec); err != nil {
		if errors.Is(err, booking.ErrStaleState) {
			metrics.RecordWebhookEvent(ev.Type, "noop")
			return nil
		}
		return err
	}

	metrics.RecordWebhookEvent(ev.Type, "applied")
	return nil
}

func (r *Reconciler) applyRefund(ctx context.Context, ev processor.WebhookEvent) error {
	if ev.Data.ChargeID == "" {
		return fmt.Errorf("refund event %s missing charge_id", ev.ID)
	}

	b, err := r.repo.GetByChargeID(ctx, ev.Data.ChargeID)
	if err != nil {
		if errors.Is(err, booking.ErrBookingNotFound) {
			logger.Error("Refund for unknown charge", "charge_id", ev.Data.ChargeID, "event_id", ev.ID)
			metrics.RecordWebhookEvent(ev.Type, "orphan")
			return nil
		}
		return err
	}

	if b.RefundID != nil && *b.RefundID == ev.Data.RefundID {
		metrics.RecordWebhookEvent(ev.Type, "noop")
		return nil
	}

	// Our own refunds only exist on resolved bookings. Anything else is a
	// refund we never initiated: the processor gave money back on a charge
	// we consider still held. Keep the evidence, never guess a transition.
	unsolicited := b.RefundID != nil ||
		(b.DepositStatus != booking.DepositRefunded && b.DepositStatus != booking.DepositReleased)
	if unsolicited {
		metrics.RecordAnomaly()
		rec := booking.NewEvent(b.ID, booking.EventReconcileAnomaly, booking.ActorSystem, nil, map[string]interface{}{
			"webhook_event_id": ev.ID,
			"event_type":       ev.Type,
			"deposit_status":   b.DepositStatus,
			"refund_id":        ev.Data.RefundID,
			"amount":           ev.Data.Amount,
		})
		if err := r.repo.AppendEvent(ctx, rec); err != nil {
			return err
		}
		metrics.RecordWebhookEvent(ev.Type, "anomaly")
		return nil
	}

	// A refund we issued but whose id write was lost. Record it.
	if err := r.repo.SetRefundID(ctx, b.ID, ev.Data.RefundID); err != nil && !errors.Is(err, booking.ErrStaleState) {
		return err
	}
	rec := booking.NewEvent(b.ID, booking.EventRefundRecorded, booking.ActorSystem, nil, map[string]interface{}{
		"refund_id":        ev.Data.RefundID,
		"amount":           ev.Data.Amount,
		"webhook_event_id": ev.ID,
	})
	if err := r.repo.AppendEvent(ctx, rec); err != nil {
		return err
	}

	metrics.RecordWebhookEvent(ev.Type, "applied")
	return nil
}

func (r *Reconciler) applyTransfer(ctx context.Context, ev processor.WebhookEvent) error {
	if ev.Data.TransferID == "" {
		return fmt.Errorf("transfer event %s missing transfer_id", ev.ID)
	}

	// Transfers we initiated already carry their id; the lookup succeeding
	// means there is nothing left to reconcile.
	if _, err := r.repo.GetByTransferID(ctx, ev.Data.TransferID); err == nil {
		metrics.RecordWebhookEvent(ev.Type, "noop")
		return nil
	} else if !errors.Is(err, booking.ErrBookingNotFound) {
		return err
	}

	logger.Info("Transfer confirmation for transfer not recorded locally", "transfer_id", ev.Data.TransferID, "event_id", ev.ID)
	metrics.RecordWebhookEvent(ev.Type, "orphan")
	return nil
}

func (r *Reconciler) applyDispute(ctx context.Context, ev processor.WebhookEvent) error {
	b, err := r.locate(ctx, ev.Data)
	if err != nil {
		if errors.Is(err, booking.ErrBookingNotFound) {
			logger.Error("Dispute for unknown booking", "event_id", ev.ID)
			metrics.RecordWebhookEvent(ev.Type, "orphan")
			return nil
		}
		return err
	}

	if b.DepositStatus == booking.DepositOnHoldDispute {
		metrics.RecordWebhookEvent(ev.Type, "noop")
		return nil
	}

	// A processor-side dispute against money we already moved cannot force a
	// hold anymore. Keep the evidence for the admin who will deal with the
	// chargeback out of band.
	if b.DepositStatus.IsTerminal() {
		metrics.RecordAnomaly()
		rec := booking.NewEvent(b.ID, booking.EventReconcileAnomaly, booking.ActorSystem, nil, map[string]interface{}{
			"webhook_event_id": ev.ID,
			"event_type":       ev.Type,
			"deposit_status":   b.DepositStatus,
			"reason":           ev.Data.Reason,
		})
		if err := r.repo.AppendEvent(ctx, rec); err != nil {
			return err
		}
		metrics.RecordWebhookEvent(ev.Type, "anomaly")
		return nil
	}

	rec := booking.NewEvent(b.ID, booking.EventDisputeOpened, booking.ActorSystem, nil, map[string]interface{}{
		"webhook_event_id": ev.ID,
		"reason":           ev.Data.Reason,
	})
	if err := r.repo.ForceDispute(ctx, b.ID, rec); err != nil {
		if errors.Is(err, booking.ErrStaleState) {
			metrics.RecordWebhookEvent(ev.Type, "noop")
			return nil
		}
		return err
	}

	metrics.RecordWebhookEvent(ev.Type, "applied")
	return nil
}

// locate tries each processor identifier the payload carries, most specific
// first.
func (r *Reconciler) locate(ctx context.Context, data processor.WebhookEventData) (*booking.BookingRequest, error) {
	if data.ChargeID != "" {
		b, err := r.repo.GetByChargeID(ctx, data.ChargeID)
		if err == nil || !errors.Is(err, booking.ErrBookingNotFound) {
			return b, err
		}
	}
	if data.AuthorizationID != "" {
		b, err := r.repo.GetByAuthorizationID(ctx, data.AuthorizationID)
		if err == nil || !errors.Is(err, booking.ErrBookingNotFound) {
			return b, err
		}
	}
	if data.TransferID != "" {
		b, err := r.repo.GetByTransferID(ctx, data.TransferID)
		if err == nil || !errors.Is(err, booking.ErrBookingNotFound) {
			return b, err
		}
	}
	return nil, booking.ErrBookingNotFound
}
