package scheduler

import (
	"context"
	"errors"
	"time"

	"depositguard/internal/booking"
	"depositguard/internal/deposit"
	"depositguard/internal/logger"
	"depositguard/internal/metrics"
)

const sweepBatchSize = 100

// Scheduler runs the periodic sweep: auto-releases deposits whose
// confirmation window lapsed, settles forfeited retention fees once the
// deposit is captured, and retries transfers that failed after their release
// committed.
type Scheduler struct {
	repo     booking.Repository
	deposits deposit.Service
	interval time.Duration
}

func New(repo booking.Repository, deposits deposit.Service, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &Scheduler{
		repo:     repo,
		deposits: deposits,
		interval: interval,
	}
}

// Run sweeps once immediately, then on every tick until the context ends.
func (s *Scheduler) Run(ctx context.Context) {
	logger.Info("Scheduler started", "interval", s.interval.String())

	s.Sweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("Scheduler stopped")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep is one pass over the work queues. Errors on individual bookings are
// logged and skipped; the next pass picks them up again.
func (s *Scheduler) Sweep(ctx context.Context) {
	released := s.autoRelease(ctx)
	s.settleRetentionFees(ctx)
	s.retryTransfers(ctx)
	metrics.RecordSweep(released)
}

func (s *Scheduler) autoRelease(ctx context.Context) int {
	due, err := s.repo.DueForAutoRelease(ctx, time.Now(), sweepBatchSize)
	if err != nil {
		logger.Error("Sweep failed to list due bookings", "error", err)
		return 0
	}

	released := 0
	for i := range due {
		b := &due[i]
		if err := s.deposits.AutoRelease(ctx, b); err != nil {
			// A customer confirming or flagging between the query and this
			// call makes the transition stale. That is the system working.
			if errors.Is(err, deposit.ErrInvalidTransition) {
				continue
			}
			logger.Error("Auto-release failed", "booking_id", b.ID, "error", err)
			continue
		}
		released++
		logger.Info("Deposit auto-released", "booking_id", b.ID, "amount", b.ReleasableAmount())
	}
	return released
}

func (s *Scheduler) settleRetentionFees(ctx context.Context) {
	fees, err := s.repo.UnsettledRetentionFees(ctx, sweepBatchSize)
	if err != nil {
		logger.Error("Sweep failed to list unsettled retention fees", "error", err)
		return
	}

	for _, fee := range fees {
		if err := s.deposits.SettleRetentionFee(ctx, fee); err != nil {
			logger.Error("Retention fee settle failed", "booking_id", fee.BookingID, "tier", fee.Tier, "error", err)
		}
	}
}

func (s *Scheduler) retryTransfers(ctx context.Context) {
	pending, err := s.repo.PendingTransfers(ctx, sweepBatchSize)
	if err != nil {
		logger.Error("Sweep failed to list pending transfers", "error", err)
		return
	}

	for i := range pending {
		b := &pending[i]
		if err := s.deposits.RetryTransfer(ctx, b); err != nil {
			logger.Error("Transfer retry failed", "booking_id", b.ID, "error", err)
		}
	}
}
