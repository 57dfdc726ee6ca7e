package deposit

import (
	"context"
	"testing"
	"time"

	"depositguard/internal/booking"
	"depositguard/internal/processor"
	"depositguard/internal/provider"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

// Mock repositories
type MockBookingRepo struct{ mock.Mock }
type MockProviderRepo struct{ mock.Mock }
type MockProcessor struct{ mock.Mock }
type MockNotifier struct{ mock.Mock }

func (m *MockBookingRepo) CreateBooking(ctx context.Context, b *booking.BookingRequest) (*booking.BookingRequest, error) {
	args := m.Called(ctx, b)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*booking.BookingRequest), args.Error(1)
}

func (m *MockBookingRepo) GetByID(ctx context.Context, id int64) (*booking.BookingRequest, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*booking.BookingRequest), args.Error(1)
}

func (m *MockBookingRepo) GetByAuthorizationID(ctx context.Context, authorizationID string) (*booking.BookingRequest, error) {
	args := m.Called(ctx, authorizationID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*booking.BookingRequest), args.Error(1)
}

func (m *MockBookingRepo) GetByChargeID(ctx context.Context, chargeID string) (*booking.BookingRequest, error) {
	args := m.Called(ctx, chargeID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*booking.BookingRequest), args.Error(1)
}

func (m *MockBookingRepo) GetByTransferID(ctx context.Context, transferID string) (*booking.BookingRequest, error) {
	args := m.Called(ctx, transferID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*booking.BookingRequest), args.Error(1)
}

func (m *MockBookingRepo) SetDepositIntent(ctx context.Context, id int64, authorizationID string, ev booking.BookingEvent) error {
	return m.Called(ctx, id, authorizationID, ev).Error(0)
}

func (m *MockBookingRepo) MarkCaptured(ctx context.Context, id int64, chargeID string, ev booking.BookingEvent) error {
	return m.Called(ctx, id, chargeID, ev).Error(0)
}

func (m *MockBookingRepo) ApplyReschedule(ctx context.Context, id int64, newStart, newEnd time.Time, retained, rolled int64, lateCount int, fee *booking.RetentionFee, ev booking.BookingEvent) error {
	return m.Called(ctx, id, newStart, newEnd, retained, rolled, lateCount, fee, ev).Error(0)
}

func (m *MockBookingRepo) MarkAwaitingConfirmation(ctx context.Context, id int64, autoReleaseAt time.Time, ev booking.BookingEvent) error {
	return m.Called(ctx, id, autoReleaseAt, ev).Error(0)
}

func (m *MockBookingRepo) ReleaseDeposit(ctx context.Context, id int64, ev booking.BookingEvent) error {
	return m.Called(ctx, id, ev).Error(0)
}

func (m *MockBookingRepo) FlagDispute(ctx context.Context, id int64, ev booking.BookingEvent) error {
	return m.Called(ctx, id, ev).Error(0)
}

func (m *MockBookingRepo) ForceDispute(ctx context.Context, id int64, ev booking.BookingEvent) error {
	return m.Called(ctx, id, ev).Error(0)
}

func (m *MockBookingRepo) ResolveDisputeRelease(ctx context.Context, id int64, ev booking.BookingEvent) error {
	return m.Called(ctx, id, ev).Error(0)
}

func (m *MockBookingRepo) ResolveDisputeRefund(ctx context.Context, id int64, ev booking.BookingEvent) error {
	return m.Called(ctx, id, ev).Error(0)
}

func (m *MockBookingRepo) SetTransferID(ctx context.Context, id int64, transferID string) error {
	return m.Called(ctx, id, transferID).Error(0)
}

func (m *MockBookingRepo) SetRefundID(ctx context.Context, id int64, refundID string) error {
	return m.Called(ctx, id, refundID).Error(0)
}

func (m *MockBookingRepo) DueForAutoRelease(ctx context.Context, now time.Time, limit int) ([]booking.BookingRequest, error) {
	args := m.Called(ctx, now, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]booking.BookingRequest), args.Error(1)
}

func (m *MockBookingRepo) PendingTransfers(ctx context.Context, limit int) ([]booking.BookingRequest, error) {
	args := m.Called(ctx, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]booking.BookingRequest), args.Error(1)
}

func (m *MockBookingRepo) UnsettledRetentionFees(ctx context.Context, limit int) ([]booking.RetentionFee, error) {
	args := m.Called(ctx, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]booking.RetentionFee), args.Error(1)
}

func (m *MockBookingRepo) SettleRetentionFee(ctx context.Context, bookingID int64, tier int, transferID string) error {
	return m.Called(ctx, bookingID, tier, transferID).Error(0)
}

func (m *MockBookingRepo) AppendEvent(ctx context.Context, ev booking.BookingEvent) error {
	return m.Called(ctx, ev).Error(0)
}

func (m *MockBookingRepo) GetEvents(ctx context.Context, bookingID int64) ([]booking.BookingEvent, error) {
	args := m.Called(ctx, bookingID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]booking.BookingEvent), args.Error(1)
}

func (m *MockProviderRepo) GetByUserID(ctx context.Context, userID int64) (*provider.Profile, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*provider.Profile), args.Error(1)
}

func (m *MockProviderRepo) Upsert(ctx context.Context, p *provider.Profile) (*provider.Profile, error) {
	args := m.Called(ctx, p)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*provider.Profile), args.Error(1)
}

func (m *MockProcessor) Authorize(ctx context.Context, amountCents int64, currency, customerRef, idempotencyKey string) (string, error) {
	args := m.Called(ctx, amountCents, currency, customerRef, idempotencyKey)
	return args.String(0), args.Error(1)
}

func (m *MockProcessor) Transfer(ctx context.Context, amountCents int64, currency, payeeAccount, idempotencyKey string) (string, error) {
	args := m.Called(ctx, amountCents, currency, payeeAccount, idempotencyKey)
	return args.String(0), args.Error(1)
}

func (m *MockProcessor) Refund(ctx context.Context, chargeID string, amountCents int64, idempotencyKey string) (string, error) {
	args := m.Called(ctx, chargeID, amountCents, idempotencyKey)
	return args.String(0), args.Error(1)
}

func (m *MockNotifier) SendDepositReleased(ctx context.Context, email, name string, amountCents int64, currency string) error {
	return m.Called(ctx, email, name, amountCents, currency).Error(0)
}

func (m *MockNotifier) SendRetentionFee(ctx context.Context, email, name string, tier int, amountCents int64, currency string) error {
	return m.Called(ctx, email, name, tier, amountCents, currency).Error(0)
}

func (m *MockNotifier) SendIssueReceived(ctx context.Context, email, name string) error {
	return m.Called(ctx, email, name).Error(0)
}

func (m *MockNotifier) SendDisputeResolved(ctx context.Context, email, name, outcome string) error {
	return m.Called(ctx, email, name, outcome).Error(0)
}

func strPtr(s string) *string { return &s }

func payableProfile() *provider.Profile {
	return &provider.Profile{
		UserID:                  2,
		ProcessorAccountID:      strPtr("acct_123"),
		Chargeable:              true,
		DepositEnabled:          true,
		DepositAmount:           10000,
		DepositCurrency:         "EUR",
		NoRescheduleWindowHours: 24,
		RetainPctFirst:          40,
		RetainPctSecond:         60,
		RetainPctCap:            75,
	}
}

func capturedBooking() *booking.BookingRequest {
	return &booking.BookingRequest{
		ID:               1,
		ProviderID:       2,
		CustomerID:       3,
		ClientName:       "Jo Smith",
		ClientEmail:      "jo@example.com",
		StartTime:        time.Now().Add(48 * time.Hour),
		EndTime:          time.Now().Add(49 * time.Hour),
		DepositAmount:    10000,
		DepositCurrency:  "EUR",
		DepositStatus:    booking.DepositCaptured,
		AuthorizationID:  strPtr("auth_1"),
		ChargeID:         strPtr("ch_1"),
		RolledAmount:     10000,
		CompletionStatus: booking.CompletionScheduled,
	}
}

func newTestService(br *MockBookingRepo, pr *MockProviderRepo, pc *MockProcessor, n Notifier) Service {
	return NewService(br, pr, pc, n, 36*time.Hour)
}

func TestService_CreateOrGetIntent(t *testing.T) {
	tests := []struct {
		name       string
		setupMocks func(*MockBookingRepo, *MockProviderRepo, *MockProcessor)
		wantErr    error
		wantAuthID string
	}{
		{
			name: "creates intent on fresh booking",
			setupMocks: func(br *MockBookingRepo, pr *MockProviderRepo, pc *MockProcessor) {
				b := capturedBooking()
				b.DepositStatus = booking.DepositNone
				b.AuthorizationID = nil
				br.On("GetByID", mock.Anything, int64(1)).Return(b, nil)
				pr.On("GetByUserID", mock.Anything, int64(2)).Return(payableProfile(), nil)
				pc.On("Authorize", mock.Anything, int64(10000), "EUR", "jo@example.com", "booking-1-authorize").
					Return("auth_new", nil)
				br.On("SetDepositIntent", mock.Anything, int64(1), "auth_new", mock.Anything).Return(nil)
			},
			wantAuthID: "auth_new",
		},
		{
			name: "repeat call returns existing intent without touching the processor",
			setupMocks: func(br *MockBookingRepo, pr *MockProviderRepo, pc *MockProcessor) {
				b := capturedBooking()
				b.DepositStatus = booking.DepositPending
				b.AuthorizationID = strPtr("auth_existing")
				br.On("GetByID", mock.Anything, int64(1)).Return(b, nil)
			},
			wantAuthID: "auth_existing",
		},
		{
			name: "provider without payable account",
			setupMocks: func(br *MockBookingRepo, pr *MockProviderRepo, pc *MockProcessor) {
				b := capturedBooking()
				b.DepositStatus = booking.DepositNone
				br.On("GetByID", mock.Anything, int64(1)).Return(b, nil)
				prof := payableProfile()
				prof.ProcessorAccountID = nil
				pr.On("GetByUserID", mock.Anything, int64(2)).Return(prof, nil)
			},
			wantErr: ErrProviderNotPayable,
		},
		{
			name: "provider with deposits disabled",
			setupMocks: func(br *MockBookingRepo, pr *MockProviderRepo, pc *MockProcessor) {
				b := capturedBooking()
				b.DepositStatus = booking.DepositNone
				br.On("GetByID", mock.Anything, int64(1)).Return(b, nil)
				prof := payableProfile()
				prof.DepositEnabled = false
				pr.On("GetByUserID", mock.Anything, int64(2)).Return(prof, nil)
			},
			wantErr: ErrDepositDisabled,
		},
		{
			name: "no intent after service started",
			setupMocks: func(br *MockBookingRepo, pr *MockProviderRepo, pc *MockProcessor) {
				b := capturedBooking()
				b.DepositStatus = booking.DepositNone
				b.CompletionStatus = booking.CompletionInProgress
				br.On("GetByID", mock.Anything, int64(1)).Return(b, nil)
			},
			wantErr: ErrInvalidTransition,
		},
		{
			name: "concurrent create loses race and returns stored intent",
			setupMocks: func(br *MockBookingRepo, pr *MockProviderRepo, pc *MockProcessor) {
				fresh := capturedBooking()
				fresh.DepositStatus = booking.DepositNone
				fresh.AuthorizationID = nil
				stored := capturedBooking()
				stored.DepositStatus = booking.DepositPending
				stored.AuthorizationID = strPtr("auth_winner")
				br.On("GetByID", mock.Anything, int64(1)).Return(fresh, nil).Once()
				pr.On("GetByUserID", mock.Anything, int64(2)).Return(payableProfile(), nil)
				pc.On("Authorize", mock.Anything, int64(10000), "EUR", "jo@example.com", "booking-1-authorize").
					Return("auth_loser", nil)
				br.On("SetDepositIntent", mock.Anything, int64(1), "auth_loser", mock.Anything).
					Return(booking.ErrStaleState)
				br.On("GetByID", mock.Anything, int64(1)).Return(stored, nil).Once()
			},
			wantAuthID: "auth_winner",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			br := new(MockBookingRepo)
			pr := new(MockProviderRepo)
			pc := new(MockProcessor)
			tt.setupMocks(br, pr, pc)

			svc := newTestService(br, pr, pc, nil)
			intent, err := svc.CreateOrGetIntent(context.Background(), 1, 3)

			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, intent)
			} else {
				assert.NoError(t, err)
				assert.Equal(t, tt.wantAuthID, intent.AuthorizationID)
			}
			pc.AssertExpectations(t)
		})
	}
}

func TestService_RecordReschedule(t *testing.T) {
	t.Run("on time reschedule rolls the full deposit", func(t *testing.T) {
		br := new(MockBookingRepo)
		pr := new(MockProviderRepo)
		pc := new(MockProcessor)

		b := capturedBooking()
		newStart := time.Now().Add(96 * time.Hour)
		br.On("GetByID", mock.Anything, int64(1)).Return(b, nil)
		pr.On("GetByUserID", mock.Anything, int64(2)).Return(payableProfile(), nil)
		br.On("ApplyReschedule", mock.Anything, int64(1), newStart, mock.Anything,
			int64(0), int64(10000), 0, (*booking.RetentionFee)(nil), mock.Anything).Return(nil)

		svc := newTestService(br, pr, pc, nil)
		outcome, err := svc.RecordReschedule(context.Background(), 1, newStart, 3)

		assert.NoError(t, err)
		assert.False(t, outcome.IsLate)
		assert.Equal(t, int64(0), outcome.FeeCharged)
		assert.Equal(t, int64(10000), outcome.RolledAmount)
		pc.AssertNotCalled(t, "Transfer", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("first late reschedule retains and transfers the fee", func(t *testing.T) {
		br := new(MockBookingRepo)
		pr := new(MockProviderRepo)
		pc := new(MockProcessor)
		n := new(MockNotifier)

		b := capturedBooking()
		b.StartTime = time.Now().Add(6 * time.Hour)
		b.EndTime = b.StartTime.Add(time.Hour)
		newStart := time.Now().Add(96 * time.Hour)

		br.On("GetByID", mock.Anything, int64(1)).Return(b, nil)
		pr.On("GetByUserID", mock.Anything, int64(2)).Return(payableProfile(), nil)
		br.On("ApplyReschedule", mock.Anything, int64(1), newStart, mock.Anything,
			int64(4000), int64(6000), 1, mock.MatchedBy(func(fee *booking.RetentionFee) bool {
				return fee != nil && fee.Tier == 1 && fee.AmountCents == 4000
			}), mock.Anything).Return(nil)
		pc.On("Transfer", mock.Anything, int64(4000), "EUR", "acct_123", "booking-1-retention-1").
			Return("tr_fee", nil)
		br.On("SettleRetentionFee", mock.Anything, int64(1), 1, "tr_fee").Return(nil)
		br.On("AppendEvent", mock.Anything, mock.Anything).Return(nil)
		n.On("SendRetentionFee", mock.Anything, "jo@example.com", "Jo Smith", 1, int64(4000), "EUR").Return(nil)

		svc := newTestService(br, pr, pc, n)
		outcome, err := svc.RecordReschedule(context.Background(), 1, newStart, 3)

		assert.NoError(t, err)
		assert.True(t, outcome.IsLate)
		assert.Equal(t, 1, outcome.Tier)
		assert.Equal(t, int64(4000), outcome.FeeCharged)
		assert.Equal(t, int64(6000), outcome.RolledAmount)
		pc.AssertExpectations(t)
	})

	t.Run("second late reschedule charges only the marginal difference", func(t *testing.T) {
		br := new(MockBookingRepo)
		pr := new(MockProviderRepo)
		pc := new(MockProcessor)
		n := new(MockNotifier)

		b := capturedBooking()
		b.StartTime = time.Now().Add(6 * time.Hour)
		b.EndTime = b.StartTime.Add(time.Hour)
		b.LateRescheduleCount = 1
		b.RetainedAmount = 4000
		b.RolledAmount = 6000
		newStart := time.Now().Add(96 * time.Hour)

		br.On("GetByID", mock.Anything, int64(1)).Return(b, nil)
		pr.On("GetByUserID", mock.Anything, int64(2)).Return(payableProfile(), nil)
		br.On("ApplyReschedule", mock.Anything, int64(1), newStart, mock.Anything,
			int64(6000), int64(4000), 2, mock.MatchedBy(func(fee *booking.RetentionFee) bool {
				return fee != nil && fee.Tier == 2 && fee.AmountCents == 2000
			}), mock.Anything).Return(nil)
		pc.On("Transfer", mock.Anything, int64(2000), "EUR", "acct_123", "booking-1-retention-2").
			Return("tr_fee2", nil)
		br.On("SettleRetentionFee", mock.Anything, int64(1), 2, "tr_fee2").Return(nil)
		br.On("AppendEvent", mock.Anything, mock.Anything).Return(nil)
		n.On("SendRetentionFee", mock.Anything, "jo@example.com", "Jo Smith", 2, int64(2000), "EUR").Return(nil)

		svc := newTestService(br, pr, pc, n)
		outcome, err := svc.RecordReschedule(context.Background(), 1, newStart, 3)

		assert.NoError(t, err)
		assert.Equal(t, int64(2000), outcome.FeeCharged)
		assert.Equal(t, int64(6000), outcome.RetainedAmount)
		pc.AssertExpectations(t)
	})

	t.Run("late but waived still advances the counter", func(t *testing.T) {
		br := new(MockBookingRepo)
		pr := new(MockProviderRepo)
		pc := new(MockProcessor)

		b := capturedBooking()
		b.StartTime = time.Now().Add(6 * time.Hour)
		b.EndTime = b.StartTime.Add(time.Hour)
		b.FeeWaived = true
		newStart := time.Now().Add(96 * time.Hour)

		br.On("GetByID", mock.Anything, int64(1)).Return(b, nil)
		pr.On("GetByUserID", mock.Anything, int64(2)).Return(payableProfile(), nil)
		br.On("ApplyReschedule", mock.Anything, int64(1), newStart, mock.Anything,
			int64(0), int64(10000), 1, (*booking.RetentionFee)(nil), mock.Anything).Return(nil)

		svc := newTestService(br, pr, pc, nil)
		outcome, err := svc.RecordReschedule(context.Background(), 1, newStart, 3)

		assert.NoError(t, err)
		assert.True(t, outcome.IsLate)
		assert.Equal(t, int64(0), outcome.FeeCharged)
		pc.AssertNotCalled(t, "Transfer", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("late reschedule before capture books the fee and defers the transfer", func(t *testing.T) {
		br := new(MockBookingRepo)
		pr := new(MockProviderRepo)
		pc := new(MockProcessor)
		n := new(MockNotifier)

		b := capturedBooking()
		b.DepositStatus = booking.DepositPending
		b.ChargeID = nil
		b.StartTime = time.Now().Add(6 * time.Hour)
		b.EndTime = b.StartTime.Add(time.Hour)
		newStart := time.Now().Add(96 * time.Hour)

		br.On("GetByID", mock.Anything, int64(1)).Return(b, nil)
		pr.On("GetByUserID", mock.Anything, int64(2)).Return(payableProfile(), nil)
		br.On("ApplyReschedule", mock.Anything, int64(1), newStart, mock.Anything,
			int64(4000), int64(6000), 1, mock.MatchedBy(func(fee *booking.RetentionFee) bool {
				return fee != nil && fee.Tier == 1 && fee.AmountCents == 4000
			}), mock.Anything).Return(nil)
		n.On("SendRetentionFee", mock.Anything, "jo@example.com", "Jo Smith", 1, int64(4000), "EUR").Return(nil)

		svc := newTestService(br, pr, pc, n)
		outcome, err := svc.RecordReschedule(context.Background(), 1, newStart, 3)

		// Nothing is captured yet, so no money moves. The ledger row waits for
		// the sweep to settle it after capture.
		assert.NoError(t, err)
		assert.Equal(t, int64(4000), outcome.FeeCharged)
		pc.AssertNotCalled(t, "Transfer", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
		br.AssertNotCalled(t, "SettleRetentionFee", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("failed fee transfer leaves the ledger row unsettled", func(t *testing.T) {
		br := new(MockBookingRepo)
		pr := new(MockProviderRepo)
		pc := new(MockProcessor)
		n := new(MockNotifier)

		b := capturedBooking()
		b.StartTime = time.Now().Add(6 * time.Hour)
		b.EndTime = b.StartTime.Add(time.Hour)
		newStart := time.Now().Add(96 * time.Hour)

		br.On("GetByID", mock.Anything, int64(1)).Return(b, nil)
		pr.On("GetByUserID", mock.Anything, int64(2)).Return(payableProfile(), nil)
		br.On("ApplyReschedule", mock.Anything, int64(1), newStart, mock.Anything,
			int64(4000), int64(6000), 1, mock.Anything, mock.Anything).Return(nil)
		pc.On("Transfer", mock.Anything, int64(4000), "EUR", "acct_123", "booking-1-retention-1").
			Return("", processor.ErrProcessorUnavailable)
		br.On("AppendEvent", mock.Anything, mock.MatchedBy(func(ev booking.BookingEvent) bool {
			return ev.Type == booking.EventTransferFailed
		})).Return(nil)
		n.On("SendRetentionFee", mock.Anything, "jo@example.com", "Jo Smith", 1, int64(4000), "EUR").Return(nil)

		svc := newTestService(br, pr, pc, n)
		outcome, err := svc.RecordReschedule(context.Background(), 1, newStart, 3)

		// The reschedule itself is committed; the transfer is the sweep's
		// problem now.
		assert.NoError(t, err)
		assert.Equal(t, int64(4000), outcome.FeeCharged)
		br.AssertNotCalled(t, "SettleRetentionFee", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("only the booking's customer may reschedule", func(t *testing.T) {
		br := new(MockBookingRepo)
		br.On("GetByID", mock.Anything, int64(1)).Return(capturedBooking(), nil)

		svc := newTestService(br, new(MockProviderRepo), new(MockProcessor), nil)
		_, err := svc.RecordReschedule(context.Background(), 1, time.Now().Add(96*time.Hour), 99)

		assert.ErrorIs(t, err, ErrNotBookingCustomer)
	})

	t.Run("no reschedule once awaiting confirmation", func(t *testing.T) {
		br := new(MockBookingRepo)
		b := capturedBooking()
		b.CompletionStatus = booking.CompletionAwaiting
		br.On("GetByID", mock.Anything, int64(1)).Return(b, nil)

		svc := newTestService(br, new(MockProviderRepo), new(MockProcessor), nil)
		_, err := svc.RecordReschedule(context.Background(), 1, time.Now().Add(96*time.Hour), 3)

		assert.ErrorIs(t, err, ErrInvalidTransition)
	})
}

func TestService_ConfirmCompletion(t *testing.T) {
	t.Run("confirm releases the rolled amount to the provider", func(t *testing.T) {
		br := new(MockBookingRepo)
		pr := new(MockProviderRepo)
		pc := new(MockProcessor)
		n := new(MockNotifier)

		b := capturedBooking()
		b.CompletionStatus = booking.CompletionAwaiting
		b.RetainedAmount = 4000
		b.RolledAmount = 6000

		br.On("GetByID", mock.Anything, int64(1)).Return(b, nil)
		br.On("ReleaseDeposit", mock.Anything, int64(1), mock.Anything).Return(nil)
		pr.On("GetByUserID", mock.Anything, int64(2)).Return(payableProfile(), nil)
		pc.On("Transfer", mock.Anything, int64(6000), "EUR", "acct_123", "booking-1-release").
			Return("tr_1", nil)
		br.On("SetTransferID", mock.Anything, int64(1), "tr_1").Return(nil)
		br.On("AppendEvent", mock.Anything, mock.Anything).Return(nil)
		n.On("SendDepositReleased", mock.Anything, "jo@example.com", "Jo Smith", int64(6000), "EUR").Return(nil)

		svc := newTestService(br, pr, pc, n)
		err := svc.ConfirmCompletion(context.Background(), 1, 3)

		assert.NoError(t, err)
		pc.AssertExpectations(t)
		n.AssertExpectations(t)
	})

	t.Run("failed transfer leaves the release committed", func(t *testing.T) {
		br := new(MockBookingRepo)
		pr := new(MockProviderRepo)
		pc := new(MockProcessor)

		b := capturedBooking()
		b.CompletionStatus = booking.CompletionAwaiting

		br.On("GetByID", mock.Anything, int64(1)).Return(b, nil)
		br.On("ReleaseDeposit", mock.Anything, int64(1), mock.Anything).Return(nil)
		pr.On("GetByUserID", mock.Anything, int64(2)).Return(payableProfile(), nil)
		pc.On("Transfer", mock.Anything, int64(10000), "EUR", "acct_123", "booking-1-release").
			Return("", processor.ErrProcessorUnavailable)
		br.On("AppendEvent", mock.Anything, mock.MatchedBy(func(ev booking.BookingEvent) bool {
			return ev.Type == booking.EventTransferFailed
		})).Return(nil)

		svc := newTestService(br, pr, pc, nil)
		err := svc.ConfirmCompletion(context.Background(), 1, 3)

		assert.NoError(t, err)
		br.AssertNotCalled(t, "SetTransferID", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("confirm after release is rejected", func(t *testing.T) {
		br := new(MockBookingRepo)
		b := capturedBooking()
		b.DepositStatus = booking.DepositReleased
		b.CompletionStatus = booking.CompletionCompleted
		br.On("GetByID", mock.Anything, int64(1)).Return(b, nil)

		svc := newTestService(br, new(MockProviderRepo), new(MockProcessor), nil)
		err := svc.ConfirmCompletion(context.Background(), 1, 3)

		assert.ErrorIs(t, err, ErrInvalidTransition)
	})

	t.Run("lost race against the sweep maps to invalid transition", func(t *testing.T) {
		br := new(MockBookingRepo)
		b := capturedBooking()
		b.CompletionStatus = booking.CompletionAwaiting
		br.On("GetByID", mock.Anything, int64(1)).Return(b, nil)
		br.On("ReleaseDeposit", mock.Anything, int64(1), mock.Anything).Return(booking.ErrStaleState)

		svc := newTestService(br, new(MockProviderRepo), new(MockProcessor), nil)
		err := svc.ConfirmCompletion(context.Background(), 1, 3)

		assert.ErrorIs(t, err, ErrInvalidTransition)
	})
}

func TestService_MarkCompleted(t *testing.T) {
	t.Run("sets the auto release deadline", func(t *testing.T) {
		br := new(MockBookingRepo)
		b := capturedBooking()
		br.On("GetByID", mock.Anything, int64(1)).Return(b, nil)
		br.On("MarkAwaitingConfirmation", mock.Anything, int64(1),
			mock.MatchedBy(func(at time.Time) bool {
				return at.After(time.Now().Add(35 * time.Hour))
			}), mock.Anything).Return(nil)

		svc := newTestService(br, new(MockProviderRepo), new(MockProcessor), nil)
		_, err := svc.MarkCompleted(context.Background(), 1, 2)

		assert.NoError(t, err)
		br.AssertExpectations(t)
	})

	t.Run("only the booking's provider may mark", func(t *testing.T) {
		br := new(MockBookingRepo)
		br.On("GetByID", mock.Anything, int64(1)).Return(capturedBooking(), nil)

		svc := newTestService(br, new(MockProviderRepo), new(MockProcessor), nil)
		_, err := svc.MarkCompleted(context.Background(), 1, 99)

		assert.ErrorIs(t, err, ErrNotBookingProvider)
	})
}

func TestService_FlagIssue(t *testing.T) {
	t.Run("flag holds the deposit", func(t *testing.T) {
		br := new(MockBookingRepo)
		n := new(MockNotifier)
		b := capturedBooking()
		b.CompletionStatus = booking.CompletionAwaiting

		br.On("GetByID", mock.Anything, int64(1)).Return(b, nil)
		br.On("FlagDispute", mock.Anything, int64(1), mock.Anything).Return(nil)
		n.On("SendIssueReceived", mock.Anything, "jo@example.com", "Jo Smith").Return(nil)

		svc := newTestService(br, new(MockProviderRepo), new(MockProcessor), n)
		err := svc.FlagIssue(context.Background(), 1, "provider never showed up", 3)

		assert.NoError(t, err)
		br.AssertExpectations(t)
	})

	t.Run("flag after auto release is rejected", func(t *testing.T) {
		br := new(MockBookingRepo)
		b := capturedBooking()
		b.DepositStatus = booking.DepositReleased
		b.CompletionStatus = booking.CompletionCompleted
		br.On("GetByID", mock.Anything, int64(1)).Return(b, nil)

		svc := newTestService(br, new(MockProviderRepo), new(MockProcessor), nil)
		err := svc.FlagIssue(context.Background(), 1, "too late to complain", 3)

		assert.ErrorIs(t, err, ErrInvalidTransition)
	})
}

func TestService_AdminResolve(t *testing.T) {
	disputed := func() *booking.BookingRequest {
		b := capturedBooking()
		b.DepositStatus = booking.DepositOnHoldDispute
		b.CompletionStatus = booking.CompletionDisputed
		return b
	}

	t.Run("release pays the provider", func(t *testing.T) {
		br := new(MockBookingRepo)
		pr := new(MockProviderRepo)
		pc := new(MockProcessor)
		n := new(MockNotifier)

		br.On("GetByID", mock.Anything, int64(1)).Return(disputed(), nil)
		br.On("ResolveDisputeRelease", mock.Anything, int64(1), mock.Anything).Return(nil)
		pr.On("GetByUserID", mock.Anything, int64(2)).Return(payableProfile(), nil)
		pc.On("Transfer", mock.Anything, int64(10000), "EUR", "acct_123", "booking-1-release").
			Return("tr_1", nil)
		br.On("SetTransferID", mock.Anything, int64(1), "tr_1").Return(nil)
		br.On("AppendEvent", mock.Anything, mock.Anything).Return(nil)
		n.On("SendDisputeResolved", mock.Anything, "jo@example.com", "Jo Smith", mock.Anything).Return(nil)

		svc := newTestService(br, pr, pc, n)
		err := svc.AdminResolve(context.Background(), 1, Resolution{Action: ResolutionRelease, AdminID: 9})

		assert.NoError(t, err)
		pc.AssertExpectations(t)
	})

	t.Run("refund returns the held amount to the customer", func(t *testing.T) {
		br := new(MockBookingRepo)
		pr := new(MockProviderRepo)
		pc := new(MockProcessor)
		n := new(MockNotifier)

		br.On("GetByID", mock.Anything, int64(1)).Return(disputed(), nil)
		br.On("ResolveDisputeRefund", mock.Anything, int64(1), mock.Anything).Return(nil)
		pc.On("Refund", mock.Anything, "ch_1", int64(10000), "booking-1-refund").Return("re_1", nil)
		br.On("SetRefundID", mock.Anything, int64(1), "re_1").Return(nil)
		br.On("AppendEvent", mock.Anything, mock.Anything).Return(nil)
		n.On("SendDisputeResolved", mock.Anything, "jo@example.com", "Jo Smith", mock.Anything).Return(nil)

		svc := newTestService(br, pr, pc, n)
		err := svc.AdminResolve(context.Background(), 1, Resolution{Action: ResolutionRefund, AdminID: 9})

		assert.NoError(t, err)
		pc.AssertExpectations(t)
		pr.AssertNotCalled(t, "GetByUserID", mock.Anything, mock.Anything)
	})

	t.Run("split refunds part and transfers the rest", func(t *testing.T) {
		br := new(MockBookingRepo)
		pr := new(MockProviderRepo)
		pc := new(MockProcessor)
		n := new(MockNotifier)

		br.On("GetByID", mock.Anything, int64(1)).Return(disputed(), nil)
		br.On("ResolveDisputeRelease", mock.Anything, int64(1), mock.MatchedBy(func(ev booking.BookingEvent) bool {
			return ev.Type == booking.EventDisputeResolvedSplit
		})).Return(nil)
		pc.On("Refund", mock.Anything, "ch_1", int64(2800), "booking-1-split-refund").Return("re_1", nil)
		br.On("SetRefundID", mock.Anything, int64(1), "re_1").Return(nil)
		pr.On("GetByUserID", mock.Anything, int64(2)).Return(payableProfile(), nil)
		pc.On("Transfer", mock.Anything, int64(7200), "EUR", "acct_123", "booking-1-split-transfer").
			Return("tr_1", nil)
		br.On("SetTransferID", mock.Anything, int64(1), "tr_1").Return(nil)
		br.On("AppendEvent", mock.Anything, mock.Anything).Return(nil)
		n.On("SendDisputeResolved", mock.Anything, "jo@example.com", "Jo Smith", mock.Anything).Return(nil)

		svc := newTestService(br, pr, pc, n)
		err := svc.AdminResolve(context.Background(), 1, Resolution{Action: ResolutionSplit, RefundAmount: 2800, AdminID: 9})

		assert.NoError(t, err)
		pc.AssertExpectations(t)
	})

	t.Run("split rejects a refund covering the whole held amount", func(t *testing.T) {
		br := new(MockBookingRepo)
		br.On("GetByID", mock.Anything, int64(1)).Return(disputed(), nil)

		svc := newTestService(br, new(MockProviderRepo), new(MockProcessor), nil)
		err := svc.AdminResolve(context.Background(), 1, Resolution{Action: ResolutionSplit, RefundAmount: 10000, AdminID: 9})

		assert.ErrorIs(t, err, ErrInvalidRefundAmount)
	})

	t.Run("no resolution outside a dispute", func(t *testing.T) {
		br := new(MockBookingRepo)
		br.On("GetByID", mock.Anything, int64(1)).Return(capturedBooking(), nil)

		svc := newTestService(br, new(MockProviderRepo), new(MockProcessor), nil)
		err := svc.AdminResolve(context.Background(), 1, Resolution{Action: ResolutionRelease, AdminID: 9})

		assert.ErrorIs(t, err, ErrInvalidTransition)
	})

	t.Run("unknown action", func(t *testing.T) {
		br := new(MockBookingRepo)
		br.On("GetByID", mock.Anything, int64(1)).Return(disputed(), nil)

		svc := newTestService(br, new(MockProviderRepo), new(MockProcessor), nil)
		err := svc.AdminResolve(context.Background(), 1, Resolution{Action: "escalate", AdminID: 9})

		assert.ErrorIs(t, err, ErrUnknownResolution)
	})
}

func TestService_SettleRetentionFee(t *testing.T) {
	fee := booking.RetentionFee{
		BookingID:   1,
		Tier:        1,
		AmountCents: 4000,
		ProviderID:  2,
		Currency:    "EUR",
	}

	t.Run("transfers the fee and marks the row settled", func(t *testing.T) {
		br := new(MockBookingRepo)
		pr := new(MockProviderRepo)
		pc := new(MockProcessor)

		pr.On("GetByUserID", mock.Anything, int64(2)).Return(payableProfile(), nil)
		pc.On("Transfer", mock.Anything, int64(4000), "EUR", "acct_123", "booking-1-retention-1").
			Return("tr_fee", nil)
		br.On("SettleRetentionFee", mock.Anything, int64(1), 1, "tr_fee").Return(nil)
		br.On("AppendEvent", mock.Anything, mock.MatchedBy(func(ev booking.BookingEvent) bool {
			return ev.Type == booking.EventTransferRecorded
		})).Return(nil)

		svc := newTestService(br, pr, pc, nil)
		err := svc.SettleRetentionFee(context.Background(), fee)

		assert.NoError(t, err)
		br.AssertExpectations(t)
		pc.AssertExpectations(t)
	})

	t.Run("retry after a failure reuses the same idempotency key", func(t *testing.T) {
		br := new(MockBookingRepo)
		pr := new(MockProviderRepo)
		pc := new(MockProcessor)

		pr.On("GetByUserID", mock.Anything, int64(2)).Return(payableProfile(), nil)
		pc.On("Transfer", mock.Anything, int64(4000), "EUR", "acct_123", "booking-1-retention-1").
			Return("", processor.ErrProcessorUnavailable).Once()
		pc.On("Transfer", mock.Anything, int64(4000), "EUR", "acct_123", "booking-1-retention-1").
			Return("tr_fee", nil).Once()
		br.On("SettleRetentionFee", mock.Anything, int64(1), 1, "tr_fee").Return(nil)
		br.On("AppendEvent", mock.Anything, mock.Anything).Return(nil)

		svc := newTestService(br, pr, pc, nil)

		err := svc.SettleRetentionFee(context.Background(), fee)
		assert.ErrorIs(t, err, processor.ErrProcessorUnavailable)
		br.AssertNotCalled(t, "SettleRetentionFee", mock.Anything, mock.Anything, mock.Anything, mock.Anything)

		err = svc.SettleRetentionFee(context.Background(), fee)
		assert.NoError(t, err)
		br.AssertCalled(t, "SettleRetentionFee", mock.Anything, int64(1), 1, "tr_fee")
		pc.AssertExpectations(t)
	})

	t.Run("unpayable provider records the failure without erroring", func(t *testing.T) {
		br := new(MockBookingRepo)
		pr := new(MockProviderRepo)
		pc := new(MockProcessor)

		prof := payableProfile()
		prof.ProcessorAccountID = nil
		pr.On("GetByUserID", mock.Anything, int64(2)).Return(prof, nil)
		br.On("AppendEvent", mock.Anything, mock.MatchedBy(func(ev booking.BookingEvent) bool {
			return ev.Type == booking.EventTransferFailed
		})).Return(nil)

		svc := newTestService(br, pr, pc, nil)
		err := svc.SettleRetentionFee(context.Background(), fee)

		assert.NoError(t, err)
		pc.AssertNotCalled(t, "Transfer", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestService_RetryTransfer(t *testing.T) {
	t.Run("retries with the original idempotency key", func(t *testing.T) {
		br := new(MockBookingRepo)
		pr := new(MockProviderRepo)
		pc := new(MockProcessor)

		b := capturedBooking()
		b.DepositStatus = booking.DepositReleased
		b.CompletionStatus = booking.CompletionCompleted
		b.TransferID = nil

		pr.On("GetByUserID", mock.Anything, int64(2)).Return(payableProfile(), nil)
		pc.On("Transfer", mock.Anything, int64(10000), "EUR", "acct_123", "booking-1-release").
			Return("tr_retry", nil)
		br.On("SetTransferID", mock.Anything, int64(1), "tr_retry").Return(nil)
		br.On("AppendEvent", mock.Anything, mock.Anything).Return(nil)

		svc := newTestService(br, pr, pc, nil)
		err := svc.RetryTransfer(context.Background(), b)

		assert.NoError(t, err)
		pc.AssertExpectations(t)
	})

	t.Run("no-op when the transfer already exists", func(t *testing.T) {
		pc := new(MockProcessor)

		b := capturedBooking()
		b.DepositStatus = booking.DepositReleased
		b.TransferID = strPtr("tr_done")

		svc := newTestService(new(MockBookingRepo), new(MockProviderRepo), pc, nil)
		err := svc.RetryTransfer(context.Background(), b)

		assert.NoError(t, err)
		pc.AssertNotCalled(t, "Transfer", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})
}
