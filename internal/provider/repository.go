package provider

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
)

var ErrProfileNotFound = errors.New("provider profile not found")

const profileColumns = `
	id, user_id, business_name, processor_account_id, chargeable,
	deposit_enabled, deposit_amount, deposit_currency, no_reschedule_window_hours,
	retain_pct_first, retain_pct_second, retain_pct_cap, created_at, updated_at`

type repository struct {
	db *sqlx.DB
}

func NewRepository(db *sqlx.DB) Repository {
	return &repository{db: db}
}

func (r *repository) GetByUserID(ctx context.Context, userID int64) (*Profile, error) {
	var p Profile
	err := r.db.GetContext(ctx, &p,
		`SELECT`+profileColumns+` FROM provider_profiles WHERE user_id = $1`, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrProfileNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (r *repository) Upsert(ctx context.Context, p *Profile) (*Profile, error) {
	query := `
		INSERT INTO provider_profiles (
			user_id, business_name, processor_account_id, chargeable,
			deposit_enabled, deposit_amount, deposit_currency, no_reschedule_window_hours,
			retain_pct_first, retain_pct_second, retain_pct_cap
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (user_id) DO UPDATE SET
			business_name = EXCLUDED.business_name,
			processor_account_id = EXCLUDED.processor_account_id,
			chargeable = EXCLUDED.chargeable,
			deposit_enabled = EXCLUDED.deposit_enabled,
			deposit_amount = EXCLUDED.deposit_amount,
			deposit_currency = EXCLUDED.deposit_currency,
			no_reschedule_window_hours = EXCLUDED.no_reschedule_window_hours,
			retain_pct_first = EXCLUDED.retain_pct_first,
			retain_pct_second = EXCLUDED.retain_pct_second,
			retain_pct_cap = EXCLUDED.retain_pct_cap,
			updated_at = NOW()
		RETURNING` + profileColumns

	var saved Profile
	err := r.db.GetContext(ctx, &saved, query,
		p.UserID, p.BusinessName, p.ProcessorAccountID, p.Chargeable,
		p.DepositEnabled, p.DepositAmount, p.DepositCurrency, p.NoRescheduleWindowHours,
		p.RetainPctFirst, p.RetainPctSecond, p.RetainPctCap,
	)
	if err != nil {
		return nil, err
	}

	return &saved, nil
}
