package provider

import "time"

// Profile holds a provider's connected payment account and deposit policy.
// The deposit engine reads it; only the provider endpoint writes it.
type Profile struct {
	ID           int64  `db:"id" json:"id"`
	UserID       int64  `db:"user_id" json:"user_id"`
	BusinessName string `db:"business_name" json:"business_name"`

	ProcessorAccountID *string `db:"processor_account_id" json:"processor_account_id,omitempty"`
	Chargeable         bool    `db:"chargeable" json:"chargeable"`

	DepositEnabled          bool   `db:"deposit_enabled" json:"deposit_enabled"`
	DepositAmount           int64  `db:"deposit_amount" json:"deposit_amount"`
	DepositCurrency         string `db:"deposit_currency" json:"deposit_currency"`
	NoRescheduleWindowHours int    `db:"no_reschedule_window_hours" json:"no_reschedule_window_hours"`
	RetainPctFirst          int    `db:"retain_pct_first" json:"retain_pct_first"`
	RetainPctSecond         int    `db:"retain_pct_second" json:"retain_pct_second"`
	RetainPctCap            int    `db:"retain_pct_cap" json:"retain_pct_cap"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Payable reports whether the provider can receive transfers.
func (p *Profile) Payable() bool {
	return p.ProcessorAccountID != nil && *p.ProcessorAccountID != "" && p.Chargeable
}

type UpsertProfileRequest struct {
	BusinessName            string `json:"business_name" binding:"required" validate:"required,min=2,max=120"`
	ProcessorAccountID      string `json:"processor_account_id"`
	DepositEnabled          bool   `json:"deposit_enabled"`
	DepositAmount           int64  `json:"deposit_amount" validate:"gte=0"`
	DepositCurrency         string `json:"deposit_currency" validate:"omitempty,iso4217"`
	NoRescheduleWindowHours int    `json:"no_reschedule_window_hours" validate:"gte=0"`
	RetainPctFirst          int    `json:"retain_pct_first" validate:"gte=0,lte=100"`
	RetainPctSecond         int    `json:"retain_pct_second" validate:"gte=0,lte=100"`
	RetainPctCap            int    `json:"retain_pct_cap" validate:"gte=0,lte=100"`
}
