package deposit

import (
	"time"

	"depositguard/internal/provider"
)

// Retention is the outcome of one reschedule calculation. Amounts are
// absolute shares of the original deposit, not of whatever remains after
// earlier retentions; the calculator is stateless per call.
type Retention struct {
	IsLate         bool  `json:"is_late"`
	Tier           int   `json:"tier"`
	RetainedAmount int64 `json:"retained_amount"`
	RolledAmount   int64 `json:"rolled_amount"`
}

// CalculateRetention decides what a reschedule costs. A reschedule is late
// when less than the policy's no-reschedule window remains before the
// currently scheduled start. On-time or fee-waived reschedules retain
// nothing and roll the full deposit forward.
func CalculateRetention(policy *provider.Profile, lateRescheduleCount int, depositAmount int64, feeWaived bool, currentStart, now time.Time) Retention {
	hoursUntilStart := currentStart.Sub(now).Hours()
	isLate := hoursUntilStart < float64(policy.NoRescheduleWindowHours)

	if !isLate || feeWaived || depositAmount <= 0 {
		return Retention{
			IsLate:       isLate,
			RolledAmount: depositAmount,
		}
	}

	tier := lateRescheduleCount + 1
	var pct int
	switch tier {
	case 1:
		pct = policy.RetainPctFirst
	case 2:
		pct = policy.RetainPctSecond
	default:
		pct = policy.RetainPctCap
	}

	retained := depositAmount * int64(pct) / 100
	return Retention{
		IsLate:         true,
		Tier:           tier,
		RetainedAmount: retained,
		RolledAmount:   depositAmount - retained,
	}
}
