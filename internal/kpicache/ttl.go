package kpicache

import (
	"time"

	"github.com/lodgeboard/kpi-engine/internal/period"
)

// Default TTL tiers.
const (
	DefaultTTLRollingShort = 30 * time.Minute // LAST_7_D, LAST_30_D
	DefaultTTLRollingLong  = time.Hour        // LAST_6_M, LAST_12_M
	DefaultTTLClosedMonth  = time.Hour        // LAST_MONTH
	DefaultTTLYearToDate   = 2 * time.Hour    // YEAR_TO_DATE
	DefaultTTLCustom       = 10 * time.Minute // CUSTOM and anything unknown
)

// TTLPolicy maps period classes to cache lifetimes.
type TTLPolicy struct {
	RollingShort time.Duration
	RollingLong  time.Duration
	ClosedMonth  time.Duration
	YearToDate   time.Duration
	Custom       time.Duration
}

// DefaultTTLPolicy returns the standard tiers.
func DefaultTTLPolicy() TTLPolicy {
	return TTLPolicy{
		RollingShort: DefaultTTLRollingShort,
		RollingLong:  DefaultTTLRollingLong,
		ClosedMonth:  DefaultTTLClosedMonth,
		YearToDate:   DefaultTTLYearToDate,
		Custom:       DefaultTTLCustom,
	}
}

// For returns the lifetime for tag. Unknown and custom periods get the
// custom tier; unset tiers fall back to it as well.
func (p TTLPolicy) For(tag period.Tag) time.Duration {
	var ttl time.Duration
	switch tag {
	case period.Last7Days, period.Last30Days:
		ttl = p.RollingShort
	case period.Last6Months, period.Last12Months:
		ttl = p.RollingLong
	case period.LastMonth:
		ttl = p.ClosedMonth
	case period.YearToDate:
		ttl = p.YearToDate
	}
	if ttl > 0 {
		return ttl
	}
	if p.Custom > 0 {
		return p.Custom
	}
	return DefaultTTLCustom
}
