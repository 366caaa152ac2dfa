// Package limits enforces risk limits on new pool positions.
//
// Two exposure limits are checked against the pool capital frozen at the
// position's snapshot:
//   - a single position may not stake more than MaxStakeFraction of it
//   - the stake of every unsettled position, the new one included, may not
//     exceed MaxOpenFraction of it
//
// Odds outside [MinOdds, MaxOdds] are rejected outright. A zero limit is
// disabled.
package limits

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrOddsOutOfRange is returned when the position's decimal odds fall
	// outside the configured band.
	ErrOddsOutOfRange = errors.New("limits: odds outside allowed range")

	// ErrStakeExceedsPool is returned when a single stake is too large a
	// fraction of pool capital.
	ErrStakeExceedsPool = errors.New("limits: stake exceeds per-position pool fraction")

	// ErrOpenExposureExceeded is returned when the aggregate unsettled stake
	// would exceed the open exposure fraction.
	ErrOpenExposureExceeded = errors.New("limits: open exposure limit exceeded")
)

// PositionLimiter holds the configured bounds. The zero value allows
// everything.
type PositionLimiter struct {
	MinOdds          decimal.Decimal
	MaxOdds          decimal.Decimal
	MaxStakeFraction decimal.Decimal
	MaxOpenFraction  decimal.Decimal
}

// NewPositionLimiter creates a limiter. Negative values are treated as
// disabled.
func NewPositionLimiter(minOdds, maxOdds, maxStakeFraction, maxOpenFraction decimal.Decimal) *PositionLimiter {
	return &PositionLimiter{
		MinOdds:          nonNegative(minOdds),
		MaxOdds:          nonNegative(maxOdds),
		MaxStakeFraction: nonNegative(maxStakeFraction),
		MaxOpenFraction:  nonNegative(maxOpenFraction),
	}
}

// CheckPosition validates a new position.
//
// Parameters:
//   - stake: stake of the new position in minor units
//   - odds: decimal odds of the new position
//   - poolCapital: Σ confirmed capital at the snapshot instant
//   - openStake: Σ stake of positions still pending
func (l *PositionLimiter) CheckPosition(stake int64, odds decimal.Decimal, poolCapital, openStake int64) error {
	if l == nil {
		return nil
	}

	// 1. Odds band.
	if l.MinOdds.IsPositive() && odds.LessThan(l.MinOdds) {
		return ErrOddsOutOfRange
	}
	if l.MaxOdds.IsPositive() && odds.GreaterThan(l.MaxOdds) {
		return ErrOddsOutOfRange
	}

	capital := decimal.NewFromInt(poolCapital)

	// 2. Per-position stake.
	if l.MaxStakeFraction.IsPositive() {
		if decimal.NewFromInt(stake).GreaterThan(capital.Mul(l.MaxStakeFraction)) {
			return ErrStakeExceedsPool
		}
	}

	// 3. Aggregate unsettled stake.
	if l.MaxOpenFraction.IsPositive() {
		total := decimal.NewFromInt(openStake + stake)
		if total.GreaterThan(capital.Mul(l.MaxOpenFraction)) {
			return ErrOpenExposureExceeded
		}
	}

	return nil
}

func nonNegative(v decimal.Decimal) decimal.Decimal {
	if v.IsNegative() {
		return decimal.Zero
	}
	return v
}
