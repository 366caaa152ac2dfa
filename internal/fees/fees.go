// Package fees computes withdrawal fees from a configured schedule.
package fees

import (
	"errors"

	"github.com/shopspring/decimal"
)

var ErrInvalidSchedule = errors.New("fees: invalid withdrawal fee schedule")

var one = decimal.NewFromInt(1)

// Schedule is a percentage plus fixed fee, clamped so the effective rate
// stays within [MinRate, MaxRate] of the withdrawn amount. A zero MaxRate
// disables the upper clamp.
type Schedule struct {
	Percent decimal.Decimal `json:"percent"`
	Fixed   int64           `json:"fixed"`
	MinRate decimal.Decimal `json:"min_rate"`
	MaxRate decimal.Decimal `json:"max_rate"`
}

// Validate checks the schedule is internally consistent.
func (s Schedule) Validate() error {
	switch {
	case s.Percent.IsNegative() || s.Percent.GreaterThan(one):
		return errors.Join(ErrInvalidSchedule, errors.New("percent must be within [0, 1]"))
	case s.Fixed < 0:
		return errors.Join(ErrInvalidSchedule, errors.New("fixed must not be negative"))
	case s.MinRate.IsNegative() || s.MaxRate.IsNegative():
		return errors.Join(ErrInvalidSchedule, errors.New("rates must not be negative"))
	case s.MaxRate.GreaterThan(one):
		return errors.Join(ErrInvalidSchedule, errors.New("max_rate must not exceed 1"))
	case s.MaxRate.IsPositive() && s.MinRate.GreaterThan(s.MaxRate):
		return errors.Join(ErrInvalidSchedule, errors.New("min_rate must not exceed max_rate"))
	}
	return nil
}

// Fee returns the fee for withdrawing amount minor units:
//
//	raw = round(amount × Percent) + Fixed
//	fee = clamp(raw, round(amount × MinRate), round(amount × MaxRate))
//
// Non-positive amounts carry no fee.
func (s Schedule) Fee(amount int64) int64 {
	if amount <= 0 {
		return 0
	}
	a := decimal.NewFromInt(amount)
	fee := a.Mul(s.Percent).Round(0).IntPart() + s.Fixed

	if floor := a.Mul(s.MinRate).Round(0).IntPart(); fee < floor {
		fee = floor
	}
	if s.MaxRate.IsPositive() {
		if ceil := a.Mul(s.MaxRate).Round(0).IntPart(); fee > ceil {
			fee = ceil
		}
	}
	return fee
}

// Total is amount plus its fee, the figure reserved against the balance.
func (s Schedule) Total(amount int64) int64 {
	return amount + s.Fee(amount)
}
