// Package settlement implements the pool's money math: freezing ownership
// percentages at snapshot time, turning a position status into a gross and
// net result, and splitting the net result across the frozen allocations.
//
// Money is int64 minor units. Odds and percentages use shopspring/decimal,
// never float64 for money. Every rounding step rounds half away from zero.
//
// The package is stateless; callers pass all inputs and persist the outputs.
package settlement

import (
	"errors"
	"math"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/poolbet/ledger-engine/internal/model"
)

var (
	// ErrNoEligibleInvestors is returned when no investor holds confirmed
	// capital at the snapshot instant.
	ErrNoEligibleInvestors = errors.New("settlement: no eligible investors at snapshot")

	// ErrInvalidStatus is returned for a status outside the six known values.
	ErrInvalidStatus = errors.New("settlement: invalid position status")

	// ErrInvalidFee is returned when the platform fee rate is outside [0, 1].
	ErrInvalidFee = errors.New("settlement: platform fee must be within [0, 1]")

	// ErrOutOfRange is returned when an amount does not fit in int64 minor
	// units.
	ErrOutOfRange = errors.New("settlement: amount out of range")

	// PercentScale is the number of fractional digits kept for ownership
	// percentages. Percentages are never rounded to a display precision.
	PercentScale int32 = 20

	// PercentTolerance bounds |Σ percent − 1| for a valid allocation set.
	PercentTolerance = decimal.New(1, -9)
)

var (
	one = decimal.NewFromInt(1)
	two = decimal.NewFromInt(2)

	maxUnits = decimal.NewFromInt(math.MaxInt64)
	minUnits = decimal.NewFromInt(math.MinInt64)
)

// Allocate computes each investor's ownership of the pool from their
// confirmed capital at the snapshot instant:
//
//	percent_i = capital_i / Σ capital
//
// Investors with non-positive capital are ignored. The stake share
// (SnapshotAmount) is round(stake × percent_i). Results are ordered by
// investor ID so that the same inputs always yield the same rows.
func Allocate(positionID string, stake int64, capital []model.InvestorCapital) ([]model.Allocation, error) {
	eligible := make([]model.InvestorCapital, 0, len(capital))
	var total int64
	for _, c := range capital {
		if c.Amount <= 0 {
			continue
		}
		eligible = append(eligible, c)
		var ok bool
		if total, ok = AddUnits(total, c.Amount); !ok {
			return nil, ErrOutOfRange
		}
	}
	if total == 0 {
		return nil, ErrNoEligibleInvestors
	}

	sort.Slice(eligible, func(i, j int) bool {
		return eligible[i].InvestorID < eligible[j].InvestorID
	})

	totalD := decimal.NewFromInt(total)
	stakeD := decimal.NewFromInt(stake)
	allocs := make([]model.Allocation, 0, len(eligible))
	for _, c := range eligible {
		pct := decimal.NewFromInt(c.Amount).DivRound(totalD, PercentScale)
		allocs = append(allocs, model.Allocation{
			PositionID:     positionID,
			InvestorID:     c.InvestorID,
			Percent:        pct,
			CapitalAmount:  c.Amount,
			SnapshotAmount: roundToUnit(stakeD.Mul(pct)),
		})
	}
	return allocs, nil
}

// PercentSum returns Σ percent over an allocation set.
func PercentSum(allocs []model.Allocation) decimal.Decimal {
	sum := decimal.Zero
	for _, a := range allocs {
		sum = sum.Add(a.Percent)
	}
	return sum
}

// Balanced reports whether the allocation percentages sum to one within
// PercentTolerance.
func Balanced(allocs []model.Allocation) bool {
	return PercentSum(allocs).Sub(one).Abs().LessThanOrEqual(PercentTolerance)
}

// Gross computes the pool's gross result for a position in status:
//
//	won:       round(S × max(0, O − 1))
//	lost:      −S
//	void:      0
//	half_won:  round(S/2 × max(0, O − 1))
//	half_lost: round(−S/2)
//
// A pending position has no result; ok is false. A result that does not
// fit in int64 returns ErrOutOfRange.
func Gross(stake int64, odds decimal.Decimal, status model.PositionStatus) (gross int64, ok bool, err error) {
	s := decimal.NewFromInt(stake)
	edge := decimal.Max(decimal.Zero, odds.Sub(one))

	switch status {
	case model.PositionPending:
		return 0, false, nil
	case model.PositionWon:
		g, err := toUnits(s.Mul(edge))
		return g, err == nil, err
	case model.PositionLost:
		return -stake, true, nil
	case model.PositionVoid:
		return 0, true, nil
	case model.PositionHalfWon:
		g, err := toUnits(s.Div(two).Mul(edge))
		return g, err == nil, err
	case model.PositionHalfLost:
		return roundToUnit(s.Neg().Div(two)), true, nil
	}
	return 0, false, ErrInvalidStatus
}

// ApplyFee deducts the platform fee from a positive gross result:
//
//	gross > 0:  fee = round(gross × rate), net = gross − fee
//	gross <= 0: fee = 0, net = gross
//
// Losses and voids are never charged.
func ApplyFee(gross int64, rate decimal.Decimal) (net, fee int64) {
	if gross <= 0 {
		return gross, 0
	}
	fee = roundToUnit(decimal.NewFromInt(gross).Mul(rate))
	return gross - fee, fee
}

// ValidateFeeRate checks that a platform fee rate lies within [0, 1].
func ValidateFeeRate(rate decimal.Decimal) error {
	if rate.IsNegative() || rate.GreaterThan(one) {
		return ErrInvalidFee
	}
	return nil
}

// Outcome is the settled figures of a position. The pointers are nil for a
// pending position.
type Outcome struct {
	Status model.PositionStatus
	Gross  *int64
	Fee    *int64
	Net    *int64
}

// Settle combines Gross and ApplyFee for a position moving to status.
func Settle(stake int64, odds decimal.Decimal, status model.PositionStatus, feeRate decimal.Decimal) (Outcome, error) {
	gross, ok, err := Gross(stake, odds, status)
	if err != nil {
		return Outcome{}, err
	}
	out := Outcome{Status: status}
	if !ok {
		return out, nil
	}
	net, fee := ApplyFee(gross, feeRate)
	out.Gross = &gross
	out.Fee = &fee
	out.Net = &net
	return out, nil
}

// Share is one investor's slice of a net result.
type Share struct {
	InvestorID string
	Amount     int64
}

// Distribute splits net across allocations:
//
//	share_i = round(net × percent_i)
//
// Each share is rounded on its own; the residual Σ share − net is accepted
// and is bounded by one unit per allocation. Zero shares are omitted.
func Distribute(net int64, allocs []model.Allocation) []Share {
	netD := decimal.NewFromInt(net)
	shares := make([]Share, 0, len(allocs))
	for _, a := range allocs {
		amt := roundToUnit(netD.Mul(a.Percent))
		if amt == 0 {
			continue
		}
		shares = append(shares, Share{InvestorID: a.InvestorID, Amount: amt})
	}
	sort.Slice(shares, func(i, j int) bool {
		return shares[i].InvestorID < shares[j].InvestorID
	})
	return shares
}

// Drift returns Σ share − net for a distribution set.
func Drift(net int64, shares []Share) int64 {
	var sum int64
	for _, s := range shares {
		sum += s.Amount
	}
	return sum - net
}

// CheckStake reports ErrOutOfRange when a win at odds would not fit in
// int64 minor units.
func CheckStake(stake int64, odds decimal.Decimal) error {
	_, _, err := Gross(stake, odds, model.PositionWon)
	return err
}

// AddUnits adds two amounts, reporting false on int64 overflow.
func AddUnits(a, b int64) (int64, bool) {
	sum := a + b
	if (b > 0 && sum < a) || (b < 0 && sum > a) {
		return 0, false
	}
	return sum, true
}

// toUnits rounds half away from zero to a whole minor unit and rejects
// values outside int64.
func toUnits(d decimal.Decimal) (int64, error) {
	r := d.Round(0)
	if r.GreaterThan(maxUnits) || r.LessThan(minUnits) {
		return 0, ErrOutOfRange
	}
	return r.IntPart(), nil
}

// roundToUnit rounds half away from zero to a whole minor unit. Callers
// only pass values bounded by an amount that already fits in int64.
func roundToUnit(d decimal.Decimal) int64 {
	return d.Round(0).IntPart()
}
