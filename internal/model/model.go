// Package model defines the core domain types shared across the ledger engine.
// Money is always int64 minor currency units. Odds and ownership percentages
// use shopspring/decimal; never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// ContributionStatus is the payment state of a capital contribution.
type ContributionStatus string

const (
	ContributionPending   ContributionStatus = "pending"
	ContributionSucceeded ContributionStatus = "succeeded"
	ContributionFailed    ContributionStatus = "failed"
)

// Valid reports whether s is a known contribution status.
func (s ContributionStatus) Valid() bool {
	switch s {
	case ContributionPending, ContributionSucceeded, ContributionFailed:
		return true
	}
	return false
}

// PositionStatus is the settlement state of a pooled position.
type PositionStatus string

const (
	PositionPending  PositionStatus = "pending"
	PositionWon      PositionStatus = "won"
	PositionLost     PositionStatus = "lost"
	PositionVoid     PositionStatus = "void"
	PositionHalfWon  PositionStatus = "half_won"
	PositionHalfLost PositionStatus = "half_lost"
)

// Valid reports whether s is one of the six position statuses.
func (s PositionStatus) Valid() bool {
	switch s {
	case PositionPending, PositionWon, PositionLost, PositionVoid, PositionHalfWon, PositionHalfLost:
		return true
	}
	return false
}

// WithdrawalStatus is the lifecycle state of a withdrawal request.
type WithdrawalStatus string

const (
	WithdrawalPending  WithdrawalStatus = "pending"
	WithdrawalApproved WithdrawalStatus = "approved"
	WithdrawalRejected WithdrawalStatus = "rejected"
)

// Contribution is a confirmed (or in-flight) investor capital deposit.
// Once succeeded it is never modified.
type Contribution struct {
	ID          string             `json:"id" db:"id"`
	InvestorID  string             `json:"investor_id" db:"investor_id"`
	Amount      int64              `json:"amount" db:"amount"`
	PaymentRef  string             `json:"payment_ref" db:"payment_ref"` // external idempotency key
	Status      ContributionStatus `json:"status" db:"status"`
	ConfirmedAt *time.Time         `json:"confirmed_at,omitempty" db:"confirmed_at"`
	CreatedAt   time.Time          `json:"created_at" db:"created_at"`
}

// Position is a pool-level wager. SnapshotAt is fixed at creation.
type Position struct {
	ID          string          `json:"id" db:"id"`
	Stake       int64           `json:"stake" db:"stake"`
	Odds        decimal.Decimal `json:"odds" db:"odds"` // decimal odds, > 1
	EventAt     time.Time       `json:"event_at" db:"event_at"`
	SnapshotAt  time.Time       `json:"snapshot_at" db:"snapshot_at"`
	Status      PositionStatus  `json:"status" db:"status"`
	Note        string          `json:"note,omitempty" db:"note"`
	Score       string          `json:"score,omitempty" db:"score"`
	GrossResult *int64          `json:"gross_result" db:"gross_result"`
	PlatformFee *int64          `json:"platform_fee" db:"platform_fee"`
	NetResult   *int64          `json:"net_result" db:"net_result"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
	SettledAt   *time.Time      `json:"settled_at,omitempty" db:"settled_at"`
}

// Allocation freezes one investor's ownership of a position at SnapshotAt.
type Allocation struct {
	PositionID     string          `json:"position_id" db:"position_id"`
	InvestorID     string          `json:"investor_id" db:"investor_id"`
	Percent        decimal.Decimal `json:"percent" db:"percent"`                 // 0 < percent <= 1
	CapitalAmount  int64           `json:"capital_amount" db:"capital_amount"`   // confirmed capital at snapshot
	SnapshotAmount int64           `json:"snapshot_amount" db:"snapshot_amount"` // share of the stake
}

// ProfitDistribution is one investor's signed share of a settled position.
// The full set for a position is rewritten on every settlement.
type ProfitDistribution struct {
	ID         string    `json:"id" db:"id"`
	PositionID string    `json:"position_id" db:"position_id"`
	InvestorID string    `json:"investor_id" db:"investor_id"`
	Amount     int64     `json:"amount" db:"amount"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// WithdrawalRequest reserves Amount+Fee against the investor's balance
// while pending or approved.
type WithdrawalRequest struct {
	ID         string           `json:"id" db:"id"`
	InvestorID string           `json:"investor_id" db:"investor_id"`
	Amount     int64            `json:"amount" db:"amount"`
	Fee        int64            `json:"fee" db:"fee"`
	Status     WithdrawalStatus `json:"status" db:"status"`
	CreatedAt  time.Time        `json:"created_at" db:"created_at"`
	ResolvedAt *time.Time       `json:"resolved_at,omitempty" db:"resolved_at"`
}

// Reserved is the amount held against the balance by this request.
func (w WithdrawalRequest) Reserved() int64 {
	return w.Amount + w.Fee
}

// InvestorCapital is an investor's cumulative succeeded contributions as of
// some instant.
type InvestorCapital struct {
	InvestorID string `json:"investor_id"`
	Amount     int64  `json:"amount"`
}

// BalanceTotals are the raw per-investor sums the balance is derived from.
type BalanceTotals struct {
	Contributed int64 `json:"contributed"` // Σ succeeded contributions
	Profit      int64 `json:"profit"`      // Σ profit distributions (signed)
	Locked      int64 `json:"locked"`      // Σ amount+fee of pending withdrawals
	Withdrawn   int64 `json:"withdrawn"`   // Σ amount+fee of approved withdrawals
}

// Balance is the derived view shown to an investor. Available is clamped at
// zero; the intermediate figures are not.
type Balance struct {
	InvestorID string `json:"investor_id"`
	BalanceTotals
	Available int64 `json:"available"`
}

// PositionDetail bundles a position with its frozen allocations and its
// current distribution set.
type PositionDetail struct {
	Position      Position             `json:"position"`
	Allocations   []Allocation         `json:"allocations"`
	Distributions []ProfitDistribution `json:"distributions"`
}

// PoolSummary aggregates pool-wide figures for dashboards.
type PoolSummary struct {
	TotalCapital     int64 `json:"total_capital"`
	Investors        int   `json:"investors"`
	OpenPositions    int   `json:"open_positions"`
	SettledPositions int   `json:"settled_positions"`
	OpenStake        int64 `json:"open_stake"`
	NetResult        int64 `json:"net_result"`
	PlatformFees     int64 `json:"platform_fees"`
}
