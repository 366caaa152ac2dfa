// Package store defines the persistence interface for the ledger engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache for immutable position data), and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/poolbet/ledger-engine/internal/model"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrDuplicate is returned when a unique key (payment reference) is
	// already present.
	ErrDuplicate = errors.New("store: duplicate key")

	// ErrConflict is returned when a transaction lost a serialization or
	// lock race and may be retried.
	ErrConflict = errors.New("store: transaction conflict")

	// ErrLockHeld is returned by a Locker when the key is held elsewhere.
	ErrLockHeld = errors.New("store: lock held")
)

// Reader is the read side of the ledger. It is available both outside and
// inside a transaction; inside, reads observe the transaction's own writes.
type Reader interface {
	// --- Contributions ---

	// GetContributionByRef retrieves a contribution by its payment reference.
	GetContributionByRef(ctx context.Context, paymentRef string) (*model.Contribution, error)

	// ListContributions returns an investor's contributions, oldest first.
	ListContributions(ctx context.Context, investorID string) ([]model.Contribution, error)

	// ConfirmedCapital returns Σ succeeded contributions confirmed at or
	// before asOf, per investor with a positive total, ordered by investor.
	ConfirmedCapital(ctx context.Context, asOf time.Time) ([]model.InvestorCapital, error)

	// --- Positions ---

	// GetPosition retrieves a position by ID.
	GetPosition(ctx context.Context, id string) (*model.Position, error)

	// ListPositions returns positions, newest first. An empty status
	// returns every position.
	ListPositions(ctx context.Context, status model.PositionStatus) ([]model.Position, error)

	// ListAllocations returns the frozen allocations of a position ordered
	// by investor.
	ListAllocations(ctx context.Context, positionID string) ([]model.Allocation, error)

	// --- Distributions ---

	// ListDistributionsByPosition returns the current distribution set of a
	// position ordered by investor.
	ListDistributionsByPosition(ctx context.Context, positionID string) ([]model.ProfitDistribution, error)

	// ListDistributionsByInvestor returns every distribution credited or
	// debited to an investor.
	ListDistributionsByInvestor(ctx context.Context, investorID string) ([]model.ProfitDistribution, error)

	// --- Withdrawals ---

	// GetWithdrawal retrieves a withdrawal request by ID.
	GetWithdrawal(ctx context.Context, id string) (*model.WithdrawalRequest, error)

	// ListWithdrawals returns an investor's withdrawal requests, oldest first.
	ListWithdrawals(ctx context.Context, investorID string) ([]model.WithdrawalRequest, error)

	// --- Aggregates ---

	// BalanceTotals returns the raw sums an investor's balance is derived from.
	BalanceTotals(ctx context.Context, investorID string) (model.BalanceTotals, error)

	// PoolSummary aggregates pool-wide figures.
	PoolSummary(ctx context.Context) (model.PoolSummary, error)
}

// Tx is a unit of work. Every write of a composed ledger operation goes
// through one Tx so that it commits or rolls back as a whole.
type Tx interface {
	Reader

	// InsertContribution appends a contribution. Returns ErrDuplicate when
	// the payment reference already exists.
	InsertContribution(ctx context.Context, c *model.Contribution) error

	// LockContribution loads a contribution by payment reference and holds
	// it until the transaction ends.
	LockContribution(ctx context.Context, paymentRef string) (*model.Contribution, error)

	// UpdateContributionStatus moves a contribution to a new status.
	UpdateContributionStatus(ctx context.Context, id string, status model.ContributionStatus, confirmedAt *time.Time) error

	// InsertPosition persists a new position.
	InsertPosition(ctx context.Context, p *model.Position) error

	// LockPosition loads a position and holds its row until the
	// transaction ends.
	LockPosition(ctx context.Context, id string) (*model.Position, error)

	// UpdatePositionResult writes status, score and settled figures.
	UpdatePositionResult(ctx context.Context, p *model.Position) error

	// InsertAllocations persists the frozen allocation set of a position.
	InsertAllocations(ctx context.Context, allocs []model.Allocation) error

	// DeleteDistributions removes every distribution of a position and
	// returns how many rows were removed.
	DeleteDistributions(ctx context.Context, positionID string) (int64, error)

	// InsertDistributions persists a distribution set.
	InsertDistributions(ctx context.Context, dists []model.ProfitDistribution) error

	// LockInvestor serializes balance-affecting writes for one investor
	// until the transaction ends.
	LockInvestor(ctx context.Context, investorID string) error

	// InsertWithdrawal persists a new withdrawal request.
	InsertWithdrawal(ctx context.Context, w *model.WithdrawalRequest) error

	// LockWithdrawal loads a withdrawal request and holds its row until the
	// transaction ends.
	LockWithdrawal(ctx context.Context, id string) (*model.WithdrawalRequest, error)

	// UpdateWithdrawalStatus resolves a withdrawal request.
	UpdateWithdrawalStatus(ctx context.Context, id string, status model.WithdrawalStatus, resolvedAt time.Time) error
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	Reader

	// InTx runs fn in a transaction. The transaction commits when fn
	// returns nil and rolls back otherwise, including when ctx is done.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Locker grants short-lived exclusive access to a key across callers.
type Locker interface {
	// Acquire takes the lock for key or returns ErrLockHeld. The returned
	// release function is safe to call more than once.
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}
