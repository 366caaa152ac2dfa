package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/poolbet/ledger-engine/internal/events"
	"github.com/poolbet/ledger-engine/internal/metrics"
	"github.com/poolbet/ledger-engine/internal/model"
	"github.com/poolbet/ledger-engine/internal/odds"
	"github.com/poolbet/ledger-engine/internal/settlement"
	"github.com/poolbet/ledger-engine/internal/store"
)

// openLock serializes position creation so the open-exposure limit is
// checked against a stable set of pending positions.
const openLock = "positions:open"

// PositionInput describes a new pooled position.
type PositionInput struct {
	Stake int64
	Odds  string // decimal, american or fractional
	// EventAt is when the wagered event takes place.
	EventAt time.Time
	// SnapshotAt defaults to now. It may not lie in the future.
	SnapshotAt time.Time
	Note       string
}

// OpenPosition creates a position together with the ownership allocations
// of every investor holding confirmed capital at SnapshotAt. Both are
// written in one transaction; with no eligible investor nothing is written
// and ErrNoEligibleInvestors is returned.
func (s *Service) OpenPosition(ctx context.Context, actor model.Actor, in PositionInput) (*model.PositionDetail, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	if in.Stake <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidStake, in.Stake)
	}
	price, err := odds.Parse(in.Odds)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOdds, err)
	}
	if err := settlement.CheckStake(in.Stake, price.Decimal); err != nil {
		return nil, fmt.Errorf("%w: stake %d at odds %s: %v", ErrInvalidStake, in.Stake, price.Decimal, err)
	}
	if in.EventAt.IsZero() {
		return nil, fmt.Errorf("%w: event_at is required", ErrInvalidInput)
	}

	now := s.now()
	snapshot := in.SnapshotAt.UTC()
	if in.SnapshotAt.IsZero() {
		snapshot = now
	}
	if snapshot.After(now) {
		return nil, fmt.Errorf("%w: snapshot_at %s is in the future", ErrInvalidInput, snapshot.Format(time.RFC3339))
	}

	p := &model.Position{
		ID:         uuid.NewString(),
		Stake:      in.Stake,
		Odds:       price.Decimal,
		EventAt:    in.EventAt.UTC(),
		SnapshotAt: snapshot,
		Status:     model.PositionPending,
		Note:       strings.TrimSpace(in.Note),
		CreatedAt:  now,
	}

	var allocs []model.Allocation
	err = s.run(ctx, "open_position", []string{openLock}, func(ctx context.Context, tx store.Tx) error {
		capital, err := tx.ConfirmedCapital(ctx, p.SnapshotAt)
		if err != nil {
			return err
		}
		allocs, err = settlement.Allocate(p.ID, p.Stake, capital)
		if errors.Is(err, settlement.ErrOutOfRange) {
			return fmt.Errorf("%w: pool capital: %v", ErrInvalidInput, err)
		}
		if err != nil {
			return err
		}

		if s.opts.Limits != nil {
			var poolCapital, openStake int64
			for _, a := range allocs {
				poolCapital += a.CapitalAmount
			}
			open, err := tx.ListPositions(ctx, model.PositionPending)
			if err != nil {
				return err
			}
			for _, o := range open {
				var ok bool
				if openStake, ok = settlement.AddUnits(openStake, o.Stake); !ok {
					return fmt.Errorf("%w: open stake out of range", ErrLimitExceeded)
				}
			}
			if err := s.opts.Limits.CheckPosition(p.Stake, p.Odds, poolCapital, openStake); err != nil {
				return fmt.Errorf("%w: %v", ErrLimitExceeded, err)
			}
		}

		if err := tx.InsertPosition(ctx, p); err != nil {
			return err
		}
		return tx.InsertAllocations(ctx, allocs)
	})
	if err != nil {
		if errors.Is(err, ErrLimitExceeded) {
			metrics.LimitRejections.Inc()
		}
		return nil, err
	}

	detail := &model.PositionDetail{Position: *p, Allocations: allocs, Distributions: []model.ProfitDistribution{}}
	metrics.OpenPositions.Inc()
	s.logger.InfoContext(ctx, "position opened",
		"position_id", p.ID,
		"stake", p.Stake,
		"odds", p.Odds.String(),
		"odds_input", price.Input,
		"snapshot_at", p.SnapshotAt,
		"investors", len(allocs),
	)
	s.publish(ctx, s.newEvent(events.PositionOpened, "", p.ID, detail))
	return detail, nil
}

// GetPosition returns a position with its allocations and distributions.
// Investors only see their own allocation and distribution rows.
func (s *Service) GetPosition(ctx context.Context, actor model.Actor, positionID string) (*model.PositionDetail, error) {
	if err := requireRole(actor, model.RoleAdmin, model.RoleInvestor); err != nil {
		return nil, err
	}
	p, err := s.store.GetPosition(ctx, positionID)
	if err != nil {
		return nil, translate(err)
	}
	allocs, err := s.store.ListAllocations(ctx, positionID)
	if err != nil {
		return nil, translate(err)
	}
	dists, err := s.store.ListDistributionsByPosition(ctx, positionID)
	if err != nil {
		return nil, translate(err)
	}

	if !actor.IsAdmin() {
		allocs = filterAllocations(allocs, actor.ID)
		dists = filterDistributions(dists, actor.ID)
	}
	return &model.PositionDetail{Position: *p, Allocations: allocs, Distributions: dists}, nil
}

// ListPositions returns positions, newest first. An empty status lists all.
func (s *Service) ListPositions(ctx context.Context, actor model.Actor, status model.PositionStatus) ([]model.Position, error) {
	if err := requireRole(actor, model.RoleAdmin, model.RoleInvestor); err != nil {
		return nil, err
	}
	if status != "" && !status.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	out, err := s.store.ListPositions(ctx, status)
	if err != nil {
		return nil, translate(err)
	}
	return out, nil
}

func filterAllocations(in []model.Allocation, investorID string) []model.Allocation {
	out := make([]model.Allocation, 0, 1)
	for _, a := range in {
		if a.InvestorID == investorID {
			out = append(out, a)
		}
	}
	return out
}

func filterDistributions(in []model.ProfitDistribution, investorID string) []model.ProfitDistribution {
	out := make([]model.ProfitDistribution, 0, 1)
	for _, d := range in {
		if d.InvestorID == investorID {
			out = append(out, d)
		}
	}
	return out
}
