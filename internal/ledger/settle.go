package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/poolbet/ledger-engine/internal/events"
	"github.com/poolbet/ledger-engine/internal/metrics"
	"github.com/poolbet/ledger-engine/internal/model"
	"github.com/poolbet/ledger-engine/internal/settlement"
	"github.com/poolbet/ledger-engine/internal/store"
)

// distributionNamespace seeds the deterministic distribution ids, so a
// re-settlement reproduces the same ids for the same investors.
var distributionNamespace = uuid.MustParse("6f1c1c56-8f0e-4f5e-9a43-3b8d7f1f2a10")

// SettlementResult is a settled position with its new distribution set.
type SettlementResult struct {
	model.PositionDetail
	// Drift is Σ distributions − net result, bounded by one unit per
	// allocation.
	Drift int64 `json:"drift"`
}

// Settle moves a position to status and recomputes its distributions in
// the same transaction. Any status may follow any other; settling to
// pending clears every distribution of the position.
func (s *Service) Settle(ctx context.Context, actor model.Actor, positionID string, status model.PositionStatus, score *string) (*SettlementResult, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	if !status.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	if positionID == "" {
		return nil, fmt.Errorf("%w: position id is required", ErrInvalidInput)
	}

	var (
		res      SettlementResult
		previous model.PositionStatus
	)
	err := s.run(ctx, "settle", []string{positionLock(positionID)}, func(ctx context.Context, tx store.Tx) error {
		p, err := tx.LockPosition(ctx, positionID)
		if err != nil {
			return err
		}
		allocs, err := tx.ListAllocations(ctx, positionID)
		if err != nil {
			return err
		}
		// Allocations are ordered by investor, which keeps lock order stable.
		for _, a := range allocs {
			if err := tx.LockInvestor(ctx, a.InvestorID); err != nil {
				return err
			}
		}

		out, err := settlement.Settle(p.Stake, p.Odds, status, s.opts.PlatformFee)
		if errors.Is(err, settlement.ErrOutOfRange) {
			return fmt.Errorf("%w: stake %d at odds %s: %v", ErrInvalidStake, p.Stake, p.Odds, err)
		}
		if err != nil {
			return err
		}
		previous = p.Status

		now := s.now()
		p.Status = status
		if score != nil {
			p.Score = *score
		}
		p.GrossResult, p.PlatformFee, p.NetResult = out.Gross, out.Fee, out.Net
		p.SettledAt = nil
		if status != model.PositionPending {
			p.SettledAt = &now
		}
		if err := tx.UpdatePositionResult(ctx, p); err != nil {
			return err
		}

		dists, err := redistribute(ctx, tx, p.ID, p.NetResult, allocs, now)
		if err != nil {
			return err
		}
		res = SettlementResult{
			PositionDetail: model.PositionDetail{Position: *p, Allocations: allocs, Distributions: dists},
			Drift:          drift(p.NetResult, dists),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.trackOpenPositions(previous, status)
	metrics.SettlementsTotal.WithLabelValues(string(status)).Inc()
	s.logger.InfoContext(ctx, "position settled",
		"position_id", positionID,
		"from", previous,
		"to", status,
		"net", res.Position.NetResult,
		"distributions", len(res.Distributions),
		"drift", res.Drift,
	)
	s.publish(ctx, s.newEvent(events.PositionSettled, "", positionID, res))
	return &res, nil
}

// Redistribute rebuilds a position's distributions from its stored net
// result without changing its status. Running it on a consistent position
// reproduces the same rows.
func (s *Service) Redistribute(ctx context.Context, actor model.Actor, positionID string) ([]model.ProfitDistribution, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}

	var dists []model.ProfitDistribution
	err := s.run(ctx, "redistribute", []string{positionLock(positionID)}, func(ctx context.Context, tx store.Tx) error {
		p, err := tx.LockPosition(ctx, positionID)
		if err != nil {
			return err
		}
		allocs, err := tx.ListAllocations(ctx, positionID)
		if err != nil {
			return err
		}
		for _, a := range allocs {
			if err := tx.LockInvestor(ctx, a.InvestorID); err != nil {
				return err
			}
		}
		dists, err = redistribute(ctx, tx, p.ID, p.NetResult, allocs, s.now())
		return err
	})
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "position redistributed", "position_id", positionID, "distributions", len(dists))
	return dists, nil
}

// redistribute replaces the distribution set of a position. A nil net
// leaves the position with no distributions. A row whose amount is
// unchanged keeps its original created_at, so re-running with the same net
// writes identical rows.
func redistribute(ctx context.Context, tx store.Tx, positionID string, net *int64, allocs []model.Allocation, at time.Time) ([]model.ProfitDistribution, error) {
	prior, err := tx.ListDistributionsByPosition(ctx, positionID)
	if err != nil {
		return nil, err
	}
	if _, err := tx.DeleteDistributions(ctx, positionID); err != nil {
		return nil, err
	}
	dists := []model.ProfitDistribution{}
	if net == nil {
		return dists, nil
	}

	kept := make(map[string]model.ProfitDistribution, len(prior))
	for _, d := range prior {
		kept[d.InvestorID] = d
	}
	for _, sh := range settlement.Distribute(*net, allocs) {
		created := at
		if old, ok := kept[sh.InvestorID]; ok && old.Amount == sh.Amount {
			created = old.CreatedAt
		}
		dists = append(dists, model.ProfitDistribution{
			ID:         distributionID(positionID, sh.InvestorID),
			PositionID: positionID,
			InvestorID: sh.InvestorID,
			Amount:     sh.Amount,
			CreatedAt:  created,
		})
	}
	if len(dists) == 0 {
		return dists, nil
	}
	if err := tx.InsertDistributions(ctx, dists); err != nil {
		return nil, err
	}
	return dists, nil
}

func distributionID(positionID, investorID string) string {
	return uuid.NewSHA1(distributionNamespace, []byte(positionID+"/"+investorID)).String()
}

func drift(net *int64, dists []model.ProfitDistribution) int64 {
	if net == nil {
		return 0
	}
	var sum int64
	for _, d := range dists {
		sum += d.Amount
	}
	return sum - *net
}

func (s *Service) trackOpenPositions(from, to model.PositionStatus) {
	switch {
	case from == model.PositionPending && to != model.PositionPending:
		metrics.OpenPositions.Dec()
	case from != model.PositionPending && to == model.PositionPending:
		metrics.OpenPositions.Inc()
	}
}
