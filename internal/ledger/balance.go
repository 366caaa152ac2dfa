package ledger

import (
	"context"

	"github.com/poolbet/ledger-engine/internal/model"
)

// Available derives the spendable balance from raw totals:
//
//	contributed + profit − locked − withdrawn
//
// Intermediate figures may be negative; only the result is clamped at zero.
func Available(t model.BalanceTotals) int64 {
	v := t.Contributed + t.Profit - t.Locked - t.Withdrawn
	if v < 0 {
		return 0
	}
	return v
}

// AvailableBalance computes an investor's balance fresh from the store.
func (s *Service) AvailableBalance(ctx context.Context, actor model.Actor, investorID string) (*model.Balance, error) {
	if err := requireSelf(actor, investorID); err != nil {
		return nil, err
	}
	totals, err := s.store.BalanceTotals(ctx, investorID)
	if err != nil {
		return nil, translate(err)
	}
	return &model.Balance{
		InvestorID:    investorID,
		BalanceTotals: totals,
		Available:     Available(totals),
	}, nil
}

// ListDistributions returns every profit or loss booked to an investor.
func (s *Service) ListDistributions(ctx context.Context, actor model.Actor, investorID string) ([]model.ProfitDistribution, error) {
	if err := requireSelf(actor, investorID); err != nil {
		return nil, err
	}
	out, err := s.store.ListDistributionsByInvestor(ctx, investorID)
	if err != nil {
		return nil, translate(err)
	}
	return out, nil
}

// PoolSummary aggregates pool-wide figures.
func (s *Service) PoolSummary(ctx context.Context, actor model.Actor) (*model.PoolSummary, error) {
	if err := requireAuthenticated(actor); err != nil {
		return nil, err
	}
	sum, err := s.store.PoolSummary(ctx)
	if err != nil {
		return nil, translate(err)
	}
	return &sum, nil
}
