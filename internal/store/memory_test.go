package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/poolbet/ledger-engine/internal/model"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func at(minutes int) *time.Time {
	ts := t0.Add(time.Duration(minutes) * time.Minute)
	return &ts
}

func seedContribution(t *testing.T, s *MemoryStore, id, investor string, amount int64, status model.ContributionStatus, confirmedAt *time.Time) {
	t.Helper()
	err := s.InTx(context.Background(), func(ctx context.Context, tx Tx) error {
		return tx.InsertContribution(ctx, &model.Contribution{
			ID:          id,
			InvestorID:  investor,
			Amount:      amount,
			PaymentRef:  "ref-" + id,
			Status:      status,
			ConfirmedAt: confirmedAt,
			CreatedAt:   t0,
		})
	})
	if err != nil {
		t.Fatalf("failed to seed contribution: %v", err)
	}
}

func TestMemoryStore_DuplicatePaymentRef(t *testing.T) {
	s := NewMemoryStore()
	seedContribution(t, s, "c1", "alice", 100, model.ContributionSucceeded, at(0))

	err := s.InTx(context.Background(), func(ctx context.Context, tx Tx) error {
		return tx.InsertContribution(ctx, &model.Contribution{
			ID: "c2", InvestorID: "alice", Amount: 100, PaymentRef: "ref-c1",
			Status: model.ContributionSucceeded, CreatedAt: t0,
		})
	})
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}

	contribs, _ := s.ListContributions(context.Background(), "alice")
	if len(contribs) != 1 {
		t.Errorf("expected 1 contribution after duplicate, got %d", len(contribs))
	}
}

func TestMemoryStore_RollbackOnError(t *testing.T) {
	s := NewMemoryStore()
	boom := errors.New("boom")

	err := s.InTx(context.Background(), func(ctx context.Context, tx Tx) error {
		if err := tx.InsertPosition(ctx, &model.Position{
			ID: "p1", Stake: 100, Odds: decimal.NewFromInt(2), Status: model.PositionPending, CreatedAt: t0,
		}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	if _, err := s.GetPosition(context.Background(), "p1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("position should not exist after rollback, got %v", err)
	}
}

func TestMemoryStore_RollbackOnCancelledContext(t *testing.T) {
	s := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())

	err := s.InTx(ctx, func(ctx context.Context, tx Tx) error {
		err := tx.InsertContribution(ctx, &model.Contribution{
			ID: "c1", InvestorID: "alice", Amount: 100, PaymentRef: "r1",
			Status: model.ContributionSucceeded, ConfirmedAt: at(0), CreatedAt: t0,
		})
		cancel()
		return err
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	totals, _ := s.BalanceTotals(context.Background(), "alice")
	if totals.Contributed != 0 {
		t.Errorf("cancelled transaction should not commit, contributed=%d", totals.Contributed)
	}
}

func TestMemoryStore_ConfirmedCapitalCutoff(t *testing.T) {
	s := NewMemoryStore()
	seedContribution(t, s, "c1", "alice", 1000, model.ContributionSucceeded, at(0))
	seedContribution(t, s, "c2", "bob", 3000, model.ContributionSucceeded, at(5))
	seedContribution(t, s, "c3", "bob", 500, model.ContributionSucceeded, at(30)) // after snapshot
	seedContribution(t, s, "c4", "carol", 700, model.ContributionPending, nil)
	seedContribution(t, s, "c5", "dave", 900, model.ContributionFailed, at(1))

	capital, err := s.ConfirmedCapital(context.Background(), *at(10))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(capital) != 2 {
		t.Fatalf("expected 2 eligible investors, got %d: %+v", len(capital), capital)
	}
	if capital[0].InvestorID != "alice" || capital[0].Amount != 1000 {
		t.Errorf("unexpected alice capital: %+v", capital[0])
	}
	if capital[1].InvestorID != "bob" || capital[1].Amount != 3000 {
		t.Errorf("unexpected bob capital: %+v", capital[1])
	}

	// The cutoff is inclusive.
	capital, _ = s.ConfirmedCapital(context.Background(), *at(30))
	if capital[1].Amount != 3500 {
		t.Errorf("expected bob=3500 at the confirmation instant, got %d", capital[1].Amount)
	}
}

func TestMemoryStore_BalanceTotals(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedContribution(t, s, "c1", "alice", 1000, model.ContributionSucceeded, at(0))
	seedContribution(t, s, "c2", "alice", 50, model.ContributionPending, nil)

	err := s.InTx(ctx, func(ctx context.Context, tx Tx) error {
		if err := tx.InsertPosition(ctx, &model.Position{
			ID: "p1", Stake: 100, Odds: decimal.NewFromInt(2), Status: model.PositionWon, CreatedAt: t0,
		}); err != nil {
			return err
		}
		if err := tx.InsertDistributions(ctx, []model.ProfitDistribution{
			{ID: "d1", PositionID: "p1", InvestorID: "alice", Amount: 120, CreatedAt: t0},
		}); err != nil {
			return err
		}
		for _, w := range []model.WithdrawalRequest{
			{ID: "w1", InvestorID: "alice", Amount: 100, Fee: 5, Status: model.WithdrawalPending, CreatedAt: t0},
			{ID: "w2", InvestorID: "alice", Amount: 200, Fee: 10, Status: model.WithdrawalApproved, CreatedAt: t0},
			{ID: "w3", InvestorID: "alice", Amount: 999, Fee: 1, Status: model.WithdrawalRejected, CreatedAt: t0},
		} {
			if err := tx.InsertWithdrawal(ctx, &w); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	totals, _ := s.BalanceTotals(ctx, "alice")
	want := model.BalanceTotals{Contributed: 1000, Profit: 120, Locked: 105, Withdrawn: 210}
	if totals != want {
		t.Errorf("expected %+v, got %+v", want, totals)
	}
}

func TestMemoryStore_DeleteDistributions(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	var deleted int64
	err := s.InTx(ctx, func(ctx context.Context, tx Tx) error {
		if err := tx.InsertDistributions(ctx, []model.ProfitDistribution{
			{ID: "d1", PositionID: "p1", InvestorID: "a", Amount: 1},
			{ID: "d2", PositionID: "p1", InvestorID: "b", Amount: 2},
			{ID: "d3", PositionID: "p2", InvestorID: "a", Amount: 3},
		}); err != nil {
			return err
		}
		var err error
		deleted, err = tx.DeleteDistributions(ctx, "p1")
		return err
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if deleted != 2 {
		t.Errorf("expected 2 deleted, got %d", deleted)
	}
	if dists, _ := s.ListDistributionsByPosition(ctx, "p2"); len(dists) != 1 {
		t.Errorf("other positions must be untouched, got %d rows", len(dists))
	}
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	net := int64(10)
	_ = s.InTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.InsertPosition(ctx, &model.Position{
			ID: "p1", Stake: 100, Odds: decimal.NewFromInt(2), Status: model.PositionWon,
			NetResult: &net, CreatedAt: t0,
		})
	})

	p, _ := s.GetPosition(ctx, "p1")
	*p.NetResult = 999
	p.Status = model.PositionLost

	again, _ := s.GetPosition(ctx, "p1")
	if *again.NetResult != 10 || again.Status != model.PositionWon {
		t.Error("mutating a returned position must not affect the store")
	}
}

func TestLocalLocker(t *testing.T) {
	l := NewLocalLocker()
	ctx := context.Background()

	release, err := l.Acquire(ctx, "investor:alice", time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := l.Acquire(ctx, "investor:alice", time.Second); !errors.Is(err, ErrLockHeld) {
		t.Errorf("expected ErrLockHeld, got %v", err)
	}
	if _, err := l.Acquire(ctx, "investor:bob", time.Second); err != nil {
		t.Errorf("independent key should be free, got %v", err)
	}

	release()
	release() // idempotent

	if _, err := l.Acquire(ctx, "investor:alice", time.Second); err != nil {
		t.Errorf("expected lock to be free after release, got %v", err)
	}
}
