package audit

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poolbet/ledger-engine/internal/model"
	"github.com/poolbet/ledger-engine/internal/store"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func ptr(v int64) *int64 { return &v }

func seed(t *testing.T, st *store.MemoryStore, p model.Position, allocs []model.Allocation, dists []model.ProfitDistribution) {
	t.Helper()
	err := st.InTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		if err := tx.InsertPosition(ctx, &p); err != nil {
			return err
		}
		if err := tx.InsertAllocations(ctx, allocs); err != nil {
			return err
		}
		return tx.InsertDistributions(ctx, dists)
	})
	require.NoError(t, err)
}

func alloc(pos, inv, pct string) model.Allocation {
	return model.Allocation{PositionID: pos, InvestorID: inv, Percent: decimal.RequireFromString(pct)}
}

func dist(pos, inv string, amt int64) model.ProfitDistribution {
	return model.ProfitDistribution{ID: pos + inv, PositionID: pos, InvestorID: inv, Amount: amt, CreatedAt: t0}
}

func TestReconciler_CleanLedger(t *testing.T) {
	st := store.NewMemoryStore()
	seed(t, st,
		model.Position{ID: "p1", Stake: 400, Odds: decimal.RequireFromString("2.5"), Status: model.PositionWon, NetResult: ptr(540), CreatedAt: t0},
		[]model.Allocation{alloc("p1", "a", "0.25"), alloc("p1", "b", "0.75")},
		[]model.ProfitDistribution{dist("p1", "a", 135), dist("p1", "b", 405)},
	)
	seed(t, st,
		model.Position{ID: "p2", Stake: 100, Odds: decimal.NewFromInt(2), Status: model.PositionPending, CreatedAt: t0},
		[]model.Allocation{alloc("p2", "a", "1")},
		nil,
	)

	r := NewReconciler(st, slog.New(slog.NewTextHandler(io.Discard, nil)))
	violations, err := r.Check(context.Background())
	require.NoError(t, err)
	assert.Empty(t, violations)
}

func TestReconciler_DetectsViolations(t *testing.T) {
	st := store.NewMemoryStore()
	seed(t, st,
		model.Position{ID: "bad-sum", Stake: 100, Odds: decimal.NewFromInt(2), Status: model.PositionVoid, NetResult: ptr(0), CreatedAt: t0},
		[]model.Allocation{alloc("bad-sum", "a", "0.5"), alloc("bad-sum", "b", "0.4")},
		nil,
	)
	seed(t, st,
		model.Position{ID: "pending", Stake: 100, Odds: decimal.NewFromInt(2), Status: model.PositionPending, CreatedAt: t0},
		[]model.Allocation{alloc("pending", "a", "1")},
		[]model.ProfitDistribution{dist("pending", "a", 50)},
	)
	seed(t, st,
		model.Position{ID: "drift", Stake: 100, Odds: decimal.NewFromInt(2), Status: model.PositionWon, NetResult: ptr(90), CreatedAt: t0},
		[]model.Allocation{alloc("drift", "a", "1")},
		[]model.ProfitDistribution{dist("drift", "a", 80)},
	)

	r := NewReconciler(st, slog.New(slog.NewTextHandler(io.Discard, nil)))
	violations := r.RunOnce(context.Background())

	kinds := map[string]string{}
	for _, v := range violations {
		kinds[v.PositionID] = v.Kind
	}
	assert.Equal(t, map[string]string{
		"bad-sum": KindPercentSum,
		"pending": KindPendingDistributions,
		"drift":   KindDrift,
	}, kinds)
}

func TestValidateSchedule(t *testing.T) {
	assert.NoError(t, ValidateSchedule("0 */5 * * * *"))
	assert.NoError(t, ValidateSchedule("@every 1m"))
	assert.Error(t, ValidateSchedule("*/5 * * * *"))
}
