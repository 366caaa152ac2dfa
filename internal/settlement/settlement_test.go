package settlement

import (
	"errors"
	"math"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/poolbet/ledger-engine/internal/model"
)

// d is a test helper for creating decimals from strings.
func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func capital(pairs ...any) []model.InvestorCapital {
	var out []model.InvestorCapital
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, model.InvestorCapital{
			InvestorID: pairs[i].(string),
			Amount:     int64(pairs[i+1].(int)),
		})
	}
	return out
}

// --- Allocate ---

func TestAllocate_Proportional(t *testing.T) {
	allocs, err := Allocate("p1", 400, capital("A", 1000, "B", 3000))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(allocs) != 2 {
		t.Fatalf("expected 2 allocations, got %d", len(allocs))
	}
	if !allocs[0].Percent.Equal(d("0.25")) {
		t.Errorf("expected A=0.25, got %s", allocs[0].Percent)
	}
	if !allocs[1].Percent.Equal(d("0.75")) {
		t.Errorf("expected B=0.75, got %s", allocs[1].Percent)
	}
	if allocs[0].SnapshotAmount != 100 || allocs[1].SnapshotAmount != 300 {
		t.Errorf("expected snapshot shares 100/300, got %d/%d",
			allocs[0].SnapshotAmount, allocs[1].SnapshotAmount)
	}
	if allocs[0].CapitalAmount != 1000 {
		t.Errorf("expected capital 1000, got %d", allocs[0].CapitalAmount)
	}
}

func TestAllocate_NoEligibleInvestors(t *testing.T) {
	_, err := Allocate("p1", 400, nil)
	if err != ErrNoEligibleInvestors {
		t.Errorf("expected ErrNoEligibleInvestors, got %v", err)
	}

	_, err = Allocate("p1", 400, capital("A", 0, "B", -5))
	if err != ErrNoEligibleInvestors {
		t.Errorf("expected ErrNoEligibleInvestors for non-positive capital, got %v", err)
	}
}

func TestAllocate_SumsToOne(t *testing.T) {
	// Thirds never terminate; the sum must still be within tolerance.
	allocs, err := Allocate("p1", 1000, capital("A", 1, "B", 1, "C", 1, "D", 7, "E", 13))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !Balanced(allocs) {
		t.Errorf("percentages should sum to 1, got %s", PercentSum(allocs))
	}
	for _, a := range allocs {
		if !a.Percent.IsPositive() || a.Percent.GreaterThan(d("1")) {
			t.Errorf("percent out of (0, 1]: %s", a.Percent)
		}
	}
}

func TestAllocate_SortedByInvestor(t *testing.T) {
	allocs, _ := Allocate("p1", 10, capital("zed", 5, "amy", 5, "kim", 5))
	want := []string{"amy", "kim", "zed"}
	for i, a := range allocs {
		if a.InvestorID != want[i] {
			t.Errorf("position %d: expected %s, got %s", i, want[i], a.InvestorID)
		}
	}
}

func TestAllocate_SingleInvestorOwnsAll(t *testing.T) {
	allocs, _ := Allocate("p1", 10, capital("solo", 42))
	if !allocs[0].Percent.Equal(d("1")) {
		t.Errorf("single investor should own 100%%, got %s", allocs[0].Percent)
	}
}

// --- Gross ---

func TestGross_AllStatuses(t *testing.T) {
	tests := []struct {
		status model.PositionStatus
		stake  int64
		odds   string
		want   int64
		ok     bool
	}{
		{model.PositionWon, 400, "2.5", 600, true},
		{model.PositionLost, 400, "2.5", -400, true},
		{model.PositionVoid, 400, "2.5", 0, true},
		{model.PositionHalfWon, 400, "2.5", 300, true},
		{model.PositionHalfLost, 400, "2.5", -200, true},
		{model.PositionHalfLost, 401, "2.5", -201, true}, // −200.5 rounds away from zero
		{model.PositionWon, 333, "1.915", 305, true},     // 304.695 → 305
		{model.PositionHalfWon, 333, "1.915", 152, true}, // 152.3475 → 152
		{model.PositionPending, 400, "2.5", 0, false},
	}
	for _, tt := range tests {
		got, ok, err := Gross(tt.stake, d(tt.odds), tt.status)
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", tt.status, err)
		}
		if ok != tt.ok || got != tt.want {
			t.Errorf("%s stake=%d odds=%s: expected (%d, %v), got (%d, %v)",
				tt.status, tt.stake, tt.odds, tt.want, tt.ok, got, ok)
		}
	}
}

func TestGross_InvalidStatus(t *testing.T) {
	_, _, err := Gross(100, d("2"), model.PositionStatus("cashed_out"))
	if err != ErrInvalidStatus {
		t.Errorf("expected ErrInvalidStatus, got %v", err)
	}
}

func TestGross_OddsBelowOneNeverPaysNegative(t *testing.T) {
	got, _, _ := Gross(100, d("0.5"), model.PositionWon)
	if got != 0 {
		t.Errorf("max(0, O-1) should floor the edge at zero, got %d", got)
	}
}

// --- Fee ---

func TestApplyFee_PositiveGross(t *testing.T) {
	net, fee := ApplyFee(600, d("0.10"))
	if fee != 60 || net != 540 {
		t.Errorf("expected net=540 fee=60, got net=%d fee=%d", net, fee)
	}
}

func TestApplyFee_NeverOnLossOrVoid(t *testing.T) {
	for _, gross := range []int64{0, -1, -400, -123456789} {
		net, fee := ApplyFee(gross, d("0.25"))
		if net != gross || fee != 0 {
			t.Errorf("gross=%d: fee must not apply, got net=%d fee=%d", gross, net, fee)
		}
	}
}

func TestApplyFee_RoundsHalfAwayFromZero(t *testing.T) {
	// 15 × 0.1 = 1.5 → fee 2.
	net, fee := ApplyFee(15, d("0.1"))
	if fee != 2 || net != 13 {
		t.Errorf("expected net=13 fee=2, got net=%d fee=%d", net, fee)
	}
}

func TestValidateFeeRate(t *testing.T) {
	if err := ValidateFeeRate(d("0.1")); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := ValidateFeeRate(d("-0.01")); err != ErrInvalidFee {
		t.Errorf("expected ErrInvalidFee for negative rate, got %v", err)
	}
	if err := ValidateFeeRate(d("1.5")); err != ErrInvalidFee {
		t.Errorf("expected ErrInvalidFee for rate > 1, got %v", err)
	}
}

func TestSettle_PendingHasNoFigures(t *testing.T) {
	out, err := Settle(400, d("2.5"), model.PositionPending, d("0.1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Gross != nil || out.Net != nil || out.Fee != nil {
		t.Error("pending outcome should carry nil figures")
	}
}

func TestSettle_Won(t *testing.T) {
	out, err := Settle(400, d("2.5"), model.PositionWon, d("0.1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if *out.Gross != 600 || *out.Fee != 60 || *out.Net != 540 {
		t.Errorf("expected 600/60/540, got %d/%d/%d", *out.Gross, *out.Fee, *out.Net)
	}
}

// --- Distribute ---

func TestDistribute_ExactSplit(t *testing.T) {
	allocs, _ := Allocate("p1", 400, capital("A", 1000, "B", 3000))

	shares := Distribute(540, allocs)
	if len(shares) != 2 {
		t.Fatalf("expected 2 shares, got %d", len(shares))
	}
	if shares[0].Amount != 135 || shares[1].Amount != 405 {
		t.Errorf("expected 135/405, got %d/%d", shares[0].Amount, shares[1].Amount)
	}
	if Drift(540, shares) != 0 {
		t.Errorf("expected zero drift, got %d", Drift(540, shares))
	}
}

func TestDistribute_Loss(t *testing.T) {
	allocs, _ := Allocate("p1", 400, capital("A", 1000, "B", 3000))

	shares := Distribute(-400, allocs)
	if shares[0].Amount != -100 || shares[1].Amount != -300 {
		t.Errorf("expected -100/-300, got %d/%d", shares[0].Amount, shares[1].Amount)
	}
}

func TestDistribute_ZeroNetSkipsEveryone(t *testing.T) {
	allocs, _ := Allocate("p1", 400, capital("A", 1000, "B", 3000))

	if shares := Distribute(0, allocs); len(shares) != 0 {
		t.Errorf("expected no shares for net=0, got %d", len(shares))
	}
}

func TestDistribute_SkipsZeroShares(t *testing.T) {
	// A owns 0.1%: 100 × 0.001 = 0.1 → 0, skipped.
	allocs, _ := Allocate("p1", 100, capital("A", 1, "B", 999))

	shares := Distribute(100, allocs)
	if len(shares) != 1 || shares[0].InvestorID != "B" {
		t.Fatalf("expected only B to receive a share, got %+v", shares)
	}
}

func TestDistribute_DriftBoundedByAllocations(t *testing.T) {
	allocs, _ := Allocate("p1", 1000, capital("A", 1, "B", 1, "C", 1))

	for _, net := range []int64{1, 2, 100, 101, -1, -2, -100, 9999} {
		shares := Distribute(net, allocs)
		drift := Drift(net, shares)
		if drift < 0 {
			drift = -drift
		}
		if drift > int64(len(allocs)) {
			t.Errorf("net=%d: drift %d exceeds %d", net, drift, len(allocs))
		}
	}
}

func TestDistribute_Deterministic(t *testing.T) {
	allocs, _ := Allocate("p1", 1000, capital("A", 3, "B", 5, "C", 11))

	first := Distribute(777, allocs)
	second := Distribute(777, allocs)
	if len(first) != len(second) {
		t.Fatalf("share count changed: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Errorf("share %d changed: %+v vs %+v", i, first[i], second[i])
		}
	}
}

// --- Range ---

func TestGross_OverflowRejected(t *testing.T) {
	for _, status := range []model.PositionStatus{model.PositionWon, model.PositionHalfWon} {
		_, _, err := Gross(5_000_000_000_000_000_000, d("3"), status)
		if status == model.PositionHalfWon {
			// 2.5e18 × 2 = 5e18 fits.
			if err != nil {
				t.Errorf("half_won: unexpected error %v", err)
			}
			continue
		}
		if !errors.Is(err, ErrOutOfRange) {
			t.Errorf("%s: expected ErrOutOfRange, got %v", status, err)
		}
	}

	if _, err := Settle(5_000_000_000_000_000_000, d("3"), model.PositionWon, d("0.10")); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("settle: expected ErrOutOfRange, got %v", err)
	}
}

func TestGross_LargestWinStillFits(t *testing.T) {
	g, ok, err := Gross(math.MaxInt64, d("2"), model.PositionWon)
	if err != nil || !ok || g != math.MaxInt64 {
		t.Errorf("expected %d, got %d ok=%v err=%v", int64(math.MaxInt64), g, ok, err)
	}
	if _, _, err := Gross(math.MaxInt64, d("2.01"), model.PositionWon); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("expected ErrOutOfRange, got %v", err)
	}
	if err := CheckStake(math.MaxInt64, d("1.5")); err != nil {
		t.Errorf("unexpected error %v", err)
	}
}

func TestAllocate_CapitalSumOverflow(t *testing.T) {
	_, err := Allocate("p1", 100, []model.InvestorCapital{
		{InvestorID: "A", Amount: math.MaxInt64},
		{InvestorID: "B", Amount: 1},
	})
	if !errors.Is(err, ErrOutOfRange) {
		t.Errorf("expected ErrOutOfRange, got %v", err)
	}
}

func TestAddUnits(t *testing.T) {
	if _, ok := AddUnits(math.MaxInt64, 1); ok {
		t.Error("expected overflow")
	}
	if _, ok := AddUnits(math.MinInt64, -1); ok {
		t.Error("expected underflow")
	}
	if sum, ok := AddUnits(40, -2); !ok || sum != 38 {
		t.Errorf("expected 38, got %d ok=%v", sum, ok)
	}
}
