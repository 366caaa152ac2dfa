package limits

import (
	"testing"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestCheckPosition_WithinLimits(t *testing.T) {
	limiter := NewPositionLimiter(d("1.1"), d("20"), d("0.25"), d("0.5"))

	if err := limiter.CheckPosition(400, d("2.5"), 4000, 0); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestCheckPosition_OddsOutOfRange(t *testing.T) {
	limiter := NewPositionLimiter(d("1.1"), d("20"), decimal.Zero, decimal.Zero)

	if err := limiter.CheckPosition(100, d("1.05"), 4000, 0); err != ErrOddsOutOfRange {
		t.Errorf("expected ErrOddsOutOfRange for low odds, got %v", err)
	}
	if err := limiter.CheckPosition(100, d("21"), 4000, 0); err != ErrOddsOutOfRange {
		t.Errorf("expected ErrOddsOutOfRange for high odds, got %v", err)
	}
	// Bounds are inclusive.
	if err := limiter.CheckPosition(100, d("20"), 4000, 0); err != nil {
		t.Errorf("expected no error at max odds, got %v", err)
	}
}

func TestCheckPosition_StakeExceedsPool(t *testing.T) {
	limiter := NewPositionLimiter(decimal.Zero, decimal.Zero, d("0.1"), decimal.Zero)

	// 10% of 4000 = 400.
	if err := limiter.CheckPosition(400, d("2"), 4000, 0); err != nil {
		t.Errorf("expected stake at the limit to pass, got %v", err)
	}
	if err := limiter.CheckPosition(401, d("2"), 4000, 0); err != ErrStakeExceedsPool {
		t.Errorf("expected ErrStakeExceedsPool, got %v", err)
	}
}

func TestCheckPosition_OpenExposureExceeded(t *testing.T) {
	limiter := NewPositionLimiter(decimal.Zero, decimal.Zero, decimal.Zero, d("0.5"))

	// 1900 already open + 200 = 2100 > 2000.
	if err := limiter.CheckPosition(200, d("2"), 4000, 1900); err != ErrOpenExposureExceeded {
		t.Errorf("expected ErrOpenExposureExceeded, got %v", err)
	}
	if err := limiter.CheckPosition(100, d("2"), 4000, 1900); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestCheckPosition_ZeroValueAllowsEverything(t *testing.T) {
	var limiter PositionLimiter
	if err := limiter.CheckPosition(1_000_000, d("1000"), 1, 1_000_000); err != nil {
		t.Errorf("expected no error, got %v", err)
	}

	var nilLimiter *PositionLimiter
	if err := nilLimiter.CheckPosition(1, d("2"), 1, 0); err != nil {
		t.Errorf("nil limiter should allow everything, got %v", err)
	}
}

func TestNewPositionLimiter_NegativeDisables(t *testing.T) {
	limiter := NewPositionLimiter(d("-1"), d("-1"), d("-0.5"), d("-0.5"))
	if err := limiter.CheckPosition(100, d("2"), 10, 0); err != nil {
		t.Errorf("negative limits should be disabled, got %v", err)
	}
}
