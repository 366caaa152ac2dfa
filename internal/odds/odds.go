// Package odds parses the price formats administrators submit when opening a
// position and normalises them to decimal odds.
//
// Supported formats:
//
//	decimal     2.5      payout per unit staked, including the stake
//	american    +150     profit on a 100 stake
//	american    -110     stake required to profit 100
//	fractional  3/2      profit / stake
package odds

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

// Format names the notation a price was written in.
type Format string

const (
	FormatDecimal    Format = "decimal"
	FormatAmerican   Format = "american"
	FormatFractional Format = "fractional"
)

// Scale is the number of fractional digits kept when a conversion does not
// terminate (e.g. -110 → 1.90909090...).
const Scale int32 = 8

var (
	decimalRegex    = regexp.MustCompile(`^\d+(\.\d+)?$`)
	americanRegex   = regexp.MustCompile(`^([+-])(\d+)$`)
	fractionalRegex = regexp.MustCompile(`^(\d+)/(\d+)$`)
)

var (
	ErrInvalidOdds = errors.New("odds: invalid odds")
	ErrOddsTooLow  = errors.New("odds: decimal odds must be greater than 1")
)

var (
	one     = decimal.NewFromInt(1)
	hundred = decimal.NewFromInt(100)
)

// Price is a parsed price together with its decimal equivalent.
type Price struct {
	Input   string          `json:"input"`
	Format  Format          `json:"format"`
	Decimal decimal.Decimal `json:"decimal"`
}

// Parse detects the notation of s and converts it to decimal odds.
// The result is always strictly greater than 1.
func Parse(s string) (*Price, error) {
	raw := strings.TrimSpace(s)
	if raw == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidOdds)
	}

	var (
		dec    decimal.Decimal
		format Format
		err    error
	)
	switch {
	case americanRegex.MatchString(raw):
		format = FormatAmerican
		dec, err = fromAmerican(raw)
	case fractionalRegex.MatchString(raw):
		format = FormatFractional
		dec, err = fromFractional(raw)
	case decimalRegex.MatchString(raw):
		format = FormatDecimal
		dec, err = decimal.NewFromString(raw)
		if err != nil {
			err = fmt.Errorf("%w: %s", ErrInvalidOdds, raw)
		}
	default:
		return nil, fmt.Errorf("%w: %s (expected 2.5, +150, -110 or 3/2)", ErrInvalidOdds, raw)
	}
	if err != nil {
		return nil, err
	}

	if err := Validate(dec); err != nil {
		return nil, fmt.Errorf("%s: %w", raw, err)
	}

	return &Price{Input: raw, Format: format, Decimal: dec}, nil
}

// Validate checks that already-decimal odds are usable for a position.
func Validate(o decimal.Decimal) error {
	if o.LessThanOrEqual(one) {
		return fmt.Errorf("%w: %s", ErrOddsTooLow, o.String())
	}
	return nil
}

// fromAmerican converts moneyline odds. Magnitudes below 100 do not exist
// in this notation.
func fromAmerican(raw string) (decimal.Decimal, error) {
	m := americanRegex.FindStringSubmatch(raw)
	n, err := decimal.NewFromString(m[2])
	if err != nil || n.LessThan(hundred) {
		return decimal.Zero, fmt.Errorf("%w: american odds must be at least 100 in magnitude, got %s", ErrInvalidOdds, raw)
	}
	if m[1] == "+" {
		return n.DivRound(hundred, Scale).Add(one), nil
	}
	return hundred.DivRound(n, Scale).Add(one), nil
}

func fromFractional(raw string) (decimal.Decimal, error) {
	m := fractionalRegex.FindStringSubmatch(raw)
	num, err1 := decimal.NewFromString(m[1])
	den, err2 := decimal.NewFromString(m[2])
	if err1 != nil || err2 != nil || den.IsZero() {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrInvalidOdds, raw)
	}
	return num.DivRound(den, Scale).Add(one), nil
}
