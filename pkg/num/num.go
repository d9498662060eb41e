// Package num pins down the fixed-point arithmetic used for every price,
// quantity and monetary amount in the system. All stored decimals are
// normalized to Scale digits so that comparisons and idempotency checks
// never depend on incidental precision.
package num

import "github.com/shopspring/decimal"

// Scale is the canonical number of fractional digits for prices,
// quantities and ledger amounts.
const Scale = 8

// Zero is the canonical zero value.
var Zero = decimal.Zero

// Normalize rounds d to the canonical scale (half-up).
func Normalize(d decimal.Decimal) decimal.Decimal {
	return d.Round(Scale)
}

// Div divides a by b at the canonical scale (half-up).
func Div(a, b decimal.Decimal) decimal.Decimal {
	return a.DivRound(b, Scale)
}

// Mul multiplies a by b and normalizes the result.
func Mul(a, b decimal.Decimal) decimal.Decimal {
	return Normalize(a.Mul(b))
}

// Min returns the smaller of a and b.
func Min(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}

// Max returns the larger of a and b.
func Max(a, b decimal.Decimal) decimal.Decimal {
	if a.GreaterThan(b) {
		return a
	}
	return b
}

// Bps converts a basis-point rate into a decimal multiplier.
// Example: Bps(25) = 0.0025.
func Bps(bps int64) decimal.Decimal {
	return decimal.New(bps, -4)
}

// D parses a decimal literal and panics on malformed input.
// Intended for constants and tests only.
func D(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}
