// Package fixedpoint carries prices, quantities and currency amounts as
// integers scaled by 10^6. Decimal conversion happens only at the edges
// (config, HTTP, persistence); the matching path never touches floats.
package fixedpoint

import (
	"errors"
	"fmt"
	"math"
	"math/bits"
	"strings"

	"github.com/shopspring/decimal"
)

// Decimals is the number of fractional digits represented by an Amount.
const Decimals = 6

// Scale is the integer value of 1.0.
const Scale Amount = 1_000_000

var (
	ErrOverflow  = errors.New("fixedpoint: value out of range")
	ErrPrecision = errors.New("fixedpoint: more than 6 decimal places")
)

var (
	maxDecimal = decimal.NewFromInt(math.MaxInt64)
	minDecimal = decimal.NewFromInt(math.MinInt64)
)

// Amount is a fixed-point number with scale 10^6.
type Amount int64

// FromUnits converts a whole number of units (1 share, 1 dollar) to an Amount.
func FromUnits(units int64) Amount { return Amount(units) * Scale }

// FromDecimal converts d exactly, rejecting values that would lose precision.
func FromDecimal(d decimal.Decimal) (Amount, error) {
	shifted := d.Shift(Decimals)
	if !shifted.Equal(shifted.Truncate(0)) {
		return 0, ErrPrecision
	}
	if shifted.GreaterThan(maxDecimal) || shifted.LessThan(minDecimal) {
		return 0, ErrOverflow
	}
	return Amount(shifted.IntPart()), nil
}

// Parse reads a decimal string such as "0.55" or "1200".
func Parse(s string) (Amount, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("fixedpoint: parse %q: %w", s, err)
	}
	return FromDecimal(d)
}

// MustParse is Parse for constants and tests.
func MustParse(s string) Amount {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// Decimal returns the exact decimal value of a.
func (a Amount) Decimal() decimal.Decimal { return decimal.New(int64(a), -Decimals) }

func (a Amount) String() string { return a.Decimal().String() }

// Int64 returns the raw scaled integer.
func (a Amount) Int64() int64 { return int64(a) }

// MarshalJSON encodes a as a quoted decimal string so clients never see the scale.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(`"` + a.String() + `"`), nil
}

// UnmarshalJSON accepts a quoted or bare decimal.
func (a *Amount) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*a = 0
		return nil
	}
	v, err := Parse(s)
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// MulDiv returns a*b/d truncated toward zero using a 128-bit intermediate.
// ok is false when d is zero or the quotient does not fit in int64.
func MulDiv(a, b, d int64) (q int64, ok bool) {
	if d == 0 {
		return 0, false
	}
	neg := (a < 0) != (b < 0)
	if d < 0 {
		neg = !neg
	}
	hi, lo := bits.Mul64(abs(a), abs(b))
	ud := abs(d)
	if hi >= ud {
		return 0, false
	}
	uq, _ := bits.Div64(hi, lo, ud)
	if neg {
		if uq > 1<<63 {
			return 0, false
		}
		return -int64(uq), true
	}
	if uq > math.MaxInt64 {
		return 0, false
	}
	return int64(uq), true
}

func abs(v int64) uint64 {
	if v < 0 {
		return uint64(-(v + 1)) + 1
	}
	return uint64(v)
}

// Mul multiplies two scaled values, saturating at the int64 bounds.
func Mul(a, b Amount) Amount {
	q, ok := MulDiv(int64(a), int64(b), int64(Scale))
	if !ok {
		if (a < 0) != (b < 0) {
			return math.MinInt64
		}
		return math.MaxInt64
	}
	return Amount(q)
}

// Notional is price × quantity in currency units.
func Notional(price, quantity Amount) Amount { return Mul(price, quantity) }

// ApplyRate returns amount × rate where rate is itself scaled (5000 = 0.5%).
func ApplyRate(amount, rate Amount) Amount { return Mul(amount, rate) }

// RoundToTick rounds half-up to the nearest multiple of tick.
func RoundToTick(price, tick Amount) Amount {
	if tick <= 0 {
		return price
	}
	r := price % tick
	if r*2 >= tick {
		return price - r + tick
	}
	return price - r
}

// FloorToTick rounds down to a multiple of tick.
func FloorToTick(price, tick Amount) Amount {
	if tick <= 0 {
		return price
	}
	return price - price%tick
}

// Min returns the smaller of a and b.
func Min(a, b Amount) Amount {
	if a < b {
		return a
	}
	return b
}
