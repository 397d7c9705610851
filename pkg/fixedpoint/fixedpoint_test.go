package fixedpoint

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in   string
		want Amount
		err  error
	}{
		{"0.55", 550_000, nil},
		{"1", 1_000_000, nil},
		{" 12.000001 ", 12_000_001, nil},
		{"-0.0002", -200, nil},
		{"0.0000001", 0, ErrPrecision},
		{"99999999999999999999", 0, ErrOverflow},
	}
	for _, tt := range tests {
		got, err := Parse(tt.in)
		if tt.err != nil {
			assert.ErrorIs(t, err, tt.err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := Parse("abc")
	assert.Error(t, err)
}

func TestDecimalRoundTrip(t *testing.T) {
	a := Amount(1_234_567)
	assert.Equal(t, "1.234567", a.String())
	back, err := FromDecimal(a.Decimal())
	require.NoError(t, err)
	assert.Equal(t, a, back)
	assert.True(t, decimal.RequireFromString("1.234567").Equal(a.Decimal()))
}

func TestJSON(t *testing.T) {
	b, err := json.Marshal(struct {
		P Amount `json:"p"`
	}{P: 550_000})
	require.NoError(t, err)
	assert.JSONEq(t, `{"p":"0.55"}`, string(b))

	var v struct {
		P Amount `json:"p"`
		Q Amount `json:"q"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"p":"0.25","q":3}`), &v))
	assert.Equal(t, Amount(250_000), v.P)
	assert.Equal(t, FromUnits(3), v.Q)
}

func TestRoundToTick(t *testing.T) {
	tick := Amount(10_000)
	assert.Equal(t, Amount(500_000), RoundToTick(500_005, tick))
	assert.Equal(t, Amount(510_000), RoundToTick(505_000, tick))
	assert.Equal(t, Amount(500_000), RoundToTick(504_999, tick))
	assert.Equal(t, Amount(500_000), RoundToTick(500_000, tick))
	assert.Equal(t, Amount(500_000), FloorToTick(509_999, tick))
	assert.Equal(t, Amount(123), RoundToTick(123, 0))
}

func TestMulDiv(t *testing.T) {
	q, ok := MulDiv(math.MaxInt64, 1_000_000, 1_000_000)
	require.True(t, ok)
	assert.Equal(t, int64(math.MaxInt64), q)

	q, ok = MulDiv(-7, 3, 2)
	require.True(t, ok)
	assert.Equal(t, int64(-10), q)

	_, ok = MulDiv(math.MaxInt64, 3, 2)
	assert.False(t, ok)
	_, ok = MulDiv(1, 1, 0)
	assert.False(t, ok)
}

func TestNotionalAndFees(t *testing.T) {
	price := MustParse("0.60")
	size := FromUnits(100)
	notional := Notional(price, size)
	assert.Equal(t, FromUnits(60), notional)

	// 0.5% taker, -0.02% maker
	assert.Equal(t, MustParse("0.3"), ApplyRate(notional, 5000))
	assert.Equal(t, MustParse("-0.012"), ApplyRate(notional, -200))

	assert.Equal(t, Amount(math.MaxInt64), Mul(math.MaxInt64, FromUnits(2)))
	assert.Equal(t, Amount(math.MinInt64), Mul(math.MaxInt64, FromUnits(-2)))
}
