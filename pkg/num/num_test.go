package num

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestNormalizeRoundsHalfUp(t *testing.T) {
	assert.True(t, D("1.000000005").Round(Scale).Equal(D("1.00000001")))
	assert.True(t, Normalize(D("1.123456789")).Equal(D("1.12345679")))
	assert.True(t, Normalize(D("1.1")).Equal(D("1.1")))
}

func TestDivKeepsScale(t *testing.T) {
	// 1/3 at 8 fractional digits
	got := Div(decimal.NewFromInt(1), decimal.NewFromInt(3))
	assert.True(t, got.Equal(D("0.33333333")))
}

func TestMul(t *testing.T) {
	got := Mul(D("100.5"), D("0.0005"))
	assert.True(t, got.Equal(D("0.05025")))
}

func TestMinMax(t *testing.T) {
	a, b := D("1.5"), D("2.5")
	assert.True(t, Min(a, b).Equal(a))
	assert.True(t, Max(a, b).Equal(b))
	assert.True(t, Min(b, a).Equal(a))
}

func TestBps(t *testing.T) {
	assert.True(t, Bps(25).Equal(D("0.0025")))
	assert.True(t, Bps(5).Equal(D("0.0005")))
	assert.True(t, Bps(0).IsZero())
}
