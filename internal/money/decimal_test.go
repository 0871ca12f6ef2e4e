package money

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{"integer", "100", "100", false},
		{"fraction", "0.00000001", "0.00000001", false},
		{"padded", "  42.5 ", "42.5", false},
		{"negative", "-19599.0", "-19599", false},
		{"empty", "", "", true},
		{"garbage", "12abc", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, got.Equal(MustParse(tt.want)), "got %s", got)
		})
	}
}

func TestMustParse_Panics(t *testing.T) {
	assert.Panics(t, func() { MustParse("nope") })
}

func TestIsFlat(t *testing.T) {
	assert.True(t, IsFlat(decimal.Zero))
	assert.True(t, IsFlat(MustParse("0.000000009")))
	assert.True(t, IsFlat(MustParse("-0.000000009")))
	assert.False(t, IsFlat(MustParse("0.00000001")))
	assert.False(t, IsFlat(MustParse("-1")))
}

func TestWithin(t *testing.T) {
	tol := MustParse("0.000001")
	assert.True(t, Within(MustParse("1.0000005"), MustParse("1"), tol))
	assert.True(t, Within(MustParse("1.000001"), MustParse("1"), tol))
	assert.False(t, Within(MustParse("1.0000011"), MustParse("1"), tol))
}

func TestWeightedAverage(t *testing.T) {
	avg := WeightedAverage(MustParse("1"), MustParse("100"), MustParse("3"), MustParse("120"))
	assert.True(t, avg.Equal(MustParse("115")), "got %s", avg)

	assert.True(t, WeightedAverage(decimal.Zero, decimal.Zero, decimal.Zero, MustParse("5")).IsZero())
}

func TestDefaultEpsilon(t *testing.T) {
	assert.True(t, DefaultEpsilon(MustParse("100000")).Equal(MustParse("10")))
	assert.True(t, DefaultEpsilon(MustParse("500")).Equal(MustParse("1")))
	assert.True(t, DefaultEpsilon(decimal.Zero).Equal(MustParse("1")))
}

func TestDiv_IsDeterministic(t *testing.T) {
	a := Div(MustParse("1"), MustParse("3"))
	b := Div(MustParse("1"), MustParse("3"))
	assert.Equal(t, a.String(), b.String())
	assert.Equal(t, DivisionScale, -a.Exponent())
}

func TestNotionalAndSum(t *testing.T) {
	assert.True(t, Notional(MustParse("-0.1"), MustParse("50000")).Equal(MustParse("5000")))
	assert.True(t, Sum(MustParse("1.1"), MustParse("2.2"), MustParse("-0.3")).Equal(MustParse("3")))
}
