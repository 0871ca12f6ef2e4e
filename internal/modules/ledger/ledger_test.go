package ledger

import (
	"testing"

	"github.com/aristath/sentinel-ledger/internal/domain"
	"github.com/aristath/sentinel-ledger/internal/modules/pricing"
	"github.com/stretchr/testify/assert"
)

func TestNew(t *testing.T) {
	l := New(d("100000"))

	assert.True(t, l.Cash().Equal(d("100000")))
	assert.True(t, l.Equity().Equal(d("100000")))
	assert.True(t, l.RealizedPnL().IsZero())
	assert.Empty(t, l.Positions())
	assert.Equal(t, 0, l.FillCount())
}

func TestRestore_DropsFlatAndNormalizes(t *testing.T) {
	l := Restore(d("500"), d("1500"), d("12"), []domain.Position{
		{Symbol: " eth ", Quantity: d("1"), AvgCost: d("1000")},
		{Symbol: "BTC", Quantity: d("0.000000001"), AvgCost: d("50000")},
	}, nil)

	assert.Equal(t, []string{"ETH"}, l.Symbols())
	_, ok := l.Position("eth")
	assert.True(t, ok)
	assert.True(t, l.RealizedPnL().Equal(d("12")))
}

func TestEquityAt(t *testing.T) {
	l := Restore(d("1000"), d("4000"), d("0"), []domain.Position{
		{Symbol: "ETH", Quantity: d("1"), AvgCost: d("2000")},
		{Symbol: "SOL", Quantity: d("10"), AvgCost: d("100")},
	}, nil)

	// SOL has no mark and is valued at its average cost
	equity := l.EquityAt(pricing.Marks{"ETH": d("2500")})

	assert.True(t, equity.Equal(d("4500")), "equity %s", equity)
	assert.True(t, l.Equity().Equal(d("4000")), "EquityAt does not change the ledger")
	assert.True(t, l.EquityAt(nil).Equal(d("4000")))
}
