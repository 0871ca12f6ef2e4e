package portfolio

import (
	"context"
	"testing"
	"time"

	"github.com/aristath/sentinel-ledger/internal/domain"
	"github.com/aristath/sentinel-ledger/internal/modules/trading"
	testingpkg "github.com/aristath/sentinel-ledger/internal/testing"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newStore(t *testing.T) (*StateStore, *trading.TradeRepository) {
	t.Helper()
	db, cleanup := testingpkg.NewMemoryDB(t, "ledger")
	t.Cleanup(cleanup)

	log := zerolog.New(nil).Level(zerolog.Disabled)
	trades := trading.NewTradeRepository(db.Conn(), log)
	return NewStateStore(db.Conn(), trades, log), trades
}

func TestStateStore_Positions(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()

	require.NoError(t, store.SavePosition(ctx, "s1", domain.Position{Symbol: "eth", Quantity: d("2"), AvgCost: d("3000"), MarkPrice: d("3100")}))
	require.NoError(t, store.SavePosition(ctx, "s1", domain.Position{Symbol: "BTC", Quantity: d("0.1"), AvgCost: d("50000")}))
	require.NoError(t, store.SavePosition(ctx, "s2", domain.Position{Symbol: "BTC", Quantity: d("1"), AvgCost: d("1")}))

	// Execute
	positions, err := store.GetPositions(ctx, "s1")

	// Assert
	require.NoError(t, err)
	require.Len(t, positions, 2)
	assert.Equal(t, "BTC", positions[0].Symbol)
	assert.Equal(t, "ETH", positions[1].Symbol)
	assert.True(t, positions[1].MarkPrice.Equal(d("3100")))
	assert.True(t, positions[0].MarkPrice.IsZero())
}

func TestStateStore_SavePositionUpsertsAndDeletesFlat(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()

	require.NoError(t, store.SavePosition(ctx, "s", domain.Position{Symbol: "BTC", Quantity: d("0.1"), AvgCost: d("50000")}))
	require.NoError(t, store.SavePosition(ctx, "s", domain.Position{Symbol: "BTC", Quantity: d("0.3"), AvgCost: d("51000")}))

	positions, err := store.GetPositions(ctx, "s")
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.True(t, positions[0].Quantity.Equal(d("0.3")))
	assert.True(t, positions[0].AvgCost.Equal(d("51000")))

	// Execute
	require.NoError(t, store.SavePosition(ctx, "s", domain.Position{Symbol: "BTC", Quantity: d("0.000000001")}))

	// Assert
	positions, err = store.GetPositions(ctx, "s")
	require.NoError(t, err)
	assert.Empty(t, positions)
}

func TestStateStore_LotBookRoundTrip(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()

	records := []domain.LotRecord{
		{LotID: "a", Quantity: "1", CostPrice: "100", Fee: "1", Timestamp: "2024-01-01T00:00:00Z"},
		{LotID: "b", Quantity: "0.5", CostPrice: "110", Fee: "0.5", Timestamp: "2024-01-02T00:00:00Z", OriginalQuantity: "2"},
	}

	empty, err := store.GetLotBook(ctx, "s", "BTC")
	require.NoError(t, err)
	assert.Empty(t, empty)

	// Execute
	require.NoError(t, store.SetLotBook(ctx, "s", "btc", records))

	// Assert
	got, err := store.GetLotBook(ctx, "s", "BTC")
	require.NoError(t, err)
	assert.Equal(t, records, got)

	require.NoError(t, store.SetLotBook(ctx, "s", "BTC", nil))
	got, err = store.GetLotBook(ctx, "s", "BTC")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestStateStore_CashEquityHistory(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()

	latest, err := store.GetLatestCashEquity(ctx, "s")
	require.NoError(t, err)
	assert.Nil(t, latest)

	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.SaveCashEquity(ctx, "s", domain.CashEquity{Cash: d("100000"), Equity: d("100000"), RecordedAt: ts}))
	require.NoError(t, store.SaveCashEquity(ctx, "s", domain.CashEquity{Cash: d("94990"), Equity: d("99990"), RealizedPnL: d("0"), RecordedAt: ts}))

	// Execute
	latest, err = store.GetLatestCashEquity(ctx, "s")

	// Assert
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.True(t, latest.Cash.Equal(d("94990")))
	assert.True(t, latest.Equity.Equal(d("99990")))
	assert.True(t, latest.RecordedAt.Equal(ts))
}

func TestStateStore_DebitAndCredit(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()
	require.NoError(t, store.SaveCashEquity(ctx, "s", domain.CashEquity{Cash: d("1000"), Equity: d("1000")}))

	t.Run("debit within balance", func(t *testing.T) {
		ok, err := store.DebitCash(ctx, "s", d("500"), d("5"))
		require.NoError(t, err)
		assert.True(t, ok)

		latest, err := store.GetLatestCashEquity(ctx, "s")
		require.NoError(t, err)
		assert.True(t, latest.Cash.Equal(d("495")))
		assert.True(t, latest.Equity.Equal(d("495")))
	})

	t.Run("debit beyond balance writes nothing", func(t *testing.T) {
		ok, err := store.DebitCash(ctx, "s", d("495"), d("0.01"))
		require.NoError(t, err)
		assert.False(t, ok)

		latest, err := store.GetLatestCashEquity(ctx, "s")
		require.NoError(t, err)
		assert.True(t, latest.Cash.Equal(d("495")))
	})

	t.Run("credit nets fees", func(t *testing.T) {
		ok, err := store.CreditCash(ctx, "s", d("100"), d("1"))
		require.NoError(t, err)
		assert.True(t, ok)

		latest, err := store.GetLatestCashEquity(ctx, "s")
		require.NoError(t, err)
		assert.True(t, latest.Cash.Equal(d("594")))
	})
}

func TestStateStore_ApplyBatch(t *testing.T) {
	store, trades := newStore(t)
	ctx := context.Background()

	require.NoError(t, store.SavePosition(ctx, "s", domain.Position{Symbol: "ETH", Quantity: d("1"), AvgCost: d("3000")}))

	fill, err := domain.NewFill("BTC", domain.SideBuy, d("0.1"), d("50000"), d("10"), time.Now())
	require.NoError(t, err)

	batch := domain.Batch{
		TransactionID: "tx-1",
		CashEquity:    domain.CashEquity{Cash: d("94990"), Equity: d("99990")},
		Positions:     []domain.Position{{Symbol: "BTC", Quantity: d("0.1"), AvgCost: d("50000"), MarkPrice: d("50000")}},
		ClosedSymbols: []string{"ETH"},
		LotBooks: map[string][]domain.LotRecord{
			"BTC": {{LotID: "l1", Quantity: "0.1", CostPrice: "50000", Fee: "10", Timestamp: "2024-01-01T00:00:00Z"}},
		},
		Fills: []domain.Fill{fill},
	}

	// Execute
	err = store.ApplyBatch(ctx, "s", batch)

	// Assert
	require.NoError(t, err)

	positions, err := store.GetPositions(ctx, "s")
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, "BTC", positions[0].Symbol)

	latest, err := store.GetLatestCashEquity(ctx, "s")
	require.NoError(t, err)
	assert.True(t, latest.Cash.Equal(d("94990")))

	book, err := store.GetLotBook(ctx, "s", "BTC")
	require.NoError(t, err)
	require.Len(t, book, 1)
	assert.Equal(t, "l1", book[0].LotID)

	history, err := trades.GetHistory(ctx, "s", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "tx-1", history[0].TransactionID)
}

func TestStateStore_ApplyBatchIsAtomic(t *testing.T) {
	store, trades := newStore(t)
	ctx := context.Background()
	require.NoError(t, store.SaveCashEquity(ctx, "s", domain.CashEquity{Cash: d("1000"), Equity: d("1000")}))

	batch := domain.Batch{
		TransactionID: "tx-bad",
		CashEquity:    domain.CashEquity{Cash: d("1"), Equity: d("1")},
		Positions:     []domain.Position{{Symbol: "BTC", Quantity: d("1"), AvgCost: d("999")}},
		// A fill without a symbol fails validation inside the SQL transaction
		Fills: []domain.Fill{{Side: domain.SideBuy, Quantity: d("1"), Price: d("1")}},
	}

	// Execute
	err := store.ApplyBatch(ctx, "s", batch)

	// Assert
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrStoreIO)
	assert.ErrorIs(t, err, domain.ErrInvalidFill)

	latest, err := store.GetLatestCashEquity(ctx, "s")
	require.NoError(t, err)
	assert.True(t, latest.Cash.Equal(d("1000")))

	positions, err := store.GetPositions(ctx, "s")
	require.NoError(t, err)
	assert.Empty(t, positions)

	count, err := trades.Count(ctx, "s")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestStateStore_OnDiskDatabase(t *testing.T) {
	db, cleanup := testingpkg.NewTestDB(t, "ledger")
	defer cleanup()

	log := zerolog.New(nil).Level(zerolog.Disabled)
	store := NewStateStore(db.Conn(), trading.NewTradeRepository(db.Conn(), log), log)
	ctx := context.Background()

	require.NoError(t, store.SaveCashEquity(ctx, "s", domain.CashEquity{Cash: d("10"), Equity: d("10")}))
	ok, err := store.DebitCash(ctx, "s", d("4"), d("1"))
	require.NoError(t, err)
	assert.True(t, ok)

	latest, err := store.GetLatestCashEquity(ctx, "s")
	require.NoError(t, err)
	assert.True(t, latest.Cash.Equal(d("5")))
}
