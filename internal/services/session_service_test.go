package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aristath/sentinel-ledger/internal/domain"
	"github.com/aristath/sentinel-ledger/internal/modules/portfolio"
	"github.com/aristath/sentinel-ledger/internal/modules/pricing"
	"github.com/aristath/sentinel-ledger/internal/modules/trading"
	testingpkg "github.com/aristath/sentinel-ledger/internal/testing"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSession = "test-session"

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func nopLogger() zerolog.Logger { return zerolog.New(nil).Level(zerolog.Disabled) }

func testConfig() SessionConfig {
	return SessionConfig{SessionID: testSession, InitialCash: d("100000")}
}

type sqliteSession struct {
	service *SessionService
	store   *portfolio.StateStore
	trades  *trading.TradeRepository
}

func newSQLiteSession(t *testing.T) sqliteSession {
	t.Helper()
	db, cleanup := testingpkg.NewMemoryDB(t, "ledger")
	t.Cleanup(cleanup)

	trades := trading.NewTradeRepository(db.Conn(), nopLogger())
	store := portfolio.NewStateStore(db.Conn(), trades, nopLogger())
	svc := NewSessionService(testConfig(), store, trades, nopLogger())
	require.NoError(t, svc.Hydrate(context.Background()))
	return sqliteSession{service: svc, store: store, trades: trades}
}

func fill(t *testing.T, symbol string, side domain.Side, qty, price, fees string) domain.Fill {
	t.Helper()
	f, err := domain.NewFill(symbol, side, d(qty), d(price), d(fees), time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	return f
}

func cycle(prices map[string]string) *pricing.Cycle {
	marks := make(map[string]decimal.Decimal, len(prices))
	for s, p := range prices {
		marks[s] = d(p)
	}
	return pricing.NewCycle(time.Now(), marks)
}

func TestSessionService_RoundTrip(t *testing.T) {
	s := newSQLiteSession(t)
	ctx := context.Background()

	// Execute
	buy, err := s.service.RecordFill(ctx, cycle(map[string]string{"BTC": "50000"}),
		fill(t, "BTC", domain.SideBuy, "0.1", "50000", "10"))
	require.NoError(t, err)

	sell, err := s.service.RecordFill(ctx, cycle(map[string]string{"BTC": "51000"}),
		fill(t, "BTC", domain.SideSell, "0.1", "51000", "10.2"))
	require.NoError(t, err)

	// Assert
	assert.True(t, buy.Cash.Equal(d("94990")), "cash after buy: %s", buy.Cash)
	assert.True(t, buy.Equity.Equal(d("99990")), "equity after buy: %s", buy.Equity)
	assert.NotEmpty(t, buy.TransactionID)

	assert.True(t, sell.Cash.Equal(d("100079.8")), "cash after sell: %s", sell.Cash)
	assert.True(t, sell.Equity.Equal(d("100079.8")))
	assert.True(t, sell.RealizedPnL.Equal(d("100")))
	assert.True(t, sell.LotRealizedPnL.Equal(d("79.8")), "lot realized: %s", sell.LotRealizedPnL)
	assert.Equal(t, 1, sell.LotsConsumed)
	assert.Equal(t, 0, sell.LotsRemaining)

	snap := s.service.Snapshot()
	assert.Empty(t, snap.Positions)
	assert.Equal(t, 2, snap.FillCount)

	latest, err := s.store.GetLatestCashEquity(ctx, testSession)
	require.NoError(t, err)
	assert.True(t, latest.Cash.Equal(d("100079.8")))
	assert.True(t, latest.RealizedPnL.Equal(d("100")))

	positions, err := s.store.GetPositions(ctx, testSession)
	require.NoError(t, err)
	assert.Empty(t, positions)

	book, err := s.store.GetLotBook(ctx, testSession, "BTC")
	require.NoError(t, err)
	assert.Empty(t, book)

	count, err := s.trades.Count(ctx, testSession)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	result, err := s.service.ValidateNAV(ctx, cycle(map[string]string{"BTC": "51000"}))
	require.NoError(t, err)
	assert.True(t, result.IsValid, result.ErrorMessage)
	assert.True(t, result.RebuiltEquity.Equal(d("100079.8")))
}

func TestSessionService_PartialFIFOPersistsLots(t *testing.T) {
	s := newSQLiteSession(t)
	ctx := context.Background()
	marks := cycle(map[string]string{"ETH": "120"})

	_, err := s.service.RecordFill(ctx, marks, fill(t, "ETH", domain.SideBuy, "1", "100", "1"))
	require.NoError(t, err)
	_, err = s.service.RecordFill(ctx, marks, fill(t, "ETH", domain.SideBuy, "1", "110", "1"))
	require.NoError(t, err)

	// Execute
	res, err := s.service.RecordFill(ctx, marks, fill(t, "ETH", domain.SideSell, "1.5", "120", "1.5"))

	// Assert
	require.NoError(t, err)
	assert.True(t, res.LotRealizedPnL.Equal(d("22")), "lot realized: %s", res.LotRealizedPnL)
	assert.Equal(t, 1, res.LotsConsumed)
	assert.Equal(t, 1, res.LotsRemaining)

	open := s.service.Lots("ETH")
	require.Len(t, open, 1)
	assert.True(t, open[0].Quantity.Equal(d("0.5")))
	assert.True(t, open[0].CostPrice.Equal(d("110")))

	records, err := s.store.GetLotBook(ctx, testSession, "ETH")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, open[0].ID, records[0].LotID)
	assert.Equal(t, "0.5", records[0].Quantity)
	assert.Equal(t, "1", records[0].OriginalQuantity)

	positions, err := s.store.GetPositions(ctx, testSession)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.True(t, positions[0].Quantity.Equal(d("0.5")))
}

func TestSessionService_RejectionsLeaveStateUnchanged(t *testing.T) {
	tests := []struct {
		name   string
		fill   func(t *testing.T) domain.Fill
		target error
	}{
		{
			name:   "buy beyond cash",
			fill:   func(t *testing.T) domain.Fill { return fill(t, "BTC", domain.SideBuy, "3", "50000", "0") },
			target: domain.ErrInsufficientCash,
		},
		{
			name:   "sell without position",
			fill:   func(t *testing.T) domain.Fill { return fill(t, "BTC", domain.SideSell, "1", "50000", "0") },
			target: domain.ErrInsufficientPosition,
		},
		{
			name: "malformed fill",
			fill: func(t *testing.T) domain.Fill {
				return domain.Fill{Symbol: "BTC", Side: domain.SideBuy, Quantity: d("-1"), Price: d("1")}
			},
			target: domain.ErrInvalidFill,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newSQLiteSession(t)
			ctx := context.Background()
			before := s.service.Snapshot()

			// Execute
			_, err := s.service.RecordFill(ctx, cycle(map[string]string{"BTC": "50000"}), tt.fill(t))

			// Assert
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.target)
			assert.Equal(t, before, s.service.Snapshot())

			count, err := s.trades.Count(ctx, testSession)
			require.NoError(t, err)
			assert.Zero(t, count)
		})
	}
}

func TestSessionService_HydrateRestoresState(t *testing.T) {
	db, cleanup := testingpkg.NewMemoryDB(t, "ledger")
	defer cleanup()
	ctx := context.Background()

	trades := trading.NewTradeRepository(db.Conn(), nopLogger())
	store := portfolio.NewStateStore(db.Conn(), trades, nopLogger())

	first := NewSessionService(testConfig(), store, trades, nopLogger())
	require.NoError(t, first.Hydrate(ctx))
	_, err := first.RecordFill(ctx, cycle(map[string]string{"SOL": "20"}), fill(t, "SOL", domain.SideBuy, "10", "20", "0.2"))
	require.NoError(t, err)
	_, err = first.RecordFill(ctx, cycle(map[string]string{"SOL": "25"}), fill(t, "SOL", domain.SideBuy, "10", "25", "0.25"))
	require.NoError(t, err)

	// Execute
	second := NewSessionService(testConfig(), store, trades, nopLogger())
	require.NoError(t, second.Hydrate(ctx))

	// Assert
	want, got := first.Snapshot(), second.Snapshot()
	assert.True(t, want.Cash.Equal(got.Cash), "cash: %s vs %s", want.Cash, got.Cash)
	assert.True(t, want.Equity.Equal(got.Equity), "equity: %s vs %s", want.Equity, got.Equity)
	assert.Equal(t, want.FillCount, got.FillCount)
	require.Len(t, got.Positions, 1)
	assert.True(t, got.Positions[0].Quantity.Equal(d("20")))
	assert.True(t, got.Positions[0].AvgCost.Equal(d("22.5")))
	assert.True(t, second.LastMarks()["SOL"].Equal(d("25")))
	require.Len(t, second.Lots("SOL"), 2)

	// the restored book keeps FIFO order: the 20 lot is consumed first
	res, err := second.RecordFill(ctx, nil, fill(t, "SOL", domain.SideSell, "10", "30", "0"))
	require.NoError(t, err)
	assert.True(t, res.LotRealizedPnL.Equal(d("99.8")), "lot realized: %s", res.LotRealizedPnL)

	nav, err := second.ValidateNAV(ctx, nil)
	require.NoError(t, err)
	assert.True(t, nav.IsValid, nav.ErrorMessage)
}

func TestSessionService_StoreFailureIsNotAdopted(t *testing.T) {
	store := testingpkg.NewMockStateStore()
	svc := NewSessionService(testConfig(), store, store, nopLogger())
	ctx := context.Background()
	require.NoError(t, svc.Hydrate(ctx))

	store.SetError(testingpkg.OpApplyBatch, errors.New("disk full"))
	before := svc.Snapshot()

	// Execute
	_, err := svc.RecordFill(ctx, cycle(map[string]string{"BTC": "100"}), fill(t, "BTC", domain.SideBuy, "1", "100", "0"))

	// Assert
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrStoreIO)
	assert.Equal(t, domain.ReasonStoreIO, domain.Reason(err))
	assert.Equal(t, before, svc.Snapshot())
	assert.Empty(t, svc.Lots("BTC"))

	store.SetError(testingpkg.OpApplyBatch, nil)
	_, err = svc.RecordFill(ctx, cycle(map[string]string{"BTC": "100"}), fill(t, "BTC", domain.SideBuy, "1", "100", "0"))
	require.NoError(t, err)
	assert.Len(t, svc.Lots("BTC"), 1)
}

func TestSessionService_ValidateNAVDetectsDrift(t *testing.T) {
	store := testingpkg.NewMockStateStore()
	ctx := context.Background()

	first := NewSessionService(testConfig(), store, store, nopLogger())
	require.NoError(t, first.Hydrate(ctx))
	_, err := first.RecordFill(ctx, cycle(map[string]string{"BTC": "100"}), fill(t, "BTC", domain.SideBuy, "1", "100", "1"))
	require.NoError(t, err)

	// cash appears that no fill explains
	ok, err := store.CreditCash(ctx, testSession, d("500"), decimal.Zero)
	require.NoError(t, err)
	require.True(t, ok)

	second := NewSessionService(testConfig(), store, store, nopLogger())
	require.NoError(t, second.Hydrate(ctx))

	// Execute
	result, err := second.ValidateNAV(ctx, cycle(map[string]string{"BTC": "100"}))

	// Assert
	require.NoError(t, err)
	assert.False(t, result.IsValid)
	assert.True(t, result.Difference.Equal(d("500")), "difference: %s", result.Difference)
}

func TestSessionService_ValidateNAVReplaysInAppliedOrder(t *testing.T) {
	s := newSQLiteSession(t)
	ctx := context.Background()
	noon := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	buy, err := domain.NewFill("BTC", domain.SideBuy, d("1"), d("100"), decimal.Zero, noon)
	require.NoError(t, err)
	// the sell carries an earlier timestamp than the buy it closes
	sell, err := domain.NewFill("BTC", domain.SideSell, d("1"), d("110"), decimal.Zero, noon.Add(-time.Hour))
	require.NoError(t, err)

	_, err = s.service.RecordFill(ctx, cycle(map[string]string{"BTC": "100"}), buy)
	require.NoError(t, err)
	_, err = s.service.RecordFill(ctx, cycle(map[string]string{"BTC": "110"}), sell)
	require.NoError(t, err)

	// Execute
	result, err := s.service.ValidateNAV(ctx, cycle(map[string]string{"BTC": "110"}))

	// Assert
	require.NoError(t, err)
	assert.True(t, result.IsValid, result.ErrorMessage)
	assert.True(t, result.RebuiltEquity.Equal(d("100010")), "rebuilt: %s", result.RebuiltEquity)

	restarted := NewSessionService(testConfig(), s.store, s.trades, nopLogger())
	require.NoError(t, restarted.Hydrate(ctx))
	snap := restarted.Snapshot()
	assert.True(t, snap.Cash.Equal(d("100010")), "cash: %s", snap.Cash)
	assert.Equal(t, 2, snap.FillCount)
	assert.Empty(t, snap.Positions)
}

func TestSessionService_ValidateNAVMissingMark(t *testing.T) {
	store := testingpkg.NewMockStateStore()
	svc := NewSessionService(testConfig(), store, store, nopLogger())
	ctx := context.Background()
	require.NoError(t, svc.Hydrate(ctx))
	_, err := svc.RecordFill(ctx, cycle(map[string]string{"BTC": "100"}), fill(t, "BTC", domain.SideBuy, "1", "100", "0"))
	require.NoError(t, err)

	// Execute
	result, err := svc.ValidateNAV(ctx, nil)

	// Assert: the last committed mark covers BTC
	require.NoError(t, err)
	assert.True(t, result.IsValid, result.ErrorMessage)

	store.SetError(testingpkg.OpGetAllOrdered, errors.New("boom"))
	_, err = svc.ValidateNAV(ctx, nil)
	require.Error(t, err)
}

func TestSessionService_ValidateNAVRemembersReplayPerCycle(t *testing.T) {
	store := testingpkg.NewMockStateStore()
	svc := NewSessionService(testConfig(), store, store, nopLogger())
	ctx := context.Background()
	require.NoError(t, svc.Hydrate(ctx))

	c := cycle(map[string]string{"BTC": "100"})
	_, err := svc.RecordFill(ctx, c, fill(t, "BTC", domain.SideBuy, "1", "100", "0"))
	require.NoError(t, err)

	// Execute
	first, err := svc.ValidateNAV(ctx, c)
	require.NoError(t, err)
	second, err := svc.ValidateNAV(ctx, c)
	require.NoError(t, err)

	// Assert
	assert.True(t, first.IsValid, first.ErrorMessage)
	assert.True(t, first.RebuiltEquity.Equal(second.RebuiltEquity))
	assert.Equal(t, 1, c.Cached())

	_, err = svc.RecordFill(ctx, c, fill(t, "BTC", domain.SideBuy, "1", "100", "0"))
	require.NoError(t, err)
	third, err := svc.ValidateNAV(ctx, c)
	require.NoError(t, err)
	assert.True(t, third.IsValid, third.ErrorMessage)
	assert.Equal(t, 2, c.Cached(), "a new fill replays again")
	assert.Equal(t, 0, cycle(nil).Cached(), "other cycles start empty")
}

func TestSessionService_IgnoresSnapshotFromAnotherCycle(t *testing.T) {
	store := testingpkg.NewMockStateStore()
	svc := NewSessionService(testConfig(), store, store, nopLogger())
	ctx := context.Background()
	require.NoError(t, svc.Hydrate(ctx))
	_, err := svc.RecordFill(ctx, cycle(map[string]string{"BTC": "100"}), fill(t, "BTC", domain.SideBuy, "1", "100", "0"))
	require.NoError(t, err)

	other := cycle(map[string]string{"BTC": "150"})
	mixed := cycle(nil)
	mixed.Pricing = other.Pricing

	// Execute
	stale, err := svc.ValidateNAV(ctx, mixed)
	require.NoError(t, err)
	fresh, err := svc.ValidateNAV(ctx, other)
	require.NoError(t, err)

	// Assert
	assert.True(t, stale.ComputedEquity.Equal(d("100000")), "computed: %s", stale.ComputedEquity)
	assert.True(t, fresh.ComputedEquity.Equal(d("100050")), "computed: %s", fresh.ComputedEquity)
	assert.True(t, stale.IsValid, stale.ErrorMessage)
	assert.True(t, fresh.IsValid, fresh.ErrorMessage)
}

func TestSessionService_LastMarks(t *testing.T) {
	store := testingpkg.NewMockStateStore()
	svc := NewSessionService(testConfig(), store, store, nopLogger())
	ctx := context.Background()
	require.NoError(t, svc.Hydrate(ctx))

	_, err := svc.RecordFill(ctx, cycle(map[string]string{"BTC": "101", "ETH": "50"}), fill(t, "BTC", domain.SideBuy, "1", "100", "0"))
	require.NoError(t, err)

	marks := svc.LastMarks()
	require.Len(t, marks, 1)
	assert.True(t, marks["BTC"].Equal(d("101")))

	marks["BTC"] = d("1")
	assert.True(t, svc.LastMarks()["BTC"].Equal(d("101")))
}

func TestSessionService_SerializesConcurrentFills(t *testing.T) {
	store := testingpkg.NewMockStateStore()
	svc := NewSessionService(testConfig(), store, store, nopLogger())
	ctx := context.Background()
	require.NoError(t, svc.Hydrate(ctx))

	const n = 10
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f, err := domain.NewFill("BTC", domain.SideBuy, d("0.01"), d("100"), decimal.Zero, time.Now())
			if err != nil {
				errs <- err
				return
			}
			_, err = svc.RecordFill(ctx, cycle(map[string]string{"BTC": "100"}), f)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	snap := svc.Snapshot()
	assert.Equal(t, n, snap.FillCount)
	assert.True(t, snap.Cash.Equal(d("99990")), "cash: %s", snap.Cash)
	assert.Len(t, svc.Lots("BTC"), n)
	assert.Len(t, store.Batches(), n)
}
