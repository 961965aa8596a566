package ledger

import (
	"testing"
	"time"

	"crypto-grid-bot-go/internal/models"
	"crypto-grid-bot-go/internal/persistence"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testUserRef = int64(42)

func newTestLedger(t *testing.T) (*Ledger, persistence.Repository) {
	t.Helper()
	repo, err := persistence.NewInMemoryRepository()
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	l, err := New(testUserRef, "BTC", "USDT", repo, zap.NewNop().Sugar())
	require.NoError(t, err)
	return l, repo
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func testOrder(id string, side models.Side, price, volume string) *models.Order {
	return &models.Order{
		ID:        id,
		ClientRef: "ref-" + id,
		Symbol:    "BTCUSDT",
		Side:      side,
		Price:     dec(price),
		Volume:    dec(volume),
		Status:    models.OrderOpen,
		UserRef:   testUserRef,
		CreatedAt: time.Now(),
	}
}

func TestPendingConfirmLifecycle(t *testing.T) {
	l, _ := newTestLedger(t)

	o := &models.Order{
		ClientRef: "ref-1",
		Symbol:    "BTCUSDT",
		Side:      models.Buy,
		Price:     dec("100"),
		Volume:    dec("1"),
		UserRef:   testUserRef,
	}
	require.NoError(t, l.TrackPending(o))
	assert.Equal(t, models.OrderPending, l.Order("ref-1").Status)

	require.NoError(t, l.Confirm("ref-1", "ex-1"))
	assert.Nil(t, l.Order("ref-1"))
	got := l.Order("ex-1")
	require.NotNil(t, got)
	assert.Equal(t, models.OrderOpen, got.Status)
}

func TestDuplicatePriceLevelIsInvariantViolation(t *testing.T) {
	l, _ := newTestLedger(t)

	require.NoError(t, l.TrackPending(testOrder("1", models.Buy, "100", "1")))
	err := l.TrackPending(testOrder("2", models.Buy, "100", "2"))
	require.ErrorIs(t, err, ErrInvariant)

	// Same price on the other side is fine.
	require.NoError(t, l.TrackPending(testOrder("3", models.Sell, "100", "1")))
}

func TestSellsMayShareAPriceLevel(t *testing.T) {
	l, _ := newTestLedger(t)

	// A refilled buy level pairs its sell at the same computed price as the
	// earlier sell still resting; both must be trackable.
	require.NoError(t, l.TrackPending(testOrder("1", models.Sell, "99.96", "1")))
	require.NoError(t, l.TrackPending(testOrder("2", models.Sell, "99.96", "1")))
	assert.Equal(t, 2, l.CountOpen(models.Sell))
}

func TestApplyFillIsIdempotent(t *testing.T) {
	l, _ := newTestLedger(t)
	require.NoError(t, l.TrackPending(testOrder("1", models.Buy, "100", "2")))

	changed, err := l.ApplyFill("1", dec("1"), models.OrderPartiallyFilled)
	require.NoError(t, err)
	assert.True(t, changed)

	// Re-applying the identical update changes nothing.
	changed, err = l.ApplyFill("1", dec("1"), models.OrderPartiallyFilled)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.True(t, l.Order("1").FilledVolume.Equal(dec("1")))

	// A stale lower cumulative volume is also a no-op.
	changed, err = l.ApplyFill("1", dec("0.5"), models.OrderPartiallyFilled)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestApplyFillRejectsOverfill(t *testing.T) {
	l, _ := newTestLedger(t)
	require.NoError(t, l.TrackPending(testOrder("1", models.Buy, "100", "1")))

	_, err := l.ApplyFill("1", dec("1.5"), models.OrderFilled)
	require.ErrorIs(t, err, ErrInvariant)
}

func TestApplyFillUnknownOrder(t *testing.T) {
	l, _ := newTestLedger(t)
	_, err := l.ApplyFill("nope", dec("1"), models.OrderFilled)
	require.ErrorIs(t, err, ErrUnknownOrder)
}

func TestCancelPartiallyFilledBuyAccumulatesSurplus(t *testing.T) {
	l, _ := newTestLedger(t)
	require.NoError(t, l.TrackPending(testOrder("1", models.Buy, "100", "2")))

	_, err := l.ApplyFill("1", dec("0.5"), models.OrderPartiallyFilled)
	require.NoError(t, err)
	require.NoError(t, l.MarkCancelled("1"))

	s := l.Surplus()
	assert.True(t, s.Volume.Equal(dec("0.5")), "volume %s", s.Volume)
	assert.True(t, s.Cost.Equal(dec("50")), "cost %s", s.Cost)
	assert.True(t, s.MaxPrice.Equal(dec("100")))
}

func TestSurplusNeverGoesNegative(t *testing.T) {
	l, _ := newTestLedger(t)
	require.NoError(t, l.AccumulateSurplus(dec("1"), dec("100")))

	err := l.ConsumeSurplus(dec("1.5"))
	require.ErrorIs(t, err, ErrInvariant)
	assert.True(t, l.Surplus().Volume.Equal(dec("1")))

	require.NoError(t, l.ConsumeSurplus(dec("1")))
	s := l.Surplus()
	assert.True(t, s.Volume.IsZero())
	assert.True(t, s.Cost.IsZero())
	assert.True(t, s.MaxPrice.IsZero())
}

func TestSurplusMaxPriceTracksHighestContribution(t *testing.T) {
	l, _ := newTestLedger(t)
	require.NoError(t, l.AccumulateSurplus(dec("1"), dec("100")))
	require.NoError(t, l.AccumulateSurplus(dec("1"), dec("90")))
	assert.True(t, l.Surplus().MaxPrice.Equal(dec("100")))
}

func TestOpenOrdersSortedTowardMarket(t *testing.T) {
	l, _ := newTestLedger(t)
	require.NoError(t, l.TrackPending(testOrder("1", models.Buy, "98", "1")))
	require.NoError(t, l.TrackPending(testOrder("2", models.Buy, "100", "1")))
	require.NoError(t, l.TrackPending(testOrder("3", models.Sell, "104", "1")))
	require.NoError(t, l.TrackPending(testOrder("4", models.Sell, "102", "1")))

	buys := l.OpenOrdersBySide(models.Buy)
	require.Len(t, buys, 2)
	assert.True(t, buys[0].Price.Equal(dec("100")))

	sells := l.OpenOrdersBySide(models.Sell)
	require.Len(t, sells, 2)
	assert.True(t, sells[0].Price.Equal(dec("102")))
}

func TestBalancesReserveOpenOrderVolume(t *testing.T) {
	l, _ := newTestLedger(t)
	require.NoError(t, l.TrackPending(testOrder("1", models.Buy, "100", "2")))
	require.NoError(t, l.TrackPending(testOrder("2", models.Sell, "110", "1")))

	l.SetBalanceTotals([]models.Balance{
		{Asset: "USDT", Total: dec("1000")},
		{Asset: "BTC", Total: dec("3")},
	})

	quote := l.Balance("USDT")
	assert.True(t, quote.Available.Equal(dec("800")), "available %s", quote.Available)
	base := l.Balance("BTC")
	assert.True(t, base.Available.Equal(dec("2")))

	// Filling part of the buy releases the executed reservation.
	_, err := l.ApplyFill("1", dec("1"), models.OrderPartiallyFilled)
	require.NoError(t, err)
	assert.True(t, l.Balance("USDT").Available.Equal(dec("900")))
}

func TestLedgerSurvivesRestart(t *testing.T) {
	repo, err := persistence.NewInMemoryRepository()
	require.NoError(t, err)
	defer repo.Close()
	log := zap.NewNop().Sugar()

	l, err := New(testUserRef, "BTC", "USDT", repo, log)
	require.NoError(t, err)
	require.NoError(t, l.TrackPending(testOrder("1", models.Buy, "100", "2")))
	require.NoError(t, l.AccumulateSurplus(dec("0.3"), dec("95")))
	require.NoError(t, l.AddUnsoldLot(&models.UnsoldLot{BuyOrderID: "9", BuyPrice: dec("90"), Volume: dec("1")}))

	restored, err := New(testUserRef, "BTC", "USDT", repo, log)
	require.NoError(t, err)
	require.NotNil(t, restored.Order("1"))
	assert.True(t, restored.Surplus().Volume.Equal(dec("0.3")))
	require.Len(t, restored.UnsoldLots(), 1)
}

func TestUserRefIsolation(t *testing.T) {
	repo, err := persistence.NewInMemoryRepository()
	require.NoError(t, err)
	defer repo.Close()
	log := zap.NewNop().Sugar()

	a, err := New(1, "BTC", "USDT", repo, log)
	require.NoError(t, err)
	require.NoError(t, a.TrackPending(testOrder("1", models.Buy, "100", "1")))

	b, err := New(2, "ETH", "USDT", repo, log)
	require.NoError(t, err)
	assert.Empty(t, b.OpenOrders())
}

func TestOpenOrderValue(t *testing.T) {
	l, _ := newTestLedger(t)
	require.NoError(t, l.TrackPending(testOrder("1", models.Buy, "100", "2")))
	require.NoError(t, l.TrackPending(testOrder("2", models.Sell, "50", "1")))
	assert.True(t, l.OpenOrderValue().Equal(dec("250")))
}
