package reconcile

import (
	"context"
	"strings"
	"testing"

	"crypto-grid-bot-go/internal/exchange"
	"crypto-grid-bot-go/internal/ledger"
	"crypto-grid-bot-go/internal/models"
	"crypto-grid-bot-go/internal/persistence"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testUserRef = int64(42)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func ownsRef(ref string) bool {
	return strings.HasPrefix(ref, "g42-")
}

func newFixture(t *testing.T, tolerance decimal.Decimal) (*Reconciler, *ledger.Ledger, *exchange.SimExchange) {
	t.Helper()
	repo, err := persistence.NewInMemoryRepository()
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	log := zap.NewNop().Sugar()
	ldg, err := ledger.New(testUserRef, "BTC", "USDT", repo, log)
	require.NoError(t, err)

	sim := exchange.NewSimExchange()
	t.Cleanup(func() { sim.Close() })
	rec := New("BTCUSDT", sim, ldg, ownsRef, tolerance, log)
	return rec, ldg, sim
}

func localOpenOrder(t *testing.T, ldg *ledger.Ledger, id string, side models.Side, price string) {
	t.Helper()
	require.NoError(t, ldg.TrackPending(&models.Order{
		ID:        id,
		ClientRef: "g42-" + id,
		Symbol:    "BTCUSDT",
		Side:      side,
		Price:     dec(price),
		Volume:    dec("1"),
		Status:    models.OrderOpen,
		UserRef:   testUserRef,
	}))
}

func TestEmptyStateIsFixedPoint(t *testing.T) {
	rec, _, _ := newFixture(t, decimal.Zero)

	res, err := rec.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Resolved)
	assert.Zero(t, res.Adopted)
}

func TestOrderStillOpenRemotelyIsUntouched(t *testing.T) {
	rec, ldg, sim := newFixture(t, decimal.Zero)
	localOpenOrder(t, ldg, "1", models.Buy, "100")
	sim.InjectOpenOrder(models.Order{
		ID: "1", ClientRef: "g42-1", Side: models.Buy,
		Price: dec("100"), Volume: dec("1"), Status: models.OrderOpen,
	})

	res, err := rec.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Resolved)
	assert.Zero(t, res.Adopted)
	assert.Equal(t, models.OrderOpen, ldg.Order("1").Status)
}

func TestFillWhileAwayIsAdoptedFromHistory(t *testing.T) {
	rec, ldg, sim := newFixture(t, decimal.Zero)
	localOpenOrder(t, ldg, "1", models.Buy, "100")
	// The exchange resolved the order while we were not listening.
	sim.InjectOpenOrder(models.Order{
		ID: "1", ClientRef: "g42-1", Side: models.Buy,
		Price: dec("100"), Volume: dec("1"), FilledVolume: dec("1"),
		Status: models.OrderFilled,
	})

	res, err := rec.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Resolved)
	require.Len(t, res.FilledWhileAway, 1)
	assert.Equal(t, "1", res.FilledWhileAway[0].ID)
	assert.Equal(t, models.OrderFilled, ldg.Order("1").Status)

	// Idempotence: the settled order is not resting, so a second pass
	// produces zero further actions.
	res2, err := rec.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res2.Resolved)
	assert.Empty(t, res2.FilledWhileAway)
}

func TestRemoteCancellationMovesPartialFillToSurplus(t *testing.T) {
	rec, ldg, sim := newFixture(t, decimal.Zero)
	localOpenOrder(t, ldg, "1", models.Buy, "100")
	sim.InjectOpenOrder(models.Order{
		ID: "1", ClientRef: "g42-1", Side: models.Buy,
		Price: dec("100"), Volume: dec("1"), FilledVolume: dec("0.4"),
		Status: models.OrderCancelled,
	})

	res, err := rec.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Resolved)
	assert.Nil(t, ldg.Order("1"), "cancelled order leaves the book")
	assert.True(t, ldg.Surplus().Volume.Equal(dec("0.4")))
}

func TestUnknownLocalOrderIsDropped(t *testing.T) {
	rec, ldg, _ := newFixture(t, decimal.Zero)
	localOpenOrder(t, ldg, "1", models.Buy, "100")

	res, err := rec.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Resolved)
	assert.Nil(t, ldg.Order("1"))
}

func TestRemoteOrderWithOwnRefIsAdopted(t *testing.T) {
	rec, ldg, sim := newFixture(t, decimal.Zero)
	sim.InjectOpenOrder(models.Order{
		ID: "9", ClientRef: "g42-lost", Side: models.Sell,
		Price: dec("105"), Volume: dec("1"), Status: models.OrderOpen,
	})
	sim.InjectOpenOrder(models.Order{
		ID: "10", ClientRef: "someone-else", Side: models.Buy,
		Price: dec("95"), Volume: dec("1"), Status: models.OrderOpen,
	})

	res, err := rec.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Adopted)
	require.NotNil(t, ldg.Order("9"))
	assert.Nil(t, ldg.Order("10"), "foreign orders are left alone")

	res2, err := rec.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res2.Adopted, "adoption is idempotent")
}

func TestPendingOrderConfirmedByClientRef(t *testing.T) {
	rec, ldg, sim := newFixture(t, decimal.Zero)
	// Crash in the acknowledgement gap: no exchange id locally.
	require.NoError(t, ldg.TrackPending(&models.Order{
		ClientRef: "g42-pending", Symbol: "BTCUSDT", Side: models.Buy,
		Price: dec("99"), Volume: dec("1"), UserRef: testUserRef,
	}))
	sim.InjectOpenOrder(models.Order{
		ID: "77", ClientRef: "g42-pending", Side: models.Buy,
		Price: dec("99"), Volume: dec("1"), Status: models.OrderOpen,
	})

	res, err := rec.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Resolved)
	got := ldg.Order("77")
	require.NotNil(t, got)
	assert.Equal(t, models.OrderOpen, got.Status)
}

func TestUnacknowledgedPendingOrderIsDropped(t *testing.T) {
	rec, ldg, _ := newFixture(t, decimal.Zero)
	require.NoError(t, ldg.TrackPending(&models.Order{
		ClientRef: "g42-ghost", Symbol: "BTCUSDT", Side: models.Buy,
		Price: dec("99"), Volume: dec("1"), UserRef: testUserRef,
	}))

	res, err := rec.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Resolved)
	assert.Empty(t, ldg.OpenOrders())
}

func TestMissedPartialFillIsCaughtUp(t *testing.T) {
	rec, ldg, sim := newFixture(t, decimal.Zero)
	localOpenOrder(t, ldg, "1", models.Buy, "100")
	sim.InjectOpenOrder(models.Order{
		ID: "1", ClientRef: "g42-1", Side: models.Buy,
		Price: dec("100"), Volume: dec("1"), FilledVolume: dec("0.25"),
		Status: models.OrderPartiallyFilled,
	})

	res, err := rec.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Resolved)
	assert.True(t, ldg.Order("1").FilledVolume.Equal(dec("0.25")))

	res2, err := rec.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res2.Resolved)
}

func TestBalanceDriftWithinToleranceIsLogged(t *testing.T) {
	rec, ldg, sim := newFixture(t, dec("200"))
	ldg.SetBalanceTotals([]models.Balance{{Asset: "USDT", Total: dec("1000")}})
	sim.SetBalance("USDT", dec("900"))

	res, err := rec.Run(context.Background())
	require.NoError(t, err)
	require.Contains(t, res.Drift, "USDT")
	assert.True(t, res.Drift["USDT"].Equal(dec("-100")))
	assert.True(t, ldg.Balance("USDT").Total.Equal(dec("900")), "remote is ground truth")
}

func TestBalanceDriftBeyondToleranceHalts(t *testing.T) {
	rec, ldg, sim := newFixture(t, dec("50"))
	ldg.SetBalanceTotals([]models.Balance{{Asset: "USDT", Total: dec("1000")}})
	sim.SetBalance("USDT", dec("900"))

	_, err := rec.Run(context.Background())
	require.ErrorIs(t, err, ErrDriftExceeded)
}
