package persistence

import (
	"testing"

	"crypto-grid-bot-go/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRepo(t *testing.T) Repository {
	t.Helper()
	repo, err := NewInMemoryRepository()
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestOrderRoundTripAndDelete(t *testing.T) {
	repo := newRepo(t)

	order := &models.Order{
		ID: "1", ClientRef: "g1-a", Symbol: "BTCUSDT", Side: models.Buy,
		Price: dec("100.5"), Volume: dec("1.25"), Status: models.OrderOpen, UserRef: 1,
	}
	require.NoError(t, repo.SaveOrder(1, order))

	orders, err := repo.LoadOrders(1)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.True(t, orders[0].Price.Equal(dec("100.5")))
	assert.Equal(t, models.OrderOpen, orders[0].Status)

	require.NoError(t, repo.DeleteOrder(1, "1"))
	orders, err = repo.LoadOrders(1)
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestPendingOrderIsKeyedByClientRef(t *testing.T) {
	repo := newRepo(t)

	pending := &models.Order{
		ClientRef: "g1-pending", Symbol: "BTCUSDT", Side: models.Buy,
		Price: dec("99"), Volume: dec("1"), Status: models.OrderPending, UserRef: 1,
	}
	require.NoError(t, repo.SaveOrder(1, pending))

	orders, err := repo.LoadOrders(1)
	require.NoError(t, err)
	require.Len(t, orders, 1)

	// Deleting by the client reference removes the pending row.
	require.NoError(t, repo.DeleteOrder(1, "g1-pending"))
	orders, err = repo.LoadOrders(1)
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestUserRefIsolation(t *testing.T) {
	repo := newRepo(t)

	require.NoError(t, repo.SaveOrder(1, &models.Order{ID: "1", Price: dec("1"), Volume: dec("1")}))
	require.NoError(t, repo.SaveOrder(2, &models.Order{ID: "2", Price: dec("2"), Volume: dec("1")}))

	one, err := repo.LoadOrders(1)
	require.NoError(t, err)
	require.Len(t, one, 1)
	assert.Equal(t, "1", one[0].ID)
}

func TestBotStateRoundTrip(t *testing.T) {
	repo := newRepo(t)

	state, err := repo.LoadBotState(1)
	require.NoError(t, err)
	assert.Empty(t, state, "no state yet")

	require.NoError(t, repo.SaveBotState(1, "ERROR"))
	state, err = repo.LoadBotState(1)
	require.NoError(t, err)
	assert.Equal(t, "ERROR", state)
}

func TestSurplusRoundTrip(t *testing.T) {
	repo := newRepo(t)

	s, err := repo.LoadSurplus(1)
	require.NoError(t, err)
	assert.Nil(t, s)

	require.NoError(t, repo.SaveSurplus(1, &models.Surplus{
		Asset: "BTC", Volume: dec("0.5"), Cost: dec("50"), MaxPrice: dec("100"),
	}))
	s, err = repo.LoadSurplus(1)
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.True(t, s.Volume.Equal(dec("0.5")))
}

func TestTrailingStopsRoundTrip(t *testing.T) {
	repo := newRepo(t)

	require.NoError(t, repo.SaveTrailingStop(1, &models.TrailingStop{
		BuyOrderID: "b1", BuyPrice: dec("100"), Volume: dec("1"),
		Phase: models.TSPTrailing, StopPrice: dec("102"), LastThreshold: dec("103"),
	}))
	require.NoError(t, repo.SaveTrailingStop(1, &models.TrailingStop{
		BuyOrderID: "b2", BuyPrice: dec("98"), Volume: dec("1"), Phase: models.TSPArmed,
	}))

	states, err := repo.LoadTrailingStops(1)
	require.NoError(t, err)
	assert.Len(t, states, 2)

	require.NoError(t, repo.DeleteTrailingStop(1, "b1"))
	states, err = repo.LoadTrailingStops(1)
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, "b2", states[0].BuyOrderID)
}

func TestGridSettingsRoundTrip(t *testing.T) {
	repo := newRepo(t)

	s, err := repo.LoadGridSettings(1)
	require.NoError(t, err)
	assert.Nil(t, s, "first run has no settings")

	require.NoError(t, repo.SaveGridSettings(1, &GridSettings{
		GridAmount: dec("100"), IntervalPct: dec("0.02"), TSPPct: dec("0.01"),
	}))
	s, err = repo.LoadGridSettings(1)
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.True(t, s.GridAmount.Equal(dec("100")))
}

func TestUnsoldLotsRoundTrip(t *testing.T) {
	repo := newRepo(t)

	require.NoError(t, repo.SaveUnsoldLot(1, &models.UnsoldLot{
		BuyOrderID: "b1", BuyPrice: dec("95"), Volume: dec("1"),
	}))
	lots, err := repo.LoadUnsoldLots(1)
	require.NoError(t, err)
	require.Len(t, lots, 1)

	require.NoError(t, repo.DeleteUnsoldLot(1, "b1"))
	lots, err = repo.LoadUnsoldLots(1)
	require.NoError(t, err)
	assert.Empty(t, lots)
}
