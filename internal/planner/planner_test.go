package planner

import (
	"testing"

	"crypto-grid-bot-go/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func testConfig(strategy models.Strategy) *models.Config {
	return &models.Config{
		Symbol:         "BTCUSDT",
		BaseCurrency:   "BTC",
		QuoteCurrency:  "USDT",
		Strategy:       strategy,
		GridAmount:     dec("100"),
		IntervalPct:    dec("0.02"),
		NOpenBuyOrders: 5,
		PriceTick:      dec("0.01"),
		VolumeStep:     dec("0.0001"),
		UserRef:        1,
	}
}

func newTestPlanner(strategy models.Strategy) *Planner {
	return New(testConfig(strategy), zap.NewNop().Sugar())
}

func openBuy(id, price string) models.Order {
	return models.Order{
		ID:     id,
		Side:   models.Buy,
		Price:  dec(price),
		Volume: dec("1"),
		Status: models.OrderOpen,
	}
}

func TestBuyLadderIsGeometricAndBounded(t *testing.T) {
	p := newTestPlanner(models.StrategyGridHODL)

	plan := p.PlanBuyLadder(dec("100"), nil, dec("100000"), decimal.Zero)
	require.Empty(t, plan.Shortfalls)

	var prices []decimal.Decimal
	for _, a := range plan.Actions {
		require.Equal(t, ActionPlace, a.Type)
		require.Equal(t, models.Buy, a.Level.Side)
		prices = append(prices, a.Level.Price)
	}
	require.Len(t, prices, 5)

	factor := dec("0.98")
	expected := dec("100")
	for i, price := range prices {
		expected = expected.Mul(factor)
		diff := price.Sub(expected).Abs()
		assert.True(t, diff.LessThanOrEqual(dec("0.01")),
			"level %d: got %s, want ~%s", i, price, expected)
		if i > 0 {
			assert.True(t, price.LessThan(prices[i-1]), "levels must strictly decrease")
		}
	}

	// Each level binds roughly one grid amount.
	for _, a := range plan.Actions {
		value := a.Level.Price.Mul(a.Level.Volume)
		assert.True(t, value.LessThanOrEqual(dec("100")))
		assert.True(t, value.GreaterThan(dec("99")))
	}
}

func TestMatchingLevelsAreLeftUntouched(t *testing.T) {
	p := newTestPlanner(models.StrategyGridHODL)

	first := p.PlanBuyLadder(dec("100"), nil, dec("100000"), decimal.Zero)
	var open []models.Order
	for i, a := range first.Actions {
		open = append(open, models.Order{
			ID:     string(rune('a' + i)),
			Side:   models.Buy,
			Price:  a.Level.Price,
			Volume: a.Level.Volume,
			Status: models.OrderOpen,
		})
	}

	// Same price, same open set: nothing to do.
	second := p.PlanBuyLadder(dec("100"), open, dec("100000"), dec("500"))
	assert.Empty(t, second.Actions)

	// Price drifting less than half an interval still matches.
	third := p.PlanBuyLadder(dec("100.5"), open, dec("100000"), dec("500"))
	assert.Empty(t, third.Actions)
}

func TestShortfallIsReportedNotDropped(t *testing.T) {
	p := newTestPlanner(models.StrategyGridHODL)

	// Enough for two levels only.
	plan := p.PlanBuyLadder(dec("100"), nil, dec("210"), decimal.Zero)

	placed := 0
	for _, a := range plan.Actions {
		if a.Type == ActionPlace {
			placed++
		}
	}
	assert.Equal(t, 2, placed)
	assert.Len(t, plan.Shortfalls, 3)
	for _, sf := range plan.Shortfalls {
		assert.True(t, sf.Required.GreaterThan(sf.Available))
	}
}

func TestFundingRequirementIncludesFee(t *testing.T) {
	cfg := testConfig(models.StrategyGridHODL)
	cfg.FeePct = dec("0.0026")
	p := New(cfg, zap.NewNop().Sugar())

	// The top level alone binds 98 * 1.0204 = 99.9992 before fees; with the
	// 0.26% taker fee it no longer fits into a balance of 100.
	plan := p.PlanBuyLadder(dec("100"), nil, dec("100"), decimal.Zero)
	for _, a := range plan.Actions {
		require.NotEqual(t, ActionPlace, a.Type)
	}
	require.NotEmpty(t, plan.Shortfalls)
	assert.True(t, plan.Shortfalls[0].Required.GreaterThan(dec("100")))

	// Without the fee the same balance funds that level.
	noFee := newTestPlanner(models.StrategyGridHODL).PlanBuyLadder(dec("100"), nil, dec("100"), decimal.Zero)
	placed := 0
	for _, a := range noFee.Actions {
		if a.Type == ActionPlace {
			placed++
		}
	}
	assert.Equal(t, 1, placed)
}

func TestInvestmentCapLimitsPlacements(t *testing.T) {
	cfg := testConfig(models.StrategyGridHODL)
	cfg.MaxInvestment = dec("250")
	p := New(cfg, zap.NewNop().Sugar())

	// 150 already bound by resting orders leaves room for one level.
	plan := p.PlanBuyLadder(dec("100"), nil, dec("100000"), dec("150"))
	placed := 0
	for _, a := range plan.Actions {
		if a.Type == ActionPlace {
			placed++
		}
	}
	assert.Equal(t, 1, placed)
	assert.Len(t, plan.Shortfalls, 4)
}

func TestShiftUpRebuildsLadder(t *testing.T) {
	p := newTestPlanner(models.StrategyGridHODL)
	stale := []models.Order{openBuy("a", "90"), openBuy("b", "88.2")}

	require.True(t, p.NeedsShiftUp(dec("100"), stale))
	require.False(t, p.NeedsShiftUp(dec("93"), stale))

	plan := p.PlanBuyLadder(dec("100"), stale, dec("100000"), dec("178.2"))
	assert.True(t, plan.ShiftedUp)

	cancels, places := 0, 0
	for _, a := range plan.Actions {
		switch a.Type {
		case ActionCancel:
			cancels++
		case ActionPlace:
			places++
		}
	}
	assert.Equal(t, 2, cancels)
	assert.Equal(t, 5, places)
}

func TestStaleLevelsAreCancelled(t *testing.T) {
	p := newTestPlanner(models.StrategyGridHODL)

	// An open buy just below the market matches no desired level, while the
	// market is not far enough above it to trigger a shift-up.
	open := []models.Order{openBuy("stale", "89.9")}
	require.False(t, p.NeedsShiftUp(dec("90"), open))
	plan := p.PlanBuyLadder(dec("90"), open, dec("100000"), dec("89.9"))

	foundCancel := false
	for _, a := range plan.Actions {
		if a.Type == ActionCancel && a.OrderID == "stale" {
			foundCancel = true
		}
	}
	assert.True(t, foundCancel)
}

func TestSellVolumeByVariant(t *testing.T) {
	buyPrice, buyVolume := dec("100"), dec("1")

	hodl, ok := newTestPlanner(models.StrategyGridHODL).SellForBuy(buyPrice, buyVolume)
	require.True(t, ok)
	assert.True(t, hodl.Price.Equal(dec("102")))
	assert.True(t, hodl.Volume.LessThan(buyVolume), "HODL retains a fraction")

	sell, ok := newTestPlanner(models.StrategyGridSell).SellForBuy(buyPrice, buyVolume)
	require.True(t, ok)
	assert.True(t, sell.Volume.Equal(buyVolume), "GridSell liquidates the lot")

	swing, ok := newTestPlanner(models.StrategySwing).SellForBuy(buyPrice, buyVolume)
	require.True(t, ok)
	assert.True(t, swing.Volume.Equal(hodl.Volume), "SWING pairs like HODL")

	_, ok = newTestPlanner(models.StrategyCDCA).SellForBuy(buyPrice, buyVolume)
	assert.False(t, ok, "cDCA never sells")
}

func TestSwingSell(t *testing.T) {
	p := newTestPlanner(models.StrategySwing)

	assert.True(t, p.SwingSellThreshold(dec("100")).Equal(dec("104")))

	_, ok := p.SwingSellFor(dec("100"), dec("1"), dec("103"))
	assert.False(t, ok, "below threshold")

	lvl, ok := p.SwingSellFor(dec("100"), dec("1"), dec("104"))
	require.True(t, ok)
	assert.True(t, lvl.Price.Equal(dec("104")))
	paired, _ := p.SellForBuy(dec("100"), dec("1"))
	assert.True(t, lvl.Volume.Equal(models.RoundDownToStep(dec("1").Sub(paired.Volume), dec("0.0001"))))

	_, ok = newTestPlanner(models.StrategyGridHODL).SwingSellFor(dec("100"), dec("1"), dec("110"))
	assert.False(t, ok, "only the swing variant swings")
}

func TestSurplusSellRequiresFullGridAmount(t *testing.T) {
	p := newTestPlanner(models.StrategyGridHODL)

	_, _, ok := p.SurplusSell(models.Surplus{Asset: "BTC", Volume: dec("0.5"), MaxPrice: dec("100")})
	assert.False(t, ok, "50 worth is below one grid amount")

	lvl, consume, ok := p.SurplusSell(models.Surplus{Asset: "BTC", Volume: dec("1.2"), MaxPrice: dec("95")})
	require.True(t, ok)
	assert.True(t, lvl.Price.Equal(dec("96.9")), "sell at %s", lvl.Price)
	assert.True(t, consume.Equal(dec("1.2")))

	_, _, ok = newTestPlanner(models.StrategyCDCA).SurplusSell(models.Surplus{Volume: dec("5"), MaxPrice: dec("100")})
	assert.False(t, ok)
}

func TestBuyOnlyFlag(t *testing.T) {
	assert.True(t, newTestPlanner(models.StrategyCDCA).BuyOnly())
	assert.False(t, newTestPlanner(models.StrategyGridHODL).BuyOnly())
}
