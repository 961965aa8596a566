package planner

import (
	"sort"

	"crypto-grid-bot-go/internal/models"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ActionType is the kind of order mutation a planning pass requests.
type ActionType int

const (
	ActionCancel ActionType = iota
	ActionPlace
)

// Action is one step of a plan. Cancels carry the order id; places carry the
// computed level.
type Action struct {
	Type    ActionType
	OrderID string
	Level   models.GridLevel
}

// Shortfall reports a desired buy level that was skipped because the
// available quote balance (or the investment cap) could not cover it.
type Shortfall struct {
	Level     models.GridLevel
	Required  decimal.Decimal
	Available decimal.Decimal
}

// Plan is the result of one planning pass: an ordered action list (cancels
// first, then placements closest to the market first) plus every skipped
// level. Skips are reported, never silently dropped.
type Plan struct {
	Actions    []Action
	Shortfalls []Shortfall
	ShiftedUp  bool
}

// capabilities is the variant-selection record. Strategy variants differ only
// in the sell-side rule, so each variant is a row of data here rather than
// its own type.
type capabilities struct {
	buyOnly        bool
	sellFullVolume bool
	swingSell      bool
}

var variantCaps = map[models.Strategy]capabilities{
	models.StrategyGridHODL: {},
	models.StrategyGridSell: {sellFullVolume: true},
	models.StrategySwing:    {swingSell: true},
	models.StrategyCDCA:     {buyOnly: true},
}

var (
	one = decimal.NewFromInt(1)
	two = decimal.NewFromInt(2)

	// shiftMargin is the slack multiplier on the shift-up check so the ladder
	// is not rebuilt on a price that barely grazes the boundary.
	shiftMargin = decimal.RequireFromString("1.001")
)

// Planner computes the target buy ladder for the current price and diffs it
// against the open order snapshot. It is a pure component: it performs no
// I/O and never mutates the ledger, only returns desired actions.
type Planner struct {
	strategy   models.Strategy
	caps       capabilities
	gridAmount decimal.Decimal
	interval   decimal.Decimal
	nBuy       int
	nSell      int
	maxInvest  decimal.Decimal
	feePct     decimal.Decimal
	priceTick  decimal.Decimal
	volumeStep decimal.Decimal
	logger     *zap.SugaredLogger

	// matchTolerance is half the grid interval: an open order within this
	// relative distance of a desired level counts as that level, so small
	// anchor drift does not churn the ladder.
	matchTolerance decimal.Decimal
}

// New builds a planner from the instance configuration.
func New(cfg *models.Config, logger *zap.SugaredLogger) *Planner {
	return &Planner{
		strategy:       cfg.Strategy,
		caps:           variantCaps[cfg.Strategy],
		gridAmount:     cfg.GridAmount,
		interval:       cfg.IntervalPct,
		nBuy:           cfg.NOpenBuyOrders,
		nSell:          cfg.NOpenSellOrders,
		maxInvest:      cfg.MaxInvestment,
		feePct:         cfg.FeePct,
		priceTick:      cfg.PriceTick,
		volumeStep:     cfg.VolumeStep,
		logger:         logger,
		matchTolerance: cfg.IntervalPct.Div(two),
	}
}

// BuyOnly reports whether the variant never generates a sell ladder.
func (p *Planner) BuyOnly() bool {
	return p.caps.buyOnly
}

// MaxOpenSells is the configured cap on resting sell orders.
func (p *Planner) MaxOpenSells() int {
	return p.nSell
}

func (p *Planner) roundPrice(v decimal.Decimal) decimal.Decimal {
	if p.priceTick.Sign() <= 0 {
		return v
	}
	return v.Div(p.priceTick).Round(0).Mul(p.priceTick)
}

// NeedsShiftUp reports whether the market has run away above the ladder: the
// price exceeds the highest open buy by more than two grid intervals (with a
// small margin), so the whole buy ladder should be rebuilt closer to the
// market.
func (p *Planner) NeedsShiftUp(price decimal.Decimal, openBuys []models.Order) bool {
	if len(openBuys) == 0 {
		return false
	}
	highest := openBuys[0].Price
	for _, o := range openBuys[1:] {
		if o.Price.GreaterThan(highest) {
			highest = o.Price
		}
	}
	boundary := highest.Mul(one.Add(p.interval)).Mul(one.Add(p.interval)).Mul(shiftMargin)
	return price.GreaterThan(boundary)
}

// PlanBuyLadder diffs the desired geometric buy ladder below price against
// the open buy snapshot. Matching levels are left untouched; missing levels
// become placements gated by available quote and the investment cap; open
// orders matching no desired level become cancels. On shift-up the entire
// ladder is cancelled and rebuilt.
//
// openOrderValue is the quote value bound by all currently resting orders,
// used for the investment cap; availableQuote shrinks as placements are
// granted within one pass.
func (p *Planner) PlanBuyLadder(price decimal.Decimal, openBuys []models.Order, availableQuote, openOrderValue decimal.Decimal) Plan {
	var plan Plan

	existing := openBuys
	if p.NeedsShiftUp(price, openBuys) {
		plan.ShiftedUp = true
		for _, o := range openBuys {
			plan.Actions = append(plan.Actions, Action{Type: ActionCancel, OrderID: o.ID})
			availableQuote = availableQuote.Add(o.Price.Mul(o.RemainingVolume()))
			openOrderValue = openOrderValue.Sub(o.Price.Mul(o.RemainingVolume()))
		}
		existing = nil
		p.logger.Infow("Shifting buy ladder up", "price", price)
	}

	desired := p.desiredBuyLevels(price)
	matched := make(map[string]bool, len(existing))

	// First pass: match desired levels against what is already resting.
	unplaced := desired[:0]
	for _, lvl := range desired {
		if id := p.matchOpen(lvl.Price, existing, matched); id != "" {
			matched[id] = true
			continue
		}
		unplaced = append(unplaced, lvl)
	}

	// Open buys that match no desired level are stale and get cancelled,
	// freeing their quote for the new levels.
	for _, o := range existing {
		if matched[o.ID] {
			continue
		}
		plan.Actions = append(plan.Actions, Action{Type: ActionCancel, OrderID: o.ID})
		availableQuote = availableQuote.Add(o.Price.Mul(o.RemainingVolume()))
		openOrderValue = openOrderValue.Sub(o.Price.Mul(o.RemainingVolume()))
	}

	for _, lvl := range unplaced {
		// A level must be fundable including the estimated taker fee.
		required := lvl.Price.Mul(lvl.Volume).Mul(one.Add(p.feePct))
		if p.maxInvest.Sign() > 0 && openOrderValue.Add(required).GreaterThan(p.maxInvest) {
			plan.Shortfalls = append(plan.Shortfalls, Shortfall{
				Level: lvl, Required: required, Available: p.maxInvest.Sub(openOrderValue),
			})
			continue
		}
		if required.GreaterThan(availableQuote) {
			plan.Shortfalls = append(plan.Shortfalls, Shortfall{
				Level: lvl, Required: required, Available: availableQuote,
			})
			continue
		}
		plan.Actions = append(plan.Actions, Action{Type: ActionPlace, Level: lvl})
		availableQuote = availableQuote.Sub(required)
		openOrderValue = openOrderValue.Add(required)
	}
	return plan
}

// desiredBuyLevels is the geometric ladder price*(1-I)^k for k=1..nBuy with
// volume gridAmount/price_k, rounded to instrument steps. Levels that
// collapse to an identical tick are merged.
func (p *Planner) desiredBuyLevels(price decimal.Decimal) []models.GridLevel {
	factor := one.Sub(p.interval)
	levels := make([]models.GridLevel, 0, p.nBuy)
	seen := make(map[string]bool, p.nBuy)

	level := price
	for k := 0; k < p.nBuy; k++ {
		level = level.Mul(factor)
		rounded := p.roundPrice(level)
		if rounded.Sign() <= 0 {
			break
		}
		key := rounded.String()
		if seen[key] {
			continue
		}
		seen[key] = true
		volume := models.RoundDownToStep(p.gridAmount.Div(rounded), p.volumeStep)
		if volume.Sign() <= 0 {
			continue
		}
		levels = append(levels, models.GridLevel{Side: models.Buy, Price: rounded, Volume: volume})
	}
	sort.Slice(levels, func(i, j int) bool {
		return levels[i].Price.GreaterThan(levels[j].Price)
	})
	return levels
}

// matchOpen finds an unmatched open order within half a grid interval of the
// desired price and returns its id.
func (p *Planner) matchOpen(price decimal.Decimal, open []models.Order, taken map[string]bool) string {
	for _, o := range open {
		if taken[o.ID] {
			continue
		}
		diff := o.Price.Sub(price).Abs()
		if diff.LessThanOrEqual(price.Mul(p.matchTolerance)) {
			return o.ID
		}
	}
	return ""
}

// SellForBuy computes the paired sell level for a filled buy lot. The second
// return is false for buy-only variants. GridSell liquidates the full bought
// volume; the other variants sell only gridAmount worth at the sell price,
// retaining the difference in base currency.
func (p *Planner) SellForBuy(buyPrice, buyVolume decimal.Decimal) (models.GridLevel, bool) {
	if p.caps.buyOnly {
		return models.GridLevel{}, false
	}
	sellPrice := p.roundPrice(buyPrice.Mul(one.Add(p.interval)))
	volume := buyVolume
	if !p.caps.sellFullVolume {
		volume = p.gridAmount.Div(sellPrice)
	}
	volume = models.RoundDownToStep(volume, p.volumeStep)
	return models.GridLevel{Side: models.Sell, Price: sellPrice, Volume: volume}, volume.Sign() > 0
}

// SwingSellThreshold is the price above which the swing variant adds its
// opportunistic extra sell for a lot bought at buyPrice: two grid intervals
// above the buy instead of one.
func (p *Planner) SwingSellThreshold(buyPrice decimal.Decimal) decimal.Decimal {
	return p.roundPrice(buyPrice.Mul(one.Add(p.interval.Mul(two))))
}

// SwingSellFor returns the extra swing sell for a filled buy once price has
// crossed the swing threshold, or false when the variant does not swing or
// the threshold is not crossed. The swing sell spends the retained fraction:
// the bought volume minus what the paired grid sell returns.
func (p *Planner) SwingSellFor(buyPrice, buyVolume, price decimal.Decimal) (models.GridLevel, bool) {
	if !p.caps.swingSell {
		return models.GridLevel{}, false
	}
	threshold := p.SwingSellThreshold(buyPrice)
	if price.LessThan(threshold) {
		return models.GridLevel{}, false
	}
	paired, _ := p.SellForBuy(buyPrice, buyVolume)
	retained := buyVolume.Sub(paired.Volume)
	volume := models.RoundDownToStep(retained, p.volumeStep)
	if volume.Sign() <= 0 {
		return models.GridLevel{}, false
	}
	return models.GridLevel{
		Side:   models.Sell,
		Price:  p.roundPrice(threshold),
		Volume: volume,
	}, true
}

// SurplusSell converts the partial-fill accumulator into a sell level once
// enough has accumulated to be worth one grid amount at the remembered
// maximum buy price. The sell is anchored at that maximum price so the lot is
// never sold below its most expensive contribution. Returns the level and the
// surplus volume it consumes, or false while the accumulator is too small.
func (p *Planner) SurplusSell(s models.Surplus) (models.GridLevel, decimal.Decimal, bool) {
	if p.caps.buyOnly || s.Volume.Sign() <= 0 || s.MaxPrice.Sign() <= 0 {
		return models.GridLevel{}, decimal.Zero, false
	}
	if s.Volume.Mul(s.MaxPrice).LessThan(p.gridAmount) {
		return models.GridLevel{}, decimal.Zero, false
	}
	volume := models.RoundDownToStep(s.Volume, p.volumeStep)
	if volume.Sign() <= 0 {
		return models.GridLevel{}, decimal.Zero, false
	}
	return models.GridLevel{
		Side:   models.Sell,
		Price:  p.roundPrice(s.MaxPrice.Mul(one.Add(p.interval))),
		Volume: volume,
	}, volume, true
}
