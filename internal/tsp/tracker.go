package tsp

import (
	"fmt"
	"sort"

	"crypto-grid-bot-go/internal/models"
	"crypto-grid-bot-go/internal/persistence"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ActionType is the kind of exchange mutation a tracker decision requires.
type ActionType int

const (
	ActionCancelSell ActionType = iota
	ActionPlaceSell
)

// Action is one exchange mutation the engine must perform on behalf of a
// tracker. Actions for one buy lot are ordered: cancels come before the
// replacement placement. Final marks the plain limit sell that ends trailing
// for the lot.
type Action struct {
	Type          ActionType
	BuyOrderID    string
	CancelOrderID string
	Price         decimal.Decimal
	Volume        decimal.Decimal
	Final         bool
}

var one = decimal.NewFromInt(1)

// Tracker runs one trailing-stop-profit state machine per unresolved buy lot.
// It owns no I/O: every decision is returned as Actions for the engine to
// execute, and the engine reports placements back via SellPlaced. State is
// persisted on every mutation so a restart resumes mid-trail.
//
// For a buy at price B with interval I and trailing increment T, the
// activation thresholds are B*(1+I+nT) for n >= 1. Crossing threshold n sets
// the remembered stop to B*(1+I+(n-1)T) and the active sell to
// B*(1+I+(n+2)T). A tick that jumps several thresholds applies all of them
// in one pass. Trailing locks when a tick without a new crossing is at or
// below the last crossed threshold; the lot is then sold at the remembered
// stop and the tracker state destroyed.
type Tracker struct {
	userRef   int64
	repo      persistence.Repository
	interval  decimal.Decimal
	tsp       decimal.Decimal
	feePct    decimal.Decimal
	priceTick decimal.Decimal
	logger    *zap.SugaredLogger

	states map[string]*models.TrailingStop
}

// New restores a tracker from persisted state. A zero tsp percentage
// disables trailing entirely; Arm then returns the baseline grid sell.
func New(userRef int64, interval, tspPct, feePct, priceTick decimal.Decimal, repo persistence.Repository, logger *zap.SugaredLogger) (*Tracker, error) {
	t := &Tracker{
		userRef:   userRef,
		repo:      repo,
		interval:  interval,
		tsp:       tspPct,
		feePct:    feePct,
		priceTick: priceTick,
		logger:    logger,
		states:    make(map[string]*models.TrailingStop),
	}
	persisted, err := repo.LoadTrailingStops(userRef)
	if err != nil {
		return nil, fmt.Errorf("loading trailing stops: %w", err)
	}
	for i := range persisted {
		ts := persisted[i]
		t.states[ts.BuyOrderID] = &ts
	}
	return t, nil
}

// Enabled reports whether trailing is configured.
func (t *Tracker) Enabled() bool {
	return t.tsp.Sign() > 0
}

func (t *Tracker) roundPrice(p decimal.Decimal) decimal.Decimal {
	if t.priceTick.Sign() <= 0 {
		return p
	}
	return p.Div(t.priceTick).Round(0).Mul(t.priceTick)
}

// sellPrice is B*(1+I+mT) rounded to the instrument tick.
func (t *Tracker) sellPrice(buyPrice decimal.Decimal, m int64) decimal.Decimal {
	factor := one.Add(t.interval).Add(t.tsp.Mul(decimal.NewFromInt(m)))
	return t.roundPrice(buyPrice.Mul(factor))
}

// minProfitable is the break-even sell price for a lot, fees on both legs
// included: B*(1+I+2F). The remembered stop never drops below it.
func (t *Tracker) minProfitable(buyPrice decimal.Decimal) decimal.Decimal {
	factor := one.Add(t.interval).Add(t.feePct.Mul(decimal.NewFromInt(2)))
	return t.roundPrice(buyPrice.Mul(factor))
}

// increments counts how many trailing thresholds the price has crossed for a
// lot bought at buyPrice: the largest n with price >= B*(1+I+nT).
func (t *Tracker) increments(buyPrice, price decimal.Decimal) int64 {
	x := price.Div(buyPrice).Sub(one).Sub(t.interval).Div(t.tsp)
	if x.Sign() < 0 {
		return 0
	}
	return x.IntPart()
}

// Arm creates the tracker state for a freshly filled buy lot and returns the
// placement of the initial protective sell at B*(1+I+2T).
func (t *Tracker) Arm(buyOrderID string, buyPrice, sellVolume decimal.Decimal) (*Action, error) {
	if !t.Enabled() {
		return nil, fmt.Errorf("trailing stop profit is disabled")
	}
	if _, exists := t.states[buyOrderID]; exists {
		return nil, fmt.Errorf("trailing stop already armed for buy %s", buyOrderID)
	}
	ts := &models.TrailingStop{
		BuyOrderID: buyOrderID,
		BuyPrice:   buyPrice,
		Volume:     sellVolume,
		Phase:      models.TSPArmed,
	}
	if err := t.repo.SaveTrailingStop(t.userRef, ts); err != nil {
		return nil, err
	}
	t.states[buyOrderID] = ts
	return &Action{
		Type:       ActionPlaceSell,
		BuyOrderID: buyOrderID,
		Price:      t.sellPrice(buyPrice, 2),
		Volume:     sellVolume,
	}, nil
}

// SellPlaced records the exchange id of the active sell order for a lot.
func (t *Tracker) SellPlaced(buyOrderID, sellOrderID string) error {
	ts, ok := t.states[buyOrderID]
	if !ok {
		return fmt.Errorf("no trailing stop for buy %s", buyOrderID)
	}
	ts.SellOrderID = sellOrderID
	return t.repo.SaveTrailingStop(t.userRef, ts)
}

// OnTick advances every tracked lot against a new price and returns the
// required exchange mutations, ordered per lot (cancel before place). Lots
// whose final sell is emitted move to LOCKED; the engine destroys them via
// Resolve once the final sell is accepted.
func (t *Tracker) OnTick(price decimal.Decimal) ([]Action, error) {
	var actions []Action
	for _, ts := range t.sortedStates() {
		acts, err := t.advance(ts, price)
		if err != nil {
			return actions, err
		}
		actions = append(actions, acts...)
	}
	return actions, nil
}

// sortedStates gives deterministic processing order for one tick.
func (t *Tracker) sortedStates() []*models.TrailingStop {
	out := make([]*models.TrailingStop, 0, len(t.states))
	for _, ts := range t.states {
		out = append(out, ts)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].BuyOrderID < out[j].BuyOrderID
	})
	return out
}

func (t *Tracker) advance(ts *models.TrailingStop, price decimal.Decimal) ([]Action, error) {
	switch ts.Phase {
	case models.TSPArmed:
		n := t.increments(ts.BuyPrice, price)
		if n < 1 {
			// Below the first activation threshold the initial sell stays
			// live, even if price drops under the buy price.
			return nil, nil
		}
		return t.ratchet(ts, n)

	case models.TSPTrailing:
		n := t.increments(ts.BuyPrice, price)
		cur := t.increments(ts.BuyPrice, ts.LastThreshold)
		if n > cur {
			return t.ratchet(ts, n)
		}
		if price.LessThanOrEqual(ts.LastThreshold) {
			return t.lock(ts)
		}
		if ts.SellOrderID == "" {
			// A previous placement failed; retry it at the current level.
			if act := t.PendingSell(ts.BuyOrderID); act != nil {
				return []Action{*act}, nil
			}
		}
		return nil, nil

	default:
		// LOCKED lots wait for their final sell; retry it if the placement
		// failed earlier.
		if ts.SellOrderID == "" {
			if act := t.PendingSell(ts.BuyOrderID); act != nil {
				return []Action{*act}, nil
			}
		}
		return nil, nil
	}
}

// PendingSell returns the sell placement a lot is still owed, or nil when its
// active sell is resting. Used to recover from a failed placement, including
// across a restart.
func (t *Tracker) PendingSell(buyOrderID string) *Action {
	ts, ok := t.states[buyOrderID]
	if !ok || ts.SellOrderID != "" {
		return nil
	}
	switch ts.Phase {
	case models.TSPArmed:
		return &Action{
			Type:       ActionPlaceSell,
			BuyOrderID: ts.BuyOrderID,
			Price:      t.sellPrice(ts.BuyPrice, 2),
			Volume:     ts.Volume,
		}
	case models.TSPTrailing:
		n := t.increments(ts.BuyPrice, ts.LastThreshold)
		return &Action{
			Type:       ActionPlaceSell,
			BuyOrderID: ts.BuyOrderID,
			Price:      t.sellPrice(ts.BuyPrice, n+2),
			Volume:     ts.Volume,
		}
	case models.TSPLocked:
		return &Action{
			Type:       ActionPlaceSell,
			BuyOrderID: ts.BuyOrderID,
			Price:      ts.StopPrice,
			Volume:     ts.Volume,
			Final:      true,
		}
	}
	return nil
}

// ratchet applies all newly crossed thresholds at once: the stop rises to one
// increment below the highest crossed threshold and the active sell moves two
// increments above it.
func (t *Tracker) ratchet(ts *models.TrailingStop, n int64) ([]Action, error) {
	var actions []Action
	if ts.SellOrderID != "" {
		actions = append(actions, Action{
			Type:          ActionCancelSell,
			BuyOrderID:    ts.BuyOrderID,
			CancelOrderID: ts.SellOrderID,
		})
	}
	ts.Phase = models.TSPTrailing
	ts.StopPrice = t.sellPrice(ts.BuyPrice, n-1)
	if floor := t.minProfitable(ts.BuyPrice); ts.StopPrice.LessThan(floor) {
		ts.StopPrice = floor
	}
	ts.LastThreshold = t.sellPrice(ts.BuyPrice, n)
	ts.SellOrderID = ""
	if err := t.repo.SaveTrailingStop(t.userRef, ts); err != nil {
		return nil, err
	}
	t.logger.Infow("Trailing stop ratcheted",
		"buyOrder", ts.BuyOrderID, "stop", ts.StopPrice, "threshold", ts.LastThreshold)
	actions = append(actions, Action{
		Type:       ActionPlaceSell,
		BuyOrderID: ts.BuyOrderID,
		Price:      t.sellPrice(ts.BuyPrice, n+2),
		Volume:     ts.Volume,
	})
	return actions, nil
}

// lock cancels the trailing sell and emits the final plain limit sell at the
// remembered stop.
func (t *Tracker) lock(ts *models.TrailingStop) ([]Action, error) {
	var actions []Action
	if ts.SellOrderID != "" {
		actions = append(actions, Action{
			Type:          ActionCancelSell,
			BuyOrderID:    ts.BuyOrderID,
			CancelOrderID: ts.SellOrderID,
		})
	}
	ts.Phase = models.TSPLocked
	ts.SellOrderID = ""
	if err := t.repo.SaveTrailingStop(t.userRef, ts); err != nil {
		return nil, err
	}
	t.logger.Infow("Trailing stop locked",
		"buyOrder", ts.BuyOrderID, "stop", ts.StopPrice)
	actions = append(actions, Action{
		Type:       ActionPlaceSell,
		BuyOrderID: ts.BuyOrderID,
		Price:      ts.StopPrice,
		Volume:     ts.Volume,
		Final:      true,
	})
	return actions, nil
}

// Resolve destroys the tracker state for a lot, either because its final sell
// was accepted or because the position was unwound.
func (t *Tracker) Resolve(buyOrderID string) error {
	if _, ok := t.states[buyOrderID]; !ok {
		return nil
	}
	if err := t.repo.DeleteTrailingStop(t.userRef, buyOrderID); err != nil {
		return err
	}
	delete(t.states, buyOrderID)
	return nil
}

// StateFor returns a copy of the tracker state for one buy lot, or nil.
func (t *Tracker) StateFor(buyOrderID string) *models.TrailingStop {
	ts, ok := t.states[buyOrderID]
	if !ok {
		return nil
	}
	cp := *ts
	return &cp
}

// ByActiveSell finds the lot whose active sell order has the given id.
func (t *Tracker) ByActiveSell(sellOrderID string) *models.TrailingStop {
	for _, ts := range t.states {
		if ts.SellOrderID == sellOrderID {
			cp := *ts
			return &cp
		}
	}
	return nil
}

// States returns copies of all live tracker states.
func (t *Tracker) States() []models.TrailingStop {
	out := make([]models.TrailingStop, 0, len(t.states))
	for _, ts := range t.sortedStates() {
		out = append(out, *ts)
	}
	return out
}
