package ledger

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"crypto-grid-bot-go/internal/models"
	"crypto-grid-bot-go/internal/persistence"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	// ErrInvariant marks a ledger invariant violation. It is fatal for the
	// instance: the engine transitions to ERROR and stops trading.
	ErrInvariant = errors.New("ledger invariant violation")

	// ErrUnknownOrder is returned for operations on an order id the ledger
	// does not track.
	ErrUnknownOrder = errors.New("unknown order")
)

// Ledger is the authoritative local record of orders, balances, partial-fill
// surplus, and unsold buy lots for one bot instance. It performs no exchange
// I/O; every mutation is written through the persistence repository before it
// is visible. The ledger is only mutated from the instance's event loop, so
// it needs no locking of its own.
type Ledger struct {
	userRef    int64
	baseAsset  string
	quoteAsset string

	repo   persistence.Repository
	logger *zap.SugaredLogger

	// orders holds resting and recently finalized orders keyed by exchange
	// id, or by client reference while pending acknowledgement.
	orders  map[string]*models.Order
	surplus models.Surplus
	lots    map[string]*models.UnsoldLot

	balances map[string]*models.Balance
}

// New builds a ledger for one instance and restores its persisted content.
func New(userRef int64, baseAsset, quoteAsset string, repo persistence.Repository, logger *zap.SugaredLogger) (*Ledger, error) {
	l := &Ledger{
		userRef:    userRef,
		baseAsset:  baseAsset,
		quoteAsset: quoteAsset,
		repo:       repo,
		logger:     logger,
		orders:     make(map[string]*models.Order),
		lots:       make(map[string]*models.UnsoldLot),
		balances:   make(map[string]*models.Balance),
	}

	orders, err := repo.LoadOrders(userRef)
	if err != nil {
		return nil, fmt.Errorf("loading orders: %w", err)
	}
	for i := range orders {
		o := orders[i]
		l.orders[l.keyFor(&o)] = &o
	}

	surplus, err := repo.LoadSurplus(userRef)
	if err != nil {
		return nil, fmt.Errorf("loading surplus: %w", err)
	}
	if surplus != nil {
		l.surplus = *surplus
	} else {
		l.surplus = models.Surplus{Asset: baseAsset}
	}

	lots, err := repo.LoadUnsoldLots(userRef)
	if err != nil {
		return nil, fmt.Errorf("loading unsold lots: %w", err)
	}
	for i := range lots {
		lot := lots[i]
		l.lots[lot.BuyOrderID] = &lot
	}

	return l, nil
}

func (l *Ledger) keyFor(o *models.Order) string {
	if o.ID != "" {
		return o.ID
	}
	return o.ClientRef
}

// TrackPending records an order that was submitted but not yet acknowledged.
// Placing a second open buy at an identical price level is an invariant
// violation. Sells may share a price: when a buy level refills while its
// earlier paired sell still rests, the new sell lands on the exact same
// computed price.
func (l *Ledger) TrackPending(order *models.Order) error {
	if order.Status == "" {
		order.Status = models.OrderPending
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now()
	}
	if order.Side == models.Buy {
		for _, existing := range l.orders {
			if existing.Status.IsResting() && existing.Side == models.Buy && existing.Price.Equal(order.Price) {
				return fmt.Errorf("%w: duplicate buy level at %s", ErrInvariant, order.Price)
			}
		}
	}
	if err := l.repo.SaveOrder(l.userRef, order); err != nil {
		return err
	}
	l.orders[l.keyFor(order)] = order
	l.recomputeAvailable()
	return nil
}

// Confirm assigns the exchange id to a pending order and marks it open.
func (l *Ledger) Confirm(clientRef, orderID string) error {
	order, ok := l.orders[clientRef]
	if !ok {
		return fmt.Errorf("%w: client ref %s", ErrUnknownOrder, clientRef)
	}
	delete(l.orders, clientRef)
	order.ID = orderID
	order.Status = models.OrderOpen
	if err := l.repo.SaveOrder(l.userRef, order); err != nil {
		return err
	}
	// The pending row was keyed by client ref; drop it.
	if err := l.repo.DeleteOrder(l.userRef, clientRef); err != nil {
		return err
	}
	l.orders[orderID] = order
	return nil
}

// Adopt inserts an order discovered on the exchange that the ledger did not
// know about, e.g. after a crash between acknowledgement and persistence.
func (l *Ledger) Adopt(order *models.Order) error {
	if order.ID == "" {
		return fmt.Errorf("%w: cannot adopt order without id", ErrUnknownOrder)
	}
	if err := l.repo.SaveOrder(l.userRef, order); err != nil {
		return err
	}
	l.orders[order.ID] = order
	l.recomputeAvailable()
	return nil
}

// ApplyFill applies an order update with the given cumulative filled volume.
// Re-applying an already-applied update is a no-op, which makes duplicated
// stream deliveries harmless. Returns whether the ledger changed.
func (l *Ledger) ApplyFill(orderID string, cumFilled decimal.Decimal, status models.OrderStatus) (bool, error) {
	order, ok := l.orders[orderID]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownOrder, orderID)
	}
	if cumFilled.GreaterThan(order.Volume) {
		return false, fmt.Errorf("%w: fill %s exceeds volume %s on order %s",
			ErrInvariant, cumFilled, order.Volume, orderID)
	}
	if cumFilled.LessThanOrEqual(order.FilledVolume) && status == order.Status {
		return false, nil
	}
	if cumFilled.GreaterThan(order.FilledVolume) {
		order.FilledVolume = cumFilled
	}
	order.Status = status
	if status == models.OrderOpen && order.FilledVolume.Sign() > 0 {
		order.Status = models.OrderPartiallyFilled
	}
	if err := l.repo.SaveOrder(l.userRef, order); err != nil {
		return false, err
	}
	l.recomputeAvailable()
	return true, nil
}

// MarkCancelled finalizes an order as cancelled. The executed portion of a
// partially filled buy is moved into the surplus accumulator.
func (l *Ledger) MarkCancelled(orderID string) error {
	order, ok := l.orders[orderID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownOrder, orderID)
	}
	order.Status = models.OrderCancelled
	if err := l.repo.SaveOrder(l.userRef, order); err != nil {
		return err
	}
	if order.Side == models.Buy && order.FilledVolume.Sign() > 0 {
		if err := l.AccumulateSurplus(order.FilledVolume, order.Price); err != nil {
			return err
		}
		l.logger.Infow("Partial fill saved as surplus",
			"order", orderID, "volume", order.FilledVolume, "price", order.Price)
	}
	l.recomputeAvailable()
	return nil
}

// Remove drops a finalized order from the book.
func (l *Ledger) Remove(orderID string) error {
	if _, ok := l.orders[orderID]; !ok {
		return nil
	}
	if err := l.repo.DeleteOrder(l.userRef, orderID); err != nil {
		return err
	}
	delete(l.orders, orderID)
	l.recomputeAvailable()
	return nil
}

// Order returns the tracked order for an id, or nil.
func (l *Ledger) Order(orderID string) *models.Order {
	return l.orders[orderID]
}

// OpenOrders returns all resting orders, buys sorted by descending price
// first, then sells ascending.
func (l *Ledger) OpenOrders() []models.Order {
	out := append(l.OpenOrdersBySide(models.Buy), l.OpenOrdersBySide(models.Sell)...)
	return out
}

// OpenOrdersBySide returns resting orders of one side. Buys are sorted by
// descending price, sells ascending, so index 0 is always the level closest
// to the market.
func (l *Ledger) OpenOrdersBySide(side models.Side) []models.Order {
	var out []models.Order
	for _, o := range l.orders {
		if o.Side == side && o.Status.IsResting() {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if side == models.Buy {
			return out[i].Price.GreaterThan(out[j].Price)
		}
		return out[i].Price.LessThan(out[j].Price)
	})
	return out
}

// CountOpen counts resting orders of one side.
func (l *Ledger) CountOpen(side models.Side) int {
	n := 0
	for _, o := range l.orders {
		if o.Side == side && o.Status.IsResting() {
			n++
		}
	}
	return n
}

// OpenOrderValue is the quote value bound by all resting orders, used for the
// max-investment cap.
func (l *Ledger) OpenOrderValue() decimal.Decimal {
	total := decimal.Zero
	for _, o := range l.orders {
		if o.Status.IsResting() {
			total = total.Add(o.Price.Mul(o.RemainingVolume()))
		}
	}
	return total
}

// ==========================================================================
// Surplus

// Surplus returns a copy of the partial-fill surplus accumulator.
func (l *Ledger) Surplus() models.Surplus {
	return l.surplus
}

// AccumulateSurplus adds executed-but-unsold base volume at the given buy
// price to the accumulator.
func (l *Ledger) AccumulateSurplus(volume, price decimal.Decimal) error {
	if volume.Sign() <= 0 {
		return fmt.Errorf("%w: surplus increment must be positive, got %s", ErrInvariant, volume)
	}
	l.surplus.Volume = l.surplus.Volume.Add(volume)
	l.surplus.Cost = l.surplus.Cost.Add(volume.Mul(price))
	if price.GreaterThan(l.surplus.MaxPrice) {
		l.surplus.MaxPrice = price
	}
	return l.repo.SaveSurplus(l.userRef, &l.surplus)
}

// ConsumeSurplus removes volume from the accumulator, proportionally reducing
// the accumulated cost. Consuming more than is accumulated is an invariant
// violation; the accumulator never goes negative.
func (l *Ledger) ConsumeSurplus(volume decimal.Decimal) error {
	if volume.GreaterThan(l.surplus.Volume) {
		return fmt.Errorf("%w: consuming %s exceeds accumulated surplus %s",
			ErrInvariant, volume, l.surplus.Volume)
	}
	if l.surplus.Volume.Sign() > 0 {
		fraction := volume.Div(l.surplus.Volume)
		l.surplus.Cost = l.surplus.Cost.Sub(l.surplus.Cost.Mul(fraction))
	}
	l.surplus.Volume = l.surplus.Volume.Sub(volume)
	if l.surplus.Volume.Sign() == 0 {
		l.surplus.Cost = decimal.Zero
		l.surplus.MaxPrice = decimal.Zero
	}
	return l.repo.SaveSurplus(l.userRef, &l.surplus)
}

// ==========================================================================
// Unsold buy lots

// AddUnsoldLot remembers a filled buy lot whose sell order is not placed yet.
func (l *Ledger) AddUnsoldLot(lot *models.UnsoldLot) error {
	if err := l.repo.SaveUnsoldLot(l.userRef, lot); err != nil {
		return err
	}
	l.lots[lot.BuyOrderID] = lot
	return nil
}

// RemoveUnsoldLot drops a lot once its sell order was accepted.
func (l *Ledger) RemoveUnsoldLot(buyOrderID string) error {
	if _, ok := l.lots[buyOrderID]; !ok {
		return nil
	}
	if err := l.repo.DeleteUnsoldLot(l.userRef, buyOrderID); err != nil {
		return err
	}
	delete(l.lots, buyOrderID)
	return nil
}

// UnsoldLots returns the remembered lots, oldest buy price first.
func (l *Ledger) UnsoldLots() []models.UnsoldLot {
	var out []models.UnsoldLot
	for _, lot := range l.lots {
		out = append(out, *lot)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].BuyPrice.LessThan(out[j].BuyPrice)
	})
	return out
}

// ==========================================================================
// Balances

// SetBalanceTotals installs remote balance totals (the ground truth from the
// exchange) and recomputes availability from the open order set.
func (l *Ledger) SetBalanceTotals(balances []models.Balance) {
	for i := range balances {
		b := balances[i]
		l.balances[b.Asset] = &models.Balance{Asset: b.Asset, Total: b.Total}
	}
	l.recomputeAvailable()
}

// Balance returns the ledger's view of one asset.
func (l *Ledger) Balance(asset string) models.Balance {
	if b, ok := l.balances[asset]; ok {
		return *b
	}
	return models.Balance{Asset: asset}
}

// recomputeAvailable derives Available = Total - reserved for the pair's two
// assets. Open buys reserve quote (price * remaining), open sells reserve
// base volume.
func (l *Ledger) recomputeAvailable() {
	reservedQuote := decimal.Zero
	reservedBase := decimal.Zero
	for _, o := range l.orders {
		if !o.Status.IsResting() {
			continue
		}
		if o.Side == models.Buy {
			reservedQuote = reservedQuote.Add(o.Price.Mul(o.RemainingVolume()))
		} else {
			reservedBase = reservedBase.Add(o.RemainingVolume())
		}
	}
	if b, ok := l.balances[l.quoteAsset]; ok {
		b.Available = b.Total.Sub(reservedQuote)
	}
	if b, ok := l.balances[l.baseAsset]; ok {
		b.Available = b.Total.Sub(reservedBase)
	}
}
