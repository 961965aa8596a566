package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// OrderStatus tracks an order through its lifecycle. PENDING means the order
// was submitted but the exchange has not yet acknowledged it with an id.
type OrderStatus string

const (
	OrderPending         OrderStatus = "PENDING"
	OrderOpen            OrderStatus = "OPEN"
	OrderPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderFilled          OrderStatus = "FILLED"
	OrderCancelled       OrderStatus = "CANCELLED"
)

// IsFinal reports whether no further fills can arrive for this status.
func (s OrderStatus) IsFinal() bool {
	return s == OrderFilled || s == OrderCancelled
}

// IsResting reports whether the order may still be sitting on the exchange.
func (s OrderStatus) IsResting() bool {
	return s == OrderPending || s == OrderOpen || s == OrderPartiallyFilled
}

// Order is the ledger's record of a single limit order. ID is the
// exchange-assigned transaction id and is empty while the order is pending
// acknowledgement; ClientRef is our own tag, assigned before submission, so
// the order can be recognized across a crash in the acknowledgement gap.
type Order struct {
	ID           string          `json:"id"`
	ClientRef    string          `json:"client_ref"`
	Symbol       string          `json:"symbol"`
	Side         Side            `json:"side"`
	Price        decimal.Decimal `json:"price"`
	Volume       decimal.Decimal `json:"volume"`
	FilledVolume decimal.Decimal `json:"filled_volume"`
	Status       OrderStatus     `json:"status"`
	UserRef      int64           `json:"user_ref"`
	CreatedAt    time.Time       `json:"created_at"`
}

// RemainingVolume is the volume still resting on the exchange.
func (o *Order) RemainingVolume() decimal.Decimal {
	return o.Volume.Sub(o.FilledVolume)
}

// GridLevel is a computed target of one planning pass. It is transient and
// never persisted.
type GridLevel struct {
	Side   Side
	Price  decimal.Decimal
	Volume decimal.Decimal
}

// Balance is the ledger's view of one asset. Available is Total minus the
// volume reserved by open orders and is recomputed by the ledger on every
// order mutation.
type Balance struct {
	Asset     string          `json:"asset"`
	Total     decimal.Decimal `json:"total"`
	Available decimal.Decimal `json:"available"`
}

// Surplus accumulates the executed-but-unsold portion of partially filled buy
// orders that were cancelled. Volume never goes negative; MaxPrice remembers
// the highest buy price that contributed, which anchors the eventual sell.
type Surplus struct {
	Asset    string          `json:"asset"`
	Volume   decimal.Decimal `json:"volume"`
	Cost     decimal.Decimal `json:"cost"`
	MaxPrice decimal.Decimal `json:"max_price"`
}

// UnsoldLot is a filled buy order whose paired sell order has not been placed
// yet, e.g. because placing it failed. Lots are durably remembered and
// retried until the sell goes through.
type UnsoldLot struct {
	BuyOrderID string          `json:"buy_order_id"`
	BuyPrice   decimal.Decimal `json:"buy_price"`
	Volume     decimal.Decimal `json:"volume"`
}

// RoundDownToStep floors v to an integer multiple of step. A non-positive
// step returns v unchanged.
func RoundDownToStep(v, step decimal.Decimal) decimal.Decimal {
	if step.Sign() <= 0 {
		return v
	}
	return v.Div(step).Floor().Mul(step)
}
