package models

import "github.com/shopspring/decimal"

// TSPPhase is the phase of a trailing-stop-profit tracker.
type TSPPhase string

const (
	TSPInactive TSPPhase = "INACTIVE"
	TSPArmed    TSPPhase = "ARMED"
	TSPTrailing TSPPhase = "TRAILING"
	TSPLocked   TSPPhase = "LOCKED"
)

// TrailingStop is the persisted state of one trailing-stop-profit tracker.
// There is at most one per unresolved buy lot, keyed by the buy order id.
// StopPrice is zero until the tracker starts trailing; once set it only
// ratchets upward. LastThreshold is the highest activation threshold already
// crossed, which lets a single tick that jumps several increments apply all
// of them in one pass.
type TrailingStop struct {
	BuyOrderID    string          `json:"buy_order_id"`
	BuyPrice      decimal.Decimal `json:"buy_price"`
	Volume        decimal.Decimal `json:"volume"`
	Phase         TSPPhase        `json:"phase"`
	StopPrice     decimal.Decimal `json:"stop_price"`
	LastThreshold decimal.Decimal `json:"last_threshold"`
	SellOrderID   string          `json:"sell_order_id"`
}
