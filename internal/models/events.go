package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventType discriminates the payload of a normalized engine event. The
// values double as metric label values, so they are readable strings.
type EventType string

const (
	TickerEvent       EventType = "TICKER"
	OrderUpdateEvent  EventType = "ORDER_UPDATE"
	ConnectivityEvent EventType = "CONNECTIVITY"
)

// Event is the standardized internal representation of anything the exchange
// adapter delivers. Events for one instance are consumed strictly in order by
// a single loop, so payloads need no further synchronization.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Data      interface{}
}

// TickerData is the payload of a TickerEvent.
type TickerData struct {
	Symbol string
	Price  decimal.Decimal
}

// OrderUpdateData is the payload of an OrderUpdateEvent. FilledVolume is the
// cumulative executed volume, which makes re-delivery of the same update
// idempotent to apply.
type OrderUpdateData struct {
	OrderID      string
	ClientRef    string
	Status       OrderStatus
	FilledVolume decimal.Decimal
	Price        decimal.Decimal
}

// ConnectivityData is the payload of a ConnectivityEvent.
type ConnectivityData struct {
	Connected bool
}
