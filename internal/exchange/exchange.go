package exchange

import (
	"context"
	"errors"

	"crypto-grid-bot-go/internal/models"

	"github.com/shopspring/decimal"
)

// ErrOrderNotFound is returned by CancelOrder and QueryOrder when the
// exchange does not know the order id. Cancelling an already-resolved order
// surfaces as this error and is treated as idempotent success upstream.
var ErrOrderNotFound = errors.New("order not found on exchange")

// OrderRequest is the parameter set of one limit order placement. ClientRef
// is our own identifier, sent to the exchange so the order can be attributed
// to its bot instance even if the acknowledgement is lost.
type OrderRequest struct {
	Symbol    string
	Side      models.Side
	Price     decimal.Decimal
	Volume    decimal.Decimal
	ClientRef string
}

// Exchange is the trading venue boundary. Implementations translate these
// calls to a concrete venue's REST API and feed market and account events
// into the channel returned by Start. All methods are safe to call from the
// engine's event loop only.
type Exchange interface {
	// PlaceOrder submits a limit order and returns the exchange-assigned id.
	PlaceOrder(ctx context.Context, req OrderRequest) (string, error)

	// CancelOrder cancels a resting order. Returns ErrOrderNotFound if the
	// exchange no longer knows the order.
	CancelOrder(ctx context.Context, symbol, orderID string) error

	// GetOpenOrders fetches all currently resting orders for the symbol.
	GetOpenOrders(ctx context.Context, symbol string) ([]models.Order, error)

	// QueryOrder looks up one order including its fill history, resting or
	// finalized. Returns ErrOrderNotFound for unknown ids.
	QueryOrder(ctx context.Context, symbol, orderID string) (*models.Order, error)

	// GetBalances fetches the account balance snapshot.
	GetBalances(ctx context.Context) ([]models.Balance, error)

	// Start opens the market data and account streams and returns the event
	// channel. The channel is closed when the context is cancelled or Close
	// is called.
	Start(ctx context.Context, symbol string) (<-chan models.Event, error)

	Close() error
}
