package persistence

import (
	"crypto-grid-bot-go/internal/models"

	"github.com/shopspring/decimal"
)

// GridSettings is the persisted snapshot of the grid parameters an instance
// was last run with. A mismatch with the live config at startup means the
// operator changed the grid and the open buy ladder must be rebuilt.
type GridSettings struct {
	GridAmount  decimal.Decimal `json:"grid_amount"`
	IntervalPct decimal.Decimal `json:"interval_pct"`
	TSPPct      decimal.Decimal `json:"tsp_pct"`
}

// Repository is the persistence collaborator of the engine. All writes are
// durable when the call returns; a crash between an exchange acknowledgement
// and the corresponding write is recovered by reconciliation. Implementations
// must isolate instances by userref so several bots can share one store.
type Repository interface {
	SaveOrder(userRef int64, order *models.Order) error
	DeleteOrder(userRef int64, orderID string) error
	LoadOrders(userRef int64) ([]models.Order, error)

	SaveBotState(userRef int64, state string) error
	LoadBotState(userRef int64) (string, error)

	SaveSurplus(userRef int64, surplus *models.Surplus) error
	LoadSurplus(userRef int64) (*models.Surplus, error)

	SaveUnsoldLot(userRef int64, lot *models.UnsoldLot) error
	DeleteUnsoldLot(userRef int64, buyOrderID string) error
	LoadUnsoldLots(userRef int64) ([]models.UnsoldLot, error)

	SaveTrailingStop(userRef int64, ts *models.TrailingStop) error
	DeleteTrailingStop(userRef int64, buyOrderID string) error
	LoadTrailingStops(userRef int64) ([]models.TrailingStop, error)

	SaveGridSettings(userRef int64, settings *GridSettings) error
	LoadGridSettings(userRef int64) (*GridSettings, error)

	Close() error
}
