package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"crypto-grid-bot-go/internal/models"

	"github.com/shopspring/decimal"
)

// SimExchange is an in-memory exchange used by tests and dry runs. Orders
// rest until the test fills or cancels them; fills and ticks are pushed into
// the same event channel a live adapter would feed.
type SimExchange struct {
	mu       sync.Mutex
	nextID   int64
	orders   map[string]*models.Order
	balances map[string]decimal.Decimal
	events   chan models.Event
	closed   bool

	// failPlace and failCancel make the next n calls fail with a transient
	// error, for retry tests.
	failPlace  int
	failCancel int

	// Placed records every accepted placement in order.
	Placed []OrderRequest
	// Cancelled records every cancelled order id in order.
	Cancelled []string
}

// NewSimExchange creates an empty simulated exchange.
func NewSimExchange() *SimExchange {
	return &SimExchange{
		orders:   make(map[string]*models.Order),
		balances: make(map[string]decimal.Decimal),
		events:   make(chan models.Event, 256),
	}
}

// SetBalance sets the total balance of one asset.
func (s *SimExchange) SetBalance(asset string, total decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[asset] = total
}

// FailNextPlacements makes the next n PlaceOrder calls fail transiently.
func (s *SimExchange) FailNextPlacements(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failPlace = n
}

// FailNextCancels makes the next n CancelOrder calls fail transiently.
func (s *SimExchange) FailNextCancels(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failCancel = n
}

func (s *SimExchange) PlaceOrder(ctx context.Context, req OrderRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failPlace > 0 {
		s.failPlace--
		return "", fmt.Errorf("simulated transient placement failure")
	}
	s.nextID++
	id := fmt.Sprintf("%d", s.nextID)
	s.orders[id] = &models.Order{
		ID:        id,
		ClientRef: req.ClientRef,
		Symbol:    req.Symbol,
		Side:      req.Side,
		Price:     req.Price,
		Volume:    req.Volume,
		Status:    models.OrderOpen,
		CreatedAt: time.Now(),
	}
	s.Placed = append(s.Placed, req)
	return id, nil
}

func (s *SimExchange) CancelOrder(ctx context.Context, symbol, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failCancel > 0 {
		s.failCancel--
		return fmt.Errorf("simulated transient cancel failure")
	}
	o, ok := s.orders[orderID]
	if !ok || !o.Status.IsResting() {
		return ErrOrderNotFound
	}
	o.Status = models.OrderCancelled
	s.Cancelled = append(s.Cancelled, orderID)
	return nil
}

func (s *SimExchange) GetOpenOrders(ctx context.Context, symbol string) ([]models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var open []models.Order
	for _, o := range s.orders {
		if o.Status.IsResting() {
			open = append(open, *o)
		}
	}
	return open, nil
}

func (s *SimExchange) QueryOrder(ctx context.Context, symbol, orderID string) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	cp := *o
	return &cp, nil
}

func (s *SimExchange) GetBalances(ctx context.Context) ([]models.Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Balance
	for asset, total := range s.balances {
		out = append(out, models.Balance{Asset: asset, Total: total, Available: total})
	}
	return out, nil
}

func (s *SimExchange) Start(ctx context.Context, symbol string) (<-chan models.Event, error) {
	return s.events, nil
}

// Fill marks an order (partially) filled and emits the matching order update,
// the way a live user-data stream would. volume is cumulative.
func (s *SimExchange) Fill(orderID string, volume decimal.Decimal) error {
	s.mu.Lock()
	o, ok := s.orders[orderID]
	if !ok {
		s.mu.Unlock()
		return ErrOrderNotFound
	}
	o.FilledVolume = volume
	status := models.OrderPartiallyFilled
	if volume.GreaterThanOrEqual(o.Volume) {
		status = models.OrderFilled
	}
	o.Status = status
	ev := models.Event{
		Type:      models.OrderUpdateEvent,
		Timestamp: time.Now(),
		Data: models.OrderUpdateData{
			OrderID:      orderID,
			ClientRef:    o.ClientRef,
			Status:       status,
			FilledVolume: volume,
			Price:        o.Price,
		},
	}
	s.mu.Unlock()
	s.events <- ev
	return nil
}

// PushTicker emits a price tick.
func (s *SimExchange) PushTicker(symbol string, price decimal.Decimal) {
	s.events <- models.Event{
		Type:      models.TickerEvent,
		Timestamp: time.Now(),
		Data:      models.TickerData{Symbol: symbol, Price: price},
	}
}

// PushConnectivity emits a connectivity change.
func (s *SimExchange) PushConnectivity(connected bool) {
	s.events <- models.Event{
		Type:      models.ConnectivityEvent,
		Timestamp: time.Now(),
		Data:      models.ConnectivityData{Connected: connected},
	}
}

// PlacedOrders snapshots every accepted placement so far.
func (s *SimExchange) PlacedOrders() []OrderRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]OrderRequest, len(s.Placed))
	copy(out, s.Placed)
	return out
}

// CancelledOrders snapshots every cancelled order id so far.
func (s *SimExchange) CancelledOrders() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.Cancelled))
	copy(out, s.Cancelled)
	return out
}

// InjectOpenOrder adds a resting order without an event, used to model an
// order placed before a crash.
func (s *SimExchange) InjectOpenOrder(o models.Order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o.Status == "" {
		o.Status = models.OrderOpen
	}
	s.orders[o.ID] = &o
}

// Close closes the event channel.
func (s *SimExchange) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	return nil
}
