package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"crypto-grid-bot-go/internal/models"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	wsMainnetBase = "wss://stream.binance.com:9443/ws"
	wsTestnetBase = "wss://testnet.binance.vision/ws"

	wsReadTimeout       = 90 * time.Second
	wsReconnectDelay    = 5 * time.Second
	listenKeyKeepAlive  = 25 * time.Minute
	unknownOrderApiCode = -2011
)

// BinanceExchange implements Exchange against Binance spot. REST calls go
// through the official client; the market and user-data streams are plain
// websocket read loops feeding the shared event channel.
type BinanceExchange struct {
	client    *binance.Client
	wsBase    string
	logger    *zap.SugaredLogger
	events    chan models.Event
	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewBinanceExchange creates an adapter for the given API credentials.
func NewBinanceExchange(apiKey, secretKey string, testnet bool, logger *zap.SugaredLogger) *BinanceExchange {
	binance.UseTestnet = testnet
	wsBase := wsMainnetBase
	if testnet {
		wsBase = wsTestnetBase
	}
	return &BinanceExchange{
		client: binance.NewClient(apiKey, secretKey),
		wsBase: wsBase,
		logger: logger,
		events: make(chan models.Event, 256),
		done:   make(chan struct{}),
	}
}

func (e *BinanceExchange) PlaceOrder(ctx context.Context, req OrderRequest) (string, error) {
	side := binance.SideTypeBuy
	if req.Side == models.Sell {
		side = binance.SideTypeSell
	}
	res, err := e.client.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(side).
		Type(binance.OrderTypeLimit).
		TimeInForce(binance.TimeInForceTypeGTC).
		Quantity(req.Volume.String()).
		Price(req.Price.String()).
		NewClientOrderID(req.ClientRef).
		Do(ctx)
	if err != nil {
		return "", fmt.Errorf("placing %s %s@%s: %w", req.Side, req.Volume, req.Price, err)
	}
	return strconv.FormatInt(res.OrderID, 10), nil
}

func (e *BinanceExchange) CancelOrder(ctx context.Context, symbol, orderID string) error {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return fmt.Errorf("malformed order id %q: %w", orderID, err)
	}
	_, err = e.client.NewCancelOrderService().
		Symbol(symbol).
		OrderID(id).
		Do(ctx)
	if isUnknownOrder(err) {
		return ErrOrderNotFound
	}
	return err
}

func (e *BinanceExchange) GetOpenOrders(ctx context.Context, symbol string) ([]models.Order, error) {
	raw, err := e.client.NewListOpenOrdersService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, err
	}
	orders := make([]models.Order, 0, len(raw))
	for _, o := range raw {
		converted, err := convertRestOrder(o)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *converted)
	}
	return orders, nil
}

func (e *BinanceExchange) QueryOrder(ctx context.Context, symbol, orderID string) (*models.Order, error) {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("malformed order id %q: %w", orderID, err)
	}
	o, err := e.client.NewGetOrderService().Symbol(symbol).OrderID(id).Do(ctx)
	if isUnknownOrder(err) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	return convertRestOrder(o)
}

func (e *BinanceExchange) GetBalances(ctx context.Context) ([]models.Balance, error) {
	acct, err := e.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, err
	}
	var balances []models.Balance
	for _, b := range acct.Balances {
		free, err := decimal.NewFromString(b.Free)
		if err != nil {
			return nil, fmt.Errorf("parsing free balance of %s: %w", b.Asset, err)
		}
		locked, err := decimal.NewFromString(b.Locked)
		if err != nil {
			return nil, fmt.Errorf("parsing locked balance of %s: %w", b.Asset, err)
		}
		if free.Sign() == 0 && locked.Sign() == 0 {
			continue
		}
		balances = append(balances, models.Balance{
			Asset:     b.Asset,
			Total:     free.Add(locked),
			Available: free,
		})
	}
	return balances, nil
}

// Start opens the trade stream and the user-data stream. Each stream runs its
// own read loop with reconnect; a lost connection is reported as a
// connectivity event so the engine can re-sync once the stream is back.
func (e *BinanceExchange) Start(ctx context.Context, symbol string) (<-chan models.Event, error) {
	listenKey, err := e.client.NewStartUserStreamService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("starting user data stream: %w", err)
	}

	tradeURL := fmt.Sprintf("%s/%s@trade", e.wsBase, strings.ToLower(symbol))
	userURL := fmt.Sprintf("%s/%s", e.wsBase, listenKey)

	e.wg.Add(3)
	go e.streamLoop(ctx, tradeURL, symbol, e.handleTradeMessage)
	go e.streamLoop(ctx, userURL, symbol, e.handleUserMessage)
	go e.keepAliveLoop(ctx, listenKey)

	go func() {
		e.wg.Wait()
		close(e.events)
	}()
	return e.events, nil
}

// streamLoop dials a stream and pumps messages until shutdown, reconnecting
// on read errors. Connectivity transitions are emitted around each outage.
func (e *BinanceExchange) streamLoop(ctx context.Context, url, symbol string, handle func(symbol string, msg []byte)) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.done:
			return
		default:
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
		if err != nil {
			e.logger.Warnw("Stream dial failed, retrying", "url", url, "error", err)
			if !e.sleep(ctx, wsReconnectDelay) {
				return
			}
			continue
		}
		e.emit(models.Event{
			Type:      models.ConnectivityEvent,
			Timestamp: time.Now(),
			Data:      models.ConnectivityData{Connected: true},
		})
		e.readLoop(ctx, conn, symbol, handle)
		conn.Close()

		select {
		case <-ctx.Done():
			return
		case <-e.done:
			return
		default:
		}
		e.emit(models.Event{
			Type:      models.ConnectivityEvent,
			Timestamp: time.Now(),
			Data:      models.ConnectivityData{Connected: false},
		})
		if !e.sleep(ctx, wsReconnectDelay) {
			return
		}
	}
}

func (e *BinanceExchange) readLoop(ctx context.Context, conn *websocket.Conn, symbol string, handle func(symbol string, msg []byte)) {
	// The server pings periodically; answering extends the read deadline.
	conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(5*time.Second))
	})

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
		case <-e.done:
		case <-stop:
			return
		}
		conn.Close()
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-ctx.Done():
			case <-e.done:
			default:
				e.logger.Warnw("Stream read failed", "error", err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		handle(symbol, msg)
	}
}

func (e *BinanceExchange) keepAliveLoop(ctx context.Context, listenKey string) {
	defer e.wg.Done()
	ticker := time.NewTicker(listenKeyKeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.done:
			return
		case <-ticker.C:
			err := e.client.NewKeepaliveUserStreamService().ListenKey(listenKey).Do(ctx)
			if err != nil {
				e.logger.Warnw("Listen key keepalive failed", "error", err)
			}
		}
	}
}

type tradeMessage struct {
	EventType string `json:"e"`
	Price     string `json:"p"`
}

func (e *BinanceExchange) handleTradeMessage(symbol string, msg []byte) {
	var t tradeMessage
	if err := json.Unmarshal(msg, &t); err != nil || t.EventType != "trade" {
		return
	}
	price, err := decimal.NewFromString(t.Price)
	if err != nil {
		e.logger.Warnw("Unparseable trade price", "raw", t.Price)
		return
	}
	e.emit(models.Event{
		Type:      models.TickerEvent,
		Timestamp: time.Now(),
		Data:      models.TickerData{Symbol: symbol, Price: price},
	})
}

type executionReport struct {
	EventType     string `json:"e"`
	OrderID       int64  `json:"i"`
	ClientOrderID string `json:"c"`
	Status        string `json:"X"`
	CumFilled     string `json:"z"`
	Price         string `json:"p"`
}

func (e *BinanceExchange) handleUserMessage(symbol string, msg []byte) {
	var r executionReport
	if err := json.Unmarshal(msg, &r); err != nil || r.EventType != "executionReport" {
		return
	}
	filled, err := decimal.NewFromString(r.CumFilled)
	if err != nil {
		e.logger.Warnw("Unparseable fill volume", "raw", r.CumFilled)
		return
	}
	price, err := decimal.NewFromString(r.Price)
	if err != nil {
		price = decimal.Zero
	}
	e.emit(models.Event{
		Type:      models.OrderUpdateEvent,
		Timestamp: time.Now(),
		Data: models.OrderUpdateData{
			OrderID:      strconv.FormatInt(r.OrderID, 10),
			ClientRef:    r.ClientOrderID,
			Status:       convertStatus(r.Status),
			FilledVolume: filled,
			Price:        price,
		},
	})
}

func (e *BinanceExchange) emit(ev models.Event) {
	select {
	case e.events <- ev:
	case <-e.done:
	}
}

func (e *BinanceExchange) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-e.done:
		return false
	case <-time.After(d):
		return true
	}
}

// Close stops the stream loops. The event channel closes once they drain.
func (e *BinanceExchange) Close() error {
	e.closeOnce.Do(func() { close(e.done) })
	return nil
}

func convertRestOrder(o *binance.Order) (*models.Order, error) {
	price, err := decimal.NewFromString(o.Price)
	if err != nil {
		return nil, fmt.Errorf("parsing price of order %d: %w", o.OrderID, err)
	}
	volume, err := decimal.NewFromString(o.OrigQuantity)
	if err != nil {
		return nil, fmt.Errorf("parsing volume of order %d: %w", o.OrderID, err)
	}
	filled, err := decimal.NewFromString(o.ExecutedQuantity)
	if err != nil {
		return nil, fmt.Errorf("parsing filled volume of order %d: %w", o.OrderID, err)
	}
	side := models.Buy
	if o.Side == binance.SideTypeSell {
		side = models.Sell
	}
	return &models.Order{
		ID:           strconv.FormatInt(o.OrderID, 10),
		ClientRef:    o.ClientOrderID,
		Symbol:       o.Symbol,
		Side:         side,
		Price:        price,
		Volume:       volume,
		FilledVolume: filled,
		Status:       convertStatus(string(o.Status)),
		CreatedAt:    time.UnixMilli(o.Time),
	}, nil
}

func convertStatus(s string) models.OrderStatus {
	switch s {
	case "NEW":
		return models.OrderOpen
	case "PARTIALLY_FILLED":
		return models.OrderPartiallyFilled
	case "FILLED":
		return models.OrderFilled
	case "CANCELED", "EXPIRED", "REJECTED":
		return models.OrderCancelled
	default:
		return models.OrderOpen
	}
}

func isUnknownOrder(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *common.APIError
	return errors.As(err, &apiErr) && apiErr.Code == unknownOrderApiCode
}
