package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"crypto-grid-bot-go/internal/exchange"
	"crypto-grid-bot-go/internal/ledger"
	"crypto-grid-bot-go/internal/models"
	"crypto-grid-bot-go/internal/planner"
	"crypto-grid-bot-go/internal/tsp"

	"github.com/shopspring/decimal"
)

// swingLotSuffix marks remembered lots that wait for the swing threshold
// instead of an immediate paired sell.
const swingLotSuffix = "/swing"

func isSwingLot(lot models.UnsoldLot) bool {
	return strings.HasSuffix(lot.BuyOrderID, swingLotSuffix)
}

// onOrderUpdate applies one order update from the stream. Updates for orders
// the ledger no longer tracks are duplicates or foreign and are skipped;
// re-applying a known update is a no-op, so duplicated delivery is harmless.
func (e *Engine) onOrderUpdate(ctx context.Context, data models.OrderUpdateData) error {
	order := e.ledger.Order(data.OrderID)
	if order == nil {
		e.logger.Debugw("Update for untracked order skipped", "order", data.OrderID)
		return nil
	}

	switch data.Status {
	case models.OrderFilled:
		changed, err := e.ledger.ApplyFill(data.OrderID, data.FilledVolume, models.OrderFilled)
		if err != nil {
			return err
		}
		if !changed {
			return nil
		}
		filled := *e.ledger.Order(data.OrderID)
		if filled.Side == models.Buy {
			return e.onBuyFilled(ctx, filled)
		}
		return e.onSellFilled(ctx, filled)

	case models.OrderCancelled:
		// Cancelled externally, e.g. by the operator. Our own cancellations
		// remove the order before the echo arrives.
		if data.FilledVolume.GreaterThan(order.FilledVolume) {
			if _, err := e.ledger.ApplyFill(data.OrderID, data.FilledVolume, models.OrderPartiallyFilled); err != nil {
				return err
			}
		}
		if err := e.ledger.MarkCancelled(data.OrderID); err != nil {
			return err
		}
		if err := e.ledger.Remove(data.OrderID); err != nil {
			return err
		}
		e.metrics.OrdersCancelled.WithLabelValues(e.cfg.Symbol, string(order.Side)).Inc()
		e.logger.Infow("Order cancelled externally", "order", data.OrderID)
		return e.trySurplusSell(ctx)

	default:
		_, err := e.ledger.ApplyFill(data.OrderID, data.FilledVolume, data.Status)
		return err
	}
}

func (e *Engine) onBuyFilled(ctx context.Context, o models.Order) error {
	e.metrics.OrdersFilled.WithLabelValues(e.cfg.Symbol, string(models.Buy)).Inc()
	e.notifier.Notifyf("[%s] buy filled: %s @ %s", e.cfg.Symbol, o.Volume, o.Price)
	e.logger.Infow("Buy filled", "order", o.ID, "price", o.Price, "volume", o.Volume)

	if !e.planner.BuyOnly() {
		lot := &models.UnsoldLot{BuyOrderID: o.ID, BuyPrice: o.Price, Volume: o.Volume}
		if err := e.ledger.AddUnsoldLot(lot); err != nil {
			return err
		}
	}
	if err := e.ledger.Remove(o.ID); err != nil {
		return err
	}
	return e.tradingPass(ctx)
}

func (e *Engine) onSellFilled(ctx context.Context, o models.Order) error {
	e.metrics.OrdersFilled.WithLabelValues(e.cfg.Symbol, string(models.Sell)).Inc()
	e.notifier.Notifyf("[%s] sell filled: %s @ %s", e.cfg.Symbol, o.Volume, o.Price)
	e.logger.Infow("Sell filled", "order", o.ID, "price", o.Price, "volume", o.Volume)

	if ts := e.tracker.ByActiveSell(o.ID); ts != nil {
		if err := e.tracker.Resolve(ts.BuyOrderID); err != nil {
			return err
		}
	}
	if err := e.ledger.Remove(o.ID); err != nil {
		return err
	}
	return e.tradingPass(ctx)
}

// tradingPass is the full maintenance pass: place overdue sells for
// remembered lots, convert accumulated surplus, then rebuild the buy ladder
// diff against the current price. Runs after fills, after sync, and on
// shift-up.
func (e *Engine) tradingPass(ctx context.Context) error {
	if !e.machine.CanTrade() || e.lastPrice.Sign() <= 0 {
		return nil
	}
	if err := e.placeSellsForLots(ctx); err != nil {
		return err
	}
	if err := e.trySurplusSell(ctx); err != nil {
		return err
	}
	return e.maintainBuyLadder(ctx)
}

func (e *Engine) maintainBuyLadder(ctx context.Context) error {
	openBuys := e.ledger.OpenOrdersBySide(models.Buy)
	available := e.ledger.Balance(e.cfg.QuoteCurrency).Available
	plan := e.planner.PlanBuyLadder(e.lastPrice, openBuys, available, e.ledger.OpenOrderValue())

	for _, sf := range plan.Shortfalls {
		e.logger.Warnw("Buy level skipped",
			"price", sf.Level.Price, "required", sf.Required, "available", sf.Available)
		e.notifier.Notifyf("[%s] buy level %s skipped: need %s, have %s",
			e.cfg.Symbol, sf.Level.Price, sf.Required, sf.Available)
	}

	for _, a := range plan.Actions {
		switch a.Type {
		case planner.ActionCancel:
			if _, err := e.cancelOrder(ctx, a.OrderID); err != nil {
				if isFatal(err) {
					return err
				}
				e.logger.Warnw("Cancel abandoned for this pass", "order", a.OrderID, "error", err)
			}
		case planner.ActionPlace:
			if _, err := e.placeOrder(ctx, a.Level.Side, a.Level.Price, a.Level.Volume); err != nil {
				if isFatal(err) {
					return err
				}
				e.logger.Warnw("Placement abandoned for this pass",
					"price", a.Level.Price, "error", err)
			}
		}
	}
	return nil
}

// placeSellsForLots places the pending sell for every remembered lot. With
// trailing enabled the lot arms a tracker and places its initial protective
// sell; otherwise the plain grid sell goes out. Swing lots wait for their
// price threshold and are handled by checkSwingSells.
func (e *Engine) placeSellsForLots(ctx context.Context) error {
	if e.planner.BuyOnly() {
		return nil
	}
	maxSells := e.planner.MaxOpenSells()
	for _, lot := range e.ledger.UnsoldLots() {
		if isSwingLot(lot) {
			continue
		}
		if maxSells > 0 && e.ledger.CountOpen(models.Sell) >= maxSells {
			e.logger.Debugw("Sell cap reached, lot stays remembered", "lot", lot.BuyOrderID)
			return nil
		}
		if err := e.placeSellForLot(ctx, lot); err != nil {
			if isFatal(err) {
				return err
			}
			e.logger.Warnw("Sell placement abandoned for this pass",
				"lot", lot.BuyOrderID, "error", err)
		}
	}
	return nil
}

func (e *Engine) placeSellForLot(ctx context.Context, lot models.UnsoldLot) error {
	level, ok := e.planner.SellForBuy(lot.BuyPrice, lot.Volume)
	if !ok {
		return e.ledger.RemoveUnsoldLot(lot.BuyOrderID)
	}

	var placedVolume decimal.Decimal
	if e.tracker.Enabled() {
		act := e.tracker.PendingSell(lot.BuyOrderID)
		if act == nil {
			if ts := e.tracker.StateFor(lot.BuyOrderID); ts != nil {
				// Tracker already has an active sell; the lot is stale.
				return e.ledger.RemoveUnsoldLot(lot.BuyOrderID)
			}
			armed, err := e.tracker.Arm(lot.BuyOrderID, lot.BuyPrice, level.Volume)
			if err != nil {
				return err
			}
			act = armed
		}
		id, err := e.placeOrder(ctx, models.Sell, act.Price, act.Volume)
		if err != nil {
			return err
		}
		if err := e.tracker.SellPlaced(lot.BuyOrderID, id); err != nil {
			return err
		}
		placedVolume = act.Volume
	} else {
		if _, err := e.placeOrder(ctx, models.Sell, level.Price, level.Volume); err != nil {
			return err
		}
		placedVolume = level.Volume
	}

	if err := e.ledger.RemoveUnsoldLot(lot.BuyOrderID); err != nil {
		return err
	}
	return e.rememberSwingRetention(lot, placedVolume)
}

// rememberSwingRetention keeps the retained fraction of a swing-variant lot
// as a separate remembered lot that sells once the swing threshold is
// crossed.
func (e *Engine) rememberSwingRetention(lot models.UnsoldLot, placedVolume decimal.Decimal) error {
	if e.cfg.Strategy != models.StrategySwing {
		return nil
	}
	retained := models.RoundDownToStep(lot.Volume.Sub(placedVolume), e.cfg.VolumeStep)
	if retained.Sign() <= 0 {
		return nil
	}
	return e.ledger.AddUnsoldLot(&models.UnsoldLot{
		BuyOrderID: lot.BuyOrderID + swingLotSuffix,
		BuyPrice:   lot.BuyPrice,
		Volume:     retained,
	})
}

// checkSwingSells sells remembered swing retention once price crosses two
// grid intervals above its buy.
func (e *Engine) checkSwingSells(ctx context.Context) error {
	if e.cfg.Strategy != models.StrategySwing {
		return nil
	}
	for _, lot := range e.ledger.UnsoldLots() {
		if !isSwingLot(lot) {
			continue
		}
		threshold := e.planner.SwingSellThreshold(lot.BuyPrice)
		if e.lastPrice.LessThan(threshold) {
			continue
		}
		if _, err := e.placeOrder(ctx, models.Sell, threshold, lot.Volume); err != nil {
			if isFatal(err) {
				return err
			}
			e.logger.Warnw("Swing sell abandoned for this pass",
				"lot", lot.BuyOrderID, "error", err)
			continue
		}
		if err := e.ledger.RemoveUnsoldLot(lot.BuyOrderID); err != nil {
			return err
		}
		e.notifier.Notifyf("[%s] swing sell placed: %s @ %s", e.cfg.Symbol, lot.Volume, threshold)
	}
	return nil
}

// trySurplusSell converts the partial-fill accumulator into a sell order once
// it is worth a full grid amount.
func (e *Engine) trySurplusSell(ctx context.Context) error {
	level, consume, ok := e.planner.SurplusSell(e.ledger.Surplus())
	if !ok {
		return nil
	}
	if _, err := e.placeOrder(ctx, models.Sell, level.Price, level.Volume); err != nil {
		if isFatal(err) {
			return err
		}
		e.logger.Warnw("Surplus sell abandoned for this pass", "error", err)
		return nil
	}
	if err := e.ledger.ConsumeSurplus(consume); err != nil {
		return err
	}
	e.notifier.Notifyf("[%s] surplus sell placed: %s @ %s", e.cfg.Symbol, level.Volume, level.Price)
	return nil
}

// execTrailingActions performs the exchange mutations a tick of the trailing
// stop tracker requested. A failed cancel re-links the old sell so the
// tracker retries it; a cancel that turns out to be a fill skips the
// follow-up placement for that lot.
func (e *Engine) execTrailingActions(ctx context.Context, actions []tsp.Action) error {
	skip := make(map[string]bool)
	for _, a := range actions {
		if skip[a.BuyOrderID] {
			continue
		}
		switch a.Type {
		case tsp.ActionCancelSell:
			resolved, err := e.cancelOrder(ctx, a.CancelOrderID)
			if err != nil {
				if isFatal(err) {
					return err
				}
				// Keep the old sell attached; the next tick retries.
				if rerr := e.tracker.SellPlaced(a.BuyOrderID, a.CancelOrderID); rerr != nil {
					return rerr
				}
				skip[a.BuyOrderID] = true
				continue
			}
			if resolved {
				// The sell filled before we could cancel; the fill event
				// resolves the lot.
				skip[a.BuyOrderID] = true
			}
		case tsp.ActionPlaceSell:
			id, err := e.placeOrder(ctx, models.Sell, a.Price, a.Volume)
			if err != nil {
				if isFatal(err) {
					return err
				}
				e.logger.Warnw("Trailing sell abandoned, will retry",
					"lot", a.BuyOrderID, "error", err)
				continue
			}
			if err := e.tracker.SellPlaced(a.BuyOrderID, id); err != nil {
				return err
			}
		}
	}
	return nil
}

// settleMissedFills processes orders that filled while the instance was not
// listening, discovered by reconciliation. Buys become remembered lots; sells
// resolve their trackers. The next trading pass pairs sells exactly once.
func (e *Engine) settleMissedFills(ctx context.Context, orders []models.Order) error {
	for _, o := range orders {
		if o.Side == models.Buy {
			if !e.planner.BuyOnly() {
				lot := &models.UnsoldLot{BuyOrderID: o.ID, BuyPrice: o.Price, Volume: o.Volume}
				if err := e.ledger.AddUnsoldLot(lot); err != nil {
					return err
				}
			}
			e.logger.Infow("Buy filled while away", "order", o.ID, "price", o.Price)
		} else {
			if ts := e.tracker.ByActiveSell(o.ID); ts != nil {
				if err := e.tracker.Resolve(ts.BuyOrderID); err != nil {
					return err
				}
			}
			e.logger.Infow("Sell filled while away", "order", o.ID, "price", o.Price)
		}
		e.metrics.OrdersFilled.WithLabelValues(e.cfg.Symbol, string(o.Side)).Inc()
		if err := e.ledger.Remove(o.ID); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) cancelAllBuys(ctx context.Context) error {
	for _, o := range e.ledger.OpenOrdersBySide(models.Buy) {
		if _, err := e.cancelOrder(ctx, o.ID); err != nil {
			if isFatal(err) {
				return err
			}
			e.logger.Warnw("Cancel abandoned", "order", o.ID, "error", err)
		}
	}
	return nil
}

// placementGrace bounds how long an in-flight submission may keep running
// once the engine context is cancelled.
const placementGrace = 15 * time.Second

// placeOrder submits one limit order through the retry wrapper. The trading
// gate is re-checked here, immediately before the exchange call, because
// state may have changed since the decision to place was made.
//
// The exchange call runs detached from the engine context: a shutdown must
// not abort a submission that may already be on the wire, so the call
// finishes (or times out) and the order is confirmed or known-failed before
// the loop exits.
func (e *Engine) placeOrder(ctx context.Context, side models.Side, price, volume decimal.Decimal) (string, error) {
	if !e.machine.CanTrade() {
		return "", fmt.Errorf("not placing %s order in state %s", side, e.machine.State())
	}
	opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), placementGrace)
	defer cancel()
	order := &models.Order{
		ClientRef: e.newClientRef(),
		Symbol:    e.cfg.Symbol,
		Side:      side,
		Price:     price,
		Volume:    volume,
		Status:    models.OrderPending,
		UserRef:   e.cfg.UserRef,
		CreatedAt: time.Now(),
	}
	if err := e.ledger.TrackPending(order); err != nil {
		return "", err
	}

	var id string
	err := e.withRetry(opCtx, "place", func() error {
		var perr error
		id, perr = e.exch.PlaceOrder(opCtx, exchange.OrderRequest{
			Symbol:    e.cfg.Symbol,
			Side:      side,
			Price:     price,
			Volume:    volume,
			ClientRef: order.ClientRef,
		})
		return perr
	})
	if err != nil {
		// Nothing was executed, so the pending row is simply dropped. If the
		// order did go through despite the error, reconciliation adopts it
		// by client reference.
		if rerr := e.ledger.Remove(order.ClientRef); rerr != nil {
			return "", rerr
		}
		return "", err
	}
	if err := e.ledger.Confirm(order.ClientRef, id); err != nil {
		return "", err
	}
	e.metrics.OrdersPlaced.WithLabelValues(e.cfg.Symbol, string(side)).Inc()
	e.logger.Infow("Order placed", "order", id, "side", side, "price", price, "volume", volume)
	e.notifier.Notifyf("[%s] %s placed: %s @ %s", e.cfg.Symbol, side, volume, price)
	return id, nil
}

// cancelOrder cancels one resting order. An order the exchange no longer
// knows gets one confirmatory fetch: a fill found there is applied through
// the regular fill path and reported via the bool result.
func (e *Engine) cancelOrder(ctx context.Context, orderID string) (resolvedAsFill bool, err error) {
	order := e.ledger.Order(orderID)
	cerr := e.withRetry(ctx, "cancel", func() error {
		return e.exch.CancelOrder(ctx, e.cfg.Symbol, orderID)
	})
	if errors.Is(cerr, exchange.ErrOrderNotFound) {
		remote, qerr := e.exch.QueryOrder(ctx, e.cfg.Symbol, orderID)
		if qerr != nil && !errors.Is(qerr, exchange.ErrOrderNotFound) {
			return false, qerr
		}
		if remote != nil && remote.Status == models.OrderFilled {
			if order != nil {
				return true, e.onOrderUpdate(ctx, models.OrderUpdateData{
					OrderID:      orderID,
					ClientRef:    order.ClientRef,
					Status:       models.OrderFilled,
					FilledVolume: remote.FilledVolume,
					Price:        remote.Price,
				})
			}
			return true, nil
		}
		// Already gone remotely; fall through and settle locally.
	} else if cerr != nil {
		return false, cerr
	}

	if order == nil {
		return false, nil
	}
	if err := e.ledger.MarkCancelled(orderID); err != nil {
		return false, err
	}
	if err := e.ledger.Remove(orderID); err != nil {
		return false, err
	}
	e.metrics.OrdersCancelled.WithLabelValues(e.cfg.Symbol, string(order.Side)).Inc()
	e.logger.Infow("Order cancelled", "order", orderID)
	return false, nil
}

// withRetry runs an exchange call with bounded retries and doubling delay.
// Order-not-found is never retried, the caller handles it.
func (e *Engine) withRetry(ctx context.Context, op string, fn func() error) error {
	attempts := e.cfg.RetryAttempts
	if attempts < 1 {
		attempts = 1
	}
	delay := time.Duration(e.cfg.RetryInitialDelayMs) * time.Millisecond
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if errors.Is(err, exchange.ErrOrderNotFound) || errors.Is(err, context.Canceled) {
			return err
		}
		if i < attempts-1 {
			e.logger.Warnw("Exchange call failed, retrying",
				"op", op, "attempt", i+1, "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
	}
	e.metrics.RetryExhausted.WithLabelValues(e.cfg.Symbol, op).Inc()
	return fmt.Errorf("%s failed after %d attempts: %w", op, attempts, err)
}

// isFatal classifies errors that must halt the instance rather than being
// abandoned for the current pass.
func isFatal(err error) bool {
	return errors.Is(err, ledger.ErrInvariant)
}
