package reconcile

import (
	"context"
	"errors"
	"fmt"

	"crypto-grid-bot-go/internal/exchange"
	"crypto-grid-bot-go/internal/ledger"
	"crypto-grid-bot-go/internal/models"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrDriftExceeded is returned when the remote balance disagrees with the
// local view beyond the configured tolerance. The instance halts pending
// operator attention.
var ErrDriftExceeded = errors.New("balance drift exceeds tolerance")

// Result summarizes one reconciliation pass. FilledWhileAway lists local buy
// and sell orders that turned out to be filled on the exchange while the
// instance was not listening; the engine pairs sells for them afterwards.
type Result struct {
	Resolved        int
	Adopted         int
	FilledWhileAway []models.Order
	Drift           map[string]decimal.Decimal
}

// Reconciler restores agreement between the local ledger and the exchange's
// authoritative state. It runs during SYNCING and after reconnects, and is
// idempotent: a second pass with no intervening exchange change mutates
// nothing.
type Reconciler struct {
	symbol    string
	exch      exchange.Exchange
	ledger    *ledger.Ledger
	ownsRef   func(clientRef string) bool
	tolerance decimal.Decimal
	logger    *zap.SugaredLogger
}

// New builds a reconciler. ownsRef recognizes this instance's client order
// references so foreign orders on a shared account are left alone.
func New(symbol string, exch exchange.Exchange, ldg *ledger.Ledger, ownsRef func(string) bool, tolerance decimal.Decimal, logger *zap.SugaredLogger) *Reconciler {
	return &Reconciler{
		symbol:    symbol,
		exch:      exch,
		ledger:    ldg,
		ownsRef:   ownsRef,
		tolerance: tolerance,
		logger:    logger,
	}
}

// Run performs one full reconciliation pass.
func (r *Reconciler) Run(ctx context.Context) (*Result, error) {
	remoteOrders, err := r.exch.GetOpenOrders(ctx, r.symbol)
	if err != nil {
		return nil, fmt.Errorf("fetching open orders: %w", err)
	}
	remoteBalances, err := r.exch.GetBalances(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching balances: %w", err)
	}

	remoteByID := make(map[string]*models.Order, len(remoteOrders))
	remoteByRef := make(map[string]*models.Order, len(remoteOrders))
	for i := range remoteOrders {
		o := &remoteOrders[i]
		remoteByID[o.ID] = o
		if o.ClientRef != "" {
			remoteByRef[o.ClientRef] = o
		}
	}

	result := &Result{Drift: make(map[string]decimal.Decimal)}

	if err := r.resolveLocal(ctx, remoteByID, remoteByRef, result); err != nil {
		return nil, err
	}
	if err := r.adoptRemote(remoteOrders, result); err != nil {
		return nil, err
	}
	if err := r.reconcileBalances(remoteBalances, result); err != nil {
		return result, err
	}

	r.logger.Infow("Reconciliation complete",
		"resolved", result.Resolved, "adopted", result.Adopted,
		"filledWhileAway", len(result.FilledWhileAway))
	return result, nil
}

// resolveLocal settles every locally resting order that the exchange no
// longer lists as open. The exchange's order history decides whether it
// filled or was cancelled; nothing is assumed silently.
func (r *Reconciler) resolveLocal(ctx context.Context, remoteByID, remoteByRef map[string]*models.Order, result *Result) error {
	for _, local := range r.ledger.OpenOrders() {
		if local.ID != "" {
			if remote, ok := remoteByID[local.ID]; ok {
				// Still open remotely; catch up on any partial fill we
				// missed while away.
				if remote.FilledVolume.GreaterThan(local.FilledVolume) {
					if _, err := r.ledger.ApplyFill(local.ID, remote.FilledVolume, remote.Status); err != nil {
						return err
					}
					result.Resolved++
				}
				continue
			}
			if err := r.resolveByHistory(ctx, local, result); err != nil {
				return err
			}
			continue
		}

		// Pending order without an id: the crash happened inside the
		// acknowledgement gap. If the exchange knows the client reference the
		// order went through; otherwise it never existed remotely.
		if remote, ok := remoteByRef[local.ClientRef]; ok {
			if err := r.ledger.Confirm(local.ClientRef, remote.ID); err != nil {
				return err
			}
			result.Resolved++
			continue
		}
		if err := r.ledger.MarkCancelled(local.ClientRef); err != nil {
			return err
		}
		if err := r.ledger.Remove(local.ClientRef); err != nil {
			return err
		}
		result.Resolved++
		r.logger.Warnw("Dropped unacknowledged pending order", "clientRef", local.ClientRef)
	}
	return nil
}

func (r *Reconciler) resolveByHistory(ctx context.Context, local models.Order, result *Result) error {
	remote, err := r.exch.QueryOrder(ctx, r.symbol, local.ID)
	if errors.Is(err, exchange.ErrOrderNotFound) {
		// Not even in history: treat as cancelled.
		if err := r.ledger.MarkCancelled(local.ID); err != nil {
			return err
		}
		if err := r.ledger.Remove(local.ID); err != nil {
			return err
		}
		result.Resolved++
		r.logger.Warnw("Local order unknown to exchange, dropped", "order", local.ID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("looking up order %s: %w", local.ID, err)
	}

	switch remote.Status {
	case models.OrderFilled:
		if _, err := r.ledger.ApplyFill(local.ID, remote.FilledVolume, models.OrderFilled); err != nil {
			return err
		}
		if filled := r.ledger.Order(local.ID); filled != nil {
			result.FilledWhileAway = append(result.FilledWhileAway, *filled)
		}
	case models.OrderCancelled:
		if remote.FilledVolume.GreaterThan(local.FilledVolume) {
			if _, err := r.ledger.ApplyFill(local.ID, remote.FilledVolume, models.OrderPartiallyFilled); err != nil {
				return err
			}
		}
		if err := r.ledger.MarkCancelled(local.ID); err != nil {
			return err
		}
		if err := r.ledger.Remove(local.ID); err != nil {
			return err
		}
	default:
		// Reported open by history but missing from the open order list;
		// leave it for the next pass rather than guessing.
		r.logger.Warnw("Order in ambiguous remote state", "order", local.ID, "status", remote.Status)
		return nil
	}
	result.Resolved++
	return nil
}

// adoptRemote inserts remote open orders carrying this instance's client
// reference that the ledger does not know, protecting against a crash
// between acknowledgement and persistence.
func (r *Reconciler) adoptRemote(remoteOrders []models.Order, result *Result) error {
	for i := range remoteOrders {
		remote := remoteOrders[i]
		if !r.ownsRef(remote.ClientRef) {
			continue
		}
		if r.ledger.Order(remote.ID) != nil {
			continue
		}
		if err := r.ledger.Adopt(&remote); err != nil {
			return err
		}
		result.Adopted++
		r.logger.Infow("Adopted remote order",
			"order", remote.ID, "side", remote.Side, "price", remote.Price)
	}
	return nil
}

// reconcileBalances installs the remote totals as ground truth and records
// the delta against the previous local view as drift.
func (r *Reconciler) reconcileBalances(remote []models.Balance, result *Result) error {
	for _, b := range remote {
		local := r.ledger.Balance(b.Asset)
		if local.Total.Sign() != 0 {
			drift := b.Total.Sub(local.Total)
			if drift.Sign() != 0 {
				result.Drift[b.Asset] = drift
				r.logger.Warnw("Balance drift detected",
					"asset", b.Asset, "local", local.Total, "remote", b.Total, "drift", drift)
			}
		}
	}
	r.ledger.SetBalanceTotals(remote)

	if r.tolerance.Sign() > 0 {
		for asset, drift := range result.Drift {
			if drift.Abs().GreaterThan(r.tolerance) {
				return fmt.Errorf("%w: %s drifted by %s", ErrDriftExceeded, asset, drift)
			}
		}
	}
	return nil
}
