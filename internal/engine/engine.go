package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"crypto-grid-bot-go/internal/exchange"
	"crypto-grid-bot-go/internal/ledger"
	"crypto-grid-bot-go/internal/metrics"
	"crypto-grid-bot-go/internal/models"
	"crypto-grid-bot-go/internal/notify"
	"crypto-grid-bot-go/internal/persistence"
	"crypto-grid-bot-go/internal/planner"
	"crypto-grid-bot-go/internal/reconcile"
	"crypto-grid-bot-go/internal/report"
	"crypto-grid-bot-go/internal/statemachine"
	"crypto-grid-bot-go/internal/tsp"

	"github.com/google/uuid"
	"github.com/jxskiss/base62"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const staleCheckInterval = 30 * time.Second

// Engine is the event loop of one bot instance. It is the only component
// that talks to the exchange and the only mutator of the ledger; every other
// component is synchronous and deterministic. One engine per trading pair;
// several engines may share one process and one persistence backend.
type Engine struct {
	cfg      *models.Config
	exch     exchange.Exchange
	repo     persistence.Repository
	ledger   *ledger.Ledger
	planner  *planner.Planner
	tracker  *tsp.Tracker
	machine  *statemachine.Machine
	rec      *reconcile.Reconciler
	notifier notify.Notifier
	metrics  *metrics.Metrics
	logger   *zap.SugaredLogger

	runID     string
	refPrefix string
	refSeq    int64

	lastPrice   decimal.Decimal
	lastTick    time.Time
	gridChanged bool
}

// New wires an engine from its collaborators. The ledger, planner, trailing
// stop tracker, state machine, and reconciler are built here so callers only
// provide the boundary pieces.
func New(cfg *models.Config, exch exchange.Exchange, repo persistence.Repository, notifier notify.Notifier, m *metrics.Metrics, logger *zap.SugaredLogger) (*Engine, error) {
	ldg, err := ledger.New(cfg.UserRef, cfg.BaseCurrency, cfg.QuoteCurrency, repo, logger)
	if err != nil {
		return nil, fmt.Errorf("building ledger: %w", err)
	}
	tracker, err := tsp.New(cfg.UserRef, cfg.IntervalPct, cfg.TSPPct, cfg.FeePct, cfg.PriceTick, repo, logger)
	if err != nil {
		return nil, fmt.Errorf("building trailing stop tracker: %w", err)
	}
	persisted, err := repo.LoadBotState(cfg.UserRef)
	if err != nil {
		return nil, fmt.Errorf("loading bot state: %w", err)
	}

	e := &Engine{
		cfg:       cfg,
		exch:      exch,
		repo:      repo,
		ledger:    ldg,
		planner:   planner.New(cfg, logger),
		tracker:   tracker,
		machine:   statemachine.New(statemachine.State(persisted), logger),
		notifier:  notifier,
		metrics:   m,
		logger:    logger,
		runID:     uuid.NewString(),
		refPrefix: "g" + string(base62.FormatInt(cfg.UserRef)) + "-",
	}
	e.rec = reconcile.New(cfg.Symbol, exch, ldg, e.ownsRef, cfg.DriftTolerance, logger)

	e.machine.OnTransition(func(from, to statemachine.State) {
		if err := repo.SaveBotState(cfg.UserRef, string(to)); err != nil {
			logger.Errorw("Persisting bot state failed", "error", err)
		}
		m.SetState(cfg.Symbol, string(to))
		notifier.Notifyf("[%s] %s -> %s", cfg.Symbol, from, to)
	})
	return e, nil
}

// ownsRef recognizes client order references generated by this instance,
// across restarts: the prefix encodes the user reference, not the run.
func (e *Engine) ownsRef(ref string) bool {
	return strings.HasPrefix(ref, e.refPrefix)
}

// newClientRef builds a unique client order reference. The suffix is the
// submission time so references stay unique across restarts.
func (e *Engine) newClientRef() string {
	e.refSeq++
	return fmt.Sprintf("%s%s%s", e.refPrefix,
		base62.FormatInt(time.Now().UnixNano()), base62.FormatInt(e.refSeq))
}

// Run executes the instance until the context is cancelled or an
// unrecoverable persistence failure occurs. Trading faults transition the
// instance to ERROR and stop order placement without killing the process.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Infow("Starting instance",
		"symbol", e.cfg.Symbol, "strategy", e.cfg.Strategy, "runID", e.runID)

	if err := e.detectGridChange(); err != nil {
		return err
	}

	events, err := e.exch.Start(ctx, e.cfg.Symbol)
	if err != nil {
		return fmt.Errorf("starting exchange streams: %w", err)
	}

	if err := e.machine.TransitionTo(statemachine.Syncing); err != nil {
		return err
	}
	if err := e.sync(ctx); err != nil {
		if e.halt(err) {
			// Halted but alive: the operator can still inspect state.
			e.logger.Errorw("Instance halted during sync", "error", err)
		} else {
			return err
		}
	}

	statusEvery := time.Duration(e.cfg.StatusIntervalMin) * time.Minute
	if statusEvery <= 0 {
		statusEvery = time.Hour
	}
	statusTicker := time.NewTicker(statusEvery)
	defer statusTicker.Stop()
	staleTicker := time.NewTicker(staleCheckInterval)
	defer staleTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return e.shutdown()

		case ev, ok := <-events:
			if !ok {
				e.logger.Warnw("Event stream closed")
				return e.shutdown()
			}
			if err := e.handleEvent(ctx, ev); err != nil {
				if !e.halt(err) {
					return err
				}
			}

		case <-statusTicker.C:
			e.reportStatus()

		case <-staleTicker.C:
			if err := e.checkStaleness(ctx); err != nil {
				if !e.halt(err) {
					return err
				}
			}
		}
	}
}

// halt reacts to a trading fault: invariant violations, invalid transitions,
// and irreconcilable drift move the instance to ERROR, leaving resting orders
// untouched. Returns false for faults that must kill the process, i.e.
// persistence failures.
func (e *Engine) halt(err error) bool {
	switch {
	case errors.Is(err, ledger.ErrInvariant),
		errors.Is(err, statemachine.ErrInvalidTransition),
		errors.Is(err, reconcile.ErrDriftExceeded):
		e.logger.Errorw("Fatal trading fault, halting instance", "error", err)
		e.notifier.Notifyf("[%s] HALTED: %v", e.cfg.Symbol, err)
		if terr := e.machine.TransitionTo(statemachine.Error); terr != nil {
			e.logger.Errorw("Transition to ERROR failed", "error", terr)
		}
		return true
	default:
		return false
	}
}

// detectGridChange compares the persisted grid parameters with the live
// configuration. A changed grid amount or interval invalidates the resting
// buy ladder, which is rebuilt after the first sync.
func (e *Engine) detectGridChange() error {
	saved, err := e.repo.LoadGridSettings(e.cfg.UserRef)
	if err != nil {
		return fmt.Errorf("loading grid settings: %w", err)
	}
	if saved != nil &&
		(!saved.GridAmount.Equal(e.cfg.GridAmount) || !saved.IntervalPct.Equal(e.cfg.IntervalPct)) {
		e.gridChanged = true
		e.logger.Infow("Grid parameters changed, buy ladder will be rebuilt",
			"oldAmount", saved.GridAmount, "newAmount", e.cfg.GridAmount,
			"oldInterval", saved.IntervalPct, "newInterval", e.cfg.IntervalPct)
	}
	return e.repo.SaveGridSettings(e.cfg.UserRef, &persistence.GridSettings{
		GridAmount:  e.cfg.GridAmount,
		IntervalPct: e.cfg.IntervalPct,
		TSPPct:      e.cfg.TSPPct,
	})
}

// sync runs reconciliation, settles fills that happened while away, and
// enters RUNNING.
func (e *Engine) sync(ctx context.Context) error {
	if err := e.machine.TransitionTo(statemachine.Syncing); err != nil {
		return err
	}
	var res *reconcile.Result
	err := e.withRetry(ctx, "reconcile", func() error {
		var rerr error
		res, rerr = e.rec.Run(ctx)
		return rerr
	})
	if err != nil {
		return err
	}
	e.metrics.Reconciliations.WithLabelValues(e.cfg.Symbol).Inc()
	for asset, drift := range res.Drift {
		e.notifier.Notifyf("[%s] balance drift %s: %s", e.cfg.Symbol, asset, drift)
	}

	if err := e.settleMissedFills(ctx, res.FilledWhileAway); err != nil {
		return err
	}

	if e.gridChanged {
		if err := e.cancelAllBuys(ctx); err != nil {
			return err
		}
		e.gridChanged = false
	}

	if err := e.machine.TransitionTo(statemachine.Running); err != nil {
		return err
	}
	if e.lastPrice.Sign() > 0 {
		return e.tradingPass(ctx)
	}
	return nil
}

func (e *Engine) handleEvent(ctx context.Context, ev models.Event) error {
	e.metrics.EventsProcessed.WithLabelValues(e.cfg.Symbol, string(ev.Type)).Inc()
	switch ev.Type {
	case models.TickerEvent:
		data, ok := ev.Data.(models.TickerData)
		if !ok {
			return nil
		}
		return e.onTicker(ctx, data)
	case models.OrderUpdateEvent:
		data, ok := ev.Data.(models.OrderUpdateData)
		if !ok {
			return nil
		}
		return e.onOrderUpdate(ctx, data)
	case models.ConnectivityEvent:
		data, ok := ev.Data.(models.ConnectivityData)
		if !ok {
			return nil
		}
		return e.onConnectivity(ctx, data)
	}
	return nil
}

func (e *Engine) onTicker(ctx context.Context, data models.TickerData) error {
	firstTick := e.lastPrice.Sign() == 0
	e.lastPrice = data.Price
	e.lastTick = time.Now()
	e.metrics.LastPrice.WithLabelValues(e.cfg.Symbol).Set(price2float(data.Price))

	if !e.machine.CanTrade() {
		return nil
	}

	// The first price after sync seeds the ladder.
	if firstTick {
		return e.tradingPass(ctx)
	}

	actions, err := e.tracker.OnTick(data.Price)
	if err != nil {
		return err
	}
	if err := e.execTrailingActions(ctx, actions); err != nil {
		return err
	}
	if err := e.checkSwingSells(ctx); err != nil {
		return err
	}

	// The ladder itself is only re-planned when the market runs away above
	// it; fills drive the regular maintenance.
	if e.planner.NeedsShiftUp(data.Price, e.ledger.OpenOrdersBySide(models.Buy)) {
		return e.tradingPass(ctx)
	}
	return nil
}

func (e *Engine) onConnectivity(ctx context.Context, data models.ConnectivityData) error {
	if !data.Connected {
		e.logger.Warnw("Connectivity lost")
		if e.machine.State() == statemachine.Running {
			return e.machine.TransitionTo(statemachine.Syncing)
		}
		return nil
	}
	e.logger.Infow("Connectivity restored")
	if e.machine.State() == statemachine.Syncing {
		return e.sync(ctx)
	}
	return nil
}

// checkStaleness re-syncs when no price has arrived within the configured
// timeout, which usually means a silently dead stream.
func (e *Engine) checkStaleness(ctx context.Context) error {
	if !e.machine.CanTrade() || e.lastTick.IsZero() {
		return nil
	}
	timeout := time.Duration(e.cfg.PriceTimeoutSec) * time.Second
	if time.Since(e.lastTick) < timeout {
		return nil
	}
	e.logger.Warnw("Price feed stale, re-syncing", "lastTick", e.lastTick)
	e.notifier.Notifyf("[%s] price feed stale since %s", e.cfg.Symbol, e.lastTick.Format(time.RFC3339))
	e.lastTick = time.Now()
	return e.sync(ctx)
}

// shutdown finishes the in-flight action (the loop is synchronous, so by the
// time we get here nothing is half-applied), transitions to SHUTTING_DOWN,
// and closes the exchange.
func (e *Engine) shutdown() error {
	e.logger.Infow("Shutting down instance", "symbol", e.cfg.Symbol)
	if err := e.machine.TransitionTo(statemachine.ShuttingDown); err != nil {
		e.logger.Warnw("Transition to SHUTTING_DOWN failed", "error", err)
	}
	e.exch.Close()
	e.reportStatus()
	return nil
}

func (e *Engine) reportStatus() {
	status := report.Status{
		Symbol:    e.cfg.Symbol,
		State:     string(e.machine.State()),
		LastPrice: e.lastPrice,
		Orders:    e.ledger.OpenOrders(),
		Balances: []models.Balance{
			e.ledger.Balance(e.cfg.BaseCurrency),
			e.ledger.Balance(e.cfg.QuoteCurrency),
		},
		Surplus:  e.ledger.Surplus(),
		Trailing: e.tracker.States(),
	}
	rendered := report.Render(status)
	e.logger.Infof("Status report\n%s", rendered)
	e.notifier.Notify(rendered)

	e.metrics.OpenOrders.WithLabelValues(e.cfg.Symbol, string(models.Buy)).
		Set(float64(e.ledger.CountOpen(models.Buy)))
	e.metrics.OpenOrders.WithLabelValues(e.cfg.Symbol, string(models.Sell)).
		Set(float64(e.ledger.CountOpen(models.Sell)))
	e.metrics.SurplusVolume.WithLabelValues(e.cfg.Symbol).
		Set(price2float(e.ledger.Surplus().Volume))
}

func price2float(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}
