package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics holds the instrument set of one process. Instances share the
// registry and are told apart by the symbol label.
type Metrics struct {
	OrdersPlaced    *prometheus.CounterVec
	OrdersFilled    *prometheus.CounterVec
	OrdersCancelled *prometheus.CounterVec
	EventsProcessed *prometheus.CounterVec
	RetryExhausted  *prometheus.CounterVec
	Reconciliations *prometheus.CounterVec
	LastPrice       *prometheus.GaugeVec
	OpenOrders      *prometheus.GaugeVec
	SurplusVolume   *prometheus.GaugeVec
	BotState        *prometheus.GaugeVec
}

// New registers the instrument set on the given registerer. Production code
// passes prometheus.DefaultRegisterer; tests pass a fresh registry.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		OrdersPlaced: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gridbot_orders_placed_total",
			Help: "Limit orders successfully placed.",
		}, []string{"symbol", "side"}),
		OrdersFilled: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gridbot_orders_filled_total",
			Help: "Orders fully filled.",
		}, []string{"symbol", "side"}),
		OrdersCancelled: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gridbot_orders_cancelled_total",
			Help: "Orders cancelled.",
		}, []string{"symbol", "side"}),
		EventsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gridbot_events_processed_total",
			Help: "Events consumed from the exchange streams.",
		}, []string{"symbol", "type"}),
		RetryExhausted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gridbot_retry_exhausted_total",
			Help: "Exchange calls abandoned after exhausting retries.",
		}, []string{"symbol", "op"}),
		Reconciliations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gridbot_reconciliations_total",
			Help: "Reconciliation passes run.",
		}, []string{"symbol"}),
		LastPrice: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gridbot_last_price",
			Help: "Last received ticker price.",
		}, []string{"symbol"}),
		OpenOrders: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gridbot_open_orders",
			Help: "Currently resting orders.",
		}, []string{"symbol", "side"}),
		SurplusVolume: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gridbot_surplus_volume",
			Help: "Accumulated partial-fill surplus in base currency.",
		}, []string{"symbol"}),
		BotState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gridbot_state",
			Help: "Current lifecycle state, 1 for the active one.",
		}, []string{"symbol", "state"}),
	}
}

// SetState flips the state gauge so exactly one state reads 1.
func (m *Metrics) SetState(symbol, state string) {
	for _, s := range []string{"INITIALIZING", "SYNCING", "RUNNING", "ERROR", "SHUTTING_DOWN"} {
		v := 0.0
		if s == state {
			v = 1.0
		}
		m.BotState.WithLabelValues(symbol, s).Set(v)
	}
}

// Serve exposes /metrics on addr in the background.
func Serve(addr string, logger *zap.SugaredLogger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorw("Metrics server failed", "error", err)
		}
	}()
	return srv
}
