package models

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Strategy selects the sell-side rule of the ladder planner. New variants are
// data (a capability record in the planner), not new types.
type Strategy string

const (
	StrategyGridHODL Strategy = "GridHODL"
	StrategyGridSell Strategy = "GridSell"
	StrategySwing    Strategy = "SWING"
	StrategyCDCA     Strategy = "cDCA"
)

// Valid reports whether s names a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyGridHODL, StrategyGridSell, StrategySwing, StrategyCDCA:
		return true
	}
	return false
}

// Config holds all parameters of one bot instance.
type Config struct {
	IsTestnet     bool   `json:"is_testnet"`
	DBPath        string `json:"db_path"`
	Symbol        string `json:"symbol"`
	BaseCurrency  string `json:"base_currency"`
	QuoteCurrency string `json:"quote_currency"`

	Strategy        Strategy        `json:"strategy"`
	GridAmount      decimal.Decimal `json:"grid_amount"`  // quote currency per grid level
	IntervalPct     decimal.Decimal `json:"interval_pct"` // e.g. 0.02 for 2%
	TSPPct          decimal.Decimal `json:"tsp_pct"`      // 0 disables trailing stop profit
	NOpenBuyOrders  int             `json:"n_open_buy_orders"`
	NOpenSellOrders int             `json:"n_open_sell_orders"`
	MaxInvestment   decimal.Decimal `json:"max_investment"` // 0 means unlimited
	FeePct          decimal.Decimal `json:"fee_pct"`
	PriceTick       decimal.Decimal `json:"price_tick"`
	VolumeStep      decimal.Decimal `json:"volume_step"`
	UserRef         int64           `json:"user_ref"`

	RetryAttempts       int `json:"retry_attempts"`
	RetryInitialDelayMs int `json:"retry_initial_delay_ms"`
	PriceTimeoutSec     int `json:"price_timeout_sec"`
	StatusIntervalMin   int `json:"status_interval_min"`

	DriftTolerance decimal.Decimal `json:"drift_tolerance"` // reconciliation balance tolerance

	MetricsListenAddr string         `json:"metrics_listen_addr"`
	Telegram          TelegramConfig `json:"telegram"`
	LogConfig         LogConfig      `json:"log"`
}

// TelegramConfig configures the Telegram notifier. The token usually comes
// from the environment rather than the config file.
type TelegramConfig struct {
	Enabled bool   `json:"enabled"`
	ChatID  int64  `json:"chat_id"`
	Token   string `json:"token,omitempty"`
}

// LogConfig defines logging behaviour.
type LogConfig struct {
	Level      string `json:"level"`       // "debug", "info", "warn", "error"
	Output     string `json:"output"`      // "console", "file", "both"
	File       string `json:"file"`        // log file path
	MaxSize    int    `json:"max_size"`    // max size per file in MB
	MaxBackups int    `json:"max_backups"` // number of rotated files to keep
	MaxAge     int    `json:"max_age"`     // max age of rotated files in days
	Compress   bool   `json:"compress"`
}

// Validate checks the configuration for values the engine cannot run with.
func (c *Config) Validate() error {
	if c.Symbol == "" {
		return fmt.Errorf("symbol must be set")
	}
	if c.BaseCurrency == "" || c.QuoteCurrency == "" {
		return fmt.Errorf("base_currency and quote_currency must be set")
	}
	if !c.Strategy.Valid() {
		return fmt.Errorf("unknown strategy %q", c.Strategy)
	}
	if c.GridAmount.Sign() <= 0 {
		return fmt.Errorf("grid_amount must be positive, got %s", c.GridAmount)
	}
	if c.IntervalPct.Sign() <= 0 || c.IntervalPct.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("interval_pct must be in (0, 1), got %s", c.IntervalPct)
	}
	if c.TSPPct.Sign() < 0 {
		return fmt.Errorf("tsp_pct must not be negative, got %s", c.TSPPct)
	}
	if c.NOpenBuyOrders <= 0 {
		return fmt.Errorf("n_open_buy_orders must be positive, got %d", c.NOpenBuyOrders)
	}
	if c.UserRef <= 0 {
		return fmt.Errorf("user_ref must be positive, got %d", c.UserRef)
	}
	if c.MaxInvestment.Sign() < 0 {
		return fmt.Errorf("max_investment must not be negative, got %s", c.MaxInvestment)
	}
	if c.FeePct.Sign() < 0 {
		return fmt.Errorf("fee_pct must not be negative, got %s", c.FeePct)
	}
	return nil
}
