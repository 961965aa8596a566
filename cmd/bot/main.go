package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"crypto-grid-bot-go/internal/config"
	"crypto-grid-bot-go/internal/engine"
	"crypto-grid-bot-go/internal/exchange"
	"crypto-grid-bot-go/internal/logger"
	"crypto-grid-bot-go/internal/metrics"
	"crypto-grid-bot-go/internal/notify"
	"crypto-grid-bot-go/internal/persistence"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	configPath := flag.String("config", "config.json", "path to the config file")
	flag.Parse()

	// API credentials come from the environment; .env is a convenience for
	// local runs.
	godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.S().Fatalw("Loading config failed", "error", err)
	}

	logger.Init(cfg.LogConfig)
	log := logger.S()
	defer logger.L().Sync()

	apiKey := os.Getenv("BINANCE_API_KEY")
	secretKey := os.Getenv("BINANCE_SECRET_KEY")
	if apiKey == "" || secretKey == "" {
		log.Fatalw("BINANCE_API_KEY and BINANCE_SECRET_KEY must be set")
	}

	repo, err := persistence.NewBadgerRepository(cfg.DBPath)
	if err != nil {
		log.Fatalw("Opening database failed", "path", cfg.DBPath, "error", err)
	}
	defer repo.Close()

	var notifier notify.Notifier = notify.Nop{}
	if cfg.Telegram.Enabled {
		token := cfg.Telegram.Token
		if token == "" {
			token = os.Getenv("TELEGRAM_BOT_TOKEN")
		}
		tg, err := notify.NewTelegram(token, cfg.Telegram.ChatID, log)
		if err != nil {
			log.Fatalw("Connecting Telegram failed", "error", err)
		}
		defer tg.Close()
		notifier = tg
	}

	m := metrics.New(prometheus.DefaultRegisterer)
	if cfg.MetricsListenAddr != "" {
		srv := metrics.Serve(cfg.MetricsListenAddr, log)
		defer srv.Close()
	}

	exch := exchange.NewBinanceExchange(apiKey, secretKey, cfg.IsTestnet, log)

	eng, err := engine.New(cfg, exch, repo, notifier, m, log)
	if err != nil {
		log.Fatalw("Building engine failed", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := eng.Run(ctx); err != nil {
		log.Fatalw("Instance terminated", "error", err)
	}
	log.Infow("Shutdown complete")
}
