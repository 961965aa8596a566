package config

import (
	"encoding/json"
	"fmt"
	"os"

	"crypto-grid-bot-go/internal/models"
)

// Load reads and validates a JSON config file.
func Load(path string) (*models.Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	cfg := &models.Config{}
	if err := json.NewDecoder(file).Decode(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func applyDefaults(cfg *models.Config) {
	if cfg.RetryAttempts == 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.RetryInitialDelayMs == 0 {
		cfg.RetryInitialDelayMs = 500
	}
	if cfg.PriceTimeoutSec == 0 {
		cfg.PriceTimeoutSec = 600
	}
	if cfg.StatusIntervalMin == 0 {
		cfg.StatusIntervalMin = 60
	}
	if cfg.DBPath == "" {
		cfg.DBPath = "data/gridbot"
	}
}
