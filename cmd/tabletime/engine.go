package main

import (
	"fmt"
	"os"
	"time"

	"github.com/goodtune/tabletime/internal/billing"
	"github.com/goodtune/tabletime/internal/config"
	"github.com/goodtune/tabletime/internal/rates"
	"github.com/goodtune/tabletime/internal/storage"
	"github.com/goodtune/tabletime/internal/storage/bolt"
	"github.com/goodtune/tabletime/internal/storage/redis"
	"github.com/rs/zerolog"
)

// newEngine builds the rate book and calculator from configuration.
func newEngine(cfg *config.Config, logger zerolog.Logger) (*rates.Book, *billing.Calculator, error) {
	rules, defaultWindow, err := cfg.RateRules()
	if err != nil {
		return nil, nil, err
	}
	book, err := rates.NewBook(rules, defaultWindow)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build rate book: %w", err)
	}

	loc, err := cfg.Location()
	if err != nil {
		return nil, nil, err
	}

	calc := billing.NewCalculator(book,
		billing.WithLocation(loc),
		billing.WithPlaces(int32(cfg.Billing.CurrencyPlaces)),
		billing.WithLogger(logger),
	)
	return book, calc, nil
}

// reloadRates swaps the rules of a live book for those in the config file.
func reloadRates(book *rates.Book) (int, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return 0, err
	}
	rules, defaultWindow, err := cfg.RateRules()
	if err != nil {
		return 0, err
	}
	if err := book.Replace(rules, defaultWindow); err != nil {
		return 0, err
	}
	return len(rules), nil
}

func openStorage(cfg config.StorageConfig) (storage.Store, error) {
	storageType := cfg.Type
	if storageType == "" {
		storageType = "bolt"
	}

	switch storageType {
	case "bolt":
		return bolt.Open(cfg.Path)
	case "redis":
		return redis.Open(cfg.Redis)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s (expected 'bolt' or 'redis')", storageType)
	}
}

// setupLogger configures the logger based on configuration
func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	// Set log level
	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}

	zerolog.SetGlobalLevel(level)

	// Set output format
	if cfg.Format == "text" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}

	// Default to JSON
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}

// parseDuration parses a duration string with a fallback
func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
