package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goodtune/tabletime/internal/admin"
	"github.com/goodtune/tabletime/internal/config"
	"github.com/goodtune/tabletime/internal/events"
	"github.com/goodtune/tabletime/internal/floor"
	"github.com/goodtune/tabletime/internal/metrics"
	"github.com/goodtune/tabletime/internal/retention"
	"github.com/goodtune/tabletime/internal/storage"
	"github.com/goodtune/tabletime/internal/systemd"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the TableTime daemon",
	Long:  `Start the TableTime daemon with the floor registry, display API, metrics endpoint and optional event publisher.`,
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Setup logger
	logger := setupLogger(cfg.Logging)
	log.Logger = logger

	logger.Info().
		Str("version", version).
		Str("config", configPath).
		Msg("Starting TableTime")

	// Check for systemd socket activation
	sdListeners, err := systemd.GetListeners()
	if err != nil {
		return fmt.Errorf("failed to get systemd listeners: %w", err)
	}
	if sdListeners.Activated {
		logger.Info().Msg("Running with systemd socket activation")
	}

	// Initialize storage
	store, err := openStorage(cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close storage")
		}
	}()

	logger.Info().
		Str("type", cfg.Storage.Type).
		Str("path", cfg.Storage.Path).
		Str("redis_host", cfg.Storage.Redis.Host).
		Int("redis_port", cfg.Storage.Redis.Port).
		Msg("Storage initialized")

	// Rate book and calculator
	book, calc, err := newEngine(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize billing: %w", err)
	}
	logger.Info().Strs("game_types", book.GameTypes()).Msg("Rate book loaded")

	target, err := cfg.CountdownTarget()
	if err != nil {
		return err
	}

	opts := []floor.Option{
		floor.WithStore(store.Sessions()),
		floor.WithPersist(storage.Persister(store, nil)),
		floor.WithLogger(logger),
	}

	// Event publisher (optional)
	var publisher *events.Publisher
	if cfg.Events.Enabled {
		publisher, err = events.Dial(cfg.Events, logger)
		if err != nil {
			return fmt.Errorf("failed to connect event publisher: %w", err)
		}
		publisher.Start()
		defer func() {
			if err := publisher.Close(); err != nil {
				logger.Error().Err(err).Msg("Error closing event publisher")
			}
		}()
		opts = append(opts,
			floor.WithObserver(publisher),
			floor.WithOnExpire(publisher.OnExpire),
			floor.WithCheckoutHook(publisher.OnCheckout),
		)
		logger.Info().Str("exchange", cfg.Events.Exchange).Msg("Event publisher started")
	}

	registry := floor.NewRegistry(book, calc, floor.Config{
		Tables:          cfg.Display.Tables,
		CountdownTarget: target,
		TickInterval:    parseDuration(cfg.Display.TickInterval, floor.DefaultTickInterval),
		AutoStop:        cfg.Display.AutoStop,
	}, opts...)

	restoreCtx, cancelRestore := context.WithTimeout(context.Background(), 10*time.Second)
	restored, err := registry.Restore(restoreCtx)
	cancelRestore()
	if err != nil {
		return fmt.Errorf("failed to restore table sessions: %w", err)
	}

	// Daily bill pruning (optional)
	var pruner *retention.Pruner
	if keep, _ := cfg.Storage.Retention(); keep > 0 {
		loc, _ := cfg.Location()
		pruner, err = retention.NewPruner(store.Bills(), keep, cfg.Storage.PruneTime, loc, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize bill pruner: %w", err)
		}
		pruner.Start()
		defer pruner.Stop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go registry.Run(ctx)

	// Display server, with the admin API mounted when enabled
	var displayServer *floor.Server
	var adminServer *admin.Server
	if cfg.Display.Enabled {
		displayAddr := fmt.Sprintf("%s:%d", cfg.Display.BindAddress, cfg.Display.Port)
		router := floor.NewHandler(registry, store.Bills(), cfg.TaxRate(), logger).Router()
		if cfg.Admin.Enabled {
			adminServer = admin.NewServer(adminConfig(cfg), registry, logger)
			defer adminServer.Close()
			adminServer.Register(router)
			logger.Info().Msg("Admin API enabled under /api")
		}
		displayServer = floor.NewServer(displayAddr, router, logger)
		if sdListeners.Display != nil {
			displayServer.SetListener(sdListeners.Display)
		}
		if err := displayServer.Start(); err != nil {
			return fmt.Errorf("failed to start display server: %w", err)
		}
	}

	// Metrics server
	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		metricsAddr := fmt.Sprintf("%s:%d", cfg.Metrics.BindAddress, cfg.Metrics.Port)
		metricsServer = metrics.NewServer(metricsAddr, logger)
		if sdListeners.Metrics != nil {
			metricsServer.SetListener(sdListeners.Metrics)
		}
		if err := metricsServer.Start(); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
	}

	logger.Info().
		Int("tables", len(registry.Displays())).
		Int("restored", restored).
		Dur("countdown_target", target).
		Msg("TableTime startup complete")

	// Notify systemd that we're ready to serve requests
	if err := systemd.NotifyReady(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd ready notification")
	} else {
		logger.Debug().Msg("Sent systemd ready notification")
	}
	go runWatchdog(ctx, logger)

	// Wait for signals (shutdown or reload)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	// Signal handling loop
	for {
		sig := <-sigChan

		switch sig {
		case syscall.SIGHUP:
			logger.Info().Msg("SIGHUP received, reloading rates...")
			if err := systemd.NotifyReloading(); err != nil {
				logger.Debug().Err(err).Msg("Failed to send systemd reloading notification")
			}
			if n, err := reloadRates(book); err != nil {
				logger.Error().Err(err).Msg("Failed to reload rates, keeping current rate book")
			} else {
				logger.Info().Int("rules", n).Msg("Rates reloaded successfully")
			}
			if err := systemd.NotifyReady(); err != nil {
				logger.Debug().Err(err).Msg("Failed to send systemd ready notification")
			}
			// Continue running
			continue

		case os.Interrupt, syscall.SIGTERM:
			logger.Info().Msg("Shutdown signal received, gracefully stopping...")
			// Break out of loop to shutdown
		}

		// Only reached on shutdown signals
		break
	}

	// Notify systemd that we're stopping
	if err := systemd.NotifyStopping(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd stopping notification")
	}

	// Stop servers
	cancel()

	if displayServer != nil {
		if err := displayServer.Stop(); err != nil {
			logger.Error().Err(err).Msg("Error stopping Display Server")
		}
	}

	if metricsServer != nil {
		if err := metricsServer.Stop(); err != nil {
			logger.Error().Err(err).Msg("Error stopping Metrics Server")
		}
	}

	logger.Info().Msg("TableTime stopped")

	return nil
}

func adminConfig(cfg *config.Config) admin.Config {
	return admin.Config{
		JWTSecret:       cfg.Admin.JWTSecret,
		TokenExpiration: parseDuration(cfg.Admin.TokenExpiration, admin.DefaultTokenExpiration),
		RateLimit:       cfg.Admin.RateLimit,
		RateLimitWindow: parseDuration(cfg.Admin.RateLimitWindow, time.Minute),
		AllowedOrigins:  cfg.Admin.AllowedOrigins,
		TaxRate:         cfg.TaxRate(),
	}
}

// runWatchdog pings the systemd watchdog until ctx is cancelled.
func runWatchdog(ctx context.Context, logger zerolog.Logger) {
	interval, err := systemd.WatchdogInterval()
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to read systemd watchdog settings")
		return
	}
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := systemd.NotifyWatchdog(); err != nil {
				logger.Warn().Err(err).Msg("Failed to send systemd watchdog notification")
			}
		}
	}
}
