package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"claimflow/auth"
	"claimflow/claim"
	"claimflow/db"
	"claimflow/notify"
	"claimflow/scheduler"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	pool, err := db.NewPool(ctx, cfg.databaseURL)
	if err != nil {
		return fmt.Errorf("bootstrap database pool: %w", err)
	}
	defer pool.Close()

	store := claim.NewStore(pool)
	registry := claim.NewRegistry(store)
	claimService := claim.NewService(registry, store)
	authService := auth.NewService(auth.NewRepository(pool), cfg.jwtSecret)

	notifier := notify.NewRetrying(notify.NewOutbox(pool), logger)

	sched, err := scheduler.New(scheduler.Config{
		Registry: registry,
		Lister:   store,
		Notifier: notifier,
		Policy: scheduler.Policy{
			NudgeIntervalDays: cfg.nudgeIntervalDays,
			ClaimExpiryDays:   cfg.claimExpiryDays,
		},
		Period: cfg.schedulerPeriod,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer sched.Stop()

	logger.Info("claimflow ready",
		"nudge_interval_days", cfg.nudgeIntervalDays,
		"claim_expiry_days", cfg.claimExpiryDays,
		"scheduler_period", cfg.schedulerPeriod.String(),
	)

	// Claim and auth services are handed to the request-handling layer; the
	// process itself only hosts the scheduler.
	_ = claimService
	_ = authService

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

type config struct {
	databaseURL       string
	jwtSecret         string
	nudgeIntervalDays int
	claimExpiryDays   int
	schedulerPeriod   time.Duration
}

// loadConfig reads required settings from the environment. The staleness
// thresholds have no defaults: the operator must choose them.
func loadConfig() (config, error) {
	cfg := config{
		databaseURL:     os.Getenv("DATABASE_URL"),
		jwtSecret:       os.Getenv("JWT_SECRET"),
		schedulerPeriod: scheduler.DefaultPeriod,
	}
	if cfg.databaseURL == "" {
		return config{}, fmt.Errorf("config: DATABASE_URL is required")
	}
	if cfg.jwtSecret == "" {
		return config{}, fmt.Errorf("config: JWT_SECRET is required")
	}

	var err error
	if cfg.nudgeIntervalDays, err = requirePositiveInt("NUDGE_INTERVAL_DAYS"); err != nil {
		return config{}, err
	}
	if cfg.claimExpiryDays, err = requirePositiveInt("CLAIM_EXPIRY_DAYS"); err != nil {
		return config{}, err
	}

	if raw := os.Getenv("SCHEDULER_PERIOD"); raw != "" {
		period, err := time.ParseDuration(raw)
		if err != nil || period <= 0 {
			return config{}, fmt.Errorf("config: invalid SCHEDULER_PERIOD %q", raw)
		}
		cfg.schedulerPeriod = period
	}

	return cfg, nil
}

func requirePositiveInt(name string) (int, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return 0, fmt.Errorf("config: %s is required", name)
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("config: %s must be a positive integer, got %q", name, raw)
	}
	return v, nil
}
