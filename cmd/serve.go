package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"
	"golang.org/x/time/rate"

	"github.com/tetherhq/tether/internal/api"
	"github.com/tetherhq/tether/internal/api/auth"
	"github.com/tetherhq/tether/internal/commitment"
	"github.com/tetherhq/tether/internal/config"
	"github.com/tetherhq/tether/internal/connection"
	"github.com/tetherhq/tether/internal/database"
	"github.com/tetherhq/tether/internal/delivery"
	"github.com/tetherhq/tether/internal/engagement"
	"github.com/tetherhq/tether/internal/jobqueue"
	"github.com/tetherhq/tether/internal/logging"
	"github.com/tetherhq/tether/internal/oracle"
)

const shutdownTimeout = 15 * time.Second

// ServeCommand returns the CLI command that runs the service.
func ServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the Tether API server, delivery scheduler, and verification workers",
		Action: func(c *cli.Context) error {
			cfg, err := config.LoadConfig(c.String("config"))
			if err != nil {
				return err
			}
			if err := config.Validate(cfg); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			return runServe(c.Context, cfg)
		},
	}
}

// queueHandle breaks the construction cycle between the commitment
// service (which enqueues verifications) and the job queue (whose worker
// calls back into the service). The queue pointer is set once both exist.
type queueHandle struct {
	q *jobqueue.JobQueue
}

func (h *queueHandle) EnqueueVerification(ctx context.Context, commitmentID string) error {
	if h.q == nil {
		return fmt.Errorf("verification queue is not running")
	}
	return h.q.EnqueueVerification(ctx, commitmentID)
}

func runServe(ctx context.Context, cfg *config.Config) error {
	logging.Setup(cfg.Log.Level, cfg.Log.Format)

	db, err := database.NewDB(cfg.DatabaseURL())
	if err != nil {
		return err
	}
	defer db.Close()

	if err := database.Migrate(ctx, db); err != nil {
		return err
	}

	// The oracle is optional: with no API key the service still schedules
	// and delivers, it just never initiates engagement on its own and
	// resolves verifications as not verifiable.
	var decider oracle.EngagementOracle
	var verifier oracle.VerificationOracle
	if cfg.Oracle.APIKey != "" || cfg.Oracle.Provider == oracle.ProviderOllama {
		llm, err := oracle.NewLLM(ctx, oracle.Config{
			Provider: cfg.Oracle.Provider,
			APIKey:   cfg.Oracle.APIKey,
			Model:    cfg.Oracle.Model,
			BaseURL:  cfg.Oracle.BaseURL,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize oracle: %w", err)
		}
		decider, verifier = llm, llm
	} else {
		log.Warn().Msg("no oracle configured, running without AI-initiated engagement")
	}

	engagements := engagement.NewStore(db)
	registry := connection.NewRegistry()
	gateway := connection.NewGateway(registry)

	coordinator := delivery.NewCoordinator(engagements, registry, delivery.Config{
		MaxAttempts: cfg.Delivery.MaxAttempts,
		UserRate:    rate.Limit(cfg.Delivery.UserRatePerMinute / 60.0),
		UserBurst:   cfg.Delivery.UserRateBurst,
	})

	verifyQueue := &queueHandle{}
	commitments := commitment.NewService(
		commitment.NewStore(db),
		engagements,
		verifyQueue,
		time.Duration(cfg.Commitments.ReminderLeadHours)*time.Hour,
	)

	queue, err := jobqueue.NewJobQueue(cfg.DatabaseURL(), commitments, verifier)
	if err != nil {
		return fmt.Errorf("failed to create verification queue: %w", err)
	}
	verifyQueue.q = queue

	if err := queue.Start(ctx); err != nil {
		return fmt.Errorf("failed to start verification queue: %w", err)
	}

	scheduler := delivery.NewScheduler(engagements, coordinator, delivery.SchedulerConfig{
		Interval:   time.Duration(cfg.Scheduler.IntervalSeconds) * time.Second,
		BatchSize:  cfg.Scheduler.BatchSize,
		StaleAfter: time.Duration(cfg.Scheduler.StaleAfterSeconds) * time.Second,
	})
	// Drain anything that came due while the process was down, then start
	// the interval loop. The drain runs to completion here so shutdown can
	// never overlap it.
	scheduler.TriggerNow(ctx)
	scheduler.Start()

	server := api.NewServer(api.Deps{
		Engagements: engagements,
		Commitments: commitments,
		Coordinator: coordinator,
		Decider:     decider,
		Gateway:     gateway,
		Tokens:      auth.NewTokenService(cfg.Auth.JWTSecret),
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(cfg.Addr())
	}()
	log.Info().Str("addr", cfg.Addr()).Msg("tether started")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Stop taking requests first, then let the in-flight tick and queued
	// jobs wind down.
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown failed")
	}
	scheduler.Stop()
	if err := queue.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("verification queue shutdown failed")
	}

	log.Info().Msg("tether stopped")
	return nil
}
