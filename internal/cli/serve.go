package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"laundrybot/internal/api"
	"laundrybot/internal/bot"
	"laundrybot/internal/config"
	"laundrybot/internal/database"
	"laundrybot/internal/events"
	"laundrybot/internal/export"
	"laundrybot/internal/metrics"
	"laundrybot/internal/models"
	"laundrybot/internal/repository"
	"laundrybot/internal/scheduler"
	"laundrybot/internal/service"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the Telegram bot, expiry timers and the status API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			if cfg.Telegram.BotToken == "" || cfg.Telegram.BotToken == "YOUR_BOT_TOKEN_HERE" {
				return fmt.Errorf("set telegram.bot_token in config or BOT_TOKEN")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return serve(ctx, cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) error {
	db, err := database.NewDB(cfg.Database.Path, logger)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()

	if n, err := db.SeedMachines(ctx, cfg.Machines.Washers, cfg.Machines.Dryers); err != nil {
		return fmt.Errorf("seed machines: %w", err)
	} else if n > 0 {
		logger.Info().Int("machines", n).Msg("Seeded machine pool")
	}

	if cfg.Monitoring.PrometheusEnabled {
		metrics.Register()
		go startMetricsServer(ctx, cfg.Monitoring.PrometheusPort, logger)
	}

	eventBus := events.NewEventBus()
	eventBus.Subscribe(func(ev events.Event) error {
		if err := db.RecordEvent(ev); err != nil {
			logger.Error().Err(err).Str("event", ev.Type).Msg("Failed to record history")
			return err
		}
		return nil
	}, events.ReservationCreated, events.ReservationReleased, events.ReservationExpired)

	clk := clock.New()
	timers := scheduler.New(clk, logger)
	dispatcher := service.NewDispatcher(db, service.DispatcherConfig{
		RatePerSecond: cfg.Notifications.RatePerSecond,
		Burst:         cfg.Notifications.Burst,
		MaxConcurrent: cfg.Notifications.MaxConcurrent,
	}, logger)
	reservations := service.NewReservationService(db, db, timers, eventBus, dispatcher, clk, logger)

	stateRepo, rdb := newStateRepository(ctx, cfg, logger)
	if rdb != nil {
		defer rdb.Close()
	}
	states := service.NewStateService(stateRepo, logger)
	reports := export.NewService(db, clk, logger)

	b, err := bot.New(cfg.Telegram.BotToken, reservations, states, reports, bot.Options{
		Presets: map[models.MachineKind][]int{
			models.KindWasher: cfg.Machines.WasherPresets,
			models.KindDryer:  cfg.Machines.DryerPresets,
		},
		Admins:       cfg.Admins,
		CodeAttempts: cfg.Limits.CodeAttempts,
		CodeWindow:   cfg.CodeWindow(),
		Debug:        cfg.Telegram.Debug,
	}, logger)
	if err != nil {
		return fmt.Errorf("create bot: %w", err)
	}
	dispatcher.SetNotifier(b)
	reservations.SetMessages(b)

	// Only reservations still running get a timer back. Ones that ended
	// while the process was down show as finished without a new notice.
	if _, err := reservations.Restore(ctx); err != nil {
		return fmt.Errorf("restore timers: %w", err)
	}
	timers.Start(ctx, reservations.HandleExpiry)
	defer timers.Stop()

	backups := database.NewBackupService(db, cfg.Backup, cfg.HistoryRetention(), logger)
	go backups.Start(ctx)

	checks := map[string]api.ReadinessCheck{
		"db": func(ctx context.Context) error { return db.PingContext(ctx) },
	}
	if rdb != nil {
		checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	}
	router := api.NewRouter(api.NewHandler(reservations, checks), api.RouterConfig{
		CacheTTL:       cfg.APICacheTTL(),
		RequestsPerSec: cfg.Monitoring.APIRequestsPerSecond,
		Burst:          cfg.Monitoring.APIBurst,
	}, logger)
	go api.Serve(ctx, cfg.Monitoring.HealthCheckPort, router, logger)

	logger.Info().Int("washers", cfg.Machines.Washers).Int("dryers", cfg.Machines.Dryers).Msg("Laundry bot started")
	b.Start(ctx)
	logger.Info().Msg("Laundry bot stopped")
	return nil
}

// newStateRepository prefers Redis with an in-memory fallback. Without a
// configured address the bot keeps dialog state in memory only.
func newStateRepository(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) (repository.StateRepository, *redis.Client) {
	memory := repository.NewMemoryStateRepository(cfg.StateTTL())
	if cfg.Redis.Address == "" {
		return memory, nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		logger.Warn().Err(err).Str("addr", cfg.Redis.Address).Msg("Redis unavailable at startup, using memory until it recovers")
	}

	primary := repository.NewRedisStateRepository(rdb, cfg.StateTTL())
	return repository.NewFailoverStateRepository(primary, memory, logger), rdb
}

func startMetricsServer(ctx context.Context, port int, logger *zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	api.Serve(ctx, port, mux, logger)
}
