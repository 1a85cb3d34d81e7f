package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/ParadoxReagent/coda-agent-sub001/internal/alerts"
	"github.com/ParadoxReagent/coda-agent-sub001/internal/bus"
	"github.com/ParadoxReagent/coda-agent-sub001/internal/classify"
	"github.com/ParadoxReagent/coda-agent-sub001/internal/config"
	"github.com/ParadoxReagent/coda-agent-sub001/internal/health"
	"github.com/ParadoxReagent/coda-agent-sub001/internal/provider"
	"github.com/ParadoxReagent/coda-agent-sub001/internal/ratelimit"
	"github.com/ParadoxReagent/coda-agent-sub001/internal/resilient"
	"github.com/ParadoxReagent/coda-agent-sub001/internal/scheduler"
	"github.com/ParadoxReagent/coda-agent-sub001/internal/skills"
	"github.com/ParadoxReagent/coda-agent-sub001/internal/store"
	"github.com/ParadoxReagent/coda-agent-sub001/internal/subagent"
	"github.com/ParadoxReagent/coda-agent-sub001/pkg/coda"
)

func runConfigValidate(cmd *cobra.Command, configPath string) error {
	_, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("config invalid: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "config OK")
	return nil
}

func runConfigSchema(cmd *cobra.Command) error {
	schema, err := config.JSONSchema()
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(schema))
	return nil
}

// runServe wires every collaborator together and runs until a shutdown
// signal arrives, grounded on the teacher's handlers_serve.go shape:
// load config, construct the service, start it in a goroutine, select
// on ctx.Done()/error, then shut down with a bounded timeout.
func runServe(ctx context.Context, configPath string, debug bool) error {
	if debug {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
	}
	logger := slog.Default()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger.Info("configuration loaded", "config", configPath)

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	eventBus := bus.NewRedisBus(redisClient, busConfigFrom(cfg.Bus), logger)

	var pgStore *store.Store
	if cfg.Postgres.DSN != "" {
		pgStore, err = store.NewFromDSN(cfg.Postgres.DSN, store.DefaultConfig())
		if err != nil {
			return fmt.Errorf("failed to connect to postgres: %w", err)
		}
		defer pgStore.Close()
	}

	healthTracker := health.NewTracker(health.Thresholds{
		Degraded:       cfg.Health.DegradedThreshold,
		Unavailable:    cfg.Health.UnavailableThreshold,
		RecoveryWindow: cfg.Health.RecoveryWindowMs,
	})
	errorStore := classify.NewStore(256)
	executor := resilient.NewExecutor(resilient.DefaultConfig())
	registry := skills.New(healthTracker, errorStore, executor, logger)

	spawnLimiter := ratelimit.NewLimiter(
		ratelimit.NewRedisStore(redisClient, "coda:subagent:spawn"),
		ratelimit.Rule{
			Window: time.Duration(cfg.Subagents.SpawnRateLimit.WindowSeconds) * time.Second,
			Limit:  cfg.Subagents.SpawnRateLimit.MaxRequests,
		},
	)

	var archiveStore subagent.ArchiveStore = subagent.NewMemoryArchiveStore()
	var preferenceProvider alerts.PreferenceProvider
	var historyStore alerts.HistoryStore = alerts.NewMemoryHistoryStore()
	if pgStore != nil {
		archiveStore = pgStore.SubagentArchiveStore()
		preferenceProvider = pgStore.PreferenceStore()
		historyStore = pgStore.AlertHistoryStore()
	} else {
		preferenceProvider = staticPreferences{}
	}

	m := newMetrics()

	subagentManager := subagent.New(
		subagentConfigFrom(cfg.Subagents),
		registry,
		spawnLimiter,
		eventBus,
		provider.Unavailable{},
		archiveStore,
		func(channel, text string) { logger.Info("subagent announcement", "channel", channel, "text", text) },
		logger,
	)

	alertRouter := alerts.New(
		alerts.NewMemoryCooldownStore(),
		historyStore,
		preferenceProvider,
		quietHoursFrom(cfg.Alerts.QuietHours),
		logger,
	)
	for eventType, rule := range cfg.Alerts.Rules {
		alertRouter.RegisterRule(eventType, alerts.AlertRule{
			MinSeverity: coda.Severity(rule.Severity),
			Channels:    rule.Channels,
			QuietHours:  rule.Quiet,
			Cooldown:    rule.Cooldown,
		})
	}

	// confirm.Manager is consumed at the request-handling boundary (the
	// chat/HTTP front-end spec.md §1 scopes out of this core), so it is
	// constructed by that front-end rather than here; it only needs
	// access to eventBus to publish coda.EventAlertSystemAbuse.

	taskScheduler := scheduler.New(eventBus, logger)

	eventBus.Subscribe(coda.EventAlertSystemAbuse, func(_ context.Context, _ coda.Event) error {
		m.confirmAbuseTriggers.Inc()
		return nil
	})

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 2)
	go func() { errCh <- eventBus.Run(ctx, "coda-core") }()
	go taskScheduler.Run(ctx, time.Minute)

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
		metricsServer = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
		logger.Info("metrics endpoint listening", "addr", cfg.Metrics.Addr)
	}

	go reportGaugesPeriodically(ctx, m, healthTracker, registry, subagentManager)

	logger.Info("coda-core started")

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}
	logger.Info("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if metricsServer != nil {
		_ = metricsServer.Shutdown(shutdownCtx)
	}

	logger.Info("coda-core stopped gracefully")
	return nil
}

func reportGaugesPeriodically(ctx context.Context, m *metrics, tracker *health.Tracker, registry *skills.Registry, mgr *subagent.Manager) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			unavailable := 0
			for _, name := range tracker.Names() {
				if tracker.Get(name).Status == health.StatusUnavailable {
					unavailable++
				}
			}
			m.skillUnavailableTotal.Set(float64(unavailable))
			m.subagentActiveRuns.Set(float64(mgr.ActiveCount()))

			m.subagentActiveRunsByUser.Reset()
			for userID, count := range mgr.ActiveCountsByUser() {
				m.subagentActiveRunsByUser.WithLabelValues(userID).Set(float64(count))
			}
		}
	}
}

func busConfigFrom(cfg config.BusConfig) bus.RedisConfig {
	return bus.RedisConfig{
		EventStreamMaxLen: cfg.EventStreamMaxLen,
		IdempotencyTTL:    cfg.IdempotencyKeyTTL,
		BlockTimeout:      cfg.BlockMs,
		ConsumerGroup:     cfg.ConsumerGroup,
		MaxRetries:        cfg.MaxRetries,
		PendingBatchSize:  100,
		LiveBatchSize:     10,
	}
}

func subagentConfigFrom(cfg config.SubagentsConfig) subagent.Config {
	return subagent.Config{
		Enabled:              cfg.Enabled,
		MaxConcurrentPerUser: cfg.MaxConcurrentPerUser,
		MaxConcurrentGlobal:  cfg.MaxConcurrentGlobal,
		MaxToolCallsPerRun:   cfg.MaxToolCallsPerRun,
		DefaultTokenBudget:   cfg.DefaultTokenBudget,
		MaxTokenBudget:       cfg.MaxTokenBudget,
		SyncTimeoutSeconds:   cfg.SyncTimeoutSeconds,
		MaxTimeoutMinutes:    cfg.MaxTimeoutMinutes,
		ArchiveTTLMinutes:    cfg.ArchiveTTLMinutes,
	}
}

func quietHoursFrom(cfg config.QuietHoursConfig) alerts.QuietHoursConfig {
	overrides := make([]coda.Severity, 0, len(cfg.OverrideSeverities))
	for _, s := range cfg.OverrideSeverities {
		overrides = append(overrides, coda.Severity(s))
	}
	return alerts.QuietHoursConfig{
		Enabled:            cfg.Enabled,
		Start:              cfg.Start,
		End:                cfg.End,
		Timezone:           cfg.Timezone,
		OverrideSeverities: overrides,
	}
}

// staticPreferences is the no-op PreferenceProvider used when no
// Postgres store is configured: every user gets the zero-value
// preference (no DND, no per-user quiet hours override).
type staticPreferences struct{}

func (staticPreferences) Get(string) (alerts.UserPreference, bool) { return alerts.UserPreference{}, false }
