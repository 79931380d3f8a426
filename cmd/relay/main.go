package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"rss_relay/internal/compare"
	"rss_relay/internal/config"
	"rss_relay/internal/delivery"
	"rss_relay/internal/eventbus"
	"rss_relay/internal/model"
	"rss_relay/internal/retry"
	"rss_relay/internal/schedule"
	"rss_relay/internal/scheduler"
	"rss_relay/internal/sender"
	"rss_relay/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	log := newLogger(cfg.LogLevel)

	if dir := filepath.Dir(cfg.DatabasePath); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			log.Error("create data directory", "path", dir, "error", err)
			os.Exit(1)
		}
	}

	store, err := storage.NewSQLite(cfg.DatabasePath)
	if err != nil {
		log.Error("open database", "path", cfg.DatabasePath, "error", err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	load := planLoader(cfg)
	if _, err := load(); err != nil {
		log.Error("load schedules", "path", cfg.SchedulesPath, "error", err)
		os.Exit(1)
	}

	telegram, err := sender.NewTelegram(cfg.TelegramBotToken, cfg.SendRatePerSec, log)
	if err != nil {
		log.Error("create telegram sender", "error", err)
		os.Exit(1)
	}
	webhook := sender.NewWebhook(&http.Client{Timeout: 30 * time.Second}, cfg.SendRatePerSec)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	bus := eventbus.New()
	events, unsubscribe := bus.Subscribe(256)
	defer unsubscribe()
	go audit(ctx, log, events)

	pipeline := delivery.New(store, sender.NewMux(telegram, webhook), bus, log)
	sched := scheduler.NewWithHTTPClient(store,
		&http.Client{Timeout: cfg.UnitTimeout},
		compare.New(store, log),
		pipeline,
		retry.NewTracker(store, bus, log, cfg.MaxRetryAttempts, cfg.RetryCutoff),
		bus, log,
		scheduler.Options{
			BatchSize:           cfg.BatchSize,
			UnitTimeout:         cfg.UnitTimeout,
			FailGracePeriod:     cfg.FailGracePeriod,
			OldArticleThreshold: cfg.OldArticleThreshold,
			SeedNewFeeds:        cfg.SeedNewFeeds,
			ArticleDayLimit:     cfg.ArticleDayLimit,
			DefaultFeedLimit:    cfg.DefaultFeedLimit,
		})

	svc := scheduler.NewService(sched, load, log, scheduler.ServiceOptions{
		RunTimeout:    cfg.RunTimeout,
		RetentionDays: cfg.DeliveryRetentionDays,
	})

	log.Info("starting relay")
	if err := svc.Start(ctx); err != nil {
		log.Error("start scheduler", "error", err)
		os.Exit(1)
	}

	<-ctx.Done()
	svc.Stop()
	pipeline.Wait()

	log.Info("relay stopped", "dropped_events", bus.Dropped())
}

// planLoader reads the schedules file on every call so edits apply on the
// next reload.
func planLoader(cfg *config.Config) scheduler.PlanLoader {
	return func() (*scheduler.Plan, error) {
		sch, err := config.LoadSchedules(cfg.SchedulesPath)
		if err != nil {
			return nil, err
		}
		tiers := schedule.NewTiers(sch.Elevated)
		def := model.Schedule{Name: schedule.DefaultName, RefreshRateMinutes: cfg.DefaultRefreshMinutes}
		policy, err := schedule.NewPolicy(def, sch.Schedules, tiers)
		if err != nil {
			return nil, err
		}

		schedules := append([]model.Schedule{policy.Default()}, sch.Schedules...)
		schedules = append(schedules, tiers.Schedules()...)
		return &scheduler.Plan{Policy: policy, Schedules: schedules, Limits: tiers}, nil
	}
}

func audit(ctx context.Context, log *slog.Logger, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			switch data := e.Data.(type) {
			case eventbus.FeedStatus:
				log.Info("feed status changed", "event", e.Type, "feed_id", data.FeedID, "code", data.Code, "reason", data.Reason)
			case eventbus.URLFailure:
				log.Warn("url failed", "url", data.URL, "reason", data.Reason, "failed_at", data.FailedAt)
			case model.DeliveryState:
				log.Debug("article delivery", "feed_id", data.FeedID, "medium_id", data.MediumID,
					"article_id", data.ArticleID, "status", data.Status, "error_code", data.ErrorCode)
			default:
				log.Debug("event", "type", e.Type)
			}
		}
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
