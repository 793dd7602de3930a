package bot

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"pivot-signals/config"
	"pivot-signals/internal/breakout"
	"pivot-signals/internal/clock"
	"pivot-signals/internal/engine"
	"pivot-signals/internal/metrics"
	"pivot-signals/internal/notification"
	"pivot-signals/internal/session"
	"pivot-signals/internal/state"
	redisstore "pivot-signals/internal/store/redis"
	sqlitestore "pivot-signals/internal/store/sqlite"
	"pivot-signals/internal/temporal"
	"pivot-signals/pkg/polygon"
)

// Build connects the stores and assembles a Service from cfg.
func Build(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*Service, error) {
	clk := clock.Real{}
	prom := metrics.NewMetrics()
	health := metrics.NewHealthStatus(cfg.Metrics.StaleAfter)

	// ---- SQLite ----
	if dir := filepath.Dir(cfg.SQLite.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	sqlStore, err := sqlitestore.Open(sqlitestore.Config{DBPath: cfg.SQLite.Path}, log, prom)
	if err != nil {
		return nil, err
	}
	health.SetSQLiteOK(true)
	closers := []func() error{sqlStore.Close}
	fail := func(err error) (*Service, error) {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
		return nil, err
	}

	// ---- Redis ----
	var (
		rstore *redisstore.Store
		rdb    *goredis.Client
	)
	if cfg.Redis.Enabled || cfg.State.Backend == "redis" {
		rstore, err = redisstore.New(redisstore.Config{
			Addr:          cfg.Redis.Addr,
			Password:      cfg.Redis.Password,
			DB:            cfg.Redis.DB,
			StateKey:      cfg.Redis.StateKey,
			SignalChannel: cfg.Redis.SignalChannel,
			MaxFailures:   cfg.Redis.MaxFailures,
			ResetTimeout:  cfg.Redis.ResetTimeout,
		}, log, prom)
		switch {
		case err != nil && cfg.State.Backend == "redis":
			return fail(fmt.Errorf("redis state backend: %w", err))
		case err != nil:
			log.Warn().Err(err).Msg("redis unavailable, signals will not be published")
			rstore = nil
		default:
			rdb = rstore.Client()
			health.SetRedisEnabled(true)
			closers = append(closers, rstore.Close)
		}
	}

	// ---- State ----
	var backend state.Backend = sqlStore
	if cfg.State.Backend == "redis" {
		backend = rstore
	}
	st := state.New(cfg.StateStore(), backend, clk, log)
	st.OnFlush = func(d time.Duration, err error) {
		prom.StateWriteDur.Observe(d.Seconds())
	}

	// ---- Sink ----
	notifiers := []notification.Notifier{notification.NewLogNotifier(log)}
	if cfg.Telegram.BotToken != "" {
		tg, err := notification.NewTelegramNotifier(cfg.Telegram.BotToken, cfg.Telegram.ChatID, "")
		if err != nil {
			return fail(err)
		}
		notifiers = append(notifiers, tg)
	}
	if cfg.Webhook.URL != "" {
		notifiers = append(notifiers, notification.NewWebhookNotifier(cfg.Webhook.URL))
	}
	var publisher notification.Publisher
	if rstore != nil {
		publisher = redisstore.NewBufferedPublisher(ctx, rstore, 0)
	}
	sink := notification.NewSink(sqlStore, publisher, notifiers, log, prom)

	// ---- Signal core ----
	data := polygon.New(polygon.Config{
		APIKey:    cfg.Polygon.APIKey,
		BaseURL:   cfg.Polygon.BaseURL,
		Ticker:    cfg.Polygon.Ticker,
		Timeout:   cfg.Polygon.Timeout,
		RateLimit: cfg.Polygon.RateLimit,
	}, log)
	sessions := session.New(cfg.SessionManager(), data, st, sink, clk, log, prom)
	tc := temporal.New(cfg.TemporalProfiles())
	bcfg := cfg.BreakoutValidator()
	validator := breakout.New(bcfg, st, tc, clk, log)
	eng := engine.New(cfg.Engine(), bcfg, sessions, st, validator, tc, clk, log, prom)

	svc := New(Options{
		Engine:   eng,
		Sessions: sessions,
		State:    st,
		Data:     data,
		Sink:     sink,
		Archive:  sqlStore,
		Recent:   sqlStore,
		Clock:    clk,
		Interval: cfg.PollInterval,
		Log:      log,
		Metrics:  prom,
		Health:   health,
	})
	svc.server = metrics.NewServer(cfg.Metrics.Addr, health, svc.Status, log)
	svc.liveness = func(ctx context.Context) {
		health.StartLivenessChecker(ctx, rdb, sqlStore.DB().DB, 30*time.Second)
	}
	svc.addCloser("sqlite", sqlStore.Close)
	if rstore != nil {
		svc.addCloser("redis", rstore.Close)
	}
	return svc, nil
}
