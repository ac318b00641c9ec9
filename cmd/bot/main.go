package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"yad2_bot/internal/bot"
	"yad2_bot/internal/config"
	"yad2_bot/internal/extract"
	"yad2_bot/internal/fetcher"
	"yad2_bot/internal/logging"
	"yad2_bot/internal/notify"
	"yad2_bot/internal/publisher"
	"yad2_bot/internal/retry"
	"yad2_bot/internal/runner"
	"yad2_bot/internal/scheduler"
	"yad2_bot/internal/storage"
)

func main() {
	// A missing .env file is fine; the environment may be set directly.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		boot := logging.New("info", "console", os.Stderr)
		boot.Fatal().Err(err).Msg("load config")
	}

	log := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)

	dsn := cfg.DatabaseURL
	if cfg.DatabaseDriver == "sqlite" {
		dsn = cfg.DatabasePath
		if dir := filepath.Dir(cfg.DatabasePath); dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				log.Fatal().Err(err).Str("path", dir).Msg("create data directory")
			}
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := storage.Open(ctx, cfg.DatabaseDriver, dsn)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.DatabaseDriver).Msg("open database")
	}
	defer func() { _ = store.Close() }()

	b, err := bot.New(cfg.TelegramBotToken, cfg, log.With().Str("component", "bot").Logger())
	if err != nil {
		log.Fatal().Err(err).Msg("create bot")
	}

	sink, closeSink := newSink(ctx, cfg, b, log)
	defer closeSink()

	r := runner.New(
		fetcher.New(nil),
		extract.New(),
		store,
		runner.Options{
			Retry:       policy(cfg.FetchAttempts, cfg.FetchBackoff),
			Delay:       cfg.RateLimitDelay,
			Concurrency: cfg.SearchConcurrency,
		},
		log.With().Str("component", "runner").Logger(),
	)

	d := notify.New(
		store,
		sink,
		cfg.TelegramChatID,
		notify.Options{
			Retry: policy(cfg.DeliveryAttempts, cfg.DeliveryBackoff),
			Limit: cfg.MaxNotificationsPerCycle,
			Delay: cfg.NotifyDelay,
		},
		log.With().Str("component", "notify").Logger(),
	)

	sched := scheduler.New(r, d, store, cfg.Searches, scheduler.Options{
		CycleInterval: cfg.CheckInterval,
		SweepInterval: cfg.SweepInterval,
		Retention:     cfg.Retention,
	}, log.With().Str("component", "scheduler").Logger())
	b.SetStatusProvider(sched)

	log.Info().
		Str("driver", cfg.DatabaseDriver).
		Str("sink", cfg.NotifySink).
		Int("searches", len(cfg.EnabledSearches())).
		Msg("starting bot")

	if cfg.StartupMessage {
		if err := announce(ctx, sink, cfg); err != nil {
			log.Error().Err(err).Msg("send startup message")
		}
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		sched.Run(ctx)
	}()

	b.Run(ctx)
	wg.Wait()

	log.Info().Msg("bot stopped")
}

func newSink(ctx context.Context, cfg *config.Config, b *bot.Bot, log zerolog.Logger) (notify.Sink, func()) {
	if cfg.NotifySink != "redis" {
		return b, func() {}
	}

	rs := publisher.NewRedisSink(cfg.RedisAddr, cfg.RedisDB)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rs.Ping(pingCtx); err != nil {
		log.Warn().Err(err).Str("addr", cfg.RedisAddr).Msg("redis is not reachable yet, deliveries will be deferred")
	}
	return rs, func() { _ = rs.Close() }
}

// announce sends the startup message through the configured sink, so it
// lands where the notifications go.
func announce(ctx context.Context, sink notify.Sink, cfg *config.Config) error {
	return sink.Send(ctx, cfg.TelegramChatID, bot.FormatStartup(cfg.EnabledSearches(), cfg.CheckInterval))
}

func policy(attempts int, backoff time.Duration) retry.Policy {
	return retry.Policy{
		MaxAttempts: attempts,
		Backoff:     backoff,
		MaxBackoff:  retry.Default.MaxBackoff,
	}
}
