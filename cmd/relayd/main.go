package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"relayflow/internal/api"
	"relayflow/internal/config"
	"relayflow/internal/control"
	"relayflow/internal/dispatch"
	"relayflow/internal/domain"
	"relayflow/internal/instance"
	"relayflow/internal/store"
	"relayflow/internal/transport"
)

func main() {
	var (
		addr       = flag.String("addr", "", "HTTP bind address (overrides config)")
		configPath = flag.String("config", "relayflow.yaml", "config file path")
		dbPath     = flag.String("db", "", "SQLite DB path (overrides config)")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}

	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", cfg.DBPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()
	db.SetMaxOpenConns(1) // SQLite single writer

	if err := store.EnsureSchema(db); err != nil {
		log.Fatal().Err(err).Msg("ensure schema")
	}
	repo := store.NewSQLiteRepo(db)

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	defer rdb.Close()
	registry := instance.NewRedisRegistry(rdb)

	policy := dispatch.Policy{
		Initial:     cfg.Dispatch.BackoffInitial.Std(),
		Max:         cfg.Dispatch.BackoffMax.Std(),
		MaxAttempts: cfg.Dispatch.MaxAttempts,
	}
	engine := dispatch.NewEngine(repo, transport.NewHTTP(cfg.DeliveryURL, cfg.Dispatch.DeliverTimeout.Std()), registry, policy).
		WithBatchSize(cfg.Dispatch.BatchSize).
		WithWorkers(cfg.Dispatch.Workers).
		WithDeliverTimeout(cfg.Dispatch.DeliverTimeout.Std())

	ctl := control.NewService(repo)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	trigger := cron.New()
	if _, err := trigger.AddFunc(cfg.Dispatch.TickSpec, func() {
		engine.Tick(ctx, time.Now())
	}); err != nil {
		log.Fatal().Err(err).Str("spec", cfg.Dispatch.TickSpec).Msg("invalid tick spec")
	}
	if _, err := trigger.AddFunc(cfg.Retention.PurgeSpec, func() {
		runRetention(ctx, repo, ctl, cfg)
	}); err != nil {
		log.Fatal().Err(err).Str("spec", cfg.Retention.PurgeSpec).Msg("invalid purge spec")
	}
	trigger.Start()
	log.Info().Str("tick", cfg.Dispatch.TickSpec).Str("purge", cfg.Retention.PurgeSpec).Msg("dispatch trigger started")

	srv := &http.Server{Addr: cfg.Addr, Handler: api.NewServer(repo, ctl, api.APIKeyAuth{Key: cfg.APIKey})}
	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")
	<-trigger.Stop().Done()
	cancel()
	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
}

// runRetention purges old terminal sends and trims the cron log, recording
// both runs in the execution log the same way the dispatch tick does.
func runRetention(ctx context.Context, repo store.Repository, ctl *control.Service, cfg config.Config) {
	start := time.Now()
	removed, err := ctl.Purge(ctx, cfg.Retention.SendDays, nil)
	entry := domain.CronLog{
		Kind:       domain.KindSendPurge,
		Status:     domain.RunSuccess,
		Message:    fmt.Sprintf("%d old sends removed", removed),
		DurationMs: time.Since(start).Milliseconds(),
	}
	if err != nil {
		entry.Status = domain.RunError
		entry.Message = "send purge failed"
		entry.Details = err.Error()
	}
	if err := repo.AppendCronLog(ctx, entry); err != nil {
		log.Error().Err(err).Msg("failed to append cron log entry")
	}

	start = time.Now()
	trimmed, err := repo.DeleteCronLogsBefore(ctx, time.Now().AddDate(0, 0, -cfg.Retention.CronLogDays))
	entry = domain.CronLog{
		Kind:       domain.KindLogCleanup,
		Status:     domain.RunSuccess,
		Message:    fmt.Sprintf("%d logs removed", trimmed),
		DurationMs: time.Since(start).Milliseconds(),
	}
	if err != nil {
		entry.Status = domain.RunError
		entry.Message = "log cleanup failed"
		entry.Details = err.Error()
	}
	if err := repo.AppendCronLog(ctx, entry); err != nil {
		log.Error().Err(err).Msg("failed to append cron log entry")
	}
}
