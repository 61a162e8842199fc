package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/paveline/backend-pavedeck/internal/common"
	"github.com/paveline/backend-pavedeck/internal/config"
	"github.com/paveline/backend-pavedeck/internal/events"
	"github.com/paveline/backend-pavedeck/internal/lock"
	"github.com/paveline/backend-pavedeck/internal/notify"
	"github.com/paveline/backend-pavedeck/internal/obs"
	"github.com/paveline/backend-pavedeck/internal/quota"
	"github.com/paveline/backend-pavedeck/internal/signature"
	"github.com/paveline/backend-pavedeck/internal/store"
)

const (
	taskWebhookSweep    = "webhook:sweep"
	taskSignatureExpire = "signature:expire"
	taskUsageRollup     = "usage:rollup"

	signatureExpireLockKey = "lock:signature:expire"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logFormat := envOrDefault("OBS_LOG_FORMAT", "json")
	logLevel := envOrDefault("OBS_LOG_LEVEL", "info")
	logger := obs.NewLogger(logFormat, logLevel).With().Str("component", "worker").Logger()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool := mustInitDatabase(ctx, cfg, logger)
	defer pool.Close()
	st := store.New(pool)

	redisClient := mustInitRedis(ctx, cfg, logger)
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Error().Err(err).Msg("close redis")
		}
	}()

	locker := lock.Locker{R: redisClient, RetryBackoff: cfg.LockRetryBackoff}

	dispatcher := &notify.Dispatcher{
		Store:              st,
		Client:             notify.HTTPClient(int(cfg.WebhookRequestTimeout/time.Millisecond), cfg.WebhookAllowInsecureTLS),
		BackoffBase:        time.Duration(cfg.WebhookBackoffBaseSec) * time.Second,
		DefaultMaxAttempts: cfg.WebhookDefaultMaxAttempts,
		Enabled:            cfg.WebhookDeliveryEnabled,
		Replay:             notify.RedisReplayProtector{Client: redisClient},
		ReplayTTL:          cfg.WebhookReplayTTL,
		Breakers:           notify.NewBreakerPool(5, 0.6, 60*time.Second),
	}
	sweeper := &notify.SweepWorker{
		Dispatcher: dispatcher,
		Locker:     locker,
		LockTTL:    cfg.LockTTL,
		Batch:      50,
	}

	emailNotifier := notify.EmailNotifier{
		Mail:         common.NopEmailSender{},
		Enabled:      cfg.NotifyEmailEnabled,
		From:         cfg.NotifyEmailFrom,
		TopicToggles: cfg.NotifyEmailTopics,
	}
	bus := &events.Bus{
		Store:     st,
		Scheduler: dispatcher,
		Notifiers: []events.Notifier{emailNotifier},
	}
	sigSvc := &signature.Service{Q: st, Bus: bus, DefaultValidity: cfg.SignatureRequestValidity}
	quotaGate := &quota.Gate{Q: st, R: redisClient, Lock: locker, Bus: bus, LockTTL: cfg.LockTTL}

	redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse redis uri for asynq")
	}

	mux := asynq.NewServeMux()
	mux.HandleFunc(taskWebhookSweep, func(ctx context.Context, _ *asynq.Task) error {
		return sweeper.Sweep(ctx)
	})
	mux.HandleFunc(taskSignatureExpire, func(ctx context.Context, _ *asynq.Task) error {
		err := locker.TryWithLock(ctx, signatureExpireLockKey, cfg.LockTTL, func(ctx context.Context) error {
			expired, err := sigSvc.ExpireDue(ctx, 100)
			if err != nil {
				return err
			}
			if expired > 0 {
				logger.Info().Int("count", expired).Msg("expired overdue signature requests")
			}
			return nil
		})
		if errors.Is(err, lock.ErrNotAcquired) {
			return nil
		}
		return err
	})
	mux.HandleFunc(taskUsageRollup, func(ctx context.Context, _ *asynq.Task) error {
		err := locker.TryWithLock(ctx, cfg.UsageRollupLockKey, cfg.LockTTL, func(ctx context.Context) error {
			rolled, err := quotaGate.RolloverStale(ctx, 100)
			if err != nil {
				return err
			}
			if rolled > 0 {
				logger.Info().Int("count", rolled).Msg("rolled over stale usage counters")
			}
			return nil
		})
		if errors.Is(err, lock.ErrNotAcquired) {
			return nil
		}
		return err
	})

	srv := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: cfg.WorkerConcurrency,
		Logger:      asynqLogger{logger},
	})

	scheduler := asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{
		Logger: asynqLogger{logger},
	})
	if _, err := scheduler.Register("@every 10s", asynq.NewTask(taskWebhookSweep, nil)); err != nil {
		logger.Fatal().Err(err).Msg("register webhook sweep")
	}
	expireSpec := "@every " + cfg.SignatureSweepEvery.String()
	if _, err := scheduler.Register(expireSpec, asynq.NewTask(taskSignatureExpire, nil)); err != nil {
		logger.Fatal().Err(err).Msg("register signature expiry sweep")
	}
	if cfg.UsageSyncEnabled {
		if _, err := scheduler.Register("@every 1h", asynq.NewTask(taskUsageRollup, nil)); err != nil {
			logger.Fatal().Err(err).Msg("register usage rollup sweep")
		}
	}

	go func() {
		if err := scheduler.Run(); err != nil {
			logger.Fatal().Err(err).Msg("scheduler exited")
		}
	}()

	logger.Info().Int("concurrency", cfg.WorkerConcurrency).Msg("worker starting")
	if err := srv.Run(mux); err != nil {
		logger.Fatal().Err(err).Msg("worker exited unexpectedly")
	}
}

func mustInitDatabase(ctx context.Context, cfg *config.Config, logger zerolog.Logger) *pgxpool.Pool {
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse database config")
	}
	poolConfig.ConnConfig.Tracer = obs.PGXTracer{}
	if poolConfig.ConnConfig.RuntimeParams == nil {
		poolConfig.ConnConfig.RuntimeParams = map[string]string{}
	}
	poolConfig.ConnConfig.RuntimeParams["application_name"] = "pavedeck-worker"

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect database")
	}
	if err := pool.Ping(ctx); err != nil {
		logger.Fatal().Err(err).Msg("ping database")
	}
	return pool
}

func mustInitRedis(ctx context.Context, cfg *config.Config, logger zerolog.Logger) *redis.Client {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse redis url")
	}
	client := redis.NewClient(opts)
	if err := redisotel.InstrumentTracing(client); err != nil {
		logger.Error().Err(err).Msg("instrument redis tracing")
	}
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Fatal().Err(err).Msg("ping redis")
	}
	return client
}

// asynqLogger adapts zerolog to asynq's logging interface.
type asynqLogger struct {
	l zerolog.Logger
}

func (a asynqLogger) Debug(args ...any) { a.l.Debug().Msg(sprint(args...)) }
func (a asynqLogger) Info(args ...any)  { a.l.Info().Msg(sprint(args...)) }
func (a asynqLogger) Warn(args ...any)  { a.l.Warn().Msg(sprint(args...)) }
func (a asynqLogger) Error(args ...any) { a.l.Error().Msg(sprint(args...)) }
func (a asynqLogger) Fatal(args ...any) { a.l.Fatal().Msg(sprint(args...)) }

func sprint(args ...any) string {
	return strings.TrimSpace(fmt.Sprintln(args...))
}

func envOrDefault(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		trimmed := strings.TrimSpace(val)
		if trimmed != "" {
			return trimmed
		}
	}
	return fallback
}
