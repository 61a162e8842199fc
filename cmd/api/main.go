package main

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	validator "github.com/go-playground/validator/v10"
	migrate "github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	limiter "github.com/ulule/limiter/v3"

	"github.com/paveline/backend-pavedeck/internal/abtest"
	"github.com/paveline/backend-pavedeck/internal/audit"
	"github.com/paveline/backend-pavedeck/internal/auth"
	"github.com/paveline/backend-pavedeck/internal/common"
	"github.com/paveline/backend-pavedeck/internal/config"
	"github.com/paveline/backend-pavedeck/internal/discount"
	"github.com/paveline/backend-pavedeck/internal/events"
	"github.com/paveline/backend-pavedeck/internal/health"
	"github.com/paveline/backend-pavedeck/internal/lock"
	"github.com/paveline/backend-pavedeck/internal/notify"
	"github.com/paveline/backend-pavedeck/internal/obs"
	"github.com/paveline/backend-pavedeck/internal/org"
	"github.com/paveline/backend-pavedeck/internal/pricing"
	"github.com/paveline/backend-pavedeck/internal/quota"
	"github.com/paveline/backend-pavedeck/internal/ratelimit"
	"github.com/paveline/backend-pavedeck/internal/security"
	"github.com/paveline/backend-pavedeck/internal/signature"
	"github.com/paveline/backend-pavedeck/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logFormat := envOrDefault("OBS_LOG_FORMAT", "json")
	logLevel := envOrDefault("OBS_LOG_LEVEL", "info")
	logger := obs.NewLogger(logFormat, logLevel).With().Str("env", cfg.AppEnv).Logger()

	metricsNamespace := envOrDefault("OBS_METRICS_NAMESPACE", "pavedeck")
	metricsEnabled := envBool("OBS_ENABLE_PROMETHEUS", true)
	obs.MustRegisterDomainMetrics(metricsNamespace, nil)

	tracingEnabled := envBool("OBS_ENABLE_TRACING", true)
	if tracingEnabled {
		sampling := envFloat("OBS_TRACING_SAMPLING_RATIO", 1.0)
		shutdown, err := obs.InitTracer(context.Background(), obs.TracingConfig{
			ServiceName:   "pavedeck-api",
			Endpoint:      envOrDefault("OBS_OTLP_ENDPOINT", ""),
			Exporter:      envOrDefault("OBS_TRACING_EXPORTER", "otlp"),
			SamplingRatio: sampling,
			Environment:   cfg.AppEnv,
		})
		if err != nil {
			logger.Error().Err(err).Msg("initialise tracing")
			tracingEnabled = false
		} else {
			defer func() {
				ctx := context.Background()
				if err := shutdown(ctx); err != nil {
					logger.Error().Err(err).Msg("shutdown tracer")
				}
			}()
		}
	}

	if envBool("MIGRATE_ON_START", false) {
		if err := runMigrations(cfg.DatabaseURL, envOrDefault("MIGRATIONS_PATH", "file://migrations")); err != nil {
			logger.Fatal().Err(err).Msg("run migrations")
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse database config")
	}
	poolConfig.ConnConfig.Tracer = obs.PGXTracer{}
	if poolConfig.ConnConfig.RuntimeParams == nil {
		poolConfig.ConnConfig.RuntimeParams = map[string]string{}
	}
	poolConfig.ConnConfig.RuntimeParams["application_name"] = "pavedeck-api"

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect database")
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		logger.Fatal().Err(err).Msg("ping database")
	}

	st := store.New(pool)

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse redis url")
	}
	redisClient := redis.NewClient(redisOpts)
	if err := redisotel.InstrumentTracing(redisClient); err != nil {
		logger.Error().Err(err).Msg("instrument redis tracing")
	}
	if metricsEnabled {
		if err := redisotel.InstrumentMetrics(redisClient); err != nil {
			logger.Error().Err(err).Msg("instrument redis metrics")
		}
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Error().Err(err).Msg("close redis")
		}
	}()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatal().Err(err).Msg("ping redis")
	}

	validate := validator.New()
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

	verifier, err := auth.NewVerifier(auth.Config{
		Secret:   cfg.JWTSecret,
		Issuer:   cfg.AuthIssuer,
		Audience: cfg.AuthAudience,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise token verifier")
	}
	authMw := auth.Middleware{Verifier: verifier}

	resolver := org.NewResolver(cfg.OrgHeaderName, cfg.OrgRootDomain, cfg.OrgDefault)
	resolver.Lookup = st

	idem := common.Idem{R: redisClient, TTL: cfg.IdempotencyTTL}

	rateLimiter, err := ratelimit.NewRedisLimiter(redisClient, limiter.Rate{
		Period: time.Minute,
		Limit:  int64(cfg.RateLimitPerMinute),
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise rate limiter")
	}
	rl := ratelimit.Handler{
		Limiter: rateLimiter,
		OnError: func(err error) { logger.Error().Err(err).Msg("rate limiter") },
	}

	pricingSvc := &pricing.Service{
		Q: st, Bus: bus,
		DefaultTaxRate:        cfg.DefaultTaxRate,
		DefaultDepositPercent: cfg.DefaultDepositPercent,
	}
	pricingHandler := &pricing.Handler{Svc: pricingSvc, Validate: validate}

	discountSvc := &discount.Service{Q: st, Bus: bus, DefaultApprovalPercent: cfg.DiscountApprovalPercent}
	discountHandler := &discount.Handler{
		Svc: discountSvc, Admin: st, Validate: validate,
		PerCustomerDefault: int32(cfg.PromoPerCustomerDefault),
	}

	quotaGate := &quota.Gate{Q: st, R: redisClient, Lock: locker, Bus: bus, LockTTL: cfg.LockTTL}
	quotaHandler := &quota.Handler{Gate: quotaGate}

	sigSvc := &signature.Service{Q: st, Bus: bus, DefaultValidity: cfg.SignatureRequestValidity}
	sigHandler := &signature.Handler{Svc: sigSvc, Validate: validate}

	abSvc := &abtest.Service{Q: st, R: redisClient, Bus: bus, CacheTTL: cfg.ABAssignCacheTTL}
	abHandler := &abtest.Handler{Svc: abSvc, Validate: validate}

	notifyAdmin := &notify.AdminHandler{Store: st, Disp: dispatcher}
	orgSettings := &org.SettingsHandler{Store: st, Validate: validate}

	auditSvc := &audit.Service{
		Store:        st,
		Enabled:      envBool("AUDIT_ENABLED", true),
		SamplingRate: envFloat("AUDIT_SAMPLING_RATE", 1),
	}
	auditRec := audit.HTTPRecorder{
		Service: auditSvc,
		OnError: func(err error) { logger.Error().Err(err).Msg("record audit entry") },
	}
	auditHandler := audit.Handler{Store: st}

	var httpMetrics *obs.HTTPMetrics
	if metricsEnabled {
		buckets := obs.ParseBucketsCSV(envOrDefault("OBS_METRICS_BUCKETS_MS", ""))
		httpMetrics = obs.NewHTTPMetrics(metricsNamespace, buckets, nil)
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(obs.RoutePatternMiddleware)
	if tracingEnabled {
		r.Use(obs.TracingMiddleware)
	}
	if metricsEnabled && httpMetrics != nil {
		r.Use(obs.HTTPObs{Metrics: httpMetrics}.Middleware)
	}
	r.Use(obs.RequestLogger{Logger: logger}.Middleware)
	r.Use(security.Headers{Enable: true, EnableHSTS: cfg.AppEnv == "production"}.Middleware)
	r.Use(security.BodyLimit{Max: 1 << 20}.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins(cfg),
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", cfg.OrgHeaderName},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}
	if envBool("OBS_ENABLE_PPROF", true) {
		user := envOrDefault("SECURE_PPROF_BASIC_AUTH_USER", "")
		pass := envOrDefault("SECURE_PPROF_BASIC_AUTH_PASS", "")
		r.Mount("/debug/pprof", protectPprof(newPprofMux(), user, pass))
	}

	healthHandler := health.Handler{
		Checker:      readinessChecker{db: pool, redis: redisClient},
		DBTimeout:    envDurationMillis("HEALTH_READY_DB_TIMEOUT_MS", 500),
		RedisTimeout: envDurationMillis("HEALTH_READY_REDIS_TIMEOUT_MS", 300),
	}
	r.Get("/health/live", healthHandler.Live)
	r.Get("/health/ready", healthHandler.Ready)

	r.Route("/api/v1", func(v chi.Router) {
		v.Use(resolver.Middleware)
		v.Use(authMw.Authenticate)

		v.Group(func(g chi.Router) {
			g.Use(org.Require)

			g.Post("/pricing/quote", pricingHandler.Quote)

			g.Route("/proposals", func(p chi.Router) {
				p.Get("/", pricingHandler.ListProposals)
				p.Get("/{id}", pricingHandler.GetProposal)
				p.Group(func(wr chi.Router) {
					wr.Use(rl.Middleware)
					wr.Use(idem.Middleware)
					wr.With(
						quotaHandler.Middleware(quota.ActionCreateProposal),
						auditRec.Middleware(audit.HTTPConfig{ResourceType: "proposals"}),
					).Post("/", pricingHandler.CreateProposal)
					wr.With(quotaHandler.Middleware(quota.ActionSendEmail)).Post("/{id}/send", pricingHandler.SendProposal)
				})
			})

			g.Route("/discounts", func(d chi.Router) {
				d.Post("/preview", discountHandler.Preview)
				d.With(rl.Middleware, idem.Middleware,
					auditRec.Middleware(audit.HTTPConfig{ResourceType: "discounts"}),
				).Post("/settle", discountHandler.Settle)
			})

			g.Get("/usage", quotaHandler.Usage)

			g.Route("/signatures", func(sr chi.Router) {
				sr.With(rl.Middleware, idem.Middleware).Post("/", sigHandler.Create)
				sr.Get("/{id}", sigHandler.Get)
				sr.Post("/{id}/send", sigHandler.Send)
				sr.Post("/{id}/view/{signerID}", sigHandler.View)
				sr.With(auditRec.Middleware(audit.HTTPConfig{ResourceType: "signatures", ResourceIDParam: "id"})).
					Post("/{id}/sign", sigHandler.Sign)
				sr.With(auditRec.Middleware(audit.HTTPConfig{ResourceType: "signatures", ResourceIDParam: "id"})).
					Post("/{id}/decline", sigHandler.Decline)
				sr.Post("/{id}/verify", sigHandler.Verify)
			})

			g.Route("/abtests", func(ab chi.Router) {
				ab.Get("/", abHandler.ListTests)
				ab.Get("/{id}", abHandler.GetTest)
				ab.Get("/{id}/assign/{userID}", abHandler.Assign)
				ab.Post("/{id}/impressions/{variantID}", abHandler.Impression)
				ab.Post("/{id}/conversions", abHandler.Conversion)
				ab.Get("/{id}/results", abHandler.Results)
				ab.Group(func(mgmt chi.Router) {
					mgmt.Use(authMw.RequireAuth)
					mgmt.Use(rl.Middleware)
					mgmt.Post("/", abHandler.CreateTest)
					mgmt.Post("/{id}/transition", abHandler.Transition)
				})
			})

			g.Route("/admin", func(admin chi.Router) {
				admin.Use(authMw.RequireAuth)
				admin.Use(rl.Middleware)
				admin.Get("/settings", orgSettings.Get)
				admin.With(auditRec.Middleware(audit.HTTPConfig{ResourceType: "org-settings"})).
					Put("/settings", orgSettings.Update)
				admin.With(auditRec.Middleware(audit.HTTPConfig{ResourceType: "promo-codes"})).
					Post("/promo-codes", discountHandler.CreatePromo)
				admin.Delete("/promo-codes/{code}", discountHandler.DeactivatePromo)
				admin.Post("/campaigns", discountHandler.CreateCampaign)
				admin.Post("/webhooks", notifyAdmin.CreateEndpoint)
				admin.Put("/webhooks/{id}", notifyAdmin.UpdateEndpoint)
				admin.Get("/webhooks", notifyAdmin.ListEndpoints)
				admin.Delete("/webhooks/{id}", notifyAdmin.DeleteEndpoint)
				admin.Get("/webhook-deliveries", notifyAdmin.ListDeliveries)
				admin.Post("/webhook-deliveries/{id}/replay", notifyAdmin.ReplayDelivery)
				admin.Get("/audit-logs", auditHandler.List)
			})
		})
	})

	srv := &http.Server{
		Addr:    cfg.HTTPAddr(),
		Handler: r,
	}

	go func() {
		stop := make(chan os.Signal, 1)
		signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
		<-stop
		health.SetReady(false)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("graceful shutdown")
		}
	}()

	logger.Info().Str("addr", srv.Addr).Msg("server starting")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("server exited unexpectedly")
	}
}

func runMigrations(databaseURL, sourceURL string) error {
	// The migrate pgx driver registers itself under the pgx5 scheme.
	if strings.HasPrefix(databaseURL, "postgres://") {
		databaseURL = "pgx5://" + strings.TrimPrefix(databaseURL, "postgres://")
	}
	m, err := migrate.New(sourceURL, databaseURL)
	if err != nil {
		return err
	}
	defer func() { _, _ = m.Close() }()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

func allowedOrigins(cfg *config.Config) []string {
	if len(cfg.CORSAllowedOrigins) == 0 {
		return []string{"*"}
	}
	return cfg.CORSAllowedOrigins
}

type readinessChecker struct {
	db    *pgxpool.Pool
	redis *redis.Client
}

func (c readinessChecker) PingDB(ctx context.Context, timeout time.Duration) error {
	if c.db == nil {
		return errors.New("db not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return c.db.Ping(ctx)
}

func (c readinessChecker) PingRedis(ctx context.Context, timeout time.Duration) error {
	if c.redis == nil {
		return errors.New("redis not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return c.redis.Ping(ctx).Err()
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

func envBool(key string, fallback bool) bool {
	if val, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(strings.TrimSpace(val)) {
		case "1", "t", "true", "yes", "on":
			return true
		case "0", "f", "false", "no", "off":
			return false
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if val, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.ParseFloat(strings.TrimSpace(val), 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
			return parsed
		}
	}
	return fallback
}

func envDurationMillis(key string, fallback int) time.Duration {
	return time.Duration(envInt(key, fallback)) * time.Millisecond
}

func newPprofMux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", pprof.Index)
	mux.HandleFunc("/cmdline", pprof.Cmdline)
	mux.HandleFunc("/profile", pprof.Profile)
	mux.HandleFunc("/symbol", pprof.Symbol)
	mux.HandleFunc("/trace", pprof.Trace)
	mux.Handle("/allocs", pprof.Handler("allocs"))
	mux.Handle("/block", pprof.Handler("block"))
	mux.Handle("/goroutine", pprof.Handler("goroutine"))
	mux.Handle("/heap", pprof.Handler("heap"))
	mux.Handle("/mutex", pprof.Handler("mutex"))
	mux.Handle("/threadcreate", pprof.Handler("threadcreate"))
	return mux
}

func protectPprof(handler http.Handler, user, pass string) http.Handler {
	user = strings.TrimSpace(user)
	pass = strings.TrimSpace(pass)
	if user == "" {
		return handler
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || subtle.ConstantTimeCompare([]byte(u), []byte(user)) != 1 || subtle.ConstantTimeCompare([]byte(p), []byte(pass)) != 1 {
			w.Header().Set("WWW-Authenticate", "Basic realm=restricted")
			http.Error(w, "unauthorised", http.StatusUnauthorized)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
