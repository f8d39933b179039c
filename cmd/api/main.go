package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"flash-sale-api/internal/arbitration"
	"flash-sale-api/internal/cache"
	"flash-sale-api/internal/config"
	"flash-sale-api/internal/database"
	"flash-sale-api/internal/eligibility"
	"flash-sale-api/internal/events"
	"flash-sale-api/internal/features"
	"flash-sale-api/internal/handler"
	"flash-sale-api/internal/middleware"
	"flash-sale-api/internal/pricing"
	"flash-sale-api/internal/ratelimit"
	"flash-sale-api/internal/tracing"
	"flash-sale-api/internal/worker"
)

func main() {
	configFile := flag.String("config", "", "Path to JSON config file")
	tracingEnabled := flag.Bool("tracing", false, "Enable distributed tracing")
	jaegerEndpoint := flag.String("jaeger", "http://localhost:14268/api/traces", "Jaeger collector endpoint")
	environment := flag.String("env", "development", "Deployment environment")
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := zlog.With().Str("service", "flash-sale-api").Logger()

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	if _, err := tracing.InitTracing(tracing.Config{
		Enabled:     *tracingEnabled,
		Endpoint:    *jaegerEndpoint,
		ServiceName: "flash-sale-api",
		Environment: *environment,
	}); err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize tracing")
	}

	flags := features.NewManager()
	flags.Register(features.FeatureEventHooksEnabled, true, "Publish lifecycle events to in-process subscribers")
	flags.Register(features.FeatureExpirySweepEnabled, true, "Run the background expiry sweep")
	flags.Register(features.FeatureNotificationFanout, true, "Fan out offer notifications to eligible claimants")

	db, err := database.NewDB(cfg.Database.Path)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize database")
	}
	defer db.Close()

	// The cooldown store degrades to in-process memory when Redis is not
	// configured; suppression is then per-instance only.
	var cooldownStore cache.Cache
	if cfg.Redis.Addr != "" {
		redisCache, err := cache.NewRedisCache(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Warn().Err(err).Msg("redis unavailable, falling back to in-memory cooldown store")
			cooldownStore = cache.NewInMemoryCache()
		} else {
			cooldownStore = redisCache
			logger.Info().Str("addr", cfg.Redis.Addr).Msg("using redis cooldown store")
		}
	} else {
		cooldownStore = cache.NewInMemoryCache()
	}

	eventManager := events.NewManager(flags.IsEnabled(features.FeatureEventHooksEnabled))
	defer eventManager.Shutdown()

	matcher := eligibility.NewMatcher(db, cfg.Notifications.ProximityThreshold, cfg.InterestLookback())
	pricer := pricing.NewCalculator(pricing.Params{
		FixedHandlingCost: cfg.Pricing.FixedHandlingCost,
		PercentOfPrice:    cfg.Pricing.PercentOfPrice,
		ShareOfSavings:    cfg.Pricing.ShareOfSavings,
		FloorFraction:     cfg.Pricing.FloorFraction,
	})
	limiter := ratelimit.NewNotificationLimiter(cooldownStore, cfg.NotificationCooldown())

	pool := worker.NewPool(matcher, pricer, limiter, db, eventManager, logger, worker.Options{
		Workers:     cfg.Worker.Workers,
		QueueSize:   cfg.Worker.QueueSize,
		MaxAttempts: cfg.Worker.MaxAttempts,
		BackoffBase: cfg.BackoffBase(),
		OfferTTL:    cfg.OfferTTL(),
		Fanout:      flags.IsEnabled(features.FeatureNotificationFanout),
	})
	pool.Start()
	defer pool.Stop()

	engine := arbitration.NewEngine(db, eventManager, cfg.StalenessTimeout(), logger)

	if flags.IsEnabled(features.FeatureExpirySweepEnabled) {
		sweeper := arbitration.NewExpirationManager(db, eventManager, cfg.SweepInterval(), cfg.RetentionWindow(), logger)
		sweeper.Start()
		defer sweeper.Stop()
	}

	h := handler.NewHandler(pool, engine, db, db)

	r := chi.NewRouter()

	// Middleware (order matters)
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(middleware.TracingMiddleware())

	if cfg.RateLimit.Enabled {
		httpLimiter := middleware.NewRateLimiter(cfg.RateLimit.Rate, time.Duration(cfg.RateLimit.Window)*time.Second)
		defer httpLimiter.Stop()
		r.Use(middleware.RateLimitMiddleware(httpLimiter))
	}

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Routes
	r.Route("/cancellations", func(r chi.Router) {
		r.Post("/", h.CreateCancellation)
	})

	r.Route("/offers", func(r chi.Router) {
		r.Get("/{offer_id}", h.GetOffer)
		r.Post("/{offer_id}/claims", h.ClaimOffer)
	})

	r.Route("/claimants", func(r chi.Router) {
		r.Get("/{claimant_id}/offers", h.ListClaimantOffers)
	})

	r.Route("/interests", func(r chi.Router) {
		r.Post("/", h.CreateInterests)
	})

	r.Handle("/metrics", promhttp.Handler())

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	addr := cfg.Server.Host + ":" + cfg.Server.Port
	server := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		sigint := make(chan os.Signal, 1)
		signal.Notify(sigint, os.Interrupt, syscall.SIGTERM)
		<-sigint

		logger.Info().Msg("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("error shutting down server")
		}
		if err := tracing.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("error shutting down tracing")
		}
	}()

	logger.Info().
		Str("addr", addr).
		Str("database", cfg.Database.Path).
		Int("workers", cfg.Worker.Workers).
		Msg("starting server")

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal().Err(err).Msg("server failed")
	}
}
