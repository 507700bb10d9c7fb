package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/backend-checkout/internal/app"
	"github.com/noah-isme/backend-checkout/internal/audit"
	"github.com/noah-isme/backend-checkout/internal/auth"
	"github.com/noah-isme/backend-checkout/internal/cache"
	"github.com/noah-isme/backend-checkout/internal/checkout"
	"github.com/noah-isme/backend-checkout/internal/common"
	"github.com/noah-isme/backend-checkout/internal/config"
	"github.com/noah-isme/backend-checkout/internal/coupon"
	"github.com/noah-isme/backend-checkout/internal/events"
	"github.com/noah-isme/backend-checkout/internal/health"
	"github.com/noah-isme/backend-checkout/internal/notify"
	"github.com/noah-isme/backend-checkout/internal/obs"
	"github.com/noah-isme/backend-checkout/internal/payment"
	"github.com/noah-isme/backend-checkout/internal/product"
	"github.com/noah-isme/backend-checkout/internal/ratelimit"
	"github.com/noah-isme/backend-checkout/internal/resilience"
	"github.com/noah-isme/backend-checkout/internal/security"
	"github.com/noah-isme/backend-checkout/internal/taxid"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := obs.NewLogger(cfg.LogFormat, cfg.LogLevel).With().Str("env", cfg.AppEnv).Logger()
	obs.MustRegisterDomainMetrics(cfg.MetricsNamespace, nil)

	tracingEnabled := cfg.OTelEnabled
	if tracingEnabled {
		shutdown, err := obs.InitTracer(context.Background(), obs.TracingConfig{
			ServiceName:   cfg.OTelServiceName,
			Endpoint:      cfg.OTelEndpoint,
			Exporter:      cfg.OTelExporter,
			SamplingRatio: cfg.OTelSamplingRatio,
			Environment:   cfg.AppEnv,
		})
		if err != nil {
			logger.Error().Err(err).Msg("initialise tracing")
			tracingEnabled = false
		} else {
			defer func() {
				if err := shutdown(context.Background()); err != nil {
					logger.Error().Err(err).Msg("shutdown tracer")
				}
			}()
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, err := app.Bootstrap(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("bootstrap dependencies")
	}
	defer deps.Close()
	if cfg.MetricsEnabled {
		if err := redisotel.InstrumentMetrics(deps.Redis); err != nil {
			logger.Error().Err(err).Msg("instrument redis metrics")
		}
	}

	productSvc, err := product.NewService(product.ServiceConfig{
		Store:           product.PGStore{DB: deps.DB},
		Cache:           cache.New(deps.Redis, cfg.ProductCacheTTL),
		DefaultCurrency: cfg.DefaultCurrency,
		Logger:          logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise product service")
	}
	productHandler := product.NewHandler(product.HandlerConfig{Service: productSvc})

	couponSvc := &coupon.Service{
		Store:               coupon.PGStore{DB: deps.DB},
		DefaultPerUserLimit: cfg.DefaultPerUserUses,
		ReservationTTL:      cfg.CouponHoldTTL,
		Logger:              logger,
	}
	couponHandler := &coupon.Handler{Svc: couponSvc}

	checkoutSvc := &checkout.Service{Products: productSvc, Coupons: couponSvc}
	checkoutHandler := &checkout.Handler{Svc: checkoutSvc}

	authSvc, err := auth.NewService(auth.Config{
		Store:          auth.PGStore{DB: deps.DB},
		Secret:         cfg.JWTSecret,
		AccessTokenTTL: cfg.AccessTokenTTL,
		Issuer:         cfg.JWTIssuer,
		Audience:       cfg.JWTAudience,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise auth service")
	}
	authHandler := &auth.Handler{Service: authSvc}
	authMiddleware := auth.Middleware{Service: authSvc}

	notifyStore := notify.PGStore{DB: deps.DB}
	eventStore := events.PGStore{DB: deps.DB}
	dispatcher := &notify.Dispatcher{
		Store:              notifyStore,
		Events:             eventStore,
		Queue:              notify.AsynqEnqueuer{Client: deps.TaskClient},
		Client:             notify.HTTPClient(cfg.WebhookRequestTimeout, cfg.WebhookAllowInsecureTLS),
		BackoffBaseSec:     cfg.WebhookBackoffBaseSec,
		DefaultMaxAttempts: cfg.WebhookDefaultMaxAttempts,
		Enabled:            cfg.WebhookDeliveryEnabled,
		Replay:             notify.RedisReplayProtector{Client: deps.Redis},
		ReplayTTL:          cfg.WebhookReplayTTL,
		AllowInsecureHTTP:  cfg.AppEnv != "production",
		Logger:             logger.With().Str("component", "webhooks").Logger(),
	}
	bus := &events.Bus{
		Store:     eventStore,
		Scheduler: dispatcher,
		Notifiers: []events.Notifier{events.LogNotifier{Logger: logger}},
	}
	notifyAdmin := &notify.AdminHandler{Store: notifyStore, Disp: dispatcher, AllowInsecureHTTP: dispatcher.AllowInsecureHTTP}

	stripe := payment.Stripe{
		SecretKey:     cfg.StripeSecretKey,
		WebhookSecret: cfg.StripeWebhookSecret,
		BaseURL:       cfg.StripeBaseURL,
		HTTP:          outboundClient(cfg, "stripe", &logger),
	}
	paymentSvc := &payment.Service{
		Store:    payment.PGStore{DB: deps.DB},
		Checkout: checkoutSvc,
		Products: productSvc,
		Coupons:  couponSvc,
		Provider: stripe,
		Events:   bus,
		Logger:   logger.With().Str("component", "payments").Logger(),
	}
	paymentHandler := &payment.Handler{Svc: paymentSvc}
	paymentWebhook := payment.Webhook{
		Svc:       paymentSvc,
		Providers: map[string]payment.Provider{stripe.Name(): stripe},
		Replay:    deps.Redis,
		ReplayTTL: cfg.PaymentWebhookReplay,
	}

	registry := &taxid.Registry{
		BaseURL: cfg.TaxRegistryBaseURL,
		HTTP:    outboundClient(cfg, "tax-registry", &logger),
		Cache:   cache.New(deps.Redis, cfg.TaxLookupCacheTTL),
		Logger:  logger.With().Str("component", "taxid").Logger(),
	}
	taxHandler := &taxid.Handler{Registry: registry}

	auditStore := audit.PGStore{DB: deps.DB}
	auditRecorder := audit.HTTPRecorder{Service: audit.Service{
		Store:   auditStore,
		Enabled: cfg.AuditEnabled,
		Logger:  logger.With().Str("component", "audit").Logger(),
	}}
	auditHandler := audit.Handler{Store: auditStore}

	couponLimit := mustLimiter(deps, cfg.RateLimitCouponVerify, "coupon-verify", logger)
	offerLimit := mustLimiter(deps, cfg.RateLimitCouponVerify, "oto", logger)
	taxLimit := mustLimiter(deps, cfg.RateLimitTaxLookup, "tax-id", logger)
	loginLimit := mustLimiter(deps, cfg.RateLimitLogin, "login", logger)
	idem := common.Idem{R: deps.Redis, TTL: cfg.IdempotencyTTL}

	var httpMetrics *obs.HTTPMetrics
	if cfg.MetricsEnabled {
		httpMetrics = obs.NewHTTPMetrics(cfg.MetricsNamespace, obs.ParseBucketsCSV(cfg.HTTPLatencyBuckets), nil)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(obs.RoutePatternMiddleware)
	if tracingEnabled {
		r.Use(obs.TracingMiddleware)
	}
	if httpMetrics != nil {
		r.Use(obs.HTTPObs{Metrics: httpMetrics}.Middleware)
	}
	r.Use(obs.RequestLogger{Logger: logger}.Middleware)
	r.Use(security.Headers{Enable: cfg.SecurityHeaders, EnableHSTS: cfg.EnableHSTS}.Middleware)
	r.Use(security.CORS(cfg.CORSAllowedOrigins))
	r.Use(security.BodyLimit{Max: cfg.MaxBodyBytes}.Middleware)

	if cfg.MetricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}
	healthHandler := health.Handler{Probes: map[string]health.PingFunc{
		"postgres": health.Postgres(deps.DB),
		"redis":    health.Redis(deps.Redis),
	}}
	r.Get("/health/live", healthHandler.Live)
	r.Get("/health/ready", healthHandler.Ready)

	r.Route("/api/v1", func(v chi.Router) {
		productHandler.Routes(v)
		v.With(couponLimit.Middleware).Post("/coupons/verify", couponHandler.Verify)
		v.With(offerLimit.Middleware).Get("/oto/{productId}", couponHandler.ActiveOffer)
		v.Post("/checkout/quote", checkoutHandler.Quote)
		v.With(taxLimit.Middleware).Get("/tax-id/{value}", taxHandler.Check)
		v.With(loginLimit.Middleware).Post("/auth/login", authHandler.Login)

		v.Route("/payments", func(p chi.Router) {
			paymentHandler.Routes(p, idem.Middleware)
		})
		v.Post("/webhooks/payment/{provider}", paymentWebhook.Handle)

		v.Route("/admin", func(admin chi.Router) {
			admin.Use(authMiddleware.RequireAdmin)
			admin.Use(auditRecorder.Middleware)
			productHandler.AdminRoutes(admin)
			admin.Get("/coupons", couponHandler.List)
			admin.Post("/coupons", couponHandler.Create)
			admin.Delete("/coupons/{code}", couponHandler.Delete)
			paymentHandler.AdminRoutes(admin)
			notifyAdmin.Routes(admin)
			admin.Get("/audit-logs", auditHandler.List)
		})
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server exited unexpectedly")
		}
	}()

	<-ctx.Done()
	health.SetReady(false)
	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown")
	}
}

func outboundClient(cfg *config.Config, target string, logger *zerolog.Logger) *resilience.HTTPClient {
	breaker := resilience.NewBreaker(resilience.BreakerOptions{
		Target:       target,
		MinRequests:  cfg.CircuitMinRequests,
		FailureRatio: cfg.CircuitFailureRatio,
		OpenFor:      cfg.CircuitOpenFor,
		Logger:       logger,
	})
	client := resilience.NewHTTPClient(target, cfg.OutboundTimeout, breaker)
	client.BaseBackoff = cfg.RetryBase
	client.MaxAttempts = cfg.RetryMaxAttempts
	client.Jitter = cfg.RetryJitterPercent
	return client
}

func mustLimiter(deps *app.Dependencies, rate, scope string, logger zerolog.Logger) ratelimit.Handler {
	h, err := ratelimit.New(deps.LimiterStore, rate, ratelimit.ByClientIP(scope))
	if err != nil {
		logger.Fatal().Err(err).Str("scope", scope).Msg("parse rate limit")
	}
	h.OnError = func(err error) {
		logger.Warn().Err(err).Str("scope", scope).Msg("rate limiter unavailable")
	}
	return h
}
