package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/cch-gateway/cch-gateway/alert"
	"github.com/cch-gateway/cch-gateway/breaker"
	"github.com/cch-gateway/cch-gateway/codexsession"
	"github.com/cch-gateway/cch-gateway/core"
	"github.com/cch-gateway/cch-gateway/endpoint"
	"github.com/cch-gateway/cch-gateway/forward"
	"github.com/cch-gateway/cch-gateway/guard"
	"github.com/cch-gateway/cch-gateway/httpapi"
	"github.com/cch-gateway/cch-gateway/internal/cache"
	"github.com/cch-gateway/cch-gateway/internal/config"
	"github.com/cch-gateway/cch-gateway/internal/database"
	"github.com/cch-gateway/cch-gateway/internal/metrics"
	"github.com/cch-gateway/cch-gateway/internal/server"
	"github.com/cch-gateway/cch-gateway/internal/telemetry"
	"github.com/cch-gateway/cch-gateway/pricing"
	"github.com/cch-gateway/cch-gateway/ratelimit"
	"github.com/cch-gateway/cch-gateway/repository"
	"github.com/cch-gateway/cch-gateway/respond"
	"github.com/cch-gateway/cch-gateway/selector"
	"github.com/cch-gateway/cch-gateway/session"
	"github.com/cch-gateway/cch-gateway/transform"
	"github.com/cch-gateway/cch-gateway/vendorauth"
)

// Gateway wires every already-built domain package into one running HTTP
// server, mirroring this repository's own cmd/agentflow Server but
// terminating in httpapi.Handler's guard→forward→respond pipeline instead
// of a fixed set of REST handlers.
type Gateway struct {
	cfg    *config.Config
	logger *zap.Logger
	otel   *telemetry.Providers
	db     *database.PoolManager

	cacheMgr *cache.Manager
	breaker  *breaker.Breaker
	writer   *repository.MessageRequestWriter
	metrics  *metrics.Collector

	httpManager    *server.Manager
	metricsManager *server.Manager

	runCtx    context.Context
	runCancel context.CancelFunc
}

func NewGateway(cfg *config.Config, logger *zap.Logger, otel *telemetry.Providers, db *database.PoolManager) *Gateway {
	return &Gateway{cfg: cfg, logger: logger, otel: otel, db: db}
}

// Start builds the guard/forward/respond pipeline, wires it behind
// httpapi.Handler, and starts the HTTP and metrics listeners plus every
// background goroutine (breaker config-invalidation subscriber, async
// message_request writer).
func (g *Gateway) Start() error {
	g.runCtx, g.runCancel = context.WithCancel(context.Background())

	cacheMgr, err := cache.NewManagerFromURL(g.cfg.Redis.URL, g.cfg.Session.TTL, g.logger)
	if err != nil {
		return err
	}
	g.cacheMgr = cacheMgr
	redisClient := cacheMgr.Client()

	keyRepo := repository.NewKeyRepo(g.db.DB(), g.logger)
	userRepo := repository.NewUserRepo(g.db.DB(), g.logger)
	providerRepo := repository.NewProviderRepo(g.db.DB(), g.logger)
	endpointRepo := repository.NewEndpointRepo(g.db.DB(), g.logger)

	breakerStore := breaker.NewStore(redisClient, g.logger)
	cb := breaker.New(breakerStore, providerRepo, g.logger).WithAlertSender(alert.NewLoggingSender(g.logger))
	g.breaker = cb
	go cb.Run(g.runCtx)

	rlStore := ratelimit.NewStore(redisClient)
	limiter := ratelimit.NewLimiter(rlStore, g.logger)

	ledgerRepo := repository.NewLedgerRepo(g.db.DB(), g.logger)
	dbRefresher := ratelimit.NewDBRefresher(rlStore, ledgerRepo, g.logger)
	refreshInterval := time.Duration(g.cfg.SystemSettings.QuotaDBRefreshIntervalSeconds) * time.Second
	go dbRefresher.Run(g.runCtx, refreshInterval)

	reconciler := ratelimit.NewReconciler(rlStore, g.logger)
	go reconciler.Run(g.runCtx, 30*time.Second)

	tracker := session.NewTracker(redisClient, g.cfg.Session.TTL, g.logger)
	completer := codexsession.NewCompleter(redisClient, g.cfg.Session.TTL)

	// LoadChecker is left nil: spec §4.5's Provider.LimitConcurrentSessions
	// filter only matters once a provider-scoped concurrency counter exists,
	// which this gateway doesn't maintain independently of the key/user
	// windows the rate limiter already owns.
	sel := selector.New(cb, nil, g.logger)
	resolver := endpoint.New(endpointRepo, cb, g.logger).WithEndpointCircuitBreaker(g.cfg.EnableEndpointCircuitBreaker)
	registry := transform.NewRegistry()
	injector := vendorauth.NewHeaderInjector()
	forwarder := forward.New(sel, resolver, cb, registry, injector, g.logger)

	writerCfg := repository.WriterConfig{
		FlushInterval: g.cfg.MessageRequestWrite.FlushInterval(),
		BatchSize:     g.cfg.MessageRequestWrite.AsyncBatchSize,
		MaxPending:    g.cfg.MessageRequestWrite.AsyncMaxPending,
	}
	writer := repository.NewMessageRequestWriter(g.db, writerCfg, g.logger)
	g.writer = writer
	go writer.Run(g.runCtx)

	calculator := pricing.NoopCalculator{}
	responder := respond.New(calculator, limiter, writer, tracker, respond.NoopUsageExtractor{}, g.logger)

	chain := guard.NewChain(g.logger).
		Use("auth", guard.AuthStage(keyRepo, userRepo)).
		Use("probe", guard.ProbeStage()).
		Use("session", guard.SessionStage(tracker, completer)).
		Use("sensitive_word", guard.SensitiveWordStage(nil)).
		Use("rate_limit", guard.RateLimitStage(limiter, estimatedCost(calculator))).
		Use("provider_gate", guard.ProviderGateStage(resolveModel))

	handler := &httpapi.Handler{
		Chain:     chain,
		Forwarder: forwarder,
		Responder: responder,
		Tracker:   tracker,
		Providers: providerRepo,
		Logger:    g.logger,
	}

	mux := http.NewServeMux()
	mux.Handle("/", handler)
	mux.HandleFunc("/health", healthHandler)

	g.metrics = metrics.NewCollector("cch_gateway", g.logger)

	serverCfg := server.Config{
		Addr:            g.cfg.Server.Addr,
		ReadTimeout:     g.cfg.Server.ReadTimeout,
		WriteTimeout:    g.cfg.Server.WriteTimeout,
		IdleTimeout:     g.cfg.Server.IdleTimeout,
		MaxHeaderBytes:  g.cfg.Server.MaxHeaderBytes,
		ShutdownTimeout: g.cfg.Server.ShutdownTimeout,
	}
	g.httpManager = server.NewManager(mux, serverCfg, g.logger)
	if err := g.httpManager.Start(); err != nil {
		return err
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsCfg := server.DefaultConfig()
	metricsCfg.Addr = ":9090"
	g.metricsManager = server.NewManager(metricsMux, metricsCfg, g.logger)
	if err := g.metricsManager.Start(); err != nil {
		g.logger.Warn("failed to start metrics listener", zap.Error(err))
	}

	g.logger.Info("gateway listening", zap.String("addr", g.cfg.Server.Addr))
	return nil
}

// WaitForShutdown blocks until SIGINT/SIGTERM, then drains every
// background task in the reverse order of Start, finishing with the
// message_request writer so nothing already enqueued is lost.
func (g *Gateway) WaitForShutdown() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	g.logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), g.cfg.Server.ShutdownTimeout)
	defer cancel()

	if g.httpManager != nil {
		if err := g.httpManager.Shutdown(shutdownCtx); err != nil {
			g.logger.Warn("http server shutdown error", zap.Error(err))
		}
	}
	if g.metricsManager != nil {
		if err := g.metricsManager.Shutdown(shutdownCtx); err != nil {
			g.logger.Warn("metrics server shutdown error", zap.Error(err))
		}
	}

	// Stop the breaker's config-invalidation subscriber and the writer's
	// drain loop last, then wait for its shutdown flush so already
	// enqueued bookkeeping rows aren't lost.
	g.runCancel()
	if g.writer != nil {
		g.writer.Wait()
	}

	if g.otel != nil {
		if err := g.otel.Shutdown(shutdownCtx); err != nil {
			g.logger.Warn("telemetry shutdown error", zap.Error(err))
		}
	}
	if g.cacheMgr != nil {
		if err := g.cacheMgr.Close(); err != nil {
			g.logger.Warn("redis close error", zap.Error(err))
		}
	}
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// resolveModel is ProviderGateStage's confirmation hook: httpapi's route
// resolver already stamps rc.Model from the request body before the guard
// chain runs, so this just hands that value back. A real billing-model
// redirect (spec §1 "System settings" BillingModelSource) would rewrite it
// here, but per-vendor model-name mapping is an external collaborator
// this repository doesn't own.
func resolveModel(rc *core.RequestContext) string {
	return rc.Model
}

// estimatedCost builds the RateLimitStage cost estimator from the pricing
// calculator. The provider (and its CostMultiplier) isn't chosen yet at
// guard time, so this uses a neutral multiplier of 1.0: spec §4.2's lease
// is a conservative pre-selection estimate, not the final billed cost.
func estimatedCost(calculator pricing.Calculator) func(rc *core.RequestContext) float64 {
	return func(rc *core.RequestContext) float64 {
		return calculator.EstimateUpperBound(rc.Model, 1.0)
	}
}
