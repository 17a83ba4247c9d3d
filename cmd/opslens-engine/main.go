package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opslens/opslens-engine/internal/cache"
	"github.com/opslens/opslens-engine/internal/config"
	"github.com/opslens/opslens-engine/internal/engine"
	"github.com/opslens/opslens-engine/internal/inference"
	"github.com/opslens/opslens-engine/internal/metrics"
	"github.com/opslens/opslens-engine/internal/orchestrator"
	"github.com/opslens/opslens-engine/internal/repo"
	"github.com/opslens/opslens-engine/internal/store"
	"github.com/opslens/opslens-engine/internal/utils"
	"github.com/opslens/opslens-engine/internal/webhook"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", slog.String("path", configPath), slog.Any("error", err))
		os.Exit(1)
	}

	logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON)
	logger.Info("starting opslens-engine", slog.String("address", cfg.Server.Address))

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		logger.Error("failed to register metrics", slog.Any("error", err))
		os.Exit(1)
	}

	cacheProvider := newCacheProvider(cfg.Cache, logger)
	defer cacheProvider.Close()

	st, err := store.Open(cfg.Storage.Path)
	if err != nil {
		logger.Error("failed to open store", slog.String("path", cfg.Storage.Path), slog.Any("error", err))
		os.Exit(1)
	}
	defer st.Close()

	inferenceClient, err := inference.New(cfg.Inference, logger)
	if err != nil {
		logger.Error("failed to create inference client", slog.Any("error", err))
		os.Exit(1)
	}

	githubClient := repo.NewGitHubClient(
		cfg.Sources.GitHub.BaseURL,
		cfg.Sources.GitHub.APIKey,
		cfg.Sources.GitHub.Org,
		cfg.Sources.GitHub.Timeout,
	)
	pagerdutyClient := repo.NewPagerDutyClient(
		cfg.Sources.PagerDuty.BaseURL,
		cfg.Sources.PagerDuty.APIKey,
		cfg.Sources.PagerDuty.Email,
		cfg.Sources.PagerDuty.Timeout,
	)

	dispatcher := webhook.NewDispatcher(st, cfg.Webhooks.DeliveryTimeout, logger)
	eng := engine.New(st, inferenceClient, githubClient, pagerdutyClient, dispatcher, cfg.Sources.Window, logger)

	orch := orchestrator.New(cfg.Orchestrator, eng, cacheProvider, logger)
	processor := webhook.NewProcessor(eng, st, orch, logger)
	webhookServer := webhook.NewServer(processor, cfg.Webhooks.InboundSecrets, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	orchDone := make(chan struct{})
	go func() {
		defer close(orchDone)
		if err := orch.Run(ctx); err != nil {
			logger.Error("orchestrator exited", slog.Any("error", err))
		}
	}()

	server := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      webhookServer.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	go func() {
		logger.Info("webhook server listening", slog.String("address", cfg.Server.Address))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("webhook server exited", slog.Any("error", err))
			stop()
		}
	}()

	var metricsServer *http.Server
	if cfg.Server.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:         cfg.Server.MetricsAddress,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		go func() {
			logger.Info("metrics server listening", slog.String("address", cfg.Server.MetricsAddress))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server exited", slog.Any("error", err))
				stop()
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("webhook server shutdown", slog.Any("error", err))
	}

	if metricsServer != nil {
		metricsCtx, cancelMetrics := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(metricsCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server shutdown", slog.Any("error", err))
		}
		cancelMetrics()
	}

	select {
	case <-orchDone:
	case <-time.After(cfg.Server.GracefulTimeout):
		logger.Warn("orchestrator drain timed out")
	}
	dispatcher.Wait()

	logger.Info("opslens-engine stopped")
}

// newCacheProvider selects the cache backend for idempotency claims. An
// unreachable Valkey downgrades to the noop provider rather than refusing
// to start.
func newCacheProvider(cfg config.CacheConfig, logger *slog.Logger) cache.Provider {
	switch cfg.Backend {
	case "valkey":
		provider, err := cache.NewValkeyProvider(cache.ValkeyConfig{
			Addr:         cfg.Addr,
			Username:     cfg.Username,
			Password:     cfg.Password,
			DialTimeout:  cfg.DialTimeout,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			TLS:          cfg.TLS,
		})
		if err != nil {
			logger.Warn("valkey cache unavailable, falling back to noop", slog.Any("error", err))
			return cache.NoopProvider{}
		}
		return provider
	case "none":
		return cache.NoopProvider{}
	default:
		return cache.NewMemoryProvider(cfg.TTL)
	}
}
