package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/igwedaniel/ledgerwatch/internal/api"
	"github.com/igwedaniel/ledgerwatch/internal/config"
	"github.com/igwedaniel/ledgerwatch/internal/messaging"
	"github.com/igwedaniel/ledgerwatch/internal/metrics"
	"github.com/igwedaniel/ledgerwatch/internal/session"
	"github.com/igwedaniel/ledgerwatch/internal/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.Logging)
	logger.Info("Starting ledgerwatch")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cache, err := openCache(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("Failed to initialize block cache: %v", err)
	}
	defer cache.Close()

	publisher, err := openPublisher(cfg, logger)
	if err != nil {
		logger.Fatalf("Failed to initialize messaging: %v", err)
	}
	defer publisher.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	s := session.New(cfg, session.EthereumConnector(cache, logger), logger, m)
	defer s.Close()

	startCtx, startCancel := context.WithTimeout(ctx, time.Minute)
	err = s.Start(startCtx, nil)
	startCancel()
	if err != nil {
		logger.Fatalf("Failed to start session: %v", err)
	}

	relay := messaging.NewRelay(publisher, s.Options().Network, logger, messaging.DefaultRelayBuffer)
	go func() {
		if err := relay.Run(ctx, s.Feed.Latest, s.Accounts.Accounts); err != nil {
			logger.Errorf("Event relay error: %v", err)
		}
	}()

	metricsServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Monitoring.MetricsPort),
		Handler: m.Handler(),
	}
	go func() {
		logger.Infof("Serving metrics on %s", metricsServer.Addr)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("Metrics server error: %v", err)
		}
	}()

	apiServer := api.NewServer(&cfg.Server, s, logger)
	go func() {
		if err := apiServer.Start(); err != nil {
			logger.Errorf("HTTP server error: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	<-sigChan
	logger.Info("Shutdown signal received, starting graceful shutdown...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := apiServer.Stop(shutdownCtx); err != nil {
		logger.Errorf("Error stopping API server: %v", err)
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("Error stopping metrics server: %v", err)
	}

	logger.Info("ledgerwatch stopped")
}

func openCache(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (storage.BlockCache, error) {
	if cfg.Redis.URL == "" {
		logger.Info("Using in-memory block cache")
		return storage.NewInMemoryStorage(cfg.Redis.BlockTTL), nil
	}

	cache, err := storage.NewRedisStorage(&cfg.Redis, logger)
	if err != nil {
		return nil, err
	}
	if err := cache.Ping(ctx); err != nil {
		cache.Close()
		return nil, err
	}
	logger.Info("Redis block cache connected")
	return cache, nil
}

func openPublisher(cfg *config.Config, logger *logrus.Logger) (messaging.Publisher, error) {
	if cfg.RabbitMQ.URL == "" {
		logger.Info("RabbitMQ not configured, events are not published")
		return messaging.NoOpPublisher{}, nil
	}

	publisher, err := messaging.NewRabbitMQPublisher(cfg.RabbitMQ.URL, cfg.RabbitMQ.Exchange, logger)
	if err != nil {
		return nil, err
	}
	logger.WithField("exchange", cfg.RabbitMQ.Exchange).Info("Messaging system initialized")
	return publisher, nil
}

func setupLogger(cfg config.LoggingConfig) *logrus.Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: time.RFC3339})
	}
	return logger
}
