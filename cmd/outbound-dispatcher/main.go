package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	outbound "github.com/goliatone/go-outbound"
	"github.com/goliatone/go-outbound/adapters/gocommand"
	"github.com/goliatone/go-outbound/adapters/gojob"
	promrecorder "github.com/goliatone/go-outbound/adapters/prometheus"
	"github.com/goliatone/go-outbound/adapters/zaplog"
	"github.com/goliatone/go-outbound/core"
	"github.com/goliatone/go-outbound/telemetry"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, using process environment")
	}
	if err := run(); err != nil {
		log.Fatalf("outbound-dispatcher: %v", err)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	settings, err := LoadSettings(os.Getenv("OUTBOUND_CONFIG_PATH"))
	if err != nil {
		return err
	}

	logger, err := newLogger(settings.Log)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	shutdownTracing, err := telemetry.Init(ctx, settings.Observability)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Error("tracer shutdown failed", "error", err)
		}
	}()

	client, sqlDB, err := openDatabase(ctx, settings.Database)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := promrecorder.NewRecorder(registry)

	opts := []outbound.Option{
		outbound.WithPersistenceClient(client),
		outbound.WithLogger(logger),
		outbound.WithLoggerProvider(zaplog.NewProvider(logger)),
		outbound.WithMetricsRecorder(metrics),
		outbound.WithConfigProvider(core.NewCfgxConfigProvider(core.StaticRawConfigLoader{Values: settings.Engine})),
	}
	if settings.Database.DurableQueue() {
		jobs, err := gojob.NewDurableQueue(ctx, sqlDB, gojob.DurableQueueOptions{Driver: settings.Database.Driver})
		if err != nil {
			return err
		}
		opts = append(opts, outbound.WithQueue(jobs, jobs))
		logger.Info("using durable job queue", "driver", settings.Database.Driver)
	}

	engine, err := outbound.New(outbound.Config{}, opts...)
	if err != nil {
		return err
	}

	adapter := gocommand.NewRegistryAdapter(nil)
	subs, err := engine.RegisterOperator(adapter)
	if err != nil {
		return err
	}
	defer subs.Unsubscribe()
	if err := adapter.Initialize(); err != nil {
		return err
	}

	if !settings.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	server := &http.Server{
		Addr:              settings.HTTP.Addr,
		Handler:           NewRouter(engine.WebhookHandler(), registry),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errs := make(chan error, 2)
	go func() {
		logger.Info("http server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()
	go func() {
		if err := engine.Run(ctx); err != nil {
			errs <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err = <-errs:
		logger.Error("outbound-dispatcher stopped", "error", err)
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
		logger.Error("http server shutdown failed", "error", shutdownErr)
	}
	return err
}

func newLogger(settings LogSettings) (*zaplog.Logger, error) {
	if settings.Development {
		return zaplog.NewDevelopment(settings.Level)
	}
	return zaplog.NewProduction(settings.Level)
}
