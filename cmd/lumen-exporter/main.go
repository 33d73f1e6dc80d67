package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"

	"lumen/internal/config"
	"lumen/internal/exporter"
	"lumen/internal/handlers"
	"lumen/internal/logger"
	"lumen/internal/middleware"
	"lumen/internal/models"
)

const serviceName = "lumen-exporter"

func main() {
	configPath := pflag.StringP("config", "c", "", "path to config file (yaml, json or toml)")
	logLevel := pflag.String("log-level", "", "log level, overrides log.level")
	heartbeat := pflag.Duration("heartbeat", 15*time.Second, "interval of the self-telemetry heartbeat, 0 disables it")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Init("info")
		logger.Logger.Fatal().Err(err).Msg("failed to load config")
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	logger.Init(cfg.Log.Level)
	log := logger.WithComponent("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	host, _ := os.Hostname()
	exp, err := exporter.New(cfg, exporter.WithContextTags(map[string]string{
		models.TagCloudRoleInstance: host,
	}))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create exporter")
	}

	res := resource.NewWithAttributes(semconv.SchemaURL,
		semconv.ServiceName(serviceName),
		semconv.HostName(host),
	)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp.SpanExporter()),
		sdktrace.WithResource(res),
	)
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp.MetricExporter(),
			sdkmetric.WithInterval(cfg.Batch.FlushInterval))),
		sdkmetric.WithResource(res),
	)

	mux := http.NewServeMux()
	handlers.NewAdminHandler(exp).Register(mux)
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:         cfg.Metrics.Addr,
		Handler:      middleware.Chain(mux, middleware.Recovery, middleware.Logging),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("admin server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("admin server failed")
			stop()
		}
	}()

	if *heartbeat > 0 {
		go runHeartbeat(ctx, tp.Tracer(serviceName), mp.Meter(serviceName), *heartbeat)
	}

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("admin server shutdown error")
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("tracer provider shutdown error")
	}
	if err := mp.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("meter provider shutdown error")
	}
	if err := exp.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("exporter shutdown error")
	}

	st := exp.Stats()
	log.Info().
		Uint64("accepted", st.Accepted).
		Uint64("stored", st.Stored).
		Uint64("lost", st.Lost).
		Msg("exited")
}

// runHeartbeat emits one span and one counter increment per tick so the
// pipeline always has traffic to deliver.
func runHeartbeat(ctx context.Context, tracer trace.Tracer, meter metric.Meter, every time.Duration) {
	log := logger.WithComponent("heartbeat")

	beats, err := meter.Int64Counter("lumen.heartbeat", metric.WithDescription("Heartbeats emitted by the exporter process"))
	if err != nil {
		log.Error().Err(err).Msg("failed to create heartbeat counter")
		return
	}

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			spanCtx, span := tracer.Start(ctx, "heartbeat")
			beats.Add(spanCtx, 1)
			span.End()
		}
	}
}
