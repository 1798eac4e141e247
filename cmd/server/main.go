// Command server runs the finance analyzer sandbox session service.
//
// Configuration is loaded from a YAML file (-config, ANALYZER_CONFIG,
// ./config.yaml or /etc/finance-analyzer/config.yaml) with ANALYZER_*
// environment overrides. A .env file in the working directory is read
// first. The most common settings:
//
//	ANALYZER_PORT             - Listen port (default: 8080)
//	ANALYZER_SANDBOX_PROVIDER - daytona, docker or kubernetes (default: daytona)
//	DAYTONA_API_KEY           - Daytona API key (required for daytona)
//	ANALYZER_STORAGE_TYPE     - memory or postgres (default: memory)
//	ANALYZER_AUTH_TYPE        - none, apikey or jwt (default: none)
//	ANALYZER_DEBUG            - Debug categories, e.g. "sandbox,daytona"
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Ernesto385291/finance-analyzer/pkg/auth"
	"github.com/Ernesto385291/finance-analyzer/pkg/config"
	"github.com/Ernesto385291/finance-analyzer/pkg/debug"
	"github.com/Ernesto385291/finance-analyzer/pkg/engine"
	"github.com/Ernesto385291/finance-analyzer/pkg/observability"
	"github.com/Ernesto385291/finance-analyzer/pkg/sandbox"
	"github.com/Ernesto385291/finance-analyzer/pkg/transport"
	transporthttp "github.com/Ernesto385291/finance-analyzer/pkg/transport/http"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("loading .env: %w", err)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	debug.Init(cfg.Logging.Debug, cfg.Logging.Level, cfg.Logging.Format)
	logger := slog.Default()

	tracing, err := observability.NewTracerSetup(&cfg.Observability.Tracing)
	if err != nil {
		return fmt.Errorf("setting up tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracing.Shutdown(ctx); err != nil {
			logger.Warn("flushing traces", "error", err)
		}
	}()

	prov, closeProvider, err := buildProvider(cfg.Sandbox)
	if err != nil {
		return fmt.Errorf("creating sandbox provider: %w", err)
	}
	defer closeProvider()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := buildStore(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("creating session store: %w", err)
	}
	defer store.Close()

	manager := sandbox.NewManager(prov, sandboxConfig(cfg.Sandbox),
		sandbox.WithLogger(logger.With("component", "sandbox")),
		sandbox.WithTracer(tracing.Tracer()),
		sandbox.WithRecorder(store),
	)

	eng, err := engine.New(manager, store, engine.Config{}, engine.WithLogger(logger.With("component", "engine")))
	if err != nil {
		return fmt.Errorf("creating engine: %w", err)
	}

	chain, err := buildAuthChain(cfg.Auth)
	if err != nil {
		return fmt.Errorf("configuring auth: %w", err)
	}
	var limiter auth.RateLimiter
	if cfg.Auth.RateLimit.Enabled {
		tl := buildLimiter(cfg.Auth.RateLimit)
		defer tl.Close()
		limiter = tl
	}

	bypass := []string{"/healthz", "/readyz"}
	opts := []transporthttp.ServerOption{
		transporthttp.WithAddr(fmt.Sprintf(":%d", cfg.Server.Port)),
		transporthttp.WithMaxBodySize(cfg.Server.MaxBodyBytes),
		transporthttp.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout),
		transporthttp.WithShutdownTimeout(cfg.Server.ShutdownTimeout),
		transporthttp.WithLogger(logger.With("component", "http")),
	}
	if cfg.Observability.Metrics.Enabled {
		opts = append(opts, transporthttp.WithMetricsHandler(cfg.Observability.Metrics.Path, promhttp.Handler()))
		bypass = append(bypass, cfg.Observability.Metrics.Path)
	}
	opts = append(opts, transporthttp.WithMiddleware(
		transport.Middleware(observability.MetricsMiddleware(tracing.Tracer())),
		transport.Middleware(auth.Middleware(chain, limiter, bypass)),
	))

	srv := transporthttp.NewServer(eng, eng, opts...)

	logger.Info("session service configured",
		"port", cfg.Server.Port,
		"provider", prov.Name(),
		"storage", cfg.Storage.Type,
		"auth", cfg.Auth.Type,
	)
	return srv.ListenAndServeContext(ctx)
}
