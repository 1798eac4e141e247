// Command sandbox-server runs inside agent-sandbox pods and executes code
// and shell commands on behalf of the kubernetes sandbox provider.
//
// Configuration:
//
//	SANDBOX_PORT           - Listen port (default: 8080)
//	SANDBOX_WORKSPACE      - Working directory (default: /home/daytona)
//	SANDBOX_PYTHON         - Python interpreter (default: python3)
//	SANDBOX_MAX_CONCURRENT - Max concurrent executions (default: 3)
//	SANDBOX_TIMEOUT        - Default execution timeout (default: 5m)
//	SANDBOX_LOG_FORMAT     - text or json (default: text)
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/Ernesto385291/finance-analyzer/pkg/sandbox/podserver"
)

func main() {
	_ = godotenv.Load()

	logger := newLogger(os.Getenv("SANDBOX_LOG_FORMAT"))
	slog.SetDefault(logger)

	port := envOr("SANDBOX_PORT", "8080")
	cfg := podserver.Config{
		WorkspaceDir:   os.Getenv("SANDBOX_WORKSPACE"),
		Python:         os.Getenv("SANDBOX_PYTHON"),
		MaxConcurrent:  envOrInt("SANDBOX_MAX_CONCURRENT", 3),
		DefaultTimeout: envOrDuration("SANDBOX_TIMEOUT", 5*time.Minute),
		Logger:         logger,
	}
	if cfg.WorkspaceDir != "" {
		if err := os.MkdirAll(cfg.WorkspaceDir, 0o755); err != nil {
			logger.Error("creating workspace", "dir", cfg.WorkspaceDir, "error", err)
			os.Exit(1)
		}
	}

	srv := podserver.NewServer(cfg)
	httpSrv := &http.Server{
		Addr:              ":" + port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("sandbox server starting", "port", port, "max_concurrent", cfg.MaxConcurrent)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
}

func newLogger(format string) *slog.Logger {
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, nil))
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

func envOrDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}
