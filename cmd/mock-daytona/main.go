// Command mock-daytona serves an in-memory subset of the Daytona API for
// local runs and demos. Commands execute with the local shell, and every
// sandbox gets its own directory tree under MOCK_BASE_DIR.
//
// Configuration:
//
//	MOCK_PORT         - Listen port (default: 9090)
//	MOCK_API_KEY      - Required bearer token (default: none)
//	MOCK_CREATE_DELAY - Time new sandboxes spend creating (default: 0)
//	MOCK_START_DELAY  - Time started sandboxes spend starting (default: 0)
//	MOCK_BASE_DIR     - Parent of the sandbox directories (default: $TMPDIR)
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

func main() {
	port := os.Getenv("MOCK_PORT")
	if port == "" {
		port = "9090"
	}

	mock := newMockDaytona(mockConfig{
		APIKey:      os.Getenv("MOCK_API_KEY"),
		CreateDelay: envDuration("MOCK_CREATE_DELAY"),
		StartDelay:  envDuration("MOCK_START_DELAY"),
		BaseDir:     os.Getenv("MOCK_BASE_DIR"),
	})
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           mock.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		slog.Info("mock daytona starting", "port", port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("mock daytona failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("mock daytona shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func envDuration(key string) time.Duration {
	d, err := time.ParseDuration(os.Getenv(key))
	if err != nil {
		return 0
	}
	return d
}
