package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	pgmodule "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/Ernesto385291/finance-analyzer/pkg/sandbox"
	"github.com/Ernesto385291/finance-analyzer/pkg/storage"
)

// setupTestDB starts a PostgreSQL container and returns a migrated Store.
// Tests are skipped when no container runtime is reachable.
func setupTestDB(t *testing.T) *Store {
	t.Helper()

	if testing.Short() || os.Getenv("SKIP_INTEGRATION") == "true" {
		t.Skip("skipping PostgreSQL integration tests")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	container, err := pgmodule.Run(ctx,
		"postgres:16-alpine",
		pgmodule.WithDatabase("analyzer_test"),
		pgmodule.WithUsername("test"),
		pgmodule.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Skipf("skipping: could not start PostgreSQL container: %v", err)
	}
	t.Cleanup(func() { container.Terminate(context.Background()) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("getting connection string: %v", err)
	}

	store, err := New(ctx, Config{DSN: dsn, MaxConns: 5, MinConns: 1, MigrateOnStart: true})
	if err != nil {
		t.Fatalf("creating store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func testSession(key string) *sandbox.Session {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &sandbox.Session{
		Key:            key,
		SandboxID:      "sbx-" + key,
		Provider:       "daytona",
		State:          sandbox.StateRunning,
		Phase:          sandbox.PhaseReady,
		Acquisitions:   1,
		CreatedAt:      now,
		LastAcquiredAt: now,
	}
}

func TestPostgres(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	t.Run("save and get", func(t *testing.T) {
		want := testSession("conv-save")
		if err := store.SaveSession(ctx, want); err != nil {
			t.Fatalf("SaveSession: %v", err)
		}
		got, err := store.GetSession(ctx, "conv-save")
		if err != nil {
			t.Fatalf("GetSession: %v", err)
		}
		if got.SandboxID != want.SandboxID || got.State != want.State || got.Phase != want.Phase {
			t.Errorf("session = %+v, want %+v", got, want)
		}
		if !got.CreatedAt.Equal(want.CreatedAt) {
			t.Errorf("created_at = %v, want %v", got.CreatedAt, want.CreatedAt)
		}
	})

	t.Run("upsert", func(t *testing.T) {
		s := testSession("conv-upsert")
		store.SaveSession(ctx, s)
		s.SandboxID = "sbx-replacement"
		s.State = sandbox.StateStopped
		s.Acquisitions = 7
		if err := store.SaveSession(ctx, s); err != nil {
			t.Fatalf("SaveSession: %v", err)
		}
		got, _ := store.GetSession(ctx, "conv-upsert")
		if got.SandboxID != "sbx-replacement" || got.State != sandbox.StateStopped || got.Acquisitions != 7 {
			t.Errorf("session = %+v", got)
		}
	})

	t.Run("zero timestamps", func(t *testing.T) {
		s := &sandbox.Session{Key: "conv-failed", Provider: "daytona", State: sandbox.StateUnknown, Phase: sandbox.PhaseFailed}
		if err := store.SaveSession(ctx, s); err != nil {
			t.Fatalf("SaveSession: %v", err)
		}
		got, err := store.GetSession(ctx, "conv-failed")
		if err != nil {
			t.Fatalf("GetSession: %v", err)
		}
		if !got.CreatedAt.IsZero() || !got.LastAcquiredAt.IsZero() {
			t.Errorf("timestamps = %v / %v, want zero", got.CreatedAt, got.LastAcquiredAt)
		}
	})

	t.Run("not found and delete", func(t *testing.T) {
		if _, err := store.GetSession(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("GetSession(missing) = %v, want ErrNotFound", err)
		}
		store.SaveSession(ctx, testSession("conv-delete"))
		if err := store.DeleteSession(ctx, "conv-delete"); err != nil {
			t.Fatalf("DeleteSession: %v", err)
		}
		if err := store.DeleteSession(ctx, "conv-delete"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("second delete = %v, want ErrNotFound", err)
		}
	})

	t.Run("tenant isolation", func(t *testing.T) {
		acme := storage.SetTenant(ctx, "acme")
		globex := storage.SetTenant(ctx, "globex")
		store.SaveSession(acme, testSession("conv-tenant"))

		if _, err := store.GetSession(globex, "conv-tenant"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("cross-tenant get = %v, want ErrNotFound", err)
		}
		if _, err := store.GetSession(acme, "conv-tenant"); err != nil {
			t.Errorf("own tenant get: %v", err)
		}
	})

	t.Run("list pagination and filters", func(t *testing.T) {
		lctx := storage.SetTenant(ctx, "list-tenant")
		for i := 1; i <= 5; i++ {
			s := testSession(fmt.Sprintf("page-%d", i))
			if i == 5 {
				s.Provider = "docker"
			}
			store.SaveSession(lctx, s)
		}

		page, err := store.ListSessions(lctx, storage.ListOptions{Limit: 2})
		if err != nil {
			t.Fatalf("ListSessions: %v", err)
		}
		if len(page.Sessions) != 2 || !page.HasMore || page.Sessions[0].Key != "page-1" {
			t.Fatalf("page 1 = %+v has_more=%v", page.Sessions, page.HasMore)
		}

		page, _ = store.ListSessions(lctx, storage.ListOptions{After: "page-2"})
		if len(page.Sessions) != 3 || page.HasMore {
			t.Errorf("page 2 = %d sessions, has_more=%v", len(page.Sessions), page.HasMore)
		}

		page, _ = store.ListSessions(lctx, storage.ListOptions{Provider: "docker"})
		if len(page.Sessions) != 1 || page.Sessions[0].Key != "page-5" {
			t.Errorf("provider filter = %+v", page.Sessions)
		}

		page, _ = store.ListSessions(lctx, storage.ListOptions{Prefix: "page-"})
		if len(page.Sessions) != 5 {
			t.Errorf("prefix filter = %d sessions, want 5", len(page.Sessions))
		}
	})

	t.Run("health and idempotent migrations", func(t *testing.T) {
		if err := store.HealthCheck(ctx); err != nil {
			t.Errorf("HealthCheck: %v", err)
		}
		if err := store.migrate(ctx); err != nil {
			t.Errorf("re-running migrations: %v", err)
		}
	})
}
