//go:build integration

package postgres_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/emperorhan/cargo-escrow/internal/store/postgres"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// Integration tests share one migrated database. Fixtures use random wallets
// and refs, so tests never see each other's rows.
var shared struct {
	once      sync.Once
	db        *postgres.DB
	err       error
	terminate func()
}

func TestMain(m *testing.M) {
	code := m.Run()
	if shared.db != nil {
		shared.db.Close()
	}
	if shared.terminate != nil {
		shared.terminate()
	}
	os.Exit(code)
}

func migrationsDir() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "migrations")
}

// testDB returns the shared database: TEST_DB_URL when set, otherwise a
// throwaway postgres:16 container.
func testDB(t *testing.T) *postgres.DB {
	t.Helper()
	shared.once.Do(func() {
		url := os.Getenv("TEST_DB_URL")
		if url == "" {
			url, shared.terminate, shared.err = startContainer(context.Background())
			if shared.err != nil {
				return
			}
		}
		shared.db, shared.err = openMigrated(url)
	})
	require.NoError(t, shared.err)
	return shared.db
}

func startContainer(ctx context.Context) (string, func(), error) {
	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("cargo_escrow_test"),
		tcpostgres.WithUsername("escrow"),
		tcpostgres.WithPassword("escrow"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(45*time.Second),
		),
	)
	if err != nil {
		return "", nil, fmt.Errorf("start postgres container: %w", err)
	}
	terminate := func() { _ = container.Terminate(context.Background()) }

	url, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		terminate()
		return "", nil, fmt.Errorf("container connection string: %w", err)
	}
	return url, terminate, nil
}

func openMigrated(url string) (*postgres.DB, error) {
	db, err := postgres.New(postgres.Config{
		URL:                url,
		MaxOpenConns:       10,
		MaxIdleConns:       2,
		ConnMaxLifetime:    time.Minute,
		StatementTimeoutMS: 30000,
	})
	if err != nil {
		return nil, err
	}
	// Second run must be a no-op.
	for i := 0; i < 2; i++ {
		if err := db.RunMigrations(migrationsDir()); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate (pass %d): %w", i+1, err)
		}
	}
	return db, nil
}
