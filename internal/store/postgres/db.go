package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/emperorhan/cargo-escrow/internal/store"
	"github.com/lib/pq"
)

const (
	maxStatementTimeoutMS = 3_600_000
	defaultConnIdleTime   = 2 * time.Minute
	healthTimeout         = 2 * time.Second

	// DefaultQueryTimeout bounds single-row reads outside a transaction.
	DefaultQueryTimeout = 30 * time.Second

	// LongQueryTimeout covers migrations and the reconciliation scans.
	LongQueryTimeout = 5 * time.Minute

	// migrationLockKey is the advisory lock held while migrations run, so
	// replicas starting together apply each file once.
	migrationLockKey = 0x65736372 // "escr"

	uniqueViolation = "23505"
)

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, d)
}

// DB is the settlement database handle. Repositories and services share it;
// services begin transactions through it as a store.TxBeginner.
type DB struct {
	*sql.DB
}

type Config struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	// StatementTimeoutMS is applied to every pooled session; 0 disables it.
	StatementTimeoutMS int
}

func (c Config) validate() error {
	if strings.TrimSpace(c.URL) == "" {
		return errors.New("database url is required")
	}
	if c.StatementTimeoutMS < 0 || c.StatementTimeoutMS > maxStatementTimeoutMS {
		return fmt.Errorf("statement timeout %dms out of range [0, %d]", c.StatementTimeoutMS, maxStatementTimeoutMS)
	}
	return nil
}

func New(cfg Config) (*DB, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	db, err := sql.Open("postgres", withStatementTimeout(cfg.URL, cfg.StatementTimeoutMS))
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	idle := cfg.ConnMaxIdleTime
	if idle <= 0 {
		idle = defaultConnIdleTime
	}
	db.SetConnMaxIdleTime(idle)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &DB{db}, nil
}

// withStatementTimeout sets statement_timeout through the connection
// options so every session in the pool inherits it.
func withStatementTimeout(url string, timeoutMS int) string {
	if timeoutMS <= 0 {
		return url
	}
	sep := "?"
	if strings.Contains(url, "?") {
		sep = "&"
	}
	return url + sep + "options=-c%20statement_timeout%3D" + strconv.Itoa(timeoutMS)
}

func (db *DB) Close() error {
	return db.DB.Close()
}

func (db *DB) Healthy(ctx context.Context) error {
	ctx, cancel := withTimeout(ctx, healthTimeout)
	defer cancel()
	return db.DB.PingContext(ctx)
}

// mapUniqueViolation turns a unique-constraint failure into store.ErrDuplicate
// so services never inspect driver errors.
func mapUniqueViolation(err error, what string) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
		return fmt.Errorf("%s: %w (%s)", what, store.ErrDuplicate, pqErr.Constraint)
	}
	return fmt.Errorf("%s: %w", what, err)
}

// RunMigrations applies the *.up.sql files in dir that schema_migrations has
// not recorded, in name order. Each file and its bookkeeping row commit in
// one transaction.
func (db *DB) RunMigrations(dir string) error {
	ctx, cancel := withTimeout(context.Background(), LongQueryTimeout)
	defer cancel()

	conn, err := db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire migration conn: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "SELECT pg_advisory_lock($1)", migrationLockKey); err != nil {
		return fmt.Errorf("take migration lock: %w", err)
	}
	defer func() {
		if _, err := conn.ExecContext(context.Background(), "SELECT pg_advisory_unlock($1)", migrationLockKey); err != nil {
			slog.Warn("release migration lock", "error", err)
		}
	}()

	if _, err := conn.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	applied, err := appliedMigrations(ctx, conn)
	if err != nil {
		return err
	}
	pending, err := pendingMigrations(dir, applied)
	if err != nil {
		return err
	}
	for _, path := range pending {
		if err := applyMigration(ctx, conn, path); err != nil {
			return err
		}
	}
	return nil
}

func appliedMigrations(ctx context.Context, conn *sql.Conn) (map[string]bool, error) {
	rows, err := conn.QueryContext(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return nil, fmt.Errorf("list applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan migration version: %w", err)
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

// pendingMigrations lists the up files in dir whose base name is not in
// applied, sorted by name.
func pendingMigrations(dir string, applied map[string]bool) ([]string, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*.up.sql"))
	if err != nil {
		return nil, fmt.Errorf("glob migrations: %w", err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no migrations found in %s", dir)
	}
	sort.Strings(files)

	pending := files[:0]
	for _, f := range files {
		if !applied[filepath.Base(f)] {
			pending = append(pending, f)
		}
	}
	return pending, nil
}

func applyMigration(ctx context.Context, conn *sql.Conn, path string) (err error) {
	version := filepath.Base(path)
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read migration %s: %w", version, err)
	}

	start := time.Now()
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration %s: %w", version, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, "SET LOCAL lock_timeout = '10s'"); err != nil {
		return fmt.Errorf("set lock_timeout for %s: %w", version, err)
	}
	if _, err = tx.ExecContext(ctx, string(content)); err != nil {
		return fmt.Errorf("exec migration %s: %w", version, err)
	}
	if _, err = tx.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", version); err != nil {
		return fmt.Errorf("record migration %s: %w", version, err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %s: %w", version, err)
	}

	slog.Info("migration applied", "version", version, "elapsed", time.Since(start).String())
	return nil
}
