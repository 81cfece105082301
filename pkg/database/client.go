// Package database provides the PostgreSQL connection pool and startup
// migrations for the user store and the playbook run log.
package database

import (
	"context"
	stdsql "database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // pgx driver for database/sql, used by migrations

	"github.com/libresiem/libresiem/pkg/config"
)

//go:embed migrations
var migrationsFS embed.FS

// Client owns the connection pool. Migrations are applied before the pool
// is handed out, so callers always see the current schema.
type Client struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// Pool returns the underlying pgx pool.
func (c *Client) Pool() *pgxpool.Pool {
	return c.pool
}

// Close releases the pool.
func (c *Client) Close() {
	c.pool.Close()
}

// Healthy pings the database.
func (c *Client) Healthy(ctx context.Context) error {
	if err := c.pool.Ping(ctx); err != nil {
		return fmt.Errorf("pinging database: %w", err)
	}
	return nil
}

// NewClient connects, applies pending migrations, and returns a pooled
// client.
func NewClient(ctx context.Context, cfg config.DatabaseSettings) (*Client, error) {
	logger := slog.Default().With("component", "database")

	if err := runMigrations(cfg); err != nil {
		return nil, err
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parsing database config: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.MaxOpenConns)
	poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
	poolCfg.MaxConnIdleTime = cfg.ConnMaxIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	logger.Info("Database ready", "host", cfg.Host, "database", cfg.Database)
	return &Client{pool: pool, logger: logger}, nil
}

// runMigrations applies the embedded SQL migrations through a short-lived
// database/sql connection; the pgx pool never sees a half-migrated schema.
func runMigrations(cfg config.DatabaseSettings) error {
	hasMigrations, err := hasEmbeddedMigrations()
	if err != nil {
		return err
	}
	if !hasMigrations {
		return fmt.Errorf("no embedded migration files found")
	}

	db, err := stdsql.Open("pgx", cfg.DSN())
	if err != nil {
		return fmt.Errorf("opening migration connection: %w", err)
	}
	defer db.Close()

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("creating postgres migration driver: %w", err)
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("creating migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, cfg.Database, driver)
	if err != nil {
		return fmt.Errorf("creating migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("applying migrations: %w", err)
	}

	// Only the source driver is closed here; m.Close() would also close
	// the shared *sql.DB out from under the deferred db.Close().
	if err := sourceDriver.Close(); err != nil {
		return fmt.Errorf("closing migration source: %w", err)
	}
	return nil
}

func hasEmbeddedMigrations() (bool, error) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("reading embedded migrations: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			return true, nil
		}
	}
	return false, nil
}
