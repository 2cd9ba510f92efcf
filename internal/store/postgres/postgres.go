// Package postgres implements the persistence driver on PostgreSQL through
// the pgx stdlib adapter. The schema is managed by the migrations package.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/vendorflow/vendorflow/internal/platform/cfg"
	"github.com/vendorflow/vendorflow/internal/sharing"
	"github.com/vendorflow/vendorflow/internal/store"
	"github.com/vendorflow/vendorflow/internal/store/postgres/migrations"
)

func init() {
	store.Register("postgres", NewDriver)
}

// Config is the [storage.drivers.postgres] section.
type Config struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`

	// AutoMigrate applies pending migrations on Init. When false, Init
	// refuses to start against an outdated schema.
	AutoMigrate bool `mapstructure:"auto_migrate"`
}

// ApplyDefaults implements cfg.Setter.
func (c *Config) ApplyDefaults() {
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = 25
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = 10
	}
	if c.ConnMaxLifetime <= 0 {
		c.ConnMaxLifetime = 15 * time.Minute
	}
	if c.ConnMaxIdleTime <= 0 {
		c.ConnMaxIdleTime = 5 * time.Minute
	}
}

// Driver implements store.Driver on PostgreSQL.
type Driver struct {
	handle
	db   *sql.DB
	conf Config
}

// NewDriver creates the driver from its config section. The pool is
// opened lazily; Init verifies connectivity and the schema.
func NewDriver(c *store.DriverConfig) (store.Driver, error) {
	var conf Config
	if err := cfg.Decode(c.Section(), &conf); err != nil {
		return nil, fmt.Errorf("postgres config: %w", err)
	}
	if conf.DSN == "" {
		return nil, fmt.Errorf("dsn is required for postgres driver")
	}
	db, err := sql.Open("pgx", conf.DSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(conf.MaxOpenConns)
	db.SetMaxIdleConns(conf.MaxIdleConns)
	db.SetConnMaxLifetime(conf.ConnMaxLifetime)
	db.SetConnMaxIdleTime(conf.ConnMaxIdleTime)
	return newWithDB(db, conf), nil
}

func newWithDB(db *sql.DB, conf Config) *Driver {
	return &Driver{handle: handle{q: db}, db: db, conf: conf}
}

func (d *Driver) Name() string { return "postgres" }

// DB exposes the pool for the migrate command.
func (d *Driver) DB() *sql.DB { return d.db }

// Init pings the server and checks or applies migrations.
func (d *Driver) Init(ctx context.Context) error {
	if err := d.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	if d.conf.AutoMigrate {
		return migrations.Up(d.db)
	}
	status, err := migrations.Check(d.db)
	if err != nil {
		return err
	}
	if !status.Current() {
		return fmt.Errorf("schema at version %d (dirty=%t), binary expects %d: run `vendorflow migrate up`",
			status.Version, status.Dirty, status.Latest)
	}
	return nil
}

func (d *Driver) Close() error { return d.db.Close() }

// Atomic runs fn in one transaction holding a transaction-scoped advisory
// lock on lockKey, so units on the same key serialize across processes.
func (d *Driver) Atomic(ctx context.Context, lockKey string, fn func(ctx context.Context, tx sharing.Store) error) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if lockKey != "" {
		if _, err := tx.ExecContext(ctx, `select pg_advisory_xact_lock(hashtext($1))`, lockKey); err != nil {
			return fmt.Errorf("lock %s: %w", lockKey, err)
		}
	}
	if err := fn(ctx, handle{q: tx, inTx: true}); err != nil {
		return err
	}
	return tx.Commit()
}

var _ store.Driver = (*Driver)(nil)
