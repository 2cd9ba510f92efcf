// Package sqlite implements a SQLite-based persistence driver using GORM.
package sqlite

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/vendorflow/vendorflow/internal/platform/cfg"
	"github.com/vendorflow/vendorflow/internal/sharing"
	"github.com/vendorflow/vendorflow/internal/store"
)

func init() {
	store.Register("sqlite", NewDriver)
}

// Config is the [storage.drivers.sqlite] section.
type Config struct {
	// File is the database file name, relative to data_dir.
	File string `mapstructure:"file"`
	// BusyTimeoutMS bounds how long a connection waits on a locked database.
	BusyTimeoutMS int `mapstructure:"busy_timeout_ms"`
}

// ApplyDefaults implements cfg.Setter.
func (c *Config) ApplyDefaults() {
	if c.File == "" {
		c.File = "vendorflow.db"
	}
	if c.BusyTimeoutMS <= 0 {
		c.BusyTimeoutMS = 5000
	}
}

// Driver implements store.Driver on SQLite via GORM.
type Driver struct {
	handle
	dataDir string
	conf    Config
}

// NewDriver creates a new SQLite driver instance.
func NewDriver(c *store.DriverConfig) (store.Driver, error) {
	if c.DataDir == "" {
		return nil, fmt.Errorf("data_dir is required for sqlite driver")
	}
	var conf Config
	if err := cfg.Decode(c.Section(), &conf); err != nil {
		return nil, fmt.Errorf("sqlite config: %w", err)
	}
	return &Driver{dataDir: c.DataDir, conf: conf}, nil
}

// Name returns the driver name.
func (d *Driver) Name() string {
	return "sqlite"
}

// Init opens the database and runs AutoMigrate.
func (d *Driver) Init(ctx context.Context) error {
	if err := os.MkdirAll(d.dataDir, 0700); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}
	dsn := fmt.Sprintf("%s?_busy_timeout=%d&_journal_mode=WAL",
		filepath.Join(d.dataDir, d.conf.File), d.conf.BusyTimeoutMS)

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite allows one writer; a single connection keeps atomic units
	// from failing with SQLITE_BUSY.
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.WithContext(ctx).AutoMigrate(
		&documentRow{},
		&permissionRow{},
		&chainRow{},
		&provenanceRow{},
		&notificationRow{},
	); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	if err := db.WithContext(ctx).Exec(activePairIndex).Error; err != nil {
		return fmt.Errorf("failed to create active pair index: %w", err)
	}

	d.db = db
	return nil
}

// activePairIndex enforces at most one active grant per pair.
const activePairIndex = `CREATE UNIQUE INDEX IF NOT EXISTS idx_permissions_active_pair
ON permissions (granter_user_id, grantee_user_id) WHERE status = 'active'`

// Close closes the database connection.
func (d *Driver) Close() error {
	if d.db == nil {
		return nil
	}
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Atomic runs fn inside one SQLite transaction.
func (d *Driver) Atomic(ctx context.Context, _ string, fn func(ctx context.Context, tx sharing.Store) error) error {
	if d.db == nil {
		return store.ErrClosed
	}
	return d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(ctx, handle{db: tx})
	})
}

var _ store.Driver = (*Driver)(nil)
