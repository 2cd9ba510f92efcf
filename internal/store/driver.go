// Package store provides the persistence drivers behind the sharing engine
// and the registry that selects one from configuration.
package store

import (
	"context"
	"errors"

	"github.com/vendorflow/vendorflow/internal/sharing"
)

// ErrClosed is returned by operations on a closed driver.
var ErrClosed = errors.New("store closed")

// Driver is a persistence backend for the sharing engine.
// Implementations must be safe for concurrent use.
type Driver interface {
	sharing.Backend

	// Init prepares the backend (create tables, load files, run migrations).
	Init(ctx context.Context) error

	// Close releases resources held by the driver.
	Close() error

	// Name returns the driver name (memory, json, sqlite, postgres).
	Name() string
}
