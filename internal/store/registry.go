package store

import (
	"fmt"
	"sort"
	"sync"
)

// DriverConfig holds configuration for driver selection and initialization.
type DriverConfig struct {
	// Driver is the driver name: memory, json, sqlite, postgres.
	Driver string `mapstructure:"driver"`

	// DataDir is the directory for file-backed drivers.
	DataDir string `mapstructure:"data_dir"`

	// Drivers holds the per-driver [storage.drivers.<name>] sections.
	Drivers map[string]map[string]any `mapstructure:"drivers"`
}

// Section returns the raw config section of the selected driver.
func (c *DriverConfig) Section() map[string]any {
	return c.Drivers[c.Driver]
}

// DriverFactory creates a driver instance.
type DriverFactory func(cfg *DriverConfig) (Driver, error)

var (
	driversMu sync.RWMutex
	drivers   = make(map[string]DriverFactory)
)

// Register registers a driver factory by name.
// This is typically called from init() in driver packages.
func Register(name string, factory DriverFactory) {
	driversMu.Lock()
	defer driversMu.Unlock()
	drivers[name] = factory
}

// New creates a driver instance based on the configuration. The caller
// runs Init.
func New(cfg *DriverConfig) (Driver, error) {
	driversMu.RLock()
	factory, ok := drivers[cfg.Driver]
	driversMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown storage driver %q (available: %v)", cfg.Driver, AvailableDrivers())
	}

	return factory(cfg)
}

// AvailableDrivers returns the registered driver names, sorted.
func AvailableDrivers() []string {
	driversMu.RLock()
	defer driversMu.RUnlock()

	names := make([]string, 0, len(drivers))
	for name := range drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
