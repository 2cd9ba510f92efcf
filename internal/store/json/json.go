// Package json implements a JSON file persistence driver.
// State lives in memory and every committed atomic unit is written to a
// single file with an atomic replace (temp file + fsync + rename), so a
// crash leaves either the previous or the new state on disk.
package json

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/vendorflow/vendorflow/internal/store"
	"github.com/vendorflow/vendorflow/internal/store/memory"
)

// stateFile is the file name under the data directory.
const stateFile = "vendorflow.json"

func init() {
	store.Register("json", NewDriver)
}

// Driver persists the memory driver's state to a JSON file.
type Driver struct {
	*memory.Driver
	dataDir string
}

// NewDriver creates a new JSON driver instance.
func NewDriver(cfg *store.DriverConfig) (store.Driver, error) {
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("data_dir is required for json driver")
	}

	d := &Driver{Driver: memory.New(), dataDir: cfg.DataDir}
	d.SetCommitHook(func(snap memory.Snapshot) error {
		return d.saveFile(stateFile, snap)
	})
	return d, nil
}

// Name returns the driver name.
func (d *Driver) Name() string {
	return "json"
}

// Init creates the data directory and loads the state file if present.
func (d *Driver) Init(ctx context.Context) error {
	if err := os.MkdirAll(d.dataDir, 0700); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}

	var snap memory.Snapshot
	err := d.loadFile(stateFile, &snap)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load state: %w", err)
	}
	return d.Load(snap)
}

func (d *Driver) loadFile(filename string, target any) error {
	data, err := os.ReadFile(filepath.Join(d.dataDir, filename))
	if err != nil {
		return err
	}
	return json.Unmarshal(data, target)
}

// saveFile atomically writes data to a JSON file.
// Pattern: write to temp file, fsync, rename.
func (d *Driver) saveFile(filename string, data any) error {
	path := filepath.Join(d.dataDir, filename)
	tempPath := path + ".tmp"

	jsonData, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}

	f, err := os.OpenFile(tempPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}

	if _, err := f.Write(jsonData); err != nil {
		f.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}

	if err := f.Close(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

var _ store.Driver = (*Driver)(nil)
