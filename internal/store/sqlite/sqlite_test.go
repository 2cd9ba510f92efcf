package sqlite_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/vendorflow/vendorflow/internal/sharing"
	"github.com/vendorflow/vendorflow/internal/store"
	_ "github.com/vendorflow/vendorflow/internal/store/sqlite"
	"github.com/vendorflow/vendorflow/internal/store/storetest"
)

func open(t *testing.T, dir string, section map[string]any) store.Driver {
	t.Helper()
	d, err := store.New(&store.DriverConfig{
		Driver:  "sqlite",
		DataDir: dir,
		Drivers: map[string]map[string]any{"sqlite": section},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := d.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	return d
}

func TestSQLiteDriver(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Driver {
		return open(t, t.TempDir(), nil)
	})
}

func TestSQLiteDriverRequiresDataDir(t *testing.T) {
	if _, err := store.New(&store.DriverConfig{Driver: "sqlite"}); err == nil {
		t.Error("expected an error without data_dir")
	}
}

func TestSQLiteDriverCustomFileAndReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	section := map[string]any{"file": "chains.db"}

	d := open(t, dir, section)
	doc := &sharing.Document{ID: "doc-1", Type: sharing.DocumentTypeBanking, OwnerUserID: "alice"}
	if err := d.Documents().Create(ctx, doc); err != nil {
		t.Fatal(err)
	}
	d.Close()

	if _, err := os.Stat(filepath.Join(dir, "chains.db")); err != nil {
		t.Fatalf("database file not created: %v", err)
	}

	d2 := open(t, dir, section)
	defer d2.Close()
	got, err := d2.Documents().Get(ctx, "doc-1")
	if err != nil {
		t.Fatalf("document not found after reopen: %v", err)
	}
	if got.Type != sharing.DocumentTypeBanking {
		t.Errorf("expected banking, got %s", got.Type)
	}
}
