package migrations

import (
	"io/fs"
	"strings"
	"testing"
)

func TestLatestVersion(t *testing.T) {
	v, err := LatestVersion()
	if err != nil {
		t.Fatalf("LatestVersion: %v", err)
	}
	if v < 1 {
		t.Errorf("expected at least one migration, got %d", v)
	}
}

func TestEveryUpHasDown(t *testing.T) {
	entries, err := fs.ReadDir(migrationFiles, "files")
	if err != nil {
		t.Fatal(err)
	}
	names := map[string]bool{}
	for _, e := range entries {
		names[e.Name()] = true
	}
	for name := range names {
		if strings.HasSuffix(name, ".up.sql") {
			down := strings.TrimSuffix(name, ".up.sql") + ".down.sql"
			if !names[down] {
				t.Errorf("%s has no matching %s", name, down)
			}
		}
	}
}

func TestStatusCurrent(t *testing.T) {
	if !(Status{Version: 1, Latest: 1}).Current() {
		t.Error("expected current")
	}
	if (Status{Version: 1, Latest: 1, Dirty: true}).Current() {
		t.Error("dirty schema is not current")
	}
	if (Status{Version: 0, Latest: 1}).Current() {
		t.Error("behind schema is not current")
	}
}
