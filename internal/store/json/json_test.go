package json_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/vendorflow/vendorflow/internal/sharing"
	"github.com/vendorflow/vendorflow/internal/store"
	_ "github.com/vendorflow/vendorflow/internal/store/json"
	"github.com/vendorflow/vendorflow/internal/store/storetest"
)

func open(t *testing.T, dir string) store.Driver {
	t.Helper()
	d, err := store.New(&store.DriverConfig{Driver: "json", DataDir: dir})
	if err != nil {
		t.Fatal(err)
	}
	if err := d.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	return d
}

func TestJSONDriver(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Driver {
		return open(t, t.TempDir())
	})
}

func TestJSONDriverRequiresDataDir(t *testing.T) {
	if _, err := store.New(&store.DriverConfig{Driver: "json"}); err == nil {
		t.Error("expected an error without data_dir")
	}
}

func TestJSONDriverSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	d := open(t, dir)
	e := sharing.NewEngine(d, sharing.Options{})
	doc, err := e.RegisterDocument(ctx, sharing.Document{Type: sharing.DocumentTypeLicense, OwnerUserID: "alice"})
	if err != nil {
		t.Fatal(err)
	}
	res, err := e.ShareDocument(ctx, sharing.ShareRequest{
		DocumentID:  doc.ID,
		FromUserID:  "alice",
		ToUserID:    "bob",
		Permissions: sharing.EdgePermissions{CanView: true},
	})
	if err != nil {
		t.Fatal(err)
	}
	d.Close()

	if _, err := os.Stat(filepath.Join(dir, "vendorflow.json")); err != nil {
		t.Fatalf("state file not written: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "vendorflow.json.tmp")); !os.IsNotExist(err) {
		t.Error("temp file left behind")
	}

	d2 := open(t, dir)
	defer d2.Close()
	got, err := d2.Edges().GetByToken(ctx, res.Edge.ShareToken)
	if err != nil {
		t.Fatalf("edge not found after restart: %v", err)
	}
	if got.ID != res.Edge.ID || got.ToUserID != "bob" {
		t.Errorf("data corruption: %+v", got)
	}
	prov, err := d2.Provenance().Get(ctx, doc.ID)
	if err != nil {
		t.Fatalf("provenance not found after restart: %v", err)
	}
	if prov.TotalShares != 1 {
		t.Errorf("expected 1 share, got %d", prov.TotalShares)
	}
}

func TestJSONDriverCorruptFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "vendorflow.json"), []byte("{not json"), 0600); err != nil {
		t.Fatal(err)
	}
	d, err := store.New(&store.DriverConfig{Driver: "json", DataDir: dir})
	if err != nil {
		t.Fatal(err)
	}
	if err := d.Init(context.Background()); err == nil {
		t.Error("expected Init to fail on a corrupt state file")
	}
}

func TestJSONDriverReadsLeaveStateFileAlone(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	d := open(t, dir)
	engine := sharing.NewEngine(d, sharing.Options{})

	doc, err := engine.RegisterDocument(ctx, sharing.Document{Type: sharing.DocumentTypeW9, OwnerUserID: "alice", Name: "w9.pdf"})
	if err != nil {
		t.Fatal(err)
	}
	res, err := engine.ShareDocument(ctx, sharing.ShareRequest{
		DocumentID:  doc.ID,
		FromUserID:  "alice",
		ToUserID:    "bob",
		Permissions: sharing.EdgePermissions{CanView: true},
	})
	if err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(dir, "vendorflow.json")
	past := time.Now().Add(-time.Hour).Truncate(time.Second)
	if err := os.Chtimes(path, past, past); err != nil {
		t.Fatal(err)
	}

	if _, err := engine.AccessSharedDocument(ctx, res.Edge.ShareToken); err != nil {
		t.Fatal(err)
	}
	if _, err := engine.GetChainHistory(ctx, doc.ID, "alice"); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if !info.ModTime().Equal(past) {
		t.Errorf("reads rewrote the state file (mtime %v)", info.ModTime())
	}
}
