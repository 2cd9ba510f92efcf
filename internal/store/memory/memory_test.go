package memory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vendorflow/vendorflow/internal/sharing"
	"github.com/vendorflow/vendorflow/internal/store"
	"github.com/vendorflow/vendorflow/internal/store/memory"
	"github.com/vendorflow/vendorflow/internal/store/storetest"
)

func TestMemoryDriver(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Driver {
		d, err := store.New(&store.DriverConfig{Driver: "memory"})
		if err != nil {
			t.Fatal(err)
		}
		if err := d.Init(context.Background()); err != nil {
			t.Fatal(err)
		}
		return d
	})
}

func TestReadsReturnCopies(t *testing.T) {
	ctx := context.Background()
	d := memory.New()
	p := &sharing.Provenance{DocumentID: "doc-1", AccessPath: []string{"alice"}}
	if err := d.Provenance().Save(ctx, p); err != nil {
		t.Fatal(err)
	}

	got, _ := d.Provenance().Get(ctx, "doc-1")
	got.AccessPath[0] = "mallory"
	p.AccessPath[0] = "mallory"

	again, _ := d.Provenance().Get(ctx, "doc-1")
	if again.AccessPath[0] != "alice" {
		t.Errorf("stored row was mutated through a returned or saved value: %v", again.AccessPath)
	}
}

func TestCommitHookFailureDiscardsUnit(t *testing.T) {
	ctx := context.Background()
	d := memory.New()
	calls := 0
	d.SetCommitHook(func(memory.Snapshot) error {
		calls++
		return context.DeadlineExceeded
	})

	err := d.Documents().Create(ctx, &sharing.Document{ID: "doc-1", Type: sharing.DocumentTypeW9, OwnerUserID: "alice"})
	if err == nil {
		t.Fatal("expected the hook error")
	}
	if calls != 1 {
		t.Errorf("expected one hook call, got %d", calls)
	}
	if snap := d.Snapshot(); len(snap.Documents) != 0 {
		t.Errorf("expected nothing committed, got %v", snap.Documents)
	}
}

func TestLoadRejectsDuplicateTokens(t *testing.T) {
	d := memory.New()
	err := d.Load(memory.Snapshot{Chains: []sharing.Edge{
		{ID: "a", ShareToken: "t"},
		{ID: "b", ShareToken: "t"},
	}})
	if err == nil {
		t.Error("expected an error for duplicate tokens")
	}
}

func TestClosedDriver(t *testing.T) {
	d := memory.New()
	d.Close()
	if _, err := d.Documents().Get(context.Background(), "x"); err != store.ErrClosed {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestReadOnlyUnitCommitsNothing(t *testing.T) {
	ctx := context.Background()
	d := memory.New()
	calls := 0
	d.SetCommitHook(func(memory.Snapshot) error {
		calls++
		return nil
	})
	if err := d.Documents().Create(ctx, &sharing.Document{ID: "doc-1", Type: sharing.DocumentTypeW9, OwnerUserID: "alice"}); err != nil {
		t.Fatal(err)
	}

	err := d.Atomic(ctx, "document:doc-1", func(ctx context.Context, tx sharing.Store) error {
		_, err := tx.Documents().Get(ctx, "doc-1")
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Errorf("a unit without writes ran the commit hook: %d calls", calls)
	}

	err = d.Atomic(ctx, "document:doc-1", func(ctx context.Context, tx sharing.Store) error {
		if _, err := tx.Documents().Get(ctx, "doc-1"); err != nil {
			return err
		}
		return tx.Documents().Create(ctx, &sharing.Document{ID: "doc-2", Type: sharing.DocumentTypeW9, OwnerUserID: "alice"})
	})
	if err != nil {
		t.Fatal(err)
	}
	if calls != 2 {
		t.Errorf("expected the write to run the hook, got %d calls", calls)
	}
	if snap := d.Snapshot(); len(snap.Documents) != 2 {
		t.Errorf("expected both documents committed, got %d", len(snap.Documents))
	}
}

func TestViewRejectsWrites(t *testing.T) {
	ctx := context.Background()
	d := memory.New()
	err := d.View(ctx, "", func(ctx context.Context, tx sharing.Store) error {
		return tx.Documents().Create(ctx, &sharing.Document{ID: "doc-1", Type: sharing.DocumentTypeW9, OwnerUserID: "alice"})
	})
	if !errors.Is(err, memory.ErrReadOnly) {
		t.Fatalf("expected ErrReadOnly, got %v", err)
	}
	if snap := d.Snapshot(); len(snap.Documents) != 0 {
		t.Error("a view wrote to the store")
	}
}

func TestViewsRunConcurrently(t *testing.T) {
	ctx := context.Background()
	d := memory.New()

	held := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = d.View(ctx, "document:a", func(context.Context, sharing.Store) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held
	defer close(release)

	done := make(chan error, 1)
	go func() {
		done <- d.View(ctx, "document:b", func(ctx context.Context, tx sharing.Store) error {
			_, err := tx.Documents().Get(ctx, "missing")
			if errors.Is(err, sharing.ErrNotFound) {
				return nil
			}
			return err
		})
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(time.Second):
		t.Fatal("a view blocked behind another view")
	}
}
