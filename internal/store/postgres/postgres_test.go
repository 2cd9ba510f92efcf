package postgres

import (
	"context"
	"errors"
	"os"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/vendorflow/vendorflow/internal/sharing"
	"github.com/vendorflow/vendorflow/internal/store"
	"github.com/vendorflow/vendorflow/internal/store/storetest"
)

func newMock(t *testing.T) (*Driver, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return newWithDB(db, Config{}), mock
}

func TestAtomicTakesAdvisoryLockAndCommits(t *testing.T) {
	d, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("select pg_advisory_xact_lock(hashtext($1))")).
		WithArgs("document:doc-1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("update chains set status").
		WithArgs("chain-1", "revoked").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := d.Atomic(context.Background(), "document:doc-1", func(ctx context.Context, tx sharing.Store) error {
		return tx.Edges().UpdateStatus(ctx, "chain-1", sharing.EdgeRevoked)
	})
	if err != nil {
		t.Fatalf("Atomic: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestAtomicRollsBackOnError(t *testing.T) {
	d, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectRollback()

	boom := errors.New("boom")
	err := d.Atomic(context.Background(), "", func(context.Context, sharing.Store) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestUniqueViolationIsConflict(t *testing.T) {
	d, mock := newMock(t)
	mock.ExpectExec("insert into chains").
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "chains_share_token_key"})

	e := &sharing.Edge{ID: "chain-1", DocumentID: "doc-1", ShareToken: "tok", Status: sharing.EdgeActive, SharedAt: time.Now()}
	err := d.Edges().Create(context.Background(), e)
	if !errors.Is(err, sharing.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestEdgeInsertConflictKeepsTransactionUsable(t *testing.T) {
	d, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectExec("^savepoint chain_insert$").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("insert into chains").
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "chains_share_token_key"})
	mock.ExpectExec("^rollback to savepoint chain_insert$").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("^savepoint chain_insert$").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("insert into chains").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("^release savepoint chain_insert$").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	err := d.Atomic(context.Background(), "", func(ctx context.Context, tx sharing.Store) error {
		e := &sharing.Edge{ID: "chain-1", DocumentID: "doc-1", ShareToken: "taken", Status: sharing.EdgeActive, SharedAt: time.Now()}
		if err := tx.Edges().Create(ctx, e); !errors.Is(err, sharing.ErrConflict) {
			t.Errorf("expected ErrConflict, got %v", err)
		}
		e.ShareToken = "fresh"
		return tx.Edges().Create(ctx, e)
	})
	if err != nil {
		t.Fatalf("Atomic: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestMissingRowsAreNotFound(t *testing.T) {
	d, mock := newMock(t)
	mock.ExpectQuery("select id, document_type").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id", "document_type", "owner_user_id", "name", "created_at"}))
	mock.ExpectExec("update notifications set is_read").
		WithArgs("n-1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	ctx := context.Background()
	if _, err := d.Documents().Get(ctx, "missing"); !errors.Is(err, sharing.ErrNotFound) {
		t.Errorf("Get: expected ErrNotFound, got %v", err)
	}
	if err := d.Notifications().MarkRead(ctx, "n-1"); !errors.Is(err, sharing.ErrNotFound) {
		t.Errorf("MarkRead: expected ErrNotFound, got %v", err)
	}
}

func TestDocumentScanNormalizesToUTC(t *testing.T) {
	d, mock := newMock(t)
	local := time.Date(2026, 3, 1, 11, 0, 0, 0, time.FixedZone("EET", 2*3600))
	mock.ExpectQuery("select id, document_type").
		WithArgs("doc-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "document_type", "owner_user_id", "name", "created_at"}).
			AddRow("doc-1", "w9", "alice", "w9.pdf", local))

	doc, err := d.Documents().Get(context.Background(), "doc-1")
	if err != nil {
		t.Fatal(err)
	}
	if doc.CreatedAt.Location() != time.UTC || !doc.CreatedAt.Equal(local) {
		t.Errorf("unexpected created_at %v", doc.CreatedAt)
	}
	if doc.Type != sharing.DocumentTypeW9 {
		t.Errorf("unexpected type %s", doc.Type)
	}
}

func TestNewDriverRequiresDSN(t *testing.T) {
	if _, err := store.New(&store.DriverConfig{Driver: "postgres"}); err == nil {
		t.Error("expected an error without dsn")
	}
}

// TestPostgresDriver runs the conformance suite against a live server when
// VENDORFLOW_TEST_PG_DSN is set.
func TestPostgresDriver(t *testing.T) {
	dsn := os.Getenv("VENDORFLOW_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("VENDORFLOW_TEST_PG_DSN not set")
	}
	storetest.Run(t, func(t *testing.T) store.Driver {
		d, err := store.New(&store.DriverConfig{
			Driver:  "postgres",
			Drivers: map[string]map[string]any{"postgres": {"dsn": dsn, "auto_migrate": true}},
		})
		if err != nil {
			t.Fatal(err)
		}
		ctx := context.Background()
		if err := d.Init(ctx); err != nil {
			t.Fatal(err)
		}
		pg := d.(*Driver)
		if _, err := pg.DB().ExecContext(ctx,
			`truncate documents, permissions, chains, provenance, notifications cascade`); err != nil {
			t.Fatal(err)
		}
		return d
	})
}
