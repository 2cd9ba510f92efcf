package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/vendorflow/vendorflow/internal/sharing"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type handle struct {
	q querier
	// inTx is set inside Atomic, where a failed statement aborts the
	// whole transaction.
	inTx bool
}

func (h handle) Documents() sharing.DocumentRepo         { return documentRepo(h) }
func (h handle) Permissions() sharing.PermissionRepo     { return permissionRepo(h) }
func (h handle) Edges() sharing.EdgeRepo                 { return edgeRepo(h) }
func (h handle) Provenance() sharing.ProvenanceRepo      { return provenanceRepo(h) }
func (h handle) Notifications() sharing.NotificationRepo { return notificationRepo(h) }

const uniqueViolation = "23505"

func translate(err error, what string) error {
	var pgErr *pgconn.PgError
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("%w: %s", sharing.ErrNotFound, what)
	case errors.As(err, &pgErr) && pgErr.Code == uniqueViolation:
		return fmt.Errorf("%w: %s already exists", sharing.ErrConflict, what)
	default:
		return err
	}
}

func exactlyOne(res sql.Result, err error, what string) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", sharing.ErrNotFound, what)
	}
	return nil
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

type documentRepo handle

func (r documentRepo) Create(ctx context.Context, doc *sharing.Document) error {
	_, err := r.q.ExecContext(ctx, `
		insert into documents (id, document_type, owner_user_id, name, created_at)
		values ($1, $2, $3, $4, $5)`,
		doc.ID, string(doc.Type), doc.OwnerUserID, doc.Name, doc.CreatedAt)
	return translate(err, "document "+doc.ID)
}

func (r documentRepo) Get(ctx context.Context, id string) (*sharing.Document, error) {
	var (
		doc sharing.Document
		typ string
	)
	err := r.q.QueryRowContext(ctx, `
		select id, document_type, owner_user_id, name, created_at
		from documents where id = $1`, id).
		Scan(&doc.ID, &typ, &doc.OwnerUserID, &doc.Name, &doc.CreatedAt)
	if err != nil {
		return nil, translate(err, "document "+id)
	}
	doc.Type = sharing.DocumentType(typ)
	doc.CreatedAt = doc.CreatedAt.UTC()
	return &doc, nil
}

type permissionRepo handle

const permissionColumns = `id, granter_user_id, grantee_user_id, document_types, can_relay,
	can_view_history, max_chain_depth, status, created_at, updated_at`

func scanPermission(s scanner) (*sharing.Permission, error) {
	var (
		p      sharing.Permission
		types  []byte
		status string
	)
	if err := s.Scan(&p.ID, &p.GranterUserID, &p.GranteeUserID, &types, &p.CanRelay,
		&p.CanViewHistory, &p.MaxChainDepth, &status, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(types, &p.DocumentTypes); err != nil {
		return nil, fmt.Errorf("decode document_types: %w", err)
	}
	p.Status = sharing.PermissionStatus(status)
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return &p, nil
}

func (r permissionRepo) Create(ctx context.Context, p *sharing.Permission) error {
	types, err := json.Marshal(p.DocumentTypes)
	if err != nil {
		return err
	}
	_, err = r.q.ExecContext(ctx, `
		insert into permissions (`+permissionColumns+`)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		p.ID, p.GranterUserID, p.GranteeUserID, types, p.CanRelay,
		p.CanViewHistory, p.MaxChainDepth, string(p.Status), p.CreatedAt, p.UpdatedAt)
	return translate(err, "permission for "+p.GranterUserID+"->"+p.GranteeUserID)
}

func (r permissionRepo) Get(ctx context.Context, id string) (*sharing.Permission, error) {
	p, err := scanPermission(r.q.QueryRowContext(ctx,
		`select `+permissionColumns+` from permissions where id = $1`, id))
	if err != nil {
		return nil, translate(err, "permission "+id)
	}
	return p, nil
}

func (r permissionRepo) Update(ctx context.Context, p *sharing.Permission) error {
	types, err := json.Marshal(p.DocumentTypes)
	if err != nil {
		return err
	}
	res, err := r.q.ExecContext(ctx, `
		update permissions
		set document_types = $2, can_relay = $3, can_view_history = $4,
		    max_chain_depth = $5, status = $6, updated_at = $7
		where id = $1`,
		p.ID, types, p.CanRelay, p.CanViewHistory, p.MaxChainDepth, string(p.Status), p.UpdatedAt)
	return exactlyOne(res, translate(err, "permission "+p.ID), "permission "+p.ID)
}

func (r permissionRepo) ListByUser(ctx context.Context, userID string) ([]*sharing.Permission, error) {
	rows, err := r.q.QueryContext(ctx, `
		select `+permissionColumns+` from permissions
		where granter_user_id = $1 or grantee_user_id = $1
		order by created_at desc, id desc`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*sharing.Permission
	for rows.Next() {
		p, err := scanPermission(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r permissionRepo) FindActive(ctx context.Context, granterUserID, granteeUserID string) (*sharing.Permission, error) {
	p, err := scanPermission(r.q.QueryRowContext(ctx, `
		select `+permissionColumns+` from permissions
		where granter_user_id = $1 and grantee_user_id = $2 and status = 'active'`,
		granterUserID, granteeUserID))
	if err != nil {
		return nil, translate(err, "active permission "+granterUserID+"->"+granteeUserID)
	}
	return p, nil
}

type edgeRepo handle

const chainColumns = `id, document_id, from_user_id, to_user_id, parent_chain_id, share_token,
	can_relay, can_view, can_download, share_reason, expires_at, status, shared_at,
	depth, max_chain_depth`

func scanEdge(s scanner) (*sharing.Edge, error) {
	var (
		e       sharing.Edge
		parent  sql.NullString
		expires sql.NullTime
		status  string
	)
	if err := s.Scan(&e.ID, &e.DocumentID, &e.FromUserID, &e.ToUserID, &parent, &e.ShareToken,
		&e.Permissions.CanRelay, &e.Permissions.CanView, &e.Permissions.CanDownload, &e.ShareReason,
		&expires, &status, &e.SharedAt, &e.Depth, &e.MaxChainDepth); err != nil {
		return nil, err
	}
	if parent.Valid {
		e.ParentChainID = &parent.String
	}
	if expires.Valid {
		exp := expires.Time.UTC()
		e.ExpiresAt = &exp
	}
	e.Status = sharing.EdgeStatus(status)
	e.SharedAt = e.SharedAt.UTC()
	return &e, nil
}

func (r edgeRepo) queryEdges(ctx context.Context, query string, args ...any) ([]*sharing.Edge, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*sharing.Edge
	for rows.Next() {
		e, err := scanEdge(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Create inserts e. Inside a transaction the insert runs under a
// savepoint, so a token collision leaves the transaction usable for the
// ledger's re-roll.
func (r edgeRepo) Create(ctx context.Context, e *sharing.Edge) error {
	if !r.inTx {
		return r.insert(ctx, e)
	}
	if _, err := r.q.ExecContext(ctx, `savepoint chain_insert`); err != nil {
		return err
	}
	if err := r.insert(ctx, e); err != nil {
		if _, rbErr := r.q.ExecContext(ctx, `rollback to savepoint chain_insert`); rbErr != nil {
			return errors.Join(err, rbErr)
		}
		return err
	}
	_, err := r.q.ExecContext(ctx, `release savepoint chain_insert`)
	return err
}

func (r edgeRepo) insert(ctx context.Context, e *sharing.Edge) error {
	var expires sql.NullTime
	if e.ExpiresAt != nil {
		expires = sql.NullTime{Time: *e.ExpiresAt, Valid: true}
	}
	var parent sql.NullString
	if e.ParentChainID != nil {
		parent = sql.NullString{String: *e.ParentChainID, Valid: true}
	}
	_, err := r.q.ExecContext(ctx, `
		insert into chains (`+chainColumns+`)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		e.ID, e.DocumentID, e.FromUserID, e.ToUserID, parent, e.ShareToken,
		e.Permissions.CanRelay, e.Permissions.CanView, e.Permissions.CanDownload, e.ShareReason,
		expires, string(e.Status), e.SharedAt, e.Depth, e.MaxChainDepth)
	return translate(err, "chain "+e.ID)
}

func (r edgeRepo) Get(ctx context.Context, id string) (*sharing.Edge, error) {
	e, err := scanEdge(r.q.QueryRowContext(ctx, `select `+chainColumns+` from chains where id = $1`, id))
	if err != nil {
		return nil, translate(err, "chain "+id)
	}
	return e, nil
}

func (r edgeRepo) GetByToken(ctx context.Context, token string) (*sharing.Edge, error) {
	e, err := scanEdge(r.q.QueryRowContext(ctx, `select `+chainColumns+` from chains where share_token = $1`, token))
	if err != nil {
		return nil, translate(err, "share token")
	}
	return e, nil
}

func (r edgeRepo) ListByDocument(ctx context.Context, documentID string) ([]*sharing.Edge, error) {
	return r.queryEdges(ctx, `
		select `+chainColumns+` from chains
		where document_id = $1
		order by shared_at, id`, documentID)
}

func (r edgeRepo) UpdateStatus(ctx context.Context, id string, status sharing.EdgeStatus) error {
	res, err := r.q.ExecContext(ctx, `update chains set status = $2 where id = $1`, id, string(status))
	return exactlyOne(res, err, "chain "+id)
}

func (r edgeRepo) ListExpired(ctx context.Context, now time.Time) ([]*sharing.Edge, error) {
	return r.queryEdges(ctx, `
		select `+chainColumns+` from chains
		where status = 'active' and expires_at is not null and expires_at <= $1
		order by shared_at, id`, now)
}

type provenanceRepo handle

func (r provenanceRepo) Get(ctx context.Context, documentID string) (*sharing.Provenance, error) {
	var (
		p    sharing.Provenance
		path []byte
		last sql.NullTime
	)
	err := r.q.QueryRowContext(ctx, `
		select document_id, original_owner_id, current_holder_id, chain_depth, access_path,
		       total_shares, last_shared_at, is_original, created_at
		from provenance where document_id = $1`, documentID).
		Scan(&p.DocumentID, &p.OriginalOwnerID, &p.CurrentHolderID, &p.ChainDepth, &path,
			&p.TotalShares, &last, &p.IsOriginal, &p.CreatedAt)
	if err != nil {
		return nil, translate(err, "provenance "+documentID)
	}
	if err := json.Unmarshal(path, &p.AccessPath); err != nil {
		return nil, fmt.Errorf("decode access_path: %w", err)
	}
	if last.Valid {
		p.LastSharedAt = last.Time.UTC()
	}
	p.CreatedAt = p.CreatedAt.UTC()
	return &p, nil
}

func (r provenanceRepo) Save(ctx context.Context, p *sharing.Provenance) error {
	path, err := json.Marshal(p.AccessPath)
	if err != nil {
		return err
	}
	var last sql.NullTime
	if !p.LastSharedAt.IsZero() {
		last = sql.NullTime{Time: p.LastSharedAt, Valid: true}
	}
	_, err = r.q.ExecContext(ctx, `
		insert into provenance (document_id, original_owner_id, current_holder_id, chain_depth,
		                        access_path, total_shares, last_shared_at, is_original, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		on conflict (document_id) do update
		set current_holder_id = excluded.current_holder_id,
		    chain_depth = excluded.chain_depth,
		    access_path = excluded.access_path,
		    total_shares = excluded.total_shares,
		    last_shared_at = excluded.last_shared_at,
		    is_original = excluded.is_original`,
		p.DocumentID, p.OriginalOwnerID, p.CurrentHolderID, p.ChainDepth,
		path, p.TotalShares, last, p.IsOriginal, p.CreatedAt)
	return err
}

type notificationRepo handle

const notificationColumns = `id, from_user_id, to_user_id, document_id, chain_id,
	notification_type, message, metadata, is_read, created_at`

func scanNotification(s scanner) (*sharing.Notification, error) {
	var (
		n    sharing.Notification
		typ  string
		meta []byte
	)
	if err := s.Scan(&n.ID, &n.FromUserID, &n.ToUserID, &n.DocumentID, &n.ChainID,
		&typ, &n.Message, &meta, &n.IsRead, &n.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(meta, &n.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	if len(n.Metadata) == 0 {
		n.Metadata = nil
	}
	n.NotificationType = sharing.NotificationType(typ)
	n.CreatedAt = n.CreatedAt.UTC()
	return &n, nil
}

func (r notificationRepo) Create(ctx context.Context, n *sharing.Notification) error {
	meta := []byte("{}")
	if len(n.Metadata) > 0 {
		var err error
		if meta, err = json.Marshal(n.Metadata); err != nil {
			return err
		}
	}
	_, err := r.q.ExecContext(ctx, `
		insert into notifications (`+notificationColumns+`)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		n.ID, n.FromUserID, n.ToUserID, n.DocumentID, n.ChainID,
		string(n.NotificationType), n.Message, meta, n.IsRead, n.CreatedAt)
	return translate(err, "notification "+n.ID)
}

func (r notificationRepo) Get(ctx context.Context, id string) (*sharing.Notification, error) {
	n, err := scanNotification(r.q.QueryRowContext(ctx,
		`select `+notificationColumns+` from notifications where id = $1`, id))
	if err != nil {
		return nil, translate(err, "notification "+id)
	}
	return n, nil
}

func (r notificationRepo) ListForUser(ctx context.Context, userID string, unreadOnly bool) ([]*sharing.Notification, error) {
	rows, err := r.q.QueryContext(ctx, `
		select `+notificationColumns+` from notifications
		where to_user_id = $1 and (not $2 or not is_read)
		order by created_at desc, id desc`, userID, unreadOnly)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*sharing.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (r notificationRepo) CountUnread(ctx context.Context, userID string) (int, error) {
	var n int
	err := r.q.QueryRowContext(ctx,
		`select count(*) from notifications where to_user_id = $1 and not is_read`, userID).Scan(&n)
	return n, err
}

func (r notificationRepo) MarkRead(ctx context.Context, id string) error {
	res, err := r.q.ExecContext(ctx, `update notifications set is_read = true where id = $1`, id)
	return exactlyOne(res, err, "notification "+id)
}
