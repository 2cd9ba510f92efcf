package sqlite

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/vendorflow/vendorflow/internal/sharing"
)

// handle implements sharing.Store over a *gorm.DB, which is either the
// pool or an open transaction.
type handle struct {
	db *gorm.DB
}

func (h handle) Documents() sharing.DocumentRepo         { return documentRepo(h) }
func (h handle) Permissions() sharing.PermissionRepo     { return permissionRepo(h) }
func (h handle) Edges() sharing.EdgeRepo                 { return edgeRepo(h) }
func (h handle) Provenance() sharing.ProvenanceRepo      { return provenanceRepo(h) }
func (h handle) Notifications() sharing.NotificationRepo { return notificationRepo(h) }

// translate maps GORM errors onto the sharing taxonomy.
func translate(err error, what string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return fmt.Errorf("%w: %s", sharing.ErrNotFound, what)
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return fmt.Errorf("%w: %s already exists", sharing.ErrConflict, what)
	default:
		return err
	}
}

func affected(res *gorm.DB, what string) error {
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", sharing.ErrNotFound, what)
	}
	return nil
}

type documentRepo handle

func (r documentRepo) Create(ctx context.Context, doc *sharing.Document) error {
	row := toDocumentRow(doc)
	return translate(r.db.WithContext(ctx).Create(&row).Error, "document "+doc.ID)
}

func (r documentRepo) Get(ctx context.Context, id string) (*sharing.Document, error) {
	var row documentRow
	if err := r.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		return nil, translate(err, "document "+id)
	}
	return row.model(), nil
}

type permissionRepo handle

func (r permissionRepo) Create(ctx context.Context, p *sharing.Permission) error {
	row, err := toPermissionRow(p)
	if err != nil {
		return err
	}
	return translate(r.db.WithContext(ctx).Create(&row).Error, "permission for "+p.GranterUserID+"->"+p.GranteeUserID)
}

func (r permissionRepo) Get(ctx context.Context, id string) (*sharing.Permission, error) {
	var row permissionRow
	if err := r.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		return nil, translate(err, "permission "+id)
	}
	return row.model()
}

func (r permissionRepo) Update(ctx context.Context, p *sharing.Permission) error {
	row, err := toPermissionRow(p)
	if err != nil {
		return err
	}
	res := r.db.WithContext(ctx).Model(&permissionRow{}).Where("id = ?", p.ID).Updates(map[string]any{
		"document_types":   row.DocumentTypes,
		"can_relay":        row.CanRelay,
		"can_view_history": row.CanViewHistory,
		"max_chain_depth":  row.MaxChainDepth,
		"status":           row.Status,
		"updated_at":       row.UpdatedAt,
	})
	if res.Error != nil {
		return translate(res.Error, "permission "+p.ID)
	}
	return affected(res, "permission "+p.ID)
}

func (r permissionRepo) ListByUser(ctx context.Context, userID string) ([]*sharing.Permission, error) {
	var rows []permissionRow
	err := r.db.WithContext(ctx).
		Where("granter_user_id = ? OR grantee_user_id = ?", userID, userID).
		Order("created_at DESC, id DESC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]*sharing.Permission, 0, len(rows))
	for _, row := range rows {
		p, err := row.model()
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (r permissionRepo) FindActive(ctx context.Context, granterUserID, granteeUserID string) (*sharing.Permission, error) {
	var row permissionRow
	err := r.db.WithContext(ctx).
		Where("granter_user_id = ? AND grantee_user_id = ? AND status = ?", granterUserID, granteeUserID, sharing.PermissionActive).
		First(&row).Error
	if err != nil {
		return nil, translate(err, "active permission "+granterUserID+"->"+granteeUserID)
	}
	return row.model()
}

type edgeRepo handle

func (r edgeRepo) Create(ctx context.Context, e *sharing.Edge) error {
	row := toChainRow(e)
	return translate(r.db.WithContext(ctx).Create(&row).Error, "chain "+e.ID)
}

func (r edgeRepo) Get(ctx context.Context, id string) (*sharing.Edge, error) {
	var row chainRow
	if err := r.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		return nil, translate(err, "chain "+id)
	}
	return row.model(), nil
}

func (r edgeRepo) GetByToken(ctx context.Context, token string) (*sharing.Edge, error) {
	var row chainRow
	if err := r.db.WithContext(ctx).First(&row, "share_token = ?", token).Error; err != nil {
		return nil, translate(err, "share token")
	}
	return row.model(), nil
}

func (r edgeRepo) ListByDocument(ctx context.Context, documentID string) ([]*sharing.Edge, error) {
	var rows []chainRow
	err := r.db.WithContext(ctx).
		Where("document_id = ?", documentID).
		Order("shared_at, id").
		Find(&rows).Error
	return chainModels(rows), err
}

func (r edgeRepo) UpdateStatus(ctx context.Context, id string, status sharing.EdgeStatus) error {
	res := r.db.WithContext(ctx).Model(&chainRow{}).Where("id = ?", id).Update("status", string(status))
	return affected(res, "chain "+id)
}

func (r edgeRepo) ListExpired(ctx context.Context, now time.Time) ([]*sharing.Edge, error) {
	var rows []chainRow
	err := r.db.WithContext(ctx).
		Where("status = ? AND expires_at IS NOT NULL AND expires_at <= ?", sharing.EdgeActive, now.UnixNano()).
		Order("shared_at, id").
		Find(&rows).Error
	return chainModels(rows), err
}

func chainModels(rows []chainRow) []*sharing.Edge {
	out := make([]*sharing.Edge, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.model())
	}
	return out
}

type provenanceRepo handle

func (r provenanceRepo) Get(ctx context.Context, documentID string) (*sharing.Provenance, error) {
	var row provenanceRow
	if err := r.db.WithContext(ctx).First(&row, "document_id = ?", documentID).Error; err != nil {
		return nil, translate(err, "provenance "+documentID)
	}
	return row.model()
}

func (r provenanceRepo) Save(ctx context.Context, p *sharing.Provenance) error {
	row, err := toProvenanceRow(p)
	if err != nil {
		return err
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
}

type notificationRepo handle

func (r notificationRepo) Create(ctx context.Context, n *sharing.Notification) error {
	row, err := toNotificationRow(n)
	if err != nil {
		return err
	}
	return translate(r.db.WithContext(ctx).Create(&row).Error, "notification "+n.ID)
}

func (r notificationRepo) Get(ctx context.Context, id string) (*sharing.Notification, error) {
	var row notificationRow
	if err := r.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		return nil, translate(err, "notification "+id)
	}
	return row.model()
}

func (r notificationRepo) ListForUser(ctx context.Context, userID string, unreadOnly bool) ([]*sharing.Notification, error) {
	q := r.db.WithContext(ctx).Where("to_user_id = ?", userID)
	if unreadOnly {
		q = q.Where("is_read = ?", false)
	}
	var rows []notificationRow
	if err := q.Order("created_at DESC, id DESC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*sharing.Notification, 0, len(rows))
	for _, row := range rows {
		n, err := row.model()
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

func (r notificationRepo) CountUnread(ctx context.Context, userID string) (int, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&notificationRow{}).
		Where("to_user_id = ? AND is_read = ?", userID, false).
		Count(&n).Error
	return int(n), err
}

func (r notificationRepo) MarkRead(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).Model(&notificationRow{}).Where("id = ?", id).Update("is_read", true)
	return affected(res, "notification "+id)
}
