package sqlite

import (
	"encoding/json"
	"time"

	"github.com/vendorflow/vendorflow/internal/sharing"
)

// Timestamps are stored as Unix nanoseconds so ordering and range queries
// compare integers.

type documentRow struct {
	ID           string `gorm:"primaryKey"`
	DocumentType string
	OwnerUserID  string `gorm:"index"`
	Name         string
	CreatedAt    int64 `gorm:"autoCreateTime:false"`
}

func (documentRow) TableName() string { return "documents" }

type permissionRow struct {
	ID             string `gorm:"primaryKey"`
	GranterUserID  string `gorm:"index"`
	GranteeUserID  string `gorm:"index"`
	DocumentTypes  string
	CanRelay       bool
	CanViewHistory bool
	MaxChainDepth  int
	Status         string
	CreatedAt      int64 `gorm:"autoCreateTime:false"`
	UpdatedAt      int64 `gorm:"autoUpdateTime:false"`
}

func (permissionRow) TableName() string { return "permissions" }

type chainRow struct {
	ID            string  `gorm:"primaryKey"`
	DocumentID    string  `gorm:"index"`
	FromUserID    string  `gorm:"index"`
	ToUserID      string  `gorm:"index"`
	ParentChainID *string `gorm:"index"`
	ShareToken    string  `gorm:"uniqueIndex"`
	CanRelay      bool
	CanView       bool
	CanDownload   bool
	ShareReason   string
	ExpiresAt     *int64
	Status        string `gorm:"index"`
	SharedAt      int64
	Depth         int
	MaxChainDepth int
}

func (chainRow) TableName() string { return "chains" }

type provenanceRow struct {
	DocumentID      string `gorm:"primaryKey"`
	OriginalOwnerID string
	CurrentHolderID string
	ChainDepth      int
	AccessPath      string
	TotalShares     int
	LastSharedAt    int64
	IsOriginal      bool
	CreatedAt       int64 `gorm:"autoCreateTime:false"`
}

func (provenanceRow) TableName() string { return "provenance" }

type notificationRow struct {
	ID               string `gorm:"primaryKey"`
	FromUserID       string
	ToUserID         string `gorm:"index"`
	DocumentID       string
	ChainID          string
	NotificationType string
	Message          string
	Metadata         string
	IsRead           bool
	CreatedAt        int64 `gorm:"autoCreateTime:false"`
}

func (notificationRow) TableName() string { return "notifications" }

func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func toDocumentRow(d *sharing.Document) documentRow {
	return documentRow{
		ID:           d.ID,
		DocumentType: string(d.Type),
		OwnerUserID:  d.OwnerUserID,
		Name:         d.Name,
		CreatedAt:    nanos(d.CreatedAt),
	}
}

func (r documentRow) model() *sharing.Document {
	return &sharing.Document{
		ID:          r.ID,
		Type:        sharing.DocumentType(r.DocumentType),
		OwnerUserID: r.OwnerUserID,
		Name:        r.Name,
		CreatedAt:   fromNanos(r.CreatedAt),
	}
}

func toPermissionRow(p *sharing.Permission) (permissionRow, error) {
	types, err := json.Marshal(p.DocumentTypes)
	if err != nil {
		return permissionRow{}, err
	}
	return permissionRow{
		ID:             p.ID,
		GranterUserID:  p.GranterUserID,
		GranteeUserID:  p.GranteeUserID,
		DocumentTypes:  string(types),
		CanRelay:       p.CanRelay,
		CanViewHistory: p.CanViewHistory,
		MaxChainDepth:  p.MaxChainDepth,
		Status:         string(p.Status),
		CreatedAt:      nanos(p.CreatedAt),
		UpdatedAt:      nanos(p.UpdatedAt),
	}, nil
}

func (r permissionRow) model() (*sharing.Permission, error) {
	var types []sharing.DocumentType
	if err := json.Unmarshal([]byte(r.DocumentTypes), &types); err != nil {
		return nil, err
	}
	return &sharing.Permission{
		ID:             r.ID,
		GranterUserID:  r.GranterUserID,
		GranteeUserID:  r.GranteeUserID,
		DocumentTypes:  types,
		CanRelay:       r.CanRelay,
		CanViewHistory: r.CanViewHistory,
		MaxChainDepth:  r.MaxChainDepth,
		Status:         sharing.PermissionStatus(r.Status),
		CreatedAt:      fromNanos(r.CreatedAt),
		UpdatedAt:      fromNanos(r.UpdatedAt),
	}, nil
}

func toChainRow(e *sharing.Edge) chainRow {
	row := chainRow{
		ID:            e.ID,
		DocumentID:    e.DocumentID,
		FromUserID:    e.FromUserID,
		ToUserID:      e.ToUserID,
		ParentChainID: e.ParentChainID,
		ShareToken:    e.ShareToken,
		CanRelay:      e.Permissions.CanRelay,
		CanView:       e.Permissions.CanView,
		CanDownload:   e.Permissions.CanDownload,
		ShareReason:   e.ShareReason,
		Status:        string(e.Status),
		SharedAt:      nanos(e.SharedAt),
		Depth:         e.Depth,
		MaxChainDepth: e.MaxChainDepth,
	}
	if e.ExpiresAt != nil {
		exp := e.ExpiresAt.UnixNano()
		row.ExpiresAt = &exp
	}
	return row
}

func (r chainRow) model() *sharing.Edge {
	e := &sharing.Edge{
		ID:            r.ID,
		DocumentID:    r.DocumentID,
		FromUserID:    r.FromUserID,
		ToUserID:      r.ToUserID,
		ParentChainID: r.ParentChainID,
		ShareToken:    r.ShareToken,
		Permissions: sharing.EdgePermissions{
			CanRelay:    r.CanRelay,
			CanView:     r.CanView,
			CanDownload: r.CanDownload,
		},
		ShareReason:   r.ShareReason,
		Status:        sharing.EdgeStatus(r.Status),
		SharedAt:      fromNanos(r.SharedAt),
		Depth:         r.Depth,
		MaxChainDepth: r.MaxChainDepth,
	}
	if r.ExpiresAt != nil {
		exp := time.Unix(0, *r.ExpiresAt).UTC()
		e.ExpiresAt = &exp
	}
	return e
}

func toProvenanceRow(p *sharing.Provenance) (provenanceRow, error) {
	path, err := json.Marshal(p.AccessPath)
	if err != nil {
		return provenanceRow{}, err
	}
	return provenanceRow{
		DocumentID:      p.DocumentID,
		OriginalOwnerID: p.OriginalOwnerID,
		CurrentHolderID: p.CurrentHolderID,
		ChainDepth:      p.ChainDepth,
		AccessPath:      string(path),
		TotalShares:     p.TotalShares,
		LastSharedAt:    nanos(p.LastSharedAt),
		IsOriginal:      p.IsOriginal,
		CreatedAt:       nanos(p.CreatedAt),
	}, nil
}

func (r provenanceRow) model() (*sharing.Provenance, error) {
	var path []string
	if err := json.Unmarshal([]byte(r.AccessPath), &path); err != nil {
		return nil, err
	}
	return &sharing.Provenance{
		DocumentID:      r.DocumentID,
		OriginalOwnerID: r.OriginalOwnerID,
		CurrentHolderID: r.CurrentHolderID,
		ChainDepth:      r.ChainDepth,
		AccessPath:      path,
		TotalShares:     r.TotalShares,
		LastSharedAt:    fromNanos(r.LastSharedAt),
		IsOriginal:      r.IsOriginal,
		CreatedAt:       fromNanos(r.CreatedAt),
	}, nil
}

func toNotificationRow(n *sharing.Notification) (notificationRow, error) {
	meta := []byte("{}")
	if len(n.Metadata) > 0 {
		var err error
		if meta, err = json.Marshal(n.Metadata); err != nil {
			return notificationRow{}, err
		}
	}
	return notificationRow{
		ID:               n.ID,
		FromUserID:       n.FromUserID,
		ToUserID:         n.ToUserID,
		DocumentID:       n.DocumentID,
		ChainID:          n.ChainID,
		NotificationType: string(n.NotificationType),
		Message:          n.Message,
		Metadata:         string(meta),
		IsRead:           n.IsRead,
		CreatedAt:        nanos(n.CreatedAt),
	}, nil
}

func (r notificationRow) model() (*sharing.Notification, error) {
	var meta map[string]any
	if err := json.Unmarshal([]byte(r.Metadata), &meta); err != nil {
		return nil, err
	}
	if len(meta) == 0 {
		meta = nil
	}
	return &sharing.Notification{
		ID:               r.ID,
		FromUserID:       r.FromUserID,
		ToUserID:         r.ToUserID,
		DocumentID:       r.DocumentID,
		ChainID:          r.ChainID,
		NotificationType: sharing.NotificationType(r.NotificationType),
		Message:          r.Message,
		Metadata:         meta,
		IsRead:           r.IsRead,
		CreatedAt:        fromNanos(r.CreatedAt),
	}, nil
}
