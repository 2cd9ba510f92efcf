// Package sharing implements the document sharing-chain engine: permission
// grants, the chain ledger, per-document provenance and the recipient inbox.
package sharing

import (
	"slices"
	"time"
)

// DocumentType tags a document for permission scoping.
type DocumentType string

const (
	DocumentTypeW9          DocumentType = "w9"
	DocumentTypeInsurance   DocumentType = "insurance"
	DocumentTypeBanking     DocumentType = "banking"
	DocumentTypeLicense     DocumentType = "license"
	DocumentTypeCertificate DocumentType = "certificate"
	DocumentTypeOther       DocumentType = "other"

	// DocumentTypeAll is the grant sentinel matching every document type.
	DocumentTypeAll DocumentType = "all"
)

// Valid reports whether t is a known document type. The "all" sentinel is
// only valid inside a permission, never on a document.
func (t DocumentType) Valid() bool {
	switch t {
	case DocumentTypeW9, DocumentTypeInsurance, DocumentTypeBanking,
		DocumentTypeLicense, DocumentTypeCertificate, DocumentTypeOther:
		return true
	}
	return false
}

// UnlimitedDepth disables the chain depth cap.
const UnlimitedDepth = -1

// Document is the external document record, referenced by id.
type Document struct {
	ID          string       `json:"id"`
	Type        DocumentType `json:"documentType"`
	OwnerUserID string       `json:"ownerUserId"`
	Name        string       `json:"name,omitempty"`
	CreatedAt   time.Time    `json:"createdAt"`
}

type PermissionStatus string

const (
	PermissionActive  PermissionStatus = "active"
	PermissionRevoked PermissionStatus = "revoked"
)

// Permission is a directed grant from a granter to a grantee.
type Permission struct {
	ID             string           `json:"id"`
	GranterUserID  string           `json:"granterUserId"`
	GranteeUserID  string           `json:"granteeUserId"`
	DocumentTypes  []DocumentType   `json:"documentTypes"`
	CanRelay       bool             `json:"canRelay"`
	CanViewHistory bool             `json:"canViewHistory"`
	MaxChainDepth  int              `json:"maxChainDepth"`
	Status         PermissionStatus `json:"status"`
	CreatedAt      time.Time        `json:"createdAt"`
	UpdatedAt      time.Time        `json:"updatedAt"`
}

// Covers reports whether the grant applies to documents of type t.
func (p *Permission) Covers(t DocumentType) bool {
	return slices.Contains(p.DocumentTypes, DocumentTypeAll) || slices.Contains(p.DocumentTypes, t)
}

// EdgePermissions is the rights snapshot carried by a chain edge.
type EdgePermissions struct {
	CanRelay    bool `json:"canRelay"`
	CanView     bool `json:"canView"`
	CanDownload bool `json:"canDownload"`
}

// Clamp returns p narrowed so that no flag exceeds the matching flag of limit.
func (p EdgePermissions) Clamp(limit EdgePermissions) EdgePermissions {
	return EdgePermissions{
		CanRelay:    p.CanRelay && limit.CanRelay,
		CanView:     p.CanView && limit.CanView,
		CanDownload: p.CanDownload && limit.CanDownload,
	}
}

// Within reports whether every flag of p is also set in limit.
func (p EdgePermissions) Within(limit EdgePermissions) bool {
	return p.Clamp(limit) == p
}

type EdgeStatus string

const (
	EdgeActive  EdgeStatus = "active"
	EdgeRevoked EdgeStatus = "revoked"
	EdgeExpired EdgeStatus = "expired"
)

// Edge is one hop of a document's sharing tree. A nil ParentChainID marks a
// root edge. Only Status changes after creation.
type Edge struct {
	ID            string          `json:"id"`
	DocumentID    string          `json:"documentId"`
	FromUserID    string          `json:"fromUserId"`
	ToUserID      string          `json:"toUserId"`
	ParentChainID *string         `json:"parentChainId"`
	ShareToken    string          `json:"shareToken"`
	Permissions   EdgePermissions `json:"permissions"`
	ShareReason   string          `json:"shareReason,omitempty"`
	ExpiresAt     *time.Time      `json:"expiresAt,omitempty"`
	Status        EdgeStatus      `json:"status"`
	SharedAt      time.Time       `json:"sharedAt"`

	// Depth is 1 for a root edge and parent depth + 1 for a relay.
	Depth int `json:"depth"`
	// MaxChainDepth is the effective depth cap captured when the edge was
	// created; UnlimitedDepth means no cap.
	MaxChainDepth int `json:"maxChainDepth"`
}

// IsRoot reports whether e is an original share.
func (e *Edge) IsRoot() bool { return e.ParentChainID == nil }

// ExpiredAt reports whether e is past its expiry at now.
func (e *Edge) ExpiredAt(now time.Time) bool {
	return e.ExpiresAt != nil && !now.Before(*e.ExpiresAt)
}

// Usable reports whether the edge still grants access at now.
func (e *Edge) Usable(now time.Time) bool {
	return e.Status == EdgeActive && !e.ExpiredAt(now)
}

// Provenance is the denormalized per-document sharing summary.
type Provenance struct {
	DocumentID      string    `json:"documentId"`
	OriginalOwnerID string    `json:"originalOwnerId"`
	CurrentHolderID string    `json:"currentHolderId"`
	ChainDepth      int       `json:"chainDepth"`
	AccessPath      []string  `json:"accessPath"`
	TotalShares     int       `json:"totalShares"`
	LastSharedAt    time.Time `json:"lastSharedAt"`
	IsOriginal      bool      `json:"isOriginal"`
	CreatedAt       time.Time `json:"createdAt"`
}

type NotificationType string

const (
	NotificationShareRequest  NotificationType = "share_request"
	NotificationShareAccepted NotificationType = "share_accepted"
	NotificationShareRejected NotificationType = "share_rejected"
	NotificationChainComplete NotificationType = "chain_complete"
	NotificationShareRevoked  NotificationType = "share_revoked"
)

// Notification is an inbox entry for ToUserID.
type Notification struct {
	ID               string           `json:"id"`
	FromUserID       string           `json:"fromUserId"`
	ToUserID         string           `json:"toUserId"`
	DocumentID       string           `json:"documentId,omitempty"`
	ChainID          string           `json:"chainId,omitempty"`
	NotificationType NotificationType `json:"notificationType"`
	Message          string           `json:"message"`
	Metadata         map[string]any   `json:"metadata,omitempty"`
	IsRead           bool             `json:"isRead"`
	CreatedAt        time.Time        `json:"createdAt"`
}
