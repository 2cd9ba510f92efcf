package sharing

import (
	"context"
	"fmt"
	"time"
)

// Notice describes an inbox entry to emit.
type Notice struct {
	FromUserID string
	ToUserID   string
	Type       NotificationType
	Message    string
	DocumentID string
	ChainID    string
	Metadata   map[string]any
}

// Notifier appends inbox entries and serves the inbox.
type Notifier struct {
	store Store
	now   func() time.Time
}

// NewNotifier creates a notifier reading the inbox from s.
func NewNotifier(s Store) *Notifier {
	return &Notifier{store: s, now: time.Now}
}

// Notify appends n through s, which is normally the open atomic unit of the
// chain mutation that caused it.
func (n *Notifier) Notify(ctx context.Context, s Store, notice Notice) (*Notification, error) {
	now := n.now().UTC()
	entry := &Notification{
		ID:               newNotificationID(now),
		FromUserID:       notice.FromUserID,
		ToUserID:         notice.ToUserID,
		DocumentID:       notice.DocumentID,
		ChainID:          notice.ChainID,
		NotificationType: notice.Type,
		Message:          notice.Message,
		Metadata:         notice.Metadata,
		CreatedAt:        now,
	}
	if err := s.Notifications().Create(ctx, entry); err != nil {
		return nil, fmt.Errorf("store notification: %w", err)
	}
	return entry, nil
}

// ListFor returns userID's inbox, newest first, and the unread count.
func (n *Notifier) ListFor(ctx context.Context, userID string, unreadOnly bool) ([]*Notification, int, error) {
	list, err := n.store.Notifications().ListForUser(ctx, userID, unreadOnly)
	if err != nil {
		return nil, 0, err
	}
	unread, err := n.store.Notifications().CountUnread(ctx, userID)
	if err != nil {
		return nil, 0, err
	}
	return list, unread, nil
}

// MarkRead flips an entry to read. Only its recipient may do so; marking an
// already read entry is a no-op.
func (n *Notifier) MarkRead(ctx context.Context, notificationID, userID string) error {
	entry, err := n.store.Notifications().Get(ctx, notificationID)
	if err != nil {
		return err
	}
	if entry.ToUserID != userID {
		return fmt.Errorf("%w: notification %s", ErrNotFound, notificationID)
	}
	if entry.IsRead {
		return nil
	}
	return n.store.Notifications().MarkRead(ctx, notificationID)
}
