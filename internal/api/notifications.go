package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/vendorflow/vendorflow/internal/sharing"
)

// NotificationsResponse is the body of GET /api/notifications.
type NotificationsResponse struct {
	Notifications []*sharing.Notification `json:"notifications"`
	UnreadCount   int                     `json:"unreadCount"`
}

// HandleListNotifications handles GET /api/notifications?unreadOnly=true.
func (h *Handler) HandleListNotifications(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	unreadOnly := false
	if raw := r.URL.Query().Get("unreadOnly"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			WriteBadRequest(w, ReasonInvalidField, "unreadOnly must be a boolean")
			return
		}
		unreadOnly = v
	}

	list, unread, err := h.engine.Notifier().ListFor(r.Context(), userID, unreadOnly)
	if err != nil {
		WriteSharingError(w, h.log(r), err)
		return
	}
	if list == nil {
		list = []*sharing.Notification{}
	}
	WriteJSON(w, http.StatusOK, NotificationsResponse{Notifications: list, UnreadCount: unread})
}

// HandleMarkNotificationRead handles POST /api/notifications/{notificationId}/read.
func (h *Handler) HandleMarkNotificationRead(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	if err := h.engine.Notifier().MarkRead(r.Context(), chi.URLParam(r, "notificationId"), userID); err != nil {
		WriteSharingError(w, h.log(r), err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]bool{"success": true})
}
