package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/cyverse-de/notification-hub/model"
	"github.com/labstack/echo/v4"
)

// The pagination bounds for the historical feed.
const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// feedResponse is the body returned by the paginated feed listing.
type feedResponse struct {
	Notifications []*model.Notification `json:"notifications"`
	UnreadCount   int64                 `json:"unreadCount"`
	Page          uint64                `json:"page"`
	Limit         uint64                `json:"limit"`
}

// mutationResponse is the body returned by the single-notification mutations.
type mutationResponse struct {
	Notification *model.Notification `json:"notification"`
	UnreadCount  int64               `json:"unreadCount"`
}

// queryUint parses a positive integer query parameter, falling back to a
// default when the parameter is absent or malformed.
func queryUint(c echo.Context, name string, fallback uint64) uint64 {
	raw := c.QueryParam(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || value == 0 {
		return fallback
	}
	return value
}

// listNotifications returns one page of the caller's historical feed.
func (s *Server) listNotifications(c echo.Context) error {
	user := requestUser(c)

	page := queryUint(c, "page", 1)
	limit := queryUint(c, "limit", defaultPageSize)
	if limit > maxPageSize {
		limit = maxPageSize
	}

	feed, unreadCount, err := s.hub.ListFeed(c.Request().Context(), user, (page-1)*limit, limit)
	if err != nil {
		log.Errorf("unable to list notifications for %s: %s", user, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "unable to list notifications"})
	}

	return c.JSON(http.StatusOK, &feedResponse{
		Notifications: feed,
		UnreadCount:   unreadCount,
		Page:          page,
		Limit:         limit,
	})
}

// createNotificationRequest is the body accepted by the internal creation
// endpoint, the single entry point the rest of the product uses to
// originate a notification.
type createNotificationRequest struct {
	RecipientID string          `json:"recipientId"`
	SenderID    string          `json:"senderId"`
	Type        string          `json:"type"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	EntityType  string          `json:"entityType"`
	EntityID    string          `json:"entityId"`
	Priority    string          `json:"priority"`
	Metadata    json.RawMessage `json:"metadata"`
}

// createNotification persists a new notification and fans it out to the
// recipient's live sessions.
func (s *Server) createNotification(c echo.Context) error {
	var request createNotificationRequest
	if err := c.Bind(&request); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "unable to parse the request body"})
	}
	if request.RecipientID == "" || request.Type == "" || request.Title == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "recipientId, type, and title are required"})
	}

	priority := model.Priority(request.Priority)
	if !priority.Valid() {
		priority = model.PriorityMedium
	}

	notification := &model.Notification{
		NotificationType: request.Type,
		Recipient:        request.RecipientID,
		Sender:           request.SenderID,
		Subject:          request.Title,
		Description:      request.Description,
		EntityType:       request.EntityType,
		EntityID:         request.EntityID,
		Priority:         priority,
		TimeCreated:      time.Now(),
		Metadata:         request.Metadata,
	}
	if err := s.hub.Publish(c.Request().Context(), notification); err != nil {
		log.Errorf("unable to create a notification for %s: %s", request.RecipientID, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "unable to create the notification"})
	}

	return c.JSON(http.StatusCreated, notification)
}

// markRead marks one notification as read and returns the updated record.
func (s *Server) markRead(c echo.Context) error {
	user := requestUser(c)
	notificationID := c.Param("id")
	ctx := c.Request().Context()

	unreadCount, err := s.hub.MarkRead(ctx, user, notificationID, "")
	if err != nil {
		log.Errorf("unable to mark notification %s read for %s: %s", notificationID, user, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "unable to mark the notification as read"})
	}

	notification, err := s.hub.Get(ctx, user, notificationID)
	if err != nil {
		log.Errorf("unable to look up notification %s for %s: %s", notificationID, user, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "unable to look up the notification"})
	}
	if notification == nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "notification not found"})
	}

	return c.JSON(http.StatusOK, &mutationResponse{Notification: notification, UnreadCount: unreadCount})
}

// markAllRead marks every unread notification for the caller as read.
func (s *Server) markAllRead(c echo.Context) error {
	user := requestUser(c)

	changed, err := s.hub.MarkAllRead(c.Request().Context(), user, "")
	if err != nil {
		log.Errorf("unable to mark all notifications read for %s: %s", user, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "unable to mark all notifications as read"})
	}

	return c.JSON(http.StatusOK, map[string]int64{"marked": changed, "unreadCount": 0})
}

// archive removes one notification from the caller's live feed and returns
// the updated record.
func (s *Server) archive(c echo.Context) error {
	user := requestUser(c)
	notificationID := c.Param("id")
	ctx := c.Request().Context()

	unreadCount, err := s.hub.Archive(ctx, user, notificationID, "")
	if err != nil {
		log.Errorf("unable to archive notification %s for %s: %s", notificationID, user, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "unable to archive the notification"})
	}

	notification, err := s.hub.Get(ctx, user, notificationID)
	if err != nil {
		log.Errorf("unable to look up notification %s for %s: %s", notificationID, user, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "unable to look up the notification"})
	}
	if notification == nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "notification not found"})
	}

	return c.JSON(http.StatusOK, &mutationResponse{Notification: notification, UnreadCount: unreadCount})
}
