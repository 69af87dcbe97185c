// Package protocol defines the messages exchanged on the push channel. Every
// message travels inside an Envelope whose type tag tells the receiving side
// how to decode the payload.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/cyverse-de/notification-hub/model"
	"github.com/pkg/errors"
)

// The push-channel message types sent by clients.
const (
	TypeAuthenticate = "authenticate"
	TypeRecover      = "reconnect-recover"
	TypeMarkRead     = "mark-read"
	TypeMarkAllRead  = "mark-all-read"
	TypeArchive      = "archive"
	TypePing         = "ping"
)

// The push-channel message types sent by the server.
const (
	TypeAuthenticated   = "authenticated"
	TypeRecovered       = "recovered"
	TypeAck             = "ack"
	TypePong            = "pong"
	TypeNewNotification = "new-notification"
	TypeUnreadCount     = "unread-count"
	TypeMarkedRead      = "marked-read"
	TypeAllMarkedRead   = "all-marked-read"
	TypeArchived        = "archived"
)

// Envelope wraps every push-channel message with its type tag.
type Envelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEnvelope builds an envelope around a marshaled payload.
func NewEnvelope(messageType string, payload interface{}) (*Envelope, error) {
	wrapMsg := "unable to build the message envelope"

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, wrapMsg)
	}

	return &Envelope{Type: messageType, Payload: body, Timestamp: time.Now()}, nil
}

// DecodePayload unmarshals the envelope payload into dest.
func (e *Envelope) DecodePayload(dest interface{}) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return errors.Wrapf(json.Unmarshal(e.Payload, dest), "unable to decode a `%s` payload", e.Type)
}

// AuthenticateRequest carries the bearer token presented during the handshake.
type AuthenticateRequest struct {
	Token string `json:"token"`
}

// AuthenticateResponse answers the handshake with the authoritative unread
// count and an initial feed slice, newest first.
type AuthenticateResponse struct {
	Success     bool                  `json:"success"`
	Error       string                `json:"error,omitempty"`
	UnreadCount int64                 `json:"unreadCount"`
	Feed        []*model.Notification `json:"feed"`
}

// RecoverRequest asks for every notification created after the one the
// client last saw.
type RecoverRequest struct {
	LastNotificationID string `json:"lastNotificationId"`
}

// RecoverResponse returns the gap-fill batch in ascending creation order.
type RecoverResponse struct {
	Success          bool                  `json:"success"`
	Error            string                `json:"error,omitempty"`
	NewNotifications []*model.Notification `json:"newNotifications"`
}

// NotificationRef identifies a single notification in a mutation message or
// a fan-out sync event.
type NotificationRef struct {
	NotificationID string `json:"notificationId"`
}

// UnreadCount carries the recipient's current unread total.
type UnreadCount struct {
	UnreadCount int64 `json:"unreadCount"`
}

// Ack confirms receipt of a client mutation message.
type Ack struct {
	Acked string `json:"acked"`
}
