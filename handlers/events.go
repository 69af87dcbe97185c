package handlers

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cyverse-de/messaging/v9"
	"github.com/cyverse-de/notification-hub/common"
	"github.com/cyverse-de/notification-hub/model"
	"github.com/streadway/amqp"
)

// EventRequest represents a deserialized request to create a notification.
type EventRequest struct {
	RequestType   string          `json:"type"`
	User          string          `json:"user"`
	Sender        string          `json:"sender"`
	Subject       string          `json:"subject"`
	Description   string          `json:"description"`
	EntityType    string          `json:"entity_type"`
	EntityID      string          `json:"entity_id"`
	Priority      string          `json:"priority"`
	Timestamp     string          `json:"timestamp"`
	Email         bool            `json:"email"`
	EmailAddress  string          `json:"email_address"`
	EmailTemplate string          `json:"email_template"`
	Metadata      json.RawMessage `json:"payload"`
}

// EmailClient is the subset of the messaging client used to request emails
// for notifications that ask for one.
type EmailClient interface {
	PublishEmailRequest(request *messaging.EmailRequest) error
}

// Events is a message handler for notification requests published by the
// rest of the product.
type Events struct {
	publisher   NotificationPublisher
	emailClient EmailClient
}

// NewEvents returns a new notification event handler.
func NewEvents(publisher NotificationPublisher, emailClient EmailClient) *Events {
	return &Events{publisher: publisher, emailClient: emailClient}
}

// HandleMessage handles a single AMQP delivery.
func (h *Events) HandleMessage(ctx context.Context, category string, delivery amqp.Delivery) error {

	// Parse the message body.
	var request EventRequest
	err := json.Unmarshal(delivery.Body, &request)
	if err != nil {
		return NewUnrecoverableError("unable to parse message body: %s", err.Error())
	}
	if request.User == "" {
		return NewUnrecoverableError("notification request contains no recipient")
	}

	// Parse the timestamp, defaulting to the current time if it's absent.
	timeCreated := time.Now()
	if request.Timestamp != "" {
		timeCreated, err = time.Parse(time.RFC3339Nano, request.Timestamp)
		if err != nil {
			return NewUnrecoverableError("unable to parse timestamp: %s", err.Error())
		}
	}

	// Priorities outside the recognized set fall back to the default.
	priority := model.Priority(request.Priority)
	if !priority.Valid() {
		priority = model.PriorityMedium
	}

	notificationType := request.RequestType
	if notificationType == "" {
		notificationType = category
	}

	// Persist the notification and fan it out to the recipient's sessions.
	// A failure here must prevent fan-out, which the publisher guarantees.
	notification := &model.Notification{
		NotificationType: notificationType,
		Recipient:        request.User,
		Sender:           request.Sender,
		Subject:          request.Subject,
		Description:      request.Description,
		EntityType:       request.EntityType,
		EntityID:         request.EntityID,
		Priority:         priority,
		Seen:             false,
		Deleted:          false,
		TimeCreated:      timeCreated,
		Metadata:         request.Metadata,
	}
	err = h.publisher.Publish(ctx, notification)
	if err != nil {
		return NewRecoverableError("unable to record the notification: %s", err.Error())
	}

	// Request an email if the event asked for one and the address is usable.
	if request.Email {
		h.requestEmail(&request, notification)
	}

	return nil
}

// requestEmail publishes an email request for a notification. Email delivery
// is best effort: a bad address or a publication failure is logged and the
// notification itself still stands.
func (h *Events) requestEmail(request *EventRequest, notification *model.Notification) {
	if err := common.ValidateEmailAddress(request.EmailAddress); err != nil {
		log.Errorf("not sending email for notification %s: invalid address `%s`", notification.ID, request.EmailAddress)
		return
	}

	emailRequest := &messaging.EmailRequest{
		TemplateName: request.EmailTemplate,
		Subject:      request.Subject,
		ToAddress:    request.EmailAddress,
	}
	if err := h.emailClient.PublishEmailRequest(emailRequest); err != nil {
		log.Errorf("unable to publish the email request for notification %s: %s", notification.ID, err)
	}
}
