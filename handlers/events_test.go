package handlers

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cyverse-de/messaging/v9"
	"github.com/cyverse-de/notification-hub/model"
	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
)

// MockPublisher records the notifications published to it.
type MockPublisher struct {
	Notifications []*model.Notification
	Err           error
}

// Publish simply stores the notification for later inspection.
func (p *MockPublisher) Publish(_ context.Context, notification *model.Notification) error {
	if p.Err != nil {
		return p.Err
	}
	p.Notifications = append(p.Notifications, notification)
	return nil
}

// MockEmailClient records the email requests published to it.
type MockEmailClient struct {
	Requests []*messaging.EmailRequest
	Err      error
}

// PublishEmailRequest simply stores the request for later inspection.
func (c *MockEmailClient) PublishEmailRequest(request *messaging.EmailRequest) error {
	if c.Err != nil {
		return c.Err
	}
	c.Requests = append(c.Requests, request)
	return nil
}

// handleEventMessage runs one delivery through a fresh handler.
func handleEventMessage(body string) (*MockPublisher, *MockEmailClient, error) {
	publisher := &MockPublisher{}
	emailClient := &MockEmailClient{}
	handler := NewEvents(publisher, emailClient)
	err := handler.HandleMessage(context.Background(), "notification", amqp.Delivery{Body: []byte(body)})
	return publisher, emailClient, err
}

func TestEvents(t *testing.T) {
	assert := assert.New(t)

	publisher, emailClient, err := handleEventMessage(`{
		"type": "issue_created",
		"user": "sarahr",
		"sender": "markf",
		"subject": "some issue was created",
		"description": "markf created an issue",
		"entity_type": "issue",
		"entity_id": "42",
		"priority": "high",
		"timestamp": "2025-07-07T17:59:59.999-07:00",
		"payload": {"issue": 42}
	}`)

	assert.NoError(err, "unexpected error returned by the message handler")
	if !assert.Len(publisher.Notifications, 1) {
		return
	}
	notification := publisher.Notifications[0]
	assert.Equal("issue_created", notification.NotificationType)
	assert.Equal("sarahr", notification.Recipient)
	assert.Equal("markf", notification.Sender)
	assert.Equal("some issue was created", notification.Subject)
	assert.Equal("markf created an issue", notification.Description)
	assert.Equal("issue", notification.EntityType)
	assert.Equal("42", notification.EntityID)
	assert.Equal(model.PriorityHigh, notification.Priority)
	assert.False(notification.Seen)
	assert.False(notification.Deleted)
	assert.JSONEq(`{"issue": 42}`, string(notification.Metadata))

	expectedTime, perr := time.Parse(time.RFC3339Nano, "2025-07-07T17:59:59.999-07:00")
	assert.NoError(perr)
	assert.True(notification.TimeCreated.Equal(expectedTime), "the timestamp should come from the request")

	assert.Empty(emailClient.Requests, "no email was requested")
}

func TestEventsBadJSON(t *testing.T) {
	assert := assert.New(t)

	publisher, _, err := handleEventMessage(`{ not json at all`)
	assert.Error(err, "an unparseable body should be an error")
	assert.False(IsRecoverable(err), "an unparseable body can never succeed on retry")
	assert.Empty(publisher.Notifications)
}

func TestEventsMissingUser(t *testing.T) {
	assert := assert.New(t)

	publisher, _, err := handleEventMessage(`{"type": "issue_created", "subject": "nobody's issue"}`)
	assert.Error(err, "a request without a recipient should be an error")
	assert.False(IsRecoverable(err), "a request without a recipient can never succeed on retry")
	assert.Empty(publisher.Notifications)
}

func TestEventsBadTimestamp(t *testing.T) {
	assert := assert.New(t)

	publisher, _, err := handleEventMessage(`{"user": "sarahr", "subject": "s", "timestamp": "last Tuesday"}`)
	assert.Error(err, "an unparseable timestamp should be an error")
	assert.False(IsRecoverable(err), "an unparseable timestamp can never succeed on retry")
	assert.Empty(publisher.Notifications)
}

func TestEventsDefaultsApply(t *testing.T) {
	assert := assert.New(t)

	// No type, priority, or timestamp at all.
	before := time.Now()
	publisher, _, err := handleEventMessage(`{"user": "sarahr", "subject": "minimal", "priority": "shrug"}`)
	assert.NoError(err, "unexpected error returned by the message handler")
	if !assert.Len(publisher.Notifications, 1) {
		return
	}
	notification := publisher.Notifications[0]
	assert.Equal("notification", notification.NotificationType, "the category should fill in a missing type")
	assert.Equal(model.PriorityMedium, notification.Priority, "an unrecognized priority should fall back to the default")
	assert.False(notification.TimeCreated.Before(before), "a missing timestamp should default to the current time")
}

func TestEventsPublishFailureIsRecoverable(t *testing.T) {
	assert := assert.New(t)

	publisher := &MockPublisher{Err: errors.New("the database is unavailable")}
	emailClient := &MockEmailClient{}
	handler := NewEvents(publisher, emailClient)

	body := `{"user": "sarahr", "subject": "s", "email": true, "email_address": "sarahr@cyverse.org"}`
	err := handler.HandleMessage(context.Background(), "notification", amqp.Delivery{Body: []byte(body)})

	assert.Error(err, "a persistence failure should be an error")
	assert.True(IsRecoverable(err), "a persistence failure may succeed on retry")
	assert.Empty(emailClient.Requests, "no email may be requested for a notification that wasn't recorded")
}

func TestEventsRequestsEmail(t *testing.T) {
	assert := assert.New(t)

	_, emailClient, err := handleEventMessage(`{
		"user": "sarahr",
		"subject": "some issue was created",
		"email": true,
		"email_address": "sarahr@cyverse.org",
		"email_template": "issue_created"
	}`)

	assert.NoError(err, "unexpected error returned by the message handler")
	if assert.Len(emailClient.Requests, 1) {
		assert.Equal("issue_created", emailClient.Requests[0].TemplateName)
		assert.Equal("some issue was created", emailClient.Requests[0].Subject)
		assert.Equal("sarahr@cyverse.org", emailClient.Requests[0].ToAddress)
	}
}

func TestEventsSkipsEmailForBadAddress(t *testing.T) {
	assert := assert.New(t)

	publisher, emailClient, err := handleEventMessage(`{
		"user": "sarahr",
		"subject": "some issue was created",
		"email": true,
		"email_address": "not-an-address"
	}`)

	assert.NoError(err, "a bad email address should not fail the notification")
	assert.Len(publisher.Notifications, 1, "the notification itself still stands")
	assert.Empty(emailClient.Requests, "no email may be requested for an unusable address")
}
