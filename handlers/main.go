// Package handlers contains the AMQP message handlers that turn domain
// events published by the rest of the product into notifications. The
// mapping from a domain event to a notification request happens upstream;
// by the time a delivery reaches this package it already names a recipient,
// a type, and display strings.
package handlers

import (
	"context"

	"github.com/cyverse-de/notification-hub/common"
	"github.com/cyverse-de/notification-hub/model"
	"github.com/streadway/amqp"
)

var log = common.Log.WithField("package", "handlers")

// MessageHandler describes the interface used to handle AMQP messages.
type MessageHandler interface {
	HandleMessage(ctx context.Context, category string, delivery amqp.Delivery) error
}

// NotificationPublisher is the subset of the hub that handlers need: persist
// a notification and fan it out to the recipient's live sessions.
type NotificationPublisher interface {
	Publish(ctx context.Context, notification *model.Notification) error
}

// InitMessageHandlers returns a map from category name to message handler.
func InitMessageHandlers(publisher NotificationPublisher, emailClient EmailClient) map[string]MessageHandler {
	return map[string]MessageHandler{
		"notification": NewEvents(publisher, emailClient),
	}
}
