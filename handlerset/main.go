// Package handlerset binds the AMQP client to the message handlers and owns
// the consumer lifecycle: routing deliveries to the handler for their
// category and acknowledging them according to the handler's verdict.
package handlerset

import (
	"context"
	"strings"

	"github.com/cyverse-de/messaging/v9"
	"github.com/cyverse-de/notification-hub/common"
	"github.com/cyverse-de/notification-hub/handlers"
	"github.com/pkg/errors"
	"github.com/streadway/amqp"
)

var log = common.Log.WithField("package", "handlerset")

// prefetchCount is the number of unacknowledged deliveries the consumer may
// hold at once.
const prefetchCount = 16

// HandlerSet represents a set of AMQP message handlers.
type HandlerSet struct {
	amqpClient *messaging.Client
	handlerFor map[string]handlers.MessageHandler
}

// New creates a new handler set. Publishing is set up on the same client so
// that handlers can publish email requests. The handlers themselves are
// bound afterwards with SetHandlers, since they may need the AMQP client.
func New(amqpSettings *common.AMQPSettings) (*HandlerSet, error) {
	wrapMsg := "unable to create the message handler set"

	// Create the AMQP client.
	amqpClient, err := messaging.NewClient(amqpSettings.URI, false)
	if err != nil {
		return nil, errors.Wrap(err, wrapMsg)
	}

	// Enable publishing for email requests.
	err = amqpClient.SetupPublishing(amqpSettings.ExchangeName)
	if err != nil {
		amqpClient.Close()
		return nil, errors.Wrap(err, wrapMsg)
	}

	// Build and return the handler set.
	handlerSet := HandlerSet{
		amqpClient: amqpClient,
		handlerFor: map[string]handlers.MessageHandler{},
	}
	return &handlerSet, nil
}

// AMQPClient returns the underlying messaging client.
func (hs *HandlerSet) AMQPClient() *messaging.Client {
	return hs.amqpClient
}

// SetHandlers binds the message handlers. It must be called before Listen.
func (hs *HandlerSet) SetHandlers(handlerFor map[string]handlers.MessageHandler) {
	hs.handlerFor = handlerFor
}

// Listen registers the consumer and begins processing deliveries. It returns
// after the consumer is registered; delivery processing happens on the
// messaging client's goroutines.
func (hs *HandlerSet) Listen(amqpSettings *common.AMQPSettings, queueName string, routingKeys []string) error {
	hs.amqpClient.AddConsumerMulti(
		amqpSettings.ExchangeName,
		amqpSettings.ExchangeType,
		queueName,
		routingKeys,
		hs.handleDelivery,
		prefetchCount,
	)

	go hs.amqpClient.Listen()
	return nil
}

// Close closes a message handler set.
func (hs *HandlerSet) Close() {
	hs.amqpClient.Close()
}

// categoryFor extracts the handler category from a routing key; the category
// is the final dot-separated segment.
func categoryFor(routingKey string) string {
	segments := strings.Split(routingKey, ".")
	return segments[len(segments)-1]
}

// handleDelivery routes one delivery to the handler for its category and
// settles it. Recoverable failures are requeued once; everything else is
// rejected so that a poison message can't wedge the queue.
func (hs *HandlerSet) handleDelivery(ctx context.Context, delivery amqp.Delivery) {
	category := categoryFor(delivery.RoutingKey)

	handler, ok := hs.handlerFor[category]
	if !ok {
		log.Warnf("no handler for category `%s` (routing key `%s`)", category, delivery.RoutingKey)
		if err := delivery.Reject(false); err != nil {
			log.Errorf("unable to reject a delivery: %s", err)
		}
		return
	}

	err := handler.HandleMessage(ctx, category, delivery)
	if err == nil {
		if err := delivery.Ack(false); err != nil {
			log.Errorf("unable to acknowledge a delivery: %s", err)
		}
		return
	}

	log.Errorf("delivery with routing key `%s` failed: %s", delivery.RoutingKey, err)
	requeue := handlers.IsRecoverable(err) && !delivery.Redelivered
	if err := delivery.Reject(requeue); err != nil {
		log.Errorf("unable to reject a delivery: %s", err)
	}
}
