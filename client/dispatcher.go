package client

import (
	"context"

	"github.com/cyverse-de/notification-hub/protocol"
)

// The mutation dispatcher: each operation applies to the local store
// immediately, then propagates through both the push channel (so the
// recipient's other live sessions update instantly) and the durable call (so
// the change survives a lost push delivery). The durable call is
// fire-and-forget: a failure is logged as a MutationPropagationError, and
// the optimistic local state is deliberately not rolled back.

// MarkRead marks one notification as read. Marking an already-read
// notification is a no-op.
func (c *Client) MarkRead(notificationID string) {
	c.post(func() {
		if n, ok := c.store.Get(notificationID); ok && n.Seen {
			return
		}
		c.store.MarkRead(notificationID)
		c.propagate(protocol.TypeMarkRead,
			&protocol.NotificationRef{NotificationID: notificationID},
			"mark-read",
			func(ctx context.Context) error { return c.rest.MarkRead(ctx, notificationID) })
	})
}

// MarkAllRead marks every unread notification as read and zeroes the unread
// count.
func (c *Client) MarkAllRead() {
	c.post(func() {
		c.store.MarkAllRead()
		c.propagate(protocol.TypeMarkAllRead,
			struct{}{},
			"mark-all-read",
			func(ctx context.Context) error { return c.rest.MarkAllRead(ctx) })
	})
}

// Archive removes one notification from the visible feed. If it was unread
// the unread count is decremented as part of the same operation.
func (c *Client) Archive(notificationID string) {
	c.post(func() {
		c.store.Archive(notificationID)
		c.propagate(protocol.TypeArchive,
			&protocol.NotificationRef{NotificationID: notificationID},
			"archive",
			func(ctx context.Context) error { return c.rest.Archive(ctx, notificationID) })
	})
}

// propagate sends a mutation through both channels. It runs on the event
// loop; the durable call happens on its own goroutine so that it never
// blocks delivery of live pushes.
func (c *Client) propagate(messageType string, payload interface{}, operation string, durable func(context.Context) error) {

	// Push channel, when it's up. A write failure means the transport is
	// gone, which the connection manager handles like any other loss; the
	// durable call below still carries the mutation.
	if c.state == StateAuthenticated && c.transport != nil {
		envelope, err := protocol.NewEnvelope(messageType, payload)
		if err == nil {
			err = c.transport.WriteEnvelope(envelope)
		}
		if err != nil {
			c.transportLost(err)
		}
	}

	// Durable call, fire-and-forget.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.rest.httpClient.Timeout)
		defer cancel()
		if err := durable(ctx); err != nil {
			log.Error(NewMutationPropagationError(operation, err))
		}
	}()
}
