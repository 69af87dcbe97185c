// Package hub implements the server side of the push channel: it tracks the
// live sessions of every recipient, persists newly created notifications,
// and fans them out to each of the recipient's sessions. Persisting and
// fanning out are serialized per recipient so that a session never receives
// a push for a notification that isn't durably recorded, and a recovery
// query never misses a notification whose push the session didn't see.
package hub

import (
	"context"
	"database/sql"
	"sync"

	"github.com/cyverse-de/notification-hub/common"
	"github.com/cyverse-de/notification-hub/db"
	"github.com/cyverse-de/notification-hub/model"
	"github.com/cyverse-de/notification-hub/protocol"
	"github.com/pkg/errors"
)

var log = common.Log.WithField("package", "hub")

// InitialFeedLimit is the number of notifications included in the
// authentication handshake response.
const InitialFeedLimit = 20

// registry holds the live sessions of a single recipient. Its mutex is the
// per-recipient serialization point for persist-then-fan-out.
type registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// Hub owns the authoritative notification record and every live session.
type Hub struct {
	db *sql.DB

	mu         sync.Mutex
	recipients map[string]*registry
}

// New creates a hub backed by the given database.
func New(database *sql.DB) *Hub {
	return &Hub{
		db:         database,
		recipients: make(map[string]*registry),
	}
}

// registryFor returns the session registry for a recipient, creating it if
// necessary.
func (h *Hub) registryFor(recipient string) *registry {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.recipients[recipient]
	if !ok {
		r = &registry{sessions: make(map[string]*Session)}
		h.recipients[recipient] = r
	}
	return r
}

// Register binds a new authenticated session to its recipient and returns
// the authoritative unread count plus the initial feed slice for the
// handshake response. The registry lock makes registration and the feed
// query one atomic step, so nothing published afterwards can be absent from
// both the feed and the session's queue. Delivery does not begin until the
// caller invokes Start on the session; envelopes enqueued in the meantime
// wait in the session's buffer.
func (h *Hub) Register(ctx context.Context, recipient string, conn SessionConn) (*Session, int64, []*model.Notification, error) {
	r := h.registryFor(recipient)
	r.mu.Lock()
	defer r.mu.Unlock()

	var (
		unreadCount int64
		feed        []*model.Notification
	)
	err := h.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		if unreadCount, err = db.CountUnreadNotifications(ctx, tx, recipient); err != nil {
			return err
		}
		feed, err = db.ListNotifications(ctx, tx, recipient, 0, InitialFeedLimit)
		return err
	})
	if err != nil {
		return nil, 0, nil, errors.Wrap(err, "unable to register the session")
	}

	session := newSession(h, recipient, conn)
	r.sessions[session.ConnectionID] = session

	log.Infof("session %s registered for %s", session.ConnectionID, recipient)
	return session, unreadCount, feed, nil
}

// Unregister removes a session from its recipient's registry and closes it.
// Other sessions of the same recipient are unaffected.
func (h *Hub) Unregister(session *Session) {
	r := h.registryFor(session.Recipient)
	r.mu.Lock()
	delete(r.sessions, session.ConnectionID)
	r.mu.Unlock()

	session.close()
	log.Infof("session %s unregistered for %s", session.ConnectionID, session.Recipient)
}

// Close shuts down every live session.
func (h *Hub) Close() {
	h.mu.Lock()
	registries := make([]*registry, 0, len(h.recipients))
	for _, r := range h.recipients {
		registries = append(registries, r)
	}
	h.mu.Unlock()

	for _, r := range registries {
		r.mu.Lock()
		for id, session := range r.sessions {
			delete(r.sessions, id)
			session.close()
		}
		r.mu.Unlock()
	}
}

// broadcast enqueues envelopes for every live session of the recipient,
// optionally excluding the session the triggering message arrived on. The
// registry lock must be held by the caller.
func (r *registry) broadcast(excludeConnectionID string, envelopes ...*protocol.Envelope) {
	for id, session := range r.sessions {
		if id == excludeConnectionID {
			continue
		}
		for _, envelope := range envelopes {
			session.enqueue(envelope)
		}
	}
}

// inTx runs fn inside a database transaction, committing if it returns nil.
func (h *Hub) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "unable to begin a database transaction")
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(tx); err != nil {
		return err
	}

	return errors.Wrap(tx.Commit(), "unable to commit the database transaction")
}

// Publish persists a notification and fans it out to every live session of
// the recipient. If persistence fails nothing is fanned out.
func (h *Hub) Publish(ctx context.Context, notification *model.Notification) error {
	wrapMsg := "unable to publish the notification"

	r := h.registryFor(notification.Recipient)
	r.mu.Lock()
	defer r.mu.Unlock()

	// Persist the notification and fetch the new unread total.
	var unreadCount int64
	err := h.inTx(ctx, func(tx *sql.Tx) error {
		if err := db.SaveNotification(ctx, tx, notification); err != nil {
			return err
		}
		var err error
		unreadCount, err = db.CountUnreadNotifications(ctx, tx, notification.Recipient)
		return err
	})
	if err != nil {
		return errors.Wrap(err, wrapMsg)
	}

	// Fan out the push event along with the updated unread count.
	pushEnvelope, err := protocol.NewEnvelope(protocol.TypeNewNotification, notification)
	if err != nil {
		return errors.Wrap(err, wrapMsg)
	}
	countEnvelope, err := protocol.NewEnvelope(protocol.TypeUnreadCount, &protocol.UnreadCount{UnreadCount: unreadCount})
	if err != nil {
		return errors.Wrap(err, wrapMsg)
	}
	r.broadcast("", pushEnvelope, countEnvelope)

	return nil
}

// Recover answers a reconnection-recovery query: every live notification for
// the recipient created strictly after the referenced one, oldest first. The
// per-recipient lock guarantees that the result and subsequent pushes never
// leave a gap.
func (h *Hub) Recover(ctx context.Context, recipient, lastNotificationID string) ([]*model.Notification, error) {
	r := h.registryFor(recipient)
	r.mu.Lock()
	defer r.mu.Unlock()

	var notifications []*model.Notification
	err := h.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		notifications, err = db.ListNotificationsAfter(ctx, tx, recipient, lastNotificationID)
		return err
	})
	if err != nil {
		return nil, errors.Wrap(err, "unable to answer the recovery query")
	}

	return notifications, nil
}

// ListFeed returns one page of the recipient's live feed for the durable
// interface.
func (h *Hub) ListFeed(ctx context.Context, recipient string, offset, limit uint64) ([]*model.Notification, int64, error) {
	var (
		feed        []*model.Notification
		unreadCount int64
	)
	err := h.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		if feed, err = db.ListNotifications(ctx, tx, recipient, offset, limit); err != nil {
			return err
		}
		unreadCount, err = db.CountUnreadNotifications(ctx, tx, recipient)
		return err
	})
	if err != nil {
		return nil, 0, errors.Wrap(err, "unable to list the notification feed")
	}

	return feed, unreadCount, nil
}

// MarkRead marks one notification as read and synchronizes the recipient's
// other live sessions. The mutation is idempotent: marking an already-read
// notification changes nothing and fans nothing out.
func (h *Hub) MarkRead(ctx context.Context, recipient, notificationID, originConnectionID string) (int64, error) {
	wrapMsg := "unable to apply the mark-read mutation"

	r := h.registryFor(recipient)
	r.mu.Lock()
	defer r.mu.Unlock()

	var (
		changed     bool
		unreadCount int64
	)
	err := h.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		if changed, err = db.MarkNotificationRead(ctx, tx, recipient, notificationID); err != nil {
			return err
		}
		unreadCount, err = db.CountUnreadNotifications(ctx, tx, recipient)
		return err
	})
	if err != nil {
		return 0, errors.Wrap(err, wrapMsg)
	}

	if changed {
		if err := h.broadcastMutation(r, originConnectionID, protocol.TypeMarkedRead,
			&protocol.NotificationRef{NotificationID: notificationID}, unreadCount); err != nil {
			return 0, errors.Wrap(err, wrapMsg)
		}
	}

	return unreadCount, nil
}

// MarkAllRead marks every unread notification for the recipient as read and
// synchronizes the recipient's other live sessions. It returns the number of
// notifications that changed state.
func (h *Hub) MarkAllRead(ctx context.Context, recipient, originConnectionID string) (int64, error) {
	wrapMsg := "unable to apply the mark-all-read mutation"

	r := h.registryFor(recipient)
	r.mu.Lock()
	defer r.mu.Unlock()

	var changed int64
	err := h.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		changed, err = db.MarkAllNotificationsRead(ctx, tx, recipient)
		return err
	})
	if err != nil {
		return 0, errors.Wrap(err, wrapMsg)
	}

	if changed > 0 {
		// Marking everything read leaves the unread count at zero.
		if err := h.broadcastMutation(r, originConnectionID, protocol.TypeAllMarkedRead, struct{}{}, 0); err != nil {
			return 0, errors.Wrap(err, wrapMsg)
		}
	}

	return changed, nil
}

// Get looks up a single notification belonging to the recipient. It returns
// nil without an error if the notification doesn't exist.
func (h *Hub) Get(ctx context.Context, recipient, notificationID string) (*model.Notification, error) {
	var notification *model.Notification
	err := h.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		notification, err = db.GetNotification(ctx, tx, recipient, notificationID)
		return err
	})
	if err != nil {
		return nil, errors.Wrap(err, "unable to look up the notification")
	}
	return notification, nil
}

// Archive removes a notification from the recipient's live feed and
// synchronizes the recipient's other live sessions.
func (h *Hub) Archive(ctx context.Context, recipient, notificationID, originConnectionID string) (int64, error) {
	wrapMsg := "unable to apply the archive mutation"

	r := h.registryFor(recipient)
	r.mu.Lock()
	defer r.mu.Unlock()

	var (
		changed     bool
		unreadCount int64
	)
	err := h.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		if changed, _, err = db.ArchiveNotification(ctx, tx, recipient, notificationID); err != nil {
			return err
		}
		unreadCount, err = db.CountUnreadNotifications(ctx, tx, recipient)
		return err
	})
	if err != nil {
		return 0, errors.Wrap(err, wrapMsg)
	}

	if changed {
		if err := h.broadcastMutation(r, originConnectionID, protocol.TypeArchived,
			&protocol.NotificationRef{NotificationID: notificationID}, unreadCount); err != nil {
			return 0, errors.Wrap(err, wrapMsg)
		}
	}

	return unreadCount, nil
}

// broadcastMutation fans a mutation sync event plus the updated unread count
// out to every session except the one the mutation arrived on. The registry
// lock must be held by the caller.
func (h *Hub) broadcastMutation(r *registry, originConnectionID, messageType string, payload interface{}, unreadCount int64) error {
	syncEnvelope, err := protocol.NewEnvelope(messageType, payload)
	if err != nil {
		return err
	}
	countEnvelope, err := protocol.NewEnvelope(protocol.TypeUnreadCount, &protocol.UnreadCount{UnreadCount: unreadCount})
	if err != nil {
		return err
	}
	r.broadcast(originConnectionID, syncEnvelope, countEnvelope)
	return nil
}
