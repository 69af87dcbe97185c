package client

import (
	"sync"

	"github.com/cyverse-de/notification-hub/model"
)

// DefaultWindowSize is the number of notifications the store retains.
const DefaultWindowSize = 100

// Store is the client-held cache of the notification feed: a bounded,
// ordered window of notifications plus the unread count. All writes happen
// on the client's event loop; the lock exists so that snapshot accessors can
// be called from any goroutine.
type Store struct {
	mu            sync.RWMutex
	windowSize    int
	notifications []*model.Notification
	unreadCount   int64

	// lastKnown tracks the newest notification ever observed, even after
	// it leaves the window. Its ID parameterizes the recovery query after
	// a reconnect.
	lastKnownID   string
	lastKnownTime model.Notification
}

// NewStore creates an empty store holding at most windowSize notifications.
func NewStore(windowSize int) *Store {
	if windowSize <= 0 {
		windowSize = DefaultWindowSize
	}
	return &Store{windowSize: windowSize}
}

// Notifications returns a copy of the current feed window, newest first.
func (s *Store) Notifications() []*model.Notification {
	s.mu.RLock()
	defer s.mu.RUnlock()
	feed := make([]*model.Notification, len(s.notifications))
	for i, n := range s.notifications {
		clone := *n
		feed[i] = &clone
	}
	return feed
}

// UnreadCount returns the current unread total.
func (s *Store) UnreadCount() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.unreadCount
}

// LastKnownID returns the ID of the newest notification ever observed, or
// the empty string if none has been.
func (s *Store) LastKnownID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastKnownID
}

// Len returns the number of notifications in the window.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.notifications)
}

// Get returns a copy of the notification with the given ID, if it's in the
// window.
func (s *Store) Get(id string) (*model.Notification, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, n := range s.notifications {
		if n.ID == id {
			clone := *n
			return &clone, true
		}
	}
	return nil, false
}

// noteObserved updates the last-known high-water mark. The caller must hold
// the write lock.
func (s *Store) noteObserved(n *model.Notification) {
	if s.lastKnownID == "" || n.Newer(&s.lastKnownTime) {
		s.lastKnownID = n.ID
		s.lastKnownTime = model.Notification{ID: n.ID, TimeCreated: n.TimeCreated}
	}
}

// insertLocked places a notification at its canonical position, ignoring
// duplicates and trimming the window. The caller must hold the write lock.
func (s *Store) insertLocked(n *model.Notification) bool {
	for _, existing := range s.notifications {
		if existing.ID == n.ID {
			return false
		}
	}

	// Find the insertion point in (createdAt desc, id desc) order.
	position := len(s.notifications)
	for i, existing := range s.notifications {
		if n.Newer(existing) {
			position = i
			break
		}
	}

	clone := *n
	s.notifications = append(s.notifications, nil)
	copy(s.notifications[position+1:], s.notifications[position:])
	s.notifications[position] = &clone

	// Evict the oldest entries once the window overflows.
	if len(s.notifications) > s.windowSize {
		s.notifications = s.notifications[:s.windowSize]
	}

	s.noteObserved(n)
	return true
}

// Insert adds a single live-pushed notification. It returns true if the
// notification wasn't already present; the caller adjusts the unread count
// based on the result so that a replayed push never counts twice.
func (s *Store) Insert(n *model.Notification) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	isNew := s.insertLocked(n)
	if isNew && !n.Seen && !n.Deleted {
		s.unreadCount++
	}
	return isNew
}

// ReplaceFeed resets the store from an authentication response. The
// server-reported unread count is authoritative and replaces whatever was
// tracked locally.
func (s *Store) ReplaceFeed(feed []*model.Notification, unreadCount int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.notifications = s.notifications[:0]
	for _, n := range feed {
		s.insertLocked(n)
	}
	s.unreadCount = unreadCount
}

// MergeRecovered merges a recovery batch into the window, returning the
// number of notifications that were actually new. The unread count is not
// touched: the batch predates the authoritative count delivered with the
// authentication response, so every recovered notification is already
// counted.
func (s *Store) MergeRecovered(batch []*model.Notification) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	merged := 0
	for _, n := range batch {
		if s.insertLocked(n) {
			merged++
		}
	}
	return merged
}

// SetUnreadCount applies a server-reported unread count, which always wins
// over the locally tracked value.
func (s *Store) SetUnreadCount(unreadCount int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unreadCount = unreadCount
}

// MarkRead flips a notification to read. The found result reports whether
// the notification is in the window at all; changed reports whether it was
// unread, in which case the unread count has been decremented by exactly one.
func (s *Store) MarkRead(id string) (found, changed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, n := range s.notifications {
		if n.ID != id {
			continue
		}
		if n.Seen {
			return true, false
		}
		n.Seen = true
		if !n.Deleted {
			s.unreadCount--
		}
		return true, true
	}
	return false, false
}

// MarkAllRead flips every unread notification to read and zeroes the unread
// count, returning the number of notifications that changed.
func (s *Store) MarkAllRead() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := 0
	for _, n := range s.notifications {
		if !n.Seen && !n.Deleted {
			n.Seen = true
			changed++
		}
	}
	s.unreadCount = 0
	return changed
}

// Archive removes a notification from the visible feed. If it was unread the
// unread count is decremented exactly once; archiving an already-read
// notification leaves the count alone.
func (s *Store) Archive(id string) (found, wasUnread bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, n := range s.notifications {
		if n.ID != id {
			continue
		}
		wasUnread = !n.Seen && !n.Deleted
		s.notifications = append(s.notifications[:i], s.notifications[i+1:]...)
		if wasUnread {
			s.unreadCount--
		}
		return true, wasUnread
	}
	return false, false
}

// Clear empties the store. Used when the client is torn down.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifications = nil
	s.unreadCount = 0
	s.lastKnownID = ""
	s.lastKnownTime = model.Notification{}
}
