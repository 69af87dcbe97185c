package client

import (
	"fmt"
	"testing"
	"time"

	"github.com/cyverse-de/notification-hub/model"
	"github.com/stretchr/testify/assert"
)

// testNotification builds a notification with a creation time offset by the
// given number of minutes.
func testNotification(id string, minute int, seen bool) *model.Notification {
	return &model.Notification{
		ID:               id,
		NotificationType: "issue_created",
		Recipient:        "sarahr",
		Subject:          fmt.Sprintf("notification %s", id),
		Priority:         model.PriorityMedium,
		Seen:             seen,
		TimeCreated:      time.Date(2025, time.July, 7, 17, 0, 0, 0, time.UTC).Add(time.Duration(minute) * time.Minute),
	}
}

// assertCanonicalOrder verifies that a feed is free of duplicate IDs and
// sorted by (createdAt desc, id desc).
func assertCanonicalOrder(t *testing.T, feed []*model.Notification) {
	t.Helper()
	seen := make(map[string]bool)
	for i, n := range feed {
		if seen[n.ID] {
			t.Errorf("duplicate notification ID in the feed: %s", n.ID)
		}
		seen[n.ID] = true
		if i > 0 && !feed[i-1].Newer(n) {
			t.Errorf("feed out of order at position %d: %s before %s", i, feed[i-1].ID, n.ID)
		}
	}
}

func TestInsertKeepsCanonicalOrder(t *testing.T) {
	assert := assert.New(t)
	store := NewStore(10)

	// Insert out of order, with one replayed push.
	store.Insert(testNotification("b", 2, false))
	store.Insert(testNotification("a", 1, false))
	store.Insert(testNotification("d", 4, false))
	store.Insert(testNotification("c", 3, false))
	store.Insert(testNotification("b", 2, false))

	feed := store.Notifications()
	assert.Len(feed, 4, "the replayed push should have been deduplicated")
	assertCanonicalOrder(t, feed)
	assert.Equal("d", feed[0].ID, "the newest notification should be first")
	assert.Equal(int64(4), store.UnreadCount(), "the replayed push should not count twice")
}

func TestInsertBreaksTiesByID(t *testing.T) {
	assert := assert.New(t)
	store := NewStore(10)

	// Two notifications created in the same instant sort by ID descending.
	store.Insert(testNotification("a", 1, false))
	store.Insert(testNotification("b", 1, false))

	feed := store.Notifications()
	assert.Equal("b", feed[0].ID)
	assert.Equal("a", feed[1].ID)
}

func TestInsertTrimsTheWindow(t *testing.T) {
	assert := assert.New(t)
	store := NewStore(3)

	for i := 1; i <= 5; i++ {
		store.Insert(testNotification(fmt.Sprintf("n%d", i), i, false))
	}

	feed := store.Notifications()
	assert.Len(feed, 3, "the window should be bounded")
	assert.Equal("n5", feed[0].ID, "the newest notifications should be retained")
	assert.Equal("n5", store.LastKnownID(), "the high-water mark should track the newest observed")
}

func TestReplaceFeedMakesServerCountAuthoritative(t *testing.T) {
	assert := assert.New(t)
	store := NewStore(10)

	// Locally tracked state that has drifted.
	store.Insert(testNotification("a", 1, false))
	store.Insert(testNotification("b", 2, false))
	assert.Equal(int64(2), store.UnreadCount())

	// The authenticate response replaces everything.
	store.ReplaceFeed([]*model.Notification{
		testNotification("c", 3, false),
		testNotification("b", 2, false),
	}, 7)

	assert.Equal(int64(7), store.UnreadCount(), "the server-reported count is authoritative")
	feed := store.Notifications()
	assert.Len(feed, 2)
	assertCanonicalOrder(t, feed)
}

func TestMergeRecoveredDeduplicatesAndKeepsOrder(t *testing.T) {
	assert := assert.New(t)
	store := NewStore(10)

	store.ReplaceFeed([]*model.Notification{
		testNotification("b", 2, false),
		testNotification("a", 1, false),
	}, 2)

	// The recovery batch overlaps a notification that also arrived live.
	merged := store.MergeRecovered([]*model.Notification{
		testNotification("b", 2, false),
		testNotification("c", 3, false),
		testNotification("d", 4, false),
	})

	assert.Equal(2, merged, "only the genuinely new notifications should merge")
	feed := store.Notifications()
	assert.Len(feed, 4)
	assertCanonicalOrder(t, feed)
	assert.Equal(int64(2), store.UnreadCount(), "a recovery merge should not touch the unread count")
}

func TestMarkReadIsIdempotent(t *testing.T) {
	assert := assert.New(t)
	store := NewStore(10)

	store.Insert(testNotification("a", 1, false))
	assert.Equal(int64(1), store.UnreadCount())

	found, changed := store.MarkRead("a")
	assert.True(found)
	assert.True(changed)
	assert.Equal(int64(0), store.UnreadCount())

	found, changed = store.MarkRead("a")
	assert.True(found)
	assert.False(changed, "marking an already-read notification should change nothing")
	assert.Equal(int64(0), store.UnreadCount(), "the unread count should change by at most one in total")
}

func TestMarkAllRead(t *testing.T) {
	assert := assert.New(t)
	store := NewStore(10)

	store.Insert(testNotification("a", 1, false))
	store.Insert(testNotification("b", 2, false))
	store.Insert(testNotification("c", 3, false))
	assert.Equal(int64(3), store.UnreadCount())

	changed := store.MarkAllRead()
	assert.Equal(3, changed)
	assert.Equal(int64(0), store.UnreadCount())
	for _, n := range store.Notifications() {
		assert.True(n.Seen, "every notification should be read")
	}
}

func TestArchiveAdjustsTheCountExactlyOnce(t *testing.T) {
	assert := assert.New(t)
	store := NewStore(10)

	store.Insert(testNotification("unread", 1, false))
	store.Insert(testNotification("read", 2, true))
	assert.Equal(int64(1), store.UnreadCount())

	// Archiving an unread notification decrements the count exactly once.
	found, wasUnread := store.Archive("unread")
	assert.True(found)
	assert.True(wasUnread)
	assert.Equal(int64(0), store.UnreadCount())

	// Archiving a read notification leaves the count alone.
	found, wasUnread = store.Archive("read")
	assert.True(found)
	assert.False(wasUnread)
	assert.Equal(int64(0), store.UnreadCount())

	assert.Zero(store.Len(), "archived notifications leave the visible feed")
}
