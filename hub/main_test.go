package hub

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/cyverse-de/notification-hub/model"
	"github.com/cyverse-de/notification-hub/protocol"
	"github.com/stretchr/testify/assert"
)

// MockSessionConn collects the envelopes written to one session.
type MockSessionConn struct {
	Envelopes chan *protocol.Envelope
	Closed    bool
}

// NewMockSessionConn creates a new mock session connection for testing.
func NewMockSessionConn() *MockSessionConn {
	return &MockSessionConn{Envelopes: make(chan *protocol.Envelope, 16)}
}

// WriteEnvelope simply stores the envelope for later inspection.
func (c *MockSessionConn) WriteEnvelope(envelope *protocol.Envelope) error {
	c.Envelopes <- envelope
	return nil
}

// Close records the fact that it was called.
func (c *MockSessionConn) Close() error {
	c.Closed = true
	return nil
}

// nextEnvelope waits briefly for the next envelope delivered to the mock.
func nextEnvelope(t *testing.T, conn *MockSessionConn) *protocol.Envelope {
	t.Helper()
	select {
	case envelope := <-conn.Envelopes:
		return envelope
	case <-time.After(time.Second):
		t.Fatal("no envelope was delivered within the timeout")
		return nil
	}
}

const testRecipient = "sarahr"

var notificationColumns = []string{
	"id", "name", "username", "sender", "subject", "description",
	"entity_type", "entity_id", "priority", "seen", "deleted", "time_created", "metadata",
}

// expectRegister sets up the expectations for one session registration.
func expectRegister(mock sqlmock.Sqlmock, unreadCount int64) {
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT count\\(\\*\\) FROM notifications n").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(unreadCount))
	mock.ExpectQuery("SELECT n.id, t.name, u.username").
		WillReturnRows(sqlmock.NewRows(notificationColumns))
	mock.ExpectCommit()
}

// registerSession registers and starts one mock session.
func registerSession(t *testing.T, h *Hub, mock sqlmock.Sqlmock, conn *MockSessionConn) *Session {
	t.Helper()
	expectRegister(mock, 0)
	session, _, _, err := h.Register(context.Background(), testRecipient, conn)
	if err != nil {
		t.Fatalf("unable to register a session: %s", err)
	}
	session.Start()
	return session
}

func TestPublishFansOutToEverySession(t *testing.T) {
	assert := assert.New(t)

	mockDB, mock, err := sqlmock.New()
	assert.NoError(err, "unable to open the mock database connection")
	defer mockDB.Close()

	h := New(mockDB)
	defer h.Close()

	// Register two live sessions for the same recipient.
	firstConn := NewMockSessionConn()
	secondConn := NewMockSessionConn()
	registerSession(t, h, mock, firstConn)
	registerSession(t, h, mock, secondConn)

	// Set up the expectations for persisting the notification.
	testID := "46ae63be-7030-4cdd-8eb9-66aa49fcf38b"
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id::text FROM notification_types WHERE name =").
		WithArgs("issue_created").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("7c2d9a40-0000-0000-0000-000000000001"))
	mock.ExpectQuery("SELECT id FROM users WHERE username =").
		WithArgs(testRecipient).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("7c2d9a40-0000-0000-0000-000000000002"))
	mock.ExpectQuery("INSERT INTO notifications").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(testID))
	mock.ExpectQuery("SELECT count\\(\\*\\) FROM notifications n").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(1)))
	mock.ExpectCommit()

	// Publish a notification for the recipient.
	notification := &model.Notification{
		NotificationType: "issue_created",
		Recipient:        testRecipient,
		Subject:          "some issue was created",
		Priority:         model.PriorityMedium,
		TimeCreated:      time.Now(),
	}
	err = h.Publish(context.Background(), notification)
	assert.NoError(err, "unexpected error returned by publish")
	assert.Equal(testID, notification.ID, "the persisted ID was not scanned back")

	// Each session receives exactly one push followed by the unread count.
	for _, conn := range []*MockSessionConn{firstConn, secondConn} {
		push := nextEnvelope(t, conn)
		assert.Equal(protocol.TypeNewNotification, push.Type)

		var delivered model.Notification
		assert.NoError(push.DecodePayload(&delivered))
		assert.Equal(testID, delivered.ID)

		count := nextEnvelope(t, conn)
		assert.Equal(protocol.TypeUnreadCount, count.Type)
		var unread protocol.UnreadCount
		assert.NoError(count.DecodePayload(&unread))
		assert.Equal(int64(1), unread.UnreadCount)
	}

	// Verify that all mock expectations were met.
	err = mock.ExpectationsWereMet()
	assert.NoError(err, "not all mock expectations were met")
}

func TestPublishFailurePreventsFanOut(t *testing.T) {
	assert := assert.New(t)

	mockDB, mock, err := sqlmock.New()
	assert.NoError(err, "unable to open the mock database connection")
	defer mockDB.Close()

	h := New(mockDB)
	defer h.Close()

	conn := NewMockSessionConn()
	registerSession(t, h, mock, conn)

	// The insert fails, so the transaction is rolled back.
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id::text FROM notification_types WHERE name =").
		WillReturnError(errors.New("the database is unavailable"))
	mock.ExpectRollback()

	notification := &model.Notification{
		NotificationType: "issue_created",
		Recipient:        testRecipient,
		Subject:          "some issue was created",
		TimeCreated:      time.Now(),
	}
	err = h.Publish(context.Background(), notification)
	assert.Error(err, "publish should fail when persistence fails")

	// Nothing may be fanned out for data that failed to persist.
	assert.Empty(conn.Envelopes, "no envelope should be delivered after a persistence failure")
}

func TestMutationBroadcastExcludesOrigin(t *testing.T) {
	assert := assert.New(t)

	mockDB, mock, err := sqlmock.New()
	assert.NoError(err, "unable to open the mock database connection")
	defer mockDB.Close()

	h := New(mockDB)
	defer h.Close()

	originConn := NewMockSessionConn()
	otherConn := NewMockSessionConn()
	origin := registerSession(t, h, mock, originConn)
	registerSession(t, h, mock, otherConn)

	// Set up the expectations for the mark-read mutation.
	testID := "46ae63be-7030-4cdd-8eb9-66aa49fcf38b"
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE notifications SET seen =").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT count\\(\\*\\) FROM notifications n").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(2)))
	mock.ExpectCommit()

	// Apply the mutation as if it arrived on the origin session.
	unreadCount, err := h.MarkRead(context.Background(), testRecipient, testID, origin.ConnectionID)
	assert.NoError(err, "unexpected error returned by mark-read")
	assert.Equal(int64(2), unreadCount)

	// The other session receives the sync event and the updated count.
	sync := nextEnvelope(t, otherConn)
	assert.Equal(protocol.TypeMarkedRead, sync.Type)
	var ref protocol.NotificationRef
	assert.NoError(sync.DecodePayload(&ref))
	assert.Equal(testID, ref.NotificationID)

	count := nextEnvelope(t, otherConn)
	assert.Equal(protocol.TypeUnreadCount, count.Type)

	// The origin session receives nothing.
	assert.Empty(originConn.Envelopes, "the origin session should not receive its own mutation")
}

func TestUnregisterLeavesOtherSessionsAlone(t *testing.T) {
	assert := assert.New(t)

	mockDB, mock, err := sqlmock.New()
	assert.NoError(err, "unable to open the mock database connection")
	defer mockDB.Close()

	h := New(mockDB)
	defer h.Close()

	closingConn := NewMockSessionConn()
	stayingConn := NewMockSessionConn()
	closing := registerSession(t, h, mock, closingConn)
	registerSession(t, h, mock, stayingConn)

	h.Unregister(closing)
	assert.True(closingConn.Closed, "the unregistered session's connection should be closed")
	assert.False(stayingConn.Closed, "the other session should be unaffected")
}
