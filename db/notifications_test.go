package db

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
)

func TestCountUnreadNotifications(t *testing.T) {
	assert := assert.New(t)

	db, mock, err := sqlmock.New()
	ctx := context.Background()
	assert.NoError(err, "unable to open the mock database connection")
	defer db.Close()

	// Set up the expectations.
	mock.ExpectBegin()
	rows := sqlmock.NewRows([]string{"count"}).AddRow(int64(3))
	mock.ExpectQuery("SELECT count\\(\\*\\) FROM notifications n").
		WithArgs("sarahr", false, false).
		WillReturnRows(rows)
	mock.ExpectRollback()

	// Count the unread notifications.
	tx, err := db.Begin()
	assert.NoError(err, "unable to begin a transaction")
	total, err := CountUnreadNotifications(ctx, tx, "sarahr")
	assert.NoError(err, "unexpected error occurred while counting unread notifications")
	assert.Equal(int64(3), total)
	_ = tx.Rollback()

	// Verify that all mock expectations were met.
	err = mock.ExpectationsWereMet()
	assert.NoError(err, "not all mock expectations were met")
}

func TestMarkNotificationRead(t *testing.T) {
	assert := assert.New(t)

	db, mock, err := sqlmock.New()
	ctx := context.Background()
	assert.NoError(err, "unable to open the mock database connection")
	defer db.Close()

	testID := "46ae63be-7030-4cdd-8eb9-66aa49fcf38b"

	// The first update affects one row; repeating it affects none.
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE notifications SET seen =").
		WithArgs(true, testID, false, false, "sarahr").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE notifications SET seen =").
		WithArgs(true, testID, false, false, "sarahr").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	tx, err := db.Begin()
	assert.NoError(err, "unable to begin a transaction")

	changed, err := MarkNotificationRead(ctx, tx, "sarahr", testID)
	assert.NoError(err, "unexpected error occurred while marking the notification as read")
	assert.True(changed, "the first mark-read should change the notification")

	changed, err = MarkNotificationRead(ctx, tx, "sarahr", testID)
	assert.NoError(err, "unexpected error occurred while repeating the mark-read")
	assert.False(changed, "repeating a mark-read should not change anything")

	_ = tx.Rollback()

	// Verify that all mock expectations were met.
	err = mock.ExpectationsWereMet()
	assert.NoError(err, "not all mock expectations were met")
}

func TestArchiveNotification(t *testing.T) {
	assert := assert.New(t)

	db, mock, err := sqlmock.New()
	ctx := context.Background()
	assert.NoError(err, "unable to open the mock database connection")
	defer db.Close()

	testID := "46ae63be-7030-4cdd-8eb9-66aa49fcf38b"

	// Archiving an unread notification returns seen = false.
	mock.ExpectBegin()
	rows := sqlmock.NewRows([]string{"seen"}).AddRow(false)
	mock.ExpectQuery("UPDATE notifications SET deleted =").
		WithArgs(true, testID, false, "sarahr").
		WillReturnRows(rows)
	mock.ExpectRollback()

	tx, err := db.Begin()
	assert.NoError(err, "unable to begin a transaction")
	changed, wasUnread, err := ArchiveNotification(ctx, tx, "sarahr", testID)
	assert.NoError(err, "unexpected error occurred while archiving the notification")
	assert.True(changed, "the archive should change the notification")
	assert.True(wasUnread, "the archived notification should have been unread")
	_ = tx.Rollback()

	// Verify that all mock expectations were met.
	err = mock.ExpectationsWereMet()
	assert.NoError(err, "not all mock expectations were met")
}

func TestArchiveNotificationAlreadyArchived(t *testing.T) {
	assert := assert.New(t)

	db, mock, err := sqlmock.New()
	ctx := context.Background()
	assert.NoError(err, "unable to open the mock database connection")
	defer db.Close()

	testID := "46ae63be-7030-4cdd-8eb9-66aa49fcf38b"

	// Archiving an already-archived notification matches no rows.
	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE notifications SET deleted =").
		WithArgs(true, testID, false, "sarahr").
		WillReturnRows(sqlmock.NewRows([]string{"seen"}))
	mock.ExpectRollback()

	tx, err := db.Begin()
	assert.NoError(err, "unable to begin a transaction")
	changed, wasUnread, err := ArchiveNotification(ctx, tx, "sarahr", testID)
	assert.NoError(err, "an archive that matches nothing should not be an error")
	assert.False(changed, "an archive that matches nothing should report no change")
	assert.False(wasUnread, "an archive that matches nothing should not report an unread change")
	_ = tx.Rollback()

	// Verify that all mock expectations were met.
	err = mock.ExpectationsWereMet()
	assert.NoError(err, "not all mock expectations were met")
}

func TestListNotificationsAfter(t *testing.T) {
	assert := assert.New(t)

	db, mock, err := sqlmock.New()
	ctx := context.Background()
	assert.NoError(err, "unable to open the mock database connection")
	defer db.Close()

	refID := "11111111-1111-1111-1111-111111111111"
	newID := "22222222-2222-2222-2222-222222222222"
	refTime := time.Date(2025, time.July, 7, 17, 59, 59, 0, time.UTC)
	newTime := refTime.Add(time.Minute)

	// Set up the expectations: the reference lookup, then the gap query.
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT time_created FROM notifications WHERE id =").
		WithArgs(refID).
		WillReturnRows(sqlmock.NewRows([]string{"time_created"}).AddRow(refTime))
	rows := sqlmock.NewRows([]string{
		"id", "name", "username", "sender", "subject", "description",
		"entity_type", "entity_id", "priority", "seen", "deleted", "time_created", "metadata",
	}).AddRow(newID, "issue_created", "sarahr", "", "new issue", "", "issue", "42", "medium", false, false, newTime, nil)
	mock.ExpectQuery("SELECT n.id, t.name, u.username").
		WillReturnRows(rows)
	mock.ExpectRollback()

	// Run the recovery query.
	tx, err := db.Begin()
	assert.NoError(err, "unable to begin a transaction")
	notifications, err := ListNotificationsAfter(ctx, tx, "sarahr", refID)
	assert.NoError(err, "unexpected error occurred while running the recovery query")
	if assert.Len(notifications, 1) {
		assert.Equal(newID, notifications[0].ID)
		assert.Equal("issue_created", notifications[0].NotificationType)
		assert.Equal("sarahr", notifications[0].Recipient)
	}
	_ = tx.Rollback()

	// Verify that all mock expectations were met.
	err = mock.ExpectationsWereMet()
	assert.NoError(err, "not all mock expectations were met")
}
