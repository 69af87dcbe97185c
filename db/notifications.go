package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/cyverse-de/notification-hub/model"
	"github.com/pkg/errors"

	sq "github.com/Masterminds/squirrel"
)

// notificationColumns is the select list used by every query that returns
// full notification rows.
var notificationColumns = []string{
	"n.id",
	"t.name",
	"u.username",
	"n.sender",
	"n.subject",
	"n.description",
	"n.entity_type",
	"n.entity_id",
	"n.priority",
	"n.seen",
	"n.deleted",
	"n.time_created",
	"n.metadata",
}

// notificationSelect builds the base select statement for notification rows
// belonging to one user.
func notificationSelect(user string) sq.SelectBuilder {
	return sq.StatementBuilder.
		PlaceholderFormat(sq.Dollar).
		Select(notificationColumns...).
		From("notifications n").
		Join("notification_types t ON n.notification_type_id = t.id").
		Join("users u ON n.user_id = u.id").
		Where(sq.Eq{"u.username": user})
}

// rowScanner lets scanNotification work with both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanNotification reads one notification row into a model structure.
func scanNotification(row rowScanner) (*model.Notification, error) {
	var (
		n                                         model.Notification
		sender, description, entityType, entityID sql.NullString
		metadata                                  []byte
	)
	err := row.Scan(
		&n.ID,
		&n.NotificationType,
		&n.Recipient,
		&sender,
		&n.Subject,
		&description,
		&entityType,
		&entityID,
		&n.Priority,
		&n.Seen,
		&n.Deleted,
		&n.TimeCreated,
		&metadata,
	)
	if err != nil {
		return nil, err
	}
	n.Sender = sender.String
	n.Description = description.String
	n.EntityType = entityType.String
	n.EntityID = entityID.String
	n.Metadata = metadata
	return &n, nil
}

// listNotifications executes a select built by notificationSelect and
// collects the resulting rows.
func listNotifications(ctx context.Context, tx *sql.Tx, builder sq.SelectBuilder) ([]*model.Notification, error) {
	statement, args, err := builder.ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := tx.QueryContext(ctx, statement, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	notifications := make([]*model.Notification, 0)
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		notifications = append(notifications, n)
	}
	return notifications, rows.Err()
}

// CountUnreadNotifications counts the number of notifications for the user that haven't been marked as read.
func CountUnreadNotifications(ctx context.Context, tx *sql.Tx, user string) (int64, error) {
	wrapMsg := "unable to count unread notifications"
	var total int64

	// Build the statement to count the unread notifications.
	statement, args, err := sq.StatementBuilder.
		PlaceholderFormat(sq.Dollar).
		Select("count(*)").
		From("notifications n").
		Join("users u ON n.user_id = u.id").
		Where(sq.Eq{"u.username": user}).
		Where(sq.Eq{"n.deleted": false}).
		Where(sq.Eq{"n.seen": false}).
		ToSql()
	if err != nil {
		return 0, errors.Wrap(err, wrapMsg)
	}

	// Execute the statement.
	err = tx.QueryRowContext(ctx, statement, args...).Scan(&total)
	if err != nil {
		return 0, errors.Wrap(err, wrapMsg)
	}

	return total, nil
}

// SaveNotification saves a single notification into the database. The database
// assigns the notification ID, which is scanned back into the structure.
func SaveNotification(ctx context.Context, tx *sql.Tx, notification *model.Notification) error {
	wrapMsg := "unable to save notification"

	// Get the notification type ID.
	notificationTypeID, err := GetNotificationTypeID(ctx, tx, notification.NotificationType)
	if err != nil {
		return errors.Wrap(err, wrapMsg)
	}

	// Get the user ID.
	userID, err := GetUserID(ctx, tx, notification.Recipient)
	if err != nil {
		return errors.Wrap(err, wrapMsg)
	}

	// Build the statement to insert the notification.
	statement, args, err := sq.StatementBuilder.
		PlaceholderFormat(sq.Dollar).
		Insert("notifications").
		Columns(
			"notification_type_id",
			"user_id",
			"sender",
			"subject",
			"description",
			"entity_type",
			"entity_id",
			"priority",
			"seen",
			"deleted",
			"time_created",
			"metadata").
		Values(
			notificationTypeID,
			userID,
			notification.Sender,
			notification.Subject,
			notification.Description,
			notification.EntityType,
			notification.EntityID,
			notification.Priority,
			notification.Seen,
			notification.Deleted,
			notification.TimeCreated,
			[]byte(notification.Metadata)).
		Suffix("RETURNING id").
		ToSql()
	if err != nil {
		return errors.Wrap(err, wrapMsg)
	}

	// Execute the insert statement, scanning the ID into the notification structure.
	row := tx.QueryRowContext(ctx, statement, args...)
	err = row.Scan(&notification.ID)
	if err != nil {
		return errors.Wrap(err, wrapMsg)
	}

	return nil
}

// GetNotification looks up a single notification belonging to the user.
func GetNotification(ctx context.Context, tx *sql.Tx, user, id string) (*model.Notification, error) {
	wrapMsg := fmt.Sprintf("unable to look up notification `%s`", id)

	statement, args, err := notificationSelect(user).
		Where(sq.Eq{"n.id": id}).
		ToSql()
	if err != nil {
		return nil, errors.Wrap(err, wrapMsg)
	}

	notification, err := scanNotification(tx.QueryRowContext(ctx, statement, args...))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, wrapMsg)
	}

	return notification, nil
}

// ListNotifications returns one page of the user's live feed in the canonical
// order: time created descending with ties broken by ID descending. Archived
// notifications are excluded.
func ListNotifications(ctx context.Context, tx *sql.Tx, user string, offset, limit uint64) ([]*model.Notification, error) {
	wrapMsg := "unable to list notifications"

	builder := notificationSelect(user).
		Where(sq.Eq{"n.deleted": false}).
		OrderBy("n.time_created DESC", "n.id DESC").
		Offset(offset).
		Limit(limit)

	notifications, err := listNotifications(ctx, tx, builder)
	if err != nil {
		return nil, errors.Wrap(err, wrapMsg)
	}

	return notifications, nil
}

// ListNotificationsAfter returns every live notification for the user created
// strictly after the referenced notification, in ascending creation order.
// This is the recovery query used to fill the gap after a reconnect.
func ListNotificationsAfter(ctx context.Context, tx *sql.Tx, user, lastNotificationID string) ([]*model.Notification, error) {
	wrapMsg := fmt.Sprintf("unable to list notifications after `%s`", lastNotificationID)

	// Look up the creation time of the reference notification.
	statement, args, err := sq.StatementBuilder.
		PlaceholderFormat(sq.Dollar).
		Select("time_created").
		From("notifications").
		Where(sq.Eq{"id": lastNotificationID}).
		ToSql()
	if err != nil {
		return nil, errors.Wrap(err, wrapMsg)
	}
	var refTime time.Time
	err = tx.QueryRowContext(ctx, statement, args...).Scan(&refTime)
	if err != nil {
		return nil, errors.Wrap(err, wrapMsg)
	}

	// Select everything strictly after (time_created, id) of the reference.
	builder := notificationSelect(user).
		Where(sq.Eq{"n.deleted": false}).
		Where(sq.Or{
			sq.Gt{"n.time_created": refTime},
			sq.And{
				sq.Eq{"n.time_created": refTime},
				sq.Gt{"n.id": lastNotificationID},
			},
		}).
		OrderBy("n.time_created ASC", "n.id ASC")

	notifications, err := listNotifications(ctx, tx, builder)
	if err != nil {
		return nil, errors.Wrap(err, wrapMsg)
	}

	return notifications, nil
}

// MarkNotificationRead marks a single notification as read. The update is
// idempotent: marking an already-read notification affects no rows, and the
// returned flag tells the caller whether the unread count actually changed.
func MarkNotificationRead(ctx context.Context, tx *sql.Tx, user, id string) (bool, error) {
	wrapMsg := fmt.Sprintf("unable to mark notification `%s` as read", id)

	statement, args, err := sq.StatementBuilder.
		PlaceholderFormat(sq.Dollar).
		Update("notifications").
		Set("seen", true).
		Where(sq.Eq{"id": id}).
		Where(sq.Eq{"seen": false}).
		Where(sq.Eq{"deleted": false}).
		Where(sq.Expr("user_id = (SELECT id FROM users WHERE username = ?)", user)).
		ToSql()
	if err != nil {
		return false, errors.Wrap(err, wrapMsg)
	}

	result, err := tx.ExecContext(ctx, statement, args...)
	if err != nil {
		return false, errors.Wrap(err, wrapMsg)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, wrapMsg)
	}

	return rowsAffected > 0, nil
}

// MarkAllNotificationsRead marks every unread, unarchived notification for
// the user as read, returning the number of notifications affected.
func MarkAllNotificationsRead(ctx context.Context, tx *sql.Tx, user string) (int64, error) {
	wrapMsg := "unable to mark all notifications as read"

	statement, args, err := sq.StatementBuilder.
		PlaceholderFormat(sq.Dollar).
		Update("notifications").
		Set("seen", true).
		Where(sq.Eq{"seen": false}).
		Where(sq.Eq{"deleted": false}).
		Where(sq.Expr("user_id = (SELECT id FROM users WHERE username = ?)", user)).
		ToSql()
	if err != nil {
		return 0, errors.Wrap(err, wrapMsg)
	}

	result, err := tx.ExecContext(ctx, statement, args...)
	if err != nil {
		return 0, errors.Wrap(err, wrapMsg)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, wrapMsg)
	}

	return rowsAffected, nil
}

// ArchiveNotification removes a notification from the user's live feed. The
// row is retained for history. The wasUnread result indicates whether the
// archived notification still counted toward the unread total, so that the
// caller can adjust the count exactly once.
func ArchiveNotification(ctx context.Context, tx *sql.Tx, user, id string) (changed, wasUnread bool, err error) {
	wrapMsg := fmt.Sprintf("unable to archive notification `%s`", id)

	statement, args, err := sq.StatementBuilder.
		PlaceholderFormat(sq.Dollar).
		Update("notifications").
		Set("deleted", true).
		Where(sq.Eq{"id": id}).
		Where(sq.Eq{"deleted": false}).
		Where(sq.Expr("user_id = (SELECT id FROM users WHERE username = ?)", user)).
		Suffix("RETURNING seen").
		ToSql()
	if err != nil {
		return false, false, errors.Wrap(err, wrapMsg)
	}

	var seen bool
	err = tx.QueryRowContext(ctx, statement, args...).Scan(&seen)
	if err == sql.ErrNoRows {
		return false, false, nil
	}
	if err != nil {
		return false, false, errors.Wrap(err, wrapMsg)
	}

	return true, !seen, nil
}
