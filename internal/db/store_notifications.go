package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/openlend/circ/internal/models"
)

// CreateNotificationLog records a pending notification delivery.
func (db *DB) CreateNotificationLog(ctx context.Context, log *models.NotificationLog) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO notification_logs (id, event_type, patron_id, pool_id,
			subject, status, error, created_at, sent_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, log.ID, log.EventType, log.PatronID, log.PoolID, log.Subject,
		log.Status, log.Error, log.CreatedAt, log.SentAt)
	if err != nil {
		return fmt.Errorf("create notification log: %w", err)
	}
	return nil
}

// UpdateNotificationLog persists the delivery outcome.
func (db *DB) UpdateNotificationLog(ctx context.Context, log *models.NotificationLog) error {
	_, err := db.Pool.Exec(ctx, `
		UPDATE notification_logs
		SET status = $2, error = $3, sent_at = $4
		WHERE id = $1
	`, log.ID, log.Status, log.Error, log.SentAt)
	if err != nil {
		return fmt.Errorf("update notification log: %w", err)
	}
	return nil
}

// HasNotificationSince reports whether an event of this type was already
// recorded for the patron/pool pair after the cutoff. Used to avoid
// re-sending the same warning on every expiry pass.
func (db *DB) HasNotificationSince(ctx context.Context, eventType models.NotificationEventType, patronID, poolID uuid.UUID, since time.Time) (bool, error) {
	var exists bool
	err := db.Pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM notification_logs
			WHERE event_type = $1 AND patron_id = $2 AND pool_id = $3
			  AND created_at >= $4
			  AND status <> 'failed'
		)
	`, eventType, patronID, poolID, since).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check notification log: %w", err)
	}
	return exists, nil
}

// ListNotificationLogsByPatron returns a patron's notification history,
// newest first.
func (db *DB) ListNotificationLogsByPatron(ctx context.Context, patronID uuid.UUID, limit int) ([]*models.NotificationLog, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id, event_type, patron_id, pool_id, subject, status, error, created_at, sent_at
		FROM notification_logs
		WHERE patron_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, patronID, limit)
	if err != nil {
		return nil, fmt.Errorf("list notification logs: %w", err)
	}
	defer rows.Close()

	var logs []*models.NotificationLog
	for rows.Next() {
		var n models.NotificationLog
		err := rows.Scan(&n.ID, &n.EventType, &n.PatronID, &n.PoolID,
			&n.Subject, &n.Status, &n.Error, &n.CreatedAt, &n.SentAt)
		if err != nil {
			return nil, fmt.Errorf("scan notification log: %w", err)
		}
		logs = append(logs, &n)
	}
	return logs, rows.Err()
}
