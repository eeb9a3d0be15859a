package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/leafpulse/tracker/internal/model"
)

const (
	activeWatchesSelectSQL = `
SELECT id::text, email, COALESCE(product_id::text, ''), COALESCE(brand_id::text, ''),
       retailer_ids, alert_types, webhook_url, is_active, created_at, last_notified_at
FROM watches
WHERE is_active = TRUE;
`

	touchWatchNotifiedSQL = `
UPDATE watches SET last_notified_at = @at WHERE id = @id;
`

	notificationEnqueueSQL = `
INSERT INTO notification_queue (
    webhook_url, payload, event_ids, notification_type, attempt_number, status,
    created_at, next_retry_at
) VALUES (
    @webhook_url, @payload, @event_ids, @notification_type, @attempt_number, @status,
    NOW(), @next_retry_at
);
`

	dueNotificationsSelectSQL = `
SELECT id::text, webhook_url, payload, event_ids, notification_type, attempt_number, status,
       created_at, last_attempt_at, next_retry_at, delivered_at, error_message
FROM notification_queue
WHERE status = 'pending' AND next_retry_at <= NOW()
ORDER BY next_retry_at ASC
LIMIT @limit;
`

	notificationRetrySQL = `
UPDATE notification_queue
SET attempt_number = @attempt, next_retry_at = @next_retry_at, error_message = @error_message,
    last_attempt_at = NOW()
WHERE id = @id;
`

	notificationDeliveredSQL = `
UPDATE notification_queue
SET status = 'delivered', delivered_at = @delivered_at, last_attempt_at = @delivered_at
WHERE id = @id;
`

	notificationFailedSQL = `
UPDATE notification_queue
SET status = 'failed', error_message = @error_message, last_attempt_at = NOW()
WHERE id = @id;
`
)

// ListActiveWatches returns every enabled subscriber interest.
func (s *Store) ListActiveWatches(ctx context.Context) ([]model.Watch, error) {
	rows, err := s.conn().Query(ctx, activeWatchesSelectSQL, pgx.NamedArgs{})
	if err != nil {
		return nil, fmt.Errorf("store: list active watches: %w", err)
	}
	defer rows.Close()

	var out []model.Watch
	for rows.Next() {
		var w model.Watch
		if err := rows.Scan(
			&w.ID, &w.Email, &w.ProductID, &w.BrandID, &w.RetailerIDs, &w.AlertTypes,
			&w.WebhookURL, &w.IsActive, &w.CreatedAt, &w.LastNotifiedAt,
		); err != nil {
			return nil, fmt.Errorf("store: scan watch: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// TouchWatchNotified records the last time a watch triggered a delivery.
func (s *Store) TouchWatchNotified(ctx context.Context, watchID string, at time.Time) error {
	args := pgx.NamedArgs{"id": watchID, "at": at}
	if _, err := s.conn().Exec(ctx, touchWatchNotifiedSQL, args); err != nil {
		return fmt.Errorf("store: touch watch notified: %w", err)
	}
	return nil
}

// EnqueueNotification queues a webhook delivery for the retry queue (spec §4.7).
// A pending row for the same webhook URL is overwritten in place instead of
// a second row being inserted.
func (s *Store) EnqueueNotification(ctx context.Context, entry model.NotificationQueueEntry) error {
	args := pgx.NamedArgs{
		"webhook_url":       entry.WebhookURL,
		"payload":           entry.Payload,
		"event_ids":         entry.EventIDs,
		"notification_type": entry.NotificationType,
		"attempt_number":    entry.AttemptNumber,
		"status":            string(entry.Status),
		"next_retry_at":     entry.NextRetryAt,
	}
	tag, err := s.conn().Exec(ctx, `
UPDATE notification_queue
SET payload = @payload, event_ids = @event_ids, notification_type = @notification_type,
    attempt_number = @attempt_number, next_retry_at = @next_retry_at
WHERE webhook_url = @webhook_url AND status = 'pending';
`, args)
	if err != nil {
		return fmt.Errorf("store: collapse notification: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	if _, err := s.conn().Exec(ctx, notificationEnqueueSQL, args); err != nil {
		return fmt.Errorf("store: enqueue notification: %w", err)
	}
	return nil
}

// ListDueNotifications returns up to limit pending deliveries whose retry
// time has passed.
func (s *Store) ListDueNotifications(ctx context.Context, limit int) ([]model.NotificationQueueEntry, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.conn().Query(ctx, dueNotificationsSelectSQL, pgx.NamedArgs{"limit": limit})
	if err != nil {
		return nil, fmt.Errorf("store: list due notifications: %w", err)
	}
	defer rows.Close()

	var out []model.NotificationQueueEntry
	for rows.Next() {
		var (
			n      model.NotificationQueueEntry
			status string
		)
		if err := rows.Scan(
			&n.ID, &n.WebhookURL, &n.Payload, &n.EventIDs, &n.NotificationType, &n.AttemptNumber,
			&status, &n.CreatedAt, &n.LastAttemptAt, &n.NextRetryAt, &n.DeliveredAt, &n.ErrorMessage,
		); err != nil {
			return nil, fmt.Errorf("store: scan notification: %w", err)
		}
		n.Status = model.NotificationQueueStatus(status)
		out = append(out, n)
	}
	return out, rows.Err()
}

// UpdateNotificationRetry records a failed delivery attempt and schedules
// the next one.
func (s *Store) UpdateNotificationRetry(ctx context.Context, id string, attempt int, nextRetryAt time.Time, errMsg string) error {
	args := pgx.NamedArgs{"id": id, "attempt": attempt, "next_retry_at": nextRetryAt, "error_message": errMsg}
	if _, err := s.conn().Exec(ctx, notificationRetrySQL, args); err != nil {
		return fmt.Errorf("store: update notification retry: %w", err)
	}
	return nil
}

// MarkNotificationDelivered flags a queued notification as delivered.
func (s *Store) MarkNotificationDelivered(ctx context.Context, id string, eventIDs []string, deliveredAt time.Time) error {
	_ = eventIDs
	args := pgx.NamedArgs{"id": id, "delivered_at": deliveredAt}
	if _, err := s.conn().Exec(ctx, notificationDeliveredSQL, args); err != nil {
		return fmt.Errorf("store: mark notification delivered: %w", err)
	}
	return nil
}

// MarkNotificationFailed flags a queued notification as permanently failed
// after exhausting retries (spec §4.7's maxRetries ceiling).
func (s *Store) MarkNotificationFailed(ctx context.Context, id string, errMsg string) error {
	args := pgx.NamedArgs{"id": id, "error_message": errMsg}
	if _, err := s.conn().Exec(ctx, notificationFailedSQL, args); err != nil {
		return fmt.Errorf("store: mark notification failed: %w", err)
	}
	return nil
}
