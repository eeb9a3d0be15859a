package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/leafpulse/tracker/internal/model"
)

const (
	eventInsertSQL = `
INSERT INTO inventory_events (
    retailer_id, product_id, brand_id, event_type, previous_value, new_value,
    metadata, batch_id, timestamp, notified
) VALUES (
    @retailer_id, @product_id, @brand_id, @event_type, @previous_value, @new_value,
    @metadata, @batch_id, @timestamp, FALSE
)
RETURNING id::text;
`

	unnotifiedEventsSelectSQL = `
SELECT id::text, retailer_id::text, product_id::text, brand_id::text, event_type,
       previous_value, new_value, metadata, batch_id, timestamp, notified, notified_at
FROM inventory_events
WHERE notified = FALSE
ORDER BY timestamp ASC
LIMIT @limit;
`

	markEventsNotifiedSQL = `
UPDATE inventory_events SET notified = TRUE, notified_at = @at
WHERE id = ANY(@ids);
`
)

// AppendInventoryEvent appends an immutable transition record.
func (s *Store) AppendInventoryEvent(ctx context.Context, event model.InventoryEvent) (string, error) {
	prev, err := encodeJSON(event.PreviousValue)
	if err != nil {
		return "", err
	}
	next, err := encodeJSON(event.NewValue)
	if err != nil {
		return "", err
	}
	meta, err := encodeJSON(event.Metadata)
	if err != nil {
		return "", err
	}
	args := pgx.NamedArgs{
		"retailer_id":    event.RetailerID,
		"product_id":     event.ProductID,
		"brand_id":       event.BrandID,
		"event_type":     string(event.EventType),
		"previous_value": prev,
		"new_value":      next,
		"metadata":       meta,
		"batch_id":       event.BatchID,
		"timestamp":      event.Timestamp,
	}
	row := s.conn().QueryRow(ctx, eventInsertSQL, args)
	var id string
	if err := row.Scan(&id); err != nil {
		return "", fmt.Errorf("store: append inventory event: %w", err)
	}
	return id, nil
}

// ListUnnotifiedEvents returns up to limit events awaiting delivery, oldest
// first (spec §4.6's per-tick notification batch).
func (s *Store) ListUnnotifiedEvents(ctx context.Context, limit int) ([]model.InventoryEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.conn().Query(ctx, unnotifiedEventsSelectSQL, pgx.NamedArgs{"limit": limit})
	if err != nil {
		return nil, fmt.Errorf("store: list unnotified events: %w", err)
	}
	defer rows.Close()

	var out []model.InventoryEvent
	for rows.Next() {
		var (
			e                          model.InventoryEvent
			prevRaw, nextRaw, metaRaw  []byte
			eventType                  string
		)
		if err := rows.Scan(
			&e.ID, &e.RetailerID, &e.ProductID, &e.BrandID, &eventType,
			&prevRaw, &nextRaw, &metaRaw, &e.BatchID, &e.Timestamp, &e.Notified, &e.NotifiedAt,
		); err != nil {
			return nil, fmt.Errorf("store: scan inventory event: %w", err)
		}
		e.EventType = model.EventType(eventType)
		if e.PreviousValue, err = decodeJSONMap(prevRaw); err != nil {
			return nil, err
		}
		if e.NewValue, err = decodeJSONMap(nextRaw); err != nil {
			return nil, err
		}
		if e.Metadata, err = decodeJSONMap(metaRaw); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate inventory events: %w", err)
	}
	return out, nil
}

// MarkEventsNotified flags the given events delivered as of at.
func (s *Store) MarkEventsNotified(ctx context.Context, eventIDs []string, at time.Time) error {
	if len(eventIDs) == 0 {
		return nil
	}
	args := pgx.NamedArgs{"ids": eventIDs, "at": at}
	if _, err := s.conn().Exec(ctx, markEventsNotifiedSQL, args); err != nil {
		return fmt.Errorf("store: mark events notified: %w", err)
	}
	return nil
}
