package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/leafpulse/tracker/internal/model"
)

const (
	alertInsertSQL = `
INSERT INTO scraper_alerts (type, severity, title, message, data, delivered_to, acknowledged, created_at)
VALUES (@type, @severity, @title, @message, @data, @delivered_to, @acknowledged, NOW());
`

	lastAlertAtSQL = `
SELECT created_at FROM scraper_alerts
WHERE type = @type
ORDER BY created_at DESC
LIMIT 1;
`
)

// RecordAlert persists an operator-facing alert (spec §4.9).
func (s *Store) RecordAlert(ctx context.Context, alert model.ScraperAlert) error {
	data, err := encodeJSON(alert.Data)
	if err != nil {
		return err
	}
	args := pgx.NamedArgs{
		"type":         alert.Type,
		"severity":     string(alert.Severity),
		"title":        alert.Title,
		"message":      alert.Message,
		"data":         data,
		"delivered_to": alert.DeliveredTo,
		"acknowledged": alert.Acknowledged,
	}
	if _, err := s.conn().Exec(ctx, alertInsertSQL, args); err != nil {
		return fmt.Errorf("store: record alert: %w", err)
	}
	return nil
}

// LastAlertAt returns the most recent alert time for alertType, or nil if
// none have fired yet — used by the health monitor's per-type cooldown gate.
func (s *Store) LastAlertAt(ctx context.Context, alertType string) (*time.Time, error) {
	row := s.conn().QueryRow(ctx, lastAlertAtSQL, pgx.NamedArgs{"type": alertType})
	var at time.Time
	if err := row.Scan(&at); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: last alert at: %w", err)
	}
	return &at, nil
}
