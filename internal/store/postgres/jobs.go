package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/leafpulse/tracker/internal/model"
)

const (
	scrapeJobInsertSQL = `
INSERT INTO scrape_jobs (
    retailer_id, source_platform, source_url, batch_id, status, started_at,
    completed_at, items_scraped, items_failed, error_message, retry_count
) VALUES (
    @retailer_id, @source_platform, @source_url, @batch_id, @status, @started_at,
    @completed_at, @items_scraped, @items_failed, @error_message, @retry_count
);
`

	scrapeJobCountsSQL = `
SELECT COUNT(*), COUNT(*) FILTER (WHERE status = 'failed')
FROM scrape_jobs
WHERE started_at >= @since;
`

	deadLetterInsertSQL = `
INSERT INTO dead_letter_queue (
    retailer_id, error_type, error_message, first_attempt_at, last_attempt_at, attempts, resolved_at
) VALUES (
    @retailer_id, @error_type, @error_message, @first_attempt_at, @last_attempt_at, @attempts, @resolved_at
);
`

	unresolvedDeadLettersCountSQL = `
SELECT COUNT(*) FROM dead_letter_queue
WHERE resolved_at IS NULL AND last_attempt_at >= @since;
`

	deadLettersByTypeCountSQL = `
SELECT COUNT(*) FROM dead_letter_queue
WHERE error_type = @error_type AND last_attempt_at >= @since;
`
)

// RecordScrapeJob appends an audit record for one location's extraction
// attempt (spec §4.10).
func (s *Store) RecordScrapeJob(ctx context.Context, job model.ScrapeJob) error {
	args := pgx.NamedArgs{
		"retailer_id":     job.RetailerID,
		"source_platform":  job.SourcePlatform,
		"source_url":       job.SourceURL,
		"batch_id":         job.BatchID,
		"status":           string(job.Status),
		"started_at":       job.StartedAt,
		"completed_at":     job.CompletedAt,
		"items_scraped":    job.ItemsScraped,
		"items_failed":     job.ItemsFailed,
		"error_message":    job.ErrorMessage,
		"retry_count":      job.RetryCount,
	}
	if _, err := s.conn().Exec(ctx, scrapeJobInsertSQL, args); err != nil {
		return fmt.Errorf("store: record scrape job: %w", err)
	}
	return nil
}

// CountScrapeJobsSince returns the total and failed job counts since the
// given time, for the health monitor's failure-rate condition (spec §4.9).
func (s *Store) CountScrapeJobsSince(ctx context.Context, since time.Time) (int, int, error) {
	row := s.conn().QueryRow(ctx, scrapeJobCountsSQL, pgx.NamedArgs{"since": since})
	var total, failed int
	if err := row.Scan(&total, &failed); err != nil {
		return 0, 0, fmt.Errorf("store: count scrape jobs: %w", err)
	}
	return total, failed, nil
}

// AppendDeadLetter records a retailer-scoped failure that exhausted retries.
func (s *Store) AppendDeadLetter(ctx context.Context, entry model.DeadLetterEntry) error {
	args := pgx.NamedArgs{
		"retailer_id":      entry.RetailerID,
		"error_type":       entry.ErrorType,
		"error_message":    entry.ErrorMessage,
		"first_attempt_at": entry.FirstAttemptAt,
		"last_attempt_at":  entry.LastAttemptAt,
		"attempts":         entry.Attempts,
		"resolved_at":      entry.ResolvedAt,
	}
	if _, err := s.conn().Exec(ctx, deadLetterInsertSQL, args); err != nil {
		return fmt.Errorf("store: append dead letter: %w", err)
	}
	return nil
}

// CountUnresolvedDeadLettersSince counts unresolved dead letters touched
// since the given time, for the health monitor's new-failures condition.
func (s *Store) CountUnresolvedDeadLettersSince(ctx context.Context, since time.Time) (int, error) {
	row := s.conn().QueryRow(ctx, unresolvedDeadLettersCountSQL, pgx.NamedArgs{"since": since})
	var count int
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("store: count unresolved dead letters: %w", err)
	}
	return count, nil
}

// CountDeadLettersByTypeSince counts dead letters of a specific error type
// since the given time, for the health monitor's rate-limit-spike condition.
func (s *Store) CountDeadLettersByTypeSince(ctx context.Context, errorType string, since time.Time) (int, error) {
	row := s.conn().QueryRow(ctx, deadLettersByTypeCountSQL, pgx.NamedArgs{"error_type": errorType, "since": since})
	var count int
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("store: count dead letters by type: %w", err)
	}
	return count, nil
}
