// Package retryqueue implements the periodic webhook retry worker (spec
// §4.7): it re-delivers queued notification payloads that failed their
// first delivery attempt, backing off exponentially until success or
// exhaustion.
package retryqueue

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/leafpulse/tracker/internal/model"
	"github.com/leafpulse/tracker/internal/observability"
	"github.com/leafpulse/tracker/internal/store"
)

const (
	maxRetries  = 5
	baseDelay   = 5 * time.Second
	maxDelay    = 300 * time.Second
	multiplier  = 2.0
	fetchLimit  = 10
)

// Worker re-delivers queued notifications on a ticking schedule.
type Worker struct {
	store  store.Store
	client *http.Client
}

// NewWorker constructs a retry-queue worker over the given store.
func NewWorker(s store.Store) *Worker {
	return &Worker{store: s, client: &http.Client{Timeout: 10 * time.Second}}
}

// newBackoff builds the exponential backoff policy for one notification's
// retry schedule (spec §4.7's maxRetries/baseDelayMs/maxDelayMs/backoffMultiplier).
func newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = baseDelay
	b.MaxInterval = maxDelay
	b.Multiplier = multiplier
	// Spec §4.7 defines a deterministic schedule (no jitter term); the
	// library's default RandomizationFactor would otherwise jitter every
	// NextBackOff() call.
	b.RandomizationFactor = 0
	return b
}

// nextRetryDelay replays the exponential backoff policy forward to
// attemptNumber's step, since each notification's attempt count is
// persisted rather than held in a live in-memory policy object.
func nextRetryDelay(attemptNumber int) time.Duration {
	b := newBackoff()
	delay := baseDelay
	for i := 0; i < attemptNumber; i++ {
		delay = b.NextBackOff()
	}
	return delay
}

// ProcessRetries fetches up to fetchLimit due notifications and attempts
// redelivery for each, returning how many were delivered and how many were
// retried or marked permanently failed.
func (w *Worker) ProcessRetries(ctx context.Context) (delivered, retried, failed int, err error) {
	due, err := w.store.ListDueNotifications(ctx, fetchLimit)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("retryqueue: list due notifications: %w", err)
	}

	for _, entry := range due {
		if postErr := w.post(ctx, entry.WebhookURL, entry.Payload); postErr != nil {
			if entry.AttemptNumber+1 >= maxRetries {
				if markErr := w.store.MarkNotificationFailed(ctx, entry.ID, fmt.Sprintf("exhausted after %d attempts: %s", entry.AttemptNumber+1, postErr.Error())); markErr != nil {
					observability.Log().Error("retryqueue: mark failed error", observability.Field{Key: "id", Value: entry.ID}, observability.Field{Key: "error", Value: markErr.Error()})
				}
				failed++
				continue
			}
			nextAttempt := entry.AttemptNumber + 1
			nextAt := time.Now().Add(nextRetryDelay(nextAttempt)).UTC()
			if updateErr := w.store.UpdateNotificationRetry(ctx, entry.ID, nextAttempt, nextAt, postErr.Error()); updateErr != nil {
				observability.Log().Error("retryqueue: update retry error", observability.Field{Key: "id", Value: entry.ID}, observability.Field{Key: "error", Value: updateErr.Error()})
			}
			retried++
			continue
		}

		deliveredAt := time.Now().UTC()
		if markErr := w.store.MarkNotificationDelivered(ctx, entry.ID, entry.EventIDs, deliveredAt); markErr != nil {
			observability.Log().Error("retryqueue: mark delivered error", observability.Field{Key: "id", Value: entry.ID}, observability.Field{Key: "error", Value: markErr.Error()})
			continue
		}
		if len(entry.EventIDs) > 0 {
			if markErr := w.store.MarkEventsNotified(ctx, entry.EventIDs, deliveredAt); markErr != nil {
				observability.Log().Error("retryqueue: mark events notified error", observability.Field{Key: "id", Value: entry.ID}, observability.Field{Key: "error", Value: markErr.Error()})
			}
		}
		delivered++
	}
	return delivered, retried, failed, nil
}

// AddToQueue enqueues a payload for retry, collapsing into any existing
// pending row for the same webhook URL (spec §4.7's addToQueue).
func (w *Worker) AddToQueue(ctx context.Context, entry model.NotificationQueueEntry) error {
	if entry.Status == "" {
		entry.Status = model.NotificationQueuePending
	}
	if entry.NextRetryAt.IsZero() {
		entry.NextRetryAt = time.Now().Add(nextRetryDelay(entry.AttemptNumber)).UTC()
	}
	return w.store.EnqueueNotification(ctx, entry)
}

func (w *Worker) post(ctx context.Context, url string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("send webhook: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook status %d", resp.StatusCode)
	}
	return nil
}
