package retryqueue_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/leafpulse/tracker/internal/model"
	"github.com/leafpulse/tracker/internal/notify/retryqueue"
	"github.com/leafpulse/tracker/internal/store/storetest"
)

func TestProcessRetriesDeliversAndMarksEventsNotified(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	fake := storetest.New()
	worker := retryqueue.NewWorker(fake)
	ctx := context.Background()

	eventID, err := fake.AppendInventoryEvent(ctx, model.InventoryEvent{EventType: model.EventRestock})
	require.NoError(t, err)

	require.NoError(t, worker.AddToQueue(ctx, model.NotificationQueueEntry{
		WebhookURL:    server.URL,
		Payload:       []byte(`{"content":"hi"}`),
		EventIDs:      []string{eventID},
		AttemptNumber: 1,
		NextRetryAt:   time.Now().Add(-time.Second).UTC(),
	}))

	delivered, retried, failed, err := worker.ProcessRetries(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, delivered)
	require.Equal(t, 0, retried)
	require.Equal(t, 0, failed)

	due, err := fake.ListDueNotifications(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, due)

	unnotified, err := fake.ListUnnotifiedEvents(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, unnotified)
}

func TestProcessRetriesReschedulesOnFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	fake := storetest.New()
	worker := retryqueue.NewWorker(fake)
	ctx := context.Background()

	require.NoError(t, worker.AddToQueue(ctx, model.NotificationQueueEntry{
		WebhookURL:    server.URL,
		Payload:       []byte(`{"content":"hi"}`),
		AttemptNumber: 1,
		NextRetryAt:   time.Now().Add(-time.Second).UTC(),
	}))

	delivered, retried, failed, err := worker.ProcessRetries(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, delivered)
	require.Equal(t, 1, retried)
	require.Equal(t, 0, failed)
}

func TestProcessRetriesMarksFailedAtMaxRetries(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	fake := storetest.New()
	worker := retryqueue.NewWorker(fake)
	ctx := context.Background()

	require.NoError(t, fake.EnqueueNotification(ctx, model.NotificationQueueEntry{
		WebhookURL:    server.URL,
		Payload:       []byte(`{"content":"hi"}`),
		AttemptNumber: 4,
		Status:        model.NotificationQueuePending,
		NextRetryAt:   time.Now().Add(-time.Second).UTC(),
	}))

	_, retried, failed, err := worker.ProcessRetries(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, retried)
	require.Equal(t, 1, failed)
}
