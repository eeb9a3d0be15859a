// Package notify implements the notification dispatcher (spec §4.6): it
// reads unnotified inventory events, matches each to subscribed watches,
// renders a webhook payload, and either marks the event notified or hands
// the payload to the retry queue.
package notify

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	json "github.com/goccy/go-json"

	"github.com/leafpulse/tracker/internal/model"
	"github.com/leafpulse/tracker/internal/observability"
	"github.com/leafpulse/tracker/internal/store"
)

// defaultMaxEvents bounds how many unnotified events one dispatch tick
// considers (spec §4.6: "default 50").
const defaultMaxEvents = 50

// Result summarizes one dispatch tick.
type Result struct {
	Processed       int
	AlertsSent      int
	WatchesNotified int
}

// Dispatcher delivers alertable inventory events to subscribed watches.
type Dispatcher struct {
	store             store.Store
	client            *http.Client
	defaultWebhookURL string
	maxEvents         int
}

// NewDispatcher constructs a dispatcher. defaultWebhookURL is used when a
// watch has no webhookUrl of its own.
func NewDispatcher(s store.Store, defaultWebhookURL string) *Dispatcher {
	return &Dispatcher{
		store:             s,
		client:            &http.Client{Timeout: 10 * time.Second},
		defaultWebhookURL: defaultWebhookURL,
		maxEvents:         defaultMaxEvents,
	}
}

// Run processes up to maxEvents unnotified events in insertion order.
func (d *Dispatcher) Run(ctx context.Context) (Result, error) {
	events, err := d.store.ListUnnotifiedEvents(ctx, d.maxEvents)
	if err != nil {
		return Result{}, fmt.Errorf("notify: list unnotified events: %w", err)
	}

	watches, err := d.store.ListActiveWatches(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("notify: list active watches: %w", err)
	}

	var result Result
	var notifiedEventIDs []string

	for _, event := range events {
		result.Processed++
		if !alertableEventTypes[event.EventType] || event.ProductID == "" {
			continue
		}

		delivered := d.fanOut(ctx, event, watches, &result)
		if delivered {
			notifiedEventIDs = append(notifiedEventIDs, event.ID)
		}
	}

	if len(notifiedEventIDs) > 0 {
		if err := d.store.MarkEventsNotified(ctx, notifiedEventIDs, time.Now().UTC()); err != nil {
			return result, fmt.Errorf("notify: mark events notified: %w", err)
		}
	}
	return result, nil
}

// fanOut delivers one event to every matching watch. It reports whether at
// least one delivery succeeded, since an event is marked notified as soon
// as any watcher receives it (undelivered watchers keep their own retry-queue entry).
func (d *Dispatcher) fanOut(ctx context.Context, event model.InventoryEvent, watches []model.Watch, result *Result) bool {
	var product model.Product
	var brand model.Brand
	var retailer model.Retailer
	var loaded bool

	delivered := false
	for _, watch := range watches {
		if watch.ProductID != event.ProductID || !watcherMatches(watch, event) {
			continue
		}

		if !loaded {
			var err error
			product, err = d.store.GetProduct(ctx, event.ProductID)
			if err != nil {
				observability.Log().Error("notify: load product failed",
					observability.Field{Key: "product_id", Value: event.ProductID},
					observability.Field{Key: "error", Value: err.Error()},
				)
				return false
			}
			brand, err = d.store.GetBrand(ctx, event.BrandID)
			if err != nil {
				observability.Log().Error("notify: load brand failed",
					observability.Field{Key: "brand_id", Value: event.BrandID},
					observability.Field{Key: "error", Value: err.Error()},
				)
				return false
			}
			retailer, err = d.store.GetRetailer(ctx, event.RetailerID)
			if err != nil {
				observability.Log().Error("notify: load retailer failed",
					observability.Field{Key: "retailer_id", Value: event.RetailerID},
					observability.Field{Key: "error", Value: err.Error()},
				)
				return false
			}
			loaded = true
		}

		result.AlertsSent++
		if d.deliverToWatch(ctx, event, product, brand, retailer, watch) {
			result.WatchesNotified++
			delivered = true
		}
	}
	return delivered
}

func (d *Dispatcher) deliverToWatch(ctx context.Context, event model.InventoryEvent, product model.Product, brand model.Brand, retailer model.Retailer, watch model.Watch) bool {
	payload := buildMessage(event, product, brand, retailer, watch.Email)
	body, err := json.Marshal(payload)
	if err != nil {
		observability.Log().Error("notify: marshal payload failed", observability.Field{Key: "error", Value: err.Error()})
		return false
	}

	webhookURL := watch.WebhookURL
	if webhookURL == "" {
		webhookURL = d.defaultWebhookURL
	}
	if webhookURL == "" {
		observability.Log().Error("notify: no webhook url for watch", observability.Field{Key: "watch_id", Value: watch.ID})
		return false
	}

	if err := d.post(ctx, webhookURL, body); err != nil {
		observability.Log().Error("notify: delivery failed",
			observability.Field{Key: "watch_id", Value: watch.ID},
			observability.Field{Key: "error", Value: err.Error()},
		)
		if enqueueErr := d.store.EnqueueNotification(ctx, model.NotificationQueueEntry{
			WebhookURL:        webhookURL,
			Payload:           body,
			EventIDs:          []string{event.ID},
			NotificationType:  alertTypeCode(event.EventType),
			AttemptNumber:     1,
			Status:            model.NotificationQueuePending,
			NextRetryAt:       time.Now().UTC(),
			ErrorMessage:      err.Error(),
		}); enqueueErr != nil {
			observability.Log().Error("notify: enqueue retry failed", observability.Field{Key: "error", Value: enqueueErr.Error()})
		}
		return false
	}

	if err := d.store.TouchWatchNotified(ctx, watch.ID, time.Now().UTC()); err != nil {
		observability.Log().Error("notify: touch watch failed", observability.Field{Key: "watch_id", Value: watch.ID}, observability.Field{Key: "error", Value: err.Error()})
	}
	return true
}

func (d *Dispatcher) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
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
