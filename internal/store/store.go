// Package store defines the persistence contract every §3 entity flows
// through. Concrete implementations live in subpackages (e.g. postgres).
package store

import (
	"context"
	"time"

	"github.com/leafpulse/tracker/internal/model"
)

// Store is the full persistence surface the ingestion engine, notification
// dispatcher, health monitor, and orchestrator depend on.
type Store interface {
	// Catalog

	UpsertBrand(ctx context.Context, name string) (model.Brand, error)
	UpsertProduct(ctx context.Context, brandID string, normalized model.NormalizedProduct) (product model.Product, isNew bool, err error)
	GetBrand(ctx context.Context, brandID string) (model.Brand, error)
	GetProduct(ctx context.Context, productID string) (model.Product, error)

	// Snapshots and current inventory

	AppendSnapshot(ctx context.Context, snapshot model.MenuSnapshot) (id string, err error)
	GetCurrentInventory(ctx context.Context, retailerID, productID string) (*model.CurrentInventory, error)
	UpsertCurrentInventory(ctx context.Context, inv model.CurrentInventory) error
	SweepRemoved(ctx context.Context, retailerID string, seenProductIDs []string, staleBefore time.Time) ([]model.CurrentInventory, error)

	// Events

	AppendInventoryEvent(ctx context.Context, event model.InventoryEvent) (id string, err error)
	ListUnnotifiedEvents(ctx context.Context, limit int) ([]model.InventoryEvent, error)
	MarkEventsNotified(ctx context.Context, eventIDs []string, at time.Time) error

	// Retailers

	GetRetailer(ctx context.Context, retailerID string) (model.Retailer, error)
	ListActiveRetailers(ctx context.Context) ([]model.Retailer, error)
	ListStaleActiveRetailers(ctx context.Context, staleBefore time.Time) ([]model.Retailer, error)

	// Scrape jobs and dead letters

	RecordScrapeJob(ctx context.Context, job model.ScrapeJob) error
	CountScrapeJobsSince(ctx context.Context, since time.Time) (total, failed int, err error)
	AppendDeadLetter(ctx context.Context, entry model.DeadLetterEntry) error
	CountUnresolvedDeadLettersSince(ctx context.Context, since time.Time) (int, error)
	CountDeadLettersByTypeSince(ctx context.Context, errorType string, since time.Time) (int, error)

	// Watches and notification queue

	ListActiveWatches(ctx context.Context) ([]model.Watch, error)
	TouchWatchNotified(ctx context.Context, watchID string, at time.Time) error
	EnqueueNotification(ctx context.Context, entry model.NotificationQueueEntry) error
	ListDueNotifications(ctx context.Context, limit int) ([]model.NotificationQueueEntry, error)
	UpdateNotificationRetry(ctx context.Context, id string, attempt int, nextRetryAt time.Time, errMsg string) error
	MarkNotificationDelivered(ctx context.Context, id string, eventIDs []string, deliveredAt time.Time) error
	MarkNotificationFailed(ctx context.Context, id string, errMsg string) error

	// Alerts

	RecordAlert(ctx context.Context, alert model.ScraperAlert) error
	LastAlertAt(ctx context.Context, alertType string) (*time.Time, error)

	// WithinRetailerProductTx serializes reads/writes for one (retailer,
	// product) pair within fn, per spec §4.4's per-pair transaction
	// requirement. Implementations over a single shared connection may
	// simply run fn directly under a DB transaction.
	WithinRetailerProductTx(ctx context.Context, retailerID, productID string, fn func(ctx context.Context, tx Store) error) error
}
