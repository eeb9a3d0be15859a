// Package storetest provides an in-memory store.Store used by unit tests
// across the ingestion, notification, and health-monitor packages, so each
// of those suites can exercise real persistence semantics without a
// database.
package storetest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/leafpulse/tracker/internal/model"
	"github.com/leafpulse/tracker/internal/store"
)

// Store is a goroutine-safe, in-memory implementation of store.Store.
type Store struct {
	mu sync.Mutex

	seq int

	brandsByNormalized map[string]model.Brand
	productsByKey      map[string]model.Product // brandID + "/" + normalizedName
	productsByID       map[string]model.Product
	snapshots          []model.MenuSnapshot
	inventory          map[string]model.CurrentInventory // retailerID + "/" + productID
	events             []model.InventoryEvent
	retailers          map[string]model.Retailer
	scrapeJobs         []model.ScrapeJob
	deadLetters        []model.DeadLetterEntry
	watches            []model.Watch
	notifications      []model.NotificationQueueEntry
	alerts             []model.ScraperAlert
}

// New constructs an empty fake store.
func New() *Store {
	return &Store{
		brandsByNormalized: make(map[string]model.Brand),
		productsByKey:       make(map[string]model.Product),
		productsByID:        make(map[string]model.Product),
		inventory:           make(map[string]model.CurrentInventory),
		retailers:           make(map[string]model.Retailer),
	}
}

func (s *Store) nextID(prefix string) string {
	s.seq++
	return fmt.Sprintf("%s-%d", prefix, s.seq)
}

func normalizeKey(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}

// SeedRetailer inserts a retailer directly, bypassing the Store contract —
// tests use this since retailer provisioning is owned externally (spec §3).
func (s *Store) SeedRetailer(r model.Retailer) model.Retailer {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID == "" {
		s.seq++
		r.ID = fmt.Sprintf("retailer-%d", s.seq)
	}
	s.retailers[r.ID] = r
	return r
}

// UpsertBrand implements store.Store.
func (s *Store) UpsertBrand(_ context.Context, name string) (model.Brand, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	name = strings.TrimSpace(name)
	if name == "" {
		return model.Brand{}, fmt.Errorf("storetest: brand name required")
	}
	key := normalizeKey(name)
	if existing, ok := s.brandsByNormalized[key]; ok {
		return existing, nil
	}
	brand := model.Brand{
		ID:             s.nextID("brand"),
		Name:           name,
		NormalizedName: key,
		FirstSeenAt:    time.Now().UTC(),
	}
	s.brandsByNormalized[key] = brand
	return brand, nil
}

// UpsertProduct implements store.Store.
func (s *Store) UpsertProduct(_ context.Context, brandID string, normalized model.NormalizedProduct) (model.Product, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	normalizedName := normalizeKey(normalized.Name)
	key := brandID + "/" + normalizedName
	if existing, ok := s.productsByKey[key]; ok {
		existing.LastSeenAt = time.Now().UTC()
		existing.IsActive = true
		s.productsByKey[key] = existing
		s.productsByID[existing.ID] = existing
		return existing, false, nil
	}
	now := time.Now().UTC()
	product := model.Product{
		ID:             s.nextID("product"),
		BrandID:        brandID,
		Name:           normalized.Name,
		NormalizedName: normalizedName,
		Category:       normalized.Category,
		Strain:         normalized.Strain,
		Weight:         normalized.Weight,
		IsActive:       true,
		FirstSeenAt:    now,
		LastSeenAt:     now,
	}
	if normalized.THC != nil {
		product.THCRange = &model.Range{Min: *normalized.THC, Max: *normalized.THC}
	}
	if normalized.CBD != nil {
		product.CBDRange = &model.Range{Min: *normalized.CBD, Max: *normalized.CBD}
	}
	s.productsByKey[key] = product
	s.productsByID[product.ID] = product
	return product, true, nil
}

// GetBrand implements store.Store.
func (s *Store) GetBrand(_ context.Context, brandID string) (model.Brand, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.brandsByNormalized {
		if b.ID == brandID {
			return b, nil
		}
	}
	return model.Brand{}, fmt.Errorf("storetest: brand %s not found", brandID)
}

// GetProduct implements store.Store.
func (s *Store) GetProduct(_ context.Context, productID string) (model.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.productsByID[productID]
	if !ok {
		return model.Product{}, fmt.Errorf("storetest: product %s not found", productID)
	}
	return p, nil
}

// AppendSnapshot implements store.Store.
func (s *Store) AppendSnapshot(_ context.Context, snap model.MenuSnapshot) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap.ID = s.nextID("snapshot")
	s.snapshots = append(s.snapshots, snap)
	return snap.ID, nil
}

func inventoryKey(retailerID, productID string) string {
	return retailerID + "/" + productID
}

// GetCurrentInventory implements store.Store.
func (s *Store) GetCurrentInventory(_ context.Context, retailerID, productID string) (*model.CurrentInventory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.inventory[inventoryKey(retailerID, productID)]
	if !ok {
		return nil, nil
	}
	copied := inv
	copied.QuantityHistory = append([]model.QuantityHistoryEntry(nil), inv.QuantityHistory...)
	return &copied, nil
}

// UpsertCurrentInventory implements store.Store.
func (s *Store) UpsertCurrentInventory(_ context.Context, inv model.CurrentInventory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := inventoryKey(inv.RetailerID, inv.ProductID)
	if existing, ok := s.inventory[key]; ok && inv.ID == "" {
		inv.ID = existing.ID
	}
	if inv.ID == "" {
		inv.ID = s.nextID("inventory")
	}
	s.inventory[key] = inv
	return nil
}

// SweepRemoved implements store.Store.
func (s *Store) SweepRemoved(_ context.Context, retailerID string, seenProductIDs []string, staleBefore time.Time) ([]model.CurrentInventory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]bool, len(seenProductIDs))
	for _, id := range seenProductIDs {
		seen[id] = true
	}
	var out []model.CurrentInventory
	keys := make([]string, 0, len(s.inventory))
	for k := range s.inventory {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		inv := s.inventory[k]
		if inv.RetailerID != retailerID || !inv.InStock {
			continue
		}
		if seen[inv.ProductID] {
			continue
		}
		if !inv.LastUpdatedAt.Before(staleBefore) {
			continue
		}
		out = append(out, inv)
	}
	return out, nil
}

// AppendInventoryEvent implements store.Store.
func (s *Store) AppendInventoryEvent(_ context.Context, event model.InventoryEvent) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	event.ID = s.nextID("event")
	s.events = append(s.events, event)
	return event.ID, nil
}

// ListUnnotifiedEvents implements store.Store.
func (s *Store) ListUnnotifiedEvents(_ context.Context, limit int) ([]model.InventoryEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 50
	}
	var out []model.InventoryEvent
	for _, e := range s.events {
		if e.Notified {
			continue
		}
		out = append(out, e)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// MarkEventsNotified implements store.Store.
func (s *Store) MarkEventsNotified(_ context.Context, eventIDs []string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make(map[string]bool, len(eventIDs))
	for _, id := range eventIDs {
		ids[id] = true
	}
	for i, e := range s.events {
		if ids[e.ID] {
			s.events[i].Notified = true
			s.events[i].NotifiedAt = &at
		}
	}
	return nil
}

// GetRetailer implements store.Store.
func (s *Store) GetRetailer(_ context.Context, retailerID string) (model.Retailer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.retailers[retailerID]
	if !ok {
		return model.Retailer{}, fmt.Errorf("storetest: retailer %s not found", retailerID)
	}
	return r, nil
}

// ListActiveRetailers implements store.Store.
func (s *Store) ListActiveRetailers(_ context.Context) ([]model.Retailer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Retailer
	for _, r := range s.retailers {
		if r.IsActive {
			out = append(out, r)
		}
	}
	return out, nil
}

// ListStaleActiveRetailers implements store.Store.
func (s *Store) ListStaleActiveRetailers(_ context.Context, staleBefore time.Time) ([]model.Retailer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Retailer
	for _, r := range s.retailers {
		if !r.IsActive || len(r.MenuSources) == 0 {
			continue
		}
		last := r.MenuSources[0].LastScrapedAt
		if last == nil || last.Before(staleBefore) {
			out = append(out, r)
		}
	}
	return out, nil
}

// RecordScrapeJob implements store.Store.
func (s *Store) RecordScrapeJob(_ context.Context, job model.ScrapeJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job.ID = s.nextID("job")
	s.scrapeJobs = append(s.scrapeJobs, job)
	return nil
}

// CountScrapeJobsSince implements store.Store.
func (s *Store) CountScrapeJobsSince(_ context.Context, since time.Time) (int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	total, failed := 0, 0
	for _, j := range s.scrapeJobs {
		if j.StartedAt.Before(since) {
			continue
		}
		total++
		if j.Status == model.ScrapeJobFailed {
			failed++
		}
	}
	return total, failed, nil
}

// AppendDeadLetter implements store.Store.
func (s *Store) AppendDeadLetter(_ context.Context, entry model.DeadLetterEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry.ID = s.nextID("deadletter")
	s.deadLetters = append(s.deadLetters, entry)
	return nil
}

// CountUnresolvedDeadLettersSince implements store.Store.
func (s *Store) CountUnresolvedDeadLettersSince(_ context.Context, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, d := range s.deadLetters {
		if d.ResolvedAt == nil && !d.LastAttemptAt.Before(since) {
			count++
		}
	}
	return count, nil
}

// CountDeadLettersByTypeSince implements store.Store.
func (s *Store) CountDeadLettersByTypeSince(_ context.Context, errorType string, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, d := range s.deadLetters {
		if d.ErrorType == errorType && !d.LastAttemptAt.Before(since) {
			count++
		}
	}
	return count, nil
}

// ListActiveWatches implements store.Store.
func (s *Store) ListActiveWatches(_ context.Context) ([]model.Watch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Watch
	for _, w := range s.watches {
		if w.IsActive {
			out = append(out, w)
		}
	}
	return out, nil
}

// SeedWatch inserts a watch directly for test setup.
func (s *Store) SeedWatch(w model.Watch) model.Watch {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w.ID == "" {
		w.ID = s.nextID("watch")
	}
	s.watches = append(s.watches, w)
	return w
}

// TouchWatchNotified implements store.Store.
func (s *Store) TouchWatchNotified(_ context.Context, watchID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, w := range s.watches {
		if w.ID == watchID {
			s.watches[i].LastNotifiedAt = &at
		}
	}
	return nil
}

// EnqueueNotification implements store.Store.
func (s *Store) EnqueueNotification(_ context.Context, entry model.NotificationQueueEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, n := range s.notifications {
		if n.WebhookURL == entry.WebhookURL && n.Status == model.NotificationQueuePending {
			s.notifications[i] = entry
			s.notifications[i].ID = n.ID
			return nil
		}
	}
	entry.ID = s.nextID("notification")
	entry.CreatedAt = time.Now().UTC()
	s.notifications = append(s.notifications, entry)
	return nil
}

// ListDueNotifications implements store.Store.
func (s *Store) ListDueNotifications(_ context.Context, limit int) ([]model.NotificationQueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 10
	}
	now := time.Now().UTC()
	var out []model.NotificationQueueEntry
	for _, n := range s.notifications {
		if n.Status != model.NotificationQueuePending || n.NextRetryAt.After(now) {
			continue
		}
		out = append(out, n)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// UpdateNotificationRetry implements store.Store.
func (s *Store) UpdateNotificationRetry(_ context.Context, id string, attempt int, nextRetryAt time.Time, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, n := range s.notifications {
		if n.ID == id {
			s.notifications[i].AttemptNumber = attempt
			s.notifications[i].NextRetryAt = nextRetryAt
			s.notifications[i].ErrorMessage = errMsg
			s.notifications[i].LastAttemptAt = time.Now().UTC()
		}
	}
	return nil
}

// MarkNotificationDelivered implements store.Store.
func (s *Store) MarkNotificationDelivered(_ context.Context, id string, _ []string, deliveredAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, n := range s.notifications {
		if n.ID == id {
			s.notifications[i].Status = model.NotificationQueueDelivered
			s.notifications[i].DeliveredAt = &deliveredAt
		}
	}
	return nil
}

// MarkNotificationFailed implements store.Store.
func (s *Store) MarkNotificationFailed(_ context.Context, id string, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, n := range s.notifications {
		if n.ID == id {
			s.notifications[i].Status = model.NotificationQueueFailed
			s.notifications[i].ErrorMessage = errMsg
		}
	}
	return nil
}

// RecordAlert implements store.Store.
func (s *Store) RecordAlert(_ context.Context, alert model.ScraperAlert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	alert.ID = s.nextID("alert")
	alert.CreatedAt = time.Now().UTC()
	s.alerts = append(s.alerts, alert)
	return nil
}

// LastAlertAt implements store.Store.
func (s *Store) LastAlertAt(_ context.Context, alertType string) (*time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var last *time.Time
	for _, a := range s.alerts {
		if a.Type != alertType {
			continue
		}
		if last == nil || a.CreatedAt.After(*last) {
			at := a.CreatedAt
			last = &at
		}
	}
	return last, nil
}

// WithinRetailerProductTx implements store.Store. The fake store has no
// connection pool to borrow from, so it simply runs fn against itself,
// serialized by the store-wide mutex held only for the duration of each
// individual method call — adequate for single-goroutine-per-pair test use.
func (s *Store) WithinRetailerProductTx(ctx context.Context, _, _ string, fn func(ctx context.Context, tx store.Store) error) error {
	return fn(ctx, s)
}

// Events returns a snapshot of every recorded event, for test assertions.
func (s *Store) Events() []model.InventoryEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.InventoryEvent(nil), s.events...)
}

// ScrapeJobs returns a snapshot of every recorded scrape job, for test assertions.
func (s *Store) ScrapeJobs() []model.ScrapeJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.ScrapeJob(nil), s.scrapeJobs...)
}
