// Package model defines the canonical catalog and pipeline entities shared
// across the tracker's components.
package model

import "time"

// Address captures a retailer's physical location.
type Address struct {
	Street string
	City   string
	State  string
	Zip    string
	Lat    *float64
	Lng    *float64
}

// MenuSource identifies one scrapeable menu URL for a retailer.
type MenuSource struct {
	URL            string
	Platform       string
	LastScrapedAt  *time.Time
}

// Retailer is a dispensary location whose menu is tracked.
type Retailer struct {
	ID             string
	Name           string
	Slug           string
	LicenseNumber  string
	Address        Address
	Region         string
	IsActive       bool
	MenuSources    []MenuSource
}

// Brand is a cannabis product brand, deduplicated by normalized name.
type Brand struct {
	ID             string
	Name           string
	NormalizedName string
	Aliases        []string
	Category       string
	IsVerified     bool
	FirstSeenAt    time.Time
}

// WeightUnit enumerates the units a product weight can be expressed in.
type WeightUnit string

// Weight captures a parsed product weight.
type Weight struct {
	Amount float64
	Unit   WeightUnit
}

// Range captures a min/max cannabinoid percentage range.
type Range struct {
	Min float64
	Max float64
}

// Product is a catalog entry scoped to a single brand.
type Product struct {
	ID             string
	BrandID        string
	Name           string
	NormalizedName string
	Category       string
	Subcategory    string
	Strain         string
	Weight         *Weight
	THCRange       *Range
	CBDRange       *Range
	ImageURL       string
	IsActive       bool
	FirstSeenAt    time.Time
	LastSeenAt     time.Time
}

// QuantitySource records how an inventory quantity figure was obtained.
type QuantitySource string

// Recognized quantity sources, per §4.2.c of the spec.
const (
	QuantitySourceSSR            QuantitySource = "ssr"
	QuantitySourceInputMax       QuantitySource = "leafbridge_input_max"
	QuantitySourceTextPattern    QuantitySource = "text_pattern"
	QuantitySourceSoldOutClass   QuantitySource = "sold_out_class"
	QuantitySourceCartHack       QuantitySource = "cart_hack"
	QuantitySourceWarningText    QuantitySource = "warning_text"
	QuantitySourceInferred       QuantitySource = "inferred"
)

// MenuSnapshot is an append-only record of one scraped product observation.
type MenuSnapshot struct {
	ID              string
	RetailerID      string
	ProductID       string
	ScrapedAt       time.Time
	BatchID         string
	Price           float64
	OriginalPrice   *float64
	IsOnSale        bool
	DiscountPercent *float64
	InStock         bool
	Quantity        *int
	QuantityWarning string
	QuantitySource  QuantitySource
	SourceURL       string
	SourcePlatform  string
	RawProductName  string
	RawBrandName    string
	RawCategory     string
}

// QuantityHistoryEntry is one entry in CurrentInventory.QuantityHistory.
type QuantityHistoryEntry struct {
	Quantity  int
	Timestamp time.Time
	Source    QuantitySource
}

// CurrentInventory is the single row per (retailer, product) tracking the latest state.
type CurrentInventory struct {
	ID                string
	RetailerID        string
	BrandID           string
	ProductID         string
	CurrentPrice      float64
	PreviousPrice     *float64
	PriceChangedAt    *time.Time
	InStock           bool
	LastInStockAt     *time.Time
	OutOfStockSince   *time.Time
	Quantity          *int
	PreviousQuantity  *int
	QuantityWarning   string
	QuantitySource    QuantitySource
	LastQuantityAt    *time.Time
	QuantityHistory   []QuantityHistoryEntry
	DaysOnMenu        int
	LastUpdatedAt     time.Time
	LastSnapshotID    string
}

// MaxQuantityHistory bounds CurrentInventory.QuantityHistory per invariant §3.5.
const MaxQuantityHistory = 10

// PushQuantityHistory inserts entry at the head and truncates to MaxQuantityHistory.
func (ci *CurrentInventory) PushQuantityHistory(entry QuantityHistoryEntry) {
	ci.QuantityHistory = append([]QuantityHistoryEntry{entry}, ci.QuantityHistory...)
	if len(ci.QuantityHistory) > MaxQuantityHistory {
		ci.QuantityHistory = ci.QuantityHistory[:MaxQuantityHistory]
	}
}

// EventType enumerates the inventory transition kinds emitted by ingestion.
type EventType string

// Recognized event types, per §3 / §4.4.1 of the spec.
const (
	EventNewProduct     EventType = "new_product"
	EventRestock        EventType = "restock"
	EventSoldOut        EventType = "sold_out"
	EventPriceDrop      EventType = "price_drop"
	EventPriceIncrease  EventType = "price_increase"
	EventRemoved        EventType = "removed"
	EventLowStock       EventType = "low_stock"
	EventQuantityChange EventType = "quantity_change"
)

// InventoryEvent is an append-only transition record persisted by ingestion
// and consumed by the notification dispatcher.
type InventoryEvent struct {
	ID             string
	RetailerID     string
	ProductID      string
	BrandID        string
	EventType      EventType
	PreviousValue  map[string]any
	NewValue       map[string]any
	Metadata       map[string]any
	BatchID        string
	Timestamp      time.Time
	Notified       bool
	NotifiedAt     *time.Time
}

// ScrapeJobStatus enumerates terminal states for a ScrapeJob.
type ScrapeJobStatus string

// Recognized scrape job statuses.
const (
	ScrapeJobCompleted ScrapeJobStatus = "completed"
	ScrapeJobFailed    ScrapeJobStatus = "failed"
)

// ScrapeJob is an append-only audit record for one location's extraction attempt.
type ScrapeJob struct {
	ID             string
	RetailerID     string
	SourcePlatform string
	SourceURL      string
	BatchID        string
	Status         ScrapeJobStatus
	StartedAt      time.Time
	CompletedAt    time.Time
	ItemsScraped   int
	ItemsFailed    int
	ErrorMessage   string
	RetryCount     int
}

// DeadLetterEntry records a retailer-scoped failure that exhausted retries.
type DeadLetterEntry struct {
	ID              string
	RetailerID      string
	ErrorType       string
	ErrorMessage    string
	FirstAttemptAt  time.Time
	LastAttemptAt   time.Time
	Attempts        int
	ResolvedAt      *time.Time
}

// NotificationQueueStatus enumerates states for a NotificationQueueEntry.
type NotificationQueueStatus string

// Recognized notification queue statuses.
const (
	NotificationQueuePending   NotificationQueueStatus = "pending"
	NotificationQueueDelivered NotificationQueueStatus = "delivered"
	NotificationQueueFailed    NotificationQueueStatus = "failed"
)

// NotificationQueueEntry is a queued webhook delivery owned by the retry queue.
type NotificationQueueEntry struct {
	ID              string
	WebhookURL      string
	Payload         []byte
	EventIDs        []string
	NotificationType string
	AttemptNumber   int
	Status          NotificationQueueStatus
	CreatedAt       time.Time
	LastAttemptAt   time.Time
	NextRetryAt     time.Time
	DeliveredAt     *time.Time
	ErrorMessage    string
}

// AlertSeverity enumerates ScraperAlert severities.
type AlertSeverity string

// Recognized alert severities, per the health-monitor condition ladder in §4.9.
const (
	AlertSeverityMedium   AlertSeverity = "medium"
	AlertSeverityHigh     AlertSeverity = "high"
	AlertSeverityCritical AlertSeverity = "critical"
)

// ScraperAlert is an operator-facing alert emitted by the health monitor.
type ScraperAlert struct {
	ID             string
	Type           string
	Severity       AlertSeverity
	Title          string
	Message        string
	Data           map[string]any
	DeliveredTo    []string
	Acknowledged   bool
	AcknowledgedAt *time.Time
	CreatedAt      time.Time
}

// Watch is a subscriber's standing interest in a product.
type Watch struct {
	ID             string
	Email          string
	ProductID      string
	BrandID        string
	RetailerIDs    []string
	AlertTypes     []string
	WebhookURL     string
	IsActive       bool
	CreatedAt      time.Time
	LastNotifiedAt *time.Time
}

// ScrapedItem is the uniform record a platform extractor produces for one
// product observed on a menu page, consumed by the ingestion engine.
type ScrapedItem struct {
	RawProductName  string
	RawBrandName    string
	RawCategory     string
	Price           float64
	OriginalPrice   *float64
	InStock         bool
	Quantity        *int
	QuantityWarning string
	QuantitySource  QuantitySource
	THCFormatted    string
	CBDFormatted    string
	ImageURL        string
	SourceURL       string
	SourcePlatform  string
	ScrapedAt       time.Time
	ProductURL      string
}

// NormalizedProduct is the structured output of the Normalizer (§4.1).
type NormalizedProduct struct {
	Name       string
	Brand      string
	Category   string
	Strain     string
	THC        *float64
	CBD        *float64
	TAC        *float64
	Weight     *Weight
	Tags       []string
	Confidence float64
}

// RetailerResult is one retailer's extraction outcome within an ingestion batch.
type RetailerResult struct {
	RetailerID string
	Status     string
	Error      string
	Items      []ScrapedItem
}

// Batch is one atomic delivery of scraped results from the orchestrator to
// the ingestion engine, keyed by BatchID (§6).
type Batch struct {
	BatchID string
	Results []RetailerResult
}

// IngestSummary is the aggregate result returned for a processed batch.
type IngestSummary struct {
	BatchID            string
	TotalProcessed     int
	TotalFailed        int
	TotalEventsDetected int
	EventBreakdown     map[EventType]int
}
