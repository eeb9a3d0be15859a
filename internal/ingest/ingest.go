// Package ingest implements the ingestion and delta-detection engine (spec
// §4.4): it consumes a scraped batch, normalizes each item, upserts catalog
// rows, appends snapshots, and emits InventoryEvents for every state
// transition observed against CurrentInventory.
package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc/pool"

	"github.com/leafpulse/tracker/internal/model"
	"github.com/leafpulse/tracker/internal/normalize"
	"github.com/leafpulse/tracker/internal/observability"
	"github.com/leafpulse/tracker/internal/store"
)

// removedStaleAfter is the minimum age a CurrentInventory row must reach
// before the batch-level sweep treats its absence from a batch as a removal
// (spec §4.4.1 / §8: "removed requires staleness > 1h").
const removedStaleAfter = time.Hour

// maxConcurrentRetailers bounds how many retailers within one batch run
// their ingestion concurrently (spec §4.4: "concurrent batches for different
// retailers may proceed in parallel").
const maxConcurrentRetailers = 8

// Engine runs the ingestion contract against a Store.
type Engine struct {
	store store.Store
}

// NewEngine constructs an ingestion engine over the given persistence layer.
func NewEngine(s store.Store) *Engine {
	return &Engine{store: s}
}

// ProcessBatch runs the full per-item contract (brand upsert, normalize,
// product upsert, snapshot append, delta detection) for every item in every
// retailer result, then sweeps removed products per retailer. Retailers run
// concurrently; within one retailer, items run sequentially since delta
// detection for different products in the same retailer share no state, but
// the batch-level sweep needs every item's product to have been processed
// first.
func (e *Engine) ProcessBatch(ctx context.Context, batch model.Batch) (model.IngestSummary, error) {
	summary := model.IngestSummary{BatchID: batch.BatchID, EventBreakdown: make(map[model.EventType]int)}
	now := time.Now().UTC()

	outcomes := make([]retailerOutcome, len(batch.Results))

	workers := pool.New().WithContext(ctx).WithMaxGoroutines(maxConcurrentRetailers)
	for i, result := range batch.Results {
		i, result := i, result
		workers.Go(func(ctx context.Context) error {
			outcomes[i] = e.processRetailer(ctx, result, batch.BatchID, now)
			return nil
		})
	}
	_ = workers.Wait()

	for _, outcome := range outcomes {
		summary.TotalProcessed += outcome.processed
		summary.TotalFailed += outcome.failed
		summary.TotalEventsDetected += outcome.events
		for eventType, count := range outcome.breakdown {
			summary.EventBreakdown[eventType] += count
		}
	}
	return summary, nil
}

type retailerOutcome struct {
	processed, failed, events int
	breakdown                 map[model.EventType]int
}

func (e *Engine) processRetailer(ctx context.Context, result model.RetailerResult, batchID string, now time.Time) retailerOutcome {
	outcome := retailerOutcome{breakdown: make(map[model.EventType]int)}
	jobStart := now

	if result.Status != "" && result.Status != "ok" {
		outcome.failed = len(result.Items)
		e.recordScrapeJob(ctx, result.RetailerID, batchID, model.ScrapeJobFailed, jobStart, 0, len(result.Items), result.Error)
		return outcome
	}

	seen := make([]string, 0, len(result.Items))
	for _, item := range result.Items {
		product, events, err := e.ingestItem(ctx, result.RetailerID, item, batchID, now)
		if err != nil {
			outcome.failed++
			observability.Log().Error("ingest item failed",
				observability.Field{Key: "retailer_id", Value: result.RetailerID},
				observability.Field{Key: "batch_id", Value: batchID},
				observability.Field{Key: "error", Value: err.Error()},
			)
			continue
		}
		outcome.processed++
		seen = append(seen, product.ID)
		for _, eventType := range events {
			outcome.breakdown[eventType]++
			outcome.events++
		}
	}

	removed, err := e.sweepRemoved(ctx, result.RetailerID, seen, batchID, now)
	if err != nil {
		observability.Log().Error("sweep removed items failed",
			observability.Field{Key: "retailer_id", Value: result.RetailerID},
			observability.Field{Key: "error", Value: err.Error()},
		)
	} else if removed > 0 {
		outcome.breakdown[model.EventRemoved] += removed
		outcome.events += removed
	}

	status := model.ScrapeJobCompleted
	if outcome.failed > 0 && outcome.processed == 0 {
		status = model.ScrapeJobFailed
	}
	e.recordScrapeJob(ctx, result.RetailerID, batchID, status, jobStart, outcome.processed, outcome.failed, "")
	return outcome
}

func (e *Engine) recordScrapeJob(ctx context.Context, retailerID, batchID string, status model.ScrapeJobStatus, startedAt time.Time, itemsScraped, itemsFailed int, errMsg string) {
	job := model.ScrapeJob{
		RetailerID:   retailerID,
		BatchID:      batchID,
		Status:       status,
		StartedAt:    startedAt,
		CompletedAt:  time.Now().UTC(),
		ItemsScraped: itemsScraped,
		ItemsFailed:  itemsFailed,
		ErrorMessage: errMsg,
	}
	if err := e.store.RecordScrapeJob(ctx, job); err != nil {
		observability.Log().Error("record scrape job failed",
			observability.Field{Key: "retailer_id", Value: retailerID},
			observability.Field{Key: "error", Value: err.Error()},
		)
	}
}

// ingestItem runs steps 1-5 of spec §4.4 for a single scraped item. Brand
// and product upserts are idempotent find-or-create operations safe to run
// outside the per-pair transaction; the snapshot append and delta detection
// that follow require the pair's productID, so they run inside
// WithinRetailerProductTx once it is known.
func (e *Engine) ingestItem(ctx context.Context, retailerID string, item model.ScrapedItem, batchID string, now time.Time) (model.Product, []model.EventType, error) {
	brand, err := e.store.UpsertBrand(ctx, item.RawBrandName)
	if err != nil {
		return model.Product{}, nil, fmt.Errorf("ingest: upsert brand: %w", err)
	}

	normalized := normalize.Normalize(normalize.Input{
		RawName:     item.RawProductName,
		RawBrand:    item.RawBrandName,
		RawCategory: item.RawCategory,
		RawThc:      item.THCFormatted,
		RawCbd:      item.CBDFormatted,
	})

	product, _, err := e.store.UpsertProduct(ctx, brand.ID, normalized)
	if err != nil {
		return model.Product{}, nil, fmt.Errorf("ingest: upsert product: %w", err)
	}

	var emitted []model.EventType
	txErr := e.store.WithinRetailerProductTx(ctx, retailerID, product.ID, func(ctx context.Context, tx store.Store) error {
		snapshot := buildSnapshot(retailerID, product.ID, item, batchID)
		snapshotID, err := tx.AppendSnapshot(ctx, snapshot)
		if err != nil {
			return fmt.Errorf("append snapshot: %w", err)
		}

		prev, err := tx.GetCurrentInventory(ctx, retailerID, product.ID)
		if err != nil {
			return fmt.Errorf("get current inventory: %w", err)
		}

		inv, drafts := computeDelta(prev, retailerID, brand.ID, product.ID, item, now)
		inv.LastSnapshotID = snapshotID
		if err := tx.UpsertCurrentInventory(ctx, inv); err != nil {
			return fmt.Errorf("upsert current inventory: %w", err)
		}

		for _, draft := range drafts {
			if _, err := tx.AppendInventoryEvent(ctx, model.InventoryEvent{
				RetailerID:    retailerID,
				ProductID:     product.ID,
				BrandID:       brand.ID,
				EventType:     draft.eventType,
				PreviousValue: draft.previous,
				NewValue:      draft.new,
				Metadata:      draft.metadata,
				BatchID:       batchID,
				Timestamp:     now,
			}); err != nil {
				return fmt.Errorf("append event %s: %w", draft.eventType, err)
			}
			emitted = append(emitted, draft.eventType)
		}
		return nil
	})
	if txErr != nil {
		return model.Product{}, nil, txErr
	}
	return product, emitted, nil
}

// buildSnapshot copies raw observation fields into a MenuSnapshot and derives
// isOnSale / discountPercent with decimal arithmetic to avoid float drift in
// the persisted percentage (spec §4.4 step 4).
func buildSnapshot(retailerID, productID string, item model.ScrapedItem, batchID string) model.MenuSnapshot {
	snapshot := model.MenuSnapshot{
		RetailerID:      retailerID,
		ProductID:       productID,
		ScrapedAt:       item.ScrapedAt,
		BatchID:         batchID,
		Price:           item.Price,
		OriginalPrice:   item.OriginalPrice,
		InStock:         item.InStock,
		Quantity:        item.Quantity,
		QuantityWarning: item.QuantityWarning,
		QuantitySource:  item.QuantitySource,
		SourceURL:       item.SourceURL,
		SourcePlatform:  item.SourcePlatform,
		RawProductName:  item.RawProductName,
		RawBrandName:    item.RawBrandName,
		RawCategory:     item.RawCategory,
	}

	if item.OriginalPrice != nil && item.Price < *item.OriginalPrice {
		snapshot.IsOnSale = true
		original := decimal.NewFromFloat(*item.OriginalPrice)
		if !original.IsZero() {
			price := decimal.NewFromFloat(item.Price)
			pct, _ := original.Sub(price).Div(original).Mul(decimal.NewFromInt(100)).Round(1).Float64()
			snapshot.DiscountPercent = &pct
		}
	}
	return snapshot
}

// sweepRemoved implements the batch-level removed-item rule: any in-stock
// row for retailerID not touched by this batch and stale beyond
// removedStaleAfter gets a removed event, without being deleted (spec §9's
// "canonical rule is the batch-level sweep"; per-item removal paths do not
// exist here).
func (e *Engine) sweepRemoved(ctx context.Context, retailerID string, seenProductIDs []string, batchID string, now time.Time) (int, error) {
	rows, err := e.store.SweepRemoved(ctx, retailerID, seenProductIDs, now.Add(-removedStaleAfter))
	if err != nil {
		return 0, fmt.Errorf("ingest: sweep removed: %w", err)
	}

	count := 0
	for _, row := range rows {
		previous := map[string]any{"price": row.CurrentPrice, "inStock": row.InStock}
		if row.Quantity != nil {
			previous["quantity"] = *row.Quantity
		}
		if _, err := e.store.AppendInventoryEvent(ctx, model.InventoryEvent{
			RetailerID:    retailerID,
			ProductID:     row.ProductID,
			BrandID:       row.BrandID,
			EventType:     model.EventRemoved,
			PreviousValue: previous,
			BatchID:       batchID,
			Timestamp:     now,
		}); err != nil {
			return count, fmt.Errorf("ingest: append removed event: %w", err)
		}
		count++
	}
	return count, nil
}
