package ingest_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/leafpulse/tracker/internal/ingest"
	"github.com/leafpulse/tracker/internal/model"
	"github.com/leafpulse/tracker/internal/store/storetest"
)

func intPtr(v int) *int { return &v }

func newBatch(retailerID string, items ...model.ScrapedItem) model.Batch {
	return model.Batch{
		BatchID: "batch-1",
		Results: []model.RetailerResult{
			{RetailerID: retailerID, Status: "ok", Items: items},
		},
	}
}

// S1: a brand-new product observed with low quantity emits new_product and
// low_stock, and the normalizer output drives brand/category/strain fields.
func TestProcessBatchNewProductWithLowStock(t *testing.T) {
	fake := storetest.New()
	fake.SeedRetailer(model.Retailer{ID: "r1", IsActive: true})
	engine := ingest.NewEngine(fake)

	batch := newBatch("r1", model.ScrapedItem{
		RawProductName: "Grocery | 28g Flower - Sativa | Black Diesel",
		RawBrandName:   "Grocery",
		Price:          180,
		InStock:        true,
		Quantity:       intPtr(3),
		ScrapedAt:      time.Now().UTC(),
	})

	summary, err := engine.ProcessBatch(context.Background(), batch)
	require.NoError(t, err)
	require.Equal(t, 1, summary.TotalProcessed)
	require.Equal(t, 0, summary.TotalFailed)
	require.Equal(t, 2, summary.EventBreakdown[model.EventNewProduct]+summary.EventBreakdown[model.EventLowStock])
	require.Equal(t, 1, summary.EventBreakdown[model.EventNewProduct])
	require.Equal(t, 1, summary.EventBreakdown[model.EventLowStock])

	events := fake.Events()
	require.Len(t, events, 2)
}

// S2: a price drop with unchanged quantity emits exactly one price_drop with
// changePercent = -25, and no quantity_change.
func TestProcessBatchPriceDropEmitsOnce(t *testing.T) {
	fake := storetest.New()
	fake.SeedRetailer(model.Retailer{ID: "r1", IsActive: true})
	engine := ingest.NewEngine(fake)
	ctx := context.Background()

	first := newBatch("r1", model.ScrapedItem{
		RawProductName: "Black Diesel 3.5g",
		RawBrandName:   "Grocery",
		Price:          60,
		InStock:        true,
		Quantity:       intPtr(10),
		ScrapedAt:      time.Now().UTC(),
	})
	_, err := engine.ProcessBatch(ctx, first)
	require.NoError(t, err)

	second := newBatch("r1", model.ScrapedItem{
		RawProductName: "Black Diesel 3.5g",
		RawBrandName:   "Grocery",
		Price:          45,
		InStock:        true,
		Quantity:       intPtr(10),
		ScrapedAt:      time.Now().UTC(),
	})
	second.BatchID = "batch-2"
	summary, err := engine.ProcessBatch(ctx, second)
	require.NoError(t, err)

	require.Equal(t, 1, summary.EventBreakdown[model.EventPriceDrop])
	require.Equal(t, 0, summary.EventBreakdown[model.EventQuantityChange])

	var priceDrop model.InventoryEvent
	var found bool
	for _, e := range fake.Events() {
		if e.EventType == model.EventPriceDrop {
			priceDrop = e
			found = true
		}
	}
	require.True(t, found)
	require.Equal(t, -25.0, priceDrop.Metadata["changePercent"])
}

// S3: restock with quantity resurfacing above the low-stock threshold emits
// only restock, no low_stock (quantity >= 5) and no new_product.
func TestProcessBatchRestockWithQuantityResurfacing(t *testing.T) {
	fake := storetest.New()
	fake.SeedRetailer(model.Retailer{ID: "r1", IsActive: true})
	engine := ingest.NewEngine(fake)
	ctx := context.Background()

	first := newBatch("r1", model.ScrapedItem{
		RawProductName: "Black Diesel 3.5g",
		RawBrandName:   "Grocery",
		Price:          50,
		InStock:        false,
		Quantity:       intPtr(0),
		ScrapedAt:      time.Now().UTC(),
	})
	_, err := engine.ProcessBatch(ctx, first)
	require.NoError(t, err)

	second := newBatch("r1", model.ScrapedItem{
		RawProductName: "Black Diesel 3.5g",
		RawBrandName:   "Grocery",
		Price:          50,
		InStock:        true,
		Quantity:       intPtr(8),
		ScrapedAt:      time.Now().UTC(),
	})
	second.BatchID = "batch-2"
	summary, err := engine.ProcessBatch(ctx, second)
	require.NoError(t, err)

	require.Equal(t, 1, summary.EventBreakdown[model.EventRestock])
	require.Equal(t, 0, summary.EventBreakdown[model.EventLowStock])
	require.Equal(t, 0, summary.EventBreakdown[model.EventNewProduct])
}

// S4: a product absent from a batch more than removedStaleAfter after its
// last observation is swept into exactly one removed event; the row is not
// deleted.
func TestProcessBatchSweepsRemovedAfterStaleness(t *testing.T) {
	fake := storetest.New()
	fake.SeedRetailer(model.Retailer{ID: "r1", IsActive: true})
	engine := ingest.NewEngine(fake)
	ctx := context.Background()

	first := newBatch("r1", model.ScrapedItem{
		RawProductName: "Black Diesel 3.5g",
		RawBrandName:   "Grocery",
		Price:          50,
		InStock:        true,
		Quantity:       intPtr(10),
		ScrapedAt:      time.Now().UTC(),
	})
	_, err := engine.ProcessBatch(ctx, first)
	require.NoError(t, err)

	// Backdate the row's LastUpdatedAt past the 1h staleness bound; ingestion
	// itself always stamps "now", so a real clock gap can't be produced
	// between two sequential calls in a test.
	var productID string
	for _, e := range fake.Events() {
		if e.EventType == model.EventNewProduct {
			productID = e.ProductID
		}
	}
	require.NotEmpty(t, productID)
	inv, err := fake.GetCurrentInventory(ctx, "r1", productID)
	require.NoError(t, err)
	require.NotNil(t, inv)
	inv.LastUpdatedAt = time.Now().Add(-2 * time.Hour).UTC()
	require.NoError(t, fake.UpsertCurrentInventory(ctx, *inv))

	// second batch for the same retailer has no items at all: the product is
	// absent and, being older than an hour, is swept as removed.
	second := model.Batch{
		BatchID: "batch-2",
		Results: []model.RetailerResult{{RetailerID: "r1", Status: "ok", Items: nil}},
	}
	summary, err := engine.ProcessBatch(ctx, second)
	require.NoError(t, err)
	require.Equal(t, 1, summary.EventBreakdown[model.EventRemoved])

	removedCount := 0
	for _, e := range fake.Events() {
		if e.EventType == model.EventRemoved {
			removedCount++
		}
	}
	require.Equal(t, 1, removedCount)
}

// Re-ingesting an unchanged batch must not emit any new events, since every
// field compares equal to the previous observation.
func TestProcessBatchIsIdempotentForUnchangedObservations(t *testing.T) {
	fake := storetest.New()
	fake.SeedRetailer(model.Retailer{ID: "r1", IsActive: true})
	engine := ingest.NewEngine(fake)
	ctx := context.Background()

	item := model.ScrapedItem{
		RawProductName: "Black Diesel 3.5g",
		RawBrandName:   "Grocery",
		Price:          50,
		InStock:        true,
		Quantity:       intPtr(10),
		ScrapedAt:      time.Now().UTC(),
	}

	first := newBatch("r1", item)
	firstSummary, err := engine.ProcessBatch(ctx, first)
	require.NoError(t, err)
	require.Greater(t, firstSummary.TotalEventsDetected, 0)

	second := newBatch("r1", item)
	second.BatchID = "batch-2"
	secondSummary, err := engine.ProcessBatch(ctx, second)
	require.NoError(t, err)
	require.Equal(t, 0, secondSummary.TotalEventsDetected, "no field changed, so no delta events should fire")

	require.Equal(t, 2, len(fake.ScrapeJobs()))
}

// A strict 1% price move does not cross the threshold and emits no event.
func TestPriceChangeAtThresholdBoundaryDoesNotEmit(t *testing.T) {
	fake := storetest.New()
	fake.SeedRetailer(model.Retailer{ID: "r1", IsActive: true})
	engine := ingest.NewEngine(fake)
	ctx := context.Background()

	first := newBatch("r1", model.ScrapedItem{
		RawProductName: "Black Diesel 3.5g",
		RawBrandName:   "Grocery",
		Price:          100,
		InStock:        true,
		ScrapedAt:      time.Now().UTC(),
	})
	_, err := engine.ProcessBatch(ctx, first)
	require.NoError(t, err)

	second := newBatch("r1", model.ScrapedItem{
		RawProductName: "Black Diesel 3.5g",
		RawBrandName:   "Grocery",
		Price:          99, // exactly -1%
		InStock:        true,
		ScrapedAt:      time.Now().UTC(),
	})
	second.BatchID = "batch-2"
	summary, err := engine.ProcessBatch(ctx, second)
	require.NoError(t, err)
	require.Equal(t, 0, summary.EventBreakdown[model.EventPriceDrop])
	require.Equal(t, 0, summary.EventBreakdown[model.EventPriceIncrease])
}

// A failed retailer result short-circuits per-item ingestion and records a
// failed scrape job without attempting to process any items.
func TestProcessBatchRecordsFailedRetailerWithoutIngesting(t *testing.T) {
	fake := storetest.New()
	fake.SeedRetailer(model.Retailer{ID: "r1", IsActive: true})
	engine := ingest.NewEngine(fake)

	batch := model.Batch{
		BatchID: "batch-1",
		Results: []model.RetailerResult{{
			RetailerID: "r1",
			Status:     "error",
			Error:      "navigation timed out",
			Items: []model.ScrapedItem{{
				RawProductName: "Black Diesel 3.5g",
				Price:          50,
			}},
		}},
	}

	summary, err := engine.ProcessBatch(context.Background(), batch)
	require.NoError(t, err)
	require.Equal(t, 0, summary.TotalProcessed)
	require.Equal(t, 1, summary.TotalFailed)
	require.Empty(t, fake.Events())

	jobs := fake.ScrapeJobs()
	require.Len(t, jobs, 1)
	require.Equal(t, model.ScrapeJobFailed, jobs[0].Status)
}
