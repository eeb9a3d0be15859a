package postgres

import (
	"context"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"

	"github.com/leafpulse/tracker/internal/model"
)

const (
	snapshotInsertSQL = `
INSERT INTO menu_snapshots (
    retailer_id, product_id, scraped_at, batch_id, price, original_price,
    is_on_sale, discount_percent, in_stock, quantity, quantity_warning,
    quantity_source, source_url, source_platform, raw_product_name,
    raw_brand_name, raw_category
) VALUES (
    @retailer_id, @product_id, @scraped_at, @batch_id, @price, @original_price,
    @is_on_sale, @discount_percent, @in_stock, @quantity, @quantity_warning,
    @quantity_source, @source_url, @source_platform, @raw_product_name,
    @raw_brand_name, @raw_category
)
RETURNING id::text;
`

	currentInventorySelectSQL = `
SELECT id::text, retailer_id::text, brand_id::text, product_id::text, current_price,
       previous_price, price_changed_at, in_stock, last_in_stock_at, out_of_stock_since,
       quantity, previous_quantity, quantity_warning, quantity_source, last_quantity_at,
       quantity_history, days_on_menu, last_updated_at, COALESCE(last_snapshot_id::text, '')
FROM current_inventory
WHERE retailer_id = @retailer_id AND product_id = @product_id;
`

	currentInventoryUpsertSQL = `
INSERT INTO current_inventory (
    retailer_id, brand_id, product_id, current_price, previous_price, price_changed_at,
    in_stock, last_in_stock_at, out_of_stock_since, quantity, previous_quantity,
    quantity_warning, quantity_source, last_quantity_at, quantity_history,
    days_on_menu, last_updated_at, last_snapshot_id
) VALUES (
    @retailer_id, @brand_id, @product_id, @current_price, @previous_price, @price_changed_at,
    @in_stock, @last_in_stock_at, @out_of_stock_since, @quantity, @previous_quantity,
    @quantity_warning, @quantity_source, @last_quantity_at, @quantity_history,
    @days_on_menu, @last_updated_at, @last_snapshot_id
)
ON CONFLICT (retailer_id, product_id) DO UPDATE SET
    brand_id = EXCLUDED.brand_id,
    current_price = EXCLUDED.current_price,
    previous_price = EXCLUDED.previous_price,
    price_changed_at = EXCLUDED.price_changed_at,
    in_stock = EXCLUDED.in_stock,
    last_in_stock_at = EXCLUDED.last_in_stock_at,
    out_of_stock_since = EXCLUDED.out_of_stock_since,
    quantity = EXCLUDED.quantity,
    previous_quantity = EXCLUDED.previous_quantity,
    quantity_warning = EXCLUDED.quantity_warning,
    quantity_source = EXCLUDED.quantity_source,
    last_quantity_at = EXCLUDED.last_quantity_at,
    quantity_history = EXCLUDED.quantity_history,
    days_on_menu = EXCLUDED.days_on_menu,
    last_updated_at = EXCLUDED.last_updated_at,
    last_snapshot_id = EXCLUDED.last_snapshot_id;
`

	staleInventorySelectSQL = `
SELECT id::text, retailer_id::text, brand_id::text, product_id::text, current_price,
       previous_price, price_changed_at, in_stock, last_in_stock_at, out_of_stock_since,
       quantity, previous_quantity, quantity_warning, quantity_source, last_quantity_at,
       quantity_history, days_on_menu, last_updated_at, COALESCE(last_snapshot_id::text, '')
FROM current_inventory
WHERE retailer_id = @retailer_id
  AND last_updated_at < @stale_before
  AND NOT (product_id = ANY(@seen_product_ids))
  AND in_stock = TRUE;
`
)

// AppendSnapshot appends an immutable observation row (spec §3: menuSnapshots
// are append-only, never updated).
func (s *Store) AppendSnapshot(ctx context.Context, snap model.MenuSnapshot) (string, error) {
	args := pgx.NamedArgs{
		"retailer_id":      snap.RetailerID,
		"product_id":       snap.ProductID,
		"scraped_at":       snap.ScrapedAt,
		"batch_id":         snap.BatchID,
		"price":            snap.Price,
		"original_price":   nullableFloat(snap.OriginalPrice),
		"is_on_sale":       snap.IsOnSale,
		"discount_percent": nullableFloat(snap.DiscountPercent),
		"in_stock":         snap.InStock,
		"quantity":         nullableInt(snap.Quantity),
		"quantity_warning": snap.QuantityWarning,
		"quantity_source":  string(snap.QuantitySource),
		"source_url":       snap.SourceURL,
		"source_platform":  snap.SourcePlatform,
		"raw_product_name": snap.RawProductName,
		"raw_brand_name":   snap.RawBrandName,
		"raw_category":     snap.RawCategory,
	}
	row := s.conn().QueryRow(ctx, snapshotInsertSQL, args)
	var id string
	if err := row.Scan(&id); err != nil {
		return "", fmt.Errorf("store: append snapshot: %w", err)
	}
	return id, nil
}

// GetCurrentInventory returns the single tracking row for (retailerID,
// productID), or nil if the pair has never been ingested.
func (s *Store) GetCurrentInventory(ctx context.Context, retailerID, productID string) (*model.CurrentInventory, error) {
	args := pgx.NamedArgs{"retailer_id": retailerID, "product_id": productID}
	row := s.conn().QueryRow(ctx, currentInventorySelectSQL, args)
	inv, err := scanCurrentInventory(row)
	if err != nil {
		return nil, err
	}
	return inv, nil
}

func scanCurrentInventory(row pgx.Row) (*model.CurrentInventory, error) {
	var (
		ci              model.CurrentInventory
		quantityHistory []byte
	)
	err := row.Scan(
		&ci.ID, &ci.RetailerID, &ci.BrandID, &ci.ProductID, &ci.CurrentPrice,
		&ci.PreviousPrice, &ci.PriceChangedAt, &ci.InStock, &ci.LastInStockAt, &ci.OutOfStockSince,
		&ci.Quantity, &ci.PreviousQuantity, &ci.QuantityWarning, &ci.QuantitySource, &ci.LastQuantityAt,
		&quantityHistory, &ci.DaysOnMenu, &ci.LastUpdatedAt, &ci.LastSnapshotID,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("store: scan current inventory: %w", err)
	}
	if len(quantityHistory) > 0 {
		var entries []quantityHistoryJSON
		if uerr := json.Unmarshal(quantityHistory, &entries); uerr == nil {
			for _, e := range entries {
				ci.QuantityHistory = append(ci.QuantityHistory, model.QuantityHistoryEntry{
					Quantity:  e.Quantity,
					Timestamp: e.Timestamp,
					Source:    model.QuantitySource(e.Source),
				})
			}
		}
	}
	return &ci, nil
}

type quantityHistoryJSON struct {
	Quantity  int                  `json:"quantity"`
	Timestamp time.Time            `json:"timestamp"`
	Source    model.QuantitySource `json:"source"`
}

// UpsertCurrentInventory replaces the tracking row for (inv.RetailerID,
// inv.ProductID) wholesale; the ingestion engine always reads, mutates, and
// writes back the full struct within WithinRetailerProductTx.
func (s *Store) UpsertCurrentInventory(ctx context.Context, inv model.CurrentInventory) error {
	history := make([]quantityHistoryJSON, 0, len(inv.QuantityHistory))
	for _, e := range inv.QuantityHistory {
		history = append(history, quantityHistoryJSON{Quantity: e.Quantity, Timestamp: e.Timestamp, Source: e.Source})
	}
	historyJSON, err := json.Marshal(history)
	if err != nil {
		return fmt.Errorf("store: encode quantity history: %w", err)
	}

	var snapshotID any
	if inv.LastSnapshotID != "" {
		snapshotID = inv.LastSnapshotID
	}

	args := pgx.NamedArgs{
		"retailer_id":        inv.RetailerID,
		"brand_id":           inv.BrandID,
		"product_id":         inv.ProductID,
		"current_price":      inv.CurrentPrice,
		"previous_price":     nullableFloat(inv.PreviousPrice),
		"price_changed_at":   inv.PriceChangedAt,
		"in_stock":           inv.InStock,
		"last_in_stock_at":   inv.LastInStockAt,
		"out_of_stock_since": inv.OutOfStockSince,
		"quantity":           nullableInt(inv.Quantity),
		"previous_quantity":  nullableInt(inv.PreviousQuantity),
		"quantity_warning":   inv.QuantityWarning,
		"quantity_source":    string(inv.QuantitySource),
		"last_quantity_at":   inv.LastQuantityAt,
		"quantity_history":   historyJSON,
		"days_on_menu":       inv.DaysOnMenu,
		"last_updated_at":    inv.LastUpdatedAt,
		"last_snapshot_id":   snapshotID,
	}
	if _, err := s.conn().Exec(ctx, currentInventoryUpsertSQL, args); err != nil {
		return fmt.Errorf("store: upsert current inventory: %w", err)
	}
	return nil
}

// SweepRemoved finds every in-stock row for retailerID not present in
// seenProductIDs and stale beyond staleBefore — the batch-level removed-item
// sweep from spec §4.4's "items not seen in this batch" rule. It returns the
// affected rows without changing them; the ingestion engine emits a
// `removed` event for each and leaves the row as it is.
func (s *Store) SweepRemoved(ctx context.Context, retailerID string, seenProductIDs []string, staleBefore time.Time) ([]model.CurrentInventory, error) {
	if seenProductIDs == nil {
		seenProductIDs = []string{}
	}
	args := pgx.NamedArgs{
		"retailer_id":      retailerID,
		"stale_before":     staleBefore,
		"seen_product_ids": seenProductIDs,
	}
	rows, err := s.conn().Query(ctx, staleInventorySelectSQL, args)
	if err != nil {
		return nil, fmt.Errorf("store: sweep removed: %w", err)
	}
	defer rows.Close()

	var out []model.CurrentInventory
	for rows.Next() {
		inv, err := scanCurrentInventory(rows)
		if err != nil {
			return nil, err
		}
		if inv != nil {
			out = append(out, *inv)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate removed: %w", err)
	}
	return out, nil
}
