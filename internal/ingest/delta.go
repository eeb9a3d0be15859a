package ingest

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/leafpulse/tracker/internal/model"
)

// lowStockThreshold is the exclusive upper bound for the low_stock event
// (spec §4.4.1: "quantity ∈ (0, 5)"); boundary behavior is inclusive-of-low,
// i.e. 4 triggers and 5 does not.
const lowStockThreshold = 5

// priceChangeThreshold is the strict percentage magnitude a price move must
// exceed before price_drop/price_increase fires.
const priceChangeThreshold = 1.0

// quantityChangeThreshold is the percentage magnitude a quantity move must
// reach (inclusive) before quantity_change fires.
const quantityChangeThreshold = 20.0

const dayMillis = 86_400_000

// eventDraft is an unpersisted InventoryEvent: the delta engine produces
// these, and the caller stamps retailer/product/brand/batch/timestamp before
// handing them to the store.
type eventDraft struct {
	eventType model.EventType
	previous  map[string]any
	new       map[string]any
	metadata  map[string]any
}

// computeDelta derives the next CurrentInventory row and the events that
// transition implies, given the row observed before this item (nil if this
// is the first observation of the pair). It is a pure function: no I/O, no
// clock reads beyond the now parameter.
func computeDelta(prev *model.CurrentInventory, retailerID, brandID, productID string, item model.ScrapedItem, now time.Time) (model.CurrentInventory, []eventDraft) {
	if prev == nil {
		return newProductDelta(retailerID, brandID, productID, item, now)
	}
	return transitionDelta(*prev, retailerID, brandID, productID, item, now)
}

func newProductDelta(retailerID, brandID, productID string, item model.ScrapedItem, now time.Time) (model.CurrentInventory, []eventDraft) {
	inv := model.CurrentInventory{
		RetailerID:      retailerID,
		BrandID:         brandID,
		ProductID:       productID,
		CurrentPrice:    item.Price,
		InStock:         item.InStock,
		Quantity:        item.Quantity,
		QuantityWarning: item.QuantityWarning,
		QuantitySource:  item.QuantitySource,
		DaysOnMenu:      1,
		LastUpdatedAt:   now,
	}
	if item.InStock {
		at := now
		inv.LastInStockAt = &at
	}

	newValue := map[string]any{"price": item.Price, "inStock": item.InStock}
	var events []eventDraft
	if item.Quantity != nil {
		newValue["quantity"] = *item.Quantity
		at := now
		inv.LastQuantityAt = &at
		inv.PushQuantityHistory(model.QuantityHistoryEntry{Quantity: *item.Quantity, Timestamp: now, Source: item.QuantitySource})
	}
	events = append(events, eventDraft{eventType: model.EventNewProduct, new: newValue})

	if item.Quantity != nil && *item.Quantity > 0 && *item.Quantity < lowStockThreshold {
		events = append(events, eventDraft{eventType: model.EventLowStock, new: map[string]any{"quantity": *item.Quantity}})
	}
	return inv, events
}

func transitionDelta(prev model.CurrentInventory, retailerID, brandID, productID string, item model.ScrapedItem, now time.Time) (model.CurrentInventory, []eventDraft) {
	inv := prev
	inv.RetailerID = retailerID
	inv.BrandID = brandID
	inv.ProductID = productID
	inv.CurrentPrice = item.Price
	inv.InStock = item.InStock
	inv.LastUpdatedAt = now
	inv.QuantityWarning = item.QuantityWarning
	if item.QuantitySource != "" {
		inv.QuantitySource = item.QuantitySource
	}

	var events []eventDraft

	if prev.CurrentPrice != item.Price {
		prevPrice := prev.CurrentPrice
		inv.PreviousPrice = &prevPrice
		at := now
		inv.PriceChangedAt = &at
		if prevPrice != 0 {
			changePct := round1((item.Price - prevPrice) / prevPrice * 100)
			if math.Abs(changePct) > priceChangeThreshold {
				eventType := model.EventPriceIncrease
				if item.Price < prevPrice {
					eventType = model.EventPriceDrop
				}
				events = append(events, eventDraft{
					eventType: eventType,
					previous:  map[string]any{"price": prevPrice},
					new:       map[string]any{"price": item.Price},
					metadata:  map[string]any{"changePercent": changePct},
				})
			}
		}
	}

	switch {
	case !prev.InStock && item.InStock:
		at := now
		inv.LastInStockAt = &at
		inv.OutOfStockSince = nil
		events = append(events, eventDraft{
			eventType: model.EventRestock,
			previous:  map[string]any{"inStock": false},
			new:       map[string]any{"inStock": true, "price": item.Price},
		})
	case prev.InStock && !item.InStock:
		at := now
		inv.OutOfStockSince = &at
		events = append(events, eventDraft{
			eventType: model.EventSoldOut,
			previous:  map[string]any{"inStock": true},
			new:       map[string]any{"inStock": false},
		})
	}

	switch {
	case prev.Quantity != nil && item.Quantity != nil:
		prevQty := *prev.Quantity
		newQty := *item.Quantity
		inv.PreviousQuantity = &prevQty
		inv.Quantity = &newQty
		at := now
		inv.LastQuantityAt = &at

		if prevQty >= lowStockThreshold && newQty > 0 && newQty < lowStockThreshold {
			events = append(events, eventDraft{
				eventType: model.EventLowStock,
				previous:  map[string]any{"quantity": prevQty},
				new:       map[string]any{"quantity": newQty},
			})
		}
		if prevQty != 0 {
			qtyChangePct := round1((float64(newQty) - float64(prevQty)) / float64(prevQty) * 100)
			if math.Abs(qtyChangePct) >= quantityChangeThreshold {
				direction := "increase"
				if newQty < prevQty {
					direction = "decrease"
				}
				events = append(events, eventDraft{
					eventType: model.EventQuantityChange,
					previous:  map[string]any{"quantity": prevQty},
					new:       map[string]any{"quantity": newQty},
					metadata:  map[string]any{"changePercent": qtyChangePct, "direction": direction},
				})
			}
		}
		inv.PushQuantityHistory(model.QuantityHistoryEntry{Quantity: newQty, Timestamp: now, Source: item.QuantitySource})
	case item.Quantity != nil:
		newQty := *item.Quantity
		inv.Quantity = &newQty
		at := now
		inv.LastQuantityAt = &at
		inv.PushQuantityHistory(model.QuantityHistoryEntry{Quantity: newQty, Timestamp: now, Source: item.QuantitySource})
	}

	if days := int(now.Sub(prev.LastUpdatedAt).Milliseconds() / dayMillis); days >= 1 {
		inv.DaysOnMenu += days
	}

	if item.Quantity == nil {
		newN, newMatched := parseQuantityWarning(item.QuantityWarning)
		_, prevMatched := parseQuantityWarning(prev.QuantityWarning)
		if newMatched {
			transitionedIn := !prevMatched
			if transitionedIn || newN < lowStockThreshold {
				events = append(events, eventDraft{
					eventType: model.EventLowStock,
					new:       map[string]any{"estimatedQuantity": newN},
				})
			}
		}
	}

	return inv, events
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

var (
	warningOnlyLeftRe  = regexp.MustCompile(`(?i)only\s+(\d+)\s+left`)
	warningRemainingRe = regexp.MustCompile(`(?i)(\d+)\s+remaining`)
	warningLowStockRe  = regexp.MustCompile(`(?i)low stock`)
)

// parseQuantityWarning extracts an estimated quantity from free-text
// low-stock warnings (spec §4.4.1's "only N left | N remaining | low stock").
// A bare "low stock" phrase with no number carries an estimate of 1.
func parseQuantityWarning(s string) (n int, matched bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	if m := warningOnlyLeftRe.FindStringSubmatch(s); m != nil {
		v, err := strconv.Atoi(m[1])
		if err == nil {
			return v, true
		}
	}
	if m := warningRemainingRe.FindStringSubmatch(s); m != nil {
		v, err := strconv.Atoi(m[1])
		if err == nil {
			return v, true
		}
	}
	if warningLowStockRe.MatchString(s) {
		return 1, true
	}
	return 0, false
}
