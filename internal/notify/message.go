package notify

import (
	"fmt"

	"github.com/leafpulse/tracker/internal/model"
)

// alertTypeCode maps an InventoryEvent's EventType to the watcher-facing
// subscription code (spec §4.6: "new_product maps to watcher code
// new_drop").
func alertTypeCode(eventType model.EventType) string {
	if eventType == model.EventNewProduct {
		return "new_drop"
	}
	return string(eventType)
}

// eventStyle describes the emoji and accent color used to render one
// alertable event type.
type eventStyle struct {
	emoji string
	color int
}

var styles = map[model.EventType]eventStyle{
	model.EventRestock:    {emoji: "🔔", color: 0x2ecc71},
	model.EventPriceDrop:  {emoji: "📉", color: 0x2ecc71},
	model.EventNewProduct: {emoji: "🆕", color: 0x3498db},
}

// alertableEventTypes are the only event types the dispatcher fans out to
// watchers (spec §4.6's filter step).
var alertableEventTypes = map[model.EventType]bool{
	model.EventRestock:    true,
	model.EventPriceDrop:  true,
	model.EventNewProduct: true,
}

// message is the rendered payload handed to the webhook delivery layer.
type message struct {
	Content string `json:"content"`
	Embeds  []embed `json:"embeds"`
}

type embed struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Color       int    `json:"color"`
	Footer      footer `json:"footer"`
}

type footer struct {
	Text string `json:"text"`
}

// buildMessage renders a structured payload for one event against the
// product/brand/retailer context and the watching email (spec §4.6's
// message templates per event type).
func buildMessage(event model.InventoryEvent, product model.Product, brand model.Brand, retailer model.Retailer, watcherEmail string) message {
	style := styles[event.EventType]
	body := eventBody(event, product, brand)
	location := fmt.Sprintf("📍 @ %s (%s, %s)", retailer.Name, retailer.Address.City, retailer.Address.State)

	return message{
		Content: fmt.Sprintf("%s %s", style.emoji, body),
		Embeds: []embed{{
			Title:       fmt.Sprintf("%s %s", brand.Name, product.Name),
			Description: fmt.Sprintf("%s\n%s", body, location),
			Color:       style.color,
			Footer:      footer{Text: fmt.Sprintf("Watching: %s", watcherEmail)},
		}},
	}
}

func eventBody(event model.InventoryEvent, product model.Product, brand model.Brand) string {
	price, _ := event.NewValue["price"].(float64)

	switch event.EventType {
	case model.EventRestock:
		return fmt.Sprintf("**%s - %s** is back in stock! 💵 $%.2f", brand.Name, product.Name, price)
	case model.EventPriceDrop:
		prevPrice, _ := event.PreviousValue["price"].(float64)
		changePct, _ := event.Metadata["changePercent"].(float64)
		return fmt.Sprintf("**%s - %s** price dropped! 💵 $%.2f → $%.2f (%.1f%% off)",
			brand.Name, product.Name, prevPrice, price, -changePct)
	case model.EventNewProduct:
		return fmt.Sprintf("%s just dropped **%s**! 💵 $%.2f", brand.Name, product.Name, price)
	default:
		return fmt.Sprintf("%s - %s updated", brand.Name, product.Name)
	}
}

// watcherMatches reports whether a watch subscribes to this event (spec
// §4.6's fan-out rule: alert type membership, plus empty-or-contains
// retailer scoping).
func watcherMatches(watch model.Watch, event model.InventoryEvent) bool {
	code := alertTypeCode(event.EventType)
	if !containsString(watch.AlertTypes, code) {
		return false
	}
	if len(watch.RetailerIDs) == 0 {
		return true
	}
	return containsString(watch.RetailerIDs, event.RetailerID)
}

func containsString(haystack []string, needle string) bool {
	for _, v := range haystack {
		if v == needle {
			return true
		}
	}
	return false
}
