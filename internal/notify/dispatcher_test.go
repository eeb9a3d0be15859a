package notify_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/leafpulse/tracker/internal/model"
	"github.com/leafpulse/tracker/internal/notify"
	"github.com/leafpulse/tracker/internal/store/storetest"
)

func seedProduct(t *testing.T, fake *storetest.Store, retailerID string) (model.Brand, model.Product) {
	t.Helper()
	ctx := context.Background()
	brand, err := fake.UpsertBrand(ctx, "Grocery")
	require.NoError(t, err)
	product, _, err := fake.UpsertProduct(ctx, brand.ID, model.NormalizedProduct{Name: "Black Diesel 3.5g"})
	require.NoError(t, err)
	return brand, product
}

func TestDispatcherDeliversToMatchingWatchAndMarksNotified(t *testing.T) {
	var received []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, r.ContentLength)
		_, _ = r.Body.Read(buf)
		received = buf
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	fake := storetest.New()
	fake.SeedRetailer(model.Retailer{ID: "r1", Name: "Test Dispensary", IsActive: true})
	brand, product := seedProduct(t, fake, "r1")

	watch := fake.SeedWatch(model.Watch{
		Email:      "buyer@example.com",
		ProductID:  product.ID,
		BrandID:    brand.ID,
		AlertTypes: []string{"new_drop"},
		WebhookURL: server.URL,
		IsActive:   true,
	})

	eventID, err := fake.AppendInventoryEvent(context.Background(), model.InventoryEvent{
		RetailerID: "r1",
		ProductID:  product.ID,
		BrandID:    brand.ID,
		EventType:  model.EventNewProduct,
		NewValue:   map[string]any{"price": 38.0},
		Timestamp:  time.Now().UTC(),
	})
	require.NoError(t, err)

	dispatcher := notify.NewDispatcher(fake, "")
	result, err := dispatcher.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, result.Processed)
	require.Equal(t, 1, result.AlertsSent)
	require.Equal(t, 1, result.WatchesNotified)
	require.NotEmpty(t, received)

	unnotified, err := fake.ListUnnotifiedEvents(context.Background(), 10)
	require.NoError(t, err)
	require.Empty(t, unnotified)
	_ = eventID
	_ = watch
}

func TestDispatcherSkipsNonAlertableEventTypes(t *testing.T) {
	fake := storetest.New()
	fake.SeedRetailer(model.Retailer{ID: "r1", Name: "Test Dispensary", IsActive: true})
	brand, product := seedProduct(t, fake, "r1")

	_, err := fake.AppendInventoryEvent(context.Background(), model.InventoryEvent{
		RetailerID: "r1",
		ProductID:  product.ID,
		BrandID:    brand.ID,
		EventType:  model.EventQuantityChange,
		Timestamp:  time.Now().UTC(),
	})
	require.NoError(t, err)

	dispatcher := notify.NewDispatcher(fake, "https://example.test/default")
	result, err := dispatcher.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, result.Processed)
	require.Equal(t, 0, result.AlertsSent)
}

func TestDispatcherEnqueuesRetryOnDeliveryFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	fake := storetest.New()
	fake.SeedRetailer(model.Retailer{ID: "r1", Name: "Test Dispensary", IsActive: true})
	brand, product := seedProduct(t, fake, "r1")

	fake.SeedWatch(model.Watch{
		Email:      "buyer@example.com",
		ProductID:  product.ID,
		AlertTypes: []string{"restock"},
		WebhookURL: server.URL,
		IsActive:   true,
	})

	_, err := fake.AppendInventoryEvent(context.Background(), model.InventoryEvent{
		RetailerID: "r1",
		ProductID:  product.ID,
		BrandID:    brand.ID,
		EventType:  model.EventRestock,
		NewValue:   map[string]any{"price": 40.0},
		Timestamp:  time.Now().UTC(),
	})
	require.NoError(t, err)

	dispatcher := notify.NewDispatcher(fake, "")
	result, err := dispatcher.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, result.AlertsSent)
	require.Equal(t, 0, result.WatchesNotified)

	unnotified, err := fake.ListUnnotifiedEvents(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, unnotified, 1, "failed delivery must not mark the event notified")

	due, err := fake.ListDueNotifications(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
}
