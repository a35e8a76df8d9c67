package carrier

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/collectix/marketplace/internal/app/domain/shipping"
)

func testShipment() shipping.Shipment {
	return shipping.Shipment{
		Pickup: shipping.Address{
			Name: "Seller", Street: "Hauptstr. 1", City: "Berlin",
			PostalCode: "10115", Country: "DE",
		},
		Delivery: shipping.Address{
			Name: "Buyer", Street: "Rue de Lyon 2", City: "Paris",
			PostalCode: "75012", Country: "FR",
		},
		Parcels: []shipping.Parcel{{WeightKg: 0.5, LengthCm: 30, WidthCm: 20, HeightCm: 5}},
	}
}

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := New(Config{BaseURL: server.URL, Provider: "testcarrier", MaxRetries: 3}, server.Client(), nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client, server
}

func TestGetQuotes(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/quotes" || r.Method != http.MethodPost {
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		w.Write([]byte(`{"rates":[
			{"courier_id":"dhl","courier_name":"DHL","service_type":"standard","quote_id":"q-1",
			 "currency":"EUR","price":{"gross":5.99,"net":4.95,"vat":1.04}},
			{"courier_id":"gls","service_type":"express","quote_id":"q-2","currency":"EUR",
			 "price":{"gross":9.5,"net":7.85,"vat":1.65}}
		]}`))
	}))

	options, err := client.GetQuotes(context.Background(), testShipment())
	if err != nil {
		t.Fatalf("get quotes: %v", err)
	}
	if len(options) != 2 {
		t.Fatalf("expected 2 options, got %d", len(options))
	}
	if options[0].CourierID != "dhl" || options[0].QuoteID != "q-1" || options[0].Price.Gross != 5.99 {
		t.Fatalf("unexpected first option: %+v", options[0])
	}
}

func TestGetQuotes_Empty(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"rates":[]}`))
	}))

	_, err := client.GetQuotes(context.Background(), testShipment())
	if !errors.Is(err, shipping.ErrNoRatesAvailable) {
		t.Fatalf("expected ErrNoRatesAvailable, got %v", err)
	}
}

func TestGetQuotes_LowercaseCountryRejected(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("request should not reach the provider")
	}))

	shp := testShipment()
	shp.Delivery.Country = "fr"
	_, err := client.GetQuotes(context.Background(), shp)
	if !errors.Is(err, shipping.ErrInvalidShipmentRequest) {
		t.Fatalf("expected ErrInvalidShipmentRequest, got %v", err)
	}
}

func TestCreateOrder_RetriesTransientFailures(t *testing.T) {
	calls := 0
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"order":{"order_code":"ABC-1","status":"confirmed",
			"label_url":"","tracking_number":"","price":{"gross":5.99,"net":4.95,"vat":1.04}}}`))
	}))

	order, err := client.CreateOrder(context.Background(), testShipment(), "standard", "q-1")
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
	if order.OrderCode != "ABC-1" || order.RawStatus != "confirmed" {
		t.Fatalf("unexpected order: %+v", order)
	}
}

func TestCreateOrder_ValidationFailureIsPermanent(t *testing.T) {
	calls := 0
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"error":{"code":"invalid_parcel","message":"parcel too heavy"}}`))
	}))

	_, err := client.CreateOrder(context.Background(), testShipment(), "standard", "q-1")
	if !errors.Is(err, shipping.ErrInvalidShipmentRequest) {
		t.Fatalf("expected ErrInvalidShipmentRequest, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("4xx must not retry, got %d attempts", calls)
	}
}

func TestCreateOrder_UnsupportedCountry(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"code":"unsupported_country","message":"route XX->DE not served"}}`))
	}))

	_, err := client.CreateOrder(context.Background(), testShipment(), "standard", "q-1")
	if !errors.Is(err, shipping.ErrUnsupportedCountry) {
		t.Fatalf("expected ErrUnsupportedCountry, got %v", err)
	}
}

func TestCreateOrder_ExhaustedRetries(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))

	_, err := client.CreateOrder(context.Background(), testShipment(), "standard", "q-1")
	if !errors.Is(err, ErrProviderUnavailable) {
		t.Fatalf("expected ErrProviderUnavailable, got %v", err)
	}
}

func TestGetOrderDetails(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/orders/ABC-1" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		w.Write([]byte(`{"order_code":"ABC-1","status":"in_transit",
			"label_url":"https://cdn.example/label.pdf","tracking_number":"TRK123",
			"price":{"gross":5.99,"net":4.95,"vat":1.04}}`))
	}))

	order, err := client.GetOrderDetails(context.Background(), "ABC-1")
	if err != nil {
		t.Fatalf("get order details: %v", err)
	}
	if order.TrackingNumber != "TRK123" || order.LabelURL == "" {
		t.Fatalf("unexpected order: %+v", order)
	}
}

func TestGetPickupPoints(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("courier_id"); got != "dhl" {
			t.Fatalf("courier_id = %q", got)
		}
		w.Write([]byte(`{"points":[
			{"id":"sp-1","name":"Kiosk Mitte","latitude":52.52,"longitude":13.40,
			 "type":"parcel_shop","opening_hours":"Mo-Fr 9-18",
			 "address":{"street":"Torstr. 10","city":"Berlin","postal_code":"10119","country":"de"}}
		]}`))
	}))

	points, err := client.GetPickupPoints(context.Background(), "dhl", 52.52, 13.40, 5)
	if err != nil {
		t.Fatalf("get pickup points: %v", err)
	}
	if len(points) != 1 {
		t.Fatalf("expected 1 point, got %d", len(points))
	}
	p := points[0]
	if p.Provider != "testcarrier" || p.ProviderID != "sp-1" || p.Country != "DE" {
		t.Fatalf("unexpected point: %+v", p)
	}
}

func TestCallOutcomeClassification(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{"success", nil, "ok"},
		{"validation rejection", fmt.Errorf("%w: bad parcel", shipping.ErrInvalidShipmentRequest), "rejected"},
		{"unsupported route", fmt.Errorf("%w: XX", shipping.ErrUnsupportedCountry), "rejected"},
		{"provider down", fmt.Errorf("%w: status 503", ErrProviderUnavailable), "unavailable"},
		{"network failure", errors.New("dial tcp: refused"), "unavailable"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := callOutcome(tc.err); got != tc.want {
				t.Errorf("outcome = %q, want %q", got, tc.want)
			}
		})
	}
}
