package shipping

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNoRatesAvailable means the carrier returned zero service options for a
// route. Callers treat it as an empty result, not a failure.
var ErrNoRatesAvailable = errors.New("no shipping rates available")

// ErrUnsupportedCountry means the carrier explicitly rejected the route.
var ErrUnsupportedCountry = errors.New("unsupported country")

// ErrInvalidShipmentRequest means the carrier rejected the payload as
// invalid. Not retryable; the provider's message is attached by wrapping.
var ErrInvalidShipmentRequest = errors.New("invalid shipment request")

// LabelStatus enumerates local shipping label states. A label only moves
// pending -> purchased -> cancelled, or to error; every change appends one
// StatusHistory row.
type LabelStatus string

const (
	LabelPending   LabelStatus = "pending"
	LabelPurchased LabelStatus = "purchased"
	LabelCancelled LabelStatus = "cancelled"
	LabelError     LabelStatus = "error"
)

// Terminal reports whether the status admits no further movement.
func (s LabelStatus) Terminal() bool {
	return s == LabelCancelled || s == LabelError
}

// MapCarrierStatus folds an arbitrary carrier status string into the local
// vocabulary. Substring "cancel" maps to cancelled, "error"/"fail" to error;
// everything else, including "confirm", "active" and unrecognized values, is
// treated as purchased. Callers log unrecognized inputs rather than dropping
// them silently.
func MapCarrierStatus(raw string) (LabelStatus, bool) {
	s := strings.ToLower(strings.TrimSpace(raw))
	switch {
	case strings.Contains(s, "cancel"):
		return LabelCancelled, true
	case strings.Contains(s, "error"), strings.Contains(s, "fail"):
		return LabelError, true
	case strings.Contains(s, "confirm"), strings.Contains(s, "active"), s == "purchased", s == "pending":
		return LabelPurchased, true
	default:
		return LabelPurchased, false
	}
}

// Price is the carrier-reported price breakdown for a shipment order.
// Carrier-sourced floats; compare with an epsilon, never exactly.
type Price struct {
	Gross float64 `json:"gross"`
	Net   float64 `json:"net"`
	VAT   float64 `json:"vat"`
}

// Label is the locally persisted view of a carrier shipment order.
// Labels are never deleted; they form the audit trail of the shipment.
type Label struct {
	ID             string      `json:"id"`
	TransactionID  string      `json:"transaction_id,omitempty"`
	OrderCode      string      `json:"order_code"`
	CourierID      string      `json:"courier_id"`
	ServiceType    string      `json:"service_type"`
	QuoteID        string      `json:"quote_id"`
	LabelURL       string      `json:"label_url,omitempty"`
	TrackingNumber string      `json:"tracking_number,omitempty"`
	Status         LabelStatus `json:"status"`
	Price          Price       `json:"price"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// StatusHistory records one label status change.
type StatusHistory struct {
	ID        string      `json:"id"`
	LabelID   string      `json:"label_id"`
	Status    LabelStatus `json:"status"`
	Note      string      `json:"note,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}

// Address identifies one end of a shipment. Country is an ISO-2 uppercase
// code; the carrier rejects anything else.
type Address struct {
	Name       string `json:"name"`
	Phone      string `json:"phone,omitempty"`
	Email      string `json:"email,omitempty"`
	Street     string `json:"street"`
	City       string `json:"city"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
}

// Validate checks the load-bearing address formats.
func (a Address) Validate() error {
	if strings.TrimSpace(a.Street) == "" || strings.TrimSpace(a.City) == "" {
		return fmt.Errorf("street and city are required")
	}
	if len(a.Country) != 2 || a.Country != strings.ToUpper(a.Country) {
		return fmt.Errorf("country must be an ISO-2 uppercase code, got %q", a.Country)
	}
	return nil
}

// Parcel describes one physical package in a shipment manifest.
// Dimensions in centimeters, weight in kilograms.
type Parcel struct {
	WeightKg float64 `json:"weight_kg"`
	LengthCm float64 `json:"length_cm"`
	WidthCm  float64 `json:"width_cm"`
	HeightCm float64 `json:"height_cm"`
}

// Shipment is the pickup/delivery pair plus the parcel manifest sent to the
// carrier aggregator.
type Shipment struct {
	Pickup   Address  `json:"pickup"`
	Delivery Address  `json:"delivery"`
	Parcels  []Parcel `json:"parcels"`
}

// Validate checks both addresses and requires at least one parcel.
func (s Shipment) Validate() error {
	if err := s.Pickup.Validate(); err != nil {
		return fmt.Errorf("pickup address: %w", err)
	}
	if err := s.Delivery.Validate(); err != nil {
		return fmt.Errorf("delivery address: %w", err)
	}
	if len(s.Parcels) == 0 {
		return fmt.Errorf("at least one parcel is required")
	}
	for i, p := range s.Parcels {
		if p.WeightKg <= 0 {
			return fmt.Errorf("parcel %d: weight must be positive", i)
		}
	}
	return nil
}

// RateOption is one service level quoted by the carrier aggregator.
type RateOption struct {
	CourierID   string `json:"courier_id"`
	CourierName string `json:"courier_name"`
	ServiceType string `json:"service_type"`
	QuoteID     string `json:"quote_id"`
	Price       Price  `json:"price"`
	Currency    string `json:"currency"`
}

// CarrierOrder is the provider's authoritative view of a shipment order.
// RawStatus carries the provider's own status string; map it through
// MapCarrierStatus before persisting.
type CarrierOrder struct {
	OrderCode      string `json:"order_code"`
	RawStatus      string `json:"raw_status"`
	LabelURL       string `json:"label_url,omitempty"`
	TrackingNumber string `json:"tracking_number,omitempty"`
	Price          Price  `json:"price"`
}

// ServicePoint is a cached carrier pickup/drop-off location. The upsert key
// is (Provider, ProviderID).
type ServicePoint struct {
	ID           string    `json:"id"`
	Provider     string    `json:"provider"`
	ProviderID   string    `json:"provider_id"`
	Name         string    `json:"name"`
	Street       string    `json:"street"`
	City         string    `json:"city"`
	PostalCode   string    `json:"postal_code"`
	Country      string    `json:"country"`
	Latitude     float64   `json:"latitude"`
	Longitude    float64   `json:"longitude"`
	Type         string    `json:"type,omitempty"`
	OpeningHours string    `json:"opening_hours,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}
