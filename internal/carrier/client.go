// Package carrier implements the HTTP client for the external carrier
// aggregator: rate quotes, shipment orders, order details and pickup points.
package carrier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"github.com/collectix/marketplace/internal/app/domain/shipping"
	"github.com/collectix/marketplace/internal/app/metrics"
	"github.com/collectix/marketplace/pkg/logger"
)

// ErrProviderUnavailable is returned after retries against the carrier are
// exhausted on network errors or 5xx responses.
var ErrProviderUnavailable = errors.New("carrier provider unavailable")

// Config configures the carrier client.
type Config struct {
	BaseURL    string
	APIKey     string
	Provider   string // provider tag stamped onto cached service points
	Timeout    time.Duration
	MaxRetries int
	// RatePerSec caps outbound calls to the aggregator; zero disables the
	// limiter.
	RatePerSec float64
}

// Client talks to the carrier aggregator over HTTP. Transient failures are
// retried with exponential backoff; validation rejections are permanent.
type Client struct {
	httpClient *http.Client
	baseURL    *url.URL
	apiKey     string
	provider   string
	maxRetries int
	limiter    *rate.Limiter
	log        *logger.Logger
}

// New constructs a carrier client.
func New(cfg Config, httpClient *http.Client, log *logger.Logger) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("carrier base URL required")
	}
	parsed, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parse carrier base URL: %w", err)
	}
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 15 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	if log == nil {
		log = logger.NewDefault("carrier-client")
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	var limiter *rate.Limiter
	if cfg.RatePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1)
	}
	provider := strings.TrimSpace(cfg.Provider)
	if provider == "" {
		provider = "aggregator"
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    parsed,
		apiKey:     strings.TrimSpace(cfg.APIKey),
		provider:   provider,
		maxRetries: maxRetries,
		limiter:    limiter,
		log:        log,
	}, nil
}

// Provider returns the provider tag used for cached service points.
func (c *Client) Provider() string { return c.provider }

// GetQuotes requests available service levels for a shipment. An empty
// result maps to shipping.ErrNoRatesAvailable; an explicit route rejection
// maps to shipping.ErrUnsupportedCountry.
func (c *Client) GetQuotes(ctx context.Context, shp shipping.Shipment) ([]shipping.RateOption, error) {
	if err := shp.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s", shipping.ErrInvalidShipmentRequest, err)
	}

	body, err := c.do(ctx, "quotes", http.MethodPost, "/v1/quotes", quotePayload(shp))
	if err != nil {
		return nil, err
	}

	var options []shipping.RateOption
	gjson.GetBytes(body, "rates").ForEach(func(_, r gjson.Result) bool {
		options = append(options, shipping.RateOption{
			CourierID:   r.Get("courier_id").String(),
			CourierName: r.Get("courier_name").String(),
			ServiceType: r.Get("service_type").String(),
			QuoteID:     r.Get("quote_id").String(),
			Currency:    r.Get("currency").String(),
			Price: shipping.Price{
				Gross: r.Get("price.gross").Float(),
				Net:   r.Get("price.net").Float(),
				VAT:   r.Get("price.vat").Float(),
			},
		})
		return true
	})
	if len(options) == 0 {
		return nil, shipping.ErrNoRatesAvailable
	}
	return options, nil
}

// CreateOrder places a shipment order for a previously quoted service level.
func (c *Client) CreateOrder(ctx context.Context, shp shipping.Shipment, serviceType, quoteID string) (shipping.CarrierOrder, error) {
	if err := shp.Validate(); err != nil {
		return shipping.CarrierOrder{}, fmt.Errorf("%w: %s", shipping.ErrInvalidShipmentRequest, err)
	}
	if strings.TrimSpace(serviceType) == "" {
		return shipping.CarrierOrder{}, fmt.Errorf("%w: service type required", shipping.ErrInvalidShipmentRequest)
	}

	payload := quotePayload(shp)
	payload["service_type"] = serviceType
	payload["quote_id"] = quoteID

	body, err := c.do(ctx, "create_order", http.MethodPost, "/v1/orders", payload)
	if err != nil {
		return shipping.CarrierOrder{}, err
	}
	order := parseOrder(body)
	if order.OrderCode == "" {
		return shipping.CarrierOrder{}, fmt.Errorf("%w: carrier response missing order code", ErrProviderUnavailable)
	}
	return order, nil
}

// CancelOrder asks the carrier to cancel an order that has not shipped yet.
func (c *Client) CancelOrder(ctx context.Context, orderCode string) (shipping.CarrierOrder, error) {
	if strings.TrimSpace(orderCode) == "" {
		return shipping.CarrierOrder{}, fmt.Errorf("%w: order code required", shipping.ErrInvalidShipmentRequest)
	}
	body, err := c.do(ctx, "cancel_order", http.MethodPost, "/v1/orders/"+url.PathEscape(orderCode)+"/cancel", nil)
	if err != nil {
		return shipping.CarrierOrder{}, err
	}
	order := parseOrder(body)
	if order.OrderCode == "" {
		order.OrderCode = orderCode
	}
	return order, nil
}

// GetOrderDetails fetches the carrier's current truth for an order.
func (c *Client) GetOrderDetails(ctx context.Context, orderCode string) (shipping.CarrierOrder, error) {
	if strings.TrimSpace(orderCode) == "" {
		return shipping.CarrierOrder{}, fmt.Errorf("%w: order code required", shipping.ErrInvalidShipmentRequest)
	}
	body, err := c.do(ctx, "order_details", http.MethodGet, "/v1/orders/"+url.PathEscape(orderCode), nil)
	if err != nil {
		return shipping.CarrierOrder{}, err
	}
	order := parseOrder(body)
	if order.OrderCode == "" {
		order.OrderCode = orderCode
	}
	return order, nil
}

// GetPickupPoints retrieves drop-off/pickup locations near a coordinate.
func (c *Client) GetPickupPoints(ctx context.Context, courierID string, lat, lng, radiusKm float64) ([]shipping.ServicePoint, error) {
	q := url.Values{}
	q.Set("courier_id", courierID)
	q.Set("latitude", fmt.Sprintf("%f", lat))
	q.Set("longitude", fmt.Sprintf("%f", lng))
	q.Set("radius_km", fmt.Sprintf("%f", radiusKm))

	body, err := c.do(ctx, "pickup_points", http.MethodGet, "/v1/pickup-points?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}

	var points []shipping.ServicePoint
	gjson.GetBytes(body, "points").ForEach(func(_, p gjson.Result) bool {
		points = append(points, shipping.ServicePoint{
			Provider:     c.provider,
			ProviderID:   p.Get("id").String(),
			Name:         p.Get("name").String(),
			Street:       p.Get("address.street").String(),
			City:         p.Get("address.city").String(),
			PostalCode:   p.Get("address.postal_code").String(),
			Country:      strings.ToUpper(p.Get("address.country").String()),
			Latitude:     p.Get("latitude").Float(),
			Longitude:    p.Get("longitude").Float(),
			Type:         p.Get("type").String(),
			OpeningHours: p.Get("opening_hours").String(),
		})
		return true
	})
	return points, nil
}

// do executes one API call with the retry policy: network errors and 5xx
// responses retry with exponential backoff up to maxRetries attempts, 4xx
// responses fail permanently.
func (c *Client) do(ctx context.Context, op, method, path string, payload map[string]interface{}) ([]byte, error) {
	start := time.Now()
	body, err := c.doOnce(ctx, method, path, payload)
	metrics.CarrierCall(op, callOutcome(err), time.Since(start))
	return body, err
}

// callOutcome folds a carrier error into the metric vocabulary: validation
// rejections are "rejected", everything else that failed is "unavailable".
func callOutcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, shipping.ErrInvalidShipmentRequest),
		errors.Is(err, shipping.ErrUnsupportedCountry):
		return "rejected"
	default:
		return "unavailable"
	}
}

func (c *Client) doOnce(ctx context.Context, method, path string, payload map[string]interface{}) ([]byte, error) {
	var reqBody []byte
	if payload != nil {
		var err error
		reqBody, err = json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal carrier payload: %w", err)
		}
	}

	operation := func() ([]byte, error) {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, backoff.Permanent(err)
			}
		}

		var bodyReader io.Reader
		if reqBody != nil {
			bodyReader = bytes.NewReader(reqBody)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL.String()+path, bodyReader)
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("build carrier request: %w", err))
		}
		if reqBody != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("carrier request: %w", err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return nil, fmt.Errorf("read carrier response: %w", err)
		}

		switch {
		case resp.StatusCode >= 500:
			return nil, fmt.Errorf("carrier status %d", resp.StatusCode)
		case resp.StatusCode >= 400:
			return nil, backoff.Permanent(classifyRejection(resp.StatusCode, body))
		}
		return body, nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 200 * time.Millisecond
	policy.MaxInterval = 5 * time.Second

	body, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(c.maxRetries)),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.log.WithError(err).WithField("retry_in", next.String()).Warn("carrier call failed, retrying")
		}))
	if err != nil {
		if errors.Is(err, shipping.ErrInvalidShipmentRequest) ||
			errors.Is(err, shipping.ErrUnsupportedCountry) ||
			errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s", ErrProviderUnavailable, err)
	}
	return body, nil
}

// classifyRejection maps a carrier 4xx into the local error taxonomy,
// keeping the provider's own message for diagnosis.
func classifyRejection(status int, body []byte) error {
	msg := gjson.GetBytes(body, "error.message").String()
	if msg == "" {
		msg = gjson.GetBytes(body, "message").String()
	}
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}

	code := gjson.GetBytes(body, "error.code").String()
	if code == "unsupported_country" || strings.Contains(strings.ToLower(msg), "country not supported") {
		return fmt.Errorf("%w: %s", shipping.ErrUnsupportedCountry, msg)
	}
	return fmt.Errorf("%w: carrier status %d: %s", shipping.ErrInvalidShipmentRequest, status, msg)
}

func quotePayload(shp shipping.Shipment) map[string]interface{} {
	parcels := make([]map[string]interface{}, 0, len(shp.Parcels))
	for _, p := range shp.Parcels {
		parcels = append(parcels, map[string]interface{}{
			"weight_kg": p.WeightKg,
			"length_cm": p.LengthCm,
			"width_cm":  p.WidthCm,
			"height_cm": p.HeightCm,
		})
	}
	return map[string]interface{}{
		"pickup":   addressPayload(shp.Pickup),
		"delivery": addressPayload(shp.Delivery),
		"parcels":  parcels,
	}
}

func addressPayload(a shipping.Address) map[string]interface{} {
	return map[string]interface{}{
		"name":        a.Name,
		"phone":       a.Phone,
		"email":       a.Email,
		"street":      a.Street,
		"city":        a.City,
		"postal_code": a.PostalCode,
		"country":     a.Country,
	}
}

func parseOrder(body []byte) shipping.CarrierOrder {
	root := gjson.ParseBytes(body)
	order := root
	if nested := root.Get("order"); nested.Exists() {
		order = nested
	}
	return shipping.CarrierOrder{
		OrderCode:      order.Get("order_code").String(),
		RawStatus:      order.Get("status").String(),
		LabelURL:       order.Get("label_url").String(),
		TrackingNumber: order.Get("tracking_number").String(),
		Price: shipping.Price{
			Gross: order.Get("price.gross").Float(),
			Net:   order.Get("price.net").Float(),
			VAT:   order.Get("price.vat").Float(),
		},
	}
}
