// Package httpapi exposes the marketplace services over REST.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	app "github.com/collectix/marketplace/internal/app"
	shipdomain "github.com/collectix/marketplace/internal/app/domain/shipping"
	"github.com/collectix/marketplace/internal/app/domain/transaction"
	"github.com/collectix/marketplace/internal/app/services/auctions"
	"github.com/collectix/marketplace/internal/app/services/fees"
	"github.com/collectix/marketplace/internal/app/services/orders"
	shippingsvc "github.com/collectix/marketplace/internal/app/services/shipping"
	"github.com/collectix/marketplace/internal/app/storage"
	"github.com/collectix/marketplace/internal/carrier"
)

// handler bundles HTTP endpoints for the application services.
type handler struct {
	app   *app.Application
	audit *auditLog
}

// NewHandler returns a mux exposing the core REST API. Caller identity is
// taken from the X-User-ID and X-User-Role headers set by the authenticating
// gateway; the handler never trusts client-supplied role claims beyond that
// verified boundary.
func NewHandler(application *app.Application) http.Handler {
	h := &handler{app: application, audit: newAuditLog(0, nil)}
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.health)
	mux.HandleFunc("/checkout", h.checkout)
	mux.HandleFunc("/transactions", h.transactions)
	mux.HandleFunc("/transactions/", h.transactionResources)
	mux.HandleFunc("/auctions", h.auctionsRoot)
	mux.HandleFunc("/auctions/", h.auctionResources)
	mux.HandleFunc("/shipping/quotes", h.shippingQuotes)
	mux.HandleFunc("/labels/", h.labelResources)
	mux.HandleFunc("/service-points", h.servicePoints)
	mux.HandleFunc("/admin/settle", h.adminSettle)
	mux.HandleFunc("/admin/audit", h.adminAudit)
	return h.audit.middleware(mux)
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) checkout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	caller, ok := h.identity(w, r)
	if !ok {
		return
	}

	var payload struct {
		SellerID       string `json:"seller_id"`
		ListingID      string `json:"listing_id"`
		Currency       string `json:"currency"`
		ItemAmount     int64  `json:"item_amount"`
		ShippingAmount int64  `json:"shipping_amount"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	tx, err := h.app.Orders.Checkout(r.Context(), caller, orders.CheckoutRequest{
		SellerID:       payload.SellerID,
		ListingID:      payload.ListingID,
		Currency:       payload.Currency,
		ItemAmount:     payload.ItemAmount,
		ShippingAmount: payload.ShippingAmount,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, tx)
}

func (h *handler) transactions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	caller, ok := h.identity(w, r)
	if !ok {
		return
	}

	txs, err := h.app.Orders.ListForUser(r.Context(), caller, r.URL.Query().Get("user_id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, txs)
}

func (h *handler) transactionResources(w http.ResponseWriter, r *http.Request) {
	trimmed := strings.Trim(strings.TrimPrefix(r.URL.Path, "/transactions"), "/")
	parts := strings.Split(trimmed, "/")
	if len(parts) == 0 || parts[0] == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	caller, ok := h.identity(w, r)
	if !ok {
		return
	}
	id := parts[0]

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		tx, err := h.app.Orders.Get(r.Context(), caller, id)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, tx)
		return
	}

	if len(parts) != 2 {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	switch parts[1] {
	case "pay", "ship", "deliver", "complete", "cancel":
		h.transition(w, r, caller, id, parts[1])
	case "label":
		h.transactionLabel(w, r, caller, id)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *handler) transition(w http.ResponseWriter, r *http.Request, caller orders.Identity, id, action string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var (
		tx  transaction.Transaction
		err error
	)
	switch action {
	case "pay":
		tx, err = h.app.Orders.MarkPaid(r.Context(), caller, id)
	case "ship":
		var payload struct {
			TrackingNumber string `json:"tracking_number"`
		}
		if r.ContentLength != 0 {
			if decodeErr := decodeJSON(r.Body, &payload); decodeErr != nil {
				writeError(w, http.StatusBadRequest, decodeErr)
				return
			}
		}
		tx, err = h.app.Orders.Ship(r.Context(), caller, id, payload.TrackingNumber)
	case "deliver":
		tx, err = h.app.Orders.Deliver(r.Context(), caller, id)
	case "complete":
		tx, err = h.app.Orders.Complete(r.Context(), caller, id)
	case "cancel":
		tx, err = h.app.Orders.Cancel(r.Context(), caller, id)
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

// transactionLabel purchases or returns the shipping label of a transaction.
func (h *handler) transactionLabel(w http.ResponseWriter, r *http.Request, caller orders.Identity, id string) {
	if h.app.Shipping == nil {
		writeError(w, http.StatusServiceUnavailable, fmt.Errorf("shipping is not configured"))
		return
	}

	// only the transaction parties may touch its label
	if _, err := h.app.Orders.Get(r.Context(), caller, id); err != nil {
		writeDomainError(w, err)
		return
	}

	switch r.Method {
	case http.MethodGet:
		label, err := h.app.Shipping.LabelForTransaction(r.Context(), id)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		// read-triggered reconciliation keeps the label fresh
		if h.app.Reconciler != nil {
			if refreshed, err := h.app.Reconciler.Refresh(r.Context(), label); err == nil {
				label = refreshed
			}
		}
		writeJSON(w, http.StatusOK, label)

	case http.MethodPost:
		var payload struct {
			Shipment shipdomain.Shipment   `json:"shipment"`
			Option   shipdomain.RateOption `json:"option"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		label, err := h.app.Shipping.CreateOrRetrieveLabel(r.Context(), id, payload.Shipment, payload.Option)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, label)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *handler) auctionsRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	caller, ok := h.identity(w, r)
	if !ok {
		return
	}

	var payload struct {
		ItemID      string    `json:"item_id"`
		StartingBid int64     `json:"starting_bid"`
		Currency    string    `json:"currency"`
		EndsAt      time.Time `json:"ends_at"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	a, err := h.app.Auctions.Create(r.Context(), auctions.CreateRequest{
		ItemID:      payload.ItemID,
		SellerID:    caller.UserID,
		StartingBid: payload.StartingBid,
		Currency:    payload.Currency,
		EndsAt:      payload.EndsAt,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (h *handler) auctionResources(w http.ResponseWriter, r *http.Request) {
	trimmed := strings.Trim(strings.TrimPrefix(r.URL.Path, "/auctions"), "/")
	parts := strings.Split(trimmed, "/")
	if len(parts) == 0 || parts[0] == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	caller, ok := h.identity(w, r)
	if !ok {
		return
	}
	id := parts[0]

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		a, err := h.app.Auctions.Get(r.Context(), id)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, a)
		return
	}

	if len(parts) != 2 {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	switch parts[1] {
	case "bids":
		switch r.Method {
		case http.MethodGet:
			bids, err := h.app.Auctions.ListBids(r.Context(), id)
			if err != nil {
				writeDomainError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, bids)
		case http.MethodPost:
			var payload struct {
				Amount int64 `json:"amount"`
			}
			if err := decodeJSON(r.Body, &payload); err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			bid, err := h.app.Auctions.PlaceBid(r.Context(), caller.UserID, id, payload.Amount)
			if err != nil {
				writeDomainError(w, err)
				return
			}
			writeJSON(w, http.StatusCreated, bid)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}

	case "cancel":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !caller.Admin {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		a, err := h.app.Auctions.Cancel(r.Context(), id)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, a)

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *handler) shippingQuotes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h.app.Shipping == nil {
		writeError(w, http.StatusServiceUnavailable, fmt.Errorf("shipping is not configured"))
		return
	}
	if _, ok := h.identity(w, r); !ok {
		return
	}

	var shp shipdomain.Shipment
	if err := decodeJSON(r.Body, &shp); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	options, err := h.app.Shipping.Quote(r.Context(), shp)
	if errors.Is(err, shipdomain.ErrNoRatesAvailable) {
		// no offers is an empty result, not a failure
		writeJSON(w, http.StatusOK, []shipdomain.RateOption{})
		return
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, options)
}

func (h *handler) labelResources(w http.ResponseWriter, r *http.Request) {
	if h.app.Shipping == nil {
		writeError(w, http.StatusServiceUnavailable, fmt.Errorf("shipping is not configured"))
		return
	}
	trimmed := strings.Trim(strings.TrimPrefix(r.URL.Path, "/labels"), "/")
	parts := strings.Split(trimmed, "/")
	if len(parts) == 0 || parts[0] == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if _, ok := h.identity(w, r); !ok {
		return
	}
	id := parts[0]

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		// read-triggered reconciliation; on failure the cached label is
		// served as-is
		if h.app.Reconciler != nil {
			_, _ = h.app.Reconciler.RefreshByID(r.Context(), id)
		}
		label, history, err := h.app.Shipping.GetLabel(r.Context(), id)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"label": label, "history": history})
		return
	}

	if len(parts) == 2 && parts[1] == "cancel" {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		label, err := h.app.Shipping.CancelLabel(r.Context(), id)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, label)
		return
	}

	w.WriteHeader(http.StatusNotFound)
}

func (h *handler) servicePoints(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h.app.Points == nil {
		writeError(w, http.StatusServiceUnavailable, fmt.Errorf("shipping is not configured"))
		return
	}
	if _, ok := h.identity(w, r); !ok {
		return
	}

	q := r.URL.Query()
	country := q.Get("country")

	if postal := q.Get("postal_code"); postal != "" {
		points, err := h.app.Points.SearchByPostalCode(r.Context(), country, postal)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusOK, points)
		return
	}

	lat, err1 := strconv.ParseFloat(q.Get("latitude"), 64)
	lng, err2 := strconv.ParseFloat(q.Get("longitude"), 64)
	if err1 != nil || err2 != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("latitude and longitude are required"))
		return
	}
	radius := 10.0
	if raw := q.Get("radius_km"); raw != "" {
		if parsed, err := strconv.ParseFloat(raw, 64); err == nil {
			radius = parsed
		}
	}
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		limit, _ = strconv.Atoi(raw)
	}

	ranked, err := h.app.Points.SearchByCoordinates(r.Context(), shippingsvc.PointQuery{
		Country:   country,
		Latitude:  lat,
		Longitude: lng,
		RadiusKm:  radius,
		Limit:     limit,
		CourierID: q.Get("courier_id"),
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ranked)
}

// adminSettle triggers an immediate settlement scan, ahead of the poller.
func (h *handler) adminSettle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	caller, ok := h.identity(w, r)
	if !ok {
		return
	}
	if !caller.Admin {
		w.WriteHeader(http.StatusForbidden)
		return
	}

	settled, err := h.app.Settlement.SettleDue(r.Context(), time.Now())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"settled": settled})
}

func (h *handler) adminAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	caller, ok := h.identity(w, r)
	if !ok {
		return
	}
	if !caller.Admin {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	writeJSON(w, http.StatusOK, h.audit.list())
}

// identity extracts the verified caller from gateway headers. A missing user
// id is a 401; the handler writes the response itself.
func (h *handler) identity(w http.ResponseWriter, r *http.Request) (orders.Identity, bool) {
	userID := strings.TrimSpace(r.Header.Get("X-User-ID"))
	if userID == "" {
		writeError(w, http.StatusUnauthorized, fmt.Errorf("missing user identity"))
		return orders.Identity{}, false
	}
	admin := strings.EqualFold(strings.TrimSpace(r.Header.Get("X-User-Role")), "admin")
	return orders.Identity{UserID: userID, Admin: admin}, true
}

// writeDomainError maps sentinel errors onto HTTP status codes.
func writeDomainError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, storage.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, transaction.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, storage.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, carrier.ErrProviderUnavailable):
		status = http.StatusBadGateway
	case errors.Is(err, transaction.ErrInvalidTransition),
		errors.Is(err, fees.ErrInvalidAmount),
		errors.Is(err, auctions.ErrBidTooLow),
		errors.Is(err, auctions.ErrAuctionClosed),
		errors.Is(err, shipdomain.ErrInvalidShipmentRequest),
		errors.Is(err, shipdomain.ErrUnsupportedCountry),
		errors.Is(err, shipdomain.ErrNoRatesAvailable):
		status = http.StatusBadRequest
	}
	writeError(w, status, err)
}

func decodeJSON(body io.ReadCloser, dst interface{}) error {
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
