// Package shipping orchestrates carrier quotes, label purchase and label
// reconciliation against the external carrier aggregator.
package shipping

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	shipdomain "github.com/collectix/marketplace/internal/app/domain/shipping"
	"github.com/collectix/marketplace/internal/app/storage"
	"github.com/collectix/marketplace/pkg/logger"
)

// CarrierClient is the slice of the carrier aggregator API this package
// consumes.
type CarrierClient interface {
	Provider() string
	GetQuotes(ctx context.Context, shp shipdomain.Shipment) ([]shipdomain.RateOption, error)
	CreateOrder(ctx context.Context, shp shipdomain.Shipment, serviceType, quoteID string) (shipdomain.CarrierOrder, error)
	CancelOrder(ctx context.Context, orderCode string) (shipdomain.CarrierOrder, error)
	GetOrderDetails(ctx context.Context, orderCode string) (shipdomain.CarrierOrder, error)
	GetPickupPoints(ctx context.Context, courierID string, lat, lng, radiusKm float64) ([]shipdomain.ServicePoint, error)
}

// Orchestrator drives the quote -> select -> purchase protocol. Label
// purchase is idempotent per transaction: an existing label is returned
// without a second provider call, and a concurrent duplicate purchase
// resolves to the label that won the unique-constraint race.
type Orchestrator struct {
	labels storage.LabelStore
	client CarrierClient
	log    *logger.Logger
}

// NewOrchestrator constructs the shipping orchestrator.
func NewOrchestrator(labels storage.LabelStore, client CarrierClient, log *logger.Logger) *Orchestrator {
	if log == nil {
		log = logger.NewDefault("shipping")
	}
	return &Orchestrator{labels: labels, client: client, log: log}
}

// Quote fetches rated service options for a shipment, cheapest first.
func (o *Orchestrator) Quote(ctx context.Context, shp shipdomain.Shipment) ([]shipdomain.RateOption, error) {
	options, err := o.client.GetQuotes(ctx, shp)
	if err != nil {
		return nil, err
	}
	sort.Slice(options, func(i, j int) bool { return options[i].Price.Gross < options[j].Price.Gross })
	return options, nil
}

// CreateOrRetrieveLabel purchases a label for the transaction, or returns the
// one already on file. The at-most-one-label invariant is enforced by the
// store's unique constraint, not by in-memory locking, so concurrent replicas
// are safe.
func (o *Orchestrator) CreateOrRetrieveLabel(ctx context.Context, transactionID string, shp shipdomain.Shipment, option shipdomain.RateOption) (shipdomain.Label, error) {
	if transactionID == "" {
		return shipdomain.Label{}, fmt.Errorf("%w: transaction id required", shipdomain.ErrInvalidShipmentRequest)
	}

	existing, err := o.labels.GetLabelByTransaction(ctx, transactionID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return shipdomain.Label{}, fmt.Errorf("lookup label: %w", err)
	}

	order, err := o.client.CreateOrder(ctx, shp, option.ServiceType, option.QuoteID)
	if err != nil {
		return shipdomain.Label{}, err
	}

	status := creationStatus(order.RawStatus)

	label := shipdomain.Label{
		TransactionID:  transactionID,
		OrderCode:      order.OrderCode,
		CourierID:      option.CourierID,
		ServiceType:    option.ServiceType,
		QuoteID:        option.QuoteID,
		LabelURL:       order.LabelURL,
		TrackingNumber: order.TrackingNumber,
		Status:         status,
		Price:          order.Price,
	}

	created, err := o.labels.CreateLabel(ctx, label)
	if errors.Is(err, storage.ErrConflict) {
		// A concurrent purchase won the race; its label is the truth.
		return o.labels.GetLabelByTransaction(ctx, transactionID)
	}
	if err != nil {
		return shipdomain.Label{}, fmt.Errorf("persist label: %w", err)
	}

	o.log.WithField("transaction_id", transactionID).
		WithField("order_code", created.OrderCode).
		WithField("courier_id", created.CourierID).
		Info("shipping label created")
	return created, nil
}

// creationStatus derives the initial label status from the carrier's
// create-order response. A carrier that reports "pending" (or nothing) has
// not issued the label yet; reconciliation advances it later.
func creationStatus(raw string) shipdomain.LabelStatus {
	trimmed := strings.ToLower(strings.TrimSpace(raw))
	if trimmed == "" || trimmed == "pending" {
		return shipdomain.LabelPending
	}
	mapped, _ := shipdomain.MapCarrierStatus(raw)
	return mapped
}

// LabelForTransaction returns the label attached to a transaction.
func (o *Orchestrator) LabelForTransaction(ctx context.Context, transactionID string) (shipdomain.Label, error) {
	return o.labels.GetLabelByTransaction(ctx, transactionID)
}

// GetLabel returns one label with its status history.
func (o *Orchestrator) GetLabel(ctx context.Context, id string) (shipdomain.Label, []shipdomain.StatusHistory, error) {
	label, err := o.labels.GetLabel(ctx, id)
	if err != nil {
		return shipdomain.Label{}, nil, err
	}
	history, err := o.labels.ListLabelHistory(ctx, label.ID)
	if err != nil {
		return shipdomain.Label{}, nil, err
	}
	return label, history, nil
}

// CancelLabel cancels a pending label with the carrier and records the
// status change. Purchased, cancelled and errored labels are immutable here.
func (o *Orchestrator) CancelLabel(ctx context.Context, id string) (shipdomain.Label, error) {
	label, err := o.labels.GetLabel(ctx, id)
	if err != nil {
		return shipdomain.Label{}, err
	}
	if label.Status != shipdomain.LabelPending {
		return shipdomain.Label{}, fmt.Errorf("%w: label is %s", storage.ErrConflict, label.Status)
	}

	order, err := o.client.CancelOrder(ctx, label.OrderCode)
	if err != nil {
		return shipdomain.Label{}, err
	}

	label.Status = shipdomain.LabelCancelled
	history := &shipdomain.StatusHistory{
		LabelID: label.ID,
		Status:  shipdomain.LabelCancelled,
		Note:    order.RawStatus,
	}
	updated, err := o.labels.UpdateLabel(ctx, label, history)
	if err != nil {
		return shipdomain.Label{}, fmt.Errorf("persist cancellation: %w", err)
	}
	o.log.WithField("label_id", label.ID).
		WithField("order_code", label.OrderCode).
		Info("shipping label cancelled")
	return updated, nil
}
