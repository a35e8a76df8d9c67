package shipping

import (
	"context"
	"fmt"
	"math"

	shipdomain "github.com/collectix/marketplace/internal/app/domain/shipping"
	"github.com/collectix/marketplace/internal/app/metrics"
	"github.com/collectix/marketplace/internal/app/storage"
	"github.com/collectix/marketplace/pkg/logger"
)

// priceEpsilon bounds the float drift tolerated before a carrier-reported
// price is considered changed.
const priceEpsilon = 0.005

// Reconciler pulls the carrier's current truth for an order and merges only
// the fields that changed into the local label. Read-triggered: the carrier
// has no outbound webhook, so freshness comes from reads and the background
// refresher.
type Reconciler struct {
	labels storage.LabelStore
	client CarrierClient
	log    *logger.Logger
}

// NewReconciler constructs a label reconciler.
func NewReconciler(labels storage.LabelStore, client CarrierClient, log *logger.Logger) *Reconciler {
	if log == nil {
		log = logger.NewDefault("label-reconciler")
	}
	return &Reconciler{labels: labels, client: client, log: log}
}

// Refresh fetches the carrier state for the label's order and persists any
// field changes. A status change appends exactly one history row; an
// unchanged response writes nothing.
func (r *Reconciler) Refresh(ctx context.Context, label shipdomain.Label) (shipdomain.Label, error) {
	updated, _, err := r.refresh(ctx, label)
	return updated, err
}

func (r *Reconciler) refresh(ctx context.Context, label shipdomain.Label) (shipdomain.Label, bool, error) {
	order, err := r.client.GetOrderDetails(ctx, label.OrderCode)
	if err != nil {
		return shipdomain.Label{}, false, err
	}

	merged, history, changed := r.merge(label, order)
	if !changed {
		metrics.LabelReconciled("unchanged")
		return label, false, nil
	}

	updated, err := r.labels.UpdateLabel(ctx, merged, history)
	if err != nil {
		return shipdomain.Label{}, false, fmt.Errorf("persist reconciliation: %w", err)
	}
	metrics.LabelReconciled("changed")
	r.log.WithField("label_id", label.ID).
		WithField("order_code", label.OrderCode).
		WithField("status", string(updated.Status)).
		Info("label reconciled")
	return updated, true, nil
}

// RefreshByID reconciles one label by its local id.
func (r *Reconciler) RefreshByID(ctx context.Context, id string) (shipdomain.Label, error) {
	label, err := r.labels.GetLabel(ctx, id)
	if err != nil {
		return shipdomain.Label{}, err
	}
	return r.Refresh(ctx, label)
}

// RefreshOpen reconciles every label still awaiting a terminal status.
// Returns the number of labels that changed.
func (r *Reconciler) RefreshOpen(ctx context.Context) (int, error) {
	open, err := r.labels.ListOpenLabels(ctx)
	if err != nil {
		return 0, fmt.Errorf("list open labels: %w", err)
	}

	changed := 0
	for _, label := range open {
		_, didChange, err := r.refresh(ctx, label)
		if err != nil {
			r.log.WithError(err).WithField("label_id", label.ID).Warn("label refresh failed")
			continue
		}
		if didChange {
			changed++
		}
	}
	return changed, nil
}

// merge applies the once-set and epsilon rules field by field. The returned
// history row is non-nil only when the status changed.
func (r *Reconciler) merge(label shipdomain.Label, order shipdomain.CarrierOrder) (shipdomain.Label, *shipdomain.StatusHistory, bool) {
	changed := false
	var history *shipdomain.StatusHistory

	if order.RawStatus != "" {
		mapped, recognized := shipdomain.MapCarrierStatus(order.RawStatus)
		if !recognized {
			r.log.WithField("order_code", order.OrderCode).
				WithField("raw_status", order.RawStatus).
				Warn("unrecognized carrier status, treating as purchased")
		}
		switch {
		case mapped == label.Status:
		case label.Status.Terminal():
			// cancelled and error admit no way back; the carrier
			// reporting an active-ish state afterwards is stale data
			r.log.WithField("order_code", order.OrderCode).
				WithField("status", string(label.Status)).
				WithField("raw_status", order.RawStatus).
				Warn("carrier reports movement out of a terminal label status, holding")
		default:
			label.Status = mapped
			history = &shipdomain.StatusHistory{
				LabelID: label.ID,
				Status:  mapped,
				Note:    order.RawStatus,
			}
			changed = true
		}
	}

	// Label URL and tracking number are once-set: a carrier response that
	// omits them never erases a previously stored value.
	if order.LabelURL != "" && order.LabelURL != label.LabelURL {
		label.LabelURL = order.LabelURL
		changed = true
	}
	if order.TrackingNumber != "" && order.TrackingNumber != label.TrackingNumber {
		label.TrackingNumber = order.TrackingNumber
		changed = true
	}

	// An all-zero price means the carrier omitted it, not that shipping
	// became free.
	if !priceIsZero(order.Price) && priceDiffers(label.Price, order.Price) {
		label.Price = order.Price
		changed = true
	}

	return label, history, changed
}

func priceIsZero(p shipdomain.Price) bool {
	return p.Gross == 0 && p.Net == 0 && p.VAT == 0
}

func priceDiffers(a, b shipdomain.Price) bool {
	return math.Abs(a.Gross-b.Gross) > priceEpsilon ||
		math.Abs(a.Net-b.Net) > priceEpsilon ||
		math.Abs(a.VAT-b.VAT) > priceEpsilon
}
