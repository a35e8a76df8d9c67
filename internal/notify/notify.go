// Package notify delivers outcome events to users. Delivery is
// fire-and-forget: a failed notification never rolls back the financial
// write that produced it.
package notify

import (
	"context"

	"github.com/collectix/marketplace/pkg/logger"
)

// Event kinds emitted by the settlement and order services.
const (
	EventAuctionWon     = "auction.won"
	EventAuctionExpired = "auction.expired"
	EventItemSold       = "item.sold"
	EventOrderShipped   = "order.shipped"
	EventOrderCompleted = "order.completed"
	EventOrderCancelled = "order.cancelled"
)

// Event is one outcome notification addressed to a single user.
type Event struct {
	Kind          string
	UserID        string
	TransactionID string
	AuctionID     string
	Amount        int64
	Currency      string
}

// Sink consumes outcome events.
type Sink interface {
	Notify(ctx context.Context, event Event)
}

// LogSink writes events to the structured log. Used until a real delivery
// channel (push, email) is attached.
type LogSink struct {
	log *logger.Logger
}

// NewLogSink constructs a logging sink.
func NewLogSink(log *logger.Logger) *LogSink {
	if log == nil {
		log = logger.NewDefault("notify")
	}
	return &LogSink{log: log}
}

func (s *LogSink) Notify(_ context.Context, event Event) {
	s.log.WithField("kind", event.Kind).
		WithField("user_id", event.UserID).
		WithField("transaction_id", event.TransactionID).
		WithField("auction_id", event.AuctionID).
		Info("notification dispatched")
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, event Event)

func (f SinkFunc) Notify(ctx context.Context, event Event) {
	if f != nil {
		f(ctx, event)
	}
}
