// Package app wires the marketplace services together and manages their
// lifecycle.
package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/collectix/marketplace/internal/app/services/auctions"
	"github.com/collectix/marketplace/internal/app/services/orders"
	"github.com/collectix/marketplace/internal/app/services/settlement"
	shippingsvc "github.com/collectix/marketplace/internal/app/services/shipping"
	"github.com/collectix/marketplace/internal/app/storage"
	"github.com/collectix/marketplace/internal/app/storage/memory"
	"github.com/collectix/marketplace/internal/app/system"
	"github.com/collectix/marketplace/internal/carrier"
	"github.com/collectix/marketplace/internal/notify"
	"github.com/collectix/marketplace/pkg/logger"
)

// Stores encapsulates persistence dependencies. Nil stores default to the
// in-memory implementation.
type Stores struct {
	Transactions  storage.TransactionStore
	Auctions      storage.AuctionStore
	Labels        storage.LabelStore
	ServicePoints storage.ServicePointStore
}

// Options carries the external collaborators and schedules. Zero values fall
// back to environment-driven defaults.
type Options struct {
	// Carrier overrides the aggregator client built from CARRIER_BASE_URL.
	Carrier shippingsvc.CarrierClient
	// Rail overrides the logging payment rail stub.
	Rail orders.PaymentRail
	// Sink overrides the logging notification sink.
	Sink notify.Sink

	SettlementSpec   string
	LabelRefreshSpec string
	PlatformFeePct   float64
	SellerFeePct     float64
}

// Application ties the marketplace services together and manages their
// lifecycle.
type Application struct {
	manager *system.Manager
	log     *logger.Logger

	Orders     *orders.Service
	Auctions   *auctions.Service
	Settlement *settlement.Engine
	Shipping   *shippingsvc.Orchestrator
	Reconciler *shippingsvc.Reconciler
	Points     *shippingsvc.PointCache
}

// New builds a fully initialised application with the provided stores.
func New(stores Stores, opts Options, log *logger.Logger) (*Application, error) {
	if log == nil {
		log = logger.NewDefault("app")
	}

	mem := memory.New()
	if stores.Transactions == nil {
		stores.Transactions = mem
	}
	if stores.Auctions == nil {
		stores.Auctions = mem
	}
	if stores.Labels == nil {
		stores.Labels = mem
	}
	if stores.ServicePoints == nil {
		stores.ServicePoints = mem
	}

	sink := opts.Sink
	if sink == nil {
		sink = notify.NewLogSink(log)
	}

	carrierClient := opts.Carrier
	if carrierClient == nil {
		if baseURL := strings.TrimSpace(os.Getenv("CARRIER_BASE_URL")); baseURL != "" {
			client, err := carrier.New(carrier.Config{
				BaseURL:  baseURL,
				APIKey:   os.Getenv("CARRIER_API_KEY"),
				Provider: os.Getenv("CARRIER_PROVIDER"),
			}, &http.Client{Timeout: 15 * time.Second}, log)
			if err != nil {
				return nil, fmt.Errorf("configure carrier client: %w", err)
			}
			carrierClient = client
		} else {
			log.Warn("CARRIER_BASE_URL not set; shipping endpoints disabled")
		}
	}

	manager := system.NewManager()

	engine := settlement.New(stores.Auctions, sink, log)
	if opts.PlatformFeePct > 0 || opts.SellerFeePct > 0 {
		engine.WithRates(opts.PlatformFeePct, opts.SellerFeePct)
	}
	auctionService := auctions.New(stores.Auctions, log)

	var (
		orchestrator *shippingsvc.Orchestrator
		reconciler   *shippingsvc.Reconciler
		points       *shippingsvc.PointCache
		labelSource  orders.LabelSource
	)
	if carrierClient != nil {
		orchestrator = shippingsvc.NewOrchestrator(stores.Labels, carrierClient, log)
		reconciler = shippingsvc.NewReconciler(stores.Labels, carrierClient, log)
		points = shippingsvc.NewPointCache(stores.ServicePoints, carrierClient, log)
		labelSource = orchestrator
	}

	orderService := orders.New(stores.Transactions, opts.Rail, labelSource, sink, log)

	for _, name := range []string{"orders", "auctions", "shipping"} {
		if err := manager.Register(system.NoopService{ServiceName: name}); err != nil {
			return nil, fmt.Errorf("register %s service: %w", name, err)
		}
	}

	poller := settlement.NewPoller(engine, opts.SettlementSpec, log)
	if err := manager.Register(poller); err != nil {
		return nil, fmt.Errorf("register %s: %w", poller.Name(), err)
	}
	if reconciler != nil {
		refresher := shippingsvc.NewRefresher(reconciler, opts.LabelRefreshSpec, log)
		if err := manager.Register(refresher); err != nil {
			return nil, fmt.Errorf("register %s: %w", refresher.Name(), err)
		}
	}

	return &Application{
		manager:    manager,
		log:        log,
		Orders:     orderService,
		Auctions:   auctionService,
		Settlement: engine,
		Shipping:   orchestrator,
		Reconciler: reconciler,
		Points:     points,
	}, nil
}

// Attach registers an additional lifecycle-managed service. Call before Start.
func (a *Application) Attach(service system.Service) error {
	return a.manager.Register(service)
}

// Start begins all registered services.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop stops all services.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.Stop(ctx)
}
