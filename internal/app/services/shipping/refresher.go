package shipping

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/collectix/marketplace/pkg/logger"
)

// DefaultRefreshSpec is the label refresh cadence used when none is
// configured.
const DefaultRefreshSpec = "@every 5m"

// Refresher periodically reconciles every open label against the carrier.
// It implements system.Service.
type Refresher struct {
	reconciler *Reconciler
	spec       string
	runner     *cron.Cron
	log        *logger.Logger
}

// NewRefresher constructs a refresher for the given cron spec. An empty spec
// falls back to DefaultRefreshSpec.
func NewRefresher(reconciler *Reconciler, spec string, log *logger.Logger) *Refresher {
	if spec == "" {
		spec = DefaultRefreshSpec
	}
	if log == nil {
		log = logger.NewDefault("label-refresher")
	}
	return &Refresher{reconciler: reconciler, spec: spec, log: log}
}

// Name implements system.Service.
func (r *Refresher) Name() string { return "label-refresher" }

// Start begins scheduled label refreshes.
func (r *Refresher) Start(context.Context) error {
	runner := cron.New()
	if _, err := runner.AddFunc(r.spec, r.tick); err != nil {
		return err
	}
	r.runner = runner
	runner.Start()
	r.log.WithField("spec", r.spec).Info("label refresher started")
	return nil
}

// Stop halts the schedule and waits for an in-flight refresh to finish.
func (r *Refresher) Stop(ctx context.Context) error {
	if r.runner == nil {
		return nil
	}
	done := r.runner.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	r.log.Info("label refresher stopped")
	return nil
}

func (r *Refresher) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	changed, err := r.reconciler.RefreshOpen(ctx)
	if err != nil {
		r.log.WithError(err).Warn("label refresh scan failed")
		return
	}
	if changed > 0 {
		r.log.WithField("changed", changed).Info("label refresh scan completed")
	}
}
