package settlement

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/collectix/marketplace/pkg/logger"
)

// DefaultPollSpec is the scan cadence used when none is configured.
const DefaultPollSpec = "@every 30s"

// Poller runs the engine on a cron schedule. It implements system.Service.
type Poller struct {
	engine *Engine
	spec   string
	runner *cron.Cron
	log    *logger.Logger
}

// NewPoller constructs a poller for the given cron spec ("@every 30s",
// "*/1 * * * *", ...). An empty spec falls back to DefaultPollSpec.
func NewPoller(engine *Engine, spec string, log *logger.Logger) *Poller {
	if spec == "" {
		spec = DefaultPollSpec
	}
	if log == nil {
		log = logger.NewDefault("settlement-poller")
	}
	return &Poller{engine: engine, spec: spec, log: log}
}

// Name implements system.Service.
func (p *Poller) Name() string { return "settlement-poller" }

// Start begins scheduled settlement scans.
func (p *Poller) Start(context.Context) error {
	runner := cron.New()
	if _, err := runner.AddFunc(p.spec, p.tick); err != nil {
		return err
	}
	p.runner = runner
	runner.Start()
	p.log.WithField("spec", p.spec).Info("settlement poller started")
	return nil
}

// Stop halts the schedule and waits for an in-flight scan to finish.
func (p *Poller) Stop(ctx context.Context) error {
	if p.runner == nil {
		return nil
	}
	done := p.runner.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	p.log.Info("settlement poller stopped")
	return nil
}

func (p *Poller) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	settled, err := p.engine.SettleDue(ctx, time.Now())
	if err != nil {
		p.log.WithError(err).Warn("settlement scan failed")
		return
	}
	if settled > 0 {
		p.log.WithField("settled", settled).Info("settlement scan completed")
	}
}
