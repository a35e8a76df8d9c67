package system

import "context"

// Service is a component the manager starts and stops with the process.
// The settlement poller and label refresher implement it with real
// background work; request-driven services register as no-ops so the
// manager sees the whole application.
type Service interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// NoopService satisfies Service for purely request-driven components that
// have no background work of their own.
type NoopService struct {
	ServiceName string
}

func (s NoopService) Name() string                { return s.ServiceName }
func (s NoopService) Start(context.Context) error { return nil }
func (s NoopService) Stop(context.Context) error  { return nil }
