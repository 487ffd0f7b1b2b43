package app

import (
	"context"
	"fmt"

	"github.com/R3E-Network/strategy_layer/internal/app/core/service"
	"github.com/R3E-Network/strategy_layer/internal/app/services/energy"
	"github.com/R3E-Network/strategy_layer/internal/app/services/registry"
	"github.com/R3E-Network/strategy_layer/internal/app/services/sessions"
	"github.com/R3E-Network/strategy_layer/internal/app/services/tokens"
	"github.com/R3E-Network/strategy_layer/internal/app/storage"
	"github.com/R3E-Network/strategy_layer/internal/app/storage/memory"
	"github.com/R3E-Network/strategy_layer/internal/app/system"
	"github.com/R3E-Network/strategy_layer/internal/config"
	"github.com/R3E-Network/strategy_layer/internal/engine/domains/nft"
	"github.com/R3E-Network/strategy_layer/internal/engine/events"
	"github.com/R3E-Network/strategy_layer/internal/ledger"
	"github.com/R3E-Network/strategy_layer/pkg/logger"
)

// Options carries the collaborators of an Application. Nil fields default to
// in-memory implementations.
type Options struct {
	Store       storage.Store
	Ledger      ledger.Ledger
	Collections nft.Collections
	Policy      *config.Policy

	// Sinks receive every event in addition to the recent-events buffer.
	Sinks       []events.Sink
	EventBuffer int
}

// Application ties domain services together and manages their lifecycle.
type Application struct {
	manager *system.Manager
	log     *logger.Logger

	Policy      config.Policy
	Store       storage.Store
	Ledger      ledger.Ledger
	Collections nft.Collections
	Events      *events.RingBuffer

	Registry    *registry.Service
	Tokens      *tokens.Service
	Sessions    *sessions.Service
	Energy      *energy.Service
	Replenisher *energy.Replenisher
}

// New builds a fully initialised application.
func New(opts Options, log *logger.Logger) (*Application, error) {
	if log == nil {
		log = logger.NewDefault("app")
	}

	policy := config.DefaultPolicy()
	if opts.Policy != nil {
		policy = *opts.Policy
	}
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("policy: %w", err)
	}
	if opts.Store == nil {
		opts.Store = memory.New()
	}
	if opts.Ledger == nil {
		opts.Ledger = ledger.NewMemory()
	}
	if opts.Collections == nil {
		opts.Collections = nft.NewMemory()
	}

	recent := events.NewRingBuffer(opts.EventBuffer)
	sinks := append([]events.Sink{recent, events.LogSink(log.Named("events"))}, opts.Sinks...)
	sink := events.Multi(sinks...)

	a := &Application{
		manager:     system.NewManager(),
		log:         log,
		Policy:      policy,
		Store:       opts.Store,
		Ledger:      opts.Ledger,
		Collections: opts.Collections,
		Events:      recent,
		Registry:    registry.New(opts.Store, policy, sink, log.Named("registry")),
		Tokens:      tokens.New(opts.Store, opts.Collections, policy, sink, log.Named("tokens")),
		Sessions:    sessions.New(opts.Store, policy, sink, log.Named("sessions")),
		Energy:      energy.New(opts.Store, opts.Ledger, opts.Collections, policy, sink, log.Named("energy")),
	}
	a.Replenisher = energy.NewReplenisher(a.Energy, log.Named("energy-replenisher"))

	for _, name := range []string{"registry", "tokens", "sessions", "energy"} {
		if err := a.manager.Register(system.NoopService{ServiceName: name}); err != nil {
			return nil, fmt.Errorf("register %s service: %w", name, err)
		}
	}
	if err := a.manager.Register(a.Replenisher); err != nil {
		return nil, fmt.Errorf("register %s: %w", a.Replenisher.Name(), err)
	}
	return a, nil
}

// Descriptors lists the services the application exposes.
func (a *Application) Descriptors() []service.Descriptor {
	return []service.Descriptor{
		a.Registry.Descriptor(),
		a.Tokens.Descriptor(),
		a.Sessions.Descriptor(),
		a.Energy.Descriptor(),
	}
}

// Attach registers an additional lifecycle-managed service. Call before Start.
func (a *Application) Attach(svc system.Service) error {
	return a.manager.Register(svc)
}

// Start begins all registered services.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop stops all services.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.Stop(ctx)
}
