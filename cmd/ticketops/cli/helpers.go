package cli

import (
	"context"
	"fmt"

	"github.com/ticketops-framework/ticketops/internal/adapter"
	ticketaws "github.com/ticketops-framework/ticketops/internal/aws"
	"github.com/ticketops-framework/ticketops/internal/broker"
	"github.com/ticketops-framework/ticketops/internal/config"
	"github.com/ticketops-framework/ticketops/internal/core"
	"github.com/ticketops-framework/ticketops/internal/metricviz"
	"github.com/ticketops-framework/ticketops/internal/orchestrator"
	"github.com/ticketops-framework/ticketops/internal/sched"
)

// loadEngine opens the configured data directory and its databases.
func loadEngine() (*core.Engine, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	engine, err := core.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("opening engine: %w", err)
	}
	return engine, nil
}

// newScheduler builds the trigger scheduler. The EventBridge registrar is
// only wired when a scheduler target is configured; without it, triggers
// can be listed, fired, and cancelled but not created.
func newScheduler(ctx context.Context, engine *core.Engine) (*sched.Scheduler, error) {
	cfg := engine.Config
	store := sched.NewTriggerStore(engine.MetadataDB)

	var registrar sched.Registrar
	if cfg.SchedulerTargetARN != "" {
		r, err := sched.NewEventBridgeRegistrar(ctx, cfg, engine.Logger)
		if err != nil {
			return nil, fmt.Errorf("creating schedule registrar: %w", err)
		}
		registrar = r
	}
	return sched.New(store, registrar, engine.AuditLogger, engine.Logger), nil
}

// newOrchestrator wires the full execution stack: client factory, adapter
// registry, credential broker, deferrer, metric renderer, and run store.
func newOrchestrator(ctx context.Context, engine *core.Engine) (*orchestrator.Orchestrator, error) {
	cfg := engine.Config

	factory := ticketaws.NewClientFactoryWithRate(engine.Logger, cfg.RateLimitPerService)

	reg := adapter.NewRegistry(engine.Logger)
	adapter.RegisterBuiltinAdapters(reg, factory, cfg, engine.Logger)

	brk, err := broker.New(ctx, cfg, engine.Logger, engine.AuditLogger)
	if err != nil {
		return nil, fmt.Errorf("creating credential broker: %w", err)
	}

	var deferrer orchestrator.Deferrer
	if cfg.SchedulerTargetARN != "" {
		scheduler, err := newScheduler(ctx, engine)
		if err != nil {
			return nil, err
		}
		deferrer = scheduler
	}

	renderer := metricviz.NewResolver(factory, engine.Logger)
	runs := orchestrator.NewRunStore(engine.MetadataDB)

	return orchestrator.New(brk, reg, deferrer, renderer, runs, engine.AuditLogger, engine.Logger, cfg.DefaultRegion), nil
}
