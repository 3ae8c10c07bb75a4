// Package engine assembles the workflow execution engine: durable store,
// ledgers, execution model manager, handler state machine, session
// orchestrator, scheduler state and the workflow scheduler.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/loomctl/loom/internal/common/logger"
	"github.com/loomctl/loom/internal/db"
	"github.com/loomctl/loom/internal/engine/emm"
	"github.com/loomctl/loom/internal/engine/handler"
	"github.com/loomctl/loom/internal/engine/ledger"
	"github.com/loomctl/loom/internal/engine/notify"
	"github.com/loomctl/loom/internal/engine/reconcile"
	"github.com/loomctl/loom/internal/engine/sandbox"
	"github.com/loomctl/loom/internal/engine/schedstate"
	"github.com/loomctl/loom/internal/engine/scheduler"
	"github.com/loomctl/loom/internal/engine/service"
	"github.com/loomctl/loom/internal/engine/session"
	"github.com/loomctl/loom/internal/engine/store"
	"github.com/loomctl/loom/internal/engine/tools"
	"github.com/loomctl/loom/internal/events/bus"
)

// Options configures an Engine.
type Options struct {
	Pool      *db.Pool
	Logger    *logger.Logger
	Evaluator sandbox.Evaluator
	// Tools is the deployment's tool set; a nil registry means only the
	// engine built-ins (publish, register) are available.
	Tools *tools.Registry
	// Reconciler holds the per-tool reconcile probes.
	Reconciler *reconcile.Registry
	// Bus carries engine notifications; nil disables them.
	Bus bus.EventBus

	EvalTimeout   time.Duration
	MaxIterations int
	Scheduler     scheduler.Config
}

// Engine is the assembled runtime.
type Engine struct {
	Store        *store.Store
	EMM          *emm.Manager
	Events       *ledger.EventLedger
	Inputs       *ledger.InputLedger
	Machine      *handler.Machine
	Orchestrator *session.Orchestrator
	State        *schedstate.State
	Scheduler    *scheduler.Scheduler
	Service      *service.Service
}

// New wires the engine together.
func New(opts Options) (*Engine, error) {
	if opts.Pool == nil {
		return nil, fmt.Errorf("engine requires a database pool")
	}
	if opts.Logger == nil {
		opts.Logger = logger.Default()
	}
	if opts.Evaluator == nil {
		return nil, fmt.Errorf("engine requires a sandbox evaluator")
	}
	if opts.Tools == nil {
		opts.Tools = tools.NewRegistry()
	}
	if opts.Reconciler == nil {
		opts.Reconciler = reconcile.NewRegistry()
	}

	st, err := store.New(opts.Pool, opts.Logger)
	if err != nil {
		return nil, err
	}
	state := schedstate.New()
	notifier := notify.New(opts.Bus, st, state, opts.Logger)
	mgr := emm.New(st, opts.Logger, notifier)
	events := ledger.NewEventLedger(st, opts.Logger, notifier)
	inputs := ledger.NewInputLedger(st, opts.Logger)

	machine := handler.New(handler.Config{
		EMM:         mgr,
		Evaluator:   opts.Evaluator,
		Registry:    opts.Tools,
		Events:      events,
		Inputs:      inputs,
		Reconciler:  opts.Reconciler,
		WakeCache:   state,
		Logger:      opts.Logger,
		EvalTimeout: opts.EvalTimeout,
	})
	orch := session.New(session.Config{
		EMM:           mgr,
		Machine:       machine,
		State:         state,
		Logger:        opts.Logger,
		MaxIterations: opts.MaxIterations,
	})
	sched := scheduler.New(mgr, orch, state, opts.Logger, opts.Scheduler)
	svc := service.New(service.Config{
		Store:        st,
		EMM:          mgr,
		Orchestrator: orch,
		Events:       events,
		State:        state,
		Logger:       opts.Logger,
	})

	return &Engine{
		Store:        st,
		EMM:          mgr,
		Events:       events,
		Inputs:       inputs,
		Machine:      machine,
		Orchestrator: orch,
		State:        state,
		Scheduler:    sched,
		Service:      svc,
	}, nil
}

// Recover reconciles the store after a process start and rebuilds the
// in-memory scheduler signals. It must complete before Start.
func (e *Engine) Recover(ctx context.Context) error {
	if err := e.EMM.RecoverCrashedRuns(ctx); err != nil {
		return fmt.Errorf("crashed run recovery failed: %w", err)
	}
	if err := e.EMM.RecoverUnfinishedSessions(ctx); err != nil {
		return fmt.Errorf("unfinished session recovery failed: %w", err)
	}
	if err := e.EMM.RecoverMaintenanceMode(ctx); err != nil {
		return fmt.Errorf("maintenance recovery failed: %w", err)
	}
	if err := e.EMM.AssertNoOrphanedReservedEvents(ctx); err != nil {
		return fmt.Errorf("reserved event check failed: %w", err)
	}
	return e.Scheduler.RebuildState(ctx)
}

// Start begins scheduling. Recover must have run first.
func (e *Engine) Start(ctx context.Context) error {
	return e.Scheduler.Start(ctx)
}

// Stop halts the scheduler and waits for in-flight sessions.
func (e *Engine) Stop() error {
	return e.Scheduler.Stop()
}
