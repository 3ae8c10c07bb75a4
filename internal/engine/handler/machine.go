// Package handler implements the per-handler state machine that drives
// sandbox evaluation through the phase progression. Every persistence step
// is delegated to the execution model manager; the driver loop re-reads the
// canonical run row on each iteration, so a suspension between phases is
// always safe.
package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/loomctl/loom/internal/common/logger"
	"github.com/loomctl/loom/internal/engine/emm"
	"github.com/loomctl/loom/internal/engine/ledger"
	"github.com/loomctl/loom/internal/engine/model"
	"github.com/loomctl/loom/internal/engine/reconcile"
	"github.com/loomctl/loom/internal/engine/sandbox"
	"github.com/loomctl/loom/internal/engine/tools"
)

// WakeCache mirrors persisted wake times into the in-memory scheduler
// state. The state machine updates it after a prepare commit.
type WakeCache interface {
	SetWakeAt(workflowID, consumerName string, wakeAt int64)
}

type nopWakeCache struct{}

func (nopWakeCache) SetWakeAt(string, string, int64) {}

// Result summarizes a finished handler run for the session orchestrator.
type Result struct {
	Run *model.HandlerRun
	// HadReservations reports whether the run's prepare claimed any events.
	// A committed consumer that claimed nothing proves its topics are
	// drained; one that claimed events may have left more behind.
	HadReservations bool
}

// Machine drives handler runs.
type Machine struct {
	emm        *emm.Manager
	evaluator  sandbox.Evaluator
	registry   *tools.Registry
	events     *ledger.EventLedger
	inputs     *ledger.InputLedger
	reconciler *reconcile.Registry
	wakes      WakeCache
	logger     *logger.Logger

	evalTimeout time.Duration
}

// Config bundles the machine's collaborators.
type Config struct {
	EMM        *emm.Manager
	Evaluator  sandbox.Evaluator
	Registry   *tools.Registry
	Events     *ledger.EventLedger
	Inputs     *ledger.InputLedger
	Reconciler *reconcile.Registry
	WakeCache  WakeCache
	Logger     *logger.Logger
	// EvalTimeout bounds each sandbox evaluation; zero means the sandbox
	// default.
	EvalTimeout time.Duration
}

// New creates a handler state machine.
func New(cfg Config) *Machine {
	if cfg.WakeCache == nil {
		cfg.WakeCache = nopWakeCache{}
	}
	if cfg.EvalTimeout == 0 {
		cfg.EvalTimeout = sandbox.DefaultEvalTimeout
	}
	return &Machine{
		emm:         cfg.EMM,
		evaluator:   cfg.Evaluator,
		registry:    cfg.Registry,
		events:      cfg.Events,
		inputs:      cfg.Inputs,
		reconciler:  cfg.Reconciler,
		wakes:       cfg.WakeCache,
		logger:      cfg.Logger.WithFields(zap.String("component", "handler")),
		evalTimeout: cfg.EvalTimeout,
	}
}

// Execute drives one handler run until it is terminal or paused. The loop
// dispatches on the fresh (handler type, phase) pair each iteration; phase
// handlers either transition via the execution model manager or terminate
// the run through it.
func (m *Machine) Execute(ctx context.Context, runID string, script *model.Script, config *model.WorkflowConfig) (*Result, error) {
	prepareAttempts := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		run, err := m.emm.GetHandlerRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		if run.Status != model.RunActive {
			return m.finishedResult(ctx, run)
		}

		switch run.HandlerType {
		case model.HandlerProducer:
			err = m.stepProducer(ctx, run, script, config)
		case model.HandlerConsumer:
			err = m.stepConsumer(ctx, run, script, config, &prepareAttempts)
		default:
			err = fmt.Errorf("unknown handler type %q", run.HandlerType)
		}
		if err != nil {
			return nil, err
		}
	}
}

func (m *Machine) finishedResult(ctx context.Context, run *model.HandlerRun) (*Result, error) {
	res := &Result{Run: run}
	if run.HandlerType == model.HandlerConsumer && run.PrepareResult != "" {
		if pr, err := model.ParsePrepareResult([]byte(run.PrepareResult)); err == nil {
			res.HadReservations = pr.TotalReservations() > 0
		}
	}
	return res, nil
}

func (m *Machine) stepProducer(ctx context.Context, run *model.HandlerRun, script *model.Script, config *model.WorkflowConfig) error {
	switch run.Phase {
	case model.PhasePending:
		return m.emm.UpdateProducerPhase(ctx, run.ID, model.PhaseExecuting)
	case model.PhaseExecuting:
		return m.runProducer(ctx, run, script, config)
	default:
		return m.failInternal(ctx, run, fmt.Sprintf("producer run in impossible phase %s", run.Phase))
	}
}

func (m *Machine) stepConsumer(ctx context.Context, run *model.HandlerRun, script *model.Script, config *model.WorkflowConfig, prepareAttempts *int) error {
	switch run.Phase {
	case model.PhasePending:
		return m.emm.UpdateConsumerPhase(ctx, run.ID, model.PhasePreparing, emm.ConsumerPhaseOptions{WakeAt: -1})
	case model.PhasePreparing:
		return m.runPrepare(ctx, run, script, config, prepareAttempts)
	case model.PhasePrepared:
		return m.afterPrepare(ctx, run)
	case model.PhaseMutating:
		return m.runMutate(ctx, run, script, config)
	case model.PhaseMutated:
		return m.emm.UpdateConsumerPhase(ctx, run.ID, model.PhaseEmitting, emm.ConsumerPhaseOptions{WakeAt: -1})
	case model.PhaseEmitting:
		return m.runEmitting(ctx, run, script, config)
	default:
		return m.failInternal(ctx, run, fmt.Sprintf("consumer run in impossible phase %s", run.Phase))
	}
}

// eval runs one sandbox evaluation with the machine's timeout.
func (m *Machine) eval(ctx context.Context, req sandbox.EvalRequest) sandbox.EvalResult {
	req.Timeout = m.evalTimeout
	evalCtx, cancel := context.WithTimeout(ctx, m.evalTimeout)
	defer cancel()
	return m.evaluator.Eval(evalCtx, req)
}

// statusForKind maps a classified error kind onto a run status.
func statusForKind(kind sandbox.ErrorKind) model.RunStatus {
	switch kind {
	case sandbox.ErrAuth, sandbox.ErrPermission:
		return model.RunPausedApproval
	case sandbox.ErrNetwork:
		return model.RunPausedTransient
	case sandbox.ErrLogic:
		return model.RunFailedLogic
	default:
		// internal, balance, api_key and anything unclassified.
		return model.RunFailedInternal
	}
}

// closeWithError classifies an evaluation failure and terminates the run.
func (m *Machine) closeWithError(ctx context.Context, run *model.HandlerRun, kind sandbox.ErrorKind, msg string, cost int64) error {
	status := statusForKind(kind)
	m.logger.Info("handler run failed",
		zap.String("run_id", run.ID),
		zap.String("handler", run.HandlerName),
		zap.String("kind", string(kind)),
		zap.String("status", string(status)))
	return m.emm.UpdateHandlerRunStatus(ctx, run.ID, status, emm.Outcome{
		Error:     msg,
		ErrorType: string(kind),
		AddCost:   cost,
	})
}

func (m *Machine) failInternal(ctx context.Context, run *model.HandlerRun, msg string) error {
	return m.closeWithError(ctx, run, sandbox.ErrInternal, msg, 0)
}

// stateGlobal loads a handler's persisted state as a JSON global.
func (m *Machine) stateGlobal(ctx context.Context, workflowID, handlerName string) (json.RawMessage, error) {
	hs, err := m.emm.Store().View().GetHandlerState(ctx, workflowID, handlerName)
	if err != nil {
		return nil, err
	}
	if hs.State == "" {
		return json.RawMessage("null"), nil
	}
	return json.RawMessage(hs.State), nil
}

func (m *Machine) invoker(run *model.HandlerRun, config *model.WorkflowConfig, tag tools.PhaseTag) *tools.Invoker {
	return tools.NewInvoker(tools.InvokerDeps{
		Registry:   m.registry,
		EMM:        m.emm,
		Events:     m.events,
		Inputs:     m.inputs,
		Reconciler: m.reconciler,
		Logger:     m.logger,
	}, run, config, tag)
}
