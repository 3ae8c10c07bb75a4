// Package session implements the per-workflow session orchestrator: one
// invocation runs the due producers, then drains consumers until no work
// remains or the iteration budget is spent. The orchestrator only maps
// handler results onto session outcomes; every finalization is done by the
// execution model manager at the moment the triggering run closes.
package session

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/loomctl/loom/internal/common/logger"
	"github.com/loomctl/loom/internal/engine/emm"
	"github.com/loomctl/loom/internal/engine/handler"
	"github.com/loomctl/loom/internal/engine/model"
	"github.com/loomctl/loom/internal/engine/schedstate"
)

// Outcome is what a finished session means to the scheduler.
type Outcome string

const (
	// OutcomeCompleted: the session drained all work.
	OutcomeCompleted Outcome = "completed"
	// OutcomeFailed: a handler failed terminally; the workflow needs a user.
	OutcomeFailed Outcome = "failed"
	// OutcomeMaintenance: a logic error; the auto-fix agent owns the workflow.
	OutcomeMaintenance Outcome = "maintenance"
	// OutcomeTransient: a transient fault; the scheduler rearms with backoff.
	OutcomeTransient Outcome = "transient"
	// OutcomeSuspended: the workflow paused awaiting user action.
	OutcomeSuspended Outcome = "suspended"
)

// DefaultMaxIterations bounds the consumer drain loop.
const DefaultMaxIterations = 100

// Orchestrator runs workflow sessions.
type Orchestrator struct {
	emm           *emm.Manager
	machine       *handler.Machine
	state         *schedstate.State // may be nil: fall back to ledger queries
	logger        *logger.Logger
	maxIterations int
}

// Config bundles the orchestrator's collaborators.
type Config struct {
	EMM           *emm.Manager
	Machine       *handler.Machine
	State         *schedstate.State
	Logger        *logger.Logger
	MaxIterations int
}

// New creates a session orchestrator.
func New(cfg Config) *Orchestrator {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	return &Orchestrator{
		emm:           cfg.EMM,
		machine:       cfg.Machine,
		state:         cfg.State,
		logger:        cfg.Logger.WithFields(zap.String("component", "session")),
		maxIterations: cfg.MaxIterations,
	}
}

// ExecuteWorkflowSession runs one full session for the workflow.
func (o *Orchestrator) ExecuteWorkflowSession(ctx context.Context, wf *model.Workflow, trigger model.SessionTrigger) (Outcome, error) {
	session, err := o.emm.CreateSession(ctx, wf.ID, wf.ActiveScriptID, trigger, "")
	if err != nil {
		return OutcomeFailed, err
	}
	log := o.logger.WithFields(
		zap.String("workflow_id", wf.ID),
		zap.String("session_id", session.ID),
		zap.String("trigger", string(trigger)))
	log.Info("session started")

	script, config, err := o.loadExecution(ctx, wf)
	if err != nil {
		// Outside handler execution: finalize directly and route logic
		// problems to the auto-fix path.
		if ferr := o.emm.FinalizeSessionError(ctx, session.ID, model.SessionFailed, err.Error(), "logic"); ferr != nil {
			return OutcomeFailed, ferr
		}
		if merr := o.emm.MarkWorkflowMaintenance(ctx, wf.ID); merr != nil {
			return OutcomeFailed, merr
		}
		log.WithError(err).Warn("session failed before any handler ran")
		return OutcomeMaintenance, nil
	}

	if trigger == model.TriggerSchedule || trigger == model.TriggerManual {
		outcome, done, err := o.runProducers(ctx, wf, session, trigger, script, config)
		if err != nil || done {
			return outcome, err
		}
	}

	return o.drainConsumers(ctx, wf, session, script, config)
}

// ContinueSession drains consumers for a session whose producers already
// ran. Crash recovery and mutation-resolution resumes reuse it.
func (o *Orchestrator) ContinueSession(ctx context.Context, wf *model.Workflow, session *model.Session) (Outcome, error) {
	script, config, err := o.loadExecution(ctx, wf)
	if err != nil {
		if ferr := o.emm.FinalizeSessionError(ctx, session.ID, model.SessionFailed, err.Error(), "logic"); ferr != nil {
			return OutcomeFailed, ferr
		}
		if merr := o.emm.MarkWorkflowMaintenance(ctx, wf.ID); merr != nil {
			return OutcomeFailed, merr
		}
		return OutcomeMaintenance, nil
	}
	return o.drainConsumers(ctx, wf, session, script, config)
}

// RetryWorkflowSession creates the retry session that resumes a
// post-mutation failure at the emitting phase, then continues draining.
func (o *Orchestrator) RetryWorkflowSession(ctx context.Context, wf *model.Workflow) (Outcome, error) {
	if wf.PendingRetryRunID == "" {
		return OutcomeFailed, fmt.Errorf("workflow %s has no pending retry", wf.ID)
	}
	session, err := o.emm.CreateSession(ctx, wf.ID, wf.ActiveScriptID, model.TriggerRetry, wf.PendingRetryRunID)
	if err != nil {
		return OutcomeFailed, err
	}
	script, config, err := o.loadExecution(ctx, wf)
	if err != nil {
		if ferr := o.emm.FinalizeSessionError(ctx, session.ID, model.SessionFailed, err.Error(), "logic"); ferr != nil {
			return OutcomeFailed, ferr
		}
		if merr := o.emm.MarkWorkflowMaintenance(ctx, wf.ID); merr != nil {
			return OutcomeFailed, merr
		}
		return OutcomeMaintenance, nil
	}

	run, err := o.emm.CreateRetryRun(ctx, wf.PendingRetryRunID, session.ID)
	if err != nil {
		if ferr := o.emm.FinalizeSessionError(ctx, session.ID, model.SessionFailed, err.Error(), "internal"); ferr != nil {
			return OutcomeFailed, ferr
		}
		return OutcomeFailed, err
	}
	result, err := o.machine.Execute(ctx, run.ID, script, config)
	if err != nil {
		return OutcomeFailed, err
	}
	if outcome, done := o.mapResult(wf, result); done {
		return outcome, nil
	}
	return o.ContinueSession(ctx, wf, session)
}

// ResumeRun drives a reopened run (mutation resolved by the user) to
// completion inside its original session.
func (o *Orchestrator) ResumeRun(ctx context.Context, wf *model.Workflow, runID string) (Outcome, error) {
	script, config, err := o.loadExecution(ctx, wf)
	if err != nil {
		return OutcomeFailed, err
	}
	result, err := o.machine.Execute(ctx, runID, script, config)
	if err != nil {
		return OutcomeFailed, err
	}
	if outcome, done := o.mapResult(wf, result); done {
		return outcome, nil
	}
	return OutcomeCompleted, nil
}

func (o *Orchestrator) loadExecution(ctx context.Context, wf *model.Workflow) (*model.Script, *model.WorkflowConfig, error) {
	if wf.ActiveScriptID == "" {
		return nil, nil, fmt.Errorf("workflow %s has no active script", wf.ID)
	}
	script, err := o.emm.Store().View().GetScript(ctx, wf.ActiveScriptID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load active script: %w", err)
	}
	config, err := model.ParseWorkflowConfig(wf.HandlerConfig)
	if err != nil {
		return nil, nil, err
	}
	return script, config, nil
}

// runProducers fans out the due producers in name order. It reports
// done=true when a producer outcome ended the session.
func (o *Orchestrator) runProducers(ctx context.Context, wf *model.Workflow, session *model.Session, trigger model.SessionTrigger, script *model.Script, config *model.WorkflowConfig) (Outcome, bool, error) {
	names, err := o.dueProducers(ctx, wf, trigger, config)
	if err != nil {
		return OutcomeFailed, true, err
	}
	for _, name := range names {
		run, err := o.emm.CreateHandlerRun(ctx, session.ID, wf.ID, model.HandlerProducer, name)
		if err != nil {
			return OutcomeFailed, true, err
		}
		result, err := o.machine.Execute(ctx, run.ID, script, config)
		if err != nil {
			return OutcomeFailed, true, err
		}
		if result.Run.Status == model.RunCommitted {
			if o.state != nil {
				o.state.OnProducerCommit(wf.ID, name)
			}
			continue
		}
		outcome, _ := o.mapResult(wf, result)
		return outcome, true, nil
	}
	return OutcomeCompleted, false, nil
}

// dueProducers picks which producers run for this trigger. A schedule
// trigger uses the due schedule rows, falling back to every declared
// producer when no schedule rows exist yet; a manual trigger always runs
// them all.
func (o *Orchestrator) dueProducers(ctx context.Context, wf *model.Workflow, trigger model.SessionTrigger, config *model.WorkflowConfig) ([]string, error) {
	if trigger == model.TriggerSchedule {
		view := o.emm.Store().View()
		all, err := view.ListProducerSchedules(ctx, wf.ID)
		if err != nil {
			return nil, err
		}
		if len(all) > 0 {
			due, err := view.DueProducerSchedules(ctx, wf.ID, o.emm.Store().Now())
			if err != nil {
				return nil, err
			}
			names := make([]string, 0, len(due))
			for _, s := range due {
				if _, declared := config.Producers[s.ProducerName]; declared {
					names = append(names, s.ProducerName)
				}
			}
			// Producers queued while the workflow was busy run too.
			if o.state != nil {
				for _, name := range o.state.QueuedProducers(wf.ID) {
					if _, declared := config.Producers[name]; declared && !contains(names, name) {
						names = append(names, name)
					}
				}
			}
			sort.Strings(names)
			return names, nil
		}
	}
	names := make([]string, 0, len(config.Producers))
	for name := range config.Producers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func contains(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}

// drainConsumers runs consumers with pending work until none remains or
// the iteration budget is spent, then finishes the session.
func (o *Orchestrator) drainConsumers(ctx context.Context, wf *model.Workflow, session *model.Session, script *model.Script, config *model.WorkflowConfig) (Outcome, error) {
	for i := 0; i < o.maxIterations; i++ {
		if err := ctx.Err(); err != nil {
			return OutcomeFailed, err
		}
		name, err := o.findConsumerWithPendingWork(ctx, wf, config)
		if err != nil {
			return OutcomeFailed, err
		}
		if name == "" {
			break
		}

		run, err := o.emm.CreateHandlerRun(ctx, session.ID, wf.ID, model.HandlerConsumer, name)
		if err != nil {
			return OutcomeFailed, err
		}
		result, err := o.machine.Execute(ctx, run.ID, script, config)
		if err != nil {
			return OutcomeFailed, err
		}
		if result.Run.Status == model.RunCommitted {
			if o.state != nil {
				o.state.OnConsumerCommit(wf.ID, name, result.HadReservations)
			}
			continue
		}
		outcome, _ := o.mapResult(wf, result)
		return outcome, nil
	}

	if err := o.emm.FinishSession(ctx, session.ID); err != nil {
		return OutcomeFailed, err
	}
	if err := o.emm.ClearTransientBackoff(ctx, wf.ID); err != nil {
		return OutcomeFailed, err
	}
	o.logger.Info("session completed",
		zap.String("workflow_id", wf.ID),
		zap.String("session_id", session.ID))
	return OutcomeCompleted, nil
}

// findConsumerWithPendingWork returns the first consumer, in name order,
// that is dirty or has a due wake time. Dirty consumers win over wake-due
// ones. Without in-memory state the decision falls back to the ledgers:
// pending event counts per subscribed topic and persisted wake times.
func (o *Orchestrator) findConsumerWithPendingWork(ctx context.Context, wf *model.Workflow, config *model.WorkflowConfig) (string, error) {
	names := make([]string, 0, len(config.Consumers))
	for name := range config.Consumers {
		names = append(names, name)
	}
	sort.Strings(names)
	now := o.emm.Store().Now()

	if o.state != nil {
		views := o.state.Consumers(wf.ID)
		for _, name := range names {
			if views[name].Dirty {
				return name, nil
			}
		}
		for _, name := range names {
			if w := views[name].WakeAt; w > 0 && w <= now {
				return name, nil
			}
		}
		return "", nil
	}

	view := o.emm.Store().View()
	for _, name := range names {
		for _, topic := range config.Consumers[name].Subscribe {
			n, err := view.CountPendingEvents(ctx, wf.ID, topic)
			if err != nil {
				return "", err
			}
			if n > 0 {
				return name, nil
			}
		}
	}
	due, err := view.ConsumersWithDueWakeAt(ctx, wf.ID, now)
	if err != nil {
		return "", err
	}
	for _, name := range names {
		if contains(due, name) {
			if _, declared := config.Consumers[name]; declared {
				return name, nil
			}
		}
	}
	return "", nil
}

// mapResult converts a finished handler run into a session outcome. The
// execution model manager already finalized everything; this is a pure
// mapping. done=false means the session should keep draining.
func (o *Orchestrator) mapResult(wf *model.Workflow, result *handler.Result) (Outcome, bool) {
	switch result.Run.Status {
	case model.RunCommitted:
		return OutcomeCompleted, false
	case model.RunFailedLogic:
		return OutcomeMaintenance, true
	case model.RunPausedTransient:
		return OutcomeTransient, true
	case model.RunPausedApproval, model.RunPausedReconciliation:
		return OutcomeSuspended, true
	default:
		o.logger.Warn("handler run ended the session",
			zap.String("workflow_id", wf.ID),
			zap.String("run_id", result.Run.ID),
			zap.String("status", string(result.Run.Status)))
		return OutcomeFailed, true
	}
}
