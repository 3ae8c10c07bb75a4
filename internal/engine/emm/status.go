package emm

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/loomctl/loom/internal/engine/model"
	"github.com/loomctl/loom/internal/engine/store"
)

func errInvariantf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvariantViolation, fmt.Sprintf(format, args...))
}

// Outcome describes why a run is being closed or paused.
type Outcome struct {
	Error     string
	ErrorType string
	AddCost   int64
}

// Backoff bounds for transient retries.
const (
	initialRetryBackoffMs = 30_000
	maxRetryBackoffMs     = 15 * 60_000
)

// UpdateHandlerRunStatus writes a terminal or paused status onto a run and
// atomically applies every downstream effect: event disposition, session
// finalization and workflow control-field changes.
//
// Event disposition follows the mutation boundary: failures and pauses
// before the mutation applied release the run's reserved events; after the
// mutation applied (or while its outcome is unsettled) events are retained
// for the retry that resumes at emitting, and pending_retry_run_id records
// that a retry is required before further work.
func (m *Manager) UpdateHandlerRunStatus(ctx context.Context, runID string, status model.RunStatus, outcome Outcome) error {
	if !status.Terminal() && !status.Paused() {
		return errInvariantf("status %s is neither terminal nor paused", status)
	}

	var (
		workflowID    string
		sessionID     string
		pausedReason  string
		sessionResult model.SessionResult
	)
	err := m.store.WithTx(ctx, func(tx *store.Tx) error {
		run, err := tx.GetHandlerRun(ctx, runID)
		if err != nil {
			return err
		}
		workflowID = run.WorkflowID
		sessionID = run.SessionID

		if run.Status != model.RunActive {
			return errInvariantf("run %s is already %s", runID, run.Status)
		}
		if err := tx.CloseHandlerRun(ctx, runID, status, outcome.Error, outcome.ErrorType, store.RunUpdate{AddCost: outcome.AddCost}); err != nil {
			return err
		}

		postMutation, err := m.pastMutationBoundary(ctx, tx, run)
		if err != nil {
			return err
		}
		if postMutation {
			if run.HandlerType == model.HandlerConsumer {
				pending := runID
				if err := tx.UpdateWorkflowControl(ctx, workflowID, store.WorkflowControl{PendingRetryRunID: &pending}); err != nil {
					return err
				}
			}
		} else {
			if _, err := tx.ReleaseReservedEvents(ctx, runID); err != nil {
				return err
			}
		}

		// Session finalization: a failed run fails the session, a paused run
		// suspends it. The session may have ended already (recovery paths);
		// FinalizeSession is a no-op then.
		switch {
		case status.Failed(), status == model.RunCrashed:
			sessionResult = model.SessionFailed
		default:
			sessionResult = model.SessionSuspended
		}
		if err := tx.FinalizeSession(ctx, sessionID, sessionResult, outcome.Error, outcome.ErrorType); err != nil {
			return err
		}

		return m.applyWorkflowDisposition(ctx, tx, workflowID, status, &pausedReason)
	})
	if err != nil {
		if errors.Is(err, ErrInvariantViolation) {
			return err
		}
		return wrapStoreErr(err)
	}

	m.notifier.SessionFinished(workflowID, sessionID, sessionResult)
	if pausedReason != "" {
		m.notifier.WorkflowPaused(workflowID, pausedReason)
	}
	m.logger.Info("handler run closed",
		zap.String("run_id", runID),
		zap.String("workflow_id", workflowID),
		zap.String("status", string(status)),
		zap.String("error_type", outcome.ErrorType))
	return nil
}

// pastMutationBoundary reports whether the run's mutation side effect may
// already be visible externally: phase mutated/emitting, or mutating with a
// mutation that is applied or of unsettled outcome.
func (m *Manager) pastMutationBoundary(ctx context.Context, tx *store.Tx, run *model.HandlerRun) (bool, error) {
	switch run.Phase {
	case model.PhaseMutated, model.PhaseEmitting:
		return true, nil
	case model.PhaseMutating:
		mut, err := tx.MutationForRun(ctx, run.ID)
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		switch mut.Status {
		case model.MutationApplied, model.MutationNeedsReconcile, model.MutationIndeterminate, model.MutationInFlight:
			return true, nil
		}
		return false, nil
	default:
		return false, nil
	}
}

// applyWorkflowDisposition maps a run status onto the workflow control
// fields, inside the same transaction as the run close.
func (m *Manager) applyWorkflowDisposition(ctx context.Context, tx *store.Tx, workflowID string, status model.RunStatus, pausedReason *string) error {
	switch status {
	case model.RunFailedLogic:
		// Auto-fix eligible: the maintainer owns the workflow now. The
		// workflow status stays as is so a fixed script can resume cleanly.
		maint := true
		return tx.UpdateWorkflowControl(ctx, workflowID, store.WorkflowControl{Maintenance: &maint})

	case model.RunFailedInternal, model.RunFailedAuth, model.RunFailedPermission, model.RunFailedNetwork:
		st := model.WorkflowError
		return tx.UpdateWorkflowControl(ctx, workflowID, store.WorkflowControl{Status: &st})

	case model.RunPausedApproval:
		st := model.WorkflowPaused
		*pausedReason = "awaiting approval"
		return tx.UpdateWorkflowControl(ctx, workflowID, store.WorkflowControl{Status: &st})

	case model.RunPausedReconciliation:
		st := model.WorkflowPaused
		*pausedReason = "awaiting mutation reconciliation"
		return tx.UpdateWorkflowControl(ctx, workflowID, store.WorkflowControl{Status: &st})

	case model.RunPausedTransient:
		// The workflow stays active; the scheduler rearms after an
		// exponential backoff recorded on the workflow row.
		wf, err := tx.GetWorkflow(ctx, workflowID)
		if err != nil {
			return err
		}
		backoff := wf.RetryBackoffMs * 2
		if backoff < initialRetryBackoffMs {
			backoff = initialRetryBackoffMs
		}
		if backoff > maxRetryBackoffMs {
			backoff = maxRetryBackoffMs
		}
		next := tx.Now() + backoff
		return tx.UpdateWorkflowControl(ctx, workflowID, store.WorkflowControl{
			RetryBackoffMs: &backoff,
			NextRetryAt:    &next,
		})

	case model.RunCrashed, model.RunCommitted:
		return nil
	}
	return nil
}

// MarkWorkflowMaintenance hands a workflow to the auto-fix path for a
// logic error raised outside any handler run (config parse failure,
// missing active script).
func (m *Manager) MarkWorkflowMaintenance(ctx context.Context, workflowID string) error {
	maint := true
	err := m.store.WithTx(ctx, func(tx *store.Tx) error {
		return tx.UpdateWorkflowControl(ctx, workflowID, store.WorkflowControl{Maintenance: &maint})
	})
	return wrapStoreErr(err)
}

// ClearTransientBackoff resets the workflow's retry backoff after a
// successful session.
func (m *Manager) ClearTransientBackoff(ctx context.Context, workflowID string) error {
	var zero int64
	err := m.store.WithTx(ctx, func(tx *store.Tx) error {
		return tx.UpdateWorkflowControl(ctx, workflowID, store.WorkflowControl{
			RetryBackoffMs: &zero,
			NextRetryAt:    &zero,
		})
	})
	return wrapStoreErr(err)
}
