package emm

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/loomctl/loom/internal/engine/model"
	"github.com/loomctl/loom/internal/engine/store"
)

// RecoverCrashedRuns reconciles every handler run left active by a previous
// process. The disposition follows the mutation boundary:
//
//   - mutating with an in-flight mutation: the external outcome is unknown.
//     The mutation becomes indeterminate, the run pauses for reconciliation
//     and the workflow pauses with pending_retry_run_id set. Events stay.
//   - mutated/emitting, or mutating with a settled-or-unsettled-but-recorded
//     mutation (applied, needs_reconcile, indeterminate): the run crashed
//     after the side effect. It is marked crashed, the session fails and
//     pending_retry_run_id points at it so the retry resumes at emitting.
//     Events stay.
//   - anything earlier: the run crashed before any side effect. It is marked
//     crashed, the session fails and its reserved events are released. The
//     scheduler picks the workflow up again through normal dirty signals.
//
// Runs of paused or errored workflows are left for the user. Running this
// twice in a row is a no-op the second time.
func (m *Manager) RecoverCrashedRuns(ctx context.Context) error {
	view := m.store.View()
	runs, err := view.ActiveRuns(ctx)
	if err != nil {
		return wrapStoreErr(err)
	}
	for _, run := range runs {
		wf, err := view.GetWorkflow(ctx, run.WorkflowID)
		if err != nil {
			return wrapStoreErr(err)
		}
		if wf.Status != model.WorkflowActive {
			continue
		}
		if err := m.recoverRun(ctx, run); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) recoverRun(ctx context.Context, run *model.HandlerRun) error {
	err := m.store.WithTx(ctx, func(tx *store.Tx) error {
		// Re-read inside the transaction; the run may have been handled by a
		// concurrent recovery pass.
		fresh, err := tx.GetHandlerRun(ctx, run.ID)
		if err != nil {
			return err
		}
		if fresh.Status != model.RunActive {
			return nil
		}

		var mut *model.Mutation
		if fresh.HandlerType == model.HandlerConsumer {
			mut, err = tx.MutationForRun(ctx, fresh.ID)
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return err
			}
		}

		switch {
		case fresh.Phase == model.PhaseMutating && mut != nil && mut.Status == model.MutationInFlight:
			// Crash landed between the side effect starting and its outcome
			// being recorded. Only the user (or a reconcile probe) can say
			// what happened.
			if err := tx.SetMutationStatus(ctx, mut.ID, model.MutationIndeterminate, store.MutationUpdate{}); err != nil {
				return err
			}
			if err := tx.CloseHandlerRun(ctx, fresh.ID, model.RunPausedReconciliation,
				"process crashed while a mutation was in flight", "crash", store.RunUpdate{}); err != nil {
				return err
			}
			if err := tx.FinalizeSession(ctx, fresh.SessionID, model.SessionSuspended,
				"process crashed while a mutation was in flight", "crash"); err != nil {
				return err
			}
			paused := model.WorkflowPaused
			pending := fresh.ID
			return tx.UpdateWorkflowControl(ctx, fresh.WorkflowID, store.WorkflowControl{
				Status:            &paused,
				PendingRetryRunID: &pending,
			})

		case fresh.Phase == model.PhaseMutated || fresh.Phase == model.PhaseEmitting ||
			(fresh.Phase == model.PhaseMutating && mut != nil && mut.Status != model.MutationFailed):
			// Crash after the mutation boundary: a retry must resume at
			// emitting with the events still held.
			if err := tx.CloseHandlerRun(ctx, fresh.ID, model.RunCrashed,
				"process crashed after mutation", "crash", store.RunUpdate{}); err != nil {
				return err
			}
			if err := tx.FinalizeSession(ctx, fresh.SessionID, model.SessionFailed,
				"process crashed after mutation", "crash"); err != nil {
				return err
			}
			pending := fresh.ID
			return tx.UpdateWorkflowControl(ctx, fresh.WorkflowID, store.WorkflowControl{
				PendingRetryRunID: &pending,
			})

		default:
			// Crash before any side effect: release and move on.
			if err := tx.CloseHandlerRun(ctx, fresh.ID, model.RunCrashed,
				"process crashed", "crash", store.RunUpdate{}); err != nil {
				return err
			}
			if err := tx.FinalizeSession(ctx, fresh.SessionID, model.SessionFailed,
				"process crashed", "crash"); err != nil {
				return err
			}
			_, err := tx.ReleaseReservedEvents(ctx, fresh.ID)
			return err
		}
	})
	if err != nil {
		return wrapStoreErr(err)
	}
	m.logger.Info("recovered crashed run",
		zap.String("run_id", run.ID),
		zap.String("workflow_id", run.WorkflowID),
		zap.String("phase", string(run.Phase)))
	return nil
}

// RecoverUnfinishedSessions closes any session with no end timestamp whose
// workflow has no active runs left.
func (m *Manager) RecoverUnfinishedSessions(ctx context.Context) error {
	view := m.store.View()
	sessions, err := view.UnfinishedSessions(ctx)
	if err != nil {
		return wrapStoreErr(err)
	}
	for _, session := range sessions {
		_, err := view.ActiveRunForWorkflow(ctx, session.WorkflowID)
		if err == nil || errors.Is(err, store.ErrConflict) {
			continue
		}
		if !errors.Is(err, store.ErrNotFound) {
			return wrapStoreErr(err)
		}
		err = m.store.WithTx(ctx, func(tx *store.Tx) error {
			return tx.FinalizeSession(ctx, session.ID, model.SessionFailed,
				"session interrupted by process crash", "crash")
		})
		if err != nil {
			return wrapStoreErr(err)
		}
		m.logger.Info("closed unfinished session", zap.String("session_id", session.ID))
	}
	return nil
}

// RecoverMaintenanceMode verifies that workflows under maintenance stay
// parked: nothing is scheduled for them until a new script activation
// clears the flag. The check is a scan plus a log line per workflow; the
// scheduler consults the same flag on every tick.
func (m *Manager) RecoverMaintenanceMode(ctx context.Context) error {
	view := m.store.View()
	for _, status := range []model.WorkflowStatus{model.WorkflowActive, model.WorkflowPaused, model.WorkflowError} {
		workflows, err := view.ListWorkflowsByStatus(ctx, status)
		if err != nil {
			return wrapStoreErr(err)
		}
		for _, wf := range workflows {
			if wf.Maintenance {
				m.logger.Info("workflow awaiting auto-fix",
					zap.String("workflow_id", wf.ID),
					zap.Int("fix_count", wf.MaintenanceFixCount))
			}
		}
	}
	return nil
}

// AssertNoOrphanedReservedEvents verifies that every reserved event belongs
// to a run that can still consume it: a non-terminal run, or a terminal run
// referenced through the workflow's pending-retry chain. Orphans are
// self-healed by releasing them back to pending, with a warning.
func (m *Manager) AssertNoOrphanedReservedEvents(ctx context.Context) error {
	view := m.store.View()
	runIDs, err := view.ReservedEventRuns(ctx)
	if err != nil {
		return wrapStoreErr(err)
	}
	for _, runID := range runIDs {
		if runID == "" {
			continue
		}
		run, err := view.GetHandlerRun(ctx, runID)
		if errors.Is(err, ErrNotFound) || errors.Is(err, store.ErrNotFound) {
			m.releaseOrphan(ctx, runID, "owning run does not exist")
			continue
		}
		if err != nil {
			return wrapStoreErr(err)
		}
		if !run.Status.Terminal() {
			continue
		}
		wf, err := view.GetWorkflow(ctx, run.WorkflowID)
		if err != nil {
			return wrapStoreErr(err)
		}
		if wf.PendingRetryRunID == runID || wf.Maintenance {
			// A retry or fix activation will take these events over.
			continue
		}
		m.releaseOrphan(ctx, runID, "owning run is terminal with no pending retry")
	}
	return nil
}

func (m *Manager) releaseOrphan(ctx context.Context, runID, reason string) {
	err := m.store.WithTx(ctx, func(tx *store.Tx) error {
		n, err := tx.ReleaseReservedEvents(ctx, runID)
		if err != nil {
			return err
		}
		m.logger.Warn("released orphaned reserved events",
			zap.String("run_id", runID),
			zap.Int("events", n),
			zap.String("reason", reason))
		return nil
	})
	if err != nil {
		m.logger.WithError(err).Error("failed to release orphaned events", zap.String("run_id", runID))
	}
}
