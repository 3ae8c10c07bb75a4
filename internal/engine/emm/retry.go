package emm

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/loomctl/loom/internal/engine/model"
	"github.com/loomctl/loom/internal/engine/store"
)

// CreateRetryRun creates the handler run that resumes a post-mutation
// failure. The new run starts at the emitting phase with the failed run's
// prepare result carried forward; ownership of the reserved events moves to
// it and the workflow's pending-retry marker is cleared, all in one
// transaction.
func (m *Manager) CreateRetryRun(ctx context.Context, failedRunID, newSessionID string) (*model.HandlerRun, error) {
	var run *model.HandlerRun
	err := m.store.WithTx(ctx, func(tx *store.Tx) error {
		failed, err := tx.GetHandlerRun(ctx, failedRunID)
		if err != nil {
			return err
		}
		if failed.Status == model.RunActive {
			return fmt.Errorf("%w: run %s is still active", ErrConflictingRetry, failedRunID)
		}
		if failed.HandlerType != model.HandlerConsumer {
			return errInvariantf("retry run source %s is not a consumer", failedRunID)
		}

		wf, err := tx.GetWorkflow(ctx, failed.WorkflowID)
		if err != nil {
			return err
		}
		if wf.PendingRetryRunID != failedRunID {
			return fmt.Errorf("%w: workflow %s pending retry is %q, not %q",
				ErrConflictingRetry, wf.ID, wf.PendingRetryRunID, failedRunID)
		}

		// The mutation must have been settled in the run's favor before a
		// retry may resume at emitting; an unsettled mutation still needs
		// reconciliation or user resolution.
		mut, err := tx.MutationForRun(ctx, failedRunID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if mut != nil {
			switch {
			case mut.Status == model.MutationApplied:
			case mut.Status == model.MutationFailed && mut.Outcome == model.OutcomeUserSkip:
			default:
				return fmt.Errorf("%w: mutation of run %s is %s", ErrConflictingRetry, failedRunID, mut.Status)
			}
		}

		run = &model.HandlerRun{
			ID:            uuid.New().String(),
			SessionID:     newSessionID,
			WorkflowID:    failed.WorkflowID,
			HandlerType:   failed.HandlerType,
			HandlerName:   failed.HandlerName,
			Phase:         model.PhaseEmitting,
			Status:        model.RunActive,
			RetryOf:       failedRunID,
			PrepareResult: failed.PrepareResult,
			InputState:    failed.InputState,
		}
		if err := tx.InsertHandlerRun(ctx, run); err != nil {
			return err
		}
		if _, err := tx.TransferReservedEvents(ctx, failedRunID, run.ID); err != nil {
			return err
		}
		clear := ""
		return tx.UpdateWorkflowControl(ctx, failed.WorkflowID, store.WorkflowControl{PendingRetryRunID: &clear})
	})
	if err != nil {
		if errors.Is(err, ErrConflictingRetry) || errors.Is(err, ErrInvariantViolation) {
			return nil, err
		}
		return nil, wrapStoreErr(err)
	}
	m.logger.Info("retry run created",
		zap.String("run_id", run.ID),
		zap.String("retry_of", failedRunID),
		zap.String("session_id", newSessionID))
	return run, nil
}

// RetryMutationForNext loads the settled mutation a retry run's next step
// should observe. The mutation row lives on the original failed run; the
// retry chain is followed back through retry_of.
func (m *Manager) RetryMutationForNext(ctx context.Context, run *model.HandlerRun) (*model.Mutation, error) {
	view := m.store.View()
	current := run
	for {
		mut, err := view.MutationForRun(ctx, current.ID)
		if err == nil {
			return mut, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, wrapStoreErr(err)
		}
		if current.RetryOf == "" {
			return nil, nil
		}
		prev, err := view.GetHandlerRun(ctx, current.RetryOf)
		if err != nil {
			return nil, wrapStoreErr(err)
		}
		current = prev
	}
}
