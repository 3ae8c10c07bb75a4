package emm

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/loomctl/loom/internal/engine/model"
	"github.com/loomctl/loom/internal/engine/store"
)

// CreateMutation durably records a side-effecting tool call before the side
// effect begins. The run must be a consumer in its mutate phase with no
// prior mutation; the unique index on handler_run_id backs this up.
func (m *Manager) CreateMutation(ctx context.Context, runID, namespace, method, params, idempotencyKey string) (*model.Mutation, error) {
	mut := &model.Mutation{
		ID:             uuid.New().String(),
		HandlerRunID:   runID,
		ToolNamespace:  namespace,
		ToolMethod:     method,
		Params:         params,
		IdempotencyKey: idempotencyKey,
		Status:         model.MutationInFlight,
	}
	err := m.store.WithTx(ctx, func(tx *store.Tx) error {
		run, err := tx.GetHandlerRun(ctx, runID)
		if err != nil {
			return err
		}
		if run.HandlerType != model.HandlerConsumer || run.Phase != model.PhaseMutating {
			return errInvariantf("mutation outside mutate phase: run %s is a %s in phase %s",
				runID, run.HandlerType, run.Phase)
		}
		if _, err := tx.MutationForRun(ctx, runID); err == nil {
			return errInvariantf("run %s already has a mutation", runID)
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		mut.WorkflowID = run.WorkflowID
		return tx.InsertMutation(ctx, mut)
	})
	if err != nil {
		if errors.Is(err, ErrInvariantViolation) {
			return nil, err
		}
		return nil, wrapStoreErr(err)
	}
	m.logger.Debug("mutation recorded in flight",
		zap.String("run_id", runID),
		zap.String("tool", namespace+"."+method))
	return mut, nil
}

// ApplyMutation settles a mutation as applied and advances the owning run
// to the mutated phase in the same transaction. No observer can see one
// without the other.
func (m *Manager) ApplyMutation(ctx context.Context, mutationID, result string) error {
	err := m.store.WithTx(ctx, func(tx *store.Tx) error {
		mut, err := tx.GetMutation(ctx, mutationID)
		if err != nil {
			return err
		}
		if mut.Status != model.MutationInFlight && mut.Status != model.MutationNeedsReconcile {
			return errInvariantf("mutation %s cannot apply from status %s", mutationID, mut.Status)
		}
		if err := tx.SetMutationStatus(ctx, mutationID, model.MutationApplied, store.MutationUpdate{Result: &result}); err != nil {
			return err
		}
		return tx.UpdateHandlerRunPhase(ctx, mut.HandlerRunID, model.PhaseMutated, store.RunUpdate{})
	})
	if err != nil {
		if errors.Is(err, ErrInvariantViolation) {
			return err
		}
		return wrapStoreErr(err)
	}
	return nil
}

// FailMutation settles a mutation as definitely failed and releases the
// run's reserved events so a fresh attempt can re-reserve them.
func (m *Manager) FailMutation(ctx context.Context, mutationID, errMsg string) error {
	err := m.store.WithTx(ctx, func(tx *store.Tx) error {
		mut, err := tx.GetMutation(ctx, mutationID)
		if err != nil {
			return err
		}
		if mut.Status != model.MutationInFlight && mut.Status != model.MutationNeedsReconcile {
			return errInvariantf("mutation %s cannot fail from status %s", mutationID, mut.Status)
		}
		if err := tx.SetMutationStatus(ctx, mutationID, model.MutationFailed, store.MutationUpdate{Error: &errMsg}); err != nil {
			return err
		}
		_, err = tx.ReleaseReservedEvents(ctx, mut.HandlerRunID)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrInvariantViolation) {
			return err
		}
		return wrapStoreErr(err)
	}
	return nil
}

// MutationStatusOptions tunes UpdateMutationStatus.
type MutationStatusOptions struct {
	Error string
}

// UpdateMutationStatus moves a mutation to needs_reconcile or
// indeterminate. Indeterminate also pauses the workflow and records the
// owning run as the pending retry, atomically.
func (m *Manager) UpdateMutationStatus(ctx context.Context, mutationID string, status model.MutationStatus, opts MutationStatusOptions) error {
	var (
		workflowID string
		runID      string
	)
	err := m.store.WithTx(ctx, func(tx *store.Tx) error {
		mut, err := tx.GetMutation(ctx, mutationID)
		if err != nil {
			return err
		}
		workflowID = mut.WorkflowID
		runID = mut.HandlerRunID
		upd := store.MutationUpdate{}
		if opts.Error != "" {
			upd.Error = &opts.Error
		}
		if err := tx.SetMutationStatus(ctx, mutationID, status, upd); err != nil {
			return err
		}
		if status == model.MutationIndeterminate {
			st := model.WorkflowPaused
			return tx.UpdateWorkflowControl(ctx, workflowID, store.WorkflowControl{
				Status:            &st,
				PendingRetryRunID: &runID,
			})
		}
		return nil
	})
	if err != nil {
		return wrapStoreErr(err)
	}
	if status == model.MutationIndeterminate {
		m.notifier.MutationPending(workflowID, runID, mutationID)
	}
	return nil
}

// ResolveMutation applies a user's assertion about an indeterminate or
// reconciliation-pending mutation.
//
//   - happened: the mutation is applied; the run reopens at mutated and the
//     workflow resumes.
//   - did_not_happen: the mutation failed; the run is closed, its events are
//     released and the workflow resumes so a fresh session re-prepares.
//   - skip: the mutation is failed with a user-skip outcome; the run reopens
//     at mutated so its next step observes {status: "skipped"}.
//
// The returned run id is non-empty when the caller should drive the
// reopened run to completion.
func (m *Manager) ResolveMutation(ctx context.Context, runID string, assertion model.MutationAssertion, resolvedBy string) (resumeRunID string, err error) {
	err = m.store.WithTx(ctx, func(tx *store.Tx) error {
		run, err := tx.GetHandlerRun(ctx, runID)
		if err != nil {
			return err
		}
		if run.Status != model.RunPausedReconciliation {
			return errInvariantf("run %s is not awaiting reconciliation (status %s)", runID, run.Status)
		}
		mut, err := tx.MutationForRun(ctx, runID)
		if err != nil {
			return err
		}
		if mut.Status != model.MutationIndeterminate && mut.Status != model.MutationNeedsReconcile {
			return errInvariantf("mutation %s is not awaiting resolution (status %s)", mut.ID, mut.Status)
		}

		active := model.WorkflowActive
		clearPending := ""
		resume := store.WorkflowControl{Status: &active, PendingRetryRunID: &clearPending}

		switch assertion {
		case model.AssertHappened:
			outcome := model.OutcomeUserHappened
			if err := tx.SetMutationStatus(ctx, mut.ID, model.MutationApplied, store.MutationUpdate{
				ResolvedBy: &resolvedBy, Outcome: &outcome,
			}); err != nil {
				return err
			}
			if err := tx.ReopenHandlerRun(ctx, runID, model.PhaseMutated); err != nil {
				return err
			}
			resumeRunID = runID

		case model.AssertDidNotHappen:
			outcome := model.OutcomeUserDidNot
			if err := tx.SetMutationStatus(ctx, mut.ID, model.MutationFailed, store.MutationUpdate{
				ResolvedBy: &resolvedBy, Outcome: &outcome,
			}); err != nil {
				return err
			}
			// The side effect never happened: close the run, release its
			// events and let the next event session re-prepare from scratch.
			if err := tx.CloseHandlerRun(ctx, runID, model.RunCrashed,
				"mutation resolved as not happened", "reconciliation", store.RunUpdate{}); err != nil {
				return err
			}
			if _, err := tx.ReleaseReservedEvents(ctx, runID); err != nil {
				return err
			}

		case model.AssertSkip:
			outcome := model.OutcomeUserSkip
			if err := tx.SetMutationStatus(ctx, mut.ID, model.MutationFailed, store.MutationUpdate{
				ResolvedBy: &resolvedBy, Outcome: &outcome,
			}); err != nil {
				return err
			}
			if err := tx.ReopenHandlerRun(ctx, runID, model.PhaseMutated); err != nil {
				return err
			}
			resumeRunID = runID

		default:
			return errInvariantf("unknown mutation assertion %q", assertion)
		}

		return tx.UpdateWorkflowControl(ctx, run.WorkflowID, resume)
	})
	if err != nil {
		if errors.Is(err, ErrInvariantViolation) {
			return "", err
		}
		return "", wrapStoreErr(err)
	}
	m.logger.Info("mutation resolved",
		zap.String("run_id", runID),
		zap.String("assertion", string(assertion)))
	return resumeRunID, nil
}
