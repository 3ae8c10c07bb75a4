package emm

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/loomctl/loom/internal/engine/model"
	"github.com/loomctl/loom/internal/engine/store"
)

// CommitProducerOptions carries the durable results of a producer run.
type CommitProducerOptions struct {
	// State is the new handler state blob; nil leaves the previous state.
	State *string
	// OutputState is the display copy written onto the run row.
	OutputState *string
	// NextRunAt advances the producer's schedule; zero leaves it alone.
	NextRunAt int64
	// AddCost accrues sandbox cost onto the run.
	AddCost int64
}

// CommitProducer finalizes a producer run in one transaction: handler state,
// run phase and status, session handler count and schedule advancement.
func (m *Manager) CommitProducer(ctx context.Context, runID string, opts CommitProducerOptions) error {
	err := m.store.WithTx(ctx, func(tx *store.Tx) error {
		run, err := tx.GetHandlerRun(ctx, runID)
		if err != nil {
			return err
		}
		if opts.State != nil {
			if err := tx.UpsertHandlerState(ctx, run.WorkflowID, run.HandlerName, *opts.State); err != nil {
				return err
			}
		}
		upd := store.RunUpdate{OutputState: opts.OutputState, AddCost: opts.AddCost}
		if err := tx.UpdateHandlerRunPhase(ctx, runID, model.PhaseCommitted, upd); err != nil {
			return err
		}
		if err := tx.CloseHandlerRun(ctx, runID, model.RunCommitted, "", "", store.RunUpdate{}); err != nil {
			return err
		}
		if err := tx.IncrementSessionHandlerCount(ctx, run.SessionID); err != nil {
			return err
		}
		if opts.NextRunAt > 0 {
			if err := tx.AdvanceProducerSchedule(ctx, run.WorkflowID, run.HandlerName, opts.NextRunAt); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return wrapStoreErr(err)
	}
	m.logger.Debug("producer run committed", zap.String("run_id", runID))
	return nil
}

// CommitConsumerOptions carries the durable results of a consumer run.
type CommitConsumerOptions struct {
	State       *string
	OutputState *string
	AddCost     int64
}

// CommitConsumer finalizes a consumer run in one transaction: reserved
// events are settled, handler state updated when provided, the run goes to
// phase and status committed and the session handler count is bumped.
// It returns how many reserved events the run held, which the caller feeds
// into the scheduler-state dirty decision.
func (m *Manager) CommitConsumer(ctx context.Context, runID string, opts CommitConsumerOptions) (reserved int, err error) {
	err = m.store.WithTx(ctx, func(tx *store.Tx) error {
		run, err := tx.GetHandlerRun(ctx, runID)
		if err != nil {
			return err
		}

		// A consumer that ran a mutation may only commit once the mutation
		// is settled in its favor.
		mut, err := tx.MutationForRun(ctx, runID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		userSkip := false
		if mut != nil {
			switch {
			case mut.Status == model.MutationApplied:
			case mut.Status == model.MutationFailed && mut.Outcome == model.OutcomeUserSkip:
				userSkip = true
			default:
				return errInvariantf("run %s cannot commit with mutation status %s", runID, mut.Status)
			}
		}

		if userSkip {
			reserved, err = tx.SkipReservedEvents(ctx, runID)
		} else {
			reserved, err = tx.ConsumeReservedEvents(ctx, runID)
		}
		if err != nil {
			return err
		}

		if opts.State != nil {
			if err := tx.UpsertHandlerState(ctx, run.WorkflowID, run.HandlerName, *opts.State); err != nil {
				return err
			}
		}
		upd := store.RunUpdate{OutputState: opts.OutputState, AddCost: opts.AddCost}
		if err := tx.UpdateHandlerRunPhase(ctx, runID, model.PhaseCommitted, upd); err != nil {
			return err
		}
		if err := tx.CloseHandlerRun(ctx, runID, model.RunCommitted, "", "", store.RunUpdate{}); err != nil {
			return err
		}
		return tx.IncrementSessionHandlerCount(ctx, run.SessionID)
	})
	if err != nil {
		if errors.Is(err, ErrInvariantViolation) {
			return 0, err
		}
		return 0, wrapStoreErr(err)
	}
	m.logger.Debug("consumer run committed",
		zap.String("run_id", runID),
		zap.Int("events_settled", reserved))
	return reserved, nil
}

// FinishSession is the success-path session finalization.
func (m *Manager) FinishSession(ctx context.Context, sessionID string) error {
	var workflowID string
	err := m.store.WithTx(ctx, func(tx *store.Tx) error {
		session, err := tx.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		workflowID = session.WorkflowID
		return tx.FinalizeSession(ctx, sessionID, model.SessionCompleted, "", "")
	})
	if err != nil {
		return wrapStoreErr(err)
	}
	m.notifier.SessionFinished(workflowID, sessionID, model.SessionCompleted)
	return nil
}

// FinalizeSessionError closes a session that failed outside handler
// execution (config parse error, missing script). No handler run exists in
// that case, so this is the one finalization path not driven by a run
// status transition.
func (m *Manager) FinalizeSessionError(ctx context.Context, sessionID string, result model.SessionResult, errMsg, errType string) error {
	var workflowID string
	err := m.store.WithTx(ctx, func(tx *store.Tx) error {
		session, err := tx.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		workflowID = session.WorkflowID
		return tx.FinalizeSession(ctx, sessionID, result, errMsg, errType)
	})
	if err != nil {
		return wrapStoreErr(err)
	}
	m.notifier.SessionFinished(workflowID, sessionID, result)
	return nil
}
