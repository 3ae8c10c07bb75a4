// Package emm implements the execution model manager: the single gateway
// through which every persistent state transition of the engine happens.
// Each published operation runs in one store transaction spanning every
// table it touches, so observers never see a partially applied transition.
package emm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/loomctl/loom/internal/common/logger"
	"github.com/loomctl/loom/internal/engine/model"
	"github.com/loomctl/loom/internal/engine/store"
)

// Operation errors. Callers translate these into session and workflow
// outcomes; anything else is a store availability problem.
var (
	ErrNotFound           = errors.New("entity not found")
	ErrInvariantViolation = errors.New("invariant violation")
	ErrConflictingRetry   = errors.New("conflicting retry")
	ErrStoreUnavailable   = errors.New("store unavailable")
)

// Wake-time clamping bounds (§ wake semantics): a requested wake is pushed
// at least 30s and at most 24h into the future.
const (
	minWakeDelay = 30 * time.Second
	maxWakeDelay = 24 * time.Hour
)

// Notifier receives engine lifecycle notifications after a transition
// commits. Implementations must not block.
type Notifier interface {
	SessionFinished(workflowID, sessionID string, result model.SessionResult)
	WorkflowPaused(workflowID, reason string)
	MutationPending(workflowID, runID, mutationID string)
}

// NopNotifier discards all notifications.
type NopNotifier struct{}

func (NopNotifier) SessionFinished(string, string, model.SessionResult) {}
func (NopNotifier) WorkflowPaused(string, string)                      {}
func (NopNotifier) MutationPending(string, string, string)             {}

// Manager is the execution model manager.
type Manager struct {
	store    *store.Store
	logger   *logger.Logger
	notifier Notifier
}

// New creates a manager. A nil notifier is replaced with NopNotifier.
func New(st *store.Store, log *logger.Logger, notifier Notifier) *Manager {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Manager{
		store:    st,
		logger:   log.WithFields(zap.String("component", "emm")),
		notifier: notifier,
	}
}

// Store exposes the underlying store for read-only collaborators.
func (m *Manager) Store() *store.Store { return m.store }

// wrapStoreErr maps store sentinel errors onto the manager's taxonomy.
func wrapStoreErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	case errors.Is(err, store.ErrConflict):
		return fmt.Errorf("%w: %v", ErrInvariantViolation, err)
	default:
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
}

// CreateSession opens a new session for a workflow.
func (m *Manager) CreateSession(ctx context.Context, workflowID, scriptID string, trigger model.SessionTrigger, retryOf string) (*model.Session, error) {
	session := &model.Session{
		ID:         uuid.New().String(),
		ScriptID:   scriptID,
		WorkflowID: workflowID,
		Trigger:    trigger,
		RetryOf:    retryOf,
	}
	err := m.store.WithTx(ctx, func(tx *store.Tx) error {
		return tx.InsertSession(ctx, session)
	})
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	return session, nil
}

// CreateHandlerRun opens a new handler run inside a session. The run starts
// active in the pending phase; the state machine drives it from there. The
// single-threaded-per-workflow invariant is enforced here: creating a second
// active run for a workflow fails.
func (m *Manager) CreateHandlerRun(ctx context.Context, sessionID, workflowID string, handlerType model.HandlerType, handlerName string) (*model.HandlerRun, error) {
	run := &model.HandlerRun{
		ID:          uuid.New().String(),
		SessionID:   sessionID,
		WorkflowID:  workflowID,
		HandlerType: handlerType,
		HandlerName: handlerName,
		Phase:       model.PhasePending,
		Status:      model.RunActive,
	}
	err := m.store.WithTx(ctx, func(tx *store.Tx) error {
		_, err := tx.ActiveRunForWorkflow(ctx, workflowID)
		switch {
		case err == nil:
			return fmt.Errorf("%w: workflow %s already has an active run", ErrInvariantViolation, workflowID)
		case errors.Is(err, store.ErrNotFound):
			// no active run, proceed
		default:
			return err
		}
		return tx.InsertHandlerRun(ctx, run)
	})
	if err != nil {
		if errors.Is(err, ErrInvariantViolation) {
			return nil, err
		}
		return nil, wrapStoreErr(err)
	}
	return run, nil
}

// GetHandlerRun reads the canonical run row. The state machine re-reads it
// on every loop iteration instead of caching run state in memory.
func (m *Manager) GetHandlerRun(ctx context.Context, runID string) (*model.HandlerRun, error) {
	run, err := m.store.View().GetHandlerRun(ctx, runID)
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	return run, nil
}

// UpdateProducerPhase advances a producer run to a new phase.
func (m *Manager) UpdateProducerPhase(ctx context.Context, runID string, phase model.Phase) error {
	err := m.store.WithTx(ctx, func(tx *store.Tx) error {
		return tx.UpdateHandlerRunPhase(ctx, runID, phase, store.RunUpdate{})
	})
	return wrapStoreErr(err)
}

// ConsumerPhaseOptions carries the optional effects of a consumer phase
// transition that must commit with it.
type ConsumerPhaseOptions struct {
	// Reservations are event batches to mark reserved, bound to the run.
	Reservations []model.Reservation
	// PrepareResult is the raw prepare return value to persist on the run.
	PrepareResult string
	// WakeAt is the requested wake time in unix-ms; negative means "leave
	// untouched", zero clears. The persisted value is clamped.
	WakeAt int64
	// HandlerName is required when WakeAt >= 0.
	HandlerName string
	// AddCost accrues sandbox cost onto the run.
	AddCost int64
}

// UpdateConsumerPhase advances a consumer run and atomically applies the
// given options: prepare result write, event reservations and wake time all
// commit with the phase or not at all.
func (m *Manager) UpdateConsumerPhase(ctx context.Context, runID string, phase model.Phase, opts ConsumerPhaseOptions) error {
	err := m.store.WithTx(ctx, func(tx *store.Tx) error {
		run, err := tx.GetHandlerRun(ctx, runID)
		if err != nil {
			return err
		}
		upd := store.RunUpdate{AddCost: opts.AddCost}
		if opts.PrepareResult != "" {
			upd.PrepareResult = &opts.PrepareResult
		}
		if err := tx.UpdateHandlerRunPhase(ctx, runID, phase, upd); err != nil {
			return err
		}
		for _, r := range opts.Reservations {
			if err := tx.ReserveEvents(ctx, run.WorkflowID, runID, r.Topic, r.IDs); err != nil {
				return err
			}
		}
		if opts.WakeAt >= 0 && opts.HandlerName != "" {
			clamped := ClampWakeAt(tx.Now(), opts.WakeAt)
			if err := tx.SetHandlerWakeAt(ctx, run.WorkflowID, opts.HandlerName, clamped); err != nil {
				return err
			}
		}
		return nil
	})
	return wrapStoreErr(err)
}

// ClampWakeAt bounds a requested wake time to [now+30s, now+24h]. A zero or
// negative request clears the wake (returns 0).
func ClampWakeAt(now, requested int64) int64 {
	if requested <= 0 {
		return 0
	}
	min := now + minWakeDelay.Milliseconds()
	max := now + maxWakeDelay.Milliseconds()
	if requested > max {
		requested = max
	}
	if requested < min {
		requested = min
	}
	return requested
}
