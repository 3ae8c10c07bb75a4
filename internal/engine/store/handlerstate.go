package store

import (
	"context"
	"fmt"

	"github.com/loomctl/loom/internal/engine/model"
)

const handlerStateColumns = `workflow_id, handler_name, state, wake_at, updated_at`

// GetHandlerState loads the durable state blob for one handler. A handler
// that never committed has empty state and no wake time.
func (t *Tx) GetHandlerState(ctx context.Context, workflowID, handlerName string) (*model.HandlerState, error) {
	var hs model.HandlerState
	err := t.get(ctx, &hs, `
		SELECT `+handlerStateColumns+` FROM handler_states
		WHERE workflow_id = ? AND handler_name = ?`, workflowID, handlerName)
	if err == ErrNotFound {
		return &model.HandlerState{WorkflowID: workflowID, HandlerName: handlerName}, nil
	}
	if err != nil {
		return nil, err
	}
	return &hs, nil
}

// UpsertHandlerState writes the handler's state blob, leaving wake_at as is.
func (t *Tx) UpsertHandlerState(ctx context.Context, workflowID, handlerName, state string) error {
	_, err := t.exec(ctx, `
		INSERT INTO handler_states (workflow_id, handler_name, state, wake_at, updated_at)
		VALUES (?, ?, ?, 0, ?)
		ON CONFLICT (workflow_id, handler_name) DO UPDATE SET
			state = excluded.state,
			updated_at = excluded.updated_at`,
		workflowID, handlerName, state, t.now())
	if err != nil {
		return fmt.Errorf("failed to upsert handler state: %w", err)
	}
	return nil
}

// SetHandlerWakeAt persists a handler's wake time. Zero clears it.
func (t *Tx) SetHandlerWakeAt(ctx context.Context, workflowID, handlerName string, wakeAt int64) error {
	_, err := t.exec(ctx, `
		INSERT INTO handler_states (workflow_id, handler_name, state, wake_at, updated_at)
		VALUES (?, ?, '', ?, ?)
		ON CONFLICT (workflow_id, handler_name) DO UPDATE SET
			wake_at = excluded.wake_at,
			updated_at = excluded.updated_at`,
		workflowID, handlerName, wakeAt, t.now())
	if err != nil {
		return fmt.Errorf("failed to set handler wake time: %w", err)
	}
	return nil
}

// ListHandlerStates returns all handler states of a workflow.
func (t *Tx) ListHandlerStates(ctx context.Context, workflowID string) ([]*model.HandlerState, error) {
	var rows []model.HandlerState
	err := t.selectAll(ctx, &rows, `
		SELECT `+handlerStateColumns+` FROM handler_states
		WHERE workflow_id = ? ORDER BY handler_name`, workflowID)
	if err != nil {
		return nil, err
	}
	out := make([]*model.HandlerState, 0, len(rows))
	for i := range rows {
		out = append(out, &rows[i])
	}
	return out, nil
}

// ConsumersWithDueWakeAt returns handler names whose persisted wake time is
// due. The session orchestrator uses it as the database fallback when no
// in-memory scheduler state is attached.
func (t *Tx) ConsumersWithDueWakeAt(ctx context.Context, workflowID string, now int64) ([]string, error) {
	var names []string
	err := t.selectAll(ctx, &names, `
		SELECT handler_name FROM handler_states
		WHERE workflow_id = ? AND wake_at > 0 AND wake_at <= ?
		ORDER BY handler_name`, workflowID, now)
	return names, err
}
