package store

import (
	"context"
	"fmt"

	"github.com/loomctl/loom/internal/engine/model"
)

const mutationColumns = `id, handler_run_id, workflow_id, tool_namespace, tool_method, params,
	idempotency_key, status, result, error, resolved_by, resolved_at, mutation_outcome, created_at`

// InsertMutation records a side-effecting tool call before it begins. The
// unique index on handler_run_id enforces at most one mutation per run.
func (t *Tx) InsertMutation(ctx context.Context, m *model.Mutation) error {
	m.CreatedAt = t.now()
	_, err := t.exec(ctx, `
		INSERT INTO mutations (`+mutationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.HandlerRunID, m.WorkflowID, m.ToolNamespace, m.ToolMethod, m.Params,
		m.IdempotencyKey, m.Status, m.Result, m.Error, m.ResolvedBy, m.ResolvedAt,
		m.Outcome, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert mutation: %w", err)
	}
	return nil
}

// GetMutation loads one mutation by id.
func (t *Tx) GetMutation(ctx context.Context, id string) (*model.Mutation, error) {
	var m model.Mutation
	if err := t.get(ctx, &m, `SELECT `+mutationColumns+` FROM mutations WHERE id = ?`, id); err != nil {
		return nil, err
	}
	return &m, nil
}

// MutationForRun loads the mutation owned by a handler run, if any.
func (t *Tx) MutationForRun(ctx context.Context, runID string) (*model.Mutation, error) {
	var m model.Mutation
	if err := t.get(ctx, &m, `SELECT `+mutationColumns+` FROM mutations WHERE handler_run_id = ?`, runID); err != nil {
		return nil, err
	}
	return &m, nil
}

// MutationUpdate carries the optional fields of a mutation status change.
type MutationUpdate struct {
	Result     *string
	Error      *string
	ResolvedBy *string
	Outcome    *model.MutationOutcome
}

// SetMutationStatus moves a mutation to a new status with optional fields.
func (t *Tx) SetMutationStatus(ctx context.Context, mutationID string, status model.MutationStatus, upd MutationUpdate) error {
	set := "status = ?"
	args := []interface{}{status}
	if upd.Result != nil {
		set += ", result = ?"
		args = append(args, *upd.Result)
	}
	if upd.Error != nil {
		set += ", error = ?"
		args = append(args, *upd.Error)
	}
	if upd.ResolvedBy != nil {
		set += ", resolved_by = ?, resolved_at = ?"
		args = append(args, *upd.ResolvedBy, t.now())
	}
	if upd.Outcome != nil {
		set += ", mutation_outcome = ?"
		args = append(args, *upd.Outcome)
	}
	args = append(args, mutationID)
	res, err := t.exec(ctx, `UPDATE mutations SET `+set+` WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("failed to update mutation status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
