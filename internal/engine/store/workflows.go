package store

import (
	"context"
	"fmt"

	"github.com/loomctl/loom/internal/db/dialect"
	"github.com/loomctl/loom/internal/engine/model"
)

const workflowColumns = `id, task_id, name, active_script_id, handler_config, status,
	maintenance, maintenance_fix_count, pending_retry_run_id, retry_backoff_ms, next_retry_at,
	cron, next_run_timestamp, created_at, updated_at`

// InsertWorkflow stores a freshly created workflow.
func (t *Tx) InsertWorkflow(ctx context.Context, w *model.Workflow) error {
	now := t.now()
	w.CreatedAt = now
	w.UpdatedAt = now
	_, err := t.exec(ctx, `
		INSERT INTO workflows (`+workflowColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.TaskID, w.Name, w.ActiveScriptID, w.HandlerConfig, w.Status,
		dialect.BoolToInt(w.Maintenance), w.MaintenanceFixCount, w.PendingRetryRunID,
		w.RetryBackoffMs, w.NextRetryAt, w.Cron, w.NextRunTimestamp, w.CreatedAt, w.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert workflow: %w", err)
	}
	return nil
}

// GetWorkflow loads one workflow by id.
func (t *Tx) GetWorkflow(ctx context.Context, id string) (*model.Workflow, error) {
	var w model.Workflow
	if err := t.get(ctx, &w, `SELECT `+workflowColumns+` FROM workflows WHERE id = ?`, id); err != nil {
		return nil, err
	}
	return &w, nil
}

// ListWorkflowsByStatus returns all workflows in the given status.
func (t *Tx) ListWorkflowsByStatus(ctx context.Context, status model.WorkflowStatus) ([]*model.Workflow, error) {
	var rows []model.Workflow
	if err := t.selectAll(ctx, &rows, `
		SELECT `+workflowColumns+` FROM workflows WHERE status = ? ORDER BY created_at`, status); err != nil {
		return nil, err
	}
	out := make([]*model.Workflow, 0, len(rows))
	for i := range rows {
		out = append(out, &rows[i])
	}
	return out, nil
}

// WorkflowControl is the subset of workflow fields the execution model
// manager is allowed to update.
type WorkflowControl struct {
	Status            *model.WorkflowStatus
	Maintenance       *bool
	PendingRetryRunID *string
	RetryBackoffMs    *int64
	NextRetryAt       *int64
}

// UpdateWorkflowControl applies the non-nil control fields to the workflow.
func (t *Tx) UpdateWorkflowControl(ctx context.Context, workflowID string, ctrl WorkflowControl) error {
	set := "updated_at = ?"
	args := []interface{}{t.now()}
	if ctrl.Status != nil {
		set += ", status = ?"
		args = append(args, *ctrl.Status)
	}
	if ctrl.Maintenance != nil {
		set += ", maintenance = ?"
		args = append(args, dialect.BoolToInt(*ctrl.Maintenance))
	}
	if ctrl.PendingRetryRunID != nil {
		set += ", pending_retry_run_id = ?"
		args = append(args, *ctrl.PendingRetryRunID)
	}
	if ctrl.RetryBackoffMs != nil {
		set += ", retry_backoff_ms = ?"
		args = append(args, *ctrl.RetryBackoffMs)
	}
	if ctrl.NextRetryAt != nil {
		set += ", next_retry_at = ?"
		args = append(args, *ctrl.NextRetryAt)
	}
	args = append(args, workflowID)
	res, err := t.exec(ctx, `UPDATE workflows SET `+set+` WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("failed to update workflow control fields: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ActivateWorkflowScript points the workflow at a script version, stores its
// handler config, clears maintenance and optionally resets the fix counter.
func (t *Tx) ActivateWorkflowScript(ctx context.Context, workflowID, scriptID, handlerConfig string, opts ActivateOptions) error {
	query := `
		UPDATE workflows SET
			active_script_id = ?,
			handler_config = ?,
			status = ?,
			maintenance = 0,
			pending_retry_run_id = ?,
			retry_backoff_ms = 0,
			next_retry_at = 0,
			cron = ?,
			next_run_timestamp = ?,
			updated_at = ?`
	args := []interface{}{
		scriptID, handlerConfig, model.WorkflowActive, opts.PendingRetryRunID,
		opts.Cron, opts.NextRunTimestamp, t.now(),
	}
	if opts.ResetFixCount {
		query += `, maintenance_fix_count = 0`
	} else if opts.IncrementFixCount {
		query += `, maintenance_fix_count = maintenance_fix_count + 1`
	}
	query += ` WHERE id = ?`
	args = append(args, workflowID)
	res, err := t.exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to activate script on workflow: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ActivateOptions tunes ActivateWorkflowScript.
type ActivateOptions struct {
	PendingRetryRunID string
	ResetFixCount     bool
	IncrementFixCount bool
	Cron              string
	NextRunTimestamp  int64
}

// SetWorkflowSchedule updates the display-level cron/next-run denormalization.
func (t *Tx) SetWorkflowSchedule(ctx context.Context, workflowID, cron string, nextRunTimestamp int64) error {
	_, err := t.exec(ctx, `
		UPDATE workflows SET cron = ?, next_run_timestamp = ?, updated_at = ? WHERE id = ?`,
		cron, nextRunTimestamp, t.now(), workflowID)
	if err != nil {
		return fmt.Errorf("failed to update workflow schedule display: %w", err)
	}
	return nil
}
