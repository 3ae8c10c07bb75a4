package store

import (
	"context"
	"fmt"

	"github.com/loomctl/loom/internal/engine/model"
)

const runColumns = `id, session_id, workflow_id, handler_type, handler_name, phase, status,
	retry_of, prepare_result, input_state, output_state, error, error_type, cost,
	started_at, ended_at, logs`

// InsertHandlerRun stores a new handler run.
func (t *Tx) InsertHandlerRun(ctx context.Context, r *model.HandlerRun) error {
	if r.StartedAt == 0 {
		r.StartedAt = t.now()
	}
	_, err := t.exec(ctx, `
		INSERT INTO handler_runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.SessionID, r.WorkflowID, r.HandlerType, r.HandlerName, r.Phase, r.Status,
		r.RetryOf, r.PrepareResult, r.InputState, r.OutputState, r.Error, r.ErrorType, r.Cost,
		r.StartedAt, r.EndedAt, r.Logs)
	if err != nil {
		return fmt.Errorf("failed to insert handler run: %w", err)
	}
	return nil
}

// GetHandlerRun loads one handler run by id.
func (t *Tx) GetHandlerRun(ctx context.Context, id string) (*model.HandlerRun, error) {
	var r model.HandlerRun
	if err := t.get(ctx, &r, `SELECT `+runColumns+` FROM handler_runs WHERE id = ?`, id); err != nil {
		return nil, err
	}
	return &r, nil
}

// RunUpdate carries the optional fields a phase transition may set.
type RunUpdate struct {
	PrepareResult *string
	InputState    *string
	OutputState   *string
	AddCost       int64
	AppendLogs    string
}

// UpdateHandlerRunPhase advances a run to a new phase and applies any
// accompanying field updates.
func (t *Tx) UpdateHandlerRunPhase(ctx context.Context, runID string, phase model.Phase, upd RunUpdate) error {
	set := "phase = ?"
	args := []interface{}{phase}
	set, args = appendRunUpdate(set, args, upd)
	args = append(args, runID)
	res, err := t.exec(ctx, `UPDATE handler_runs SET `+set+` WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("failed to update handler run phase: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CloseHandlerRun writes a terminal or paused status onto a run. Terminal
// statuses also stamp ended_at.
func (t *Tx) CloseHandlerRun(ctx context.Context, runID string, status model.RunStatus, errMsg, errType string, upd RunUpdate) error {
	set := "status = ?, error = ?, error_type = ?"
	args := []interface{}{status, errMsg, errType}
	if status.Terminal() {
		set += ", ended_at = ?"
		args = append(args, t.now())
	}
	set, args = appendRunUpdate(set, args, upd)
	args = append(args, runID)
	res, err := t.exec(ctx, `UPDATE handler_runs SET `+set+` WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("failed to close handler run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ReopenHandlerRun puts a paused run back to active so the state machine can
// resume it (indeterminate resolution, reconciliation retry).
func (t *Tx) ReopenHandlerRun(ctx context.Context, runID string, phase model.Phase) error {
	res, err := t.exec(ctx, `
		UPDATE handler_runs SET status = ?, phase = ?, error = '', error_type = '' WHERE id = ?`,
		model.RunActive, phase, runID)
	if err != nil {
		return fmt.Errorf("failed to reopen handler run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func appendRunUpdate(set string, args []interface{}, upd RunUpdate) (string, []interface{}) {
	if upd.PrepareResult != nil {
		set += ", prepare_result = ?"
		args = append(args, *upd.PrepareResult)
	}
	if upd.InputState != nil {
		set += ", input_state = ?"
		args = append(args, *upd.InputState)
	}
	if upd.OutputState != nil {
		set += ", output_state = ?"
		args = append(args, *upd.OutputState)
	}
	if upd.AddCost != 0 {
		set += ", cost = cost + ?"
		args = append(args, upd.AddCost)
	}
	if upd.AppendLogs != "" {
		set += ", logs = logs || ?"
		args = append(args, upd.AppendLogs)
	}
	return set, args
}

// ActiveRunForWorkflow returns the single non-terminal, non-paused run of a
// workflow, or ErrNotFound. More than one active run is an invariant
// violation surfaced as ErrConflict.
func (t *Tx) ActiveRunForWorkflow(ctx context.Context, workflowID string) (*model.HandlerRun, error) {
	var rows []model.HandlerRun
	err := t.selectAll(ctx, &rows, `
		SELECT `+runColumns+` FROM handler_runs
		WHERE workflow_id = ? AND status = ?`, workflowID, model.RunActive)
	if err != nil {
		return nil, err
	}
	switch len(rows) {
	case 0:
		return nil, ErrNotFound
	case 1:
		return &rows[0], nil
	default:
		return nil, fmt.Errorf("%w: workflow %s has %d active runs", ErrConflict, workflowID, len(rows))
	}
}

// ActiveRuns returns every run with status=active across all workflows.
func (t *Tx) ActiveRuns(ctx context.Context) ([]*model.HandlerRun, error) {
	var rows []model.HandlerRun
	err := t.selectAll(ctx, &rows, `
		SELECT `+runColumns+` FROM handler_runs WHERE status = ? ORDER BY started_at`, model.RunActive)
	if err != nil {
		return nil, err
	}
	out := make([]*model.HandlerRun, 0, len(rows))
	for i := range rows {
		out = append(out, &rows[i])
	}
	return out, nil
}

// ListSessionRuns returns the runs of one session in start order.
func (t *Tx) ListSessionRuns(ctx context.Context, sessionID string) ([]*model.HandlerRun, error) {
	var rows []model.HandlerRun
	err := t.selectAll(ctx, &rows, `
		SELECT `+runColumns+` FROM handler_runs WHERE session_id = ? ORDER BY started_at`, sessionID)
	if err != nil {
		return nil, err
	}
	out := make([]*model.HandlerRun, 0, len(rows))
	for i := range rows {
		out = append(out, &rows[i])
	}
	return out, nil
}

// CountActiveRunsForSession reports how many of a session's runs are still
// active.
func (t *Tx) CountActiveRunsForSession(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := t.get(ctx, &n, `
		SELECT COUNT(*) FROM handler_runs WHERE session_id = ? AND status = ?`,
		sessionID, model.RunActive)
	return n, err
}
