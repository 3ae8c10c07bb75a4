package store

import (
	"context"
	"fmt"

	"github.com/loomctl/loom/internal/engine/model"
)

const sessionColumns = `id, script_id, workflow_id, "trigger", started_at, ended_at,
	result, error, error_type, cost, handler_count, retry_of`

// InsertSession stores a freshly started session.
func (t *Tx) InsertSession(ctx context.Context, s *model.Session) error {
	if s.StartedAt == 0 {
		s.StartedAt = t.now()
	}
	_, err := t.exec(ctx, `
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.ScriptID, s.WorkflowID, s.Trigger, s.StartedAt, s.EndedAt,
		s.Result, s.Error, s.ErrorType, s.Cost, s.HandlerCount, s.RetryOf)
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

// GetSession loads one session by id.
func (t *Tx) GetSession(ctx context.Context, id string) (*model.Session, error) {
	var s model.Session
	if err := t.get(ctx, &s, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id); err != nil {
		return nil, err
	}
	return &s, nil
}

// FinalizeSession records a session's terminal result. The cost written is
// the sum of its handler runs' costs; finalizing an already ended session is
// a no-op so recovery passes stay idempotent.
func (t *Tx) FinalizeSession(ctx context.Context, sessionID string, result model.SessionResult, errMsg, errType string) error {
	_, err := t.exec(ctx, `
		UPDATE sessions SET
			ended_at = ?,
			result = ?,
			error = ?,
			error_type = ?,
			cost = (SELECT COALESCE(SUM(cost), 0) FROM handler_runs WHERE session_id = sessions.id)
		WHERE id = ? AND ended_at = 0`,
		t.now(), result, errMsg, errType, sessionID)
	if err != nil {
		return fmt.Errorf("failed to finalize session: %w", err)
	}
	return nil
}

// IncrementSessionHandlerCount bumps the committed-handler counter.
func (t *Tx) IncrementSessionHandlerCount(ctx context.Context, sessionID string) error {
	res, err := t.exec(ctx, `
		UPDATE sessions SET handler_count = handler_count + 1 WHERE id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("failed to increment session handler count: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListSessions returns a workflow's sessions, newest first.
func (t *Tx) ListSessions(ctx context.Context, workflowID string, limit int) ([]*model.Session, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []model.Session
	err := t.selectAll(ctx, &rows, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE workflow_id = ?
		ORDER BY started_at DESC
		LIMIT ?`, workflowID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]*model.Session, 0, len(rows))
	for i := range rows {
		out = append(out, &rows[i])
	}
	return out, nil
}

// UnfinishedSessions returns sessions with no end timestamp.
func (t *Tx) UnfinishedSessions(ctx context.Context) ([]*model.Session, error) {
	var rows []model.Session
	err := t.selectAll(ctx, &rows, `
		SELECT `+sessionColumns+` FROM sessions WHERE ended_at = 0 ORDER BY started_at`)
	if err != nil {
		return nil, err
	}
	out := make([]*model.Session, 0, len(rows))
	for i := range rows {
		out = append(out, &rows[i])
	}
	return out, nil
}
