package store

import (
	"context"
	"fmt"

	"github.com/loomctl/loom/internal/engine/model"
)

const scriptColumns = `id, workflow_id, task_id, code, major_version, minor_version,
	summary, diagram, change_comment, handler_config, type, created_at`

// InsertScript stores an immutable script version. The unique index on
// (workflow_id, major_version, minor_version) rejects duplicates.
func (t *Tx) InsertScript(ctx context.Context, s *model.Script) error {
	s.CreatedAt = t.now()
	_, err := t.exec(ctx, `
		INSERT INTO scripts (`+scriptColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.WorkflowID, s.TaskID, s.Code, s.MajorVersion, s.MinorVersion,
		s.Summary, s.Diagram, s.ChangeComment, s.HandlerConfig, s.Type, s.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert script: %w", err)
	}
	return nil
}

// GetScript loads one script version by id.
func (t *Tx) GetScript(ctx context.Context, id string) (*model.Script, error) {
	var s model.Script
	if err := t.get(ctx, &s, `SELECT `+scriptColumns+` FROM scripts WHERE id = ?`, id); err != nil {
		return nil, err
	}
	return &s, nil
}

// LatestScriptVersion returns the highest (major, minor) pair stored for a
// workflow, or (0, 0) when none exists.
func (t *Tx) LatestScriptVersion(ctx context.Context, workflowID string) (major, minor int, err error) {
	var row struct {
		Major int `db:"major_version"`
		Minor int `db:"minor_version"`
	}
	err = t.get(ctx, &row, `
		SELECT major_version, minor_version FROM scripts
		WHERE workflow_id = ?
		ORDER BY major_version DESC, minor_version DESC
		LIMIT 1`, workflowID)
	if err == ErrNotFound {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, err
	}
	return row.Major, row.Minor, nil
}

// ListScripts returns all script versions of a workflow, newest first.
func (t *Tx) ListScripts(ctx context.Context, workflowID string) ([]*model.Script, error) {
	var rows []model.Script
	err := t.selectAll(ctx, &rows, `
		SELECT `+scriptColumns+` FROM scripts
		WHERE workflow_id = ?
		ORDER BY major_version DESC, minor_version DESC`, workflowID)
	if err != nil {
		return nil, err
	}
	out := make([]*model.Script, 0, len(rows))
	for i := range rows {
		out = append(out, &rows[i])
	}
	return out, nil
}
