package store

import (
	"context"
	"fmt"

	"github.com/loomctl/loom/internal/engine/model"
)

const inputColumns = `id, workflow_id, source, type, external_id, title, handler_run_id, created_at`

// UpsertInputRecord registers an external input. Registration is idempotent
// on (workflow_id, source, type, external_id); the stable id of the first
// registration is always returned.
func (t *Tx) UpsertInputRecord(ctx context.Context, rec *model.InputRecord) (string, error) {
	rec.CreatedAt = t.now()
	_, err := t.exec(ctx, `
		INSERT INTO input_records (`+inputColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (workflow_id, source, type, external_id) DO NOTHING`,
		rec.ID, rec.WorkflowID, rec.Source, rec.Type, rec.ExternalID, rec.Title,
		rec.HandlerRunID, rec.CreatedAt)
	if err != nil {
		return "", fmt.Errorf("failed to upsert input record: %w", err)
	}
	var id string
	err = t.get(ctx, &id, `
		SELECT id FROM input_records
		WHERE workflow_id = ? AND source = ? AND type = ? AND external_id = ?`,
		rec.WorkflowID, rec.Source, rec.Type, rec.ExternalID)
	if err != nil {
		return "", fmt.Errorf("failed to read back input record: %w", err)
	}
	return id, nil
}

// GetInputRecord loads one input record by id.
func (t *Tx) GetInputRecord(ctx context.Context, id string) (*model.InputRecord, error) {
	var rec model.InputRecord
	if err := t.get(ctx, &rec, `SELECT `+inputColumns+` FROM input_records WHERE id = ?`, id); err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListWorkflowInputs returns a workflow's registered inputs, newest first.
func (t *Tx) ListWorkflowInputs(ctx context.Context, workflowID string, limit int) ([]*model.InputRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []model.InputRecord
	err := t.selectAll(ctx, &rows, `
		SELECT `+inputColumns+` FROM input_records
		WHERE workflow_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, workflowID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]*model.InputRecord, 0, len(rows))
	for i := range rows {
		out = append(out, &rows[i])
	}
	return out, nil
}
