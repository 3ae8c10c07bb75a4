package store

import (
	"context"
	"fmt"

	"github.com/loomctl/loom/internal/engine/model"
)

const scheduleColumns = `workflow_id, producer_name, schedule_type, schedule_value, next_run_at`

// UpsertProducerSchedule inserts or updates a producer's schedule row.
func (t *Tx) UpsertProducerSchedule(ctx context.Context, s *model.ProducerSchedule) error {
	_, err := t.exec(ctx, `
		INSERT INTO producer_schedules (`+scheduleColumns+`)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (workflow_id, producer_name) DO UPDATE SET
			schedule_type = excluded.schedule_type,
			schedule_value = excluded.schedule_value,
			next_run_at = excluded.next_run_at`,
		s.WorkflowID, s.ProducerName, s.ScheduleType, s.ScheduleValue, s.NextRunAt)
	if err != nil {
		return fmt.Errorf("failed to upsert producer schedule: %w", err)
	}
	return nil
}

// GetProducerSchedule loads one producer schedule.
func (t *Tx) GetProducerSchedule(ctx context.Context, workflowID, producerName string) (*model.ProducerSchedule, error) {
	var s model.ProducerSchedule
	err := t.get(ctx, &s, `
		SELECT `+scheduleColumns+` FROM producer_schedules
		WHERE workflow_id = ? AND producer_name = ?`, workflowID, producerName)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// ListProducerSchedules returns all schedule rows of a workflow.
func (t *Tx) ListProducerSchedules(ctx context.Context, workflowID string) ([]*model.ProducerSchedule, error) {
	var rows []model.ProducerSchedule
	err := t.selectAll(ctx, &rows, `
		SELECT `+scheduleColumns+` FROM producer_schedules
		WHERE workflow_id = ? ORDER BY producer_name`, workflowID)
	if err != nil {
		return nil, err
	}
	out := make([]*model.ProducerSchedule, 0, len(rows))
	for i := range rows {
		out = append(out, &rows[i])
	}
	return out, nil
}

// DueProducerSchedules returns a workflow's schedules with next_run_at <= now.
func (t *Tx) DueProducerSchedules(ctx context.Context, workflowID string, now int64) ([]*model.ProducerSchedule, error) {
	var rows []model.ProducerSchedule
	err := t.selectAll(ctx, &rows, `
		SELECT `+scheduleColumns+` FROM producer_schedules
		WHERE workflow_id = ? AND next_run_at > 0 AND next_run_at <= ?
		ORDER BY producer_name`, workflowID, now)
	if err != nil {
		return nil, err
	}
	out := make([]*model.ProducerSchedule, 0, len(rows))
	for i := range rows {
		out = append(out, &rows[i])
	}
	return out, nil
}

// AdvanceProducerSchedule moves next_run_at forward. The new value must not
// go backwards; an older value is ignored to keep advancement monotone.
func (t *Tx) AdvanceProducerSchedule(ctx context.Context, workflowID, producerName string, nextRunAt int64) error {
	_, err := t.exec(ctx, `
		UPDATE producer_schedules SET next_run_at = ?
		WHERE workflow_id = ? AND producer_name = ? AND next_run_at <= ?`,
		nextRunAt, workflowID, producerName, nextRunAt)
	if err != nil {
		return fmt.Errorf("failed to advance producer schedule: %w", err)
	}
	return nil
}

// DeleteProducerSchedule removes one producer's schedule row.
func (t *Tx) DeleteProducerSchedule(ctx context.Context, workflowID, producerName string) error {
	_, err := t.exec(ctx, `
		DELETE FROM producer_schedules WHERE workflow_id = ? AND producer_name = ?`,
		workflowID, producerName)
	if err != nil {
		return fmt.Errorf("failed to delete producer schedule: %w", err)
	}
	return nil
}
