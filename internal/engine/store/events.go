package store

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/loomctl/loom/internal/engine/model"
)

const eventColumns = `id, workflow_id, topic, message_id, title, payload, status,
	reserved_by_run_id, caused_by, created_at`

// InsertEvent inserts an event with status=pending. Publication is
// idempotent on (workflow_id, topic, message_id): a duplicate is a no-op
// and the first payload wins. Returns true when a row was actually written.
func (t *Tx) InsertEvent(ctx context.Context, e *model.Event) (bool, error) {
	e.CreatedAt = t.now()
	res, err := t.exec(ctx, `
		INSERT INTO events (`+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (workflow_id, topic, message_id) DO NOTHING`,
		e.ID, e.WorkflowID, e.Topic, e.MessageID, e.Title, e.Payload, e.Status,
		e.ReservedByRun, e.CausedBy, e.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("failed to insert event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read insert result: %w", err)
	}
	return n > 0, nil
}

// GetEvent loads one event by (workflow, topic, message id).
func (t *Tx) GetEvent(ctx context.Context, workflowID, topic, messageID string) (*model.Event, error) {
	var e model.Event
	err := t.get(ctx, &e, `
		SELECT `+eventColumns+` FROM events
		WHERE workflow_id = ? AND topic = ? AND message_id = ?`,
		workflowID, topic, messageID)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// PeekPendingEvents returns up to limit pending events of a topic in publish
// order.
func (t *Tx) PeekPendingEvents(ctx context.Context, workflowID, topic string, limit int) ([]*model.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []model.Event
	err := t.selectAll(ctx, &rows, `
		SELECT `+eventColumns+` FROM events
		WHERE workflow_id = ? AND topic = ? AND status = ?
		ORDER BY created_at, id
		LIMIT ?`, workflowID, topic, model.EventPending, limit)
	if err != nil {
		return nil, err
	}
	out := make([]*model.Event, 0, len(rows))
	for i := range rows {
		out = append(out, &rows[i])
	}
	return out, nil
}

// CountPendingEvents reports how many pending events a topic holds.
func (t *Tx) CountPendingEvents(ctx context.Context, workflowID, topic string) (int, error) {
	var n int
	err := t.get(ctx, &n, `
		SELECT COUNT(*) FROM events WHERE workflow_id = ? AND topic = ? AND status = ?`,
		workflowID, topic, model.EventPending)
	return n, err
}

// ReserveEvents moves the batch of (topic, message_id) events from pending
// to reserved, owned by runID. If any event in the batch is not pending the
// operation fails with ErrConflict; the caller must roll back and re-peek.
func (t *Tx) ReserveEvents(ctx context.Context, workflowID, runID, topic string, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	query, args, err := sqlx.In(`
		UPDATE events SET status = ?, reserved_by_run_id = ?
		WHERE workflow_id = ? AND topic = ? AND message_id IN (?) AND status = ?`,
		model.EventReserved, runID, workflowID, topic, messageIDs, model.EventPending)
	if err != nil {
		return fmt.Errorf("failed to build reserve query: %w", err)
	}
	res, err := t.exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to reserve events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read reserve result: %w", err)
	}
	if int(n) != len(messageIDs) {
		return fmt.Errorf("%w: reserved %d of %d events in topic %s", ErrConflict, n, len(messageIDs), topic)
	}
	return nil
}

// ReservedEventsForRun returns the events currently reserved by a run.
func (t *Tx) ReservedEventsForRun(ctx context.Context, runID string) ([]*model.Event, error) {
	var rows []model.Event
	err := t.selectAll(ctx, &rows, `
		SELECT `+eventColumns+` FROM events
		WHERE reserved_by_run_id = ? AND status = ?
		ORDER BY created_at, id`, runID, model.EventReserved)
	if err != nil {
		return nil, err
	}
	out := make([]*model.Event, 0, len(rows))
	for i := range rows {
		out = append(out, &rows[i])
	}
	return out, nil
}

// ConsumeReservedEvents marks all events reserved by runID as consumed.
func (t *Tx) ConsumeReservedEvents(ctx context.Context, runID string) (int, error) {
	return t.settleReservedEvents(ctx, runID, model.EventConsumed, true)
}

// ReleaseReservedEvents puts all events reserved by runID back to pending.
func (t *Tx) ReleaseReservedEvents(ctx context.Context, runID string) (int, error) {
	return t.settleReservedEvents(ctx, runID, model.EventPending, false)
}

// SkipReservedEvents marks all events reserved by runID as skipped.
func (t *Tx) SkipReservedEvents(ctx context.Context, runID string) (int, error) {
	return t.settleReservedEvents(ctx, runID, model.EventSkipped, true)
}

func (t *Tx) settleReservedEvents(ctx context.Context, runID string, status model.EventStatus, keepOwner bool) (int, error) {
	owner := ""
	if keepOwner {
		owner = runID
	}
	res, err := t.exec(ctx, `
		UPDATE events SET status = ?, reserved_by_run_id = ?
		WHERE reserved_by_run_id = ? AND status = ?`,
		status, owner, runID, model.EventReserved)
	if err != nil {
		return 0, fmt.Errorf("failed to settle reserved events: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// TransferReservedEvents moves ownership of reserved events from one run to
// another. Retry runs take over their predecessor's reservations.
func (t *Tx) TransferReservedEvents(ctx context.Context, fromRunID, toRunID string) (int, error) {
	res, err := t.exec(ctx, `
		UPDATE events SET reserved_by_run_id = ?
		WHERE reserved_by_run_id = ? AND status = ?`,
		toRunID, fromRunID, model.EventReserved)
	if err != nil {
		return 0, fmt.Errorf("failed to transfer reserved events: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ReservedEventRuns returns the distinct run ids that currently hold
// reservations. Recovery uses it to detect orphans.
func (t *Tx) ReservedEventRuns(ctx context.Context) ([]string, error) {
	var runs []string
	err := t.selectAll(ctx, &runs, `
		SELECT DISTINCT reserved_by_run_id FROM events WHERE status = ?`, model.EventReserved)
	return runs, err
}

// ListTopicEvents returns a topic's events newest first, for UI queries.
func (t *Tx) ListTopicEvents(ctx context.Context, workflowID, topic string, limit int) ([]*model.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []model.Event
	err := t.selectAll(ctx, &rows, `
		SELECT `+eventColumns+` FROM events
		WHERE workflow_id = ? AND topic = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, workflowID, topic, limit)
	if err != nil {
		return nil, err
	}
	out := make([]*model.Event, 0, len(rows))
	for i := range rows {
		out = append(out, &rows[i])
	}
	return out, nil
}
