package store_test

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomctl/loom/internal/engine/enginetest"
	"github.com/loomctl/loom/internal/engine/model"
	"github.com/loomctl/loom/internal/engine/store"
)

func seedWorkflow(t *testing.T, st *store.Store) *model.Workflow {
	t.Helper()
	wf := &model.Workflow{
		ID:     uuid.New().String(),
		TaskID: "task-1",
		Name:   "wf",
		Status: model.WorkflowActive,
	}
	require.NoError(t, st.WithTx(context.Background(), func(tx *store.Tx) error {
		return tx.InsertWorkflow(context.Background(), wf)
	}))
	return wf
}

func insertEvent(t *testing.T, st *store.Store, workflowID, topic, messageID string) *model.Event {
	t.Helper()
	e := &model.Event{
		ID:         uuid.New().String(),
		WorkflowID: workflowID,
		Topic:      topic,
		MessageID:  messageID,
		Payload:    `{"n":1}`,
		Status:     model.EventPending,
		CausedBy:   "[]",
	}
	require.NoError(t, st.WithTx(context.Background(), func(tx *store.Tx) error {
		inserted, err := tx.InsertEvent(context.Background(), e)
		require.True(t, inserted)
		return err
	}))
	return e
}

func TestInsertEventIdempotent(t *testing.T) {
	st := enginetest.Store(t)
	ctx := context.Background()
	wf := seedWorkflow(t, st)

	insertEvent(t, st, wf.ID, "email.received", "abc")

	dup := &model.Event{
		ID:         uuid.New().String(),
		WorkflowID: wf.ID,
		Topic:      "email.received",
		MessageID:  "abc",
		Payload:    `{"n":2}`,
		Status:     model.EventPending,
		CausedBy:   "[]",
	}
	require.NoError(t, st.WithTx(ctx, func(tx *store.Tx) error {
		inserted, err := tx.InsertEvent(ctx, dup)
		assert.False(t, inserted, "duplicate publish must be a no-op")
		return err
	}))

	got, err := st.View().GetEvent(ctx, wf.ID, "email.received", "abc")
	require.NoError(t, err)
	assert.Equal(t, `{"n":1}`, got.Payload, "first payload wins")
}

func TestReserveEventsAllOrNothing(t *testing.T) {
	st := enginetest.Store(t)
	ctx := context.Background()
	wf := seedWorkflow(t, st)

	insertEvent(t, st, wf.ID, "email.received", "m1")
	insertEvent(t, st, wf.ID, "email.received", "m2")

	// Reserve m2 under another run first.
	require.NoError(t, st.WithTx(ctx, func(tx *store.Tx) error {
		return tx.ReserveEvents(ctx, wf.ID, "run-a", "email.received", []string{"m2"})
	}))

	// A batch containing the no-longer-pending m2 must fail wholesale.
	err := st.WithTx(ctx, func(tx *store.Tx) error {
		return tx.ReserveEvents(ctx, wf.ID, "run-b", "email.received", []string{"m1", "m2"})
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrConflict))

	// The failed transaction must not have touched m1.
	m1, err := st.View().GetEvent(ctx, wf.ID, "email.received", "m1")
	require.NoError(t, err)
	assert.Equal(t, model.EventPending, m1.Status)
}

func TestReservedEventSettlement(t *testing.T) {
	st := enginetest.Store(t)
	ctx := context.Background()
	wf := seedWorkflow(t, st)
	insertEvent(t, st, wf.ID, "email.received", "m1")
	insertEvent(t, st, wf.ID, "email.received", "m2")

	require.NoError(t, st.WithTx(ctx, func(tx *store.Tx) error {
		return tx.ReserveEvents(ctx, wf.ID, "run-a", "email.received", []string{"m1", "m2"})
	}))

	var released int
	require.NoError(t, st.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		released, err = tx.ReleaseReservedEvents(ctx, "run-a")
		return err
	}))
	assert.Equal(t, 2, released)

	n, err := st.View().CountPendingEvents(ctx, wf.ID, "email.received")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestTransferReservedEvents(t *testing.T) {
	st := enginetest.Store(t)
	ctx := context.Background()
	wf := seedWorkflow(t, st)
	insertEvent(t, st, wf.ID, "email.received", "m1")

	require.NoError(t, st.WithTx(ctx, func(tx *store.Tx) error {
		return tx.ReserveEvents(ctx, wf.ID, "run-a", "email.received", []string{"m1"})
	}))
	require.NoError(t, st.WithTx(ctx, func(tx *store.Tx) error {
		n, err := tx.TransferReservedEvents(ctx, "run-a", "run-b")
		assert.Equal(t, 1, n)
		return err
	}))

	events, err := st.View().ReservedEventsForRun(ctx, "run-b")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "m1", events[0].MessageID)
}

func TestUpsertInputRecordIdempotent(t *testing.T) {
	st := enginetest.Store(t)
	ctx := context.Background()
	wf := seedWorkflow(t, st)

	var first, second string
	require.NoError(t, st.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		first, err = tx.UpsertInputRecord(ctx, &model.InputRecord{
			ID: uuid.New().String(), WorkflowID: wf.ID,
			Source: "gmail", Type: "email", ExternalID: "msg-1", HandlerRunID: "run-a",
		})
		return err
	}))
	require.NoError(t, st.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		second, err = tx.UpsertInputRecord(ctx, &model.InputRecord{
			ID: uuid.New().String(), WorkflowID: wf.ID,
			Source: "gmail", Type: "email", ExternalID: "msg-1", HandlerRunID: "run-b",
		})
		return err
	}))
	assert.Equal(t, first, second, "re-registration returns the original id")
}

func TestAdvanceProducerScheduleMonotone(t *testing.T) {
	st := enginetest.Store(t)
	ctx := context.Background()
	wf := seedWorkflow(t, st)

	require.NoError(t, st.WithTx(ctx, func(tx *store.Tx) error {
		return tx.UpsertProducerSchedule(ctx, &model.ProducerSchedule{
			WorkflowID: wf.ID, ProducerName: "emailPoll",
			ScheduleType: model.ScheduleInterval, ScheduleValue: "60s", NextRunAt: 1000,
		})
	}))
	require.NoError(t, st.WithTx(ctx, func(tx *store.Tx) error {
		return tx.AdvanceProducerSchedule(ctx, wf.ID, "emailPoll", 5000)
	}))
	// A stale advancement must not move the schedule backwards.
	require.NoError(t, st.WithTx(ctx, func(tx *store.Tx) error {
		return tx.AdvanceProducerSchedule(ctx, wf.ID, "emailPoll", 2000)
	}))

	sched, err := st.View().GetProducerSchedule(ctx, wf.ID, "emailPoll")
	require.NoError(t, err)
	assert.Equal(t, int64(5000), sched.NextRunAt)
}

func TestScriptVersionUniqueness(t *testing.T) {
	st := enginetest.Store(t)
	ctx := context.Background()
	wf := seedWorkflow(t, st)

	script := func(major, minor int) *model.Script {
		return &model.Script{
			ID: uuid.New().String(), WorkflowID: wf.ID, TaskID: wf.TaskID,
			Code: "workflow = {}", HandlerConfig: "{}",
			MajorVersion: major, MinorVersion: minor, Type: model.ScriptTypeUser,
		}
	}
	require.NoError(t, st.WithTx(ctx, func(tx *store.Tx) error {
		return tx.InsertScript(ctx, script(1, 0))
	}))
	err := st.WithTx(ctx, func(tx *store.Tx) error {
		return tx.InsertScript(ctx, script(1, 0))
	})
	require.Error(t, err, "duplicate (major, minor) must be rejected")
}

func TestActiveRunForWorkflowSingleFlight(t *testing.T) {
	st := enginetest.Store(t)
	ctx := context.Background()
	wf := seedWorkflow(t, st)

	_, err := st.View().ActiveRunForWorkflow(ctx, wf.ID)
	assert.True(t, errors.Is(err, store.ErrNotFound))

	require.NoError(t, st.WithTx(ctx, func(tx *store.Tx) error {
		return tx.InsertHandlerRun(ctx, &model.HandlerRun{
			ID: "run-a", SessionID: "sess-1", WorkflowID: wf.ID,
			HandlerType: model.HandlerConsumer, HandlerName: "log",
			Phase: model.PhasePending, Status: model.RunActive,
		})
	}))
	run, err := st.View().ActiveRunForWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, "run-a", run.ID)
}

func TestFinalizeSessionIsIdempotent(t *testing.T) {
	st := enginetest.Store(t)
	ctx := context.Background()
	wf := seedWorkflow(t, st)

	require.NoError(t, st.WithTx(ctx, func(tx *store.Tx) error {
		return tx.InsertSession(ctx, &model.Session{
			ID: "sess-1", ScriptID: "script-1", WorkflowID: wf.ID, Trigger: model.TriggerSchedule,
		})
	}))
	require.NoError(t, st.WithTx(ctx, func(tx *store.Tx) error {
		return tx.FinalizeSession(ctx, "sess-1", model.SessionFailed, "boom", "internal")
	}))
	// A second finalization must not overwrite the first.
	require.NoError(t, st.WithTx(ctx, func(tx *store.Tx) error {
		return tx.FinalizeSession(ctx, "sess-1", model.SessionCompleted, "", "")
	}))

	session, err := st.View().GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, model.SessionFailed, session.Result)
	assert.Equal(t, "boom", session.Error)
}

func TestHandlerStateWakeRoundTrip(t *testing.T) {
	st := enginetest.Store(t)
	ctx := context.Background()
	wf := seedWorkflow(t, st)

	require.NoError(t, st.WithTx(ctx, func(tx *store.Tx) error {
		return tx.SetHandlerWakeAt(ctx, wf.ID, "log", 123456)
	}))
	hs, err := st.View().GetHandlerState(ctx, wf.ID, "log")
	require.NoError(t, err)
	assert.Equal(t, int64(123456), hs.WakeAt)

	due, err := st.View().ConsumersWithDueWakeAt(ctx, wf.ID, 200000)
	require.NoError(t, err)
	assert.Equal(t, []string{"log"}, due)
}
