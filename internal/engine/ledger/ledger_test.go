package ledger_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomctl/loom/internal/engine/enginetest"
	"github.com/loomctl/loom/internal/engine/ledger"
	"github.com/loomctl/loom/internal/engine/model"
	"github.com/loomctl/loom/internal/engine/store"
)

type recordingNotifier struct {
	mu     sync.Mutex
	topics []string
}

func (r *recordingNotifier) EventPublished(_, topic string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.topics = append(r.topics, topic)
}

func (r *recordingNotifier) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.topics...)
}

func seedWorkflow(t *testing.T, st *store.Store) *model.Workflow {
	t.Helper()
	wf := &model.Workflow{
		ID: uuid.New().String(), TaskID: "task-1", Name: "wf", Status: model.WorkflowActive,
	}
	require.NoError(t, st.WithTx(context.Background(), func(tx *store.Tx) error {
		return tx.InsertWorkflow(context.Background(), wf)
	}))
	return wf
}

func TestPublishNotifiesOnlyOnInsert(t *testing.T) {
	st := enginetest.Store(t)
	notifier := &recordingNotifier{}
	events := ledger.NewEventLedger(st, enginetest.Logger(t), notifier)
	wf := seedWorkflow(t, st)
	ctx := context.Background()

	req := ledger.PublishRequest{
		WorkflowID: wf.ID, Topic: "email.received", MessageID: "m1",
		Payload: json.RawMessage(`{"a":1}`),
	}
	inserted, err := events.Publish(ctx, req)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = events.Publish(ctx, req)
	require.NoError(t, err)
	assert.False(t, inserted)

	assert.Equal(t, []string{"email.received"}, notifier.seen(),
		"the duplicate publish does not re-notify")
}

func TestPublishRequiresMessageID(t *testing.T) {
	st := enginetest.Store(t)
	events := ledger.NewEventLedger(st, enginetest.Logger(t), nil)
	wf := seedWorkflow(t, st)

	_, err := events.Publish(context.Background(), ledger.PublishRequest{
		WorkflowID: wf.ID, Topic: "email.received",
	})
	require.Error(t, err)
}

func TestCausalUnionDeduplicates(t *testing.T) {
	st := enginetest.Store(t)
	events := ledger.NewEventLedger(st, enginetest.Logger(t), nil)
	wf := seedWorkflow(t, st)
	ctx := context.Background()

	require.NoError(t, st.WithTx(ctx, func(tx *store.Tx) error {
		for _, e := range []struct{ id, causedBy string }{
			{"m1", `["in-1","in-2"]`},
			{"m2", `["in-2","in-3"]`},
		} {
			if _, err := tx.InsertEvent(ctx, &model.Event{
				ID: uuid.New().String(), WorkflowID: wf.ID, Topic: "email.received",
				MessageID: e.id, Status: model.EventPending, CausedBy: e.causedBy,
			}); err != nil {
				return err
			}
		}
		return tx.ReserveEvents(ctx, wf.ID, "run-1", "email.received", []string{"m1", "m2"})
	}))

	union, err := events.CausalUnion(ctx, "run-1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"in-1", "in-2", "in-3"}, union)
}

func TestLineageResolvesInputRecords(t *testing.T) {
	st := enginetest.Store(t)
	log := enginetest.Logger(t)
	events := ledger.NewEventLedger(st, log, nil)
	inputs := ledger.NewInputLedger(st, log)
	wf := seedWorkflow(t, st)
	ctx := context.Background()

	inputID, err := inputs.Register(ctx, ledger.RegisterRequest{
		WorkflowID: wf.ID, Source: "gmail", Type: "email", ExternalID: "msg-1",
		Title: "hello", HandlerRunID: "run-1",
	})
	require.NoError(t, err)

	_, err = events.Publish(ctx, ledger.PublishRequest{
		WorkflowID: wf.ID, Topic: "email.received", MessageID: "m1",
		CausedBy: []string{inputID}, PublisherRunID: "run-1",
	})
	require.NoError(t, err)

	lineage, err := events.Lineage(ctx, wf.ID, "email.received", "m1")
	require.NoError(t, err)
	require.Len(t, lineage, 1)
	assert.Equal(t, "msg-1", lineage[0].ExternalID)
	assert.Equal(t, "gmail", lineage[0].Source)
}
