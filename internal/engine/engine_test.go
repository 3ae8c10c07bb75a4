package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomctl/loom/internal/engine/emm"
	"github.com/loomctl/loom/internal/engine/enginetest"
	"github.com/loomctl/loom/internal/engine/model"
	"github.com/loomctl/loom/internal/engine/reconcile"
	"github.com/loomctl/loom/internal/engine/sandbox"
	"github.com/loomctl/loom/internal/engine/session"
	"github.com/loomctl/loom/internal/engine/store"
	"github.com/loomctl/loom/internal/engine/tools"
)

// seedReservedMutatingRun walks a consumer run up to the mutating phase
// with one reserved event, the way a real session would, then records a
// mutation in flight. This is the durable state a process crash between
// tool entry and apply leaves behind.
func seedReservedMutatingRun(t *testing.T, f *enginetest.Fixture, wf *model.Workflow) (*model.HandlerRun, *model.Mutation) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, f.Store.WithTx(ctx, func(tx *store.Tx) error {
		_, err := tx.InsertEvent(ctx, &model.Event{
			ID: "ev-1", WorkflowID: wf.ID, Topic: "email.received", MessageID: "m1",
			Status: model.EventPending, CausedBy: `["in-1"]`,
		})
		return err
	}))

	sess, err := f.EMM.CreateSession(ctx, wf.ID, wf.ActiveScriptID, model.TriggerEvent, "")
	require.NoError(t, err)
	run, err := f.EMM.CreateHandlerRun(ctx, sess.ID, wf.ID, model.HandlerConsumer, "log")
	require.NoError(t, err)

	require.NoError(t, f.EMM.UpdateConsumerPhase(ctx, run.ID, model.PhasePreparing, emm.ConsumerPhaseOptions{WakeAt: -1}))
	require.NoError(t, f.EMM.UpdateConsumerPhase(ctx, run.ID, model.PhasePrepared, emm.ConsumerPhaseOptions{
		Reservations:  []model.Reservation{{Topic: "email.received", IDs: []string{"m1"}}},
		PrepareResult: `{"reservations":[{"topic":"email.received","ids":["m1"]}]}`,
		WakeAt:        -1,
	}))
	require.NoError(t, f.EMM.UpdateConsumerPhase(ctx, run.ID, model.PhaseMutating, emm.ConsumerPhaseOptions{WakeAt: -1}))

	mut, err := f.EMM.CreateMutation(ctx, run.ID, "crm", "send", `{"idempotencyKey":"k1"}`, "k1")
	require.NoError(t, err)
	return run, mut
}

func TestCrashDuringMutationThenUserResolvesHappened(t *testing.T) {
	f := enginetest.NewFixture(t)
	ctx := context.Background()

	var sawMutation json.RawMessage
	f.Fake.Handle("workflow.consumers.log.next", func(ctx context.Context, req sandbox.EvalRequest) sandbox.EvalResult {
		sawMutation = req.Globals["__mutation__"]
		return sandbox.Success(json.RawMessage(`{"resumed":true}`))
	})
	f.Fake.Return("workflow.consumers.log.prepare", map[string]interface{}{"reservations": []interface{}{}})

	wf := f.SeedWorkflow(t, enginetest.SimpleConfig(true, true))
	run, mut := seedReservedMutatingRun(t, f, wf)

	// The process dies here. On restart, recovery runs first.
	require.NoError(t, f.Recover(ctx))

	view := f.Store.View()
	gotMut, err := view.GetMutation(ctx, mut.ID)
	require.NoError(t, err)
	assert.Equal(t, model.MutationIndeterminate, gotMut.Status)

	gotRun, err := view.GetHandlerRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunPausedReconciliation, gotRun.Status)

	gotWf, err := view.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowPaused, gotWf.Status)
	assert.Equal(t, run.ID, gotWf.PendingRetryRunID)

	// The user asserts the side effect happened; the run resumes at
	// mutated and drives through next to commit.
	require.NoError(t, f.Service.ResolveMutation(ctx, run.ID, model.AssertHappened, "user-1"))

	assert.JSONEq(t, `{"status":"applied"}`, string(sawMutation))

	finalRun, err := view.GetHandlerRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunCommitted, finalRun.Status)

	event, err := view.GetEvent(ctx, wf.ID, "email.received", "m1")
	require.NoError(t, err)
	assert.Equal(t, model.EventConsumed, event.Status)

	finalWf, err := view.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowActive, finalWf.Status)
	assert.Empty(t, finalWf.PendingRetryRunID)
}

func TestTransientPostMutationRetryResumesAtEmitting(t *testing.T) {
	f := enginetest.NewFixture(t)
	ctx := context.Background()

	var sawMutation json.RawMessage
	f.Fake.Handle("workflow.consumers.log.next", func(ctx context.Context, req sandbox.EvalRequest) sandbox.EvalResult {
		sawMutation = req.Globals["__mutation__"]
		return sandbox.Success(json.RawMessage(`{"resumed":true}`))
	})
	f.Fake.Return("workflow.consumers.log.prepare", map[string]interface{}{"reservations": []interface{}{}})

	wf := f.SeedWorkflow(t, enginetest.SimpleConfig(true, true))
	run, mut := seedReservedMutatingRun(t, f, wf)

	// The mutation applied, then a network fault hit before the run could
	// finish emitting.
	require.NoError(t, f.EMM.ApplyMutation(ctx, mut.ID, `{"ticket":"T-9"}`))
	require.NoError(t, f.EMM.UpdateHandlerRunStatus(ctx, run.ID, model.RunPausedTransient, emm.Outcome{
		Error: "connection reset", ErrorType: "network",
	}))

	fresh, err := f.Service.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	require.Equal(t, run.ID, fresh.PendingRetryRunID)

	outcome, err := f.Orchestrator.RetryWorkflowSession(ctx, fresh)
	require.NoError(t, err)
	assert.Equal(t, session.OutcomeCompleted, outcome)

	assert.JSONEq(t, `{"status":"applied","result":{"ticket":"T-9"}}`, string(sawMutation))

	event, err := f.Store.View().GetEvent(ctx, wf.ID, "email.received", "m1")
	require.NoError(t, err)
	assert.Equal(t, model.EventConsumed, event.Status, "the retry consumed the held events")

	finalWf, err := f.Service.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Empty(t, finalWf.PendingRetryRunID)
}

func TestNetworkFailureBeforeApplyRetriesFreshFromPrepare(t *testing.T) {
	f := enginetest.NewFixture(t)
	ctx := context.Background()

	attempts := 0
	require.NoError(t, f.Tools.Register(&tools.Tool{
		Namespace: "crm", Name: "send",
		Execute: func(context.Context, json.RawMessage) (json.RawMessage, error) {
			attempts++
			if attempts == 1 {
				return nil, tools.Errorf(sandbox.ErrNetwork, "connection refused")
			}
			return json.RawMessage(`{"ticket":"T-2"}`), nil
		},
	}))
	// The probe can prove the request never landed.
	f.Reconciler.Register("crm", "send", func(context.Context, *model.Mutation) (reconcile.Result, error) {
		return reconcile.Result{Verdict: reconcile.VerdictFailed}, nil
	})

	f.Fake.Handle("workflow.producers.emailPoll.handler", func(ctx context.Context, req sandbox.EvalRequest) sandbox.EvalResult {
		raw, err := req.Tools.Invoke(ctx, sandbox.ToolCall{
			Namespace: "inputs", Name: "register",
			Params: json.RawMessage(`{"source":"gmail","type":"email","id":"msg-1"}`),
		})
		if err != nil {
			return sandbox.Failure(sandbox.ErrInternal, err.Error())
		}
		var reg struct {
			InputID string `json:"inputId"`
		}
		_ = json.Unmarshal(raw, &reg)
		_, err = req.Tools.Invoke(ctx, sandbox.ToolCall{
			Namespace: "events", Name: "publish",
			Params: json.RawMessage(`{"topic":"email.received","messageId":"m1","inputId":"` + reg.InputID + `"}`),
		})
		if err != nil {
			return sandbox.Failure(sandbox.ErrInternal, err.Error())
		}
		return sandbox.Success(json.RawMessage(`{}`))
	})
	f.Fake.Handle("workflow.consumers.log.prepare", func(ctx context.Context, req sandbox.EvalRequest) sandbox.EvalResult {
		raw, err := req.Tools.Invoke(ctx, sandbox.ToolCall{
			Namespace: "events", Name: "peek", Params: json.RawMessage(`{"topic":"email.received"}`),
		})
		if err != nil {
			return sandbox.Failure(sandbox.ErrInternal, err.Error())
		}
		var events []struct {
			MessageID string `json:"messageId"`
		}
		_ = json.Unmarshal(raw, &events)
		if len(events) == 0 {
			return sandbox.Success(json.RawMessage(`{"reservations":[]}`))
		}
		return sandbox.Success(json.RawMessage(`{"reservations":[{"topic":"email.received","ids":["` + events[0].MessageID + `"]}]}`))
	})
	f.Fake.Handle("workflow.consumers.log.mutate", func(ctx context.Context, req sandbox.EvalRequest) sandbox.EvalResult {
		_, err := req.Tools.Invoke(ctx, sandbox.ToolCall{
			Namespace: "crm", Name: "send", Params: json.RawMessage(`{}`),
		})
		if errors.Is(err, sandbox.ErrMutationTerminated) {
			return sandbox.EvalResult{OK: false, MutationTerminated: true}
		}
		if err != nil {
			return sandbox.Failure(tools.Classify(err), err.Error())
		}
		return sandbox.Success(json.RawMessage(`{}`))
	})

	wf := f.SeedWorkflow(t, enginetest.SimpleConfig(true, false))

	// First session: the tool call dies on the wire; the probe refutes
	// application, so the mutation fails and the events are released.
	outcome, err := f.Orchestrator.ExecuteWorkflowSession(ctx, wf, model.TriggerSchedule)
	require.NoError(t, err)
	assert.Equal(t, session.OutcomeTransient, outcome)

	event, err := f.Store.View().GetEvent(ctx, wf.ID, "email.received", "m1")
	require.NoError(t, err)
	assert.Equal(t, model.EventPending, event.Status, "released for a fresh prepare")

	fresh, err := f.Service.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Empty(t, fresh.PendingRetryRunID, "a pre-apply failure needs no emitting retry")
	assert.Equal(t, model.WorkflowActive, fresh.Status)

	// Backoff elapses; the next event session starts from preparing and
	// succeeds.
	require.NoError(t, f.EMM.ClearTransientBackoff(ctx, wf.ID))
	outcome, err = f.Orchestrator.ExecuteWorkflowSession(ctx, fresh, model.TriggerEvent)
	require.NoError(t, err)
	assert.Equal(t, session.OutcomeCompleted, outcome)
	assert.Equal(t, 2, attempts, "the mutate function re-executed after a refuted first attempt")

	event, err = f.Store.View().GetEvent(ctx, wf.ID, "email.received", "m1")
	require.NoError(t, err)
	assert.Equal(t, model.EventConsumed, event.Status)
}
