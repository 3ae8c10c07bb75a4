package tools_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomctl/loom/internal/common/logger"
	"github.com/loomctl/loom/internal/engine/emm"
	"github.com/loomctl/loom/internal/engine/enginetest"
	"github.com/loomctl/loom/internal/engine/ledger"
	"github.com/loomctl/loom/internal/engine/model"
	"github.com/loomctl/loom/internal/engine/reconcile"
	"github.com/loomctl/loom/internal/engine/sandbox"
	"github.com/loomctl/loom/internal/engine/store"
	"github.com/loomctl/loom/internal/engine/tools"
)

type harness struct {
	st         *store.Store
	log        *logger.Logger
	mgr        *emm.Manager
	events     *ledger.EventLedger
	inputs     *ledger.InputLedger
	registry   *tools.Registry
	reconciler *reconcile.Registry
	wf         *model.Workflow
	config     *model.WorkflowConfig
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st := enginetest.Store(t)
	log := enginetest.Logger(t)
	h := &harness{
		st:         st,
		log:        log,
		mgr:        emm.New(st, log, nil),
		events:     ledger.NewEventLedger(st, log, nil),
		inputs:     ledger.NewInputLedger(st, log),
		registry:   tools.NewRegistry(),
		reconciler: reconcile.NewRegistry(),
		config:     enginetest.SimpleConfig(true, true),
	}
	h.wf = &model.Workflow{
		ID: uuid.New().String(), TaskID: "task-1", Name: "wf",
		ActiveScriptID: "script-1", Status: model.WorkflowActive,
	}
	require.NoError(t, st.WithTx(context.Background(), func(tx *store.Tx) error {
		return tx.InsertWorkflow(context.Background(), h.wf)
	}))
	return h
}

func (h *harness) run(t *testing.T, handlerType model.HandlerType, name string, phase model.Phase) *model.HandlerRun {
	t.Helper()
	run := &model.HandlerRun{
		ID: uuid.New().String(), SessionID: uuid.New().String(), WorkflowID: h.wf.ID,
		HandlerType: handlerType, HandlerName: name,
		Phase: phase, Status: model.RunActive,
	}
	require.NoError(t, h.st.WithTx(context.Background(), func(tx *store.Tx) error {
		return tx.InsertHandlerRun(context.Background(), run)
	}))
	return run
}

func (h *harness) invoker(run *model.HandlerRun, tag tools.PhaseTag) *tools.Invoker {
	return tools.NewInvoker(tools.InvokerDeps{
		Registry:   h.registry,
		EMM:        h.mgr,
		Events:     h.events,
		Inputs:     h.inputs,
		Reconciler: h.reconciler,
		Logger:     h.log,
	}, run, h.config, tag)
}

func call(ns, name, params string) sandbox.ToolCall {
	return sandbox.ToolCall{Namespace: ns, Name: name, Params: json.RawMessage(params)}
}

func TestProducerPublishRequiresRegisteredInput(t *testing.T) {
	h := newHarness(t)
	run := h.run(t, model.HandlerProducer, "emailPoll", model.PhaseExecuting)
	inv := h.invoker(run, tools.TagProducer)
	ctx := context.Background()

	_, err := inv.Invoke(ctx, call("events", "publish",
		`{"topic":"email.received","messageId":"m1","inputId":"nope"}`))
	require.Error(t, err)
	assert.Equal(t, sandbox.ErrLogic, tools.Classify(err))

	raw, err := inv.Invoke(ctx, call("inputs", "register",
		`{"source":"gmail","type":"email","id":"msg-1","title":"hello"}`))
	require.NoError(t, err)
	var reg struct {
		InputID string `json:"inputId"`
	}
	require.NoError(t, json.Unmarshal(raw, &reg))

	_, err = inv.Invoke(ctx, call("events", "publish",
		fmt.Sprintf(`{"topic":"email.received","messageId":"m1","inputId":%q}`, reg.InputID)))
	require.NoError(t, err)

	event, err := h.st.View().GetEvent(ctx, h.wf.ID, "email.received", "m1")
	require.NoError(t, err)
	assert.Equal(t, []string{reg.InputID}, event.CausedByIDs())
}

func TestPublishUndeclaredTopicIsLogicError(t *testing.T) {
	h := newHarness(t)
	run := h.run(t, model.HandlerConsumer, "log", model.PhaseEmitting)
	inv := h.invoker(run, tools.TagNext)

	_, err := inv.Invoke(context.Background(), call("events", "publish",
		`{"topic":"not.declared","messageId":"m1"}`))
	require.Error(t, err)
	assert.Equal(t, sandbox.ErrLogic, tools.Classify(err))
}

func TestConsumerPublishForbidsInputID(t *testing.T) {
	h := newHarness(t)
	run := h.run(t, model.HandlerConsumer, "log", model.PhaseEmitting)
	inv := h.invoker(run, tools.TagNext)

	_, err := inv.Invoke(context.Background(), call("events", "publish",
		`{"topic":"email.archived","messageId":"m1","inputId":"x"}`))
	require.Error(t, err)
	assert.Equal(t, sandbox.ErrLogic, tools.Classify(err))
}

func TestNextPublishCarriesCausalUnion(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// Two reserved events descending from two inputs.
	require.NoError(t, h.st.WithTx(ctx, func(tx *store.Tx) error {
		for i, inputID := range []string{"in-1", "in-2"} {
			_, err := tx.InsertEvent(ctx, &model.Event{
				ID: uuid.New().String(), WorkflowID: h.wf.ID,
				Topic: "email.received", MessageID: fmt.Sprintf("m%d", i+1),
				Status: model.EventPending, CausedBy: fmt.Sprintf(`["%s"]`, inputID),
			})
			if err != nil {
				return err
			}
		}
		return nil
	}))
	run := h.run(t, model.HandlerConsumer, "log", model.PhaseEmitting)
	require.NoError(t, h.st.WithTx(ctx, func(tx *store.Tx) error {
		return tx.ReserveEvents(ctx, h.wf.ID, run.ID, "email.received", []string{"m1", "m2"})
	}))

	inv := h.invoker(run, tools.TagNext)
	_, err := inv.Invoke(ctx, call("events", "publish",
		`{"topic":"email.archived","messageId":"out-1"}`))
	require.NoError(t, err)

	event, err := h.st.View().GetEvent(ctx, h.wf.ID, "email.archived", "out-1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"in-1", "in-2"}, event.CausedByIDs())
}

func TestMutationToolOutsideMutatePhase(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.registry.Register(&tools.Tool{
		Namespace: "crm", Name: "send",
		Execute: func(context.Context, json.RawMessage) (json.RawMessage, error) {
			return json.RawMessage(`{}`), nil
		},
	}))
	run := h.run(t, model.HandlerConsumer, "log", model.PhasePreparing)
	inv := h.invoker(run, tools.TagPrepare)

	_, err := inv.Invoke(context.Background(), call("crm", "send", `{}`))
	require.Error(t, err)
	assert.Equal(t, sandbox.ErrLogic, tools.Classify(err))
}

func TestMutationSuccessTerminatesEvaluation(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.registry.Register(&tools.Tool{
		Namespace: "crm", Name: "send",
		Execute: func(context.Context, json.RawMessage) (json.RawMessage, error) {
			return json.RawMessage(`{"id":"ext-1"}`), nil
		},
	}))
	run := h.run(t, model.HandlerConsumer, "log", model.PhaseMutating)
	inv := h.invoker(run, tools.TagMutate)

	_, err := inv.Invoke(context.Background(), call("crm", "send", `{"idempotencyKey":"k1"}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, sandbox.ErrMutationTerminated))

	mut, status := inv.Mutation()
	require.NotNil(t, mut)
	assert.Equal(t, model.MutationApplied, status)
	assert.Equal(t, "k1", mut.IdempotencyKey)

	stored, err := h.st.View().MutationForRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.MutationApplied, stored.Status)
	assert.Equal(t, `{"id":"ext-1"}`, stored.Result)
	assert.Equal(t, model.PhaseMutated, mustRun(t, h, run.ID).Phase)
}

func TestUncertainMutationWithoutProbeGoesIndeterminate(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.registry.Register(&tools.Tool{
		Namespace: "crm", Name: "send",
		Execute: func(context.Context, json.RawMessage) (json.RawMessage, error) {
			return nil, tools.Errorf(sandbox.ErrNetwork, "timeout")
		},
	}))
	run := h.run(t, model.HandlerConsumer, "log", model.PhaseMutating)
	inv := h.invoker(run, tools.TagMutate)

	_, err := inv.Invoke(context.Background(), call("crm", "send", `{}`))
	require.Error(t, err)

	_, status := inv.Mutation()
	assert.Equal(t, model.MutationIndeterminate, status)

	wf, err := h.st.View().GetWorkflow(context.Background(), h.wf.ID)
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowPaused, wf.Status)
	assert.Equal(t, run.ID, wf.PendingRetryRunID)
}

func TestUncertainMutationProbeCanRefute(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.registry.Register(&tools.Tool{
		Namespace: "crm", Name: "send",
		Execute: func(context.Context, json.RawMessage) (json.RawMessage, error) {
			return nil, tools.Errorf(sandbox.ErrNetwork, "connection reset")
		},
	}))
	h.reconciler.Register("crm", "send", func(context.Context, *model.Mutation) (reconcile.Result, error) {
		return reconcile.Result{Verdict: reconcile.VerdictFailed}, nil
	})
	run := h.run(t, model.HandlerConsumer, "log", model.PhaseMutating)
	inv := h.invoker(run, tools.TagMutate)

	_, err := inv.Invoke(context.Background(), call("crm", "send", `{}`))
	require.Error(t, err)

	_, status := inv.Mutation()
	assert.Equal(t, model.MutationFailed, status)
	assert.Equal(t, sandbox.ErrNetwork, inv.MutationErrorKind())
}

func TestUncertainMutationProbeCanConfirm(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.registry.Register(&tools.Tool{
		Namespace: "crm", Name: "send",
		Execute: func(context.Context, json.RawMessage) (json.RawMessage, error) {
			return nil, tools.Errorf(sandbox.ErrNetwork, "timeout")
		},
	}))
	h.reconciler.Register("crm", "send", func(context.Context, *model.Mutation) (reconcile.Result, error) {
		return reconcile.Result{Verdict: reconcile.VerdictApplied, Result: json.RawMessage(`{"id":"ext-9"}`)}, nil
	})
	run := h.run(t, model.HandlerConsumer, "log", model.PhaseMutating)
	inv := h.invoker(run, tools.TagMutate)

	_, err := inv.Invoke(context.Background(), call("crm", "send", `{}`))
	assert.True(t, errors.Is(err, sandbox.ErrMutationTerminated))

	_, status := inv.Mutation()
	assert.Equal(t, model.MutationApplied, status)
}

func TestSchemaValidationRejectsBadParams(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.registry.Register(&tools.Tool{
		Namespace: "crm", Name: "send", IsReadOnly: true,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"required": ["to"],
			"properties": {"to": {"type": "string"}}
		}`),
		Execute: func(context.Context, json.RawMessage) (json.RawMessage, error) {
			return json.RawMessage(`{}`), nil
		},
	}))
	run := h.run(t, model.HandlerConsumer, "log", model.PhasePreparing)
	inv := h.invoker(run, tools.TagPrepare)

	_, err := inv.Invoke(context.Background(), call("crm", "send", `{"to":42}`))
	require.Error(t, err)
	assert.Equal(t, sandbox.ErrLogic, tools.Classify(err))

	_, err = inv.Invoke(context.Background(), call("crm", "send", `{"to":"alice"}`))
	require.NoError(t, err)
}

func TestPeekOnlyInPrepareAndSubscribedTopics(t *testing.T) {
	h := newHarness(t)
	run := h.run(t, model.HandlerConsumer, "log", model.PhasePreparing)
	inv := h.invoker(run, tools.TagPrepare)
	ctx := context.Background()

	_, err := inv.Invoke(ctx, call("events", "peek", `{"topic":"email.archived"}`))
	require.Error(t, err, "log does not subscribe to email.archived")

	raw, err := inv.Invoke(ctx, call("events", "peek", `{"topic":"email.received"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, string(raw))

	next := h.run(t, model.HandlerConsumer, "log", model.PhaseEmitting)
	_, err = h.invoker(next, tools.TagNext).Invoke(ctx, call("events", "peek", `{"topic":"email.received"}`))
	require.Error(t, err, "peek is prepare-only")
}

func mustRun(t *testing.T, h *harness, id string) *model.HandlerRun {
	t.Helper()
	run, err := h.st.View().GetHandlerRun(context.Background(), id)
	require.NoError(t, err)
	return run
}
