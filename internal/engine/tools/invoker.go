package tools

import (
	"context"
	"encoding/json"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/loomctl/loom/internal/common/logger"
	"github.com/loomctl/loom/internal/engine/emm"
	"github.com/loomctl/loom/internal/engine/ledger"
	"github.com/loomctl/loom/internal/engine/model"
	"github.com/loomctl/loom/internal/engine/reconcile"
	"github.com/loomctl/loom/internal/engine/sandbox"
)

// PhaseTag is the execution phase a tool call happens in. The state machine
// sets it before entering the sandbox; the invoker consults it before
// entering any tool.
type PhaseTag string

const (
	TagProducer PhaseTag = "producer"
	TagPrepare  PhaseTag = "prepare"
	TagMutate   PhaseTag = "mutate"
	TagNext     PhaseTag = "next"
)

// Invoker binds the tool registry to one handler run evaluation. It
// implements sandbox.ToolInvoker.
type Invoker struct {
	registry   *Registry
	emm        *emm.Manager
	events     *ledger.EventLedger
	inputs     *ledger.InputLedger
	reconciler *reconcile.Registry
	logger     *logger.Logger

	run    *model.HandlerRun
	config *model.WorkflowConfig
	phase  PhaseTag

	// registeredInputs are the input ids registered during this evaluation;
	// producer publishes must reference one of them.
	registeredInputs map[string]bool

	mutation       *model.Mutation
	mutationStatus model.MutationStatus
	mutationKind   sandbox.ErrorKind
}

// InvokerDeps bundles the collaborators an invoker needs.
type InvokerDeps struct {
	Registry   *Registry
	EMM        *emm.Manager
	Events     *ledger.EventLedger
	Inputs     *ledger.InputLedger
	Reconciler *reconcile.Registry
	Logger     *logger.Logger
}

// NewInvoker creates an invoker for one evaluation of one run.
func NewInvoker(deps InvokerDeps, run *model.HandlerRun, config *model.WorkflowConfig, phase PhaseTag) *Invoker {
	return &Invoker{
		registry:         deps.Registry,
		emm:              deps.EMM,
		events:           deps.Events,
		inputs:           deps.Inputs,
		reconciler:       deps.Reconciler,
		logger:           deps.Logger.WithFields(zap.String("component", "tool-invoker"), zap.String("run_id", run.ID)),
		run:              run,
		config:           config,
		phase:            phase,
		registeredInputs: make(map[string]bool),
	}
}

// Mutation returns the mutation this invoker created, if any, and its
// settled status. The state machine reads this after the evaluation to
// decide the run's fate.
func (inv *Invoker) Mutation() (*model.Mutation, model.MutationStatus) {
	return inv.mutation, inv.mutationStatus
}

// MutationErrorKind returns the classified kind of the mutation tool
// failure, when the mutation did not apply.
func (inv *Invoker) MutationErrorKind() sandbox.ErrorKind { return inv.mutationKind }

// Invoke dispatches one tool call from user code.
func (inv *Invoker) Invoke(ctx context.Context, call sandbox.ToolCall) (json.RawMessage, error) {
	// Engine built-ins first: publication and input registration go
	// through the ledgers, not the registry.
	switch {
	case call.Namespace == "events" && call.Name == "publish":
		return inv.publish(ctx, call.Params)
	case call.Namespace == "events" && call.Name == "peek":
		return inv.peek(ctx, call.Params)
	case call.Namespace == "inputs" && call.Name == "register":
		return inv.registerInput(ctx, call.Params)
	}

	tool, ok := inv.registry.Get(call.Namespace, call.Name)
	if !ok {
		return nil, Errorf(sandbox.ErrLogic, "unknown tool %s.%s", call.Namespace, call.Name)
	}
	if err := tool.validateParams(call.Params); err != nil {
		return nil, Errorf(sandbox.ErrLogic, "tool %s: %v", tool.FullName(), err)
	}

	if tool.IsReadOnly {
		result, err := tool.Execute(ctx, call.Params)
		if err != nil {
			return nil, err
		}
		return result, nil
	}
	return inv.invokeMutation(ctx, tool, call.Params)
}

// invokeMutation runs the single side-effecting tool call a consumer run
// may make. The in-flight record is durably written before the side effect
// begins; afterwards the outcome is settled through the execution model
// manager, consulting the reconciliation registry when it is uncertain.
func (inv *Invoker) invokeMutation(ctx context.Context, tool *Tool, params json.RawMessage) (json.RawMessage, error) {
	if inv.phase != TagMutate {
		return nil, Errorf(sandbox.ErrLogic, "mutation tool %s called outside mutate (phase %s)", tool.FullName(), inv.phase)
	}
	if inv.mutation != nil {
		return nil, Errorf(sandbox.ErrLogic, "a handler may apply at most one mutation per run")
	}

	idemKey := gjson.GetBytes(params, "idempotencyKey").String()
	mut, err := inv.emm.CreateMutation(ctx, inv.run.ID, tool.Namespace, tool.Name, string(params), idemKey)
	if err != nil {
		return nil, Errorf(sandbox.ErrInternal, "failed to record mutation: %v", err)
	}
	inv.mutation = mut
	inv.mutationStatus = model.MutationInFlight

	result, execErr := tool.Execute(ctx, params)
	if execErr == nil {
		if err := inv.emm.ApplyMutation(ctx, mut.ID, string(result)); err != nil {
			return nil, Errorf(sandbox.ErrInternal, "failed to apply mutation: %v", err)
		}
		inv.mutationStatus = model.MutationApplied
		// Further user code in mutate is deliberately cut short; the next
		// phase is the one that consumes the mutation result.
		return nil, ErrMutationTerminated
	}

	kind := Classify(execErr)
	if kind == sandbox.ErrLogic {
		// Definite failure: the external system rejected the request.
		if err := inv.emm.FailMutation(ctx, mut.ID, execErr.Error()); err != nil {
			return nil, Errorf(sandbox.ErrInternal, "failed to record mutation failure: %v", err)
		}
		inv.mutationStatus = model.MutationFailed
		inv.mutationKind = kind
		return nil, execErr
	}

	// Uncertain outcome: ask the tool's reconcile probe what happened.
	return nil, inv.settleUncertain(ctx, tool, mut, execErr, kind)
}

func (inv *Invoker) settleUncertain(ctx context.Context, tool *Tool, mut *model.Mutation, execErr error, kind sandbox.ErrorKind) error {
	if probe, ok := inv.reconciler.Lookup(tool.Namespace, tool.Name); ok {
		res, probeErr := probe(ctx, mut)
		if probeErr == nil {
			switch res.Verdict {
			case reconcile.VerdictApplied:
				if err := inv.emm.ApplyMutation(ctx, mut.ID, string(res.Result)); err != nil {
					return Errorf(sandbox.ErrInternal, "failed to apply reconciled mutation: %v", err)
				}
				inv.mutationStatus = model.MutationApplied
				return ErrMutationTerminated
			case reconcile.VerdictFailed:
				if err := inv.emm.FailMutation(ctx, mut.ID, execErr.Error()); err != nil {
					return Errorf(sandbox.ErrInternal, "failed to record mutation failure: %v", err)
				}
				inv.mutationStatus = model.MutationFailed
				inv.mutationKind = kind
				return execErr
			case reconcile.VerdictRetry:
				if err := inv.emm.UpdateMutationStatus(ctx, mut.ID, model.MutationNeedsReconcile,
					emm.MutationStatusOptions{Error: execErr.Error()}); err != nil {
					return Errorf(sandbox.ErrInternal, "failed to mark mutation for reconciliation: %v", err)
				}
				inv.mutationStatus = model.MutationNeedsReconcile
				inv.mutationKind = kind
				return execErr
			}
		}
		inv.logger.WithError(probeErr).Warn("reconcile probe failed", zap.String("tool", tool.FullName()))
	}

	// No probe, or the probe could not answer: only a human can resolve.
	if err := inv.emm.UpdateMutationStatus(ctx, mut.ID, model.MutationIndeterminate,
		emm.MutationStatusOptions{Error: execErr.Error()}); err != nil {
		return Errorf(sandbox.ErrInternal, "failed to mark mutation indeterminate: %v", err)
	}
	inv.mutationStatus = model.MutationIndeterminate
	inv.mutationKind = kind
	return execErr
}

type publishParams struct {
	Topic     string          `json:"topic"`
	MessageID string          `json:"messageId"`
	Title     string          `json:"title,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	InputID   string          `json:"inputId,omitempty"`
}

// publish implements the events.publish built-in. Producers must attribute
// the event to an input registered in the same phase; next steps inherit
// the causal union of the run's reserved events.
func (inv *Invoker) publish(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
	var p publishParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, Errorf(sandbox.ErrLogic, "publish params are malformed: %v", err)
	}
	if p.Topic == "" || p.MessageID == "" {
		return nil, Errorf(sandbox.ErrLogic, "publish requires topic and messageId")
	}

	var causedBy []string
	switch inv.phase {
	case TagProducer:
		if p.InputID == "" {
			return nil, Errorf(sandbox.ErrLogic, "producer publish requires inputId")
		}
		if !inv.registeredInputs[p.InputID] {
			return nil, Errorf(sandbox.ErrLogic, "inputId %s was not registered by this run", p.InputID)
		}
		causedBy = []string{p.InputID}
	case TagNext:
		if p.InputID != "" {
			return nil, Errorf(sandbox.ErrLogic, "consumer publish must not provide inputId")
		}
		union, err := inv.events.CausalUnion(ctx, inv.run.ID)
		if err != nil {
			return nil, Errorf(sandbox.ErrInternal, "failed to compute causal union: %v", err)
		}
		causedBy = union
	default:
		return nil, Errorf(sandbox.ErrLogic, "publish is not allowed in the %s phase", inv.phase)
	}

	if !inv.config.DeclaresTopic(p.Topic) {
		return nil, Errorf(sandbox.ErrLogic, "topic %q is not declared by the workflow", p.Topic)
	}
	if !inv.config.MayPublish(inv.run.HandlerType, inv.run.HandlerName, p.Topic) {
		return nil, Errorf(sandbox.ErrLogic, "handler %s does not declare topic %q in publishes", inv.run.HandlerName, p.Topic)
	}

	inserted, err := inv.events.Publish(ctx, ledger.PublishRequest{
		WorkflowID:     inv.run.WorkflowID,
		Topic:          p.Topic,
		MessageID:      p.MessageID,
		Title:          p.Title,
		Payload:        p.Payload,
		CausedBy:       causedBy,
		PublisherRunID: inv.run.ID,
	})
	if err != nil {
		return nil, Errorf(sandbox.ErrInternal, "publish failed: %v", err)
	}
	return json.Marshal(map[string]bool{"inserted": inserted})
}

type peekParams struct {
	Topic string `json:"topic"`
	Limit int    `json:"limit,omitempty"`
}

type peekedEvent struct {
	MessageID string          `json:"messageId"`
	Title     string          `json:"title,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// peek implements the events.peek built-in: pending events of a subscribed
// topic in publish order, for a consumer's prepare step.
func (inv *Invoker) peek(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
	if inv.phase != TagPrepare {
		return nil, Errorf(sandbox.ErrLogic, "events.peek is only allowed in the prepare phase")
	}
	var p peekParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, Errorf(sandbox.ErrLogic, "peek params are malformed: %v", err)
	}
	if p.Topic == "" {
		return nil, Errorf(sandbox.ErrLogic, "peek requires a topic")
	}
	cc, ok := inv.config.Consumers[inv.run.HandlerName]
	if !ok {
		return nil, Errorf(sandbox.ErrLogic, "handler %s is not a consumer", inv.run.HandlerName)
	}
	subscribed := false
	for _, topic := range cc.Subscribe {
		if topic == p.Topic {
			subscribed = true
			break
		}
	}
	if !subscribed {
		return nil, Errorf(sandbox.ErrLogic, "consumer %s does not subscribe to topic %q", inv.run.HandlerName, p.Topic)
	}
	events, err := inv.events.Peek(ctx, inv.run.WorkflowID, p.Topic, p.Limit)
	if err != nil {
		return nil, Errorf(sandbox.ErrInternal, "peek failed: %v", err)
	}
	out := make([]peekedEvent, 0, len(events))
	for _, e := range events {
		pe := peekedEvent{MessageID: e.MessageID, Title: e.Title}
		if e.Payload != "" {
			pe.Payload = json.RawMessage(e.Payload)
		}
		out = append(out, pe)
	}
	return json.Marshal(out)
}

type registerInputParams struct {
	Source string `json:"source"`
	Type   string `json:"type"`
	ID     string `json:"id"`
	Title  string `json:"title,omitempty"`
}

// registerInput implements the inputs.register built-in, producer-only.
func (inv *Invoker) registerInput(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
	if inv.phase != TagProducer {
		return nil, Errorf(sandbox.ErrLogic, "inputs.register is only allowed in the producer phase")
	}
	var p registerInputParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, Errorf(sandbox.ErrLogic, "register params are malformed: %v", err)
	}
	id, err := inv.inputs.Register(ctx, ledger.RegisterRequest{
		WorkflowID:   inv.run.WorkflowID,
		Source:       p.Source,
		Type:         p.Type,
		ExternalID:   p.ID,
		Title:        p.Title,
		HandlerRunID: inv.run.ID,
	})
	if err != nil {
		return nil, Errorf(sandbox.ErrLogic, "input registration failed: %v", err)
	}
	inv.registeredInputs[id] = true
	return json.Marshal(map[string]string{"inputId": id})
}

var _ sandbox.ToolInvoker = (*Invoker)(nil)
