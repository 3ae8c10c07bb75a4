package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/loomctl/loom/internal/engine/emm"
	"github.com/loomctl/loom/internal/engine/model"
	"github.com/loomctl/loom/internal/engine/sandbox"
	"github.com/loomctl/loom/internal/engine/schedule"
	"github.com/loomctl/loom/internal/engine/tools"
)

const maxPrepareAttempts = 3

// runProducer evaluates workflow.producers.<name>.handler(prevState) and
// commits the returned state, advancing the producer's schedule.
func (m *Machine) runProducer(ctx context.Context, run *model.HandlerRun, script *model.Script, config *model.WorkflowConfig) error {
	producerCfg, ok := config.Producers[run.HandlerName]
	if !ok {
		return m.closeWithError(ctx, run, sandbox.ErrLogic,
			fmt.Sprintf("producer %q is not declared by the active script", run.HandlerName), 0)
	}

	state, err := m.stateGlobal(ctx, run.WorkflowID, run.HandlerName)
	if err != nil {
		return m.failInternal(ctx, run, fmt.Sprintf("failed to load handler state: %v", err))
	}

	inv := m.invoker(run, config, tools.TagProducer)
	res := m.eval(ctx, sandbox.EvalRequest{
		Script:  script.Code,
		Entry:   fmt.Sprintf("workflow.producers.%s.handler(__state__)", run.HandlerName),
		Globals: map[string]json.RawMessage{"__state__": state},
		Tools:   inv,
	})
	if !res.OK {
		return m.closeWithError(ctx, run, res.ErrorKind, res.Error, res.Cost)
	}

	nextRunAt, err := m.nextScheduledRun(producerCfg)
	if err != nil {
		return m.failInternal(ctx, run, fmt.Sprintf("failed to compute next run: %v", err))
	}

	newState := string(res.Result)
	return m.emm.CommitProducer(ctx, run.ID, emm.CommitProducerOptions{
		State:       &newState,
		OutputState: &newState,
		NextRunAt:   nextRunAt,
		AddCost:     res.Cost,
	})
}

func (m *Machine) nextScheduledRun(cfg model.ProducerConfig) (int64, error) {
	schedType, value, err := schedule.FromConfig(cfg.Schedule)
	if err != nil {
		return 0, err
	}
	return schedule.NextRun(schedType, value, m.emm.Store().Now())
}

// runPrepare evaluates workflow.consumers.<name>.prepare(prevState) and
// atomically persists the prepare result, the event reservations and the
// requested wake time. A reservation conflict (another publication settled
// an event first) retries the prepare against the fresh ledger.
func (m *Machine) runPrepare(ctx context.Context, run *model.HandlerRun, script *model.Script, config *model.WorkflowConfig, attempts *int) error {
	if _, ok := config.Consumers[run.HandlerName]; !ok {
		return m.closeWithError(ctx, run, sandbox.ErrLogic,
			fmt.Sprintf("consumer %q is not declared by the active script", run.HandlerName), 0)
	}
	state, err := m.stateGlobal(ctx, run.WorkflowID, run.HandlerName)
	if err != nil {
		return m.failInternal(ctx, run, fmt.Sprintf("failed to load handler state: %v", err))
	}

	inv := m.invoker(run, config, tools.TagPrepare)
	res := m.eval(ctx, sandbox.EvalRequest{
		Script:  script.Code,
		Entry:   fmt.Sprintf("workflow.consumers.%s.prepare(__state__)", run.HandlerName),
		Globals: map[string]json.RawMessage{"__state__": state},
		Tools:   inv,
	})
	if !res.OK {
		return m.closeWithError(ctx, run, res.ErrorKind, res.Error, res.Cost)
	}

	pr, err := model.ParsePrepareResult(res.Result)
	if err != nil {
		return m.closeWithError(ctx, run, sandbox.ErrLogic, err.Error(), res.Cost)
	}

	wakeAt := parseWakeAt(pr.WakeAt)
	err = m.emm.UpdateConsumerPhase(ctx, run.ID, model.PhasePrepared, emm.ConsumerPhaseOptions{
		Reservations:  pr.Reservations,
		PrepareResult: string(res.Result),
		WakeAt:        wakeAt,
		HandlerName:   run.HandlerName,
		AddCost:       res.Cost,
	})
	if errors.Is(err, emm.ErrInvariantViolation) {
		*attempts++
		if *attempts >= maxPrepareAttempts {
			return m.failInternal(ctx, run,
				fmt.Sprintf("prepare reservations kept conflicting after %d attempts", *attempts))
		}
		m.logger.Debug("prepare reservation conflict, re-peeking",
			zap.String("run_id", run.ID), zap.Int("attempt", *attempts))
		return nil // phase unchanged; the loop re-runs prepare
	}
	if err != nil {
		return err
	}
	m.wakes.SetWakeAt(run.WorkflowID, run.HandlerName, emm.ClampWakeAt(m.emm.Store().Now(), wakeAt))
	return nil
}

// parseWakeAt converts an ISO-8601 wake request to unix-ms. Invalid or
// absent values clear the wake.
func parseWakeAt(raw string) int64 {
	if raw == "" {
		return 0
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return 0
	}
	return t.UnixMilli()
}

// afterPrepare decides the prepared run's path: nothing reserved means the
// run commits immediately; any reservation proceeds to the mutate phase.
func (m *Machine) afterPrepare(ctx context.Context, run *model.HandlerRun) error {
	pr, err := model.ParsePrepareResult([]byte(run.PrepareResult))
	if err != nil {
		return m.closeWithError(ctx, run, sandbox.ErrInternal,
			fmt.Sprintf("stored prepare result is unreadable: %v", err), 0)
	}
	if pr.TotalReservations() == 0 {
		_, err := m.emm.CommitConsumer(ctx, run.ID, emm.CommitConsumerOptions{})
		return err
	}
	return m.emm.UpdateConsumerPhase(ctx, run.ID, model.PhaseMutating, emm.ConsumerPhaseOptions{WakeAt: -1})
}

// runMutate evaluates the consumer's mutate step. The single permitted
// mutation tool call settles through the execution model manager inside the
// invoker; afterwards the invoker's record decides the run's fate.
func (m *Machine) runMutate(ctx context.Context, run *model.HandlerRun, script *model.Script, config *model.WorkflowConfig) error {
	consumerCfg, ok := config.Consumers[run.HandlerName]
	if !ok {
		return m.closeWithError(ctx, run, sandbox.ErrLogic,
			fmt.Sprintf("consumer %q is not declared by the active script", run.HandlerName), 0)
	}
	if !consumerCfg.HasMutate {
		return m.emm.UpdateConsumerPhase(ctx, run.ID, model.PhaseMutated, emm.ConsumerPhaseOptions{WakeAt: -1})
	}

	inv := m.invoker(run, config, tools.TagMutate)
	res := m.eval(ctx, sandbox.EvalRequest{
		Script: script.Code,
		Entry:  fmt.Sprintf("workflow.consumers.%s.mutate(__prepare_result__)", run.HandlerName),
		Globals: map[string]json.RawMessage{
			"__prepare_result__": json.RawMessage(run.PrepareResult),
		},
		Tools: inv,
	})

	mut, mutStatus := inv.Mutation()
	switch {
	case mut != nil && mutStatus == model.MutationApplied:
		// The phase is already mutated; the cooperative termination of the
		// user's mutate code is success regardless of how the eval ended.
		return nil

	case mut != nil && mutStatus == model.MutationFailed:
		kind := inv.MutationErrorKind()
		if kind == "" {
			kind = sandbox.ErrInternal
		}
		msg := res.Error
		if msg == "" {
			msg = "mutation failed"
		}
		return m.closeWithError(ctx, run, kind, msg, res.Cost)

	case mut != nil && (mutStatus == model.MutationNeedsReconcile || mutStatus == model.MutationIndeterminate):
		return m.emm.UpdateHandlerRunStatus(ctx, run.ID, model.RunPausedReconciliation, emm.Outcome{
			Error:     fmt.Sprintf("mutation %s outcome is uncertain", mut.ID),
			ErrorType: string(inv.MutationErrorKind()),
			AddCost:   res.Cost,
		})

	case !res.OK && !res.MutationTerminated:
		return m.closeWithError(ctx, run, res.ErrorKind, res.Error, res.Cost)

	default:
		// No mutation was attempted and the eval succeeded.
		return m.emm.UpdateConsumerPhase(ctx, run.ID, model.PhaseMutated,
			emm.ConsumerPhaseOptions{WakeAt: -1, AddCost: res.Cost})
	}
}

// runEmitting evaluates the consumer's next step (when declared) and
// commits the run, consuming its reserved events.
func (m *Machine) runEmitting(ctx context.Context, run *model.HandlerRun, script *model.Script, config *model.WorkflowConfig) error {
	consumerCfg, ok := config.Consumers[run.HandlerName]
	if !ok {
		return m.closeWithError(ctx, run, sandbox.ErrLogic,
			fmt.Sprintf("consumer %q is not declared by the active script", run.HandlerName), 0)
	}
	if !consumerCfg.HasNext {
		_, err := m.emm.CommitConsumer(ctx, run.ID, emm.CommitConsumerOptions{})
		return err
	}

	mutationForNext, err := m.mutationResultForNext(ctx, run)
	if err != nil {
		return m.failInternal(ctx, run, fmt.Sprintf("failed to load mutation result: %v", err))
	}
	state, err := m.stateGlobal(ctx, run.WorkflowID, run.HandlerName)
	if err != nil {
		return m.failInternal(ctx, run, fmt.Sprintf("failed to load handler state: %v", err))
	}

	prepareResult := json.RawMessage(run.PrepareResult)
	if run.PrepareResult == "" {
		prepareResult = json.RawMessage("null")
	}
	inv := m.invoker(run, config, tools.TagNext)
	res := m.eval(ctx, sandbox.EvalRequest{
		Script: script.Code,
		Entry:  fmt.Sprintf("workflow.consumers.%s.next(__prepare_result__, __mutation__)", run.HandlerName),
		Globals: map[string]json.RawMessage{
			"__prepare_result__": prepareResult,
			"__mutation__":       mutationForNext,
			"__state__":          state,
		},
		Tools: inv,
	})
	if !res.OK {
		return m.closeWithError(ctx, run, res.ErrorKind, res.Error, res.Cost)
	}

	newState := string(res.Result)
	_, err = m.emm.CommitConsumer(ctx, run.ID, emm.CommitConsumerOptions{
		State:       &newState,
		OutputState: &newState,
		AddCost:     res.Cost,
	})
	return err
}

// mutationResultForNext maps the run's (possibly inherited) mutation row to
// the value next receives: applied results pass through, user-skipped
// mutations surface as skipped, anything else is none.
func (m *Machine) mutationResultForNext(ctx context.Context, run *model.HandlerRun) (json.RawMessage, error) {
	mut, err := m.emm.RetryMutationForNext(ctx, run)
	if err != nil {
		return nil, err
	}
	type mutationView struct {
		Status string          `json:"status"`
		Result json.RawMessage `json:"result,omitempty"`
	}
	view := mutationView{Status: "none"}
	if mut != nil {
		switch {
		case mut.Status == model.MutationApplied:
			view.Status = "applied"
			if mut.Result != "" {
				view.Result = json.RawMessage(mut.Result)
			}
		case mut.Status == model.MutationFailed && mut.Outcome == model.OutcomeUserSkip:
			view.Status = "skipped"
		}
	}
	return json.Marshal(view)
}
