// Package notify fans engine lifecycle notifications out to the event bus
// and mirrors publications into the in-memory scheduler state.
package notify

import (
	"context"

	"github.com/loomctl/loom/internal/common/logger"
	"github.com/loomctl/loom/internal/engine/model"
	"github.com/loomctl/loom/internal/engine/schedstate"
	"github.com/loomctl/loom/internal/engine/store"
	"github.com/loomctl/loom/internal/events/bus"
)

// Bus subjects for engine lifecycle notifications.
const (
	SubjectEventPublished  = "loom.event.published"
	SubjectSessionFinished = "loom.session.finished"
	SubjectWorkflowPaused  = "loom.workflow.paused"
	SubjectMutationPending = "loom.mutation.pending"
)

const source = "loom-engine"

// Notifier publishes engine notifications on the bus. It implements
// emm.Notifier. A nil bus degrades to scheduler-state-only behavior.
type Notifier struct {
	bus    bus.EventBus
	store  *store.Store
	state  *schedstate.State
	logger *logger.Logger
}

// New creates a notifier. bus may be nil.
func New(b bus.EventBus, st *store.Store, state *schedstate.State, log *logger.Logger) *Notifier {
	return &Notifier{bus: b, store: st, state: state, logger: log}
}

func (n *Notifier) publish(subject string, data map[string]interface{}) {
	if n.bus == nil {
		return
	}
	event := bus.NewEvent(subject, source, data)
	if err := n.bus.Publish(context.Background(), subject, event); err != nil {
		n.logger.WithError(err).Warn("failed to publish engine notification")
	}
}

// EventPublished marks subscribing consumers dirty and announces the
// publication. It implements ledger.PublishNotifier.
func (n *Notifier) EventPublished(workflowID, topic string) {
	if n.state != nil {
		if wf, err := n.store.View().GetWorkflow(context.Background(), workflowID); err == nil {
			if config, cerr := model.ParseWorkflowConfig(wf.HandlerConfig); cerr == nil {
				n.state.OnEventPublish(workflowID, config.SubscribersOf(topic))
			}
		}
	}
	n.publish(SubjectEventPublished, map[string]interface{}{
		"workflow_id": workflowID,
		"topic":       topic,
	})
}

// SessionFinished announces a finalized session.
func (n *Notifier) SessionFinished(workflowID, sessionID string, result model.SessionResult) {
	n.publish(SubjectSessionFinished, map[string]interface{}{
		"workflow_id": workflowID,
		"session_id":  sessionID,
		"result":      string(result),
	})
}

// WorkflowPaused announces a workflow waiting on the user.
func (n *Notifier) WorkflowPaused(workflowID, reason string) {
	n.publish(SubjectWorkflowPaused, map[string]interface{}{
		"workflow_id": workflowID,
		"reason":      reason,
	})
}

// MutationPending announces an indeterminate mutation awaiting resolution.
func (n *Notifier) MutationPending(workflowID, runID, mutationID string) {
	n.publish(SubjectMutationPending, map[string]interface{}{
		"workflow_id": workflowID,
		"run_id":      runID,
		"mutation_id": mutationID,
	})
}
