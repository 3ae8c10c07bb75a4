// Package ledger implements the event and input ledgers: idempotent
// publication, reservation bookkeeping and causal tracking over the store.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/loomctl/loom/internal/common/logger"
	"github.com/loomctl/loom/internal/engine/model"
	"github.com/loomctl/loom/internal/engine/store"
)

// PublishNotifier learns about committed publications so in-memory dirty
// flags can follow the ledger. Implementations must not block.
type PublishNotifier interface {
	EventPublished(workflowID, topic string)
}

// NopNotifier discards publish notifications.
type NopNotifier struct{}

func (NopNotifier) EventPublished(string, string) {}

// EventLedger owns the events table semantics.
type EventLedger struct {
	store    *store.Store
	logger   *logger.Logger
	notifier PublishNotifier
}

// NewEventLedger creates an event ledger. A nil notifier is replaced with
// NopNotifier.
func NewEventLedger(st *store.Store, log *logger.Logger, notifier PublishNotifier) *EventLedger {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &EventLedger{
		store:    st,
		logger:   log.WithFields(zap.String("component", "event-ledger")),
		notifier: notifier,
	}
}

// PublishRequest is one event publication.
type PublishRequest struct {
	WorkflowID string
	Topic      string
	MessageID  string
	Title      string
	Payload    json.RawMessage
	// CausedBy is the list of input ids this event descends from.
	CausedBy []string
	// PublisherRunID is the handler run performing the publish.
	PublisherRunID string
}

// Publish inserts a pending event. The (workflow, topic, message id) key
// makes it idempotent: a duplicate is a no-op and the first payload wins.
// Subscribing consumers are notified after the insert commits.
func (l *EventLedger) Publish(ctx context.Context, req PublishRequest) (inserted bool, err error) {
	if req.MessageID == "" {
		return false, fmt.Errorf("publish requires a message id")
	}
	causedBy, err := json.Marshal(req.CausedBy)
	if err != nil {
		return false, fmt.Errorf("failed to encode caused_by: %w", err)
	}
	if req.CausedBy == nil {
		causedBy = []byte("[]")
	}
	event := &model.Event{
		ID:         uuid.New().String(),
		WorkflowID: req.WorkflowID,
		Topic:      req.Topic,
		MessageID:  req.MessageID,
		Title:      req.Title,
		Payload:    string(req.Payload),
		Status:     model.EventPending,
		CausedBy:   string(causedBy),
	}
	err = l.store.WithTx(ctx, func(tx *store.Tx) error {
		inserted, err = tx.InsertEvent(ctx, event)
		return err
	})
	if err != nil {
		return false, err
	}
	if inserted {
		l.notifier.EventPublished(req.WorkflowID, req.Topic)
		l.logger.Debug("event published",
			zap.String("workflow_id", req.WorkflowID),
			zap.String("topic", req.Topic),
			zap.String("message_id", req.MessageID))
	}
	return inserted, nil
}

// Peek returns up to limit pending events of a topic in publish order.
func (l *EventLedger) Peek(ctx context.Context, workflowID, topic string, limit int) ([]*model.Event, error) {
	return l.store.View().PeekPendingEvents(ctx, workflowID, topic, limit)
}

// PendingCount reports the pending backlog of one topic.
func (l *EventLedger) PendingCount(ctx context.Context, workflowID, topic string) (int, error) {
	return l.store.View().CountPendingEvents(ctx, workflowID, topic)
}

// ReservedBy returns the events a run currently holds.
func (l *EventLedger) ReservedBy(ctx context.Context, runID string) ([]*model.Event, error) {
	return l.store.View().ReservedEventsForRun(ctx, runID)
}

// CausalUnion computes the deduplicated union of caused_by across the
// events a run has reserved. Events published in a consumer's next phase
// carry this union.
func (l *EventLedger) CausalUnion(ctx context.Context, runID string) ([]string, error) {
	events, err := l.store.View().ReservedEventsForRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	var union []string
	for _, e := range events {
		for _, id := range e.CausedByIDs() {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			union = append(union, id)
		}
	}
	return union, nil
}

// Lineage resolves an event's caused_by ids to their input records, for UI
// causal-chain queries.
func (l *EventLedger) Lineage(ctx context.Context, workflowID, topic, messageID string) ([]*model.InputRecord, error) {
	view := l.store.View()
	event, err := view.GetEvent(ctx, workflowID, topic, messageID)
	if err != nil {
		return nil, err
	}
	var inputs []*model.InputRecord
	for _, id := range event.CausedByIDs() {
		rec, err := view.GetInputRecord(ctx, id)
		if err == store.ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		inputs = append(inputs, rec)
	}
	return inputs, nil
}
