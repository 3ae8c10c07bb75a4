package ledger

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/loomctl/loom/internal/common/logger"
	"github.com/loomctl/loom/internal/engine/model"
	"github.com/loomctl/loom/internal/engine/store"
)

// InputLedger owns the input records table: external facts introduced by
// producers, each uniquely identified per workflow.
type InputLedger struct {
	store  *store.Store
	logger *logger.Logger
}

// NewInputLedger creates an input ledger.
func NewInputLedger(st *store.Store, log *logger.Logger) *InputLedger {
	return &InputLedger{
		store:  st,
		logger: log.WithFields(zap.String("component", "input-ledger")),
	}
}

// RegisterRequest describes one external input.
type RegisterRequest struct {
	WorkflowID   string
	Source       string
	Type         string
	ExternalID   string
	Title        string
	HandlerRunID string
}

// Register records an input and returns its stable id. Registration is
// idempotent on (workflow, source, type, external id): re-registering
// returns the id of the first registration.
func (l *InputLedger) Register(ctx context.Context, req RegisterRequest) (string, error) {
	if req.Source == "" || req.Type == "" || req.ExternalID == "" {
		return "", fmt.Errorf("input registration requires source, type and id")
	}
	rec := &model.InputRecord{
		ID:           uuid.New().String(),
		WorkflowID:   req.WorkflowID,
		Source:       req.Source,
		Type:         req.Type,
		ExternalID:   req.ExternalID,
		Title:        req.Title,
		HandlerRunID: req.HandlerRunID,
	}
	var id string
	err := l.store.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		id, err = tx.UpsertInputRecord(ctx, rec)
		return err
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// Get loads one input record.
func (l *InputLedger) Get(ctx context.Context, id string) (*model.InputRecord, error) {
	return l.store.View().GetInputRecord(ctx, id)
}

// List returns a workflow's inputs, newest first.
func (l *InputLedger) List(ctx context.Context, workflowID string, limit int) ([]*model.InputRecord, error) {
	return l.store.View().ListWorkflowInputs(ctx, workflowID, limit)
}
