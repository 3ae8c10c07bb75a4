// Package service is the engine's administrative surface: workflow and
// script management, activation, manual triggers and mutation resolution.
// External surfaces (UI, agents) call these methods; none of them touch
// engine tables except through the store and the execution model manager.
package service

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/loomctl/loom/internal/common/logger"
	"github.com/loomctl/loom/internal/engine/emm"
	"github.com/loomctl/loom/internal/engine/ledger"
	"github.com/loomctl/loom/internal/engine/model"
	"github.com/loomctl/loom/internal/engine/schedstate"
	"github.com/loomctl/loom/internal/engine/schedule"
	"github.com/loomctl/loom/internal/engine/session"
	"github.com/loomctl/loom/internal/engine/store"
	"github.com/loomctl/loom/internal/engine/validator"
)

// Service bundles the engine's externally callable operations.
type Service struct {
	store        *store.Store
	emm          *emm.Manager
	orchestrator *session.Orchestrator
	events       *ledger.EventLedger
	state        *schedstate.State
	logger       *logger.Logger
}

// Config bundles the service's collaborators.
type Config struct {
	Store        *store.Store
	EMM          *emm.Manager
	Orchestrator *session.Orchestrator
	Events       *ledger.EventLedger
	State        *schedstate.State
	Logger       *logger.Logger
}

// New creates the service.
func New(cfg Config) *Service {
	return &Service{
		store:        cfg.Store,
		emm:          cfg.EMM,
		orchestrator: cfg.Orchestrator,
		events:       cfg.Events,
		state:        cfg.State,
		logger:       cfg.Logger.WithFields(zap.String("component", "service")),
	}
}

// CreateWorkflow creates a draft workflow with no script.
func (s *Service) CreateWorkflow(ctx context.Context, taskID, name string) (*model.Workflow, error) {
	wf := &model.Workflow{
		ID:     uuid.New().String(),
		TaskID: taskID,
		Name:   name,
		Status: model.WorkflowDraft,
	}
	err := s.store.WithTx(ctx, func(tx *store.Tx) error {
		return tx.InsertWorkflow(ctx, wf)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("workflow created", zap.String("workflow_id", wf.ID))
	return wf, nil
}

// SaveScriptRequest describes one script version to store.
type SaveScriptRequest struct {
	WorkflowID    string
	Code          string
	Config        *model.WorkflowConfig
	Summary       string
	Diagram       string
	ChangeComment string
	Type          model.ScriptType
	// Activate makes the new version the active script immediately. The
	// first script saved on a draft workflow always activates.
	Activate bool
	// PendingRetryRunID carries a post-mutation retry across a fix
	// activation, per the activation contract.
	PendingRetryRunID string
}

// SaveScript validates and stores an immutable script version. Versioning
// is strictly increasing per workflow: a fix bumps the minor version, a
// user save bumps the major version.
func (s *Service) SaveScript(ctx context.Context, req SaveScriptRequest) (*model.Script, error) {
	if err := validator.ValidateScript(req.Code, req.Config); err != nil {
		return nil, fmt.Errorf("script validation failed: %w", err)
	}
	configJSON, err := req.Config.Encode()
	if err != nil {
		return nil, err
	}
	if req.Type == "" {
		req.Type = model.ScriptTypeUser
	}

	var script *model.Script
	firstSave := false
	err = s.store.WithTx(ctx, func(tx *store.Tx) error {
		wf, err := tx.GetWorkflow(ctx, req.WorkflowID)
		if err != nil {
			return err
		}
		major, minor, err := tx.LatestScriptVersion(ctx, req.WorkflowID)
		if err != nil {
			return err
		}
		firstSave = major == 0 && minor == 0
		if req.Type == model.ScriptTypeFix && !firstSave {
			minor++
		} else {
			major++
			minor = 0
		}
		script = &model.Script{
			ID:            uuid.New().String(),
			WorkflowID:    req.WorkflowID,
			TaskID:        wf.TaskID,
			Code:          req.Code,
			MajorVersion:  major,
			MinorVersion:  minor,
			Summary:       req.Summary,
			Diagram:       req.Diagram,
			ChangeComment: req.ChangeComment,
			HandlerConfig: configJSON,
			Type:          req.Type,
		}
		return tx.InsertScript(ctx, script)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("script saved",
		zap.String("workflow_id", req.WorkflowID),
		zap.String("script_id", script.ID),
		zap.Int("major", script.MajorVersion),
		zap.Int("minor", script.MinorVersion))

	if req.Activate || firstSave {
		if err := s.ActivateScript(ctx, ActivateScriptRequest{
			WorkflowID:        req.WorkflowID,
			ScriptID:          script.ID,
			Manual:            req.Type != model.ScriptTypeFix,
			PendingRetryRunID: req.PendingRetryRunID,
		}); err != nil {
			return script, err
		}
	}
	return script, nil
}

// ActivateScriptRequest describes one activation.
type ActivateScriptRequest struct {
	WorkflowID string
	ScriptID   string
	// Manual activations zero the maintenance fix counter.
	Manual bool
	// PendingRetryRunID resumes a post-mutation retry under the new script.
	PendingRetryRunID string
}

// ActivateScript points a workflow at a script version. The handler config
// is read from the script row (single source of truth). In one transaction:
// the workflow's active script, config and control fields are set,
// maintenance is cleared, producer schedule rows are synced and the
// display-level cron/next-run fields are denormalized. Only new or changed
// producers have their next run reset to now; unchanged producers keep
// their cadence.
func (s *Service) ActivateScript(ctx context.Context, req ActivateScriptRequest) error {
	err := s.store.WithTx(ctx, func(tx *store.Tx) error {
		script, err := tx.GetScript(ctx, req.ScriptID)
		if err != nil {
			return err
		}
		if script.WorkflowID != req.WorkflowID {
			return fmt.Errorf("script %s does not belong to workflow %s", req.ScriptID, req.WorkflowID)
		}
		config, err := validator.Validate(script.HandlerConfig)
		if err != nil {
			return err
		}

		existing, err := tx.ListProducerSchedules(ctx, req.WorkflowID)
		if err != nil {
			return err
		}
		existingByName := make(map[string]*model.ProducerSchedule, len(existing))
		for _, sched := range existing {
			existingByName[sched.ProducerName] = sched
		}

		now := tx.Now()
		displayCron := ""
		var nextRunTimestamp int64
		names := make([]string, 0, len(config.Producers))
		for name := range config.Producers {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			schedType, value, err := schedule.FromConfig(config.Producers[name].Schedule)
			if err != nil {
				return err
			}
			row := &model.ProducerSchedule{
				WorkflowID:    req.WorkflowID,
				ProducerName:  name,
				ScheduleType:  schedType,
				ScheduleValue: value,
				NextRunAt:     now,
			}
			if prev, ok := existingByName[name]; ok &&
				prev.ScheduleType == schedType && prev.ScheduleValue == value {
				// Unchanged producer: keep its cadence instead of storming
				// the external API on every activation.
				row.NextRunAt = prev.NextRunAt
			}
			if err := tx.UpsertProducerSchedule(ctx, row); err != nil {
				return err
			}
			delete(existingByName, name)
			if displayCron == "" && schedType == model.ScheduleCron {
				displayCron = value
			}
			if nextRunTimestamp == 0 || row.NextRunAt < nextRunTimestamp {
				nextRunTimestamp = row.NextRunAt
			}
		}
		// Producers removed by the new script lose their schedule rows.
		for name := range existingByName {
			if err := tx.DeleteProducerSchedule(ctx, req.WorkflowID, name); err != nil {
				return err
			}
		}

		return tx.ActivateWorkflowScript(ctx, req.WorkflowID, req.ScriptID, script.HandlerConfig, store.ActivateOptions{
			PendingRetryRunID: req.PendingRetryRunID,
			ResetFixCount:     req.Manual,
			IncrementFixCount: !req.Manual,
			Cron:              displayCron,
			NextRunTimestamp:  nextRunTimestamp,
		})
	})
	if err != nil {
		return err
	}

	// A fresh activation must re-discover its backlog.
	if s.state != nil {
		wf, err := s.store.View().GetWorkflow(ctx, req.WorkflowID)
		if err == nil {
			if config, cerr := model.ParseWorkflowConfig(wf.HandlerConfig); cerr == nil {
				names := make([]string, 0, len(config.Consumers))
				for name := range config.Consumers {
					names = append(names, name)
				}
				s.state.InitializeForWorkflow(req.WorkflowID, names)
			}
		}
	}
	s.logger.Info("script activated",
		zap.String("workflow_id", req.WorkflowID),
		zap.String("script_id", req.ScriptID),
		zap.Bool("manual", req.Manual))
	return nil
}

// PauseWorkflow suspends scheduling for a workflow.
func (s *Service) PauseWorkflow(ctx context.Context, workflowID string) error {
	paused := model.WorkflowPaused
	return s.store.WithTx(ctx, func(tx *store.Tx) error {
		return tx.UpdateWorkflowControl(ctx, workflowID, store.WorkflowControl{Status: &paused})
	})
}

// ResumeWorkflow reactivates a paused or errored workflow.
func (s *Service) ResumeWorkflow(ctx context.Context, workflowID string) error {
	active := model.WorkflowActive
	err := s.store.WithTx(ctx, func(tx *store.Tx) error {
		wf, err := tx.GetWorkflow(ctx, workflowID)
		if err != nil {
			return err
		}
		if wf.ActiveScriptID == "" {
			return fmt.Errorf("workflow %s has no active script", workflowID)
		}
		return tx.UpdateWorkflowControl(ctx, workflowID, store.WorkflowControl{Status: &active})
	})
	if err != nil {
		return err
	}
	if s.state != nil {
		if wf, err := s.store.View().GetWorkflow(ctx, workflowID); err == nil {
			if config, cerr := model.ParseWorkflowConfig(wf.HandlerConfig); cerr == nil {
				names := make([]string, 0, len(config.Consumers))
				for name := range config.Consumers {
					names = append(names, name)
				}
				s.state.InitializeForWorkflow(workflowID, names)
			}
		}
	}
	return nil
}

// TriggerManualSession runs a manual session for the workflow right away.
func (s *Service) TriggerManualSession(ctx context.Context, workflowID string) (session.Outcome, error) {
	wf, err := s.store.View().GetWorkflow(ctx, workflowID)
	if err != nil {
		return session.OutcomeFailed, err
	}
	if wf.Status != model.WorkflowActive {
		return session.OutcomeFailed, fmt.Errorf("workflow %s is %s, not active", workflowID, wf.Status)
	}
	return s.orchestrator.ExecuteWorkflowSession(ctx, wf, model.TriggerManual)
}

// ResolveMutation applies the user's assertion about an indeterminate
// mutation and, when the run reopens, drives it to completion.
func (s *Service) ResolveMutation(ctx context.Context, runID string, assertion model.MutationAssertion, resolvedBy string) error {
	resumeRunID, err := s.emm.ResolveMutation(ctx, runID, assertion, resolvedBy)
	if err != nil {
		return err
	}
	if resumeRunID == "" {
		return nil
	}
	run, err := s.emm.GetHandlerRun(ctx, resumeRunID)
	if err != nil {
		return err
	}
	wf, err := s.store.View().GetWorkflow(ctx, run.WorkflowID)
	if err != nil {
		return err
	}
	outcome, err := s.orchestrator.ResumeRun(ctx, wf, resumeRunID)
	if err != nil {
		return err
	}
	s.logger.Info("resolved mutation run resumed",
		zap.String("run_id", resumeRunID),
		zap.String("outcome", string(outcome)))
	return nil
}

// EventLineage resolves an event's causal chain to its input records.
func (s *Service) EventLineage(ctx context.Context, workflowID, topic, messageID string) ([]*model.InputRecord, error) {
	return s.events.Lineage(ctx, workflowID, topic, messageID)
}

// ListSessions returns a workflow's recent sessions.
func (s *Service) ListSessions(ctx context.Context, workflowID string, limit int) ([]*model.Session, error) {
	return s.store.View().ListSessions(ctx, workflowID, limit)
}

// ListSessionRuns returns the handler runs of one session.
func (s *Service) ListSessionRuns(ctx context.Context, sessionID string) ([]*model.HandlerRun, error) {
	return s.store.View().ListSessionRuns(ctx, sessionID)
}

// GetWorkflow loads one workflow.
func (s *Service) GetWorkflow(ctx context.Context, workflowID string) (*model.Workflow, error) {
	wf, err := s.store.View().GetWorkflow(ctx, workflowID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("workflow %s not found", workflowID)
	}
	return wf, err
}
