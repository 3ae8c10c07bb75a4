// Package scheduler drives workflow execution: it ticks, picks workflows
// with due work and runs one session per workflow at a time. Execution is
// parallel across workflows and strictly single-threaded per workflow.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/loomctl/loom/internal/common/logger"
	"github.com/loomctl/loom/internal/engine/emm"
	"github.com/loomctl/loom/internal/engine/model"
	"github.com/loomctl/loom/internal/engine/schedstate"
	"github.com/loomctl/loom/internal/engine/session"
	"github.com/loomctl/loom/internal/engine/store"
)

// Common errors
var (
	ErrAlreadyRunning = errors.New("scheduler is already running")
	ErrNotRunning     = errors.New("scheduler is not running")
)

// Config holds scheduler configuration.
type Config struct {
	// TickInterval is how often due work is scanned.
	TickInterval time.Duration
	// MaxConcurrent bounds how many workflows run sessions at once.
	MaxConcurrent int
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		TickInterval:  time.Second,
		MaxConcurrent: 8,
	}
}

// Scheduler owns the tick loop and the per-workflow execution slots.
type Scheduler struct {
	emm          *emm.Manager
	orchestrator *session.Orchestrator
	state        *schedstate.State
	logger       *logger.Logger
	config       Config

	// inFlight tracks workflows currently executing a session in this
	// process, on top of the durable single-flight check.
	inFlightMu sync.Mutex
	inFlight   map[string]bool

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New creates a scheduler.
func New(mgr *emm.Manager, orch *session.Orchestrator, state *schedstate.State, log *logger.Logger, cfg Config) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultConfig().MaxConcurrent
	}
	return &Scheduler{
		emm:          mgr,
		orchestrator: orch,
		state:        state,
		logger:       log.WithFields(zap.String("component", "scheduler")),
		config:       cfg,
		inFlight:     make(map[string]bool),
	}
}

// Start begins the tick loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	s.logger.Info("scheduler starting",
		zap.Duration("tick_interval", s.config.TickInterval),
		zap.Int("max_concurrent", s.config.MaxConcurrent))

	s.wg.Add(1)
	go s.tickLoop(ctx)
	return nil
}

// Stop stops the tick loop and waits for in-flight sessions to return.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrNotRunning
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("scheduler stopped")
	return nil
}

// IsRunning reports whether the tick loop is active.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) tickLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping: context cancelled")
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick scans active workflows and dispatches sessions for those with due
// work.
func (s *Scheduler) tick(ctx context.Context) {
	workflows, err := s.emm.Store().View().ListWorkflowsByStatus(ctx, model.WorkflowActive)
	if err != nil {
		s.logger.WithError(err).Error("failed to list active workflows")
		return
	}

	g := new(errgroup.Group)
	g.SetLimit(s.config.MaxConcurrent)
	for _, wf := range workflows {
		wf := wf
		if !s.claim(wf.ID) {
			// A session for this workflow is still running; remember due
			// producers so they fire once the slot frees up.
			s.queueDueProducers(ctx, wf)
			continue
		}
		g.Go(func() error {
			defer s.release(wf.ID)
			s.dispatch(ctx, wf)
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Scheduler) claim(workflowID string) bool {
	s.inFlightMu.Lock()
	defer s.inFlightMu.Unlock()
	if s.inFlight[workflowID] {
		return false
	}
	s.inFlight[workflowID] = true
	return true
}

func (s *Scheduler) release(workflowID string) {
	s.inFlightMu.Lock()
	defer s.inFlightMu.Unlock()
	delete(s.inFlight, workflowID)
}

// dispatch decides what, if anything, to run for one workflow.
func (s *Scheduler) dispatch(ctx context.Context, wf *model.Workflow) {
	if wf.Status != model.WorkflowActive || wf.Maintenance {
		return
	}
	now := s.emm.Store().Now()
	if wf.NextRetryAt > now {
		// Transient backoff has not elapsed.
		return
	}

	view := s.emm.Store().View()

	// Durable single-flight: a run left active by another process (or an
	// unfinished crash recovery) blocks new sessions.
	if _, err := view.ActiveRunForWorkflow(ctx, wf.ID); err == nil {
		return
	} else if !errors.Is(err, store.ErrNotFound) {
		s.logger.WithError(err).Error("failed to check active runs", zap.String("workflow_id", wf.ID))
		return
	}

	switch {
	case wf.PendingRetryRunID != "":
		s.runSession(ctx, wf, "retry", func() (session.Outcome, error) {
			return s.orchestrator.RetryWorkflowSession(ctx, wf)
		})

	case s.hasDueProducer(ctx, wf):
		s.runSession(ctx, wf, "schedule", func() (session.Outcome, error) {
			return s.orchestrator.ExecuteWorkflowSession(ctx, wf, model.TriggerSchedule)
		})

	case s.hasConsumerWork(ctx, wf, now):
		s.runSession(ctx, wf, "event", func() (session.Outcome, error) {
			return s.orchestrator.ExecuteWorkflowSession(ctx, wf, model.TriggerEvent)
		})
	}
}

func (s *Scheduler) runSession(ctx context.Context, wf *model.Workflow, kind string, run func() (session.Outcome, error)) {
	log := s.logger.WithFields(zap.String("workflow_id", wf.ID), zap.String("kind", kind))
	outcome, err := run()
	if err != nil {
		log.WithError(err).Error("session execution failed")
		return
	}
	switch outcome {
	case session.OutcomeCompleted:
	case session.OutcomeTransient:
		log.Info("session hit a transient fault; backoff armed")
	case session.OutcomeMaintenance:
		log.Info("workflow handed to auto-fix")
	case session.OutcomeSuspended:
		log.Info("workflow suspended awaiting user")
	case session.OutcomeFailed:
		log.Warn("session failed")
	}
}

// hasDueProducer reports whether any producer schedule is due or queued.
func (s *Scheduler) hasDueProducer(ctx context.Context, wf *model.Workflow) bool {
	if s.state != nil && len(s.state.QueuedProducers(wf.ID)) > 0 {
		return true
	}
	due, err := s.emm.Store().View().DueProducerSchedules(ctx, wf.ID, s.emm.Store().Now())
	if err != nil {
		s.logger.WithError(err).Error("failed to query due producers", zap.String("workflow_id", wf.ID))
		return false
	}
	return len(due) > 0
}

// hasConsumerWork consults the in-memory signals, falling back to the
// ledgers when the state cache is absent.
func (s *Scheduler) hasConsumerWork(ctx context.Context, wf *model.Workflow, now int64) bool {
	if s.state != nil {
		return s.state.HasConsumerWork(wf.ID, now)
	}
	config, err := model.ParseWorkflowConfig(wf.HandlerConfig)
	if err != nil {
		return false
	}
	view := s.emm.Store().View()
	for _, cc := range config.Consumers {
		for _, topic := range cc.Subscribe {
			if n, err := view.CountPendingEvents(ctx, wf.ID, topic); err == nil && n > 0 {
				return true
			}
		}
	}
	due, err := view.ConsumersWithDueWakeAt(ctx, wf.ID, now)
	return err == nil && len(due) > 0
}

// queueDueProducers marks producers whose schedule fired while the
// workflow's slot was busy, so the next free tick runs them.
func (s *Scheduler) queueDueProducers(ctx context.Context, wf *model.Workflow) {
	if s.state == nil {
		return
	}
	due, err := s.emm.Store().View().DueProducerSchedules(ctx, wf.ID, s.emm.Store().Now())
	if err != nil {
		return
	}
	for _, sched := range due {
		s.state.SetProducerQueued(wf.ID, sched.ProducerName)
	}
}

// RebuildState reloads the in-memory scheduler signals from durable truth:
// every consumer of an active workflow starts dirty (the next prepare will
// discover whether work exists) and wake times come from handler state.
func (s *Scheduler) RebuildState(ctx context.Context) error {
	if s.state == nil {
		return nil
	}
	view := s.emm.Store().View()
	workflows, err := view.ListWorkflowsByStatus(ctx, model.WorkflowActive)
	if err != nil {
		return err
	}
	for _, wf := range workflows {
		config, err := model.ParseWorkflowConfig(wf.HandlerConfig)
		if err != nil {
			s.logger.WithError(err).Warn("skipping workflow with unreadable config",
				zap.String("workflow_id", wf.ID))
			continue
		}
		names := make([]string, 0, len(config.Consumers))
		for name := range config.Consumers {
			names = append(names, name)
		}
		s.state.InitializeForWorkflow(wf.ID, names)

		states, err := view.ListHandlerStates(ctx, wf.ID)
		if err != nil {
			return err
		}
		for _, hs := range states {
			if _, isConsumer := config.Consumers[hs.HandlerName]; isConsumer && hs.WakeAt > 0 {
				s.state.SetWakeAt(wf.ID, hs.HandlerName, hs.WakeAt)
			}
		}
	}
	s.logger.Info("scheduler state rebuilt", zap.Int("workflows", len(workflows)))
	return nil
}
