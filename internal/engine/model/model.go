// Package model defines the persistent entities of the workflow execution
// engine: workflows, scripts, sessions, handler runs, mutations, events,
// input records, producer schedules and handler state.
package model

import "encoding/json"

// WorkflowStatus is the lifecycle state of a workflow.
type WorkflowStatus string

const (
	WorkflowDraft  WorkflowStatus = "draft"
	WorkflowReady  WorkflowStatus = "ready"
	WorkflowActive WorkflowStatus = "active"
	WorkflowPaused WorkflowStatus = "paused"
	WorkflowError  WorkflowStatus = "error"
)

// Workflow is one user-defined automation.
type Workflow struct {
	ID                  string         `db:"id" json:"id"`
	TaskID              string         `db:"task_id" json:"task_id"`
	Name                string         `db:"name" json:"name"`
	ActiveScriptID      string         `db:"active_script_id" json:"active_script_id,omitempty"`
	HandlerConfig       string         `db:"handler_config" json:"handler_config,omitempty"`
	Status              WorkflowStatus `db:"status" json:"status"`
	Maintenance         bool           `db:"maintenance" json:"maintenance"`
	MaintenanceFixCount int            `db:"maintenance_fix_count" json:"maintenance_fix_count"`
	PendingRetryRunID   string         `db:"pending_retry_run_id" json:"pending_retry_run_id,omitempty"`
	// RetryBackoffMs and NextRetryAt drive the transient-failure rearm.
	RetryBackoffMs int64 `db:"retry_backoff_ms" json:"retry_backoff_ms,omitempty"`
	NextRetryAt    int64 `db:"next_retry_at" json:"next_retry_at,omitempty"`
	// Cron and NextRunTimestamp are display-level denormalizations.
	Cron             string `db:"cron" json:"cron,omitempty"`
	NextRunTimestamp int64  `db:"next_run_timestamp" json:"next_run_timestamp,omitempty"`
	CreatedAt        int64  `db:"created_at" json:"created_at"`
	UpdatedAt        int64  `db:"updated_at" json:"updated_at"`
}

// ScriptType distinguishes how a script version came to be.
type ScriptType string

const (
	ScriptTypeUser ScriptType = "user"
	ScriptTypeFix  ScriptType = "fix"
)

// Script is one immutable version of a workflow's code.
type Script struct {
	ID            string     `db:"id" json:"id"`
	WorkflowID    string     `db:"workflow_id" json:"workflow_id"`
	TaskID        string     `db:"task_id" json:"task_id"`
	Code          string     `db:"code" json:"code"`
	MajorVersion  int        `db:"major_version" json:"major_version"`
	MinorVersion  int        `db:"minor_version" json:"minor_version"`
	Summary       string     `db:"summary" json:"summary,omitempty"`
	Diagram       string     `db:"diagram" json:"diagram,omitempty"`
	ChangeComment string     `db:"change_comment" json:"change_comment,omitempty"`
	HandlerConfig string     `db:"handler_config" json:"handler_config"`
	Type          ScriptType `db:"type" json:"type"`
	CreatedAt     int64      `db:"created_at" json:"created_at"`
}

// SessionTrigger says what started a session.
type SessionTrigger string

const (
	TriggerSchedule SessionTrigger = "schedule"
	TriggerManual   SessionTrigger = "manual"
	TriggerEvent    SessionTrigger = "event"
	TriggerRetry    SessionTrigger = "retry"
)

// SessionResult is the recorded outcome of a finished session.
type SessionResult string

const (
	SessionCompleted SessionResult = "completed"
	SessionFailed    SessionResult = "failed"
	SessionSuspended SessionResult = "suspended"
)

// Session is one invocation of a workflow; it contains all handler runs
// produced by a single scheduler trigger.
type Session struct {
	ID           string         `db:"id" json:"id"`
	ScriptID     string         `db:"script_id" json:"script_id"`
	WorkflowID   string         `db:"workflow_id" json:"workflow_id"`
	Trigger      SessionTrigger `db:"trigger" json:"trigger"`
	StartedAt    int64          `db:"started_at" json:"started_at"`
	EndedAt      int64          `db:"ended_at" json:"ended_at,omitempty"`
	Result       SessionResult  `db:"result" json:"result,omitempty"`
	Error        string         `db:"error" json:"error,omitempty"`
	ErrorType    string         `db:"error_type" json:"error_type,omitempty"`
	Cost         int64          `db:"cost" json:"cost"`
	HandlerCount int            `db:"handler_count" json:"handler_count"`
	RetryOf      string         `db:"retry_of" json:"retry_of,omitempty"`
}

// HandlerType distinguishes producers from consumers.
type HandlerType string

const (
	HandlerProducer HandlerType = "producer"
	HandlerConsumer HandlerType = "consumer"
)

// Phase is the position of a handler run in its lifecycle. Phases never
// regress; a retry produces a new run.
type Phase string

const (
	PhasePending   Phase = "pending"
	PhaseExecuting Phase = "executing" // producers only
	PhasePreparing Phase = "preparing"
	PhasePrepared  Phase = "prepared"
	PhaseMutating  Phase = "mutating"
	PhaseMutated   Phase = "mutated"
	PhaseEmitting  Phase = "emitting"
	PhaseCommitted Phase = "committed"
)

// RunStatus is the outcome dimension of a handler run, orthogonal to Phase.
type RunStatus string

const (
	RunActive RunStatus = "active"

	RunCommitted RunStatus = "committed"
	RunCrashed   RunStatus = "crashed"

	RunPausedTransient      RunStatus = "paused:transient"
	RunPausedApproval       RunStatus = "paused:approval"
	RunPausedReconciliation RunStatus = "paused:reconciliation"

	RunFailedLogic      RunStatus = "failed:logic"
	RunFailedInternal   RunStatus = "failed:internal"
	RunFailedAuth       RunStatus = "failed:auth"
	RunFailedPermission RunStatus = "failed:permission"
	RunFailedNetwork    RunStatus = "failed:network"
)

// Terminal reports whether a run can never progress again.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCommitted, RunCrashed,
		RunFailedLogic, RunFailedInternal, RunFailedAuth, RunFailedPermission, RunFailedNetwork:
		return true
	}
	return false
}

// Paused reports whether a run is waiting on an external condition.
func (s RunStatus) Paused() bool {
	switch s {
	case RunPausedTransient, RunPausedApproval, RunPausedReconciliation:
		return true
	}
	return false
}

// Failed reports whether a run terminated with a failure classification.
func (s RunStatus) Failed() bool {
	switch s {
	case RunFailedLogic, RunFailedInternal, RunFailedAuth, RunFailedPermission, RunFailedNetwork:
		return true
	}
	return false
}

// HandlerRun is one execution attempt of one producer or consumer handler
// within a session.
type HandlerRun struct {
	ID            string      `db:"id" json:"id"`
	SessionID     string      `db:"session_id" json:"session_id"`
	WorkflowID    string      `db:"workflow_id" json:"workflow_id"`
	HandlerType   HandlerType `db:"handler_type" json:"handler_type"`
	HandlerName   string      `db:"handler_name" json:"handler_name"`
	Phase         Phase       `db:"phase" json:"phase"`
	Status        RunStatus   `db:"status" json:"status"`
	RetryOf       string      `db:"retry_of" json:"retry_of,omitempty"`
	PrepareResult string      `db:"prepare_result" json:"prepare_result,omitempty"`
	InputState    string      `db:"input_state" json:"input_state,omitempty"`
	OutputState   string      `db:"output_state" json:"output_state,omitempty"`
	Error         string      `db:"error" json:"error,omitempty"`
	ErrorType     string      `db:"error_type" json:"error_type,omitempty"`
	Cost          int64       `db:"cost" json:"cost"`
	StartedAt     int64       `db:"started_at" json:"started_at"`
	EndedAt       int64       `db:"ended_at" json:"ended_at,omitempty"`
	Logs          string      `db:"logs" json:"logs,omitempty"`
}

// MutationStatus is the lifecycle of a side-effecting tool call.
type MutationStatus string

const (
	MutationInFlight       MutationStatus = "in_flight"
	MutationApplied        MutationStatus = "applied"
	MutationFailed         MutationStatus = "failed"
	MutationNeedsReconcile MutationStatus = "needs_reconcile"
	MutationIndeterminate  MutationStatus = "indeterminate"
)

// MutationOutcome records how an uncertain mutation was ultimately settled.
type MutationOutcome string

const (
	OutcomeReconciled   MutationOutcome = "reconciled"
	OutcomeUserHappened MutationOutcome = "user_happened"
	OutcomeUserDidNot   MutationOutcome = "user_did_not_happen"
	OutcomeUserSkip     MutationOutcome = "user_skip"
)

// Mutation is the durable record of the single side-effecting tool call a
// consumer run may make in its mutate phase.
type Mutation struct {
	ID             string          `db:"id" json:"id"`
	HandlerRunID   string          `db:"handler_run_id" json:"handler_run_id"`
	WorkflowID     string          `db:"workflow_id" json:"workflow_id"`
	ToolNamespace  string          `db:"tool_namespace" json:"tool_namespace"`
	ToolMethod     string          `db:"tool_method" json:"tool_method"`
	Params         string          `db:"params" json:"params"`
	IdempotencyKey string          `db:"idempotency_key" json:"idempotency_key,omitempty"`
	Status         MutationStatus  `db:"status" json:"status"`
	Result         string          `db:"result" json:"result,omitempty"`
	Error          string          `db:"error" json:"error,omitempty"`
	ResolvedBy     string          `db:"resolved_by" json:"resolved_by,omitempty"`
	ResolvedAt     int64           `db:"resolved_at" json:"resolved_at,omitempty"`
	Outcome        MutationOutcome `db:"mutation_outcome" json:"mutation_outcome,omitempty"`
	CreatedAt      int64           `db:"created_at" json:"created_at"`
}

// EventStatus is the ledger state of a published event.
type EventStatus string

const (
	EventPending  EventStatus = "pending"
	EventReserved EventStatus = "reserved"
	EventConsumed EventStatus = "consumed"
	EventSkipped  EventStatus = "skipped"
)

// Event is one message on a workflow-internal topic. The triple
// (workflow_id, topic, message_id) is unique, which makes publication
// idempotent.
type Event struct {
	ID            string      `db:"id" json:"id"`
	WorkflowID    string      `db:"workflow_id" json:"workflow_id"`
	Topic         string      `db:"topic" json:"topic"`
	MessageID     string      `db:"message_id" json:"message_id"`
	Title         string      `db:"title" json:"title,omitempty"`
	Payload       string      `db:"payload" json:"payload"`
	Status        EventStatus `db:"status" json:"status"`
	ReservedByRun string      `db:"reserved_by_run_id" json:"reserved_by_run_id,omitempty"`
	CausedBy      string      `db:"caused_by" json:"caused_by"` // JSON array of input ids
	CreatedAt     int64       `db:"created_at" json:"created_at"`
}

// CausedByIDs decodes the caused_by JSON column.
func (e *Event) CausedByIDs() []string {
	if e.CausedBy == "" {
		return nil
	}
	var ids []string
	if err := json.Unmarshal([]byte(e.CausedBy), &ids); err != nil {
		return nil
	}
	return ids
}

// InputRecord is an external fact introduced by a producer, idempotent per
// (workflow_id, source, type, external_id).
type InputRecord struct {
	ID           string `db:"id" json:"id"`
	WorkflowID   string `db:"workflow_id" json:"workflow_id"`
	Source       string `db:"source" json:"source"`
	Type         string `db:"type" json:"type"`
	ExternalID   string `db:"external_id" json:"external_id"`
	Title        string `db:"title" json:"title,omitempty"`
	HandlerRunID string `db:"handler_run_id" json:"handler_run_id"`
	CreatedAt    int64  `db:"created_at" json:"created_at"`
}

// ScheduleType is how a producer's cadence is expressed.
type ScheduleType string

const (
	ScheduleInterval ScheduleType = "interval"
	ScheduleCron     ScheduleType = "cron"
)

// ProducerSchedule is the due-time row for one producer of a workflow.
type ProducerSchedule struct {
	WorkflowID    string       `db:"workflow_id" json:"workflow_id"`
	ProducerName  string       `db:"producer_name" json:"producer_name"`
	ScheduleType  ScheduleType `db:"schedule_type" json:"schedule_type"`
	ScheduleValue string       `db:"schedule_value" json:"schedule_value"`
	NextRunAt     int64        `db:"next_run_at" json:"next_run_at"`
}

// HandlerState is the durable per-handler user state blob plus its wake
// time. WakeAt of zero means no wake is requested.
type HandlerState struct {
	WorkflowID  string `db:"workflow_id" json:"workflow_id"`
	HandlerName string `db:"handler_name" json:"handler_name"`
	State       string `db:"state" json:"state"`
	WakeAt      int64  `db:"wake_at" json:"wake_at"`
	UpdatedAt   int64  `db:"updated_at" json:"updated_at"`
}

// MutationAssertion is the user's resolution of an indeterminate mutation.
type MutationAssertion string

const (
	AssertHappened     MutationAssertion = "happened"
	AssertDidNotHappen MutationAssertion = "did_not_happen"
	AssertSkip         MutationAssertion = "skip"
)
