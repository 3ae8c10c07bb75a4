// Package sandbox defines the contract between the engine and the external
// evaluator that runs user script code. The engine never interprets script
// source itself; it hands the evaluator an entry expression plus injected
// globals and receives a classified result. The evaluator must not persist
// anything except through the tool invoker it is given.
package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrMutationTerminated is the cooperative-cancellation value returned from
// a tool invocation after a mutation applies: user code must not continue
// past its mutation, and the engine treats an evaluation ended this way as
// success for the mutate phase.
var ErrMutationTerminated = errors.New("mutation applied; evaluation terminated")

// ErrorKind classifies a failure by domain, not by type. The handler state
// machine maps kinds onto run statuses.
type ErrorKind string

const (
	// ErrAuth: a credential is invalid or expired.
	ErrAuth ErrorKind = "auth"
	// ErrPermission: the credential is valid but access is denied.
	ErrPermission ErrorKind = "permission"
	// ErrNetwork: transient I/O, rate limits, timeouts.
	ErrNetwork ErrorKind = "network"
	// ErrLogic: a bug in the user's script, including contract violations
	// such as publishing to an undeclared topic.
	ErrLogic ErrorKind = "logic"
	// ErrInternal: a bug in the engine or evaluator.
	ErrInternal ErrorKind = "internal"
	// ErrBalance and ErrAPIKey surface account problems. Both currently map
	// to the internal failure path.
	ErrBalance ErrorKind = "balance"
	ErrAPIKey  ErrorKind = "api_key"
)

// DefaultEvalTimeout bounds a single evaluation.
const DefaultEvalTimeout = 300 * time.Second

// ToolCall is one tool invocation requested by user code during an eval.
type ToolCall struct {
	Namespace string
	Name      string
	Params    json.RawMessage
}

// ToolInvoker dispatches tool calls made by user code back into the engine,
// where phase gating and the mutation lifecycle are enforced.
type ToolInvoker interface {
	Invoke(ctx context.Context, call ToolCall) (json.RawMessage, error)
}

// EvalRequest is one evaluation of an entry expression against a script.
type EvalRequest struct {
	// Script is the full script source.
	Script string
	// Entry is the expression to evaluate, e.g.
	// workflow.consumers.foo.prepare(__state__).
	Entry string
	// Globals are values injected into the evaluation scope, keyed by
	// identifier (__state__, __prepare_result__, ...). Values are JSON.
	Globals map[string]json.RawMessage
	// Tools dispatches the script's tool calls.
	Tools ToolInvoker
	// Timeout bounds the evaluation; zero means DefaultEvalTimeout.
	Timeout time.Duration
}

// EvalResult is the outcome of one evaluation.
type EvalResult struct {
	OK     bool
	Result json.RawMessage
	// Error and ErrorKind are set when OK is false.
	Error     string
	ErrorKind ErrorKind
	// MutationTerminated is set when the evaluation was cooperatively cut
	// short because a mutation tool call applied; the engine treats this as
	// success for the mutate phase.
	MutationTerminated bool
	// Cost is the metered cost of the evaluation.
	Cost int64
}

// Evaluator runs user code. Implementations live outside the engine.
type Evaluator interface {
	Eval(ctx context.Context, req EvalRequest) EvalResult
}

// Failure builds a failed result.
func Failure(kind ErrorKind, msg string) EvalResult {
	return EvalResult{OK: false, Error: msg, ErrorKind: kind}
}

// Success builds an ok result carrying a JSON value.
func Success(result json.RawMessage) EvalResult {
	return EvalResult{OK: true, Result: result}
}
