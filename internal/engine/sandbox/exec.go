package sandbox

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
)

// ExecEvaluator bridges to an external evaluator process over stdio. One
// process is spawned per evaluation; the request goes to stdin as a single
// JSON line and the process answers with a stream of JSON lines: tool-call
// requests the engine must service, terminated by a done line carrying the
// eval result. The evaluator process owns script interpretation entirely;
// the engine only relays tool calls.
type ExecEvaluator struct {
	// Command is the evaluator argv, e.g. ["loom-sandbox"].
	Command []string
}

// NewExecEvaluator creates a subprocess-backed evaluator.
func NewExecEvaluator(command []string) (*ExecEvaluator, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("evaluator command is empty")
	}
	return &ExecEvaluator{Command: command}, nil
}

type execRequest struct {
	Script    string                     `json:"script"`
	Entry     string                     `json:"entry"`
	Globals   map[string]json.RawMessage `json:"globals,omitempty"`
	TimeoutMs int64                      `json:"timeoutMs"`
}

type execLine struct {
	// ID correlates a tool call with its response.
	ID   int64 `json:"id,omitempty"`
	Tool *struct {
		Namespace string          `json:"namespace"`
		Name      string          `json:"name"`
		Params    json.RawMessage `json:"params"`
	} `json:"tool,omitempty"`
	Done *execDone `json:"done,omitempty"`
}

type execDone struct {
	OK                 bool            `json:"ok"`
	Result             json.RawMessage `json:"result,omitempty"`
	Error              string          `json:"error,omitempty"`
	ErrorKind          string          `json:"errorKind,omitempty"`
	MutationTerminated bool            `json:"mutationTerminated,omitempty"`
	Cost               int64           `json:"cost"`
}

type execToolResponse struct {
	ID        int64           `json:"id"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	ErrorKind string          `json:"errorKind,omitempty"`
}

// Eval runs one evaluation in a fresh evaluator process.
func (e *ExecEvaluator) Eval(ctx context.Context, req EvalRequest) EvalResult {
	timeout := req.Timeout
	if timeout == 0 {
		timeout = DefaultEvalTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, e.Command[0], e.Command[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return Failure(ErrInternal, fmt.Sprintf("evaluator stdin: %v", err))
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Failure(ErrInternal, fmt.Sprintf("evaluator stdout: %v", err))
	}
	if err := cmd.Start(); err != nil {
		return Failure(ErrInternal, fmt.Sprintf("failed to start evaluator: %v", err))
	}
	defer func() {
		_ = stdin.Close()
		_ = cmd.Wait()
	}()

	enc := json.NewEncoder(stdin)
	if err := enc.Encode(execRequest{
		Script:    req.Script,
		Entry:     req.Entry,
		Globals:   req.Globals,
		TimeoutMs: timeout.Milliseconds(),
	}); err != nil {
		return Failure(ErrInternal, fmt.Sprintf("failed to send eval request: %v", err))
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var line execLine
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			return Failure(ErrInternal, fmt.Sprintf("malformed evaluator output: %v", err))
		}
		switch {
		case line.Done != nil:
			return EvalResult{
				OK:                 line.Done.OK,
				Result:             line.Done.Result,
				Error:              line.Done.Error,
				ErrorKind:          ErrorKind(line.Done.ErrorKind),
				MutationTerminated: line.Done.MutationTerminated,
				Cost:               line.Done.Cost,
			}
		case line.Tool != nil:
			resp := e.serviceToolCall(ctx, req.Tools, line)
			if err := enc.Encode(resp); err != nil {
				return Failure(ErrInternal, fmt.Sprintf("failed to answer tool call: %v", err))
			}
		}
	}
	if err := scanner.Err(); err != nil && err != io.EOF {
		return Failure(ErrInternal, fmt.Sprintf("evaluator stream error: %v", err))
	}
	if ctx.Err() != nil {
		return Failure(ErrNetwork, fmt.Sprintf("evaluation timed out after %s", timeout))
	}
	return Failure(ErrInternal, "evaluator exited without a result")
}

func (e *ExecEvaluator) serviceToolCall(ctx context.Context, invoker ToolInvoker, line execLine) execToolResponse {
	resp := execToolResponse{ID: line.ID}
	if invoker == nil {
		resp.Error = "no tool invoker attached"
		resp.ErrorKind = string(ErrInternal)
		return resp
	}
	result, err := invoker.Invoke(ctx, ToolCall{
		Namespace: line.Tool.Namespace,
		Name:      line.Tool.Name,
		Params:    line.Tool.Params,
	})
	if err != nil {
		resp.Error = err.Error()
		if errors.Is(err, ErrMutationTerminated) {
			resp.ErrorKind = "mutation-terminated"
		} else if ke, ok := err.(interface{ ErrorKind() ErrorKind }); ok {
			resp.ErrorKind = string(ke.ErrorKind())
		}
		return resp
	}
	resp.Result = result
	return resp
}

var _ Evaluator = (*ExecEvaluator)(nil)
