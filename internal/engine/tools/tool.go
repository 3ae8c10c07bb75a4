// Package tools defines the tool contract and the phase-gated invoker that
// dispatches user-code tool calls into the engine. Mutation tools are only
// callable during a consumer's mutate phase and cooperate with the
// execution model manager's mutation lifecycle; publish tools are only
// callable in producer handlers and consumer next steps.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/loomctl/loom/internal/engine/sandbox"
)

// Tool is one callable method exposed to user code. Params and results are
// opaque JSON; the engine validates params against InputSchema on ingress
// and never interprets them further.
type Tool struct {
	Namespace    string
	Name         string
	Description  string
	InputSchema  json.RawMessage
	OutputSchema json.RawMessage
	// IsReadOnly marks tools with no external side effects. A tool that is
	// not read-only is a mutation tool.
	IsReadOnly bool
	Execute    func(ctx context.Context, params json.RawMessage) (json.RawMessage, error)

	compiledInput *jsonschema.Schema
}

// FullName returns the namespace-qualified tool name.
func (t *Tool) FullName() string { return t.Namespace + "." + t.Name }

// Registry holds the tool set available to a deployment, keyed by
// namespace and name.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register adds a tool, compiling its input schema when present.
func (r *Registry) Register(t *Tool) error {
	if t.Namespace == "" || t.Name == "" {
		return fmt.Errorf("tool requires namespace and name")
	}
	if len(t.InputSchema) > 0 {
		sch, err := compileSchema(t.FullName(), t.InputSchema)
		if err != nil {
			return fmt.Errorf("tool %s has an invalid input schema: %w", t.FullName(), err)
		}
		t.compiledInput = sch
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.FullName()]; exists {
		return fmt.Errorf("tool %s is already registered", t.FullName())
	}
	r.tools[t.FullName()] = t
	return nil
}

// Get looks a tool up by namespace and name.
func (r *Registry) Get(namespace, name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[namespace+"."+name]
	return t, ok
}

func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	url := name + ".schema.json"
	if err := compiler.AddResource(url, doc); err != nil {
		return nil, err
	}
	return compiler.Compile(url)
}

func (t *Tool) validateParams(params json.RawMessage) error {
	if t.compiledInput == nil {
		return nil
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(params))
	if err != nil {
		return fmt.Errorf("params are not valid JSON: %w", err)
	}
	if err := t.compiledInput.Validate(doc); err != nil {
		return fmt.Errorf("params failed schema validation: %w", err)
	}
	return nil
}

// ClassifiedError tags an error with its domain kind so the handler state
// machine can map it onto a run status.
type ClassifiedError struct {
	Kind sandbox.ErrorKind
	Err  error
}

func (e *ClassifiedError) Error() string { return fmt.Sprintf("%s: %v", e.Kind, e.Err) }
func (e *ClassifiedError) Unwrap() error { return e.Err }

// ErrorKind exposes the kind for collaborators that only see the error
// value, such as the subprocess evaluator bridge.
func (e *ClassifiedError) ErrorKind() sandbox.ErrorKind { return e.Kind }

// Errorf builds a classified error.
func Errorf(kind sandbox.ErrorKind, format string, args ...interface{}) error {
	return &ClassifiedError{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Classify extracts the domain kind of an error. Unclassified errors are
// treated as internal.
func Classify(err error) sandbox.ErrorKind {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return sandbox.ErrInternal
}

// ErrMutationTerminated is returned to the evaluator after a mutation tool
// call settles as applied.
var ErrMutationTerminated = sandbox.ErrMutationTerminated
