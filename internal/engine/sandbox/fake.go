package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

// FakeHandler is one scripted response of the fake evaluator. It may call
// tools through the invoker before returning, the way real user code would.
type FakeHandler func(ctx context.Context, req EvalRequest) EvalResult

// Fake is a scripted Evaluator for tests. Handlers are registered against
// an entry-expression prefix such as "workflow.consumers.log.prepare".
type Fake struct {
	mu       sync.Mutex
	handlers map[string]FakeHandler
	calls    []string
}

// NewFake creates an empty fake evaluator.
func NewFake() *Fake {
	return &Fake{handlers: make(map[string]FakeHandler)}
}

// Handle registers a handler for entries starting with prefix.
func (f *Fake) Handle(prefix string, h FakeHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[prefix] = h
}

// Return registers a handler that returns a fixed JSON value.
func (f *Fake) Return(prefix string, v interface{}) {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("fake sandbox: cannot marshal %v: %v", v, err))
	}
	f.Handle(prefix, func(context.Context, EvalRequest) EvalResult {
		return Success(raw)
	})
}

// Fail registers a handler that fails with the given kind.
func (f *Fake) Fail(prefix string, kind ErrorKind, msg string) {
	f.Handle(prefix, func(context.Context, EvalRequest) EvalResult {
		return Failure(kind, msg)
	})
}

// Calls returns the entry expressions evaluated so far.
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// Eval dispatches to the longest matching registered prefix.
func (f *Fake) Eval(ctx context.Context, req EvalRequest) EvalResult {
	f.mu.Lock()
	f.calls = append(f.calls, req.Entry)
	var best string
	for prefix := range f.handlers {
		if strings.HasPrefix(req.Entry, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	h, ok := f.handlers[best]
	f.mu.Unlock()
	if !ok {
		return Failure(ErrInternal, fmt.Sprintf("fake sandbox: no handler for entry %q", req.Entry))
	}
	return h(ctx, req)
}
