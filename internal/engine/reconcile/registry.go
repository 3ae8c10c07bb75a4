// Package reconcile holds the per-tool hooks consulted when a mutation's
// external outcome is uncertain. A probe is a pure read against the
// external system, keyed on the mutation's idempotency key or params.
package reconcile

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/loomctl/loom/internal/engine/model"
)

// Verdict is a probe's answer about an uncertain mutation.
type Verdict string

const (
	// VerdictApplied: the side effect is visible externally.
	VerdictApplied Verdict = "applied"
	// VerdictFailed: the side effect definitely did not happen.
	VerdictFailed Verdict = "failed"
	// VerdictRetry: the probe cannot tell yet; ask again later.
	VerdictRetry Verdict = "retry"
)

// Result carries a verdict and, for VerdictApplied, the observed result.
type Result struct {
	Verdict Verdict
	Result  json.RawMessage
}

// Probe inspects the external system for a mutation's outcome. It must not
// cause side effects.
type Probe func(ctx context.Context, mut *model.Mutation) (Result, error)

// Registry maps (tool namespace, method) to probes. A tool with no probe
// leaves uncertain mutations indeterminate, requiring user resolution.
type Registry struct {
	mu     sync.RWMutex
	probes map[string]Probe
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{probes: make(map[string]Probe)}
}

func key(namespace, method string) string { return namespace + "." + method }

// Register installs a probe for one tool method.
func (r *Registry) Register(namespace, method string, probe Probe) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.probes[key(namespace, method)] = probe
}

// Lookup returns the probe for a tool method, if any.
func (r *Registry) Lookup(namespace, method string) (Probe, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.probes[key(namespace, method)]
	return p, ok
}
