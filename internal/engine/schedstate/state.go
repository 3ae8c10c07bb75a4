// Package schedstate holds the in-memory scheduling signals: per-consumer
// dirty flags and wake times, per-producer queued flags. The state is a
// cheap cache over the durable ledgers; it can always be rebuilt by marking
// every consumer dirty and reloading wake times from handler state.
package schedstate

import "sync"

type consumerKey struct{ workflowID, consumer string }
type producerKey struct{ workflowID, producer string }

type consumerSignal struct {
	dirty  bool
	wakeAt int64
}

// ConsumerView is a read snapshot of one consumer's signals.
type ConsumerView struct {
	Name   string
	Dirty  bool
	WakeAt int64
}

// State is the scheduler's in-memory signal table. All methods are safe for
// concurrent use; writes from event publication are serialized through the
// internal mutex.
type State struct {
	mu        sync.Mutex
	consumers map[consumerKey]*consumerSignal
	producers map[producerKey]bool
}

// New creates an empty state.
func New() *State {
	return &State{
		consumers: make(map[consumerKey]*consumerSignal),
		producers: make(map[producerKey]bool),
	}
}

func (s *State) consumer(workflowID, name string) *consumerSignal {
	k := consumerKey{workflowID, name}
	sig, ok := s.consumers[k]
	if !ok {
		sig = &consumerSignal{}
		s.consumers[k] = sig
	}
	return sig
}

// OnEventPublish marks every subscribing consumer dirty.
func (s *State) OnEventPublish(workflowID string, subscribers []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, name := range subscribers {
		s.consumer(workflowID, name).dirty = true
	}
}

// OnConsumerCommit clears the dirty flag only when the committed run made
// no reservations: a run that reserved events may have left more pending in
// its topics, so the flag stays set and the session loop re-enters prepare.
func (s *State) OnConsumerCommit(workflowID, consumer string, hadReservations bool) {
	if hadReservations {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consumer(workflowID, consumer).dirty = false
}

// MarkDirty forces a consumer dirty.
func (s *State) MarkDirty(workflowID, consumer string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consumer(workflowID, consumer).dirty = true
}

// SetWakeAt caches a consumer's wake time. Zero clears it.
func (s *State) SetWakeAt(workflowID, consumer string, wakeAt int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consumer(workflowID, consumer).wakeAt = wakeAt
}

// SetProducerQueued records that a producer's schedule fired while the
// workflow was busy.
func (s *State) SetProducerQueued(workflowID, producer string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.producers[producerKey{workflowID, producer}] = true
}

// OnProducerCommit clears a producer's queued flag.
func (s *State) OnProducerCommit(workflowID, producer string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.producers, producerKey{workflowID, producer})
}

// QueuedProducers returns the producers queued for a workflow.
func (s *State) QueuedProducers(workflowID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var names []string
	for k, queued := range s.producers {
		if queued && k.workflowID == workflowID {
			names = append(names, k.producer)
		}
	}
	return names
}

// InitializeForWorkflow seeds all named consumers dirty. A freshly deployed
// or recovered workflow must re-enter prepare to discover its real backlog.
func (s *State) InitializeForWorkflow(workflowID string, consumerNames []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, name := range consumerNames {
		s.consumer(workflowID, name).dirty = true
	}
}

// Consumers returns a snapshot of the workflow's consumer signals, keyed by
// name.
func (s *State) Consumers(workflowID string) map[string]ConsumerView {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]ConsumerView)
	for k, sig := range s.consumers {
		if k.workflowID != workflowID {
			continue
		}
		out[k.consumer] = ConsumerView{Name: k.consumer, Dirty: sig.dirty, WakeAt: sig.wakeAt}
	}
	return out
}

// HasConsumerWork reports whether any consumer of the workflow is dirty or
// has a due wake time.
func (s *State) HasConsumerWork(workflowID string, now int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, sig := range s.consumers {
		if k.workflowID != workflowID {
			continue
		}
		if sig.dirty || (sig.wakeAt > 0 && sig.wakeAt <= now) {
			return true
		}
	}
	return false
}

// DropWorkflow forgets every signal of a workflow.
func (s *State) DropWorkflow(workflowID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.consumers {
		if k.workflowID == workflowID {
			delete(s.consumers, k)
		}
	}
	for k := range s.producers {
		if k.workflowID == workflowID {
			delete(s.producers, k)
		}
	}
}
