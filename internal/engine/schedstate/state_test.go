package schedstate

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEventPublishMarksSubscribersDirty(t *testing.T) {
	s := New()
	s.OnEventPublish("wf-1", []string{"log", "archive"})

	views := s.Consumers("wf-1")
	assert.True(t, views["log"].Dirty)
	assert.True(t, views["archive"].Dirty)
	assert.True(t, s.HasConsumerWork("wf-1", 0))
	assert.False(t, s.HasConsumerWork("wf-2", 0))
}

func TestConsumerCommitClearsDirtyOnlyWithoutReservations(t *testing.T) {
	s := New()
	s.OnEventPublish("wf-1", []string{"log"})

	// A committed run that reserved events may have left more behind.
	s.OnConsumerCommit("wf-1", "log", true)
	assert.True(t, s.Consumers("wf-1")["log"].Dirty)

	// An empty prepare proves the topics drained.
	s.OnConsumerCommit("wf-1", "log", false)
	assert.False(t, s.Consumers("wf-1")["log"].Dirty)
}

func TestWakeAtSignals(t *testing.T) {
	s := New()
	s.SetWakeAt("wf-1", "log", 1000)

	assert.False(t, s.HasConsumerWork("wf-1", 999))
	assert.True(t, s.HasConsumerWork("wf-1", 1000))

	s.SetWakeAt("wf-1", "log", 0)
	assert.False(t, s.HasConsumerWork("wf-1", 5000))
}

func TestProducerQueuedFlag(t *testing.T) {
	s := New()
	assert.Empty(t, s.QueuedProducers("wf-1"))

	s.SetProducerQueued("wf-1", "emailPoll")
	assert.Equal(t, []string{"emailPoll"}, s.QueuedProducers("wf-1"))

	s.OnProducerCommit("wf-1", "emailPoll")
	assert.Empty(t, s.QueuedProducers("wf-1"))
}

func TestInitializeForWorkflowSetsAllDirty(t *testing.T) {
	s := New()
	s.InitializeForWorkflow("wf-1", []string{"a", "b"})
	views := s.Consumers("wf-1")
	assert.True(t, views["a"].Dirty)
	assert.True(t, views["b"].Dirty)
}

func TestDropWorkflow(t *testing.T) {
	s := New()
	s.InitializeForWorkflow("wf-1", []string{"a"})
	s.SetProducerQueued("wf-1", "p")
	s.DropWorkflow("wf-1")
	assert.Empty(t, s.Consumers("wf-1"))
	assert.Empty(t, s.QueuedProducers("wf-1"))
}
