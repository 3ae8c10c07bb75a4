package scheduler_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomctl/loom/internal/engine/enginetest"
	"github.com/loomctl/loom/internal/engine/store"
)

func TestRebuildStateMarksConsumersDirtyAndReloadsWakes(t *testing.T) {
	f := enginetest.NewFixture(t)
	ctx := context.Background()

	wf := f.SeedWorkflow(t, enginetest.SimpleConfig(false, false))
	require.NoError(t, f.Store.WithTx(ctx, func(tx *store.Tx) error {
		return tx.SetHandlerWakeAt(ctx, wf.ID, "log", 123_456)
	}))

	// Simulate a restart: a fresh state cache rebuilt from durable truth.
	f.State.DropWorkflow(wf.ID)
	require.NoError(t, f.Scheduler.RebuildState(ctx))

	views := f.State.Consumers(wf.ID)
	require.Contains(t, views, "log")
	assert.True(t, views["log"].Dirty, "recovered consumers start dirty")
	assert.Equal(t, int64(123_456), views["log"].WakeAt)
}
