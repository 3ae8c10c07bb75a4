// Package enginetest provides fixtures for engine tests: a temp-file
// SQLite store, a quiet logger and a fully wired engine running against
// the scripted fake evaluator.
package enginetest

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/loomctl/loom/internal/common/logger"
	"github.com/loomctl/loom/internal/db"
	"github.com/loomctl/loom/internal/engine"
	"github.com/loomctl/loom/internal/engine/model"
	"github.com/loomctl/loom/internal/engine/reconcile"
	"github.com/loomctl/loom/internal/engine/sandbox"
	"github.com/loomctl/loom/internal/engine/service"
	"github.com/loomctl/loom/internal/engine/store"
	"github.com/loomctl/loom/internal/engine/tools"
)

// Logger returns a logger that only surfaces errors.
func Logger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "error",
		Format:     "console",
		OutputPath: "stderr",
	})
	require.NoError(t, err)
	return log
}

// Pool opens a throwaway SQLite database in the test's temp directory. The
// writer connection doubles as the reader to keep single-file semantics
// simple under test.
func Pool(t *testing.T) *db.Pool {
	t.Helper()
	path := filepath.Join(t.TempDir(), "engine.db")
	raw, err := db.OpenSQLite(path)
	require.NoError(t, err)
	conn := sqlx.NewDb(raw, "sqlite3")
	t.Cleanup(func() { _ = conn.Close() })
	return db.NewPool(conn, conn)
}

// Store creates a store on a throwaway database.
func Store(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(Pool(t), Logger(t))
	require.NoError(t, err)
	return st
}

// Fixture is a fully wired engine over the fake evaluator.
type Fixture struct {
	*engine.Engine
	Fake       *sandbox.Fake
	Tools      *tools.Registry
	Reconciler *reconcile.Registry
}

// NewFixture wires an engine with a fake evaluator, an empty tool registry
// and an empty reconcile registry.
func NewFixture(t *testing.T) *Fixture {
	t.Helper()
	fake := sandbox.NewFake()
	registry := tools.NewRegistry()
	reconciler := reconcile.NewRegistry()
	eng, err := engine.New(engine.Options{
		Pool:       Pool(t),
		Logger:     Logger(t),
		Evaluator:  fake,
		Tools:      registry,
		Reconciler: reconciler,
	})
	require.NoError(t, err)
	return &Fixture{Engine: eng, Fake: fake, Tools: registry, Reconciler: reconciler}
}

// SeedWorkflow creates a workflow with an active script declaring the given
// config. The workflow comes back active with schedules synced.
func (f *Fixture) SeedWorkflow(t *testing.T, config *model.WorkflowConfig) *model.Workflow {
	t.Helper()
	ctx := context.Background()
	wf, err := f.Service.CreateWorkflow(ctx, "task-1", "test workflow")
	require.NoError(t, err)
	_, err = f.Service.SaveScript(ctx, service.SaveScriptRequest{
		WorkflowID: wf.ID,
		Code:       "workflow = {}", // interpreted only by the fake evaluator
		Config:     config,
	})
	require.NoError(t, err)
	fresh, err := f.Service.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	return fresh
}

// SimpleConfig builds the canonical one-producer one-consumer config used
// across tests: producer "emailPoll" publishing "email.received" on a 60s
// interval, consumer "log" subscribed to it.
func SimpleConfig(hasMutate, hasNext bool) *model.WorkflowConfig {
	return &model.WorkflowConfig{
		Topics: []string{"email.received", "email.archived"},
		Producers: map[string]model.ProducerConfig{
			"emailPoll": {
				Schedule:  model.ScheduleConfig{Interval: "60s"},
				Publishes: []string{"email.received"},
			},
		},
		Consumers: map[string]model.ConsumerConfig{
			"log": {
				Subscribe: []string{"email.received"},
				Publishes: []string{"email.archived"},
				HasMutate: hasMutate,
				HasNext:   hasNext,
			},
		},
	}
}
