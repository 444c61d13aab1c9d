package claim_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/donsqualo/clawdorio/internal/claim"
	"github.com/donsqualo/clawdorio/internal/model"
	"github.com/donsqualo/clawdorio/internal/store"
	"github.com/donsqualo/clawdorio/internal/testutil"
)

func insertRun(t *testing.T, runID string) {
	t.Helper()
	_, err := store.DB.Exec(
		`INSERT INTO runs (id, workflow_id, task, status, entity_id, context_json, created_at_ms, updated_at_ms)
		 VALUES (?, 'feature-dev', 'do the thing', 'queued', 'entity-1', '{}', 1, 1)`, runID)
	require.NoError(t, err)
}

func insertStep(t *testing.T, stepID, runID string, index int, status model.StepStatus) {
	t.Helper()
	_, err := store.DB.Exec(
		`INSERT INTO steps (id, run_id, step_id, agent_id, step_index, status, input_json, created_at_ms, updated_at_ms)
		 VALUES (?, ?, 'plan', 'feature-dev/planner', ?, ?, '{}', ?, ?)`,
		stepID, runID, index, status, index, index)
	require.NoError(t, err)
}

func TestNextClaimsLowestIndexStep(t *testing.T) {
	testutil.NewStore(t)

	insertRun(t, "run-1")
	insertStep(t, "step-1", "run-1", 0, model.StepDone)
	insertStep(t, "step-2", "run-1", 1, model.StepQueued)
	insertStep(t, "step-3", "run-1", 2, model.StepPending)

	c, err := claim.Next(store.DB)
	require.NoError(t, err)
	require.NotNil(t, c)
	require.Equal(t, "step-2", c.Step.ID)
	require.Equal(t, model.StepRunning, c.Step.Status)
	require.Equal(t, model.RunRunning, c.Run.Status)
}

func TestNextSkipsRunsWithAStepAlreadyRunning(t *testing.T) {
	testutil.NewStore(t)

	insertRun(t, "run-1")
	insertStep(t, "step-1", "run-1", 0, model.StepRunning)
	insertStep(t, "step-2", "run-1", 1, model.StepQueued)

	c, err := claim.Next(store.DB)
	require.NoError(t, err)
	require.Nil(t, c)
}

func TestNextReturnsNilWhenNothingClaimable(t *testing.T) {
	testutil.NewStore(t)

	c, err := claim.Next(store.DB)
	require.NoError(t, err)
	require.Nil(t, c)
}
