package finalizer_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/donsqualo/clawdorio/internal/claim"
	"github.com/donsqualo/clawdorio/internal/finalizer"
	"github.com/donsqualo/clawdorio/internal/model"
	"github.com/donsqualo/clawdorio/internal/store"
	"github.com/donsqualo/clawdorio/internal/testutil"
)

func seedFeatureRun(t *testing.T, runID string, steps []model.StepName) {
	t.Helper()
	_, err := store.DB.Exec(
		`INSERT INTO runs (id, workflow_id, task, status, entity_id, context_json, created_at_ms, updated_at_ms)
		 VALUES (?, 'feature-dev', 'task', 'running', 'entity-1', '{}', 1, 1)`, runID)
	require.NoError(t, err)

	for i, s := range steps {
		status := "queued"
		if i == 0 {
			status = "running"
		}
		_, err := store.DB.Exec(
			`INSERT INTO steps (id, run_id, step_id, agent_id, step_index, status, input_json, created_at_ms, updated_at_ms)
			 VALUES (?, ?, ?, 'feature-dev/x', ?, ?, '{}', 1, 1)`,
			string(s)+"-"+runID, runID, s, i, status)
		require.NoError(t, err)
	}
}

func loadStepStatus(t *testing.T, stepRowID string) string {
	t.Helper()
	var status string
	require.NoError(t, store.DB.QueryRow(`SELECT status FROM steps WHERE id = ?`, stepRowID).Scan(&status))
	return status
}

func loadRunStatus(t *testing.T, runID string) string {
	t.Helper()
	var status string
	require.NoError(t, store.DB.QueryRow(`SELECT status FROM runs WHERE id = ?`, runID).Scan(&status))
	return status
}

func TestFinishSuccessNonLastStepLeavesRunRunning(t *testing.T) {
	testutil.NewStore(t)
	seedFeatureRun(t, "run-1", []model.StepName{model.StepPlan, model.StepSetup})

	c := &claim.Claimed{
		Step: model.Step{ID: "plan-run-1", RunID: "run-1", StepID: model.StepPlan},
		Run:  model.Run{ID: "run-1", WorkflowID: model.WorkflowFeatureDev},
	}
	require.NoError(t, finalizer.Finish(c, "plan output", nil))

	require.Equal(t, "done", loadStepStatus(t, "plan-run-1"))
	require.Equal(t, "running", loadRunStatus(t, "run-1"))
}

func TestFinishSuccessLastStepCompletesRun(t *testing.T) {
	testutil.NewStore(t)
	seedFeatureRun(t, "run-1", []model.StepName{model.StepReview})

	c := &claim.Claimed{
		Step: model.Step{ID: string(model.StepReview) + "-run-1", RunID: "run-1", StepID: model.StepReview},
		Run:  model.Run{ID: "run-1", WorkflowID: model.WorkflowFeatureDev},
	}
	require.NoError(t, finalizer.Finish(c, "looks good", nil))

	require.Equal(t, "done", loadRunStatus(t, "run-1"))
}

func TestFinishTestFailureRollsBackUntilRetriesExhausted(t *testing.T) {
	testutil.NewStore(t)
	seedFeatureRun(t, "run-1", []model.StepName{model.StepImplement, model.StepVerify, model.StepTest})

	c := &claim.Claimed{
		Step: model.Step{ID: string(model.StepTest) + "-run-1", RunID: "run-1", StepID: model.StepTest},
		Run:  model.Run{ID: "run-1", WorkflowID: model.WorkflowFeatureDev},
	}

	for i := 0; i < model.MaxTestRetries; i++ {
		require.NoError(t, finalizer.Finish(c, "", errors.New("tests failed")))
		require.Equal(t, "queued", loadStepStatus(t, c.Step.ID))
		require.Equal(t, "running", loadRunStatus(t, "run-1"))
	}

	// One more failure past the retry budget fails the run outright.
	require.NoError(t, finalizer.Finish(c, "", errors.New("tests failed again")))
	require.Equal(t, "failed", loadStepStatus(t, c.Step.ID))
	require.Equal(t, "failed", loadRunStatus(t, "run-1"))
}
