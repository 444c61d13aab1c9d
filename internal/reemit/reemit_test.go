package reemit_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/donsqualo/clawdorio/internal/reemit"
	"github.com/donsqualo/clawdorio/internal/store"
	"github.com/donsqualo/clawdorio/internal/testutil"
)

func insertRun(t *testing.T, id, entityID, status string) {
	t.Helper()
	now := time.Now().UnixMilli()
	_, err := store.DB.Exec(
		`INSERT INTO runs (id, workflow_id, task, status, entity_id, context_json, created_at_ms, updated_at_ms)
		 VALUES (?, 'feature-dev', 'task', ?, ?, '{}', ?, ?)`,
		id, status, entityID, now, now)
	require.NoError(t, err)
}

func insertStep(t *testing.T, id, runID string, index int, status string) {
	t.Helper()
	now := time.Now().UnixMilli()
	_, err := store.DB.Exec(
		`INSERT INTO steps (id, run_id, step_id, agent_id, step_index, status, input_json, output_text, created_at_ms, updated_at_ms)
		 VALUES (?, ?, 'implement', 'feature-dev/developer', ?, ?, '{}', 'stale output', ?, ?)`,
		id, runID, index, status, now, now)
	require.NoError(t, err)
}

func stepStatus(t *testing.T, id string) string {
	t.Helper()
	var status string
	require.NoError(t, store.DB.QueryRow(`SELECT status FROM steps WHERE id = ?`, id).Scan(&status))
	return status
}

func runStatus(t *testing.T, id string) string {
	t.Helper()
	var status string
	require.NoError(t, store.DB.QueryRow(`SELECT status FROM runs WHERE id = ?`, id).Scan(&status))
	return status
}

func TestSweepPromotesPendingWaitingWhenNoStepRunning(t *testing.T) {
	testutil.NewStore(t)
	insertRun(t, "run-1", "entity-1", "queued")
	insertStep(t, "step-0", "run-1", 0, "pending")
	insertStep(t, "step-1", "run-1", 1, "waiting")

	res, err := reemit.Sweep("")
	require.NoError(t, err)
	require.Equal(t, 2, res.QueuedSteps)
	require.Equal(t, 0, res.ResetRunningSteps)
	require.Equal(t, "queued", stepStatus(t, "step-0"))
	require.Equal(t, "queued", stepStatus(t, "step-1"))
	require.Equal(t, "queued", runStatus(t, "run-1"))
}

func TestSweepResetsStaleRunningStep(t *testing.T) {
	testutil.NewStore(t)
	insertRun(t, "run-1", "entity-1", "running")
	insertStep(t, "step-0", "run-1", 0, "running")

	res, err := reemit.Sweep("")
	require.NoError(t, err)
	require.Equal(t, 1, res.ResetRunningSteps)
	require.Equal(t, "queued", stepStatus(t, "step-0"))
}

func TestSweepReopensFailedTailAndClearsOutput(t *testing.T) {
	testutil.NewStore(t)
	insertRun(t, "run-1", "entity-1", "failed")
	insertStep(t, "step-0", "run-1", 0, "done")
	insertStep(t, "step-1", "run-1", 1, "failed")
	insertStep(t, "step-2", "run-1", 2, "pending")

	res, err := reemit.Sweep("")
	require.NoError(t, err)
	require.Equal(t, "done", stepStatus(t, "step-0"))
	require.Equal(t, "queued", stepStatus(t, "step-1"))
	require.Equal(t, "queued", stepStatus(t, "step-2"))
	require.Equal(t, "queued", runStatus(t, "run-1"))
	require.GreaterOrEqual(t, res.QueuedSteps, 2)

	var output *string
	require.NoError(t, store.DB.QueryRow(`SELECT output_text FROM steps WHERE id = 'step-1'`).Scan(&output))
	require.Nil(t, output)
}

func TestSweepScopedToBaseOnlyTouchesMatchingRun(t *testing.T) {
	testutil.NewStore(t)
	now := time.Now().UnixMilli()
	_, err := store.DB.Exec(`INSERT INTO entities (id, kind, payload_json, created_at_ms, updated_at_ms) VALUES ('base-1', 'base', '{}', ?, ?)`, now, now)
	require.NoError(t, err)
	_, err = store.DB.Exec(`INSERT INTO entities (id, kind, payload_json, created_at_ms, updated_at_ms) VALUES ('feature-1', 'feature', '{"base_id":"base-1"}', ?, ?)`, now, now)
	require.NoError(t, err)
	_, err = store.DB.Exec(`INSERT INTO entities (id, kind, payload_json, created_at_ms, updated_at_ms) VALUES ('feature-2', 'feature', '{"base_id":"base-2"}', ?, ?)`, now, now)
	require.NoError(t, err)

	insertRun(t, "run-1", "feature-1", "running")
	insertStep(t, "step-1", "run-1", 0, "running")
	insertRun(t, "run-2", "feature-2", "running")
	insertStep(t, "step-2", "run-2", 0, "running")

	res, err := reemit.Sweep("base-1")
	require.NoError(t, err)
	require.Equal(t, "base", res.Scope)
	require.Equal(t, 1, res.ScannedRuns)
	require.Equal(t, "queued", stepStatus(t, "step-1"))
	require.Equal(t, "running", stepStatus(t, "step-2"))
}

func TestSweepLeavesDoneRunsAlone(t *testing.T) {
	testutil.NewStore(t)
	insertRun(t, "run-1", "entity-1", "done")
	insertStep(t, "step-0", "run-1", 0, "done")

	res, err := reemit.Sweep("")
	require.NoError(t, err)
	require.Equal(t, 0, res.ScannedRuns)
	require.Equal(t, "done", runStatus(t, "run-1"))
}

func TestSweepEmitsReportEvent(t *testing.T) {
	testutil.NewStore(t)
	insertRun(t, "run-1", "entity-1", "queued")
	insertStep(t, "step-0", "run-1", 0, "pending")

	_, err := reemit.Sweep("")
	require.NoError(t, err)

	events, err := eventlogSince(t)
	require.NoError(t, err)
	require.NotEmpty(t, events)
}

func eventlogSince(t *testing.T) ([]string, error) {
	t.Helper()
	rows, err := store.DB.Query(`SELECT kind FROM event_log WHERE kind = 'workers.reemit'`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var kinds []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		kinds = append(kinds, k)
	}
	return kinds, rows.Err()
}
