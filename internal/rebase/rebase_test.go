package rebase_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/donsqualo/clawdorio/internal/model"
	"github.com/donsqualo/clawdorio/internal/rebase"
	"github.com/donsqualo/clawdorio/internal/store"
	"github.com/donsqualo/clawdorio/internal/testutil"
)

func insertBase(t *testing.T, id string, p model.BasePayload) {
	t.Helper()
	b, err := json.Marshal(p)
	require.NoError(t, err)
	_, err = store.DB.Exec(
		`INSERT INTO entities (id, kind, payload_json, created_at_ms, updated_at_ms) VALUES (?, 'base', ?, ?, ?)`,
		id, string(b), time.Now().UnixMilli(), time.Now().UnixMilli())
	require.NoError(t, err)
}

func TestQueueSweepCreatesAutoRebaseRun(t *testing.T) {
	testutil.NewStore(t)
	insertBase(t, "base-1", model.BasePayload{RepoPath: "/repo", AutoRebaseEnabled: true, AutoRebaseIntervalSec: 60})

	require.NoError(t, rebase.QueueSweep("base-1", "manual_sync_now"))

	var count int
	require.NoError(t, store.DB.QueryRow(
		`SELECT COUNT(*) FROM runs WHERE entity_id = 'base-1' AND workflow_id = 'auto-rebase'`,
	).Scan(&count))
	require.Equal(t, 1, count)
}

func TestQueueSweepCoalescesWhileOneInFlight(t *testing.T) {
	testutil.NewStore(t)
	insertBase(t, "base-1", model.BasePayload{RepoPath: "/repo", AutoRebaseEnabled: true, AutoRebaseIntervalSec: 60})

	require.NoError(t, rebase.QueueSweep("base-1", "reason-a"))
	require.NoError(t, rebase.QueueSweep("base-1", "reason-b"))

	var count int
	require.NoError(t, store.DB.QueryRow(
		`SELECT COUNT(*) FROM runs WHERE entity_id = 'base-1' AND workflow_id = 'auto-rebase'`,
	).Scan(&count))
	require.Equal(t, 1, count)
}

func TestQueueSweepDebounceUsesHalfInterval(t *testing.T) {
	testutil.NewStore(t)
	now := time.Now().UnixMilli()
	insertBase(t, "base-1", model.BasePayload{
		RepoPath:                 "/repo",
		AutoRebaseEnabled:        true,
		AutoRebaseIntervalSec:    60,
		AutoRebaseLastEnqueuedMs: now - 35*1000, // > interval/2 (30s) ago, < interval (60s) ago
	})

	require.NoError(t, rebase.QueueSweep("base-1", "reason"))

	var count int
	require.NoError(t, store.DB.QueryRow(
		`SELECT COUNT(*) FROM runs WHERE entity_id = 'base-1' AND workflow_id = 'auto-rebase'`,
	).Scan(&count))
	require.Equal(t, 1, count, "debounce window is interval/2, so a trigger 35s after a 60s-interval base should enqueue")
}

func TestQueueSweepSkipsWhenRepoPathAbsent(t *testing.T) {
	testutil.NewStore(t)
	insertBase(t, "base-1", model.BasePayload{AutoRebaseEnabled: true, AutoRebaseIntervalSec: 60})

	require.NoError(t, rebase.QueueSweep("base-1", "reason"))

	var count int
	require.NoError(t, store.DB.QueryRow(`SELECT COUNT(*) FROM runs`).Scan(&count))
	require.Equal(t, 0, count)
}

func TestQueueSweepSkipsWhenDisabled(t *testing.T) {
	testutil.NewStore(t)
	insertBase(t, "base-1", model.BasePayload{RepoPath: "/repo", AutoRebaseEnabled: false})

	require.NoError(t, rebase.QueueSweep("base-1", "reason"))

	var count int
	require.NoError(t, store.DB.QueryRow(`SELECT COUNT(*) FROM runs`).Scan(&count))
	require.Equal(t, 0, count)
}
