package eventlog_test

import (
	"database/sql"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/donsqualo/clawdorio/internal/eventlog"
	"github.com/donsqualo/clawdorio/internal/store"
	"github.com/donsqualo/clawdorio/internal/testutil"
)

func TestAppendAndSince(t *testing.T) {
	testutil.NewStore(t)

	var seq int64
	require.NoError(t, store.Tx(func(tx *sql.Tx) error {
		var err error
		seq, err = eventlog.Append(tx, "run.created", "run-1", map[string]any{"foo": "bar"})
		return err
	}))
	require.Equal(t, int64(1), seq)

	maxSeq, err := eventlog.MaxSeq(store.DB)
	require.NoError(t, err)
	require.Equal(t, int64(1), maxSeq)

	events, err := eventlog.Since(store.DB, 0, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "run.created", events[0].Kind)
}

func TestHasIdempotencyKey(t *testing.T) {
	testutil.NewStore(t)

	require.NoError(t, store.Tx(func(tx *sql.Tx) error {
		_, err := eventlog.Append(tx, "pr.comment.reemit", "base-1", map[string]any{"idempotency_key": "k1"})
		return err
	}))

	found, err := eventlog.HasIdempotencyKey(store.DB, "base-1", "k1")
	require.NoError(t, err)
	require.True(t, found)

	missing, err := eventlog.HasIdempotencyKey(store.DB, "base-1", "k2")
	require.NoError(t, err)
	require.False(t, missing)
}

func TestTestRequeueCount(t *testing.T) {
	testutil.NewStore(t)

	n, err := eventlog.TestRequeueCount(store.DB, "run-1")
	require.NoError(t, err)
	require.Equal(t, 0, n)

	require.NoError(t, store.Tx(func(tx *sql.Tx) error {
		_, err := eventlog.Append(tx, "run.requeued.test_failed", "run-1", map[string]any{})
		return err
	}))

	n, err = eventlog.TestRequeueCount(store.DB, "run-1")
	require.NoError(t, err)
	require.Equal(t, 1, n)
}
