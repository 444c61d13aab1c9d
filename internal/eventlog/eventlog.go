// Package eventlog owns the append-only event_log table: the single feed the
// grid UI polls by seq, and the predicate queries the core runs over it
// (idempotency checks, rate limiting, retry counts).
package eventlog

import (
	"database/sql"
	"encoding/json"
	"time"
)

// Event is one row of event_log.
type Event struct {
	Seq         int64          `json:"seq"`
	TsMs        int64          `json:"ts_ms"`
	Kind        string         `json:"kind"`
	EntityID    sql.NullString `json:"entity_id"`
	PayloadJSON string         `json:"payload_json"`
}

// Append inserts an event inside the caller's transaction and returns its
// seq. Every other package that mutates state appends its event in the same
// transaction as the mutation, never after commit.
func Append(tx *sql.Tx, kind string, entityID string, payload any) (int64, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return 0, err
	}
	var entityArg any
	if entityID == "" {
		entityArg = nil
	} else {
		entityArg = entityID
	}
	res, err := tx.Exec(
		`INSERT INTO event_log (ts_ms, kind, entity_id, payload_json) VALUES (?, ?, ?, ?)`,
		time.Now().UnixMilli(), kind, entityArg, string(b),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// MaxSeq returns the current revision of the log (0 if empty).
func MaxSeq(db *sql.DB) (int64, error) {
	var seq sql.NullInt64
	if err := db.QueryRow(`SELECT MAX(seq) FROM event_log`).Scan(&seq); err != nil {
		return 0, err
	}
	return seq.Int64, nil
}

// Since returns events with seq > after, ordered by seq, for UI polling.
func Since(db *sql.DB, after int64, limit int) ([]Event, error) {
	rows, err := db.Query(
		`SELECT seq, ts_ms, kind, entity_id, payload_json FROM event_log WHERE seq > ? ORDER BY seq ASC LIMIT ?`,
		after, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.Seq, &e.TsMs, &e.Kind, &e.EntityID, &e.PayloadJSON); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// HasIdempotencyKey reports whether a pr.comment.reemit event already carries
// the given idempotency_key, scoped to base_id. Used by internal/comments to
// make POST /api/prs/comment safe to retry.
func HasIdempotencyKey(db *sql.DB, baseID, key string) (bool, error) {
	// Append stores an empty entity id as NULL, so match NULL for baseID "".
	var entityArg any
	if baseID != "" {
		entityArg = baseID
	}
	rows, err := db.Query(
		`SELECT payload_json FROM event_log WHERE kind = 'pr.comment.reemit' AND entity_id IS ? ORDER BY seq DESC LIMIT 200`,
		entityArg,
	)
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return false, err
		}
		var p struct {
			IdempotencyKey string `json:"idempotency_key"`
		}
		if err := json.Unmarshal([]byte(payload), &p); err != nil {
			continue
		}
		if p.IdempotencyKey == key {
			return true, nil
		}
	}
	return false, rows.Err()
}

// LastCommentReemitMs returns the ts_ms of the most recent pr.comment.reemit
// event scoped to baseID, or 0 if none. Backs the 15s rate limit.
func LastCommentReemitMs(db *sql.DB, baseID string) (int64, error) {
	var ts sql.NullInt64
	err := db.QueryRow(
		`SELECT ts_ms FROM event_log WHERE kind = 'pr.comment.reemit' AND entity_id = ? ORDER BY seq DESC LIMIT 1`,
		baseID,
	).Scan(&ts)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return ts.Int64, nil
}

// TestRequeueCount returns how many run.requeued.test_failed events have been
// recorded for runID, bounding the `test` step's rollback retries.
func TestRequeueCount(db *sql.DB, runID string) (int, error) {
	var n int
	err := db.QueryRow(
		`SELECT COUNT(*) FROM event_log WHERE kind = 'run.requeued.test_failed' AND entity_id = ?`,
		runID,
	).Scan(&n)
	return n, err
}
