// Package reemit implements the recovery sweep: an operator-triggered pass,
// globally or scoped to a base, that promotes stalled steps back to queued,
// resets stale-running steps, and reopens the tail of a failed run so the
// scheduler can pick the work back up.
package reemit

import (
	"database/sql"
	"time"

	"github.com/donsqualo/clawdorio/internal/eventlog"
	"github.com/donsqualo/clawdorio/internal/model"
	"github.com/donsqualo/clawdorio/internal/store"
)

// Result summarizes one sweep invocation, matching the shape recorded on the
// `workers.reemit` event.
type Result struct {
	Scope             string `json:"scope"`
	BaseID            string `json:"base_id,omitempty"`
	ScannedRuns       int    `json:"scanned_runs"`
	QueuedSteps       int    `json:"queued_steps"`
	ResetRunningSteps int    `json:"reset_running_steps"`
	TouchedRuns       int    `json:"touched_runs"`
}

// Sweep scans every run with status in {queued, running, failed}, optionally
// scoped to runs whose entity_id (directly, or via a feature entity's
// base_id) matches baseID, and applies the recovery rules to each. Pass ""
// for a global sweep.
func Sweep(baseID string) (Result, error) {
	res := Result{Scope: "global", BaseID: baseID}
	if baseID != "" {
		res.Scope = "base"
	}

	err := store.Tx(func(tx *sql.Tx) error {
		query := `
			SELECT r.id FROM runs r
			WHERE r.status IN ('queued', 'running', 'failed')
		`
		args := []any{}
		if baseID != "" {
			query += `
			  AND r.entity_id IN (
			      SELECT id FROM entities WHERE id = ?
			      UNION
			      SELECT id FROM entities WHERE json_extract(payload_json, '$.base_id') = ?
			  )`
			args = append(args, baseID, baseID)
		}

		rows, err := tx.Query(query, args...)
		if err != nil {
			return err
		}
		var runIDs []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			runIDs = append(runIDs, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		res.ScannedRuns = len(runIDs)

		now := time.Now().UnixMilli()
		for _, runID := range runIDs {
			touched, err := sweepRun(tx, runID, now, &res)
			if err != nil {
				return err
			}
			if touched {
				res.TouchedRuns++
			}
		}

		_, err = eventlog.Append(tx, "workers.reemit", baseID, res)
		return err
	})
	if err != nil {
		return Result{}, err
	}
	return res, nil
}

type stepRow struct {
	id, status string
	index      int
}

// sweepRun applies the four recovery rules to a single run and reports
// whether anything about it changed.
func sweepRun(tx *sql.Tx, runID string, now int64, res *Result) (bool, error) {
	rows, err := tx.Query(
		`SELECT id, status, step_index FROM steps WHERE run_id = ? ORDER BY step_index ASC`, runID)
	if err != nil {
		return false, err
	}
	var steps []stepRow
	for rows.Next() {
		var s stepRow
		if err := rows.Scan(&s.id, &s.status, &s.index); err != nil {
			rows.Close()
			return false, err
		}
		steps = append(steps, s)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return false, err
	}

	touched := false
	hasRunning := false
	for _, s := range steps {
		if s.status == string(model.StepRunning) {
			hasRunning = true
			break
		}
	}

	if !hasRunning {
		// 1. No step running: promote every pending/waiting step to queued.
		for _, s := range steps {
			if s.status != string(model.StepPending) && s.status != string(model.StepWaiting) {
				continue
			}
			if err := requeueStep(tx, s.id, false); err != nil {
				return false, err
			}
			res.QueuedSteps++
			touched = true
		}
	} else {
		// 2. Stale-running fallback: reset running steps to queued and log
		// them as recovered.
		for _, s := range steps {
			if s.status != string(model.StepRunning) {
				continue
			}
			if err := requeueStep(tx, s.id, false); err != nil {
				return false, err
			}
			if _, err := eventlog.Append(tx, "step.recovered", runID, map[string]any{"step_id": s.id}); err != nil {
				return false, err
			}
			res.ResetRunningSteps++
			touched = true
		}
	}

	// 3. If any step is failed, requeue every step from the earliest failed
	// index onward, clearing output_text.
	minFailedIndex := -1
	for _, s := range steps {
		if s.status == string(model.StepFailed) && (minFailedIndex == -1 || s.index < minFailedIndex) {
			minFailedIndex = s.index
		}
	}
	if minFailedIndex != -1 {
		for _, s := range steps {
			if s.index < minFailedIndex {
				continue
			}
			if err := requeueStep(tx, s.id, true); err != nil {
				return false, err
			}
			res.QueuedSteps++
			touched = true
		}
	}

	// 4. If the run is not done, set it to queued (no-op if already queued).
	var runStatus string
	if err := tx.QueryRow(`SELECT status FROM runs WHERE id = ?`, runID).Scan(&runStatus); err != nil {
		return false, err
	}
	if runStatus != string(model.RunDone) && runStatus != string(model.RunQueued) {
		if _, err := tx.Exec(`UPDATE runs SET status = 'queued', updated_at_ms = ? WHERE id = ?`, now, runID); err != nil {
			return false, err
		}
		touched = true
	}

	return touched, nil
}

func requeueStep(tx *sql.Tx, stepID string, clearOutput bool) error {
	if clearOutput {
		_, err := tx.Exec(`UPDATE steps SET status = 'queued', output_text = NULL, updated_at_ms = ? WHERE id = ?`,
			time.Now().UnixMilli(), stepID)
		return err
	}
	_, err := tx.Exec(`UPDATE steps SET status = 'queued', updated_at_ms = ? WHERE id = ?`,
		time.Now().UnixMilli(), stepID)
	return err
}
