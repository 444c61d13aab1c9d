// Package claim implements the single claiming rule the scheduler loop
// drives: at most one step per run in flight at a time, steps within a run
// claimed strictly in step_index order.
package claim

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/donsqualo/clawdorio/internal/eventlog"
	"github.com/donsqualo/clawdorio/internal/model"
	"github.com/donsqualo/clawdorio/internal/store"
)

// Claimed is a step just promoted to running, with its parent run.
type Claimed struct {
	Step model.Step
	Run  model.Run
}

// Next claims the oldest runnable step across all runs and returns it, or
// nil if nothing is claimable right now. A step is runnable when its run's
// status is `queued` or `running`, no other step in that run is currently
// `running` or `waiting`, and no earlier step in the run has a status
// outside {done, skipped} — a `failed` earlier step blocks its run exactly
// like an incomplete one, since a failed run only resumes through Re-emit.
//
// Selection and promotion happen in a single transaction against SQLite's
// single writer connection, which is what gives the claim its exactly-once
// property in place of a row-level `FOR UPDATE SKIP LOCKED` lock.
func Next(db *sql.DB) (*Claimed, error) {
	var out *Claimed

	err := store.Tx(func(tx *sql.Tx) error {
		var s model.Step
		var outputText sql.NullString
		err := tx.QueryRow(`
			SELECT s.id, s.run_id, s.step_id, s.agent_id, s.step_index, s.status,
			       s.input_json, s.output_text, s.created_at_ms, s.updated_at_ms
			FROM steps s
			JOIN runs r ON r.id = s.run_id
			WHERE s.status IN ('queued', 'pending')
			  AND r.status IN ('queued', 'running')
			  AND NOT EXISTS (
			      SELECT 1 FROM steps s2
			      WHERE s2.run_id = s.run_id AND s2.status IN ('running', 'waiting')
			  )
			  AND s.step_index = (
			      SELECT MIN(s3.step_index) FROM steps s3
			      WHERE s3.run_id = s.run_id
			        AND s3.status NOT IN ('done', 'skipped')
			  )
			ORDER BY s.created_at_ms ASC
			LIMIT 1
		`).Scan(&s.ID, &s.RunID, &s.StepID, &s.AgentID, &s.StepIndex, &s.Status,
			&s.InputJSON, &outputText, &s.CreatedAtMs, &s.UpdatedAtMs)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return err
		}
		if outputText.Valid {
			s.OutputText = &outputText.String
		}

		now := time.Now().UnixMilli()
		res, err := tx.Exec(
			`UPDATE steps SET status = 'running', updated_at_ms = ? WHERE id = ? AND status IN ('queued', 'pending')`,
			now, s.ID,
		)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			// Lost the race within this same single-writer transaction model
			// shouldn't happen, but treat as "nothing claimed" rather than error.
			return nil
		}
		s.Status = model.StepRunning
		s.UpdatedAtMs = now

		var r model.Run
		var contextJSON string
		err = tx.QueryRow(`
			SELECT id, workflow_id, task, status, entity_id, context_json, created_at_ms, updated_at_ms
			FROM runs WHERE id = ?`, s.RunID,
		).Scan(&r.ID, &r.WorkflowID, &r.Task, &r.Status, &r.EntityID, &contextJSON, &r.CreatedAtMs, &r.UpdatedAtMs)
		if err != nil {
			return err
		}
		if err := unmarshalContext(contextJSON, &r.Context); err != nil {
			return err
		}

		if r.Status != model.RunRunning {
			if _, err := tx.Exec(`UPDATE runs SET status = 'running', updated_at_ms = ? WHERE id = ?`, now, r.ID); err != nil {
				return err
			}
			r.Status = model.RunRunning
			r.UpdatedAtMs = now
		}

		if _, err := eventlog.Append(tx, "step.running", s.RunID, map[string]any{
			"step_id":    s.ID,
			"step_name":  s.StepID,
			"agent_id":   s.AgentID,
			"step_index": s.StepIndex,
		}); err != nil {
			return err
		}

		out = &Claimed{Step: s, Run: r}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func unmarshalContext(raw string, into *model.RunContext) error {
	if raw == "" {
		return nil
	}
	return json.Unmarshal([]byte(raw), into)
}
