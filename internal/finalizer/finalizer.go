// Package finalizer applies the outcome of a claim.Claimed step's execution:
// the only place the scheduler cycle writes run/step status rows after a
// claim (internal/reemit's recovery sweep also rewrites them), mirroring
// engine.go's updateStepStatus/CompleteWork pairing but split from dispatch
// so Work implementations stay pure.
package finalizer

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/donsqualo/clawdorio/internal/claim"
	"github.com/donsqualo/clawdorio/internal/eventlog"
	"github.com/donsqualo/clawdorio/internal/model"
	"github.com/donsqualo/clawdorio/internal/store"
)

// Finish records a step's outcome. runErr is the error Work.Run returned,
// nil on success.
func Finish(c *claim.Claimed, output string, runErr error) error {
	if runErr == nil {
		return finishSuccess(c, output)
	}
	return finishFailure(c, runErr)
}

func finishSuccess(c *claim.Claimed, output string) error {
	return store.Tx(func(tx *sql.Tx) error {
		now := time.Now().UnixMilli()
		if _, err := tx.Exec(
			`UPDATE steps SET status = 'done', output_text = ?, updated_at_ms = ? WHERE id = ?`,
			output, now, c.Step.ID,
		); err != nil {
			return err
		}
		if _, err := eventlog.Append(tx, "step.done", c.Run.ID, map[string]any{
			"step_id":   c.Step.ID,
			"step_name": c.Step.StepID,
		}); err != nil {
			return err
		}

		switch c.Run.WorkflowID {
		case model.WorkflowAutoRebase:
			return finishAutoRebaseSuccess(tx, c, now)
		default:
			return finishFeatureStepSuccess(tx, c, output, now)
		}
	})
}

func finishFeatureStepSuccess(tx *sql.Tx, c *claim.Claimed, output string, now int64) error {
	if c.Step.StepID == model.StepPR {
		ctx := c.Run.Context
		ctx.PRUrl = output
		if err := saveRunContext(tx, c.Run.ID, ctx, now); err != nil {
			return err
		}
	}

	if model.IsLastStep(c.Step.StepID) {
		if _, err := tx.Exec(`UPDATE runs SET status = 'done', updated_at_ms = ? WHERE id = ?`, now, c.Run.ID); err != nil {
			return err
		}
		_, err := eventlog.Append(tx, "run.done", c.Run.ID, map[string]any{"run_id": c.Run.ID})
		return err
	}

	// The next step's row already exists (created queued at run creation
	// time); nothing to promote here, claim.Next will pick it up once this
	// run has no step left running.
	_, err := tx.Exec(`UPDATE runs SET updated_at_ms = ? WHERE id = ?`, now, c.Run.ID)
	return err
}

func finishAutoRebaseSuccess(tx *sql.Tx, c *claim.Claimed, now int64) error {
	if _, err := tx.Exec(`UPDATE runs SET status = 'done', updated_at_ms = ? WHERE id = ?`, now, c.Run.ID); err != nil {
		return err
	}
	if _, err := eventlog.Append(tx, "run.done", c.Run.ID, map[string]any{"run_id": c.Run.ID}); err != nil {
		return err
	}

	var payloadJSON string
	if err := tx.QueryRow(`SELECT payload_json FROM entities WHERE id = ?`, c.Run.EntityID).Scan(&payloadJSON); err != nil {
		return err
	}
	var p model.BasePayload
	if err := json.Unmarshal([]byte(payloadJSON), &p); err != nil {
		return err
	}
	p.AutoRebaseLastEnqueuedMs = now
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	_, err = tx.Exec(`UPDATE entities SET payload_json = ?, updated_at_ms = ?, revision = revision + 1 WHERE id = ?`,
		string(b), now, c.Run.EntityID)
	return err
}

func finishFailure(c *claim.Claimed, runErr error) error {
	return store.Tx(func(tx *sql.Tx) error {
		now := time.Now().UnixMilli()

		if c.Step.StepID == model.StepTest {
			return handleTestFailure(tx, c, runErr, now)
		}
		if c.Run.WorkflowID == model.WorkflowAutoRebase {
			return handleAutoRebaseFailure(tx, c, runErr, now)
		}
		return failStepAndRun(tx, c, runErr, now)
	})
}

func failStepAndRun(tx *sql.Tx, c *claim.Claimed, runErr error, now int64) error {
	errText := runErr.Error()
	if _, err := tx.Exec(
		`UPDATE steps SET status = 'failed', output_text = ?, updated_at_ms = ? WHERE id = ?`,
		errText, now, c.Step.ID,
	); err != nil {
		return err
	}
	if _, err := tx.Exec(`UPDATE runs SET status = 'failed', updated_at_ms = ? WHERE id = ?`, now, c.Run.ID); err != nil {
		return err
	}
	_, err := eventlog.Append(tx, "step.failed", c.Run.ID, map[string]any{
		"step_id":   c.Step.ID,
		"step_name": c.Step.StepID,
		"error":     errText,
	})
	return err
}

// handleTestFailure rolls the run back to `implement` instead of failing it
// outright, bounded by model.MaxTestRetries requeues per run.
func handleTestFailure(tx *sql.Tx, c *claim.Claimed, runErr error, now int64) error {
	errText := runErr.Error()

	var count int
	if err := tx.QueryRow(
		`SELECT COUNT(*) FROM event_log WHERE kind = 'run.requeued.test_failed' AND entity_id = ?`,
		c.Run.ID,
	).Scan(&count); err != nil {
		return err
	}

	if count >= model.MaxTestRetries {
		return failStepAndRun(tx, c, runErr, now)
	}

	if _, err := tx.Exec(
		`UPDATE steps SET status = 'failed', output_text = ?, updated_at_ms = ? WHERE id = ?`,
		errText, now, c.Step.ID,
	); err != nil {
		return err
	}

	// Roll implement/verify/test back to queued so the chain re-runs from
	// implement with the test failure as new context.
	if _, err := tx.Exec(
		`UPDATE steps SET status = 'queued', output_text = NULL, updated_at_ms = ?
		 WHERE run_id = ? AND step_id IN ('implement', 'verify', 'test')`,
		now, c.Run.ID,
	); err != nil {
		return err
	}
	if _, err := tx.Exec(`UPDATE runs SET status = 'running', updated_at_ms = ? WHERE id = ?`, now, c.Run.ID); err != nil {
		return err
	}

	_, err := eventlog.Append(tx, "run.requeued.test_failed", c.Run.ID, map[string]any{
		"step_id": c.Step.ID,
		"attempt": count + 1,
		"error":   errText,
	})
	return err
}

// handleAutoRebaseFailure retries the sweep step in place up to
// model.MaxAutoRebaseRetries times, recording a linear backoff in the run
// context. The claimer does not read that backoff: the requeued step is
// claimable on the next scheduler tick.
func handleAutoRebaseFailure(tx *sql.Tx, c *claim.Claimed, runErr error, now int64) error {
	errText := runErr.Error()
	attempt := c.Run.Context.AutoRebaseAttempt + 1

	if attempt > model.MaxAutoRebaseRetries {
		return failStepAndRun(tx, c, runErr, now)
	}

	ctx := c.Run.Context
	ctx.AutoRebaseAttempt = attempt
	ctx.AutoRebaseBackoffSec = attempt * 30 // linear backoff
	if err := saveRunContext(tx, c.Run.ID, ctx, now); err != nil {
		return err
	}

	if _, err := tx.Exec(
		`UPDATE steps SET status = 'queued', output_text = ?, updated_at_ms = ? WHERE id = ?`,
		errText, now, c.Step.ID,
	); err != nil {
		return err
	}
	if _, err := tx.Exec(`UPDATE runs SET status = 'running', updated_at_ms = ? WHERE id = ?`, now, c.Run.ID); err != nil {
		return err
	}

	_, err := eventlog.Append(tx, "run.requeued.auto_rebase_failed", c.Run.ID, map[string]any{
		"step_id":    c.Step.ID,
		"attempt":    attempt,
		"backoff_s":  ctx.AutoRebaseBackoffSec,
		"error":      errText,
	})
	return err
}

func saveRunContext(tx *sql.Tx, runID string, ctx model.RunContext, now int64) error {
	b, err := json.Marshal(ctx)
	if err != nil {
		return err
	}
	_, err = tx.Exec(`UPDATE runs SET context_json = ?, updated_at_ms = ? WHERE id = ?`, string(b), now, runID)
	return err
}
