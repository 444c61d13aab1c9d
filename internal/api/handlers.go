package api

import (
	"crypto/rand"
	"database/sql"
	"encoding/json"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/donsqualo/clawdorio/internal/apperr"
	"github.com/donsqualo/clawdorio/internal/comments"
	"github.com/donsqualo/clawdorio/internal/eventlog"
	"github.com/donsqualo/clawdorio/internal/gitutil"
	"github.com/donsqualo/clawdorio/internal/model"
	"github.com/donsqualo/clawdorio/internal/rebase"
	"github.com/donsqualo/clawdorio/internal/reemit"
	"github.com/donsqualo/clawdorio/internal/store"
)

// newRunID mints a time-ordered run id so runs sort chronologically by id
// alone, per the data model's ordering requirement.
func newRunID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
}

type stateEntity struct {
	ID     string `json:"id"`
	Kind   string `json:"kind"`
	X      int    `json:"x"`
	Y      int    `json:"y"`
	W      int    `json:"w"`
	H      int    `json:"h"`
	Payload json.RawMessage `json:"payload"`
}

func getState(w http.ResponseWriter, r *http.Request) {
	rows, err := store.DB.Query(`SELECT id, kind, x, y, w, h, payload_json FROM entities ORDER BY id`)
	if err != nil {
		writeError(w, apperr.Internally("state_query_failed", err))
		return
	}
	defer rows.Close()

	var entities []stateEntity
	for rows.Next() {
		var e stateEntity
		var payload string
		if err := rows.Scan(&e.ID, &e.Kind, &e.X, &e.Y, &e.W, &e.H, &payload); err != nil {
			writeError(w, apperr.Internally("state_scan_failed", err))
			return
		}
		e.Payload = json.RawMessage(payload)
		entities = append(entities, e)
	}
	if err := rows.Err(); err != nil {
		writeError(w, apperr.Internally("state_rows_failed", err))
		return
	}

	seq, err := eventlog.MaxSeq(store.DB)
	if err != nil {
		writeError(w, apperr.Internally("state_seq_failed", err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"entities": entities,
		"seq":      seq,
	})
}

type featureBuildRequest struct {
	EntityID string `json:"entity_id"`
	Task     string `json:"task"`
}

func getEvents(w http.ResponseWriter, r *http.Request) {
	since := int64(0)
	if s := r.URL.Query().Get("since"); s != "" {
		if v, err := strconv.ParseInt(s, 10, 64); err == nil {
			since = v
		}
	}
	events, err := eventlog.Since(store.DB, since, 500)
	if err != nil {
		writeError(w, apperr.Internally("events_query_failed", err))
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func postFeatureBuild(w http.ResponseWriter, r *http.Request) {
	var req featureBuildRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.Invalid("bad_request_body", err))
		return
	}
	if req.EntityID == "" || req.Task == "" {
		writeError(w, apperr.Invalid("entity_id_and_task_required", nil))
		return
	}

	runID := newRunID()
	now := time.Now().UnixMilli()

	err := store.Tx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(
			`INSERT INTO runs (id, workflow_id, task, status, entity_id, context_json, created_at_ms, updated_at_ms)
			 VALUES (?, 'feature-dev', ?, 'queued', ?, '{}', ?, ?)`,
			runID, req.Task, req.EntityID, now, now,
		); err != nil {
			return err
		}

		for i, step := range model.FeatureDevChain {
			status := string(model.StepQueued)
			if _, err := tx.Exec(
				`INSERT INTO steps (id, run_id, step_id, agent_id, step_index, status, input_json, created_at_ms, updated_at_ms)
				 VALUES (?, ?, ?, ?, ?, ?, '{}', ?, ?)`,
				uuid.NewString(), runID, string(step.StepID), step.AgentID, i, status, now, now,
			); err != nil {
				return err
			}
		}

		_, err := eventlog.Append(tx, "run.created", runID, map[string]any{
			"run_id":      runID,
			"workflow_id": "feature-dev",
			"entity_id":   req.EntityID,
		})
		return err
	})
	if err != nil {
		writeError(w, apperr.Internally("create_run_failed", err))
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{"run_id": runID})
}

func listRuns(w http.ResponseWriter, r *http.Request) {
	entityID := r.URL.Query().Get("entity_id")

	query := `SELECT id, workflow_id, task, status, entity_id, context_json, created_at_ms, updated_at_ms FROM runs`
	var args []any
	if entityID != "" {
		query += ` WHERE entity_id = ?`
		args = append(args, entityID)
	}
	query += ` ORDER BY created_at_ms DESC LIMIT 200`

	rows, err := store.DB.Query(query, args...)
	if err != nil {
		writeError(w, apperr.Internally("list_runs_failed", err))
		return
	}
	defer rows.Close()

	runs, err := scanRuns(rows)
	if err != nil {
		writeError(w, apperr.Internally("list_runs_scan_failed", err))
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func scanRuns(rows *sql.Rows) ([]model.Run, error) {
	var out []model.Run
	for rows.Next() {
		var run model.Run
		var contextJSON string
		if err := rows.Scan(&run.ID, &run.WorkflowID, &run.Task, &run.Status, &run.EntityID,
			&contextJSON, &run.CreatedAtMs, &run.UpdatedAtMs); err != nil {
			return nil, err
		}
		if contextJSON != "" {
			_ = json.Unmarshal([]byte(contextJSON), &run.Context)
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

func listRunSteps(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	rows, err := store.DB.Query(
		`SELECT id, run_id, step_id, agent_id, step_index, status, input_json, output_text, created_at_ms, updated_at_ms
		 FROM steps WHERE run_id = ? ORDER BY step_index ASC`, runID,
	)
	if err != nil {
		writeError(w, apperr.Internally("list_steps_failed", err))
		return
	}
	defer rows.Close()

	var steps []model.Step
	for rows.Next() {
		var s model.Step
		var outputText sql.NullString
		if err := rows.Scan(&s.ID, &s.RunID, &s.StepID, &s.AgentID, &s.StepIndex, &s.Status,
			&s.InputJSON, &outputText, &s.CreatedAtMs, &s.UpdatedAtMs); err != nil {
			writeError(w, apperr.Internally("list_steps_scan_failed", err))
			return
		}
		if outputText.Valid {
			s.OutputText = &outputText.String
		}
		steps = append(steps, s)
	}
	if err := rows.Err(); err != nil {
		writeError(w, apperr.Internally("list_steps_rows_failed", err))
		return
	}
	writeJSON(w, http.StatusOK, steps)
}

func getPRFeed(w http.ResponseWriter, r *http.Request) {
	rows, err := store.DB.Query(`
		SELECT id, workflow_id, task, status, entity_id, context_json, created_at_ms, updated_at_ms
		FROM runs
		WHERE workflow_id = 'feature-dev' AND json_extract(context_json, '$.pr_url') IS NOT NULL
		ORDER BY created_at_ms DESC LIMIT 200
	`)
	if err != nil {
		writeError(w, apperr.Internally("pr_feed_failed", err))
		return
	}
	defer rows.Close()

	runs, err := scanRuns(rows)
	if err != nil {
		writeError(w, apperr.Internally("pr_feed_scan_failed", err))
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func getPRFeedFiles(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	files, err := gitutil.DiffNameOnly(worktreeDirFor(runID), "HEAD@{upstream}")
	if err != nil {
		writeError(w, apperr.External("diff_failed", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"files": files})
}

func worktreeDirFor(runID string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return model.WorktreePath(home, runID)
}

func postPRComment(w http.ResponseWriter, r *http.Request) {
	var req comments.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.Invalid("bad_request_body", err))
		return
	}
	res, err := comments.Reemit(req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func postWorkersReemit(w http.ResponseWriter, r *http.Request) {
	res, err := reemit.Sweep("")
	if err != nil {
		writeError(w, apperr.Internally("reemit_failed", err))
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func postBaseWorkersReemit(w http.ResponseWriter, r *http.Request) {
	baseID := chi.URLParam(r, "baseID")
	res, err := reemit.Sweep(baseID)
	if err != nil {
		writeError(w, apperr.Internally("reemit_failed", err))
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func postBaseSyncNow(w http.ResponseWriter, r *http.Request) {
	baseID := chi.URLParam(r, "baseID")
	if err := rebase.QueueSweep(baseID, "manual_sync_now"); err != nil {
		writeError(w, apperr.Internally("sync_now_failed", err))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"base_id": baseID})
}

func getBaseAutoRebase(w http.ResponseWriter, r *http.Request) {
	baseID := chi.URLParam(r, "baseID")
	payload, err := loadBasePayloadAPI(baseID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

type autoRebasePatch struct {
	Enabled     *bool `json:"enabled"`
	IntervalSec *int  `json:"interval_sec"`
}

func patchBaseAutoRebase(w http.ResponseWriter, r *http.Request) {
	baseID := chi.URLParam(r, "baseID")
	var patch autoRebasePatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, apperr.Invalid("bad_request_body", err))
		return
	}

	err := store.Tx(func(tx *sql.Tx) error {
		var payloadJSON string
		if err := tx.QueryRow(`SELECT payload_json FROM entities WHERE id = ? AND kind = 'base'`, baseID).
			Scan(&payloadJSON); err != nil {
			if err == sql.ErrNoRows {
				return apperr.NotFoundErr("base_not_found", err)
			}
			return err
		}
		var p model.BasePayload
		if err := json.Unmarshal([]byte(payloadJSON), &p); err != nil {
			return err
		}
		if patch.Enabled != nil {
			p.AutoRebaseEnabled = *patch.Enabled
		}
		if patch.IntervalSec != nil {
			p.AutoRebaseIntervalSec = *patch.IntervalSec
		}
		b, err := json.Marshal(p)
		if err != nil {
			return err
		}
		now := time.Now().UnixMilli()
		_, err = tx.Exec(`UPDATE entities SET payload_json = ?, updated_at_ms = ?, revision = revision + 1 WHERE id = ?`,
			string(b), now, baseID)
		return err
	})
	if err != nil {
		writeError(w, err)
		return
	}

	payload, err := loadBasePayloadAPI(baseID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func loadBasePayloadAPI(baseID string) (*model.BasePayload, error) {
	var payloadJSON string
	err := store.DB.QueryRow(`SELECT payload_json FROM entities WHERE id = ? AND kind = 'base'`, baseID).Scan(&payloadJSON)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFoundErr("base_not_found", err)
	}
	if err != nil {
		return nil, apperr.Internally("load_base_failed", err)
	}
	var p model.BasePayload
	if err := json.Unmarshal([]byte(payloadJSON), &p); err != nil {
		return nil, apperr.Internally("base_payload_decode_failed", err)
	}
	return &p, nil
}

type githubWebhookBody struct {
	Action     string `json:"action"`
	Ref        string `json:"ref"`
	Repository struct {
		HTMLURL  string `json:"html_url"`
		CloneURL string `json:"clone_url"`
	} `json:"repository"`
}

func postGitHubWebhook(w http.ResponseWriter, r *http.Request) {
	kind := r.Header.Get("X-GitHub-Event")
	var body githubWebhookBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, apperr.Invalid("bad_webhook_body", err))
		return
	}

	repoURL := body.Repository.HTMLURL
	if repoURL == "" {
		repoURL = body.Repository.CloneURL
	}

	ev := rebase.WebhookEvent{
		Kind:    kind,
		RepoURL: repoURL,
		Ref:     body.Ref,
		Action:  body.Action,
	}
	if err := rebase.HandleWebhook(store.DB, ev); err != nil {
		writeError(w, apperr.Internally("webhook_handling_failed", err))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}
