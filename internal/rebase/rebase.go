// Package rebase implements the auto-rebase controller: debounced/coalesced
// enqueue of an auto-rebase run per base, driven by webhook events and a
// periodic reconciler tick.
package rebase

import (
	"crypto/rand"
	"database/sql"
	"encoding/json"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/donsqualo/clawdorio/internal/eventlog"
	"github.com/donsqualo/clawdorio/internal/gitutil"
	"github.com/donsqualo/clawdorio/internal/logging"
	"github.com/donsqualo/clawdorio/internal/model"
	"github.com/donsqualo/clawdorio/internal/store"
)

// QueueSweep enqueues an auto-rebase run for baseID unless one is already
// queued or running (coalescing) or the base's debounce window hasn't
// elapsed since the last enqueue.
func QueueSweep(baseID, reason string) error {
	return store.Tx(func(tx *sql.Tx) error {
		var payloadJSON string
		if err := tx.QueryRow(`SELECT payload_json FROM entities WHERE id = ? AND kind = 'base'`, baseID).
			Scan(&payloadJSON); err != nil {
			return err
		}
		var payload model.BasePayload
		if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
			return err
		}
		if !payload.AutoRebaseEnabled || payload.RepoPath == "" {
			return nil
		}

		var inFlight int
		if err := tx.QueryRow(
			`SELECT COUNT(*) FROM runs WHERE entity_id = ? AND workflow_id = 'auto-rebase' AND status IN ('queued', 'running')`,
			baseID,
		).Scan(&inFlight); err != nil {
			return err
		}
		if inFlight > 0 {
			// Coalesce: a sweep is already pending or in progress, the new
			// trigger will be satisfied by it.
			return nil
		}

		interval := payload.AutoRebaseIntervalSec
		if interval < model.MinAutoRebaseIntervalSec {
			interval = model.MinAutoRebaseIntervalSec
		}
		now := time.Now().UnixMilli()
		if payload.AutoRebaseLastEnqueuedMs > 0 && now-payload.AutoRebaseLastEnqueuedMs < int64(interval)*1000/2 {
			// Debounce: too soon since the last sweep was enqueued. The
			// window is half the configured interval, not the full interval.
			return nil
		}

		runID := ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
		stepID := uuid.NewString()
		ctxJSON, err := json.Marshal(model.RunContext{
			Action:        model.ActionAutoRebaseSweep,
			TriggerReason: reason,
		})
		if err != nil {
			return err
		}

		if _, err := tx.Exec(
			`INSERT INTO runs (id, workflow_id, task, status, entity_id, context_json, created_at_ms, updated_at_ms)
			 VALUES (?, 'auto-rebase', ?, 'queued', ?, ?, ?, ?)`,
			runID, "auto-rebase sweep: "+reason, baseID, string(ctxJSON), now, now,
		); err != nil {
			return err
		}
		if _, err := tx.Exec(
			`INSERT INTO steps (id, run_id, step_id, agent_id, step_index, status, input_json, created_at_ms, updated_at_ms)
			 VALUES (?, ?, 'auto-rebase', 'internal/rebase', 0, 'queued', '{}', ?, ?)`,
			stepID, runID, now, now,
		); err != nil {
			return err
		}

		payload.AutoRebaseLastEnqueuedMs = now
		b, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(
			`UPDATE entities SET payload_json = ?, updated_at_ms = ?, revision = revision + 1 WHERE id = ?`,
			string(b), now, baseID,
		); err != nil {
			return err
		}

		_, err = eventlog.Append(tx, "run.created", runID, map[string]any{
			"run_id":      runID,
			"workflow_id": "auto-rebase",
			"entity_id":   baseID,
			"reason":      reason,
		})
		return err
	})
}

// Reconcile runs the periodic tick. For every auto-rebase-enabled base it
// resolves the remote default branch's current head with a bare `ls-remote`
// (no fetch, no local ref touched) and compares it against the head recorded
// on the last reconcile. A sweep is only queued when the head moved AND the
// base's interval has elapsed since the last reconcile; either way, the
// bookkeeping fields are updated so the next tick compares against this run.
func Reconcile(db *sql.DB) error {
	rows, err := db.Query(`SELECT id, payload_json FROM entities WHERE kind = 'base'`)
	if err != nil {
		return err
	}
	type base struct{ id, payloadJSON string }
	var bases []base
	for rows.Next() {
		var b base
		if err := rows.Scan(&b.id, &b.payloadJSON); err != nil {
			rows.Close()
			return err
		}
		bases = append(bases, b)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, b := range bases {
		if err := reconcileBase(b.id, b.payloadJSON); err != nil {
			logging.Warnf("rebase: reconcile base %s: %v", b.id, err)
		}
	}
	return nil
}

func reconcileBase(baseID, payloadJSON string) error {
	var payload model.BasePayload
	if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
		return err
	}
	if !payload.AutoRebaseEnabled || payload.RepoPath == "" {
		return nil
	}

	branch, err := gitutil.DefaultBranch(payload.RepoPath)
	if err != nil {
		return err
	}
	head, err := gitutil.LsRemoteHead(payload.RepoPath, "origin", branch)
	if err != nil {
		return err
	}

	interval := payload.AutoRebaseIntervalSec
	if interval < model.MinAutoRebaseIntervalSec {
		interval = model.MinAutoRebaseIntervalSec
	}
	intervalMs := int64(interval) * 1000
	now := time.Now().UnixMilli()

	headChanged := head != payload.AutoRebaseLastDefaultHead
	intervalElapsed := now-payload.AutoRebaseLastReconcileMs >= intervalMs

	if headChanged && intervalElapsed {
		if err := QueueSweep(baseID, "periodic.reconciler"); err != nil {
			return err
		}
	}

	return store.Tx(func(tx *sql.Tx) error {
		var fresh string
		if err := tx.QueryRow(`SELECT payload_json FROM entities WHERE id = ?`, baseID).Scan(&fresh); err != nil {
			return err
		}
		var p model.BasePayload
		if err := json.Unmarshal([]byte(fresh), &p); err != nil {
			return err
		}
		p.AutoRebaseLastDefaultHead = head
		p.AutoRebaseLastReconcileMs = now
		b, err := json.Marshal(p)
		if err != nil {
			return err
		}
		_, err = tx.Exec(`UPDATE entities SET payload_json = ?, updated_at_ms = ? WHERE id = ?`, string(b), now, baseID)
		return err
	})
}

// WebhookEvent is the subset of a GitHub push/pull_request payload the
// controller cares about.
type WebhookEvent struct {
	Kind    string // "push" | "pull_request"
	RepoURL string // html_url / clone_url of the repository
	Ref     string // push: refs/heads/<branch>
	Action  string // pull_request: "opened", "synchronize", ...
}

// HandleWebhook matches the event's repository to a base entity by origin
// URL and queues a sweep for it. Every push and pull_request event for a
// matched base is queued, subject to QueueSweep's coalescing and debounce;
// the pushed ref and the pull request action are not inspected.
func HandleWebhook(db *sql.DB, ev WebhookEvent) error {
	if ev.Kind != "push" && ev.Kind != "pull_request" {
		return nil
	}

	baseID, err := matchBase(db, ev.RepoURL)
	if err != nil {
		return err
	}
	if baseID == "" {
		return nil
	}

	reason := "webhook_" + ev.Kind
	if ev.Kind == "pull_request" && ev.Action != "" {
		reason = "webhook_pull_request_" + ev.Action
	}
	return QueueSweep(baseID, reason)
}

func matchBase(db *sql.DB, repoURL string) (string, error) {
	owner, repo := parseOwnerRepo(repoURL)
	if owner == "" || repo == "" {
		return "", nil
	}

	rows, err := db.Query(`SELECT id, payload_json FROM entities WHERE kind = 'base'`)
	if err != nil {
		return "", err
	}
	defer rows.Close()

	for rows.Next() {
		var id, payloadJSON string
		if err := rows.Scan(&id, &payloadJSON); err != nil {
			return "", err
		}
		var p model.BasePayload
		if err := json.Unmarshal([]byte(payloadJSON), &p); err != nil {
			continue
		}
		o, r := parseOwnerRepo(p.RepoPath)
		if strings.EqualFold(o, owner) && strings.EqualFold(r, repo) {
			return id, nil
		}
	}
	return "", rows.Err()
}

// parseOwnerRepo extracts owner/repo from an https or ssh git remote URL.
func parseOwnerRepo(raw string) (string, string) {
	raw = strings.TrimSuffix(strings.TrimSpace(raw), ".git")
	if raw == "" {
		return "", ""
	}

	if strings.HasPrefix(raw, "git@") {
		// git@github.com:owner/repo
		parts := strings.SplitN(raw, ":", 2)
		if len(parts) != 2 {
			return "", ""
		}
		return splitLast2(parts[1])
	}

	u, err := url.Parse(raw)
	if err != nil || u.Path == "" {
		return "", ""
	}
	return splitLast2(strings.TrimPrefix(u.Path, "/"))
}

func splitLast2(path string) (string, string) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) < 2 {
		return "", ""
	}
	return parts[len(parts)-2], parts[len(parts)-1]
}
