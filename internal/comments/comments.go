// Package comments implements pr.comment.reemit: an external PR comment
// (typically "@clawdorio retry" from a reviewer) nudges the core to re-claim
// stuck steps for the PR's base, guarded by an idempotency key and a
// per-base rate limit so a comment-webhook retry storm can't flood the
// scheduler with sweeps.
package comments

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/donsqualo/clawdorio/internal/apperr"
	"github.com/donsqualo/clawdorio/internal/eventlog"
	"github.com/donsqualo/clawdorio/internal/model"
	"github.com/donsqualo/clawdorio/internal/reemit"
	"github.com/donsqualo/clawdorio/internal/store"
)

func jsonUnmarshalLoose(raw string, into any) error {
	if raw == "" {
		return nil
	}
	return json.Unmarshal([]byte(raw), into)
}

// RateLimitWindow bounds how often one base can trigger a re-emit via
// comment.
const RateLimitWindow = 15 * time.Second

// Request is the body of POST /api/prs/comment.
type Request struct {
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	RunID          string `json:"run_id,omitempty"`
	PRURL          string `json:"pr_url,omitempty"`
	PRNumber       int    `json:"pr_number,omitempty"`
	Comment        string `json:"comment"`
}

// Outcome describes what Reemit did with a request.
type Outcome string

const (
	Applied   Outcome = "applied"
	Duplicate Outcome = "duplicate"
)

// Result is the body of a successful POST /api/prs/comment response.
type Result struct {
	OK               bool          `json:"ok"`
	RunID            string        `json:"run_id,omitempty"`
	BaseID           string        `json:"base_id"`
	Scope            string        `json:"scope"`
	Report           reemit.Result `json:"report"`
	IdempotentReplay bool          `json:"idempotent_replay"`
	Outcome          Outcome       `json:"-"`
}

// Reemit resolves req to a base, then re-emits that base's stuck steps
// unless the idempotency key was already seen or the base is within its
// rate-limit window.
func Reemit(req Request) (Result, error) {
	if req.Comment == "" {
		return Result{}, apperr.Invalid("comment_required", nil)
	}

	runID, baseID, err := resolveRun(req)
	if err != nil {
		return Result{}, err
	}

	if req.IdempotencyKey != "" {
		dup, err := eventlog.HasIdempotencyKey(store.DB, baseID, req.IdempotencyKey)
		if err != nil {
			return Result{}, apperr.Internally("idempotency_check_failed", err)
		}
		if dup {
			return Result{OK: true, RunID: runID, BaseID: baseID, Outcome: Duplicate, IdempotentReplay: true}, nil
		}
	}

	if baseID != "" {
		lastMs, err := eventlog.LastCommentReemitMs(store.DB, baseID)
		if err != nil {
			return Result{}, apperr.Internally("rate_limit_check_failed", err)
		}
		if lastMs > 0 {
			elapsed := time.Since(time.UnixMilli(lastMs))
			if elapsed < RateLimitWindow {
				retryAfterMs := (RateLimitWindow - elapsed).Milliseconds()
				return Result{}, apperr.RateLimitedErr(fmt.Sprintf("rate_limited: retry_after_ms=%d", retryAfterMs), nil)
			}
		}
	}

	if err := store.Tx(func(tx *sql.Tx) error {
		_, err := eventlog.Append(tx, "pr.comment.reemit", baseID, map[string]any{
			"run_id":          runID,
			"factory_id":      runID,
			"base_id":         baseID,
			"comment":         req.Comment,
			"idempotency_key": req.IdempotencyKey,
		})
		return err
	}); err != nil {
		return Result{}, apperr.Internally("append_reemit_event_failed", err)
	}

	scope := "global"
	if baseID != "" {
		scope = "base"
	}
	sweepRes, err := reemit.Sweep(baseID)
	if err != nil {
		return Result{}, apperr.Internally("reemit_sweep_failed", err)
	}

	return Result{OK: true, RunID: runID, BaseID: baseID, Scope: scope, Report: sweepRes, Outcome: Applied}, nil
}

// resolveRun finds the run a request's run_id/pr_url/pr_number identifies,
// scanning the 200 most recently created runs, and the base_id it belongs to
// (directly, for a base-entity run, or via the owning feature's base_id).
func resolveRun(req Request) (runID, baseID string, err error) {
	if req.RunID == "" && req.PRURL == "" && req.PRNumber == 0 {
		return "", "", apperr.Invalid("no_linked_factory_or_run", fmt.Errorf("no run_id, pr_url, or pr_number given"))
	}

	rows, err := store.DB.Query(`
		SELECT r.id, r.entity_id, r.context_json, e.kind, e.payload_json
		FROM runs r
		JOIN entities e ON e.id = r.entity_id
		ORDER BY r.created_at_ms DESC
		LIMIT 200
	`)
	if err != nil {
		return "", "", apperr.Internally("resolve_base_query_failed", err)
	}
	defer rows.Close()

	for rows.Next() {
		var rID, entityID, contextJSON, kind, payloadJSON string
		if err := rows.Scan(&rID, &entityID, &contextJSON, &kind, &payloadJSON); err != nil {
			return "", "", apperr.Internally("resolve_base_scan_failed", err)
		}

		var rc model.RunContext
		_ = jsonUnmarshalLoose(contextJSON, &rc)

		switch {
		case req.RunID != "":
			if rID != req.RunID {
				continue
			}
		case req.PRURL != "":
			if rc.PRUrl != req.PRURL {
				continue
			}
		case req.PRNumber != 0:
			if prNumberFromURL(rc.PRUrl) != req.PRNumber {
				continue
			}
		}

		base := entityID
		if kind != string(model.KindBase) {
			var fp model.FeaturePayload
			if err := jsonUnmarshalLoose(payloadJSON, &fp); err == nil {
				base = fp.BaseID
			}
		}
		return rID, base, nil
	}
	if err := rows.Err(); err != nil {
		return "", "", apperr.Internally("resolve_base_rows_failed", err)
	}
	return "", "", apperr.NotFoundErr("no_linked_factory_or_run",
		fmt.Errorf("no run matched run_id=%q pr_url=%q pr_number=%d", req.RunID, req.PRURL, req.PRNumber))
}

// prNumberFromURL extracts the trailing /<number> from a GitHub PR URL.
func prNumberFromURL(prURL string) int {
	var n int
	if _, err := fmt.Sscanf(lastPathSegment(prURL), "%d", &n); err != nil {
		return 0
	}
	return n
}

func lastPathSegment(s string) string {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '/' {
			return s[i+1:]
		}
	}
	return s
}
