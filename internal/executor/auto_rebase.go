package executor

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/donsqualo/clawdorio/internal/claim"
	"github.com/donsqualo/clawdorio/internal/gitutil"
	"github.com/donsqualo/clawdorio/internal/model"
	"github.com/donsqualo/clawdorio/internal/store"
)

// AutoRebaseSweep is the single step of an auto-rebase run: rebase every open
// clawdorio/* PR branch for one base repo onto the base's current default
// branch, pushing with --force-with-lease.
type AutoRebaseSweep struct {
	*claim.Claimed
}

// RebaseResult records the outcome for a single PR branch, surfaced in the
// step's output text for the UI feed.
type RebaseResult struct {
	PRNumber int    `json:"pr_number"`
	Branch   string `json:"branch"`
	Outcome  string `json:"outcome"` // "rebased" | "conflict" (any failed git step)
	Detail   string `json:"detail,omitempty"`
}

func (w *AutoRebaseSweep) Run(ctx context.Context) (string, error) {
	payload, err := loadBasePayload(w.Run.EntityID)
	if err != nil {
		return "", err
	}
	repoDir := payload.RepoPath

	if err := gitutil.Fetch(repoDir, "origin"); err != nil {
		return "", fmt.Errorf("fetch origin: %w", err)
	}

	defaultBranch, err := gitutil.DefaultBranch(repoDir)
	if err != nil {
		return "", fmt.Errorf("resolve default branch: %w", err)
	}

	prs, err := gitutil.ListOpenPRsForBranchPrefix(repoDir, "clawdorio/")
	if err != nil {
		return "", fmt.Errorf("list open PRs: %w", err)
	}

	var results []RebaseResult
	for _, pr := range prs {
		if pr.IsCrossRepository {
			// Fork-origin branches aren't ours to force-push.
			continue
		}
		results = append(results, rebaseOne(repoDir, defaultBranch, pr, w.Run.ID))
	}

	out, err := json.Marshal(map[string]any{
		"default_branch": defaultBranch,
		"results":        results,
	})
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func rebaseOne(repoDir, defaultBranch string, pr gitutil.PR, runID string) RebaseResult {
	worktreeDir := filepath.Join(homeDir(), ".openclaw", "workspace",
		"rebase-"+runID+"-"+strconv.Itoa(pr.Number))
	defer os.RemoveAll(worktreeDir)
	defer gitutil.RemoveWorktree(repoDir, worktreeDir)

	if err := gitutil.AddWorktree(repoDir, worktreeDir, pr.HeadRefName, "origin/"+pr.HeadRefName); err != nil {
		return RebaseResult{PRNumber: pr.Number, Branch: pr.HeadRefName, Outcome: "conflict", Detail: err.Error()}
	}

	if err := gitutil.RebaseOnto(worktreeDir, "origin/"+defaultBranch); err != nil {
		_ = gitutil.RebaseAbort(worktreeDir)
		return RebaseResult{PRNumber: pr.Number, Branch: pr.HeadRefName, Outcome: "conflict", Detail: err.Error()}
	}

	head, err := gitutil.HeadSHA(worktreeDir)
	if err != nil {
		return RebaseResult{PRNumber: pr.Number, Branch: pr.HeadRefName, Outcome: "conflict", Detail: err.Error()}
	}
	_ = head

	if err := gitutil.PushForceWithLease(worktreeDir, "origin", pr.HeadRefName); err != nil {
		return RebaseResult{PRNumber: pr.Number, Branch: pr.HeadRefName, Outcome: "conflict", Detail: err.Error()}
	}

	return RebaseResult{PRNumber: pr.Number, Branch: pr.HeadRefName, Outcome: "rebased"}
}

func loadBasePayload(entityID string) (*model.BasePayload, error) {
	var payloadJSON string
	err := store.DB.QueryRow(`SELECT payload_json FROM entities WHERE id = ? AND kind = 'base'`, entityID).Scan(&payloadJSON)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("auto_rebase: base entity %s not found", entityID)
	}
	if err != nil {
		return nil, err
	}
	var p model.BasePayload
	if err := json.Unmarshal([]byte(payloadJSON), &p); err != nil {
		return nil, err
	}
	if strings.TrimSpace(p.RepoPath) == "" {
		return nil, fmt.Errorf("auto_rebase: base entity %s has no repo_path", entityID)
	}
	return &p, nil
}
