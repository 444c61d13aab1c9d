package executor

import (
	"context"
	"fmt"

	"github.com/donsqualo/clawdorio/internal/claim"
	"github.com/donsqualo/clawdorio/internal/gitutil"
	"github.com/donsqualo/clawdorio/internal/model"
)

// PRCreate is the internal/pr step: push the run's branch and open a PR
// against the base repo's default branch. Runs inline, no external agent.
type PRCreate struct {
	*claim.Claimed
}

func (w *PRCreate) Run(ctx context.Context) (string, error) {
	repoDir := model.WorktreePath(homeDir(), w.Run.ID)
	branch := model.BranchName(w.Run.ID)

	if err := gitutil.PushBranch(repoDir, "origin", branch); err != nil {
		return "", fmt.Errorf("push branch: %w", err)
	}

	base, err := gitutil.DefaultBranch(repoDir)
	if err != nil {
		return "", fmt.Errorf("resolve default branch: %w", err)
	}

	title := fmt.Sprintf("clawdorio: %s", w.Run.Task)
	body := fmt.Sprintf("Automated change for run %s.\n\n%s", w.Run.ID, w.Run.Task)

	url, err := gitutil.CreatePR(repoDir, branch, base, title, body)
	if err != nil {
		return "", fmt.Errorf("create pr: %w", err)
	}

	return url, nil
}
