// Package executor runs a claimed step to completion. Dispatch picks the
// concrete Work implementation for a step the way worker.go's processWork
// switch picked a handler per queue item; each variant owns one step kind.
package executor

import (
	"context"
	"fmt"
	"os"

	"github.com/donsqualo/clawdorio/internal/agentcli"
	"github.com/donsqualo/clawdorio/internal/claim"
	"github.com/donsqualo/clawdorio/internal/model"
)

// Work is one runnable unit: a claimed step's execution logic. Run returns
// the step's textual output on success, or an error describing why it
// failed; it must not mutate run/step status rows directly, that is
// internal/finalizer's job once Run returns.
type Work interface {
	Run(ctx context.Context) (output string, err error)
}

// Dispatch selects the Work implementation for a claimed step.
func Dispatch(c *claim.Claimed) (Work, error) {
	switch {
	case c.Run.WorkflowID == model.WorkflowAutoRebase && c.Step.StepID == model.StepAutoRebase:
		return &AutoRebaseSweep{Claimed: c}, nil
	case c.Step.AgentID == model.AgentInternalPR:
		return &PRCreate{Claimed: c}, nil
	case c.Step.AgentID != "":
		return &ExternalAgent{Claimed: c}, nil
	default:
		return nil, fmt.Errorf("executor: no Work for step %s (agent %q)", c.Step.ID, c.Step.AgentID)
	}
}

// homeDir resolves the worktree root; failures fall back to the process cwd
// the way a misconfigured HOME shouldn't wedge a run.
func homeDir() string {
	h, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return h
}

// ExternalAgent runs one feature-dev/* step through the external coding
// agent CLI inside the run's worktree.
type ExternalAgent struct {
	*claim.Claimed
}

func (w *ExternalAgent) Run(ctx context.Context) (string, error) {
	if err := agentcli.Preflight(w.Step.AgentID); err != nil {
		return "", err
	}

	workDir := model.WorktreePath(homeDir(), w.Run.ID)
	prompt := buildPrompt(w.Run, w.Step)

	ictx, cancel := agentcli.WithDefaultTimeout(ctx)
	defer cancel()

	out, err := agentcli.Invoke(ictx, w.Step.AgentID, workDir, prompt)
	if err != nil {
		return "", err
	}
	return out, nil
}

func buildPrompt(run model.Run, step model.Step) string {
	switch step.StepID {
	case model.StepPlan:
		return fmt.Sprintf("Plan the implementation for: %s", run.Task)
	case model.StepSetup:
		return fmt.Sprintf("Prepare the workspace for task: %s", run.Task)
	case model.StepImplement:
		return fmt.Sprintf("Implement: %s", run.Task)
	case model.StepVerify:
		return "Verify the implementation builds and lints cleanly."
	case model.StepTest:
		return "Run the test suite and report pass/fail."
	case model.StepReview:
		return fmt.Sprintf("Review the pull request %s for the task: %s", run.Context.PRUrl, run.Task)
	default:
		return run.Task
	}
}
