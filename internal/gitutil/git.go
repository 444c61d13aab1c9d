// Package gitutil wraps the git and gh CLIs as subprocesses. The executor and
// auto-rebase controller drive every repo mutation through here; nothing
// else in the core shells out to git directly.
package gitutil

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// CommandError carries the full invocation for diagnostics surfaced through
// the run's context or a failed step's output.
type CommandError struct {
	Args   []string
	Stdout string
	Stderr string
	Err    error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("git %s: %v", strings.Join(e.Args, " "), e.Err)
	if e.Stderr != "" {
		msg += ": " + strings.TrimSpace(e.Stderr)
	}
	return msg
}

func (e *CommandError) Unwrap() error { return e.Err }

const defaultTimeout = 60 * time.Second

func runGit(dir string, args ...string) (string, string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	// Disable background auto-maintenance so frequent worktree operations
	// stay deterministic and don't spawn stray gc helpers.
	base := []string{
		"-C", dir,
		"-c", "maintenance.auto=0",
		"-c", "gc.auto=0",
	}
	cmd := exec.CommandContext(ctx, "git", append(base, args...)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	outStr := stdout.String()
	errStr := stderr.String()
	if err != nil {
		return outStr, errStr, &CommandError{Args: args, Stdout: outStr, Stderr: errStr, Err: err}
	}
	return outStr, errStr, nil
}

func IsRepo(dir string) bool {
	out, _, err := runGit(dir, "rev-parse", "--is-inside-work-tree")
	if err != nil {
		return false
	}
	return strings.TrimSpace(out) == "true"
}

func HeadSHA(dir string) (string, error) {
	out, _, err := runGit(dir, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func DefaultBranch(repoDir string) (string, error) {
	out, _, err := runGit(repoDir, "symbolic-ref", "refs/remotes/origin/HEAD")
	if err != nil {
		return "", err
	}
	ref := strings.TrimSpace(out)
	parts := strings.SplitN(ref, "/", 4)
	if len(parts) < 4 {
		return "", fmt.Errorf("unexpected symbolic-ref output %q", ref)
	}
	return parts[3], nil
}

func Fetch(repoDir, remote string) error {
	_, _, err := runGit(repoDir, "fetch", remote, "--prune")
	return err
}

func AddWorktree(repoDir, worktreeDir, branch, startPoint string) error {
	_, _, err := runGit(repoDir, "worktree", "add", "-B", branch, worktreeDir, startPoint)
	return err
}

func RemoveWorktree(repoDir, worktreeDir string) error {
	_, _, err := runGit(repoDir, "worktree", "remove", "--force", worktreeDir)
	return err
}

func CheckoutBranch(worktreeDir, branch string) error {
	_, _, err := runGit(worktreeDir, "switch", branch)
	return err
}

func AddAll(worktreeDir string) error {
	_, _, err := runGit(worktreeDir, "add", "-A")
	return err
}

// CommitAllowEmpty stages all changes and commits, retrying once with a
// fallback committer identity if the worktree has none configured.
func CommitAllowEmpty(worktreeDir, message string) (string, error) {
	if err := AddAll(worktreeDir); err != nil {
		return "", err
	}
	_, _, err := runGit(worktreeDir, "commit", "--allow-empty", "-m", message)
	if err != nil {
		if strings.Contains(err.Error(), "Author identity unknown") ||
			strings.Contains(err.Error(), "Please tell me who you are") ||
			strings.Contains(err.Error(), "unable to auto-detect email address") {
			_, _, err = runGit(
				worktreeDir,
				"-c", "user.name=clawdorio",
				"-c", "user.email=clawdorio@local",
				"commit", "--allow-empty", "-m", message,
			)
		}
		if err != nil {
			return "", err
		}
	}
	return HeadSHA(worktreeDir)
}

// PushBranch pushes branch to remote. Best-effort: callers decide whether a
// failure aborts the step.
func PushBranch(dir, remote, branch string) error {
	_, _, err := runGit(dir, "push", remote, branch)
	return err
}

// PushForceWithLease pushes with --force-with-lease, the auto-rebase
// controller's only use of a force push: safe because it refuses to
// overwrite a ref it didn't just rebase from.
func PushForceWithLease(dir, remote, branch string) error {
	_, _, err := runGit(dir, "push", "--force-with-lease", remote, branch)
	return err
}

// RebaseOnto rebases the worktree's current branch onto upstream.
func RebaseOnto(worktreeDir, upstream string) error {
	_, _, err := runGit(worktreeDir, "rebase", upstream)
	return err
}

func RebaseAbort(worktreeDir string) error {
	_, _, err := runGit(worktreeDir, "rebase", "--abort")
	return err
}

func DiffNameOnly(dir, baseRef string) ([]string, error) {
	out, _, err := runGit(dir, "diff", "--name-only", baseRef)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, line := range strings.Split(out, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			files = append(files, trimmed)
		}
	}
	return files, nil
}

// LsRemoteHead returns the SHA the remote currently has for
// refs/heads/<branch>, without touching any local ref. Used by the
// auto-rebase reconciler to detect upstream movement between ticks.
func LsRemoteHead(repoDir, remote, branch string) (string, error) {
	out, _, err := runGit(repoDir, "ls-remote", remote, "refs/heads/"+branch)
	if err != nil {
		return "", err
	}
	fields := strings.Fields(strings.TrimSpace(out))
	if len(fields) == 0 {
		return "", fmt.Errorf("ls-remote %s refs/heads/%s: no output", remote, branch)
	}
	return fields[0], nil
}

// RemoteBranches lists remote-tracking branches under the given prefix
// (e.g. "clawdorio/"), used by the auto-rebase sweep to find run branches
// whose repos don't keep local state.
func RemoteBranches(repoDir, remote, prefix string) ([]string, error) {
	out, _, err := runGit(repoDir, "for-each-ref", "--format=%(refname:short)", "refs/remotes/"+remote+"/"+prefix+"*")
	if err != nil {
		return nil, err
	}
	var names []string
	full := remote + "/"
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		names = append(names, strings.TrimPrefix(line, full))
	}
	return names, nil
}
