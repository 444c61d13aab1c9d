// Package agentcli wraps the external coding-agent CLI invoked by every
// feature-dev/* step, mirroring the git/gh wrapping in internal/gitutil:
// preflight the binary, then shell out per step with a bounded timeout.
package agentcli

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// DefaultTimeout bounds a single agent invocation. Feature steps can run
// long; this is a backstop against a hung subprocess, not a tuning knob.
const DefaultTimeout = 3600 * time.Second

// Binary maps an agent_id to the CLI executable that backs it. It is a
// package-level map; internal/config does not set it.
var Binary = map[string]string{
	"feature-dev/planner":   "claude",
	"feature-dev/setup":     "claude",
	"feature-dev/developer": "claude",
	"feature-dev/verifier":  "claude",
	"feature-dev/tester":    "claude",
	"feature-dev/reviewer":  "claude",
}

// Preflight confirms the CLI backing agentID resolves on PATH. The executor
// calls it at the start of every external-agent step, after the claim, so a
// missing binary fails the step before any subprocess is started.
func Preflight(agentID string) error {
	exe, ok := Binary[agentID]
	if !ok {
		return fmt.Errorf("agentcli: no CLI binary configured for agent %q", agentID)
	}
	if _, err := exec.LookPath(exe); err != nil {
		return fmt.Errorf("agentcli: %s executable not found: %w", exe, err)
	}
	return nil
}

// Invoke runs the agent CLI for agentID inside workDir with prompt on the
// command line, bounded by ctx's deadline, and returns its stdout.
func Invoke(ctx context.Context, agentID, workDir, prompt string) (string, error) {
	exe, ok := Binary[agentID]
	if !ok {
		return "", fmt.Errorf("agentcli: no CLI binary configured for agent %q", agentID)
	}

	cmd := exec.CommandContext(ctx, exe, "-p", prompt, "--output-format", "json")
	cmd.Dir = workDir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("agentcli: %s: %w: %s", exe, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// WithDefaultTimeout derives a context bounded by DefaultTimeout for a single
// Invoke call.
func WithDefaultTimeout(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, DefaultTimeout)
}
