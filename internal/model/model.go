// Package model defines the durable entities the store persists and the
// typed projections parsed from their freeform JSON columns. The packages
// that read payload_json or context_json unmarshal the text straight into
// these structs rather than passing untyped maps around.
package model

// EntityKind enumerates the kinds a placed factory entity can have.
type EntityKind string

const (
	KindBase       EntityKind = "base"
	KindFeature    EntityKind = "feature"
	KindLibrary    EntityKind = "library"
	KindWarehouse  EntityKind = "warehouse"
	KindResearch   EntityKind = "research"
	KindUniversity EntityKind = "university"
	KindPower      EntityKind = "power"
)

// Entity is a placed grid object. Base and Feature are the typed projections
// of payload_json; exactly one of them is non-nil, matching Kind.
type Entity struct {
	ID          string
	Kind        EntityKind
	X, Y, W, H  int
	Base        *BasePayload
	Feature     *FeaturePayload
	CreatedAtMs int64
	UpdatedAtMs int64
	Revision    int64
}

// BasePayload is the typed projection of a `base` entity's payload_json.
type BasePayload struct {
	RepoPath              string `json:"repo_path"`
	AutoRebaseEnabled     bool   `json:"auto_rebase_enabled"`
	AutoRebaseIntervalSec int    `json:"auto_rebase_interval_sec"`

	// Controller bookkeeping, mutated by internal/rebase; internal/finalizer
	// also sets AutoRebaseLastEnqueuedMs when a sweep run completes.
	AutoRebaseLastEnqueuedMs  int64  `json:"auto_rebase_last_enqueued_ms"`
	AutoRebaseLastDefaultHead string `json:"auto_rebase_last_default_head"`
	AutoRebaseLastReconcileMs int64  `json:"auto_rebase_last_reconcile_ms"`
}

// FeaturePayload is the typed projection of a non-base entity's payload_json.
type FeaturePayload struct {
	BaseID string `json:"base_id"`
}

const MinAutoRebaseIntervalSec = 30

// WorkflowID enumerates the two run shapes the core drives.
type WorkflowID string

const (
	WorkflowFeatureDev  WorkflowID = "feature-dev"
	WorkflowAutoRebase  WorkflowID = "auto-rebase"
)

// RunStatus is the lifecycle state of a Run.
type RunStatus string

const (
	RunQueued  RunStatus = "queued"
	RunRunning RunStatus = "running"
	RunDone    RunStatus = "done"
	RunFailed  RunStatus = "failed"
)

// Run is a durable workflow run: a fixed step chain driving toward a PR, or a
// single-step auto-rebase sweep.
type Run struct {
	ID         string     `json:"id"`
	WorkflowID WorkflowID `json:"workflow_id"`
	Task       string     `json:"task"`
	Status     RunStatus  `json:"status"`
	EntityID   string     `json:"entity_id"`
	Context    RunContext `json:"context"`

	CreatedAtMs int64 `json:"created_at_ms"`
	UpdatedAtMs int64 `json:"updated_at_ms"`
}

// RunContext is the typed projection of a run's context_json: opaque
// configuration passed to every step, augmented by the executor as the run
// progresses (pr_url, auto_rebase_attempt, ...).
type RunContext struct {
	// feature-dev
	PRUrl string `json:"pr_url,omitempty"`

	// auto-rebase
	Action              string `json:"action,omitempty"`
	DefaultBranch       string `json:"default_branch,omitempty"`
	TriggerReason       string `json:"trigger_reason,omitempty"`
	UpstreamSHA         string `json:"upstream_sha,omitempty"`
	AutoRebaseAttempt   int    `json:"auto_rebase_attempt,omitempty"`
	AutoRebaseBackoffSec int   `json:"auto_rebase_backoff_sec,omitempty"`
}

const ActionAutoRebaseSweep = "auto_rebase_sweep"

// MaxAutoRebaseRetries bounds RunContext.AutoRebaseAttempt.
const MaxAutoRebaseRetries = 3

// MaxTestRetries bounds how many times the `test` step may roll a run back.
const MaxTestRetries = 2

// StepName enumerates the logical step names used across both workflows.
type StepName string

const (
	StepPlan       StepName = "plan"
	StepSetup      StepName = "setup"
	StepImplement  StepName = "implement"
	StepVerify     StepName = "verify"
	StepTest       StepName = "test"
	StepPR         StepName = "pr"
	StepReview     StepName = "review"
	StepAutoRebase StepName = "auto-rebase"
)

// StepStatus is the lifecycle state of a Step.
type StepStatus string

const (
	StepQueued  StepStatus = "queued"
	StepPending StepStatus = "pending"
	StepWaiting StepStatus = "waiting"
	StepRunning StepStatus = "running"
	StepDone    StepStatus = "done"
	StepFailed  StepStatus = "failed"
	StepSkipped StepStatus = "skipped"
)

// Step is one ordered entry in a run's chain.
type Step struct {
	ID         string     `json:"id"`
	RunID      string     `json:"run_id"`
	StepID     StepName   `json:"step_id"`
	AgentID    string     `json:"agent_id"`
	StepIndex  int        `json:"step_index"`
	Status     StepStatus `json:"status"`
	InputJSON  string     `json:"input_json"`
	OutputText *string    `json:"output_text,omitempty"`

	CreatedAtMs int64 `json:"created_at_ms"`
	UpdatedAtMs int64 `json:"updated_at_ms"`
}

const (
	AgentInternalPR = "internal/pr"

	AgentPlanner   = "feature-dev/planner"
	AgentSetup     = "feature-dev/setup"
	AgentDeveloper = "feature-dev/developer"
	AgentVerifier  = "feature-dev/verifier"
	AgentTester    = "feature-dev/tester"
	AgentReviewer  = "feature-dev/reviewer"
)

// FeatureDevChain is the fixed 7-step chain every feature run is created
// with, in order.
var FeatureDevChain = []struct {
	StepID  StepName
	AgentID string
}{
	{StepPlan, AgentPlanner},
	{StepSetup, AgentSetup},
	{StepImplement, AgentDeveloper},
	{StepVerify, AgentVerifier},
	{StepTest, AgentTester},
	{StepPR, AgentInternalPR},
	{StepReview, AgentReviewer},
}

// Worktree is a per-run git working directory, independent of run
// completion; cleanup is out of scope for the core.
type Worktree struct {
	ID           string
	RunID        string
	RepoPath     string
	DesiredJSON  string
	ObservedJSON string
	CreatedAtMs  int64
	UpdatedAtMs  int64
}
