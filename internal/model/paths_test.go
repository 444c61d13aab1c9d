package model_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/donsqualo/clawdorio/internal/model"
)

func TestBranchName(t *testing.T) {
	assert.Equal(t, "clawdorio/01ABC", model.BranchName("01ABC"))
}

func TestWorktreePath(t *testing.T) {
	got := model.WorktreePath("/home/op", "01ABC")
	assert.Equal(t, "/home/op/.openclaw/workspace/clawdorio-01ABC", got)
}

func TestNextStep(t *testing.T) {
	next, agent, ok := model.NextStep(model.StepPlan)
	require.True(t, ok)
	assert.Equal(t, model.StepSetup, next)
	assert.Equal(t, model.AgentSetup, agent)

	_, _, ok = model.NextStep(model.StepReview)
	assert.False(t, ok)
}

func TestIsLastStep(t *testing.T) {
	assert.False(t, model.IsLastStep(model.StepPlan))
	assert.True(t, model.IsLastStep(model.StepReview))
}
