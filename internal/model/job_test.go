package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStepKeysOrder(t *testing.T) {
	keys := StepKeys()

	assert.Equal(t, StepFetchURLSources, keys[0])
	assert.Equal(t, StepFinalize, keys[len(keys)-1])
	assert.Len(t, keys, 7)

	// step_order is strictly increasing along the plan.
	prev := 0
	for _, k := range keys {
		order := StepOrder(k)
		assert.Greater(t, order, prev, "step %s", k)
		prev = order
	}
}

func TestStepOrderUnknownKey(t *testing.T) {
	assert.Equal(t, 0, StepOrder(StepKey("nope")))
}

func TestJobStatusActive(t *testing.T) {
	assert.True(t, JobStatusQueued.Active())
	assert.True(t, JobStatusRunning.Active())
	assert.False(t, JobStatusSucceeded.Active())
	assert.False(t, JobStatusFailed.Active())
	assert.False(t, JobStatusCancelled.Active())
}

func TestStepStatusTerminal(t *testing.T) {
	assert.True(t, StepStatusSucceeded.Terminal())
	assert.True(t, StepStatusSkipped.Terminal())
	assert.True(t, StepStatusCancelled.Terminal())
	assert.False(t, StepStatusPending.Terminal())
	assert.False(t, StepStatusRunning.Terminal())
	assert.False(t, StepStatusFailed.Terminal())
}

func TestSourceStatusTerminal(t *testing.T) {
	assert.True(t, SourceStatusFetched.Terminal())
	assert.True(t, SourceStatusProcessed.Terminal())
	assert.True(t, SourceStatusFailed.Terminal())
	assert.True(t, SourceStatusFetchFailed.Terminal())
	assert.False(t, SourceStatusNew.Terminal())
	assert.False(t, SourceStatusQueued.Terminal())
	assert.False(t, SourceStatusFetching.Terminal())
}

func TestRunStatusTerminal(t *testing.T) {
	assert.False(t, RunStatusQueued.Terminal())
	assert.False(t, RunStatusCancelRequested.Terminal())
	assert.True(t, RunStatusCancelled.Terminal())
	assert.True(t, RunStatusSucceeded.Terminal())
	assert.True(t, RunStatusFailed.Terminal())
}
