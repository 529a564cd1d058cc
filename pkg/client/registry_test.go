package client

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRegistryLifecycle(t *testing.T) {
	r := NewRegistry()

	state, ok := r.State("fp")
	assert.False(t, ok)
	assert.Equal(t, StatePending, state)

	//

	_, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.begin("fp", cancel)

	state, ok = r.State("fp")
	assert.True(t, ok)
	assert.Equal(t, StateUploading, state)

	r.transition("fp", StateCompleted)
	state, _ = r.State("fp")
	assert.Equal(t, StateCompleted, state)

	// Unknown fingerprints are ignored.
	r.transition("other", StateFailed)
	_, ok = r.State("other")
	assert.False(t, ok)
}

func TestRegistryPause(t *testing.T) {
	r := NewRegistry()

	assert.False(t, r.Pause("fp"))

	ctx, cancel := context.WithCancel(context.Background())
	r.begin("fp", cancel)

	assert.True(t, r.Pause("fp"))
	assert.Error(t, ctx.Err())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "pending", StatePending.String())
	assert.Equal(t, "uploading", StateUploading.String())
	assert.Equal(t, "paused", StatePaused.String())
	assert.Equal(t, "completed", StateCompleted.String())
	assert.Equal(t, "failed", StateFailed.String())
	assert.Equal(t, "unknown", State(42).String())
}
