package client

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"colloquy/internal/domain"
)

func TestStatusTrackerUnknownAgentIsIdle(t *testing.T) {
	tr := NewStatusTracker()
	assert.Equal(t, domain.StateIdle, tr.Status("nobody").State)
	assert.Empty(t, tr.Snapshot())
}

func TestStatusTrackerNotifiesOnChangeOnly(t *testing.T) {
	tr := NewStatusTracker()
	var seen []domain.AgentStatus
	tr.Observe(func(s domain.AgentStatus) { seen = append(seen, s) })

	tr.Set("a", domain.StateThinking, nil)
	tr.Set("a", domain.StateThinking, nil)
	tr.Set("a", domain.StateError, errors.New("boom"))
	tr.Set("a", domain.StateIdle, nil)

	require.Len(t, seen, 3)
	assert.Equal(t, domain.StateThinking, seen[0].State)
	assert.Equal(t, domain.StateError, seen[1].State)
	assert.Equal(t, "boom", seen[1].LastError)
	assert.Equal(t, domain.StateIdle, seen[2].State)
	assert.Empty(t, seen[2].LastError)
}

func TestStatusTrackerCollaborate(t *testing.T) {
	tr := NewStatusTracker()

	done := tr.Collaborate("lead")
	assert.Equal(t, domain.StateCollaborating, tr.Status("lead").State)

	// A turn inside the conversation settles back to collaborating.
	tr.Set("lead", domain.StateThinking, nil)
	tr.Set("lead", domain.StateIdle, nil)
	assert.Equal(t, domain.StateCollaborating, tr.Status("lead").State)

	done()
	done()
	assert.Equal(t, domain.StateIdle, tr.Status("lead").State)
}

func TestStatusTrackerSnapshotSorted(t *testing.T) {
	tr := NewStatusTracker()
	tr.Set("zeta", domain.StateThinking, nil)
	tr.Set("alpha", domain.StateResponding, nil)

	snap := tr.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "alpha", snap[0].Agent)
	assert.Equal(t, "zeta", snap[1].Agent)
}
