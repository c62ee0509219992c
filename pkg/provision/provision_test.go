package provision

import (
	"testing"

	"github.com/cuemby/burrow/pkg/errdefs"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeNodes []*types.Node

func (f fakeNodes) ListNodes() ([]*types.Node, error) {
	return f, nil
}

func TestPrepareSelectsLeastAllocated(t *testing.T) {
	nodes := fakeNodes{
		{ID: "host-1", Status: types.NodeStatusReady, Capacity: 4, Allocated: 3},
		{ID: "host-2", Status: types.NodeStatusReady, Capacity: 4, Allocated: 0},
		{ID: "host-3", Status: types.NodeStatusReady, Capacity: 4, Allocated: 1},
	}

	p := NewNodeProvisioner(nodes)
	selected, err := p.Prepare("content", 2)
	require.NoError(t, err)
	require.Len(t, selected, 2)
	assert.Equal(t, "host-2", selected[0].ID)
	assert.Equal(t, "host-3", selected[1].ID)
}

func TestPrepareSkipsUnusableNodes(t *testing.T) {
	nodes := fakeNodes{
		{ID: "down", Status: types.NodeStatusDown, Capacity: 4},
		{ID: "draining", Status: types.NodeStatusDraining, Capacity: 4},
		{ID: "full", Status: types.NodeStatusReady, Capacity: 2, Allocated: 2},
		{ID: "ready", Status: types.NodeStatusReady, Capacity: 4, Allocated: 1},
	}

	p := NewNodeProvisioner(nodes)
	selected, err := p.Prepare("content", 1)
	require.NoError(t, err)
	require.Len(t, selected, 1)
	assert.Equal(t, "ready", selected[0].ID)
}

// TestPrepareShortfallIsTransient: a capacity shortfall must surface as a
// retryable transient error, not a validation failure.
func TestPrepareShortfallIsTransient(t *testing.T) {
	nodes := fakeNodes{
		{ID: "host-1", Status: types.NodeStatusReady, Capacity: 4},
	}

	p := NewNodeProvisioner(nodes)
	_, err := p.Prepare("content", 3)
	require.Error(t, err)
	assert.True(t, errdefs.IsTransient(err))
	assert.Contains(t, err.Error(), "need 3 hosts, 1 available")
}

func TestPrepareZeroCapacity(t *testing.T) {
	p := NewNodeProvisioner(fakeNodes{})
	selected, err := p.Prepare("content", 0)
	require.NoError(t, err)
	assert.Nil(t, selected)
}

func TestPrepareTieBreaksByID(t *testing.T) {
	nodes := fakeNodes{
		{ID: "b", Status: types.NodeStatusReady, Capacity: 4, Allocated: 1},
		{ID: "a", Status: types.NodeStatusReady, Capacity: 4, Allocated: 1},
	}

	p := NewNodeProvisioner(nodes)
	selected, err := p.Prepare("content", 2)
	require.NoError(t, err)
	assert.Equal(t, "a", selected[0].ID)
	assert.Equal(t, "b", selected[1].ID)
}
