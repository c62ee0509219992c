package model

import (
	"testing"

	"github.com/cuemby/burrow/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSource is an in-memory DirectorySource
type fakeSource struct {
	apps       map[string]map[types.ApplicationID]uint64
	generation int64
}

func (f *fakeSource) ListTenants() ([]string, error) {
	tenants := make([]string, 0, len(f.apps))
	for tenant := range f.apps {
		tenants = append(tenants, tenant)
	}
	return tenants, nil
}

func (f *fakeSource) ListApplications(tenant string) (map[types.ApplicationID]uint64, error) {
	return f.apps[tenant], nil
}

func (f *fakeSource) Generation() (int64, error) {
	return f.generation, nil
}

func TestSuperModelRebuild(t *testing.T) {
	app := types.NewApplicationID("acme", "search", "default")
	source := &fakeSource{
		apps:       map[string]map[types.ApplicationID]uint64{"acme": {app: 3}},
		generation: 7,
	}

	sm := NewSuperModel(source)
	require.NoError(t, sm.Rebuild())

	assert.Equal(t, int64(7), sm.CurrentGeneration())

	active := sm.ActiveApplications()
	require.Len(t, active, 1)
	assert.Equal(t, uint64(3), active[app].SessionID)
	assert.Equal(t, int64(7), active[app].Generation)
}

// TestActiveApplicationsIsACopy verifies callers cannot mutate the
// aggregate through the returned map.
func TestActiveApplicationsIsACopy(t *testing.T) {
	app := types.NewApplicationID("acme", "search", "default")
	source := &fakeSource{
		apps:       map[string]map[types.ApplicationID]uint64{"acme": {app: 3}},
		generation: 1,
	}

	sm := NewSuperModel(source)
	require.NoError(t, sm.Rebuild())

	snapshot := sm.ActiveApplications()
	delete(snapshot, app)

	assert.Len(t, sm.ActiveApplications(), 1)
}
