package reconciler

import (
	"os"
	"testing"
	"time"

	"github.com/cuemby/burrow/pkg/deploy"
	"github.com/cuemby/burrow/pkg/errdefs"
	"github.com/cuemby/burrow/pkg/events"
	"github.com/cuemby/burrow/pkg/filestore"
	"github.com/cuemby/burrow/pkg/session"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCluster serves only the directory reads the reconciler exercises.
type fakeCluster struct {
	tenants  []string
	apps     map[string]map[types.ApplicationID]uint64
	sessions map[uint64]*types.Session
}

func (f *fakeCluster) AllocateSessionID(time.Duration) (uint64, error) { return 0, nil }
func (f *fakeCluster) CreateSession(string, *types.Session, time.Duration) error {
	return nil
}
func (f *fakeCluster) UpdateSession(string, *types.Session, time.Duration) error {
	return nil
}
func (f *fakeCluster) DeleteSession(string, uint64, time.Duration) error { return nil }
func (f *fakeCluster) Activate(string, types.ApplicationID, uint64, uint64, bool, time.Duration) (int64, error) {
	return 0, nil
}
func (f *fakeCluster) RemoveApplication(string, types.ApplicationID, time.Duration) (bool, int64, error) {
	return false, 0, nil
}

func (f *fakeCluster) GetSession(tenant string, id uint64) (*types.Session, error) {
	s, ok := f.sessions[id]
	if !ok {
		return nil, errdefs.NotFoundf("session %d not found", id)
	}
	return s, nil
}

func (f *fakeCluster) ListSessions(string) ([]*types.Session, error) { return nil, nil }

func (f *fakeCluster) ActiveSession(string, types.ApplicationID) (uint64, error) {
	return 0, errdefs.NotFoundf("no active session")
}

func (f *fakeCluster) ListApplications(tenant string) (map[types.ApplicationID]uint64, error) {
	return f.apps[tenant], nil
}

func (f *fakeCluster) ListTenants() ([]string, error) { return f.tenants, nil }

func (f *fakeCluster) GetReindexing(string, types.ApplicationID) (types.Reindexing, error) {
	return types.NewReindexing(), nil
}

func (f *fakeCluster) PutReindexing(string, types.ApplicationID, types.Reindexing, time.Duration) error {
	return nil
}

func (f *fakeCluster) PublishEvent(*events.Event) {}

func newTestReconciler(t *testing.T, cluster *fakeCluster, cfg Config) (*Reconciler, *deploy.Deployer, *filestore.FileDirectory) {
	t.Helper()

	files, err := filestore.NewFileDirectory(t.TempDir())
	require.NoError(t, err)
	packages, err := filestore.NewPackageStore(t.TempDir())
	require.NoError(t, err)

	deployer := deploy.NewDeployer(deploy.Config{Cluster: cluster, Packages: packages})
	return NewReconciler(deployer, files, nil, cfg), deployer, files
}

func TestConvergeDeleted(t *testing.T) {
	r, deployer, _ := newTestReconciler(t, &fakeCluster{}, Config{})

	store := deployer.LocalStore("acme")
	store.Put(session.Remote(&types.Session{ID: 3, Status: types.StatusPrepare}), time.Now())

	r.converge(&events.Event{Type: events.EventSessionDeleted, Tenant: "acme", SessionID: 3})

	_, ok := store.Get(3)
	assert.False(t, ok)
}

func TestConvergeFoldsStatusForward(t *testing.T) {
	r, deployer, _ := newTestReconciler(t, &fakeCluster{}, Config{})

	store := deployer.LocalStore("acme")
	store.Put(session.Remote(&types.Session{ID: 3, Status: types.StatusPrepare}), time.Now())

	r.converge(&events.Event{Type: events.EventSessionActivated, Tenant: "acme", SessionID: 3})

	view, ok := store.Get(3)
	require.True(t, ok)
	assert.Equal(t, types.StatusActivate, view.Meta.Status)
}

// TestConvergeIgnoresBackwardTransition: events arriving out of order must
// not move a session backward through its lifecycle.
func TestConvergeIgnoresBackwardTransition(t *testing.T) {
	r, deployer, _ := newTestReconciler(t, &fakeCluster{}, Config{})

	store := deployer.LocalStore("acme")
	store.Put(session.Remote(&types.Session{ID: 3, Status: types.StatusActivate}), time.Now())

	r.converge(&events.Event{Type: events.EventSessionPrepared, Tenant: "acme", SessionID: 3})

	view, ok := store.Get(3)
	require.True(t, ok)
	assert.Equal(t, types.StatusActivate, view.Meta.Status)
}

func TestConvergeIgnoresUnknownSession(t *testing.T) {
	r, deployer, _ := newTestReconciler(t, &fakeCluster{}, Config{})

	store := deployer.LocalStore("acme")
	r.converge(&events.Event{Type: events.EventSessionActivated, Tenant: "acme", SessionID: 42})

	_, ok := store.Get(42)
	assert.False(t, ok)
}

func TestCollectFiles(t *testing.T) {
	app := types.NewApplicationID("acme", "search", "default")
	cluster := &fakeCluster{
		tenants: []string{"acme"},
		apps:    map[string]map[types.ApplicationID]uint64{"acme": {app: 1}},
		sessions: map[uint64]*types.Session{
			1: {ID: 1, Status: types.StatusActivate, FileReferences: []string{"keep"}},
		},
	}

	r, _, files := newTestReconciler(t, cluster, Config{FileRetention: time.Hour})

	old := time.Now().Add(-2 * time.Hour)
	for _, name := range []string{"keep", "stale"} {
		path := files.Path(name)
		require.NoError(t, os.WriteFile(path, []byte(name), 0644))
		require.NoError(t, os.Chtimes(path, old, old))
	}

	deleted := r.CollectFiles()
	assert.Equal(t, []string{"stale"}, deleted)

	_, err := os.Stat(files.Path("keep"))
	assert.NoError(t, err)
}

// TestCollectFilesRetainsYoungBlobs: a blob inside the retention window is
// kept even when no active session references it, so uploads racing a
// prepare are never collected.
func TestCollectFilesRetainsYoungBlobs(t *testing.T) {
	r, _, files := newTestReconciler(t, &fakeCluster{}, Config{FileRetention: time.Hour})

	require.NoError(t, os.WriteFile(files.Path("fresh"), []byte("fresh"), 0644))

	deleted := r.CollectFiles()
	assert.Empty(t, deleted)

	_, err := os.Stat(files.Path("fresh"))
	assert.NoError(t, err)
}

func TestSweepRunsWithoutSessions(t *testing.T) {
	r, _, _ := newTestReconciler(t, &fakeCluster{}, Config{})
	r.Sweep()
}
