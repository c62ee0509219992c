package deploy

import (
	"archive/tar"
	"bytes"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/burrow/pkg/errdefs"
	"github.com/cuemby/burrow/pkg/events"
	"github.com/cuemby/burrow/pkg/filestore"
	"github.com/cuemby/burrow/pkg/model"
	"github.com/cuemby/burrow/pkg/orchestration"
	"github.com/cuemby/burrow/pkg/session"
	"github.com/cuemby/burrow/pkg/storage"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCluster applies writes straight to a local store, standing in for the
// Raft path. Storage semantics (single-transaction activation, conflict
// detection) are the real ones.
type fakeCluster struct {
	store *storage.BoltStore

	mu     sync.Mutex
	events []*events.Event
}

func (f *fakeCluster) AllocateSessionID(time.Duration) (uint64, error) {
	return f.store.NextSessionID()
}

func (f *fakeCluster) CreateSession(tenant string, s *types.Session, _ time.Duration) error {
	return f.store.CreateSession(tenant, s)
}

func (f *fakeCluster) UpdateSession(tenant string, s *types.Session, _ time.Duration) error {
	return f.store.UpdateSession(tenant, s)
}

func (f *fakeCluster) DeleteSession(tenant string, id uint64, _ time.Duration) error {
	return f.store.DeleteSession(tenant, id)
}

func (f *fakeCluster) Activate(tenant string, app types.ApplicationID, sessionID, expectedActive uint64, force bool, _ time.Duration) (int64, error) {
	return f.store.Activate(tenant, app, sessionID, expectedActive, force)
}

func (f *fakeCluster) RemoveApplication(tenant string, app types.ApplicationID, _ time.Duration) (bool, int64, error) {
	return f.store.RemoveApplication(tenant, app)
}

func (f *fakeCluster) GetSession(tenant string, id uint64) (*types.Session, error) {
	return f.store.GetSession(tenant, id)
}

func (f *fakeCluster) ListSessions(tenant string) ([]*types.Session, error) {
	return f.store.ListSessions(tenant)
}

func (f *fakeCluster) ActiveSession(tenant string, app types.ApplicationID) (uint64, error) {
	return f.store.ActiveSession(tenant, app)
}

func (f *fakeCluster) ListApplications(tenant string) (map[types.ApplicationID]uint64, error) {
	return f.store.ListApplications(tenant)
}

func (f *fakeCluster) ListTenants() ([]string, error) {
	return f.store.ListTenants()
}

func (f *fakeCluster) GetReindexing(tenant string, app types.ApplicationID) (types.Reindexing, error) {
	return f.store.GetReindexing(tenant, app)
}

func (f *fakeCluster) PutReindexing(tenant string, app types.ApplicationID, r types.Reindexing, _ time.Duration) error {
	return f.store.PutReindexing(tenant, app, r)
}

func (f *fakeCluster) PublishEvent(event *events.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
}

func (f *fakeCluster) eventTypes() []events.EventType {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]events.EventType, 0, len(f.events))
	for _, e := range f.events {
		out = append(out, e.Type)
	}
	return out
}

const testManifest = `clusters:
  - name: content
    hosts: 1
    documents:
      - type: music
        mode: index
files:
  - blob-a
`

// packageTar builds a tar stream containing a services.yaml manifest
func packageTar(t *testing.T, manifest string) io.Reader {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	require.NoError(t, tw.WriteHeader(&tar.Header{
		Name:     model.ManifestFile,
		Mode:     0644,
		Size:     int64(len(manifest)),
		Typeflag: tar.TypeReg,
	}))
	_, err := tw.Write([]byte(manifest))
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	return &buf
}

func newTestDeployer(t *testing.T) (*Deployer, *fakeCluster) {
	t.Helper()

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	packages, err := filestore.NewPackageStore(t.TempDir())
	require.NoError(t, err)

	cluster := &fakeCluster{store: store}
	deployer := NewDeployer(Config{
		Cluster:   cluster,
		Packages:  packages,
		Validator: model.NewBuilder(model.NewRegistry()),
		Policy: session.ExpiryPolicy{
			SessionLifetime:    60 * time.Second,
			UnknownStatusGrace: time.Hour,
		},
	})
	return deployer, cluster
}

func testApp() types.ApplicationID {
	return types.NewApplicationID("acme", "search", "default")
}

func budget() types.TimeBudget {
	return types.NewTimeBudget(time.Minute)
}

// deployActive creates, prepares and activates a fresh session
func deployActive(t *testing.T, d *Deployer) uint64 {
	t.Helper()
	app := testApp()

	id, err := d.CreateSession(app, budget(), packageTar(t, testManifest))
	require.NoError(t, err)

	_, err = d.Prepare(app.Tenant, id, types.PrepareParams{Budget: budget()})
	require.NoError(t, err)

	require.NoError(t, d.Activate(app.Tenant, id, budget(), false))
	return id
}

// TestRoundTrip walks the full lifecycle: create, prepare, activate, then
// derive a session from the active one and promote it.
func TestRoundTrip(t *testing.T) {
	deployer, cluster := newTestDeployer(t)
	app := testApp()

	first := deployActive(t, deployer)

	active, err := cluster.ActiveSession(app.Tenant, app)
	require.NoError(t, err)
	assert.Equal(t, first, active)

	derived, err := deployer.CreateSessionFromExisting(app, false, budget())
	require.NoError(t, err)

	meta, err := cluster.GetSession(app.Tenant, derived)
	require.NoError(t, err)
	assert.Equal(t, first, meta.PreviousActiveGeneration,
		"derived session must record the active session id")

	result, err := deployer.Prepare(app.Tenant, derived, types.PrepareParams{Budget: budget()})
	require.NoError(t, err)
	assert.Empty(t, result.Actions, "unchanged manifest needs no actions")

	require.NoError(t, deployer.Activate(app.Tenant, derived, budget(), false))

	active, err = cluster.ActiveSession(app.Tenant, app)
	require.NoError(t, err)
	assert.Equal(t, derived, active)

	prev, err := cluster.GetSession(app.Tenant, first)
	require.NoError(t, err)
	assert.Equal(t, types.StatusDeactivate, prev.Status)

	assert.Contains(t, cluster.eventTypes(), events.EventApplicationActivated)
	assert.Contains(t, cluster.eventTypes(), events.EventSessionDeactivated)
}

// TestReindexRecordedOnActivate: a mode change computed at prepare time
// becomes a pending reindexing record once the session activates.
func TestReindexRecordedOnActivate(t *testing.T) {
	deployer, cluster := newTestDeployer(t)
	app := testApp()

	deployActive(t, deployer)

	changed := `clusters:
  - name: content
    hosts: 1
    documents:
      - type: music
        mode: streaming
files:
  - blob-a
`
	id, err := deployer.CreateSession(app, budget(), packageTar(t, changed))
	require.NoError(t, err)

	result, err := deployer.Prepare(app.Tenant, id, types.PrepareParams{Budget: budget()})
	require.NoError(t, err)
	require.Len(t, result.Actions, 1)
	assert.Equal(t, types.ChangeActionReindex, result.Actions[0].Kind)

	require.NoError(t, deployer.Activate(app.Tenant, id, budget(), false))

	r, err := cluster.GetReindexing(app.Tenant, app)
	require.NoError(t, err)
	status, ok := r.Status("content", "music")
	require.True(t, ok)
	assert.Equal(t, int64(2), status.PendingGeneration,
		"reindex pends at the activation generation")
}

// TestActivateConflict reproduces the documented race: B and C both derived
// from the same active session; C activates first; B's activation must fail
// naming both generations and leave B in PREPARE with C still active.
func TestActivateConflict(t *testing.T) {
	deployer, cluster := newTestDeployer(t)
	app := testApp()

	first := deployActive(t, deployer)

	b, err := deployer.CreateSessionFromExisting(app, false, budget())
	require.NoError(t, err)
	c, err := deployer.CreateSessionFromExisting(app, false, budget())
	require.NoError(t, err)

	_, err = deployer.Prepare(app.Tenant, b, types.PrepareParams{Budget: budget()})
	require.NoError(t, err)
	_, err = deployer.Prepare(app.Tenant, c, types.PrepareParams{Budget: budget()})
	require.NoError(t, err)

	require.NoError(t, deployer.Activate(app.Tenant, c, budget(), false))

	err = deployer.Activate(app.Tenant, b, budget(), false)
	require.Error(t, err)
	assert.True(t, errdefs.IsConflict(err))

	var conflictErr *errdefs.Error
	require.ErrorAs(t, err, &conflictErr)
	assert.Equal(t, first, conflictErr.Expected)
	assert.Equal(t, c, conflictErr.Observed)

	meta, err := cluster.GetSession(app.Tenant, b)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPrepare, meta.Status, "conflicted session stays PREPARE")

	active, err := cluster.ActiveSession(app.Tenant, app)
	require.NoError(t, err)
	assert.Equal(t, c, active)

	// Force overrides the conflict.
	require.NoError(t, deployer.Activate(app.Tenant, b, budget(), true))
	active, err = cluster.ActiveSession(app.Tenant, app)
	require.NoError(t, err)
	assert.Equal(t, b, active)
}

// TestConcurrentActivates races N activations of sessions all derived from
// the same active session: exactly one must win.
func TestConcurrentActivates(t *testing.T) {
	deployer, cluster := newTestDeployer(t)
	app := testApp()

	deployActive(t, deployer)

	const n = 8
	ids := make([]uint64, n)
	for i := 0; i < n; i++ {
		id, err := deployer.CreateSessionFromExisting(app, false, budget())
		require.NoError(t, err)
		_, err = deployer.Prepare(app.Tenant, id, types.PrepareParams{Budget: budget()})
		require.NoError(t, err)
		ids[i] = id
	}

	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = deployer.Activate(app.Tenant, ids[i], budget(), false)
		}(i)
	}
	wg.Wait()

	successes := 0
	for _, err := range errs {
		if err == nil {
			successes++
		} else {
			assert.True(t, errdefs.IsConflict(err), "losers must fail with conflict, got %v", err)
		}
	}
	assert.Equal(t, 1, successes, "exactly one activation must win")

	active, err := cluster.ActiveSession(app.Tenant, app)
	require.NoError(t, err)
	assert.Contains(t, ids, active)
}

func TestActivateIllegalStates(t *testing.T) {
	deployer, _ := newTestDeployer(t)
	app := testApp()

	id := deployActive(t, deployer)

	// Double activation.
	err := deployer.Activate(app.Tenant, id, budget(), false)
	assert.True(t, errdefs.IsIllegalState(err))
	assert.Contains(t, err.Error(), "session is active")

	// Activating an unprepared session.
	fresh, err := deployer.CreateSession(app, budget(), packageTar(t, testManifest))
	require.NoError(t, err)
	err = deployer.Activate(app.Tenant, fresh, budget(), false)
	assert.True(t, errdefs.IsIllegalState(err))
}

func TestPrepareValidationFailureLeavesNew(t *testing.T) {
	deployer, cluster := newTestDeployer(t)
	app := testApp()

	id, err := deployer.CreateSession(app, budget(), packageTar(t, "clusters: []\n"))
	require.NoError(t, err)

	_, err = deployer.Prepare(app.Tenant, id, types.PrepareParams{Budget: budget()})
	require.Error(t, err)
	assert.True(t, errdefs.IsValidation(err))

	meta, err := cluster.GetSession(app.Tenant, id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusNew, meta.Status)

	// Prepare of a non-NEW session fails fast.
	active := deployActive(t, deployer)
	_, err = deployer.Prepare(app.Tenant, active, types.PrepareParams{Budget: budget()})
	assert.True(t, errdefs.IsIllegalState(err))
}

func TestDeleteIdempotent(t *testing.T) {
	deployer, cluster := newTestDeployer(t)
	app := testApp()

	id := deployActive(t, deployer)

	removed, err := deployer.Delete(app)
	require.NoError(t, err)
	assert.True(t, removed)

	meta, err := cluster.GetSession(app.Tenant, id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusDelete, meta.Status)

	removed, err = deployer.Delete(app)
	require.NoError(t, err)
	assert.False(t, removed, "second delete is a no-op")
}

func TestBudgetExhaustion(t *testing.T) {
	deployer, _ := newTestDeployer(t)
	app := testApp()

	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	expired := types.NewTimeBudgetWithClock(func() time.Time { return clock }, 0)

	_, err := deployer.CreateSession(app, expired, packageTar(t, testManifest))
	assert.True(t, errdefs.IsTimeout(err))

	deployActive(t, deployer)
	derived, err := deployer.CreateSessionFromExisting(app, false, budget())
	require.NoError(t, err)

	_, err = deployer.Prepare(app.Tenant, derived, types.PrepareParams{Budget: expired})
	assert.True(t, errdefs.IsTimeout(err))

	err = deployer.Activate(app.Tenant, derived, expired, false)
	assert.True(t, errdefs.IsTimeout(err))
}

func TestSuspendedApplicationIsTransient(t *testing.T) {
	deployer, _ := newTestDeployer(t)
	app := testApp()

	orchestrator := orchestration.NewRegistry()
	deployer.orchestrator = orchestrator

	id, err := deployer.CreateSession(app, budget(), packageTar(t, testManifest))
	require.NoError(t, err)
	_, err = deployer.Prepare(app.Tenant, id, types.PrepareParams{Budget: budget()})
	require.NoError(t, err)

	orchestrator.Suspend(app)
	err = deployer.Activate(app.Tenant, id, budget(), false)
	assert.True(t, errdefs.IsTransient(err))

	orchestrator.Resume(app)
	require.NoError(t, deployer.Activate(app.Tenant, id, budget(), false))
}

// TestRemoteExpiryBoundary checks the 60-second lifetime boundary: present
// at T+59s, removed at T+61s, with the active session immune at any age.
func TestRemoteExpiryBoundary(t *testing.T) {
	deployer, cluster := newTestDeployer(t)
	app := testApp()

	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	deployer.nowFn = func() time.Time { return t0 }

	active := deployActive(t, deployer)
	stale, err := deployer.CreateSession(app, budget(), packageTar(t, testManifest))
	require.NoError(t, err)

	deleted := deployer.DeleteExpiredRemoteSessions(t0.Add(59 * time.Second))
	assert.Equal(t, 0, deleted)

	deleted = deployer.DeleteExpiredRemoteSessions(t0.Add(61 * time.Second))
	assert.Equal(t, 1, deleted)

	_, err = cluster.GetSession(app.Tenant, stale)
	assert.True(t, errdefs.IsNotFound(err))

	// The active session survives far past its lifetime.
	got, err := cluster.GetSession(app.Tenant, active)
	require.NoError(t, err)
	assert.Equal(t, types.StatusActivate, got.Status)

	deleted = deployer.DeleteExpiredRemoteSessions(t0.Add(24 * time.Hour))
	assert.Equal(t, 0, deleted)
}

func TestLocalExpirySweep(t *testing.T) {
	deployer, cluster := newTestDeployer(t)
	app := testApp()

	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := t0
	deployer.nowFn = func() time.Time { return now }

	active := deployActive(t, deployer)
	stale, err := deployer.CreateSession(app, budget(), packageTar(t, testManifest))
	require.NoError(t, err)

	now = t0.Add(61 * time.Second)
	deleted := deployer.DeleteExpiredLocalSessions()
	assert.Equal(t, 1, deleted)

	assert.False(t, deployer.packages.Exists(app.Tenant, stale))
	_, err = cluster.GetSession(app.Tenant, stale)
	assert.True(t, errdefs.IsNotFound(err))

	// Sweeps are idempotent.
	deleted = deployer.DeleteExpiredLocalSessions()
	assert.Equal(t, 0, deleted)

	assert.True(t, deployer.packages.Exists(app.Tenant, active))
}

// restartedDeployer builds a fresh deployer over an existing cluster and
// package store, simulating a replica restart with an empty local view.
func restartedDeployer(cluster *fakeCluster, packages *filestore.PackageStore) *Deployer {
	return NewDeployer(Config{
		Cluster:   cluster,
		Packages:  packages,
		Validator: model.NewBuilder(model.NewRegistry()),
		Policy: session.ExpiryPolicy{
			SessionLifetime:    60 * time.Second,
			UnknownStatusGrace: time.Hour,
		},
	})
}

// TestUnknownSessionExpiresAfterGrace: a session whose metadata cannot be
// read back must still be discovered after a restart and deleted once the
// grace window, counted from discovery, has passed.
func TestUnknownSessionExpiresAfterGrace(t *testing.T) {
	deployer, cluster := newTestDeployer(t)

	// Metadata that failed to read back surfaces as an UNKNOWN session
	// with no usable create time.
	require.NoError(t, cluster.CreateSession("acme",
		&types.Session{ID: 9, Tenant: "acme", Status: types.StatusUnknown}, 0))

	restarted := restartedDeployer(cluster, deployer.packages)

	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, 0, restarted.deleteExpiredLocal(t0), "first sweep discovers, never deletes")
	assert.Equal(t, 0, restarted.deleteExpiredLocal(t0.Add(30*time.Minute)), "inside grace")

	deleted := restarted.deleteExpiredLocal(t0.Add(time.Hour + time.Second))
	assert.Equal(t, 1, deleted)

	_, err := cluster.GetSession("acme", 9)
	assert.True(t, errdefs.IsNotFound(err))

	// The remote sweep leaves UNKNOWN sessions alone at any age; the
	// grace-windowed path above is their only exit.
	require.NoError(t, cluster.CreateSession("acme",
		&types.Session{ID: 10, Tenant: "acme", Status: types.StatusUnknown}, 0))
	assert.Equal(t, 0, restarted.DeleteExpiredRemoteSessions(t0.Add(1000*time.Hour)))
}

// TestRestartRediscoversLocalSessions: after a restart the sweep folds the
// store's sessions back into the empty local view and expiry still applies.
func TestRestartRediscoversLocalSessions(t *testing.T) {
	deployer, cluster := newTestDeployer(t)
	app := testApp()

	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := t0
	deployer.nowFn = func() time.Time { return now }

	active := deployActive(t, deployer)
	stale, err := deployer.CreateSession(app, budget(), packageTar(t, testManifest))
	require.NoError(t, err)

	restarted := restartedDeployer(cluster, deployer.packages)

	deleted := restarted.deleteExpiredLocal(t0.Add(61 * time.Second))
	assert.Equal(t, 1, deleted)

	assert.False(t, restarted.packages.Exists(app.Tenant, stale))
	assert.True(t, restarted.packages.Exists(app.Tenant, active), "active session survives rediscovery")
}

// TestOrphanPackageDirectoryRemoved: a package directory whose session
// metadata is gone entirely is cleaned up by the sweep.
func TestOrphanPackageDirectoryRemoved(t *testing.T) {
	deployer, _ := newTestDeployer(t)
	app := testApp()

	deployActive(t, deployer)

	_, err := deployer.packages.Unpack(app.Tenant, 42, packageTar(t, testManifest))
	require.NoError(t, err)

	deployer.DeleteExpiredLocalSessions()
	assert.False(t, deployer.packages.Exists(app.Tenant, 42))
}

func TestActiveFileReferences(t *testing.T) {
	deployer, _ := newTestDeployer(t)

	deployActive(t, deployer)

	inUse, err := deployer.ActiveFileReferences()
	require.NoError(t, err)
	assert.True(t, inUse["blob-a"])
	assert.Len(t, inUse, 1)
}
