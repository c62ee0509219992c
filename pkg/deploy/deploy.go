package deploy

import (
	"io"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/burrow/pkg/errdefs"
	"github.com/cuemby/burrow/pkg/events"
	"github.com/cuemby/burrow/pkg/filestore"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/model"
	"github.com/cuemby/burrow/pkg/orchestration"
	"github.com/cuemby/burrow/pkg/provision"
	"github.com/cuemby/burrow/pkg/session"
	"github.com/cuemby/burrow/pkg/types"
)

// Cluster is the consensus-backed state surface the deployer writes
// through. Satisfied by manager.Manager; tests substitute a fake applying
// commands to a local store.
type Cluster interface {
	AllocateSessionID(timeout time.Duration) (uint64, error)
	CreateSession(tenant string, s *types.Session, timeout time.Duration) error
	UpdateSession(tenant string, s *types.Session, timeout time.Duration) error
	DeleteSession(tenant string, id uint64, timeout time.Duration) error
	Activate(tenant string, app types.ApplicationID, sessionID, expectedActive uint64, force bool, timeout time.Duration) (int64, error)
	RemoveApplication(tenant string, app types.ApplicationID, timeout time.Duration) (bool, int64, error)

	GetSession(tenant string, id uint64) (*types.Session, error)
	ListSessions(tenant string) ([]*types.Session, error)
	ActiveSession(tenant string, app types.ApplicationID) (uint64, error)
	ListApplications(tenant string) (map[types.ApplicationID]uint64, error)
	ListTenants() ([]string, error)

	GetReindexing(tenant string, app types.ApplicationID) (types.Reindexing, error)
	PutReindexing(tenant string, app types.ApplicationID, r types.Reindexing, timeout time.Duration) error

	PublishEvent(event *events.Event)
}

// Deployer orchestrates the session lifecycle for all tenants on this
// replica.
type Deployer struct {
	cluster      Cluster
	packages     *filestore.PackageStore
	validator    model.Validator
	provisioner  provision.Provisioner
	orchestrator orchestration.Orchestrator
	policy       session.ExpiryPolicy

	mu    sync.Mutex
	local map[string]*session.Store
	locks map[types.ApplicationID]*sync.Mutex
	nowFn func() time.Time
}

// Config holds the deployer's collaborators and retention policy
type Config struct {
	Cluster      Cluster
	Packages     *filestore.PackageStore
	Validator    model.Validator
	Provisioner  provision.Provisioner
	Orchestrator orchestration.Orchestrator
	Policy       session.ExpiryPolicy
}

// NewDeployer creates a deployer
func NewDeployer(cfg Config) *Deployer {
	return &Deployer{
		cluster:      cfg.Cluster,
		packages:     cfg.Packages,
		validator:    cfg.Validator,
		provisioner:  cfg.Provisioner,
		orchestrator: cfg.Orchestrator,
		policy:       cfg.Policy,
		local:        make(map[string]*session.Store),
		locks:        make(map[types.ApplicationID]*sync.Mutex),
		nowFn:        time.Now,
	}
}

// LocalStore returns (creating if needed) the tenant's local session view
func (d *Deployer) LocalStore(tenant string) *session.Store {
	d.mu.Lock()
	defer d.mu.Unlock()

	store, ok := d.local[tenant]
	if !ok {
		store = session.NewStore(tenant)
		d.local[tenant] = store
	}
	return store
}

// appLock returns the per-application activation mutex. Only one activation
// per application may be in its commit step at a time; unrelated
// applications proceed unimpeded.
func (d *Deployer) appLock(app types.ApplicationID) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()

	lock, ok := d.locks[app]
	if !ok {
		lock = &sync.Mutex{}
		d.locks[app] = lock
	}
	return lock
}

func checkBudget(budget types.TimeBudget, step string) error {
	if budget.Expired() {
		return errdefs.Timeoutf("time budget exhausted at %s", step)
	}
	return nil
}

// CreateSession allocates a new session, writes NEW metadata, and unpacks
// the package tar stream into the session's local directory.
func (d *Deployer) CreateSession(app types.ApplicationID, budget types.TimeBudget, packageBytes io.Reader) (uint64, error) {
	if err := checkBudget(budget, "create"); err != nil {
		return 0, err
	}

	id, err := d.cluster.AllocateSessionID(budget.TimeLeft())
	if err != nil {
		return 0, err
	}

	// Session ids are never reused, so an existing directory means corrupt
	// local state. IllegalState, not Conflict: Conflict is reserved for
	// activation races where an expected/observed generation pair exists.
	if d.packages.Exists(app.Tenant, id) {
		return 0, errdefs.IllegalStatef("local state already exists for session %d", id)
	}

	dir, err := d.packages.Unpack(app.Tenant, id, packageBytes)
	if err != nil {
		return 0, err
	}

	// Record what was active when this session was derived; this is the
	// expected value of the optimistic check at activation time. A first
	// deployment has no directory entry and expects zero.
	observedActive, err := d.cluster.ActiveSession(app.Tenant, app)
	if err != nil && !errdefs.IsNotFound(err) {
		return 0, err
	}

	now := d.nowFn()
	meta := &types.Session{
		ID:                       id,
		Tenant:                   app.Tenant,
		Status:                   types.StatusNew,
		ApplicationID:            app,
		CreateTime:               now,
		PreviousActiveGeneration: observedActive,
		PackageRef:               dir,
	}

	if err := checkBudget(budget, "persist metadata"); err != nil {
		return 0, err
	}
	if err := d.cluster.CreateSession(app.Tenant, meta, budget.TimeLeft()); err != nil {
		return 0, err
	}

	d.LocalStore(app.Tenant).Put(session.Local(meta, dir), now)

	d.cluster.PublishEvent(&events.Event{
		Type:        events.EventSessionCreated,
		Tenant:      app.Tenant,
		Application: app.String(),
		SessionID:   id,
		Message:     "session created",
	})

	log.WithTenant(app.Tenant).Info().
		Uint64("session_id", id).
		Str("application", app.String()).
		Msg("session created")

	return id, nil
}

// CreateSessionFromExisting clones the active session's package as the
// initial content of a new session. The new session records the active
// session's id as its previous active generation.
func (d *Deployer) CreateSessionFromExisting(app types.ApplicationID, internal bool, budget types.TimeBudget) (uint64, error) {
	if err := checkBudget(budget, "create from existing"); err != nil {
		return 0, err
	}

	activeID, err := d.cluster.ActiveSession(app.Tenant, app)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return 0, errdefs.NotFoundf("application %s has no active session", app)
		}
		return 0, err
	}

	id, err := d.cluster.AllocateSessionID(budget.TimeLeft())
	if err != nil {
		return 0, err
	}

	dir, err := d.packages.Clone(app.Tenant, activeID, id)
	if err != nil {
		return 0, err
	}

	now := d.nowFn()
	meta := &types.Session{
		ID:                       id,
		Tenant:                   app.Tenant,
		Status:                   types.StatusNew,
		ApplicationID:            app,
		CreateTime:               now,
		PreviousActiveGeneration: activeID,
		PackageRef:               dir,
		Internal:                 internal,
	}

	if err := checkBudget(budget, "persist metadata"); err != nil {
		return 0, err
	}
	if err := d.cluster.CreateSession(app.Tenant, meta, budget.TimeLeft()); err != nil {
		return 0, err
	}

	d.LocalStore(app.Tenant).Put(session.Local(meta, dir), now)

	d.cluster.PublishEvent(&events.Event{
		Type:        events.EventSessionCreated,
		Tenant:      app.Tenant,
		Application: app.String(),
		SessionID:   id,
		Message:     "session derived from active session",
	})

	return id, nil
}

// Prepare validates the session's package, moves NEW to PREPARE, and
// returns the change actions the new configuration requires.
func (d *Deployer) Prepare(tenant string, sessionID uint64, params types.PrepareParams) (*types.PrepareResult, error) {
	timer := metrics.NewTimer()
	result, err := d.prepare(tenant, sessionID, params)
	timer.ObserveDurationVec(metrics.PrepareDuration, tenant)

	if err != nil {
		metrics.OperationsTotal.WithLabelValues("prepare", "error").Inc()
	} else {
		metrics.OperationsTotal.WithLabelValues("prepare", "success").Inc()
	}
	return result, err
}

func (d *Deployer) prepare(tenant string, sessionID uint64, params types.PrepareParams) (*types.PrepareResult, error) {
	if err := checkBudget(params.Budget, "prepare"); err != nil {
		return nil, err
	}

	meta, err := d.cluster.GetSession(tenant, sessionID)
	if err != nil {
		return nil, err
	}
	if meta.Status != types.StatusNew {
		return nil, errdefs.IllegalStatef("cannot prepare session in status %s", meta.Status).
			WithSession(sessionID)
	}

	app := meta.ApplicationID
	if app.IsZero() {
		if params.ApplicationID.IsZero() {
			return nil, errdefs.Validationf("session %d has no application id", sessionID)
		}
		app = params.ApplicationID
	}

	// The previously active manifest, if any, is the diff baseline.
	var previous *model.Manifest
	activeID, err := d.cluster.ActiveSession(tenant, app)
	if err == nil && activeID != 0 && d.packages.Exists(tenant, activeID) {
		if builder, ok := d.validator.(*model.Builder); ok {
			if m, err := builder.Load(d.packages.Path(tenant, activeID)); err == nil {
				previous = m
			}
		}
	}

	if err := checkBudget(params.Budget, "validate"); err != nil {
		return nil, err
	}

	built, err := d.validator.Validate(d.packages.Path(tenant, sessionID), previous)
	if err != nil {
		// Validation failure leaves the session in NEW.
		return nil, err
	}

	meta.Status = types.StatusPrepare
	meta.ApplicationID = app
	meta.HostCapacity = built.HostCapacity
	meta.FileReferences = built.FileReferences
	meta.Actions = built.Actions

	if err := checkBudget(params.Budget, "persist prepare"); err != nil {
		return nil, err
	}
	if err := d.cluster.UpdateSession(tenant, meta, params.Budget.TimeLeft()); err != nil {
		return nil, err
	}

	d.LocalStore(tenant).Put(session.Local(meta, meta.PackageRef), d.nowFn())

	d.cluster.PublishEvent(&events.Event{
		Type:        events.EventSessionPrepared,
		Tenant:      tenant,
		Application: app.String(),
		SessionID:   sessionID,
		Message:     "session prepared",
	})

	log.WithTenant(tenant).Info().
		Uint64("session_id", sessionID).
		Int("actions", len(built.Actions)).
		Msg("session prepared")

	return &types.PrepareResult{
		SessionID:     sessionID,
		ApplicationID: app,
		Actions:       built.Actions,
	}, nil
}

// Activate promotes a prepared session to active through the optimistic
// activation protocol. Unless force is set, a conflict between the
// directory's current active session and the session's recorded previous
// active generation fails without mutating state.
func (d *Deployer) Activate(tenant string, sessionID uint64, budget types.TimeBudget, force bool) error {
	timer := metrics.NewTimer()
	err := d.activate(tenant, sessionID, budget, force)
	timer.ObserveDurationVec(metrics.ActivateDuration, tenant)

	switch {
	case err == nil:
		metrics.OperationsTotal.WithLabelValues("activate", "success").Inc()
	case errdefs.IsConflict(err):
		metrics.OperationsTotal.WithLabelValues("activate", "conflict").Inc()
	default:
		metrics.OperationsTotal.WithLabelValues("activate", "error").Inc()
	}
	return err
}

func (d *Deployer) activate(tenant string, sessionID uint64, budget types.TimeBudget, force bool) error {
	if err := checkBudget(budget, "activate"); err != nil {
		return err
	}

	meta, err := d.cluster.GetSession(tenant, sessionID)
	if err != nil {
		return err
	}

	// Fail fast before any lock; the double-activate case stays cheap.
	switch meta.Status {
	case types.StatusPrepare:
	case types.StatusActivate:
		return errdefs.IllegalStatef("session is active").WithSession(sessionID)
	case types.StatusDeactivate:
		return errdefs.IllegalStatef("session was deactivated by a later activation").WithSession(sessionID)
	default:
		return errdefs.IllegalStatef("session is not prepared (status %s)", meta.Status).WithSession(sessionID)
	}

	app := meta.ApplicationID
	if app.IsZero() {
		return errdefs.IllegalStatef("session %d has no application id", sessionID)
	}

	if d.orchestrator != nil && d.orchestrator.IsSuspended(app) {
		return errdefs.Transientf("application %s is suspended", app)
	}

	if d.provisioner != nil && meta.HostCapacity > 0 {
		if err := checkBudget(budget, "provision hosts"); err != nil {
			return err
		}
		if _, err := d.provisioner.Prepare(app.String(), meta.HostCapacity); err != nil {
			return err
		}
	}

	lock := d.appLock(app)
	lock.Lock()
	defer lock.Unlock()

	if err := checkBudget(budget, "commit activation"); err != nil {
		return err
	}

	previousActive := meta.PreviousActiveGeneration
	generation, err := d.cluster.Activate(tenant, app, sessionID, previousActive, force, budget.TimeLeft())
	if err != nil {
		return err
	}

	now := d.nowFn()
	meta.Status = types.StatusActivate
	d.LocalStore(tenant).Put(session.Local(meta, meta.PackageRef), now)

	d.cluster.PublishEvent(&events.Event{
		Type:        events.EventSessionActivated,
		Tenant:      tenant,
		Application: app.String(),
		SessionID:   sessionID,
		Generation:  generation,
		Message:     "session activated",
	})
	d.cluster.PublishEvent(&events.Event{
		Type:        events.EventApplicationActivated,
		Tenant:      tenant,
		Application: app.String(),
		SessionID:   sessionID,
		Generation:  generation,
		Message:     "application activated",
	})
	if previousActive != 0 && previousActive != sessionID {
		d.cluster.PublishEvent(&events.Event{
			Type:        events.EventSessionDeactivated,
			Tenant:      tenant,
			Application: app.String(),
			SessionID:   previousActive,
			Generation:  generation,
			Message:     "session deactivated",
		})
	}

	d.recordReindexing(tenant, app, meta.Actions, generation, budget)

	log.WithTenant(tenant).Info().
		Uint64("session_id", sessionID).
		Str("application", app.String()).
		Int64("generation", generation).
		Bool("force", force).
		Msg("session activated")

	return nil
}

// recordReindexing marks a pending reindex at the activated generation for
// every reindex action computed at prepare time. The activation is already
// committed; a failure here is logged and the next activation retries.
func (d *Deployer) recordReindexing(tenant string, app types.ApplicationID, actions []types.ChangeAction, generation int64, budget types.TimeBudget) {
	var pending []types.ChangeAction
	for _, action := range actions {
		if action.Kind == types.ChangeActionReindex {
			pending = append(pending, action)
		}
	}
	if len(pending) == 0 {
		return
	}

	r, err := d.cluster.GetReindexing(tenant, app)
	if err != nil {
		log.WithTenant(tenant).Warn().Err(err).Msg("failed to load reindexing record")
		r = types.NewReindexing()
	}
	for _, action := range pending {
		r = r.WithPending(action.Cluster, action.Document, generation)
	}

	if err := d.cluster.PutReindexing(tenant, app, r, budget.TimeLeft()); err != nil {
		log.WithTenant(tenant).Warn().Err(err).
			Str("application", app.String()).
			Msg("failed to record pending reindexing")
	}
}

// Delete removes the application's directory entry and marks its active
// session for deletion. Returns false if the application had no active
// session; repeated calls past the first are no-ops returning false.
func (d *Deployer) Delete(app types.ApplicationID) (bool, error) {
	removed, generation, err := d.cluster.RemoveApplication(app.Tenant, app, 0)
	if err != nil {
		metrics.OperationsTotal.WithLabelValues("delete", "error").Inc()
		return false, err
	}
	if !removed {
		return false, nil
	}

	metrics.OperationsTotal.WithLabelValues("delete", "success").Inc()

	d.cluster.PublishEvent(&events.Event{
		Type:        events.EventApplicationRemoved,
		Tenant:      app.Tenant,
		Application: app.String(),
		Generation:  generation,
		Message:     "application removed",
	})

	log.WithTenant(app.Tenant).Info().
		Str("application", app.String()).
		Int64("generation", generation).
		Msg("application removed")

	return true, nil
}

// DeleteExpiredLocalSessions sweeps this replica's local sessions: removes
// package directories and metadata for sessions past their lifetime.
// Candidacy is re-derived from current state each run; single-session
// failures are logged and retried next run.
func (d *Deployer) DeleteExpiredLocalSessions() int {
	return d.deleteExpiredLocal(d.nowFn())
}

func (d *Deployer) deleteExpiredLocal(now time.Time) int {
	deleted := 0

	seen := make(map[string]bool)
	d.mu.Lock()
	for tenant := range d.local {
		seen[tenant] = true
	}
	d.mu.Unlock()

	// Enumerate from the consensus store too: after a restart the local
	// view is empty and every session must be re-discovered.
	if stored, err := d.cluster.ListTenants(); err != nil {
		log.WithComponent("deploy").Warn().Err(err).Msg("local sweep: failed to list tenants")
	} else {
		for _, tenant := range stored {
			seen[tenant] = true
		}
	}

	tenants := make([]string, 0, len(seen))
	for tenant := range seen {
		tenants = append(tenants, tenant)
	}
	sort.Strings(tenants)

	for _, tenant := range tenants {
		store := d.LocalStore(tenant)
		d.discoverLocal(tenant, store, now)

		activeIDs, err := d.activeSessionIDs(tenant)
		if err != nil {
			log.WithTenant(tenant).Warn().Err(err).Msg("local sweep: failed to read directory")
			continue
		}

		for _, id := range store.ExpiredLocal(now, d.policy, activeIDs) {
			if err := d.packages.Delete(tenant, id); err != nil {
				log.WithTenant(tenant).Warn().Err(err).Uint64("session_id", id).
					Msg("local sweep: failed to remove package directory")
				continue
			}
			if err := d.cluster.DeleteSession(tenant, id, 0); err != nil && !errdefs.IsNotFound(err) {
				log.WithTenant(tenant).Warn().Err(err).Uint64("session_id", id).
					Msg("local sweep: failed to delete metadata")
				// Directory is gone; the next sweep re-derives candidacy
				// and retries the metadata delete.
			}
			store.Remove(id)
			deleted++

			metrics.SessionsExpiredTotal.WithLabelValues("local").Inc()
			d.cluster.PublishEvent(&events.Event{
				Type:      events.EventSessionDeleted,
				Tenant:    tenant,
				SessionID: id,
				Message:   "expired local session deleted",
			})
		}
	}

	return deleted
}

// discoverLocal folds the consensus store's sessions into the local view.
// Sessions whose package directory is on this replica's disk become local
// views; sessions with unreadable metadata become tracked views so their
// grace window starts counting from this discovery. Package directories
// whose metadata is gone entirely are orphans and are removed.
func (d *Deployer) discoverLocal(tenant string, store *session.Store, now time.Time) {
	sessions, err := d.cluster.ListSessions(tenant)
	if err != nil {
		log.WithTenant(tenant).Warn().Err(err).Msg("discovery: failed to list sessions")
		return
	}

	known := make(map[uint64]bool, len(sessions))
	for _, meta := range sessions {
		known[meta.ID] = true
		if _, ok := store.Get(meta.ID); ok {
			continue
		}

		switch {
		case d.packages.Exists(tenant, meta.ID):
			store.Put(session.Local(meta, d.packages.Path(tenant, meta.ID)), now)
		case meta.Status == types.StatusUnknown:
			store.Put(session.Remote(meta), now)
		}
	}

	dirs, err := d.packages.SessionDirs(tenant)
	if err != nil {
		log.WithTenant(tenant).Warn().Err(err).Msg("discovery: failed to list package directories")
		return
	}
	for _, id := range dirs {
		if known[id] {
			continue
		}
		if err := d.packages.Delete(tenant, id); err != nil {
			log.WithTenant(tenant).Warn().Err(err).Uint64("session_id", id).
				Msg("discovery: failed to remove orphaned package directory")
			continue
		}
		store.Remove(id)
		log.WithTenant(tenant).Info().Uint64("session_id", id).
			Msg("removed orphaned package directory")
	}
}

// DeleteExpiredRemoteSessions sweeps the consensus store's sessions with an
// explicit clock: any session that is not its application's active session
// and is older than the session lifetime is deleted. Sessions already
// marked DELETE are removed regardless of age.
func (d *Deployer) DeleteExpiredRemoteSessions(now time.Time) int {
	deleted := 0

	tenants, err := d.cluster.ListTenants()
	if err != nil {
		log.WithComponent("deploy").Warn().Err(err).Msg("remote sweep: failed to list tenants")
		return 0
	}

	for _, tenant := range tenants {
		sessions, err := d.cluster.ListSessions(tenant)
		if err != nil {
			log.WithTenant(tenant).Warn().Err(err).Msg("remote sweep: failed to list sessions")
			continue
		}

		activeIDs, err := d.activeSessionIDs(tenant)
		if err != nil {
			log.WithTenant(tenant).Warn().Err(err).Msg("remote sweep: failed to read directory")
			continue
		}

		for _, meta := range sessions {
			if activeIDs[meta.ID] {
				// The active session is never deleted by expiry.
				continue
			}

			expired := meta.Status == types.StatusDelete ||
				(!meta.CreateTime.IsZero() && now.Sub(meta.CreateTime) > d.policy.SessionLifetime)
			if meta.Status == types.StatusUnknown {
				// Broken metadata gets the longer local grace window; the
				// local sweep owns its deletion.
				expired = false
			}
			if !expired {
				continue
			}

			if err := d.cluster.DeleteSession(tenant, meta.ID, 0); err != nil {
				log.WithTenant(tenant).Warn().Err(err).Uint64("session_id", meta.ID).
					Msg("remote sweep: failed to delete session")
				continue
			}
			if err := d.packages.Delete(tenant, meta.ID); err != nil {
				log.WithTenant(tenant).Warn().Err(err).Uint64("session_id", meta.ID).
					Msg("remote sweep: failed to remove package directory")
			}
			d.LocalStore(tenant).Remove(meta.ID)
			deleted++

			metrics.SessionsExpiredTotal.WithLabelValues("remote").Inc()
			d.cluster.PublishEvent(&events.Event{
				Type:      events.EventSessionDeleted,
				Tenant:    tenant,
				SessionID: meta.ID,
				Message:   "expired remote session deleted",
			})
		}
	}

	return deleted
}

// ActiveFileReferences returns the union of file references of all active
// sessions across tenants. The file GC retains exactly this set.
func (d *Deployer) ActiveFileReferences() (map[string]bool, error) {
	inUse := make(map[string]bool)

	tenants, err := d.cluster.ListTenants()
	if err != nil {
		return nil, err
	}

	for _, tenant := range tenants {
		apps, err := d.cluster.ListApplications(tenant)
		if err != nil {
			return nil, err
		}
		for _, sessionID := range apps {
			meta, err := d.cluster.GetSession(tenant, sessionID)
			if err != nil {
				continue
			}
			for _, ref := range meta.FileReferences {
				inUse[ref] = true
			}
		}
	}

	return inUse, nil
}

func (d *Deployer) activeSessionIDs(tenant string) (map[uint64]bool, error) {
	apps, err := d.cluster.ListApplications(tenant)
	if err != nil {
		return nil, err
	}
	active := make(map[uint64]bool, len(apps))
	for _, sessionID := range apps {
		active[sessionID] = true
	}
	return active, nil
}
