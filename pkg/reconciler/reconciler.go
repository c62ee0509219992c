// Package reconciler runs the background loops that keep a replica
// converged: expiry sweeps over local and remote sessions, the file
// reference GC, and the event-driven fold of remote session changes into
// the local view.
package reconciler

import (
	"time"

	"github.com/cuemby/burrow/pkg/deploy"
	"github.com/cuemby/burrow/pkg/events"
	"github.com/cuemby/burrow/pkg/filestore"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/session"
	"github.com/cuemby/burrow/pkg/types"
)

// Config holds the reconciler's loop intervals and retention windows
type Config struct {
	SweepInterval time.Duration
	GCInterval    time.Duration
	FileRetention time.Duration
}

// Reconciler drives the periodic sweeps. Each loop is independent; a
// failure in one cycle is logged and the next cycle retries from scratch.
type Reconciler struct {
	deployer *deploy.Deployer
	files    *filestore.FileDirectory
	broker   *events.Broker
	cfg      Config

	stopCh chan struct{}
	nowFn  func() time.Time
}

// NewReconciler creates a reconciler
func NewReconciler(deployer *deploy.Deployer, files *filestore.FileDirectory, broker *events.Broker, cfg Config) *Reconciler {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	if cfg.GCInterval <= 0 {
		cfg.GCInterval = 5 * time.Minute
	}
	return &Reconciler{
		deployer: deployer,
		files:    files,
		broker:   broker,
		cfg:      cfg,
		stopCh:   make(chan struct{}),
		nowFn:    time.Now,
	}
}

// Start launches the sweep, GC, and convergence loops
func (r *Reconciler) Start() {
	go r.sweepLoop()
	if r.files != nil {
		go r.gcLoop()
	}
	if r.broker != nil {
		go r.convergeLoop()
	}
}

// Stop stops all loops
func (r *Reconciler) Stop() {
	close(r.stopCh)
}

func (r *Reconciler) sweepLoop() {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.Sweep()
		case <-r.stopCh:
			return
		}
	}
}

// Sweep runs one expiry cycle over local and remote sessions
func (r *Reconciler) Sweep() {
	timer := metrics.NewTimer()

	localDeleted := r.deployer.DeleteExpiredLocalSessions()
	remoteDeleted := r.deployer.DeleteExpiredRemoteSessions(r.nowFn())

	timer.ObserveDuration(metrics.SweepDuration)
	metrics.SweepCyclesTotal.Inc()

	if localDeleted > 0 || remoteDeleted > 0 {
		log.WithComponent("reconciler").Info().
			Int("local_deleted", localDeleted).
			Int("remote_deleted", remoteDeleted).
			Msg("expiry sweep completed")
	}
}

func (r *Reconciler) gcLoop() {
	ticker := time.NewTicker(r.cfg.GCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.CollectFiles()
		case <-r.stopCh:
			return
		}
	}
}

// CollectFiles runs one file GC cycle: deletes blobs referenced by no
// active application and older than the retention window.
func (r *Reconciler) CollectFiles() []string {
	inUse, err := r.deployer.ActiveFileReferences()
	if err != nil {
		log.WithComponent("reconciler").Warn().Err(err).Msg("file gc: failed to collect references")
		return nil
	}

	deleted, err := r.files.DeleteUnreferenced(inUse, r.cfg.FileRetention, r.nowFn())
	if err != nil {
		log.WithComponent("reconciler").Warn().Err(err).Msg("file gc: sweep failed")
		return nil
	}

	if len(deleted) > 0 {
		log.WithComponent("reconciler").Info().
			Int("deleted", len(deleted)).
			Msg("file gc completed")
	}
	return deleted
}

// convergeLoop folds remote session lifecycle events into the local view so
// this replica tracks changes made by any replica between sweeps.
func (r *Reconciler) convergeLoop() {
	sub := r.broker.Subscribe()
	defer r.broker.Unsubscribe(sub)

	for {
		select {
		case event, ok := <-sub:
			if !ok {
				return
			}
			r.converge(event)
		case <-r.stopCh:
			return
		}
	}
}

func (r *Reconciler) converge(event *events.Event) {
	if event.Tenant == "" || event.SessionID == 0 {
		return
	}

	store := r.deployer.LocalStore(event.Tenant)

	switch event.Type {
	case events.EventSessionDeleted:
		store.Remove(event.SessionID)

	case events.EventSessionActivated, events.EventSessionDeactivated, events.EventSessionPrepared:
		view, ok := store.Get(event.SessionID)
		if !ok || view.Meta == nil {
			return
		}

		var next types.SessionStatus
		switch event.Type {
		case events.EventSessionActivated:
			next = types.StatusActivate
		case events.EventSessionDeactivated:
			next = types.StatusDeactivate
		case events.EventSessionPrepared:
			next = types.StatusPrepare
		}

		if view.Meta.Status == next || !view.Meta.Status.CanTransition(next) {
			return
		}

		meta := *view.Meta
		meta.Status = next
		store.Put(session.Local(&meta, view.PackagePath), r.nowFn())
	}
}
