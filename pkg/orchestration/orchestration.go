// Package orchestration tracks applications whose activation is
// administratively suspended. Activation consults the registry and refuses
// to promote a suspended application.
package orchestration

import (
	"sync"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/types"
)

// Orchestrator answers whether an application may be acted on
type Orchestrator interface {
	IsSuspended(app types.ApplicationID) bool
	Suspend(app types.ApplicationID)
	Resume(app types.ApplicationID)
}

// Registry is an in-memory Orchestrator implementation
type Registry struct {
	mu        sync.RWMutex
	suspended map[types.ApplicationID]bool
}

// NewRegistry creates an empty suspension registry
func NewRegistry() *Registry {
	return &Registry{
		suspended: make(map[types.ApplicationID]bool),
	}
}

// IsSuspended reports whether the application is suspended
func (r *Registry) IsSuspended(app types.ApplicationID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.suspended[app]
}

// Suspend marks the application suspended
func (r *Registry) Suspend(app types.ApplicationID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.suspended[app] = true

	log.WithApplication(app.String()).Info().Msg("application suspended")
}

// Resume clears the application's suspension
func (r *Registry) Resume(app types.ApplicationID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.suspended, app)

	log.WithApplication(app.String()).Info().Msg("application resumed")
}
