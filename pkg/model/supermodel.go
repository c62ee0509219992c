package model

import (
	"sync"

	"github.com/cuemby/burrow/pkg/events"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/types"
)

// DirectorySource supplies the cluster truth for rebuilding the aggregate:
// the application directories of every tenant and the current generation.
type DirectorySource interface {
	ListTenants() ([]string, error)
	ListApplications(tenant string) (map[types.ApplicationID]uint64, error)
	Generation() (int64, error)
}

// SuperModel is the generation-stamped aggregate of active applications.
// Reads are served from memory; writes arrive as activation/removal events
// and as full rebuilds from the directory at startup or on demand.
type SuperModel struct {
	mu         sync.RWMutex
	generation int64
	active     map[types.ApplicationID]types.AppGeneration

	source DirectorySource
	sub    events.Subscriber
	stopCh chan struct{}
}

// NewSuperModel creates an empty aggregate over the given directory source
func NewSuperModel(source DirectorySource) *SuperModel {
	return &SuperModel{
		active: make(map[types.ApplicationID]types.AppGeneration),
		source: source,
		stopCh: make(chan struct{}),
	}
}

// CurrentGeneration returns the cluster generation of the last applied
// activate or remove. Clients compare it to a remembered value to detect
// "nothing changed" and skip re-fetching.
func (s *SuperModel) CurrentGeneration() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generation
}

// ActiveApplications returns a copy of the active application set with the
// generation each was activated at.
func (s *SuperModel) ActiveApplications() map[types.ApplicationID]types.AppGeneration {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[types.ApplicationID]types.AppGeneration, len(s.active))
	for app, gen := range s.active {
		out[app] = gen
	}
	return out
}

// Rebuild reloads the aggregate from the directory source. Called at
// startup and whenever the event stream may have been missed.
func (s *SuperModel) Rebuild() error {
	tenants, err := s.source.ListTenants()
	if err != nil {
		return err
	}

	generation, err := s.source.Generation()
	if err != nil {
		return err
	}

	active := make(map[types.ApplicationID]types.AppGeneration)
	for _, tenant := range tenants {
		apps, err := s.source.ListApplications(tenant)
		if err != nil {
			return err
		}
		for app, sessionID := range apps {
			active[app] = types.AppGeneration{SessionID: sessionID, Generation: generation}
		}
	}

	s.mu.Lock()
	s.generation = generation
	s.active = active
	s.mu.Unlock()

	metrics.SuperModelGeneration.Set(float64(generation))

	log.WithComponent("supermodel").Info().
		Int64("generation", generation).
		Int("applications", len(active)).
		Msg("aggregate rebuilt")

	return nil
}

// Start subscribes to the broker and folds activation and removal events
// into the aggregate until Stop is called.
func (s *SuperModel) Start(broker *events.Broker) {
	s.sub = broker.Subscribe()
	go s.run()
}

// Stop stops the event loop
func (s *SuperModel) Stop() {
	close(s.stopCh)
}

func (s *SuperModel) run() {
	for {
		select {
		case event, ok := <-s.sub:
			if !ok {
				return
			}
			s.handle(event)
		case <-s.stopCh:
			return
		}
	}
}

func (s *SuperModel) handle(event *events.Event) {
	switch event.Type {
	case events.EventApplicationActivated:
		app, err := types.ParseApplicationID(event.Application)
		if err != nil {
			log.WithComponent("supermodel").Warn().Err(err).Msg("bad application id in event")
			return
		}
		s.apply(func() {
			s.active[app] = types.AppGeneration{SessionID: event.SessionID, Generation: event.Generation}
			if event.Generation > s.generation {
				s.generation = event.Generation
			}
		})

	case events.EventApplicationRemoved:
		app, err := types.ParseApplicationID(event.Application)
		if err != nil {
			log.WithComponent("supermodel").Warn().Err(err).Msg("bad application id in event")
			return
		}
		s.apply(func() {
			delete(s.active, app)
			if event.Generation > s.generation {
				s.generation = event.Generation
			}
		})
	}
}

func (s *SuperModel) apply(fn func()) {
	s.mu.Lock()
	fn()
	generation := s.generation
	s.mu.Unlock()

	metrics.SuperModelGeneration.Set(float64(generation))
}
