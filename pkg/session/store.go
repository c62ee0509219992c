package session

import (
	"sort"
	"sync"
	"time"

	"github.com/cuemby/burrow/pkg/types"
)

// Store is a replica's in-memory view of its local sessions. The consensus
// store holds the cluster truth; this holds what this replica can serve from
// disk, plus discovery times for sessions whose metadata came back broken.
type Store struct {
	mu     sync.RWMutex
	tenant string
	local  map[uint64]*View

	// brokenSince records when a broken session was first observed. Broken
	// sessions have no trustworthy create time, so their grace window is
	// measured from here.
	brokenSince map[uint64]time.Time
}

// NewStore creates an empty local session store for a tenant
func NewStore(tenant string) *Store {
	return &Store{
		tenant:      tenant,
		local:       make(map[uint64]*View),
		brokenSince: make(map[uint64]time.Time),
	}
}

// Tenant returns the tenant this store belongs to
func (s *Store) Tenant() string {
	return s.tenant
}

// Put stores or replaces a local session view. A broken view gets its
// discovery time recorded on first sight; a healthy view clears it.
func (s *Store) Put(v *View, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := v.Meta.ID
	s.local[id] = v
	if v.Broken() {
		if _, seen := s.brokenSince[id]; !seen {
			s.brokenSince[id] = now
		}
	} else {
		delete(s.brokenSince, id)
	}
}

// Get returns the local view for a session id
func (s *Store) Get(id uint64) (*View, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.local[id]
	return v, ok
}

// Remove drops a session from the local view
func (s *Store) Remove(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.local, id)
	delete(s.brokenSince, id)
}

// List returns all local views ordered by session id. Broken sessions are
// included; callers filtering for serveable sessions check Broken().
func (s *Store) List() []*View {
	s.mu.RLock()
	defer s.mu.RUnlock()

	views := make([]*View, 0, len(s.local))
	for _, v := range s.local {
		views = append(views, v)
	}
	sort.Slice(views, func(i, j int) bool { return views[i].Meta.ID < views[j].Meta.ID })
	return views
}

// BrokenSince returns when a broken session was first observed
func (s *Store) BrokenSince(id uint64) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.brokenSince[id]
	return t, ok
}

// ExpiryPolicy holds the retention windows consulted by expiry candidacy
type ExpiryPolicy struct {
	// SessionLifetime is how long a non-active session is kept after creation
	SessionLifetime time.Duration

	// UnknownStatusGrace is how long a broken session is kept after
	// discovery. Materially longer than SessionLifetime so evidence of a
	// corrupted write survives long enough for repair.
	UnknownStatusGrace time.Duration
}

// ExpiredLocal returns the ids of local sessions eligible for deletion at
// the given instant. Candidacy is re-derived from current state on every
// call. The active session for an application is never a candidate; the
// caller excludes active ids via the activeIDs set.
func (s *Store) ExpiredLocal(now time.Time, policy ExpiryPolicy, activeIDs map[uint64]bool) []uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var expired []uint64
	for id, v := range s.local {
		if activeIDs[id] {
			continue
		}
		if v.Meta != nil && v.Meta.Status == types.StatusActivate {
			continue
		}

		if v.Broken() {
			since, ok := s.brokenSince[id]
			if !ok {
				continue
			}
			if now.Sub(since) > policy.UnknownStatusGrace {
				expired = append(expired, id)
			}
			continue
		}

		if v.Age(now) > policy.SessionLifetime {
			expired = append(expired, id)
		}
	}

	sort.Slice(expired, func(i, j int) bool { return expired[i] < expired[j] })
	return expired
}
