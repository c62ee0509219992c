package types

import "time"

// reindexingKey identifies a (cluster, document type) pair.
type reindexingKey struct {
	Cluster  string
	Document string
}

// ReindexingStatus records a pending config generation for one document type.
type ReindexingStatus struct {
	Cluster           string    `json:"cluster"`
	Document          string    `json:"document"`
	PendingGeneration int64     `json:"pending_generation,omitempty"`
	ReadyAt           time.Time `json:"ready_at,omitempty"`
	Speed             float64   `json:"speed,omitempty"`
}

// Reindexing tracks per (cluster, document type) reindexing progress for an
// application. Values are immutable: every mutation returns a new instance,
// so readers never need a lock.
type Reindexing struct {
	statuses map[reindexingKey]ReindexingStatus
}

// NewReindexing returns an empty progress record.
func NewReindexing() Reindexing {
	return Reindexing{}
}

// WithPending returns a copy with a pending generation recorded for the
// given cluster and document type.
func (r Reindexing) WithPending(cluster, document string, generation int64) Reindexing {
	out := r.clone()
	key := reindexingKey{Cluster: cluster, Document: document}
	s := out.statuses[key]
	s.Cluster = cluster
	s.Document = document
	s.PendingGeneration = generation
	out.statuses[key] = s
	return out
}

// WithReady returns a copy with readiness recorded for the given cluster and
// document type.
func (r Reindexing) WithReady(cluster, document string, readyAt time.Time, speed float64) Reindexing {
	out := r.clone()
	key := reindexingKey{Cluster: cluster, Document: document}
	s := out.statuses[key]
	s.Cluster = cluster
	s.Document = document
	s.ReadyAt = readyAt
	s.Speed = speed
	out.statuses[key] = s
	return out
}

// Status returns the record for a cluster and document type, if present.
func (r Reindexing) Status(cluster, document string) (ReindexingStatus, bool) {
	s, ok := r.statuses[reindexingKey{Cluster: cluster, Document: document}]
	return s, ok
}

// All returns every recorded status.
func (r Reindexing) All() []ReindexingStatus {
	out := make([]ReindexingStatus, 0, len(r.statuses))
	for _, s := range r.statuses {
		out = append(out, s)
	}
	return out
}

func (r Reindexing) clone() Reindexing {
	statuses := make(map[reindexingKey]ReindexingStatus, len(r.statuses)+1)
	for k, v := range r.statuses {
		statuses[k] = v
	}
	return Reindexing{statuses: statuses}
}

// MarshalStatuses flattens the record for JSON persistence.
func (r Reindexing) MarshalStatuses() []ReindexingStatus {
	return r.All()
}

// ReindexingFromStatuses rebuilds a record from persisted statuses.
func ReindexingFromStatuses(statuses []ReindexingStatus) Reindexing {
	r := Reindexing{statuses: make(map[reindexingKey]ReindexingStatus, len(statuses))}
	for _, s := range statuses {
		r.statuses[reindexingKey{Cluster: s.Cluster, Document: s.Document}] = s
	}
	return r
}
