package types

import (
	"fmt"
	"strings"
	"time"
)

// ApplicationID identifies a tenant-scoped workload. It is an immutable
// triple and the identity key for application directory entries.
type ApplicationID struct {
	Tenant      string `json:"tenant"`
	Application string `json:"application"`
	Instance    string `json:"instance"`
}

// NewApplicationID creates an ApplicationID from its three parts.
func NewApplicationID(tenant, application, instance string) ApplicationID {
	return ApplicationID{Tenant: tenant, Application: application, Instance: instance}
}

// ParseApplicationID parses the serialized "tenant:application:instance" form.
func ParseApplicationID(s string) (ApplicationID, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return ApplicationID{}, fmt.Errorf("invalid application id: %q", s)
	}
	return ApplicationID{Tenant: parts[0], Application: parts[1], Instance: parts[2]}, nil
}

// String returns the serialized form used as a directory key.
func (a ApplicationID) String() string {
	return a.Tenant + ":" + a.Application + ":" + a.Instance
}

// Compare defines a total order over application ids for deterministic
// iteration (tenant, then application, then instance).
func (a ApplicationID) Compare(b ApplicationID) int {
	if c := strings.Compare(a.Tenant, b.Tenant); c != 0 {
		return c
	}
	if c := strings.Compare(a.Application, b.Application); c != 0 {
		return c
	}
	return strings.Compare(a.Instance, b.Instance)
}

// IsZero reports whether the id is unset.
func (a ApplicationID) IsZero() bool {
	return a.Tenant == "" && a.Application == "" && a.Instance == ""
}

// SessionStatus represents the lifecycle state of a session
type SessionStatus string

const (
	StatusNew        SessionStatus = "new"
	StatusPrepare    SessionStatus = "prepare"
	StatusActivate   SessionStatus = "activate"
	StatusDeactivate SessionStatus = "deactivate"
	StatusDelete     SessionStatus = "delete"
	StatusUnknown    SessionStatus = "unknown"
)

// CanTransition reports whether moving from s to next is a legal forward
// transition. Status only moves forward along new→prepare→activate→deactivate,
// or to delete from any state. Unknown is assigned when persisted metadata
// cannot be read back; it is never transitioned into explicitly and only
// leaves via delete.
func (s SessionStatus) CanTransition(next SessionStatus) bool {
	if next == StatusDelete {
		return true
	}
	switch s {
	case StatusNew:
		return next == StatusPrepare
	case StatusPrepare:
		return next == StatusActivate
	case StatusActivate:
		return next == StatusDeactivate
	default:
		return false
	}
}

// Session is the unit of staged or active configuration. Metadata is owned
// by the session lifecycle manager; sweepers only ever set StatusDelete.
type Session struct {
	ID            uint64        `json:"id"`
	Tenant        string        `json:"tenant"`
	Status        SessionStatus `json:"status"`
	ApplicationID ApplicationID `json:"application_id,omitempty"`
	CreateTime    time.Time     `json:"create_time"`

	// PreviousActiveGeneration is the session id that was active for this
	// application when the session was derived. It is the expected value of
	// the optimistic check at activation time.
	PreviousActiveGeneration uint64 `json:"previous_active_generation"`

	// PackageRef locates the unpacked application package on local disk.
	PackageRef string `json:"package_ref,omitempty"`

	// HostCapacity is the number of hosts the application's clusters
	// require, recorded at prepare time from the package manifest.
	HostCapacity int `json:"host_capacity,omitempty"`

	// FileReferences names the content-addressed file blobs the package
	// distributes to the fleet, recorded at prepare time.
	FileReferences []string `json:"file_references,omitempty"`

	// Actions are the change actions computed at prepare time. Reindex
	// actions become pending reindexing records when the session activates.
	Actions []ChangeAction `json:"actions,omitempty"`

	// Internal marks sessions derived by the system itself rather than by a
	// client redeploy.
	Internal bool `json:"internal,omitempty"`
}

// AppGeneration pairs an application's active session id with the cluster
// generation at which it was last activated.
type AppGeneration struct {
	SessionID  uint64 `json:"session_id"`
	Generation int64  `json:"generation"`
}

// ChangeActionKind classifies the restart/refeed/reindex actions a prepared
// session requires before its configuration fully takes effect.
type ChangeActionKind string

const (
	ChangeActionRestart ChangeActionKind = "restart"
	ChangeActionRefeed  ChangeActionKind = "refeed"
	ChangeActionReindex ChangeActionKind = "reindex"
)

// ChangeAction describes one required action computed during prepare.
type ChangeAction struct {
	Kind     ChangeActionKind `json:"kind"`
	Cluster  string           `json:"cluster"`
	Document string           `json:"document,omitempty"`
	Message  string           `json:"message"`
}

// PrepareResult is returned by prepare with the computed change actions.
type PrepareResult struct {
	SessionID     uint64         `json:"session_id"`
	ApplicationID ApplicationID  `json:"application_id"`
	Actions       []ChangeAction `json:"actions,omitempty"`
}

// PrepareParams carries the caller-supplied inputs to prepare.
type PrepareParams struct {
	ApplicationID ApplicationID
	Budget        TimeBudget
}

// Node represents a config-serving host in the fleet
type Node struct {
	ID            string            `json:"id"`
	Address       string            `json:"address"`
	Labels        map[string]string `json:"labels,omitempty"`
	Capacity      int               `json:"capacity"`
	Allocated     int               `json:"allocated"`
	Status        NodeStatus        `json:"status"`
	LastHeartbeat time.Time         `json:"last_heartbeat"`
	CreatedAt     time.Time         `json:"created_at"`
}

// NodeStatus represents the current state of a node
type NodeStatus string

const (
	NodeStatusReady    NodeStatus = "ready"
	NodeStatusDown     NodeStatus = "down"
	NodeStatusDraining NodeStatus = "draining"
	NodeStatusUnknown  NodeStatus = "unknown"
)
