package storage

import (
	"github.com/cuemby/burrow/pkg/types"
)

// Store defines the interface for replicated control-plane state.
// This is implemented by BoltDB-backed storage; every replica holds a full
// copy kept converged through the Raft log.
type Store interface {
	// Sessions
	CreateSession(tenant string, session *types.Session) error
	GetSession(tenant string, id uint64) (*types.Session, error)
	ListSessions(tenant string) ([]*types.Session, error)
	UpdateSession(tenant string, session *types.Session) error
	DeleteSession(tenant string, id uint64) error

	// Application directory
	ActiveSession(tenant string, app types.ApplicationID) (uint64, error)
	ListApplications(tenant string) (map[types.ApplicationID]uint64, error)

	// PutApplication writes a directory entry directly, bypassing the
	// activation protocol. Used for snapshot restore and repair.
	PutApplication(tenant string, app types.ApplicationID, sessionID uint64) error

	// Activate performs the activation transaction: directory write, new
	// session to activate, previous session to deactivate, generation bump.
	// All-or-nothing within a single store transaction.
	Activate(tenant string, app types.ApplicationID, sessionID, expectedActive uint64, force bool) (int64, error)

	// RemoveApplication deletes the directory entry and marks the active
	// session for deletion. Returns false if the application had no entry.
	RemoveApplication(tenant string, app types.ApplicationID) (bool, int64, error)

	// Reindexing progress records, per application
	GetReindexing(tenant string, app types.ApplicationID) (types.Reindexing, error)
	PutReindexing(tenant string, app types.ApplicationID, r types.Reindexing) error

	// Counters
	NextSessionID() (uint64, error)
	LastSessionID() (uint64, error)
	Generation() (int64, error)

	// RestoreCounters overwrites both counters. Snapshot restore only.
	RestoreCounters(sessionID uint64, generation int64) error

	// Tenants
	ListTenants() ([]string, error)

	// Nodes
	CreateNode(node *types.Node) error
	GetNode(id string) (*types.Node, error)
	ListNodes() ([]*types.Node, error)
	UpdateNode(node *types.Node) error
	DeleteNode(id string) error

	// Utility
	Close() error
}
