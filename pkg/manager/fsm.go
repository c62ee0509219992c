package manager

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/cuemby/burrow/pkg/storage"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/hashicorp/raft"
)

// BurrowFSM implements the Raft Finite State Machine for the control plane.
// It applies committed log entries to the local store; the Raft log is the
// single serialization point for cross-replica invariants such as the
// one-active-session-per-application rule.
type BurrowFSM struct {
	mu    sync.RWMutex
	store storage.Store
}

// NewBurrowFSM creates a new FSM instance
func NewBurrowFSM(store storage.Store) *BurrowFSM {
	return &BurrowFSM{
		store: store,
	}
}

// Command represents a state change operation in the Raft log
type Command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

// sessionCommand carries session metadata writes
type sessionCommand struct {
	Tenant  string         `json:"tenant"`
	Session *types.Session `json:"session"`
}

// sessionRefCommand references a session by id
type sessionRefCommand struct {
	Tenant string `json:"tenant"`
	ID     uint64 `json:"id"`
}

// activateCommand carries the activation transaction inputs, including the
// expected active generation of the optimistic check
type activateCommand struct {
	Tenant         string              `json:"tenant"`
	Application    types.ApplicationID `json:"application"`
	SessionID      uint64              `json:"session_id"`
	ExpectedActive uint64              `json:"expected_active"`
	Force          bool                `json:"force"`
}

// applicationCommand references an application directory entry
type applicationCommand struct {
	Tenant      string              `json:"tenant"`
	Application types.ApplicationID `json:"application"`
}

// reindexingCommand carries reindexing progress updates
type reindexingCommand struct {
	Tenant      string                   `json:"tenant"`
	Application types.ApplicationID      `json:"application"`
	Statuses    []types.ReindexingStatus `json:"statuses"`
}

// ActivateResult is the FSM response to an activate command
type ActivateResult struct {
	Generation int64
}

// RemoveResult is the FSM response to a remove_application command
type RemoveResult struct {
	Removed    bool
	Generation int64
}

// AllocateResult is the FSM response to an allocate_session_id command
type AllocateResult struct {
	ID uint64
}

// Apply applies a Raft log entry to the FSM
// This is called by Raft when a log entry is committed
func (f *BurrowFSM) Apply(log *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return fmt.Errorf("failed to unmarshal command: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Op {
	// Session operations
	case "create_session":
		var sc sessionCommand
		if err := json.Unmarshal(cmd.Data, &sc); err != nil {
			return err
		}
		return f.store.CreateSession(sc.Tenant, sc.Session)

	case "update_session":
		var sc sessionCommand
		if err := json.Unmarshal(cmd.Data, &sc); err != nil {
			return err
		}
		return f.store.UpdateSession(sc.Tenant, sc.Session)

	case "delete_session":
		var sc sessionRefCommand
		if err := json.Unmarshal(cmd.Data, &sc); err != nil {
			return err
		}
		return f.store.DeleteSession(sc.Tenant, sc.ID)

	// Activation protocol
	case "activate":
		var ac activateCommand
		if err := json.Unmarshal(cmd.Data, &ac); err != nil {
			return err
		}
		generation, err := f.store.Activate(ac.Tenant, ac.Application, ac.SessionID, ac.ExpectedActive, ac.Force)
		if err != nil {
			return err
		}
		return &ActivateResult{Generation: generation}

	case "remove_application":
		var rc applicationCommand
		if err := json.Unmarshal(cmd.Data, &rc); err != nil {
			return err
		}
		removed, generation, err := f.store.RemoveApplication(rc.Tenant, rc.Application)
		if err != nil {
			return err
		}
		return &RemoveResult{Removed: removed, Generation: generation}

	// Counter operations
	case "allocate_session_id":
		id, err := f.store.NextSessionID()
		if err != nil {
			return err
		}
		return &AllocateResult{ID: id}

	// Reindexing operations
	case "put_reindexing":
		var rc reindexingCommand
		if err := json.Unmarshal(cmd.Data, &rc); err != nil {
			return err
		}
		return f.store.PutReindexing(rc.Tenant, rc.Application, types.ReindexingFromStatuses(rc.Statuses))

	// Node operations
	case "create_node":
		var node types.Node
		if err := json.Unmarshal(cmd.Data, &node); err != nil {
			return err
		}
		return f.store.CreateNode(&node)

	case "update_node":
		var node types.Node
		if err := json.Unmarshal(cmd.Data, &node); err != nil {
			return err
		}
		return f.store.UpdateNode(&node)

	case "delete_node":
		var nodeID string
		if err := json.Unmarshal(cmd.Data, &nodeID); err != nil {
			return err
		}
		return f.store.DeleteNode(nodeID)

	default:
		return fmt.Errorf("unknown command: %s", cmd.Op)
	}
}

// Snapshot creates a point-in-time snapshot of the FSM
// This is called periodically by Raft to compact the log
func (f *BurrowFSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	tenants, err := f.store.ListTenants()
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}

	snapshot := &BurrowSnapshot{}

	for _, tenant := range tenants {
		sessions, err := f.store.ListSessions(tenant)
		if err != nil {
			return nil, fmt.Errorf("failed to list sessions for %s: %w", tenant, err)
		}

		apps, err := f.store.ListApplications(tenant)
		if err != nil {
			return nil, fmt.Errorf("failed to list applications for %s: %w", tenant, err)
		}

		ts := tenantSnapshot{Name: tenant, Sessions: sessions, Applications: make(map[string]uint64, len(apps))}
		for app, sessionID := range apps {
			ts.Applications[app.String()] = sessionID
		}
		snapshot.Tenants = append(snapshot.Tenants, ts)
	}

	nodes, err := f.store.ListNodes()
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	snapshot.Nodes = nodes

	generation, err := f.store.Generation()
	if err != nil {
		return nil, fmt.Errorf("failed to read generation: %w", err)
	}
	snapshot.Generation = generation

	sessionID, err := f.store.LastSessionID()
	if err != nil {
		return nil, fmt.Errorf("failed to read session counter: %w", err)
	}
	snapshot.SessionID = sessionID

	return snapshot, nil
}

// Restore restores the FSM from a snapshot
// This is called when a node restarts or joins the cluster
func (f *BurrowFSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snapshot BurrowSnapshot
	if err := json.NewDecoder(rc).Decode(&snapshot); err != nil {
		return fmt.Errorf("failed to decode snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	for _, tenant := range snapshot.Tenants {
		for _, session := range tenant.Sessions {
			if err := f.store.CreateSession(tenant.Name, session); err != nil {
				return fmt.Errorf("failed to restore session: %w", err)
			}
		}

		for key, sessionID := range tenant.Applications {
			app, err := types.ParseApplicationID(key)
			if err != nil {
				return fmt.Errorf("failed to restore application %q: %w", key, err)
			}
			if err := f.store.PutApplication(tenant.Name, app, sessionID); err != nil {
				return fmt.Errorf("failed to restore application: %w", err)
			}
		}
	}

	for _, node := range snapshot.Nodes {
		if err := f.store.CreateNode(node); err != nil {
			return fmt.Errorf("failed to restore node: %w", err)
		}
	}

	if err := f.store.RestoreCounters(snapshot.SessionID, snapshot.Generation); err != nil {
		return fmt.Errorf("failed to restore counters: %w", err)
	}

	return nil
}

// tenantSnapshot holds one tenant's sessions and directory entries
type tenantSnapshot struct {
	Name         string
	Sessions     []*types.Session
	Applications map[string]uint64
}

// BurrowSnapshot represents a point-in-time snapshot of cluster state
type BurrowSnapshot struct {
	Tenants    []tenantSnapshot
	Nodes      []*types.Node
	SessionID  uint64
	Generation int64
}

// Persist writes the snapshot to the given SnapshotSink
func (s *BurrowSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s); err != nil {
			return err
		}
		return sink.Close()
	}()

	if err != nil {
		sink.Cancel()
	}

	return err
}

// Release releases the snapshot resources
func (s *BurrowSnapshot) Release() {}
