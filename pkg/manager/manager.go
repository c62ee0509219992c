package manager

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/cuemby/burrow/pkg/events"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/storage"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
)

// defaultApplyTimeout bounds a single Raft apply round-trip. Callers with a
// tighter time budget pass their remaining budget instead.
const defaultApplyTimeout = 5 * time.Second

// Manager represents a burrow config-server replica. Writes go through the
// Raft log; reads are served from the local store copy.
type Manager struct {
	nodeID   string
	bindAddr string
	dataDir  string

	raft        *raft.Raft
	fsm         *BurrowFSM
	store       storage.Store
	eventBroker *events.Broker
}

// Config holds configuration for creating a Manager
type Config struct {
	NodeID   string
	BindAddr string
	DataDir  string
}

// NewManager creates a new Manager instance
func NewManager(cfg *Config) (*Manager, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}

	fsm := NewBurrowFSM(store)

	eventBroker := events.NewBroker()
	eventBroker.Start()

	m := &Manager{
		nodeID:      cfg.NodeID,
		bindAddr:    cfg.BindAddr,
		dataDir:     cfg.DataDir,
		fsm:         fsm,
		store:       store,
		eventBroker: eventBroker,
	}

	return m, nil
}

// Start sets up the Raft node. When bootstrap is true this node forms a new
// single-member cluster; otherwise it waits to be added as a voter by the
// current leader.
func (m *Manager) Start(bootstrap bool) error {
	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(m.nodeID)

	// Tune timeouts for LAN deployments; defaults are WAN-conservative.
	config.HeartbeatTimeout = 500 * time.Millisecond
	config.ElectionTimeout = 500 * time.Millisecond
	config.CommitTimeout = 50 * time.Millisecond
	config.LeaderLeaseTimeout = 250 * time.Millisecond

	addr, err := net.ResolveTCPAddr("tcp", m.bindAddr)
	if err != nil {
		return fmt.Errorf("failed to resolve bind address: %w", err)
	}

	transport, err := raft.NewTCPTransport(m.bindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return fmt.Errorf("failed to create transport: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(m.dataDir, 2, os.Stderr)
	if err != nil {
		return fmt.Errorf("failed to create snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(m.dataDir, "raft-log.db"))
	if err != nil {
		return fmt.Errorf("failed to create log store: %w", err)
	}

	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(m.dataDir, "raft-stable.db"))
	if err != nil {
		return fmt.Errorf("failed to create stable store: %w", err)
	}

	r, err := raft.NewRaft(config, m.fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return fmt.Errorf("failed to create raft: %w", err)
	}

	m.raft = r

	if bootstrap {
		configuration := raft.Configuration{
			Servers: []raft.Server{
				{
					ID:      config.LocalID,
					Address: transport.LocalAddr(),
				},
			},
		}

		future := m.raft.BootstrapCluster(configuration)
		if err := future.Error(); err != nil {
			return fmt.Errorf("failed to bootstrap cluster: %w", err)
		}
	}

	return nil
}

// AddVoter adds a new replica to the Raft cluster
func (m *Manager) AddVoter(nodeID, address string) error {
	if m.raft == nil {
		return fmt.Errorf("raft not initialized")
	}

	if !m.IsLeader() {
		return fmt.Errorf("not the leader, current leader: %s", m.LeaderAddr())
	}

	log.WithComponent("manager").Info().
		Str("node_id", nodeID).
		Str("address", address).
		Msg("adding voter")

	future := m.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(address), 0, 10*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to add voter: %w", err)
	}

	return nil
}

// RemoveServer removes a replica from the Raft cluster
func (m *Manager) RemoveServer(nodeID string) error {
	if m.raft == nil {
		return fmt.Errorf("raft not initialized")
	}

	if !m.IsLeader() {
		return fmt.Errorf("not the leader")
	}

	future := m.raft.RemoveServer(raft.ServerID(nodeID), 0, 10*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to remove server: %w", err)
	}

	return nil
}

// GetClusterServers returns information about all servers in the Raft cluster
func (m *Manager) GetClusterServers() ([]raft.Server, error) {
	if m.raft == nil {
		return nil, fmt.Errorf("raft not initialized")
	}

	future := m.raft.GetConfiguration()
	if err := future.Error(); err != nil {
		return nil, fmt.Errorf("failed to get configuration: %w", err)
	}

	return future.Configuration().Servers, nil
}

// IsLeader returns true if this replica is the Raft leader
func (m *Manager) IsLeader() bool {
	if m.raft == nil {
		return false
	}
	return m.raft.State() == raft.Leader
}

// LeaderAddr returns the address of the current Raft leader
func (m *Manager) LeaderAddr() string {
	if m.raft == nil {
		return ""
	}
	return string(m.raft.Leader())
}

// GetRaftStats returns Raft statistics
func (m *Manager) GetRaftStats() map[string]interface{} {
	if m.raft == nil {
		return nil
	}

	stats := make(map[string]interface{})
	stats["state"] = m.raft.State().String()
	stats["last_log_index"] = m.raft.LastIndex()
	stats["applied_index"] = m.raft.AppliedIndex()
	stats["leader"] = string(m.raft.Leader())

	return stats
}

// EventBroker returns the event broker
func (m *Manager) EventBroker() *events.Broker {
	return m.eventBroker
}

// PublishEvent publishes an event to all subscribers
func (m *Manager) PublishEvent(event *events.Event) {
	if m.eventBroker != nil {
		m.eventBroker.Publish(event)
	}
}

// apply submits a command to the Raft cluster and returns the FSM response.
// The timeout is clamped to the default apply timeout.
func (m *Manager) apply(cmd Command, timeout time.Duration) (interface{}, error) {
	if m.raft == nil {
		return nil, fmt.Errorf("raft not initialized")
	}

	if timeout <= 0 || timeout > defaultApplyTimeout {
		timeout = defaultApplyTimeout
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal command: %w", err)
	}

	future := m.raft.Apply(data, timeout)
	if err := future.Error(); err != nil {
		return nil, fmt.Errorf("failed to apply command: %w", err)
	}

	resp := future.Response()
	if err, ok := resp.(error); ok && err != nil {
		return nil, err
	}

	return resp, nil
}

func marshalCommand(op string, payload interface{}) (Command, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Command{}, err
	}
	return Command{Op: op, Data: data}, nil
}

// AllocateSessionID allocates the next session id from the cluster-wide
// counter. Values are strictly increasing and never reused.
func (m *Manager) AllocateSessionID(timeout time.Duration) (uint64, error) {
	resp, err := m.apply(Command{Op: "allocate_session_id"}, timeout)
	if err != nil {
		return 0, err
	}

	result, ok := resp.(*AllocateResult)
	if !ok {
		return 0, fmt.Errorf("unexpected allocate response %T", resp)
	}
	return result.ID, nil
}

// CreateSession persists new session metadata
func (m *Manager) CreateSession(tenant string, session *types.Session, timeout time.Duration) error {
	cmd, err := marshalCommand("create_session", sessionCommand{Tenant: tenant, Session: session})
	if err != nil {
		return err
	}
	_, err = m.apply(cmd, timeout)
	return err
}

// UpdateSession updates session metadata
func (m *Manager) UpdateSession(tenant string, session *types.Session, timeout time.Duration) error {
	cmd, err := marshalCommand("update_session", sessionCommand{Tenant: tenant, Session: session})
	if err != nil {
		return err
	}
	_, err = m.apply(cmd, timeout)
	return err
}

// DeleteSession removes session metadata
func (m *Manager) DeleteSession(tenant string, id uint64, timeout time.Duration) error {
	cmd, err := marshalCommand("delete_session", sessionRefCommand{Tenant: tenant, ID: id})
	if err != nil {
		return err
	}
	_, err = m.apply(cmd, timeout)
	return err
}

// Activate runs the activation transaction through the Raft log and returns
// the new cluster generation. Conflict and illegal-state errors from the
// FSM are returned unwrapped so callers can dispatch on their kind.
func (m *Manager) Activate(tenant string, app types.ApplicationID, sessionID, expectedActive uint64, force bool, timeout time.Duration) (int64, error) {
	cmd, err := marshalCommand("activate", activateCommand{
		Tenant:         tenant,
		Application:    app,
		SessionID:      sessionID,
		ExpectedActive: expectedActive,
		Force:          force,
	})
	if err != nil {
		return 0, err
	}

	resp, err := m.apply(cmd, timeout)
	if err != nil {
		return 0, err
	}

	result, ok := resp.(*ActivateResult)
	if !ok {
		return 0, fmt.Errorf("unexpected activate response %T", resp)
	}
	return result.Generation, nil
}

// RemoveApplication removes the directory entry and marks the active session
// for deletion. Returns false if the application had no active session.
func (m *Manager) RemoveApplication(tenant string, app types.ApplicationID, timeout time.Duration) (bool, int64, error) {
	cmd, err := marshalCommand("remove_application", applicationCommand{Tenant: tenant, Application: app})
	if err != nil {
		return false, 0, err
	}

	resp, err := m.apply(cmd, timeout)
	if err != nil {
		return false, 0, err
	}

	result, ok := resp.(*RemoveResult)
	if !ok {
		return false, 0, fmt.Errorf("unexpected remove response %T", resp)
	}
	return result.Removed, result.Generation, nil
}

// PutReindexing records reindexing progress for an application
func (m *Manager) PutReindexing(tenant string, app types.ApplicationID, r types.Reindexing, timeout time.Duration) error {
	cmd, err := marshalCommand("put_reindexing", reindexingCommand{
		Tenant:      tenant,
		Application: app,
		Statuses:    r.MarshalStatuses(),
	})
	if err != nil {
		return err
	}
	_, err = m.apply(cmd, timeout)
	return err
}

// CreateNode registers a config-serving host
func (m *Manager) CreateNode(node *types.Node) error {
	cmd, err := marshalCommand("create_node", node)
	if err != nil {
		return err
	}
	_, err = m.apply(cmd, 0)
	return err
}

// UpdateNode updates a config-serving host
func (m *Manager) UpdateNode(node *types.Node) error {
	cmd, err := marshalCommand("update_node", node)
	if err != nil {
		return err
	}
	_, err = m.apply(cmd, 0)
	return err
}

// DeleteNode removes a config-serving host
func (m *Manager) DeleteNode(id string) error {
	cmd, err := marshalCommand("delete_node", id)
	if err != nil {
		return err
	}
	_, err = m.apply(cmd, 0)
	return err
}

// GetSession retrieves session metadata (read from local store)
func (m *Manager) GetSession(tenant string, id uint64) (*types.Session, error) {
	return m.store.GetSession(tenant, id)
}

// ListSessions returns all sessions for a tenant (read from local store)
func (m *Manager) ListSessions(tenant string) ([]*types.Session, error) {
	return m.store.ListSessions(tenant)
}

// ActiveSession returns the active session id for an application (read from
// local store)
func (m *Manager) ActiveSession(tenant string, app types.ApplicationID) (uint64, error) {
	return m.store.ActiveSession(tenant, app)
}

// ListApplications returns a tenant's application directory (read from local
// store)
func (m *Manager) ListApplications(tenant string) (map[types.ApplicationID]uint64, error) {
	return m.store.ListApplications(tenant)
}

// ListTenants returns all known tenants (read from local store)
func (m *Manager) ListTenants() ([]string, error) {
	return m.store.ListTenants()
}

// Generation returns the current cluster generation (read from local store)
func (m *Manager) Generation() (int64, error) {
	return m.store.Generation()
}

// GetReindexing returns reindexing progress for an application (read from
// local store)
func (m *Manager) GetReindexing(tenant string, app types.ApplicationID) (types.Reindexing, error) {
	return m.store.GetReindexing(tenant, app)
}

// GetNode retrieves a host by ID (read from local store)
func (m *Manager) GetNode(id string) (*types.Node, error) {
	return m.store.GetNode(id)
}

// ListNodes returns all hosts (read from local store)
func (m *Manager) ListNodes() ([]*types.Node, error) {
	return m.store.ListNodes()
}

// Shutdown gracefully shuts down the manager
func (m *Manager) Shutdown() error {
	if m.eventBroker != nil {
		m.eventBroker.Stop()
	}

	if m.raft != nil {
		future := m.raft.Shutdown()
		if err := future.Error(); err != nil {
			return fmt.Errorf("failed to shutdown raft: %w", err)
		}
	}

	if m.store != nil {
		if err := m.store.Close(); err != nil {
			return fmt.Errorf("failed to close store: %w", err)
		}
	}

	return nil
}
