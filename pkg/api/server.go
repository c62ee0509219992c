// Package api exposes the admin HTTP surface: health and readiness probes,
// Prometheus metrics, cluster status, config resolution, application
// deployment, and fleet node registration.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/cuemby/burrow/pkg/cache"
	"github.com/cuemby/burrow/pkg/errdefs"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/model"
	"github.com/cuemby/burrow/pkg/types"
)

// ClusterStatus is the consensus-layer view the server reports
type ClusterStatus interface {
	IsLeader() bool
	LeaderAddr() string
	GetRaftStats() map[string]interface{}
	Generation() (int64, error)
}

// ClusterMembership manages Raft membership. Only the leader accepts
// membership changes.
type ClusterMembership interface {
	AddVoter(nodeID, address string) error
	RemoveServer(nodeID string) error
}

// Deployment drives the session lifecycle on behalf of HTTP clients
type Deployment interface {
	CreateSession(app types.ApplicationID, budget types.TimeBudget, pkg io.Reader) (uint64, error)
	Prepare(tenant string, sessionID uint64, params types.PrepareParams) (*types.PrepareResult, error)
	Activate(tenant string, sessionID uint64, budget types.TimeBudget, force bool) error
	Delete(app types.ApplicationID) (bool, error)
}

// NodeDirectory manages the config-serving host fleet
type NodeDirectory interface {
	CreateNode(node *types.Node) error
	UpdateNode(node *types.Node) error
	DeleteNode(id string) error
	GetNode(id string) (*types.Node, error)
	ListNodes() ([]*types.Node, error)
}

// Config wires the admin server's collaborators
type Config struct {
	Addr       string
	Cluster    ClusterStatus
	Membership ClusterMembership
	Deployment Deployment
	Nodes      NodeDirectory
	SuperModel *model.SuperModel
	Registry   *model.Registry
	Cache      *cache.ServerCache
}

// Server is the admin HTTP server
type Server struct {
	addr       string
	cluster    ClusterStatus
	membership ClusterMembership
	deployment Deployment
	nodes      NodeDirectory
	supermodel *model.SuperModel
	registry   *model.Registry
	cache      *cache.ServerCache

	httpServer *http.Server
}

// NewServer creates an admin server
func NewServer(cfg Config) *Server {
	return &Server{
		addr:       cfg.Addr,
		cluster:    cfg.Cluster,
		membership: cfg.Membership,
		deployment: cfg.Deployment,
		nodes:      cfg.Nodes,
		supermodel: cfg.SuperModel,
		registry:   cfg.Registry,
		cache:      cfg.Cache,
	}
}

// Start begins serving in a background goroutine
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/config/", s.handleConfig)
	mux.HandleFunc("/cluster/join", s.handleJoin)
	mux.HandleFunc("/cluster/leave", s.handleLeave)
	mux.HandleFunc("/deploy/", s.handleDeploy)
	mux.HandleFunc("/applications/", s.handleApplication)
	mux.HandleFunc("/nodes", s.handleNodes)
	mux.HandleFunc("/nodes/", s.handleNode)
	mux.Handle("/metrics", metrics.Handler())

	s.httpServer = &http.Server{
		Addr:         s.addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		log.WithComponent("api").Info().Str("addr", s.addr).Msg("admin server listening")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithComponent("api").Error().Err(err).Msg("admin server failed")
		}
	}()

	return nil
}

// Stop gracefully shuts down the server
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{}
	ready := true

	if s.cluster.LeaderAddr() == "" {
		checks["raft"] = "no leader"
		ready = false
	} else {
		checks["raft"] = "ok"
	}

	if _, err := s.cluster.Generation(); err != nil {
		checks["storage"] = err.Error()
		ready = false
	} else {
		checks["storage"] = "ok"
	}

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]interface{}{"ready": ready, "checks": checks})
}

// statusResponse is the /status payload
type statusResponse struct {
	Generation   int64                  `json:"generation"`
	Leader       bool                   `json:"leader"`
	LeaderAddr   string                 `json:"leader_addr"`
	Applications []applicationStatus    `json:"applications"`
	Raft         map[string]interface{} `json:"raft,omitempty"`
}

type applicationStatus struct {
	Application string `json:"application"`
	SessionID   uint64 `json:"session_id"`
	Generation  int64  `json:"generation"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	active := s.supermodel.ActiveApplications()

	apps := make([]applicationStatus, 0, len(active))
	for app, gen := range active {
		apps = append(apps, applicationStatus{
			Application: app.String(),
			SessionID:   gen.SessionID,
			Generation:  gen.Generation,
		})
	}
	sort.Slice(apps, func(i, j int) bool { return apps[i].Application < apps[j].Application })

	writeJSON(w, http.StatusOK, statusResponse{
		Generation:   s.supermodel.CurrentGeneration(),
		Leader:       s.cluster.IsLeader(),
		LeaderAddr:   s.cluster.LeaderAddr(),
		Applications: apps,
		Raft:         s.cluster.GetRaftStats(),
	})
}

// handleConfig resolves /config/{namespace}/{name}?checksum= through the
// resolution cache. Omitting the checksum resolves the registered schema's
// current checksum.
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/config/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		http.Error(w, "expected /config/{namespace}/{name}", http.StatusBadRequest)
		return
	}
	namespace, name := parts[0], parts[1]

	schema, err := s.registry.Lookup(model.SchemaKey{Name: name, Namespace: namespace})
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}

	checksum := r.URL.Query().Get("checksum")
	if checksum == "" {
		checksum = schema.Checksum
	} else if checksum != schema.Checksum {
		http.Error(w, fmt.Sprintf("unknown checksum for %s/%s", namespace, name), http.StatusNotFound)
		return
	}

	key := cache.Key{Name: name, Namespace: namespace, Checksum: checksum}
	payload, err := s.cache.GetOrCompute(key, func() ([]byte, error) {
		return s.resolve(schema)
	})
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write(payload)
}

// resolve computes the config payload for a schema: the definition stamped
// with the generation it was resolved at.
func (s *Server) resolve(schema *model.Schema) ([]byte, error) {
	generation, err := s.cluster.Generation()
	if err != nil {
		return nil, err
	}

	return json.Marshal(map[string]interface{}{
		"name":       schema.Name,
		"namespace":  schema.Namespace,
		"checksum":   schema.Checksum,
		"generation": generation,
		"definition": string(schema.Definition),
	})
}

// joinRequest is the /cluster/join and /cluster/leave payload
type joinRequest struct {
	NodeID  string `json:"node_id"`
	Address string `json:"address,omitempty"`
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req joinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.NodeID == "" || req.Address == "" {
		http.Error(w, "node_id and address are required", http.StatusBadRequest)
		return
	}

	if err := s.membership.AddVoter(req.NodeID, req.Address); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "joined", "node_id": req.NodeID})
}

func (s *Server) handleLeave(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req joinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.NodeID == "" {
		http.Error(w, "node_id is required", http.StatusBadRequest)
		return
	}

	if err := s.membership.RemoveServer(req.NodeID); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "removed", "node_id": req.NodeID})
}

// appFromPath parses a {tenant}/{application}/{instance} path suffix
func appFromPath(path, prefix string) (types.ApplicationID, error) {
	parts := strings.Split(strings.TrimPrefix(path, prefix), "/")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return types.ApplicationID{}, fmt.Errorf("expected %s{tenant}/{application}/{instance}", prefix)
	}
	return types.NewApplicationID(parts[0], parts[1], parts[2]), nil
}

// deployResponse is the /deploy payload
type deployResponse struct {
	SessionID   uint64               `json:"session_id"`
	Application string               `json:"application"`
	Actions     []types.ChangeAction `json:"actions,omitempty"`
}

// handleDeploy runs the full lifecycle for an uploaded package: create a
// session from the tar body, prepare it, and activate it. The whole request
// runs under one time budget.
func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	app, err := appFromPath(r.URL.Path, "/deploy/")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	timeout := 2 * time.Minute
	if v := r.URL.Query().Get("timeout"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			http.Error(w, "invalid timeout", http.StatusBadRequest)
			return
		}
		timeout = d
	}
	force := r.URL.Query().Get("force") == "true"
	budget := types.NewTimeBudget(timeout)

	id, err := s.deployment.CreateSession(app, budget, r.Body)
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}

	result, err := s.deployment.Prepare(app.Tenant, id, types.PrepareParams{
		ApplicationID: app,
		Budget:        budget,
	})
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}

	if err := s.deployment.Activate(app.Tenant, id, budget, force); err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}

	writeJSON(w, http.StatusOK, deployResponse{
		SessionID:   id,
		Application: app.String(),
		Actions:     result.Actions,
	})
}

// handleApplication removes an application's directory entry
func (s *Server) handleApplication(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	app, err := appFromPath(r.URL.Path, "/applications/")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	removed, err := s.deployment.Delete(app)
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"application": app.String(),
		"removed":     removed,
	})
}

// handleNodes registers hosts into the fleet and lists them
func (s *Server) handleNodes(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		nodes, err := s.nodes.ListNodes()
		if err != nil {
			http.Error(w, err.Error(), statusFor(err))
			return
		}
		writeJSON(w, http.StatusOK, nodes)

	case http.MethodPost:
		var node types.Node
		if err := json.NewDecoder(r.Body).Decode(&node); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if node.ID == "" || node.Address == "" {
			http.Error(w, "id and address are required", http.StatusBadRequest)
			return
		}
		if node.Capacity <= 0 {
			http.Error(w, "capacity must be positive", http.StatusBadRequest)
			return
		}

		now := time.Now()
		if node.Status == "" {
			node.Status = types.NodeStatusReady
		}
		node.LastHeartbeat = now
		if node.CreatedAt.IsZero() {
			node.CreatedAt = now
		}

		if err := s.nodes.CreateNode(&node); err != nil {
			http.Error(w, err.Error(), statusFor(err))
			return
		}
		writeJSON(w, http.StatusCreated, node)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleNode serves a single fleet host: read or deregister
func (s *Server) handleNode(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/nodes/")
	if id == "" || strings.Contains(id, "/") {
		http.Error(w, "expected /nodes/{id}", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		node, err := s.nodes.GetNode(id)
		if err != nil {
			http.Error(w, err.Error(), statusFor(err))
			return
		}
		writeJSON(w, http.StatusOK, node)

	case http.MethodDelete:
		if err := s.nodes.DeleteNode(id); err != nil {
			http.Error(w, err.Error(), statusFor(err))
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "removed", "id": id})

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func statusFor(err error) int {
	switch errdefs.GetKind(err) {
	case errdefs.KindValidation:
		return http.StatusBadRequest
	case errdefs.KindNotFound:
		return http.StatusNotFound
	case errdefs.KindConflict, errdefs.KindIllegalState:
		return http.StatusConflict
	case errdefs.KindTimeout:
		return http.StatusGatewayTimeout
	case errdefs.KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

