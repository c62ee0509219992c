package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/cuemby/burrow/pkg/errdefs"
	"github.com/cuemby/burrow/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Root bucket names
	bucketTenants  = []byte("tenants")
	bucketCounters = []byte("counters")
	bucketNodes    = []byte("nodes")

	// Per-tenant sub-bucket names
	bucketSessions     = []byte("sessions")
	bucketApplications = []byte("applications")
	bucketReindexing   = []byte("reindexing")

	// Counter keys
	keySessionID  = []byte("session_id")
	keyGeneration = []byte("generation")
)

// BoltStore implements Store using BoltDB. Tenants are nested buckets with
// sessions, applications and reindexing sub-buckets, mirroring the logical
// layout <tenant>/sessions/<id> and <tenant>/applications/<app id>.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "burrow.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketTenants,
			bucketCounters,
			bucketNodes,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func sessionKey(id uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, id)
	return key
}

// tenantBucket returns the named sub-bucket for a tenant, creating the
// tenant hierarchy if needed. Write transactions only.
func tenantBucket(tx *bolt.Tx, tenant string, name []byte) (*bolt.Bucket, error) {
	tb, err := tx.Bucket(bucketTenants).CreateBucketIfNotExists([]byte(tenant))
	if err != nil {
		return nil, fmt.Errorf("failed to create tenant bucket %s: %w", tenant, err)
	}
	b, err := tb.CreateBucketIfNotExists(name)
	if err != nil {
		return nil, fmt.Errorf("failed to create bucket %s/%s: %w", tenant, name, err)
	}
	return b, nil
}

// tenantBucketRead returns the named sub-bucket for a tenant, or nil if the
// tenant has no such bucket yet. Read transactions.
func tenantBucketRead(tx *bolt.Tx, tenant string, name []byte) *bolt.Bucket {
	tb := tx.Bucket(bucketTenants).Bucket([]byte(tenant))
	if tb == nil {
		return nil
	}
	return tb.Bucket(name)
}

// decodeSession unmarshals session metadata. A session whose metadata cannot
// be read back (e.g. a crash mid-write) is surfaced with StatusUnknown
// rather than dropped, so sweepers can apply the longer unknown-status
// retention instead of destroying evidence of a corrupted write.
func decodeSession(tenant string, key, data []byte) *types.Session {
	var session types.Session
	if err := json.Unmarshal(data, &session); err != nil || session.ID == 0 {
		return &types.Session{
			ID:     binary.BigEndian.Uint64(key),
			Tenant: tenant,
			Status: types.StatusUnknown,
		}
	}
	return &session
}

// Session operations

func (s *BoltStore) CreateSession(tenant string, session *types.Session) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tenantBucket(tx, tenant, bucketSessions)
		if err != nil {
			return err
		}
		data, err := json.Marshal(session)
		if err != nil {
			return err
		}
		return b.Put(sessionKey(session.ID), data)
	})
}

func (s *BoltStore) GetSession(tenant string, id uint64) (*types.Session, error) {
	var session *types.Session
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tenantBucketRead(tx, tenant, bucketSessions)
		if b == nil {
			return errdefs.NotFoundf("session %d not found", id)
		}
		key := sessionKey(id)
		data := b.Get(key)
		if data == nil {
			return errdefs.NotFoundf("session %d not found", id)
		}
		session = decodeSession(tenant, key, data)
		return nil
	})
	return session, err
}

func (s *BoltStore) ListSessions(tenant string) ([]*types.Session, error) {
	var sessions []*types.Session
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tenantBucketRead(tx, tenant, bucketSessions)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			sessions = append(sessions, decodeSession(tenant, k, v))
			return nil
		})
	})
	return sessions, err
}

func (s *BoltStore) UpdateSession(tenant string, session *types.Session) error {
	return s.CreateSession(tenant, session) // Same as create (upsert)
}

func (s *BoltStore) DeleteSession(tenant string, id uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tenantBucket(tx, tenant, bucketSessions)
		if err != nil {
			return err
		}
		return b.Delete(sessionKey(id))
	})
}

// Application directory operations

func (s *BoltStore) ActiveSession(tenant string, app types.ApplicationID) (uint64, error) {
	var id uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tenantBucketRead(tx, tenant, bucketApplications)
		if b == nil {
			return errdefs.NotFoundf("application %s not found", app)
		}
		data := b.Get([]byte(app.String()))
		if data == nil {
			return errdefs.NotFoundf("application %s not found", app)
		}
		id = binary.BigEndian.Uint64(data)
		return nil
	})
	return id, err
}

func (s *BoltStore) ListApplications(tenant string) (map[types.ApplicationID]uint64, error) {
	apps := make(map[types.ApplicationID]uint64)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tenantBucketRead(tx, tenant, bucketApplications)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			app, err := types.ParseApplicationID(string(k))
			if err != nil {
				return fmt.Errorf("corrupt application directory key %q: %w", k, err)
			}
			apps[app] = binary.BigEndian.Uint64(v)
			return nil
		})
	})
	return apps, err
}

func (s *BoltStore) PutApplication(tenant string, app types.ApplicationID, sessionID uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tenantBucket(tx, tenant, bucketApplications)
		if err != nil {
			return err
		}
		return b.Put([]byte(app.String()), sessionKey(sessionID))
	})
}

// Activate performs the activation transaction in a single BoltDB update:
// the optimistic check against the directory, the directory write, the
// status transition of the new and previous sessions, and the generation
// bump. On any failure no partial state is visible.
func (s *BoltStore) Activate(tenant string, app types.ApplicationID, sessionID, expectedActive uint64, force bool) (int64, error) {
	var generation int64
	err := s.db.Update(func(tx *bolt.Tx) error {
		sessions, err := tenantBucket(tx, tenant, bucketSessions)
		if err != nil {
			return err
		}

		key := sessionKey(sessionID)
		data := sessions.Get(key)
		if data == nil {
			return errdefs.NotFoundf("session %d not found", sessionID).WithApplication(app.String())
		}
		session := decodeSession(tenant, key, data)

		switch session.Status {
		case types.StatusPrepare:
			// ok
		case types.StatusActivate:
			return errdefs.IllegalStatef("session is active").
				WithSession(sessionID).WithApplication(app.String())
		case types.StatusDeactivate:
			return errdefs.IllegalStatef("session was deactivated by a later activation").
				WithSession(sessionID).WithApplication(app.String())
		default:
			return errdefs.IllegalStatef("session is not prepared (status %s)", session.Status).
				WithSession(sessionID).WithApplication(app.String())
		}

		apps, err := tenantBucket(tx, tenant, bucketApplications)
		if err != nil {
			return err
		}

		var observed uint64
		if v := apps.Get([]byte(app.String())); v != nil {
			observed = binary.BigEndian.Uint64(v)
		}

		if !force && observed != expectedActive {
			return errdefs.Conflict(app.String(), expectedActive, observed).WithSession(sessionID)
		}

		if err := apps.Put([]byte(app.String()), sessionKey(sessionID)); err != nil {
			return err
		}

		session.Status = types.StatusActivate
		session.ApplicationID = app
		updated, err := json.Marshal(session)
		if err != nil {
			return err
		}
		if err := sessions.Put(key, updated); err != nil {
			return err
		}

		// Deactivate the session this one replaces. A previous session with
		// unreadable metadata is left as-is; the sweeper handles it.
		if observed != 0 && observed != sessionID {
			prevKey := sessionKey(observed)
			if prevData := sessions.Get(prevKey); prevData != nil {
				prev := decodeSession(tenant, prevKey, prevData)
				if prev.Status == types.StatusActivate {
					prev.Status = types.StatusDeactivate
					prevUpdated, err := json.Marshal(prev)
					if err != nil {
						return err
					}
					if err := sessions.Put(prevKey, prevUpdated); err != nil {
						return err
					}
				}
			}
		}

		generation, err = bumpGeneration(tx)
		return err
	})
	return generation, err
}

func (s *BoltStore) RemoveApplication(tenant string, app types.ApplicationID) (bool, int64, error) {
	var removed bool
	var generation int64
	err := s.db.Update(func(tx *bolt.Tx) error {
		apps, err := tenantBucket(tx, tenant, bucketApplications)
		if err != nil {
			return err
		}

		data := apps.Get([]byte(app.String()))
		if data == nil {
			generation, err = currentGeneration(tx)
			return err
		}
		activeID := binary.BigEndian.Uint64(data)

		if err := apps.Delete([]byte(app.String())); err != nil {
			return err
		}

		sessions, err := tenantBucket(tx, tenant, bucketSessions)
		if err != nil {
			return err
		}
		key := sessionKey(activeID)
		if sessData := sessions.Get(key); sessData != nil {
			session := decodeSession(tenant, key, sessData)
			session.Status = types.StatusDelete
			updated, err := json.Marshal(session)
			if err != nil {
				return err
			}
			if err := sessions.Put(key, updated); err != nil {
				return err
			}
		}

		removed = true
		generation, err = bumpGeneration(tx)
		return err
	})
	return removed, generation, err
}

// Reindexing operations

func (s *BoltStore) GetReindexing(tenant string, app types.ApplicationID) (types.Reindexing, error) {
	var statuses []types.ReindexingStatus
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tenantBucketRead(tx, tenant, bucketReindexing)
		if b == nil {
			return nil
		}
		data := b.Get([]byte(app.String()))
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &statuses)
	})
	return types.ReindexingFromStatuses(statuses), err
}

func (s *BoltStore) PutReindexing(tenant string, app types.ApplicationID, r types.Reindexing) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tenantBucket(tx, tenant, bucketReindexing)
		if err != nil {
			return err
		}
		data, err := json.Marshal(r.MarshalStatuses())
		if err != nil {
			return err
		}
		return b.Put([]byte(app.String()), data)
	})
}

// Counter operations

func (s *BoltStore) NextSessionID() (uint64, error) {
	var id uint64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCounters)
		if v := b.Get(keySessionID); v != nil {
			id = binary.BigEndian.Uint64(v)
		}
		id++
		return b.Put(keySessionID, sessionKey(id))
	})
	return id, err
}

func (s *BoltStore) LastSessionID() (uint64, error) {
	var id uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketCounters).Get(keySessionID); v != nil {
			id = binary.BigEndian.Uint64(v)
		}
		return nil
	})
	return id, err
}

func (s *BoltStore) Generation() (int64, error) {
	var generation int64
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		generation, err = currentGeneration(tx)
		return err
	})
	return generation, err
}

func (s *BoltStore) RestoreCounters(sessionID uint64, generation int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCounters)
		if err := b.Put(keySessionID, sessionKey(sessionID)); err != nil {
			return err
		}
		return b.Put(keyGeneration, sessionKey(uint64(generation)))
	})
}

func currentGeneration(tx *bolt.Tx) (int64, error) {
	b := tx.Bucket(bucketCounters)
	if v := b.Get(keyGeneration); v != nil {
		return int64(binary.BigEndian.Uint64(v)), nil
	}
	return 0, nil
}

func bumpGeneration(tx *bolt.Tx) (int64, error) {
	generation, err := currentGeneration(tx)
	if err != nil {
		return 0, err
	}
	generation++
	return generation, tx.Bucket(bucketCounters).Put(keyGeneration, sessionKey(uint64(generation)))
}

// Tenant operations

func (s *BoltStore) ListTenants() ([]string, error) {
	var tenants []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTenants).ForEachBucket(func(k []byte) error {
			tenants = append(tenants, string(k))
			return nil
		})
	})
	return tenants, err
}

// Node operations

func (s *BoltStore) CreateNode(node *types.Node) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		data, err := json.Marshal(node)
		if err != nil {
			return err
		}
		return b.Put([]byte(node.ID), data)
	})
}

func (s *BoltStore) GetNode(id string) (*types.Node, error) {
	var node types.Node
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		data := b.Get([]byte(id))
		if data == nil {
			return errdefs.NotFoundf("node %s not found", id)
		}
		return json.Unmarshal(data, &node)
	})
	if err != nil {
		return nil, err
	}
	return &node, nil
}

func (s *BoltStore) ListNodes() ([]*types.Node, error) {
	var nodes []*types.Node
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		return b.ForEach(func(k, v []byte) error {
			var node types.Node
			if err := json.Unmarshal(v, &node); err != nil {
				return err
			}
			nodes = append(nodes, &node)
			return nil
		})
	})
	return nodes, err
}

func (s *BoltStore) UpdateNode(node *types.Node) error {
	return s.CreateNode(node) // Same as create (upsert)
}

func (s *BoltStore) DeleteNode(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		return b.Delete([]byte(id))
	})
}
