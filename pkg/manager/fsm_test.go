package manager

import (
	"bytes"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/cuemby/burrow/pkg/errdefs"
	"github.com/cuemby/burrow/pkg/storage"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFSM(t *testing.T) *BurrowFSM {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return NewBurrowFSM(store)
}

func applyCommand(t *testing.T, fsm *BurrowFSM, op string, payload interface{}) interface{} {
	t.Helper()
	var data json.RawMessage
	if payload != nil {
		var err error
		data, err = json.Marshal(payload)
		require.NoError(t, err)
	}
	cmd, err := json.Marshal(Command{Op: op, Data: data})
	require.NoError(t, err)
	return fsm.Apply(&raft.Log{Data: cmd})
}

func testApp() types.ApplicationID {
	return types.NewApplicationID("acme", "search", "default")
}

func TestFSMSessionCommands(t *testing.T) {
	fsm := newTestFSM(t)

	resp := applyCommand(t, fsm, "create_session", sessionCommand{
		Tenant: "acme",
		Session: &types.Session{
			ID:         1,
			Tenant:     "acme",
			Status:     types.StatusNew,
			CreateTime: time.Now(),
		},
	})
	assert.Nil(t, resp)

	got, err := fsm.store.GetSession("acme", 1)
	require.NoError(t, err)
	assert.Equal(t, types.StatusNew, got.Status)

	got.Status = types.StatusPrepare
	resp = applyCommand(t, fsm, "update_session", sessionCommand{Tenant: "acme", Session: got})
	assert.Nil(t, resp)

	resp = applyCommand(t, fsm, "delete_session", sessionRefCommand{Tenant: "acme", ID: 1})
	assert.Nil(t, resp)

	_, err = fsm.store.GetSession("acme", 1)
	assert.True(t, errdefs.IsNotFound(err))
}

func TestFSMActivate(t *testing.T) {
	fsm := newTestFSM(t)

	applyCommand(t, fsm, "create_session", sessionCommand{
		Tenant: "acme",
		Session: &types.Session{
			ID:            1,
			Tenant:        "acme",
			Status:        types.StatusPrepare,
			ApplicationID: testApp(),
			CreateTime:    time.Now(),
		},
	})

	resp := applyCommand(t, fsm, "activate", activateCommand{
		Tenant:      "acme",
		Application: testApp(),
		SessionID:   1,
	})
	result, ok := resp.(*ActivateResult)
	require.True(t, ok, "unexpected response %T", resp)
	assert.Equal(t, int64(1), result.Generation)

	// Conflict comes back as an error response.
	applyCommand(t, fsm, "create_session", sessionCommand{
		Tenant: "acme",
		Session: &types.Session{
			ID:            2,
			Tenant:        "acme",
			Status:        types.StatusPrepare,
			ApplicationID: testApp(),
			CreateTime:    time.Now(),
		},
	})
	resp = applyCommand(t, fsm, "activate", activateCommand{
		Tenant:         "acme",
		Application:    testApp(),
		SessionID:      2,
		ExpectedActive: 99,
	})
	err, ok := resp.(error)
	require.True(t, ok, "expected error response, got %T", resp)
	assert.True(t, errdefs.IsConflict(err))
}

func TestFSMRemoveApplication(t *testing.T) {
	fsm := newTestFSM(t)

	applyCommand(t, fsm, "create_session", sessionCommand{
		Tenant: "acme",
		Session: &types.Session{
			ID:            1,
			Tenant:        "acme",
			Status:        types.StatusPrepare,
			ApplicationID: testApp(),
			CreateTime:    time.Now(),
		},
	})
	applyCommand(t, fsm, "activate", activateCommand{Tenant: "acme", Application: testApp(), SessionID: 1})

	resp := applyCommand(t, fsm, "remove_application", applicationCommand{Tenant: "acme", Application: testApp()})
	result, ok := resp.(*RemoveResult)
	require.True(t, ok)
	assert.True(t, result.Removed)

	resp = applyCommand(t, fsm, "remove_application", applicationCommand{Tenant: "acme", Application: testApp()})
	result, ok = resp.(*RemoveResult)
	require.True(t, ok)
	assert.False(t, result.Removed)
}

func TestFSMAllocateSessionID(t *testing.T) {
	fsm := newTestFSM(t)

	resp := applyCommand(t, fsm, "allocate_session_id", nil)
	result, ok := resp.(*AllocateResult)
	require.True(t, ok)
	assert.Equal(t, uint64(1), result.ID)

	resp = applyCommand(t, fsm, "allocate_session_id", nil)
	assert.Equal(t, uint64(2), resp.(*AllocateResult).ID)
}

func TestFSMUnknownCommand(t *testing.T) {
	fsm := newTestFSM(t)

	resp := applyCommand(t, fsm, "no_such_op", nil)
	err, ok := resp.(error)
	require.True(t, ok)
	assert.Contains(t, err.Error(), "unknown command")
}

// memorySink collects snapshot bytes in memory
type memorySink struct {
	bytes.Buffer
	cancelled bool
}

func (s *memorySink) ID() string    { return "test" }
func (s *memorySink) Close() error  { return nil }
func (s *memorySink) Cancel() error { s.cancelled = true; return nil }

// TestFSMSnapshotRestore verifies a snapshot round-trip preserves sessions,
// directory entries, nodes and both counters, including ids of deleted
// sessions (so ids are never reused after restore).
func TestFSMSnapshotRestore(t *testing.T) {
	fsm := newTestFSM(t)

	for i := 0; i < 3; i++ {
		applyCommand(t, fsm, "allocate_session_id", nil)
	}
	applyCommand(t, fsm, "create_session", sessionCommand{
		Tenant: "acme",
		Session: &types.Session{
			ID:            3,
			Tenant:        "acme",
			Status:        types.StatusPrepare,
			ApplicationID: testApp(),
			CreateTime:    time.Now(),
		},
	})
	applyCommand(t, fsm, "activate", activateCommand{Tenant: "acme", Application: testApp(), SessionID: 3})
	applyCommand(t, fsm, "create_node", &types.Node{ID: "host-1", Status: types.NodeStatusReady})

	snapshot, err := fsm.Snapshot()
	require.NoError(t, err)

	sink := &memorySink{}
	require.NoError(t, snapshot.Persist(sink))
	assert.False(t, sink.cancelled)

	restored := newTestFSM(t)
	require.NoError(t, restored.Restore(io.NopCloser(bytes.NewReader(sink.Bytes()))))

	got, err := restored.store.GetSession("acme", 3)
	require.NoError(t, err)
	assert.Equal(t, types.StatusActivate, got.Status)

	active, err := restored.store.ActiveSession("acme", testApp())
	require.NoError(t, err)
	assert.Equal(t, uint64(3), active)

	node, err := restored.store.GetNode("host-1")
	require.NoError(t, err)
	assert.Equal(t, types.NodeStatusReady, node.Status)

	last, err := restored.store.LastSessionID()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), last)

	generation, err := restored.store.Generation()
	require.NoError(t, err)
	assert.Equal(t, int64(1), generation)
}
