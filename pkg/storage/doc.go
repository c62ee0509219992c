/*
Package storage provides BoltDB-backed persistence for burrow's replicated
control-plane state.

The storage package implements the Store interface over bbolt. Every replica
holds a full copy of this database, kept converged by the Raft FSM applying
the same committed commands everywhere. Values are JSON; bucket structure
mirrors the logical per-tenant layout.

# Bucket Structure

	tenants/
	  <tenant>/
	    sessions/      8-byte big-endian session id -> Session JSON
	    applications/  "tenant:application:instance" -> 8-byte session id
	    reindexing/    "tenant:application:instance" -> status list JSON
	counters/
	  session_id      last allocated session id
	  generation      cluster generation
	nodes/
	  <node id> -> Node JSON

# Transactions

The activation protocol relies on bbolt's single-writer transactions:
Activate runs the optimistic check, the directory write, both session
status transitions, and the generation bump inside one db.Update, so a
store-level failure leaves no partial state visible.

Session metadata that cannot be unmarshaled is surfaced as a Session with
StatusUnknown rather than dropped or repaired. Unknown sessions are excluded
from activation and get a longer retention window, preserving evidence of a
corrupted write while repair is possible.

# Usage

	store, err := storage.NewBoltStore("/var/lib/burrow")
	if err != nil {
		return err
	}
	defer store.Close()

	gen, err := store.Activate("acme", app, sessionID, expectedActive, false)

Writes normally arrive through the Raft FSM, not directly; direct use is
for tests and repair tooling.
*/
package storage
