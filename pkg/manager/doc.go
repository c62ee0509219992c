/*
Package manager implements the burrow config-server replica with Raft consensus.

The manager package is the write path of the control plane. Every state
change — session metadata, application directory entries, counters, host
records — is proposed as a command on the Raft log and applied by the FSM on
every replica, so all replicas converge on the same BoltDB state. Reads are
served from the local copy without a consensus round-trip.

# Architecture

A burrow cluster consists of 1-7 replicas forming a Raft quorum:

	┌────────────────────── REPLICA ──────────────────────────┐
	│                                                          │
	│  ┌──────────────────────────────────────────┐           │
	│  │              Manager                     │           │
	│  │  - Typed write methods marshal commands  │           │
	│  │  - Reads pass through to local store     │           │
	│  │  - Owns the event broker                 │           │
	│  └──────────────────┬───────────────────────┘           │
	│                     │                                    │
	│  ┌──────────────────▼───────────────────────┐           │
	│  │         Raft Consensus Layer             │           │
	│  │  - Leader election, log replication      │           │
	│  │  - TCP transport, file snapshots         │           │
	│  │  - BoltDB log and stable stores          │           │
	│  └──────────────────┬───────────────────────┘           │
	│                     │                                    │
	│  ┌──────────────────▼───────────────────────┐           │
	│  │      BurrowFSM (Finite State Machine)    │           │
	│  │  - Apply(): dispatch committed commands  │           │
	│  │  - Snapshot()/Restore(): full-state copy │           │
	│  └──────────────────┬───────────────────────┘           │
	│                     │                                    │
	│  ┌──────────────────▼───────────────────────┐           │
	│  │         storage.BoltStore                │           │
	│  └──────────────────────────────────────────┘           │
	└──────────────────────────────────────────────────────────┘

# Command Flow

 1. Caller invokes a typed write method (e.g. Activate)
 2. Manager marshals a Command{Op, Data} and calls raft.Apply
 3. The leader replicates the entry; followers acknowledge
 4. Once committed, every replica's FSM applies it to its store
 5. The leader's FSM response is returned to the caller

The Raft log is the single serialization point for cross-replica
invariants: the activation transaction (optimistic check, directory write,
status transitions, generation bump) runs inside one FSM apply, so two
concurrent activations for the same application are ordered by the log and
exactly one observes the expected active generation.

FSM responses that are errors (conflict, illegal state, not found) are
returned to the caller unwrapped so it can dispatch on the errdefs kind.

# Usage

	mgr, err := manager.NewManager(&manager.Config{
		NodeID:   "burrow-1",
		BindAddr: "127.0.0.1:7070",
		DataDir:  "/var/lib/burrow",
	})
	if err != nil {
		return err
	}
	if err := mgr.Start(true); err != nil { // bootstrap single-node cluster
		return err
	}
	defer mgr.Shutdown()

	id, err := mgr.AllocateSessionID(5 * time.Second)

Additional replicas join via AddVoter on the leader:

	err := mgr.AddVoter("burrow-2", "10.0.0.2:7070")

# Integration Points

  - pkg/deploy proposes all lifecycle writes through the Manager
  - pkg/storage holds the replicated state the FSM applies into
  - pkg/model rebuilds the aggregate view from the Manager's reads
  - pkg/api reports Raft health and membership
*/
package manager
