/*
Package types defines the core data structures shared across burrow.

The central types:

  - ApplicationID: immutable (tenant, application, instance) triple, the
    identity key of application directory entries, with a total order for
    deterministic iteration.
  - Session: the unit of staged or active configuration. Carries its status,
    create time, the previous active generation recorded at derivation time
    (the expected value of the optimistic check at activation), and the
    package reference on local disk.
  - SessionStatus: the state machine NEW -> PREPARE -> ACTIVATE ->
    DEACTIVATE, DELETE reachable from anywhere, UNKNOWN entered only when
    persisted metadata cannot be read back. CanTransition encodes the
    forward-only rule.
  - TimeBudget: a single deadline computed once per top-level operation and
    checked at each blocking step. Supports an injected clock for tests.
  - Reindexing: immutable copy-on-write records of per-(cluster, document)
    reindexing progress. Mutation returns a new instance, never locks.
  - Node: a config-serving host with capacity and status, used by the
    provisioner.

Types here have no behavior beyond their own invariants; orchestration
lives in pkg/deploy and persistence in pkg/storage.
*/
package types
