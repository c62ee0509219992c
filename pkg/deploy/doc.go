/*
Package deploy implements the session lifecycle manager: the facade that
creates, prepares, activates and deletes sessions, and the expiry sweeps
that garbage-collect them.

# Lifecycle

	createSession ──► NEW ──prepare──► PREPARE ──activate──► ACTIVATE
	                                                            │
	                                 another session activates  ▼
	                                                        DEACTIVATE

	any state ──delete / expiry──► DELETE
	unreadable metadata ──► UNKNOWN (longer retention, delete only)

Prepare validates the package manifest through the model builder and
records the computed host capacity and file references. Activation runs the
optimistic concurrency protocol: the session's recorded previous active
generation must match the directory's current active session, or the call
fails with a conflict error naming both generations. Matching (or force)
commits directory write, both status transitions and the generation bump in
a single replicated transaction.

Every blocking operation takes a types.TimeBudget: one deadline computed at
operation start and checked at each blocking step, so nested calls cannot
individually extend the overall cutoff. Exhaustion returns a timeout error
and leaves in-flight sessions where they were for a later retry.

# Expiry

DeleteExpiredLocalSessions removes this replica's sessions past their
lifetime, with a separate longer grace window for sessions whose metadata
could not be read back (measured from discovery, not an assumed create
time). DeleteExpiredRemoteSessions takes an explicit clock and removes
consensus-store sessions that are not active and older than their lifetime.
Both sweeps re-derive candidacy from current state each run and treat
single-session failures as non-fatal.

# Usage

	deployer := deploy.NewDeployer(deploy.Config{
		Cluster:      mgr,
		Packages:     packages,
		Validator:    builder,
		Provisioner:  provisioner,
		Orchestrator: orchestrator,
		Policy:       policy,
	})

	budget := types.NewTimeBudget(30 * time.Second)
	id, err := deployer.CreateSession(app, budget, packageTar)
	result, err := deployer.Prepare(app.Tenant, id, types.PrepareParams{Budget: budget})
	err = deployer.Activate(app.Tenant, id, budget, false)
*/
package deploy
