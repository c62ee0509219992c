/*
Package events provides the in-process broker carrying session and
application lifecycle events between burrow components.

Publish is non-blocking: events flow through a buffered channel into a
broadcast loop, and a subscriber whose buffer is full is skipped rather
than blocked. The consensus store remains the source of truth — listeners
that miss events reconcile from it (the SuperModel rebuilds from the
directory, the reconciler re-derives sweep candidacy every cycle), so
delivery is best-effort by design.

Event types:

	session.created, session.prepared, session.activated,
	session.deactivated, session.deleted
	application.activated, application.removed

Activation events carry the cluster generation they were committed at.

# Usage

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	go func() {
		for event := range sub {
			// fold into local state
		}
	}()
*/
package events
