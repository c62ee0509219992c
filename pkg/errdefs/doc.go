/*
Package errdefs defines the closed set of error kinds lifecycle operations
fail with, and helpers to create and inspect them.

Kinds:

  - Validation: the package failed to parse or validate during prepare.
    Local to the request; not retried.
  - IllegalState: the operation is not permitted in the subject's current
    state (e.g. activating a non-prepared session). Not retried.
  - Conflict: the optimistic activation check failed; the error names both
    the expected and observed active generations so the race is
    diagnosable. The caller re-derives a new session and retries.
  - Timeout: a time budget was exhausted. Safe to retry with a fresh
    budget; no state corruption implied.
  - Transient: a recoverable external failure such as a provisioner
    capacity shortfall. Callers back off and retry.
  - NotFound: the referenced application or session does not exist.

Callers dispatch with the Is* predicates (errors.As-based, so wrapping with
fmt.Errorf %w is safe) rather than matching error text:

	if errdefs.IsConflict(err) {
		// re-derive from the current active session and retry
	}
*/
package errdefs
