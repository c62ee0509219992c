/*
Package filestore manages burrow's on-disk payloads: unpacked application
packages and the flat directory of content-addressed file blobs
distributed to the fleet.

PackageStore lays packages out one directory per tenant per session:

	<base>/<tenant>/sessions/<id>/

Unpack refuses to write into an existing session directory — session ids
are never reused, so an existing directory means corrupted local state.
Clone copies the active session's package as the starting content of a
derived session. Delete is idempotent so expiry sweeps can retry after
partial failures.

FileDirectory is the file reference GC's domain: DeleteUnreferenced takes
the in-use reference set, a retention window and an explicit now, deletes
blobs that are unreferenced and older than the window, and returns the
deleted names. The explicit clock makes the operation deterministic under
test.
*/
package filestore
