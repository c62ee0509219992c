/*
Package session holds a replica's view of its sessions.

A View tags session metadata as local (this replica has the unpacked
package on disk and can serve it) or remote (metadata mirrored from the
consensus store). The tag is a field, not a subtype; operations dispatch on
it.

Store is the per-tenant in-memory local view. It additionally records when
a broken session (metadata that could not be read back) was first
discovered, because such sessions have no trustworthy create time: their
expiry grace window is measured from discovery. ExpiredLocal re-derives
deletion candidacy from current state on every call — sweeps never work
from a cached to-delete list.
*/
package session
