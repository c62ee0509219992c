/*
Package model holds the config schema registry, the package manifest
builder, and the SuperModel aggregate.

# Schema Registry

Schemas are registered explicitly in a map keyed by (name, namespace) —
plain map reads, no reflection. The registry is seeded with the built-in
burrow schemas at startup; user-supplied definitions are added via
Register. A schema's checksum is the sha256 of its definition bytes and is
part of every config cache key, so a changed definition is never served
stale.

# Builder

The builder parses the services.yaml manifest at the root of an unpacked
application package, validates it (cluster names unique, host counts
positive, document modes from the known set), and computes the change
actions a new manifest requires relative to the previously active one:

  - restart: a cluster's host count changed
  - reindex: a document type's mode changed
  - refeed: a document type was removed

Actions are advisory output of prepare; the control plane records them and
the serving fleet applies them.

# SuperModel

The SuperModel is the generation-stamped aggregate of all active
applications. It answers CurrentGeneration and ActiveApplications from
memory, folds application.activated / application.removed events from the
broker, and can be fully rebuilt from the application directory at startup
or whenever events may have been missed. Clients compare the generation to
a remembered value to detect "nothing changed" and skip re-fetching.
*/
package model
