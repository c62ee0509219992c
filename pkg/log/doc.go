/*
Package log wraps zerolog with a global logger and burrow's domain field
helpers.

Init configures the global logger once at startup (level, JSON or console
output). Components derive child loggers carrying standard fields:

	log.WithComponent("reconciler").Info().Msg("sweep completed")
	log.WithTenant("acme").Warn().Uint64("session_id", id).Msg("...")

WithTenant, WithSession and WithApplication attach the fields every
user-visible message should carry so a session's history is greppable
across components.
*/
package log
