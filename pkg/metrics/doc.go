/*
Package metrics defines burrow's Prometheus collectors.

Collectors are package-level variables registered in init() and written
directly by the components they instrument; gauges that summarize store
state (sessions by status, application counts, Raft indexes) are sampled
periodically by the manager's Collector. The promhttp handler is mounted on
the admin server's /metrics endpoint.

Naming follows the burrow_ prefix throughout:

	burrow_sessions_total{tenant,status}
	burrow_applications_total
	burrow_supermodel_generation
	burrow_prepare_duration_seconds{tenant}
	burrow_activate_duration_seconds{tenant}
	burrow_operations_total{operation,outcome}
	burrow_sessions_expired_total{view}
	burrow_sweep_duration_seconds
	burrow_files_deleted_total
	burrow_cache_hits_total / burrow_cache_misses_total
	burrow_raft_is_leader / burrow_raft_log_index / burrow_raft_applied_index

Timer is the small helper for observing durations into histograms.
*/
package metrics
