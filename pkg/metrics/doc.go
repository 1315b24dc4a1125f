/*
Package metrics provides Prometheus instrumentation and component health
tracking for the Burrow engine.

# Metrics

Synchronizer:
  - burrow_sync_cycles_total: Cycles run (ticker or triggered)
  - burrow_sync_cycle_duration_seconds: Cycle duration histogram
  - burrow_actions_delivered_total: Actions acknowledged by the server

Queue:
  - burrow_queue_depth: Current pending actions
  - burrow_queue_retries_total: Transient-failure retries scheduled
  - burrow_mutations_rolled_back_total: Optimistic writes reverted

Cache:
  - burrow_cache_hits_total{stale}: Hits, labeled fresh vs. stale
  - burrow_cache_misses_total: Misses
  - burrow_cache_evictions_total: Records evicted under pressure

Session:
  - burrow_sessions_expired_total: Idle-timeout expirations
  - burrow_token_refreshes_total{outcome}: Refresh attempts by outcome

# Timer Helper

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SyncCycleDuration)

# Health

Components register themselves and update their status; GetHealth
aggregates them and HealthHandler serves the result as JSON for the
agent's local status endpoint.

	metrics.RegisterComponent("storage", !store.Degraded(), "")
	metrics.UpdateComponent("syncer", true, "")
*/
package metrics
