/*
Package cache implements Burrow's TTL-bounded local store of server-owned
records.

The cache lets the UI render instantly from the last-known copy of a
record and survive connectivity loss. Records carry a fetch timestamp and
a TTL; a record past its TTL is reported stale but is never deleted for
that reason, so there is always something to render while a background
refresh is pending.

# Keys

Records are stored in the durable store under

	cache:{entityType}:{entityID}

as JSON-encoded types.CachedRecord values.

# Optimistic Writes

Patch applies a caller-supplied pure transformation to the stored payload
and returns the previous payload so the coordinator can roll the change
back if the server ultimately rejects it. A patch preserves FetchedAt and
TTL: only an authoritative Put counts as a fetch.

Reads are consistent with the most recent local write, optimistic or
reconciled.

# Eviction

When the record count crosses the configured threshold, the cache evicts
least-recently-fetched records first, skipping the visible set supplied
via SetVisible. Visibility doubles as the refresh scope: StaleVisible
returns the on-screen entities the synchronizer should re-fetch.
*/
package cache
