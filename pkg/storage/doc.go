/*
Package storage provides BoltDB-backed key/value persistence for Burrow's
local state.

The storage package implements the Store interface using BoltDB as the
underlying database, providing ACID transactions for the engine's durable
state: the current session, cached records, and the pending-action queue.
Values are opaque bytes; the packages that own each keyspace do their own
JSON (un)marshaling.

# Architecture

Burrow uses BoltDB (bbolt) for embedded, transactional storage with zero
external dependencies:

	┌──────────────── DURABLE STORE ────────────────┐
	│                                                │
	│  BoltStore                                     │
	│  - File: <dataDir>/burrow.db                   │
	│  - Single bucket, flat namespaced keys         │
	│  - Read: db.View()   - concurrent              │
	│  - Write: db.Update() - serialized, fsynced    │
	│                                                │
	│  Key namespaces                                │
	│  - session:current                             │
	│  - cache:{entityType}:{entityID}               │
	│  - queue:action:{seq}                          │
	│  - queue:seq                                   │
	│                                                │
	│  MemoryStore (degraded fallback)               │
	│  - map[string][]byte behind an RWMutex         │
	│  - Degraded() == true                          │
	└────────────────────────────────────────────────┘

# Degraded Mode

Open(dataDir) never fails: if the database cannot be opened (missing
directory permissions, quota, corrupt file held by another process), it
logs the condition and returns a MemoryStore with the degraded flag
raised. A successful open is wrapped in a FallbackStore, which carries
the durable contents over to a MemoryStore the first time an operation
fails mid-run and serves everything from memory afterwards. Callers can
observe Degraded() or register an OnDegrade hook, but are expected to
keep functioning with reduced durability; persisted state is lost only
if the process terminates while degraded.

# Consistency

Every Store operation is a complete, independent transaction. No
component holds a long-lived write lock, which keeps the session
manager, cache, and queue from blocking one another.
*/
package storage
