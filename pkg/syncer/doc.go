/*
Package syncer is Burrow's orchestration layer: the optimistic update
coordinator and the background synchronizer.

# Coordinator

The coordinator is the write path for user actions. An optimistic apply
does three things atomically with respect to other engine operations:

 1. patches the local cache so the UI reflects the mutation immediately
    (capturing the pre-mutation payload)
 2. enqueues the action in the mutation queue for delivery
 3. returns the updated payload for synchronous rendering

Read-your-writes holds from that point: a cache read sees the optimistic
value regardless of network state. If the server later rejects the
action permanently, the coordinator restores the captured pre-image
(byte-equal to what was there before) and publishes
mutation.rolled_back; a canonical server payload that has since
overwritten the record wins instead.

Creates insert a provisional record under a client-generated ID; deletes
capture the full record so a rejection reinserts it with its original
fetch metadata.

# Synchronizer

The synchronizer is a recurring reconciliation loop (default 30s, plus
an immediate trigger on reconnect, on SyncNow, and on every optimistic
apply while online). A cycle:

 1. no-ops when connectivity is offline or no session is active
 2. drains the mutation queue one action at a time, single-consumer:
    attach the session token, submit with the idempotency key, resolve
    via MarkSucceeded/MarkFailed, and overwrite the cache with the
    canonical response payload
 3. once the queue is empty (or its head is backing off), re-fetches
    stale records the UI currently renders; the canonical payload
    always wins over any leftover optimistic value

Failure handling during a cycle follows the engine's taxonomy: transient
failures schedule a backoff retry and end the drain (the head is never
skipped); an authentication rejection destroys the session, demotes the
in-flight action without a retry penalty, and aborts the cycle;
permanent rejections roll back. A cycle whose session is destroyed or
replaced mid-flight discards its results.
*/
package syncer
