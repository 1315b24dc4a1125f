/*
Package queue implements Burrow's persisted queue of pending mutations.

User mutations are applied optimistically to the local cache and queued
here for reliable delivery. The queue survives restarts: actions are
stored in the durable store under zero-padded sequence keys so that
lexicographic key order is delivery order.

	queue:seq                    monotonic sequence counter
	queue:action:{seq}           JSON-encoded types.PendingAction

# Delivery Discipline

The queue is strictly single-consumer. DequeueNext hands out at most one
action at a time and refuses to hand out another until the current one
is resolved via MarkSucceeded or MarkFailed. The head of the queue is
never skipped, even while it is backing off after a transient failure,
so two edits to the same entity can never be delivered out of order and
last-intent-wins holds for every record.

# Retry Policy

Transient failures demote the action back to pending with retryCount+1
and an exponential backoff gate (base 2s, cap 60s, ±25% jitter). Once
the ceiling (default 5) is exceeded, or on a non-retryable failure, the
action becomes failed-permanent and is removed; the caller receives it
back so the optimistic write can be rolled back and the user notified.

ClearInFlight demotes the in-flight action without a retry penalty; it
is the path taken when a delivery aborts for reasons unrelated to the
action, such as an authentication rejection, so the action can be
retried after re-login.

# Idempotency

Each action's ID doubles as its idempotency key, derived from the action
type, target, creation time, and a random nonce. Retransmissions carry
the same key, letting the server detect and ignore duplicates.

Crash recovery: actions found in-flight at startup are demoted to
pending, since their outcome is unknown and the idempotency key makes a
resend safe.
*/
package queue
