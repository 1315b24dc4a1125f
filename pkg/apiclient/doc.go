/*
Package apiclient is Burrow's HTTP client for the host application's API.

The host API is an external collaborator: this package only encodes the
contract the engine relies on, it does not own any server semantics.

# Endpoints

	POST /auth/login                     -> {accessToken, expiresAt, user}
	POST /auth/refresh (bearer)          -> {accessToken, expiresAt}
	GET  /auth/verify  (bearer)          -> {valid, expiresInHours}
	GET  /{entityType}/{id}              -> canonical entity payload

Pending actions map onto generic CRUD/action endpoints:

	create  -> POST   /{entityType}
	update  -> PUT    /{entityType}/{id}
	delete  -> DELETE /{entityType}/{id}
	like    -> POST   /{entityType}/{id}/like
	comment -> POST   /{entityType}/{id}/comments

Every Submit carries the action's idempotency key in the Idempotency-Key
header, so a retried-but-already-applied action is deduplicated
server-side.

# Failure Classification

Classify maps an error onto the engine's retry taxonomy: transport
errors, timeouts, and 5xx responses are transient; 401 is an
authentication rejection; every other 4xx is a permanent rejection,
including 404 for an entity deleted server-side between enqueue and
send.

When a login or refresh response omits expiresAt, the client falls back
to the JWT exp claim. The signature is not verified locally; the client
only needs the deadline for refresh scheduling.

All requests carry a fixed timeout (default 15s) and honor context
cancellation.
*/
package apiclient
