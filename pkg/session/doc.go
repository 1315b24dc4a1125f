/*
Package session implements Burrow's session lifecycle manager.

The manager owns the authenticated session end to end: restoring it at
startup, tracking user activity, warning before idle expiry, refreshing
the access token proactively, and tearing everything down on logout or
rejection. All session mutation goes through the manager's methods, so
the one invariant everything rests on cannot be bypassed: idle expiry is
always recomputed as LastActivityAt plus the configured idle window,
never read back from disk, and persisted timestamps therefore cannot
silently extend a session beyond policy.

# State Machine

	Unauthenticated ──Begin/Restore──> Active
	Active ──activity──> Active
	Active ──warning window reached──> Warning
	Warning ──RecordActivity/Extend──> Active
	Warning ──idle window reached──> Expired
	any ──Destroy──> Unauthenticated

Expired is terminal until a new login calls Begin.

# Timers

Three timers, all re-armed rather than self-rescheduling:

  - warning: fires WarningWindow before idle expiry; publishes
    session.expiring with the remaining time and flips state to Warning
  - expiry: fires at idle expiry; destroys the session and publishes
    session.expired
  - refresh: fires RefreshMargin before token expiry for long-lived
    tokens, or at half the remaining lifetime for short ones; re-armed
    on every successful refresh, retried with a shorter fuse on failure

Warning and expiry are edge-triggered: each approach to expiry fires each
of them at most once, because recording activity re-arms both timers and
returns the state to Active.

# Persistence

The session is stored under session:current as JSON when RememberMe is
set; otherwise it lives only in memory and does not survive a restart.
Restore rejects corrupt or already-expired stored sessions. A refresh
that completes after the session was destroyed is discarded.

RecordActivity is throttled (default once per 5s) so a stream of UI
events does not amplify into a stream of writes; Extend bypasses the
throttle for the explicit "stay signed in" action.
*/
package session
