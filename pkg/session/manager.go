package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cuemby/burrow/pkg/events"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/storage"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/rs/zerolog"
)

const sessionKey = "session:current"

// Defaults for session policy.
const (
	DefaultIdleWindow       = 30 * time.Minute
	DefaultWarningWindow    = 5 * time.Minute
	DefaultActivityThrottle = 5 * time.Second
	DefaultRefreshMargin    = 24 * time.Hour
)

// Config holds session policy knobs.
type Config struct {
	// IdleWindow is the inactivity duration after which a session
	// expires.
	IdleWindow time.Duration
	// WarningWindow is how long before idle expiry the warning fires.
	WarningWindow time.Duration
	// ActivityThrottle bounds how often activity is recorded, to avoid
	// write amplification from UI event streams.
	ActivityThrottle time.Duration
	// RefreshMargin is how long before token expiry a refresh is
	// attempted for long-lived tokens. Short-lived tokens refresh at
	// half their remaining lifetime.
	RefreshMargin time.Duration
	// ClassifyRefreshError buckets a failed token refresh. An
	// auth-rejected failure destroys the session immediately instead
	// of retrying. Nil treats every failure as transient. Wired to
	// apiclient.Classify by the engine.
	ClassifyRefreshError func(error) types.FailureClass
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.IdleWindow <= 0 {
		out.IdleWindow = DefaultIdleWindow
	}
	if out.WarningWindow <= 0 {
		out.WarningWindow = DefaultWarningWindow
	}
	if out.ActivityThrottle <= 0 {
		out.ActivityThrottle = DefaultActivityThrottle
	}
	if out.RefreshMargin <= 0 {
		out.RefreshMargin = DefaultRefreshMargin
	}
	return out
}

// RefreshFunc exchanges the current token for a fresh one. Wired to
// apiclient.Refresh by the engine.
type RefreshFunc func(ctx context.Context, token string) (newToken string, expiresAt time.Time, err error)

// Manager owns the authenticated session: activity tracking, idle
// timeout, proactive token refresh, and expiry warnings. All session
// mutation goes through the manager so the recomputed-expiry invariant
// cannot be bypassed.
type Manager struct {
	mu     sync.Mutex
	store  storage.Store
	broker *events.Broker
	cfg    Config
	logger zerolog.Logger

	sess         *types.Session
	state        types.SessionState
	lastRecorded time.Time

	warnTimer    *time.Timer
	expireTimer  *time.Timer
	refreshTimer *time.Timer

	refresh RefreshFunc

	// OnExpiryWarning fires once per approach to expiry, a warning
	// window before it.
	OnExpiryWarning func(remaining time.Duration)
	// OnIdleTimeout fires once when the session expires idle.
	OnIdleTimeout func()
}

// NewManager creates a session manager
func NewManager(store storage.Store, broker *events.Broker, cfg Config, refresh RefreshFunc) *Manager {
	return &Manager{
		store:   store,
		broker:  broker,
		cfg:     cfg.withDefaults(),
		logger:  log.WithComponent("session"),
		state:   types.SessionUnauthenticated,
		refresh: refresh,
	}
}

// Restore attempts to load a previously persisted session. It returns
// false if none is stored, the stored value is corrupt, or the session
// is already past its recomputed idle expiry.
func (m *Manager) Restore() (*types.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, found, err := m.store.Get(sessionKey)
	if err != nil || !found {
		return nil, false
	}

	var sess types.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		m.logger.Warn().Err(err).Msg("discarding corrupt persisted session")
		_ = m.store.Delete(sessionKey)
		return nil, false
	}

	// Expiry is recomputed from LastActivityAt, never trusted from disk
	if sess.Expired(m.cfg.IdleWindow, time.Now()) {
		m.logger.Info().Str("user_id", sess.UserID).Msg("persisted session already expired")
		_ = m.store.Delete(sessionKey)
		return nil, false
	}

	m.installLocked(&sess)
	m.logger.Info().Str("user_id", sess.UserID).Msg("session restored")
	out := sess
	return &out, true
}

// Begin installs a freshly authenticated session and arms its timers.
func (m *Manager) Begin(sess *types.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sess.LastActivityAt.IsZero() {
		sess.LastActivityAt = time.Now()
	}
	s := *sess
	m.installLocked(&s)
	m.logger.Info().Str("user_id", s.UserID).Bool("remember_me", s.RememberMe).Msg("session started")
	return m.persistLocked()
}

// installLocked sets the session, state, and timers. Caller holds mu.
func (m *Manager) installLocked(sess *types.Session) {
	m.sess = sess
	m.state = types.SessionActive
	m.lastRecorded = sess.LastActivityAt
	m.armIdleTimersLocked()
	m.scheduleRefreshLocked(sess.TokenExpiresAt)
}

// RecordActivity notes a qualifying UI event. Calls within the throttle
// interval are ignored; an accepted call updates LastActivityAt,
// persists it, re-arms the idle timers, and returns a Warning session
// to Active.
func (m *Manager) RecordActivity() {
	m.recordActivity(false)
}

// Extend is the explicit "stay signed in" action: RecordActivity with
// the throttle bypassed.
func (m *Manager) Extend() {
	m.recordActivity(true)
}

func (m *Manager) recordActivity(bypassThrottle bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sess == nil || m.state == types.SessionExpired {
		return
	}

	now := time.Now()
	if !bypassThrottle && now.Sub(m.lastRecorded) < m.cfg.ActivityThrottle {
		return
	}

	m.lastRecorded = now
	m.sess.LastActivityAt = now
	m.state = types.SessionActive
	m.armIdleTimersLocked()
	if err := m.persistLocked(); err != nil {
		m.logger.Warn().Err(err).Msg("failed to persist activity timestamp")
	}
}

// armIdleTimersLocked re-arms the warning and expiry timers from the
// current LastActivityAt. Each approach to expiry therefore fires each
// timer at most once. Caller holds mu.
func (m *Manager) armIdleTimersLocked() {
	m.stopIdleTimersLocked()

	expiresAt := m.sess.ExpiresAt(m.cfg.IdleWindow)
	untilExpiry := time.Until(expiresAt)
	untilWarning := untilExpiry - m.cfg.WarningWindow

	if untilWarning < 0 {
		untilWarning = 0
	}
	m.warnTimer = time.AfterFunc(untilWarning, m.fireWarning)
	m.expireTimer = time.AfterFunc(untilExpiry, m.fireExpiry)
}

func (m *Manager) stopIdleTimersLocked() {
	if m.warnTimer != nil {
		m.warnTimer.Stop()
		m.warnTimer = nil
	}
	if m.expireTimer != nil {
		m.expireTimer.Stop()
		m.expireTimer = nil
	}
}

func (m *Manager) fireWarning() {
	m.mu.Lock()
	if m.sess == nil || m.state != types.SessionActive {
		m.mu.Unlock()
		return
	}
	m.state = types.SessionWarning
	remaining := time.Until(m.sess.ExpiresAt(m.cfg.IdleWindow))
	callback := m.OnExpiryWarning
	m.mu.Unlock()

	m.logger.Info().Dur("remaining", remaining).Msg("session expiry warning")
	if m.broker != nil {
		m.broker.Publish(&events.Event{
			Type:        events.EventSessionExpiring,
			RemainingMs: remaining.Milliseconds(),
		})
	}
	if callback != nil {
		callback(remaining)
	}
}

func (m *Manager) fireExpiry() {
	m.mu.Lock()
	if m.sess == nil || m.state == types.SessionExpired {
		m.mu.Unlock()
		return
	}
	// Activity may have raced the timer; recheck the invariant
	if !m.sess.Expired(m.cfg.IdleWindow, time.Now()) {
		m.armIdleTimersLocked()
		m.mu.Unlock()
		return
	}

	m.state = types.SessionExpired
	m.stopIdleTimersLocked()
	m.stopRefreshTimerLocked()
	_ = m.store.Delete(sessionKey)
	userID := m.sess.UserID
	m.sess = nil
	callback := m.OnIdleTimeout
	m.mu.Unlock()

	metrics.SessionsExpiredTotal.Inc()
	m.logger.Info().Str("user_id", userID).Msg("session expired idle")
	if m.broker != nil {
		m.broker.Publish(&events.Event{Type: events.EventSessionExpired})
	}
	if callback != nil {
		callback()
	}
}

// ScheduleRefresh arms a single timer to refresh the token before it
// expires. Re-armed automatically on every successful refresh.
func (m *Manager) ScheduleRefresh(tokenExpiresAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scheduleRefreshLocked(tokenExpiresAt)
}

func (m *Manager) scheduleRefreshLocked(tokenExpiresAt time.Time) {
	m.stopRefreshTimerLocked()

	if m.refresh == nil || tokenExpiresAt.IsZero() {
		return
	}

	remaining := time.Until(tokenExpiresAt)
	var fireIn time.Duration
	if remaining > 2*m.cfg.RefreshMargin {
		fireIn = remaining - m.cfg.RefreshMargin
	} else {
		fireIn = remaining / 2
	}
	if fireIn < 0 {
		fireIn = 0
	}
	m.refreshTimer = time.AfterFunc(fireIn, m.fireRefresh)
}

func (m *Manager) stopRefreshTimerLocked() {
	if m.refreshTimer != nil {
		m.refreshTimer.Stop()
		m.refreshTimer = nil
	}
}

func (m *Manager) fireRefresh() {
	m.mu.Lock()
	if m.sess == nil || m.state == types.SessionExpired {
		m.mu.Unlock()
		return
	}
	token := m.sess.AccessToken
	refresh := m.refresh
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	newToken, expiresAt, err := refresh(ctx, token)
	if err != nil {
		metrics.TokenRefreshesTotal.WithLabelValues("failure").Inc()

		// A rejected credential means the session is dead server-side;
		// retrying would keep handing out a revoked token
		if m.cfg.ClassifyRefreshError != nil &&
			m.cfg.ClassifyRefreshError(err) == types.FailureAuthRejected {
			m.logger.Warn().Err(err).Msg("token refresh rejected, destroying session")
			m.Destroy(types.DestroyAuthRejected)
			return
		}

		m.logger.Warn().Err(err).Msg("token refresh failed, will retry")

		m.mu.Lock()
		// Retry at half the time left on the old token, at least a
		// minute out
		if m.sess != nil {
			retryIn := time.Until(m.sess.TokenExpiresAt) / 2
			if retryIn < time.Minute {
				retryIn = time.Minute
			}
			m.stopRefreshTimerLocked()
			m.refreshTimer = time.AfterFunc(retryIn, m.fireRefresh)
		}
		m.mu.Unlock()
		return
	}

	m.mu.Lock()
	if m.sess == nil {
		// Session destroyed while the refresh was in flight; discard
		m.mu.Unlock()
		return
	}
	m.sess.AccessToken = newToken
	m.sess.TokenExpiresAt = expiresAt
	if err := m.persistLocked(); err != nil {
		m.logger.Warn().Err(err).Msg("failed to persist refreshed token")
	}
	m.scheduleRefreshLocked(expiresAt)
	m.mu.Unlock()

	metrics.TokenRefreshesTotal.WithLabelValues("success").Inc()
	m.logger.Info().Time("expires_at", expiresAt).Msg("token refreshed")
	if m.broker != nil {
		m.broker.Publish(&events.Event{Type: events.EventSessionRefreshed})
	}
}

// Destroy clears persisted session state and cancels all armed timers.
// Idempotent.
func (m *Manager) Destroy(reason types.DestroyReason) {
	m.mu.Lock()
	if m.sess == nil && m.state == types.SessionUnauthenticated {
		m.mu.Unlock()
		return
	}
	m.stopIdleTimersLocked()
	m.stopRefreshTimerLocked()
	_ = m.store.Delete(sessionKey)
	m.sess = nil
	m.state = types.SessionUnauthenticated
	m.mu.Unlock()

	m.logger.Info().Str("reason", string(reason)).Msg("session destroyed")
	if m.broker != nil {
		m.broker.Publish(&events.Event{
			Type:   events.EventSessionDestroyed,
			Reason: string(reason),
		})
	}
}

// Token returns the current access token, if authenticated.
func (m *Manager) Token() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sess == nil || m.state == types.SessionExpired {
		return "", false
	}
	return m.sess.AccessToken, true
}

// Current returns a copy of the current session, if any.
func (m *Manager) Current() (*types.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sess == nil {
		return nil, false
	}
	out := *m.sess
	return &out, true
}

// IdleWindow returns the configured inactivity window.
func (m *Manager) IdleWindow() time.Duration {
	return m.cfg.IdleWindow
}

// State returns the lifecycle state.
func (m *Manager) State() types.SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// persistLocked writes the session to the durable store, unless the
// user declined persistence. Caller holds mu.
func (m *Manager) persistLocked() error {
	if m.sess == nil {
		return nil
	}
	if !m.sess.RememberMe {
		// In-memory only; nothing survives a restart
		return nil
	}
	data, err := json.Marshal(m.sess)
	if err != nil {
		return err
	}
	return m.store.Set(sessionKey, data)
}
