// Package session keeps the dashboard's authenticated session: login and
// logout, persistence across restarts, the idle timeout and background token
// refresh.
package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/rryowa/dashboard_session/internal/backend"
	"github.com/rryowa/dashboard_session/internal/models"
	"github.com/rryowa/dashboard_session/internal/storage"
	"github.com/rryowa/dashboard_session/internal/util"
)

type State int

const (
	StateUninitialized State = iota
	StateUnauthenticated
	StateAuthenticated
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticated:
		return "authenticated"
	default:
		return "uninitialized"
	}
}

// Result is the outcome of a user-facing operation. Message is meant for
// display and is empty on success.
type Result struct {
	OK      bool
	Message string
}

// Snapshot is a consistent view of the manager for rendering.
type Snapshot struct {
	State          State
	User           *models.User
	IsLoading      bool
	IsInitializing bool
	LastError      string
}

const (
	persistTimeout = 5 * time.Second

	defaultIdleTimeout     = 60 * time.Minute
	defaultRefreshInterval = 15 * time.Minute
	defaultLogoutTimeout   = 5 * time.Second

	msgManagerClosed = "Session manager is closed"
)

// pendingTouch is the latest activity timestamp waiting to be persisted.
type pendingTouch struct {
	gen uint64
	at  time.Time
	set bool
}

type Manager struct {
	backend Backend
	store   Store
	log     *zap.SugaredLogger
	metrics Metrics
	clock   util.Clock

	idleTimeout     time.Duration
	refreshInterval time.Duration
	logoutTimeout   time.Duration

	mu           sync.Mutex
	state        State
	session      *models.Session
	initializing bool
	pending      int
	lastError    string
	closed       bool
	// generation changes on every login, logout, expiry and restore; async
	// work started for one generation must not touch another.
	generation  uint64
	watchdog    util.Timer
	watchdogSeq uint64
	stopRefresh context.CancelFunc

	// touch is written by RecordActivity and drained by persistTouches.
	touch    pendingTouch
	touching bool

	refreshing atomic.Bool

	subsMu    sync.Mutex
	subs      map[int]chan Event
	nextSubID int
}

type Option func(*Manager)

func WithClock(c util.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

func WithMetrics(metrics Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

func New(cfg *util.SessionConfig, b Backend, store Store, log *zap.SugaredLogger, opts ...Option) *Manager {
	m := &Manager{
		backend:         b,
		store:           store,
		log:             log,
		metrics:         noopMetrics{},
		clock:           util.NewRealClock(),
		idleTimeout:     orDefault(log, "idle timeout", cfg.IdleTimeout, defaultIdleTimeout),
		refreshInterval: orDefault(log, "refresh interval", cfg.RefreshInterval, defaultRefreshInterval),
		logoutTimeout:   orDefault(log, "logout timeout", cfg.LogoutTimeout, defaultLogoutTimeout),
		state:           StateUninitialized,
		initializing:    true,
		subs:            make(map[int]chan Event),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func orDefault(log *zap.SugaredLogger, name string, d, def time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	log.Warnw("Non-positive session timing, using default", "setting", name, "value", d, "default", def)
	return def
}

// Initialize restores a persisted session unless it has been idle longer
// than the idle timeout, in which case the stale record is purged. It must
// complete before the UI accepts input.
func (m *Manager) Initialize(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	defer func() { m.initializing = false }()

	if m.closed || m.state != StateUninitialized {
		return
	}
	m.state = StateUnauthenticated

	stored, err := m.store.Load(ctx)
	switch {
	case errors.Is(err, storage.ErrSessionNotFound):
		m.metrics.RecordRestore(RestoreNone)
		return
	case errors.Is(err, storage.ErrIncompleteSession):
		m.log.Warnw("Discarding unreadable persisted session", "error", err)
		m.clearStoreLocked()
		m.metrics.RecordRestore(RestoreInvalid)
		return
	case err != nil:
		m.log.Errorw("Failed to load persisted session", "error", err)
		m.metrics.RecordRestore(RestoreError)
		return
	}

	now := m.clock.Now()
	if stored.LastActivity.IsZero() {
		stored.LastActivity = now
	}
	idle := now.Sub(stored.LastActivity)
	if idle > m.idleTimeout {
		m.log.Infow("Persisted session expired", "idle", idle, "idle_timeout", m.idleTimeout)
		m.clearStoreLocked()
		m.metrics.RecordRestore(RestoreExpired)
		return
	}

	remaining := m.idleTimeout - idle
	if remaining < 0 {
		remaining = 0
	}
	m.startSessionLocked(*stored, remaining)
	m.metrics.RecordRestore(RestoreRestored)
	m.log.Infow("Session restored", "user_id", stored.User.ID, "expires_in", remaining)
	m.emit(EventSessionRestored, stored.User)
}

// Login authenticates against the backend and, on success, replaces the
// current session. It never returns an error; failures are reported in the
// Result and in Snapshot().LastError.
func (m *Manager) Login(ctx context.Context, identifier, secret string) Result {
	if m.isClosed() {
		return Result{Message: msgManagerClosed}
	}

	m.beginOp()
	defer m.endOp()

	res, err := m.backend.Login(ctx, identifier, secret)
	if err != nil {
		msg := backend.Message(err)
		m.log.Warnw("Login failed", "error", err)
		m.setLastError(msg)
		m.metrics.RecordLogin(false)
		return Result{Message: msg}
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.metrics.RecordLogin(false)
		m.revokeRemote(ctx, res.Tokens)
		return Result{Message: msgManagerClosed}
	}
	sess := models.Session{
		User:         res.User,
		AccessToken:  res.Tokens.AccessToken,
		RefreshToken: res.Tokens.RefreshToken,
		LastActivity: m.clock.Now(),
	}
	if err := m.store.Save(ctx, sess); err != nil {
		const msg = "Could not save session"
		m.lastError = msg
		m.mu.Unlock()
		m.log.Errorw("Failed to persist session after login", "error", err)
		m.metrics.RecordLogin(false)
		return Result{Message: msg}
	}
	m.startSessionLocked(sess, m.idleTimeout)
	m.lastError = ""
	m.mu.Unlock()

	m.log.Infow("Logged in", "user_id", sess.User.ID, "role", sess.User.Role)
	m.metrics.RecordLogin(true)
	m.emit(EventLoggedIn, sess.User)
	return Result{OK: true}
}

// Logout tears the local session down first and then tells the backend on a
// best-effort basis. Calling it without a session is a no-op.
func (m *Manager) Logout(ctx context.Context) {
	m.mu.Lock()
	prev := m.teardownLocked()
	m.mu.Unlock()

	if prev == nil {
		return
	}

	m.log.Infow("Logged out", "user_id", prev.User.ID)
	m.metrics.RecordLogout(LogoutManual)
	m.emit(EventLoggedOut, prev.User)

	m.beginOp()
	defer m.endOp()
	m.revokeRemote(ctx, prev.Tokens())
}

// ChangePassword never alters the session: tokens are not rotated on
// success and a failure does not end the session.
func (m *Manager) ChangePassword(ctx context.Context, identifier, currentSecret, newSecret string) Result {
	m.beginOp()
	defer m.endOp()

	err := m.backend.ChangePassword(ctx, m.AccessToken(), models.ChangePasswordRequest{
		Email:           identifier,
		CurrentPassword: currentSecret,
		NewPassword:     newSecret,
	})
	if err != nil {
		msg := backend.Message(err)
		m.log.Warnw("Change password failed", "error", err)
		m.setLastError(msg)
		return Result{Message: msg}
	}

	m.setLastError("")
	return Result{OK: true}
}

// RecordActivity marks a user interaction and restarts the idle clock. It
// does no I/O on the caller's goroutine: the timestamp is persisted in the
// background. A session whose last activity is already older than the idle
// timeout is expired instead of extended.
func (m *Manager) RecordActivity() {
	m.mu.Lock()
	if m.closed || m.session == nil {
		m.mu.Unlock()
		return
	}

	now := m.clock.Now()
	if m.idleExpiredLocked(now) {
		prev := m.teardownLocked()
		m.mu.Unlock()

		m.announceExpiry(*prev)
		go m.revokeRemote(context.Background(), prev.Tokens())
		return
	}

	updated := m.session.WithActivity(now)
	m.session = &updated
	m.armWatchdogLocked(m.idleTimeout)
	m.queueTouchLocked(updated.LastActivity)
	m.mu.Unlock()
}

func (m *Manager) User() *models.User {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session == nil {
		return nil
	}
	u := m.session.User
	return &u
}

func (m *Manager) AccessToken() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session == nil {
		return ""
	}
	return m.session.AccessToken
}

func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := Snapshot{
		State:          m.state,
		IsLoading:      m.pending > 0,
		IsInitializing: m.initializing,
		LastError:      m.lastError,
	}
	if m.session != nil {
		u := m.session.User
		snap.User = &u
	}
	return snap
}

// Close stops the timers and closes subscriber channels. The persisted
// session is kept so the next run can restore it.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.generation++
	m.stopTimersLocked()
	m.mu.Unlock()

	m.closeSubscribers()
}

func (m *Manager) startSessionLocked(sess models.Session, watchdogAfter time.Duration) {
	m.generation++
	m.stopTimersLocked()

	m.session = &sess
	m.state = StateAuthenticated
	m.armWatchdogLocked(watchdogAfter)

	ctx, cancel := context.WithCancel(context.Background())
	m.stopRefresh = cancel
	go m.runRefreshLoop(ctx, m.generation, m.clock.NewTicker(m.refreshInterval))
}

// teardownLocked ends the current session in memory and in the store and
// returns what was there, or nil when there was no session.
func (m *Manager) teardownLocked() *models.Session {
	prev := m.session

	m.generation++
	m.stopTimersLocked()
	m.session = nil
	if m.state != StateUninitialized {
		m.state = StateUnauthenticated
	}
	m.clearStoreLocked()

	return prev
}

func (m *Manager) clearStoreLocked() {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := m.store.Clear(ctx); err != nil {
		m.log.Errorw("Failed to clear persisted session", "error", err)
	}
}

func (m *Manager) armWatchdogLocked(after time.Duration) {
	if m.watchdog != nil {
		m.watchdog.Stop()
	}
	m.watchdogSeq++
	seq := m.watchdogSeq
	m.watchdog = m.clock.AfterFunc(after, func() { m.onIdleTimeout(seq) })
}

func (m *Manager) stopTimersLocked() {
	if m.watchdog != nil {
		m.watchdog.Stop()
		m.watchdog = nil
	}
	m.watchdogSeq++
	if m.stopRefresh != nil {
		m.stopRefresh()
		m.stopRefresh = nil
	}
}

func (m *Manager) onIdleTimeout(seq uint64) {
	m.mu.Lock()
	if seq != m.watchdogSeq || m.session == nil {
		m.mu.Unlock()
		return
	}
	prev := m.teardownLocked()
	m.mu.Unlock()

	m.announceExpiry(*prev)
	m.revokeRemote(context.Background(), prev.Tokens())
}

// idleExpiredLocked compares wall-clock time against the last activity.
// Timers run on the monotonic clock and may not have fired after a suspend.
func (m *Manager) idleExpiredLocked(now time.Time) bool {
	last := m.session.LastActivity
	return !last.IsZero() && now.Sub(last) > m.idleTimeout
}

func (m *Manager) announceExpiry(prev models.Session) {
	m.log.Infow("Session expired after inactivity", "user_id", prev.User.ID, "idle_timeout", m.idleTimeout)
	m.metrics.RecordLogout(LogoutExpired)
	m.emit(EventSessionExpired, prev.User)
}

// queueTouchLocked records at as the timestamp to persist and starts the
// writer if it is idle. Only the latest pending timestamp is written.
func (m *Manager) queueTouchLocked(at time.Time) {
	m.touch = pendingTouch{gen: m.generation, at: at, set: true}
	if m.touching {
		return
	}
	m.touching = true
	go m.persistTouches()
}

func (m *Manager) persistTouches() {
	for {
		m.mu.Lock()
		p := m.touch
		m.touch = pendingTouch{}
		if !p.set {
			m.touching = false
			m.mu.Unlock()
			return
		}
		current := p.gen == m.generation && m.session != nil
		m.mu.Unlock()

		if !current {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		err := m.store.Touch(ctx, p.at)
		cancel()
		if err != nil {
			m.log.Warnw("Failed to persist activity timestamp", "error", err)
		}
	}
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *Manager) revokeRemote(ctx context.Context, tokens models.TokenPair) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.logoutTimeout)
	defer cancel()

	if err := m.backend.Logout(ctx, tokens); err != nil {
		m.log.Warnw("Remote logout failed; local session already cleared", "error", err)
	}
}

func (m *Manager) beginOp() {
	m.mu.Lock()
	m.pending++
	m.mu.Unlock()
}

func (m *Manager) endOp() {
	m.mu.Lock()
	m.pending--
	m.mu.Unlock()
}

func (m *Manager) setLastError(msg string) {
	m.mu.Lock()
	m.lastError = msg
	m.mu.Unlock()
}
