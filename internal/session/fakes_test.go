package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/rryowa/dashboard_session/internal/models"
	"github.com/rryowa/dashboard_session/internal/storage"
	"github.com/rryowa/dashboard_session/internal/storage/memory"
	"github.com/rryowa/dashboard_session/internal/util"
)

const (
	testIdle    = 60 * time.Minute
	testRefresh = 15 * time.Minute
	waitTimeout = 2 * time.Second
)

type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	timers  []*fakeTimer
	tickers []*fakeTicker
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) util.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := &fakeTimer{clock: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) NewTicker(d time.Duration) util.Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := &fakeTicker{ch: make(chan time.Time), period: d}
	c.tickers = append(c.tickers, t)
	return t
}

// Advance moves time forward and runs the timers that became due. Callbacks
// run without the clock lock held.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.done && !t.at.After(c.now) {
			t.done = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()

	for _, t := range due {
		t.f()
	}
}

// jump moves wall time forward without running any timer, like a host
// waking from suspend.
func (c *fakeClock) jump(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) armedTimers() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, t := range c.timers {
		if !t.done {
			n++
		}
	}
	return n
}

func (c *fakeClock) activeTickers() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, t := range c.tickers {
		if !t.stopped.Load() {
			n++
		}
	}
	return n
}

// tick delivers one tick to the newest running ticker.
func (c *fakeClock) tick(t *testing.T) {
	t.Helper()

	c.mu.Lock()
	var target *fakeTicker
	for i := len(c.tickers) - 1; i >= 0; i-- {
		if !c.tickers[i].stopped.Load() {
			target = c.tickers[i]
			break
		}
	}
	now := c.now
	c.mu.Unlock()

	if target == nil {
		t.Fatal("no running ticker")
	}
	select {
	case target.ch <- now:
	case <-time.After(waitTimeout):
		t.Fatal("ticker not drained")
	}
}

type fakeTimer struct {
	clock *fakeClock
	at    time.Time
	f     func()
	done  bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()

	active := !t.done
	t.done = true
	return active
}

type fakeTicker struct {
	ch      chan time.Time
	period  time.Duration
	stopped atomic.Bool
}

func (t *fakeTicker) C() <-chan time.Time { return t.ch }

func (t *fakeTicker) Stop() { t.stopped.Store(true) }

var errOffline = errors.New("dial tcp: connection refused")

type fakeBackend struct {
	mu sync.Mutex

	loginErr   error
	logoutErr  error
	refreshErr error
	changeErr  error

	refreshPair    models.TokenPair
	loginGate      chan struct{}
	refreshGate    chan struct{}
	refreshStarted chan struct{}

	loginCalls   int
	logoutCalls  int
	refreshCalls int
	changeCalls  int

	lastLogout      models.TokenPair
	lastRefresh     string
	lastChangeToken string
	lastChange      models.ChangePasswordRequest
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		refreshPair:    models.TokenPair{AccessToken: "AT2", RefreshToken: "RT2"},
		refreshStarted: make(chan struct{}, 8),
	}
}

func (b *fakeBackend) Login(_ context.Context, email, _ string) (*models.LoginResult, error) {
	b.mu.Lock()
	gate := b.loginGate
	b.mu.Unlock()
	if gate != nil {
		<-gate
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.loginCalls++
	if b.loginErr != nil {
		return nil, b.loginErr
	}
	return &models.LoginResult{
		User:   models.User{ID: "id-" + email, Email: email, Name: "User " + email, Role: models.RoleAdmin},
		Tokens: models.TokenPair{AccessToken: "AT-" + email, RefreshToken: "RT-" + email},
	}, nil
}

func (b *fakeBackend) Logout(_ context.Context, tokens models.TokenPair) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.logoutCalls++
	b.lastLogout = tokens
	return b.logoutErr
}

// Refresh ignores ctx so tests can deliver a result after the session ended.
func (b *fakeBackend) Refresh(_ context.Context, refreshToken string) (models.TokenPair, error) {
	b.mu.Lock()
	b.refreshCalls++
	b.lastRefresh = refreshToken
	gate := b.refreshGate
	b.mu.Unlock()

	b.refreshStarted <- struct{}{}
	if gate != nil {
		<-gate
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.refreshErr != nil {
		return models.TokenPair{}, b.refreshErr
	}
	return b.refreshPair, nil
}

func (b *fakeBackend) ChangePassword(_ context.Context, accessToken string, req models.ChangePasswordRequest) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.changeCalls++
	b.lastChangeToken = accessToken
	b.lastChange = req
	return b.changeErr
}

func (b *fakeBackend) loggedOut() models.TokenPair {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastLogout
}

func (b *fakeBackend) calls() (login, logout, refresh, change int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.loginCalls, b.logoutCalls, b.refreshCalls, b.changeCalls
}

type recordingMetrics struct {
	mu     sync.Mutex
	counts map[string]int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{counts: make(map[string]int)}
}

func (r *recordingMetrics) inc(key string) {
	r.mu.Lock()
	r.counts[key]++
	r.mu.Unlock()
}

func (r *recordingMetrics) RecordLogin(success bool) {
	if success {
		r.inc("login:ok")
		return
	}
	r.inc("login:failed")
}

func (r *recordingMetrics) RecordLogout(reason string)   { r.inc("logout:" + reason) }
func (r *recordingMetrics) RecordRefresh(outcome string) { r.inc("refresh:" + outcome) }
func (r *recordingMetrics) RecordRestore(outcome string) { r.inc("restore:" + outcome) }

func (r *recordingMetrics) count(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[key]
}

type failingStore struct {
	Store
	saveErr error
}

func (f *failingStore) Save(ctx context.Context, s models.Session) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	return f.Store.Save(ctx, s)
}

// slowStore blocks every Touch until release is closed.
type slowStore struct {
	Store
	release chan struct{}

	mu      sync.Mutex
	touches []time.Time
}

func (s *slowStore) Touch(ctx context.Context, at time.Time) error {
	<-s.release

	s.mu.Lock()
	s.touches = append(s.touches, at)
	s.mu.Unlock()
	return s.Store.Touch(ctx, at)
}

func (s *slowStore) touchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.touches)
}

type harness struct {
	t       *testing.T
	clock   *fakeClock
	backend *fakeBackend
	kv      *memory.KV
	store   *storage.SessionStore
	metrics *recordingMetrics
	mgr     *Manager
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	kv := memory.NewKV()
	h := &harness{
		t:       t,
		clock:   newFakeClock(),
		backend: newFakeBackend(),
		kv:      kv,
		store:   storage.NewSessionStore(kv, "test:"),
		metrics: newRecordingMetrics(),
	}
	h.mgr = h.newManager(h.store)
	t.Cleanup(h.mgr.Close)
	return h
}

func (h *harness) newManager(store Store) *Manager {
	cfg := &util.SessionConfig{IdleTimeout: testIdle, RefreshInterval: testRefresh, LogoutTimeout: time.Second}
	return New(cfg, h.backend, store, zap.NewNop().Sugar(), WithClock(h.clock), WithMetrics(h.metrics))
}

func (h *harness) persisted() (*models.Session, error) {
	return h.store.Load(context.Background())
}

func (h *harness) login(email string) {
	h.t.Helper()

	if res := h.mgr.Login(context.Background(), email, "correctpw"); !res.OK {
		h.t.Fatalf("login %s failed: %q", email, res.Message)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitRefreshStarted(t *testing.T, b *fakeBackend) {
	t.Helper()

	select {
	case <-b.refreshStarted:
	case <-time.After(waitTimeout):
		t.Fatal("refresh was not called")
	}
}

func nextEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()

	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatal("event channel closed")
		}
		return ev
	case <-time.After(waitTimeout):
		t.Fatal("no event received")
	}
	return Event{}
}
