package session

import (
	"context"
	"errors"

	"github.com/rryowa/dashboard_session/internal/backend"
	"github.com/rryowa/dashboard_session/internal/util"
)

// runRefreshLoop ticks until ctx is cancelled by the next transition. A tick
// that lands while a refresh is still in flight is skipped, not queued.
func (m *Manager) runRefreshLoop(ctx context.Context, gen uint64, ticker util.Ticker) {
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			if !m.refreshing.CompareAndSwap(false, true) {
				m.log.Debugw("Refresh still in flight, skipping tick")
				m.metrics.RecordRefresh(RefreshSkipped)
				continue
			}
			go func() {
				defer m.refreshing.Store(false)
				m.refreshAccessToken(ctx, gen)
			}()
		}
	}
}

func (m *Manager) refreshAccessToken(ctx context.Context, gen uint64) {
	m.mu.Lock()
	if gen != m.generation || m.session == nil {
		m.mu.Unlock()
		return
	}
	tokens := m.session.Tokens()
	m.mu.Unlock()

	if !tokens.Complete() {
		return
	}

	pair, err := m.backend.Refresh(ctx, tokens.RefreshToken)

	m.mu.Lock()
	if gen != m.generation || m.session == nil {
		m.mu.Unlock()
		m.log.Debugw("Discarding refresh result for a finished session")
		m.metrics.RecordRefresh(RefreshDiscarded)
		return
	}

	if err != nil {
		if errors.Is(err, backend.ErrRejected) {
			prev := m.teardownLocked()
			m.mu.Unlock()

			m.log.Warnw("Refresh token rejected, ending session", "user_id", prev.User.ID, "error", err)
			m.metrics.RecordRefresh(RefreshRejected)
			m.metrics.RecordLogout(LogoutRevoked)
			m.emit(EventSessionRevoked, prev.User)
			return
		}
		m.mu.Unlock()

		// Transient: keep the session, the next tick tries again.
		m.log.Warnw("Token refresh failed", "error", err)
		m.metrics.RecordRefresh(RefreshFailed)
		return
	}

	now := m.clock.Now()
	if m.idleExpiredLocked(now) {
		prev := m.teardownLocked()
		m.mu.Unlock()

		m.metrics.RecordRefresh(RefreshDiscarded)
		m.announceExpiry(*prev)
		m.revokeRemote(context.Background(), prev.WithTokens(pair).Tokens())
		return
	}

	updated := m.session.WithTokens(pair).WithActivity(now)
	saveCtx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := m.store.Save(saveCtx, updated); err != nil {
		m.log.Errorw("Failed to persist refreshed tokens", "error", err)
	}
	m.session = &updated
	m.armWatchdogLocked(m.idleTimeout)
	user := updated.User
	m.mu.Unlock()

	m.log.Debugw("Access token refreshed", "user_id", user.ID)
	m.metrics.RecordRefresh(RefreshOK)
	m.emit(EventTokensRefreshed, user)
}
