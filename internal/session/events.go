package session

import (
	"time"

	"github.com/rryowa/dashboard_session/internal/models"
)

type EventType int

const (
	EventLoggedIn EventType = iota + 1
	EventLoggedOut
	// EventSessionExpired is sent only when the idle watchdog ends the
	// session, never for a user-initiated logout.
	EventSessionExpired
	// EventSessionRevoked is sent when the backend rejects the refresh token.
	EventSessionRevoked
	EventTokensRefreshed
	EventSessionRestored
)

func (t EventType) String() string {
	switch t {
	case EventLoggedIn:
		return "logged_in"
	case EventLoggedOut:
		return "logged_out"
	case EventSessionExpired:
		return "session_expired"
	case EventSessionRevoked:
		return "session_revoked"
	case EventTokensRefreshed:
		return "tokens_refreshed"
	case EventSessionRestored:
		return "session_restored"
	default:
		return "unknown"
	}
}

type Event struct {
	Type EventType
	User models.User
	At   time.Time
}

const subscriberBuffer = 16

// Subscribe returns a channel of session events and a func that unsubscribes
// and closes it.
func (m *Manager) Subscribe() (<-chan Event, func()) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()

	id := m.nextSubID
	m.nextSubID++
	ch := make(chan Event, subscriberBuffer)
	m.subs[id] = ch

	return ch, func() {
		m.subsMu.Lock()
		defer m.subsMu.Unlock()
		if sub, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(sub)
		}
	}
}

func (m *Manager) emit(t EventType, user models.User) {
	ev := Event{Type: t, User: user, At: m.clock.Now()}

	m.subsMu.Lock()
	defer m.subsMu.Unlock()

	for _, ch := range m.subs {
		select {
		case ch <- ev:
		default:
			m.log.Warnw("Dropping session event for slow subscriber", "event", t.String())
		}
	}
}

func (m *Manager) closeSubscribers() {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()

	for id, ch := range m.subs {
		delete(m.subs, id)
		close(ch)
	}
}
