package session

import (
	"sync"

	"github.com/dmdzco/donna2/internal/contextcache"
	"github.com/dmdzco/donna2/internal/store"
)

// PrefetchedCall is what the scheduler prepares before dialling: everything
// the session needs the instant the media stream opens. The scheduler
// attaches it under the call SID; the media handler takes it on connect.
type PrefetchedCall struct {
	Tenant   *store.Tenant
	Entry    *contextcache.Entry
	Reminder *store.Reminder

	// DeliveryID is the delivery row created for this dial, empty for
	// check-in calls.
	DeliveryID string

	// Pending are other undelivered reminders for the tenant.
	Pending []store.Reminder
}

// Manager tracks live sessions and pre-dial context by call SID. Safe for
// concurrent use.
type Manager struct {
	mu         sync.Mutex
	sessions   map[string]*Session
	prefetched map[string]PrefetchedCall
}

// NewManager creates an empty Manager.
func NewManager() *Manager {
	return &Manager{
		sessions:   make(map[string]*Session),
		prefetched: make(map[string]PrefetchedCall),
	}
}

// AttachPrefetch stores pre-dial context for an outbound call leg.
func (m *Manager) AttachPrefetch(callSID string, p PrefetchedCall) {
	m.mu.Lock()
	m.prefetched[callSID] = p
	m.mu.Unlock()
}

// TakePrefetch removes and returns the pre-dial context for a call leg.
func (m *Manager) TakePrefetch(callSID string) (PrefetchedCall, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.prefetched[callSID]
	if ok {
		delete(m.prefetched, callSID)
	}
	return p, ok
}

// PeekPrefetch returns the pre-dial context without consuming it. The answer
// webhook uses it to label the call before the media stream opens.
func (m *Manager) PeekPrefetch(callSID string) (PrefetchedCall, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.prefetched[callSID]
	return p, ok
}

// DropPrefetch discards pre-dial context, used when a dial fails before any
// stream opens.
func (m *Manager) DropPrefetch(callSID string) {
	m.mu.Lock()
	delete(m.prefetched, callSID)
	m.mu.Unlock()
}

// Add registers a live session under its call SID.
func (m *Manager) Add(callSID string, s *Session) {
	m.mu.Lock()
	m.sessions[callSID] = s
	m.mu.Unlock()
}

// Get returns the live session for a call SID.
func (m *Manager) Get(callSID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[callSID]
	return s, ok
}

// Remove unregisters a session.
func (m *Manager) Remove(callSID string) {
	m.mu.Lock()
	delete(m.sessions, callSID)
	m.mu.Unlock()
}

// Active returns the number of live sessions.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
