package telegram

import (
	"sync"
)

type SessionState int

const (
	StateIdle SessionState = iota
	StateAwaitingPreset
	StateAwaitingStyle
	StateGenerating
)

// Session is the per-chat dialog state between the photo upload and the batch.
type Session struct {
	State     SessionState
	SourceURL string
	PresetID  string
}

type StateManager struct {
	mu       sync.RWMutex
	sessions map[int64]*Session
}

func NewStateManager() *StateManager {
	return &StateManager{
		sessions: make(map[int64]*Session),
	}
}

// Get returns a copy so callers can mutate it and Set it back.
func (m *StateManager) Get(chatID int64) Session {
	m.mu.RLock()
	session, ok := m.sessions[chatID]
	m.mu.RUnlock()
	if ok {
		return *session
	}
	return Session{State: StateIdle}
}

func (m *StateManager) Set(chatID int64, session Session) {
	m.mu.Lock()
	m.sessions[chatID] = &session
	m.mu.Unlock()
}

func (m *StateManager) Reset(chatID int64) {
	m.mu.Lock()
	delete(m.sessions, chatID)
	m.mu.Unlock()
}

// BeginGeneration moves a chat with a chosen preset into StateGenerating and
// returns the session it started from. It refuses a second concurrent batch.
func (m *StateManager) BeginGeneration(chatID int64) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[chatID]
	if !ok || session.State != StateAwaitingStyle || session.SourceURL == "" || session.PresetID == "" {
		return Session{}, false
	}
	started := *session
	session.State = StateGenerating
	return started, true
}
