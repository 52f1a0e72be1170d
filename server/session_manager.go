// Copyright 2021 Converter Systems LLC. All rights reserved.

package server

import (
	"sync"
	"time"

	"github.com/edgeconnect/opcua-core/ua"
)

// Session is an application-level context above a channel (spec.md §3).
type Session struct {
	SessionID           ua.NodeID
	AuthenticationToken ua.NodeID
	BoundChannelID      uint32
	UserToken           any
	Activated           bool
	LastActivity        time.Time
	TimeoutMs           float64
}

// timedOut reports whether the session has exceeded its inactivity
// timeout as of now (spec.md §4.7 step 4).
func (s *Session) timedOut(now time.Time) bool {
	return now.Sub(s.LastActivity) > time.Duration(s.TimeoutMs)*time.Millisecond
}

// touch records activity, resetting the inactivity timer.
func (s *Session) touch(now time.Time) { s.LastActivity = now }

// SessionManager is the server-wide table of active sessions keyed by
// both authentication token and session id (spec.md §2 component 9),
// guarded by a reader/writer lock since lookups vastly outnumber
// mutations (spec.md §5).
type SessionManager struct {
	mu       sync.RWMutex
	byAuth   map[any]*Session
	bySession map[any]*Session
}

// NewSessionManager returns an empty session table.
func NewSessionManager() *SessionManager {
	return &SessionManager{
		byAuth:    make(map[any]*Session),
		bySession: make(map[any]*Session),
	}
}

// Create allocates a new, not-yet-activated session with a fresh
// session id and authentication token (spec.md §4.6 CreateSession).
func (m *SessionManager) Create(timeoutMs float64) *Session {
	s := &Session{
		SessionID:           ua.NewGUIDNodeID(1),
		AuthenticationToken: ua.NewGUIDNodeID(1),
		TimeoutMs:           timeoutMs,
		LastActivity:        time.Now(),
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byAuth[s.AuthenticationToken.Key()] = s
	m.bySession[s.SessionID.Key()] = s
	return s
}

// Activate binds session to channelID and userToken (spec.md §4.6
// ActivateSession): future requests bearing its authentication token
// must arrive on the same channel.
func (m *SessionManager) Activate(authToken ua.NodeID, channelID uint32, userToken any) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byAuth[authToken.Key()]
	if !ok {
		return nil, false
	}
	s.BoundChannelID = channelID
	s.UserToken = userToken
	s.Activated = true
	s.touch(time.Now())
	return s, true
}

// Lookup finds a session by its authentication token.
func (m *SessionManager) Lookup(authToken ua.NodeID) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.byAuth[authToken.Key()]
	return s, ok
}

// Close removes a session by session id from both indexes and reports
// whether it was present. It does nothing with the session's
// subscriptions.
func (m *SessionManager) Close(sessionID ua.NodeID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.bySession[sessionID.Key()]
	if !ok {
		return false
	}
	delete(m.bySession, sessionID.Key())
	delete(m.byAuth, s.AuthenticationToken.Key())
	return true
}

// EvictTimedOut removes and returns every session whose inactivity
// timeout has elapsed as of now.
func (m *SessionManager) EvictTimedOut(now time.Time) []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	var evicted []*Session
	for key, s := range m.bySession {
		if s.timedOut(now) {
			evicted = append(evicted, s)
			delete(m.bySession, key)
			delete(m.byAuth, s.AuthenticationToken.Key())
		}
	}
	return evicted
}

// Touch records activity for the session bound to authToken.
func (m *SessionManager) Touch(authToken ua.NodeID, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.byAuth[authToken.Key()]; ok {
		s.touch(now)
	}
}
