package server

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// ConnInfo is the metadata exposed for one connection on /connections.
type ConnInfo struct {
	SessionID   string    `json:"session_id,omitempty"`
	RemoteAddr  string    `json:"remote_addr"`
	ConnectedAt time.Time `json:"connected_at"`
}

// ManagerStats summarises the connection table.
type ManagerStats struct {
	TotalConnections        int      `json:"total_connections"`
	ConnectionsWithSessions int      `json:"connections_with_sessions"`
	ActiveConnectionIDs     []string `json:"active_connection_ids"`
	ActiveSessionIDs        []string `json:"active_session_ids"`
}

// Manager tracks live connections by generated ID and by client session ID.
// It is safe for concurrent use.
type Manager struct {
	mu       sync.RWMutex
	conns    map[string]ConnInfo
	sessions map[string]string // session ID -> connection ID
}

// NewManager returns an empty connection table.
func NewManager() *Manager {
	return &Manager{
		conns:    make(map[string]ConnInfo),
		sessions: make(map[string]string),
	}
}

// Add registers a connection and returns its generated ID.
func (m *Manager) Add(remoteAddr string) string {
	id := uuid.NewString()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conns[id] = ConnInfo{
		RemoteAddr:  remoteAddr,
		ConnectedAt: time.Now(),
	}
	return id
}

// SetSession binds a client session ID to a connection, replacing any
// previous binding held by that connection.
func (m *Manager) SetSession(id, sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.conns[id]
	if !ok {
		return
	}
	if info.SessionID != "" {
		delete(m.sessions, info.SessionID)
	}
	info.SessionID = sessionID
	m.conns[id] = info
	if sessionID != "" {
		m.sessions[sessionID] = id
	}
}

// Remove drops a connection and its session binding.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.conns[id]
	if !ok {
		return
	}
	if info.SessionID != "" {
		delete(m.sessions, info.SessionID)
	}
	delete(m.conns, id)
}

// BySession resolves a session ID to its connection ID.
func (m *Manager) BySession(sessionID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.sessions[sessionID]
	return id, ok
}

// Info returns the metadata for one connection.
func (m *Manager) Info(id string) (ConnInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	info, ok := m.conns[id]
	return info, ok
}

// Snapshot returns the full connection table for the /connections endpoint.
func (m *Manager) Snapshot() map[string]ConnInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]ConnInfo, len(m.conns))
	for id, info := range m.conns {
		out[id] = info
	}
	return out
}

// Stats summarises the connection table.
func (m *Manager) Stats() ManagerStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := ManagerStats{
		TotalConnections:        len(m.conns),
		ConnectionsWithSessions: len(m.sessions),
		ActiveConnectionIDs:     make([]string, 0, len(m.conns)),
		ActiveSessionIDs:        make([]string, 0, len(m.sessions)),
	}
	for id := range m.conns {
		s.ActiveConnectionIDs = append(s.ActiveConnectionIDs, id)
	}
	for sid := range m.sessions {
		s.ActiveSessionIDs = append(s.ActiveSessionIDs, sid)
	}
	return s
}
