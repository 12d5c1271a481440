package relay

import (
	"sync"
	"time"
)

// State of a relay session
type State string

const (
	StateConnecting State = "connecting"
	StateActive     State = "active"
	StateClosing    State = "closing"
	StateClosed     State = "closed"
)

// Path a session took
const (
	PathLocal  = "local"
	PathRemote = "remote"
)

// Session describes one terminal connection. Values returned by
// ActiveSessions are snapshots.
type Session struct {
	ID        string    `json:"session_id"`
	VMName    string    `json:"vm_name"`
	AgentID   string    `json:"agent_id,omitempty"`
	Path      string    `json:"path"`
	State     State     `json:"state"`
	StartedAt time.Time `json:"started_at"`
}

type session struct {
	mu   sync.Mutex
	info Session
}

func (s *session) setState(state State) {
	s.mu.Lock()
	s.info.State = state
	s.mu.Unlock()
}

func (s *session) snapshot() Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}
