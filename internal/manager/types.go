package manager

import (
	"sync"
	"time"

	"engined/internal/estimate"
	"engined/internal/supervisor"
)

// State represents the lifecycle state of one logical server identity.
type State string

const (
	StateNotStarted State = "not_started"
	StateStarting   State = "starting"
	StateReady      State = "ready"
	StateDegraded   State = "degraded"
	StateStopping   State = "stopping"
	StateStopped    State = "stopped"
	StateFailed     State = "failed"
)

// Server is the tracked state of one logical identity (one model plus
// placement configuration). Its mutex serializes spawn-or-terminate
// sequences; health reads do not need it.
type Server struct {
	// mu is held for the full duration of an ensure or stop so two callers
	// cannot race to claim the same device memory.
	mu sync.Mutex

	ID        string
	ModelPath string
	State     State
	Err       string
	LastUsed  time.Time

	Handle    *supervisor.Handle
	Plan      *estimate.Placement
	signature string
}

// ServerStatus is a read-only projection of a Server for reporting.
type ServerStatus struct {
	ID        string              `json:"id"`
	ModelPath string              `json:"model_path"`
	State     State               `json:"state"`
	Err       string              `json:"error,omitempty"`
	PID       int                 `json:"pid,omitempty"`
	Host      string              `json:"host,omitempty"`
	Health    string              `json:"health,omitempty"`
	Plan      *estimate.Placement `json:"plan,omitempty"`
	StartedAt time.Time           `json:"started_at,omitempty"`
}

func (s *Server) status() ServerStatus {
	st := ServerStatus{
		ID:        s.ID,
		ModelPath: s.ModelPath,
		State:     s.State,
		Err:       s.Err,
		Plan:      s.Plan,
	}
	if s.Handle != nil {
		st.PID = s.Handle.PID
		st.Host = s.Handle.Host
		st.Health = s.Handle.Health().String()
		st.StartedAt = s.Handle.StartedAt
	}
	return st
}
