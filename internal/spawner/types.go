// Package spawner implements the kernel's Agent Spawner (C4): launches,
// supervises, and reaps external CLI subprocesses under a global
// concurrency cap, streams their stdio, and records usage on exit.
package spawner

import (
	"sync"
	"time"

	"github.com/cliorchestrator/kernel/internal/agenttype"
)

// State is the agent's lifecycle state.
type State string

const (
	StateInitializing State = "initializing"
	StateWorking      State = "working"
	StateCompleted    State = "completed"
	StateFailed       State = "failed"
	StateTerminated   State = "terminated"
)

// IsTerminal reports whether s is an absorbing sink state.
func (s State) IsTerminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateTerminated:
		return true
	}
	return false
}

// Agent is one launched agent's record. A request waiting in the backlog
// has no Agent until it is launched.
type Agent struct {
	mu sync.Mutex

	ID          string
	Type        agenttype.Type
	Config      agenttype.Config
	TaskID      string
	UserID      string
	SessionID   string
	ProjectPath string
	State       State
	PID         int
	StartedAt   time.Time
	ExitedAt    time.Time
	ExitCode    int
	Stdout      []string
	Stderr      []string
	Err         error
	Priority    int

	terminateRequested bool
	cancel             func()
}

// Snapshot is a point-in-time, lock-free copy of an Agent's public fields
// safe to hand to a caller.
type Snapshot struct {
	ID          string         `json:"id"`
	Type        agenttype.Type `json:"type"`
	TaskID      string         `json:"task_id"`
	State       State          `json:"state"`
	PID         int            `json:"pid"`
	StartedAt   time.Time      `json:"started_at"`
	ExitedAt    time.Time      `json:"exited_at,omitempty"`
	ExitCode    int            `json:"exit_code"`
	StdoutLines int            `json:"stdout_lines"`
	Error       string         `json:"error,omitempty"`
}

func (a *Agent) snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := Snapshot{
		ID: a.ID, Type: a.Type, TaskID: a.TaskID, State: a.State, PID: a.PID,
		StartedAt: a.StartedAt, ExitedAt: a.ExitedAt, ExitCode: a.ExitCode,
		StdoutLines: len(a.Stdout),
	}
	if a.Err != nil {
		s.Error = a.Err.Error()
	}
	return s
}

// Request describes a spawn request.
type Request struct {
	Type        agenttype.Type
	Override    *agenttype.Override
	TaskID      string
	UserID      string
	SessionID   string
	ProjectPath string
	Description string
	Prompt      string
	Context     map[string]interface{}
	Priority    int
}

// backlogEntry holds a queued Request awaiting capacity.
type backlogEntry struct {
	req    Request
	queued time.Time
}

// Metrics summarizes the spawner's current and historical state.
type Metrics struct {
	CountByState      map[State]int  `json:"count_by_state"`
	Queued            int            `json:"queued"`
	CountByType       map[agenttype.Type]int `json:"count_by_type"`
	AvgCompletedMs    float64        `json:"avg_completed_ms"`
}
