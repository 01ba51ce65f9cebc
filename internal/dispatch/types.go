// internal/dispatch/types.go
package dispatch

import (
	"fmt"
	"time"

	"github.com/cliorchestrator/kernel/internal/agenttype"
)

// State is the task's lifecycle state.
type State string

const (
	StateQueued           State = "queued"
	StateAwaitingApproval State = "awaiting-approval"
	StateDispatched       State = "dispatched"
	StateCompleted        State = "completed"
	StateFailed           State = "failed"
	StateCancelled        State = "cancelled"
)

// IsTerminal reports whether s is an absorbing sink state.
func (s State) IsTerminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// LockRequest is one (type, id) pair a task must hold before dispatch.
type LockRequest struct {
	ResourceType string `json:"resource_type"`
	ResourceID   string `json:"resource_id"`
}

// Task is a unit of work submitted to the dispatcher.
type Task struct {
	ID           string            `json:"id"`
	Description  string            `json:"description"`
	Prompt       string            `json:"prompt"`
	Priority     int               `json:"priority"` // higher first
	Deadline     *time.Time        `json:"deadline,omitempty"`
	Context      map[string]string `json:"context,omitempty"`
	Dependencies []string          `json:"dependencies,omitempty"`
	Locks        []LockRequest     `json:"locks,omitempty"`

	AgentType agenttype.Type `json:"agent_type,omitempty"`
	AgentID   string         `json:"agent_id,omitempty"`
	Progress  int            `json:"progress"` // 0-100
	State     State          `json:"state"`
	Reason    string         `json:"reason,omitempty"`
	ApprovalID string        `json:"approval_id,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	DispatchedAt *time.Time `json:"dispatched_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	StateQueued:           {StateAwaitingApproval, StateDispatched, StateCancelled, StateFailed},
	StateAwaitingApproval: {StateDispatched, StateFailed, StateCancelled},
	StateDispatched:       {StateCompleted, StateFailed, StateCancelled},
}

// NewTask creates a new task with an auto-generated ID.
func NewTask(description, prompt string, priority int) *Task {
	now := time.Now()
	return &Task{
		ID:          fmt.Sprintf("TASK-%d", now.UnixNano()),
		Description: description,
		Prompt:      prompt,
		Priority:    priority,
		State:       StateQueued,
		Context:     make(map[string]string),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Validate checks that the task has valid field values.
func (t *Task) Validate() error {
	if t.Description == "" && t.Prompt == "" {
		return fmt.Errorf("dispatch: task requires a description or prompt")
	}
	return nil
}

// TransitionTo attempts to move the task to a new state. At-most-once
// execution: a task in dispatched state never re-enters queued, and
// cancellation is the only way out before a terminal state.
func (t *Task) TransitionTo(newState State) error {
	if t.State.IsTerminal() {
		return fmt.Errorf("dispatch: task %s is in terminal state %s", t.ID, t.State)
	}
	allowed, ok := validTransitions[t.State]
	if !ok {
		return fmt.Errorf("dispatch: unknown current state: %s", t.State)
	}
	for _, s := range allowed {
		if s == newState {
			t.State = newState
			t.UpdatedAt = time.Now()
			if newState == StateDispatched {
				now := time.Now()
				t.DispatchedAt = &now
			}
			if newState.IsTerminal() {
				now := time.Now()
				t.CompletedAt = &now
			}
			return nil
		}
	}
	return fmt.Errorf("dispatch: invalid transition from %s to %s", t.State, newState)
}

// IsTerminal reports whether the task has reached a final state.
func (t *Task) IsTerminal() bool {
	return t.State.IsTerminal()
}
