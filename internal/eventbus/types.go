package eventbus

import (
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of event. The kernel publishes a fixed
// namespace of topics across its six components; external sinks subscribe
// by target and filter by this type.
type EventType string

// Event type constants. These mirror the kernel's fixed topic namespace:
// agent lifecycle, task lifecycle, approval lifecycle, lock lifecycle and
// usage accounting.
const (
	EventAgentSpawned    EventType = "agent:spawned"
	EventAgentStatus     EventType = "agent:status"
	EventAgentOutput     EventType = "agent:output"
	EventAgentError      EventType = "agent:error"
	EventAgentCompleted  EventType = "agent:completed"
	EventAgentTerminated EventType = "agent:terminated"

	EventTaskQueued     EventType = "task:queued"
	EventTaskDispatched EventType = "task:dispatched"
	EventTaskProgress   EventType = "task:progress"
	EventTaskCompleted  EventType = "task:completed"
	EventTaskFailed     EventType = "task:failed"
	EventTaskCancelled  EventType = "task:cancelled"

	EventApprovalRequired EventType = "approval:required"
	EventApprovalDecided  EventType = "approval:decided"
	EventApprovalGranted  EventType = "approval:granted"
	EventApprovalRejected EventType = "approval:rejected"
	EventApprovalExpired  EventType = "approval:expired"
	EventApprovalBypassed EventType = "approval:bypassed"

	EventLockAcquired        EventType = "lock:acquired"
	EventLockReleased        EventType = "lock:released"
	EventLockGrantedFromWait EventType = "lock:granted-from-queue"

	EventUsageTracked EventType = "usage:tracked"
	EventUsageAlert   EventType = "usage:alert"
)

// Priority constants for events
const (
	PriorityCritical = 1
	PriorityHigh     = 2
	PriorityNormal   = 3
	PriorityLow      = 4
)

// Event represents a system event that can be published and subscribed to
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Source    string                 `json:"source"`
	Target    string                 `json:"target"`
	Priority  int                    `json:"priority"`
	Payload   map[string]interface{} `json:"payload"`
	CreatedAt time.Time              `json:"created_at"`
}

// NewEvent creates a new event with auto-generated ID and timestamp
func NewEvent(eventType EventType, source, target string, priority int, payload map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Target:    target,
		Priority:  priority,
		Payload:   payload,
		CreatedAt: time.Now(),
	}
}

// AllEventTypes returns all defined event types
func AllEventTypes() []EventType {
	return []EventType{
		EventAgentSpawned, EventAgentStatus, EventAgentOutput, EventAgentError, EventAgentCompleted, EventAgentTerminated,
		EventTaskQueued, EventTaskDispatched, EventTaskProgress, EventTaskCompleted, EventTaskFailed, EventTaskCancelled,
		EventApprovalRequired, EventApprovalDecided, EventApprovalGranted, EventApprovalRejected, EventApprovalExpired, EventApprovalBypassed,
		EventLockAcquired, EventLockReleased, EventLockGrantedFromWait,
		EventUsageTracked, EventUsageAlert,
	}
}
