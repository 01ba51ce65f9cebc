// internal/dispatch/dispatcher.go
package dispatch

import (
	"fmt"
	"log"
	"sync"

	"github.com/cliorchestrator/kernel/internal/agenttype"
	"github.com/cliorchestrator/kernel/internal/approval"
	"github.com/cliorchestrator/kernel/internal/lockmgr"
	"github.com/cliorchestrator/kernel/internal/spawner"
)

// ErrNotFound is returned when a task id has no matching record.
var ErrNotFound = notFoundError{}

type notFoundError struct{}

func (notFoundError) Error() string { return "dispatch: task not found" }

// Publisher is the narrow event-emission surface the dispatcher needs.
type Publisher interface {
	PublishTaskEvent(topic, taskID string, payload map[string]interface{})
}

// Spawner is the narrow slice of the Agent Spawner the dispatcher needs.
type Spawner interface {
	Spawn(req spawner.Request) (agentID string, queued bool, err error)
	Terminate(agentID string) (bool, error)
}

// Locker is the narrow slice of the Lock Manager the dispatcher needs.
type Locker interface {
	Acquire(req lockmgr.Request) (lockmgr.AcquireResult, error)
	Release(lockID string) (bool, error)
}

// Gate is the narrow slice of the Approval Gate the dispatcher needs.
type Gate interface {
	Submit(op approval.OperationDescriptor, requesterID, requesterRole string, reqCtx approval.RequestContext, opts *approval.SubmitOptions) (*approval.Request, error)
}

// ApprovalResolver matches a task's profile against active policies
// without creating a request, letting the dispatcher decide whether
// step 3 of the dispatch loop applies at all.
type ApprovalResolver interface {
	Resolve(reqType approval.RequestType, risk approval.Risk, resource, role string) (*approval.Policy, error)
}

// Dispatcher is the Task Dispatcher (C5): a priority-ordered queue that
// resolves agent types, gates risky tasks behind approval, acquires
// required locks, and hands off to the Agent Spawner.
type Dispatcher struct {
	queue    *Queue
	spawner  Spawner
	locks    Locker
	gate     Gate
	policies ApprovalResolver
	bus      Publisher

	mu               sync.Mutex
	heldLocks        map[string][]string // taskID -> lockIDs
	pendingApprovals map[string]string   // approvalID -> taskID
	agentToTask      map[string]string   // agentID -> taskID
}

// New constructs a Dispatcher.
func New(spawner Spawner, locks Locker, gate Gate, policies ApprovalResolver, bus Publisher) *Dispatcher {
	return &Dispatcher{
		queue:            NewQueue(),
		spawner:          spawner,
		locks:            locks,
		gate:             gate,
		policies:         policies,
		bus:              bus,
		heldLocks:        make(map[string][]string),
		pendingApprovals: make(map[string]string),
		agentToTask:      make(map[string]string),
	}
}

// Submit enqueues a task with its priority; ties are broken FIFO by the
// queue's own ordering. Returns the task id.
func (d *Dispatcher) Submit(t *Task) (string, error) {
	if err := t.Validate(); err != nil {
		return "", err
	}
	d.queue.Add(t)
	d.publish("task:queued", t.ID, nil)
	d.runLoop()
	return t.ID, nil
}

// Cancel removes a not-yet-dispatched task from the queue, or asks the
// spawner to terminate its bound agent if already dispatched.
func (d *Dispatcher) Cancel(taskID string) error {
	t := d.queue.GetByID(taskID)
	if t == nil {
		return ErrNotFound
	}

	if t.State == StateDispatched {
		if t.AgentID != "" {
			if _, err := d.spawner.Terminate(t.AgentID); err != nil {
				return fmt.Errorf("dispatch: terminate agent for task %s: %w", taskID, err)
			}
		}
		return nil
	}

	if err := t.TransitionTo(StateCancelled); err != nil {
		return err
	}
	d.releaseLocks(taskID)
	d.queue.Update(t)
	d.publish("task:cancelled", taskID, nil)
	return nil
}

// Reprioritize changes a queued task's priority and re-sorts the queue.
func (d *Dispatcher) Reprioritize(taskID string, priority int) error {
	t := d.queue.GetByID(taskID)
	if t == nil {
		return ErrNotFound
	}
	t.Priority = priority
	d.queue.Update(t)
	return nil
}

// Status returns a task's current record.
func (d *Dispatcher) Status(taskID string) (*Task, error) {
	t := d.queue.GetByID(taskID)
	if t == nil {
		return nil, ErrNotFound
	}
	return t, nil
}

// Queue returns an ordered snapshot of the queue.
func (d *Dispatcher) Queue() []*Task {
	return d.queue.All()
}

// runLoop walks pending tasks in priority order and advances each as far
// as it can go: dependency gate, approval gate, lock acquisition, spawn.
// Called on every queue change or spawner capacity change.
func (d *Dispatcher) runLoop() {
	for _, t := range d.queue.All() {
		if t.IsTerminal() || t.State == StateDispatched {
			continue
		}
		d.advance(t)
	}
}

func (d *Dispatcher) advance(t *Task) {
	if !d.dependenciesTerminal(t) {
		return
	}

	if t.AgentType == "" {
		t.AgentType = agenttype.Infer(t.Description, t.Prompt)
	}

	if t.State == StateQueued && t.ApprovalID == "" {
		if proceed := d.maybeGateApproval(t); !proceed {
			return
		}
	}

	if t.State == StateAwaitingApproval {
		return // still waiting on a decision
	}

	if !d.acquireLocks(t) {
		return // queued behind a lock; retry on lock-granted event
	}

	d.spawn(t)
}

func (d *Dispatcher) dependenciesTerminal(t *Task) bool {
	for _, depID := range t.Dependencies {
		dep := d.queue.GetByID(depID)
		if dep == nil || !dep.IsTerminal() {
			return false
		}
	}
	return true
}

// maybeGateApproval evaluates the task against active approval policies.
// Risk, request type, and resource are read from the task's Context map
// (keys "request_type", "risk", "resource") rather than guessed from its
// free-text Description, which will never equal one of the fixed
// RequestType strings. A task that carries no request_type is treated as
// ungated: submitters opt a task into approval by classifying it.
// Returns true if the task can proceed to lock acquisition now (no policy
// matched), false if it must wait (policy matched, request submitted, or
// an error occurred).
func (d *Dispatcher) maybeGateApproval(t *Task) bool {
	if d.policies == nil || d.gate == nil {
		return true
	}

	reqType := approval.RequestType(t.Context["request_type"])
	if reqType == "" {
		return true // task carries no guardable operation classification
	}

	risk := approval.Risk(t.Context["risk"])
	if risk == "" {
		risk = approval.RiskMedium
	}
	resource := t.Context["resource"]
	if resource == "" {
		resource = t.Description
	}
	requesterID := t.Context["requester_id"]
	if requesterID == "" {
		requesterID = "dispatcher"
	}
	requesterRole := t.Context["requester_role"]

	if _, err := d.policies.Resolve(reqType, risk, resource, requesterRole); err != nil {
		return true // no matching policy: unguarded
	}

	req, err := d.gate.Submit(
		approval.OperationDescriptor{Action: string(reqType), Resource: resource, Risk: risk},
		requesterID, requesterRole, approval.RequestContext{TaskChainID: t.ID}, nil,
	)
	if err != nil {
		t.TransitionTo(StateFailed)
		t.Reason = err.Error()
		d.queue.Update(t)
		d.publish("task:failed", t.ID, map[string]interface{}{"reason": t.Reason})
		return false
	}

	t.TransitionTo(StateAwaitingApproval)
	t.ApprovalID = req.ID
	d.queue.Update(t)

	d.mu.Lock()
	d.pendingApprovals[req.ID] = t.ID
	d.mu.Unlock()

	return false
}

// OnApprovalResolved is called by the composition root when an approval
// request reaches a terminal state, driving the corresponding task
// forward or to failure.
func (d *Dispatcher) OnApprovalResolved(approvalID string, state approval.State, reason string) {
	d.mu.Lock()
	taskID, ok := d.pendingApprovals[approvalID]
	if ok {
		delete(d.pendingApprovals, approvalID)
	}
	d.mu.Unlock()
	if !ok {
		return
	}

	t := d.queue.GetByID(taskID)
	if t == nil || t.State != StateAwaitingApproval {
		return
	}

	switch state {
	case approval.StateApproved, approval.StateBypassed:
		t.State = StateQueued // re-enter the loop past the approval check
		d.queue.Update(t)
		d.advance(t)
	default:
		t.TransitionTo(StateFailed)
		t.Reason = reason
		d.queue.Update(t)
		d.publish("task:failed", taskID, map[string]interface{}{"reason": reason})
	}
}

// acquireLocks tries to acquire every lock the task declares. If any
// comes back queued, releases whichever it already grabbed this attempt
// and returns false; the dispatcher retries on the next lock-granted
// event.
func (d *Dispatcher) acquireLocks(t *Task) bool {
	if len(t.Locks) == 0 {
		return true
	}

	var granted []string
	for _, lr := range t.Locks {
		res, err := d.locks.Acquire(lockmgr.Request{
			ResourceType: lockmgr.ResourceType(lr.ResourceType),
			ResourceID:   lr.ResourceID,
			OwnerID:      t.ID,
			Priority:     t.Priority,
		})
		if err != nil {
			for _, lockID := range granted {
				d.locks.Release(lockID)
			}
			t.TransitionTo(StateFailed)
			t.Reason = err.Error()
			d.queue.Update(t)
			d.publish("task:failed", t.ID, map[string]interface{}{"reason": err.Error()})
			return false
		}
		if res.Queued() {
			for _, lockID := range granted {
				d.locks.Release(lockID)
			}
			return false
		}
		granted = append(granted, res.Lock.ID)
	}

	d.mu.Lock()
	d.heldLocks[t.ID] = granted
	d.mu.Unlock()
	return true
}

func (d *Dispatcher) releaseLocks(taskID string) {
	d.mu.Lock()
	lockIDs := d.heldLocks[taskID]
	delete(d.heldLocks, taskID)
	d.mu.Unlock()

	for _, lockID := range lockIDs {
		if _, err := d.locks.Release(lockID); err != nil {
			log.Printf("[DISPATCH] release lock %s for task %s: %v", lockID, taskID, err)
		}
	}
}

// OnLockGranted re-runs the dispatch loop when a lock frees up, letting
// any task parked behind it retry acquisition.
func (d *Dispatcher) OnLockGranted() {
	d.runLoop()
}

func (d *Dispatcher) spawn(t *Task) {
	agentID, queued, err := d.spawner.Spawn(spawner.Request{
		Type:        t.AgentType,
		TaskID:      t.ID,
		Description: t.Description,
		Prompt:      t.Prompt,
		Priority:    t.Priority,
	})
	if err != nil {
		d.releaseLocks(t.ID)
		t.TransitionTo(StateFailed)
		t.Reason = err.Error()
		d.queue.Update(t)
		d.publish("task:failed", t.ID, map[string]interface{}{"reason": err.Error()})
		return
	}
	if queued {
		return // spawner at capacity; retry on spawner capacity change
	}

	if err := t.TransitionTo(StateDispatched); err != nil {
		return
	}
	t.AgentID = agentID
	d.queue.Update(t)

	d.mu.Lock()
	d.agentToTask[agentID] = t.ID
	d.mu.Unlock()

	d.publish("task:dispatched", t.ID, map[string]interface{}{"agent_id": agentID})
}

// OnAgentProgress records a reported progress percentage for the task
// bound to agentID.
func (d *Dispatcher) OnAgentProgress(agentID string, progress int) {
	d.mu.Lock()
	taskID, ok := d.agentToTask[agentID]
	d.mu.Unlock()
	if !ok {
		return
	}
	t := d.queue.GetByID(taskID)
	if t == nil {
		return
	}
	t.Progress = progress
	d.queue.Update(t)
	d.publish("task:progress", taskID, map[string]interface{}{"progress": progress})
}

// OnAgentTerminal transitions the task bound to agentID to its terminal
// status once the spawner reports the agent itself reached one.
func (d *Dispatcher) OnAgentTerminal(agentID string, succeeded bool, reason string) {
	d.mu.Lock()
	taskID, ok := d.agentToTask[agentID]
	if ok {
		delete(d.agentToTask, agentID)
	}
	d.mu.Unlock()
	if !ok {
		return
	}

	t := d.queue.GetByID(taskID)
	if t == nil || t.IsTerminal() {
		return
	}

	d.releaseLocks(taskID)

	if succeeded {
		t.TransitionTo(StateCompleted)
		d.queue.Update(t)
		d.publish("task:completed", taskID, nil)
	} else {
		t.TransitionTo(StateFailed)
		t.Reason = reason
		d.queue.Update(t)
		d.publish("task:failed", taskID, map[string]interface{}{"reason": reason})
	}

	d.runLoop()
}

func (d *Dispatcher) publish(topic, taskID string, payload map[string]interface{}) {
	if d.bus == nil {
		return
	}
	if payload == nil {
		payload = map[string]interface{}{}
	}
	d.bus.PublishTaskEvent(topic, taskID, payload)
}
