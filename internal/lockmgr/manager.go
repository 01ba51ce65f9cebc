package lockmgr

import (
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// Publisher is the narrow slice of the event bus the lock manager needs.
// Defined locally (rather than importing internal/eventbus) to break the
// dependency cycle the design notes call out between components and the
// bus; concrete wiring happens once at process start in cmd/kerneld.
type Publisher interface {
	PublishLockEvent(topic, resourceType, resourceID, ownerID string)
}

const sweepInterval = time.Minute

// Manager is the Lock Manager (C1): it owns the per-key wait queues and
// delegates durable lock storage to a Backend (in-process or distributed).
type Manager struct {
	backend    Backend
	distributed bool
	defaultTTL time.Duration
	bus        Publisher

	mu     sync.Mutex
	queues map[string][]*WaitEntry // key -> FIFO/priority wait queue

	memBackend *memBackend // non-nil only when in-process; owns the sweep
	stopSweep  chan struct{}
}

// NewInProcessManager builds a Lock Manager backed by an in-memory map.
func NewInProcessManager(defaultTTLSeconds int, bus Publisher) *Manager {
	mb := newMemBackend()
	m := &Manager{
		backend:    mb,
		memBackend: mb,
		defaultTTL: time.Duration(defaultTTLSeconds) * time.Second,
		bus:        bus,
		queues:     make(map[string][]*WaitEntry),
		stopSweep:  make(chan struct{}),
	}
	go m.sweepLoop()
	return m
}

// NewDistributedManager builds a Lock Manager backed by a NATS JetStream
// KeyValue bucket. If the backend cannot be reached at startup the caller
// gets a LockBackendError and must not silently fall back to in-process.
func NewDistributedManager(conn *nats.Conn, defaultTTLSeconds int, bus Publisher) (*Manager, error) {
	defaultTTL := time.Duration(defaultTTLSeconds) * time.Second
	backend, err := newNATSBackend(conn, defaultTTL)
	if err != nil {
		return nil, err
	}
	return &Manager{
		backend:     backend,
		distributed: true,
		defaultTTL:  defaultTTL,
		bus:         bus,
		queues:      make(map[string][]*WaitEntry),
		stopSweep:   make(chan struct{}),
	}, nil
}

// Close stops the background sweep (in-process mode only).
func (m *Manager) Close() {
	if m.memBackend != nil {
		close(m.stopSweep)
	}
}

func (m *Manager) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sweep()
		case <-m.stopSweep:
			return
		}
	}
}

// ttl resolves req's effective TTL: an unset TTLSeconds uses the
// manager's default, while an explicit pointer (including one to 0) is
// honored as-is.
func (m *Manager) ttl(req Request) time.Duration {
	if req.TTLSeconds == nil {
		return m.defaultTTL
	}
	return time.Duration(*req.TTLSeconds) * time.Second
}

func (m *Manager) sweep() {
	freed := m.memBackend.sweep(time.Now())
	for _, key := range freed {
		m.grantFromQueue(key)
	}
}

// Acquire attempts to grant req immediately. Never blocks: the caller
// either gets an Active Lock or a queued-entry id.
func (m *Manager) Acquire(req Request) (AcquireResult, error) {
	if !ValidResourceType(req.ResourceType) {
		return AcquireResult{}, ErrInvalidResourceType
	}

	now := time.Now()
	lock := &Lock{
		ID:           uuid.New().String(),
		ResourceType: req.ResourceType,
		ResourceID:   req.ResourceID,
		OwnerID:      req.OwnerID,
		AcquiredAt:   now,
		ExpiresAt:    now.Add(m.ttl(req)),
		Metadata:     req.Metadata,
	}

	ok, err := m.backend.TryPut(lock)
	if err != nil {
		return AcquireResult{}, err
	}
	if ok {
		m.publish("lock:acquired", req.ResourceType, req.ResourceID, req.OwnerID)
		return AcquireResult{Lock: lock}, nil
	}

	// Key held and unexpired: enqueue.
	key := Key(req.ResourceType, req.ResourceID)
	entry := &WaitEntry{
		ID:         uuid.New().String(),
		Request:    req,
		EnqueuedAt: now,
	}

	m.mu.Lock()
	m.insertQueueLocked(key, entry)
	m.mu.Unlock()

	return AcquireResult{QueuedID: entry.ID}, nil
}

// insertQueueLocked inserts entry before the first entry with strictly
// lower priority (stable for equal priority). Caller holds m.mu.
func (m *Manager) insertQueueLocked(key string, entry *WaitEntry) {
	q := m.queues[key]
	idx := sort.Search(len(q), func(i int) bool {
		return q[i].Request.Priority < entry.Request.Priority
	})
	q = append(q, nil)
	copy(q[idx+1:], q[idx:])
	q[idx] = entry
	m.queues[key] = q
}

// Release releases lock-id. Idempotent: the second call on an already
// released lock returns false with no side effect.
func (m *Manager) Release(lockID string) (bool, error) {
	locks, err := m.backend.Scan()
	if err != nil {
		return false, err
	}

	var target *Lock
	for _, l := range locks {
		if l.ID == lockID {
			target = l
			break
		}
	}
	if target == nil {
		return false, nil
	}

	key := Key(target.ResourceType, target.ResourceID)
	ok, err := m.backend.Delete(key)
	if err != nil || !ok {
		return ok, err
	}

	m.publish("lock:released", target.ResourceType, target.ResourceID, target.OwnerID)
	m.grantFromQueue(key)
	return true, nil
}

// grantFromQueue atomically grants the head of key's wait queue (if any) a
// new lock with its original TTL, emitting lock:granted-from-queue.
func (m *Manager) grantFromQueue(key string) {
	m.mu.Lock()
	q := m.queues[key]
	if len(q) == 0 {
		delete(m.queues, key)
		m.mu.Unlock()
		return
	}
	head := q[0]
	m.queues[key] = q[1:]
	if len(m.queues[key]) == 0 {
		delete(m.queues, key)
	}
	m.mu.Unlock()

	now := time.Now()
	lock := &Lock{
		ID:           uuid.New().String(),
		ResourceType: head.Request.ResourceType,
		ResourceID:   head.Request.ResourceID,
		OwnerID:      head.Request.OwnerID,
		AcquiredAt:   now,
		ExpiresAt:    now.Add(m.ttl(head.Request)),
		Metadata:     head.Request.Metadata,
	}
	ok, err := m.backend.TryPut(lock)
	if err != nil {
		log.Printf("[LOCKMGR] ERROR: failed to grant from queue for %s: %v", key, err)
		return
	}
	if !ok {
		// Raced with a fresh external acquire on the just-freed key; drop
		// the wait entry rather than wedge the queue.
		log.Printf("[LOCKMGR] WARNING: grant-from-queue lost race for %s, dropping wait entry %s", key, head.ID)
		return
	}
	m.publish("lock:granted-from-queue", head.Request.ResourceType, head.Request.ResourceID, head.Request.OwnerID)
}

// Extend extends lock-id's TTL by additionalSeconds. Only valid while the
// lock is still active.
func (m *Manager) Extend(lockID string, additionalSeconds int) (bool, error) {
	locks, err := m.backend.Scan()
	if err != nil {
		return false, err
	}
	for _, l := range locks {
		if l.ID == lockID {
			if l.IsExpired(time.Now()) {
				return false, nil
			}
			key := Key(l.ResourceType, l.ResourceID)
			newExpiry := l.ExpiresAt.Add(time.Duration(additionalSeconds) * time.Second)
			return m.backend.Extend(key, lockID, newExpiry)
		}
	}
	return false, nil
}

// IsLocked reports whether (type, id) is currently held. Side-effecting:
// an expired lock encountered here is released first.
func (m *Manager) IsLocked(t ResourceType, id string) (bool, error) {
	key := Key(t, id)
	lock, err := m.backend.Get(key)
	if err != nil {
		return false, err
	}
	if lock == nil {
		return false, nil
	}
	if lock.IsExpired(time.Now()) {
		m.backend.Delete(key)
		m.grantFromQueue(key)
		return false, nil
	}
	return true, nil
}

// ReleaseAllByOwner releases every active lock owned by ownerID, returning
// the count released.
func (m *Manager) ReleaseAllByOwner(ownerID string) (int, error) {
	locks, err := m.backend.Scan()
	if err != nil {
		return 0, err
	}
	count := 0
	for _, l := range locks {
		if l.OwnerID == ownerID && !l.IsExpired(time.Now()) {
			if ok, _ := m.Release(l.ID); ok {
				count++
			}
		}
	}
	return count, nil
}

// ActiveLocks returns the full set of currently active (non-expired) locks.
func (m *Manager) ActiveLocks() ([]*Lock, error) {
	locks, err := m.backend.Scan()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	out := make([]*Lock, 0, len(locks))
	for _, l := range locks {
		if !l.IsExpired(now) {
			out = append(out, l)
		}
	}
	return out, nil
}

// LockMetrics returns active-lock count, queue depth per resource key, and
// lock counts grouped by resource type.
func (m *Manager) LockMetrics() (Metrics, error) {
	active, err := m.ActiveLocks()
	if err != nil {
		return Metrics{}, err
	}

	byType := make(map[ResourceType]int)
	for _, l := range active {
		byType[l.ResourceType]++
	}

	m.mu.Lock()
	depth := make(map[string]int, len(m.queues))
	for k, q := range m.queues {
		depth[k] = len(q)
	}
	m.mu.Unlock()

	return Metrics{
		ActiveLockCount:  len(active),
		QueueDepthByKey:  depth,
		LockCountsByType: byType,
	}, nil
}

func (m *Manager) publish(topic string, t ResourceType, id, owner string) {
	if m.bus == nil {
		return
	}
	m.bus.PublishLockEvent(topic, string(t), id, owner)
}
