package lockmgr

import (
	"testing"
)

type noopPublisher struct{}

func (noopPublisher) PublishLockEvent(topic, resourceType, resourceID, ownerID string) {}

func ttlSeconds(n int) *int { return &n }

func TestAcquireRelease(t *testing.T) {
	m := NewInProcessManager(300, noopPublisher{})
	defer m.Close()

	res, err := m.Acquire(Request{ResourceType: ResourceFile, ResourceID: "/p/x", OwnerID: "A", TTLSeconds: ttlSeconds(60)})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if res.Lock == nil {
		t.Fatalf("expected an active lock, got queued")
	}

	locked, err := m.IsLocked(ResourceFile, "/p/x")
	if err != nil || !locked {
		t.Fatalf("IsLocked = %v, %v; want true, nil", locked, err)
	}

	ok, err := m.Release(res.Lock.ID)
	if err != nil || !ok {
		t.Fatalf("Release = %v, %v; want true, nil", ok, err)
	}

	// Idempotent: second release is a no-op.
	ok, err = m.Release(res.Lock.ID)
	if err != nil || ok {
		t.Fatalf("second Release = %v, %v; want false, nil", ok, err)
	}

	locked, err = m.IsLocked(ResourceFile, "/p/x")
	if err != nil || locked {
		t.Fatalf("IsLocked after release = %v, %v; want false, nil", locked, err)
	}
}

// TestLockContentionPriority mirrors scenario S2: owner A holds the lock;
// B queues at priority 5, C queues at priority 10. Releasing A must grant
// C first, then releasing C must grant B.
func TestLockContentionPriority(t *testing.T) {
	m := NewInProcessManager(300, noopPublisher{})
	defer m.Close()

	resA, err := m.Acquire(Request{ResourceType: ResourceFile, ResourceID: "/p/x", OwnerID: "A", TTLSeconds: ttlSeconds(60)})
	if err != nil || resA.Lock == nil {
		t.Fatalf("A acquire failed: %v, %+v", err, resA)
	}

	resB, err := m.Acquire(Request{ResourceType: ResourceFile, ResourceID: "/p/x", OwnerID: "B", TTLSeconds: ttlSeconds(60), Priority: 5})
	if err != nil || !resB.Queued() {
		t.Fatalf("B should have queued: %v, %+v", err, resB)
	}

	resC, err := m.Acquire(Request{ResourceType: ResourceFile, ResourceID: "/p/x", OwnerID: "C", TTLSeconds: ttlSeconds(60), Priority: 10})
	if err != nil || !resC.Queued() {
		t.Fatalf("C should have queued: %v, %+v", err, resC)
	}

	if ok, err := m.Release(resA.Lock.ID); err != nil || !ok {
		t.Fatalf("release A: %v, %v", ok, err)
	}

	locks, err := m.ActiveLocks()
	if err != nil {
		t.Fatalf("ActiveLocks: %v", err)
	}
	if len(locks) != 1 || locks[0].OwnerID != "C" {
		t.Fatalf("expected C to hold the lock after A's release, got %+v", locks)
	}

	if ok, err := m.Release(locks[0].ID); err != nil || !ok {
		t.Fatalf("release C: %v, %v", ok, err)
	}

	locks, err = m.ActiveLocks()
	if err != nil {
		t.Fatalf("ActiveLocks: %v", err)
	}
	if len(locks) != 1 || locks[0].OwnerID != "B" {
		t.Fatalf("expected B to hold the lock after C's release, got %+v", locks)
	}
}

func TestAcquireInvalidResourceType(t *testing.T) {
	m := NewInProcessManager(300, noopPublisher{})
	defer m.Close()

	_, err := m.Acquire(Request{ResourceType: "bogus", ResourceID: "x", OwnerID: "A"})
	if err != ErrInvalidResourceType {
		t.Fatalf("expected ErrInvalidResourceType, got %v", err)
	}
}

// TestZeroTTLExpiresImmediately exercises the boundary behavior an
// explicit TTLSeconds of 0 acquires and immediately expires at the next
// read, distinct from an unset TTLSeconds which falls back to the
// manager's default.
func TestZeroTTLExpiresImmediately(t *testing.T) {
	m := NewInProcessManager(300, noopPublisher{})
	defer m.Close()

	res, err := m.Acquire(Request{ResourceType: ResourceFile, ResourceID: "/p/y", OwnerID: "A", TTLSeconds: ttlSeconds(0)})
	if err != nil || res.Lock == nil {
		t.Fatalf("acquire: %v, %+v", err, res)
	}
	if res.Lock.ExpiresAt.After(res.Lock.AcquiredAt) {
		t.Fatalf("expected ExpiresAt == AcquiredAt for a zero TTL, got ExpiresAt=%v AcquiredAt=%v", res.Lock.ExpiresAt, res.Lock.AcquiredAt)
	}

	locked, err := m.IsLocked(ResourceFile, "/p/y")
	if err != nil || locked {
		t.Fatalf("IsLocked after zero-TTL acquire = %v, %v; want false, nil", locked, err)
	}
}

// TestUnsetTTLUsesManagerDefault confirms a nil TTLSeconds falls back to
// the manager's configured default rather than expiring immediately.
func TestUnsetTTLUsesManagerDefault(t *testing.T) {
	m := NewInProcessManager(300, noopPublisher{})
	defer m.Close()

	res, err := m.Acquire(Request{ResourceType: ResourceFile, ResourceID: "/p/z", OwnerID: "A"})
	if err != nil || res.Lock == nil {
		t.Fatalf("acquire: %v, %+v", err, res)
	}

	locked, err := m.IsLocked(ResourceFile, "/p/z")
	if err != nil || !locked {
		t.Fatalf("IsLocked after unset-TTL acquire = %v, %v; want true, nil", locked, err)
	}
}

func TestReleaseAllByOwner(t *testing.T) {
	m := NewInProcessManager(300, noopPublisher{})
	defer m.Close()

	for _, id := range []string{"/a", "/b", "/c"} {
		if _, err := m.Acquire(Request{ResourceType: ResourceFile, ResourceID: id, OwnerID: "A", TTLSeconds: ttlSeconds(60)}); err != nil {
			t.Fatalf("acquire %s: %v", id, err)
		}
	}
	if _, err := m.Acquire(Request{ResourceType: ResourceFile, ResourceID: "/d", OwnerID: "B", TTLSeconds: ttlSeconds(60)}); err != nil {
		t.Fatalf("acquire /d: %v", err)
	}

	count, err := m.ReleaseAllByOwner("A")
	if err != nil {
		t.Fatalf("ReleaseAllByOwner: %v", err)
	}
	if count != 3 {
		t.Fatalf("expected 3 released, got %d", count)
	}

	locks, err := m.ActiveLocks()
	if err != nil {
		t.Fatalf("ActiveLocks: %v", err)
	}
	if len(locks) != 1 || locks[0].OwnerID != "B" {
		t.Fatalf("expected only B's lock to remain, got %+v", locks)
	}
}
