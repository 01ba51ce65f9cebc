package lockmgr

import "time"

// Backend stores active lock records. Wait queues are never part of the
// backend: they are always in-process and do not survive a restart.
//
// Implementations: memBackend (in-process, default) and natsBackend
// (distributed, backed by a JetStream KeyValue bucket with native TTL
// eviction). The manager never mixes modes at runtime.
type Backend interface {
	// TryPut stores lock if and only if the key is currently free or
	// holds an expired lock. Returns ok=false if the key is held by a
	// live lock.
	TryPut(lock *Lock) (ok bool, err error)
	// Get returns the stored lock for a key, or nil if none is stored.
	// An expired record may still be returned until the sweep or the
	// bucket's TTL eviction removes it; callers must check IsExpired
	// themselves.
	Get(key string) (*Lock, error)
	// Delete removes a key unconditionally. Returns ok=false if nothing
	// was deleted.
	Delete(key string) (ok bool, err error)
	// Extend rewrites the expiry of an existing lock, verifying the
	// stored record still has the same lock id (guards against a grant
	// racing the extend).
	Extend(key, lockID string, newExpiresAt time.Time) (ok bool, err error)
	// Scan returns every lock currently stored, live or expired.
	Scan() ([]*Lock, error)
}
