package lockmgr

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

const lockBucketName = "kernel_locks"

// natsBackend is the distributed lock backend: a JetStream KeyValue bucket
// whose per-key TTL provides native expiry eviction, with an atomic
// create-if-absent (nats.KeyValue.Create) standing in for the SETEX
// semantics the spec requires.
type natsBackend struct {
	kv nats.KeyValue
}

// newNATSBackend opens (creating if absent) the lock bucket on conn, with
// TTL set to defaultTTL; individual lock TTLs are tracked in the stored
// record and re-checked by the manager regardless of the bucket's own
// eviction policy.
func newNATSBackend(conn *nats.Conn, defaultTTL time.Duration) (*natsBackend, error) {
	js, err := conn.JetStream()
	if err != nil {
		return nil, &LockBackendError{Op: "jetstream-context", Err: err}
	}

	kv, err := js.KeyValue(lockBucketName)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket: lockBucketName,
			TTL:    defaultTTL,
		})
	}
	if err != nil {
		return nil, &LockBackendError{Op: "open-bucket", Err: err}
	}

	return &natsBackend{kv: kv}, nil
}

func (b *natsBackend) TryPut(lock *Lock) (bool, error) {
	key := kvSafeKey(Key(lock.ResourceType, lock.ResourceID))
	data, err := json.Marshal(lock)
	if err != nil {
		return false, fmt.Errorf("lockmgr: marshal lock: %w", err)
	}

	// Create fails if the key already exists and is live; this is the
	// atomic SETEX-if-absent the spec calls for.
	if _, err := b.kv.Create(key, data); err != nil {
		if errors.Is(err, nats.ErrKeyExists) {
			existing, getErr := b.Get(Key(lock.ResourceType, lock.ResourceID))
			if getErr == nil && existing != nil && !existing.IsExpired(time.Now()) {
				return false, nil
			}
			// Expired entry the bucket hasn't evicted yet: overwrite it.
			if _, putErr := b.kv.Put(key, data); putErr != nil {
				return false, &LockBackendError{Op: "put", Err: putErr}
			}
			return true, nil
		}
		return false, &LockBackendError{Op: "create", Err: err}
	}
	return true, nil
}

func (b *natsBackend) Get(key string) (*Lock, error) {
	entry, err := b.kv.Get(kvSafeKey(key))
	if errors.Is(err, nats.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, &LockBackendError{Op: "get", Err: err}
	}

	var lock Lock
	if err := json.Unmarshal(entry.Value(), &lock); err != nil {
		return nil, fmt.Errorf("lockmgr: unmarshal lock: %w", err)
	}
	return &lock, nil
}

func (b *natsBackend) Delete(key string) (bool, error) {
	if _, err := b.Get(key); err != nil {
		return false, err
	}
	if err := b.kv.Delete(kvSafeKey(key)); err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return false, nil
		}
		return false, &LockBackendError{Op: "delete", Err: err}
	}
	return true, nil
}

func (b *natsBackend) Extend(key, lockID string, newExpiresAt time.Time) (bool, error) {
	lock, err := b.Get(key)
	if err != nil {
		return false, err
	}
	if lock == nil || lock.ID != lockID || lock.IsExpired(time.Now()) {
		return false, nil
	}
	lock.ExpiresAt = newExpiresAt
	data, err := json.Marshal(lock)
	if err != nil {
		return false, fmt.Errorf("lockmgr: marshal lock: %w", err)
	}
	if _, err := b.kv.Put(kvSafeKey(key), data); err != nil {
		return false, &LockBackendError{Op: "extend", Err: err}
	}
	return true, nil
}

func (b *natsBackend) Scan() ([]*Lock, error) {
	keys, err := b.kv.Keys()
	if errors.Is(err, nats.ErrNoKeysFound) {
		return nil, nil
	}
	if err != nil {
		return nil, &LockBackendError{Op: "scan", Err: err}
	}

	out := make([]*Lock, 0, len(keys))
	for _, k := range keys {
		entry, err := b.kv.Get(k)
		if err != nil {
			continue
		}
		var lock Lock
		if err := json.Unmarshal(entry.Value(), &lock); err != nil {
			continue
		}
		out = append(out, &lock)
	}
	return out, nil
}

// kvSafeKey replaces the colons in a lock key with dots: NATS KV keys may
// not contain ':'.
func kvSafeKey(key string) string {
	out := make([]byte, len(key))
	for i := 0; i < len(key); i++ {
		if key[i] == ':' {
			out[i] = '.'
		} else {
			out[i] = key[i]
		}
	}
	return string(out)
}
