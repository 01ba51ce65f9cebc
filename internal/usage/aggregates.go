package usage

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// counters is the mutable state held per daily/weekly aggregate key.
type counters struct {
	TotalTokens int64                      `json:"total_tokens"`
	TotalCost   float64                    `json:"total_cost"`
	ByModel     map[ModelClass]ModelBreakdown `json:"by_model"`
}

func newCounters() *counters {
	return &counters{ByModel: make(map[ModelClass]ModelBreakdown)}
}

func (c *counters) add(r *Record) {
	c.TotalTokens += r.InputTokens + r.OutputTokens
	c.TotalCost += r.Cost
	b := c.ByModel[r.ModelClass]
	b.Tokens += r.InputTokens + r.OutputTokens
	b.Cost += r.Cost
	b.Hours += r.Hours()
	c.ByModel[r.ModelClass] = b
}

// FastStore is the aggregate accelerator the spec calls the "fast store":
// a key-value index over daily/weekly counters, rebuildable from durable
// records at any time. If absent, summaries fall back to Store queries.
type FastStore interface {
	Add(key string, r *Record) error
	Get(key string) (*counters, error)
}

func dailyKey(userID string, t time.Time) string {
	return fmt.Sprintf("usage:daily:%s:%s", userID, t.Format("2006-01-02"))
}

func weeklyKey(userID string, t time.Time) string {
	year, week := t.ISOWeek()
	return fmt.Sprintf("usage:weekly:%s:%d-W%02d", userID, year, week)
}

// memFastStore is the in-process FastStore, used when KV_URL is unset.
type memFastStore struct {
	mu   sync.Mutex
	data map[string]*counters
}

func newMemFastStore() *memFastStore {
	return &memFastStore{data: make(map[string]*counters)}
}

func (s *memFastStore) Add(key string, r *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.data[key]
	if !ok {
		c = newCounters()
		s.data[key] = c
	}
	c.add(r)
	return nil
}

func (s *memFastStore) Get(key string) (*counters, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.data[key]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

const usageAggregateBucket = "kernel_usage_aggregates"

// natsFastStore is the distributed FastStore, backed by a JetStream
// KeyValue bucket. Daily keys expire after 7 days, weekly after 30,
// mirroring the spec's stated TTLs; durable records remain the permanent
// source of truth.
type natsFastStore struct {
	dailyKV  nats.KeyValue
	weeklyKV nats.KeyValue
	mu       sync.Mutex
}

// NewNATSFastStore builds the distributed FastStore over an existing
// NATS connection, for wiring at process start when KV_URL is set.
func NewNATSFastStore(conn *nats.Conn) (FastStore, error) {
	return newNATSFastStore(conn)
}

func newNATSFastStore(conn *nats.Conn) (*natsFastStore, error) {
	js, err := conn.JetStream()
	if err != nil {
		return nil, fmt.Errorf("usage: jetstream context: %w", err)
	}

	daily, err := openOrCreateKV(js, usageAggregateBucket+"_daily", 7*24*time.Hour)
	if err != nil {
		return nil, err
	}
	weekly, err := openOrCreateKV(js, usageAggregateBucket+"_weekly", 30*24*time.Hour)
	if err != nil {
		return nil, err
	}
	return &natsFastStore{dailyKV: daily, weeklyKV: weekly}, nil
}

func openOrCreateKV(js nats.JetStreamContext, bucket string, ttl time.Duration) (nats.KeyValue, error) {
	kv, err := js.KeyValue(bucket)
	if err == nats.ErrBucketNotFound {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{Bucket: bucket, TTL: ttl})
	}
	if err != nil {
		return nil, fmt.Errorf("usage: open bucket %s: %w", bucket, err)
	}
	return kv, nil
}

func (s *natsFastStore) kvFor(key string) nats.KeyValue {
	if len(key) >= len("usage:daily:") && key[:len("usage:daily:")] == "usage:daily:" {
		return s.dailyKV
	}
	return s.weeklyKV
}

func (s *natsFastStore) Add(key string, r *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	kv := s.kvFor(key)
	safeKey := kvSafeKey(key)

	c, err := s.getLocked(kv, safeKey)
	if err != nil {
		return err
	}
	if c == nil {
		c = newCounters()
	}
	c.add(r)

	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("usage: marshal counters: %w", err)
	}
	if _, err := kv.Put(safeKey, data); err != nil {
		return fmt.Errorf("usage: put counters: %w", err)
	}
	return nil
}

func (s *natsFastStore) Get(key string) (*counters, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(s.kvFor(key), kvSafeKey(key))
}

func (s *natsFastStore) getLocked(kv nats.KeyValue, safeKey string) (*counters, error) {
	entry, err := kv.Get(safeKey)
	if err == nats.ErrKeyNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("usage: get counters: %w", err)
	}
	var c counters
	if err := json.Unmarshal(entry.Value(), &c); err != nil {
		return nil, fmt.Errorf("usage: unmarshal counters: %w", err)
	}
	return &c, nil
}

// kvSafeKey replaces ':' with '.': NATS KV keys disallow colons. Mirrors
// lockmgr's helper of the same name; kept package-local since the two
// packages never share this string transform across an import boundary.
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
