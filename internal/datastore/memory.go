package datastore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/samber/mo"
	"go.uber.org/atomic"
)

const defaultShards = 16

type entry struct {
	key       string
	value     json.RawMessage
	expiresAt time.Time // zero => never expires
	index     int       // position in the shard's expiry heap, -1 if absent
}

type shard struct {
	mu     sync.Mutex
	items  map[string]*entry
	expiry expiryHeap
}

// Stats counts store activity since creation.
type Stats struct {
	Hits    int64
	Misses  int64
	Expired int64 // expired entries dropped on access
	Swept   int64 // expired entries dropped by Sweep
}

// Memory is an in-memory Datastore. Keys are spread over independently
// locked shards; every operation on a key runs under its shard's lock.
type Memory struct {
	shards []*shard
	now    func() time.Time

	hits    atomic.Int64
	misses  atomic.Int64
	expired atomic.Int64
	swept   atomic.Int64
}

var (
	_ Datastore = (*Memory)(nil)
	_ Sweeper   = (*Memory)(nil)
)

// MemoryOption configures a Memory store.
type MemoryOption func(*Memory)

// WithShards sets the number of lock shards. Values below 1 are ignored.
func WithShards(n int) MemoryOption {
	return func(m *Memory) {
		if n > 0 {
			m.shards = make([]*shard, n)
		}
	}
}

// WithClock replaces time.Now as the source of the current time.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) {
		if now != nil {
			m.now = now
		}
	}
}

func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		shards: make([]*shard, defaultShards),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	for i := range m.shards {
		m.shards[i] = &shard{items: make(map[string]*entry)}
	}
	return m
}

func (m *Memory) shardFor(key string) *shard {
	return m.shards[xxhash.Sum64String(key)%uint64(len(m.shards))]
}

// live returns the entry for key if it has not expired. An expired entry is
// removed. Must be called with s.mu held.
func (m *Memory) live(s *shard, key string, now time.Time) (*entry, bool) {
	e, ok := s.items[key]
	if !ok {
		return nil, false
	}
	if Expired(e.expiresAt, now) {
		s.remove(e)
		m.expired.Inc()
		return nil, false
	}
	return e, true
}

func (s *shard) remove(e *entry) {
	s.expiry.untrack(e)
	delete(s.items, e.key)
}

func (m *Memory) Get(_ context.Context, key string) (mo.Option[json.RawMessage], error) {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := m.live(s, key, m.now())
	if !ok {
		m.misses.Inc()
		return mo.None[json.RawMessage](), nil
	}
	m.hits.Inc()
	return mo.Some(CloneRaw(e.value)), nil
}

func (m *Memory) Set(_ context.Context, key string, value json.RawMessage, ttl *time.Duration) error {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.items[key]; ok {
		s.remove(old)
	}
	if ttl != nil && *ttl <= 0 {
		return nil
	}
	e := &entry{
		key:       key,
		value:     CloneRaw(value),
		expiresAt: ExpiryFor(m.now(), ttl),
		index:     -1,
	}
	s.items[key] = e
	if !e.expiresAt.IsZero() {
		s.expiry.track(e)
	}
	return nil
}

func (m *Memory) Expire(_ context.Context, key string, ttl time.Duration) error {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := m.now()
	e, ok := m.live(s, key, now)
	if !ok {
		return fmt.Errorf("expire %q: %w", key, ErrNotFound)
	}
	if ttl <= 0 {
		s.remove(e)
		return nil
	}
	e.expiresAt = ExpiryFor(now, &ttl)
	s.expiry.track(e)
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.items[key]; ok {
		s.remove(e)
	}
	return nil
}

func (m *Memory) TTL(_ context.Context, key string) (mo.Option[time.Duration], error) {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := m.now()
	e, ok := m.live(s, key, now)
	if !ok {
		return mo.None[time.Duration](), fmt.Errorf("ttl %q: %w", key, ErrNotFound)
	}
	if e.expiresAt.IsZero() {
		return mo.None[time.Duration](), nil
	}
	return mo.Some(e.expiresAt.Sub(now)), nil
}

func (m *Memory) Keys(_ context.Context, match string) ([]string, error) {
	g, err := CompileMatch(match)
	if err != nil {
		return nil, err
	}
	now := m.now()
	keys := []string{}
	for _, s := range m.shards {
		s.mu.Lock()
		for k, e := range s.items {
			if !Expired(e.expiresAt, now) && Matches(g, k) {
				keys = append(keys, k)
			}
		}
		s.mu.Unlock()
	}
	sort.Strings(keys)
	return keys, nil
}

// Sweep drops expired entries, earliest expiry first, taking each shard's
// lock in turn.
func (m *Memory) Sweep(limit int) (int, error) {
	removed := 0
	for _, s := range m.shards {
		if limit > 0 && removed >= limit {
			break
		}
		removed += m.sweepShard(s, limit-removed, limit > 0)
	}
	m.swept.Add(int64(removed))
	return removed, nil
}

func (m *Memory) sweepShard(s *shard, budget int, bounded bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := m.now()
	n := 0
	for e := s.expiry.peek(); e != nil && Expired(e.expiresAt, now); e = s.expiry.peek() {
		if bounded && n >= budget {
			break
		}
		s.remove(e)
		n++
	}
	return n
}

// Len returns the number of physically stored entries, including expired
// entries not yet reclaimed.
func (m *Memory) Len() int {
	n := 0
	for _, s := range m.shards {
		s.mu.Lock()
		n += len(s.items)
		s.mu.Unlock()
	}
	return n
}

func (m *Memory) Stats() Stats {
	return Stats{
		Hits:    m.hits.Load(),
		Misses:  m.misses.Load(),
		Expired: m.expired.Load(),
		Swept:   m.swept.Load(),
	}
}

// Close drops all entries.
func (m *Memory) Close() error {
	for _, s := range m.shards {
		s.mu.Lock()
		s.items = make(map[string]*entry)
		s.expiry = nil
		s.mu.Unlock()
	}
	return nil
}

// MemoryBackend opens an independent Memory store per collection.
type MemoryBackend struct {
	Options []MemoryOption
}

func (b *MemoryBackend) Open(string) (Datastore, error) {
	return NewMemory(b.Options...), nil
}

func (b *MemoryBackend) Close() error { return nil }
