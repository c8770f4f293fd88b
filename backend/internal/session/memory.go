package session

import (
	"hash/fnv"
	"sync"
	"time"
)

const shardCount = 16

type memoryEntry struct {
	session   *Session
	expiresAt time.Time
}

type memoryShard struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	// generation advances on every Put and Delete in the shard
	generation uint64
}

// MemoryStore is the in-process tier. Entries are spread over shards keyed
// by user id so unrelated users do not contend on one lock.
type MemoryStore struct {
	shards [shardCount]*memoryShard
	now    func() time.Time
}

// NewMemoryStore creates an empty memory tier
func NewMemoryStore() *MemoryStore {
	m := &MemoryStore{now: time.Now}
	for i := range m.shards {
		m.shards[i] = &memoryShard{entries: make(map[string]memoryEntry)}
	}
	return m
}

func (m *MemoryStore) shard(userID string) *memoryShard {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return m.shards[h.Sum32()%shardCount]
}

// Get returns a copy of the live session for userID
func (m *MemoryStore) Get(userID string) (*Session, bool) {
	sh := m.shard(userID)
	sh.mu.RLock()
	entry, ok := sh.entries[userID]
	sh.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if !m.now().Before(entry.expiresAt) {
		sh.mu.Lock()
		if cur, ok := sh.entries[userID]; ok && cur.expiresAt.Equal(entry.expiresAt) {
			delete(sh.entries, userID)
		}
		sh.mu.Unlock()
		return nil, false
	}
	return entry.session.clone(), true
}

// Put stores a copy of s until ttl elapses
func (m *MemoryStore) Put(userID string, s *Session, ttl time.Duration) {
	sh := m.shard(userID)
	sh.mu.Lock()
	sh.entries[userID] = memoryEntry{session: s.clone(), expiresAt: m.now().Add(ttl)}
	sh.generation++
	sh.mu.Unlock()
}

// Generation returns a token that changes whenever userID's shard is written
func (m *MemoryStore) Generation(userID string) uint64 {
	sh := m.shard(userID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return sh.generation
}

// PutIfUnchanged stores s only when no Put or Delete hit userID's shard since
// generation was read. It reports whether the entry was written.
func (m *MemoryStore) PutIfUnchanged(userID string, s *Session, ttl time.Duration, generation uint64) bool {
	sh := m.shard(userID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if sh.generation != generation {
		return false
	}
	sh.entries[userID] = memoryEntry{session: s.clone(), expiresAt: m.now().Add(ttl)}
	sh.generation++
	return true
}

// Delete removes the entry for userID
func (m *MemoryStore) Delete(userID string) {
	sh := m.shard(userID)
	sh.mu.Lock()
	delete(sh.entries, userID)
	sh.generation++
	sh.mu.Unlock()
}
