package call

import (
	"hash/fnv"
	"sync"
)

// shardCount количество шардов
// КРИТИЧНО: должно быть степенью 2
const shardCount = 32

type sessionShard struct {
	sessions map[string]*Session
	mutex    sync.RWMutex
}

// shardedSessions карта call id -> сессия с независимым мьютексом на шард
type shardedSessions struct {
	shards [shardCount]*sessionShard
}

func newShardedSessions() *shardedSessions {
	m := &shardedSessions{}
	for i := range m.shards {
		m.shards[i] = &sessionShard{sessions: make(map[string]*Session)}
	}
	return m
}

func shardIndex(id string) uint32 {
	hasher := fnv.New32a()
	hasher.Write([]byte(id))
	return hasher.Sum32() & (shardCount - 1)
}

func (m *shardedSessions) shard(id string) *sessionShard {
	return m.shards[shardIndex(id)]
}

func (m *shardedSessions) get(id string) (*Session, bool) {
	sh := m.shard(id)
	sh.mutex.RLock()
	defer sh.mutex.RUnlock()
	s, ok := sh.sessions[id]
	return s, ok
}

// putIfAbsent вставляет сессию; false, если ключ занят
func (m *shardedSessions) putIfAbsent(id string, s *Session) bool {
	sh := m.shard(id)
	sh.mutex.Lock()
	defer sh.mutex.Unlock()
	if _, exists := sh.sessions[id]; exists {
		return false
	}
	sh.sessions[id] = s
	return true
}

func (m *shardedSessions) delete(id string) (*Session, bool) {
	sh := m.shard(id)
	sh.mutex.Lock()
	defer sh.mutex.Unlock()
	s, ok := sh.sessions[id]
	if ok {
		delete(sh.sessions, id)
	}
	return s, ok
}

// move атомарно переносит сессию с oldID на newID.
// КРИТИЧНО: оба шарда блокируются в порядке индекса, поэтому сканирование
// всех шардов видит сессию ровно под одним из ключей.
func (m *shardedSessions) move(oldID, newID string, during func()) bool {
	a, b := shardIndex(oldID), shardIndex(newID)
	first, second := a, b
	if first > second {
		first, second = second, first
	}
	m.shards[first].mutex.Lock()
	defer m.shards[first].mutex.Unlock()
	if second != first {
		m.shards[second].mutex.Lock()
		defer m.shards[second].mutex.Unlock()
	}

	src, dst := m.shards[a], m.shards[b]
	s, ok := src.sessions[oldID]
	if !ok {
		return false
	}
	if _, busy := dst.sessions[newID]; busy {
		return false
	}
	if during != nil {
		during()
	}
	delete(src.sessions, oldID)
	dst.sessions[newID] = s
	return true
}

// snapshot копия всех сессий; шарды блокируются в порядке индекса
func (m *shardedSessions) snapshot() []*Session {
	for i := range m.shards {
		m.shards[i].mutex.RLock()
	}
	var out []*Session
	for i := range m.shards {
		for _, s := range m.shards[i].sessions {
			out = append(out, s)
		}
	}
	for i := len(m.shards) - 1; i >= 0; i-- {
		m.shards[i].mutex.RUnlock()
	}
	return out
}

func (m *shardedSessions) count() int {
	n := 0
	for i := range m.shards {
		m.shards[i].mutex.RLock()
		n += len(m.shards[i].sessions)
		m.shards[i].mutex.RUnlock()
	}
	return n
}
