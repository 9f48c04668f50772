package history

import (
	"context"
	"hash/fnv"
	"sync"

	"github.com/suPer8Hu/ollama-relay/internal/ai"
)

const shardCount = 32

type shard struct {
	mu       sync.RWMutex
	sessions map[string][]ai.Message
}

// MemoryStore is a process-local Store. Sessions live until Delete or process exit.
type MemoryStore struct {
	shards [shardCount]*shard
}

func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{}
	for i := range s.shards {
		s.shards[i] = &shard{sessions: make(map[string][]ai.Message)}
	}
	return s
}

func (s *MemoryStore) shardFor(sessionID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(sessionID))
	return s.shards[h.Sum32()%shardCount]
}

func (s *MemoryStore) Get(ctx context.Context, sessionID string) ([]ai.Message, error) {
	_ = ctx
	sh := s.shardFor(sessionID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return append([]ai.Message(nil), sh.sessions[sessionID]...), nil
}

func (s *MemoryStore) Append(ctx context.Context, sessionID string, limit int, msgs ...ai.Message) error {
	_ = ctx
	if len(msgs) == 0 {
		return nil
	}
	sh := s.shardFor(sessionID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	next := append(sh.sessions[sessionID], msgs...)
	if limit > 0 && len(next) > limit {
		// copy so evicted messages are not pinned by the old backing array
		next = append([]ai.Message(nil), next[len(next)-limit:]...)
	}
	sh.sessions[sessionID] = next
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, sessionID string) error {
	_ = ctx
	sh := s.shardFor(sessionID)
	sh.mu.Lock()
	delete(sh.sessions, sessionID)
	sh.mu.Unlock()
	return nil
}

// Len reports the number of sessions held.
func (s *MemoryStore) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		n += len(sh.sessions)
		sh.mu.RUnlock()
	}
	return n
}
