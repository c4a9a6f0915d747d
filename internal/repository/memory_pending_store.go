package repository

import (
	"context"
	"sync"
	"time"

	"github.com/hitoshi/incidentdesk/internal/model"
)

// MemoryPendingStore はプロセス内メモリを使用した2段階認証待ちセッションストア。
// REDIS_URL未設定時の単一インスタンス構成とテストで使用する。
type MemoryPendingStore struct {
	mu      sync.Mutex
	entries map[string]memoryPendingEntry
	now     func() time.Time
}

type memoryPendingEntry struct {
	pending   model.PendingAuthSession
	expiresAt time.Time
}

// NewMemoryPendingStore はMemoryPendingStoreを生成する。
func NewMemoryPendingStore() *MemoryPendingStore {
	return &MemoryPendingStore{
		entries: make(map[string]memoryPendingEntry),
		now:     time.Now,
	}
}

// Save はレコードのコピーを保存する。
func (s *MemoryPendingStore) Save(_ context.Context, token string, pending *model.PendingAuthSession, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[token] = memoryPendingEntry{
		pending:   *pending,
		expiresAt: s.now().Add(ttl),
	}
	return nil
}

// Find はレコードのコピーを返す。期限切れのエントリはここで削除する。
func (s *MemoryPendingStore) Find(_ context.Context, token string) (*model.PendingAuthSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[token]
	if !ok {
		return nil, nil
	}
	if !s.now().Before(entry.expiresAt) {
		delete(s.entries, token)
		return nil, nil
	}

	pending := entry.pending
	return &pending, nil
}

// Delete はレコードを削除する。
func (s *MemoryPendingStore) Delete(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, token)
	return nil
}

// Len は保持しているエントリ数を返す（期限切れを含む）。
func (s *MemoryPendingStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// compile-time interface check
var _ PendingSessionStore = (*MemoryPendingStore)(nil)
