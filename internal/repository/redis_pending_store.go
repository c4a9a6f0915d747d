package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hitoshi/incidentdesk/internal/model"
	"github.com/redis/go-redis/v9"
)

// DefaultPendingKeyPrefix は2段階認証待ちセッションのRedisキー接頭辞。
const DefaultPendingKeyPrefix = "incidentdesk:pending_auth"

// RedisPendingStore はRedisを使用した2段階認証待ちセッションストア。
// 期限切れはRedisのTTLに任せる。
type RedisPendingStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisPendingStore はRedisPendingStoreを生成する。
// prefixが空の場合はDefaultPendingKeyPrefixを使用する。
func NewRedisPendingStore(client redis.UniversalClient, prefix string) *RedisPendingStore {
	trimmed := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if trimmed == "" {
		trimmed = DefaultPendingKeyPrefix
	}
	return &RedisPendingStore{client: client, prefix: trimmed}
}

func (s *RedisPendingStore) key(token string) string {
	return s.prefix + ":" + token
}

// Save はレコードをJSONとしてTTL付きで保存する。
func (s *RedisPendingStore) Save(ctx context.Context, token string, pending *model.PendingAuthSession, ttl time.Duration) error {
	payload, err := json.Marshal(pending)
	if err != nil {
		return fmt.Errorf("failed to encode pending session: %w", err)
	}
	if err := s.client.Set(ctx, s.key(token), payload, ttl).Err(); err != nil {
		return fmt.Errorf("failed to save pending session: %w", err)
	}
	return nil
}

// Find はトークンに対応するレコードを取得する。存在しない場合はnilを返す。
func (s *RedisPendingStore) Find(ctx context.Context, token string) (*model.PendingAuthSession, error) {
	payload, err := s.client.Get(ctx, s.key(token)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find pending session: %w", err)
	}

	var pending model.PendingAuthSession
	if err := json.Unmarshal(payload, &pending); err != nil {
		return nil, fmt.Errorf("failed to decode pending session: %w", err)
	}
	return &pending, nil
}

// Delete はトークンに対応するレコードを削除する。
func (s *RedisPendingStore) Delete(ctx context.Context, token string) error {
	if err := s.client.Del(ctx, s.key(token)).Err(); err != nil {
		return fmt.Errorf("failed to delete pending session: %w", err)
	}
	return nil
}

// compile-time interface check
var _ PendingSessionStore = (*RedisPendingStore)(nil)
