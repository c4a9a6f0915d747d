package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/hitoshi/incidentdesk/internal/model"
	"github.com/hitoshi/incidentdesk/internal/repository"
)

// DefaultPendingLifetime は2段階認証待ちセッションの有効期間の既定値。
// 認証コードの有効期間とは独立している。
const DefaultPendingLifetime = 30 * time.Minute

// PendingState はトークンが指す2段階認証待ちセッションの状態。
type PendingState int

const (
	// PendingAbsent は未作成・期限切れ・破棄済みを表す。
	PendingAbsent PendingState = iota
	// PendingOpen はコードの提出を待っている状態。
	PendingOpen
	// PendingConsumed は2段階認証に成功して閉じられた直後の状態。
	PendingConsumed
)

// PendingSessions は2段階認証待ちセッションを管理する。
// 期限は読み出しのたびに作成時刻から判定する。
type PendingSessions struct {
	store    repository.PendingSessionStore
	lifetime time.Duration
	now      func() time.Time
}

// NewPendingSessions はPendingSessionsを生成する。
func NewPendingSessions(store repository.PendingSessionStore, lifetime time.Duration, now func() time.Time) *PendingSessions {
	return &PendingSessions{store: store, lifetime: lifetime, now: now}
}

// Open はユーザーに紐づく2段階認証待ちセッションを作成し、不透明なトークンを返す。
func (p *PendingSessions) Open(ctx context.Context, user *model.User, remember bool) (string, error) {
	token, err := generateToken()
	if err != nil {
		return "", fmt.Errorf("failed to generate pending token: %w", err)
	}

	pending := &model.PendingAuthSession{
		UserID:    user.ID,
		Email:     user.Email,
		Remember:  remember,
		CreatedAt: p.now(),
	}
	if err := p.store.Save(ctx, token, pending, p.lifetime); err != nil {
		return "", unavailable("open pending session", err)
	}
	return token, nil
}

// Lookup はトークンの状態とレコードを返す。期限切れのレコードはPendingAbsentとして扱う。
func (p *PendingSessions) Lookup(ctx context.Context, token string) (*model.PendingAuthSession, PendingState, error) {
	if token == "" {
		return nil, PendingAbsent, nil
	}

	pending, err := p.store.Find(ctx, token)
	if err != nil {
		return nil, PendingAbsent, unavailable("find pending session", err)
	}
	if pending == nil {
		return nil, PendingAbsent, nil
	}
	if !p.now().Before(pending.CreatedAt.Add(p.lifetime)) {
		return nil, PendingAbsent, nil
	}
	if pending.Consumed {
		return pending, PendingConsumed, nil
	}
	return pending, PendingOpen, nil
}

// IsOpen はトークンがコード提出を受け付ける状態かを返す。
func (p *PendingSessions) IsOpen(ctx context.Context, token string) (bool, error) {
	_, state, err := p.Lookup(ctx, token)
	return state == PendingOpen, err
}

// GetUser はオープンなセッションのレコードを返す。オープンでない場合はnilを返す。
func (p *PendingSessions) GetUser(ctx context.Context, token string) (*model.PendingAuthSession, error) {
	pending, state, err := p.Lookup(ctx, token)
	if err != nil || state != PendingOpen {
		return nil, err
	}
	return pending, nil
}

// Close はセッションを破棄する。
func (p *PendingSessions) Close(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	if err := p.store.Delete(ctx, token); err != nil {
		return unavailable("close pending session", err)
	}
	return nil
}

// Consume は認証成功後にセッションを閉じ、残りの有効期間だけ使用済みマーカーを残す。
// 同じトークンでの再提出を期限切れではなく不正なコードとして扱うために使う。
func (p *PendingSessions) Consume(ctx context.Context, token string, pending *model.PendingAuthSession) error {
	remaining := pending.CreatedAt.Add(p.lifetime).Sub(p.now())
	if remaining <= 0 {
		return p.Close(ctx, token)
	}

	marker := *pending
	marker.Consumed = true
	if err := p.store.Save(ctx, token, &marker, remaining); err != nil {
		return unavailable("consume pending session", err)
	}
	return nil
}

// generateToken は暗号的に安全なトークンを生成する。
func generateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
