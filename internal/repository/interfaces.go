// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/incidentdesk/internal/model"
)

// UserRepository はユーザーデータの永続化インターフェース。
// ユーザーの作成・削除は外部の管理フローが行うため、ここでは扱わない。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// FindByEmail はメールアドレス（大文字小文字を区別しない）でユーザーを取得する。
	// 見つからない場合はnilを返す。
	FindByEmail(ctx context.Context, email string) (*model.User, error)

	// FindByUsername はユーザー名（大文字小文字を区別しない）でユーザーを取得する。
	// 見つからない場合はnilを返す。
	FindByUsername(ctx context.Context, username string) (*model.User, error)

	// UpdateLocked はユーザー行を排他ロックした状態でfnを適用し、変更を保存する。
	// 同一ユーザーへの並行更新はこのメソッドで直列化される。
	// fnがエラーを返した場合は変更を破棄してそのエラーを返す。
	// ユーザーが見つからない場合はnilを返す。
	UpdateLocked(ctx context.Context, id string, fn func(u *model.User) error) (*model.User, error)

	// UpdateLockedWithAttempts はUpdateLockedと同じ行ロック・同じトランザクションの中で
	// fnに試行ログの読み書きを許す。fnが追加した試行ログはユーザーの更新と一緒に
	// コミットまたはロールバックされる。
	UpdateLockedWithAttempts(ctx context.Context, id string, fn func(u *model.User, attempts LoginAttemptRepository) error) (*model.User, error)
}

// SessionRepository は認証済みセッションの永続化インターフェース。
type SessionRepository interface {
	// Create はセッションを作成する。
	Create(ctx context.Context, session *model.Session) error
	// FindByID は指定IDのセッションを取得する。期限切れの場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Session, error)
	// DeleteByID は指定IDのセッションを削除する。
	DeleteByID(ctx context.Context, id string) error
	// DeleteByUserID は指定ユーザーの全セッションを削除する。
	DeleteByUserID(ctx context.Context, userID string) error
}

// LoginAttemptRepository はログイン試行ログの永続化インターフェース。
// 追記専用で、更新・削除は提供しない（保持期間を超えた削除はクリーンアップジョブが行う）。
type LoginAttemptRepository interface {
	// Create は試行ログを1件追加する。
	Create(ctx context.Context, attempt *model.LoginAttempt) error

	// CountSince はsince以降に記録された指定メールアドレス・理由コードの件数を返す。
	CountSince(ctx context.Context, email string, reason model.AttemptReason, since time.Time) (int, error)
}

// PendingSessionStore は2段階認証待ちセッションの一時ストア。
// キーはトランスポート層が発行した不透明なトークン。
type PendingSessionStore interface {
	// Save はttlを上限に保持されるレコードを保存する。同じトークンは上書きする。
	Save(ctx context.Context, token string, pending *model.PendingAuthSession, ttl time.Duration) error
	// Find はトークンに対応するレコードを取得する。存在しない・期限切れの場合はnilを返す。
	Find(ctx context.Context, token string) (*model.PendingAuthSession, error)
	// Delete はトークンに対応するレコードを削除する。存在しない場合もエラーにしない。
	Delete(ctx context.Context, token string) error
}
