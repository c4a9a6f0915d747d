// Package model はドメインモデルを定義する。
package model

import "time"

// ユーザーのロール。ログイン後の遷移先の決定に使う。
const (
	RoleAdmin      = "admin"
	RoleDispatcher = "dispatcher"
	RoleResponder  = "responder"
	RoleReporter   = "reporter"
)

// User はログイン可能なユーザーアカウントを表す。
// 作成は外部の管理フローが行い、認証コアはログイン試行ごとに状態を更新する。
type User struct {
	ID           string
	Email        string
	Username     string
	PasswordHash string
	Role         string
	IsActive     bool

	// EmailVerifiedAt がnilの場合はメールアドレス未確認。
	EmailVerifiedAt *time.Time

	// ロックアウト状態
	FailedLoginAttempts int
	LockedUntil         *time.Time

	// 2段階認証コード（HMACハッシュ）と有効期限。両方nilか両方非nil。
	TwoFactorCode      *string
	TwoFactorExpiresAt *time.Time

	LastLoginAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// IsEmailVerified はメールアドレスが確認済みかどうかを返す。
func (u *User) IsEmailVerified() bool {
	return u.EmailVerifiedAt != nil
}

// Session はユーザーの認証済みログインセッションを表す。
type Session struct {
	ID        string
	UserID    string
	Remember  bool
	ExpiresAt time.Time
	CreatedAt time.Time
}

// PendingAuthSession はパスワード検証済み・2段階認証未完了の状態を表す。
// 認証済みとして扱ってはならない。
type PendingAuthSession struct {
	UserID    string    `json:"user_id"`
	Email     string    `json:"email"`
	Remember  bool      `json:"remember"`
	CreatedAt time.Time `json:"created_at"`

	// Consumed は2段階認証に成功して閉じられた後のマーカーであることを示す。
	// Consumedなレコードはオープンなセッションとして扱わない。
	Consumed bool `json:"consumed,omitempty"`
}
