package auth

import (
	"errors"
	"fmt"
)

var (
	// ErrSystemUnavailable はユーザーストア・セッションストア・試行ログの障害を表す。
	// 認証ポリシーによる拒否とは区別して扱う。
	ErrSystemUnavailable = errors.New("authentication backend unavailable")

	// ErrCodeDispatchFailed は認証コード通知の送出に失敗したことを表す。
	// コード自体は保存済みのため、再送で回復できる。
	ErrCodeDispatchFailed = errors.New("two-factor code dispatch failed")

	// ErrAccountLocked は行ロック取得後にアカウントがロック中だと判明したことを表す。
	// 失敗回数・ロック期限は変更されていない。
	ErrAccountLocked = errors.New("account is locked")

	// ErrSessionNotFound は認証済みセッションが存在しない・期限切れであることを表す。
	ErrSessionNotFound = errors.New("session not found or expired")
)

// unavailable はストア障害をErrSystemUnavailableで分類して返す。
func unavailable(op string, err error) error {
	return fmt.Errorf("%w: failed to %s: %w", ErrSystemUnavailable, op, err)
}
