package auth

import (
	"context"
	"errors"
	"time"

	"github.com/hitoshi/incidentdesk/internal/model"
	"github.com/hitoshi/incidentdesk/internal/repository"
)

const (
	// DefaultLockoutThreshold はロックに至る連続失敗回数の既定値。
	DefaultLockoutThreshold = 5
	// DefaultLockoutDuration はロック期間の既定値。
	DefaultLockoutDuration = 15 * time.Minute
)

// LockoutTracker はユーザーレコード上の失敗回数とロック期限を管理する。
type LockoutTracker struct {
	users     repository.UserRepository
	threshold int
	duration  time.Duration
	now       func() time.Time
}

// NewLockoutTracker はLockoutTrackerを生成する。
func NewLockoutTracker(users repository.UserRepository, threshold int, duration time.Duration, now func() time.Time) *LockoutTracker {
	return &LockoutTracker{
		users:     users,
		threshold: threshold,
		duration:  duration,
		now:       now,
	}
}

// IsLocked はロック期限が未来に設定されているかを返す。
func (t *LockoutTracker) IsLocked(u *model.User) bool {
	return u.LockedUntil != nil && t.now().Before(*u.LockedUntil)
}

// RecordFailure は失敗回数を加算し、閾値に達したらロックする。更新後のユーザーを返す。
// 行ロック取得時点ですでにロック中なら何も変更せず、そのユーザーとErrAccountLockedを返す。
func (t *LockoutTracker) RecordFailure(ctx context.Context, userID string) (*model.User, error) {
	return t.updateUnlessLocked(ctx, userID, t.applyFailure)
}

// RecordSuccess は失敗回数とロックをリセットする。
// 照合後に並行する失敗でロックされていた場合はリセットせずErrAccountLockedを返す。
func (t *LockoutTracker) RecordSuccess(ctx context.Context, userID string) (*model.User, error) {
	return t.updateUnlessLocked(ctx, userID, func(u *model.User) {
		u.FailedLoginAttempts = 0
		u.LockedUntil = nil
	})
}

func (t *LockoutTracker) updateUnlessLocked(ctx context.Context, userID string, apply func(u *model.User)) (*model.User, error) {
	var locked *model.User
	updated, err := t.users.UpdateLocked(ctx, userID, func(u *model.User) error {
		if t.IsLocked(u) {
			cp := *u
			locked = &cp
			return ErrAccountLocked
		}
		apply(u)
		return nil
	})
	if errors.Is(err, ErrAccountLocked) {
		return locked, ErrAccountLocked
	}
	return updated, err
}

func (t *LockoutTracker) applyFailure(u *model.User) {
	now := t.now()

	// 期限切れのロックは失敗回数ごと解除してから数え直す
	if u.LockedUntil != nil && !now.Before(*u.LockedUntil) {
		u.FailedLoginAttempts = 0
		u.LockedUntil = nil
	}

	u.FailedLoginAttempts++
	if u.FailedLoginAttempts >= t.threshold && u.LockedUntil == nil {
		until := now.Add(t.duration)
		u.LockedUntil = &until
	}
}
