// Package auth はパスワード認証、ロックアウト、メール確認ゲート、
// サーバー保持型の2段階認証によるログインフローとセッション管理を提供する。
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/hitoshi/incidentdesk/internal/metrics"
	"github.com/hitoshi/incidentdesk/internal/model"
	"github.com/hitoshi/incidentdesk/internal/notify"
	"github.com/hitoshi/incidentdesk/internal/repository"
)

// Status は認証操作の結果区分。ポリシーによる拒否はエラーではなくStatusで返す。
type Status string

const (
	StatusAuthenticated  Status = "authenticated"
	StatusPending2FA     Status = "pending_2fa"
	StatusLocked         Status = "locked"
	StatusInvalid        Status = "invalid"
	StatusUnverified     Status = "unverified"
	StatusExpired        Status = "expired"
	StatusSessionExpired Status = "session_expired"
	StatusSent           Status = "sent"
	StatusRateLimited    Status = "rate_limited"
	StatusOK             Status = "ok"
)

// ServiceConfig は認証サービスの設定。
type ServiceConfig struct {
	LockoutThreshold int
	LockoutDuration  time.Duration

	CodeSecret   []byte
	CodeLength   int
	CodeLifetime time.Duration

	PendingLifetime time.Duration
	ResendLimit     int
	ResendWindow    time.Duration

	SessionMaxAge         time.Duration
	SessionRememberMaxAge time.Duration

	// ローカル開発専用。本番では設定読み込み時に拒否される。
	BypassEmailVerification bool
	BypassTwoFactor         bool
}

// DefaultServiceConfig は既定のポリシーを返す。CodeSecretは呼び出し側で設定する。
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		LockoutThreshold:      DefaultLockoutThreshold,
		LockoutDuration:       DefaultLockoutDuration,
		CodeLength:            DefaultCodeLength,
		CodeLifetime:          DefaultCodeLifetime,
		PendingLifetime:       DefaultPendingLifetime,
		ResendLimit:           DefaultResendLimit,
		ResendWindow:          DefaultResendWindow,
		SessionMaxAge:         24 * time.Hour,
		SessionRememberMaxAge: 30 * 24 * time.Hour,
	}
}

// ServiceDeps は認証サービスが利用する外部コンポーネント。
type ServiceDeps struct {
	Users     repository.UserRepository
	Sessions  repository.SessionRepository
	Attempts  repository.LoginAttemptRepository
	Pending   repository.PendingSessionStore
	Notifier  notify.Notifier
	Passwords *PasswordVerifier
	Metrics   metrics.MetricsCollector // nilの場合は記録しない
	Now       func() time.Time         // nilの場合はtime.Now
}

// Service はログインの状態遷移を組み立てる。
type Service struct {
	users     repository.UserRepository
	sessions  repository.SessionRepository
	passwords *PasswordVerifier
	metrics   metrics.MetricsCollector
	config    ServiceConfig
	now       func() time.Time

	attempts *AttemptLog
	lockout  *LockoutTracker
	codes    *CodeManager
	pending  *PendingSessions
}

// NewService はServiceを生成する。
func NewService(deps ServiceDeps, config ServiceConfig) *Service {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	var m metrics.MetricsCollector = metrics.NopCollector{}
	if deps.Metrics != nil {
		m = deps.Metrics
	}

	attempts := NewAttemptLog(deps.Attempts, m, now)
	return &Service{
		users:     deps.Users,
		sessions:  deps.Sessions,
		passwords: deps.Passwords,
		metrics:   m,
		config:    config,
		now:       now,
		attempts:  attempts,
		lockout:   NewLockoutTracker(deps.Users, config.LockoutThreshold, config.LockoutDuration, now),
		codes: NewCodeManager(deps.Users, attempts, deps.Notifier, m, CodeManagerConfig{
			Secret:       config.CodeSecret,
			Length:       config.CodeLength,
			Lifetime:     config.CodeLifetime,
			ResendLimit:  config.ResendLimit,
			ResendWindow: config.ResendWindow,
		}, now),
		pending: NewPendingSessions(deps.Pending, config.PendingLifetime, now),
	}
}

// LoginRequest はログイン要求。
type LoginRequest struct {
	Identifier string // メールアドレスまたはユーザー名
	Password   string
	Remember   bool
	Client     ClientInfo

	// 要求に付随していた既存のセッション。ログイン処理の中で破棄する。
	CurrentSessionID    string
	CurrentPendingToken string
}

// LoginResult はログインの結果。
type LoginResult struct {
	Status Status
	User   *model.User

	// StatusAuthenticatedの場合のみ設定される。
	Session *model.Session

	// StatusPending2FAの場合のみ設定される。
	PendingToken   string
	CodeExpiresAt  time.Time
	DispatchFailed bool

	// StatusLockedの場合のみ設定される。
	LockedUntil *time.Time
}

// Login は資格情報を検証し、2段階認証待ちまたは認証済みに遷移させる。
func (s *Service) Login(ctx context.Context, req LoginRequest) (*LoginResult, error) {
	result, err := s.login(ctx, req)
	if err != nil {
		s.metrics.RecordLogin("error")
		return nil, err
	}
	s.metrics.RecordLogin(string(result.Status))
	return result, nil
}

func (s *Service) login(ctx context.Context, req LoginRequest) (*LoginResult, error) {
	identifier := strings.TrimSpace(req.Identifier)

	user, err := s.findByIdentifier(ctx, identifier)
	if err != nil {
		return nil, err
	}

	// 存在しない・無効なアカウントでもハッシュ照合を行い、応答時間を揃える
	if user == nil || !user.IsActive {
		s.passwords.CompareDummy(req.Password)
		s.attempts.Record(ctx, identifier, req.Client, false, model.ReasonInvalidCredentials)
		return &LoginResult{Status: StatusInvalid}, nil
	}

	// ロック判定はパスワード照合より前に行う。
	// 照合後の更新でも行ロックの中で再判定する
	if s.lockout.IsLocked(user) {
		return s.rejectLocked(ctx, user, req.Client), nil
	}

	if !s.passwords.Compare(user.PasswordHash, req.Password) {
		updated, err := s.lockout.RecordFailure(ctx, user.ID)
		if errors.Is(err, ErrAccountLocked) {
			return s.rejectLocked(ctx, updated, req.Client), nil
		}
		if err != nil {
			return nil, unavailable("record login failure", err)
		}
		if updated != nil && s.lockout.IsLocked(updated) {
			slog.Warn("account locked after repeated failures",
				slog.String("user_id", user.ID),
				slog.Int("failed_attempts", updated.FailedLoginAttempts),
			)
		}
		s.attempts.Record(ctx, user.Email, req.Client, false, model.ReasonInvalidCredentials)
		return &LoginResult{Status: StatusInvalid}, nil
	}

	if locked, err := s.lockout.RecordSuccess(ctx, user.ID); err != nil {
		if errors.Is(err, ErrAccountLocked) {
			return s.rejectLocked(ctx, locked, req.Client), nil
		}
		return nil, unavailable("reset login failures", err)
	}

	if !user.IsEmailVerified() {
		if !s.config.BypassEmailVerification {
			s.attempts.Record(ctx, user.Email, req.Client, false, model.ReasonEmailNotVerified)
			return &LoginResult{Status: StatusUnverified, User: user}, nil
		}
		if err := s.markEmailVerified(ctx, user); err != nil {
			return nil, err
		}
	}

	// パスワード検証を通過しただけではログイン状態にしない
	if err := s.tearDown(ctx, req.CurrentSessionID, req.CurrentPendingToken); err != nil {
		return nil, err
	}

	if s.config.BypassTwoFactor {
		session, err := s.promote(ctx, user, req.Remember)
		if err != nil {
			return nil, err
		}
		s.attempts.Record(ctx, user.Email, req.Client, true, model.ReasonCompletedLoginDev)
		slog.Warn("two-factor step bypassed", slog.String("user_id", user.ID))
		return &LoginResult{Status: StatusAuthenticated, User: user, Session: session}, nil
	}

	code, issueErr := s.codes.Issue(ctx, user)
	if issueErr != nil && !errors.Is(issueErr, ErrCodeDispatchFailed) {
		return nil, issueErr
	}

	token, err := s.pending.Open(ctx, user, req.Remember)
	if err != nil {
		return nil, err
	}
	s.attempts.Record(ctx, user.Email, req.Client, true, model.ReasonPending2FA)

	slog.Info("two-factor challenge issued",
		slog.String("user_id", user.ID),
		slog.Bool("dispatch_failed", issueErr != nil),
	)

	return &LoginResult{
		Status:         StatusPending2FA,
		User:           user,
		PendingToken:   token,
		CodeExpiresAt:  code.ExpiresAt,
		DispatchFailed: issueErr != nil,
	}, nil
}

func (s *Service) rejectLocked(ctx context.Context, user *model.User, client ClientInfo) *LoginResult {
	s.attempts.Record(ctx, user.Email, client, false, model.ReasonAccountLocked)
	return &LoginResult{Status: StatusLocked, User: user, LockedUntil: user.LockedUntil}
}

// VerifyRequest は2段階認証コードの提出。
type VerifyRequest struct {
	PendingToken string
	Code         string
	Client       ClientInfo
}

// VerifyResult はコード検証の結果。
type VerifyResult struct {
	Status  Status
	User    *model.User
	Session *model.Session // StatusAuthenticatedの場合のみ
}

// VerifyTwoFactor は提出されたコードを検証し、一致すれば認証済みセッションに昇格させる。
// 不一致・期限切れの場合、待機セッションは維持される。
func (s *Service) VerifyTwoFactor(ctx context.Context, req VerifyRequest) (*VerifyResult, error) {
	result, err := s.verifyTwoFactor(ctx, req)
	if err != nil {
		s.metrics.RecordTwoFactorVerify("error")
		return nil, err
	}
	s.metrics.RecordTwoFactorVerify(string(result.Status))
	return result, nil
}

func (s *Service) verifyTwoFactor(ctx context.Context, req VerifyRequest) (*VerifyResult, error) {
	pending, state, err := s.pending.Lookup(ctx, req.PendingToken)
	if err != nil {
		return nil, err
	}

	switch state {
	case PendingAbsent:
		s.attempts.Record(ctx, "", req.Client, false, model.ReasonPendingExpired)
		return &VerifyResult{Status: StatusSessionExpired}, nil
	case PendingConsumed:
		// 認証済みのトークンでの再提出。コードは破棄済みのため不一致として扱う
		s.attempts.Record(ctx, pending.Email, req.Client, false, model.ReasonInvalid2FACode)
		return &VerifyResult{Status: StatusInvalid}, nil
	}

	user, err := s.users.FindByID(ctx, pending.UserID)
	if err != nil {
		return nil, unavailable("find pending user", err)
	}
	if user == nil || !user.IsActive {
		if err := s.pending.Close(ctx, req.PendingToken); err != nil {
			return nil, err
		}
		s.attempts.Record(ctx, pending.Email, req.Client, false, model.ReasonPendingExpired)
		return &VerifyResult{Status: StatusSessionExpired}, nil
	}

	check, err := s.codes.Redeem(ctx, user.ID, req.Code)
	if err != nil {
		return nil, err
	}

	switch check {
	case CodeValid:
		// 成功時のみ待機セッションを閉じる
	case CodeExpired:
		s.attempts.Record(ctx, user.Email, req.Client, false, model.ReasonExpired2FACode)
		return &VerifyResult{Status: StatusExpired, User: user}, nil
	case CodeMissing:
		reason := model.ReasonMissing2FACode
		if NormalizeCode(req.Code) == "" {
			reason = model.ReasonMissing2FAFields
		}
		s.attempts.Record(ctx, user.Email, req.Client, false, reason)
		return &VerifyResult{Status: StatusInvalid, User: user}, nil
	default:
		s.attempts.Record(ctx, user.Email, req.Client, false, model.ReasonInvalid2FACode)
		return &VerifyResult{Status: StatusInvalid, User: user}, nil
	}

	if err := s.pending.Consume(ctx, req.PendingToken, pending); err != nil {
		return nil, err
	}

	session, err := s.promote(ctx, user, pending.Remember)
	if err != nil {
		return nil, err
	}
	s.attempts.Record(ctx, user.Email, req.Client, true, model.ReasonCompletedWith2FA)

	slog.Info("user logged in",
		slog.String("user_id", user.ID),
		slog.Bool("remember", pending.Remember),
	)

	return &VerifyResult{Status: StatusAuthenticated, User: user, Session: session}, nil
}

// ResendResult はコード再送の結果。
type ResendResult struct {
	Status         Status
	CodeExpiresAt  time.Time     // StatusSentの場合のみ
	DispatchFailed bool          // StatusSentの場合のみ
	RetryAfter     time.Duration // StatusRateLimitedの場合のみ
}

// ResendTwoFactor は待機セッションのユーザーにコードを再発行する。
func (s *Service) ResendTwoFactor(ctx context.Context, pendingToken string, client ClientInfo) (*ResendResult, error) {
	result, err := s.resendTwoFactor(ctx, pendingToken, client)
	if err != nil {
		s.metrics.RecordTwoFactorResend("error")
		return nil, err
	}
	s.metrics.RecordTwoFactorResend(string(result.Status))
	return result, nil
}

func (s *Service) resendTwoFactor(ctx context.Context, pendingToken string, client ClientInfo) (*ResendResult, error) {
	pending, err := s.pending.GetUser(ctx, pendingToken)
	if err != nil {
		return nil, err
	}
	if pending == nil {
		s.attempts.Record(ctx, "", client, false, model.ReasonPendingExpired)
		return &ResendResult{Status: StatusSessionExpired}, nil
	}

	user, err := s.users.FindByID(ctx, pending.UserID)
	if err != nil {
		return nil, unavailable("find pending user", err)
	}
	if user == nil || !user.IsActive {
		if err := s.pending.Close(ctx, pendingToken); err != nil {
			return nil, err
		}
		s.attempts.Record(ctx, pending.Email, client, false, model.ReasonPendingExpired)
		return &ResendResult{Status: StatusSessionExpired}, nil
	}

	code, limited, err := s.codes.Resend(ctx, user, client)
	if limited {
		s.attempts.Record(ctx, user.Email, client, false, model.ReasonResendRateLimited)
		return &ResendResult{Status: StatusRateLimited, RetryAfter: s.config.ResendWindow}, nil
	}
	if err != nil && !errors.Is(err, ErrCodeDispatchFailed) {
		return nil, err
	}

	return &ResendResult{
		Status:         StatusSent,
		CodeExpiresAt:  code.ExpiresAt,
		DispatchFailed: err != nil,
	}, nil
}

// Logout は待機セッションと認証済みセッションを破棄する。
func (s *Service) Logout(ctx context.Context, sessionID, pendingToken string) (Status, error) {
	if err := s.tearDown(ctx, sessionID, pendingToken); err != nil {
		return "", err
	}
	if sessionID != "" {
		slog.Info("user logged out")
	}
	return StatusOK, nil
}

// GetCurrentUser は認証済みセッションから現在のユーザーを取得する。
func (s *Service) GetCurrentUser(ctx context.Context, sessionID string) (*model.User, error) {
	if sessionID == "" {
		return nil, ErrSessionNotFound
	}

	session, err := s.sessions.FindByID(ctx, sessionID)
	if err != nil {
		return nil, unavailable("find session", err)
	}
	if session == nil {
		return nil, ErrSessionNotFound
	}

	user, err := s.users.FindByID(ctx, session.UserID)
	if err != nil {
		return nil, unavailable("find user", err)
	}
	if user == nil || !user.IsActive {
		// 無効化されたユーザーは全端末のセッションを失効させる
		if err := s.sessions.DeleteByUserID(ctx, session.UserID); err != nil {
			slog.Warn("failed to revoke sessions of inactive user",
				slog.String("user_id", session.UserID),
				slog.String("error", err.Error()),
			)
		}
		return nil, ErrSessionNotFound
	}

	return user, nil
}

// findByIdentifier はメールアドレスとして解釈できればメールで、そうでなければユーザー名で検索する。
func (s *Service) findByIdentifier(ctx context.Context, identifier string) (*model.User, error) {
	if identifier == "" {
		return nil, nil
	}

	var (
		user *model.User
		err  error
	)
	if isEmailAddress(identifier) {
		user, err = s.users.FindByEmail(ctx, identifier)
	} else {
		user, err = s.users.FindByUsername(ctx, identifier)
	}
	if err != nil {
		return nil, unavailable("find user", err)
	}
	return user, nil
}

func isEmailAddress(identifier string) bool {
	addr, err := mail.ParseAddress(identifier)
	return err == nil && addr.Address == identifier
}

func (s *Service) markEmailVerified(ctx context.Context, user *model.User) error {
	updated, err := s.users.UpdateLocked(ctx, user.ID, func(u *model.User) error {
		if u.EmailVerifiedAt == nil {
			now := s.now()
			u.EmailVerifiedAt = &now
		}
		return nil
	})
	if err != nil {
		return unavailable("mark email verified", err)
	}
	if updated != nil {
		user.EmailVerifiedAt = updated.EmailVerifiedAt
	}
	slog.Warn("email verification bypassed", slog.String("user_id", user.ID))
	return nil
}

// tearDown は要求に付随していた既存のセッションを破棄する。
// 待機セッションに紐づくコードも合わせて破棄する。
func (s *Service) tearDown(ctx context.Context, sessionID, pendingToken string) error {
	if pendingToken != "" {
		pending, err := s.pending.GetUser(ctx, pendingToken)
		if err != nil {
			return err
		}
		if pending != nil {
			if err := s.codes.Clear(ctx, pending.UserID); err != nil {
				return err
			}
		}
		if err := s.pending.Close(ctx, pendingToken); err != nil {
			return err
		}
	}

	if sessionID != "" {
		if err := s.sessions.DeleteByID(ctx, sessionID); err != nil {
			return unavailable("delete session", err)
		}
	}
	return nil
}

// promote は認証済みセッションを作成し、最終ログイン日時を更新する。
func (s *Service) promote(ctx context.Context, user *model.User, remember bool) (*model.Session, error) {
	sessionID, err := generateToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session ID: %w", err)
	}

	maxAge := s.config.SessionMaxAge
	if remember {
		maxAge = s.config.SessionRememberMaxAge
	}

	now := s.now()
	session := &model.Session{
		ID:        sessionID,
		UserID:    user.ID,
		Remember:  remember,
		ExpiresAt: now.Add(maxAge),
		CreatedAt: now,
	}
	if err := s.sessions.Create(ctx, session); err != nil {
		return nil, unavailable("create session", err)
	}

	updated, err := s.users.UpdateLocked(ctx, user.ID, func(u *model.User) error {
		u.LastLoginAt = &now
		return nil
	})
	if err != nil {
		return nil, unavailable("update last login", err)
	}
	if updated != nil {
		user.LastLoginAt = updated.LastLoginAt
	}

	return session, nil
}
