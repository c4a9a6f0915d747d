package model

import "time"

// AttemptReason はログイン試行ログに記録する理由コード。
type AttemptReason string

// 失敗理由コード
const (
	ReasonAccountLocked      AttemptReason = "account_locked"
	ReasonInvalidCredentials AttemptReason = "invalid_credentials"
	ReasonEmailNotVerified   AttemptReason = "email_not_verified"
	ReasonMissing2FACode     AttemptReason = "missing_2fa_code"
	ReasonMissing2FAFields   AttemptReason = "missing_2fa_fields"
	ReasonExpired2FACode     AttemptReason = "expired_2fa_code"
	ReasonInvalid2FACode     AttemptReason = "invalid_2fa_code"
	ReasonPendingExpired     AttemptReason = "pending_session_expired"
	ReasonResendRateLimited  AttemptReason = "resend_rate_limited"
)

// 成功側のタグ
const (
	ReasonPending2FA        AttemptReason = "pending_2fa"
	ReasonCompletedWith2FA  AttemptReason = "completed_with_2fa"
	ReasonCompletedLoginDev AttemptReason = "completed_login_dev"

	// ReasonVerificationResend は再送のレート制限カウントに使う。失敗ではない。
	ReasonVerificationResend AttemptReason = "email_verification_resend"
)

// LoginAttempt は認証試行1回分の追記専用レコード。
// Emailは実在ユーザーとは限らない。
type LoginAttempt struct {
	ID        string
	Email     string
	IPAddress string
	UserAgent string
	Success   bool
	Reason    AttemptReason // 空文字列はNULLとして保存する
	CreatedAt time.Time
}
