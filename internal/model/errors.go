// Package model はドメインモデルを定義する。
package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeInvalidCredentials = "INVALID_CREDENTIALS"
	ErrCodeAccountLocked      = "ACCOUNT_LOCKED"
	ErrCodeEmailNotVerified   = "EMAIL_NOT_VERIFIED"
	ErrCodeInvalidCode        = "INVALID_2FA_CODE"
	ErrCodeExpiredCode        = "EXPIRED_2FA_CODE"
	ErrCodeSessionExpired     = "SESSION_EXPIRED"
	ErrCodeResendRateLimited  = "RESEND_RATE_LIMITED"
	ErrCodeCodeDispatchFailed = "CODE_DISPATCH_FAILED"
	ErrCodeSystemUnavailable  = "SYSTEM_UNAVAILABLE"
	ErrCodeInvalidRequest     = "INVALID_REQUEST"
	ErrCodeUnauthorized       = "UNAUTHORIZED"
	ErrCodeUserNotFound       = "USER_NOT_FOUND"
	ErrCodeCSRFInvalid        = "CSRF_TOKEN_INVALID"
	ErrCodeRateLimitExceeded  = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal           = "INTERNAL_ERROR"
)

// NewInvalidCredentialsError は認証情報が正しくない場合のエラーを生成する。
// ユーザーが存在しない場合とパスワード誤りを区別しない。
func NewInvalidCredentialsError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidCredentials,
		Message:  "メールアドレス（ユーザー名）またはパスワードが正しくありません。",
		Category: "auth",
		Action:   "入力内容を確認して再度お試しください。",
	}
}

// NewAccountLockedError はアカウントロック中のエラーを生成する。
func NewAccountLockedError() *APIError {
	return &APIError{
		Code:     ErrCodeAccountLocked,
		Message:  "ログイン失敗が続いたため、アカウントを一時的にロックしています。",
		Category: "auth",
		Action:   "しばらく待ってから再度ログインしてください。",
	}
}

// NewEmailNotVerifiedError はメールアドレス未確認のエラーを生成する。
func NewEmailNotVerifiedError() *APIError {
	return &APIError{
		Code:     ErrCodeEmailNotVerified,
		Message:  "メールアドレスの確認が完了していません。",
		Category: "auth",
		Action:   "確認メールのリンクからメールアドレスを確認してください。",
	}
}

// NewInvalidCodeError は確認コードが一致しない場合のエラーを生成する。
func NewInvalidCodeError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidCode,
		Message:  "確認コードが正しくありません。",
		Category: "auth",
		Action:   "メールに記載された確認コードを入力してください。",
	}
}

// NewExpiredCodeError は確認コードの有効期限切れエラーを生成する。
func NewExpiredCodeError() *APIError {
	return &APIError{
		Code:     ErrCodeExpiredCode,
		Message:  "確認コードの有効期限が切れています。",
		Category: "auth",
		Action:   "確認コードを再送信してください。",
	}
}

// NewSessionExpiredError は2段階認証の待機セッションが存在しない場合のエラーを生成する。
func NewSessionExpiredError() *APIError {
	return &APIError{
		Code:     ErrCodeSessionExpired,
		Message:  "ログインセッションの有効期限が切れました。",
		Category: "auth",
		Action:   "もう一度ログインしてください。",
	}
}

// NewResendRateLimitedError は確認コード再送の回数制限エラーを生成する。
func NewResendRateLimitedError() *APIError {
	return &APIError{
		Code:     ErrCodeResendRateLimited,
		Message:  "確認コードの再送信回数が上限に達しました。",
		Category: "auth",
		Action:   "数分待ってから再度お試しください。",
	}
}

// NewCodeDispatchFailedError は確認コードを送信できなかった場合のエラーを生成する。
func NewCodeDispatchFailedError() *APIError {
	return &APIError{
		Code:     ErrCodeCodeDispatchFailed,
		Message:  "確認コードを送信できませんでした。",
		Category: "system",
		Action:   "しばらく待ってから確認コードを再送信してください。",
	}
}

// NewSystemUnavailableError はシステム障害時の汎用エラーを生成する。
// 内部の詳細は含めない。
func NewSystemUnavailableError() *APIError {
	return &APIError{
		Code:     ErrCodeSystemUnavailable,
		Message:  "現在サービスを利用できません。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewInvalidRequestError はリクエストボディが不正な場合のエラーを生成する。
func NewInvalidRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  fmt.Sprintf("リクエストが不正です: %s", reason),
		Category: "validation",
		Action:   "入力内容を確認してください。",
	}
}

// NewUserNotFoundError はユーザーが見つからない場合のエラーを生成する。
func NewUserNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  "ユーザーが見つかりません。",
		Category: "auth",
		Action:   "ログインし直してください。",
	}
}

// NewUnauthorizedError は認証済みセッションが無い場合のエラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "ログインが必要です。",
		Category: "auth",
		Action:   "ログインしてください。",
	}
}

// NewCSRFInvalidError はCSRFトークン検証に失敗した場合のエラーを生成する。
func NewCSRFInvalidError() *APIError {
	return &APIError{
		Code:     ErrCodeCSRFInvalid,
		Message:  "リクエストを検証できませんでした。",
		Category: "validation",
		Action:   "ページを再読み込みしてから再度お試しください。",
	}
}

// NewRateLimitExceededError はリクエスト頻度の上限を超えた場合のエラーを生成する。
func NewRateLimitExceededError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimitExceeded,
		Message:  "リクエストが多すぎます。",
		Category: "system",
		Action:   "指定された時間が経過してから再度お試しください。",
	}
}

// NewInternalError は予期しないエラーの汎用レスポンスを生成する。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}
