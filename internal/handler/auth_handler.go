// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/incidentdesk/internal/auth"
	"github.com/hitoshi/incidentdesk/internal/middleware"
	"github.com/hitoshi/incidentdesk/internal/model"
)

// maxAuthBodyBytes は認証エンドポイントが受け付けるリクエストボディの上限。
const maxAuthBodyBytes = 4 << 10

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
type AuthServiceInterface interface {
	Login(ctx context.Context, req auth.LoginRequest) (*auth.LoginResult, error)
	VerifyTwoFactor(ctx context.Context, req auth.VerifyRequest) (*auth.VerifyResult, error)
	ResendTwoFactor(ctx context.Context, pendingToken string, client auth.ClientInfo) (*auth.ResendResult, error)
	Logout(ctx context.Context, sessionID, pendingToken string) (auth.Status, error)
	GetCurrentUser(ctx context.Context, sessionID string) (*model.User, error)
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	CookieDomain string
	CookieSecure bool

	// PendingMaxAge は2段階認証待ちCookieの有効期間（秒）。
	PendingMaxAge int
}

// AuthHandler はログインと2段階認証のHTTPハンドラー。
type AuthHandler struct {
	service AuthServiceInterface
	config  AuthHandlerConfig
	now     func() time.Time
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthServiceInterface, config AuthHandlerConfig) *AuthHandler {
	return &AuthHandler{
		service: service,
		config:  config,
		now:     time.Now,
	}
}

type loginRequestBody struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
	Remember   bool   `json:"remember"`
}

type verifyRequestBody struct {
	Code string `json:"code"`
}

// authResponse は認証エンドポイントの成功レスポンス。
type authResponse struct {
	Status      string     `json:"status"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	Destination string     `json:"destination,omitempty"`
}

// meResponse は現在のユーザー情報。
type meResponse struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	Username    string `json:"username"`
	Role        string `json:"role"`
	Destination string `json:"destination"`
}

// Login はパスワードを検証し、2段階認証待ちまたは認証済みに遷移させる。
// POST /auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var body loginRequestBody
	if !decodeBody(w, r, &body) {
		return
	}

	result, err := h.service.Login(r.Context(), auth.LoginRequest{
		Identifier:          body.Identifier,
		Password:            body.Password,
		Remember:            body.Remember,
		Client:              clientInfo(r),
		CurrentSessionID:    cookieValue(r, middleware.SessionCookieName),
		CurrentPendingToken: cookieValue(r, middleware.PendingCookieName),
	})
	if err != nil {
		h.writeServiceError(w, "login", err)
		return
	}

	// 成功時は既存のセッションがサービス側で破棄されているため、もう一方のCookieを消す
	switch result.Status {
	case auth.StatusAuthenticated:
		h.clearCookie(w, middleware.PendingCookieName)
		h.setSessionCookie(w, result.Session)
		writeJSON(w, http.StatusOK, authResponse{
			Status:      string(result.Status),
			Destination: DestinationFor(result.User.Role),
		})
	case auth.StatusPending2FA:
		h.clearCookie(w, middleware.SessionCookieName)
		h.setPendingCookie(w, result.PendingToken)
		if result.DispatchFailed {
			// 待機セッションは開いているため、クライアントは再送を要求できる
			middleware.WriteErrorResponse(w, http.StatusServiceUnavailable, model.NewCodeDispatchFailedError())
			return
		}
		expiresAt := result.CodeExpiresAt
		writeJSON(w, http.StatusOK, authResponse{
			Status:    string(result.Status),
			ExpiresAt: &expiresAt,
		})
	case auth.StatusLocked:
		middleware.WriteErrorResponse(w, http.StatusLocked, model.NewAccountLockedError())
	case auth.StatusUnverified:
		middleware.WriteErrorResponse(w, http.StatusForbidden, model.NewEmailNotVerifiedError())
	default:
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewInvalidCredentialsError())
	}
}

// VerifyTwoFactor は2段階認証コードを検証し、一致すれば認証済みセッションを発行する。
// POST /auth/2fa/verify
func (h *AuthHandler) VerifyTwoFactor(w http.ResponseWriter, r *http.Request) {
	var body verifyRequestBody
	if !decodeBody(w, r, &body) {
		return
	}

	result, err := h.service.VerifyTwoFactor(r.Context(), auth.VerifyRequest{
		PendingToken: cookieValue(r, middleware.PendingCookieName),
		Code:         body.Code,
		Client:       clientInfo(r),
	})
	if err != nil {
		h.writeServiceError(w, "verify two factor", err)
		return
	}

	switch result.Status {
	case auth.StatusAuthenticated:
		h.clearCookie(w, middleware.PendingCookieName)
		h.setSessionCookie(w, result.Session)
		writeJSON(w, http.StatusOK, authResponse{
			Status:      string(result.Status),
			Destination: DestinationFor(result.User.Role),
		})
	case auth.StatusExpired:
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewExpiredCodeError())
	case auth.StatusSessionExpired:
		h.clearCookie(w, middleware.PendingCookieName)
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewSessionExpiredError())
	default:
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewInvalidCodeError())
	}
}

// ResendTwoFactor は2段階認証コードを再発行する。
// POST /auth/2fa/resend
func (h *AuthHandler) ResendTwoFactor(w http.ResponseWriter, r *http.Request) {
	result, err := h.service.ResendTwoFactor(r.Context(), cookieValue(r, middleware.PendingCookieName), clientInfo(r))
	if err != nil {
		h.writeServiceError(w, "resend two factor", err)
		return
	}

	switch result.Status {
	case auth.StatusSent:
		if result.DispatchFailed {
			middleware.WriteErrorResponse(w, http.StatusServiceUnavailable, model.NewCodeDispatchFailedError())
			return
		}
		expiresAt := result.CodeExpiresAt
		writeJSON(w, http.StatusOK, authResponse{
			Status:    string(result.Status),
			ExpiresAt: &expiresAt,
		})
	case auth.StatusRateLimited:
		middleware.WriteRateLimitedResponse(w, result.RetryAfter, model.NewResendRateLimitedError())
	default:
		h.clearCookie(w, middleware.PendingCookieName)
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewSessionExpiredError())
	}
}

// Logout は認証済みセッションと2段階認証待ちセッションを破棄する。
// POST /auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	status, err := h.service.Logout(r.Context(),
		cookieValue(r, middleware.SessionCookieName),
		cookieValue(r, middleware.PendingCookieName),
	)

	// ログアウト失敗してもCookieはクリアする
	h.clearCookie(w, middleware.SessionCookieName)
	h.clearCookie(w, middleware.PendingCookieName)

	if err != nil {
		h.writeServiceError(w, "logout", err)
		return
	}

	writeJSON(w, http.StatusOK, authResponse{Status: string(status)})
}

// Me は現在のログインユーザー情報を返す。
// GET /auth/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	sessionID := cookieValue(r, middleware.SessionCookieName)
	if sessionID == "" {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	user, err := h.service.GetCurrentUser(r.Context(), sessionID)
	if err != nil {
		if errors.Is(err, auth.ErrSessionNotFound) {
			middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
			return
		}
		h.writeServiceError(w, "get current user", err)
		return
	}

	writeJSON(w, http.StatusOK, meResponse{
		ID:          user.ID,
		Email:       user.Email,
		Username:    user.Username,
		Role:        user.Role,
		Destination: DestinationFor(user.Role),
	})
}

// DestinationFor はロールごとのログイン後の遷移先を返す。
func DestinationFor(role string) string {
	switch role {
	case model.RoleAdmin:
		return "/admin/dashboard"
	case model.RoleDispatcher:
		return "/dispatch"
	case model.RoleResponder:
		return "/incidents"
	default:
		return "/dashboard"
	}
}

// writeServiceError はサービスの障害を内部詳細を含まないレスポンスに変換する。
func (h *AuthHandler) writeServiceError(w http.ResponseWriter, op string, err error) {
	slog.Error("auth operation failed",
		slog.String("operation", op),
		slog.String("error", err.Error()),
	)
	if errors.Is(err, auth.ErrSystemUnavailable) {
		middleware.WriteSystemUnavailable(w)
		return
	}
	middleware.WriteInternalServerError(w)
}

// setSessionCookie は認証済みセッションCookieを設定する。
// rememberでないセッションはブラウザセッション限りのCookieにする（サーバー側の期限は別途適用される）。
func (h *AuthHandler) setSessionCookie(w http.ResponseWriter, session *model.Session) {
	maxAge := 0
	if session.Remember {
		maxAge = int(session.ExpiresAt.Sub(h.now()).Seconds())
		if maxAge <= 0 {
			maxAge = -1
		}
	}
	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookieName,
		Value:    session.ID,
		Path:     "/",
		Domain:   h.config.CookieDomain,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

// setPendingCookie は2段階認証待ちトークンのCookieを設定する。
// /auth配下でのみ送信されるようPathを限定する。
func (h *AuthHandler) setPendingCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     middleware.PendingCookieName,
		Value:    token,
		Path:     "/auth",
		Domain:   h.config.CookieDomain,
		MaxAge:   h.config.PendingMaxAge,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteStrictMode,
	})
}

func (h *AuthHandler) clearCookie(w http.ResponseWriter, name string) {
	path := "/"
	if name == middleware.PendingCookieName {
		path = "/auth"
	}
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     path,
		Domain:   h.config.CookieDomain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

// decodeBody はJSONボディを読み込む。失敗時は400を書き込みfalseを返す。
func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxAuthBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest,
			model.NewInvalidRequestError("JSONの形式が正しくありません"))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func cookieValue(r *http.Request, name string) string {
	cookie, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return cookie.Value
}

func clientInfo(r *http.Request) auth.ClientInfo {
	return auth.ClientInfo{
		IPAddress: middleware.ClientIP(r),
		UserAgent: r.UserAgent(),
	}
}
