// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/hitoshi/incidentdesk/internal/model"
)

const (
	// SessionCookieName は認証済みセッションIDを保持するCookieの名前。
	SessionCookieName = "session_id"
	// PendingCookieName は2段階認証待ちトークンを保持するCookieの名前。
	// このCookieだけでは認証済みとして扱わない。
	PendingCookieName = "pending_auth"
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// userIDContextKey はリクエストコンテキストにユーザーIDを格納するためのキー。
var userIDContextKey = contextKey("user_id")

// SessionFinder はセッションの検索に必要なインターフェース。
// repository.SessionRepositoryの部分集合として定義する。
type SessionFinder interface {
	FindByID(ctx context.Context, id string) (*model.Session, error)
}

// SessionConfig はセッションミドルウェアがCookieを削除するときの属性。
// 発行時と同じDomain・Secureでなければブラウザは削除を受け付けない。
type SessionConfig struct {
	CookieSecure bool
	CookieDomain string
}

// NewSessionMiddleware はsession_id Cookieのセッションを検証し、ユーザーIDをコンテキストに載せる。
// Cookieなしは401、期限切れや失効済みは401とCookie削除、ストア障害は503を返す。
// pending_auth Cookieは見ない。
func NewSessionMiddleware(sessionFinder SessionFinder, config SessionConfig) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cookie, err := r.Cookie(SessionCookieName)
			if err != nil || cookie.Value == "" {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}

			session, err := sessionFinder.FindByID(r.Context(), cookie.Value)
			switch {
			case err != nil:
				slog.ErrorContext(r.Context(), "failed to find session", slog.String("error", err.Error()))
				WriteErrorResponse(w, http.StatusServiceUnavailable, model.NewSystemUnavailableError())
			case session == nil:
				http.SetCookie(w, &http.Cookie{
					Name:     SessionCookieName,
					Value:    "",
					Path:     "/",
					Domain:   config.CookieDomain,
					MaxAge:   -1,
					HttpOnly: true,
					Secure:   config.CookieSecure,
					SameSite: http.SameSiteLaxMode,
				})
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
			default:
				next.ServeHTTP(w, r.WithContext(ContextWithUserID(r.Context(), session.UserID)))
			}
		})
	}
}

// UserIDFromContext はリクエストコンテキストからユーザーIDを取得する。
// セッションミドルウェアを通過したリクエストでのみ有効。
func UserIDFromContext(ctx context.Context) (string, error) {
	userID, ok := ctx.Value(userIDContextKey).(string)
	if !ok || userID == "" {
		return "", fmt.Errorf("user ID not found in context")
	}
	return userID, nil
}

// ContextWithUserID はコンテキストにユーザーIDを注入する。
// 外側のロギングミドルウェアのアクセスログにも反映される。
func ContextWithUserID(ctx context.Context, userID string) context.Context {
	annotateUserID(ctx, userID)
	return context.WithValue(ctx, userIDContextKey, userID)
}
