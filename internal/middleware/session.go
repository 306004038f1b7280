// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/hitoshi/quizbank/internal/model"
	"github.com/hitoshi/quizbank/internal/security"
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

var (
	// userIDContextKey はリクエストコンテキストにユーザーIDを格納するためのキー。
	userIDContextKey = contextKey("user_id")
	// sessionContextKey は検証済みのログインセッションを格納するためのキー。
	sessionContextKey = contextKey("login_session")
)

// SessionValidator はアクセストークンの検証に必要なインターフェース。
// auth.Serviceが実装する。
type SessionValidator interface {
	Validate(ctx context.Context, accessToken string) (*model.LoginSession, error)
}

// RoleLookup はユーザーの現在の権限を取得するインターフェース。
// user.Serviceが実装する。
type RoleLookup interface {
	Role(ctx context.Context, userID string) (model.Role, error)
}

// BearerToken はAuthorizationヘッダーからトークンを取り出す。
// "Bearer <token>"形式とトークンのみの形式の両方を受け付ける。
// ヘッダーが空の場合はfalseを返す。
func BearerToken(r *http.Request) (string, bool) {
	fields := strings.Fields(r.Header.Get("Authorization"))
	switch len(fields) {
	case 0:
		return "", false
	case 1:
		return fields[0], true
	default:
		return strings.Join(fields[1:], " "), true
	}
}

// NewAuthenticateMiddleware はAuthorizationヘッダーのアクセストークンを検証するミドルウェアを返す。
// 検証済みのセッションとユーザーIDをリクエストコンテキストに注入する。
//   - ヘッダーなし: 401 LOGIN_REQUIRED
//   - UUID形式でないトークン: 401 SESSION_INVALID（ストレージには問い合わせない）
//   - 失効・期限切れ: 401
//
// timeoutが正の場合、検証のストレージ呼び出しにその期限を設定する。
func NewAuthenticateMiddleware(validator SessionValidator, timeout time.Duration) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := BearerToken(r)
			if !ok {
				WriteAPIError(w, model.NewLoginRequiredError())
				return
			}
			if !security.IsTokenShaped(token) {
				WriteAPIError(w, model.NewSessionInvalidError())
				return
			}

			ctx := r.Context()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			session, err := validator.Validate(ctx, token)
			if err != nil {
				if model.CodeOf(err) == "" {
					slog.Error("failed to validate session",
						slog.String("error", err.Error()),
					)
				}
				WriteAPIError(w, err)
				return
			}

			next.ServeHTTP(w, r.WithContext(ContextWithSession(r.Context(), session)))
		})
	}
}

// NewRequireRolesMiddleware はユーザーの権限がrolesのいずれかであることを要求するミドルウェアを返す。
// 権限はリクエストごとに取得するため、変更は次のリクエストから反映される。
// NewAuthenticateMiddlewareの後に配置する。
func NewRequireRolesMiddleware(lookup RoleLookup, roles ...model.Role) func(next http.Handler) http.Handler {
	return requireRole(lookup, func(role model.Role) bool {
		return slices.Contains(roles, role)
	})
}

// NewRequireMinRoleMiddleware はユーザーの権限がmin以上であることを要求するミドルウェアを返す。
func NewRequireMinRoleMiddleware(lookup RoleLookup, min model.Role) func(next http.Handler) http.Handler {
	return requireRole(lookup, func(role model.Role) bool {
		return role.AtLeast(min)
	})
}

func requireRole(lookup RoleLookup, allowed func(model.Role) bool) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, err := UserIDFromContext(r.Context())
			if err != nil {
				WriteAPIError(w, model.NewLoginRequiredError())
				return
			}

			role, err := lookup.Role(r.Context(), userID)
			if err != nil {
				if model.CodeOf(err) == model.ErrCodeUserNotFound {
					// セッションは有効だがユーザーが削除済み
					WriteAPIError(w, model.NewForbiddenError())
					return
				}
				slog.Error("failed to look up role",
					slog.String("user_id", userID),
					slog.String("error", err.Error()),
				)
				WriteInternalServerError(w)
				return
			}
			if !allowed(role) {
				slog.Warn("permission denied",
					slog.String("user_id", userID),
					slog.String("role", role.String()),
					slog.String("path", r.URL.Path),
				)
				WriteAPIError(w, model.NewForbiddenError())
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// UserIDFromContext はリクエストコンテキストからユーザーIDを取得する。
// 認証ミドルウェアを通過したリクエストでのみ有効。
func UserIDFromContext(ctx context.Context) (string, error) {
	userID, ok := ctx.Value(userIDContextKey).(string)
	if !ok || userID == "" {
		return "", fmt.Errorf("user ID not found in context")
	}
	return userID, nil
}

// SessionFromContext はリクエストコンテキストから検証済みのセッションを取得する。
func SessionFromContext(ctx context.Context) (*model.LoginSession, bool) {
	session, ok := ctx.Value(sessionContextKey).(*model.LoginSession)
	return session, ok && session != nil
}

// ContextWithUserID はコンテキストにユーザーIDを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDContextKey, userID)
}

// ContextWithSession はコンテキストにセッションとそのユーザーIDを注入する。
func ContextWithSession(ctx context.Context, session *model.LoginSession) context.Context {
	setLogUserID(ctx, session.UserID)
	ctx = context.WithValue(ctx, sessionContextKey, session)
	return ContextWithUserID(ctx, session.UserID)
}
