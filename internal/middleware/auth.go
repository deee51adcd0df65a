// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hitoshi/usermgmt/internal/metrics"
	"github.com/hitoshi/usermgmt/internal/model"
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// scopeContextKey はリクエストコンテキストにScopeを格納するためのキー。
var scopeContextKey = contextKey("scope")

// ScopeResolver はベアラートークンからScopeを解決するインターフェース。
// auth.Serviceが実装する。
type ScopeResolver interface {
	ResolveFromToken(token string) (model.Scope, error)
}

// NewAuthMiddleware はAuthorizationヘッダーのベアラートークンを検証し、
// 解決したScopeをリクエストコンテキストに注入するミドルウェアを返す。
// トークンが無い、期限切れ、不正な場合は401 Unauthorizedを返す。
func NewAuthMiddleware(resolver ScopeResolver, m metrics.MetricsCollector) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				m.RecordTokenRejected("missing")
				writeUnauthorized(w, model.NewUnauthorizedError())
				return
			}

			scope, err := resolver.ResolveFromToken(token)
			if err != nil {
				if errors.Is(err, model.ErrTokenExpired) {
					m.RecordTokenRejected("expired")
					writeUnauthorized(w, model.NewTokenExpiredError())
					return
				}
				m.RecordTokenRejected("invalid")
				slog.Warn("token rejected",
					slog.String("error", err.Error()),
					slog.String("request_id", RequestIDFromContext(r.Context())),
				)
				writeUnauthorized(w, model.NewTokenInvalidError())
				return
			}

			recordScope(r.Context(), scope)
			next.ServeHTTP(w, r.WithContext(ContextWithScope(r.Context(), scope)))
		})
	}
}

// bearerToken はAuthorizationヘッダーからトークン文字列を取り出す。
// スキーム名の大文字小文字は区別しない。
func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", false
	}
	return token, true
}

func writeUnauthorized(w http.ResponseWriter, apiErr *model.APIError) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="usermgmt"`)
	WriteErrorResponse(w, http.StatusUnauthorized, apiErr)
}

// ScopeFromContext はリクエストコンテキストからScopeを取得する。
// 認証ミドルウェアを通過したリクエストでのみ有効。
func ScopeFromContext(ctx context.Context) (model.Scope, bool) {
	scope, ok := ctx.Value(scopeContextKey).(model.Scope)
	if !ok || scope.Subject == "" {
		return model.Scope{}, false
	}
	return scope, true
}

// ContextWithScope はコンテキストにScopeを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithScope(ctx context.Context, scope model.Scope) context.Context {
	return context.WithValue(ctx, scopeContextKey, scope)
}
