package middleware

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hitoshi/usermgmt/internal/model"
)

// newChain は本番と同じ順序でミドルウェアを組み立てる。
// RequestID -> Logging -> Auth -> Throttle -> handler
func newChain(t *testing.T, resolver ScopeResolver, th *Throttle, h http.Handler) http.Handler {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(&bytes.Buffer{}, nil))
	return NewRequestIDMiddleware()(
		NewLoggingMiddleware(logger)(
			NewAuthMiddleware(resolver, noopMetrics{})(
				th.Middleware()(h),
			),
		),
	)
}

func scopeByToken(scopes map[string]model.Scope) *mockScopeResolver {
	return &mockScopeResolver{
		resolveFn: func(token string) (model.Scope, error) {
			if s, ok := scopes[token]; ok {
				return s, nil
			}
			return model.Scope{}, model.ErrTokenInvalid
		},
	}
}

// TestMiddlewareChain_ThrottleKeysOnResolvedIdentity は
// スロットルが解決済みアイデンティティ単位で数えることを検証する。
func TestMiddlewareChain_ThrottleKeysOnResolvedIdentity(t *testing.T) {
	clock := newFakeClock()
	th := NewThrottle(ThrottleConfig{
		Window:          time.Minute,
		Limit:           3,
		CleanupInterval: time.Hour,
		IdleWindows:     2,
		Now:             clock.Now,
	})
	defer th.Stop()

	resolver := scopeByToken(map[string]model.Scope{
		"tok-alice-1": {Subject: "alice", TenantID: 1, Role: model.RoleUser},
		"tok-alice-2": {Subject: "alice", TenantID: 1, Role: model.RoleUser},
		"tok-bob":     {Subject: "bob", TenantID: 1, Role: model.RoleUser},
	})

	var captured []string
	handler := newChain(t, resolver, th, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scope, _ := ScopeFromContext(r.Context())
		captured = append(captured, scope.Subject)
		w.WriteHeader(http.StatusOK)
	}))

	send := func(token string) int {
		req := httptest.NewRequest(http.MethodGet, "/api/users", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w.Code
	}

	// 別トークンでも同じアイデンティティなら同じカウンタを共有する
	for _, tok := range []string{"tok-alice-1", "tok-alice-2", "tok-alice-1"} {
		if code := send(tok); code != http.StatusOK {
			t.Fatalf("%s: status = %d, want %d", tok, code, http.StatusOK)
		}
	}
	if code := send("tok-alice-2"); code != http.StatusTooManyRequests {
		t.Errorf("4th alice request: status = %d, want %d", code, http.StatusTooManyRequests)
	}
	if code := send("tok-bob"); code != http.StatusOK {
		t.Errorf("bob: status = %d, want %d", code, http.StatusOK)
	}

	if len(captured) != 4 {
		t.Errorf("handler calls = %d, want 4", len(captured))
	}
}

// TestMiddlewareChain_InvalidTokenDoesNotConsumeQuota は
// 認証に失敗したリクエストがスロットルのカウンタを消費しないことを検証する。
func TestMiddlewareChain_InvalidTokenDoesNotConsumeQuota(t *testing.T) {
	clock := newFakeClock()
	th := NewThrottle(ThrottleConfig{
		Window:          time.Minute,
		Limit:           1,
		CleanupInterval: time.Hour,
		IdleWindows:     2,
		Now:             clock.Now,
	})
	defer th.Stop()

	resolver := scopeByToken(map[string]model.Scope{
		"good": {Subject: "alice", TenantID: 1, Role: model.RoleAdmin},
	})
	handler := newChain(t, resolver, th, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/users", nil)
		req.Header.Set("Authorization", "Bearer forged")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want %d", w.Code, http.StatusUnauthorized)
		}
	}

	if th.Len() != 0 {
		t.Errorf("throttle entries = %d, want 0", th.Len())
	}

	req := httptest.NewRequest(http.MethodGet, "/api/users", nil)
	req.Header.Set("Authorization", "Bearer good")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
}

// TestMiddlewareChain_RecoveryReturnsUnifiedError は
// panic時に統一フォーマットの500が返ることを検証する。
func TestMiddlewareChain_RecoveryReturnsUnifiedError(t *testing.T) {
	handler := NewRecoveryMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	resp := w.Result()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusInternalServerError)
	}
	if code := decodeErrorCode(t, resp); code != model.ErrCodeInternal {
		t.Errorf("code = %q, want %q", code, model.ErrCodeInternal)
	}
}

// TestSecurityHeadersMiddleware_SetsHeaders はセキュリティヘッダーが付与されることを検証する。
func TestSecurityHeadersMiddleware_SetsHeaders(t *testing.T) {
	handler := NewSecurityHeadersMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	if got := w.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q, want %q", got, "nosniff")
	}
	if got := w.Header().Get("Cache-Control"); got != "no-store" {
		t.Errorf("Cache-Control = %q, want %q", got, "no-store")
	}
}
