package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/hitoshi/usermgmt/internal/account"
	"github.com/hitoshi/usermgmt/internal/auth"
	"github.com/hitoshi/usermgmt/internal/middleware"
	"github.com/hitoshi/usermgmt/internal/model"
)

// --- モック定義 ---

type mockAuthService struct {
	loginFn func(ctx context.Context, username, password string) (*auth.LoginResult, error)
}

func (m *mockAuthService) Login(ctx context.Context, username, password string) (*auth.LoginResult, error) {
	if m.loginFn != nil {
		return m.loginFn(ctx, username, password)
	}
	return nil, model.ErrInvalidCredentials
}

type mockAccountService struct {
	listFn   func(ctx context.Context, scope model.Scope) ([]*model.Account, error)
	getFn    func(ctx context.Context, scope model.Scope, id int64) (*model.Account, error)
	createFn func(ctx context.Context, scope model.Scope, in account.CreateInput) (*model.Account, error)
	updateFn func(ctx context.Context, scope model.Scope, id int64, in account.UpdateInput) (*model.Account, error)
	deleteFn func(ctx context.Context, scope model.Scope, id int64) error
}

func (m *mockAccountService) List(ctx context.Context, scope model.Scope) ([]*model.Account, error) {
	if m.listFn != nil {
		return m.listFn(ctx, scope)
	}
	return nil, nil
}

func (m *mockAccountService) Get(ctx context.Context, scope model.Scope, id int64) (*model.Account, error) {
	if m.getFn != nil {
		return m.getFn(ctx, scope, id)
	}
	return nil, model.ErrNotFound
}

func (m *mockAccountService) Create(ctx context.Context, scope model.Scope, in account.CreateInput) (*model.Account, error) {
	if m.createFn != nil {
		return m.createFn(ctx, scope, in)
	}
	return nil, nil
}

func (m *mockAccountService) Update(ctx context.Context, scope model.Scope, id int64, in account.UpdateInput) (*model.Account, error) {
	if m.updateFn != nil {
		return m.updateFn(ctx, scope, id, in)
	}
	return nil, nil
}

func (m *mockAccountService) Delete(ctx context.Context, scope model.Scope, id int64) error {
	if m.deleteFn != nil {
		return m.deleteFn(ctx, scope, id)
	}
	return nil
}

type mockHealthChecker struct {
	err error
}

func (m *mockHealthChecker) Ping(context.Context) error { return m.err }

type mockScopeResolver struct {
	scopes map[string]model.Scope
}

func (m *mockScopeResolver) ResolveFromToken(token string) (model.Scope, error) {
	if s, ok := m.scopes[token]; ok {
		return s, nil
	}
	if token == "expired" {
		return model.Scope{}, model.ErrTokenExpired
	}
	return model.Scope{}, model.ErrTokenInvalid
}

// --- ヘルパー ---

var (
	adminScope = model.Scope{Subject: "admin", TenantID: 1, Role: model.RoleAdmin}
	userScope  = model.Scope{Subject: "user", TenantID: 1, Role: model.RoleUser}
)

func withScope(r *http.Request, scope model.Scope) *http.Request {
	return r.WithContext(middleware.ContextWithScope(r.Context(), scope))
}

func decodeErrorCode(t *testing.T, body []byte) string {
	t.Helper()
	var resp middleware.ErrorResponseBody
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatalf("failed to decode error body %q: %v", body, err)
	}
	return resp.Code
}
