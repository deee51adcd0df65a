package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/usermgmt/internal/account"
	"github.com/hitoshi/usermgmt/internal/model"
)

// リクエストボディの上限
const maxBodyBytes = 1 << 20

// AccountServiceInterface はアカウントハンドラーが必要とするサービスインターフェース。
type AccountServiceInterface interface {
	List(ctx context.Context, scope model.Scope) ([]*model.Account, error)
	Get(ctx context.Context, scope model.Scope, id int64) (*model.Account, error)
	Create(ctx context.Context, scope model.Scope, in account.CreateInput) (*model.Account, error)
	Update(ctx context.Context, scope model.Scope, id int64, in account.UpdateInput) (*model.Account, error)
	Delete(ctx context.Context, scope model.Scope, id int64) error
}

// AccountHandler はアカウント管理のHTTPハンドラー。
type AccountHandler struct {
	service AccountServiceInterface
}

// NewAccountHandler はAccountHandlerを生成する。
func NewAccountHandler(service AccountServiceInterface) *AccountHandler {
	return &AccountHandler{service: service}
}

// accountResponse はアカウント情報のAPIレスポンス。パスワードハッシュは含めない。
type accountResponse struct {
	ID         int64      `json:"id"`
	Username   string     `json:"username"`
	Role       model.Role `json:"role"`
	TenantID   int64      `json:"tenant_id"`
	CreatedBy  string     `json:"created_by"`
	CreatedAt  time.Time  `json:"created_at"`
	ModifiedBy *string    `json:"modified_by,omitempty"`
	ModifiedAt *time.Time `json:"modified_at,omitempty"`
}

func toAccountResponse(acc *model.Account) accountResponse {
	return accountResponse{
		ID:         acc.ID,
		Username:   acc.Username,
		Role:       acc.Role,
		TenantID:   acc.TenantID,
		CreatedBy:  acc.CreatedBy,
		CreatedAt:  acc.CreatedAt,
		ModifiedBy: acc.ModifiedBy,
		ModifiedAt: acc.ModifiedAt,
	}
}

// createAccountRequest はアカウント作成リクエストのボディ。
type createAccountRequest struct {
	Username string     `json:"username"`
	Password string     `json:"password"`
	Role     model.Role `json:"role"`
	TenantID int64      `json:"tenant_id"`
}

// updateAccountRequest はアカウント更新リクエストのボディ。
// IDを指定する場合はパスのIDと一致しなければならない。
type updateAccountRequest struct {
	ID       *int64      `json:"id"`
	Username *string     `json:"username"`
	Password *string     `json:"password"`
	Role     *model.Role `json:"role"`
	TenantID *int64      `json:"tenant_id"`
}

// meResponse は呼び出し元のScope情報。
type meResponse struct {
	Username string     `json:"username"`
	TenantID int64      `json:"tenant_id"`
	Role     model.Role `json:"role"`
}

// List はテナント内のアカウント一覧を返す。
// GET /api/users
func (h *AccountHandler) List(w http.ResponseWriter, r *http.Request) {
	scope, ok := requireScope(w, r)
	if !ok {
		return
	}

	accounts, err := h.service.List(r.Context(), scope)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	resp := make([]accountResponse, 0, len(accounts))
	for _, acc := range accounts {
		resp = append(resp, toAccountResponse(acc))
	}
	writeJSON(w, http.StatusOK, resp)
}

// Get はアカウント詳細を返す。
// GET /api/users/{id}
func (h *AccountHandler) Get(w http.ResponseWriter, r *http.Request) {
	scope, ok := requireScope(w, r)
	if !ok {
		return
	}
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	acc, err := h.service.Get(r.Context(), scope, id)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toAccountResponse(acc))
}

// Create はアカウントを作成する。
// POST /api/users
func (h *AccountHandler) Create(w http.ResponseWriter, r *http.Request) {
	scope, ok := requireScope(w, r)
	if !ok {
		return
	}

	var req createAccountRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeBadRequest(w, "リクエストボディの解析に失敗しました")
		return
	}

	acc, err := h.service.Create(r.Context(), scope, account.CreateInput{
		Username: req.Username,
		Password: req.Password,
		Role:     req.Role,
		TenantID: req.TenantID,
	})
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	w.Header().Set("Location", "/api/users/"+strconv.FormatInt(acc.ID, 10))
	writeJSON(w, http.StatusCreated, toAccountResponse(acc))
}

// Update はアカウントを更新する。
// PUT /api/users/{id}
func (h *AccountHandler) Update(w http.ResponseWriter, r *http.Request) {
	scope, ok := requireScope(w, r)
	if !ok {
		return
	}
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	var req updateAccountRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeBadRequest(w, "リクエストボディの解析に失敗しました")
		return
	}
	if req.ID != nil && *req.ID != id {
		writeBadRequest(w, "パスのIDとボディのIDが一致しません")
		return
	}

	acc, err := h.service.Update(r.Context(), scope, id, account.UpdateInput{
		Username: req.Username,
		Password: req.Password,
		Role:     req.Role,
		TenantID: req.TenantID,
	})
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toAccountResponse(acc))
}

// Delete はアカウントを削除する。
// DELETE /api/users/{id}
func (h *AccountHandler) Delete(w http.ResponseWriter, r *http.Request) {
	scope, ok := requireScope(w, r)
	if !ok {
		return
	}
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	if err := h.service.Delete(r.Context(), scope, id); err != nil {
		handleServiceError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Me は呼び出し元のScopeを返す。
// GET /api/users/me
func (h *AccountHandler) Me(w http.ResponseWriter, r *http.Request) {
	scope, ok := requireScope(w, r)
	if !ok {
		return
	}

	writeJSON(w, http.StatusOK, meResponse{
		Username: scope.Subject,
		TenantID: scope.TenantID,
		Role:     scope.Role,
	})
}

// parseID はパスパラメータのIDを取り出す。不正な値の場合は400を書き込む。
func parseID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeBadRequest(w, "IDが正しくありません")
		return 0, false
	}
	return id, true
}
