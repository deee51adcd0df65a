// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/usermgmt/internal/middleware"
	"github.com/hitoshi/usermgmt/internal/model"
)

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(body)
}

// writeBadRequest は入力不正のレスポンスを書き込む。
func writeBadRequest(w http.ResponseWriter, reason string) {
	middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewValidationError(reason))
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
// 内部エラーの詳細はログにのみ記録する。
func handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var deny *model.DenyError
	var apiErr *model.APIError

	switch {
	case errors.As(err, &deny):
		middleware.WriteErrorResponse(w, http.StatusForbidden, model.NewForbiddenError(deny.Reason))
	case errors.Is(err, model.ErrNotFound):
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewAccountNotFoundError())
	case errors.Is(err, model.ErrInvalidCredentials):
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewInvalidCredentialsError())
	case errors.Is(err, model.ErrTokenExpired):
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewTokenExpiredError())
	case errors.Is(err, model.ErrTokenInvalid):
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewTokenInvalidError())
	case errors.Is(err, model.ErrRateExceeded):
		middleware.WriteErrorResponse(w, http.StatusTooManyRequests, model.NewRateLimitExceededError())
	case errors.Is(err, model.ErrUsernameTaken):
		middleware.WriteErrorResponse(w, http.StatusConflict, &model.APIError{
			Code:     model.ErrCodeUsernameTaken,
			Message:  "ユーザー名は既に使用されています。",
			Category: "validation",
			Action:   "別のユーザー名を指定してください。",
		})
	case errors.Is(err, model.ErrValidation):
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewValidationError(err.Error()))
	case errors.As(err, &apiErr):
		middleware.WriteErrorResponse(w, http.StatusBadRequest, apiErr)
	default:
		slog.Error("internal server error",
			slog.String("error", err.Error()),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("request_id", middleware.RequestIDFromContext(r.Context())),
		)
		middleware.WriteInternalServerError(w)
	}
}

// requireScope はコンテキストからScopeを取得する。
// 取得できない場合は401を書き込みfalseを返す。
func requireScope(w http.ResponseWriter, r *http.Request) (model.Scope, bool) {
	scope, ok := middleware.ScopeFromContext(r.Context())
	if !ok {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return model.Scope{}, false
	}
	return scope, true
}
