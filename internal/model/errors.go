// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// ドメイン層のセンチネルエラー。呼び出し側はerrors.Isで判定する。
var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrTokenExpired       = errors.New("token expired")
	ErrTokenInvalid       = errors.New("token invalid")
	ErrRateExceeded       = errors.New("rate exceeded")
	ErrForbidden          = errors.New("forbidden")
	ErrNotFound           = errors.New("not found")
	ErrStoreUnavailable   = errors.New("store unavailable")
	ErrUsernameTaken      = errors.New("username already taken")
	ErrValidation         = errors.New("validation error")
	ErrUnknownRole        = errors.New("unknown role")
)

// DenyReason は拒否理由コード。特権呼び出し元にのみ開示する。
type DenyReason int

const (
	ReasonNone DenyReason = iota
	ReasonCrossTenant
	ReasonInsufficientRole
)

// String は拒否理由のコード名を返す。
func (r DenyReason) String() string {
	switch r {
	case ReasonCrossTenant:
		return "CrossTenant"
	case ReasonInsufficientRole:
		return "InsufficientRole"
	default:
		return "None"
	}
}

// DenyError は認可ガードによる明示的な拒否を表す。
// errors.Is(err, ErrForbidden) が真になる。
type DenyError struct {
	Reason DenyReason
}

// Error はerrorインターフェースを実装する。
func (e *DenyError) Error() string {
	return fmt.Sprintf("forbidden: %s", e.Reason)
}

// Is はErrForbiddenとの比較を可能にする。
func (e *DenyError) Is(target error) bool {
	return target == ErrForbidden
}

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, account, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeInvalidCredentials = "INVALID_CREDENTIALS"
	ErrCodeUnauthorized       = "UNAUTHORIZED"
	ErrCodeTokenExpired       = "TOKEN_EXPIRED"
	ErrCodeTokenInvalid       = "TOKEN_INVALID"
	ErrCodeRateLimitExceeded  = "RATE_LIMIT_EXCEEDED"
	ErrCodeForbidden          = "FORBIDDEN"
	ErrCodeAccountNotFound    = "ACCOUNT_NOT_FOUND"
	ErrCodeUsernameTaken      = "USERNAME_TAKEN"
	ErrCodeValidation         = "VALIDATION_ERROR"
	ErrCodeInternal           = "INTERNAL_ERROR"
)

// NewInvalidCredentialsError はログイン失敗エラーを生成する。
// ユーザー不在とパスワード不一致を区別しない。
func NewInvalidCredentialsError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidCredentials,
		Message:  "ユーザー名またはパスワードが正しくありません。",
		Category: "auth",
		Action:   "入力内容を確認して再度ログインしてください。",
	}
}

// NewUnauthorizedError は認証情報が無いリクエストのエラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "認証が必要です。",
		Category: "auth",
		Action:   "ログインしてください。",
	}
}

// NewTokenExpiredError はトークン期限切れエラーを生成する。
func NewTokenExpiredError() *APIError {
	return &APIError{
		Code:     ErrCodeTokenExpired,
		Message:  "トークンの有効期限が切れています。",
		Category: "auth",
		Action:   "再度ログインしてください。",
	}
}

// NewTokenInvalidError は不正なトークンのエラーを生成する。
func NewTokenInvalidError() *APIError {
	return &APIError{
		Code:     ErrCodeTokenInvalid,
		Message:  "トークンが無効です。",
		Category: "auth",
		Action:   "再度ログインしてください。",
	}
}

// NewRateLimitExceededError はレート制限超過エラーを生成する。
func NewRateLimitExceededError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimitExceeded,
		Message:  "Too many requests. Please try again later.",
		Category: "system",
		Action:   "Please wait and retry after the specified time.",
	}
}

// NewForbiddenError は管理者向けの明示的な拒否エラーを生成する。
func NewForbiddenError(reason DenyReason) *APIError {
	return &APIError{
		Code:     ErrCodeForbidden,
		Message:  fmt.Sprintf("この操作は許可されていません: %s", reason),
		Category: "auth",
		Action:   "操作対象のテナントと権限を確認してください。",
	}
}

// NewAccountNotFoundError はアカウント未検出エラーを生成する。
// 他テナントのアカウントや参照権限のないアカウントにも同じエラーを返す。
func NewAccountNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeAccountNotFound,
		Message:  "指定されたアカウントが見つかりません。",
		Category: "account",
		Action:   "アカウントIDを確認してください。",
	}
}

// NewUsernameTakenError はユーザー名重複エラーを生成する。
func NewUsernameTakenError(username string) *APIError {
	return &APIError{
		Code:     ErrCodeUsernameTaken,
		Message:  fmt.Sprintf("ユーザー名は既に使用されています: %s", username),
		Category: "validation",
		Action:   "別のユーザー名を指定してください。",
	}
}

// NewValidationError は入力検証エラーを生成する。
func NewValidationError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeValidation,
		Message:  fmt.Sprintf("入力内容が正しくありません: %s", reason),
		Category: "validation",
		Action:   "入力内容を確認してください。",
	}
}

// NewInternalError は内部エラーを生成する。詳細はログにのみ記録する。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}
