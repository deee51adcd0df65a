// Package model はドメインモデルを定義する。
package model

import (
	"fmt"
	"time"
)

// Role はアカウントの権限ロールを表す。
// 文字列比較による判定ミスを避けるため、閉じた列挙型として扱う。
type Role int

const (
	// RoleUser は一般ユーザー。自テナントの非管理者アカウントのみ参照できる。
	RoleUser Role = iota + 1
	// RoleAdmin はテナント管理者。自テナントのアカウントを作成・更新・削除できる。
	RoleAdmin
)

// String はDBおよびトークンに格納するロール名を返す。
func (r Role) String() string {
	switch r {
	case RoleAdmin:
		return "Admin"
	case RoleUser:
		return "User"
	default:
		return fmt.Sprintf("Role(%d)", int(r))
	}
}

// Valid は定義済みのロールかどうかを返す。
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleUser:
		return true
	default:
		return false
	}
}

// ParseRole はロール名をRoleに変換する。未知の値はErrUnknownRoleを返す。
func ParseRole(s string) (Role, error) {
	switch s {
	case "Admin":
		return RoleAdmin, nil
	case "User":
		return RoleUser, nil
	default:
		return 0, fmt.Errorf("%w %q", ErrUnknownRole, s)
	}
}

// MarshalText はJSONエンコード時にロール名を出力する。
func (r Role) MarshalText() ([]byte, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("invalid role %d", int(r))
	}
	return []byte(r.String()), nil
}

// UnmarshalText はロール名からRoleを復元する。
func (r *Role) UnmarshalText(b []byte) error {
	parsed, err := ParseRole(string(b))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// Account はテナントに所属するユーザーアカウントを表す。
// PasswordHashはJSONに出力しない。
type Account struct {
	ID           int64      `json:"id"`
	Username     string     `json:"username"`
	PasswordHash string     `json:"-"`
	Role         Role       `json:"role"`
	TenantID     int64      `json:"tenant_id"`
	CreatedBy    string     `json:"created_by"`
	CreatedAt    time.Time  `json:"created_at"`
	ModifiedBy   *string    `json:"modified_by,omitempty"`
	ModifiedAt   *time.Time `json:"modified_at,omitempty"`
}

// Scope は検証済みクレデンシャルから導出したリクエスト単位の認可情報。
// 解決時に一度だけ構築し、以降は変更しない。
type Scope struct {
	Subject  string
	TenantID int64
	Role     Role
}

// IsAdmin は管理者スコープかどうかを返す。
func (s Scope) IsAdmin() bool {
	return s.Role == RoleAdmin
}

// Operation はアカウントに対する操作種別。
type Operation int

const (
	OpList Operation = iota + 1
	OpRead
	OpCreate
	OpUpdate
	OpDelete
)

// String はログおよびメトリクスのラベルに使う操作名を返す。
func (o Operation) String() string {
	switch o {
	case OpList:
		return "list"
	case OpRead:
		return "read"
	case OpCreate:
		return "create"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	default:
		return fmt.Sprintf("Operation(%d)", int(o))
	}
}
