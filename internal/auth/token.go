package auth

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hitoshi/usermgmt/internal/model"
)

// Claims はアクセストークンに載せるクレーム。
// 既存クライアントと互換のクレーム名（unique_name, role, CompanyId）を使う。
type Claims struct {
	UniqueName string       `json:"unique_name"`
	Role       string       `json:"role"`
	CompanyID  *TenantClaim `json:"CompanyId,omitempty"`
	jwt.RegisteredClaims
}

// TenantClaim はCompanyIdクレームの値。
// 発行時は文字列として書き出し、検証時は文字列と数値の両方を受け付ける。
type TenantClaim int64

// MarshalJSON はテナントIDを文字列として出力する。
func (c TenantClaim) MarshalJSON() ([]byte, error) {
	return json.Marshal(strconv.FormatInt(int64(c), 10))
}

// UnmarshalJSON は "7" と 7 のどちらの形式も受け付ける。
func (c *TenantClaim) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return fmt.Errorf("CompanyId is not an integer: %q", s)
		}
		*c = TenantClaim(v)
		return nil
	}

	var v int64
	if err := json.Unmarshal(b, &v); err != nil {
		return fmt.Errorf("CompanyId is not an integer: %s", b)
	}
	*c = TenantClaim(v)
	return nil
}

// IssueToken はscopeを載せたHS256署名のアクセストークンを発行する。
func (s *Service) IssueToken(scope model.Scope) (string, time.Time, error) {
	if scope.Subject == "" || !scope.Role.Valid() {
		return "", time.Time{}, fmt.Errorf("cannot issue token for incomplete scope %+v", scope)
	}

	now := s.now()
	expiresAt := now.Add(s.config.TokenValidity)
	tenant := TenantClaim(scope.TenantID)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		UniqueName: scope.Subject,
		Role:       scope.Role.String(),
		CompanyID:  &tenant,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	})

	signed, err := token.SignedString(s.config.Secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}

	// 秒精度に丸めてトークン内のexpと一致させる
	return signed, expiresAt.Truncate(time.Second), nil
}

// ResolveFromToken はトークンを検証してScopeを復元する。
// 期限切れはmodel.ErrTokenExpired、それ以外の欠陥はすべてmodel.ErrTokenInvalidを返す。
func (s *Service) ResolveFromToken(tokenString string) (model.Scope, error) {
	claims := &Claims{}
	_, err := s.parser.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return s.config.Secret, nil
	})
	if err != nil {
		// 署名が正しくないトークンは期限の有無に関わらず不正として扱う
		if errors.Is(err, jwt.ErrTokenExpired) && !errors.Is(err, jwt.ErrTokenSignatureInvalid) {
			return model.Scope{}, model.ErrTokenExpired
		}
		return model.Scope{}, fmt.Errorf("%w: %v", model.ErrTokenInvalid, err)
	}

	return scopeFromClaims(claims)
}

func scopeFromClaims(claims *Claims) (model.Scope, error) {
	if claims.UniqueName == "" {
		return model.Scope{}, fmt.Errorf("%w: missing unique_name", model.ErrTokenInvalid)
	}
	if claims.CompanyID == nil {
		return model.Scope{}, fmt.Errorf("%w: missing CompanyId", model.ErrTokenInvalid)
	}
	role, err := model.ParseRole(claims.Role)
	if err != nil {
		return model.Scope{}, fmt.Errorf("%w: %v", model.ErrTokenInvalid, err)
	}

	return model.Scope{
		Subject:  claims.UniqueName,
		TenantID: int64(*claims.CompanyID),
		Role:     role,
	}, nil
}
