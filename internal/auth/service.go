// Package auth はパスワード認証とアクセストークンの発行・検証を提供する。
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hitoshi/usermgmt/internal/metrics"
	"github.com/hitoshi/usermgmt/internal/model"
)

// AccountFinder はログインに必要なアカウント検索のインターフェース。
// repository.AccountRepositoryの部分集合として定義する。
type AccountFinder interface {
	FindByUsername(ctx context.Context, username string) (*model.Account, error)
}

// ServiceConfig は認証サービスの設定。
type ServiceConfig struct {
	Secret        []byte        // HS256署名鍵
	TokenValidity time.Duration // トークン有効期間
	BcryptCost    int           // 存在しないユーザー用ダミーハッシュのコスト

	// Now は現在時刻を返す。nilの場合はtime.Nowを使う。
	Now func() time.Time
}

// LoginResult はログイン成功時に返すトークンと解決済みScope。
type LoginResult struct {
	Token     string
	ExpiresAt time.Time
	Scope     model.Scope
}

// Service は認証に関するビジネスロジックを提供する。
type Service struct {
	accounts  AccountFinder
	config    ServiceConfig
	now       func() time.Time
	parser    *jwt.Parser
	dummyHash string
	metrics   metrics.MetricsCollector
}

// NewService はServiceを生成する。
// 署名鍵が空の場合はエラーを返す。
func NewService(accounts AccountFinder, config ServiceConfig, m metrics.MetricsCollector) (*Service, error) {
	if len(config.Secret) == 0 {
		return nil, fmt.Errorf("token signing secret is required")
	}
	if config.TokenValidity <= 0 {
		return nil, fmt.Errorf("token validity must be positive, got %v", config.TokenValidity)
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if m == nil {
		m = metrics.Nop{}
	}

	// 存在しないユーザーでも同じコストのbcrypt比較を行うためのハッシュ
	dummyHash, err := HashPassword("usermgmt-dummy-password", config.BcryptCost)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare dummy hash: %w", err)
	}

	return &Service{
		accounts: accounts,
		config:   config,
		now:      config.Now,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithExpirationRequired(),
			jwt.WithTimeFunc(config.Now),
		),
		dummyHash: dummyHash,
		metrics:   m,
	}, nil
}

// Authenticate はユーザー名とパスワードを検証し、Scopeを返す。
// ユーザー不在とパスワード不一致はどちらもmodel.ErrInvalidCredentialsを返し、
// 処理時間からも区別できないようにする。
func (s *Service) Authenticate(ctx context.Context, username, password string) (model.Scope, error) {
	acc, err := s.accounts.FindByUsername(ctx, username)
	if errors.Is(err, model.ErrUnknownRole) {
		// 保存済みロールが解釈できないアカウントではログインさせない
		checkPassword(s.dummyHash, password)
		s.loginFailed(username, "invalid_role")
		return model.Scope{}, model.ErrInvalidCredentials
	}
	if err != nil {
		s.metrics.RecordLogin("error")
		slog.Error("login failed",
			slog.String("username", username),
			slog.String("outcome", "store_error"),
			slog.String("error", err.Error()),
		)
		return model.Scope{}, fmt.Errorf("failed to find account: %w", err)
	}

	if acc == nil {
		checkPassword(s.dummyHash, password)
		s.loginFailed(username, "unknown_user")
		return model.Scope{}, model.ErrInvalidCredentials
	}

	if !checkPassword(acc.PasswordHash, password) {
		s.loginFailed(username, "bad_password")
		return model.Scope{}, model.ErrInvalidCredentials
	}

	if !acc.Role.Valid() {
		s.loginFailed(username, "invalid_role")
		return model.Scope{}, model.ErrInvalidCredentials
	}

	s.metrics.RecordLogin("success")
	slog.Info("login succeeded",
		slog.String("username", acc.Username),
		slog.Int64("tenant_id", acc.TenantID),
		slog.String("role", acc.Role.String()),
	)

	return model.Scope{
		Subject:  acc.Username,
		TenantID: acc.TenantID,
		Role:     acc.Role,
	}, nil
}

func (s *Service) loginFailed(username, outcome string) {
	s.metrics.RecordLogin("invalid_credentials")
	slog.Warn("login failed",
		slog.String("username", username),
		slog.String("outcome", outcome),
	)
}

// Login は認証に成功した場合にアクセストークンを発行する。
func (s *Service) Login(ctx context.Context, username, password string) (*LoginResult, error) {
	scope, err := s.Authenticate(ctx, username, password)
	if err != nil {
		return nil, err
	}

	token, expiresAt, err := s.IssueToken(scope)
	if err != nil {
		return nil, err
	}

	return &LoginResult{
		Token:     token,
		ExpiresAt: expiresAt,
		Scope:     scope,
	}, nil
}

// IsCredentialError は認証情報起因のエラーかどうかを返す。
func IsCredentialError(err error) bool {
	return errors.Is(err, model.ErrInvalidCredentials)
}
