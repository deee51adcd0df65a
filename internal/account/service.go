// Package account はテナント内アカウント管理のアプリケーションサービスを提供する。
// すべての操作は 取得 → 認可 → 監査項目の設定 → 書き込み の順で行う。
package account

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/hitoshi/usermgmt/internal/auth"
	"github.com/hitoshi/usermgmt/internal/authz"
	"github.com/hitoshi/usermgmt/internal/model"
	"github.com/hitoshi/usermgmt/internal/repository"
)

// SystemSubject はブートストラップ時の作成者として記録する主体名。
const SystemSubject = "system"

const (
	maxUsernameLength = 100
	minPasswordLength = 8
)

// CreateInput はアカウント作成の入力。
// TenantIDが0の場合は呼び出し元のテナントに作成する。
type CreateInput struct {
	Username string
	Password string
	Role     model.Role
	TenantID int64
}

// UpdateInput はアカウント更新の入力。nilの項目は変更しない。
type UpdateInput struct {
	Username *string
	Password *string
	Role     *model.Role
	TenantID *int64
}

// Service はアカウント管理のサービス層。
type Service struct {
	repo       repository.AccountRepository
	guard      *authz.Guard
	bcryptCost int
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(repo repository.AccountRepository, guard *authz.Guard, bcryptCost int) *Service {
	return &Service{
		repo:       repo,
		guard:      guard,
		bcryptCost: bcryptCost,
	}
}

// List は呼び出し元のテナントでscopeが参照できるアカウントを返す。
// 一般ユーザーには管理者アカウントを含めない。
func (s *Service) List(ctx context.Context, scope model.Scope) ([]*model.Account, error) {
	decision := s.guard.Authorize(scope, authz.Request{
		Operation: model.OpList,
		TenantID:  scope.TenantID,
	})
	if err := decision.Err(scope); err != nil {
		return nil, err
	}

	accounts, err := s.repo.FindByTenant(ctx, scope.TenantID)
	if err != nil {
		slog.Error("アカウント一覧の取得に失敗しました",
			slog.Int64("tenant_id", scope.TenantID),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}

	filtered := s.guard.Filter(scope, accounts)
	if decision.Filter != nil {
		kept := filtered[:0]
		for _, acc := range filtered {
			if decision.Filter(acc) {
				kept = append(kept, acc)
			}
		}
		filtered = kept
	}

	return filtered, nil
}

// Get はIDでアカウントを取得する。
// 存在しない場合と参照できない場合は区別できないようにmodel.ErrNotFoundを返す。
func (s *Service) Get(ctx context.Context, scope model.Scope, id int64) (*model.Account, error) {
	target, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}

	decision := s.guard.Authorize(scope, authz.Request{
		Operation: model.OpRead,
		Target:    target,
	})
	if err := decision.Err(scope); err != nil {
		return nil, err
	}

	return target, nil
}

// Create はアカウントを作成する。作成できるのは自テナントの管理者のみ。
func (s *Service) Create(ctx context.Context, scope model.Scope, in CreateInput) (*model.Account, error) {
	if in.TenantID == 0 {
		in.TenantID = scope.TenantID
	}

	proposed := &model.Account{
		Username: strings.TrimSpace(in.Username),
		Role:     in.Role,
		TenantID: in.TenantID,
	}

	// 権限の無い呼び出しには入力内容に関わらず同じ結果を返す
	decision := s.guard.Authorize(scope, authz.Request{
		Operation: model.OpCreate,
		TenantID:  in.TenantID,
		Proposed:  proposed,
	})
	if err := decision.Err(scope); err != nil {
		return nil, err
	}

	if err := validateUsername(proposed.Username); err != nil {
		return nil, err
	}
	if err := validateRole(proposed.Role); err != nil {
		return nil, err
	}
	if err := s.setPassword(proposed, in.Password); err != nil {
		return nil, err
	}

	s.guard.StampCreate(scope, proposed)

	if err := s.insert(ctx, proposed); err != nil {
		return nil, err
	}

	slog.Info("アカウントを作成しました",
		slog.Int64("account_id", proposed.ID),
		slog.Int64("tenant_id", proposed.TenantID),
		slog.String("role", proposed.Role.String()),
		slog.String("created_by", scope.Subject),
	)

	return proposed, nil
}

// Update はアカウントを更新する。テナントの付け替えは拒否する。
func (s *Service) Update(ctx context.Context, scope model.Scope, id int64, in UpdateInput) (*model.Account, error) {
	// 一般ユーザーは対象の有無を確認する前に拒否する
	if !scope.IsAdmin() {
		return nil, s.guard.Authorize(scope, authz.Request{Operation: model.OpUpdate}).Err(scope)
	}

	target, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if target == nil {
		return nil, model.ErrNotFound
	}

	proposed := *target
	if in.Username != nil {
		proposed.Username = strings.TrimSpace(*in.Username)
	}
	if in.Role != nil {
		proposed.Role = *in.Role
	}
	if in.TenantID != nil {
		proposed.TenantID = *in.TenantID
	}

	decision := s.guard.Authorize(scope, authz.Request{
		Operation: model.OpUpdate,
		Target:    target,
		Proposed:  &proposed,
	})
	if err := decision.Err(scope); err != nil {
		return nil, err
	}

	if err := validateUsername(proposed.Username); err != nil {
		return nil, err
	}
	if err := validateRole(proposed.Role); err != nil {
		return nil, err
	}
	if in.Password != nil {
		if err := s.setPassword(&proposed, *in.Password); err != nil {
			return nil, err
		}
	}

	s.guard.StampUpdate(scope, &proposed)

	if err := s.repo.Update(ctx, &proposed); err != nil {
		if errors.Is(err, model.ErrNotFound) || errors.Is(err, model.ErrUsernameTaken) {
			return nil, err
		}
		slog.Error("アカウントの更新に失敗しました",
			slog.Int64("account_id", id),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("failed to update account: %w", err)
	}

	slog.Info("アカウントを更新しました",
		slog.Int64("account_id", id),
		slog.Int64("tenant_id", proposed.TenantID),
		slog.String("modified_by", scope.Subject),
	)

	return &proposed, nil
}

// Delete はアカウントを削除する。
func (s *Service) Delete(ctx context.Context, scope model.Scope, id int64) error {
	if !scope.IsAdmin() {
		return s.guard.Authorize(scope, authz.Request{Operation: model.OpDelete}).Err(scope)
	}

	target, err := s.load(ctx, id)
	if err != nil {
		return err
	}

	decision := s.guard.Authorize(scope, authz.Request{
		Operation: model.OpDelete,
		Target:    target,
	})
	if err := decision.Err(scope); err != nil {
		return err
	}

	if err := s.repo.Delete(ctx, id); err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return err
		}
		slog.Error("アカウントの削除に失敗しました",
			slog.Int64("account_id", id),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("failed to delete account: %w", err)
	}

	slog.Info("アカウントを削除しました",
		slog.Int64("account_id", id),
		slog.Int64("tenant_id", target.TenantID),
		slog.String("deleted_by", scope.Subject),
	)

	return nil
}

// CreateBootstrapAdmin はテナント最初の管理者を作成する。
// 呼び出し元のScopeが存在しないため認可判定を行わず、作成者はSystemSubjectとして記録する。
func (s *Service) CreateBootstrapAdmin(ctx context.Context, username, password string, tenantID int64) (*model.Account, error) {
	if tenantID <= 0 {
		return nil, fmt.Errorf("%w: tenant id must be positive", model.ErrValidation)
	}

	acc := &model.Account{
		Username: strings.TrimSpace(username),
		Role:     model.RoleAdmin,
		TenantID: tenantID,
	}
	if err := validateUsername(acc.Username); err != nil {
		return nil, err
	}
	if err := s.setPassword(acc, password); err != nil {
		return nil, err
	}

	s.guard.StampCreate(model.Scope{Subject: SystemSubject, TenantID: tenantID, Role: model.RoleAdmin}, acc)

	if err := s.insert(ctx, acc); err != nil {
		return nil, err
	}

	slog.Info("初期管理者を作成しました",
		slog.Int64("account_id", acc.ID),
		slog.Int64("tenant_id", tenantID),
	)

	return acc, nil
}

func (s *Service) load(ctx context.Context, id int64) (*model.Account, error) {
	acc, err := s.repo.FindByID(ctx, id)
	if err != nil {
		slog.Error("アカウントの取得に失敗しました",
			slog.Int64("account_id", id),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("failed to find account: %w", err)
	}
	// 存在しない対象はGuardがNotFoundと判定する
	return acc, nil
}

func (s *Service) insert(ctx context.Context, acc *model.Account) error {
	if err := s.repo.Insert(ctx, acc); err != nil {
		if errors.Is(err, model.ErrUsernameTaken) {
			return err
		}
		slog.Error("アカウントの作成に失敗しました",
			slog.Int64("tenant_id", acc.TenantID),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

func (s *Service) setPassword(acc *model.Account, password string) error {
	if len(password) < minPasswordLength {
		return fmt.Errorf("%w: password must be at least %d characters", model.ErrValidation, minPasswordLength)
	}
	hash, err := auth.HashPassword(password, s.bcryptCost)
	if err != nil {
		if errors.Is(err, auth.ErrPasswordTooLong) {
			return fmt.Errorf("%w: %v", model.ErrValidation, err)
		}
		return err
	}
	acc.PasswordHash = hash
	return nil
}

func validateUsername(username string) error {
	if username == "" {
		return fmt.Errorf("%w: username is required", model.ErrValidation)
	}
	if utf8.RuneCountInString(username) > maxUsernameLength {
		return fmt.Errorf("%w: username must be at most %d characters", model.ErrValidation, maxUsernameLength)
	}
	return nil
}

func validateRole(role model.Role) error {
	if !role.Valid() {
		return fmt.Errorf("%w: role must be Admin or User", model.ErrValidation)
	}
	return nil
}
