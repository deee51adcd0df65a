package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/usermgmt/internal/model"
)

// PostgreSQLの一意制約違反コード
const uniqueViolation = pq.ErrorCode("23505")

const accountColumns = `id, username, password_hash, role, tenant_id,
		        created_by, created_at, modified_by, modified_at`

// PostgresAccountRepo はPostgreSQLを使用したアカウントリポジトリ。
type PostgresAccountRepo struct {
	db *sql.DB
}

// NewPostgresAccountRepo はPostgresAccountRepoを生成する。
func NewPostgresAccountRepo(db *sql.DB) *PostgresAccountRepo {
	return &PostgresAccountRepo{db: db}
}

// rowScanner は*sql.Rowと*sql.Rowsの共通インターフェース。
type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(s rowScanner) (*model.Account, error) {
	acc := &model.Account{}
	var role string
	var modifiedBy sql.NullString
	var modifiedAt sql.NullTime

	if err := s.Scan(
		&acc.ID, &acc.Username, &acc.PasswordHash, &role, &acc.TenantID,
		&acc.CreatedBy, &acc.CreatedAt, &modifiedBy, &modifiedAt,
	); err != nil {
		return nil, err
	}

	parsed, err := model.ParseRole(role)
	if err != nil {
		return nil, fmt.Errorf("account %d has %w", acc.ID, err)
	}
	acc.Role = parsed
	acc.ModifiedBy = nullStringPtr(modifiedBy)
	acc.ModifiedAt = nullTimePtr(modifiedAt)

	return acc, nil
}

// FindByID は指定IDのアカウントを取得する。見つからない場合はnilを返す。
func (r *PostgresAccountRepo) FindByID(ctx context.Context, id int64) (*model.Account, error) {
	acc, err := scanAccount(r.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+`
		 FROM accounts WHERE id = $1`,
		id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storeError("failed to find account by ID", err)
	}
	return acc, nil
}

// FindByUsername はユーザー名でアカウントを検索する。見つからない場合はnilを返す。
func (r *PostgresAccountRepo) FindByUsername(ctx context.Context, username string) (*model.Account, error) {
	acc, err := scanAccount(r.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+`
		 FROM accounts WHERE username = $1`,
		username,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storeError("failed to find account by username", err)
	}
	return acc, nil
}

// FindByTenant は指定テナントの全アカウントをID順で取得する。
func (r *PostgresAccountRepo) FindByTenant(ctx context.Context, tenantID int64) ([]*model.Account, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+accountColumns+`
		 FROM accounts WHERE tenant_id = $1
		 ORDER BY id`,
		tenantID,
	)
	if err != nil {
		return nil, storeError("failed to list accounts", err)
	}
	defer rows.Close()

	accounts := []*model.Account{}
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, storeError("failed to scan account", err)
		}
		accounts = append(accounts, acc)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError("failed to iterate accounts", err)
	}

	return accounts, nil
}

// Insert はアカウントを作成し、採番されたIDをacc.IDに設定する。
func (r *PostgresAccountRepo) Insert(ctx context.Context, acc *model.Account) error {
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO accounts (username, password_hash, role, tenant_id, created_by, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id`,
		acc.Username, acc.PasswordHash, acc.Role.String(), acc.TenantID, acc.CreatedBy, acc.CreatedAt,
	).Scan(&acc.ID)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s", model.ErrUsernameTaken, acc.Username)
	}
	if err != nil {
		return storeError("failed to insert account", err)
	}
	return nil
}

// Update はアカウントの可変属性と更新監査項目を保存する。
// 作成監査項目(created_by, created_at)は更新しない。
func (r *PostgresAccountRepo) Update(ctx context.Context, acc *model.Account) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE accounts
		 SET username = $1, password_hash = $2, role = $3, tenant_id = $4,
		     modified_by = $5, modified_at = $6
		 WHERE id = $7`,
		acc.Username, acc.PasswordHash, acc.Role.String(), acc.TenantID,
		acc.ModifiedBy, acc.ModifiedAt, acc.ID,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s", model.ErrUsernameTaken, acc.Username)
	}
	if err != nil {
		return storeError("failed to update account", err)
	}
	return expectOneRow(result, acc.ID)
}

// Delete は指定IDのアカウントを削除する。
func (r *PostgresAccountRepo) Delete(ctx context.Context, id int64) error {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM accounts WHERE id = $1`,
		id,
	)
	if err != nil {
		return storeError("failed to delete account", err)
	}
	return expectOneRow(result, id)
}

// Ping はストアへの疎通を確認する。
func (r *PostgresAccountRepo) Ping(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return storeError("failed to ping database", err)
	}
	return nil
}

func expectOneRow(result sql.Result, id int64) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return storeError("failed to get rows affected", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: account %d", model.ErrNotFound, id)
	}
	return nil
}

func storeError(msg string, err error) error {
	return fmt.Errorf("%w: %s: %w", model.ErrStoreUnavailable, msg, err)
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

func nullStringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func nullTimePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

// compile-time interface check
var _ AccountRepository = (*PostgresAccountRepo)(nil)
