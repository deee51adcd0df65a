// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"

	"github.com/hitoshi/usermgmt/internal/model"
)

// AccountRepository はアカウントデータの永続化インターフェース。
// ドライバ起因の失敗はmodel.ErrStoreUnavailableでラップして返す。
type AccountRepository interface {
	// FindByID は指定IDのアカウントを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id int64) (*model.Account, error)

	// FindByUsername はユーザー名でアカウントを検索する。見つからない場合はnilを返す。
	FindByUsername(ctx context.Context, username string) (*model.Account, error)

	// FindByTenant は指定テナントの全アカウントをID順で取得する。
	FindByTenant(ctx context.Context, tenantID int64) ([]*model.Account, error)

	// Insert はアカウントを作成し、採番されたIDをacc.IDに設定する。
	// ユーザー名が重複する場合はmodel.ErrUsernameTakenを返す。
	Insert(ctx context.Context, acc *model.Account) error

	// Update はアカウントの可変属性と更新監査項目を保存する。
	// 対象が存在しない場合はmodel.ErrNotFoundを返す。
	Update(ctx context.Context, acc *model.Account) error

	// Delete は指定IDのアカウントを削除する。
	// 対象が存在しない場合はmodel.ErrNotFoundを返す。
	Delete(ctx context.Context, id int64) error

	// Ping はストアへの疎通を確認する。
	Ping(ctx context.Context) error
}
